// Package scheduler implements the deterministic cooperative tick
// scheduler: a fixed set of nodes run init once, then tick in
// priority order once per period, then shutdown once, with the
// scheduler sleeping off whatever's left of each tick period.
//
// Grounded on horus_py's PyScheduler (register/add_node/remove_node,
// set_tick_rate, run_for/run, stop/is_running, get_nodes/get_node_info,
// the priority sort-then-dispatch loop and its sleep-remainder timing
// with a periodic overrun warning), adapted from Python's duck-typed
// init/tick(info)-or-tick() dispatch to a single Go interface taking
// a *Context every call.
package scheduler

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultTickRateHz matches PyScheduler::new's default of 100Hz.
const DefaultTickRateHz = 100.0

// MaxTickRateHz and MinTickRateHz bound SetTickRate's accepted range,
// matching the original "0 < rate <= 10000" validation.
const (
	MinTickRateHz = 0.0
	MaxTickRateHz = 10000.0
)

// overrunWarnEvery matches the original "every 100 ticks" cadence for
// logging a tick-overrun diagnostic, so a sustained overrun doesn't
// spam the log every single tick.
const overrunWarnEvery = 100

// Node is one schedulable unit of work. Init runs once before the
// first tick, Tick runs once per scheduler period, and Shutdown runs
// once after the loop exits (including early Stop). A Node that
// panics inside any of these is recovered and logged by the
// scheduler; it does not bring down other nodes or the process.
type Node interface {
	Name() string
	Init(ctx *Context) error
	Tick(ctx *Context) error
	Shutdown(ctx *Context) error
}

// Context carries per-node timing state across one node's Init/Tick/
// Shutdown calls. It is created when the node is registered and is
// not reset when a new run starts.
type Context struct {
	mu          sync.Mutex
	name        string
	loggingOn   bool
	tickCount   uint64
	lastStart   time.Time
	lastElapsed time.Duration
	log         *zap.SugaredLogger
}

func newContext(name string, loggingOn bool, log *zap.SugaredLogger) *Context {
	return &Context{name: name, loggingOn: loggingOn, log: log}
}

func (c *Context) startTick() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastStart = time.Now()
}

func (c *Context) recordTick() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tickCount++
	c.lastElapsed = time.Since(c.lastStart)
}

// TickCount returns how many ticks have completed for this node since
// it was registered, summed over every run; it is not reset between
// runs.
func (c *Context) TickCount() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tickCount
}

// LastElapsed returns the wall-clock duration of this node's most
// recently completed tick.
func (c *Context) LastElapsed() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastElapsed
}

// Name returns the node name this Context was created for.
func (c *Context) Name() string { return c.name }

// LoggingEnabled reports whether this node was registered with
// logging enabled.
func (c *Context) LoggingEnabled() bool { return c.loggingOn }

// Log returns the scheduler's shared logger, for nodes that want to
// emit structured diagnostics through the same sink as the
// scheduler itself.
func (c *Context) Log() *zap.SugaredLogger { return c.log }

type registeredNode struct {
	node      Node
	name      string
	priority  uint32
	loggingOn bool
	ctx       *Context
}

// NodeInfo summarizes one registered node's scheduling metadata, the
// Go analogue of get_node_info's (priority, logging_enabled) tuple.
type NodeInfo struct {
	Name            string
	Priority        uint32
	LoggingEnabled  bool
	TicksCompleted  uint64
	LastTickElapsed time.Duration
}

// Scheduler runs a set of registered Node values in priority order,
// once per tick period, until RunFor's duration elapses or Stop is
// called.
type Scheduler struct {
	mu         sync.Mutex
	nodes      []*registeredNode
	running    bool
	tickRateHz float64
	log        *zap.SugaredLogger
}

// New creates a Scheduler at DefaultTickRateHz.
func New(log *zap.SugaredLogger) *Scheduler {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Scheduler{tickRateHz: DefaultTickRateHz, log: log}
}

// Register adds node to the scheduler with an explicit priority
// (lower runs first) and per-node logging toggle.
func (s *Scheduler) Register(node Node, priority uint32, loggingEnabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	name := node.Name()
	s.nodes = append(s.nodes, &registeredNode{
		node:      node,
		name:      name,
		priority:  priority,
		loggingOn: loggingEnabled,
		ctx:       newContext(name, loggingEnabled, s.log),
	})
	s.log.Infow("node registered", "name", name, "priority", priority, "logging", loggingEnabled)
}

// AddNode registers node with logging disabled and a priority equal
// to the current node count, preserving insertion order for nodes
// that don't care about explicit priority.
func (s *Scheduler) AddNode(node Node) {
	s.mu.Lock()
	priority := uint32(len(s.nodes))
	s.mu.Unlock()
	s.Register(node, priority, false)
}

// Remove drops the node named name. It reports whether a node was
// actually removed.
func (s *Scheduler) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, rn := range s.nodes {
		if rn.name == name {
			s.nodes = append(s.nodes[:i], s.nodes[i+1:]...)
			return true
		}
	}
	return false
}

// SetTickRate changes the scheduler's rate in Hz. It rejects rates
// outside (0, 10000].
func (s *Scheduler) SetTickRate(hz float64) error {
	if hz <= MinTickRateHz || hz > MaxTickRateHz {
		return fmt.Errorf("horus: tick rate must be between 0 and %v Hz, got %v", MaxTickRateHz, hz)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tickRateHz = hz
	return nil
}

// Nodes returns the currently registered node names, in registration
// order (not priority order).
func (s *Scheduler) Nodes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.nodes))
	for i, rn := range s.nodes {
		out[i] = rn.name
	}
	return out
}

// NodeInfo returns scheduling metadata for the named node, or false
// if no such node is registered.
func (s *Scheduler) NodeInfo(name string) (NodeInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rn := range s.nodes {
		if rn.name == name {
			return NodeInfo{
				Name:            rn.name,
				Priority:        rn.priority,
				LoggingEnabled:  rn.loggingOn,
				TicksCompleted:  rn.ctx.TickCount(),
				LastTickElapsed: rn.ctx.LastElapsed(),
			}, true
		}
	}
	return NodeInfo{}, false
}

// IsRunning reports whether a RunUntilStopped/RunFor loop is currently
// executing.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Stop requests the current RunUntilStopped/RunFor loop to exit after
// completing its current tick.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
}

func (s *Scheduler) snapshotSorted() []*registeredNode {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*registeredNode, len(s.nodes))
	copy(out, s.nodes)
	sort.SliceStable(out, func(i, j int) bool { return out[i].priority < out[j].priority })
	return out
}

func (s *Scheduler) runPhase(phase string, fn func(*registeredNode) error) {
	for _, rn := range s.snapshotSorted() {
		s.callGuarded(phase, rn, fn)
	}
}

// callGuarded invokes fn(rn), recovering a panic and logging it the
// same way a failed init/tick/shutdown call is logged, so one
// misbehaving node cannot take down the whole scheduler loop.
func (s *Scheduler) callGuarded(phase string, rn *registeredNode, fn func(*registeredNode) error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Errorw("node panicked", "phase", phase, "name", rn.name, "panic", r)
		}
	}()
	if err := fn(rn); err != nil {
		s.log.Warnw("node returned error", "phase", phase, "name", rn.name, "error", err)
	}
}

// RunFor runs the scheduler loop for approximately duration, then
// shuts every node down and returns. It is an error to call RunFor
// or RunUntilStopped concurrently with another call on the same
// Scheduler.
func (s *Scheduler) RunFor(duration time.Duration) error {
	if duration <= 0 {
		return fmt.Errorf("horus: RunFor duration must be positive, got %v", duration)
	}
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("horus: scheduler is already running")
	}
	s.running = true
	tickRateHz := s.tickRateHz
	s.mu.Unlock()

	tickPeriod := time.Duration(float64(time.Second) / tickRateHz)
	totalTicks := int(duration.Seconds() * tickRateHz)

	s.runPhase("init", func(rn *registeredNode) error { return rn.node.Init(rn.ctx) })

	for tick := 0; tick < totalTicks; tick++ {
		if !s.IsRunning() {
			break
		}
		s.runOneTick(tick, tickPeriod)
	}

	s.runPhase("shutdown", func(rn *registeredNode) error { return rn.node.Shutdown(rn.ctx) })

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	return nil
}

// RunUntilStopped runs the scheduler loop until Stop is called, then
// shuts every node down and returns.
func (s *Scheduler) RunUntilStopped() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("horus: scheduler is already running")
	}
	s.running = true
	tickRateHz := s.tickRateHz
	s.mu.Unlock()

	tickPeriod := time.Duration(float64(time.Second) / tickRateHz)

	s.runPhase("init", func(rn *registeredNode) error { return rn.node.Init(rn.ctx) })

	for tick := 0; s.IsRunning(); tick++ {
		s.runOneTick(tick, tickPeriod)
	}

	s.runPhase("shutdown", func(rn *registeredNode) error { return rn.node.Shutdown(rn.ctx) })
	return nil
}

func (s *Scheduler) runOneTick(tick int, tickPeriod time.Duration) {
	tickStart := time.Now()

	for _, rn := range s.snapshotSorted() {
		rn.ctx.startTick()
		s.callGuarded("tick", rn, func(rn *registeredNode) error { return rn.node.Tick(rn.ctx) })
		rn.ctx.recordTick()
	}

	elapsed := time.Since(tickStart)
	if elapsed < tickPeriod {
		time.Sleep(tickPeriod - elapsed)
	} else if tick%overrunWarnEvery == 0 {
		s.log.Warnw("tick overran its period", "tick", tick, "elapsed", elapsed, "period", tickPeriod)
	}
}
