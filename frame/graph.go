// Package frame implements the hierarchical coordinate-frame (transform)
// graph: a forest of named frames connected by parent/child transform
// edges, each dynamic frame backed by a small History ring of
// timestamped samples, resolved via lowest-common-ancestor
// path-finding the way a ROS2-style TF tree does.
//
// Grounded on horus_py's HFrame Python surface (register_frame,
// update_transform, tf/tf_at, can_transform, parent/children,
// frame_chain) for the external API, and on horus_library's
// CircularBuffer/TFBuffer (see history.go) for per-frame sample
// storage and interpolation.
package frame

import (
	"fmt"
	"sync"
	"time"

	"github.com/horus-robotics/horus/horuserr"
)

// DefaultMaxFrames mirrors HFrameConfig::small()'s 256-frame preset,
// the original project's default robot-scale sizing.
const DefaultMaxFrames = 256

type frameNode struct {
	id       uint32
	name     string
	parent   *frameNode // nil for a root frame
	children map[string]*frameNode
	static   bool
	staticTf Transform // valid only when static
	history  *History  // valid only when !static
}

// Options configures a Graph at construction.
type Options struct {
	// MaxFrames bounds how many frames may be registered. Zero uses
	// DefaultMaxFrames.
	MaxFrames int
	// HistoryLen is the per-frame sample ring capacity. Zero uses
	// DefaultHistoryLen.
	HistoryLen int
}

// Graph is a forest of coordinate frames. Structural changes
// (Register/Unregister) take a write lock; Tf/TfAt/CanTransform/Chain
// and friends take a read lock only long enough to resolve frame
// pointers, then read each frame's History independently so a slow
// interpolation on one frame pair never blocks registration of an
// unrelated frame.
type Graph struct {
	mu         sync.RWMutex
	frames     map[string]*frameNode
	nextID     uint32
	maxFrames  int
	historyLen int
}

// NewGraph creates an empty Graph.
func NewGraph(opts Options) *Graph {
	if opts.MaxFrames <= 0 {
		opts.MaxFrames = DefaultMaxFrames
	}
	if opts.HistoryLen <= 0 {
		opts.HistoryLen = DefaultHistoryLen
	}
	return &Graph{
		frames:     make(map[string]*frameNode, opts.MaxFrames),
		maxFrames:  opts.MaxFrames,
		historyLen: opts.HistoryLen,
	}
}

var (
	defaultGraph     *Graph
	defaultGraphOnce sync.Once
)

// Default returns the process-wide Graph, created on first use with
// DefaultMaxFrames/DefaultHistoryLen.
func Default() *Graph {
	defaultGraphOnce.Do(func() {
		defaultGraph = NewGraph(Options{})
	})
	return defaultGraph
}

// Init replaces the process-wide Graph with one built from opts. It
// must be called before the first call to Default in the process;
// calling it afterward has no effect, mirroring the one-shot
// initialization pattern used for the shared-memory singletons
// elsewhere in horus.
func Init(opts Options) {
	defaultGraphOnce.Do(func() {
		defaultGraph = NewGraph(opts)
	})
}

func (g *Graph) lookupLocked(name string) (*frameNode, error) {
	n, ok := g.frames[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", horuserr.ErrUnknownFrame, name)
	}
	return n, nil
}

// register is shared by Register and RegisterStatic.
func (g *Graph) register(name, parent string, static bool, tf Transform) (uint32, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.frames[name]; exists {
		return 0, fmt.Errorf("%w: %q", horuserr.ErrDuplicate, name)
	}
	if len(g.frames) >= g.maxFrames {
		return 0, horuserr.ErrCapacityExhausted
	}

	var parentNode *frameNode
	if parent != "" {
		p, err := g.lookupLocked(parent)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", horuserr.ErrUnknownParent, parent)
		}
		for cur := p; cur != nil; cur = cur.parent {
			if cur.name == name {
				return 0, fmt.Errorf("%w: %q -> %q", horuserr.ErrWouldCycle, name, parent)
			}
		}
		parentNode = p
	}

	n := &frameNode{
		id:       g.nextID,
		name:     name,
		parent:   parentNode,
		children: make(map[string]*frameNode),
		static:   static,
	}
	if static {
		n.staticTf = tf
	} else {
		n.history = NewHistory(g.historyLen)
	}
	g.nextID++
	g.frames[name] = n
	if parentNode != nil {
		parentNode.children[name] = n
	}
	return n.id, nil
}

// Register adds a dynamic frame named name, parented under parent (or
// as a root, if parent is ""). Its transform is supplied later via
// Update.
func (g *Graph) Register(name, parent string) (uint32, error) {
	return g.register(name, parent, false, Transform{})
}

// RegisterStatic adds a frame whose transform from parent never
// changes.
func (g *Graph) RegisterStatic(name, parent string, tf Transform) (uint32, error) {
	return g.register(name, parent, true, tf)
}

// Unregister removes a dynamic frame. It fails with ErrInUse if
// another frame still lists it as a parent.
func (g *Graph) Unregister(name string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	n, err := g.lookupLocked(name)
	if err != nil {
		return err
	}
	if len(n.children) > 0 {
		return fmt.Errorf("%w: %q", horuserr.ErrInUse, name)
	}
	if n.parent != nil {
		delete(n.parent.children, name)
	}
	delete(g.frames, name)
	return nil
}

// HasFrame reports whether name is currently registered.
func (g *Graph) HasFrame(name string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.frames[name]
	return ok
}

// FrameCount returns the number of registered frames.
func (g *Graph) FrameCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.frames)
}

// AllFrames returns every registered frame name, in no particular
// order.
func (g *Graph) AllFrames() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, 0, len(g.frames))
	for name := range g.frames {
		out = append(out, name)
	}
	return out
}

// Parent returns name's parent frame, or "" if name is a root or does
// not exist.
func (g *Graph) Parent(name string) (string, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.frames[name]
	if !ok || n.parent == nil {
		return "", false
	}
	return n.parent.name, true
}

// Children returns name's direct children.
func (g *Graph) Children(name string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.frames[name]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(n.children))
	for c := range n.children {
		out = append(out, c)
	}
	return out
}

// Update records a new sample for a dynamic frame at ts (nanoseconds
// since an arbitrary epoch, matching the scheduler's tick clock).
// Updating a static frame is an error.
func (g *Graph) Update(name string, tf Transform, ts time.Duration) error {
	g.mu.RLock()
	n, err := g.lookupLocked(name)
	g.mu.RUnlock()
	if err != nil {
		return err
	}
	if n.static {
		return fmt.Errorf("horus: cannot Update static frame %q", name)
	}
	n.history.Push(ts, tf)
	return nil
}

// pathToRoot walks n up to its root, returning the chain including n
// itself, root-last (n first, root last).
func pathToRoot(n *frameNode) []*frameNode {
	var chain []*frameNode
	for cur := n; cur != nil; cur = cur.parent {
		chain = append(chain, cur)
	}
	return chain
}

// lowestCommonAncestor finds the LCA of src and dst plus each node's
// path up to (not including) the LCA, for composing a src->dst
// transform via parent-to-child chains on both sides.
func lowestCommonAncestor(src, dst *frameNode) (lca *frameNode, srcUp, dstUp []*frameNode, ok bool) {
	srcChain := pathToRoot(src)
	dstChain := pathToRoot(dst)

	dstIndex := make(map[*frameNode]int, len(dstChain))
	for i, n := range dstChain {
		dstIndex[n] = i
	}
	for i, n := range srcChain {
		if j, found := dstIndex[n]; found {
			return n, srcChain[:i], dstChain[:j], true
		}
	}
	return nil, nil, nil, false
}

// resolveAt returns the static or interpolated transform from a node to
// its immediate parent at ts, or the latest sample when useTs is
// false.
func resolveAt(n *frameNode, ts time.Duration, useTs bool) (Transform, error) {
	if n.static {
		return n.staticTf, nil
	}
	if useTs {
		if tf, ok := n.history.Interpolated(ts); ok {
			return tf, nil
		}
	} else if _, tf, ok := n.history.Latest(); ok {
		return tf, nil
	}
	return Transform{}, fmt.Errorf("horus: frame %q has no recorded transform", n.name)
}

func (g *Graph) resolveChain(src, dst string, ts time.Duration, useTs bool) (Transform, error) {
	g.mu.RLock()
	srcNode, err := g.lookupLocked(src)
	if err != nil {
		g.mu.RUnlock()
		return Transform{}, err
	}
	dstNode, err := g.lookupLocked(dst)
	if err != nil {
		g.mu.RUnlock()
		return Transform{}, err
	}
	_, srcUp, dstUp, ok := lowestCommonAncestor(srcNode, dstNode)
	g.mu.RUnlock()
	if !ok {
		return Transform{}, fmt.Errorf("%w: %q -> %q", horuserr.ErrNoConnection, src, dst)
	}

	// srcUp is [src, ..., child-of-lca]. Each node's own published
	// transform already maps that node's frame into its parent's frame
	// (child->parent), so composing outward from the LCA end down to
	// src — each step becoming the new inner transform — builds
	// src->lca directly: src->lca = (child-of-lca->lca) ... (src->parent(src)).
	srcToLca := Identity()
	for i := len(srcUp) - 1; i >= 0; i-- {
		step, err := resolveAt(srcUp[i], ts, useTs)
		if err != nil {
			return Transform{}, err
		}
		srcToLca = srcToLca.Compose(step)
	}
	dstToLca := Identity()
	for i := len(dstUp) - 1; i >= 0; i-- {
		step, err := resolveAt(dstUp[i], ts, useTs)
		if err != nil {
			return Transform{}, err
		}
		dstToLca = dstToLca.Compose(step)
	}

	// src -> dst = (lca -> dst) composed with (src -> lca), and
	// lca -> dst is the inverse of dstToLca.
	return dstToLca.Inverse().Compose(srcToLca), nil
}

// Tf returns the transform that maps points from src's frame into
// dst's frame, using each frame's latest sample.
func (g *Graph) Tf(src, dst string) (Transform, error) {
	return g.resolveChain(src, dst, 0, false)
}

// TfAt returns the src->dst transform as it was (or is interpolated
// to be) at ts.
func (g *Graph) TfAt(src, dst string, ts time.Duration) (Transform, error) {
	return g.resolveChain(src, dst, ts, true)
}

// CanTransform reports whether a transform path exists between src
// and dst (they share a common ancestor), without resolving any
// actual sample data.
func (g *Graph) CanTransform(src, dst string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	srcNode, ok1 := g.frames[src]
	dstNode, ok2 := g.frames[dst]
	if !ok1 || !ok2 {
		return false
	}
	_, _, _, ok := lowestCommonAncestor(srcNode, dstNode)
	return ok
}

// Chain returns the sequence of frame names walked from src to dst,
// via their lowest common ancestor.
func (g *Graph) Chain(src, dst string) ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	srcNode, err := g.lookupLocked(src)
	if err != nil {
		return nil, err
	}
	dstNode, err := g.lookupLocked(dst)
	if err != nil {
		return nil, err
	}
	lca, srcUp, dstUp, ok := lowestCommonAncestor(srcNode, dstNode)
	if !ok {
		return nil, fmt.Errorf("%w: %q -> %q", horuserr.ErrNoConnection, src, dst)
	}
	out := make([]string, 0, len(srcUp)+len(dstUp)+1)
	for _, n := range srcUp {
		out = append(out, n.name)
	}
	out = append(out, lca.name)
	for i := len(dstUp) - 1; i >= 0; i-- {
		out = append(out, dstUp[i].name)
	}
	return out, nil
}

// Closest returns the sample recorded closest to ts for a dynamic
// frame, without interpolating between bracketing samples the way
// TfAt does. A static frame returns its fixed transform with a zero
// timestamp; unknown names and frames with no samples report an error.
func (g *Graph) Closest(name string, ts time.Duration) (time.Duration, Transform, error) {
	g.mu.RLock()
	n, err := g.lookupLocked(name)
	g.mu.RUnlock()
	if err != nil {
		return 0, Transform{}, err
	}
	if n.static {
		return 0, n.staticTf, nil
	}
	foundTs, tf, ok := n.history.Closest(ts)
	if !ok {
		return 0, Transform{}, fmt.Errorf("horus: frame %q has no recorded transform", name)
	}
	return foundTs, tf, nil
}

// Prune discards samples older than olderThan (relative to now)
// across every dynamic frame's history.
func (g *Graph) Prune(now time.Duration, olderThan time.Duration) {
	g.mu.RLock()
	histories := make([]*History, 0, len(g.frames))
	for _, n := range g.frames {
		if !n.static {
			histories = append(histories, n.history)
		}
	}
	g.mu.RUnlock()
	cutoff := now - olderThan
	for _, h := range histories {
		h.PruneBefore(cutoff)
	}
}
