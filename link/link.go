// Package link implements the SPSC shared-memory channel: a
// single-producer, single-consumer bounded ring buffer addressed
// directly inside a shm.Region, so a Send on one process's Link
// handle becomes visible to a TryRecv on another process's handle
// for the same region name with no copy through a kernel socket.
//
// The ring algorithm is Lamport's classic cached-head/cached-tail
// scheme (code.hybscloud.com/lfq's SPSC[T]), laid out as a
// repr(C)-equivalent fixed header so two independent Go processes
// agree on field offsets without sharing any Go type metadata.
package link

import (
	"fmt"
	"reflect"
	"runtime"
	"time"
	"unsafe"

	"code.hybscloud.com/atomix"
	"go.uber.org/zap"

	"github.com/horus-robotics/horus/horuserr"
	"github.com/horus-robotics/horus/internal/ringmem"
	"github.com/horus-robotics/horus/shm"
)

// linkMagic identifies an initialized Link header. A freshly mmap'd,
// zero-filled region reads back 0 here, which is how an attacher tells
// "owner hasn't finished initializing yet" apart from "wrong layout".
const linkMagic = 0x4c494e4b // "LINK"

// roleUnclaimed / roleClaimed mark the consumerClaimed CAS flag carved
// out of the header's reserved padding span. The owner is always the
// producer (see Open); the first attacher to win the CAS becomes the
// consumer, and a third opener observes roleClaimed already set and
// fails with ErrRoleExhausted.
const (
	roleUnclaimed uint64 = 0
	roleClaimed   uint64 = 1
)

// attachRetries/attachBackoff bound how long an attacher waits for a
// racing owner to finish writing magic/layoutHash/capacity before
// giving up with ErrUninitialized, mirroring the original Link's
// "spin briefly, then fail" attach path.
const (
	attachRetries = 2000
	attachBackoff = 50 * time.Microsecond
)

// header is the fixed layout living at the base of the region,
// bit-exact with horus_core's LinkHeader: magic@0, layout_hash@8,
// capacity@16, element_size@24, head@32, tail@40, with the
// consumerClaimed role-assignment flag carved out of the header's
// reserved 48-63 padding span rather than appended after it, so the
// cross-process wire layout matches the original byte for byte.
type header struct {
	magic           atomix.Uint64 // offset 0
	layoutHash      atomix.Uint64 // offset 8
	capacity        atomix.Uint64 // offset 16
	elementSize     atomix.Uint64 // offset 24
	head            atomix.Uint64 // offset 32, consumer-owned, written every TryRecv
	tail            atomix.Uint64 // offset 40, producer-owned, written every Send
	consumerClaimed atomix.Uint64 // offset 48, private role-assignment flag
	_               [8]byte       // offset 56, reserved
}

const headerSize = int(unsafe.Sizeof(header{}))

// Role identifies which end of a Link a handle represents.
type Role int

const (
	RoleProducer Role = iota
	RoleConsumer
)

func (r Role) String() string {
	if r == RoleProducer {
		return "producer"
	}
	return "consumer"
}

// Link is one end of an SPSC shared-memory channel for element type T.
// A Link value is not safe for concurrent use by multiple goroutines
// on the same end; the Producer and Consumer ends may be driven
// concurrently with each other by design.
type Link[T any] struct {
	region *shm.Region
	hdr    *header
	buf    unsafe.Pointer // base of the T ring, immediately after header
	mask   uint64
	role   Role
	log    *zap.SugaredLogger

	cachedHead uint64 // producer's cached view of consumer's head
	cachedTail uint64 // consumer's cached view of producer's tail
}

// DefaultCapacity matches the original Link::new default of 1024
// slots.
const DefaultCapacity = 1024

// Open creates-or-attaches the Link backing "horus/links/<topic>". The
// first process to open a given topic becomes the Producer and
// initializes the header; the second becomes the Consumer and
// validates against it. A third Open on the same topic fails with
// horuserr.ErrRoleExhausted.
func Open[T any](topic string, capacityHint int, log *zap.SugaredLogger) (*Link[T], error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	var zero T
	elemType := reflect.TypeOf(zero)
	if elemType == nil {
		return nil, fmt.Errorf("horus: link element type must be a concrete, non-interface type")
	}
	if err := ringmem.ValidateFixedLayout(elemType); err != nil {
		return nil, err
	}

	capacity := uint64(ringmem.RoundToPow2(capacityHint))
	elemSize := uint64(elemType.Size())
	layoutHash := ringmem.LayoutHash(elemType)

	regionSize := headerSize + int(capacity)*int(elemSize)
	region, err := shm.Open("horus/links/"+topic, regionSize, log)
	if err != nil {
		return nil, err
	}

	hdr := (*header)(unsafe.Pointer(region.AsPtr()))
	buf := unsafe.Add(unsafe.Pointer(region.AsPtr()), headerSize)

	l := &Link[T]{
		region: region,
		hdr:    hdr,
		buf:    buf,
		mask:   capacity - 1,
		log:    log,
	}

	if region.IsOwner() {
		l.role = RoleProducer
		hdr.capacity.StoreRelaxed(capacity)
		hdr.elementSize.StoreRelaxed(elemSize)
		hdr.layoutHash.StoreRelaxed(layoutHash)
		hdr.head.StoreRelaxed(0)
		hdr.tail.StoreRelaxed(0)
		hdr.consumerClaimed.StoreRelaxed(roleUnclaimed)
		hdr.magic.StoreRelease(linkMagic)
		log.Infow("link opened as producer", "topic", topic, "capacity", capacity)
		return l, nil
	}

	if err := l.awaitInitialized(); err != nil {
		region.Close()
		return nil, err
	}
	if hdr.capacity.LoadAcquire() != capacity || hdr.elementSize.LoadAcquire() != elemSize || hdr.layoutHash.LoadAcquire() != layoutHash {
		region.Close()
		return nil, fmt.Errorf("%w: link %q", horuserr.ErrLayoutMismatch, topic)
	}
	l.mask = hdr.capacity.LoadAcquire() - 1

	if !hdr.consumerClaimed.CompareAndSwapAcqRel(roleUnclaimed, roleClaimed) {
		region.Close()
		return nil, fmt.Errorf("%w: link %q", horuserr.ErrRoleExhausted, topic)
	}
	l.role = RoleConsumer
	log.Infow("link opened as consumer", "topic", topic, "capacity", l.mask+1)
	return l, nil
}

func (l *Link[T]) awaitInitialized() error {
	for i := 0; i < attachRetries; i++ {
		if l.hdr.magic.LoadAcquire() == linkMagic {
			return nil
		}
		time.Sleep(attachBackoff)
	}
	return horuserr.ErrUninitialized
}

// Role reports whether this handle is the Producer or Consumer end.
func (l *Link[T]) Role() Role { return l.role }

// Cap returns the ring's slot count (a power of two >= 2).
func (l *Link[T]) Cap() int { return int(l.mask + 1) }

func (l *Link[T]) slot(index uint64) *T {
	return (*T)(unsafe.Add(l.buf, uintptr(index&l.mask)*unsafe.Sizeof(*new(T))))
}

// Send copies elem into the next free slot. It must only be called
// from the Producer end. It returns horuserr.ErrWouldBlock if the
// ring is full; Go has no move semantics, so elem is left unmodified
// by the caller either way.
//
// Ordering: tail is read relaxed (producer-owned, single writer);
// head is read acquire to observe the consumer's latest release; the
// slot write happens-before the release store of the new tail, which
// is what makes the write visible to the consumer's subsequent
// acquire load of tail.
func (l *Link[T]) Send(elem *T) error {
	if l.role != RoleProducer {
		panic("horus: Send called on a Consumer Link handle")
	}
	tail := l.hdr.tail.LoadRelaxed()
	if tail-l.cachedHead >= l.mask {
		l.cachedHead = l.hdr.head.LoadAcquire()
		if tail-l.cachedHead >= l.mask {
			return horuserr.ErrWouldBlock
		}
	}
	*l.slot(tail) = *elem
	l.hdr.tail.StoreRelease(tail + 1)
	return nil
}

// TryRecv removes and returns the oldest unread element. It must only
// be called from the Consumer end. It returns horuserr.ErrWouldBlock
// if the ring is empty.
//
// Ordering: head is read relaxed (consumer-owned, single writer);
// tail is read acquire to pair with the producer's release store, so
// the slot read below observes the producer's write; head's release
// store then publishes the freed slot back to the producer.
func (l *Link[T]) TryRecv() (T, error) {
	var zero T
	if l.role != RoleConsumer {
		panic("horus: TryRecv called on a Producer Link handle")
	}
	head := l.hdr.head.LoadRelaxed()
	if head >= l.cachedTail {
		l.cachedTail = l.hdr.tail.LoadAcquire()
		if head >= l.cachedTail {
			return zero, horuserr.ErrWouldBlock
		}
	}
	elem := *l.slot(head)
	l.hdr.head.StoreRelease(head + 1)
	return elem, nil
}

// WriteSample is a zero-copy handle onto the next free slot, obtained
// from Loan. It stands in for the original Rust LinkSample RAII
// guard: Go has no Drop, so callers are expected to call Commit
// explicitly; a SetFinalizer safety net logs a warning if a sample is
// garbage-collected uncommitted, catching the mistake instead of
// silently losing the write.
type WriteSample[T any] struct {
	link      *Link[T]
	slot      *T
	tail      uint64
	committed bool
}

// Loan reserves the next free slot for in-place writing, for callers
// that want to construct a large T directly in shared memory instead
// of building it on the stack and copying it in Send. It returns
// horuserr.ErrWouldBlock if the ring is full.
func (l *Link[T]) Loan() (*WriteSample[T], error) {
	if l.role != RoleProducer {
		panic("horus: Loan called on a Consumer Link handle")
	}
	tail := l.hdr.tail.LoadRelaxed()
	if tail-l.cachedHead >= l.mask {
		l.cachedHead = l.hdr.head.LoadAcquire()
		if tail-l.cachedHead >= l.mask {
			return nil, horuserr.ErrWouldBlock
		}
	}
	ws := &WriteSample[T]{link: l, slot: l.slot(tail), tail: tail}
	runtime.SetFinalizer(ws, func(ws *WriteSample[T]) {
		if !ws.committed {
			ws.link.log.Warnw("link write sample garbage-collected without Commit", "topic_capacity", ws.link.mask+1)
		}
	})
	return ws, nil
}

// Payload returns the slot for in-place writes.
func (ws *WriteSample[T]) Payload() *T { return ws.slot }

// Write copies msg into the loaned slot. Equivalent to *ws.Payload() = msg.
func (ws *WriteSample[T]) Write(msg T) { *ws.slot = msg }

// Commit publishes the slot to the Consumer by advancing tail with a
// release store. A WriteSample must be committed at most once;
// committing twice is a no-op.
func (ws *WriteSample[T]) Commit() {
	if ws.committed {
		return
	}
	ws.committed = true
	ws.link.hdr.tail.StoreRelease(ws.tail + 1)
	runtime.SetFinalizer(ws, nil)
}

// Close releases this handle's reference to the backing region. The
// backing shared-memory object is unlinked when the Producer (the
// region's owner) closes; closing the Consumer only unmaps its own
// view. Each end opens its own handle, so the two do not share a
// Go-level refcount.
func (l *Link[T]) Close() error {
	return l.region.Close()
}
