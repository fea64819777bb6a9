// Package hub implements the MPMC shared-memory broadcast topic: any
// number of producer handles publish into one ring, and any number of
// reader handles each walk the ring at their own pace, receiving
// every published element that has not yet been overwritten by the
// time they get to it.
//
// The publish side reuses the FAA (fetch-and-add) cursor style of
// code.hybscloud.com/lfq's MPMC; the per-slot validation is a
// sequence-lock adapted from lfq's MPMCSeq, generalized from
// consume-once semantics (one winning reader per slot) to broadcast
// (every reader reads every slot, racing only against the producer
// that may eventually overwrite it).
package hub

import (
	"fmt"
	"reflect"
	"time"
	"unsafe"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/spin"
	"go.uber.org/zap"

	"github.com/horus-robotics/horus/horuserr"
	"github.com/horus-robotics/horus/internal/ringmem"
	"github.com/horus-robotics/horus/shm"
)

// hubMagic identifies an initialized Hub header.
const hubMagic = 0x48485542 // "HHUB"

// MaxReaders is the hard ceiling on concurrent reader handles per
// topic; this resolves spec's open question on the bound in favor of
// one machine word of reader-slot bitmap, the same sizing lfq uses
// for its widest lock-free structures.
const MaxReaders = 64

const attachRetries = 2000
const attachBackoff = 50 * time.Microsecond

// readerSlot holds one claimed reader's published next-to-read index.
// Each slot gets its own cache line: every reader writes its own slot
// on each successful Recv, from whichever core it runs on, so packing
// slots together would bounce a line between every active reader's
// core on every Recv.
type readerSlot struct {
	cursor atomix.Uint64
	_      ringmem.PadAfter8
}

// header is the fixed layout at the base of the region, bit-exact
// with spec.md's Hub wire format: magic@0, layout_hash@8, capacity@16,
// element_size@24, tail (publish cursor)@32, reserved@40, with
// readerBitmap carved out of the 48-63 padding span the same way
// Link's consumerClaimed is. readerCursors starts at the documented
// offset 64, one cache-line-padded readerSlot per MaxReaders entry,
// followed by slot storage (element + per-slot seq).
type header struct {
	magic        atomix.Uint64 // offset 0
	layoutHash   atomix.Uint64 // offset 8
	capacity     atomix.Uint64 // offset 16
	elementSize  atomix.Uint64 // offset 24
	tail         atomix.Uint64 // offset 32, publish cursor, FAA'd by producers
	_            atomix.Uint64 // offset 40, reserved
	readerBitmap atomix.Uint64 // offset 48, CAS'd only on Subscribe/Unsubscribe
	_            [8]byte       // offset 56, reserved

	readerCursors [MaxReaders]readerSlot // offset 64
}

const headerSize = int(unsafe.Sizeof(header{}))

// slot is the per-element storage cell. seq encodes a sequence-lock:
// odd while a producer is mid-write, and equal to 2*(index+1) once
// the write for ring position index is stable and visible. A reader
// that observes an odd seq, or a seq that changes between reading the
// payload and re-checking it, knows the slot was being written
// concurrently and must retry or treat the read as stale.
type slotHeader struct {
	seq atomix.Uint64
}

// DefaultCapacity is a reasonable default topic depth: deep enough to
// absorb a slow reader across a handful of scheduler ticks without
// forcing every subscriber through the Lagged path on a routine
// publish burst.
const DefaultCapacity = 256

// Hub is one handle onto a shared-memory broadcast topic for element
// type T. A Hub handle is safe for concurrent use by multiple
// goroutines: Send may be called concurrently with other Sends, and a
// Reader obtained via Subscribe may be driven independently of the
// Hub handle that created it.
type Hub[T any] struct {
	region  *shm.Region
	hdr     *header
	slotsAt unsafe.Pointer
	mask    uint64
	elemSz  uintptr
	log     *zap.SugaredLogger
}

func (h *Hub[T]) slotHdr(index uint64) *slotHeader {
	stride := unsafe.Sizeof(slotHeader{}) + h.elemSz
	return (*slotHeader)(unsafe.Add(h.slotsAt, uintptr(index&h.mask)*stride))
}

func (h *Hub[T]) slotData(index uint64) *T {
	stride := unsafe.Sizeof(slotHeader{}) + h.elemSz
	base := unsafe.Add(h.slotsAt, uintptr(index&h.mask)*stride)
	return (*T)(unsafe.Add(base, unsafe.Sizeof(slotHeader{})))
}

// Attach creates-or-attaches the Hub topic backing
// "horus/topics/<name>". The first process to attach becomes the
// layout owner and initializes the header; every later attacher
// validates against it. Any number of attachers may publish.
func Attach[T any](name string, capacityHint int, log *zap.SugaredLogger) (*Hub[T], error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	var zero T
	elemType := reflect.TypeOf(zero)
	if elemType == nil {
		return nil, fmt.Errorf("horus: hub element type must be a concrete, non-interface type")
	}
	if err := ringmem.ValidateFixedLayout(elemType); err != nil {
		return nil, err
	}

	capacity := uint64(ringmem.RoundToPow2(capacityHint))
	elemSize := uint64(elemType.Size())
	layoutHash := ringmem.LayoutHash(elemType)
	stride := uint64(unsafe.Sizeof(slotHeader{})) + elemSize

	regionSize := headerSize + int(capacity*stride)
	region, err := shm.Open("horus/topics/"+name, regionSize, log)
	if err != nil {
		return nil, err
	}

	hdr := (*header)(unsafe.Pointer(region.AsPtr()))
	slotsAt := unsafe.Add(unsafe.Pointer(region.AsPtr()), headerSize)

	h := &Hub[T]{
		region:  region,
		hdr:     hdr,
		slotsAt: slotsAt,
		mask:    capacity - 1,
		elemSz:  uintptr(elemSize),
		log:     log,
	}

	if region.IsOwner() {
		hdr.capacity.StoreRelaxed(capacity)
		hdr.elementSize.StoreRelaxed(elemSize)
		hdr.layoutHash.StoreRelaxed(layoutHash)
		hdr.tail.StoreRelaxed(0)
		hdr.readerBitmap.StoreRelaxed(0)
		for i := uint64(0); i < capacity; i++ {
			h.slotHdr(i).seq.StoreRelaxed(2 * i)
		}
		hdr.magic.StoreRelease(hubMagic)
		log.Infow("hub topic created", "name", name, "capacity", capacity)
		return h, nil
	}

	if err := h.awaitInitialized(); err != nil {
		region.Close()
		return nil, err
	}
	if hdr.capacity.LoadAcquire() != capacity || hdr.elementSize.LoadAcquire() != elemSize || hdr.layoutHash.LoadAcquire() != layoutHash {
		region.Close()
		return nil, fmt.Errorf("%w: hub %q", horuserr.ErrLayoutMismatch, name)
	}
	log.Infow("hub topic attached", "name", name, "capacity", capacity)
	return h, nil
}

func (h *Hub[T]) awaitInitialized() error {
	for i := 0; i < attachRetries; i++ {
		if h.hdr.magic.LoadAcquire() == hubMagic {
			return nil
		}
		time.Sleep(attachBackoff)
	}
	return horuserr.ErrUninitialized
}

// Cap returns the topic's ring depth (a power of two >= 2).
func (h *Hub[T]) Cap() int { return int(h.mask + 1) }

// Send publishes elem to every current and future Reader. It may be
// called concurrently from any number of producer handles in any
// number of processes attached to the same topic.
func (h *Hub[T]) Send(elem *T) {
	pos := h.hdr.tail.AddAcqRel(1) - 1
	sh := h.slotHdr(pos)
	sh.seq.StoreRelease(2*pos + 1) // odd: write in progress
	*h.slotData(pos) = *elem
	sh.seq.StoreRelease(2*pos + 2) // even: stable, visible at position pos
}

// Close releases this handle's reference to the backing region.
func (h *Hub[T]) Close() error {
	return h.region.Close()
}

// Reader is one subscriber's view of a Hub topic, tracking its own
// read cursor independent of every other Reader.
type Reader[T any] struct {
	hub    *Hub[T]
	slotID int
	cursor uint64
}

// Subscribe claims one of the topic's MaxReaders cursor slots. It
// returns horuserr.ErrReadersExhausted if all slots are in use. The
// new Reader starts at the oldest element still in the ring.
func (h *Hub[T]) Subscribe() (*Reader[T], error) {
	for {
		bitmap := h.hdr.readerBitmap.LoadAcquire()
		slotID := -1
		for i := 0; i < MaxReaders; i++ {
			if bitmap&(1<<uint(i)) == 0 {
				slotID = i
				break
			}
		}
		if slotID < 0 {
			return nil, horuserr.ErrReadersExhausted
		}
		claim := bitmap | (1 << uint(slotID))
		if h.hdr.readerBitmap.CompareAndSwapAcqRel(bitmap, claim) {
			tail := h.hdr.tail.LoadAcquire()
			start := uint64(0)
			if tail > h.mask+1 {
				start = tail - (h.mask + 1)
			}
			h.hdr.readerCursors[slotID].cursor.StoreRelease(start)
			return &Reader[T]{hub: h, slotID: slotID, cursor: start}, nil
		}
	}
}

// Unsubscribe releases this Reader's cursor slot for reuse.
func (r *Reader[T]) Unsubscribe() {
	h := r.hub
	for {
		bitmap := h.hdr.readerBitmap.LoadAcquire()
		cleared := bitmap &^ (1 << uint(r.slotID))
		if h.hdr.readerBitmap.CompareAndSwapAcqRel(bitmap, cleared) {
			return
		}
	}
}

// Recv returns the next element this Reader has not yet observed. If
// the publisher has overwritten slots this Reader had not yet reached,
// Recv skips forward to the oldest still-live slot and returns the
// number of elements that were lost alongside it as Lagged; lag is
// the zero value when nothing was missed.
//
// Recv returns horuserr.ErrWouldBlock if the Reader is caught up with
// the publisher (no new element has been published since its last
// Recv).
func (r *Reader[T]) Recv() (T, horuserr.Lagged, error) {
	h := r.hub
	var zero T
	var lag horuserr.Lagged

	for {
		tail := h.hdr.tail.LoadAcquire()
		if r.cursor >= tail {
			return zero, lag, horuserr.ErrWouldBlock
		}
		if tail-r.cursor > h.mask+1 {
			lag.Missed += (tail - r.cursor) - (h.mask + 1)
			r.cursor = tail - (h.mask + 1)
		}

		idx := r.cursor
		sh := h.slotHdr(idx)
		sw := spin.Wait{}
		for sh.seq.LoadAcquire()&1 == 1 {
			sw.Once() // producer mid-write on this slot
		}
		seq1 := sh.seq.LoadAcquire()
		wantSeq := 2 * (idx + 1)
		if seq1 < wantSeq {
			// The producer has not reached this slot yet even though
			// tail advanced past it; cannot happen under the
			// FAA-then-write ordering above, but treat defensively as
			// not-yet-available rather than reading stale data.
			return zero, lag, horuserr.ErrWouldBlock
		}
		if seq1 > wantSeq {
			// Already overwritten by a later lap: reload tail, which
			// now reports the lag and skips forward.
			continue
		}
		val := *h.slotData(idx)
		seq2 := sh.seq.LoadAcquire()
		if seq1 != seq2 {
			// Overwritten mid-read: this element is gone. Advance past
			// it and report it as lagged once a live element is found.
			r.cursor = idx + 1
			lag.Missed++
			continue
		}
		r.cursor = idx + 1
		h.hdr.readerCursors[r.slotID].cursor.StoreRelease(r.cursor)
		return val, lag, nil
	}
}
