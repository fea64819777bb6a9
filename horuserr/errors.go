// Package horuserr is the shared error taxonomy for the horus core.
//
// Failures of a kind listed here are returned as (or wrapping) one of
// these sentinel errors, checkable with errors.Is, so callers can
// branch on failure kind without parsing text. Errors outside this
// taxonomy (scheduler argument checks, Update on a static frame, a
// frame with no samples, element types rejected by link or hub, host
// I/O failures in shm) are plain formatted errors with no sentinel.
package horuserr

import (
	"errors"
	"fmt"

	"code.hybscloud.com/iox"
)

// ErrWouldBlock is the non-blocking backpressure/empty signal shared by
// Link and Hub. It is an alias of iox.ErrWouldBlock for ecosystem
// consistency with code.hybscloud.com/lfq, whose ring algorithms link
// and hub reimplement (neither package imports lfq itself).
var ErrWouldBlock = iox.ErrWouldBlock

// IsWouldBlock reports whether err is the non-blocking control-flow
// signal, not a real failure. Delegates to iox.IsWouldBlock so wrapped
// errors are unwrapped the same way across the whole module.
func IsWouldBlock(err error) bool {
	return iox.IsWouldBlock(err)
}

var (
	// ErrUninitialized: a region was attached before its creator
	// finished initializing the header (magic still zero after the
	// bounded retry window in link/hub attach).
	ErrUninitialized = errors.New("horus: region attached before initialization completed")

	// ErrLayoutMismatch: header layout_hash, element size or capacity
	// differs from what the attaching handle requested.
	ErrLayoutMismatch = errors.New("horus: shared layout mismatch")

	// ErrRoleExhausted: a third process tried to open a Link that
	// already has both its producer and consumer.
	ErrRoleExhausted = errors.New("horus: link already has a producer and a consumer")

	// ErrReadersExhausted: a Hub already has MaxReaders registered
	// reader cursors.
	ErrReadersExhausted = errors.New("horus: hub reader slots exhausted")

	// ErrCapacityExhausted: the frame graph has no free slot left.
	ErrCapacityExhausted = errors.New("horus: frame graph capacity exhausted")

	// ErrDuplicate: register() called with a name already in use.
	ErrDuplicate = errors.New("horus: frame name already registered")

	// ErrUnknownFrame: lookup by a name with no matching frame.
	ErrUnknownFrame = errors.New("horus: unknown frame")

	// ErrUnknownParent: register() named a parent that does not exist.
	ErrUnknownParent = errors.New("horus: unknown parent frame")

	// ErrWouldCycle: the requested parent link would create a cycle.
	ErrWouldCycle = errors.New("horus: parent link would create a cycle")

	// ErrInUse: unregister() called while a child frame still
	// references this frame as its parent.
	ErrInUse = errors.New("horus: frame still referenced by a child")

	// ErrNoConnection: tf/tf_at requested between two frames in
	// disjoint trees.
	ErrNoConnection = errors.New("horus: no transform path between frames")

	// ErrPermissionDenied: the host refused a shared-memory operation.
	ErrPermissionDenied = errors.New("horus: permission denied for shared-memory operation")

	// ErrAlreadyInUseMismatch: an existing shared-memory object exists
	// under this name with a different (smaller) size.
	ErrAlreadyInUseMismatch = errors.New("horus: existing shared-memory object has a different size")
)

// Lagged is a non-fatal Hub receiver diagnostic, not an error. A
// subscriber that fell behind by more than the topic's capacity
// observes this alongside its next successful Recv, reporting how many
// published elements it never saw.
type Lagged struct {
	Missed uint64
}

func (l Lagged) String() string {
	return fmt.Sprintf("lagged by %d elements", l.Missed)
}
