// Package shm implements the shared-memory region manager: it maps a
// logical name to a fixed-size byte region visible to any process
// running as the same user, using POSIX shared-memory-backed files
// under /dev/shm the way a shm_open/mmap pair would on a C host.
//
// Region creation races are resolved with O_CREAT|O_EXCL: whichever
// process wins that open call is the owner and performs layout
// initialization (see link and hub); every later opener attaches
// read-write to the same mapping and validates the layout instead.
package shm

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/edsrzf/mmap-go"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/horus-robotics/horus/horuserr"
)

// BaseDir is the filesystem root backing all horus shared-memory
// regions. Region names are logical paths of the form
// "horus/<category>/<topic>" (spec'd naming); BaseDir joined with
// that name is the host path.
const BaseDir = "/dev/shm"

// Region is a reference-counted handle onto one shared-memory mapping.
// Clone shares the same underlying mapping; the mapping unmaps when the
// last clone in the process drops, and the backing name is unlinked
// when the owning handle's last clone drops.
type Region struct {
	state *regionState
}

type regionState struct {
	name    string
	path    string
	size    int
	isOwner bool
	mapping mmap.MMap
	file    *os.File
	refs    int32
	log     *zap.SugaredLogger
}

// Open creates-or-attaches the named region. If no backing object
// exists it is created sized to size, zero-filled, and is_owner is
// true. Otherwise it attaches to the existing object, requiring its
// size to be >= size, with is_owner false.
func Open(name string, size int, log *zap.SugaredLogger) (*Region, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	pageSize := os.Getpagesize()
	size = roundUpToPage(size, pageSize)

	path := filepath.Join(BaseDir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("horus: shm mkdir %s: %w", filepath.Dir(path), wrapPerm(err))
	}

	f, isOwner, err := openOrCreate(path)
	if err != nil {
		return nil, err
	}

	if isOwner {
		if err := f.Truncate(int64(size)); err != nil {
			f.Close()
			os.Remove(path)
			return nil, fmt.Errorf("horus: shm truncate %s: %w", path, wrapPerm(err))
		}
		log.Infow("shm region created", "name", name, "size", size)
	} else {
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("horus: shm stat %s: %w", path, err)
		}
		if int(info.Size()) < size {
			f.Close()
			return nil, fmt.Errorf("%w: %s wants %d, has %d", horuserr.ErrAlreadyInUseMismatch, name, size, info.Size())
		}
		size = int(info.Size())
		log.Infow("shm region attached", "name", name, "size", size)
	}

	mapping, err := mmap.MapRegion(f, size, mmap.RDWR, 0, 0)
	if err != nil {
		f.Close()
		if isOwner {
			os.Remove(path)
		}
		return nil, fmt.Errorf("horus: shm mmap %s: %w", path, err)
	}

	return &Region{state: &regionState{
		name:    name,
		path:    path,
		size:    size,
		isOwner: isOwner,
		mapping: mapping,
		file:    f,
		refs:    1,
		log:     log,
	}}, nil
}

// openOrCreate races for ownership of path the same way a C host would
// race shm_open(O_CREAT|O_EXCL): the winning unix.Open call becomes the
// owner, the EEXIST loser falls back to a plain O_RDWR open. It's built
// directly on golang.org/x/sys/unix rather than the os package so the
// O_CREAT|O_EXCL semantics match shm_open's exactly, with os.NewFile
// wrapping the resulting fd for mmap-go and the rest of the standard
// file API.
func openOrCreate(path string) (*os.File, bool, error) {
	fd, err := unix.Open(path, unix.O_CREAT|unix.O_EXCL|unix.O_RDWR, 0o600)
	if err == nil {
		return os.NewFile(uintptr(fd), path), true, nil
	}
	if err != unix.EEXIST {
		return nil, false, fmt.Errorf("horus: shm create %s: %w", path, wrapPerm(err))
	}
	fd, err = unix.Open(path, unix.O_RDWR, 0o600)
	if err != nil {
		return nil, false, fmt.Errorf("horus: shm open %s: %w", path, wrapPerm(err))
	}
	return os.NewFile(uintptr(fd), path), false, nil
}

func wrapPerm(err error) error {
	if os.IsPermission(err) {
		return fmt.Errorf("%w: %v", horuserr.ErrPermissionDenied, err)
	}
	return err
}

func roundUpToPage(size, pageSize int) int {
	if pageSize <= 0 {
		pageSize = 4096
	}
	return (size + pageSize - 1) / pageSize * pageSize
}

// Clone returns a new handle sharing this region's mapping, bumping
// the reference count. All clones observe the same bytes at the same
// offsets.
func (r *Region) Clone() *Region {
	atomic.AddInt32(&r.state.refs, 1)
	return &Region{state: r.state}
}

// Close unmaps this handle's reference. When the last clone in the
// process is closed, the mapping is released; if this process is the
// owner, the backing name is also unlinked so stale shared-memory
// objects do not accumulate.
func (r *Region) Close() error {
	if atomic.AddInt32(&r.state.refs, -1) > 0 {
		return nil
	}
	s := r.state
	err := s.mapping.Unmap()
	s.file.Close()
	if s.isOwner {
		if rmErr := os.Remove(s.path); rmErr != nil && !os.IsNotExist(rmErr) {
			s.log.Warnw("shm unlink failed", "name", s.name, "error", rmErr)
		} else {
			s.log.Infow("shm region unlinked", "name", s.name)
		}
	}
	return err
}

// AsPtr returns the stable mapping base address for the lifetime of
// the Region.
func (r *Region) AsPtr() *byte {
	if len(r.state.mapping) == 0 {
		return nil
	}
	return &r.state.mapping[0]
}

// Bytes exposes the raw mapping, for layout validation in tests and
// header struct overlay in link/hub.
func (r *Region) Bytes() []byte { return r.state.mapping }

// IsOwner reports whether this process's Open call created the
// backing object (true) or attached to an existing one (false).
func (r *Region) IsOwner() bool { return r.state.isOwner }

// Size returns the page-rounded region size in bytes.
func (r *Region) Size() int { return r.state.size }

// Name returns the logical region name this handle was opened with.
func (r *Region) Name() string { return r.state.name }

// UnlinkByName is an administrative operation: it removes the backing
// object for name regardless of whether any process still holds a
// mapping to it, for cleaning up after a crashed owner. Existing
// mappings held by other processes remain valid until they unmap.
func UnlinkByName(name string) error {
	path := filepath.Join(BaseDir, name)
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("horus: shm unlink %s: %w", path, err)
	}
	return nil
}
