package realtime

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/danmuck/nodekit/internal/fault"
	"github.com/danmuck/nodekit/internal/observability"
	"golang.org/x/sys/unix"
)

var (
	ErrInvalidSegmentName = errors.New("realtime: invalid shared memory name")
	ErrInvalidSegmentSize = errors.New("realtime: shared memory size must be positive")
	ErrSegmentClosed      = errors.New("realtime: shared memory segment closed")
)

// Segment is a mapped shared-memory region. The mapping outlives the
// descriptor used to create it.
type Segment struct {
	name string
	path string

	mu   sync.Mutex
	data []byte
}

func (g *Segment) Name() string { return g.name }

// Bytes is the mapped region. It is invalid after Close.
func (g *Segment) Bytes() []byte {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.data
}

func (g *Segment) Len() int {
	return len(g.Bytes())
}

// Close unmaps the region. The named object stays until Unlink.
func (g *Segment) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.data == nil {
		return nil
	}
	size := len(g.data)
	if err := unix.Munmap(g.data); err != nil {
		return fault.New(fault.Resource, "realtime.Segment.Close", fmt.Errorf("munmap %s: %w", g.name, err))
	}
	g.data = nil
	observability.RecordSegmentMapped(-size)
	return nil
}

// Unlink removes the name; existing mappings stay valid.
func (g *Segment) Unlink() error {
	return unlinkPath(g.name, g.path)
}

// OpenSharedMemory opens or creates the named object, sizes it when
// openFlags carries O_CREAT, and maps size bytes with prot. mapFlags
// defaults to MAP_SHARED. Concurrent creators of the same name and size are
// safe: the object is only resized when its current size differs.
func (s *Substrate) OpenSharedMemory(name string, size int, openFlags, prot, mapFlags int) (*Segment, error) {
	const op = "realtime.OpenSharedMemory"
	clean, err := segmentName(name)
	if err != nil {
		return nil, fault.New(fault.Config, op, err)
	}
	if size <= 0 {
		return nil, fault.New(fault.Config, op, fmt.Errorf("%w: %d", ErrInvalidSegmentSize, size))
	}
	if mapFlags == 0 {
		mapFlags = unix.MAP_SHARED
	}
	path := filepath.Join(s.cfg.ShmDir, clean)

	fd, err := unix.Open(path, openFlags|unix.O_CLOEXEC, 0o600)
	if err != nil {
		return nil, fault.New(fault.Resource, op, fmt.Errorf("shm_open %s: %w", clean, err))
	}
	defer unix.Close(fd)

	if openFlags&unix.O_CREAT != 0 {
		var st unix.Stat_t
		if err := unix.Fstat(fd, &st); err != nil {
			return nil, fault.New(fault.Resource, op, fmt.Errorf("fstat %s: %w", clean, err))
		}
		if st.Size != int64(size) {
			if err := unix.Ftruncate(fd, int64(size)); err != nil {
				return nil, fault.New(fault.Resource, op, fmt.Errorf("ftruncate %s: %w", clean, err))
			}
		}
	}

	data, err := unix.Mmap(fd, 0, size, prot, mapFlags)
	if err != nil {
		return nil, fault.New(fault.Resource, op, fmt.Errorf("mmap %s: %w", clean, err))
	}
	observability.RecordSegmentMapped(size)
	s.logger().Debug().Str("segment", clean).Int("size", size).Msg("shared memory mapped")
	return &Segment{name: clean, path: path, data: data}, nil
}

// UnlinkSharedMemory removes a named object this process may not hold.
func (s *Substrate) UnlinkSharedMemory(name string) error {
	clean, err := segmentName(name)
	if err != nil {
		return fault.New(fault.Config, "realtime.UnlinkSharedMemory", err)
	}
	return unlinkPath(clean, filepath.Join(s.cfg.ShmDir, clean))
}

func unlinkPath(name, path string) error {
	if err := unix.Unlink(path); err != nil && !errors.Is(err, unix.ENOENT) {
		return fault.New(fault.Resource, "realtime.Unlink", fmt.Errorf("shm_unlink %s: %w", name, err))
	}
	return nil
}

// segmentName accepts POSIX style "/name" or bare "name".
func segmentName(name string) (string, error) {
	clean := strings.TrimPrefix(name, "/")
	if clean == "" || clean == "." || clean == ".." || strings.Contains(clean, "/") {
		return "", fmt.Errorf("%w: %q", ErrInvalidSegmentName, name)
	}
	return clean, nil
}
