package node

import (
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/nodekit/internal/fault"
	"github.com/gin-gonic/gin"
)

// Node is anything that exposes an admin surface under a stable identity.
type Node interface {
	NodeID() string
	Kind() string
	HTTPRouter() *gin.Engine
}

// SegmentSpec names a shared-memory segment the node maps during startup.
type SegmentSpec struct {
	Name     string
	Size     int
	Create   bool
	Writable bool
	// Unlink removes the name on shutdown. Only the creating node should set it.
	Unlink bool
}

// Settings are the runtime knobs that do not come from launch flags.
type Settings struct {
	AdminAddr    string
	CORSOrigins  []string
	PollInterval time.Duration
	// Realtime locks memory and prefaults the stack before Started.
	Realtime bool
	// LoopPeriod paces Hooks.Tick. Zero disables the loop.
	LoopPeriod time.Duration
	Segments   []SegmentSpec
}

func DefaultSettings() Settings {
	return Settings{
		AdminAddr:    "127.0.0.1:0",
		PollInterval: time.Second,
		Realtime:     true,
	}
}

// validate rejects segment lists that would map one object twice. "/name"
// and "name" refer to the same object.
func (s Settings) validate() error {
	seen := make(map[string]bool, len(s.Segments))
	for i, spec := range s.Segments {
		key := strings.TrimPrefix(spec.Name, "/")
		if seen[key] {
			return fault.New(fault.Config, "node.Boot", fmt.Errorf("%w: segments[%d] %s", ErrDuplicateSegment, i, spec.Name))
		}
		seen[key] = true
	}
	return nil
}
