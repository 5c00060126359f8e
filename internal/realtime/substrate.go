package realtime

import (
	"fmt"
	"os"
	"sync"

	"github.com/danmuck/nodekit/internal/fault"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

const (
	// DefaultStackBytes is the stack region touched before the real-time loop.
	DefaultStackBytes = 8 << 10
	// DefaultShmDir is where Linux backs POSIX shared-memory objects.
	DefaultShmDir = "/dev/shm"

	stackChunk = 8 << 10
)

// Config is the process-wide exit policy and resource setup, passed
// explicitly instead of living in package state.
type Config struct {
	// ExitHandler receives the exit status on Fail. Defaults to os.Exit.
	ExitHandler func(status int)
	// ExitMask lists signals ignored while the exit path runs.
	ExitMask   []os.Signal
	StackBytes int
	ShmDir     string
	Logger     *zerolog.Logger
}

func DefaultConfig() Config {
	return Config{
		ExitHandler: os.Exit,
		ExitMask:    []os.Signal{unix.SIGINT, unix.SIGTERM, unix.SIGCHLD},
		StackBytes:  DefaultStackBytes,
		ShmDir:      DefaultShmDir,
	}
}

func (c Config) withDefaults() Config {
	if c.ExitHandler == nil {
		c.ExitHandler = os.Exit
	}
	if c.StackBytes <= 0 {
		c.StackBytes = DefaultStackBytes
	}
	if c.ShmDir == "" {
		c.ShmDir = DefaultShmDir
	}
	return c
}

// Substrate prepares the process for bounded-latency execution and owns its
// fatal exit path. Create one per process with New.
type Substrate struct {
	cfg Config

	logMu sync.RWMutex
	log   zerolog.Logger

	mlockall    func(flags int) error
	childExited func() bool

	sigMu      sync.Mutex
	dispatcher *dispatcher
}

func New(cfg Config) *Substrate {
	cfg = cfg.withDefaults()
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	return &Substrate{
		cfg:         cfg,
		log:         logger,
		mlockall:    unix.Mlockall,
		childExited: anyChildExited,
	}
}

// SetLogger retags diagnostics, e.g. once the node identity is known.
func (s *Substrate) SetLogger(logger zerolog.Logger) {
	s.logMu.Lock()
	s.log = logger
	s.logMu.Unlock()
}

func (s *Substrate) logger() *zerolog.Logger {
	s.logMu.RLock()
	logger := s.log
	s.logMu.RUnlock()
	return &logger
}

// LockMemoryAndPrefault locks current and future pages and grows the
// calling goroutine's stack to StackBytes so the loop that follows does not
// fault or grow its stack.
func (s *Substrate) LockMemoryAndPrefault() error {
	if err := s.mlockall(unix.MCL_CURRENT | unix.MCL_FUTURE); err != nil {
		return fault.New(fault.Resource, "realtime.LockMemoryAndPrefault", fmt.Errorf("memory lock error: %w", err))
	}
	chunks := (s.cfg.StackBytes + stackChunk - 1) / stackChunk
	_ = prefaultStack(chunks)
	s.logger().Debug().Int("stack_bytes", chunks*stackChunk).Msg("memory locked and stack prefaulted")
	return nil
}

//go:noinline
func prefaultStack(chunks int) byte {
	var frame [stackChunk]byte
	for i := range frame {
		frame[i] = byte(i)
	}
	if chunks > 1 {
		return frame[chunks%stackChunk] ^ prefaultStack(chunks-1)
	}
	return frame[chunks%stackChunk]
}

// Fail is the single fatal exit path: it ignores the exit mask signals so
// teardown is not re-entered, logs msg with the cause, and hands status 1 to
// the exit handler. With the default handler it does not return; if the
// handler does return, the exit mask gets its default disposition back.
func (s *Substrate) Fail(msg string, err error) {
	ignoreSignals(s.cfg.ExitMask)
	defer resetSignals(s.cfg.ExitMask)
	s.Stop()
	event := s.logger().Error()
	if err != nil {
		event = event.Err(err)
	}
	event.Msg(msg)
	s.cfg.ExitHandler(1)
}
