package node

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/nodekit/internal/coord"
	"github.com/danmuck/nodekit/internal/fault"
	"github.com/danmuck/nodekit/internal/lifecycle"
	"github.com/danmuck/nodekit/internal/logging"
	"github.com/danmuck/nodekit/internal/observability"
	"github.com/danmuck/nodekit/internal/realtime"
	"github.com/danmuck/nodekit/internal/supergraph"
	"github.com/danmuck/nodekit/internal/timing"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

var (
	ErrNoSupergraph     = errors.New("node: no supergraph published")
	ErrUnknownSegment   = errors.New("node: unknown segment")
	ErrDuplicateSegment = errors.New("node: duplicate segment name")
)

// Hooks let a concrete node react to the runtime. All are optional.
type Hooks struct {
	// Update runs after a new supergraph is adopted. Returning an error
	// stops the node.
	Update func(ctx context.Context, rt *Runtime, params supergraph.Parameters) error
	// Tick runs once per Settings.LoopPeriod on a locked OS thread.
	Tick func(ctx context.Context, rt *Runtime) error
}

// Runtime is one booted pipeline node: its identity, coordination client,
// adopted supergraph and mapped segments.
type Runtime struct {
	id        coord.Identity
	client    *coord.Client
	substrate *realtime.Substrate
	reporter  *lifecycle.Reporter
	settings  Settings
	hooks     Hooks
	log       zerolog.Logger

	snapshot atomic.Pointer[supergraph.Snapshot]
	ready    atomic.Bool
	booted   time.Time

	segMu    sync.Mutex
	segments map[string]*realtime.Segment
	specs    []SegmentSpec

	router    *gin.Engine
	adminAddr atomic.Value
	closeOnce sync.Once
}

var _ Node = (*Runtime)(nil)

// Boot takes a node from launch args to Ready: bootstrap, fetch its
// parameters, prepare the substrate, emit Started, map segments, emit Ready.
// Failures after the connection is up are reported as Fatal Error before
// being returned.
func Boot(ctx context.Context, args []string, provisional string, sub *realtime.Substrate, settings Settings, hooks Hooks) (*Runtime, error) {
	if err := settings.validate(); err != nil {
		return nil, err
	}
	id, client, err := coord.Bootstrap(ctx, args, provisional)
	if err != nil {
		return nil, err
	}
	rt := &Runtime{
		id:        id,
		client:    client,
		substrate: sub,
		reporter:  lifecycle.NewReporter(client.Redis(), id.String()),
		settings:  settings,
		hooks:     hooks,
		log:       logging.ForNode(id.String()),
		booted:    time.Now(),
		segments:  make(map[string]*realtime.Segment),
	}
	sub.SetLogger(rt.log)
	rt.router = rt.newRouter()

	snap, err := supergraph.FetchLatest(ctx, client.Redis(), "")
	if err != nil {
		return nil, rt.abort(ctx, "supergraph fetch failed", err)
	}
	if snap == nil {
		return nil, rt.abort(ctx, "supergraph fetch failed", fault.New(fault.Config, "node.Boot", ErrNoSupergraph))
	}
	if _, err := snap.NodeParameters(id.String()); err != nil {
		return nil, rt.abort(ctx, "parameter lookup failed", err)
	}
	rt.snapshot.Store(snap)

	if settings.Realtime {
		if err := sub.LockMemoryAndPrefault(); err != nil {
			return nil, rt.abort(ctx, "real-time setup failed", err)
		}
	}
	if err := rt.reporter.Emit(ctx, lifecycle.Started()); err != nil {
		return nil, rt.abort(ctx, "status emit failed", err)
	}
	for _, spec := range settings.Segments {
		if err := rt.openSegment(spec); err != nil {
			return nil, rt.abort(ctx, "shared memory setup failed", err)
		}
	}
	if err := rt.reporter.Emit(ctx, lifecycle.Ready()); err != nil {
		return nil, rt.abort(ctx, "status emit failed", err)
	}
	rt.ready.Store(true)
	rt.log.Info().
		Str("supergraph", snap.ID).
		Int("segments", len(settings.Segments)).
		Msg("node ready")
	return rt, nil
}

// Run serves until SIGINT, SIGTERM or ctx ends: it watches the supergraph,
// drives the optional tick loop and serves the admin API. It always emits
// Shutdown and releases the node's resources before returning.
func (rt *Runtime) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stop := func(sig os.Signal) {
		rt.log.Info().Str("signal", sig.String()).Msg("shutdown requested")
		cancel()
	}
	for _, sig := range []os.Signal{unix.SIGINT, unix.SIGTERM} {
		if err := rt.substrate.InstallSignalHandler(sig, stop, unix.SIGINT, unix.SIGTERM); err != nil {
			return rt.abort(ctx, "signal setup failed", err)
		}
	}

	var wg sync.WaitGroup
	errs := make(chan error, 3)
	wg.Add(1)
	go func() {
		defer wg.Done()
		w := supergraph.NewWatcher(rt.client.Redis(), rt.Snapshot().ID, rt.settings.PollInterval)
		if err := w.Run(ctx, func(s *supergraph.Snapshot) error { return rt.adopt(ctx, s) }); err != nil {
			errs <- err
			cancel()
		}
	}()
	if rt.hooks.Tick != nil && rt.settings.LoopPeriod > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := rt.loop(ctx); err != nil {
				errs <- err
				cancel()
			}
		}()
	}
	if rt.settings.AdminAddr != "" {
		srv, err := rt.serveAdmin(ctx, &wg, errs, cancel)
		if err != nil {
			cancel()
			wg.Wait()
			return rt.abort(context.Background(), "admin listen failed", err)
		}
		defer srv.Close()
	}

	<-ctx.Done()
	wg.Wait()
	close(errs)
	if err := <-errs; err != nil {
		return rt.abort(context.Background(), "node stopped", err)
	}
	return rt.Shutdown(context.Background())
}

// adopt installs a newer supergraph. A snapshot that no longer carries this
// node's parameters is reported and skipped so the node keeps running on the
// previous one.
func (rt *Runtime) adopt(ctx context.Context, s *supergraph.Snapshot) error {
	params, err := s.NodeParameters(rt.id.String())
	if err != nil {
		rt.log.Warn().Err(err).Str("supergraph", s.ID).Msg("supergraph skipped")
		return rt.reporter.Emit(ctx, lifecycle.Warning(fmt.Sprintf("supergraph %s skipped: %v", s.ID, err)))
	}
	rt.snapshot.Store(s)
	if err := rt.reporter.Emit(ctx, lifecycle.SupergraphUpdate()); err != nil {
		return err
	}
	rt.log.Info().Str("supergraph", s.ID).Msg("supergraph adopted")
	if rt.hooks.Update != nil {
		return rt.hooks.Update(ctx, rt, params)
	}
	return nil
}

func (rt *Runtime) loop(ctx context.Context) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	ticker := timing.NewTicker(rt.settings.LoopPeriod)
	for ctx.Err() == nil {
		late, err := ticker.Wait()
		if err != nil {
			return fault.New(fault.Resource, "node.loop", fmt.Errorf("clock_nanosleep: %w", err))
		}
		observability.RecordLoopLateness(late)
		if err := rt.hooks.Tick(ctx, rt); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
	return nil
}

// Shutdown emits Shutdown and releases segments and the connection. It is
// safe to call more than once.
func (rt *Runtime) Shutdown(ctx context.Context) error {
	var err error
	rt.closeOnce.Do(func() {
		rt.ready.Store(false)
		err = rt.reporter.Emit(ctx, lifecycle.Shutdown())
		rt.release()
		rt.log.Info().Msg("node stopped")
	})
	return err
}

// abort reports a fatal error on the status stream when possible, releases
// resources and returns err for main to hand to the exit path.
func (rt *Runtime) abort(ctx context.Context, msg string, err error) error {
	rt.closeOnce.Do(func() {
		rt.ready.Store(false)
		if emitErr := rt.reporter.Emit(ctx, lifecycle.FatalError(fmt.Sprintf("%s: %v", msg, err))); emitErr != nil {
			rt.log.Debug().Err(emitErr).Msg("fatal error not reported")
		}
		rt.release()
	})
	return fmt.Errorf("%s: %w", msg, err)
}

func (rt *Runtime) release() {
	rt.segMu.Lock()
	for _, spec := range rt.specs {
		seg := rt.segments[spec.Name]
		if err := seg.Close(); err != nil {
			rt.log.Warn().Err(err).Str("segment", spec.Name).Msg("segment close failed")
		}
		if spec.Unlink {
			if err := seg.Unlink(); err != nil {
				rt.log.Warn().Err(err).Str("segment", spec.Name).Msg("segment unlink failed")
			}
		}
	}
	rt.segments = map[string]*realtime.Segment{}
	rt.specs = nil
	rt.segMu.Unlock()
	if err := rt.client.Close(); err != nil {
		rt.log.Debug().Err(err).Msg("redis close failed")
	}
}

func (rt *Runtime) openSegment(spec SegmentSpec) error {
	openFlags := unix.O_RDONLY
	prot := unix.PROT_READ
	if spec.Writable || spec.Create {
		openFlags = unix.O_RDWR
	}
	if spec.Writable {
		prot |= unix.PROT_WRITE
	}
	if spec.Create {
		openFlags |= unix.O_CREAT
	}
	seg, err := rt.substrate.OpenSharedMemory(spec.Name, spec.Size, openFlags, prot, unix.MAP_SHARED)
	if err != nil {
		return err
	}
	rt.segMu.Lock()
	rt.segments[spec.Name] = seg
	rt.specs = append(rt.specs, spec)
	rt.segMu.Unlock()
	return nil
}

func (rt *Runtime) Identity() coord.Identity {
	return rt.id
}

// Snapshot is the supergraph the node currently runs on.
func (rt *Runtime) Snapshot() *supergraph.Snapshot {
	return rt.snapshot.Load()
}

// Parameters returns this node's parameters from the current supergraph.
func (rt *Runtime) Parameters() (supergraph.Parameters, error) {
	return rt.Snapshot().NodeParameters(rt.id.String())
}

func (rt *Runtime) Segment(name string) (*realtime.Segment, error) {
	rt.segMu.Lock()
	defer rt.segMu.Unlock()
	seg, ok := rt.segments[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSegment, name)
	}
	return seg, nil
}

// Reporter exposes the status stream for node-specific Warning and Info
// events.
func (rt *Runtime) Reporter() *lifecycle.Reporter {
	return rt.reporter
}

func (rt *Runtime) Ready() bool {
	return rt.ready.Load()
}

func (rt *Runtime) NodeID() string {
	return rt.id.String()
}

func (rt *Runtime) Kind() string {
	return "pipeline-node"
}

func (rt *Runtime) HTTPRouter() *gin.Engine {
	return rt.router
}
