package realtime

import (
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/nodekit/internal/fault"
	"github.com/danmuck/nodekit/internal/observability"
	"golang.org/x/sys/unix"
)

var (
	ErrUncatchableSignal = errors.New("realtime: signal cannot be handled")
	ErrNilHandler        = errors.New("realtime: nil signal handler")
)

// Handler runs on its own goroutine for each delivered signal.
type Handler func(sig os.Signal)

type handlerEntry struct {
	fn   Handler
	mask []os.Signal
}

// dispatcher serialises delivery the way a blocked sigaction mask would: while
// a handler runs, its own signal and its mask are held back and replayed in
// arrival order once it returns. Unrelated signals run concurrently.
type dispatcher struct {
	in       chan os.Signal
	finished chan *handlerEntry
	install  chan installReq
	done     chan struct{}
	stopped  chan struct{}

	handlers map[os.Signal]*handlerEntry
	blocked  map[os.Signal]int
	pending  []os.Signal

	childExited func() bool
}

type installReq struct {
	sig   os.Signal
	entry *handlerEntry
	ack   chan struct{}
}

// InstallSignalHandler routes sig to handler. While handler runs, sig and
// every signal in blockMask are deferred. Child-status signals are delivered
// only for exits; stop and continue notifications are dropped. Installing
// again for the same signal replaces the handler.
func (s *Substrate) InstallSignalHandler(sig os.Signal, handler Handler, blockMask ...os.Signal) error {
	const op = "realtime.InstallSignalHandler"
	if handler == nil {
		return fault.New(fault.Resource, op, ErrNilHandler)
	}
	if err := validateSignal(sig); err != nil {
		return fault.New(fault.Resource, op, err)
	}
	for _, m := range blockMask {
		if err := validateSignal(m); err != nil {
			return fault.New(fault.Resource, op, err)
		}
	}

	s.sigMu.Lock()
	defer s.sigMu.Unlock()
	if s.dispatcher == nil {
		s.dispatcher = newDispatcher(s)
		go s.dispatcher.run()
	}
	req := installReq{
		sig:   sig,
		entry: &handlerEntry{fn: handler, mask: append([]os.Signal{sig}, without(blockMask, sig)...)},
		ack:   make(chan struct{}),
	}
	s.dispatcher.install <- req
	<-req.ack
	signal.Notify(s.dispatcher.in, sig)
	s.logger().Debug().Str("signal", sig.String()).Msg("signal handler installed")
	return nil
}

// Stop detaches every installed handler. Signals arriving afterwards get the
// default disposition. Handlers already running are not interrupted.
func (s *Substrate) Stop() {
	s.sigMu.Lock()
	d := s.dispatcher
	s.dispatcher = nil
	s.sigMu.Unlock()
	if d == nil {
		return
	}
	signal.Stop(d.in)
	close(d.done)
	<-d.stopped
}

func validateSignal(sig os.Signal) error {
	sys, ok := sig.(syscall.Signal)
	if !ok || sys <= 0 {
		return ErrUncatchableSignal
	}
	if sys == unix.SIGKILL || sys == unix.SIGSTOP {
		return ErrUncatchableSignal
	}
	return nil
}

func newDispatcher(s *Substrate) *dispatcher {
	return &dispatcher{
		in:          make(chan os.Signal, 32),
		finished:    make(chan *handlerEntry),
		install:     make(chan installReq),
		done:        make(chan struct{}),
		stopped:     make(chan struct{}),
		handlers:    make(map[os.Signal]*handlerEntry),
		blocked:     make(map[os.Signal]int),
		childExited: s.childExited,
	}
}

func (d *dispatcher) run() {
	defer close(d.stopped)
	for {
		select {
		case <-d.done:
			return
		case req := <-d.install:
			d.handlers[req.sig] = req.entry
			close(req.ack)
		case sig := <-d.in:
			if d.blocked[sig] > 0 {
				d.pending = append(d.pending, sig)
				continue
			}
			d.deliver(sig)
		case entry := <-d.finished:
			d.release(entry)
		}
	}
}

func (d *dispatcher) deliver(sig os.Signal) {
	entry, ok := d.handlers[sig]
	if !ok {
		return
	}
	if sig == unix.SIGCHLD && !d.childExited() {
		return
	}
	observability.RecordSignal(sig.String())
	d.block(entry)
	go func() {
		entry.fn(sig)
		select {
		case d.finished <- entry:
		case <-d.done:
		}
	}()
}

func (d *dispatcher) block(entry *handlerEntry) {
	for _, m := range entry.mask {
		d.blocked[m]++
	}
}

func (d *dispatcher) release(entry *handlerEntry) {
	for _, m := range entry.mask {
		if d.blocked[m]--; d.blocked[m] <= 0 {
			delete(d.blocked, m)
		}
	}
	held := d.pending
	d.pending = nil
	for _, sig := range held {
		if d.blocked[sig] > 0 {
			d.pending = append(d.pending, sig)
			continue
		}
		d.deliver(sig)
	}
}

func without(sigs []os.Signal, drop os.Signal) []os.Signal {
	out := make([]os.Signal, 0, len(sigs))
	for _, s := range sigs {
		if s != drop {
			out = append(out, s)
		}
	}
	return out
}

// anyChildExited peeks, without reaping, for a child in an exited state.
// No waitable child at all means an exit was already collected elsewhere.
func anyChildExited() bool {
	var info unix.Siginfo
	err := unix.Waitid(unix.P_ALL, 0, &info, unix.WEXITED|unix.WNOHANG|unix.WNOWAIT, nil)
	if errors.Is(err, unix.ECHILD) {
		return true
	}
	if err != nil {
		return false
	}
	return info.Signo != 0
}

func ignoreSignals(sigs []os.Signal) {
	if len(sigs) > 0 {
		signal.Ignore(sigs...)
	}
}

func resetSignals(sigs []os.Signal) {
	if len(sigs) > 0 {
		signal.Reset(sigs...)
	}
}
