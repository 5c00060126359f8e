package realtime

import (
	"bytes"
	"errors"
	"os"
	"os/signal"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/nodekit/internal/fault"
	"github.com/danmuck/nodekit/internal/testutil/testlog"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

func newTestSubstrate(t *testing.T, exit func(int)) (*Substrate, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	s := New(Config{
		ExitHandler: exit,
		ExitMask:    []os.Signal{unix.SIGUSR2},
		ShmDir:      t.TempDir(),
		Logger:      &logger,
	})
	s.mlockall = func(int) error { return nil }
	t.Cleanup(s.Stop)
	return s, &buf
}

func raise(t *testing.T, sig unix.Signal) {
	t.Helper()
	if err := unix.Kill(os.Getpid(), sig); err != nil {
		t.Fatalf("kill %s failed: %v", sig, err)
	}
}

func waitFor(t *testing.T, ch <-chan os.Signal, what string) os.Signal {
	t.Helper()
	select {
	case sig := <-ch:
		return sig
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		return nil
	}
}

func TestLockMemoryRequestsCurrentAndFuture(t *testing.T) {
	testlog.Start(t)
	s, _ := newTestSubstrate(t, func(int) {})
	var got int
	s.mlockall = func(flags int) error {
		got = flags
		return nil
	}
	if err := s.LockMemoryAndPrefault(); err != nil {
		t.Fatalf("lock failed: %v", err)
	}
	if got != unix.MCL_CURRENT|unix.MCL_FUTURE {
		t.Fatalf("unexpected mlockall flags: %#x", got)
	}
}

func TestLockMemoryFailureIsResourceError(t *testing.T) {
	testlog.Start(t)
	s, _ := newTestSubstrate(t, func(int) {})
	s.mlockall = func(int) error { return unix.EPERM }
	err := s.LockMemoryAndPrefault()
	if !errors.Is(err, fault.ErrResource) || !errors.Is(err, unix.EPERM) {
		t.Fatalf("expected resource error wrapping EPERM, got %v", err)
	}
	if !strings.Contains(err.Error(), "memory lock error") {
		t.Fatalf("unexpected message: %v", err)
	}
}

func TestPrefaultStackLargeRegion(t *testing.T) {
	testlog.Start(t)
	s, _ := newTestSubstrate(t, func(int) {})
	s.cfg.StackBytes = 64 << 10
	if err := s.LockMemoryAndPrefault(); err != nil {
		t.Fatalf("lock failed: %v", err)
	}
}

func TestFailLogsAndExitsWithStatusOne(t *testing.T) {
	testlog.Start(t)
	var status []int
	s, buf := newTestSubstrate(t, func(code int) { status = append(status, code) })

	s.Fail("segment setup failed", errors.New("no space left on device"))

	if len(status) != 1 || status[0] != 1 {
		t.Fatalf("unexpected exit statuses: %v", status)
	}
	out := buf.String()
	if !strings.Contains(out, "segment setup failed") || !strings.Contains(out, "no space left on device") {
		t.Fatalf("diagnostic missing from log: %s", out)
	}
	if strings.Count(strings.TrimSpace(out), "\n") != 0 {
		t.Fatalf("expected a single log line, got: %s", out)
	}
}

func TestFailRestoresExitMaskWhenHandlerReturns(t *testing.T) {
	testlog.Start(t)
	var ignoredDuringExit bool
	s, _ := newTestSubstrate(t, func(int) { ignoredDuringExit = signal.Ignored(unix.SIGUSR2) })

	s.Fail("teardown", nil)

	if !ignoredDuringExit {
		t.Fatalf("expected exit mask ignored while the exit handler runs")
	}
	if signal.Ignored(unix.SIGUSR2) {
		t.Fatalf("exit mask still ignored after Fail returned")
	}
}

func TestSetLoggerRetagsDiagnostics(t *testing.T) {
	testlog.Start(t)
	s, first := newTestSubstrate(t, func(int) {})
	var second bytes.Buffer
	s.SetLogger(zerolog.New(&second).With().Str("node", "decoder").Logger())

	s.Fail("bad parameters", errors.New("missing rate"))

	if first.Len() != 0 {
		t.Fatalf("original logger still used: %s", first.String())
	}
	if out := second.String(); !strings.Contains(out, `"node":"decoder"`) || !strings.Contains(out, "missing rate") {
		t.Fatalf("retagged logger not used: %s", out)
	}
}

func TestInstallRejectsUncatchableSignals(t *testing.T) {
	testlog.Start(t)
	s, _ := newTestSubstrate(t, func(int) {})
	noop := func(os.Signal) {}
	for _, sig := range []os.Signal{unix.SIGKILL, unix.SIGSTOP, unix.Signal(0)} {
		if err := s.InstallSignalHandler(sig, noop); !errors.Is(err, fault.ErrResource) {
			t.Fatalf("expected resource error for %v, got %v", sig, err)
		}
	}
	if err := s.InstallSignalHandler(unix.SIGUSR1, noop, unix.SIGKILL); !errors.Is(err, ErrUncatchableSignal) {
		t.Fatalf("expected uncatchable mask rejection, got %v", err)
	}
	if err := s.InstallSignalHandler(unix.SIGUSR1, nil); !errors.Is(err, ErrNilHandler) {
		t.Fatalf("expected ErrNilHandler, got %v", err)
	}
}

func TestMaskedSignalDeferredUntilHandlerReturns(t *testing.T) {
	testlog.Start(t)
	s, _ := newTestSubstrate(t, func(int) {})

	started := make(chan os.Signal, 1)
	gate := make(chan struct{})
	second := make(chan os.Signal, 1)

	err := s.InstallSignalHandler(unix.SIGUSR1, func(sig os.Signal) {
		started <- sig
		<-gate
	}, unix.SIGUSR2)
	if err != nil {
		t.Fatalf("install failed: %v", err)
	}
	if err := s.InstallSignalHandler(unix.SIGUSR2, func(sig os.Signal) { second <- sig }); err != nil {
		t.Fatalf("install failed: %v", err)
	}

	raise(t, unix.SIGUSR1)
	waitFor(t, started, "first handler")
	raise(t, unix.SIGUSR2)

	select {
	case <-second:
		t.Fatalf("masked signal delivered while handler running")
	case <-time.After(100 * time.Millisecond):
	}

	close(gate)
	if got := waitFor(t, second, "deferred handler"); got != unix.SIGUSR2 {
		t.Fatalf("unexpected deferred signal: %v", got)
	}
}

func TestUnmaskedSignalRunsConcurrently(t *testing.T) {
	testlog.Start(t)
	s, _ := newTestSubstrate(t, func(int) {})

	started := make(chan os.Signal, 1)
	gate := make(chan struct{})
	defer close(gate)
	other := make(chan os.Signal, 1)

	if err := s.InstallSignalHandler(unix.SIGUSR1, func(sig os.Signal) {
		started <- sig
		<-gate
	}); err != nil {
		t.Fatalf("install failed: %v", err)
	}
	if err := s.InstallSignalHandler(unix.SIGUSR2, func(sig os.Signal) { other <- sig }); err != nil {
		t.Fatalf("install failed: %v", err)
	}

	raise(t, unix.SIGUSR1)
	waitFor(t, started, "first handler")
	raise(t, unix.SIGUSR2)
	waitFor(t, other, "unmasked handler")
}

func TestChildStopNotificationsSuppressed(t *testing.T) {
	testlog.Start(t)
	s, _ := newTestSubstrate(t, func(int) {})
	var mu sync.Mutex
	exited := false
	s.childExited = func() bool {
		mu.Lock()
		defer mu.Unlock()
		return exited
	}

	got := make(chan os.Signal, 4)
	if err := s.InstallSignalHandler(unix.SIGCHLD, func(sig os.Signal) { got <- sig }); err != nil {
		t.Fatalf("install failed: %v", err)
	}

	raise(t, unix.SIGCHLD)
	select {
	case <-got:
		t.Fatalf("stop/continue notification delivered")
	case <-time.After(100 * time.Millisecond):
	}

	mu.Lock()
	exited = true
	mu.Unlock()
	raise(t, unix.SIGCHLD)
	waitFor(t, got, "child exit notification")
}

func TestSharedMemoryCreateWriteReopen(t *testing.T) {
	testlog.Start(t)
	s, _ := newTestSubstrate(t, func(int) {})
	rw := unix.PROT_READ | unix.PROT_WRITE

	seg, err := s.OpenSharedMemory("/frames", 4096, unix.O_CREAT|unix.O_RDWR, rw, 0)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	t.Cleanup(func() { _ = seg.Close() })
	if seg.Name() != "frames" || seg.Len() != 4096 {
		t.Fatalf("unexpected segment: name=%q len=%d", seg.Name(), seg.Len())
	}
	copy(seg.Bytes(), "hello")

	peer, err := s.OpenSharedMemory("frames", 4096, unix.O_RDWR, rw, unix.MAP_SHARED)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	t.Cleanup(func() { _ = peer.Close() })
	if string(peer.Bytes()[:5]) != "hello" {
		t.Fatalf("peer does not see writes: %q", peer.Bytes()[:5])
	}
}

func TestSharedMemoryConcurrentCreatorsKeepSizeAndData(t *testing.T) {
	testlog.Start(t)
	s, _ := newTestSubstrate(t, func(int) {})
	rw := unix.PROT_READ | unix.PROT_WRITE
	const size = 8192

	first, err := s.OpenSharedMemory("ring", size, unix.O_CREAT|unix.O_RDWR, rw, 0)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	t.Cleanup(func() { _ = first.Close() })
	first.Bytes()[size-1] = 0x7f

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			seg, err := s.OpenSharedMemory("ring", size, unix.O_CREAT|unix.O_RDWR, rw, 0)
			if err != nil {
				errs <- err
				return
			}
			errs <- seg.Close()
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent create failed: %v", err)
		}
	}

	var st unix.Stat_t
	if err := unix.Stat(first.path, &st); err != nil {
		t.Fatalf("stat failed: %v", err)
	}
	if st.Size != size {
		t.Fatalf("size corrupted: %d", st.Size)
	}
	if first.Bytes()[size-1] != 0x7f {
		t.Fatalf("data lost after concurrent create")
	}
}

func TestSharedMemoryErrors(t *testing.T) {
	testlog.Start(t)
	s, _ := newTestSubstrate(t, func(int) {})
	rw := unix.PROT_READ | unix.PROT_WRITE

	for _, name := range []string{"", "/", "a/b", ".."} {
		if _, err := s.OpenSharedMemory(name, 64, unix.O_CREAT|unix.O_RDWR, rw, 0); !errors.Is(err, ErrInvalidSegmentName) {
			t.Fatalf("expected ErrInvalidSegmentName for %q, got %v", name, err)
		}
	}
	if _, err := s.OpenSharedMemory("zero", 0, unix.O_CREAT|unix.O_RDWR, rw, 0); !errors.Is(err, fault.ErrConfig) {
		t.Fatalf("expected config error for zero size, got %v", err)
	}
	if _, err := s.OpenSharedMemory("missing", 64, unix.O_RDWR, rw, 0); !errors.Is(err, fault.ErrResource) || !errors.Is(err, unix.ENOENT) {
		t.Fatalf("expected resource error wrapping ENOENT, got %v", err)
	}
}

func TestSharedMemoryUnlink(t *testing.T) {
	testlog.Start(t)
	s, _ := newTestSubstrate(t, func(int) {})
	rw := unix.PROT_READ | unix.PROT_WRITE

	seg, err := s.OpenSharedMemory("scratch", 128, unix.O_CREAT|unix.O_RDWR, rw, 0)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := seg.Unlink(); err != nil {
		t.Fatalf("unlink failed: %v", err)
	}
	seg.Bytes()[0] = 1
	if err := seg.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if err := seg.Close(); err != nil {
		t.Fatalf("second close failed: %v", err)
	}
	if _, err := s.OpenSharedMemory("scratch", 128, unix.O_RDWR, rw, 0); !errors.Is(err, unix.ENOENT) {
		t.Fatalf("expected ENOENT after unlink, got %v", err)
	}
	if err := s.UnlinkSharedMemory("scratch"); err != nil {
		t.Fatalf("unlink of missing name should be a no-op: %v", err)
	}
}
