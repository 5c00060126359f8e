package node

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/danmuck/nodekit/internal/fault"
	"github.com/danmuck/nodekit/internal/lifecycle"
	"github.com/danmuck/nodekit/internal/realtime"
	"github.com/danmuck/nodekit/internal/supergraph"
	"github.com/danmuck/nodekit/internal/testutil/testlog"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sys/unix"
)

type harness struct {
	mr     *miniredis.Miniredis
	rdb    *redis.Client
	sub    *realtime.Substrate
	shmDir string
	exits  []int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)
	h := &harness{mr: miniredis.RunT(t), shmDir: t.TempDir()}
	h.rdb = redis.NewClient(&redis.Options{Addr: h.mr.Addr(), Protocol: 2})
	t.Cleanup(func() { _ = h.rdb.Close() })
	h.sub = realtime.New(realtime.Config{
		ExitHandler: func(code int) { h.exits = append(h.exits, code) },
		ShmDir:      h.shmDir,
	})
	t.Cleanup(h.sub.Stop)
	return h
}

func (h *harness) args(nickname string) []string {
	return []string{"-n", nickname, "-i", h.mr.Host(), "-p", h.mr.Port()}
}

func (h *harness) publish(t *testing.T, doc string) string {
	t.Helper()
	id, err := h.rdb.XAdd(context.Background(), &redis.XAddArgs{
		Stream: supergraph.StreamKey,
		Values: map[string]any{supergraph.DataField: doc},
	}).Result()
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	return id
}

func (h *harness) states(t *testing.T, node string) []string {
	t.Helper()
	msgs, err := h.rdb.XRange(context.Background(), lifecycle.StreamKey(node), "-", "+").Result()
	if err != nil {
		t.Fatalf("xrange failed: %v", err)
	}
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Values[lifecycle.StateField].(string))
	}
	return out
}

func (h *harness) waitState(t *testing.T, node, want string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		for _, s := range h.states(t, node) {
			if strings.HasPrefix(s, want) {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("state %q never emitted; have %v", want, h.states(t, node))
}

const decoderGraph = `{"graph_name":"capture","graph_loaded_ts":1,"nodes":{"decoder":{"name":"decoder","nickname":"decoder","parameters":{"rate":30000}}}}`

func testSettings() Settings {
	return Settings{
		PollInterval: 10 * time.Millisecond,
		Segments: []SegmentSpec{
			{Name: "frames", Size: 4096, Create: true, Writable: true, Unlink: true},
		},
	}
}

func TestBootReachesReady(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)
	h.publish(t, decoderGraph)

	rt, err := Boot(context.Background(), h.args("decoder"), "nodectl", h.sub, testSettings(), Hooks{})
	if err != nil {
		t.Fatalf("boot failed: %v", err)
	}
	defer rt.Shutdown(context.Background())

	if got := h.states(t, "decoder"); strings.Join(got, ",") != "Initialized,Ready" {
		t.Fatalf("unexpected states: %v", got)
	}
	if !rt.Ready() || rt.NodeID() != "decoder" {
		t.Fatalf("unexpected runtime: ready=%v id=%s", rt.Ready(), rt.NodeID())
	}
	params, err := rt.Parameters()
	if err != nil {
		t.Fatalf("params failed: %v", err)
	}
	if rate, err := params.GetInt("rate"); err != nil || rate != 30000 {
		t.Fatalf("rate = %d, %v", rate, err)
	}
	seg, err := rt.Segment("frames")
	if err != nil || seg.Len() != 4096 {
		t.Fatalf("segment = %v, %v", seg, err)
	}
	if _, err := rt.Segment("missing"); !errors.Is(err, ErrUnknownSegment) {
		t.Fatalf("expected ErrUnknownSegment, got %v", err)
	}

	rr := httptest.NewRecorder()
	rt.HTTPRouter().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"ready":true`) {
		t.Fatalf("unexpected /ready: %d %s", rr.Code, rr.Body.String())
	}
}

func TestBootWithoutSupergraphReportsFatal(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)

	_, err := Boot(context.Background(), h.args("decoder"), "nodectl", h.sub, testSettings(), Hooks{})
	if !errors.Is(err, ErrNoSupergraph) || !errors.Is(err, fault.ErrConfig) {
		t.Fatalf("expected config ErrNoSupergraph, got %v", err)
	}
	got := h.states(t, "decoder")
	if len(got) != 1 || !strings.HasPrefix(got[0], "Fatal Error: supergraph fetch failed") {
		t.Fatalf("unexpected states: %v", got)
	}
}

func TestBootUnknownNodeIsConfigError(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)
	h.publish(t, decoderGraph)

	_, err := Boot(context.Background(), h.args("encoder"), "nodectl", h.sub, testSettings(), Hooks{})
	if !errors.Is(err, supergraph.ErrNodeNotFound) || !errors.Is(err, fault.ErrConfig) {
		t.Fatalf("expected config ErrNodeNotFound, got %v", err)
	}
	entries, _ := os.ReadDir(h.shmDir)
	if len(entries) != 0 {
		t.Fatalf("segments created before parameters resolved: %v", entries)
	}
}

func TestBootFlagErrorSkipsConnection(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)
	_, err := Boot(context.Background(), []string{"-n", "decoder", "-i", "127.0.0.1"}, "nodectl", h.sub, testSettings(), Hooks{})
	if !errors.Is(err, fault.ErrConfig) {
		t.Fatalf("expected config error, got %v", err)
	}
	if got := h.states(t, "decoder"); len(got) != 0 {
		t.Fatalf("unexpected states: %v", got)
	}
}

func TestBootRejectsDuplicateSegments(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)
	h.publish(t, decoderGraph)

	settings := testSettings()
	settings.Segments = append(settings.Segments, SegmentSpec{Name: "/frames", Size: 8192, Create: true})
	_, err := Boot(context.Background(), h.args("decoder"), "nodectl", h.sub, settings, Hooks{})
	if !errors.Is(err, ErrDuplicateSegment) || !errors.Is(err, fault.ErrConfig) {
		t.Fatalf("expected config ErrDuplicateSegment, got %v", err)
	}
	entries, _ := os.ReadDir(h.shmDir)
	if len(entries) != 0 {
		t.Fatalf("segments mapped despite duplicate names: %v", entries)
	}
	if got := h.states(t, "decoder"); len(got) != 0 {
		t.Fatalf("unexpected states: %v", got)
	}
}

func TestRunStopsOnSIGTERM(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)
	h.publish(t, decoderGraph)

	settings := testSettings()
	settings.AdminAddr = "127.0.0.1:0"
	rt, err := Boot(context.Background(), h.args("decoder"), "nodectl", h.sub, settings, Hooks{})
	if err != nil {
		t.Fatalf("boot failed: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- rt.Run(context.Background()) }()

	// The admin listener comes up after the signal handlers are installed.
	for i := 0; i < 200 && rt.AdminAddr() == ""; i++ {
		time.Sleep(5 * time.Millisecond)
	}
	if rt.AdminAddr() == "" {
		t.Fatalf("admin server never started")
	}
	if err := unix.Kill(os.Getpid(), unix.SIGTERM); err != nil {
		t.Fatalf("kill failed: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run failed: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("run did not stop on SIGTERM")
	}
	got := h.states(t, "decoder")
	if got[len(got)-1] != "Shutdown" {
		t.Fatalf("expected Shutdown last, got %v", got)
	}
	for _, s := range got {
		if strings.HasPrefix(s, "Fatal Error") {
			t.Fatalf("signal shutdown reported as fatal: %v", got)
		}
	}
	if _, err := os.Stat(filepath.Join(h.shmDir, "frames")); !os.IsNotExist(err) {
		t.Fatalf("segment not unlinked: %v", err)
	}
	if len(h.exits) != 0 {
		t.Fatalf("runtime must not exit the process: %v", h.exits)
	}
}

func TestRunAdoptsUpdatesAndShutsDown(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)
	h.publish(t, decoderGraph)

	rates := make(chan int, 4)
	hooks := Hooks{
		Update: func(_ context.Context, _ *Runtime, params supergraph.Parameters) error {
			rate, err := params.GetInt("rate")
			if err != nil {
				return err
			}
			rates <- rate
			return nil
		},
	}
	settings := testSettings()
	settings.AdminAddr = "127.0.0.1:0"
	rt, err := Boot(context.Background(), h.args("decoder"), "nodectl", h.sub, settings, hooks)
	if err != nil {
		t.Fatalf("boot failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx) }()

	h.publish(t, `{"graph_name":"capture","graph_loaded_ts":2,"nodes":{"other":{"parameters":{}}}}`)
	h.waitState(t, "decoder", "Warning: supergraph")
	next := h.publish(t, strings.Replace(decoderGraph, "30000", "48000", 1))
	h.waitState(t, "decoder", "Supergraph Update")

	select {
	case rate := <-rates:
		if rate != 48000 {
			t.Fatalf("unexpected rate delivered: %d", rate)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("update hook not called")
	}
	if rt.Snapshot().ID != next {
		t.Fatalf("snapshot not adopted: %s want %s", rt.Snapshot().ID, next)
	}

	var addr string
	for i := 0; i < 100 && addr == ""; i++ {
		addr = rt.AdminAddr()
		time.Sleep(5 * time.Millisecond)
	}
	resp, err := http.Get("http://" + addr + "/health")
	if err != nil {
		t.Fatalf("admin request failed: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected /health status: %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run failed: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("run did not stop")
	}

	got := h.states(t, "decoder")
	if got[len(got)-1] != "Shutdown" {
		t.Fatalf("expected Shutdown last, got %v", got)
	}
	if _, err := os.Stat(filepath.Join(h.shmDir, "frames")); !os.IsNotExist(err) {
		t.Fatalf("segment not unlinked: %v", err)
	}
	if rt.Ready() {
		t.Fatalf("runtime still ready after shutdown")
	}
}

func TestRunTickErrorStopsNode(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)
	h.publish(t, decoderGraph)

	boom := errors.New("frame overrun")
	settings := testSettings()
	settings.LoopPeriod = 2 * time.Millisecond
	ticks := 0
	hooks := Hooks{Tick: func(context.Context, *Runtime) error {
		ticks++
		if ticks == 3 {
			return boom
		}
		return nil
	}}
	rt, err := Boot(context.Background(), h.args("decoder"), "nodectl", h.sub, settings, hooks)
	if err != nil {
		t.Fatalf("boot failed: %v", err)
	}
	if err := rt.Run(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected tick error, got %v", err)
	}
	got := h.states(t, "decoder")
	if !strings.HasPrefix(got[len(got)-1], "Fatal Error: node stopped: frame overrun") {
		t.Fatalf("expected fatal error last, got %v", got)
	}
	if len(h.exits) != 0 {
		t.Fatalf("runtime must not exit the process: %v", h.exits)
	}
}
