package node

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/nodekit/internal/fault"
	"github.com/danmuck/nodekit/internal/observability"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const adminVersion = "0.1.0"

func (rt *Runtime) newRouter() *gin.Engine {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.Instrument(rt.id.String(), rt.log))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(rt.settings.CORSOrigins),
		AllowMethods: []string{"GET"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(rt.booted).String(),
			"node":    rt.id.String(),
			"version": adminVersion,
		})
	})
	r.GET("/ready", func(c *gin.Context) {
		status := http.StatusOK
		if !rt.Ready() {
			status = http.StatusServiceUnavailable
		}
		body := gin.H{
			"ready": rt.Ready(),
			"node":  rt.id.String(),
		}
		if snap := rt.Snapshot(); snap != nil {
			body["supergraph"] = snap.ID
		}
		c.JSON(status, body)
	})
	r.GET("/segments", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"segments": rt.segmentInfo()})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return r
}

type segmentInfo struct {
	Name     string `json:"name"`
	Size     int    `json:"size"`
	Writable bool   `json:"writable"`
}

func (rt *Runtime) segmentInfo() []segmentInfo {
	rt.segMu.Lock()
	defer rt.segMu.Unlock()
	out := make([]segmentInfo, 0, len(rt.specs))
	for _, spec := range rt.specs {
		out = append(out, segmentInfo{Name: spec.Name, Size: spec.Size, Writable: spec.Writable})
	}
	return out
}

// serveAdmin binds the admin listener and serves until ctx ends.
func (rt *Runtime) serveAdmin(ctx context.Context, wg *sync.WaitGroup, errs chan<- error, cancel context.CancelFunc) (*http.Server, error) {
	ln, err := net.Listen("tcp", rt.settings.AdminAddr)
	if err != nil {
		return nil, fault.New(fault.Resource, "node.serveAdmin", err)
	}
	rt.adminAddr.Store(ln.Addr().String())
	srv := &http.Server{Handler: rt.router, ReadHeaderTimeout: 5 * time.Second}
	rt.log.Info().Str("addr", ln.Addr().String()).Msg("admin listening")

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- fault.New(fault.Resource, "node.serveAdmin", err)
			cancel()
		}
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctx.Done()
		shutdownCtx, done := context.WithTimeout(context.Background(), 2*time.Second)
		defer done()
		_ = srv.Shutdown(shutdownCtx)
	}()
	return srv, nil
}

// AdminAddr is the bound admin address once Run is serving, or "".
func (rt *Runtime) AdminAddr() string {
	addr, _ := rt.adminAddr.Load().(string)
	return addr
}

func normalizeOrigins(in []string) []string {
	out := make([]string, 0, len(in))
	for _, origin := range in {
		if v := strings.TrimSpace(origin); v != "" {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return []string{"http://localhost:3000"}
	}
	return out
}
