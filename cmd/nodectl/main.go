// Command nodectl runs a pipeline node: it joins the coordination store
// named by its flags, adopts its supergraph parameters and serves until
// interrupted.
//
//	nodectl -n <nickname> (-s <redis socket> | -i <redis host> -p <redis port>)
package main

import (
	"context"
	"os"
	"path/filepath"

	"github.com/danmuck/nodekit/internal/config"
	"github.com/danmuck/nodekit/internal/logging"
	"github.com/danmuck/nodekit/internal/node"
	"github.com/danmuck/nodekit/internal/realtime"
)

func main() {
	logging.ConfigureRuntime()

	cfg, err := config.Load()
	if err != nil {
		realtime.New(realtime.DefaultConfig()).Fail("nodectl: configuration error", err)
		return
	}
	if _, set := os.LookupEnv("NODEKIT_LOG_LEVEL"); !set && cfg.LogLevel != "" {
		logging.SetLevel(cfg.LogLevel)
	}
	sub := realtime.New(cfg.Substrate)

	ctx := context.Background()
	rt, err := node.Boot(ctx, os.Args[1:], filepath.Base(os.Args[0]), sub, cfg.Node, node.Hooks{})
	if err != nil {
		sub.Fail("nodectl: startup failed", err)
		return
	}
	if err := rt.Run(ctx); err != nil {
		sub.Fail("nodectl: node failed", err)
	}
}
