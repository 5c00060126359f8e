// Command graphctl publishes supergraphs for a pipeline. It loads a YAML
// graph and appends it to the supergraph stream, or merges parameter
// overrides into the latest published graph.
//
//	graphctl (-s <socket> | -i <host> -p <port>) [-graph graph.yaml] [-set node.param=value ...]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/danmuck/nodekit/internal/coord"
	"github.com/danmuck/nodekit/internal/fault"
	"github.com/danmuck/nodekit/internal/logging"
	"github.com/danmuck/nodekit/internal/supergraph"
	"github.com/goccy/go-yaml"
	"github.com/rs/zerolog/log"
)

const nickname = "graphctl"

var errNothingToDo = errors.New("graphctl: -graph or -set required")

type request struct {
	opts      coord.Options
	graphPath string
	updates   map[string]map[string]any
}

func main() {
	logging.ConfigureRuntime()
	id, err := run(context.Background(), os.Args[1:], os.Stderr)
	if err != nil {
		log.Error().Err(err).Str("kind", fault.KindOf(err).String()).Msg("graphctl failed")
		os.Exit(1)
	}
	log.Info().Str("entry", id).Msg("graphctl done")
}

func run(ctx context.Context, args []string, usage io.Writer) (string, error) {
	req, err := parseRequest(args, usage)
	if err != nil {
		return "", err
	}
	client, err := coord.Connect(ctx, req.opts)
	if err != nil {
		return "", err
	}
	defer client.Close()

	pub := supergraph.NewPublisher(client.Redis())
	id, err := apply(ctx, pub, client, req)
	if err != nil {
		if reportErr := pub.ReportStatus(ctx, supergraph.StatusFailed); reportErr != nil {
			log.Debug().Err(reportErr).Msg("graph status not reported")
		}
		return "", err
	}
	return id, nil
}

func apply(ctx context.Context, pub *supergraph.Publisher, client *coord.Client, req request) (string, error) {
	var id string
	if req.graphPath != "" {
		m, err := supergraph.LoadGraphFile(req.graphPath)
		if err != nil {
			return "", err
		}
		if ep := client.Endpoint(); !ep.IsUnix() {
			m.RedisHost, m.RedisPort = ep.Host, ep.Port
		}
		if err := pub.Load(ctx, m); err != nil {
			return "", err
		}
		if id, err = pub.Publish(ctx); err != nil {
			return "", err
		}
	}
	if len(req.updates) == 0 {
		return id, nil
	}

	if pub.Model() == nil {
		snap, err := supergraph.FetchLatest(ctx, client.Redis(), "")
		if err != nil {
			return "", err
		}
		if snap == nil {
			return "", fault.New(fault.Config, "graphctl.apply", supergraph.ErrNoGraphLoaded)
		}
		m, err := supergraph.ModelFromSnapshot(snap)
		if err != nil {
			return "", err
		}
		pub.Resume(m)
	}
	log.Info().Strs("overrides", overrideKeys(req.updates)).Msg("applying parameter overrides")
	return pub.UpdateParameters(ctx, req.updates)
}

func parseRequest(args []string, usage io.Writer) (request, error) {
	const op = "graphctl.parseRequest"
	fs := flag.NewFlagSet(nickname, flag.ContinueOnError)
	fs.SetOutput(usage)

	b := coord.NewBuilder().Nickname(nickname)
	req := request{updates: map[string]map[string]any{}}
	fs.Func("s", "redis unix socket path", func(v string) error { b.Socket(v); return nil })
	fs.Func("i", "redis host", func(v string) error { b.Host(v); return nil })
	fs.Func("p", "redis port", func(v string) error { b.Port(v); return nil })
	fs.StringVar(&req.graphPath, "graph", "", "YAML graph to publish")
	fs.Func("set", "parameter override node.param=value (repeatable)", func(v string) error {
		return addUpdate(req.updates, v)
	})
	if err := fs.Parse(args); err != nil {
		return request{}, fault.New(fault.Config, op, err)
	}
	if fs.NArg() > 0 {
		return request{}, fault.Configf(op, "unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}
	if req.graphPath == "" && len(req.updates) == 0 {
		return request{}, fault.New(fault.Config, op, errNothingToDo)
	}

	opts, err := b.Build(logging.ForNode(nickname))
	if err != nil {
		return request{}, err
	}
	req.opts = opts
	return req, nil
}

// addUpdate parses node.param=value. The value is read as a YAML scalar so
// 3 stays an integer, 0.5 a float and true a bool.
func addUpdate(updates map[string]map[string]any, raw string) error {
	key, value, ok := strings.Cut(raw, "=")
	if !ok {
		return fmt.Errorf("override %q: want node.param=value", raw)
	}
	node, param, ok := strings.Cut(strings.TrimSpace(key), ".")
	if !ok || node == "" || param == "" {
		return fmt.Errorf("override %q: want node.param=value", raw)
	}
	var v any
	if err := yaml.Unmarshal([]byte(value), &v); err != nil {
		return fmt.Errorf("override %q: %w", raw, err)
	}
	if updates[node] == nil {
		updates[node] = map[string]any{}
	}
	updates[node][param] = v
	return nil
}

// overrideKeys lists node.param keys in a stable order.
func overrideKeys(updates map[string]map[string]any) []string {
	var out []string
	for node, params := range updates {
		for param := range params {
			out = append(out, node+"."+param)
		}
	}
	sort.Strings(out)
	return out
}
