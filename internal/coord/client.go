package coord

import (
	"context"
	"fmt"

	"github.com/danmuck/nodekit/internal/fault"
	"github.com/danmuck/nodekit/internal/logging"
	"github.com/redis/go-redis/v9"
)

// Client owns the live connection to the coordination store and the node's
// resolved identity. It holds a single pooled connection so appends from
// this node are observed in issue order.
type Client struct {
	rdb      *redis.Client
	id       Identity
	endpoint Endpoint
}

// Connect dials the store described by opts and verifies it with PING.
func Connect(ctx context.Context, opts Options) (*Client, error) {
	timeout := opts.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	rdb := redis.NewClient(&redis.Options{
		Network:      opts.Endpoint.Network(),
		Addr:         opts.Endpoint.Addr(),
		DialTimeout:  timeout,
		ReadTimeout:  -1,
		WriteTimeout: -1,
		PoolSize:     1,
		MaxRetries:   -1,
		Protocol:     2,
	})

	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fault.New(
			fault.Connection,
			"coord.Connect",
			fmt.Errorf("redis connection error (%s): %w", opts.Endpoint, err),
		)
	}
	return &Client{rdb: rdb, id: opts.Nickname, endpoint: opts.Endpoint}, nil
}

// Bootstrap parses launch args, replaces the provisional process name with
// the -n nickname, and connects. Diagnostics before the nickname is known
// are tagged with provisional.
func Bootstrap(ctx context.Context, args []string, provisional string) (Identity, *Client, error) {
	plog := logging.ForNode(provisional)
	opts, err := ParseArgs(args, plog)
	if err != nil {
		return "", nil, err
	}
	plog.Info().Msgf("process nickname changed from %q to %q", provisional, opts.Nickname)

	nlog := logging.ForNode(opts.Nickname.String())
	nlog.Info().Str("endpoint", opts.Endpoint.String()).Msg("initializing redis")
	client, err := Connect(ctx, opts)
	if err != nil {
		return opts.Nickname, nil, err
	}
	nlog.Info().Msg("redis initialized")
	return opts.Nickname, client, nil
}

// Redis exposes the underlying handle for stream reads and appends.
func (c *Client) Redis() *redis.Client {
	return c.rdb
}

func (c *Client) Identity() Identity {
	return c.id
}

func (c *Client) Endpoint() Endpoint {
	return c.endpoint
}

func (c *Client) Close() error {
	if c == nil || c.rdb == nil {
		return nil
	}
	return c.rdb.Close()
}
