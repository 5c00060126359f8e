package coord

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/danmuck/nodekit/internal/fault"
	"github.com/rs/zerolog"
)

// DefaultConnectTimeout bounds connection establishment to the store.
const DefaultConnectTimeout = 1500 * time.Millisecond

var (
	ErrNicknameRequired = errors.New("coord: -n (nickname) argument not provided")
	ErrInvalidNickname  = errors.New("coord: invalid nickname")
	ErrPortRequired     = errors.New("coord: -p (port) argument not provided with -i (host IP)")
	ErrEndpointRequired = errors.New("coord: neither -s (Redis socket) nor -i (host IP) provided")
	ErrInvalidPort      = errors.New("coord: invalid port")
	ErrEmptyFlagValue   = errors.New("coord: empty flag value")
)

// Identity is a node's nickname, unique across concurrently running nodes.
type Identity string

// NewIdentity validates a raw nickname. Nicknames namespace stream keys, so
// whitespace and control characters are rejected.
func NewIdentity(raw string) (Identity, error) {
	name := strings.TrimSpace(raw)
	if name == "" {
		return "", ErrNicknameRequired
	}
	for _, r := range name {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return "", fmt.Errorf("%w: %q", ErrInvalidNickname, raw)
		}
	}
	return Identity(name), nil
}

func (id Identity) String() string {
	return string(id)
}

// Endpoint locates the coordination store. Exactly one of SocketPath or
// Host/Port is set.
type Endpoint struct {
	SocketPath string
	Host       string
	Port       int
}

func UnixEndpoint(path string) Endpoint {
	return Endpoint{SocketPath: path}
}

func TCPEndpoint(host string, port int) Endpoint {
	return Endpoint{Host: host, Port: port}
}

func (e Endpoint) IsUnix() bool {
	return e.SocketPath != ""
}

func (e Endpoint) Network() string {
	if e.IsUnix() {
		return "unix"
	}
	return "tcp"
}

func (e Endpoint) Addr() string {
	if e.IsUnix() {
		return e.SocketPath
	}
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

func (e Endpoint) String() string {
	if e.IsUnix() {
		return "socket:" + e.SocketPath
	}
	return "host:" + e.Addr()
}

// Options is the validated result of parsing launch arguments.
type Options struct {
	Nickname       Identity
	Endpoint       Endpoint
	ConnectTimeout time.Duration
}

// Builder collects launch values and enforces the nickname-required and
// socket-over-host rules in Build.
type Builder struct {
	nickname *string
	socket   *string
	host     *string
	port     *string
	timeout  time.Duration
}

func NewBuilder() *Builder {
	return &Builder{timeout: DefaultConnectTimeout}
}

func (b *Builder) Nickname(v string) *Builder {
	b.nickname = &v
	return b
}

func (b *Builder) Socket(v string) *Builder {
	b.socket = &v
	return b
}

func (b *Builder) Host(v string) *Builder {
	b.host = &v
	return b
}

func (b *Builder) Port(v string) *Builder {
	b.port = &v
	return b
}

func (b *Builder) ConnectTimeout(d time.Duration) *Builder {
	if d > 0 {
		b.timeout = d
	}
	return b
}

// Build validates the collected values. A socket path wins over a host; the
// host is then ignored and a warning is written to logger.
func (b *Builder) Build(logger zerolog.Logger) (Options, error) {
	const op = "coord.Build"
	if b.nickname == nil {
		return Options{}, fault.New(fault.Config, op, ErrNicknameRequired)
	}
	id, err := NewIdentity(*b.nickname)
	if err != nil {
		return Options{}, fault.New(fault.Config, op, err)
	}

	opts := Options{Nickname: id, ConnectTimeout: b.timeout}
	switch {
	case b.socket != nil:
		path := strings.TrimSpace(*b.socket)
		if path == "" {
			return Options{}, fault.New(fault.Config, op, fmt.Errorf("%w: -s", ErrEmptyFlagValue))
		}
		if b.host != nil {
			logger.Warn().
				Str("socket", path).
				Str("host", *b.host).
				Msg("both -s (Redis socket) and -i (host IP) provided, so -i is being ignored")
		}
		opts.Endpoint = UnixEndpoint(path)
	case b.host != nil:
		host := strings.TrimSpace(*b.host)
		if host == "" {
			return Options{}, fault.New(fault.Config, op, fmt.Errorf("%w: -i", ErrEmptyFlagValue))
		}
		if b.port == nil {
			return Options{}, fault.New(fault.Config, op, ErrPortRequired)
		}
		port, err := parsePort(*b.port)
		if err != nil {
			return Options{}, fault.New(fault.Config, op, err)
		}
		opts.Endpoint = TCPEndpoint(host, port)
	default:
		return Options{}, fault.New(fault.Config, op, ErrEndpointRequired)
	}
	return opts, nil
}

func parsePort(raw string) (int, error) {
	port, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || port < 1 || port > 65535 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidPort, raw)
	}
	return port, nil
}

// ParseArgs parses node launch flags (without the program name):
// -n <nickname> -s <unix socket> -i <host> -p <port>.
func ParseArgs(args []string, logger zerolog.Logger) (Options, error) {
	b := NewBuilder()
	fs := flag.NewFlagSet("node", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.Func("n", "node nickname (required)", func(v string) error { b.Nickname(v); return nil })
	fs.Func("s", "Redis unix socket path", func(v string) error { b.Socket(v); return nil })
	fs.Func("i", "Redis host", func(v string) error { b.Host(v); return nil })
	fs.Func("p", "Redis port (required with -i)", func(v string) error { b.Port(v); return nil })

	if err := fs.Parse(args); err != nil {
		return Options{}, fault.New(fault.Config, "coord.ParseArgs", err)
	}
	return b.Build(logger)
}
