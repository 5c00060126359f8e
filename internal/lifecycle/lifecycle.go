// Package lifecycle reports node state transitions on per-node status
// streams.
//
// Any event may be emitted at any time; nothing is tracked between calls.
// By convention a node emits Started first and Shutdown last.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/nodekit/internal/fault"
	"github.com/danmuck/nodekit/internal/logging"
	"github.com/danmuck/nodekit/internal/observability"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// StateField is the single field of every status stream entry.
const StateField = "state"

var (
	ErrMessageRequired = errors.New("lifecycle: message required")
	ErrUnknownState    = errors.New("lifecycle: unknown state")
	ErrNodeRequired    = errors.New("lifecycle: node name required")
)

type State int

const (
	StateStarted State = iota
	StateReady
	StateShutdown
	StateFatalError
	StateWarning
	StateInfo
	StateSupergraphUpdate
)

func (s State) String() string {
	switch s {
	case StateStarted:
		return "Started"
	case StateReady:
		return "Ready"
	case StateShutdown:
		return "Shutdown"
	case StateFatalError:
		return "FatalError"
	case StateWarning:
		return "Warning"
	case StateInfo:
		return "Info"
	case StateSupergraphUpdate:
		return "SupergraphUpdate"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// NeedsMessage reports whether events in state s carry free text.
func (s State) NeedsMessage() bool {
	return s == StateFatalError || s == StateWarning || s == StateInfo
}

// Event is a transient lifecycle transition, encoded immediately on emit.
type Event struct {
	State   State
	Message string
}

func Started() Event          { return Event{State: StateStarted} }
func Ready() Event            { return Event{State: StateReady} }
func Shutdown() Event         { return Event{State: StateShutdown} }
func SupergraphUpdate() Event { return Event{State: StateSupergraphUpdate} }

func FatalError(msg string) Event { return Event{State: StateFatalError, Message: msg} }
func Warning(msg string) Event    { return Event{State: StateWarning, Message: msg} }
func Info(msg string) Event       { return Event{State: StateInfo, Message: msg} }

// Encode returns the wire value of the state field.
func (e Event) Encode() (string, error) {
	if e.State.NeedsMessage() && strings.TrimSpace(e.Message) == "" {
		return "", fmt.Errorf("%w for %s", ErrMessageRequired, e.State)
	}
	switch e.State {
	case StateStarted:
		return "Initialized", nil
	case StateReady:
		return "Ready", nil
	case StateShutdown:
		return "Shutdown", nil
	case StateSupergraphUpdate:
		return "Supergraph Update", nil
	case StateFatalError:
		return "Fatal Error: " + e.Message, nil
	case StateWarning:
		return "Warning: " + e.Message, nil
	case StateInfo:
		return "Info: " + e.Message, nil
	default:
		return "", fmt.Errorf("%w: %d", ErrUnknownState, int(e.State))
	}
}

// StreamKey is the status stream of node.
func StreamKey(node string) string {
	return node + "_state"
}

// StreamAppender is the slice of the Redis API used for status appends.
type StreamAppender interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// Emit appends ev to node's status stream and returns the entry ID. A failed
// append is reported, not retried.
func Emit(ctx context.Context, s StreamAppender, node string, ev Event) (string, error) {
	const op = "lifecycle.Emit"
	if strings.TrimSpace(node) == "" {
		return "", fault.New(fault.Config, op, ErrNodeRequired)
	}
	value, err := ev.Encode()
	if err != nil {
		return "", fault.New(fault.Config, op, err)
	}
	id, err := s.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamKey(node),
		Values: []any{StateField, value},
	}).Result()
	observability.RecordLifecycleEvent(node, ev.State.String(), err == nil)
	if err != nil {
		return "", fault.New(fault.Connection, op, fmt.Errorf("XADD %s: %w", StreamKey(node), err))
	}
	return id, nil
}

// Reporter binds a status stream to one node.
type Reporter struct {
	stream StreamAppender
	node   string
	log    zerolog.Logger
}

func NewReporter(stream StreamAppender, node string) *Reporter {
	return &Reporter{stream: stream, node: node, log: logging.ForNode(node)}
}

func (r *Reporter) Node() string {
	return r.node
}

func (r *Reporter) Emit(ctx context.Context, ev Event) error {
	id, err := Emit(ctx, r.stream, r.node, ev)
	if err != nil {
		r.log.Warn().Err(err).Str("event", ev.State.String()).Msg("status emit failed")
		return err
	}
	r.log.Debug().
		Str("stream", StreamKey(r.node)).
		Str("entry", id).
		Str("event", ev.State.String()).
		Msg("status emitted")
	return nil
}
