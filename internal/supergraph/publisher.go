package supergraph

import (
	"context"
	"fmt"
	"sort"

	"github.com/bytedance/sonic"
	"github.com/danmuck/nodekit/internal/fault"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// GraphStatusKey is the stream where graph load progress is reported.
const GraphStatusKey = "graph_status"

// GraphStatus values appended to GraphStatusKey under the "status" field.
type GraphStatus string

const (
	StatusInitialized GraphStatus = "initialized"
	StatusParsing     GraphStatus = "parsing"
	StatusFailed      GraphStatus = "graph failed"
	StatusRunning     GraphStatus = "running"
	StatusPublished   GraphStatus = "published"
	StatusStopped     GraphStatus = "stopped/not initialized"
)

// StreamAppender is the slice of the Redis API used for appends.
type StreamAppender interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// Publisher owns the current model on the supervisor side and writes it to
// the supergraph stream.
type Publisher struct {
	stream StreamAppender
	model  *Model
}

func NewPublisher(stream StreamAppender) *Publisher {
	return &Publisher{stream: stream}
}

// Model returns the currently loaded model, or nil.
func (p *Publisher) Model() *Model {
	return p.model
}

// Load installs m as the current model, reporting initialized and parsing.
func (p *Publisher) Load(ctx context.Context, m *Model) error {
	if err := p.ReportStatus(ctx, StatusInitialized); err != nil {
		return err
	}
	if err := p.ReportStatus(ctx, StatusParsing); err != nil {
		return err
	}
	p.model = m
	return nil
}

// Resume installs m, typically rebuilt from the latest snapshot, without
// reporting a fresh load.
func (p *Publisher) Resume(m *Model) {
	p.model = m
}

// Publish appends the current model and returns the new entry ID.
func (p *Publisher) Publish(ctx context.Context) (string, error) {
	const op = "supergraph.Publish"
	if p.model == nil {
		return "", fault.New(fault.Config, op, ErrNoGraphLoaded)
	}
	payload, err := sonic.MarshalString(p.model)
	if err != nil {
		return "", fault.New(fault.Protocol, op, fmt.Errorf("encode model: %w", err))
	}
	id, err := p.stream.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamKey,
		Values: map[string]any{DataField: payload},
	}).Result()
	if err != nil {
		return "", fault.New(fault.Connection, op, fmt.Errorf("XADD %s: %w", StreamKey, err))
	}
	log.Info().
		Str("graph", p.model.GraphName).
		Str("entry", id).
		Int("nodes", len(p.model.Nodes)).
		Msg("supergraph published")
	if err := p.ReportStatus(ctx, StatusPublished); err != nil {
		return id, err
	}
	return id, nil
}

// UpdateParameters merges per-nickname parameter values into the model and
// republishes it. Every nickname is checked before anything is changed.
func (p *Publisher) UpdateParameters(ctx context.Context, updates map[string]map[string]any) (string, error) {
	const op = "supergraph.UpdateParameters"
	if p.model == nil {
		return "", fault.New(fault.Config, op, ErrNoGraphLoaded)
	}
	names := make([]string, 0, len(updates))
	for nickname := range updates {
		if _, ok := p.model.Nodes[nickname]; !ok {
			return "", fault.New(fault.Config, op, fmt.Errorf("%w: %q, skipped all parameter updates", ErrNodeNotFound, nickname))
		}
		names = append(names, nickname)
	}
	sort.Strings(names)
	for _, nickname := range names {
		node := p.model.Nodes[nickname]
		params, ok := node[parametersKey].(map[string]any)
		if !ok {
			params = map[string]any{}
			node[parametersKey] = params
		}
		for k, v := range updates[nickname] {
			params[k] = normalize(v)
		}
	}

	id, err := p.Publish(ctx)
	if err != nil {
		return id, err
	}
	if err := p.ReportStatus(ctx, StatusRunning); err != nil {
		return id, err
	}
	return id, nil
}

// ReportStatus appends a graph status value.
func (p *Publisher) ReportStatus(ctx context.Context, status GraphStatus) error {
	err := p.stream.XAdd(ctx, &redis.XAddArgs{
		Stream: GraphStatusKey,
		Values: map[string]any{"status": string(status)},
	}).Err()
	if err != nil {
		return fault.New(fault.Connection, "supergraph.ReportStatus", fmt.Errorf("XADD %s: %w", GraphStatusKey, err))
	}
	return nil
}
