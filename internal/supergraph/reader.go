package supergraph

import (
	"context"
	"errors"
	"fmt"

	"github.com/danmuck/nodekit/internal/fault"
	"github.com/danmuck/nodekit/internal/observability"
	"github.com/redis/go-redis/v9"
)

const (
	// StreamKey is the well-known stream carrying published supergraphs.
	StreamKey = "supergraph_stream"
	// DataField holds the JSON document of each supergraph entry.
	DataField = "data"
)

// StreamReader is the slice of the Redis API the reader needs.
type StreamReader interface {
	XRevRangeN(ctx context.Context, stream, start, stop string, count int64) *redis.XMessageSliceCmd
}

// FetchLatest reads the newest supergraph entry with an ID at or after
// afterID ("" means the whole stream). It returns (nil, nil) when there is
// nothing newer than afterID, which pollers treat as "no update".
func FetchLatest(ctx context.Context, r StreamReader, afterID string) (*Snapshot, error) {
	const op = "supergraph.FetchLatest"
	stop := afterID
	if stop == "" {
		stop = "-"
	}

	msgs, err := r.XRevRangeN(ctx, StreamKey, "+", stop, 1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		observability.RecordSupergraphFetch("error")
		var replyErr redis.Error
		if errors.As(err, &replyErr) {
			return nil, fault.New(fault.Protocol, op, fmt.Errorf("XREVRANGE %s: %w", StreamKey, err))
		}
		return nil, fault.New(fault.Connection, op, fmt.Errorf("XREVRANGE %s: %w", StreamKey, err))
	}
	if len(msgs) == 0 || (afterID != "" && msgs[0].ID == afterID) {
		observability.RecordSupergraphFetch("absent")
		return nil, nil
	}

	entry := msgs[0]
	data, ok := entry.Values[DataField].(string)
	if !ok {
		observability.RecordSupergraphFetch("error")
		return nil, fault.New(fault.Protocol, op, fmt.Errorf("%w: entry %s has no %q string field", ErrMalformedSnapshot, entry.ID, DataField))
	}
	snap, err := ParseSnapshot(entry.ID, data)
	if err != nil {
		observability.RecordSupergraphFetch("error")
		return nil, err
	}
	observability.RecordSupergraphFetch("snapshot")
	return snap, nil
}
