package supergraph

import (
	"context"
	"time"
)

// DefaultPollInterval is how often a Watcher checks for a new supergraph.
const DefaultPollInterval = time.Second

// Watcher polls the supergraph stream and remembers the last entry it
// delivered, so each snapshot is seen once.
type Watcher struct {
	reader   StreamReader
	interval time.Duration
	lastID   string
}

// NewWatcher starts watching after lastID; pass the ID of the snapshot the
// node booted with so only later publications are delivered.
func NewWatcher(r StreamReader, lastID string, interval time.Duration) *Watcher {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Watcher{reader: r, interval: interval, lastID: lastID}
}

func (w *Watcher) LastID() string {
	return w.lastID
}

// Poll returns the next unseen snapshot, or nil when there is none.
func (w *Watcher) Poll(ctx context.Context) (*Snapshot, error) {
	snap, err := FetchLatest(ctx, w.reader, w.lastID)
	if err != nil || snap == nil {
		return nil, err
	}
	w.lastID = snap.ID
	return snap, nil
}

// Run polls until ctx is done, handing every new snapshot to fn. A fetch or
// callback error stops the loop and is returned, unless ctx ended first.
func (w *Watcher) Run(ctx context.Context, fn func(*Snapshot) error) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			snap, err := w.Poll(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			if snap == nil {
				continue
			}
			if err := fn(snap); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		}
	}
}
