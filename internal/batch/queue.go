// Package batch coalesces passive progress heartbeats and applies them on a timer.
package batch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/cinesync/internal/metrics"
	"github.com/MarcoPoloResearchLab/cinesync/internal/progress"
	"go.uber.org/zap"
)

const (
	defaultFlushInterval = 5 * time.Second
	defaultMaxPending    = 500
	shutdownFlushTimeout = 10 * time.Second
)

var (
	// ErrQueueClosed rejects updates enqueued after shutdown began.
	ErrQueueClosed = errors.New("batch: queue closed")

	errMissingSink = errors.New("batch: sink is required")
)

// Sink applies one coalesced update.
type Sink interface {
	Apply(ctx context.Context, update progress.Update) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, update progress.Update) error

// Apply calls f.
func (f SinkFunc) Apply(ctx context.Context, update progress.Update) error {
	return f(ctx, update)
}

// Config wires a Queue.
type Config struct {
	Sink          Sink
	FlushInterval time.Duration
	MaxPending    int
	Logger        *zap.Logger
}

// Queue holds at most one pending update per identity key. It implements
// suture.Service; Serve flushes on every tick and once more on shutdown.
type Queue struct {
	sink       Sink
	interval   time.Duration
	maxPending int
	logger     *zap.Logger

	mu      sync.Mutex
	pending map[progress.Key]progress.Update
	order   []progress.Key
	closed  bool
	kick    chan struct{}

	flushMu sync.Mutex
}

// NewQueue validates the configuration and builds an idle queue.
func NewQueue(cfg Config) (*Queue, error) {
	if cfg.Sink == nil {
		return nil, errMissingSink
	}
	interval := cfg.FlushInterval
	if interval <= 0 {
		interval = defaultFlushInterval
	}
	maxPending := cfg.MaxPending
	if maxPending <= 0 {
		maxPending = defaultMaxPending
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		sink:       cfg.Sink,
		interval:   interval,
		maxPending: maxPending,
		logger:     logger,
		pending:    make(map[progress.Key]progress.Update),
		kick:       make(chan struct{}, 1),
	}, nil
}

// Enqueue stores the update, merging it into any pending update for the same key.
func (q *Queue) Enqueue(update progress.Update) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	if previous, ok := q.pending[update.Key]; ok {
		q.pending[update.Key] = coalesce(previous, update)
		return nil
	}
	q.pending[update.Key] = update
	q.order = append(q.order, update.Key)
	if len(q.order) >= q.maxPending {
		select {
		case q.kick <- struct{}{}:
		default:
		}
	}
	return nil
}

// Discard drops every pending update for the title of key so an older
// heartbeat cannot land after a newer direct write. For series this covers
// every episode of the show. It returns how many pending updates were dropped.
func (q *Queue) Discard(key progress.Key) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.order) == 0 {
		return 0
	}
	kept := q.order[:0]
	dropped := 0
	for _, pendingKey := range q.order {
		if sameTitle(pendingKey, key) {
			delete(q.pending, pendingKey)
			dropped++
			continue
		}
		kept = append(kept, pendingKey)
	}
	q.order = kept
	return dropped
}

// Pending returns the number of keys awaiting a flush.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order)
}

// Flush applies every pending update in arrival order and returns how many
// were applied. Failed updates are logged and dropped.
func (q *Queue) Flush(ctx context.Context) (int, error) {
	q.flushMu.Lock()
	defer q.flushMu.Unlock()

	q.mu.Lock()
	order := q.order
	pending := q.pending
	q.order = nil
	q.pending = make(map[progress.Key]progress.Update)
	q.mu.Unlock()

	if len(order) == 0 {
		return 0, nil
	}

	applied := 0
	var errs []error
	for _, key := range order {
		if err := q.sink.Apply(ctx, pending[key]); err != nil {
			q.logger.Error("batched progress update dropped",
				zap.String("user_id", key.UserID),
				zap.String("key", key.String()),
				zap.Error(err))
			errs = append(errs, err)
			continue
		}
		applied++
	}
	metrics.BatchFlushSize.Observe(float64(applied))
	return applied, errors.Join(errs...)
}

// Serve runs the flush loop until ctx is done, then closes the queue and
// flushes what is left.
func (q *Queue) Serve(ctx context.Context) error {
	ticker := time.NewTicker(q.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			q.close()
			flushCtx, cancel := context.WithTimeout(context.Background(), shutdownFlushTimeout)
			applied, err := q.Flush(flushCtx)
			cancel()
			q.logger.Info("batch queue drained", zap.Int("applied", applied), zap.Error(err))
			return ctx.Err()
		case <-ticker.C:
			q.flushLogged(ctx)
		case <-q.kick:
			q.flushLogged(ctx)
		}
	}
}

// String names the service for the supervisor's logs.
func (q *Queue) String() string {
	return "batch-queue"
}

func (q *Queue) flushLogged(ctx context.Context) {
	applied, err := q.Flush(ctx)
	if err != nil {
		q.logger.Warn("batch flush completed with errors", zap.Int("applied", applied), zap.Error(err))
		return
	}
	if applied > 0 {
		q.logger.Debug("batch flushed", zap.Int("applied", applied))
	}
}

func (q *Queue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}

func sameTitle(left, right progress.Key) bool {
	return left.UserID == right.UserID &&
		left.MediaID == right.MediaID &&
		left.MediaType == right.MediaType
}

// coalesce keeps the latest report while preserving fields the latest one omitted.
func coalesce(previous, next progress.Update) progress.Update {
	merged := next
	if merged.ProgressPercent == nil {
		merged.ProgressPercent = previous.ProgressPercent
		merged.Estimated = previous.Estimated
	}
	if merged.Title == "" {
		merged.Title = previous.Title
	}
	if merged.PosterPath == "" {
		merged.PosterPath = previous.PosterPath
	}
	if merged.TotalDurationSeconds <= 0 {
		merged.TotalDurationSeconds = previous.TotalDurationSeconds
	}
	if merged.Source == "" {
		merged.Source = previous.Source
	}
	if previous.TotalPlayedSeconds > merged.TotalPlayedSeconds {
		merged.TotalPlayedSeconds = previous.TotalPlayedSeconds
	}
	if previous.ReceivedAt.After(merged.ReceivedAt) {
		merged.ReceivedAt = previous.ReceivedAt
	}
	return merged
}
