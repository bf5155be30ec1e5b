// Package player drains converted audio in strict arrival order.
//
// The queue is bounded. When a new item arrives and the queue is full, the
// oldest pending item is dropped so recent chat stays timely. Playback of
// each item is capped by a per-item timeout, after which the sink is told to
// stop and the item is skipped.
package player

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/chatcast/internal/config"
	"github.com/loqalabs/chatcast/internal/metrics"
)

// Sink plays a single audio artifact. Play blocks until playback finishes or
// ctx is cancelled. Stop aborts the current playback, if any.
type Sink interface {
	Play(ctx context.Context, audio []byte) error
	Busy() bool
	Stop()
}

// Item is a unit of queued playback. Seq is the arrival sequence number
// assigned at ingest time; items are played in ascending Seq order because
// the queue itself preserves arrival order.
type Item struct {
	Seq   uint64
	Text  string
	Audio []byte
}

// Queue is a bounded FIFO playback queue with drop-oldest overflow.
type Queue struct {
	cfg     config.PlaybackConfig
	sink    Sink
	log     *slog.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	pending []Item
	wake    chan struct{}
	closed  bool
}

// New builds a playback queue over sink. A nil metrics registry is replaced
// with a private one so counters are always safe to touch.
func New(cfg config.PlaybackConfig, sink Sink, m *metrics.Metrics, log *slog.Logger) *Queue {
	if m == nil {
		m = metrics.New()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Queue{
		cfg:     cfg,
		sink:    sink,
		log:     log.With(slog.String("component", "player")),
		metrics: m,
		wake:    make(chan struct{}, 1),
	}
}

// Enqueue adds an item without blocking. When the queue is at capacity the
// oldest pending item is discarded to make room. Enqueue after Close is a
// no-op.
func (q *Queue) Enqueue(item Item) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	if q.cfg.QueueSize > 0 && len(q.pending) >= q.cfg.QueueSize {
		dropped := q.pending[0]
		q.pending = q.pending[1:]
		q.metrics.QueueOverflow.Add(1)
		q.log.Warn("queue full, dropping oldest item",
			slog.Uint64("dropped_seq", dropped.Seq),
			slog.String("text", dropped.Text))
	}
	q.pending = append(q.pending, item)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Len reports the number of items waiting to play.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Run drains the queue until ctx is cancelled. On cancellation the current
// playback is given a grace period to finish before the sink is stopped;
// items still pending at that point are counted as skipped.
func (q *Queue) Run(ctx context.Context) error {
	for {
		item, ok := q.next()
		if !ok {
			select {
			case <-ctx.Done():
				q.drainSkipped()
				return ctx.Err()
			case <-q.wake:
				continue
			}
		}
		if err := q.play(ctx, item); err != nil && ctx.Err() != nil {
			q.drainSkipped()
			return ctx.Err()
		}
	}
}

func (q *Queue) next() (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return Item{}, false
	}
	item := q.pending[0]
	q.pending = q.pending[1:]
	return item, true
}

func (q *Queue) play(ctx context.Context, item Item) error {
	if len(item.Audio) == 0 {
		// Conversion failed upstream; the text is surfaced but not voiced.
		q.metrics.ItemsSkipped.Add(1)
		q.log.Info("no audio for item, display only",
			slog.Uint64("seq", item.Seq),
			slog.String("text", item.Text))
		return nil
	}
	timeout := time.Duration(q.cfg.PlayTimeoutMS) * time.Millisecond
	playCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		playCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	if cancel != nil {
		defer cancel()
	}

	// Allow a short grace window on shutdown so the current sentence can
	// finish instead of cutting mid-word.
	if grace := time.Duration(q.cfg.GraceMS) * time.Millisecond; grace > 0 {
		stopGrace := context.AfterFunc(ctx, func() {
			timer := time.NewTimer(grace)
			defer timer.Stop()
			select {
			case <-timer.C:
				q.sink.Stop()
			case <-playCtx.Done():
			}
		})
		defer stopGrace()
	}

	err := q.sink.Play(playCtx, item.Audio)
	switch {
	case err == nil:
		q.metrics.ItemsPlayed.Add(1)
		return nil
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		q.sink.Stop()
		q.metrics.ItemsSkipped.Add(1)
		q.log.Warn("playback timed out, skipping item",
			slog.Uint64("seq", item.Seq),
			slog.String("text", item.Text))
		return nil
	case ctx.Err() != nil:
		q.metrics.ItemsSkipped.Add(1)
		return err
	default:
		q.metrics.SinkErrors.Add(1)
		q.log.Error("sink playback failed",
			slog.Uint64("seq", item.Seq),
			slog.String("error", err.Error()))
		return nil
	}
}

func (q *Queue) drainSkipped() {
	q.mu.Lock()
	skipped := len(q.pending)
	q.pending = nil
	q.closed = true
	q.mu.Unlock()
	if skipped > 0 {
		q.metrics.ItemsSkipped.Add(uint64(skipped))
		q.log.Info("discarding pending items on shutdown", slog.Int("count", skipped))
	}
}
