// Package pipeline connects the stages: raw frames in, ordered playback
// items out. The ingest path (decode, unwrap, extract, filter) is
// synchronous and cheap; conversion runs on a bounded worker pool so a slow
// synthesis can never stall ingestion.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/loqalabs/chatcast/internal/config"
	"github.com/loqalabs/chatcast/internal/extract"
	"github.com/loqalabs/chatcast/internal/filter"
	"github.com/loqalabs/chatcast/internal/metrics"
	"github.com/loqalabs/chatcast/internal/player"
	"github.com/loqalabs/chatcast/internal/ttscache"
	"github.com/loqalabs/chatcast/internal/wire"
)

// Publisher fans accepted events out to interested consumers. Implementations
// must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, evt extract.Event) error
}

// Recorder appends accepted events to durable storage.
type Recorder interface {
	Append(ctx context.Context, evt extract.Event) error
}

type job struct {
	seq  uint64
	text string
}

type completion struct {
	seq   uint64
	text  string
	audio []byte
}

// Pipeline owns the frame-to-playback flow. Optional collaborators
// (publisher, recorder) may be nil.
type Pipeline struct {
	cfg       config.PipelineConfig
	extractor *extract.Extractor
	filter    *filter.Stage
	cache     *ttscache.Cache
	queue     *player.Queue
	publisher Publisher
	recorder  Recorder
	log       *slog.Logger
	metrics   *metrics.Metrics

	seq  uint64
	jobs chan job
}

func New(
	cfg config.PipelineConfig,
	ex *extract.Extractor,
	fl *filter.Stage,
	cache *ttscache.Cache,
	queue *player.Queue,
	m *metrics.Metrics,
	log *slog.Logger,
) *Pipeline {
	if m == nil {
		m = metrics.New()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{
		cfg:       cfg,
		extractor: ex,
		filter:    fl,
		cache:     cache,
		queue:     queue,
		log:       log.With(slog.String("component", "pipeline")),
		metrics:   m,
		jobs:      make(chan job, cfg.ConvertBuffer),
	}
}

// SetPublisher wires an optional event fan-out. Call before Run.
func (p *Pipeline) SetPublisher(pub Publisher) { p.publisher = pub }

// SetRecorder wires an optional transcript store. Call before Run.
func (p *Pipeline) SetRecorder(rec Recorder) { p.recorder = rec }

// Run consumes raw frames until ctx is cancelled or frames closes. It blocks
// for the lifetime of the pipeline; conversion workers and the ordering
// stage are shut down before it returns.
func (p *Pipeline) Run(ctx context.Context, frames <-chan []byte) error {
	workers := p.cfg.ConvertWorkers
	if workers <= 0 {
		workers = 1
	}
	completions := make(chan completion, p.cfg.ConvertBuffer)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.convertWorker(ctx, completions)
		}()
	}
	orderDone := make(chan struct{})
	go func() {
		defer close(orderDone)
		p.orderLoop(completions)
	}()

	var err error
loop:
	for {
		select {
		case <-ctx.Done():
			err = ctx.Err()
			break loop
		case data, ok := <-frames:
			if !ok {
				break loop
			}
			p.handleFrame(ctx, data)
		}
	}

	close(p.jobs)
	wg.Wait()
	close(completions)
	<-orderDone
	return err
}

// handleFrame runs the synchronous fast path for one raw frame.
func (p *Pipeline) handleFrame(ctx context.Context, data []byte) {
	p.metrics.FramesIn.Add(1)

	frame := wire.Decode(data)
	if frame.Empty() {
		p.metrics.FramesEmpty.Add(1)
		return
	}
	if t := frame.PayloadType; t != nil {
		switch *t {
		case wire.PayloadTypeHeartbeat, wire.PayloadTypeAck:
			return
		}
	}
	body := wire.Unwrap(frame)
	if len(body) == 0 {
		p.metrics.FramesEmpty.Add(1)
		return
	}

	evt := p.extractor.Extract(body)
	p.metrics.EventsExtracted.Add(1)
	if evt.Kind == extract.KindUnknown {
		p.metrics.EventsUnknown.Add(1)
		if evt.Text == "" {
			return
		}
	}
	if evt.Heuristic {
		p.metrics.EventsHeuristic.Add(1)
	}

	if !p.filter.Accept(evt) {
		return
	}

	if p.publisher != nil {
		if err := p.publisher.Publish(ctx, evt); err != nil {
			p.log.Warn("event publish failed", slog.String("error", err.Error()))
		}
	}
	if p.recorder != nil {
		if err := p.recorder.Append(ctx, evt); err != nil {
			p.log.Warn("transcript append failed", slog.String("error", err.Error()))
		}
	}

	text := SpokenText(evt)
	if text == "" {
		return
	}
	// Sequence numbers are assigned only to dispatched jobs so an
	// overflow drop leaves no gap for the ordering stage to wait on.
	next := p.seq + 1
	select {
	case p.jobs <- job{seq: next, text: text}:
		p.seq = next
	default:
		p.metrics.IngestDropped.Add(1)
		p.log.Warn("conversion backlog full, dropping event",
			slog.String("text", text))
	}
}

func (p *Pipeline) convertWorker(ctx context.Context, completions chan<- completion) {
	for j := range p.jobs {
		audio, err := p.cache.Convert(ctx, j.text)
		if err != nil {
			if ctx.Err() != nil {
				audio = nil
			} else {
				p.log.Warn("conversion failed, item will display only",
					slog.String("text", j.text),
					slog.String("error", err.Error()))
			}
		}
		completions <- completion{seq: j.seq, text: j.text, audio: audio}
	}
}

// orderLoop releases completions to the playback queue in dispatch order.
// Every dispatched sequence number produces exactly one completion, so a
// held-back item can never wait forever.
func (p *Pipeline) orderLoop(completions <-chan completion) {
	next := uint64(1)
	held := make(map[uint64]completion)
	for c := range completions {
		held[c.seq] = c
		for {
			ready, ok := held[next]
			if !ok {
				break
			}
			delete(held, next)
			p.queue.Enqueue(player.Item{Seq: ready.seq, Text: ready.text, Audio: ready.audio})
			next++
		}
	}
}

// SpokenText composes the sentence to synthesize for an event. Events that
// are surfaced but not voiced return "".
func SpokenText(evt extract.Event) string {
	switch evt.Kind {
	case extract.KindChat:
		return evt.Text
	case extract.KindGift:
		if evt.GiftName == "" {
			return ""
		}
		who := "观众"
		if evt.User != nil && evt.User.Nickname != "" {
			who = evt.User.Nickname
		}
		if evt.GiftCount > 1 {
			return fmt.Sprintf("感谢%s送出%d个%s", who, evt.GiftCount, evt.GiftName)
		}
		return fmt.Sprintf("感谢%s送出%s", who, evt.GiftName)
	case extract.KindMemberJoin:
		if evt.User == nil || evt.User.Nickname == "" {
			return ""
		}
		return evt.User.Nickname + "来了"
	default:
		return ""
	}
}
