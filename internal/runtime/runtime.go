// Package runtime assembles the stages into a running service: transport in,
// pipeline in the middle, playback out, with health and stats endpoints on
// the side.
package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/chatcast/internal/bus"
	"github.com/loqalabs/chatcast/internal/config"
	"github.com/loqalabs/chatcast/internal/eventstore"
	"github.com/loqalabs/chatcast/internal/extract"
	"github.com/loqalabs/chatcast/internal/filter"
	"github.com/loqalabs/chatcast/internal/metrics"
	"github.com/loqalabs/chatcast/internal/natsserver"
	"github.com/loqalabs/chatcast/internal/pipeline"
	"github.com/loqalabs/chatcast/internal/player"
	"github.com/loqalabs/chatcast/internal/transport"
	"github.com/loqalabs/chatcast/internal/tts"
	"github.com/loqalabs/chatcast/internal/ttscache"
)

const (
	frameBuffer   = 256
	pruneInterval = time.Hour
)

type Runtime struct {
	cfg     config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	httpServer  *http.Server
	tracerClose func(context.Context) error
	store       *eventstore.Store
	ready       atomic.Bool
	wg          sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics.New(),
	}
}

// Start runs the service until ctx is cancelled.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	embedded, busClient, err := r.startBus(ctx)
	if err != nil {
		return err
	}
	defer embedded.Shutdown()
	defer busClient.Close()

	store, err := eventstore.Open(ctx, r.cfg.Transcript, r.logger)
	if err != nil {
		return fmt.Errorf("open transcript store: %w", err)
	}
	r.store = store
	defer store.Close()

	synth, err := r.buildSynth()
	if err != nil {
		return err
	}
	cache, err := ttscache.New(r.cfg.Cache, r.cfg.TTS, synth, r.metrics, r.logger)
	if err != nil {
		return fmt.Errorf("open conversion cache: %w", err)
	}

	sink, err := r.buildSink()
	if err != nil {
		return err
	}
	queue := player.New(r.cfg.Playback, sink, r.metrics, r.logger)

	fl := filter.New(r.cfg.Filter, r.metrics)
	pipe := pipeline.New(r.cfg.Pipeline, extract.New(), fl, cache, queue, r.metrics, r.logger)
	if busClient != nil {
		pipe.SetPublisher(busClient)
	}
	if r.cfg.Transcript.Enabled {
		pipe.SetRecorder(store)
	}

	if err := r.startHTTP(metricHandler); err != nil {
		return err
	}

	frames := make(chan []byte, frameBuffer)
	socket := transport.NewSocket(r.cfg.Room, r.logger)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := socket.Run(ctx, frames); err != nil && ctx.Err() == nil {
			r.logger.Error("transport stopped", slog.String("error", err.Error()))
			cancel()
		}
	}()
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := pipe.Run(ctx, frames); err != nil && ctx.Err() == nil {
			r.logger.Error("pipeline stopped", slog.String("error", err.Error()))
			cancel()
		}
	}()
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		queue.Run(ctx)
	}()
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.pruneLoop(ctx, cache)
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("room_id", r.cfg.Room.ID),
		slog.String("tts_mode", r.cfg.TTS.Mode))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
	return nil
}

// startBus brings up the embedded broker and the fan-out client when the bus
// is enabled. Both returns are nil-safe for the disabled case.
func (r *Runtime) startBus(ctx context.Context) (*natsserver.EmbeddedServer, *bus.Client, error) {
	if !r.cfg.Bus.Enabled {
		return nil, nil, nil
	}
	busCfg := r.cfg.Bus
	embedded, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return nil, nil, fmt.Errorf("start embedded bus: %w", err)
	}
	if embedded != nil && len(busCfg.Servers) == 0 {
		busCfg.Servers = []string{embedded.ClientURL()}
	}
	client, err := bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		embedded.Shutdown()
		return nil, nil, fmt.Errorf("connect to bus: %w", err)
	}
	return embedded, client, nil
}

func (r *Runtime) buildSynth() (tts.Synthesizer, error) {
	switch r.cfg.TTS.Mode {
	case "mock":
		return tts.NewMockSynth(), nil
	case "exec":
		synth, err := tts.NewExecSynth(r.cfg.TTS.Command)
		if err != nil {
			return nil, fmt.Errorf("build exec synthesizer: %w", err)
		}
		return synth, nil
	case "edge":
		return tts.NewEdgeSynth(r.cfg.TTS.Endpoint), nil
	default:
		return nil, fmt.Errorf("unknown tts mode %q", r.cfg.TTS.Mode)
	}
}

func (r *Runtime) buildSink() (player.Sink, error) {
	if r.cfg.Playback.Command == "" {
		return player.NewLogSink(r.logger), nil
	}
	sink, err := player.NewExecSink(r.cfg.Playback.Command, r.logger)
	if err != nil {
		return nil, fmt.Errorf("build playback sink: %w", err)
	}
	return sink, nil
}

func (r *Runtime) startHTTP(metricHandler http.Handler) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("/statusz", r.handleStatus)
	mux.HandleFunc("/transcript", r.handleTranscript)
	if metricHandler != nil {
		mux.Handle("/metrics", metricHandler)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()
	r.logger.Info("http listening", slog.String("addr", addr))
	return nil
}

func (r *Runtime) pruneLoop(ctx context.Context, cache *ttscache.Cache) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := cache.Prune(ctx); err != nil && ctx.Err() == nil {
				r.logger.Warn("cache prune failed", slog.String("error", err.Error()))
			}
			if err := r.store.Prune(ctx); err != nil && ctx.Err() == nil {
				r.logger.Warn("transcript prune failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) handleStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(r.metrics.Snapshot()); err != nil {
		r.logger.Error("status encode failed", slog.String("error", err.Error()))
	}
}

func (r *Runtime) handleTranscript(w http.ResponseWriter, req *http.Request) {
	limit := 100
	if raw := req.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	rows, err := r.store.Recent(req.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if rows == nil {
		rows = []eventstore.Row{}
	}
	if err := json.NewEncoder(w).Encode(rows); err != nil {
		r.logger.Error("transcript encode failed", slog.String("error", err.Error()))
	}
}
