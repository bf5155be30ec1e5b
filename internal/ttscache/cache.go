package ttscache

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/loqalabs/chatcast/internal/config"
	"github.com/loqalabs/chatcast/internal/metrics"
	"github.com/loqalabs/chatcast/internal/tts"
)

// ErrConversionFailed is returned once all synthesis attempts for a
// fingerprint are exhausted. The event is still displayable; only the
// audio is missing.
var ErrConversionFailed = errors.New("tts conversion failed")

const artifactExt = ".mp3"

type params struct {
	voice, rate, volume string
}

type call struct {
	done  chan struct{}
	audio []byte
	err   error
}

// Cache is the content-addressed conversion cache and scheduler.
// Lookup order is memory, disk, external synthesis; at most one
// conversion per fingerprint is ever in flight, with concurrent
// requests for the same fingerprint sharing the first result.
type Cache struct {
	cfg     config.CacheConfig
	ttsCfg  config.TTSConfig
	synth   tts.Synthesizer
	mem     *lru.Cache[string, []byte]
	log     *slog.Logger
	metrics *metrics.Metrics
	clock   func() time.Time

	mu       sync.Mutex
	params   params
	inflight map[string]*call

	sleep func(context.Context, time.Duration) error
}

func New(cfg config.CacheConfig, ttsCfg config.TTSConfig, synth tts.Synthesizer, m *metrics.Metrics, log *slog.Logger) (*Cache, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	entries := cfg.MemoryEntries
	if entries <= 0 {
		entries = 64
	}
	mem, err := lru.New[string, []byte](entries)
	if err != nil {
		return nil, fmt.Errorf("create memory cache: %w", err)
	}
	if m == nil {
		m = metrics.New()
	}
	return &Cache{
		cfg:      cfg,
		ttsCfg:   ttsCfg,
		synth:    synth,
		mem:      mem,
		log:      log.With(slog.String("component", "ttscache")),
		metrics:  m,
		clock:    time.Now,
		params:   params{voice: ttsCfg.Voice, rate: ttsCfg.Rate, volume: ttsCfg.Volume},
		inflight: make(map[string]*call),
		sleep:    sleepCtx,
	}, nil
}

// Fingerprint is the content address of a conversion: a pure function
// of text, voice and rate. The digest doubles as the artifact file
// name, so identical inputs always map to the identical artifact.
func Fingerprint(text, voice, rate string) string {
	sum := md5.Sum([]byte(text + "_" + voice + "_" + rate))
	return hex.EncodeToString(sum[:])
}

// SetParams stages a voice/rate/volume change. In-flight conversions
// keep the parameters they started with; only conversions that have
// not yet started pick up the new ones.
func (c *Cache) SetParams(voice, rate, volume string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.params = params{voice: voice, rate: rate, volume: volume}
}

// Convert returns the audio for text, converting at most once per
// fingerprint. On final failure the error wraps ErrConversionFailed
// and the caller should continue with nil audio.
func (c *Cache) Convert(ctx context.Context, text string) ([]byte, error) {
	c.mu.Lock()
	p := c.params
	key := Fingerprint(text, p.voice, p.rate)

	if audio, ok := c.mem.Get(key); ok {
		c.mu.Unlock()
		c.metrics.CacheHitsMemory.Add(1)
		return audio, nil
	}
	if existing, ok := c.inflight[key]; ok {
		c.mu.Unlock()
		select {
		case <-existing.done:
			return existing.audio, existing.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	cl := &call{done: make(chan struct{})}
	c.inflight[key] = cl
	c.mu.Unlock()

	cl.audio, cl.err = c.fill(ctx, key, text, p)

	c.mu.Lock()
	delete(c.inflight, key)
	if cl.err == nil {
		c.mem.Add(key, cl.audio)
	}
	c.mu.Unlock()
	close(cl.done)

	return cl.audio, cl.err
}

func (c *Cache) fill(ctx context.Context, key, text string, p params) ([]byte, error) {
	path := c.artifactPath(key)
	if audio, err := os.ReadFile(path); err == nil && len(audio) > 0 {
		c.metrics.CacheHitsDisk.Add(1)
		return audio, nil
	}

	req := tts.Request{Text: text, Voice: p.voice, Rate: p.rate, Volume: p.volume}
	attempts := c.ttsCfg.Retries + 1
	timeout := time.Duration(c.ttsCfg.TimeoutMS) * time.Millisecond
	delay := time.Duration(c.ttsCfg.RetryDelayMS) * time.Millisecond

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			c.metrics.ConversionRetries.Add(1)
			if err := c.sleep(ctx, delay); err != nil {
				lastErr = err
				break
			}
		}
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		audio, err := c.synth.Synthesize(attemptCtx, req)
		cancel()
		if err == nil && len(audio) > 0 {
			c.metrics.Conversions.Add(1)
			c.store(key, audio)
			return audio, nil
		}
		if err == nil {
			err = errors.New("synthesizer returned no audio")
		}
		lastErr = err
		c.log.Warn("synthesis attempt failed",
			slog.Int("attempt", attempt+1),
			slog.String("fingerprint", key),
			slog.String("error", err.Error()))
		if ctx.Err() != nil {
			break
		}
	}
	c.metrics.ConversionFailures.Add(1)
	return nil, fmt.Errorf("%w: %v", ErrConversionFailed, lastErr)
}

// store writes the artifact atomically so a crashed write never leaves
// a half-written file behind the fingerprint.
func (c *Cache) store(key string, audio []byte) {
	path := c.artifactPath(key)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, audio, 0o644); err != nil {
		c.log.Warn("cache write failed", slog.String("error", err.Error()))
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		c.log.Warn("cache rename failed", slog.String("error", err.Error()))
		os.Remove(tmp)
	}
}

func (c *Cache) artifactPath(key string) string {
	return filepath.Join(c.cfg.Dir, key+artifactExt)
}

// Prune deletes artifacts older than the configured retention. It is
// an out-of-band policy; the conversion path never evicts.
func (c *Cache) Prune(ctx context.Context) error {
	if c.cfg.RetentionDays <= 0 {
		return nil
	}
	cutoff := c.clock().Add(-time.Duration(c.cfg.RetentionDays) * 24 * time.Hour)
	entries, err := os.ReadDir(c.cfg.Dir)
	if err != nil {
		return fmt.Errorf("read cache dir: %w", err)
	}
	removed := 0
	for _, entry := range entries {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), artifactExt) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(c.cfg.Dir, entry.Name())); err == nil {
				removed++
			}
		}
	}
	if removed > 0 {
		c.log.Info("pruned cache artifacts", slog.Int("removed", removed))
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
