package ttscache

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/chatcast/internal/config"
	"github.com/loqalabs/chatcast/internal/metrics"
	"github.com/loqalabs/chatcast/internal/tts"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeSynth struct {
	mu      sync.Mutex
	calls   atomic.Int64
	audio   []byte
	err     error
	block   chan struct{} // when set, Synthesize waits for it
	byVoice bool
}

func (f *fakeSynth) Synthesize(ctx context.Context, req tts.Request) ([]byte, error) {
	f.calls.Add(1)
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	audio, err := f.audio, f.err
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if f.byVoice {
		return []byte("voice:" + req.Voice + " rate:" + req.Rate), nil
	}
	return audio, nil
}

func testCache(t *testing.T, synth tts.Synthesizer, m *metrics.Metrics) *Cache {
	t.Helper()
	cfg := config.CacheConfig{Dir: t.TempDir(), MemoryEntries: 8, RetentionDays: 7}
	ttsCfg := config.TTSConfig{
		Voice: "voice-a", Rate: "+0%", Volume: "+0%",
		TimeoutMS: 200, Retries: 2, RetryDelayMS: 1,
	}
	c, err := New(cfg, ttsCfg, synth, m, newLogger())
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	return c
}

func TestFingerprintStable(t *testing.T) {
	a := Fingerprint("你好", "v1", "+0%")
	b := Fingerprint("你好", "v1", "+0%")
	if a != b {
		t.Fatal("fingerprint must be deterministic")
	}
	if Fingerprint("你好", "v2", "+0%") == a {
		t.Fatal("voice must contribute to the fingerprint")
	}
	if Fingerprint("你好", "v1", "+10%") == a {
		t.Fatal("rate must contribute to the fingerprint")
	}
	if len(a) != 32 {
		t.Fatalf("expected hex md5 digest, got %q", a)
	}
}

func TestConvertCachesResult(t *testing.T) {
	synth := &fakeSynth{audio: []byte("AUDIO")}
	m := metrics.New()
	c := testCache(t, synth, m)

	first, err := c.Convert(context.Background(), "你好")
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	second, err := c.Convert(context.Background(), "你好")
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if string(first) != "AUDIO" || string(second) != "AUDIO" {
		t.Fatalf("unexpected audio: %q %q", first, second)
	}
	if got := synth.calls.Load(); got != 1 {
		t.Fatalf("expected exactly one synthesis call, got %d", got)
	}
	if m.Snapshot().CacheHitsMemory != 1 {
		t.Fatalf("expected memory hit, got %+v", m.Snapshot())
	}
}

func TestConvertWritesDiskArtifact(t *testing.T) {
	synth := &fakeSynth{audio: []byte("DISK")}
	c := testCache(t, synth, nil)

	if _, err := c.Convert(context.Background(), "弹幕"); err != nil {
		t.Fatalf("convert: %v", err)
	}
	key := Fingerprint("弹幕", "voice-a", "+0%")
	data, err := os.ReadFile(filepath.Join(c.cfg.Dir, key+artifactExt))
	if err != nil {
		t.Fatalf("expected artifact on disk: %v", err)
	}
	if string(data) != "DISK" {
		t.Fatalf("unexpected artifact contents: %q", data)
	}
}

func TestConvertReadsExistingArtifact(t *testing.T) {
	synth := &fakeSynth{err: errors.New("must not be called")}
	m := metrics.New()
	c := testCache(t, synth, m)

	key := Fingerprint("预置", "voice-a", "+0%")
	if err := os.WriteFile(filepath.Join(c.cfg.Dir, key+artifactExt), []byte("WARM"), 0o644); err != nil {
		t.Fatalf("seed artifact: %v", err)
	}
	audio, err := c.Convert(context.Background(), "预置")
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if string(audio) != "WARM" {
		t.Fatalf("expected warm artifact, got %q", audio)
	}
	if synth.calls.Load() != 0 {
		t.Fatal("disk hit must not call the synthesizer")
	}
	if m.Snapshot().CacheHitsDisk != 1 {
		t.Fatalf("expected disk hit counted, got %+v", m.Snapshot())
	}
}

func TestConvertSingleFlight(t *testing.T) {
	synth := &fakeSynth{audio: []byte("ONCE"), block: make(chan struct{})}
	c := testCache(t, synth, nil)

	const callers = 8
	results := make(chan string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			audio, err := c.Convert(context.Background(), "同一句")
			if err != nil {
				results <- "err:" + err.Error()
				return
			}
			results <- string(audio)
		}()
	}

	// let the callers pile onto the in-flight conversion
	time.Sleep(50 * time.Millisecond)
	close(synth.block)
	wg.Wait()
	close(results)

	for r := range results {
		if r != "ONCE" {
			t.Fatalf("caller got %q", r)
		}
	}
	if got := synth.calls.Load(); got != 1 {
		t.Fatalf("expected one in-flight conversion, got %d", got)
	}
}

func TestConvertRetriesThenFails(t *testing.T) {
	synth := &fakeSynth{err: errors.New("backend down")}
	m := metrics.New()
	c := testCache(t, synth, m)

	audio, err := c.Convert(context.Background(), "失败")
	if !errors.Is(err, ErrConversionFailed) {
		t.Fatalf("expected ErrConversionFailed, got %v", err)
	}
	if audio != nil {
		t.Fatalf("expected nil audio on failure, got %q", audio)
	}
	if got := synth.calls.Load(); got != 3 {
		t.Fatalf("expected 3 attempts (1 + 2 retries), got %d", got)
	}
	snap := m.Snapshot()
	if snap.ConversionFailures != 1 || snap.ConversionRetries != 2 {
		t.Fatalf("unexpected failure counters: %+v", snap)
	}
}

func TestConvertFailureThenRecovery(t *testing.T) {
	synth := &fakeSynth{err: errors.New("flaky")}
	c := testCache(t, synth, nil)

	if _, err := c.Convert(context.Background(), "恢复"); !errors.Is(err, ErrConversionFailed) {
		t.Fatalf("expected failure, got %v", err)
	}
	synth.mu.Lock()
	synth.err = nil
	synth.audio = []byte("OK")
	synth.mu.Unlock()
	audio, err := c.Convert(context.Background(), "恢复")
	if err != nil {
		t.Fatalf("expected recovery, got %v", err)
	}
	if string(audio) != "OK" {
		t.Fatalf("unexpected audio: %q", audio)
	}
}

func TestSetParamsAppliesToNewConversions(t *testing.T) {
	synth := &fakeSynth{byVoice: true}
	c := testCache(t, synth, nil)

	first, err := c.Convert(context.Background(), "参数")
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if string(first) != "voice:voice-a rate:+0%" {
		t.Fatalf("unexpected first audio: %q", first)
	}

	c.SetParams("voice-b", "+20%", "+0%")
	second, err := c.Convert(context.Background(), "参数")
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if string(second) != "voice:voice-b rate:+20%" {
		t.Fatalf("parameter change must produce a new fingerprint, got %q", second)
	}
}

func TestPruneRemovesOldArtifacts(t *testing.T) {
	synth := &fakeSynth{audio: []byte("A")}
	c := testCache(t, synth, nil)

	oldPath := filepath.Join(c.cfg.Dir, Fingerprint("旧", "voice-a", "+0%")+artifactExt)
	newPath := filepath.Join(c.cfg.Dir, Fingerprint("新", "voice-a", "+0%")+artifactExt)
	for _, p := range []string{oldPath, newPath} {
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	stale := time.Now().Add(-10 * 24 * time.Hour)
	if err := os.Chtimes(oldPath, stale, stale); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	if err := c.Prune(context.Background()); err != nil {
		t.Fatalf("prune: %v", err)
	}
	if _, err := os.Stat(oldPath); !os.IsNotExist(err) {
		t.Fatal("expected stale artifact removed")
	}
	if _, err := os.Stat(newPath); err != nil {
		t.Fatal("expected fresh artifact kept")
	}
}
