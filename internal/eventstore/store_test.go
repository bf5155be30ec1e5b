package eventstore

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/chatcast/internal/config"
	"github.com/loqalabs/chatcast/internal/extract"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openStore(t *testing.T, cfg config.TranscriptConfig) *Store {
	t.Helper()
	s, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open transcript store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenDisabled(t *testing.T) {
	s := openStore(t, config.TranscriptConfig{Enabled: false})
	if err := s.Append(context.Background(), extract.Event{Kind: extract.KindChat, Text: "x"}); err != nil {
		t.Fatalf("disabled append must be a no-op: %v", err)
	}
	rows, err := s.Recent(context.Background(), 10)
	if err != nil || rows != nil {
		t.Fatalf("disabled store must return nothing, got %v %v", rows, err)
	}
}

func TestAppendAndRecent(t *testing.T) {
	cfg := config.TranscriptConfig{
		Enabled: true,
		Path:    filepath.Join(t.TempDir(), "transcript.db"),
	}
	s := openStore(t, cfg)

	evt := extract.Event{
		Kind:      extract.KindChat,
		User:      &extract.User{ID: "u1", Nickname: "晓晓"},
		Text:      "主播好",
		Timestamp: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	if err := s.Append(context.Background(), evt); err != nil {
		t.Fatalf("append: %v", err)
	}
	gift := extract.Event{
		Kind:      extract.KindGift,
		User:      &extract.User{ID: "u2", Nickname: "大哥"},
		GiftName:  "火箭",
		GiftCount: 2,
	}
	if err := s.Append(context.Background(), gift); err != nil {
		t.Fatalf("append gift: %v", err)
	}

	rows, err := s.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if rows[0].Kind != "chat" || rows[0].Text != "主播好" || rows[0].Nickname != "晓晓" {
		t.Fatalf("unexpected first row: %+v", rows[0])
	}
	if rows[1].GiftName != "火箭" || rows[1].GiftCount != 2 {
		t.Fatalf("unexpected gift row: %+v", rows[1])
	}
}

func TestRecentReturnsNewestWindowInOrder(t *testing.T) {
	cfg := config.TranscriptConfig{
		Enabled: true,
		Path:    filepath.Join(t.TempDir(), "transcript.db"),
	}
	s := openStore(t, cfg)

	for _, text := range []string{"一", "二", "三", "四"} {
		if err := s.Append(context.Background(), extract.Event{Kind: extract.KindChat, Text: text}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	rows, err := s.Recent(context.Background(), 2)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(rows) != 2 || rows[0].Text != "三" || rows[1].Text != "四" {
		t.Fatalf("expected the newest two oldest-first, got %+v", rows)
	}
}

func TestPruneByAgeAndCap(t *testing.T) {
	cfg := config.TranscriptConfig{
		Enabled:       true,
		Path:          filepath.Join(t.TempDir(), "transcript.db"),
		RetentionDays: 1,
		MaxEvents:     2,
	}
	s := openStore(t, cfg)

	old := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	s.clock = func() time.Time { return old }
	if err := s.Append(context.Background(), extract.Event{Kind: extract.KindChat, Text: "旧的"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	s.clock = func() time.Time { return now }
	for _, text := range []string{"新一", "新二", "新三"} {
		if err := s.Append(context.Background(), extract.Event{Kind: extract.KindChat, Text: text}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	if err := s.Prune(context.Background()); err != nil {
		t.Fatalf("prune: %v", err)
	}
	rows, err := s.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows after prune, got %d: %+v", len(rows), rows)
	}
	if rows[0].Text != "新二" || rows[1].Text != "新三" {
		t.Fatalf("expected the newest rows kept, got %+v", rows)
	}
}
