// Package eventstore persists the accepted chat transcript in SQLite so the
// feed survives restarts and can be exported or inspected later.
package eventstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loqalabs/chatcast/internal/config"
	"github.com/loqalabs/chatcast/internal/extract"
)

// Row is one recorded transcript entry.
type Row struct {
	ID        int64     `json:"id"`
	Kind      string    `json:"kind"`
	UserID    string    `json:"user_id,omitempty"`
	Nickname  string    `json:"nickname,omitempty"`
	Text      string    `json:"text,omitempty"`
	GiftName  string    `json:"gift_name,omitempty"`
	GiftCount int       `json:"gift_count,omitempty"`
	Heuristic bool      `json:"heuristic,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Store wraps the SQLite-backed transcript. A disabled store is valid and
// turns every operation into a no-op.
type Store struct {
	db    *sql.DB
	cfg   config.TranscriptConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the transcript store according to config.
func Open(ctx context.Context, cfg config.TranscriptConfig, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("component", "eventstore"))
	if !cfg.Enabled {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("transcript vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("transcript prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS transcript (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    kind TEXT NOT NULL,
    user_id TEXT,
    nickname TEXT,
    text TEXT,
    gift_name TEXT,
    gift_count INTEGER,
    heuristic INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transcript_created ON transcript(created_at);
CREATE INDEX IF NOT EXISTS idx_transcript_kind_created ON transcript(kind, created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Append writes one accepted event into the transcript.
func (s *Store) Append(ctx context.Context, evt extract.Event) error {
	if s.db == nil {
		return nil
	}
	created := evt.Timestamp
	if created.IsZero() {
		created = s.clock()
	}
	var userID, nickname string
	if evt.User != nil {
		userID = evt.User.ID
		nickname = evt.User.Nickname
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transcript(kind, user_id, nickname, text, gift_name, gift_count, heuristic, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		string(evt.Kind), userID, nickname, evt.Text, evt.GiftName, evt.GiftCount, evt.Heuristic, created.UTC())
	return err
}

// Recent retrieves up to limit newest entries, oldest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Row, error) {
	if s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, user_id, nickname, text, gift_name, gift_count, heuristic, created_at
		 FROM (
		     SELECT * FROM transcript ORDER BY id DESC LIMIT ?
		 ) ORDER BY id ASC`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r Row
		var created string
		if err := rows.Scan(&r.ID, &r.Kind, &r.UserID, &r.Nickname, &r.Text, &r.GiftName, &r.GiftCount, &r.Heuristic, &created); err != nil {
			return nil, err
		}
		if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
			r.CreatedAt = ts
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Count reports the number of stored entries.
func (s *Store) Count(ctx context.Context) (int, error) {
	if s.db == nil {
		return 0, nil
	}
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM transcript`).Scan(&n)
	return n, err
}

// Prune applies the configured retention: first by age, then by a hard row
// cap keeping the newest entries.
func (s *Store) Prune(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		if _, err = tx.ExecContext(ctx, `DELETE FROM transcript WHERE created_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
	}
	if s.cfg.MaxEvents > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM transcript WHERE id IN (
			SELECT id FROM transcript ORDER BY id DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxEvents)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}
