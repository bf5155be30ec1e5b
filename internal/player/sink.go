package player

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/mattn/go-shellwords"
)

// LogSink is the built-in sink used when no playback command is configured.
// It records that an item was delivered without producing sound, which is
// enough for headless operation and for tests.
type LogSink struct {
	log  *slog.Logger
	busy atomic.Bool
}

func NewLogSink(log *slog.Logger) *LogSink {
	if log == nil {
		log = slog.Default()
	}
	return &LogSink{log: log.With(slog.String("component", "sink"))}
}

func (s *LogSink) Play(ctx context.Context, audio []byte) error {
	s.busy.Store(true)
	defer s.busy.Store(false)
	if err := ctx.Err(); err != nil {
		return err
	}
	s.log.Debug("playback", slog.Int("audio_bytes", len(audio)))
	return nil
}

func (s *LogSink) Busy() bool { return s.busy.Load() }

func (s *LogSink) Stop() {}

// ExecSink shells out to an external audio player. The audio is written to a
// temporary file whose path replaces a literal "{file}" token in the command,
// or is appended as the final argument when no token is present.
type ExecSink struct {
	argv []string
	log  *slog.Logger

	busy atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
}

func NewExecSink(command string, log *slog.Logger) (*ExecSink, error) {
	argv, err := shellwords.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parsing playback command: %w", err)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("playback command is empty")
	}
	if log == nil {
		log = slog.Default()
	}
	return &ExecSink{argv: argv, log: log.With(slog.String("component", "sink"))}, nil
}

func (s *ExecSink) Play(ctx context.Context, audio []byte) error {
	s.busy.Store(true)
	defer s.busy.Store(false)

	f, err := os.CreateTemp("", "chatcast-play-*.mp3")
	if err != nil {
		return fmt.Errorf("writing playback file: %w", err)
	}
	path := f.Name()
	defer os.Remove(path)
	if _, err := f.Write(audio); err != nil {
		f.Close()
		return fmt.Errorf("writing playback file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("writing playback file: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	defer func() {
		cancel()
		s.mu.Lock()
		s.cancel = nil
		s.mu.Unlock()
	}()

	argv := make([]string, len(s.argv))
	replaced := false
	for i, a := range s.argv {
		if strings.Contains(a, "{file}") {
			argv[i] = strings.ReplaceAll(a, "{file}", path)
			replaced = true
		} else {
			argv[i] = a
		}
	}
	if !replaced {
		argv = append(argv, path)
	}

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		if runCtx.Err() != nil {
			return runCtx.Err()
		}
		return fmt.Errorf("player %s: %w: %s", filepath.Base(argv[0]), err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (s *ExecSink) Busy() bool { return s.busy.Load() }

func (s *ExecSink) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}
