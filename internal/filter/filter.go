package filter

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/loqalabs/chatcast/internal/config"
	"github.com/loqalabs/chatcast/internal/extract"
	"github.com/loqalabs/chatcast/internal/metrics"
)

// Stage decides which extracted events continue toward speech. It is
// stateful (the dedup window) and expects a single caller; the
// pipeline invokes it only from the ingest goroutine.
type Stage struct {
	cfg          config.FilterConfig
	excluded     map[extract.Kind]struct{}
	blockedUsers map[string]struct{}
	window       time.Duration
	recent       map[string]time.Time
	clock        func() time.Time
	metrics      *metrics.Metrics
}

func New(cfg config.FilterConfig, m *metrics.Metrics) *Stage {
	if m == nil {
		m = metrics.New()
	}
	s := &Stage{
		cfg:          cfg,
		excluded:     make(map[extract.Kind]struct{}, len(cfg.ExcludedKinds)),
		blockedUsers: make(map[string]struct{}, len(cfg.BlockedUsers)),
		window:       time.Duration(cfg.WindowSeconds) * time.Second,
		recent:       make(map[string]time.Time),
		clock:        time.Now,
		metrics:      m,
	}
	for _, kind := range cfg.ExcludedKinds {
		s.excluded[extract.Kind(kind)] = struct{}{}
	}
	for _, id := range cfg.BlockedUsers {
		s.blockedUsers[id] = struct{}{}
	}
	return s
}

// Accept applies the filter policies in order; the first matching
// policy rejects, otherwise the event is accepted and its text enters
// the dedup window.
func (s *Stage) Accept(evt extract.Event) bool {
	if _, ok := s.excluded[evt.Kind]; ok {
		s.metrics.RejectedKind.Add(1)
		return false
	}
	if evt.User != nil {
		if _, ok := s.blockedUsers[evt.User.ID]; ok {
			s.metrics.RejectedUser.Add(1)
			return false
		}
	}
	for _, kw := range s.cfg.BlockedKeywords {
		if kw != "" && strings.Contains(evt.Text, kw) {
			s.metrics.RejectedKeyword.Add(1)
			return false
		}
	}
	n := utf8.RuneCountInString(evt.Text)
	if n < s.cfg.MinLength || n > s.cfg.MaxLength {
		s.metrics.RejectedLength.Add(1)
		return false
	}
	if s.window > 0 && s.isDuplicate(evt.Text) {
		s.metrics.RejectedDuplicate.Add(1)
		return false
	}
	s.metrics.EventsAccepted.Add(1)
	return true
}

func (s *Stage) isDuplicate(text string) bool {
	now := s.clock()
	cutoff := now.Add(-s.window)
	for t, seen := range s.recent {
		if seen.Before(cutoff) {
			delete(s.recent, t)
		}
	}
	if _, ok := s.recent[text]; ok {
		return true
	}
	s.recent[text] = now
	return false
}
