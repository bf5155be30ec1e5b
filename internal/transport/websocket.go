// Package transport feeds raw binary frames from a live-chat websocket into
// the pipeline. It owns the connection duties the pipeline should not see:
// dialing, periodic heartbeats, and acknowledging frames that carry an
// internal-ext marker.
package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/loqalabs/chatcast/internal/config"
	"github.com/loqalabs/chatcast/internal/wire"
)

// Source produces raw frames. Run blocks until ctx is cancelled or the
// source fails permanently; frames are delivered on out.
type Source interface {
	Run(ctx context.Context, out chan<- []byte) error
}

const (
	maxBackoff  = 30 * time.Second
	readTimeout = 90 * time.Second
)

// Socket is a websocket Source with automatic reconnect.
type Socket struct {
	cfg config.RoomConfig
	log *slog.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

func NewSocket(cfg config.RoomConfig, log *slog.Logger) *Socket {
	if log == nil {
		log = slog.Default()
	}
	return &Socket{
		cfg: cfg,
		log: log.With(slog.String("component", "transport")),
	}
}

// Run dials the room endpoint and pumps binary messages to out, reconnecting
// with capped backoff on failure. It returns only when ctx is cancelled.
func (s *Socket) Run(ctx context.Context, out chan<- []byte) error {
	backoff := time.Second
	for {
		err := s.session(ctx, out)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.log.Warn("connection lost, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("backoff", backoff))

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (s *Socket) session(ctx context.Context, out chan<- []byte) error {
	dialCtx := ctx
	if s.cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, time.Duration(s.cfg.DialTimeout)*time.Millisecond)
		defer cancel()
	}

	header := http.Header{}
	if s.cfg.Origin != "" {
		header.Set("Origin", s.cfg.Origin)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, s.cfg.URL, header)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", s.cfg.URL, err)
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	defer func() {
		conn.Close()
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
	}()
	s.log.Info("connected", slog.String("room_id", s.cfg.ID), slog.String("url", s.cfg.URL))

	// Unblock the read loop when ctx ends; gorilla reads have no ctx.
	stop := context.AfterFunc(ctx, func() {
		conn.SetReadDeadline(time.Now())
	})
	defer stop()

	sessionCtx, sessionCancel := context.WithCancel(ctx)
	var writeMu sync.Mutex
	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		s.heartbeatLoop(sessionCtx, conn, &writeMu)
	}()
	defer func() {
		sessionCancel()
		<-heartbeatDone
	}()

	for {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("reading frame: %w", err)
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		s.maybeAck(conn, &writeMu, data)

		select {
		case out <- data:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Socket) heartbeatLoop(ctx context.Context, conn *websocket.Conn, writeMu *sync.Mutex) {
	interval := time.Duration(s.cfg.HeartbeatInterval) * time.Second
	if interval <= 0 {
		return
	}
	hb := wire.Heartbeat()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			err := conn.WriteMessage(websocket.BinaryMessage, hb)
			writeMu.Unlock()
			if err != nil {
				s.log.Warn("heartbeat failed", slog.String("error", err.Error()))
				return
			}
		}
	}
}

// maybeAck answers frames that carry an internal-ext header along with a log
// id. The server uses the ack to advance its push cursor.
func (s *Socket) maybeAck(conn *websocket.Conn, writeMu *sync.Mutex, data []byte) {
	frame := wire.Decode(data)
	if frame.LogID == nil {
		return
	}
	ext := internalExt(frame.Headers)
	if ext == "" {
		return
	}
	ack := wire.Ack(ext, *frame.LogID)
	writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	err := conn.WriteMessage(websocket.BinaryMessage, ack)
	writeMu.Unlock()
	if err != nil {
		s.log.Warn("ack failed", slog.String("error", err.Error()))
	}
}

func internalExt(headers map[string]string) string {
	for k, v := range headers {
		if strings.Contains(k, "internal_ext") {
			return v
		}
	}
	return ""
}
