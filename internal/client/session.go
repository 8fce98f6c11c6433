// Package client connects to a replication server and keeps a mirror.Set in
// sync with it. All mirror mutation and every query passed through Do runs on
// the session goroutine.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"strategia.ai/internal/mirror"
	"strategia.ai/internal/mirror/retry"
	"strategia.ai/internal/protocol"
	"strategia.ai/internal/sim/bus"
)

var ErrClosed = errors.New("session closed")

type Config struct {
	URL        string
	Name       string
	Zstd       bool
	MaxQueue   int
	RetryDelay time.Duration
	Logger     *log.Logger
	// Bus receives mirror.Changed events. A private bus is used when nil.
	Bus *bus.Bus
	// Tap, when set, sees every decoded server frame before it is applied.
	Tap func(msg []byte)
}

type Stats struct {
	Frames     uint64
	Bytes      uint64
	Compressed uint64
	Failures   uint64
	Retry      retry.Stats
}

type frame struct {
	data []byte
	err  error
}

type Session struct {
	cfg   Config
	conn  *websocket.Conn
	set   *mirror.Set
	queue *retry.Queue

	welcome protocol.WelcomeMsg

	frames chan frame
	calls  chan func()

	writeMu sync.Mutex

	mu    sync.Mutex
	stats Stats

	closeOnce sync.Once
	done      chan struct{}
}

// Dial connects, sends HELLO and waits for WELCOME.
func Dial(ctx context.Context, cfg Config) (*Session, error) {
	if cfg.Name == "" {
		cfg.Name = "observer"
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(log.Writer(), "[client] ", log.LstdFlags|log.Lmicroseconds)
	}
	d := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, resp, err := d.DialContext(ctx, cfg.URL, http.Header{})
	if err != nil {
		return nil, err
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	hello := protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		ClientName:      cfg.Name,
		Capabilities: protocol.HelloCapabilities{
			Zstd:     cfg.Zstd,
			MaxQueue: cfg.MaxQueue,
		},
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := conn.WriteJSON(hello); err != nil {
		_ = conn.Close()
		return nil, err
	}

	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	mt, raw, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("read WELCOME: %w", err)
	}
	msg, err := protocol.DecodeFrame(raw, mt == websocket.BinaryMessage)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	var w protocol.WelcomeMsg
	if err := json.Unmarshal(msg, &w); err != nil || w.Type != protocol.TypeWelcome {
		_ = conn.Close()
		if err == nil {
			err = fmt.Errorf("expected WELCOME, got %s", w.Type)
		}
		return nil, err
	}
	if w.ProtocolVersion != protocol.Version {
		_ = conn.Close()
		return nil, fmt.Errorf("server protocol %q, want %q", w.ProtocolVersion, protocol.Version)
	}
	_ = conn.SetReadDeadline(time.Time{})

	s := &Session{
		cfg:     cfg,
		conn:    conn,
		set:     mirror.NewSet(cfg.Bus),
		queue:   retry.New(cfg.RetryDelay),
		welcome: w,
		frames:  make(chan frame, 256),
		calls:   make(chan func()),
		done:    make(chan struct{}),
	}
	return s, nil
}

func (s *Session) Welcome() protocol.WelcomeMsg { return s.welcome }

func (s *Session) Bus() *bus.Bus { return s.set.Bus() }

// Run applies server frames until ctx ends or the connection drops.
func (s *Session) Run(ctx context.Context) error {
	defer s.Close()
	go s.readLoop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f := <-s.frames:
			if f.err != nil {
				return f.err
			}
			s.apply(f.data)
		case <-s.queue.Due():
			for _, fail := range s.queue.RunDue(time.Now()) {
				s.fail(fmt.Errorf("retry %s/%s: %w", fail.Scope, fail.Key, fail.Err))
			}
		case fn := <-s.calls:
			fn()
		}
	}
}

// Do runs fn on the session goroutine so it sees a consistent mirror.
func (s *Session) Do(ctx context.Context, fn func(*mirror.Set)) error {
	ran := make(chan struct{})
	call := func() {
		fn(s.set)
		close(ran)
	}
	select {
	case s.calls <- call:
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-ran:
		return nil
	case <-s.done:
		return ErrClosed
	}
}

// Watch scopes the stockpile and reservation mirrors to t. For a unit
// target the reservation owner is the unit's faction as the server reports
// it in the snapshot answering the WATCH; the local mirror only seeds it.
func (s *Session) Watch(ctx context.Context, t protocol.Target) error {
	if !t.Valid() {
		return fmt.Errorf("watch %s: invalid target", t)
	}
	var werr error
	err := s.Do(ctx, func(set *mirror.Set) {
		owner := t.OwnerID
		if t.OwnerKind == protocol.OwnerUnit {
			owner = ""
			if u, ok := set.Units.Get(t.OwnerID); ok {
				owner = u.Owner
			}
		}
		s.queue.Drop(mirror.ScopeStockpile)
		s.queue.Drop(mirror.ScopeReservations)
		set.Watch(t, owner)
		werr = s.write(protocol.WatchMsg{
			Type:            protocol.TypeWatch,
			ProtocolVersion: protocol.Version,
			Target:          t,
		})
	})
	if err != nil {
		return err
	}
	return werr
}

func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
		s.queue.Close()
	})
}

func (s *Session) apply(data []byte) {
	if s.cfg.Tap != nil {
		s.cfg.Tap(data)
	}
	job, err := s.set.Route(data)
	if err != nil {
		s.fail(err)
		return
	}
	if job.Type == protocol.TypeError {
		var e protocol.ErrorMsg
		_ = json.Unmarshal(data, &e)
		s.cfg.Logger.Printf("server error code=%s message=%s", e.Code, e.Message)
		return
	}
	if job.Apply == nil {
		return
	}
	if err := s.queue.Submit(job.Scope, job.Key, job.Apply); err != nil {
		s.fail(fmt.Errorf("%s seq=%s: %w", job.Type, job.Key, err))
	}
	st := s.queue.Stats()
	s.mu.Lock()
	s.stats.Retry = st
	s.mu.Unlock()
}

func (s *Session) fail(err error) {
	s.mu.Lock()
	s.stats.Failures++
	s.mu.Unlock()
	s.cfg.Logger.Printf("apply: %v", err)
}

func (s *Session) readLoop() {
	for {
		mt, raw, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case s.frames <- frame{err: err}:
			case <-s.done:
			}
			return
		}
		msg, err := protocol.DecodeFrame(raw, mt == websocket.BinaryMessage)
		if err != nil {
			s.cfg.Logger.Printf("decode frame: %v", err)
			continue
		}
		s.mu.Lock()
		s.stats.Frames++
		s.stats.Bytes += uint64(len(raw))
		if mt == websocket.BinaryMessage {
			s.stats.Compressed++
		}
		s.mu.Unlock()
		select {
		case s.frames <- frame{data: msg}:
		case <-s.done:
			return
		}
	}
}

func (s *Session) write(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return s.conn.WriteJSON(v)
}
