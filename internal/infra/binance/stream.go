package binance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"marketsync/internal/domain"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultIdleTimeout      = 60 * time.Second
	defaultBackoffMin       = 500 * time.Millisecond
	defaultBackoffMax       = 30 * time.Second
)

// Handler processes one raw message. A non-nil error drops the connection.
type Handler func(msg []byte) error

// StreamConfig configures one (symbol, kind) subscription.
type StreamConfig struct {
	BaseURL          string // e.g. wss://fstream.binance.com
	Symbol           string
	Kind             domain.StreamKind
	HandshakeTimeout time.Duration
	IdleTimeout      time.Duration // no message for this long counts as a dead connection
	BackoffMin       time.Duration
	BackoffMax       time.Duration
}

func (c *StreamConfig) applyDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = WSMainnet
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = defaultHandshakeTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = defaultIdleTimeout
	}
	if c.BackoffMin <= 0 {
		c.BackoffMin = defaultBackoffMin
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = defaultBackoffMax
	}
}

// StreamName returns the Binance stream name for a symbol and kind.
func StreamName(symbol string, kind domain.StreamKind) string {
	s := strings.ToLower(symbol)
	switch kind {
	case domain.StreamDepth:
		return s + "@depth@100ms"
	case domain.StreamTrade:
		return s + "@aggTrade"
	case domain.StreamTicker:
		return s + "@bookTicker"
	}
	return s + "@" + string(kind)
}

// Stream owns one websocket connection and keeps it open until Disconnect
// or context cancellation, reconnecting with exponential backoff.
type Stream struct {
	cfg     StreamConfig
	name    string
	url     string
	handler Handler
	logger  *slog.Logger

	onConnect    func()
	onDisconnect func(err error)

	conn      *websocket.Conn
	mu        sync.RWMutex
	connected bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	connects atomic.Int64
}

// NewStream creates a stream. Nothing is dialed until Connect.
func NewStream(cfg StreamConfig, handler Handler) *Stream {
	cfg.applyDefaults()
	name := StreamName(cfg.Symbol, cfg.Kind)
	return &Stream{
		cfg:     cfg,
		name:    name,
		url:     strings.TrimRight(cfg.BaseURL, "/") + "/ws/" + name,
		handler: handler,
		logger:  slog.Default().With("module", "binance_stream", "stream", name),
	}
}

// OnConnect registers a callback run after every successful dial, before the first read.
func (s *Stream) OnConnect(fn func()) {
	s.onConnect = fn
}

// OnDisconnect registers a callback run with the cause whenever a live connection ends.
func (s *Stream) OnDisconnect(fn func(err error)) {
	s.onDisconnect = fn
}

// Name returns the stream name, e.g. btcusdt@depth@100ms.
func (s *Stream) Name() string {
	return s.name
}

// Symbol returns the subscribed symbol.
func (s *Stream) Symbol() string {
	return s.cfg.Symbol
}

// Kind returns the stream kind.
func (s *Stream) Kind() domain.StreamKind {
	return s.cfg.Kind
}

// Connected reports whether a connection is currently open.
func (s *Stream) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

// Connects returns how many times the stream has connected.
func (s *Stream) Connects() int64 {
	return s.connects.Load()
}

// Connect starts the connection loop in the background.
func (s *Stream) Connect(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.connectionLoop(ctx)
	return nil
}

func (s *Stream) connectionLoop(ctx context.Context) {
	defer s.wg.Done()

	b := &backoff.Backoff{
		Min:    s.cfg.BackoffMin,
		Max:    s.cfg.BackoffMax,
		Factor: 2,
		Jitter: true,
	}

	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := s.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("Stream connection failed", slog.Any("error", err), slog.Int("retry", int(b.Attempt())))
		} else {
			b.Reset()
			err = s.readLoop(ctx, conn)
			if s.onDisconnect != nil {
				s.onDisconnect(err)
			}
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("Stream disconnected", slog.Any("error", err))
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(b.Duration()):
		}
	}
}

func (s *Stream) connect(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: s.cfg.HandshakeTimeout}

	conn, _, err := dialer.DialContext(ctx, s.url, make(http.Header))
	if err != nil {
		return nil, domain.NewConnectionError("dial", s.name, err)
	}

	s.mu.Lock()
	s.conn = conn
	s.connected = true
	s.mu.Unlock()

	s.connects.Add(1)
	s.logger.Info("✅ Stream connected")
	if s.onConnect != nil {
		s.onConnect()
	}
	return conn, nil
}

// readLoop blocks until the connection fails or ctx is cancelled.
// Cancellation closes the socket so a blocked read returns immediately.
func (s *Stream) readLoop(ctx context.Context, conn *websocket.Conn) error {
	stop := context.AfterFunc(ctx, s.closeConnection)
	defer stop()

	for {
		if err := conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout)); err != nil {
			s.closeConnection()
			return domain.NewConnectionError("read", s.name, err)
		}

		_, msg, err := conn.ReadMessage()
		if err != nil {
			s.closeConnection()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var netErr interface{ Timeout() bool }
			if errors.As(err, &netErr) && netErr.Timeout() {
				return domain.NewConnectionError("idle", s.name, fmt.Errorf("no message for %s: %w", s.cfg.IdleTimeout, err))
			}
			return domain.NewConnectionError("read", s.name, err)
		}

		if err := s.handler(msg); err != nil {
			s.closeConnection()
			return domain.NewConnectionError("decode", s.name, err)
		}
	}
}

func (s *Stream) closeConnection() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.connected = false
}

// Disconnect stops the loop and waits for it to exit.
func (s *Stream) Disconnect() {
	if s.cancel != nil {
		s.cancel()
	}
	s.closeConnection()
	s.wg.Wait()
}

// DisconnectTimeout is Disconnect bounded by d. It reports whether the loop exited in time.
func (s *Stream) DisconnectTimeout(d time.Duration) bool {
	if s.cancel != nil {
		s.cancel()
	}
	s.closeConnection()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(d):
		s.logger.Warn("Stream did not stop within grace period", slog.Duration("grace", d))
		return false
	}
}
