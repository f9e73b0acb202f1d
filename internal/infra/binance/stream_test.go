package binance

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"marketsync/internal/domain"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var upgrader = websocket.Upgrader{}

// wsServer upgrades every request and hands the connection to serve.
// The request path is recorded for assertions.
func wsServer(t *testing.T, serve func(conn *websocket.Conn)) (*httptest.Server, *atomic.Value) {
	t.Helper()
	var path atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path.Store(r.URL.Path)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		serve(conn)
	}))
	t.Cleanup(srv.Close)
	return srv, &path
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func fastConfig(srv *httptest.Server, kind domain.StreamKind) StreamConfig {
	return StreamConfig{
		BaseURL:     wsURL(srv),
		Symbol:      "BTCUSDT",
		Kind:        kind,
		IdleTimeout: time.Second,
		BackoffMin:  10 * time.Millisecond,
		BackoffMax:  50 * time.Millisecond,
	}
}

func TestStream_DeliversMessages(t *testing.T) {
	srv, path := wsServer(t, func(conn *websocket.Conn) {
		for i := 0; i < 3; i++ {
			conn.WriteMessage(websocket.TextMessage, []byte(`{"n":1}`))
		}
		// hold the connection open until the client goes away
		conn.ReadMessage()
	})

	var mu sync.Mutex
	var got [][]byte
	received := make(chan struct{}, 3)
	s := NewStream(fastConfig(srv, domain.StreamTrade), func(msg []byte) error {
		mu.Lock()
		got = append(got, msg)
		mu.Unlock()
		notify(received)
		return nil
	})
	connected := make(chan struct{}, 1)
	s.OnConnect(func() { notify(connected) })

	require.NoError(t, s.Connect(context.Background()))
	defer s.Disconnect()

	waitFor(t, connected)
	for i := 0; i < 3; i++ {
		waitFor(t, received)
	}

	assert.Equal(t, "/ws/btcusdt@aggTrade", path.Load())
	assert.True(t, s.Connected())
	mu.Lock()
	assert.Len(t, got, 3)
	mu.Unlock()
}

func TestStream_ReconnectsAfterServerClose(t *testing.T) {
	srv, _ := wsServer(t, func(conn *websocket.Conn) {
		conn.WriteMessage(websocket.TextMessage, []byte(`{}`))
		// returning closes the socket
	})

	connects := make(chan struct{}, 10)
	s := NewStream(fastConfig(srv, domain.StreamDepth), func([]byte) error { return nil })
	s.OnConnect(func() { notify(connects) })

	var disconnects atomic.Int32
	s.OnDisconnect(func(err error) {
		var ce *domain.ConnectionError
		if errors.As(err, &ce) {
			disconnects.Add(1)
		}
	})

	require.NoError(t, s.Connect(context.Background()))
	defer s.Disconnect()

	waitFor(t, connects)
	waitFor(t, connects)
	assert.GreaterOrEqual(t, s.Connects(), int64(2))
	assert.GreaterOrEqual(t, disconnects.Load(), int32(1))
}

func TestStream_HandlerErrorDropsConnection(t *testing.T) {
	srv, _ := wsServer(t, func(conn *websocket.Conn) {
		conn.WriteMessage(websocket.TextMessage, []byte(`garbage`))
		conn.ReadMessage()
	})

	causes := make(chan error, 10)
	s := NewStream(fastConfig(srv, domain.StreamTicker), func([]byte) error {
		return errors.New("bad payload")
	})
	s.OnDisconnect(func(err error) {
		select {
		case causes <- err:
		default:
		}
	})

	require.NoError(t, s.Connect(context.Background()))
	defer s.Disconnect()

	select {
	case err := <-causes:
		var ce *domain.ConnectionError
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, "decode", ce.Op)
		assert.True(t, ce.IsRetriable())
	case <-time.After(2 * time.Second):
		t.Fatal("Expected handler error to drop the connection")
	}
}

func TestStream_IdleTimeout(t *testing.T) {
	srv, _ := wsServer(t, func(conn *websocket.Conn) {
		conn.ReadMessage()
	})

	causes := make(chan error, 10)
	cfg := fastConfig(srv, domain.StreamDepth)
	cfg.IdleTimeout = 50 * time.Millisecond
	s := NewStream(cfg, func([]byte) error { return nil })
	s.OnDisconnect(func(err error) {
		select {
		case causes <- err:
		default:
		}
	})

	require.NoError(t, s.Connect(context.Background()))
	defer s.Disconnect()

	select {
	case err := <-causes:
		var ce *domain.ConnectionError
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, "idle", ce.Op)
	case <-time.After(2 * time.Second):
		t.Fatal("Expected idle connection to be dropped")
	}
}

func TestStream_CancelUnblocksRead(t *testing.T) {
	srv, _ := wsServer(t, func(conn *websocket.Conn) {
		conn.ReadMessage()
	})

	connected := make(chan struct{}, 1)
	cfg := fastConfig(srv, domain.StreamDepth)
	cfg.IdleTimeout = time.Minute
	s := NewStream(cfg, func([]byte) error { return nil })
	s.OnConnect(func() { notify(connected) })

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Connect(ctx))
	waitFor(t, connected)

	cancel()
	if !s.DisconnectTimeout(time.Second) {
		t.Fatal("Expected stream to stop promptly after cancel")
	}
	assert.False(t, s.Connected())
}

func TestStream_DialFailureRetries(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	s := NewStream(fastConfig(srv, domain.StreamDepth), func([]byte) error { return nil })
	require.NoError(t, s.Connect(context.Background()))

	deadline := time.Now().Add(2 * time.Second)
	for attempts.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	s.Disconnect()

	assert.GreaterOrEqual(t, attempts.Load(), int32(3))
	assert.Equal(t, int64(0), s.Connects())
}

func waitFor(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for signal")
	}
}

// notify never blocks the stream goroutine.
func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
