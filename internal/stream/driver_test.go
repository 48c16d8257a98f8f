package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tickforge/tickforge/internal/config"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// feedServer is a scripted upstream: it records control messages and plays
// the given frames to every connection, then holds the socket open. While
// refusing is set it answers 503 instead of upgrading.
type feedServer struct {
	*httptest.Server
	subscribes chan controlMessage
	frames     []RawFrame
	closeAfter bool
	refusing   atomic.Bool
}

func newFeedServer(t *testing.T, frames []RawFrame, closeAfter bool) *feedServer {
	t.Helper()
	fs := &feedServer{
		subscribes: make(chan controlMessage, 8),
		frames:     frames,
		closeAfter: closeAfter,
	}
	fs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fs.refusing.Load() {
			http.Error(w, "upstream unavailable", http.StatusServiceUnavailable)
			return
		}
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				var msg controlMessage
				if err := conn.ReadJSON(&msg); err != nil {
					return
				}
				fs.subscribes <- msg
			}
		}()

		for _, frame := range fs.frames {
			payload, _ := json.Marshal(frame)
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		}
		if fs.closeAfter {
			return
		}
		<-done // hold the connection open until the client hangs up
	}))
	t.Cleanup(fs.Server.Close)
	return fs
}

func wsURL(s *httptest.Server) string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func testStreamConfig(url string) config.StreamConfig {
	return config.StreamConfig{
		WebsocketURL:     url,
		Symbols:          []string{"BTCUSD", "ETHUSD"},
		Channels:         []string{"ticker", "trade"},
		ReconnectDelay:   10 * time.Millisecond,
		MaxReconnectWait: 50 * time.Millisecond,
		PingInterval:     time.Hour, // keepalive is not under test
		FreshnessWindow:  time.Second,
		TickBuffer:       16,
	}
}

func TestDriver_SubscribeSendsControlFrame(t *testing.T) {
	server := newFeedServer(t, nil, false)
	d := NewDriver(testStreamConfig(wsURL(server.Server)), testStreamLogger())

	ctx := context.Background()
	require.NoError(t, d.Connect(ctx))
	defer d.Close()
	require.NoError(t, d.Subscribe(ctx))

	select {
	case msg := <-server.subscribes:
		assert.Equal(t, "subscribe", msg.Op)
		assert.Equal(t, []string{"BTCUSD", "ETHUSD"}, msg.Symbols)
		assert.Equal(t, []string{"ticker", "trade"}, msg.Channels)
	case <-time.After(2 * time.Second):
		t.Fatal("upstream never received the subscribe message")
	}
}

func TestDriver_SubscribeRequiresConnection(t *testing.T) {
	d := NewDriver(testStreamConfig("ws://127.0.0.1:1"), testStreamLogger())

	err := d.Subscribe(context.Background())
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "not connected")
}

func TestDriver_ReadDeliversFramesAndSkipsControlAcks(t *testing.T) {
	now := time.Now().UnixMilli()
	server := newFeedServer(t, []RawFrame{
		{Symbol: ""}, // ack-shaped payload, no symbol
		{Type: "ticker", Symbol: "BTCUSD", Price: 43210.5, Volume: 0.3, Sequence: 1, Time: now},
		{Type: "trade", Symbol: "ETHUSD", Price: 2500, Volume: 1.5, Sequence: 2, Time: now},
	}, false)
	d := NewDriver(testStreamConfig(wsURL(server.Server)), testStreamLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, d.Connect(ctx))
	defer d.Close()

	frames, _ := d.Read(ctx)

	first := recvFrame(t, frames)
	assert.Equal(t, "BTCUSD", first.Symbol)
	assert.Equal(t, int64(1), first.Sequence)

	second := recvFrame(t, frames)
	assert.Equal(t, "ETHUSD", second.Symbol)

	assert.True(t, d.Fresh(time.Now()))
}

func TestDriver_ReadReportsDisconnect(t *testing.T) {
	server := newFeedServer(t, []RawFrame{
		{Type: "ticker", Symbol: "BTCUSD", Price: 100, Volume: 1, Time: time.Now().UnixMilli()},
	}, true)
	d := NewDriver(testStreamConfig(wsURL(server.Server)), testStreamLogger())

	ctx := context.Background()
	require.NoError(t, d.Connect(ctx))
	defer d.Close()

	frames, errs := d.Read(ctx)
	recvFrame(t, frames)

	select {
	case err := <-errs:
		assert.Error(t, err)
		assert.False(t, d.IsConnected())
	case <-time.After(2 * time.Second):
		t.Fatal("expected a read error after upstream close")
	}
}

func TestDriver_ReconnectBacksOffUntilServerReturns(t *testing.T) {
	server := newFeedServer(t, nil, false)
	d := NewDriver(testStreamConfig(wsURL(server.Server)), testStreamLogger())

	// upstream refuses upgrades at first; Reconnect must keep retrying
	server.refusing.Store(true)
	go func() {
		time.Sleep(30 * time.Millisecond)
		server.refusing.Store(false)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, d.Reconnect(ctx))
	defer d.Close()

	assert.True(t, d.IsConnected())
	select {
	case msg := <-server.subscribes:
		assert.Equal(t, "subscribe", msg.Op)
	case <-time.After(2 * time.Second):
		t.Fatal("reconnect did not re-subscribe")
	}
}

func TestDriver_ReconnectStopsOnCancel(t *testing.T) {
	cfg := testStreamConfig("ws://127.0.0.1:1")
	d := NewDriver(cfg, testStreamLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := d.Reconnect(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, d.IsConnected())
}

func TestDriver_FreshnessExpires(t *testing.T) {
	d := NewDriver(testStreamConfig("ws://unused"), testStreamLogger())

	d.mu.Lock()
	d.connected = true
	d.lastFrameAt = time.Now().Add(-2 * time.Second)
	d.mu.Unlock()

	assert.False(t, d.Fresh(time.Now()))

	d.mu.Lock()
	d.lastFrameAt = time.Now()
	d.mu.Unlock()
	assert.True(t, d.Fresh(time.Now()))
}

func recvFrame(t *testing.T, frames <-chan RawFrame) RawFrame {
	t.Helper()
	select {
	case frame, ok := <-frames:
		require.True(t, ok, "frame channel closed")
		return frame
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return RawFrame{}
	}
}

func testStreamLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}
