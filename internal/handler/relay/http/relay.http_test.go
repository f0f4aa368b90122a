package http

import (
	"encoding/json"
	nethttp "net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/krobus00/market-data-relay/internal/config"
	"github.com/krobus00/market-data-relay/internal/entity"
	"github.com/krobus00/market-data-relay/internal/service/relay"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFeed struct {
	mu     sync.Mutex
	state  entity.ConnectionState
	joins  []string
	leaves []string
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{state: entity.ConnectionStateConnected}
}

func (f *fakeFeed) Subscribe(channel string, handler entity.FrameHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.joins = append(f.joins, channel)
	return nil
}

func (f *fakeFeed) Unsubscribe(channel string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.leaves = append(f.leaves, channel)
	return nil
}

func (f *fakeFeed) Status() entity.UpstreamStatus {
	f.mu.Lock()
	defer f.mu.Unlock()

	return entity.UpstreamStatus{
		State:    f.state,
		Channels: append([]string(nil), f.joins...),
	}
}

func (f *fakeFeed) joinsFor(channel string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	count := 0
	for _, c := range f.joins {
		if c == channel {
			count++
		}
	}
	return count
}

func (f *fakeFeed) leavesFor(channel string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	count := 0
	for _, c := range f.leaves {
		if c == channel {
			count++
		}
	}
	return count
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func newTestServer(t *testing.T) (*httptest.Server, *fakeFeed, *relay.Registry) {
	t.Helper()

	feed := newFakeFeed()
	registry := relay.NewRegistry(feed, nil)
	statusProvider := relay.NewStatusProvider(feed, registry)

	handler := NewRelayHTTPHandler(registry, statusProvider, config.DownstreamConfig{
		SendBufferSize: 8,
		WriteWait:      time.Second,
		PongWait:       5 * time.Second,
		PingInterval:   4 * time.Second,
	})

	mux := nethttp.NewServeMux()
	handler.Register(mux)

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	return server, feed, registry
}

func TestStreamEndToEnd(t *testing.T) {
	server, feed, registry := newTestServer(t)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/relay/v1/ws/X"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)

	waitFor(t, 5*time.Second, func() bool {
		return registry.ConnectionCount("X") == 1
	})
	assert.Equal(t, 1, feed.joinsFor("X"))

	registry.Broadcast("X", json.RawMessage(`{"v":1}`))

	var frame entity.Frame
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, "X", frame.Channel)
	assert.JSONEq(t, `{"v":1}`, string(frame.Data))
	assert.False(t, frame.Timestamp.IsZero())

	require.NoError(t, conn.Close())

	waitFor(t, 5*time.Second, func() bool {
		return registry.ConnectionCount("X") == 0
	})
	waitFor(t, 5*time.Second, func() bool {
		return feed.leavesFor("X") == 1
	})

	// A late frame for the now-empty channel is dropped without error.
	registry.Broadcast("X", json.RawMessage(`{"v":2}`))
	assert.Equal(t, 0, registry.TotalConnections())
}

func TestStreamFanOutOrdering(t *testing.T) {
	server, _, registry := newTestServer(t)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/relay/v1/ws/trades"

	connA, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer connA.Close()

	connB, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer connB.Close()

	waitFor(t, 5*time.Second, func() bool {
		return registry.ConnectionCount("trades") == 2
	})

	for i := 1; i <= 3; i++ {
		registry.Broadcast("trades", json.RawMessage(`{"seq":`+string(rune('0'+i))+`}`))
	}

	for _, conn := range []*websocket.Conn{connA, connB} {
		for i := 1; i <= 3; i++ {
			var frame entity.Frame
			require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
			require.NoError(t, conn.ReadJSON(&frame))
			assert.Equal(t, "trades", frame.Channel)
			assert.JSONEq(t, `{"seq":`+string(rune('0'+i))+`}`, string(frame.Data))
		}
	}
}

func TestStreamRequiresChannel(t *testing.T) {
	server, _, _ := newTestServer(t)

	resp, err := nethttp.Get(server.URL + "/relay/v1/ws/")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.NotEqual(t, nethttp.StatusOK, resp.StatusCode)
}

func TestStatusEndpoint(t *testing.T) {
	server, _, registry := newTestServer(t)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/relay/v1/ws/X"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	waitFor(t, 5*time.Second, func() bool {
		return registry.ConnectionCount("X") == 1
	})

	resp, err := nethttp.Get(server.URL + "/relay/v1/status")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, nethttp.StatusOK, resp.StatusCode)

	var status entity.RelayStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, entity.ConnectionStateConnected, status.Upstream.State)
	assert.Equal(t, 1, status.Channels["X"])
	assert.Equal(t, 1, status.TotalConnections)
}

func TestStatusMethodNotAllowed(t *testing.T) {
	server, _, _ := newTestServer(t)

	resp, err := nethttp.Post(server.URL+"/relay/v1/status", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, nethttp.StatusMethodNotAllowed, resp.StatusCode)
}
