package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/krobus00/market-data-relay/internal/config"
	"github.com/krobus00/market-data-relay/internal/entity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNominalBackoffSequence(t *testing.T) {
	base := 5 * time.Second
	max := 60 * time.Second

	expected := []time.Duration{
		5 * time.Second,
		10 * time.Second,
		20 * time.Second,
		40 * time.Second,
		60 * time.Second,
		60 * time.Second,
	}

	for attempt := 1; attempt <= 6; attempt++ {
		assert.Equal(t, expected[attempt-1], nominalBackoff(attempt, base, max), "attempt %d", attempt)
	}
}

func TestBackoffDelayJitterBounds(t *testing.T) {
	client, err := NewClient(config.UpstreamConfig{
		URL:                "ws://127.0.0.1:9/socket",
		ReconnectBaseDelay: 5 * time.Second,
		ReconnectMaxDelay:  60 * time.Second,
	})
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		delay := client.backoffDelay(3)
		assert.GreaterOrEqual(t, delay, 18*time.Second)
		assert.LessOrEqual(t, delay, 22*time.Second)
	}
}

func TestNewClientRequiresURL(t *testing.T) {
	_, err := NewClient(config.UpstreamConfig{})
	assert.Error(t, err)
}

func TestSubscribeDeferredWhileDisconnected(t *testing.T) {
	client, err := NewClient(config.UpstreamConfig{URL: "ws://127.0.0.1:9/socket"})
	require.NoError(t, err)

	require.NoError(t, client.Subscribe("X", func(string, json.RawMessage) {}))
	require.NoError(t, client.Subscribe("Y", func(string, json.RawMessage) {}))
	// Resubscribing only replaces the handler.
	require.NoError(t, client.Subscribe("X", func(string, json.RawMessage) {}))

	status := client.Status()
	assert.Equal(t, entity.ConnectionStateDisconnected, status.State)
	assert.Equal(t, []string{"X", "Y"}, status.Channels)

	require.NoError(t, client.Unsubscribe("Y"))
	require.NoError(t, client.Unsubscribe("Y"))
	assert.Equal(t, []string{"X"}, client.Status().Channels)
}

func TestDispatchDropsBadFrames(t *testing.T) {
	client, err := NewClient(config.UpstreamConfig{URL: "ws://127.0.0.1:9/socket"})
	require.NoError(t, err)

	received := 0
	require.NoError(t, client.Subscribe("X", func(string, json.RawMessage) {
		received++
	}))

	client.dispatch([]byte(`not json`))
	client.dispatch([]byte(`{"channel":"X"}`))
	client.dispatch([]byte(`["X"]`))
	client.dispatch([]byte(`[1, {"v":1}]`))
	client.dispatch([]byte(`["unknown-channel", {"v":1}]`))
	assert.Equal(t, 0, received)

	client.dispatch([]byte(`["X", {"v":1}]`))
	assert.Equal(t, 1, received)
}

func TestRunTerminalAfterMaxAttempts(t *testing.T) {
	// Nothing listens on the target port, every dial fails.
	client, err := NewClient(config.UpstreamConfig{
		URL:                  "ws://127.0.0.1:9/socket",
		ReconnectBaseDelay:   time.Millisecond,
		ReconnectMaxDelay:    2 * time.Millisecond,
		MaxReconnectAttempts: 2,
	})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		client.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("run did not terminate after exhausting reconnect attempts")
	}

	status := client.Status()
	assert.Equal(t, entity.ConnectionStateDisconnected, status.State)
	assert.Equal(t, 2, status.ReconnectAttempts)
}

type feedServer struct {
	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions []*feedSession
}

type feedSession struct {
	conn  *websocket.Conn
	joins []string
}

func (s *feedServer) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	session := &feedSession{conn: conn}
	s.mu.Lock()
	s.sessions = append(s.sessions, session)
	s.mu.Unlock()

	for {
		var frame subscribeFrame
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}

		if frame.MsgType == "join" {
			s.mu.Lock()
			session.joins = append(session.joins, frame.Channel)
			s.mu.Unlock()
		}
	}
}

func (s *feedServer) sessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *feedServer) session(idx int) *feedSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx >= len(s.sessions) {
		return nil
	}
	return s.sessions[idx]
}

func (s *feedServer) sessionJoins(idx int) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx >= len(s.sessions) {
		return nil
	}
	return append([]string(nil), s.sessions[idx].joins...)
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

func TestResubscribeAfterReconnect(t *testing.T) {
	feed := &feedServer{}
	server := httptest.NewServer(http.HandlerFunc(feed.handle))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")

	client, err := NewClient(config.UpstreamConfig{
		URL:                  wsURL,
		Token:                "secret",
		ReconnectBaseDelay:   5 * time.Millisecond,
		ReconnectMaxDelay:    20 * time.Millisecond,
		MaxReconnectAttempts: 10,
	})
	require.NoError(t, err)

	var framesMu sync.Mutex
	var frames []string
	handler := func(channel string, payload json.RawMessage) {
		framesMu.Lock()
		frames = append(frames, channel+":"+string(payload))
		framesMu.Unlock()
	}

	require.NoError(t, client.Subscribe("X", handler))
	require.NoError(t, client.Subscribe("Y", handler))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runDone := make(chan struct{})
	go func() {
		client.Run(ctx)
		close(runDone)
	}()

	waitFor(t, 5*time.Second, func() bool {
		return len(feed.sessionJoins(0)) == 2
	})
	assert.ElementsMatch(t, []string{"X", "Y"}, feed.sessionJoins(0))
	waitFor(t, 5*time.Second, func() bool {
		return client.State() == entity.ConnectionStateConnected
	})

	// Drop the connection server-side to force a reconnect.
	require.NoError(t, feed.session(0).conn.Close())

	waitFor(t, 5*time.Second, func() bool {
		return feed.sessionCount() >= 2 && len(feed.sessionJoins(1)) == 2
	})

	// Exactly one join per channel on the new session, no duplicates.
	assert.ElementsMatch(t, []string{"X", "Y"}, feed.sessionJoins(1))
	assert.Len(t, feed.sessionJoins(0), 2)

	waitFor(t, 5*time.Second, func() bool {
		return client.State() == entity.ConnectionStateConnected
	})
	assert.Equal(t, 0, client.Status().ReconnectAttempts)

	// Data frames flow again after the reconnect.
	second := feed.session(1)
	require.NoError(t, second.conn.WriteMessage(websocket.TextMessage, []byte(`["X",{"v":1}]`)))

	waitFor(t, 5*time.Second, func() bool {
		framesMu.Lock()
		defer framesMu.Unlock()
		return len(frames) == 1
	})

	framesMu.Lock()
	assert.Equal(t, `X:{"v":1}`, frames[0])
	framesMu.Unlock()

	cancel()
	select {
	case <-runDone:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop on context cancellation")
	}
	assert.Equal(t, entity.ConnectionStateDisconnected, client.State())
}

func TestSubscribeDuringResubscribeSendsSingleJoin(t *testing.T) {
	feed := &feedServer{}
	server := httptest.NewServer(http.HandlerFunc(feed.handle))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")

	client, err := NewClient(config.UpstreamConfig{URL: wsURL})
	require.NoError(t, err)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Mirror the state connect leaves behind before the desired set is
	// replayed: conn assigned, state still settling.
	client.mu.Lock()
	client.conn = conn
	client.state = entity.ConnectionStateReconnecting
	client.mu.Unlock()

	// Lands in the replay window, must not produce its own wire join.
	require.NoError(t, client.Subscribe("N", func(string, json.RawMessage) {}))
	require.NoError(t, client.rejoinAll(conn))

	assert.Equal(t, entity.ConnectionStateConnected, client.State())

	waitFor(t, 5*time.Second, func() bool {
		return len(feed.sessionJoins(0)) == 1
	})
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []string{"N"}, feed.sessionJoins(0))
}

func TestMissedPongTriggersReconnect(t *testing.T) {
	upgrader := websocket.Upgrader{}

	var mu sync.Mutex
	sessions := 0

	// The server swallows pings, so the client never gets a pong and its
	// read deadline expires.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}

		mu.Lock()
		sessions++
		mu.Unlock()

		conn.SetPingHandler(func(string) error { return nil })
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")

	client, err := NewClient(config.UpstreamConfig{
		URL:                  wsURL,
		PongWait:             100 * time.Millisecond,
		PingInterval:         20 * time.Millisecond,
		ReconnectBaseDelay:   5 * time.Millisecond,
		ReconnectMaxDelay:    20 * time.Millisecond,
		MaxReconnectAttempts: 100,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runDone := make(chan struct{})
	go func() {
		client.Run(ctx)
		close(runDone)
	}()

	// A second server-side session proves the missed pong was treated as an
	// abnormal close and the client redialed.
	waitFor(t, 10*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return sessions >= 2
	})

	cancel()
	select {
	case <-runDone:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop on context cancellation")
	}
}

func TestSubscribeWhileConnectedSendsJoin(t *testing.T) {
	feed := &feedServer{}
	server := httptest.NewServer(http.HandlerFunc(feed.handle))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")

	client, err := NewClient(config.UpstreamConfig{
		URL:                  wsURL,
		ReconnectBaseDelay:   5 * time.Millisecond,
		MaxReconnectAttempts: 10,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)

	waitFor(t, 5*time.Second, func() bool {
		return client.State() == entity.ConnectionStateConnected
	})

	require.NoError(t, client.Subscribe("Z", func(string, json.RawMessage) {}))

	waitFor(t, 5*time.Second, func() bool {
		joins := feed.sessionJoins(0)
		return len(joins) == 1 && joins[0] == "Z"
	})

	// Second subscribe for the same channel stays off the wire.
	require.NoError(t, client.Subscribe("Z", func(string, json.RawMessage) {}))
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, feed.sessionJoins(0), 1)
}
