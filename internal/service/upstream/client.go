package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/krobus00/market-data-relay/internal/config"
	"github.com/krobus00/market-data-relay/internal/entity"
	"github.com/sirupsen/logrus"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultPongWait         = 30 * time.Second
	defaultWriteWait        = 10 * time.Second
	defaultBaseDelay        = 5 * time.Second
	defaultMaxDelay         = 60 * time.Second
	defaultMaxAttempts      = 5
	jitterFraction          = 0.1
)

type subscribeFrame struct {
	Channel string `json:"channel"`
	MsgType string `json:"msg_type"`
}

// Client owns the single websocket connection to the feed provider. The
// desired subscription set survives reconnects: every channel in it is
// rejoined after a successful redial.
type Client struct {
	dialURL          string
	handshakeTimeout time.Duration
	pongWait         time.Duration
	pingInterval     time.Duration
	writeWait        time.Duration
	baseDelay        time.Duration
	maxDelay         time.Duration
	maxAttempts      int

	mu       sync.Mutex
	state    entity.ConnectionState
	attempt  int
	handlers map[string]entity.FrameHandler
	conn     *websocket.Conn

	// gorilla allows at most one concurrent writer per connection.
	writeMu sync.Mutex

	rng *rand.Rand
}

func NewClient(cfg config.UpstreamConfig) (*Client, error) {
	rawURL := strings.TrimSpace(cfg.URL)
	if rawURL == "" {
		return nil, fmt.Errorf("upstream url is required")
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream url: %w", err)
	}

	if token := strings.TrimSpace(cfg.Token); token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}

	handshakeTimeout := cfg.HandshakeTimeout
	if handshakeTimeout <= 0 {
		handshakeTimeout = defaultHandshakeTimeout
	}

	pongWait := cfg.PongWait
	if pongWait <= 0 {
		pongWait = defaultPongWait
	}

	pingInterval := cfg.PingInterval
	if pingInterval <= 0 || pingInterval >= pongWait {
		pingInterval = pongWait * 2 / 3
	}

	writeWait := cfg.WriteWait
	if writeWait <= 0 {
		writeWait = defaultWriteWait
	}

	baseDelay := cfg.ReconnectBaseDelay
	if baseDelay <= 0 {
		baseDelay = defaultBaseDelay
	}

	maxDelay := cfg.ReconnectMaxDelay
	if maxDelay <= 0 {
		maxDelay = defaultMaxDelay
	}
	if maxDelay < baseDelay {
		maxDelay = baseDelay
	}

	maxAttempts := cfg.MaxReconnectAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}

	return &Client{
		dialURL:          u.String(),
		handshakeTimeout: handshakeTimeout,
		pongWait:         pongWait,
		pingInterval:     pingInterval,
		writeWait:        writeWait,
		baseDelay:        baseDelay,
		maxDelay:         maxDelay,
		maxAttempts:      maxAttempts,
		state:            entity.ConnectionStateDisconnected,
		handlers:         make(map[string]entity.FrameHandler),
		rng:              rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// Subscribe records the channel as desired and joins it immediately when
// connected. Subscribing to an already-desired channel only replaces the
// handler, nothing is sent on the wire.
func (c *Client) Subscribe(channel string, handler entity.FrameHandler) error {
	c.mu.Lock()
	_, existed := c.handlers[channel]
	c.handlers[channel] = handler
	conn := c.conn
	connected := c.state == entity.ConnectionStateConnected
	c.mu.Unlock()

	if existed || !connected {
		return nil
	}

	return c.sendControl(conn, channel, "join")
}

// Unsubscribe drops the channel from the desired set and leaves it on the
// wire when connected. No-op for channels never subscribed.
func (c *Client) Unsubscribe(channel string) error {
	c.mu.Lock()
	_, existed := c.handlers[channel]
	delete(c.handlers, channel)
	conn := c.conn
	connected := c.state == entity.ConnectionStateConnected
	c.mu.Unlock()

	if !existed || !connected {
		return nil
	}

	return c.sendControl(conn, channel, "leave")
}

func (c *Client) Status() entity.UpstreamStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	channels := make([]string, 0, len(c.handlers))
	for channel := range c.handlers {
		channels = append(channels, channel)
	}
	sort.Strings(channels)

	return entity.UpstreamStatus{
		State:             c.state,
		ReconnectAttempts: c.attempt,
		Channels:          channels,
	}
}

func (c *Client) State() entity.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

// Run drives the connection state machine until ctx is cancelled or the
// reconnect budget is exhausted. It is the only goroutine that transitions
// between states, so a second failure can never spawn a parallel reconnect.
func (c *Client) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			c.setState(entity.ConnectionStateDisconnected)
			return
		}

		conn, err := c.connect(ctx)
		if err != nil {
			logrus.Errorf("upstream dial failed: %v", err)
			if !c.retryWait(ctx) {
				return
			}
			continue
		}

		if err := c.rejoinAll(conn); err != nil {
			logrus.Errorf("upstream resubscribe failed: %v", err)
			_ = conn.Close()
			c.dropConn(conn, entity.ConnectionStateReconnecting)
			if !c.retryWait(ctx) {
				return
			}
			continue
		}

		readErr := c.serve(ctx, conn)
		if ctx.Err() != nil {
			c.dropConn(conn, entity.ConnectionStateDisconnected)
			return
		}

		logrus.Warnf("upstream connection lost: %v", readErr)
		c.dropConn(conn, entity.ConnectionStateReconnecting)
		if !c.retryWait(ctx) {
			return
		}
	}
}

func (c *Client) connect(ctx context.Context) (*websocket.Conn, error) {
	c.mu.Lock()
	if c.state == entity.ConnectionStateDisconnected {
		c.state = entity.ConnectionStateConnecting
	}
	c.mu.Unlock()

	logrus.Infof("connecting to %s", maskToken(c.dialURL))

	dialer := websocket.Dialer{HandshakeTimeout: c.handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, c.dialURL, nil)
	if err != nil {
		return nil, err
	}

	_ = conn.SetReadDeadline(time.Now().Add(c.pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.pongWait))
	})

	// State stays Connecting/Reconnecting until the desired set is replayed,
	// so a concurrent Subscribe cannot race rejoinAll onto the wire.
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	logrus.Info("upstream connection established")

	return conn, nil
}

// rejoinAll replays the desired set on a fresh connection and only then
// publishes the Connected state. Subscribes landing mid-replay stay off the
// wire and are picked up by the next pass, so the provider receives exactly
// one join per desired channel. Unsubscribes landing mid-replay are resolved
// with a leave before the state settles.
func (c *Client) rejoinAll(conn *websocket.Conn) error {
	joined := make(map[string]struct{})

	for {
		c.mu.Lock()
		pending := make([]string, 0, len(c.handlers))
		for channel := range c.handlers {
			if _, ok := joined[channel]; !ok {
				pending = append(pending, channel)
			}
		}
		stale := make([]string, 0)
		for channel := range joined {
			if _, ok := c.handlers[channel]; !ok {
				stale = append(stale, channel)
			}
		}
		if len(pending) == 0 && len(stale) == 0 {
			c.state = entity.ConnectionStateConnected
			c.attempt = 0
			c.mu.Unlock()
			return nil
		}
		c.mu.Unlock()

		sort.Strings(pending)
		for _, channel := range pending {
			logrus.Infof("joining channel: %s", channel)
			if err := c.sendControl(conn, channel, "join"); err != nil {
				return err
			}
			joined[channel] = struct{}{}
		}

		for _, channel := range stale {
			if err := c.sendControl(conn, channel, "leave"); err != nil {
				return err
			}
			delete(joined, channel)
		}
	}
}

func (c *Client) serve(ctx context.Context, conn *websocket.Conn) error {
	stopPing := make(chan struct{})
	go func() {
		ticker := time.NewTicker(c.pingInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				c.writeMu.Lock()
				err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeWait))
				c.writeMu.Unlock()
				if err != nil {
					logrus.Errorf("upstream ping failed: %v", err)
					return
				}
			case <-ctx.Done():
				return
			case <-stopPing:
				return
			}
		}
	}()

	ctxDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			c.leaveAll(conn)
			c.writeMu.Lock()
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			c.writeMu.Unlock()
			_ = conn.Close()
		case <-ctxDone:
		}
	}()

	defer func() {
		close(stopPing)
		close(ctxDone)
		_ = conn.Close()
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		c.dispatch(message)
	}
}

// dispatch parses an inbound data frame, a 2-element array [channel, payload].
// Malformed frames and frames for channels without a handler are logged and
// dropped, the read loop keeps going.
func (c *Client) dispatch(message []byte) {
	var parts []json.RawMessage
	if err := json.Unmarshal(message, &parts); err != nil {
		logrus.Warnf("dropping malformed upstream frame: %v", err)
		return
	}

	if len(parts) != 2 {
		logrus.Warnf("dropping upstream frame with %d elements", len(parts))
		return
	}

	var channel string
	if err := json.Unmarshal(parts[0], &channel); err != nil {
		logrus.Warnf("dropping upstream frame with non-string channel: %v", err)
		return
	}

	c.mu.Lock()
	handler := c.handlers[channel]
	c.mu.Unlock()

	if handler == nil {
		// Can race with a just-completed leave, not an error.
		logrus.Debugf("no handler for channel %s, frame dropped", channel)
		return
	}

	handler(channel, parts[1])
}

// leaveAll is best-effort cleanup during shutdown, failures are ignored.
func (c *Client) leaveAll(conn *websocket.Conn) {
	c.mu.Lock()
	channels := make([]string, 0, len(c.handlers))
	for channel := range c.handlers {
		channels = append(channels, channel)
	}
	c.mu.Unlock()

	for _, channel := range channels {
		_ = c.sendControl(conn, channel, "leave")
	}
}

func (c *Client) sendControl(conn *websocket.Conn, channel, msgType string) error {
	if conn == nil {
		return nil
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = conn.SetWriteDeadline(time.Now().Add(c.writeWait))

	return conn.WriteJSON(subscribeFrame{Channel: channel, MsgType: msgType})
}

// retryWait blocks for the backoff delay of the next attempt. It returns
// false when the budget is exhausted (terminal disconnect) or ctx is done,
// so shutdown never waits out a backoff timer.
func (c *Client) retryWait(ctx context.Context) bool {
	c.mu.Lock()
	c.attempt++
	attempt := c.attempt
	c.mu.Unlock()

	if attempt >= c.maxAttempts {
		logrus.Errorf("upstream reconnect attempts exhausted after %d failures, giving up", attempt)
		c.setState(entity.ConnectionStateDisconnected)
		return false
	}

	wait := c.backoffDelay(attempt)
	logrus.WithFields(logrus.Fields{
		"retry_in": wait.String(),
		"attempt":  attempt,
	}).Warn("reconnecting upstream feed")

	select {
	case <-time.After(wait):
		return true
	case <-ctx.Done():
		c.setState(entity.ConnectionStateDisconnected)
		return false
	}
}

func (c *Client) backoffDelay(attempt int) time.Duration {
	nominal := nominalBackoff(attempt, c.baseDelay, c.maxDelay)

	// +-10% jitter so a fleet of relays does not redial in lockstep.
	jitter := (c.rng.Float64()*2 - 1) * jitterFraction
	delay := time.Duration(float64(nominal) * (1 + jitter))
	if delay <= 0 {
		delay = nominal
	}

	return delay
}

func nominalBackoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	backoff := float64(base) * math.Pow(2, float64(attempt-1))
	if backoff > float64(max) {
		backoff = float64(max)
	}

	return time.Duration(backoff)
}

func (c *Client) setState(state entity.ConnectionState) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
}

func (c *Client) dropConn(conn *websocket.Conn, state entity.ConnectionState) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.state = state
	c.mu.Unlock()
}

func maskToken(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}

	q := u.Query()
	if q.Get("token") != "" {
		q.Set("token", "***")
		u.RawQuery = q.Encode()
	}

	return u.String()
}
