package relay

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/krobus00/market-data-relay/internal/entity"
	"github.com/sirupsen/logrus"
)

// Registry owns the channel to connections mapping and is the only component
// allowed to mutate it. First attach and last detach for a channel decide the
// upstream subscription under one lock, so the empty/non-empty boundary can
// never race with itself.
type Registry struct {
	upstream entity.FeedSubscriber
	sink     entity.FrameSink

	mu       sync.Mutex
	channels map[string]map[string]*Connection
	pinned   map[string]struct{}
}

func NewRegistry(upstream entity.FeedSubscriber, sink entity.FrameSink) *Registry {
	return &Registry{
		upstream: upstream,
		sink:     sink,
		channels: make(map[string]map[string]*Connection),
		pinned:   make(map[string]struct{}),
	}
}

// Attach adds the connection to its channel. The first member of a channel
// triggers exactly one upstream join.
func (r *Registry) Attach(conn *Connection, channel string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	conns, ok := r.channels[channel]
	if !ok {
		conns = make(map[string]*Connection)
		r.channels[channel] = conns
	}

	first := len(conns) == 0
	conns[conn.ID] = conn

	_, isPinned := r.pinned[channel]
	if first && !isPinned {
		if err := r.upstream.Subscribe(channel, r.dispatch); err != nil {
			logrus.Errorf("upstream subscribe for channel %s failed: %v", channel, err)
		}
	}

	logrus.WithFields(logrus.Fields{
		"channel":       channel,
		"connection_id": conn.ID,
		"listeners":     len(conns),
	}).Info("downstream connection attached")

	return nil
}

// Detach removes the connection from its channel and unsubscribes upstream
// when the last listener of an unpinned channel leaves. Idempotent, safe for
// pairs never attached.
func (r *Registry) Detach(conn *Connection, channel string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.detachLocked(conn, channel)
}

func (r *Registry) detachLocked(conn *Connection, channel string) {
	conns, ok := r.channels[channel]
	if !ok {
		return
	}

	if _, ok := conns[conn.ID]; !ok {
		return
	}

	delete(conns, conn.ID)

	if len(conns) == 0 {
		delete(r.channels, channel)

		if _, isPinned := r.pinned[channel]; !isPinned {
			if err := r.upstream.Unsubscribe(channel); err != nil {
				logrus.Errorf("upstream unsubscribe for channel %s failed: %v", channel, err)
			}
		}
	}

	logrus.WithFields(logrus.Fields{
		"channel":       channel,
		"connection_id": conn.ID,
	}).Info("downstream connection detached")
}

// Pin keeps the channel subscribed upstream regardless of downstream demand.
// Its frames still flow to the sink while no one is attached.
func (r *Registry) Pin(channel string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.pinned[channel]; ok {
		return nil
	}

	r.pinned[channel] = struct{}{}

	if len(r.channels[channel]) == 0 {
		if err := r.upstream.Subscribe(channel, r.dispatch); err != nil {
			return err
		}
	}

	logrus.Infof("channel pinned: %s", channel)

	return nil
}

// Broadcast delivers the payload to every connection attached to the channel.
// Delivery iterates a snapshot so a send-triggered detach cannot invalidate
// the iteration, and a dead or slow connection only costs itself.
func (r *Registry) Broadcast(channel string, payload json.RawMessage) {
	frame := entity.Frame{
		Channel:   channel,
		Timestamp: time.Now().UTC(),
		Data:      payload,
	}

	r.mu.Lock()
	conns := make([]*Connection, 0, len(r.channels[channel]))
	for _, conn := range r.channels[channel] {
		conns = append(conns, conn)
	}
	r.mu.Unlock()

	var stale []*Connection
	for _, conn := range conns {
		if !conn.enqueue(frame) {
			logrus.Warnf("send buffer full or connection closed, dropping connection %s", conn.ID)
			stale = append(stale, conn)
		}
	}

	for _, conn := range stale {
		conn.Close()
		r.Detach(conn, channel)
	}

	if r.sink != nil {
		if err := r.sink.Publish(context.Background(), frame); err != nil {
			logrus.Errorf("mirror publish for channel %s failed: %v", channel, err)
		}
	}
}

// dispatch is the handler registered upstream for every active channel.
func (r *Registry) dispatch(channel string, payload json.RawMessage) {
	r.Broadcast(channel, payload)
}

func (r *Registry) ConnectionCount(channel string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.channels[channel])
}

func (r *Registry) Counts() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()

	counts := make(map[string]int, len(r.channels))
	for channel, conns := range r.channels {
		counts[channel] = len(conns)
	}

	return counts
}

func (r *Registry) TotalConnections() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	total := 0
	for _, conns := range r.channels {
		total += len(conns)
	}

	return total
}

func (r *Registry) PinnedChannels() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	channels := make([]string, 0, len(r.pinned))
	for channel := range r.pinned {
		channels = append(channels, channel)
	}
	sort.Strings(channels)

	return channels
}

// CloseAll tears down every downstream connection, used during shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	conns := make([]*Connection, 0)
	for _, byID := range r.channels {
		for _, conn := range byID {
			conns = append(conns, conn)
		}
	}
	r.channels = make(map[string]map[string]*Connection)
	r.mu.Unlock()

	for _, conn := range conns {
		conn.Close()
	}
}
