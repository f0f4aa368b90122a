package entity

// ConnectionState is the upstream feed connection lifecycle state.
type ConnectionState string

const (
	ConnectionStateDisconnected ConnectionState = "disconnected"
	ConnectionStateConnecting   ConnectionState = "connecting"
	ConnectionStateConnected    ConnectionState = "connected"
	ConnectionStateReconnecting ConnectionState = "reconnecting"
)

// FeedSubscriber is the boundary the channel registry drives: it records the
// desired subscription set and translates it into the provider wire protocol.
type FeedSubscriber interface {
	Subscribe(channel string, handler FrameHandler) error
	Unsubscribe(channel string) error
}

// UpstreamStatus is a point-in-time snapshot of the feed client.
type UpstreamStatus struct {
	State             ConnectionState `json:"state"`
	ReconnectAttempts int             `json:"reconnect_attempts"`
	Channels          []string        `json:"channels"`
}

// RelayStatus is the operator-facing status document.
type RelayStatus struct {
	Upstream         UpstreamStatus `json:"upstream"`
	Channels         map[string]int `json:"channels"`
	TotalConnections int            `json:"total_connections"`
	PinnedChannels   []string       `json:"pinned_channels,omitempty"`
}
