package entity

import (
	"context"
	"encoding/json"
	"time"
)

// Frame is the envelope delivered to downstream connections. Data is the
// provider payload passed through untouched.
type Frame struct {
	Channel   string          `json:"channel"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// FrameHandler receives the raw payload of an inbound frame for one channel.
type FrameHandler func(channel string, payload json.RawMessage)

// FrameSink is an optional secondary destination for broadcast frames,
// e.g. a NATS subject per channel.
type FrameSink interface {
	Publish(ctx context.Context, frame Frame) error
}
