package mirror

import (
	"context"

	"github.com/krobus00/market-data-relay/internal/constant"
	"github.com/krobus00/market-data-relay/internal/entity"
	"github.com/krobus00/market-data-relay/internal/util"
	"github.com/nats-io/nats.go"
)

// NATSMirror republishes every broadcast frame to feed.<channel> over core
// NATS so internal consumers can tap the stream without holding a websocket.
type NATSMirror struct {
	nc *nats.Conn
}

func NewNATSMirror(nc *nats.Conn) *NATSMirror {
	return &NATSMirror{nc: nc}
}

func (m *NATSMirror) Publish(_ context.Context, frame entity.Frame) error {
	return util.PublishEvent(m.nc, constant.GetFeedSubject(frame.Channel), frame)
}
