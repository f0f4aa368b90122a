package entity

import (
	"time"

	"github.com/guregu/null/v6"
)

// ChannelSubscription is a pinned channel: the relay keeps it subscribed
// upstream even when no downstream connection is attached.
type ChannelSubscription struct {
	ID          string      `db:"id" json:"id"`
	Channel     string      `db:"channel" json:"channel"`
	Description null.String `db:"description" json:"description"`
	CreatedAt   time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time   `db:"updated_at" json:"updated_at"`
}

func (ChannelSubscription) TableName() string {
	return "channel_subscriptions"
}
