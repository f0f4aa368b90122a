package util

import (
	"github.com/goccy/go-json"

	"github.com/nats-io/nats.go"
)

func PublishEvent(nc *nats.Conn, subject string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}

	err = nc.Publish(subject, payload)
	if err != nil {
		return err
	}

	return nil
}
