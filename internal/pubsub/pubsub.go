// Package pubsub provides the message transport used to publish engine
// events to external consumers.
package pubsub

import (
	"context"
	"errors"
)

// ErrClosed is returned when publishing to or subscribing on a closed engine.
var ErrClosed = errors.New("pubsub engine closed")

// Publisher publishes messages to a subject.
type Publisher interface {
	// Publish sends a message to the specified subject.
	Publish(ctx context.Context, subject string, data []byte) error

	// Close releases resources.
	Close() error
}

// Message is a received message.
type Message struct {
	Subject string
	Data    []byte
}

// Subscriber receives messages matching a subject prefix.
type Subscriber interface {
	// Subscribe returns a channel of messages for subjects under prefix.
	// The returned cancel function removes the subscription and closes
	// the channel.
	Subscribe(ctx context.Context, prefix string, buf int) (<-chan Message, func(), error)
}
