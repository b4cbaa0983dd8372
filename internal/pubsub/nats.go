package pubsub

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATSPublisherOptions configures the JetStream publisher.
type NATSPublisherOptions struct {
	// StreamName is the JetStream stream to ensure and publish into.
	StreamName string
	// SubjectPrefix is prepended to every published subject.
	SubjectPrefix string
}

// natsPublisher implements Publisher using NATS JetStream.
type natsPublisher struct {
	nc   *nats.Conn
	js   jetstream.JetStream
	opts NATSPublisherOptions
}

// NewNATSPublisher connects to NATS, ensures the stream exists and
// returns a JetStream-backed Publisher.
func NewNATSPublisher(ctx context.Context, url string, opts NATSPublisherOptions) (Publisher, error) {
	if opts.StreamName == "" {
		opts.StreamName = "POLYSYNC"
	}
	if opts.SubjectPrefix == "" {
		opts.SubjectPrefix = opts.StreamName
	}

	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create jetstream context: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     opts.StreamName,
		Subjects: []string{opts.SubjectPrefix + ".>"},
		Storage:  jetstream.FileStorage,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure stream %s: %w", opts.StreamName, err)
	}

	return &natsPublisher{nc: nc, js: js, opts: opts}, nil
}

// Publish sends a message to the specified subject under the stream prefix.
func (p *natsPublisher) Publish(ctx context.Context, subject string, data []byte) error {
	fullSubject := p.opts.SubjectPrefix + "." + subject
	if _, err := p.js.Publish(ctx, fullSubject, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", fullSubject, err)
	}
	return nil
}

// Close drains the underlying connection.
func (p *natsPublisher) Close() error {
	return p.nc.Drain()
}
