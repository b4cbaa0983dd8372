package pubsub

import "context"

// fanout publishes every message to all wrapped publishers.
type fanout struct {
	pubs []Publisher
}

// NewFanout combines publishers into one. Publishing continues past
// individual failures; the first error is returned.
func NewFanout(pubs ...Publisher) Publisher {
	return &fanout{pubs: pubs}
}

func (f *fanout) Publish(ctx context.Context, subject string, data []byte) error {
	var firstErr error
	for _, pub := range f.pubs {
		if err := pub.Publish(ctx, subject, data); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (f *fanout) Close() error {
	var firstErr error
	for _, pub := range f.pubs {
		if err := pub.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
