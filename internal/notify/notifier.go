package notify

import "context"

// Notifier delivers a short out-of-band notification.
type Notifier interface {
	Send(ctx context.Context, title, body string) error
}

// NoOpNotifier does nothing.
type NoOpNotifier struct{}

func (n *NoOpNotifier) Send(ctx context.Context, title, body string) error {
	return nil
}
