package messaging

import (
	"context"
)

// Broker carries record-store change events between the writing side and
// the delivery pipeline. Subscribe returns a channel that is closed when
// the subscription is torn down (context cancellation or Close).
type Broker interface {
	Publish(ctx context.Context, channel string, message interface{}) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	Close() error
}
