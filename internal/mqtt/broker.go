package mqtt

import (
	"context"
	"time"
)

// MessageHandler receives messages for a subscription.
type MessageHandler func(topic string, payload []byte)

// Broker is the wire-level client a Session drives. It does no reconnecting
// of its own; every connect attempt and its outcome belongs to the Session.
type Broker interface {
	// SetWill registers the last-will message used by the next Connect.
	SetWill(topic string, payload []byte, retained bool)

	// SetConnectionLostHandler is called when an established connection drops
	// without a local Disconnect.
	SetConnectionLostHandler(func(error))

	// Connect makes one attempt. A non-nil error wrapping ErrTransport means
	// no acknowledgement was received; otherwise the broker's code is returned.
	Connect(ctx context.Context) (AckCode, error)

	Publish(topic string, payload []byte, retained bool) error
	Subscribe(topic string, handler MessageHandler) error

	// Disconnect closes cleanly, waiting up to quiesce for in-flight work.
	Disconnect(quiesce time.Duration)
}
