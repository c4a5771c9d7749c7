package mqtt

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned when publishing while the session is not Connected.
	ErrNotConnected = errors.New("mqtt: client not connected")

	// ErrSessionClosed is returned once Close has been called.
	ErrSessionClosed = errors.New("mqtt: session closed")

	// ErrTransport marks a connect attempt that failed below the MQTT layer
	// (dial, TLS, timeout) and never produced an acknowledgement code.
	ErrTransport = errors.New("mqtt: transport failure")

	// ErrInvalidTopic is returned for an empty topic.
	ErrInvalidTopic = errors.New("mqtt: topic cannot be empty")
)

// RefusedError is returned by Session.Run when the broker refuses the
// connection with a code that retrying cannot fix.
type RefusedError struct {
	Code AckCode
}

func (e *RefusedError) Error() string {
	return fmt.Sprintf("mqtt: connection refused: %s (code %d)", e.Code, byte(e.Code))
}
