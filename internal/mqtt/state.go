package mqtt

import "time"

// State is the session's connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// AckCode is the MQTT 3.1.1 CONNACK return code.
type AckCode byte

const (
	AckAccepted           AckCode = 0
	AckBadProtocolVersion AckCode = 1
	AckIdentifierRejected AckCode = 2
	AckServerUnavailable  AckCode = 3
	AckBadCredentials     AckCode = 4
	AckNotAuthorized      AckCode = 5
)

func (c AckCode) String() string {
	switch c {
	case AckAccepted:
		return "accepted"
	case AckBadProtocolVersion:
		return "unacceptable protocol version"
	case AckIdentifierRejected:
		return "identifier rejected"
	case AckServerUnavailable:
		return "server unavailable"
	case AckBadCredentials:
		return "bad user name or password"
	case AckNotAuthorized:
		return "not authorised"
	default:
		return "unknown return code"
	}
}

// Backoffs between connection attempts.
const (
	DefaultConnectRetry     = 10 * time.Second
	DefaultUnavailableRetry = 30 * time.Second
	DefaultReconnectDelay   = 5 * time.Second
)

// ackOutcome is what the session does after a CONNACK.
type ackOutcome struct {
	next  State
	retry bool
}

func outcomeFor(code AckCode) ackOutcome {
	switch code {
	case AckAccepted:
		return ackOutcome{next: StateConnected}
	case AckServerUnavailable:
		return ackOutcome{next: StateReconnecting, retry: true}
	default:
		return ackOutcome{next: StateDisconnected}
	}
}
