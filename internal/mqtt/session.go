package mqtt

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Presence payloads and the query that asks for a fresh one.
const (
	PresenceOnline  = "1"
	PresenceOffline = "0"
	StatusQuery     = "status?"
)

const defaultDisconnectQuiesce = 250 * time.Millisecond

type Options struct {
	// PresenceTopic carries the retained online/offline state and the will.
	PresenceTopic string

	ConnectRetry      time.Duration
	UnavailableRetry  time.Duration
	ReconnectDelay    time.Duration
	DisconnectQuiesce time.Duration
}

func (o *Options) setDefaults() {
	if o.ConnectRetry <= 0 {
		o.ConnectRetry = DefaultConnectRetry
	}
	if o.UnavailableRetry <= 0 {
		o.UnavailableRetry = DefaultUnavailableRetry
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = DefaultReconnectDelay
	}
	if o.DisconnectQuiesce <= 0 {
		o.DisconnectQuiesce = defaultDisconnectQuiesce
	}
}

// Session owns the broker connection and its state machine:
//
//	Disconnected -> Connecting -> Connected -> Reconnecting -> Connecting ...
//
// State changes only on Run's goroutine (and finally in Close). Publish may be
// called from any goroutine; it fails fast unless the session is Connected.
type Session struct {
	opts   Options
	broker Broker
	logger *slog.Logger

	// wait blocks for a backoff; replaced in tests.
	wait func(ctx context.Context, d time.Duration) error

	mu    sync.RWMutex
	state State

	// Publishes hold the read side; Close takes the write side so an
	// in-flight publish finishes before the offline presence goes out.
	inflight sync.RWMutex

	lost chan error

	ready     chan struct{}
	readyOnce sync.Once

	stopCh    chan struct{}
	stopOnce  sync.Once
	closeOnce sync.Once
	started   atomic.Bool
	runDone   chan struct{}

	subMu sync.Mutex
	subs  map[string]MessageHandler

	callbackMu   sync.RWMutex
	onConnect    func()
	onDisconnect func(err error)
}

func NewSession(opts Options, broker Broker, logger *slog.Logger) *Session {
	opts.setDefaults()

	s := &Session{
		opts:    opts,
		broker:  broker,
		logger:  logger,
		wait:    sleepCtx,
		state:   StateDisconnected,
		lost:    make(chan error, 1),
		ready:   make(chan struct{}),
		stopCh:  make(chan struct{}),
		runDone: make(chan struct{}),
		subs:    make(map[string]MessageHandler),
	}
	s.subs[opts.PresenceTopic] = s.answerStatusQuery

	broker.SetConnectionLostHandler(s.connectionLost)
	return s
}

// Run drives the connection until ctx ends, Close is called, or the broker
// refuses the session for good, in which case a *RefusedError is returned.
func (s *Session) Run(ctx context.Context) error {
	s.started.Store(true)
	defer close(s.runDone)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		// A drop reported by an earlier connection is stale now.
		select {
		case <-s.lost:
		default:
		}

		s.setState(StateConnecting)
		// The will has to be registered before the handshake, not after.
		s.broker.SetWill(s.opts.PresenceTopic, []byte(PresenceOffline), true)

		s.logger.Debug("connecting to broker")
		code, err := s.broker.Connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Info("connection failed, retrying",
				"error", err,
				"retry_in", s.opts.ConnectRetry,
			)
			if err := s.wait(ctx, s.opts.ConnectRetry); err != nil {
				return err
			}
			continue
		}

		s.logger.Debug("connack received", "code", byte(code))
		out := outcomeFor(code)

		switch {
		case out.next == StateConnected:
			s.handleConnected()

			select {
			case <-ctx.Done():
				return ctx.Err()
			case err := <-s.lost:
				s.setState(StateReconnecting)
				s.logger.Warn("unexpected disconnection, reconnecting",
					"error", err,
					"retry_in", s.opts.ReconnectDelay,
				)
				s.notifyDisconnect(err)
				if err := s.wait(ctx, s.opts.ReconnectDelay); err != nil {
					return err
				}
			}

		case out.retry:
			s.setState(StateReconnecting)
			s.logger.Info("connection refused, retrying",
				"reason", code.String(),
				"retry_in", s.opts.UnavailableRetry,
			)
			if err := s.wait(ctx, s.opts.UnavailableRetry); err != nil {
				return err
			}

		default:
			s.setState(StateDisconnected)
			if code > AckNotAuthorized {
				s.logger.Warn("connection refused with unknown code", "code", byte(code))
			} else {
				s.logger.Info("connection refused", "reason", code.String())
			}
			return &RefusedError{Code: code}
		}
	}
}

func (s *Session) handleConnected() {
	s.setState(StateConnected)
	s.logger.Info("connected to broker")

	if err := s.broker.Publish(s.opts.PresenceTopic, []byte(PresenceOnline), true); err != nil {
		s.logger.Warn("failed to publish presence", "topic", s.opts.PresenceTopic, "error", err)
	}

	s.restoreSubscriptions()
	s.readyOnce.Do(func() { close(s.ready) })

	s.callbackMu.RLock()
	callback := s.onConnect
	s.callbackMu.RUnlock()
	if callback != nil {
		callback()
	}
}

func (s *Session) notifyDisconnect(err error) {
	s.callbackMu.RLock()
	callback := s.onDisconnect
	s.callbackMu.RUnlock()
	if callback != nil {
		callback(err)
	}
}

func (s *Session) connectionLost(err error) {
	select {
	case s.lost <- err:
	default:
	}
}

func (s *Session) restoreSubscriptions() {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	for topic, handler := range s.subs {
		if err := s.broker.Subscribe(topic, handler); err != nil {
			s.logger.Warn("failed to subscribe", "topic", topic, "error", err)
		}
	}
}

// answerStatusQuery republishes the online presence when someone asks for it.
func (s *Session) answerStatusQuery(topic string, payload []byte) {
	if string(payload) != StatusQuery {
		return
	}
	s.logger.Debug("status query received", "topic", topic)
	if err := s.Publish(s.opts.PresenceTopic, []byte(PresenceOnline), true); err != nil {
		s.logger.Warn("failed to answer status query", "error", err)
	}
}

// Publish sends one message. It returns ErrNotConnected unless the session is
// Connected; nothing is queued.
func (s *Session) Publish(topic string, payload []byte, retained bool) error {
	s.inflight.RLock()
	defer s.inflight.RUnlock()

	if s.isStopped() {
		return ErrSessionClosed
	}
	if s.State() != StateConnected {
		return ErrNotConnected
	}
	return s.broker.Publish(topic, payload, retained)
}

// Subscribe registers handler for topic. The subscription is made now when
// connected and again after every reconnect.
func (s *Session) Subscribe(topic string, handler MessageHandler) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if handler == nil {
		return errors.New("mqtt: handler cannot be nil")
	}

	s.subMu.Lock()
	s.subs[topic] = handler
	s.subMu.Unlock()

	if s.State() != StateConnected {
		return nil
	}
	return s.broker.Subscribe(topic, handler)
}

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) IsConnected() bool {
	return s.State() == StateConnected
}

// Ready is closed the first time the session reaches Connected.
func (s *Session) Ready() <-chan struct{} {
	return s.ready
}

// SetOnConnect sets a callback invoked on every successful connect.
func (s *Session) SetOnConnect(callback func()) {
	s.callbackMu.Lock()
	s.onConnect = callback
	s.callbackMu.Unlock()
}

// SetOnDisconnect sets a callback invoked when an established connection drops.
func (s *Session) SetOnDisconnect(callback func(err error)) {
	s.callbackMu.Lock()
	s.onDisconnect = callback
	s.callbackMu.Unlock()
}

// Close stops Run, waits for any in-flight publish, publishes the retained
// offline presence if connected and disconnects cleanly. Idempotent.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.stopOnce.Do(func() { close(s.stopCh) })
		if s.started.Load() {
			<-s.runDone
		}

		s.inflight.Lock()
		defer s.inflight.Unlock()

		if s.State() == StateConnected {
			s.logger.Info("disconnecting from broker")
			if err := s.broker.Publish(s.opts.PresenceTopic, []byte(PresenceOffline), true); err != nil {
				s.logger.Warn("failed to publish offline presence", "error", err)
			}
		}

		s.broker.Disconnect(s.opts.DisconnectQuiesce)
		s.setState(StateDisconnected)
		s.logger.Info("mqtt disconnected")
	})
}

func (s *Session) isStopped() bool {
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}

func (s *Session) setState(next State) {
	s.mu.Lock()
	prev := s.state
	s.state = next
	s.mu.Unlock()

	if prev != next {
		s.logger.Debug("session state", "from", prev.String(), "to", next.String())
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
