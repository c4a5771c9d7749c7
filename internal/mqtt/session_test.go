package mqtt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

const testPresence = "clients/host.example/mqtt-weatherstation/state"

type connectResult struct {
	code AckCode
	err  error
}

// fakeBroker plays back scripted connect results and records every call.
type fakeBroker struct {
	mu       sync.Mutex
	script   []connectResult
	connects int
	open     bool
	calls    []string
	handlers map[string]MessageHandler
	onLost   func(error)
}

func newFakeBroker(script ...connectResult) *fakeBroker {
	return &fakeBroker{script: script, handlers: make(map[string]MessageHandler)}
}

func (f *fakeBroker) record(call string) {
	f.calls = append(f.calls, call)
}

func (f *fakeBroker) SetWill(topic string, payload []byte, retained bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(fmt.Sprintf("will %s=%s retained=%t", topic, payload, retained))
}

func (f *fakeBroker) SetConnectionLostHandler(fn func(error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onLost = fn
}

func (f *fakeBroker) Connect(ctx context.Context) (AckCode, error) {
	f.mu.Lock()
	i := f.connects
	f.connects++
	f.record("connect")
	if i < len(f.script) {
		r := f.script[i]
		if r.err == nil && r.code == AckAccepted {
			f.open = true
		}
		f.mu.Unlock()
		return r.code, r.err
	}
	f.mu.Unlock()

	<-ctx.Done()
	return 0, ctx.Err()
}

func (f *fakeBroker) Publish(topic string, payload []byte, retained bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.open {
		return ErrNotConnected
	}
	f.record(fmt.Sprintf("publish %s=%s retained=%t", topic, payload, retained))
	return nil
}

func (f *fakeBroker) Subscribe(topic string, handler MessageHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.open {
		return ErrNotConnected
	}
	f.handlers[topic] = handler
	f.record("subscribe " + topic)
	return nil
}

func (f *fakeBroker) Disconnect(time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.open = false
	f.record("disconnect")
}

// drop simulates the network going away under an open connection.
func (f *fakeBroker) drop(err error) {
	f.mu.Lock()
	f.open = false
	onLost := f.onLost
	f.mu.Unlock()
	onLost(err)
}

// deliver simulates an inbound message.
func (f *fakeBroker) deliver(topic, payload string) {
	f.mu.Lock()
	h := f.handlers[topic]
	f.mu.Unlock()
	h(topic, []byte(payload))
}

func (f *fakeBroker) snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeBroker) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

func (f *fakeBroker) presencePublishes() []string {
	var out []string
	for _, c := range f.snapshot() {
		if rest, ok := strings.CutPrefix(c, "publish "+testPresence+"="); ok {
			out = append(out, rest)
		}
	}
	return out
}

// waits records backoffs instead of sleeping.
type waits struct {
	mu  sync.Mutex
	got []time.Duration
}

func (w *waits) wait(ctx context.Context, d time.Duration) error {
	w.mu.Lock()
	w.got = append(w.got, d)
	w.mu.Unlock()
	return ctx.Err()
}

func (w *waits) snapshot() []time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]time.Duration(nil), w.got...)
}

func newTestSession(broker Broker) (*Session, *waits) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := NewSession(Options{PresenceTopic: testPresence}, broker, logger)
	w := &waits{}
	s.wait = w.wait
	return s, w
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func startSession(t *testing.T, s *Session) (cancel func(), done <-chan error) {
	t.Helper()
	ctx, cancelFn := context.WithCancel(context.Background())
	ch := make(chan error, 1)
	go func() { ch <- s.Run(ctx) }()
	t.Cleanup(func() {
		cancelFn()
		s.Close()
	})
	return cancelFn, ch
}

func awaitReady(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Ready():
	case <-time.After(2 * time.Second):
		t.Fatalf("session never became ready, state = %v", s.State())
	}
}

func TestOutcomeFor(t *testing.T) {
	tests := []struct {
		code      AckCode
		wantState State
		wantRetry bool
	}{
		{code: AckAccepted, wantState: StateConnected},
		{code: AckBadProtocolVersion, wantState: StateDisconnected},
		{code: AckIdentifierRejected, wantState: StateDisconnected},
		{code: AckServerUnavailable, wantState: StateReconnecting, wantRetry: true},
		{code: AckBadCredentials, wantState: StateDisconnected},
		{code: AckNotAuthorized, wantState: StateDisconnected},
		{code: AckCode(42), wantState: StateDisconnected},
	}

	for _, tt := range tests {
		t.Run(tt.code.String(), func(t *testing.T) {
			got := outcomeFor(tt.code)
			if got.next != tt.wantState {
				t.Errorf("next = %v, want %v", got.next, tt.wantState)
			}
			if got.retry != tt.wantRetry {
				t.Errorf("retry = %v, want %v", got.retry, tt.wantRetry)
			}
		})
	}
}

func TestSession_AcceptedPublishesPresence(t *testing.T) {
	broker := newFakeBroker(connectResult{code: AckAccepted})
	s, w := newTestSession(broker)

	startSession(t, s)
	awaitReady(t, s)

	if s.State() != StateConnected {
		t.Fatalf("State() = %v, want %v", s.State(), StateConnected)
	}
	calls := broker.snapshot()
	want := []string{
		"will " + testPresence + "=0 retained=true",
		"connect",
		"publish " + testPresence + "=1 retained=true",
		"subscribe " + testPresence,
	}
	if len(calls) < len(want) {
		t.Fatalf("calls = %q, want prefix %q", calls, want)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("calls[%d] = %q, want %q", i, calls[i], want[i])
		}
	}
	if got := w.snapshot(); len(got) != 0 {
		t.Errorf("waits = %v, want none", got)
	}
}

func TestSession_NonRetryableRefusals(t *testing.T) {
	codes := []AckCode{
		AckBadProtocolVersion,
		AckIdentifierRejected,
		AckBadCredentials,
		AckNotAuthorized,
		AckCode(9),
	}

	for _, code := range codes {
		t.Run(code.String(), func(t *testing.T) {
			broker := newFakeBroker(connectResult{code: code}, connectResult{code: AckAccepted})
			s, w := newTestSession(broker)

			err := s.Run(context.Background())

			var refused *RefusedError
			if !errors.As(err, &refused) {
				t.Fatalf("Run() error = %v, want *RefusedError", err)
			}
			if refused.Code != code {
				t.Errorf("RefusedError.Code = %d, want %d", refused.Code, code)
			}
			if s.State() != StateDisconnected {
				t.Errorf("State() = %v, want %v", s.State(), StateDisconnected)
			}
			if n := broker.connectCount(); n != 1 {
				t.Errorf("connect attempts = %d, want 1", n)
			}
			if got := broker.presencePublishes(); len(got) != 0 {
				t.Errorf("presence publishes = %q, want none", got)
			}
			if got := w.snapshot(); len(got) != 0 {
				t.Errorf("waits = %v, want none", got)
			}
		})
	}
}

func TestSession_ServerUnavailableRetriesAfter30s(t *testing.T) {
	broker := newFakeBroker(
		connectResult{code: AckServerUnavailable},
		connectResult{code: AckAccepted},
	)
	s, w := newTestSession(broker)

	var states []State
	var statesMu sync.Mutex
	s.SetOnConnect(func() {
		statesMu.Lock()
		states = append(states, s.State())
		statesMu.Unlock()
	})

	startSession(t, s)
	awaitReady(t, s)

	if got := w.snapshot(); len(got) != 1 || got[0] != 30*time.Second {
		t.Errorf("waits = %v, want [30s]", got)
	}

	calls := broker.snapshot()
	firstPresence := -1
	secondConnect := -1
	connects := 0
	for i, c := range calls {
		if c == "connect" {
			connects++
			if connects == 2 {
				secondConnect = i
			}
		}
		if firstPresence < 0 && strings.HasPrefix(c, "publish "+testPresence) {
			firstPresence = i
		}
	}
	if secondConnect < 0 || firstPresence < secondConnect {
		t.Errorf("presence published before the accepted connect: %q", calls)
	}

	statesMu.Lock()
	defer statesMu.Unlock()
	if len(states) != 1 || states[0] != StateConnected {
		t.Errorf("onConnect states = %v, want [connected]", states)
	}
}

func TestSession_ServerUnavailableIsReconnecting(t *testing.T) {
	broker := newFakeBroker(connectResult{code: AckServerUnavailable})
	s, _ := newTestSession(broker)

	block := make(chan struct{})
	entered := make(chan struct{})
	s.wait = func(ctx context.Context, d time.Duration) error {
		close(entered)
		select {
		case <-block:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	startSession(t, s)
	<-entered

	if s.State() != StateReconnecting {
		t.Errorf("State() = %v, want %v", s.State(), StateReconnecting)
	}
	if err := s.Publish("raw/x", []byte("1"), false); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Publish() error = %v, want ErrNotConnected", err)
	}
	close(block)
}

func TestSession_TransportFailureRetriesEvery10s(t *testing.T) {
	dial := fmt.Errorf("%w: dial tcp: connection refused", ErrTransport)
	broker := newFakeBroker(
		connectResult{err: dial},
		connectResult{err: dial},
		connectResult{code: AckAccepted},
	)
	s, w := newTestSession(broker)

	startSession(t, s)
	awaitReady(t, s)

	got := w.snapshot()
	if len(got) != 2 || got[0] != 10*time.Second || got[1] != 10*time.Second {
		t.Errorf("waits = %v, want [10s 10s]", got)
	}
	if n := broker.connectCount(); n != 3 {
		t.Errorf("connect attempts = %d, want 3", n)
	}
}

func TestSession_WillRegisteredBeforeEveryConnect(t *testing.T) {
	broker := newFakeBroker(
		connectResult{err: ErrTransport},
		connectResult{code: AckAccepted},
	)
	s, _ := newTestSession(broker)

	startSession(t, s)
	awaitReady(t, s)

	calls := broker.snapshot()
	for i, c := range calls {
		if c != "connect" {
			continue
		}
		if i == 0 || !strings.HasPrefix(calls[i-1], "will "+testPresence+"=0") {
			t.Errorf("connect at %d not preceded by will: %q", i, calls)
		}
	}
}

func TestSession_UnexpectedDropReconnectsAfter5s(t *testing.T) {
	broker := newFakeBroker(
		connectResult{code: AckAccepted},
		connectResult{code: AckAccepted},
	)
	s, w := newTestSession(broker)

	var lostErr error
	var lostMu sync.Mutex
	s.SetOnDisconnect(func(err error) {
		lostMu.Lock()
		lostErr = err
		lostMu.Unlock()
	})

	startSession(t, s)
	awaitReady(t, s)

	broker.drop(errors.New("connection reset by peer"))

	waitFor(t, "second connect", func() bool { return broker.connectCount() == 2 })
	waitFor(t, "second presence", func() bool { return len(broker.presencePublishes()) == 2 })

	if got := w.snapshot(); len(got) != 1 || got[0] != 5*time.Second {
		t.Errorf("waits = %v, want [5s]", got)
	}
	if got := broker.presencePublishes(); got[0] != "1 retained=true" || got[1] != "1 retained=true" {
		t.Errorf("presence publishes = %q, want two online", got)
	}

	lostMu.Lock()
	defer lostMu.Unlock()
	if lostErr == nil {
		t.Errorf("onDisconnect not called")
	}
}

func TestSession_CloseSendsOfflineExactlyOnce(t *testing.T) {
	broker := newFakeBroker(connectResult{code: AckAccepted})
	s, _ := newTestSession(broker)

	_, done := startSession(t, s)
	awaitReady(t, s)

	s.Close()
	s.Close()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run() error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after Close")
	}

	presence := broker.presencePublishes()
	offline := 0
	for _, p := range presence {
		if p == "0 retained=true" {
			offline++
		}
	}
	if offline != 1 {
		t.Errorf("offline publishes = %d, want 1 (%q)", offline, presence)
	}

	calls := broker.snapshot()
	n := len(calls)
	if n < 2 || calls[n-1] != "disconnect" || calls[n-2] != "publish "+testPresence+"=0 retained=true" {
		t.Errorf("calls = %q, want offline presence then disconnect at the end", calls)
	}
	if s.State() != StateDisconnected {
		t.Errorf("State() = %v, want %v", s.State(), StateDisconnected)
	}
}

func TestSession_CloseWhileConnectingSkipsPresence(t *testing.T) {
	broker := newFakeBroker()
	s, _ := newTestSession(broker)

	startSession(t, s)
	waitFor(t, "connect attempt", func() bool { return broker.connectCount() == 1 })

	s.Close()

	if got := broker.presencePublishes(); len(got) != 0 {
		t.Errorf("presence publishes = %q, want none", got)
	}
	calls := broker.snapshot()
	if calls[len(calls)-1] != "disconnect" {
		t.Errorf("last call = %q, want disconnect", calls[len(calls)-1])
	}
}

func TestSession_PublishStates(t *testing.T) {
	broker := newFakeBroker(connectResult{code: AckAccepted})
	s, _ := newTestSession(broker)

	if err := s.Publish("raw/host/weatherstationFSK/temperature", []byte("21.5"), false); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Publish() before Run error = %v, want ErrNotConnected", err)
	}

	startSession(t, s)
	awaitReady(t, s)

	if err := s.Publish("raw/host/weatherstationFSK/temperature", []byte("21.5"), false); err != nil {
		t.Fatalf("Publish() while connected error = %v", err)
	}

	s.Close()
	if err := s.Publish("raw/host/weatherstationFSK/temperature", []byte("21.5"), false); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Publish() after Close error = %v, want ErrSessionClosed", err)
	}
}

func TestSession_AnswersStatusQuery(t *testing.T) {
	broker := newFakeBroker(connectResult{code: AckAccepted})
	s, _ := newTestSession(broker)

	startSession(t, s)
	awaitReady(t, s)

	broker.deliver(testPresence, "1")
	if got := broker.presencePublishes(); len(got) != 1 {
		t.Fatalf("presence publishes after own echo = %q, want 1", got)
	}

	broker.deliver(testPresence, "status?")
	got := broker.presencePublishes()
	if len(got) != 2 || got[1] != "1 retained=true" {
		t.Errorf("presence publishes = %q, want a second online", got)
	}
}

func TestSession_SubscriptionsRestoredOnReconnect(t *testing.T) {
	broker := newFakeBroker(
		connectResult{code: AckAccepted},
		connectResult{code: AckAccepted},
	)
	s, _ := newTestSession(broker)

	if err := s.Subscribe("raw/host/weatherstationFSK/cmd", func(string, []byte) {}); err != nil {
		t.Fatalf("Subscribe() before connect error = %v", err)
	}

	startSession(t, s)
	awaitReady(t, s)
	broker.drop(errors.New("eof"))
	waitFor(t, "reconnect", func() bool { return broker.connectCount() == 2 })
	waitFor(t, "resubscribe", func() bool {
		n := 0
		for _, c := range broker.snapshot() {
			if c == "subscribe raw/host/weatherstationFSK/cmd" {
				n++
			}
		}
		return n == 2
	})
}

func TestSession_SubscribeValidation(t *testing.T) {
	s, _ := newTestSession(newFakeBroker())

	if err := s.Subscribe("", func(string, []byte) {}); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("Subscribe(\"\") error = %v, want ErrInvalidTopic", err)
	}
	if err := s.Subscribe("a/b", nil); err == nil {
		t.Errorf("Subscribe(nil handler) error = nil, want non-nil")
	}
}

func TestRefusedError(t *testing.T) {
	err := error(&RefusedError{Code: AckBadCredentials})
	if !strings.Contains(err.Error(), "bad user name or password") {
		t.Errorf("Error() = %q, want reason", err.Error())
	}
}
