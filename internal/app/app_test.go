package app

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"mqtt-weatherstation/internal/config"
	"mqtt-weatherstation/internal/mqtt"
)

func TestRun_SerialOpenFailureIsFatal(t *testing.T) {
	cfg := config.Default()
	cfg.FQDN = "host.example"
	cfg.SerialDevice = filepath.Join(t.TempDir(), "ttyMissing")

	err := Run(context.Background(), cfg)
	if err == nil {
		t.Fatalf("Run() error = nil, want serial open failure")
	}
	if !strings.Contains(err.Error(), "open serial") {
		t.Errorf("Run() error = %v, want it to mention open serial", err)
	}
}

func TestWait(t *testing.T) {
	refused := &mqtt.RefusedError{Code: mqtt.AckNotAuthorized}
	readErr := errors.New("serial: end of stream")

	tests := []struct {
		name      string
		onRefused string
		session   error
		bridge    error
		cancel    bool
		wantDone  bool
		wantErr   error
	}{
		{name: "context done", cancel: true},
		{name: "bridge failure", bridge: readErr, wantDone: true, wantErr: readErr},
		{name: "refused exits", onRefused: config.RefusedExit, session: refused, wantErr: refused},
		{name: "refused idles until bridge stops", onRefused: config.RefusedIdle, session: refused, bridge: readErr, wantDone: true, wantErr: readErr},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			if tt.cancel {
				cancel()
			}

			sessionErr := make(chan error, 1)
			bridgeErr := make(chan error, 1)
			if tt.session != nil {
				sessionErr <- tt.session
			} else if tt.bridge != nil {
				bridgeErr <- tt.bridge
			}
			if tt.session != nil && tt.bridge != nil {
				bridgeErr <- tt.bridge
			}

			done, err := wait(ctx, tt.onRefused, sessionErr, bridgeErr, discardLogger())
			if done != tt.wantDone {
				t.Errorf("bridgeDone = %v, want %v", done, tt.wantDone)
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestWait_ShutdownBetweenFramesIsNotAnError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	bridgeErr := make(chan error, 1)
	bridgeErr <- context.Canceled

	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))

	_, err := wait(ctx, config.RefusedExit, make(chan error), bridgeErr, logger)
	if err != nil {
		t.Errorf("err = %v, want nil", err)
	}
	if bytes.Contains(logs.Bytes(), []byte("level=ERROR")) {
		t.Errorf("shutdown logged at ERROR:\n%s", logs.String())
	}
}

type recordedEvents struct {
	onConnect    func()
	onDisconnect func(error)
}

func (r *recordedEvents) SetOnConnect(fn func()) { r.onConnect = fn }
func (r *recordedEvents) SetOnDisconnect(fn func(error)) { r.onDisconnect = fn }

func TestWatchSession(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))
	events := &recordedEvents{}

	watchSession(events, logger)
	if events.onConnect == nil || events.onDisconnect == nil {
		t.Fatalf("callbacks not registered")
	}

	events.onConnect()
	events.onDisconnect(errors.New("connection reset by peer"))

	out := logs.String()
	if !bytes.Contains(logs.Bytes(), []byte(`level=INFO msg="broker connected, publishing readings"`)) {
		t.Errorf("connect not logged at INFO:\n%s", out)
	}
	if !bytes.Contains(logs.Bytes(), []byte("level=WARN")) || !bytes.Contains(logs.Bytes(), []byte("connection reset by peer")) {
		t.Errorf("disconnect not logged at WARN with the cause:\n%s", out)
	}
}
