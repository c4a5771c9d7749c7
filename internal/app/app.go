package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"mqtt-weatherstation/internal/config"
	"mqtt-weatherstation/internal/mqtt"
	"mqtt-weatherstation/internal/serial"
	"mqtt-weatherstation/internal/station"
	"mqtt-weatherstation/internal/utils"
)

// Run wires the serial reader, the bridge and the broker session, and blocks
// until ctx is done or something fatal happens. On return the port is closed,
// the bridge has stopped and the session has gone offline cleanly.
func Run(ctx context.Context, cfg config.Config) error {
	logger := slog.Default()

	fqdn := cfg.FQDN
	if fqdn == "" {
		var err error
		if fqdn, err = utils.FQDN(); err != nil {
			return err
		}
	}

	logger.Info("initializing bridge",
		"fqdn", fqdn,
		"serial", cfg.SerialDevice,
		"baud", cfg.SerialBaud,
		"mqtt_broker", cfg.MQTTBroker,
		"mqtt_port", cfg.MQTTPort,
		"mqtt_client_id", cfg.MQTTClientID,
	)

	reader, err := serial.Open(serial.Config{Device: cfg.SerialDevice, Baud: cfg.SerialBaud})
	if err != nil {
		return fmt.Errorf("open serial: %w", err)
	}

	mqttLogger := logger.With("component", "mqtt")
	client := mqtt.NewClient(mqtt.ClientConfig{
		Host:      cfg.MQTTBroker,
		Port:      cfg.MQTTPort,
		ClientID:  cfg.MQTTClientID,
		KeepAlive: cfg.MQTTKeepAlive,
		Debug:     cfg.Debug,
	}, mqttLogger)
	session := mqtt.NewSession(mqtt.Options{
		PresenceTopic: station.PresenceTopic(fqdn, config.AppName),
	}, client, mqttLogger)

	bridgeLogger := logger.With("component", "bridge")
	bridge := NewBridge(
		reader,
		session,
		station.NewTopics(fqdn),
		station.Parser{TemperatureUnit: cfg.TemperatureUnit},
		bridgeLogger,
	)
	watchSession(session, bridgeLogger)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sessionErr := make(chan error, 1)
	go func() { sessionErr <- session.Run(runCtx) }()

	bridgeErr := make(chan error, 1)
	go func() { bridgeErr <- bridge.Run(runCtx) }()

	bridgeDone, result := wait(ctx, cfg.OnRefused, sessionErr, bridgeErr, logger)

	// Shutdown: closing the port unblocks the pending read; the bridge finishes
	// the frame it is on before the session publishes offline and disconnects.
	logger.Info("bridge shutting down")
	cancel()
	if err := reader.Close(); err != nil {
		logger.Warn("closing serial port", "error", err)
	}
	if !bridgeDone {
		<-bridgeErr
	}
	session.Close()

	return result
}

// wait blocks until the process should shut down and reports why. bridgeDone
// is true when the bridge has already returned.
func wait(ctx context.Context, onRefused string, sessionErr, bridgeErr <-chan error, logger *slog.Logger) (bridgeDone bool, err error) {
	select {
	case <-ctx.Done():
		return false, nil

	case err := <-bridgeErr:
		return true, bridgeStopped(ctx, err, logger)

	case err := <-sessionErr:
		var refused *mqtt.RefusedError
		if !errors.As(err, &refused) {
			// Run only returns otherwise when its context ends.
			return false, nil
		}
		if onRefused != config.RefusedIdle {
			return false, err
		}

		logger.Warn("broker refused the session, idling until stopped", "error", err)
		select {
		case <-ctx.Done():
			return false, nil
		case err := <-bridgeErr:
			return true, bridgeStopped(ctx, err, logger)
		}
	}
}

// bridgeStopped reports a bridge exit. After ctx is done the exit is the
// shutdown itself and not an error.
func bridgeStopped(ctx context.Context, err error, logger *slog.Logger) error {
	if ctx.Err() != nil {
		return nil
	}
	logger.Error("frame reader stopped", "error", err)
	return err
}

// sessionEvents is the callback side of a broker session.
type sessionEvents interface {
	SetOnConnect(func())
	SetOnDisconnect(func(error))
}

// watchSession logs when readings start flowing to the bus and when they
// start being dropped.
func watchSession(s sessionEvents, logger *slog.Logger) {
	s.SetOnConnect(func() {
		logger.Info("broker connected, publishing readings")
	})
	s.SetOnDisconnect(func(err error) {
		logger.Warn("broker lost, dropping readings until reconnected", "error", err)
	})
}
