package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is where the bridge looks for its config file when none is given.
const DefaultPath = "/etc/mqtt-weatherstation/mqtt-weatherstation.yaml"

// AppName identifies the bridge on the bus (presence topic, client id).
const AppName = "mqtt-weatherstation"

// Refusal actions for non-retryable broker refusals.
const (
	RefusedExit = "exit"
	RefusedIdle = "idle"
)

type Config struct {
	AppEnv   string
	LogLevel slog.Level
	Debug    bool
	LogFile  string

	SerialDevice string
	SerialBaud   int

	MQTTBroker    string
	MQTTPort      int
	MQTTClientID  string
	MQTTKeepAlive time.Duration

	// FQDN is used in every topic; empty means resolve from the host.
	FQDN string

	// OnRefused is RefusedExit or RefusedIdle.
	OnRefused string

	// TemperatureUnit is the set of characters trimmed from the temperature value.
	TemperatureUnit string
}

// fileConfig mirrors the YAML layout. Pointers distinguish "unset" from zero values.
type fileConfig struct {
	Global struct {
		AppEnv          string  `yaml:"app_env"`
		LogLevel        string  `yaml:"log_level"`
		Debug           bool    `yaml:"debug"`
		LogFile         string  `yaml:"logfile"`
		Serial          string  `yaml:"serial"`
		Baud            *int    `yaml:"baud"`
		MQTTHost        string  `yaml:"mqtt_host"`
		MQTTPort        *int    `yaml:"mqtt_port"`
		ClientID        string  `yaml:"client_id"`
		KeepAlive       string  `yaml:"keepalive"`
		FQDN            string  `yaml:"fqdn"`
		OnRefused       string  `yaml:"on_refused"`
		TemperatureUnit *string `yaml:"temperature_unit"`
	} `yaml:"global"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		AppEnv:          "dev",
		LogLevel:        slog.LevelInfo,
		SerialDevice:    "/dev/ttyUSB0",
		SerialBaud:      57600,
		MQTTBroker:      "localhost",
		MQTTPort:        1883,
		MQTTClientID:    fmt.Sprintf("%s_%d", AppName, os.Getpid()),
		MQTTKeepAlive:   60 * time.Second,
		OnRefused:       RefusedExit,
		TemperatureUnit: "`C",
	}
}

// Load reads the YAML file at path and then applies environment overrides.
// An empty path means DefaultPath, which may be absent.
func Load(path string) (Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := cfg.applyFile(data); err != nil {
			return Config{}, fmt.Errorf("config file %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist) && !explicit:
	default:
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyFile(data []byte) error {
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}
	g := fc.Global

	if s := strings.TrimSpace(g.AppEnv); s != "" {
		c.AppEnv = s
	}
	if s := strings.TrimSpace(g.LogLevel); s != "" {
		level, err := parseLogLevel(s)
		if err != nil {
			return err
		}
		c.LogLevel = level
	}
	c.Debug = g.Debug
	c.LogFile = strings.TrimSpace(g.LogFile)
	if s := strings.TrimSpace(g.Serial); s != "" {
		c.SerialDevice = s
	}
	if g.Baud != nil {
		c.SerialBaud = *g.Baud
	}
	if s := strings.TrimSpace(g.MQTTHost); s != "" {
		c.MQTTBroker = s
	}
	if g.MQTTPort != nil {
		c.MQTTPort = *g.MQTTPort
	}
	if s := strings.TrimSpace(g.ClientID); s != "" {
		c.MQTTClientID = s
	}
	if s := strings.TrimSpace(g.KeepAlive); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid keepalive %q: %w", s, err)
		}
		c.MQTTKeepAlive = d
	}
	c.FQDN = strings.TrimSpace(g.FQDN)
	if s := strings.TrimSpace(g.OnRefused); s != "" {
		c.OnRefused = strings.ToLower(s)
	}
	if g.TemperatureUnit != nil {
		c.TemperatureUnit = *g.TemperatureUnit
	}
	return nil
}

func (c *Config) applyEnv() error {
	if s := strings.TrimSpace(os.Getenv("APP_ENV")); s != "" {
		c.AppEnv = s
	}

	if s := strings.TrimSpace(os.Getenv("LOG_LEVEL")); s != "" {
		level, err := parseLogLevel(s)
		if err != nil {
			return err
		}
		c.LogLevel = level
	}

	if s := strings.TrimSpace(os.Getenv("SERIAL_DEVICE")); s != "" {
		c.SerialDevice = s
	}

	if s := strings.TrimSpace(os.Getenv("SERIAL_BAUD")); s != "" {
		baud, err := strconv.Atoi(s)
		if err != nil {
			return fmt.Errorf("invalid SERIAL_BAUD %q: %w", s, err)
		}
		c.SerialBaud = baud
	}

	if s := strings.TrimSpace(os.Getenv("MQTT_BROKER")); s != "" {
		c.MQTTBroker = s
	}

	if s := strings.TrimSpace(os.Getenv("MQTT_PORT")); s != "" {
		port, err := strconv.Atoi(s)
		if err != nil {
			return fmt.Errorf("invalid MQTT_PORT %q: %w", s, err)
		}
		c.MQTTPort = port
	}

	if s := strings.TrimSpace(os.Getenv("MQTT_CLIENT_ID")); s != "" {
		c.MQTTClientID = s
	}
	return nil
}

func (c *Config) validate() error {
	switch c.AppEnv {
	case "dev", "prod":
	default:
		return fmt.Errorf("invalid APP_ENV %q (allowed: dev, prod)", c.AppEnv)
	}
	if c.Debug {
		c.LogLevel = slog.LevelDebug
	}
	if c.SerialDevice == "" {
		return errors.New("serial device must be set")
	}
	if c.SerialBaud <= 0 {
		return fmt.Errorf("baud must be positive, got %d", c.SerialBaud)
	}
	if c.MQTTPort <= 0 || c.MQTTPort > 65535 {
		return fmt.Errorf("mqtt_port out of range: %d", c.MQTTPort)
	}
	if c.MQTTKeepAlive <= 0 {
		return fmt.Errorf("keepalive must be positive, got %v", c.MQTTKeepAlive)
	}
	switch c.OnRefused {
	case RefusedExit, RefusedIdle:
	default:
		return fmt.Errorf("invalid on_refused %q (allowed: exit, idle)", c.OnRefused)
	}
	return nil
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid LOG_LEVEL %q (allowed: debug, info, warn, error)", s)
	}
}
