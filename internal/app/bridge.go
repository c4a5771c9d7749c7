package app

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"unicode"

	"mqtt-weatherstation/internal/station"
	"mqtt-weatherstation/internal/utils"
)

// FrameSource yields raw device lines. NextFrame blocks until one is available.
type FrameSource interface {
	NextFrame() (string, error)
}

// Publisher is the part of the broker session the bridge needs.
type Publisher interface {
	Publish(topic string, payload []byte, retained bool) error
	IsConnected() bool
}

// Bridge pulls frames, decodes them and hands the resulting messages to the
// session. One frame is handled to completion before the next is read.
type Bridge struct {
	frames FrameSource
	pub    Publisher
	topics station.Topics
	parser station.Parser
	logger *slog.Logger
}

func NewBridge(frames FrameSource, pub Publisher, topics station.Topics, parser station.Parser, logger *slog.Logger) *Bridge {
	return &Bridge{
		frames: frames,
		pub:    pub,
		topics: topics,
		parser: parser,
		logger: logger,
	}
}

// Run reads frames until the source fails or ctx is done. Once ctx is done any
// read error is treated as the shutdown it caused and ctx.Err() is returned.
func (b *Bridge) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		line, err := b.frames.NextFrame()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		b.HandleFrame(line)
	}
}

// HandleFrame decodes a single line and publishes what it yields.
func (b *Bridge) HandleFrame(line string) {
	if strings.TrimSpace(line) == "" {
		return
	}

	frame, err := b.parser.Parse(line)
	if err != nil {
		if errors.Is(err, station.ErrMalformedFrame) {
			attrs := []any{"error", err}
			if !printable(line) {
				attrs = append(attrs, "data", utils.BytesToHex(latin1(line)))
			} else {
				attrs = append(attrs, "line", line)
			}
			b.logger.Debug("caught a null line", attrs...)
			return
		}
		b.logger.Warn("frame parse failed", "error", err)
		return
	}

	if frame.Kind == station.FrameReset {
		b.logger.Info("station reset detected")
	}

	msgs := b.topics.FrameMessages(frame)
	if !b.pub.IsConnected() {
		b.logger.Warn("broker offline, dropping frame",
			"kind", frame.Kind.String(),
			"messages", len(msgs),
		)
		return
	}

	for i, m := range msgs {
		if err := b.pub.Publish(m.Topic, []byte(m.Payload), m.Retained); err != nil {
			b.logger.Warn("publish failed, dropping rest of frame",
				"topic", m.Topic,
				"dropped", len(msgs)-i,
				"error", err,
			)
			return
		}
	}

	if frame.Kind == station.FrameReading {
		r := frame.Reading
		b.logger.Debug("reading published",
			"T", r.Temperature, "H", r.RelativeHumidity,
			"wind", r.WindVelocity, "gust", r.WindMaximum,
			"dir", r.WindDirection, "rain", r.Rainfall,
		)
	}
}

func printable(s string) bool {
	for _, r := range s {
		if !unicode.IsPrint(r) {
			return false
		}
	}
	return true
}

// latin1 turns a decoded frame back into the bytes the device sent.
func latin1(s string) []byte {
	out := make([]byte, 0, len(s))
	for _, r := range s {
		if r > 0xFF {
			r = '?'
		}
		out = append(out, byte(r))
	}
	return out
}
