package serial

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"

	"go.bug.st/serial"
)

var (
	// ErrEndOfStream is returned once the device stops producing data.
	ErrEndOfStream = errors.New("serial: end of stream")

	// ErrClosed is returned by NextFrame after Close.
	ErrClosed = errors.New("serial: reader closed")
)

type Config struct {
	Device string
	Baud   int
}

// Reader pulls newline-terminated frames off the station's serial line.
// It owns the port; Close unblocks a pending NextFrame.
type Reader struct {
	port   io.ReadCloser
	r      *bufio.Reader
	closed atomic.Bool
}

// Open opens the device 8N1 at the configured baud rate and discards anything
// the driver buffered before we got here, so half a frame from a previous
// run is never read as ours.
func Open(cfg Config) (*Reader, error) {
	port, err := serial.Open(cfg.Device, &serial.Mode{
		BaudRate: cfg.Baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s at %d baud: %w", cfg.Device, cfg.Baud, err)
	}

	if err := port.ResetInputBuffer(); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("flush input on %s: %w", cfg.Device, err)
	}

	return NewReader(port), nil
}

// NewReader frames an already opened stream.
func NewReader(rc io.ReadCloser) *Reader {
	return &Reader{
		port: rc,
		r:    bufio.NewReader(rc),
	}
}

// NextFrame blocks until a full line is available and returns it without the
// line terminator, decoded from Latin-1. Blank lines are returned as-is; it is
// up to the caller to skip them. A final unterminated line is returned before
// ErrEndOfStream.
func (r *Reader) NextFrame() (string, error) {
	line, err := r.r.ReadBytes('\n')
	if len(line) > 0 && (err == nil || errors.Is(err, io.EOF)) {
		return decodeLatin1(line), nil
	}

	switch {
	case r.closed.Load():
		return "", ErrClosed
	case errors.Is(err, io.EOF):
		return "", ErrEndOfStream
	default:
		return "", fmt.Errorf("read serial: %w", err)
	}
}

// Close releases the port. Safe to call more than once.
func (r *Reader) Close() error {
	if r.closed.Swap(true) {
		return nil
	}
	return r.port.Close()
}

func decodeLatin1(b []byte) string {
	var sb strings.Builder
	sb.Grow(len(b))
	for _, c := range b {
		sb.WriteRune(rune(c))
	}
	return strings.TrimRight(sb.String(), "\r\n")
}
