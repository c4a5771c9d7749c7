package station

import (
	"errors"
	"fmt"
	"strings"
)

// Device line format: either the reset marker alone, or
// "<tag>,temp=21.5`C,hum=55%,wind=3.2m/s,windmax=7.0m/s,dir=NW,rain=0.0mm".
const (
	ResetMarker    = "[weatherstationFSK]"
	readingFields  = 7
	defaultTempSet = "`C"
)

// ErrMalformedFrame marks a line that is neither a reset marker nor a full reading.
var ErrMalformedFrame = errors.New("malformed frame")

// FrameKind says what a successfully parsed line carried.
type FrameKind int

const (
	FrameReading FrameKind = iota
	FrameReset
)

func (k FrameKind) String() string {
	switch k {
	case FrameReset:
		return "reset"
	case FrameReading:
		return "reading"
	default:
		return "unknown"
	}
}

// Frame is the result of parsing one device line.
type Frame struct {
	Kind    FrameKind
	Reading SensorReading
}

// Parser decodes device lines. The zero value trims the literal "`C" from
// temperatures, which is what the station firmware has always been matched against.
type Parser struct {
	TemperatureUnit string
}

// Parse decodes a line with the default temperature unit.
func Parse(line string) (Frame, error) {
	return Parser{}.Parse(line)
}

// Parse returns a reset frame, a complete reading, or an error wrapping
// ErrMalformedFrame. It never returns a partially filled reading.
func (p Parser) Parse(line string) (Frame, error) {
	items := strings.Split(line, ",")
	if items[0] == ResetMarker {
		return Frame{Kind: FrameReset}, nil
	}
	if len(items) < readingFields {
		return Frame{}, fmt.Errorf("%w: %d fields, want %d", ErrMalformedFrame, len(items), readingFields)
	}

	tempUnit := p.TemperatureUnit
	if tempUnit == "" {
		tempUnit = defaultTempSet
	}

	units := [6]string{tempUnit, "%", "m/s", "m/s", "", "mm"}

	var vals [6]string
	for i, unit := range units {
		v, err := fieldValue(items[i+1], unit)
		if err != nil {
			return Frame{}, fmt.Errorf("%w: field %d: %w", ErrMalformedFrame, i+1, err)
		}
		vals[i] = v
	}

	return Frame{
		Kind: FrameReading,
		Reading: SensorReading{
			Temperature:      Decimal(vals[0]),
			RelativeHumidity: Decimal(vals[1]),
			WindVelocity:     Decimal(vals[2]),
			WindMaximum:      Decimal(vals[3]),
			WindDirection:    vals[4],
			Rainfall:         Decimal(vals[5]),
		},
	}, nil
}

// fieldValue takes the text after the first '=' (up to any second one), trims
// whitespace and then strips unit characters from both ends.
func fieldValue(field, unit string) (string, error) {
	parts := strings.Split(field, "=")
	if len(parts) < 2 {
		return "", fmt.Errorf("missing '=' in %q", field)
	}
	value := strings.TrimSpace(parts[1])
	if unit != "" {
		value = strings.Trim(value, unit)
	}
	return value, nil
}
