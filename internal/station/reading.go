package station

// Decimal is a numeric value exactly as the station printed it, unit removed.
// Keeping the text avoids reformatting "7.0" into "7" on the bus.
type Decimal string

func (d Decimal) String() string { return string(d) }

// SensorReading is one fully decoded station frame.
type SensorReading struct {
	Temperature      Decimal // °C
	RelativeHumidity Decimal // %
	WindVelocity     Decimal // m/s
	WindMaximum      Decimal // m/s
	WindDirection    string  // compass label
	Rainfall         Decimal // mm
}
