package channel

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Unit tells whether a Measure is a time or a distance
type Unit int

const (
	// Distance is in machine units
	Distance Unit = iota
	// Time is in seconds, converted to distance with the commanded speed
	Time
)

// Measure is a signed quantity given either as a time or as a distance
type Measure struct {
	Value float64
	Unit  Unit
}

// Seconds returns a time Measure
func Seconds(s float64) Measure {
	return Measure{Value: s, Unit: Time}
}

// Units returns a distance Measure
func Units(d float64) Measure {
	return Measure{Value: d, Unit: Distance}
}

// Distance converts the magnitude of m to a distance at the given speed.
// A time measure at an unusable speed is zero.
func (m Measure) Distance(speed float64) float64 {
	v := math.Abs(m.Value)
	if m.Unit == Distance {
		return v
	}
	if speed <= 0 || math.IsNaN(speed) || math.IsInf(speed, 0) {
		return 0
	}
	return v * speed
}

// Negative returns true if the measure points past the endpoint
func (m Measure) Negative() bool {
	return m.Value < 0
}

// String formats times with a duration suffix and distances as bare numbers
func (m Measure) String() string {
	if m.Unit == Time {
		return time.Duration(m.Value * float64(time.Second)).String()
	}
	return strconv.FormatFloat(m.Value, 'g', -1, 64)
}

// ParseMeasure reads "1.5" as a distance and "0.2s", "150ms" or "-0.1s" as a time
func ParseMeasure(s string) (Measure, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Measure{}, nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return Units(f), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return Measure{}, fmt.Errorf("measure %q is neither a distance nor a duration", s)
	}
	return Seconds(d.Seconds()), nil
}
