/*Package toolpath holds the compiled point table of a print and the cursor
that walks it.

The table is produced by an external compiler from the motion program.  Each
row is a target position and, for every output channel, the logical value of
that channel immediately before and after the position is reached.  A row
whose speed is NaN is a pseudo-point: it does not move the stage and only
carries a continuous value update for one or more channels, flagged by
ContinuousSentinel in the "before" column.
*/
package toolpath

import (
	"errors"
	"fmt"
	"math"

	"github.com/usnistgov/shopsync/geometry"
)

// ContinuousSentinel in a Before column marks a continuous value update;
// the After column then carries the new value instead of an on/off state
const ContinuousSentinel = -1000.

var (
	// ErrNotReady is generated when the table is empty or has no usable start position
	ErrNotReady = errors.New("toolpath not ready")

	// ErrCursorDesync is generated when a seek asks for a transition the table does not contain
	ErrCursorDesync = errors.New("cursor resynchronization beyond end of toolpath")
)

// ConfigError describes a malformed row of the table
type ConfigError struct {
	Line int64
	Msg  string
}

func (e ConfigError) Error() string {
	return fmt.Sprintf("toolpath line %d: %s", e.Line, e.Msg)
}

// Point is one row of the compiled program
type Point struct {
	// Line is the source line number, strictly increasing through the table
	Line int64

	// Pos is the absolute target.  Axes are NaN when omitted in the program
	// and are filled in by NewStore.
	Pos geometry.Vec

	// Speed is the feed in units/s of the move ending here; NaN on pseudo-points
	Speed float64

	// Before and After hold per-channel values, aligned with Table.Channels
	Before []float64
	After  []float64
}

// Pseudo returns true if the point only changes a continuous channel value
func (p Point) Pseudo() bool {
	return math.IsNaN(p.Speed)
}

// Continuous returns true if channel k is a continuous value update here
func (p Point) Continuous(k int) bool {
	return p.Before[k] <= ContinuousSentinel
}

// Changes returns true if channel k changes at this point
func (p Point) Changes(k int) bool {
	return p.Before[k] != p.After[k]
}

// TurnsOn returns true if channel k switches from off to on at this point
func (p Point) TurnsOn(k int) bool {
	return !p.Continuous(k) && p.Before[k] <= 0 && p.After[k] > 0
}

// TurnsOff returns true if channel k switches from on to off at this point
func (p Point) TurnsOff(k int) bool {
	return !p.Continuous(k) && p.Before[k] > 0 && p.After[k] <= 0
}

// AnyChange returns true if any channel changes at this point
func (p Point) AnyChange() bool {
	for k := range p.Before {
		if p.Changes(k) {
			return true
		}
	}
	return false
}

// Table is the output contract of the toolpath compiler
type Table struct {
	// Channels names the channels, in column order
	Channels []string

	// Points are the rows, in line order
	Points []Point

	// Start is the stage position when the program begins, used to backfill
	// omitted axes
	Start geometry.Vec
}

func (t Table) validate() error {
	if len(t.Points) == 0 {
		return ErrNotReady
	}
	if !geometry.Complete(t.Start) {
		return fmt.Errorf("%w: start position %v has unset axes", ErrNotReady, t.Start)
	}
	nch := len(t.Channels)
	var prev int64 = math.MinInt64
	for _, p := range t.Points {
		if len(p.Before) != nch || len(p.After) != nch {
			return ConfigError{Line: p.Line, Msg: fmt.Sprintf("expected %d channel columns, got %d before and %d after", nch, len(p.Before), len(p.After))}
		}
		if p.Line <= prev {
			return ConfigError{Line: p.Line, Msg: fmt.Sprintf("line numbers must increase, previous was %d", prev)}
		}
		prev = p.Line
		if p.Pseudo() {
			cont := false
			for k := 0; k < nch; k++ {
				if p.Continuous(k) {
					cont = true
				}
			}
			if !cont {
				return ConfigError{Line: p.Line, Msg: "missing speed on a real move"}
			}
			continue
		}
		if p.Speed < 0 || math.IsInf(p.Speed, 0) {
			return ConfigError{Line: p.Line, Msg: fmt.Sprintf("invalid speed %f", p.Speed)}
		}
	}
	return nil
}
