/*Package tracker follows the stage along the toolpath between polls.

The motion controller only reports its position when polled, and the report
lags the stage.  Tracker keeps the bracket of toolpath points around the
current move (last, target, next), the two most recent polled positions, and
a dead-reckoned estimate of where the stage is now.  From these it decides
when the print loop may move on to the next target.
*/
package tracker

import (
	"math"
	"time"

	"github.com/usnistgov/shopsync/geometry"
	"github.com/usnistgov/shopsync/toolpath"
	"github.com/usnistgov/shopsync/util"
)

// AbandonAngle is the deviation between the travelled and the commanded
// direction at which a move is considered not to be executing as commanded
var AbandonAngle = geometry.Deg(45)

// Distances is the geometric state of the current move.  It is recomputed in
// place on every read and every target change.
type Distances struct {
	Last, Target, Next toolpath.Point

	Read, LastRead geometry.Vec
	Estimate       geometry.Vec

	TRD float64 // read to target
	LRD float64 // read to last
	TLD float64 // last to target
	TED float64 // estimate to target
	LED float64 // estimate to last

	TargetVec geometry.Vec // unit, last to target
	NextVec   geometry.Vec // unit, target to next
	Vec       geometry.Vec // unit, lastRead to read

	// Angle is the forward deviation of Vec from TargetVec, radians
	Angle float64
}

// Tracker owns the Distances of one print
type Tracker struct {
	Distances

	zero float64

	hitRead    bool
	started    bool
	clockStart time.Time
	fresh      int // reads taken since the last target change
}

// New creates a tracker resting at the start position
func New(zeroDistance float64, start geometry.Vec) *Tracker {
	t := &Tracker{zero: zeroDistance}
	here := toolpath.Point{Pos: start}
	t.Read, t.LastRead, t.Estimate = start, start, start
	t.UpdateTarget(here, here, here)
	return t
}

// ZeroDistance is the tolerance under which two positions coincide
func (t *Tracker) ZeroDistance() float64 {
	return t.zero
}

// UpdateTarget replaces the bracket of points around the current move.
// The read latch and the segment clock are reset.
func (t *Tracker) UpdateTarget(last, target, next toolpath.Point) {
	t.Last, t.Target, t.Next = last, target, next
	t.TargetVec = geometry.Direction(last.Pos, target.Pos)
	t.NextVec = geometry.Direction(target.Pos, next.Pos)
	t.TLD = geometry.Distance(last.Pos, target.Pos)
	t.hitRead = false
	t.started = false
	t.fresh = 0
	t.Estimate = last.Pos
	t.readDistances()
	t.estimateDistances()
}

// UpdateRead records a newly polled stage position
func (t *Tracker) UpdateRead(pos geometry.Vec) {
	t.LastRead = t.Read
	t.Read = pos
	t.fresh++
	t.readDistances()
}

func (t *Tracker) readDistances() {
	t.TRD = geometry.Distance(t.Read, t.Target.Pos)
	t.LRD = geometry.Distance(t.Read, t.Last.Pos)
	t.Vec = geometry.Direction(t.LastRead, t.Read)
	t.Angle = geometry.AngleBetween(t.Vec, t.TargetVec)
	if t.TRD <= t.zero {
		t.hitRead = true
	}
	if t.started && t.LRD+t.TRD > t.TLD+t.zero {
		t.hitRead = true
	}
}

func (t *Tracker) estimateDistances() {
	t.TED = geometry.Distance(t.Estimate, t.Target.Pos)
	t.LED = geometry.Distance(t.Estimate, t.Last.Pos)
}

// Progress is how far the polled position has come along the move
func (t *Tracker) Progress() float64 {
	return math.Max(0, t.TLD-t.TRD)
}

func usable(speed float64) bool {
	return speed > 0 && !math.IsNaN(speed) && !math.IsInf(speed, 0)
}

// Sync starts or re-bases the segment clock from the polled position.
// queued reports whether the controller has read the target's line yet;
// the clock never starts for a move the controller has not queued.
//
// The clock starts once the read shows progress toward the target or has hit
// it, back-dated by the progress already made.  A running clock that has
// fallen behind the read is moved back so the estimate is never short of it.
func (t *Tracker) Sync(now time.Time, speed float64, queued bool) {
	prog := t.Progress()
	if !t.started {
		if !queued {
			return
		}
		if t.TRD <= t.TLD-t.zero || t.hitRead {
			t.StartClock(now)
			if usable(speed) {
				t.clockStart = now.Add(-util.SecsToDuration(prog / speed))
			}
		}
		return
	}
	if usable(speed) && prog > speed*now.Sub(t.clockStart).Seconds() {
		t.clockStart = now.Add(-util.SecsToDuration(prog / speed))
	}
}

// StartClock starts the segment clock at the given instant
func (t *Tracker) StartClock(at time.Time) {
	t.started = true
	t.clockStart = at
}

// ClockStarted returns true once movement along the current move is confirmed
func (t *Tracker) ClockStarted() bool {
	return t.started
}

// Crossing returns the instant the estimate reached the target, assuming
// constant speed along the move.  A zero length move is crossed when its
// clock started.
func (t *Tracker) Crossing(speed float64) (time.Time, bool) {
	if !t.started {
		return time.Time{}, false
	}
	if t.TLD == 0 {
		return t.clockStart, true
	}
	if !usable(speed) {
		return time.Time{}, false
	}
	return t.clockStart.Add(util.SecsToDuration(t.TLD / speed)), true
}

// UpdateEstimate dead-reckons the stage position at now.  The estimate is
// not clamped to the target; overshoot stays visible to the caller.
func (t *Tracker) UpdateEstimate(now time.Time, speed float64) {
	if !t.started || !usable(speed) {
		t.Estimate = t.Last.Pos
	} else {
		d := speed * now.Sub(t.clockStart).Seconds()
		if d < 0 {
			d = 0
		}
		t.Estimate = geometry.Along(t.Last.Pos, t.TargetVec, d)
	}
	t.estimateDistances()
}

// ZeroMove returns true if the commanded move is no longer than ZeroDistance
func (t *Tracker) ZeroMove() bool {
	return t.TLD <= t.zero
}

// ReadyForNextPoint returns true if the estimate has reached the target, the
// move is a no-op, or the stage is visibly travelling elsewhere
func (t *Tracker) ReadyForNextPoint() bool {
	return t.EstimateArrived() || t.NoOp() || t.Deviated()
}

// EstimateArrived returns true if the estimate has reached or passed the target
func (t *Tracker) EstimateArrived() bool {
	return t.started && t.LED >= t.TLD-t.zero
}

// NoOp returns true if the move is zero length and no channel changes at the target
func (t *Tracker) NoOp() bool {
	return t.ZeroMove() && !t.Target.AnyChange()
}

// Deviated returns true if the direction of travel, measured from two reads
// taken during this move, is at least AbandonAngle off the commanded one
func (t *Tracker) Deviated() bool {
	return t.started && t.fresh >= 2 && t.Angle >= AbandonAngle
}

// HasHitReadTarget returns true once the polled position reached the target
// or left the last-target corridor during this move
func (t *Tracker) HasHitReadTarget() bool {
	return t.hitRead
}
