package tracker

import (
	"math"
	"testing"
	"time"

	"github.com/usnistgov/shopsync/geometry"
	"github.com/usnistgov/shopsync/toolpath"
)

const zero = 0.1

func at(x, y, z float64) toolpath.Point {
	return toolpath.Point{Pos: geometry.Vec{X: x, Y: y, Z: z}, Speed: 10}
}

func atWith(x, y, z float64, before, after float64) toolpath.Point {
	p := at(x, y, z)
	p.Before = []float64{before}
	p.After = []float64{after}
	return p
}

func newOnSegment() *Tracker {
	tr := New(zero, geometry.Vec{})
	tr.UpdateTarget(at(0, 0, 0), at(10, 0, 0), at(10, 10, 0))
	return tr
}

func TestUpdateTargetVectors(t *testing.T) {
	tr := newOnSegment()
	if tr.TLD != 10 {
		t.Errorf("expected tld 10, got %f", tr.TLD)
	}
	if tr.TargetVec != (geometry.Vec{X: 1}) {
		t.Errorf("expected +x target vector, got %v", tr.TargetVec)
	}
	if tr.NextVec != (geometry.Vec{Y: 1}) {
		t.Errorf("expected +y next vector, got %v", tr.NextVec)
	}
	if tr.ClockStarted() || tr.HasHitReadTarget() {
		t.Error("expected fresh segment to have no clock and no read hit")
	}
}

func TestEstimateStaysAtLastUntilClockStarts(t *testing.T) {
	tr := newOnSegment()
	now := time.Now()
	tr.UpdateEstimate(now.Add(time.Second), 10)
	if tr.Estimate != tr.Last.Pos || tr.LED != 0 {
		t.Errorf("expected estimate at last, got %v led %f", tr.Estimate, tr.LED)
	}
}

func TestClockWaitsForQueue(t *testing.T) {
	tr := newOnSegment()
	tr.UpdateRead(geometry.Vec{X: 2})
	tr.Sync(time.Now(), 10, false)
	if tr.ClockStarted() {
		t.Error("expected clock to wait until the controller queued the line")
	}
	tr.Sync(time.Now(), 10, true)
	if !tr.ClockStarted() {
		t.Error("expected clock to start once the line was queued and the read progressed")
	}
}

func TestClockBackdatedByProgress(t *testing.T) {
	tr := newOnSegment()
	now := time.Now()
	tr.UpdateRead(geometry.Vec{X: 3})
	tr.Sync(now, 10, true)
	tr.UpdateEstimate(now, 10)
	if math.Abs(tr.LED-3) > 1e-6 {
		t.Errorf("expected estimate to start at the read progress 3, got %f", tr.LED)
	}
}

func TestLaggingReadDoesNotStartClock(t *testing.T) {
	tr := newOnSegment()
	// still on the previous move, behind last
	tr.UpdateRead(geometry.Vec{X: -2})
	tr.Sync(time.Now(), 10, true)
	if tr.ClockStarted() {
		t.Error("expected a read behind last not to start the clock")
	}
}

func TestEstimateMonotonic(t *testing.T) {
	tr := newOnSegment()
	t0 := time.Now()
	tr.UpdateRead(geometry.Vec{X: 0.5})
	tr.Sync(t0, 10, true)
	prev := -1.
	reads := []float64{0.5, 0.6, 2.5, 2.6, 2.7, 6, 6, 6}
	for i, x := range reads {
		now := t0.Add(time.Duration(i) * 50 * time.Millisecond)
		tr.UpdateRead(geometry.Vec{X: x})
		tr.Sync(now, 10, true)
		tr.UpdateEstimate(now, 10)
		if tr.LED < prev {
			t.Fatalf("estimate moved backward at step %d: %f < %f", i, tr.LED, prev)
		}
		if tr.LED < tr.Progress()-1e-9 {
			t.Errorf("expected estimate never short of the read, led %f progress %f", tr.LED, tr.Progress())
		}
		prev = tr.LED
	}
}

func TestEstimateNotClamped(t *testing.T) {
	tr := newOnSegment()
	now := time.Now()
	tr.StartClock(now)
	tr.UpdateEstimate(now.Add(2*time.Second), 10)
	if math.Abs(tr.LED-20) > 1e-6 {
		t.Errorf("expected estimate to overshoot to 20, got %f", tr.LED)
	}
	if !tr.ReadyForNextPoint() {
		t.Error("expected overshot estimate to be ready for next point")
	}
}

func TestReadyAtBoundary(t *testing.T) {
	tr := newOnSegment()
	now := time.Now()
	tr.StartClock(now)
	// just inside tld - zero
	tr.UpdateEstimate(now.Add(995*time.Millisecond), 10)
	if !tr.EstimateArrived() {
		t.Errorf("expected closed comparison to accept led %f", tr.LED)
	}
	tr.UpdateEstimate(now.Add(980*time.Millisecond), 10)
	if tr.EstimateArrived() {
		t.Errorf("expected led %f to be short of the target", tr.LED)
	}
}

func TestNoOpMove(t *testing.T) {
	tr := New(zero, geometry.Vec{})
	tr.UpdateTarget(at(5, 0, 0), atWith(5, 0, 0, 0, 0), at(6, 0, 0))
	if !tr.ReadyForNextPoint() {
		t.Error("expected zero move without channel change to be ready immediately")
	}
	tr.UpdateTarget(at(5, 0, 0), atWith(5, 0, 0, 0, 1), at(6, 0, 0))
	if tr.ReadyForNextPoint() {
		t.Error("expected zero move with a channel change to wait for the stage")
	}
	tr.UpdateRead(geometry.Vec{X: 5})
	tr.Sync(time.Now(), 10, true)
	tr.UpdateEstimate(time.Now(), 10)
	if !tr.ReadyForNextPoint() {
		t.Error("expected zero move with a channel change to be ready once the stage is there")
	}
}

func TestDeviationAbandonsMove(t *testing.T) {
	tr := newOnSegment()
	now := time.Now()
	tr.UpdateRead(geometry.Vec{X: 1, Y: 0})
	tr.Sync(now, 10, true)
	tr.UpdateRead(geometry.Vec{X: 1.5, Y: 0.4})
	if tr.Deviated() {
		t.Errorf("expected %f rad to be tolerated", tr.Angle)
	}
	tr.UpdateRead(geometry.Vec{X: 2, Y: 1})
	if !tr.Deviated() || !tr.ReadyForNextPoint() {
		t.Errorf("expected 50 degree deviation to abandon the move, angle %f", tr.Angle)
	}
}

func TestBackwardMotionIsNotDeviation(t *testing.T) {
	tr := newOnSegment()
	tr.UpdateRead(geometry.Vec{X: 5})
	tr.Sync(time.Now(), 10, true)
	tr.UpdateRead(geometry.Vec{X: 4, Y: 0.1})
	if tr.Deviated() {
		t.Errorf("expected backward travel to report no deviation, angle %f", tr.Angle)
	}
}

func TestHasHitReadTargetLatches(t *testing.T) {
	tr := newOnSegment()
	tr.UpdateRead(geometry.Vec{X: 9.95})
	if !tr.HasHitReadTarget() {
		t.Fatal("expected read within zero distance to hit")
	}
	tr.UpdateRead(geometry.Vec{X: 5})
	if !tr.HasHitReadTarget() {
		t.Error("expected hit to stay latched for the segment")
	}
	tr.UpdateTarget(at(10, 0, 0), at(10, 10, 0), at(0, 0, 0))
	if tr.HasHitReadTarget() {
		t.Error("expected latch to clear on new target")
	}
}

func TestLeavingCorridorHits(t *testing.T) {
	tr := newOnSegment()
	now := time.Now()
	tr.UpdateRead(geometry.Vec{X: 4})
	tr.Sync(now, 10, true)
	tr.UpdateRead(geometry.Vec{X: 6, Y: 3})
	if !tr.HasHitReadTarget() {
		t.Errorf("expected read outside the corridor to hit, lrd %f trd %f", tr.LRD, tr.TRD)
	}
}

func TestCrossing(t *testing.T) {
	tr := newOnSegment()
	now := time.Now()
	if _, ok := tr.Crossing(10); ok {
		t.Error("expected no crossing before the clock starts")
	}
	tr.StartClock(now)
	c, ok := tr.Crossing(10)
	if !ok || !c.Equal(now.Add(time.Second)) {
		t.Errorf("expected crossing one second in, got %v", c.Sub(now))
	}
}

func TestCrossingZeroLength(t *testing.T) {
	tr := New(zero, geometry.Vec{})
	p := at(5, 0, 0)
	p.Speed = math.NaN()
	tr.UpdateTarget(at(5, 0, 0), p, at(8, 0, 0))
	now := time.Now()
	tr.StartClock(now)
	c, ok := tr.Crossing(p.Speed)
	if !ok || !c.Equal(now) {
		t.Errorf("expected a zero length move to be crossed at its start, got %v %t", c, ok)
	}
}
