package channel_test

import (
	"fmt"
	"testing"

	"github.com/usnistgov/shopsync/actuator"
	"github.com/usnistgov/shopsync/channel"
	"github.com/usnistgov/shopsync/geometry"
	"github.com/usnistgov/shopsync/toolpath"
	"github.com/usnistgov/shopsync/tracker"
)

// pt is a point on the x axis carrying a single channel
func pt(line int64, x, speed, before, after float64) toolpath.Point {
	return toolpath.Point{
		Line:   line,
		Pos:    geometry.Vec{X: x},
		Speed:  speed,
		Before: []float64{before},
		After:  []float64{after},
	}
}

func bracket(d *tracker.Distances, last, target, next toolpath.Point) {
	d.Last, d.Target, d.Next = last, target, next
	d.TargetVec = geometry.Direction(last.Pos, target.Pos)
	d.TLD = geometry.Distance(last.Pos, target.Pos)
	at(d, 0)
}

// at puts the estimate led along the current move
func at(d *tracker.Distances, led float64) {
	d.Estimate = geometry.Along(d.Last.Pos, d.TargetVec, led)
	d.LED = geometry.Distance(d.Estimate, d.Last.Pos)
	d.TED = geometry.Distance(d.Estimate, d.Target.Pos)
}

type fakeSeeker struct {
	index int
	seeks []int
	err   error
}

func (f *fakeSeeker) Index() int { return f.index }

func (f *fakeSeeker) CountTransitions(ch int, wantOn bool, end int) int { return 0 }

func (f *fakeSeeker) SeekToTransition(ch int, wantOn bool, occurrence int) (int, error) {
	f.seeks = append(f.seeks, occurrence)
	if f.err != nil {
		return f.index, f.err
	}
	f.index += 2
	return f.index, nil
}

func params() *channel.Params {
	return &channel.Params{ZeroDistance: 0.01, ForceAtSegmentEnd: true}
}

func pressure(p *channel.Params, d *tracker.Distances, rec *actuator.Recorder, s channel.Seeker) *channel.Watch {
	c := channel.Config{Name: "p1", Index: 0, Mode: channel.ActuatorChannel, Bit: 0}
	return channel.New(c, p, d, rec, s, nil)
}

func TestBlipProducesNoCalls(t *testing.T) {
	var (
		d   tracker.Distances
		rec actuator.Recorder
		p0  = pt(1, 0, 10, 0, 0)
		p1  = pt(2, 1, 10, 0, 1)
		p2  = pt(3, 1, 10, 1, 0)
		p3  = pt(4, 2, 10, 0, 0)
	)
	w := pressure(params(), &d, &rec, nil)
	bracket(&d, p0, p1, p2)
	w.DefineState(p1.Speed)
	if w.State != channel.Idle {
		t.Errorf("expected switch-on of a blip to be suppressed, got %v", w.State)
	}
	for _, led := range []float64{0, 0.5, 1, 1.5} {
		at(&d, led)
		w.Check(0)
	}
	w.SegmentEnd()
	bracket(&d, p1, p2, p3)
	w.DefineState(p2.Speed)
	if w.State != channel.Idle {
		t.Errorf("expected switch-off of a blip to be suppressed, got %v", w.State)
	}
	w.Check(0)
	w.SegmentEnd()
	w.Shutdown()
	if calls := rec.Calls(); len(calls) != 0 {
		t.Errorf("expected no actuator calls for a blip, got %v", calls)
	}
}

func TestTurnOnLead(t *testing.T) {
	var (
		d   tracker.Distances
		rec actuator.Recorder
		p   = params()
	)
	p.CritOn = channel.Units(0.5)
	w := pressure(p, &d, &rec, nil)
	bracket(&d, pt(1, 0, 10, 0, 0), pt(2, 4, 10, 0, 1), pt(3, 8, 10, 1, 1))
	w.DefineState(10)
	if w.CriticalDistance != 0.5 {
		t.Errorf("expected critical distance 0.5 got %f", w.CriticalDistance)
	}
	at(&d, 3.4)
	w.Check(0)
	if n := rec.Count("value", "p1"); n != 0 {
		t.Errorf("expected no switch-on 0.6 before the point, got %d", n)
	}
	at(&d, 3.5)
	w.Check(0)
	if n := rec.Count("value", "p1"); n != 1 {
		t.Errorf("expected one switch-on at the critical distance, got %d", n)
	}
	if !w.On || w.State != channel.Idle {
		t.Errorf("expected on and idle after firing, got on=%t state=%v", w.On, w.State)
	}
}

func TestLeadCollapsesOnShortMove(t *testing.T) {
	var (
		d   tracker.Distances
		rec actuator.Recorder
		p   = params()
	)
	p.CritOn = channel.Seconds(0.05) // 0.5 at speed 10
	w := pressure(p, &d, &rec, nil)
	bracket(&d, pt(1, 0, 10, 0, 0), pt(2, 0.8, 10, 0, 1), pt(3, 8, 10, 1, 1))
	w.DefineState(10)
	if w.CriticalDistance != p.ZeroDistance {
		t.Errorf("expected lead to collapse to %f on a move shorter than twice the lead, got %f", p.ZeroDistance, w.CriticalDistance)
	}
	at(&d, 0.7)
	w.Check(0)
	if w.On {
		t.Error("expected no switch-on before the point")
	}
	at(&d, 0.8)
	w.Check(0)
	if !w.On {
		t.Error("expected switch-on at the point")
	}
}

func TestZeroMoveFiresImmediately(t *testing.T) {
	var (
		d   tracker.Distances
		rec actuator.Recorder
	)
	w := pressure(params(), &d, &rec, nil)
	bracket(&d, pt(1, 2, 10, 0, 0), pt(2, 2, 10, 0, 1), pt(3, 5, 10, 1, 1))
	w.DefineState(10)
	w.Check(0)
	if rec.Count("value", "p1") != 1 {
		t.Errorf("expected switch-on for a zero move, got %v", rec.Calls())
	}
}

func TestNegativeCritOffCarriesOver(t *testing.T) {
	var (
		d   tracker.Distances
		rec actuator.Recorder
		p   = params()
		p0  = pt(1, 0, 10, 1, 1)
		p1  = pt(2, 4, 10, 1, 0)
		p2  = pt(3, 9, 10, 0, 0)
		p3  = pt(4, 12, 10, 0, 0)
	)
	p.CritOff = channel.Seconds(-0.1)
	w := pressure(p, &d, &rec, nil)
	w.On = true
	bracket(&d, p0, p1, p2)
	w.DefineState(p1.Speed)
	at(&d, 4)
	w.Check(0)
	if rec.Count("off", "") != 0 {
		t.Fatal("expected no switch-off at the point when the lead is negative")
	}
	w.SegmentEnd()
	bracket(&d, p1, p2, p3)
	w.DefineState(p2.Speed)
	at(&d, 0.5)
	w.Check(0)
	if rec.Count("off", "") != 0 {
		t.Error("expected no switch-off 0.5 past the point")
	}
	at(&d, 1)
	w.Check(0)
	if rec.Count("off", "p1") != 1 {
		t.Errorf("expected switch-off 1.0 past the point, got %v", rec.Calls())
	}
}

func TestCarriedOffCancelledByNextBead(t *testing.T) {
	var (
		d   tracker.Distances
		rec actuator.Recorder
		p   = params()
		p0  = pt(1, 0, 10, 1, 1)
		p1  = pt(2, 10, 10, 1, 0)
		p2  = pt(3, 11, 10, 0, 1)
		p3  = pt(4, 20, 10, 1, 0)
		p4  = pt(5, 30, 10, 0, 0)
		p5  = pt(6, 40, 10, 0, 0)
	)
	p.CritOff = channel.Units(-2)
	w := pressure(p, &d, &rec, nil)
	w.On = true
	walk := func(last, target, next toolpath.Point, leds ...float64) {
		w.SegmentEnd()
		bracket(&d, last, target, next)
		w.DefineState(target.Speed)
		for _, led := range leds {
			at(&d, led)
			w.Check(0)
		}
	}
	bracket(&d, p0, p1, p2)
	w.DefineState(p1.Speed)
	for _, led := range []float64{5, 10} {
		at(&d, led)
		w.Check(0)
	}
	// the next bead starts 1 past the end of this one, inside the carried 2
	walk(p1, p2, p3, 0.5, 1)
	walk(p2, p3, p4, 1, 5, 9)
	if n := rec.Count("value", "p1"); n != 0 {
		t.Errorf("expected no second switch-on while still on, got %v", rec.Calls())
	}
	if n := rec.Count("off", "p1"); n != 0 {
		t.Errorf("expected the carried switch-off to be cancelled by the next bead, got %v", rec.Calls())
	}
	if !w.On {
		t.Error("expected the channel on through the second bead")
	}
	walk(p3, p4, p5, 1, 2)
	if n := rec.Count("off", "p1"); n != 1 {
		t.Errorf("expected one switch-off 2 past the end of the second bead, got %v", rec.Calls())
	}
}

func TestUnchangedZeroMoveProducesNoCalls(t *testing.T) {
	for _, v := range []float64{0, 1} {
		var (
			d   tracker.Distances
			rec actuator.Recorder
			p0  = pt(1, 2, 10, v, v)
			p1  = pt(2, 2, 10, v, v)
			p2  = pt(3, 5, 10, v, v)
		)
		w := pressure(params(), &d, &rec, nil)
		w.On = v == 1
		bracket(&d, p0, p1, p2)
		w.DefineState(p1.Speed)
		w.Check(0)
		w.Check(1)
		w.SegmentEnd()
		w.Shutdown()
		if calls := rec.Calls(); len(calls) != 0 {
			t.Errorf("expected no actuator calls for a zero move holding %v, got %v", v, calls)
		}
	}
}

func TestBurstDecays(t *testing.T) {
	var (
		d   tracker.Distances
		rec actuator.Recorder
		p   = params()
	)
	p.CritOn = channel.Units(0.5)
	p.BurstScale = 2
	p.BurstLength = channel.Units(1)
	w := pressure(p, &d, &rec, nil)
	bracket(&d, pt(1, 0, 10, 0, 0), pt(2, 4, 10, 0, 1), pt(3, 8, 10, 1, 1))
	w.DefineState(10)
	for _, led := range []float64{3.5, 4, 4.5, 5} {
		at(&d, led)
		w.Check(0)
	}
	expected := []float64{2, 1.5, 1}
	calls := rec.Calls()
	if len(calls) != len(expected) {
		t.Fatalf("expected %d value calls got %v", len(expected), calls)
	}
	for i, c := range calls {
		if c.Kind != "value" || c.Value != expected[i] {
			t.Errorf("call %d: expected value %f got %s %f", i, expected[i], c.Kind, c.Value)
		}
	}
}

func TestTrustedResyncWithoutDuplicate(t *testing.T) {
	var (
		d    tracker.Distances
		rec  actuator.Recorder
		seek = &fakeSeeker{index: 3}
	)
	w := pressure(params(), &d, &rec, seek)
	w.Trusted = true
	bracket(&d, pt(1, 0, 10, 0, 0), pt(2, 4, 10, 0, 1), pt(3, 8, 10, 1, 1))
	w.DefineState(10)

	at(&d, 1)
	if !w.Check(1) {
		t.Error("expected the flag to resync the cursor")
	}
	if !w.On {
		t.Error("expected the channel to follow the trusted flag within one tick")
	}
	if len(seek.seeks) != 1 || seek.seeks[0] != 1 {
		t.Errorf("expected one seek for the first switch-on, got %v", seek.seeks)
	}
	at(&d, 4)
	w.Check(1)
	if n := rec.Count("value", "p1"); n != 1 {
		t.Errorf("expected a single switch-on once geometry caught up, got %d", n)
	}
}

func TestTrustedWaitsForFlagAfterGeometry(t *testing.T) {
	var (
		d    tracker.Distances
		rec  actuator.Recorder
		seek = &fakeSeeker{}
	)
	w := pressure(params(), &d, &rec, seek)
	w.Trusted = true
	bracket(&d, pt(1, 0, 10, 0, 0), pt(2, 4, 10, 0, 1), pt(3, 8, 10, 1, 1))
	w.DefineState(10)
	at(&d, 4)
	w.Check(0)
	w.Check(0)
	if !w.On || rec.Count("off", "") != 0 {
		t.Errorf("expected the register lag not to undo a geometric switch-on, got %v", rec.Calls())
	}
	w.Check(1)
	w.Check(0)
	if w.On || rec.Count("off", "p1") != 1 {
		t.Errorf("expected the trusted flag to switch off, got %v", rec.Calls())
	}
	if len(seek.seeks) != 1 {
		t.Errorf("expected one seek, got %v", seek.seeks)
	}
}

func TestDesyncDropsTrust(t *testing.T) {
	var (
		d    tracker.Distances
		rec  actuator.Recorder
		seek = &fakeSeeker{err: fmt.Errorf("%w: no match", toolpath.ErrCursorDesync)}
	)
	w := pressure(params(), &d, &rec, seek)
	w.Trusted = true
	bracket(&d, pt(1, 0, 10, 0, 0), pt(2, 4, 10, 0, 1), pt(3, 8, 10, 1, 1))
	w.DefineState(10)
	if w.Check(1) {
		t.Error("expected no resync on a desynchronized cursor")
	}
	if w.Trusted {
		t.Error("expected the channel to fall back to geometry")
	}
}

func TestOverrideNeverSeeks(t *testing.T) {
	var (
		d    tracker.Distances
		rec  actuator.Recorder
		seek = &fakeSeeker{}
		p    = params()
	)
	p.Strategy = channel.GeometryOverride
	w := pressure(p, &d, &rec, seek)
	w.Trusted = true
	bracket(&d, pt(1, 0, 10, 0, 0), pt(2, 4, 10, 0, 1), pt(3, 8, 10, 1, 1))
	w.DefineState(10)
	if w.Check(1) {
		t.Error("expected override mode not to move the cursor")
	}
	if !w.On || len(seek.seeks) != 0 {
		t.Errorf("expected early switch-on and no seek, got on=%t seeks=%v", w.On, seek.seeks)
	}
	at(&d, 4)
	w.Check(1)
	if n := rec.Count("value", ""); n != 1 {
		t.Errorf("expected one switch-on, got %d", n)
	}
}

func TestFlagsOnly(t *testing.T) {
	var (
		d   tracker.Distances
		rec actuator.Recorder
		p   = params()
	)
	p.Strategy = channel.FlagsOnly
	bracket(&d, pt(1, 0, 10, 0, 0), pt(2, 4, 10, 0, 0), pt(3, 8, 10, 0, 0))
	w := pressure(p, &d, &rec, nil)
	cam := channel.New(channel.Config{Name: "cam", Index: 0, Mode: channel.TriggerChannel, Bit: 1}, p, &d, &rec, nil, nil)
	for _, flags := range []uint32{0b01, 0b01, 0b10, 0b10, 0b00, 0b10} {
		w.Check(flags)
		cam.Check(flags)
	}
	if on, off := rec.Count("value", "p1"), rec.Count("off", "p1"); on != 1 || off != 1 {
		t.Errorf("expected one switch-on and one switch-off got %d and %d", on, off)
	}
	if n := rec.Count("trigger", "cam"); n != 2 {
		t.Errorf("expected a trigger on each rising edge, got %d", n)
	}
}

func TestSnapWaitsForFlag(t *testing.T) {
	var (
		d   tracker.Distances
		rec actuator.Recorder
	)
	cam := channel.New(channel.Config{Name: "cam", Index: 0, Mode: channel.TriggerChannel, Bit: 2}, params(), &d, &rec, nil, nil)
	bracket(&d, pt(1, 0, 10, 0, 0), pt(2, 4, 10, 0, 1), pt(3, 8, 10, 1, 0))
	cam.DefineState(10)
	if cam.State != channel.ArmToSnap {
		t.Fatalf("expected arm-snap got %v", cam.State)
	}
	at(&d, 4)
	cam.Check(0)
	if rec.Count("trigger", "") != 0 {
		t.Error("expected no trigger without the flag bit")
	}
	cam.Check(0b100)
	cam.Check(0b100)
	if n := rec.Count("trigger", "cam"); n != 1 {
		t.Errorf("expected one trigger got %d", n)
	}
}

func TestContinuousUpdate(t *testing.T) {
	var (
		d   tracker.Distances
		rec actuator.Recorder
	)
	w := pressure(params(), &d, &rec, nil)
	w.On = true
	pseudo := pt(2, 4, 0, toolpath.ContinuousSentinel, 0.7)
	bracket(&d, pt(1, 4, 10, 1, 1), pseudo, pt(3, 8, 10, 1, 1))
	w.DefineState(pseudo.Speed)
	calls := rec.Calls()
	if len(calls) != 2 || calls[0].Kind != "nominal" || calls[0].Value != 0.7 || calls[1].Kind != "value" {
		t.Errorf("expected the new nominal to be applied immediately, got %v", calls)
	}
}

func TestInertIgnored(t *testing.T) {
	var (
		d   tracker.Distances
		rec actuator.Recorder
	)
	w := channel.New(channel.Config{Name: "aux", Mode: channel.Inert}, params(), &d, &rec, nil, nil)
	bracket(&d, pt(1, 0, 10, 0, 0), pt(2, 4, 10, 0, 1), pt(3, 8, 10, 1, 1))
	w.DefineState(10)
	at(&d, 4)
	w.Check(1)
	w.Shutdown()
	if len(rec.Calls()) != 0 {
		t.Errorf("expected no calls on an inert channel, got %v", rec.Calls())
	}
}

func TestParseMeasure(t *testing.T) {
	table := []struct {
		in       string
		expected channel.Measure
	}{
		{"1.5", channel.Units(1.5)},
		{"0.25s", channel.Seconds(0.25)},
		{"-100ms", channel.Seconds(-0.1)},
		{"", channel.Measure{}},
	}
	for _, tc := range table {
		m, err := channel.ParseMeasure(tc.in)
		if err != nil {
			t.Errorf("%q: %v", tc.in, err)
			continue
		}
		if m != tc.expected {
			t.Errorf("%q: expected %v got %v", tc.in, tc.expected, m)
		}
	}
	if _, err := channel.ParseMeasure("fast"); err == nil {
		t.Error("expected an error for a measure with no unit or number")
	}
}

func TestBurstScaleShape(t *testing.T) {
	if s := channel.BurstScale(0, 3, 2); s != 3 {
		t.Errorf("expected peak 3 at switch-on got %f", s)
	}
	prev := 3.
	for d := 0.25; d <= 2; d += 0.25 {
		s := channel.BurstScale(d, 3, 2)
		if s > prev {
			t.Errorf("expected monotone decay, %f > %f at %f", s, prev, d)
		}
		prev = s
	}
	if s := channel.BurstScale(5, 3, 2); s != 1 {
		t.Errorf("expected 1 beyond the burst length got %f", s)
	}
}

func ExampleBurstScale() {
	for _, d := range []float64{0, 0.5, 1, 2} {
		fmt.Printf("%.2f ", channel.BurstScale(d, 2, 1))
	}
	// Output: 2.00 1.50 1.00 1.00
}
