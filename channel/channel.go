/*Package channel decides when each output channel of a print switches.

A Watch follows one channel through the toolpath.  When the print loop moves
on to a new target point the watch is re-armed with DefineState; on every
tick Check compares the tracker's distances and the controller's flag
register against the arm and commands the actuator driver when it fires.
*/
package channel

import (
	"errors"
	"fmt"
	"log"
	"math"
	"strings"

	"github.com/usnistgov/shopsync/actuator"
	"github.com/usnistgov/shopsync/geometry"
	"github.com/usnistgov/shopsync/toolpath"
	"github.com/usnistgov/shopsync/tracker"
	"github.com/usnistgov/shopsync/util"
)

// Mode is the kind of output a channel drives
type Mode int

const (
	// Inert channels are followed but never commanded
	Inert Mode = iota
	// ActuatorChannel channels switch on and off, like a pressure line
	ActuatorChannel
	// TriggerChannel channels fire once per rising edge, like a camera
	TriggerChannel
)

func (m Mode) String() string {
	switch m {
	case ActuatorChannel:
		return "actuator"
	case TriggerChannel:
		return "trigger"
	default:
		return "inert"
	}
}

// ParseMode converts "actuator", "trigger" or "inert" to a Mode
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "actuator", "pressure":
		return ActuatorChannel, nil
	case "trigger", "camera":
		return TriggerChannel, nil
	case "inert", "":
		return Inert, nil
	}
	return Inert, fmt.Errorf("unknown channel mode %q", s)
}

// State is what a watch is waiting to do at the current target
type State int

const (
	// Idle means nothing is armed
	Idle State = iota
	// ArmToTurnOn waits for the estimate to come within the critical distance
	ArmToTurnOn
	// ArmToTurnOff is the off-side counterpart of ArmToTurnOn
	ArmToTurnOff
	// ArmToSnap waits for arrival and the flag bit before firing a trigger
	ArmToSnap
)

func (s State) String() string {
	return [...]string{"idle", "arm-on", "arm-off", "arm-snap"}[s]
}

// Strategy selects which evidence drives the channels
type Strategy int

const (
	// FullTracking uses geometry and trusted flags, resyncing the cursor on flags
	FullTracking Strategy = iota
	// FlagsOnly mirrors the flag register and ignores geometry
	FlagsOnly
	// GeometryOverride uses geometry; trusted flags may fire early but never move the cursor
	GeometryOverride
)

func (s Strategy) String() string {
	switch s {
	case FlagsOnly:
		return "flags"
	case GeometryOverride:
		return "override"
	default:
		return "full"
	}
}

// ParseStrategy converts "full", "flags" or "override" to a Strategy
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(s) {
	case "full", "":
		return FullTracking, nil
	case "flags":
		return FlagsOnly, nil
	case "override":
		return GeometryOverride, nil
	}
	return FullTracking, fmt.Errorf("unknown tracking mode %q", s)
}

// Params are the timing parameters shared by every channel of a print
type Params struct {
	ZeroDistance float64

	// CritOn and CritOff are the lead ahead of a transition point.  A
	// negative CritOff switches off that far past the point.
	CritOn, CritOff Measure

	// BurstScale is the peak multiplier applied at switch-on, decaying to
	// 1 over BurstLength
	BurstScale  float64
	BurstLength Measure

	Strategy Strategy

	// ForceAtSegmentEnd fires a still-armed transition when the loop leaves its point
	ForceAtSegmentEnd bool
}

// Config describes one channel
type Config struct {
	Name string

	// Index is the channel's column in the toolpath table
	Index int

	Mode Mode

	// Bit is the channel's bit in the controller's flag register
	Bit uint

	// Trusted channels take the flag register (or a Confirmer) as ground truth
	Trusted bool
}

// Seeker is the part of the toolpath store a watch needs to resynchronize
type Seeker interface {
	Index() int
	CountTransitions(ch int, wantOn bool, end int) int
	SeekToTransition(ch int, wantOn bool, occurrence int) (int, error)
}

// Confirmer is an independent readout of whether a channel is on.
// known is false when the source has nothing to say this tick.
type Confirmer interface {
	Confirmed(ch string) (on, known bool)
}

// Kind of action taken on a channel
type Kind string

const (
	// KindOn is a switch-on
	KindOn Kind = "on"
	// KindOff is a switch-off
	KindOff Kind = "off"
	// KindValue is a change of output level while on
	KindValue Kind = "value"
	// KindSnap is a trigger
	KindSnap Kind = "snap"
)

// Action describes a command a watch sent to its driver
type Action struct {
	Channel string
	Kind    Kind
	Scale   float64

	// FlagDriven is true when the flag register or a Confirmer decided it
	FlagDriven bool

	// Line is the toolpath line of the target when the action was taken
	Line int64
}

// Watch follows one channel of one print
type Watch struct {
	Config

	State State
	On    bool

	// CriticalDistance is the lead of the current arm
	CriticalDistance float64

	// OnAction, if not nil, is called for every command sent
	OnAction func(Action)

	p     *Params
	d     *tracker.Distances
	drv   actuator.Driver
	store Seeker
	conf  Confirmer

	offAfter  bool // armed off fires past the endpoint
	carryOff  bool
	carryDist float64

	awaitConfirm bool // switched by geometry, trusted source not caught up yet
	lastFlag     bool
	touched      bool

	burstActive bool
	burstLength float64
	burstTravel float64
	burstLast   geometry.Vec
	lastScale   float64
}

// New creates a watch.  d is the tracker's distance record, read on every
// call; store and conf may be nil.
func New(c Config, p *Params, d *tracker.Distances, drv actuator.Driver, store Seeker, conf Confirmer) *Watch {
	return &Watch{Config: c, p: p, d: d, drv: drv, store: store, conf: conf}
}

func has(p toolpath.Point, k int) bool {
	return k >= 0 && k < len(p.Before) && k < len(p.After)
}

// Touched returns true if the watch has commanded its driver during this print
func (w *Watch) Touched() bool {
	return w.touched
}

// DefineState re-arms the watch for the current target.  speed is the
// commanded speed of the move toward the target.
func (w *Watch) DefineState(speed float64) {
	w.State = Idle
	w.CriticalDistance = 0
	w.offAfter = false
	if w.Mode == Inert {
		return
	}
	k := w.Index
	last, target, next := w.d.Last, w.d.Target, w.d.Next
	if !has(target, k) {
		return
	}
	zero := w.p.ZeroDistance

	if w.Mode == TriggerChannel {
		if target.TurnsOn(k) {
			w.State = ArmToSnap
		}
		return
	}

	switch {
	case target.Continuous(k):
		if n, ok := w.drv.(actuator.Nominaler); ok {
			n.SetNominal(w.Name, target.After[k])
		}
		if w.On {
			w.send(Action{Kind: KindValue, Scale: w.currentScale()})
		}
	case target.TurnsOn(k):
		if has(next, k) && next.TurnsOff(k) && geometry.Distance(target.Pos, next.Pos) <= zero {
			return
		}
		w.State = ArmToTurnOn
		w.CriticalDistance = w.lead(w.p.CritOn, speed)
	case target.TurnsOff(k):
		if has(last, k) && last.TurnsOn(k) && geometry.Distance(last.Pos, target.Pos) <= zero {
			return
		}
		w.State = ArmToTurnOff
		if w.p.CritOff.Negative() {
			w.offAfter = true
			w.CriticalDistance = math.Max(zero, w.p.CritOff.Distance(speed))
			return
		}
		w.CriticalDistance = w.lead(w.p.CritOff, speed)
	}
}

// lead is the critical distance ahead of the target, collapsed to the zero
// distance when the move is too short to hold it twice
func (w *Watch) lead(m Measure, speed float64) float64 {
	crit := math.Max(w.p.ZeroDistance, m.Distance(speed))
	if w.d.TLD < 2*crit {
		return w.p.ZeroDistance
	}
	return crit
}

// Check runs one tick.  flags is the controller's flag register.  resynced
// is true when a trusted flag moved the store cursor, after which the
// caller must rebuild its bracket from the store.
func (w *Watch) Check(flags uint32) (resynced bool) {
	if w.Mode == Inert {
		return false
	}
	flagOn := util.GetBit(flags, w.Bit)
	defer func() { w.lastFlag = flagOn }()

	if w.p.Strategy == FlagsOnly {
		w.mirror(flagOn)
		return false
	}

	if w.Mode == ActuatorChannel && w.Trusted {
		if done, moved := w.align(flagOn); done {
			w.burst()
			return moved
		}
	}

	if w.carryOff && w.d.LED >= w.carryDist {
		w.carryOff = false
		if w.On {
			w.turnOff(false)
		}
	}

	zero := w.p.ZeroDistance
	// an arm fires no later than the tracker's arrival at the target
	reached := w.d.LED >= w.d.TLD-math.Max(w.CriticalDistance, zero)
	switch w.State {
	case ArmToTurnOn:
		if reached {
			w.State = Idle
			w.switchOn()
		}
	case ArmToTurnOff:
		if !w.offAfter && reached {
			w.State = Idle
			w.turnOff(false)
		}
	case ArmToSnap:
		arrived := w.d.LED >= w.d.TLD-zero || w.d.TED <= zero
		if arrived && flagOn {
			w.State = Idle
			w.send(Action{Kind: KindSnap})
		}
	}
	w.burst()
	return false
}

// mirror follows the flag register with no geometry
func (w *Watch) mirror(flagOn bool) {
	switch w.Mode {
	case ActuatorChannel:
		if flagOn && !w.On {
			w.turnOn(true)
		} else if !flagOn && w.On {
			w.turnOff(true)
		}
		w.burst()
	case TriggerChannel:
		if flagOn && !w.lastFlag {
			w.send(Action{Kind: KindSnap, FlagDriven: true})
		}
	}
}

// align brings On in line with the trusted source.  done is true when the
// source disagreed and the channel was switched.
func (w *Watch) align(flagOn bool) (done, moved bool) {
	trusted := flagOn
	if w.conf != nil {
		on, known := w.conf.Confirmed(w.Name)
		if !known {
			return false, false
		}
		trusted = on
	}
	if w.awaitConfirm {
		if trusted == w.On {
			w.awaitConfirm = false
		}
		return false, false
	}
	if trusted == w.On {
		return false, false
	}
	if w.p.Strategy == GeometryOverride && trusted == w.lastFlag && w.conf == nil {
		// override only acts on a fresh edge of the register
		return false, false
	}

	if trusted {
		w.turnOn(true)
	} else {
		w.turnOff(true)
	}
	if (trusted && w.State == ArmToTurnOn) || (!trusted && w.State == ArmToTurnOff) {
		w.State = Idle
	}
	w.carryOff = false
	if w.p.Strategy != FullTracking || w.store == nil {
		return true, false
	}

	occurrence := w.store.CountTransitions(w.Index, trusted, w.store.Index()) + 1
	idx, err := w.store.SeekToTransition(w.Index, trusted, occurrence)
	if err != nil {
		if errors.Is(err, toolpath.ErrCursorDesync) {
			log.Printf("channel %s: %v, following geometry only", w.Name, err)
			w.Trusted = false
			return true, false
		}
		log.Printf("channel %s: seek failed: %v", w.Name, err)
		return true, false
	}
	log.Printf("channel %s: flag switched %s, cursor moved to point %d", w.Name, onOff(trusted), idx)
	return true, true
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

// SegmentEnd is called as the loop leaves the current target, before
// DefineState for the next one
func (w *Watch) SegmentEnd() {
	if w.Mode == Inert || w.p.Strategy == FlagsOnly {
		return
	}
	if w.carryOff {
		w.carryDist -= w.d.TLD
		if w.carryDist < 0 {
			w.carryDist = 0
		}
	}
	switch w.State {
	case ArmToTurnOff:
		if w.offAfter {
			w.carryOff = true
			w.carryDist = w.CriticalDistance
			break
		}
		if w.p.ForceAtSegmentEnd {
			w.turnOff(false)
		}
	case ArmToTurnOn:
		if w.p.ForceAtSegmentEnd {
			w.switchOn()
		}
	}
	w.State = Idle
}

// switchOn turns the channel on when the tracker reaches an on target.  An
// off still carried from the previous bead is cancelled instead, leaving the
// channel on without a second command.
func (w *Watch) switchOn() {
	if w.carryOff && w.On {
		w.carryOff = false
		return
	}
	w.turnOn(false)
}

// Shutdown switches the channel off if this print ever commanded it
func (w *Watch) Shutdown() {
	if w.Mode != ActuatorChannel || !w.touched {
		return
	}
	w.On = false
	w.burstActive = false
	w.carryOff = false
	w.drv.SetChannelOff(w.Name)
}

func (w *Watch) turnOn(flagDriven bool) {
	w.On = true
	w.carryOff = false
	w.awaitConfirm = !flagDriven && w.Trusted
	w.burstLength = w.p.BurstLength.Distance(w.d.Target.Speed)
	w.burstTravel = 0
	w.burstLast = w.d.Estimate
	w.burstActive = w.p.BurstScale > 1 && w.burstLength > 0
	w.send(Action{Kind: KindOn, Scale: w.currentScale(), FlagDriven: flagDriven})
}

func (w *Watch) turnOff(flagDriven bool) {
	w.On = false
	w.awaitConfirm = !flagDriven && w.Trusted
	w.burstActive = false
	w.send(Action{Kind: KindOff, FlagDriven: flagDriven})
}

func (w *Watch) currentScale() float64 {
	if !w.burstActive {
		return 1
	}
	return BurstScale(w.burstTravel, w.p.BurstScale, w.burstLength)
}

// burst advances the switch-on burst by the estimate's travel since the last tick
func (w *Watch) burst() {
	if !w.burstActive || !w.On {
		return
	}
	w.burstTravel += geometry.Distance(w.burstLast, w.d.Estimate)
	w.burstLast = w.d.Estimate
	scale := w.currentScale()
	if w.burstTravel >= w.burstLength {
		w.burstActive = false
		scale = 1
	}
	if math.Abs(scale-w.lastScale) > 1e-3 {
		w.send(Action{Kind: KindValue, Scale: scale})
	}
}

func (w *Watch) send(a Action) {
	a.Channel = w.Name
	a.Line = w.d.Target.Line
	w.touched = true
	switch a.Kind {
	case KindOn, KindValue:
		w.lastScale = a.Scale
		w.drv.SetChannelValue(w.Name, a.Scale)
	case KindOff:
		w.lastScale = 0
		w.drv.SetChannelOff(w.Name)
	case KindSnap:
		w.drv.FireTrigger(w.Name)
	}
	if w.OnAction != nil {
		w.OnAction(a)
	}
}
