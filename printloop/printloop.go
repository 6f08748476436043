/*Package printloop synchronizes actuators with a running toolpath.

A Loop polls the motion controller at a fixed interval, dead-reckons where the
stage is along the toolpath, and lets each channel watch decide when its
actuator switches.  Exactly one outcome, Finished or Aborted, ends a Run, and
every channel the print switched is turned off on the way out.
*/
package printloop

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/usnistgov/shopsync/actuator"
	"github.com/usnistgov/shopsync/channel"
	"github.com/usnistgov/shopsync/geometry"
	"github.com/usnistgov/shopsync/motion"
	"github.com/usnistgov/shopsync/toolpath"
	"github.com/usnistgov/shopsync/tracker"
	"github.com/usnistgov/shopsync/util"
)

// maxAdvances bounds the points passed in a single tick
const maxAdvances = 64

var (
	// ErrPollTimeout is generated when the controller does not answer a poll in time
	ErrPollTimeout = errors.New("controller poll timed out")

	// ErrControllerUnresponsive is generated after too many consecutive failed polls
	ErrControllerUnresponsive = errors.New("controller unresponsive")

	// ErrStartTimeout is generated when the controller never starts the program
	ErrStartTimeout = errors.New("controller did not start the program in time")
)

// Config holds the settings of one print
type Config struct {
	Params channel.Params

	// Channels configures the channels of the toolpath by name.  Channels
	// of the toolpath missing here are inert.
	Channels []channel.Config

	TickInterval time.Duration
	PollTimeout  time.Duration
	MaxMisses    int
	StartTimeout time.Duration

	// Confirmer is an optional independent readout for trusted channels
	Confirmer channel.Confirmer
}

// ChannelStatus is the state of one channel, for observers
type ChannelStatus struct {
	Name    string `json:"name"`
	Mode    string `json:"mode"`
	State   string `json:"state"`
	On      bool   `json:"on"`
	Trusted bool   `json:"trusted"`
}

// Status is a snapshot of a print, for observers
type Status struct {
	Run         string          `json:"run"`
	Fingerprint string          `json:"fingerprint"`
	Outcome     string          `json:"outcome"`
	Started     bool            `json:"started"`
	Line        int64           `json:"line"`
	Index       int             `json:"index"`
	Points      int             `json:"points"`
	Read        geometry.Vec    `json:"read"`
	Estimate    geometry.Vec    `json:"estimate"`
	Flags       uint32          `json:"flags"`
	Misses      int             `json:"misses"`
	Dropped     int             `json:"dropped"`
	Channels    []ChannelStatus `json:"channels"`
}

// Loop runs one print.  It is not reusable; build a new Loop for each print.
type Loop struct {
	// Now is the clock; time.Now if nil
	Now func() time.Time

	// Ticks, if not nil, replaces the loop's ticker
	Ticks <-chan time.Time

	cfg     Config
	params  channel.Params
	ctl     motion.Controller
	store   *toolpath.Store
	tr      *tracker.Tracker
	watches []*channel.Watch
	events  chan<- Event
	run     string

	lastQueued int64
	outcome    Outcome
	dropped    int

	mu     sync.Mutex
	status Status
}

// New creates a loop.  drivers maps channel names to actuator drivers;
// events, if not nil, receives notifications without ever blocking the loop.
func New(cfg Config, ctl motion.Controller, drivers map[string]actuator.Driver, store *toolpath.Store, events chan<- Event) (*Loop, error) {
	if cfg.TickInterval <= 0 {
		return nil, fmt.Errorf("tick interval must be positive, got %v", cfg.TickInterval)
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = cfg.TickInterval
	}
	if cfg.MaxMisses < 1 {
		cfg.MaxMisses = 1
	}
	l := &Loop{
		cfg:    cfg,
		params: cfg.Params,
		ctl:    ctl,
		store:  store,
		tr:     tracker.New(cfg.Params.ZeroDistance, store.Start()),
		events: events,
		run:    uuid.New().String(),
	}
	byName := make(map[string]channel.Config, len(cfg.Channels))
	for _, c := range cfg.Channels {
		byName[c.Name] = c
	}
	for k, name := range store.Channels() {
		c, ok := byName[name]
		if !ok {
			log.Printf("printloop: channel %s is not configured, treating it as inert", name)
			c = channel.Config{Name: name, Mode: channel.Inert}
		}
		c.Index = k
		drv := drivers[name]
		if drv == nil && c.Mode != channel.Inert {
			return nil, fmt.Errorf("channel %s: no actuator driver", name)
		}
		w := channel.New(c, &l.params, &l.tr.Distances, drv, store, cfg.Confirmer)
		w.OnAction = l.onAction
		l.watches = append(l.watches, w)
	}
	l.status = Status{Run: l.run, Fingerprint: store.Fingerprint(), Points: store.Len(), Outcome: Running.String()}
	return l, nil
}

// RunID is the unique id of this print, carried on every event
func (l *Loop) RunID() string {
	return l.run
}

func (l *Loop) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

// Status returns a snapshot of the print; it is safe to call from any goroutine
func (l *Loop) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.status
	s.Channels = append([]ChannelStatus(nil), l.status.Channels...)
	return s
}

// Run executes the print until it finishes, is aborted, or ctx is done
func (l *Loop) Run(ctx context.Context) (Outcome, error) {
	defer l.shutdown()
	ticks := l.Ticks
	if ticks == nil {
		ticker := time.NewTicker(l.cfg.TickInterval)
		defer ticker.Stop()
		ticks = ticker.C
	}

	log.Printf("printloop: run %s, %d points, fingerprint %s, retraction above z=%g",
		l.run, l.store.Len(), l.store.Fingerprint(), l.store.RetractionThreshold())
	if !l.begin() {
		return l.end(Finished, "empty toolpath"), nil
	}

	var (
		misses   int
		seen     bool
		entered  bool
		last     motion.Snapshot
		deadline = l.now().Add(l.cfg.StartTimeout)
	)
	for {
		select {
		case <-ctx.Done():
			return l.end(Aborted, "cancelled"), ctx.Err()
		case <-ticks:
		}

		snap, err := l.poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return l.end(Aborted, "cancelled"), ctx.Err()
			}
			misses++
			l.setMisses(misses)
			l.emit(Event{Kind: EventMiss, Msg: err.Error()})
			log.Printf("printloop: poll %d/%d failed: %v", misses, l.cfg.MaxMisses, err)
			if misses >= l.cfg.MaxMisses {
				l.end(Aborted, "controller unresponsive")
				return Aborted, fmt.Errorf("%w after %d polls: %v", ErrControllerUnresponsive, misses, err)
			}
			if seen {
				// coast: dead-reckon from the last read and the last flags
				if !l.advanceAll(l.now(), last.Flags) {
					return l.end(Finished, "end of toolpath"), nil
				}
			}
			continue
		}
		misses = 0
		last = snap
		now := l.now()

		if snap.Abort {
			return l.end(Aborted, "abort requested"), nil
		}
		if !snap.Running {
			if l.atEnd() {
				return l.end(Finished, "program ended"), nil
			}
			if !seen {
				if l.cfg.StartTimeout > 0 && now.After(deadline) {
					l.end(Aborted, "program never started")
					return Aborted, ErrStartTimeout
				}
				continue
			}
			return l.end(Aborted, "program stopped before the end of the toolpath"), nil
		}
		if !seen {
			seen = true
			log.Printf("printloop: program running, flags on: [%s]", util.IntSliceToCSV(util.Bits(snap.Flags)))
			l.emit(Event{Kind: EventStarted})
		}
		l.lastQueued = snap.Line

		if !l.step(now, snap) {
			return l.end(Finished, "end of toolpath"), nil
		}
		if snap.Pos.Z <= l.store.RetractionThreshold() {
			entered = true
		} else if entered {
			return l.end(Finished, "retracted out of the part"), nil
		}
		st := l.publish(snap)
		l.emit(Event{Kind: EventTick, Status: &st})
	}
}

func (l *Loop) poll(ctx context.Context) (motion.Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, l.cfg.PollTimeout)
	defer cancel()
	snap, err := motion.Poll(ctx, l.ctl)
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("%w: %v", ErrPollTimeout, err)
	}
	return snap, err
}

// step feeds one poll to the tracker and the channels, and advances as far
// as the estimate allows.  It returns false once the table is exhausted.
func (l *Loop) step(now time.Time, snap motion.Snapshot) bool {
	l.tr.UpdateRead(snap.Pos)
	return l.advanceAll(now, snap.Flags)
}

// advanceAll moves the estimate to now and follows it through the table
// with the given flags, keeping the read the tracker already has
func (l *Loop) advanceAll(now time.Time, flags uint32) bool {
	for i := 0; i < maxAdvances; i++ {
		speed := l.tr.Target.Speed
		l.tr.Sync(now, speed, l.lastQueued >= l.tr.Target.Line)
		l.tr.UpdateEstimate(now, speed)
		if l.check(flags) {
			if !l.resync() {
				return false
			}
			continue
		}
		if !l.tr.ReadyForNextPoint() {
			return true
		}
		if !l.advance() {
			return false
		}
	}
	return true
}

func (l *Loop) check(flags uint32) bool {
	for _, w := range l.watches {
		if w.Check(flags) {
			return true
		}
	}
	return false
}

// blank is a channel row with every channel off
func (l *Loop) blank() []float64 {
	return make([]float64, len(l.store.Channels()))
}

// nextOf is the point after target, or a motionless copy of it at the end
func (l *Loop) nextOf(target toolpath.Point) toolpath.Point {
	if p, ok := l.store.Peek(1); ok {
		return p
	}
	return toolpath.Point{Line: target.Line, Pos: target.Pos, Speed: target.Speed, Before: target.After, After: target.After}
}

// begin brackets the first point of the table from the start position
func (l *Loop) begin() bool {
	target, ok := l.store.Next()
	if !ok {
		return false
	}
	last := toolpath.Point{Pos: l.store.Start(), Before: l.blank(), After: l.blank()}
	l.tr.UpdateTarget(last, target, l.nextOf(target))
	l.define()
	return true
}

// advance moves to the next point of the table, carrying the segment clock
// over when the estimate is what reached the old target
func (l *Loop) advance() bool {
	arrived := l.tr.EstimateArrived()
	crossing, carry := l.tr.Crossing(l.tr.Target.Speed)
	for _, w := range l.watches {
		w.SegmentEnd()
	}
	last := l.tr.Target
	target, ok := l.store.Next()
	if !ok {
		return false
	}
	l.tr.UpdateTarget(last, target, l.nextOf(target))
	if arrived && carry && l.lastQueued >= target.Line {
		l.tr.StartClock(crossing)
	}
	l.define()
	l.emit(Event{Kind: EventAdvance})
	return true
}

// resync rebuilds the bracket after a watch moved the store's cursor
func (l *Loop) resync() bool {
	last, _ := l.store.At(l.store.Index())
	target, ok := l.store.Next()
	if !ok {
		return false
	}
	l.tr.UpdateTarget(last, target, l.nextOf(target))
	l.define()
	l.emit(Event{Kind: EventResync})
	return true
}

func (l *Loop) define() {
	for _, w := range l.watches {
		w.DefineState(l.tr.Target.Speed)
	}
}

// atEnd returns true when the stage has nowhere left to go
func (l *Loop) atEnd() bool {
	if l.store.Exhausted() {
		return true
	}
	if _, more := l.store.Peek(1); more {
		return false
	}
	return l.tr.HasHitReadTarget() || l.tr.EstimateArrived()
}

func (l *Loop) onAction(a channel.Action) {
	l.emit(Event{Kind: EventAction, Action: &a})
}

// emit sends e to the observers, dropping it if they are behind
func (l *Loop) emit(e Event) {
	if l.events == nil {
		return
	}
	e.Run = l.run
	e.Time = l.now()
	e.Line = l.tr.Target.Line
	e.Index = l.store.Index()
	select {
	case l.events <- e:
	default:
		l.dropped++
	}
}

// end records the outcome and notifies observers, once
func (l *Loop) end(o Outcome, why string) Outcome {
	if l.outcome != Running {
		return l.outcome
	}
	l.outcome = o
	kind := EventFinished
	if o == Aborted {
		kind = EventAborted
	}
	log.Printf("printloop: run %s %s: %s", l.run, o, why)
	l.emit(Event{Kind: kind, Msg: why})
	l.mu.Lock()
	l.status.Outcome = o.String()
	l.status.Dropped = l.dropped
	l.mu.Unlock()
	return o
}

// shutdown turns off every channel this print switched
func (l *Loop) shutdown() {
	for _, w := range l.watches {
		w.Shutdown()
	}
}

func (l *Loop) setMisses(n int) {
	l.mu.Lock()
	l.status.Misses = n
	l.mu.Unlock()
}

// publish updates the status observers read, and returns a copy of it
func (l *Loop) publish(snap motion.Snapshot) Status {
	chans := make([]ChannelStatus, len(l.watches))
	for i, w := range l.watches {
		chans[i] = ChannelStatus{
			Name:    w.Name,
			Mode:    w.Mode.String(),
			State:   w.State.String(),
			On:      w.On,
			Trusted: w.Trusted,
		}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.status.Started = true
	l.status.Line = l.tr.Target.Line
	l.status.Index = l.store.Index()
	l.status.Read = l.tr.Read
	l.status.Estimate = l.tr.Estimate
	l.status.Flags = snap.Flags
	l.status.Misses = 0
	l.status.Dropped = l.dropped
	l.status.Channels = chans
	return l.status
}
