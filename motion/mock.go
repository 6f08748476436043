package motion

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/usnistgov/shopsync/geometry"
	"github.com/usnistgov/shopsync/toolpath"
	"github.com/usnistgov/shopsync/util"
)

// Mock is a simulated stage which plays a toolpath at its commanded speeds.
// Positions are reported Lag late, as a real controller's position readback
// trails its output register.  The flag register follows the channel values
// of the points the stage has passed.
type Mock struct {
	// Lag delays the reported position
	Lag time.Duration

	// Linger keeps the program reported as running after the last move
	Linger time.Duration

	// Lookahead is how many points past the current move the controller has read
	Lookahead int

	// Now is the clock; time.Now if nil
	Now func() time.Time

	mu      sync.Mutex
	start   geometry.Vec
	pts     []toolpath.Point
	arrive  []time.Duration // time at which each point is reached
	bits    map[int]uint
	t0      time.Time
	started bool
	abort   bool
}

// NewMock builds a mock for the points of s.  bits maps the store's channel
// indices to bits of the flag register.
func NewMock(s *toolpath.Store, bits map[int]uint) *Mock {
	m := &Mock{
		Linger:    time.Second,
		Lookahead: 2,
		start:     s.Start(),
		bits:      bits,
	}
	var (
		t    time.Duration
		prev = s.Start()
	)
	for i := 0; i < s.Len(); i++ {
		p, _ := s.At(i)
		d := geometry.Distance(prev, p.Pos)
		if !p.Pseudo() && p.Speed > 0 && d > 0 {
			t += util.SecsToDuration(d / p.Speed)
		}
		m.pts = append(m.pts, p)
		m.arrive = append(m.arrive, t)
		prev = p.Pos
	}
	return m
}

func (m *Mock) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

// Start begins the program.  It satisfies Starter.
func (m *Mock) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.t0 = m.now()
	m.started = true
	m.abort = false
	return nil
}

// Abort requests the print to stop, as an operator pressing the stop button
func (m *Mock) Abort() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.abort = true
}

// Duration is the time needed to play the whole program
func (m *Mock) Duration() time.Duration {
	if len(m.arrive) == 0 {
		return 0
	}
	return m.arrive[len(m.arrive)-1]
}

// elapsed is the program time; the mutex must be held
func (m *Mock) elapsed() time.Duration {
	if !m.started {
		return 0
	}
	return m.now().Sub(m.t0)
}

// reached is the number of points the stage has passed at program time t
func (m *Mock) reached(t time.Duration) int {
	n := 0
	for n < len(m.arrive) && m.arrive[n] <= t {
		n++
	}
	return n
}

// at interpolates the stage position at program time t
func (m *Mock) at(t time.Duration) geometry.Vec {
	n := m.reached(t)
	if n >= len(m.pts) {
		if len(m.pts) == 0 {
			return m.start
		}
		return m.pts[len(m.pts)-1].Pos
	}
	var (
		from  = m.start
		begin time.Duration
	)
	if n > 0 {
		from = m.pts[n-1].Pos
		begin = m.arrive[n-1]
	}
	to := m.pts[n]
	span := m.arrive[n] - begin
	if span <= 0 {
		return from
	}
	frac := float64(t-begin) / float64(span)
	d := geometry.Distance(from, to.Pos) * math.Max(0, frac)
	return geometry.Along(from, geometry.Direction(from, to.Pos), d)
}

// Flags satisfies Controller
func (m *Mock) Flags(ctx context.Context) (uint32, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var (
		r uint32
		n = m.reached(m.elapsed())
	)
	if !m.started {
		return 0, nil
	}
	for k, bit := range m.bits {
		on := false
		for i := 0; i < n; i++ {
			p := m.pts[i]
			if k >= len(p.After) || p.Continuous(k) {
				continue
			}
			on = p.After[k] > 0
		}
		r = util.SetBit(r, bit, on)
	}
	return r, nil
}

// Position satisfies Controller
func (m *Mock) Position(ctx context.Context) (geometry.Vec, error) {
	if err := ctx.Err(); err != nil {
		return geometry.Vec{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.elapsed() - m.Lag
	if t < 0 {
		t = 0
	}
	return m.at(t), nil
}

// Running satisfies Controller
func (m *Mock) Running(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started || m.abort {
		return false, nil
	}
	return m.elapsed() < m.Duration()+m.Lag+m.Linger, nil
}

// AbortRequested satisfies Controller
func (m *Mock) AbortRequested(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.abort, nil
}

// LastQueuedLine satisfies Controller
func (m *Mock) LastQueuedLine(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started || len(m.pts) == 0 {
		return 0, nil
	}
	i := m.reached(m.elapsed()) + m.Lookahead
	if i >= len(m.pts) {
		i = len(m.pts) - 1
	}
	return m.pts[i].Line, nil
}
