package toolpath

import (
	"fmt"
	"math"

	"github.com/usnistgov/shopsync/geometry"
)

// Store is an indexed, forward-filled point table and a cursor into it.
// It is not concurrent safe; the print loop is its only user.
type Store struct {
	channels  []string
	points    []Point
	start     geometry.Vec
	cursor    int // index of the point last returned by Next, -1 before the first
	threshold float64
}

// NewStore validates the table, fills omitted axes forward from the start
// position and computes the retraction threshold with the given margin
func NewStore(t Table, margin float64) (*Store, error) {
	if err := t.validate(); err != nil {
		return nil, err
	}
	pts := make([]Point, len(t.Points))
	cur := t.Start
	for i, p := range t.Points {
		p.Pos = geometry.Fill(p.Pos, cur)
		p.Before = append([]float64(nil), p.Before...)
		p.After = append([]float64(nil), p.After...)
		cur = p.Pos
		pts[i] = p
	}
	s := &Store{
		channels: append([]string(nil), t.Channels...),
		points:   pts,
		start:    t.Start,
		cursor:   -1,
	}
	s.threshold = retraction(pts, margin)
	return s, nil
}

func retraction(pts []Point, margin float64) float64 {
	maxAll := math.Inf(-1)
	maxLow := math.Inf(-1)
	for _, p := range pts {
		z := p.Pos.Z
		if z > maxAll {
			maxAll = z
		}
		if z <= 0 && z > maxLow {
			maxLow = z
		}
	}
	if math.IsInf(maxLow, -1) {
		return maxAll
	}
	return maxLow + margin
}

// Channels returns the channel names in column order
func (s *Store) Channels() []string {
	return s.channels
}

// ChannelIndex returns the column of the named channel
func (s *Store) ChannelIndex(name string) (int, bool) {
	for i, c := range s.channels {
		if c == name {
			return i, true
		}
	}
	return 0, false
}

// Start returns the starting position of the stage
func (s *Store) Start() geometry.Vec {
	return s.start
}

// Len is the number of points
func (s *Store) Len() int {
	return len(s.points)
}

// Index returns the index of the point last returned by Next, or -1
func (s *Store) Index() int {
	return s.cursor
}

// At returns the point at index i
func (s *Store) At(i int) (Point, bool) {
	if i < 0 || i >= len(s.points) {
		return Point{}, false
	}
	return s.points[i], true
}

// Next advances the cursor and returns the point under it.
// ok is false once the table is exhausted.
func (s *Store) Next() (p Point, ok bool) {
	if s.cursor+1 >= len(s.points) {
		s.cursor = len(s.points)
		return Point{}, false
	}
	s.cursor++
	return s.points[s.cursor], true
}

// Peek looks n points past the cursor without moving it.  Peek(1) is the
// point the next call to Next will return.
func (s *Store) Peek(n int) (Point, bool) {
	return s.At(s.cursor + n)
}

// Exhausted returns true once Next has run past the last point
func (s *Store) Exhausted() bool {
	return s.cursor >= len(s.points)
}

// SeekToTransition finds the occurrence-th point (1-based, counted from the
// start of the table) at which channel ch turns on (wantOn) or off, and
// places the cursor on it.  The index of the point is returned.
func (s *Store) SeekToTransition(ch int, wantOn bool, occurrence int) (int, error) {
	if ch < 0 || ch >= len(s.channels) {
		return s.cursor, fmt.Errorf("channel index %d out of range", ch)
	}
	if occurrence < 1 {
		return s.cursor, fmt.Errorf("occurrence must be >= 1, got %d", occurrence)
	}
	seen := 0
	for i, p := range s.points {
		match := p.TurnsOff(ch)
		if wantOn {
			match = p.TurnsOn(ch)
		}
		if !match {
			continue
		}
		seen++
		if seen == occurrence {
			s.cursor = i
			return i, nil
		}
	}
	return s.cursor, fmt.Errorf("%w: channel %s has %d transitions to on=%t, wanted #%d",
		ErrCursorDesync, s.channels[ch], seen, wantOn, occurrence)
}

// RetractionThreshold is the z above which the stage is out of the print volume
func (s *Store) RetractionThreshold() float64 {
	return s.threshold
}

// CountTransitions counts the points before index end at which channel ch
// turns on (wantOn) or off
func (s *Store) CountTransitions(ch int, wantOn bool, end int) int {
	if end > len(s.points) {
		end = len(s.points)
	}
	n := 0
	for i := 0; i < end; i++ {
		p := s.points[i]
		if (wantOn && p.TurnsOn(ch)) || (!wantOn && p.TurnsOff(ch)) {
			n++
		}
	}
	return n
}
