package actuator

import "sync"

// Call is one command received by a Recorder
type Call struct {
	Kind  string // "value", "off", "trigger" or "nominal"
	Ch    string
	Value float64
}

// Recorder is a Driver which only remembers what it was told.  It backs dry
// runs and tests.
type Recorder struct {
	mu    sync.Mutex
	calls []Call
}

func (r *Recorder) add(c Call) {
	r.mu.Lock()
	r.calls = append(r.calls, c)
	r.mu.Unlock()
}

// SetChannelValue satisfies Driver
func (r *Recorder) SetChannelValue(ch string, scale float64) {
	r.add(Call{Kind: "value", Ch: ch, Value: scale})
}

// SetChannelOff satisfies Driver
func (r *Recorder) SetChannelOff(ch string) {
	r.add(Call{Kind: "off", Ch: ch})
}

// FireTrigger satisfies Driver
func (r *Recorder) FireTrigger(ch string) {
	r.add(Call{Kind: "trigger", Ch: ch})
}

// SetNominal satisfies Nominaler
func (r *Recorder) SetNominal(ch string, v float64) {
	r.add(Call{Kind: "nominal", Ch: ch, Value: v})
}

// Calls returns a copy of the calls received so far
func (r *Recorder) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Call(nil), r.calls...)
}

// Count returns how many calls of the given kind were made, on any channel
// when ch is empty
func (r *Recorder) Count(kind, ch string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c.Kind == kind && (ch == "" || c.Ch == ch) {
			n++
		}
	}
	return n
}
