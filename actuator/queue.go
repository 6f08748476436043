package actuator

import (
	"fmt"
	"log"
	"sync"
)

type cmdKind int

const (
	cmdValue cmdKind = iota
	cmdOff
	cmdTrigger
	cmdNominal
)

func (k cmdKind) String() string {
	switch k {
	case cmdValue:
		return "value"
	case cmdOff:
		return "off"
	case cmdTrigger:
		return "trigger"
	case cmdNominal:
		return "nominal"
	}
	return fmt.Sprintf("cmdKind(%d)", int(k))
}

type command struct {
	kind  cmdKind
	ch    string
	v     float64
	epoch int
}

type pendingValue struct {
	v     float64
	epoch int
}

// Queue turns a blocking Device into a Driver.  Commands are queued and
// executed in order by a single worker goroutine.  Value updates for a
// channel that are still waiting are coalesced so only the newest is sent.
type Queue struct {
	dev  Device
	cmds chan command
	done chan struct{}

	mu      sync.Mutex
	pending map[string]pendingValue
	epoch   map[string]int // bumped by every off, stales value commands already queued
	closed  bool
	wg      sync.WaitGroup
}

// NewQueue starts a queue of the given depth in front of dev
func NewQueue(dev Device, depth int) *Queue {
	q := &Queue{
		dev:     dev,
		cmds:    make(chan command, depth),
		done:    make(chan struct{}),
		pending: make(map[string]pendingValue),
		epoch:   make(map[string]int),
	}
	go q.work()
	return q
}

func (q *Queue) work() {
	defer close(q.done)
	for c := range q.cmds {
		var err error
		switch c.kind {
		case cmdValue:
			q.mu.Lock()
			pv, ok := q.pending[c.ch]
			if ok && pv.epoch == c.epoch {
				delete(q.pending, c.ch)
			}
			q.mu.Unlock()
			if !ok || pv.epoch != c.epoch {
				continue
			}
			err = q.dev.Set(c.ch, pv.v)
		case cmdOff:
			err = q.dev.Off(c.ch)
		case cmdTrigger:
			err = q.dev.Trigger(c.ch)
		case cmdNominal:
			if nd, ok := q.dev.(NominalDevice); ok {
				err = nd.Nominal(c.ch, c.v)
			} else {
				err = ErrUnsupported
			}
		}
		if err != nil {
			log.Printf("actuator: %s on %s failed: %v", c.kind, c.ch, err)
		}
	}
}

// push never blocks the caller.  When the queue is full the command is handed
// to a goroutine so it is delivered late rather than lost.  Coalescing keeps
// at most one value command per channel in flight.
func (q *Queue) push(c command) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		log.Printf("actuator: queue closed, dropping %s on %s", c.kind, c.ch)
		return
	}
	select {
	case q.cmds <- c:
	default:
		log.Printf("actuator: queue full, deferring %s on %s", c.kind, c.ch)
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			q.cmds <- c
		}()
	}
}

// SetChannelValue satisfies Driver
func (q *Queue) SetChannelValue(ch string, scale float64) {
	q.mu.Lock()
	e := q.epoch[ch]
	_, waiting := q.pending[ch]
	q.pending[ch] = pendingValue{v: scale, epoch: e}
	q.mu.Unlock()
	if !waiting {
		q.push(command{kind: cmdValue, ch: ch, epoch: e})
	}
}

// SetChannelOff satisfies Driver.  A value update still waiting for the
// channel is discarded.
func (q *Queue) SetChannelOff(ch string) {
	q.mu.Lock()
	delete(q.pending, ch)
	q.epoch[ch]++
	q.mu.Unlock()
	q.push(command{kind: cmdOff, ch: ch})
}

// FireTrigger satisfies Driver
func (q *Queue) FireTrigger(ch string) {
	q.push(command{kind: cmdTrigger, ch: ch})
}

// SetNominal satisfies Nominaler
func (q *Queue) SetNominal(ch string, v float64) {
	q.push(command{kind: cmdNominal, ch: ch, v: v})
}

// Close stops accepting commands and blocks until every queued one has run
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.done
		return
	}
	q.closed = true
	q.mu.Unlock()
	q.wg.Wait()
	close(q.cmds)
	<-q.done
}
