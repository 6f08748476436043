package actuator

import (
	"log"
	"sync"
	"time"
)

// Reader reads back the measured output of a channel
type Reader interface {
	Read(ch string) (float64, error)
}

// Readback polls a Reader in the background and reports a channel on when
// its reading is above Threshold.  It satisfies channel.Confirmer without
// blocking the print loop on I/O.
type Readback struct {
	r         Reader
	chans     []string
	threshold float64
	interval  time.Duration

	mu    sync.Mutex
	state map[string]bool

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewReadback starts polling chans on r every interval
func NewReadback(r Reader, chans []string, threshold float64, interval time.Duration) *Readback {
	rb := &Readback{
		r:         r,
		chans:     append([]string(nil), chans...),
		threshold: threshold,
		interval:  interval,
		state:     make(map[string]bool),
		stop:      make(chan struct{}),
	}
	rb.wg.Add(1)
	go rb.loop()
	return rb
}

func (rb *Readback) loop() {
	defer rb.wg.Done()
	t := time.NewTicker(rb.interval)
	defer t.Stop()
	for {
		rb.poll()
		select {
		case <-rb.stop:
			return
		case <-t.C:
		}
	}
}

func (rb *Readback) poll() {
	for _, ch := range rb.chans {
		v, err := rb.r.Read(ch)
		rb.mu.Lock()
		if err != nil {
			delete(rb.state, ch)
		} else {
			rb.state[ch] = v > rb.threshold
		}
		rb.mu.Unlock()
		if err != nil {
			log.Printf("actuator: readback of %s failed: %v", ch, err)
		}
	}
}

// Confirmed returns the last reading of ch.  known is false until a read of
// ch succeeds, and after one fails.
func (rb *Readback) Confirmed(ch string) (on, known bool) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	on, known = rb.state[ch]
	return on, known
}

// Close stops polling
func (rb *Readback) Close() {
	close(rb.stop)
	rb.wg.Wait()
}
