package comm

import (
	"bufio"
	"bytes"
	"io"
	"sync"
	"time"
)

// CreationFunc is a function which returns a new "connection" to something
// a closure should be used to encapsulate the variables and functions needed
type CreationFunc func() (io.ReadWriteCloser, error)

// Pool holds one or more connections to a device.  Idle connections are
// closed once all are returned and the timeout elapses, and re-opened on
// demand.  It is concurrent safe.  Pools must be created with NewPool.
type Pool struct {
	maxSize int
	onLease int
	timeout time.Duration
	conns   chan io.ReadWriteCloser
	timer   *time.Timer
	maker   CreationFunc

	reclaiming bool
	mu         sync.Mutex
}

// NewPool creates a pool of at most maxSize connections
func NewPool(maxSize int, timeout time.Duration, maker CreationFunc) *Pool {
	p := &Pool{
		maxSize: maxSize,
		timeout: timeout,
		conns:   make(chan io.ReadWriteCloser, maxSize),
		timer:   time.NewTimer(timeout),
		maker:   maker,
	}
	p.timer.Stop()
	return p
}

// Get retrieves a connection, blocking until one is available if all are in
// use.  Return it with Put, or Destroy it if it has gone bad.
//
// If the error from Get is not nil, the connection must not be returned to
// the pool.
func (p *Pool) Get() (io.ReadWriter, error) {
	p.timer.Stop()
	p.mu.Lock()
	if len(p.conns) > 0 || p.onLease == p.maxSize {
		p.onLease++
		p.mu.Unlock()
		return <-p.conns, nil
	}
	p.onLease++
	p.mu.Unlock()
	c, err := p.maker()
	if err != nil {
		p.mu.Lock()
		p.onLease--
		p.mu.Unlock()
		return nil, err
	}
	return c, nil
}

// Put restores a connection to the pool
func (p *Pool) Put(rw io.ReadWriter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conns <- rw.(io.ReadWriteCloser)
	p.onLease--
	if p.onLease == 0 {
		p.startReclaim()
	}
}

// Destroy immediately closes a connection that has gone bad instead of
// returning it with Put
func (p *Pool) Destroy(rw io.ReadWriter) {
	rw.(io.ReadWriteCloser).Close()
	p.mu.Lock()
	p.onLease--
	p.mu.Unlock()
}

// Size returns the number of connections in the pool or given out from it
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns) + p.onLease
}

// Active returns the number of connections currently given out
func (p *Pool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.onLease
}

// startReclaim closes the idle connections once the timeout elapses.
// The caller holds p.mu.
func (p *Pool) startReclaim() {
	p.timer.Reset(p.timeout)
	if p.reclaiming {
		return
	}
	p.reclaiming = true
	go func() {
		<-p.timer.C
		p.mu.Lock()
		defer p.mu.Unlock()
		p.reclaiming = false
		if p.onLease != 0 {
			return
		}
		for len(p.conns) > 0 {
			(<-p.conns).Close()
		}
	}()
}

// Exchange writes msg plus the tx terminator to rw and reads one reply line
// terminated by rx, which is stripped
func Exchange(rw io.ReadWriter, msg []byte, tx, rx byte) ([]byte, error) {
	out := make([]byte, 0, len(msg)+1)
	out = append(append(out, msg...), tx)
	if _, err := rw.Write(out); err != nil {
		return nil, err
	}
	buf, err := bufio.NewReader(rw).ReadBytes(rx)
	if err != nil {
		return buf, err
	}
	if !bytes.HasSuffix(buf, []byte{rx}) {
		return buf, ErrTerminatorNotFound
	}
	return buf[:len(buf)-1], nil
}
