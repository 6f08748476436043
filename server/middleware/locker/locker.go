// Package locker provides an HTTP middleware which allows an HTTPHandler to be locked, returning 423 (locked)
package locker

import (
	"net/http"
	"strings"
	"sync"

	"github.com/usnistgov/shopsync/generichttp"
)

// Inject adds a lock route to a route table which is used to manipulate the locker
func Inject(rt generichttp.RouteTable, l *Locker) {
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/lock"}] = generichttp.GetBool(func() (bool, error) {
		return l.Locked(), nil
	})
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/lock"}] = generichttp.SetBool(func(b bool) error {
		if b {
			l.Lock()
		} else {
			l.Unlock()
		}
		return nil
	})
}

// Locker is a type which behaves like a sync.Mutex without the blocking.
// Only writes (non-GET requests) to paths containing one of Protect are
// refused while it is locked.
type Locker struct {
	mu       sync.RWMutex
	isLocked bool

	// Protect is a list of path fragments the lock applies to.  An empty
	// list protects every path except DoNotProtect.
	Protect []string

	// DoNotProtect is a list of paths not to apply the lock to
	DoNotProtect []string
}

// New returns a new Locker with DoNotProtect prepopulated with "lock"
func New(protect ...string) *Locker {
	return &Locker{Protect: protect, DoNotProtect: []string{"lock"}}
}

// Lock the locker
func (l *Locker) Lock() {
	l.mu.Lock()
	l.isLocked = true
	l.mu.Unlock()
}

// Unlock the locker
func (l *Locker) Unlock() {
	l.mu.Lock()
	l.isLocked = false
	l.mu.Unlock()
}

// Locked returns true if the locker is locked
func (l *Locker) Locked() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.isLocked
}

func (l *Locker) protects(r *http.Request) bool {
	if r.Method == http.MethodGet || r.Method == http.MethodHead {
		return false
	}
	url := r.URL.Path
	for _, str := range l.DoNotProtect {
		if strings.Contains(url, str) {
			return false
		}
	}
	if len(l.Protect) == 0 {
		return true
	}
	for _, str := range l.Protect {
		if strings.Contains(url, str) {
			return true
		}
	}
	return false
}

// Check is an HTTP middleware that returns http.StatusLocked if Locked() is true, otherwise passes down the line
func (l *Locker) Check(next http.Handler) http.Handler {
	// return a handlerfunc wrapping a handler, middleware/generator pattern
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if l.Locked() && l.protects(r) {
			http.Error(w, "locked while a print is running", http.StatusLocked)
			return
		}
		next.ServeHTTP(w, r)
	})
}
