// Package server is the status server of a shopsync installation.
//
// It reports the state of the running print, streams its events over a
// websocket, lets an operator abort it, and holds the configuration used for
// the next print.  Configuration writes are refused while a print runs.
package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	yml "gopkg.in/yaml.v2"

	"github.com/usnistgov/shopsync/config"
	"github.com/usnistgov/shopsync/generichttp"
	"github.com/usnistgov/shopsync/motion"
	"github.com/usnistgov/shopsync/printloop"
	"github.com/usnistgov/shopsync/server/middleware/locker"
)

// RecentDepth is the number of events kept for /events/recent.  Ticks are
// streamed but not kept.
const RecentDepth = 256

// Server holds the print being run and the routes that expose it
type Server struct {
	Hub        *generichttp.Hub
	Locker     *locker.Locker
	RouteTable generichttp.RouteTable

	mu     sync.Mutex
	conf   config.Config
	loop   *printloop.Loop
	cancel context.CancelFunc
	last   printloop.Status
	recent []printloop.Event
}

// New returns a server holding c.  If ctl is not nil its reads are served
// under /motion.
func New(c config.Config, ctl motion.Controller) *Server {
	s := &Server{
		Hub:    generichttp.NewHub(),
		Locker: locker.New("config"),
		conf:   c,
		last:   printloop.Status{Outcome: "idle"},
	}
	rt := generichttp.RouteTable{
		generichttp.MethodPath{Method: http.MethodGet, Path: "/status"}:        s.GetStatus,
		generichttp.MethodPath{Method: http.MethodPost, Path: "/abort"}:        s.PostAbort,
		generichttp.MethodPath{Method: http.MethodGet, Path: "/config"}:        s.GetConfig,
		generichttp.MethodPath{Method: http.MethodPost, Path: "/config"}:       s.PostConfig,
		generichttp.MethodPath{Method: http.MethodGet, Path: "/events"}:        s.Hub.ServeHTTP,
		generichttp.MethodPath{Method: http.MethodGet, Path: "/events/recent"}: s.GetRecent,
	}
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/endpoints"}] = generichttp.EndpointLister(rt)
	if ctl != nil {
		rt.Merge(motion.NewHTTPWrapper(ctl, c.Controller.Timeout).RT())
	}
	locker.Inject(rt, s.Locker)
	s.RouteTable = rt
	return s
}

// RT satisfies generichttp.HTTPer
func (s *Server) RT() generichttp.RouteTable {
	return s.RouteTable
}

// Handler returns a router serving every route of the server
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(s.Locker.Check)
	s.RouteTable.Bind(r)
	return r
}

// Config returns the configuration for the next print
func (s *Server) Config() config.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conf
}

// Attach makes l the running print.  cancel aborts it.  The configuration
// is locked until Detach.
func (s *Server) Attach(l *printloop.Loop, cancel context.CancelFunc) {
	s.mu.Lock()
	s.loop = l
	s.cancel = cancel
	s.mu.Unlock()
	s.Locker.Lock()
}

// Detach records the final status of the running print and unlocks the
// configuration
func (s *Server) Detach() {
	s.mu.Lock()
	if s.loop != nil {
		s.last = s.loop.Status()
	}
	s.loop = nil
	s.cancel = nil
	s.mu.Unlock()
	s.Locker.Unlock()
}

// Forward relays events to the websocket observers until events is closed
func (s *Server) Forward(events <-chan printloop.Event) {
	for e := range events {
		if e.Kind == printloop.EventTick {
			s.Hub.Broadcast(e)
			continue
		}
		s.mu.Lock()
		s.recent = append(s.recent, e)
		if len(s.recent) > RecentDepth {
			s.recent = s.recent[len(s.recent)-RecentDepth:]
		}
		s.mu.Unlock()
		s.Hub.Broadcast(e)
	}
}

// Status returns the status of the running print, or of the last one
func (s *Server) Status() printloop.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loop != nil {
		return s.loop.Status()
	}
	return s.last
}

// GetStatus returns the print status as JSON
func (s *Server) GetStatus(w http.ResponseWriter, r *http.Request) {
	generichttp.GetJSON(func() (interface{}, error) {
		return s.Status(), nil
	})(w, r)
}

// GetRecent returns the latest events as a JSON array, oldest first
func (s *Server) GetRecent(w http.ResponseWriter, r *http.Request) {
	generichttp.GetJSON(func() (interface{}, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		return append([]printloop.Event{}, s.recent...), nil
	})(w, r)
}

// PostAbort cancels the running print
func (s *Server) PostAbort(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel == nil {
		http.Error(w, "no print is running", http.StatusConflict)
		return
	}
	log.Println("server: abort requested over HTTP")
	cancel()
	w.WriteHeader(http.StatusOK)
}

// GetConfig returns the configuration as YAML
func (s *Server) GetConfig(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/x-yaml")
	if err := config.Dump(w, s.Config()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// PostConfig overlays a YAML document on the configuration.  The result
// must validate, or nothing changes.
func (s *Server) PostConfig(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	c := s.Config()
	if err := yml.NewDecoder(r.Body).Decode(&c); err != nil {
		http.Error(w, fmt.Sprintf("error decoding config: %v", err), http.StatusBadRequest)
		return
	}
	if err := c.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	s.conf = c
	s.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}
