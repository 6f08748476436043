package server_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/usnistgov/shopsync/actuator"
	"github.com/usnistgov/shopsync/channel"
	"github.com/usnistgov/shopsync/config"
	"github.com/usnistgov/shopsync/geometry"
	"github.com/usnistgov/shopsync/motion"
	"github.com/usnistgov/shopsync/printloop"
	"github.com/usnistgov/shopsync/server"
	"github.com/usnistgov/shopsync/toolpath"
)

func loop(t *testing.T) (*printloop.Loop, motion.Controller) {
	t.Helper()
	s, err := toolpath.NewStore(toolpath.Table{
		Channels: []string{"p1"},
		Points: []toolpath.Point{
			{Line: 1, Pos: geometry.Vec{X: 10}, Speed: 10, Before: []float64{0}, After: []float64{1}},
			{Line: 2, Pos: geometry.Vec{X: 20}, Speed: 10, Before: []float64{1}, After: []float64{0}},
		},
	}, 0.5)
	if err != nil {
		t.Fatal(err)
	}
	m := motion.NewMock(s, nil)
	l, err := printloop.New(printloop.Config{
		Params:       channel.Params{ZeroDistance: 0.01},
		Channels:     []channel.Config{{Name: "p1", Mode: channel.ActuatorChannel}},
		TickInterval: 10 * time.Millisecond,
	}, m, map[string]actuator.Driver{"p1": &actuator.Recorder{}}, s, nil)
	if err != nil {
		t.Fatal(err)
	}
	return l, m
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, strings.NewReader(body)))
	return rec
}

func TestStatusIdleThenAttached(t *testing.T) {
	srv := server.New(config.Default(), nil)
	h := srv.Handler()

	var st printloop.Status
	rec := do(t, h, http.MethodGet, "/status", "")
	if err := json.NewDecoder(rec.Body).Decode(&st); err != nil {
		t.Fatal(err)
	}
	if st.Outcome != "idle" {
		t.Errorf("expected idle got %q", st.Outcome)
	}

	l, _ := loop(t)
	srv.Attach(l, func() {})
	rec = do(t, h, http.MethodGet, "/status", "")
	if err := json.NewDecoder(rec.Body).Decode(&st); err != nil {
		t.Fatal(err)
	}
	if st.Run != l.RunID() || st.Points != 2 || st.Outcome != "running" {
		t.Errorf("expected the attached print's status, got %+v", st)
	}
	srv.Detach()
	if got := srv.Status().Run; got != l.RunID() {
		t.Errorf("expected the last print to be reported after detach, got run %q", got)
	}
}

func TestConfigLockedWhilePrinting(t *testing.T) {
	srv := server.New(config.Default(), nil)
	h := srv.Handler()
	l, _ := loop(t)

	srv.Attach(l, func() {})
	if rec := do(t, h, http.MethodPost, "/config", "tracking:\n  max_misses: 7\n"); rec.Code != http.StatusLocked {
		t.Errorf("expected 423 while printing got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/config", ""); rec.Code != http.StatusOK {
		t.Errorf("expected reads to pass while printing, got %d", rec.Code)
	}
	srv.Detach()

	if rec := do(t, h, http.MethodPost, "/config", "tracking:\n  max_misses: 7\n"); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rec.Code, rec.Body)
	}
	if got := srv.Config().Tracking.MaxMisses; got != 7 {
		t.Errorf("expected max_misses 7 got %d", got)
	}
	if got := srv.Config().Tracking.ZeroDistance; got != config.Default().Tracking.ZeroDistance {
		t.Errorf("expected a partial document to keep other settings, zero_distance became %g", got)
	}
}

func TestConfigRejectsInvalid(t *testing.T) {
	srv := server.New(config.Default(), nil)
	h := srv.Handler()
	table := []string{
		"tracking:\n  zero_distance: -1\n",
		"tracking:\n  mode: sideways\n",
		"tracking: [",
	}
	for _, body := range table {
		if rec := do(t, h, http.MethodPost, "/config", body); rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400 for %q got %d", body, rec.Code)
		}
	}
	if srv.Config().Tracking.Mode != "full" {
		t.Error("expected a rejected document to leave the config untouched")
	}
}

func TestAbort(t *testing.T) {
	srv := server.New(config.Default(), nil)
	h := srv.Handler()
	if rec := do(t, h, http.MethodPost, "/abort", ""); rec.Code != http.StatusConflict {
		t.Errorf("expected 409 with no print got %d", rec.Code)
	}
	ctx, cancel := context.WithCancel(context.Background())
	l, _ := loop(t)
	srv.Attach(l, cancel)
	if rec := do(t, h, http.MethodPost, "/abort", ""); rec.Code != http.StatusOK {
		t.Errorf("expected 200 got %d", rec.Code)
	}
	if ctx.Err() == nil {
		t.Error("expected the print's context to be cancelled")
	}
}

func TestForwardKeepsRecent(t *testing.T) {
	srv := server.New(config.Default(), nil)
	events := make(chan printloop.Event)
	done := make(chan struct{})
	go func() {
		srv.Forward(events)
		close(done)
	}()
	for i := 0; i < server.RecentDepth+10; i++ {
		events <- printloop.Event{Kind: printloop.EventAdvance, Index: i}
	}
	close(events)
	<-done

	var evs []printloop.Event
	rec := do(t, srv.Handler(), http.MethodGet, "/events/recent", "")
	if err := json.NewDecoder(rec.Body).Decode(&evs); err != nil {
		t.Fatal(err)
	}
	if len(evs) != server.RecentDepth {
		t.Fatalf("expected %d events got %d", server.RecentDepth, len(evs))
	}
	if evs[0].Index != 10 {
		t.Errorf("expected the oldest events to be dropped first, got index %d", evs[0].Index)
	}
}

func TestMotionRoutes(t *testing.T) {
	_, m := loop(t)
	srv := server.New(config.Default(), m)
	rec := do(t, srv.Handler(), http.MethodGet, "/endpoints", "")
	var eps []string
	if err := json.NewDecoder(rec.Body).Decode(&eps); err != nil {
		t.Fatal(err)
	}
	found := false
	for _, e := range eps {
		if e == "GET /motion/pos" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected the motion routes to be listed, got %v", eps)
	}
	if rec := do(t, srv.Handler(), http.MethodGet, "/motion/running", ""); rec.Code != http.StatusOK {
		t.Errorf("expected 200 got %d", rec.Code)
	}
}
