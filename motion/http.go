package motion

import (
	"context"
	"encoding/json"
	"go/types"
	"net/http"
	"time"

	"github.com/usnistgov/shopsync/generichttp"
)

// HTTPWrapper exposes the reads of a controller over HTTP
type HTTPWrapper struct {
	Controller

	// Timeout bounds each request to the controller
	Timeout time.Duration

	RouteTable generichttp.RouteTable
}

// NewHTTPWrapper returns a new HTTP wrapper with the route table pre-configured
func NewHTTPWrapper(c Controller, timeout time.Duration) HTTPWrapper {
	w := HTTPWrapper{Controller: c, Timeout: timeout}
	w.RouteTable = generichttp.RouteTable{
		generichttp.MethodPath{Method: http.MethodGet, Path: "/motion/pos"}:     w.GetPos,
		generichttp.MethodPath{Method: http.MethodGet, Path: "/motion/flags"}:   w.GetFlags,
		generichttp.MethodPath{Method: http.MethodGet, Path: "/motion/running"}: w.GetRunning,
		generichttp.MethodPath{Method: http.MethodGet, Path: "/motion/line"}:    w.GetLine,
		generichttp.MethodPath{Method: http.MethodGet, Path: "/motion/poll"}:    w.GetSnapshot,
	}
	return w
}

// RT satisfies the HTTPer interface
func (h HTTPWrapper) RT() generichttp.RouteTable {
	return h.RouteTable
}

func (h HTTPWrapper) ctx(r *http.Request) (context.Context, context.CancelFunc) {
	if h.Timeout <= 0 {
		return context.WithCancel(r.Context())
	}
	return context.WithTimeout(r.Context(), h.Timeout)
}

// GetPos returns the stage position as {"x":..,"y":..,"z":..}
func (h HTTPWrapper) GetPos(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.ctx(r)
	defer cancel()
	pos, err := h.Controller.Position(ctx)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	err = json.NewEncoder(w).Encode(map[string]float64{"x": pos.X, "y": pos.Y, "z": pos.Z})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// GetFlags returns the flag register as an int
func (h HTTPWrapper) GetFlags(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.ctx(r)
	defer cancel()
	flags, err := h.Controller.Flags(ctx)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	hp := generichttp.HumanPayload{T: types.Int, Int: int(flags)}
	hp.EncodeAndRespond(w, r)
}

// GetRunning returns whether a program is executing
func (h HTTPWrapper) GetRunning(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.ctx(r)
	defer cancel()
	running, err := h.Controller.Running(ctx)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	hp := generichttp.HumanPayload{T: types.Bool, Bool: running}
	hp.EncodeAndRespond(w, r)
}

// GetLine returns the last program line read by the controller
func (h HTTPWrapper) GetLine(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.ctx(r)
	defer cancel()
	line, err := h.Controller.LastQueuedLine(ctx)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	hp := generichttp.HumanPayload{T: types.Int, Int: int(line)}
	hp.EncodeAndRespond(w, r)
}

// GetSnapshot polls every reading at once
func (h HTTPWrapper) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.ctx(r)
	defer cancel()
	s, err := Poll(ctx, h.Controller)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	err = json.NewEncoder(w).Encode(s)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
