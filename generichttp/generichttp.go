// Package generichttp defines the HTTP plumbing shared by the status server:
// route tables bound on a chi router, small typed JSON payloads, and a
// websocket hub that streams events to observers.
package generichttp

import (
	"encoding/json"
	"fmt"
	"go/types"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/go-chi/chi"
)

// MethodPath is an HTTP method and a chi route pattern
type MethodPath struct {
	Method string
	Path   string
}

// RouteTable maps method/path pairs to handlers
type RouteTable map[MethodPath]http.HandlerFunc

// Endpoints lists the routes in a RouteTable as "METHOD /path", sorted
func (rt RouteTable) Endpoints() []string {
	routes := make([]string, 0, len(rt))
	for k := range rt {
		routes = append(routes, k.Method+" "+k.Path)
	}
	sort.Strings(routes)
	return routes
}

// Bind binds every route of the table on r
func (rt RouteTable) Bind(r chi.Router) {
	for mp, fcn := range rt {
		r.MethodFunc(mp.Method, mp.Path, fcn)
	}
}

// Merge copies the routes of other into rt
func (rt RouteTable) Merge(other RouteTable) {
	for k, v := range other {
		rt[k] = v
	}
}

// HTTPer is an object which has a route table
type HTTPer interface {
	RT() RouteTable
}

// SubMuxSanitize converts a URL stem into a chi mount pattern,
// "omc/nkt" => "/omc/nkt"
func SubMuxSanitize(str string) string {
	str = strings.Trim(str, "/")
	if str == "" {
		return "/"
	}
	return "/" + str
}

// BoolT is a struct with a single Bool field
type BoolT struct {
	Bool bool `json:"bool"`
}

// FloatT is a struct with a single F64 field
type FloatT struct {
	F64 float64 `json:"f64"`
}

// IntT is a struct with a single Int field
type IntT struct {
	Int int `json:"int"`
}

// StrT is a struct with a single Str field
type StrT struct {
	Str string `json:"str"`
}

// HumanPayload holds one value of a basic kind, and knows how to write it
// as JSON or as plain text depending on what the client accepts
type HumanPayload struct {
	T      types.BasicKind
	Bool   bool
	Float  float64
	Int    int
	String string
}

func (hp HumanPayload) text() string {
	switch hp.T {
	case types.Bool:
		return strconv.FormatBool(hp.Bool)
	case types.Float64:
		return strconv.FormatFloat(hp.Float, 'g', -1, 64)
	case types.Int:
		return strconv.Itoa(hp.Int)
	default:
		return hp.String
	}
}

func (hp HumanPayload) wrapped() interface{} {
	switch hp.T {
	case types.Bool:
		return BoolT{hp.Bool}
	case types.Float64:
		return FloatT{hp.Float}
	case types.Int:
		return IntT{hp.Int}
	default:
		return StrT{hp.String}
	}
}

// EncodeAndRespond writes the payload to w
func (hp HumanPayload) EncodeAndRespond(w http.ResponseWriter, r *http.Request) {
	if strings.Contains(r.Header.Get("Accept"), "text/plain") {
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprint(w, hp.text())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	err := json.NewEncoder(w).Encode(hp.wrapped())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// GetBool calls a bool-getting function and returns the response
// as json {'bool': value}
func GetBool(fcn func() (bool, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b, err := fcn()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		hp := HumanPayload{T: types.Bool, Bool: b}
		hp.EncodeAndRespond(w, r)
	}
}

// SetBool parses a JSON input of {'bool': value} and
// calls fcn with it
func SetBool(fcn func(bool) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b := BoolT{}
		err := json.NewDecoder(r.Body).Decode(&b)
		defer r.Body.Close()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		err = fcn(b.Bool)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// GetString calls a string-getting function and returns the response
// as json {'str': value}
func GetString(fcn func() (string, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, err := fcn()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		hp := HumanPayload{T: types.String, String: s}
		hp.EncodeAndRespond(w, r)
	}
}

// GetJSON calls fcn and encodes whatever it returns as JSON
func GetJSON(fcn func() (interface{}, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		v, err := fcn()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		err = json.NewEncoder(w).Encode(v)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}
}

// EndpointLister returns a handler listing the routes of rt as JSON
func EndpointLister(rt RouteTable) http.HandlerFunc {
	return GetJSON(func() (interface{}, error) {
		return rt.Endpoints(), nil
	})
}
