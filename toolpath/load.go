package toolpath

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/usnistgov/shopsync/geometry"
	"gopkg.in/yaml.v2"
)

const (
	beforeSuffix = "_before"
	afterSuffix  = "_after"
)

// LoadFile reads a point table from a .csv or .yml/.yaml file
func LoadFile(path string, start geometry.Vec) (Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return Table{}, err
	}
	defer f.Close()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yml", ".yaml":
		return LoadYAML(f, start)
	default:
		return LoadCSV(f, start)
	}
}

func parseCell(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "nan") || strings.EqualFold(s, "none") {
		return math.NaN(), nil
	}
	return strconv.ParseFloat(s, 64)
}

/*LoadCSV reads a point table in the compiler's CSV layout.

The header must contain line, x, y, z and speed columns, followed by a pair
of <channel>_before and <channel>_after columns per channel, e.g.

	line,x,y,z,speed,p1_before,p1_after,cam_before,cam_after
	12,10,0,,5,0,1,0,0

Empty cells, "nan" and "none" are read as NaN.
*/
func LoadCSV(r io.Reader, start geometry.Vec) (Table, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.Comment = '#'
	header, err := cr.Read()
	if err != nil {
		return Table{}, fmt.Errorf("reading toolpath header: %w", err)
	}
	cols := map[string]int{}
	for i, h := range header {
		cols[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, req := range []string{"line", "x", "y", "z", "speed"} {
		if _, ok := cols[req]; !ok {
			return Table{}, ConfigError{Msg: fmt.Sprintf("header missing %q column", req)}
		}
	}
	var (
		channels []string
		bcol     []int
		acol     []int
	)
	for i, h := range header {
		h = strings.TrimSpace(h)
		if !strings.HasSuffix(strings.ToLower(h), beforeSuffix) {
			continue
		}
		name := h[:len(h)-len(beforeSuffix)]
		j, ok := cols[strings.ToLower(name+afterSuffix)]
		if !ok {
			return Table{}, ConfigError{Msg: fmt.Sprintf("channel %s has no %s column", name, afterSuffix)}
		}
		channels = append(channels, name)
		bcol = append(bcol, i)
		acol = append(acol, j)
	}

	t := Table{Channels: channels, Start: start}
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return Table{}, fmt.Errorf("reading toolpath: %w", err)
		}
		line, err := strconv.ParseInt(strings.TrimSpace(rec[cols["line"]]), 10, 64)
		if err != nil {
			return Table{}, ConfigError{Msg: fmt.Sprintf("bad line number %q", rec[cols["line"]])}
		}
		p := Point{Line: line, Before: make([]float64, len(channels)), After: make([]float64, len(channels))}
		fields := []*float64{&p.Pos.X, &p.Pos.Y, &p.Pos.Z, &p.Speed}
		for i, name := range []string{"x", "y", "z", "speed"} {
			if *fields[i], err = parseCell(rec[cols[name]]); err != nil {
				return Table{}, ConfigError{Line: line, Msg: fmt.Sprintf("bad %s: %v", name, err)}
			}
		}
		for k := range channels {
			b, err := parseCell(rec[bcol[k]])
			if err != nil || math.IsNaN(b) {
				return Table{}, ConfigError{Line: line, Msg: fmt.Sprintf("bad %s%s %q", channels[k], beforeSuffix, rec[bcol[k]])}
			}
			a, err := parseCell(rec[acol[k]])
			if err != nil || math.IsNaN(a) {
				return Table{}, ConfigError{Line: line, Msg: fmt.Sprintf("bad %s%s %q", channels[k], afterSuffix, rec[acol[k]])}
			}
			p.Before[k], p.After[k] = b, a
		}
		t.Points = append(t.Points, p)
	}
	return t, nil
}

type yamlPoint struct {
	Line   int64     `yaml:"line"`
	X      *float64  `yaml:"x"`
	Y      *float64  `yaml:"y"`
	Z      *float64  `yaml:"z"`
	Speed  *float64  `yaml:"speed"`
	Before []float64 `yaml:"before"`
	After  []float64 `yaml:"after"`
}

type yamlTable struct {
	Channels []string    `yaml:"channels"`
	Start    []float64   `yaml:"start"`
	Points   []yamlPoint `yaml:"points"`
}

func orNaN(f *float64) float64 {
	if f == nil {
		return math.NaN()
	}
	return *f
}

// LoadYAML reads a point table written as YAML.  A start position in the
// document takes precedence over the one passed in.
func LoadYAML(r io.Reader, start geometry.Vec) (Table, error) {
	var yt yamlTable
	if err := yaml.NewDecoder(r).Decode(&yt); err != nil {
		return Table{}, fmt.Errorf("decoding toolpath yaml: %w", err)
	}
	if len(yt.Start) == 3 {
		start = geometry.Vec{X: yt.Start[0], Y: yt.Start[1], Z: yt.Start[2]}
	}
	t := Table{Channels: yt.Channels, Start: start, Points: make([]Point, 0, len(yt.Points))}
	for _, yp := range yt.Points {
		t.Points = append(t.Points, Point{
			Line:   yp.Line,
			Pos:    geometry.Vec{X: orNaN(yp.X), Y: orNaN(yp.Y), Z: orNaN(yp.Z)},
			Speed:  orNaN(yp.Speed),
			Before: yp.Before,
			After:  yp.After,
		})
	}
	return t, nil
}
