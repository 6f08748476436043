// Package config holds the settings of a shopsync installation.
//
// Settings are layered: built-in defaults, then the YAML file, then
// environment variables prefixed SHOPSYNC_.  A double underscore in a
// variable name separates sections, so SHOPSYNC_TRACKING__ZERO_DISTANCE
// sets tracking.zero_distance.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	yml "gopkg.in/yaml.v2"

	"github.com/usnistgov/shopsync/channel"
	"github.com/usnistgov/shopsync/geometry"
	"github.com/usnistgov/shopsync/printloop"
	"github.com/usnistgov/shopsync/util"
)

// EnvPrefix prefixes the environment variables read by Load
const EnvPrefix = "SHOPSYNC_"

// Tracking holds the parameters of the print loop
type Tracking struct {
	// Mode is one of full, flags, override
	Mode string `koanf:"mode" yaml:"mode"`

	// ZeroDistance is the tolerance under which two positions coincide
	ZeroDistance float64 `koanf:"zero_distance" yaml:"zero_distance"`

	// CritTimeOn and CritTimeOff are measures, "0.05s" or "0.5".  A
	// negative CritTimeOff switches off past the endpoint.
	CritTimeOn  string `koanf:"crit_time_on" yaml:"crit_time_on"`
	CritTimeOff string `koanf:"crit_time_off" yaml:"crit_time_off"`

	// BurstScale is the peak multiplier at switch-on; 1 or less disables bursts
	BurstScale  float64 `koanf:"burst_scale" yaml:"burst_scale"`
	BurstLength string  `koanf:"burst_length" yaml:"burst_length"`

	TickInterval time.Duration `koanf:"tick_interval" yaml:"tick_interval"`
	PollTimeout  time.Duration `koanf:"poll_timeout" yaml:"poll_timeout"`

	// MaxMisses is the number of consecutive failed polls tolerated
	MaxMisses int `koanf:"max_misses" yaml:"max_misses"`

	// RetractMargin is added to the print's top layer to get the retraction height
	RetractMargin float64 `koanf:"retract_margin" yaml:"retract_margin"`

	ForceAtSegmentEnd bool `koanf:"force_at_segment_end" yaml:"force_at_segment_end"`

	// StartTimeout bounds the wait for the controller to begin the program
	StartTimeout time.Duration `koanf:"start_timeout" yaml:"start_timeout"`
}

// Controller describes the connection to the motion controller
type Controller struct {
	// Addr is the network address of the controller's line bridge
	Addr string `koanf:"addr" yaml:"addr"`

	Timeout  time.Duration `koanf:"timeout" yaml:"timeout"`
	PoolSize int           `koanf:"pool_size" yaml:"pool_size"`

	// MockLag is the position readback lag of the simulated stage
	MockLag time.Duration `koanf:"mock_lag" yaml:"mock_lag"`
}

// Pressure describes the fluidic pressure box
type Pressure struct {
	// Addr is a serial port or network address; empty for a dry run
	Addr   string `koanf:"addr" yaml:"addr"`
	Serial bool   `koanf:"serial" yaml:"serial"`

	// MinInterval paces setpoint writes
	MinInterval time.Duration `koanf:"min_interval" yaml:"min_interval"`

	// Ports maps channel names to the box's output ports
	Ports map[string]int `koanf:"ports" yaml:"ports"`

	// Nominal maps channel names to their nominal pressure, kPa
	Nominal map[string]float64 `koanf:"nominal" yaml:"nominal"`

	// ConfirmThreshold, when positive, makes the measured pressure of trusted
	// channels an independent on/off readout; above it a channel is on
	ConfirmThreshold float64       `koanf:"confirm_threshold" yaml:"confirm_threshold"`
	ConfirmInterval  time.Duration `koanf:"confirm_interval" yaml:"confirm_interval"`
}

// Camera describes the camera trigger bridge
type Camera struct {
	// Addr is the network address of the trigger bridge; empty for a dry run
	Addr    string        `koanf:"addr" yaml:"addr"`
	Timeout time.Duration `koanf:"timeout" yaml:"timeout"`
}

// Channel describes one output of the toolpath
type Channel struct {
	Name string `koanf:"name" yaml:"name"`

	// Mode is one of actuator, trigger, inert
	Mode string `koanf:"mode" yaml:"mode"`

	// Bit is the channel's bit in the controller's flag register
	Bit uint `koanf:"bit" yaml:"bit"`

	Trusted bool `koanf:"trusted" yaml:"trusted"`
}

// Config is the whole configuration
type Config struct {
	// Addr is the listen address of the status server; empty disables it
	Addr string `koanf:"addr" yaml:"addr"`

	// Toolpath is the compiled toolpath table, .csv or .yml
	Toolpath string `koanf:"toolpath" yaml:"toolpath"`

	// Start is the machine position before the print, x y z
	Start []float64 `koanf:"start" yaml:"start"`

	Tracking   Tracking   `koanf:"tracking" yaml:"tracking"`
	Controller Controller `koanf:"controller" yaml:"controller"`
	Pressure   Pressure   `koanf:"pressure" yaml:"pressure"`
	Camera     Camera     `koanf:"camera" yaml:"camera"`
	Channels   []Channel  `koanf:"channels" yaml:"channels"`
}

// Default returns the built-in defaults
func Default() Config {
	return Config{
		Addr:  ":8000",
		Start: []float64{0, 0, 0},
		Tracking: Tracking{
			Mode:          "full",
			ZeroDistance:  0.01,
			CritTimeOn:    "0s",
			CritTimeOff:   "0s",
			BurstScale:    1,
			BurstLength:   "0",
			TickInterval:  10 * time.Millisecond,
			PollTimeout:   200 * time.Millisecond,
			MaxMisses:     50,
			RetractMargin: 0.5,
			StartTimeout:  30 * time.Second,
		},
		Controller: Controller{
			Addr:     "localhost:9100",
			Timeout:  time.Second,
			PoolSize: 2,
			MockLag:  100 * time.Millisecond,
		},
		Pressure: Pressure{
			MinInterval:     20 * time.Millisecond,
			ConfirmInterval: 50 * time.Millisecond,
			Ports:           map[string]int{},
			Nominal:         map[string]float64{},
		},
		Camera: Camera{Timeout: time.Second},
	}
}

func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.Replace(s, "__", ".", -1)
}

// Load layers the defaults, the file at path, and the environment.
// A missing file is not an error.
func Load(path string) (Config, error) {
	k := koanf.New(".")
	c := Config{}
	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return c, err
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			if !errors.Is(err, os.ErrNotExist) && !strings.Contains(err.Error(), "no such") {
				return c, fmt.Errorf("error loading config: %w", err)
			}
		}
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return c, err
	}
	err := k.Unmarshal("", &c)
	return c, err
}

// Dump writes c as YAML
func Dump(w io.Writer, c Config) error {
	return yml.NewEncoder(w).Encode(c)
}

// StartPos returns the configured start position
func (c Config) StartPos() geometry.Vec {
	var v [3]float64
	copy(v[:], c.Start)
	return geometry.Vec{X: v[0], Y: v[1], Z: v[2]}
}

// Params converts the tracking section into channel parameters
func (c Config) Params() (channel.Params, error) {
	t := c.Tracking
	p := channel.Params{
		ZeroDistance:      t.ZeroDistance,
		BurstScale:        t.BurstScale,
		ForceAtSegmentEnd: t.ForceAtSegmentEnd,
	}
	var err error
	if p.Strategy, err = channel.ParseStrategy(t.Mode); err != nil {
		return p, err
	}
	if p.CritOn, err = channel.ParseMeasure(t.CritTimeOn); err != nil {
		return p, fmt.Errorf("crit_time_on: %w", err)
	}
	if p.CritOff, err = channel.ParseMeasure(t.CritTimeOff); err != nil {
		return p, fmt.Errorf("crit_time_off: %w", err)
	}
	if p.BurstLength, err = channel.ParseMeasure(t.BurstLength); err != nil {
		return p, fmt.Errorf("burst_length: %w", err)
	}
	return p, nil
}

// PrintLoop converts the configuration into the settings of one print
func (c Config) PrintLoop() (printloop.Config, error) {
	p, err := c.Params()
	if err != nil {
		return printloop.Config{}, err
	}
	pc := printloop.Config{
		Params:       p,
		TickInterval: c.Tracking.TickInterval,
		PollTimeout:  c.Tracking.PollTimeout,
		MaxMisses:    c.Tracking.MaxMisses,
		StartTimeout: c.Tracking.StartTimeout,
	}
	for _, ch := range c.Channels {
		m, err := channel.ParseMode(ch.Mode)
		if err != nil {
			return pc, fmt.Errorf("channel %s: %w", ch.Name, err)
		}
		pc.Channels = append(pc.Channels, channel.Config{Name: ch.Name, Mode: m, Bit: ch.Bit, Trusted: ch.Trusted})
	}
	return pc, nil
}

// Channel returns the settings of the named channel
func (c Config) Channel(name string) (Channel, bool) {
	for _, ch := range c.Channels {
		if ch.Name == name {
			return ch, true
		}
	}
	return Channel{}, false
}

// Validate checks the configuration for values the print loop cannot run with
func (c Config) Validate() error {
	t := c.Tracking
	if len(c.Start) != 3 {
		return fmt.Errorf("start must have 3 coordinates, got %d", len(c.Start))
	}
	if t.ZeroDistance <= 0 {
		return fmt.Errorf("tracking.zero_distance must be positive, got %g", t.ZeroDistance)
	}
	if t.TickInterval <= 0 || t.PollTimeout <= 0 {
		return errors.New("tracking.tick_interval and tracking.poll_timeout must be positive")
	}
	if t.MaxMisses < 1 {
		return fmt.Errorf("tracking.max_misses must be at least 1, got %d", t.MaxMisses)
	}
	if _, err := c.Params(); err != nil {
		return err
	}
	names := make([]string, len(c.Channels))
	for i, ch := range c.Channels {
		names[i] = ch.Name
		if ch.Name == "" {
			return fmt.Errorf("channel %d has no name", i)
		}
		if _, err := channel.ParseMode(ch.Mode); err != nil {
			return fmt.Errorf("channel %s: %w", ch.Name, err)
		}
		if ch.Bit > 31 {
			return fmt.Errorf("channel %s: bit %d does not fit the flag register", ch.Name, ch.Bit)
		}
	}
	if len(util.UniqueString(names)) != len(names) {
		return errors.New("channel names must be unique")
	}
	return nil
}
