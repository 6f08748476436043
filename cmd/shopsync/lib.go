package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/theckman/yacspin"

	"github.com/usnistgov/shopsync/actuator"
	"github.com/usnistgov/shopsync/channel"
	"github.com/usnistgov/shopsync/comm"
	"github.com/usnistgov/shopsync/config"
	"github.com/usnistgov/shopsync/motion"
	"github.com/usnistgov/shopsync/printloop"
	"github.com/usnistgov/shopsync/server"
	"github.com/usnistgov/shopsync/shopbot"
	"github.com/usnistgov/shopsync/toolpath"
)

const queueDepth = 64

// hardware holds the actuator drivers of a print and what releases them
type hardware struct {
	drivers   map[string]actuator.Driver
	confirmer channel.Confirmer
	closers   []func()
}

// Close releases the hardware in the reverse order it was opened
func (h *hardware) Close() {
	for i := len(h.closers) - 1; i >= 0; i-- {
		h.closers[i]()
	}
	h.closers = nil
}

func openPressure(c config.Pressure) (*actuator.Pressure, error) {
	if c.Serial {
		return actuator.NewSerialPressure(c.Addr, c.Ports, c.Nominal, c.MinInterval)
	}
	rd := comm.NewRemoteDevice(c.Addr, false, nil)
	if err := rd.Open(); err != nil {
		return nil, err
	}
	return actuator.NewPressure(rd, c.Ports, c.Nominal, c.MinInterval), nil
}

func trustedActuators(c config.Config) []string {
	var out []string
	for _, ch := range c.Channels {
		if ch.Trusted && strings.EqualFold(ch.Mode, "actuator") {
			out = append(out, ch.Name)
		}
	}
	return out
}

// buildHardware opens the pressure box and camera bridge of c.  Hardware
// with no address, or all of it when dry is true, is replaced by a recorder.
func buildHardware(c config.Config, dry bool) (*hardware, error) {
	var (
		h   = &hardware{drivers: make(map[string]actuator.Driver)}
		rec = &actuator.Recorder{}

		pressure actuator.Driver = rec
		trigger  actuator.Driver = rec
	)
	if !dry && c.Pressure.Addr != "" {
		p, err := openPressure(c.Pressure)
		if err != nil {
			return nil, fmt.Errorf("pressure box at %s: %w", c.Pressure.Addr, err)
		}
		q := actuator.NewQueue(p, queueDepth)
		h.closers = append(h.closers, q.Close)
		pressure = q
		if names := trustedActuators(c); c.Pressure.ConfirmThreshold > 0 && len(names) > 0 {
			rb := actuator.NewReadback(p, names, c.Pressure.ConfirmThreshold, c.Pressure.ConfirmInterval)
			h.closers = append(h.closers, rb.Close)
			h.confirmer = rb
		}
	}
	if !dry && c.Camera.Addr != "" {
		rd := comm.NewRemoteDevice(c.Camera.Addr, false, nil)
		rd.Timeout = c.Camera.Timeout
		if err := rd.Open(); err != nil {
			h.Close()
			return nil, fmt.Errorf("camera bridge at %s: %w", c.Camera.Addr, err)
		}
		q := actuator.NewQueue(actuator.NewTCPTrigger(rd), queueDepth)
		h.closers = append(h.closers, func() { rd.Close() }, q.Close)
		trigger = q
	}
	for _, ch := range c.Channels {
		m, err := channel.ParseMode(ch.Mode)
		if err != nil {
			h.Close()
			return nil, err
		}
		switch m {
		case channel.ActuatorChannel:
			h.drivers[ch.Name] = pressure
		case channel.TriggerChannel:
			h.drivers[ch.Name] = trigger
		}
	}
	return h, nil
}

// buildController connects to the controller's line bridge.  When mock is
// true the bridge is served locally in front of a simulated stage.
func buildController(ctx context.Context, c config.Config, store *toolpath.Store, mock bool) (motion.Controller, error) {
	cc := c.Controller
	if !mock {
		return shopbot.New(cc.Addr, cc.Timeout, cc.PoolSize), nil
	}
	bits := make(map[int]uint)
	for _, ch := range c.Channels {
		if k, ok := store.ChannelIndex(ch.Name); ok {
			bits[k] = ch.Bit
		}
	}
	m := motion.NewMock(store, bits)
	m.Lag = cc.MockLag
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	b := &shopbot.Bridge{Controller: m, Timeout: cc.Timeout}
	go func() {
		if err := b.Serve(ctx, l); err != nil {
			log.Printf("mock bridge: %v", err)
		}
	}()
	log.Printf("mock stage playing %s (%v) behind %s", c.Toolpath, m.Duration(), l.Addr())
	return shopbot.New(l.Addr().String(), cc.Timeout, cc.PoolSize), nil
}

func newSpinner() (*yacspin.Spinner, error) {
	return yacspin.New(yacspin.Config{
		Frequency:         100 * time.Millisecond,
		CharSet:           yacspin.CharSets[14],
		Suffix:            " ",
		Message:           "waiting for the controller",
		Colors:            []string{"fgYellow"},
		StopCharacter:     "✓",
		StopColors:        []string{"fgGreen"},
		StopFailCharacter: "✗",
		StopFailColors:    []string{"fgRed"},
	})
}

// progress relays events to the status server and shows the print's
// progress on a spinner.  The returned channel closes once events is
// closed and drained.
func progress(events <-chan printloop.Event, srv *server.Server, total int) <-chan struct{} {
	relay := make(chan printloop.Event, cap(events))
	done := make(chan struct{})
	spin, err := newSpinner()
	if err != nil {
		log.Printf("no progress spinner: %v", err)
		spin = nil
	} else if err = spin.Start(); err != nil {
		spin = nil
	}
	go srv.Forward(relay)
	go func() {
		defer close(done)
		defer close(relay)
		for e := range events {
			select {
			case relay <- e:
			default:
			}
			if spin == nil {
				continue
			}
			switch e.Kind {
			case printloop.EventStarted, printloop.EventAdvance, printloop.EventResync:
				spin.Message(fmt.Sprintf("line %d, point %d/%d", e.Line, e.Index+1, total))
			case printloop.EventMiss:
				spin.Message("controller not answering: " + e.Msg)
			case printloop.EventFinished:
				spin.StopMessage(e.Msg)
				spin.Stop()
			case printloop.EventAborted:
				spin.StopFailMessage(e.Msg)
				spin.StopFail()
			}
		}
		if spin != nil {
			spin.Stop()
		}
	}()
	return done
}

// banner prints the outcome of a print
func banner(o printloop.Outcome, err error, st printloop.Status) {
	c := color.New(color.FgGreen, color.Bold)
	if o != printloop.Finished {
		c = color.New(color.FgRed, color.Bold)
	}
	c.Printf("print %s %s\n", st.Run, strings.ToUpper(o.String()))
	if err != nil {
		color.Red("%v", err)
	}
	fmt.Printf("toolpath %s, %d points, stopped at line %d\n", st.Fingerprint, st.Points, st.Line)
	if st.Dropped > 0 {
		color.Yellow("%d events were dropped by slow observers", st.Dropped)
	}
}
