package actuator

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tarm/serial"
	"github.com/usnistgov/shopsync/comm"
	"golang.org/x/time/rate"
)

// Sender is the part of comm.RemoteDevice used by the pressure box
type Sender interface {
	SendRecv([]byte) ([]byte, error)
}

// SerialConf returns the link settings of the pressure box
func SerialConf(addr string) *serial.Config {
	return &serial.Config{
		Name:        addr,
		Baud:        19200,
		Size:        8,
		Parity:      serial.ParityOdd,
		StopBits:    serial.Stop1,
		ReadTimeout: 1 * time.Second}
}

// Pressure is a multi-channel fluidic pressure controller.  Each channel
// has a nominal pressure; Set drives it at a multiple of that value.
//
// Setpoint writes are paced by a rate limiter because the regulator settles
// slower than the print loop ticks.  Off is never paced.
type Pressure struct {
	conn    Sender
	addr    string // device address on a multi-drop bus, e.g. "01"
	limiter *rate.Limiter

	mu      sync.Mutex
	nominal map[string]float64
	ports   map[string]int
}

// NewPressure returns a pressure box on conn.  ports maps channel names to
// regulator outputs, nominal holds the starting pressure of each channel,
// and minInterval is the shortest time between two setpoint writes.
func NewPressure(conn Sender, ports map[string]int, nominal map[string]float64, minInterval time.Duration) *Pressure {
	p := &Pressure{
		conn:    conn,
		addr:    "01",
		limiter: rate.NewLimiter(rate.Every(minInterval), 1),
		nominal: make(map[string]float64),
		ports:   make(map[string]int),
	}
	for k, v := range ports {
		p.ports[k] = v
	}
	for k, v := range nominal {
		p.nominal[k] = v
	}
	return p
}

// NewSerialPressure opens a pressure box on a serial port
func NewSerialPressure(port string, ports map[string]int, nominal map[string]float64, minInterval time.Duration) (*Pressure, error) {
	rd := comm.NewRemoteDevice(port, true, SerialConf(port))
	if err := rd.Open(); err != nil {
		return nil, err
	}
	return NewPressure(rd, ports, nominal, minInterval), nil
}

func (p *Pressure) mkMsg(cmd string) []byte {
	return []byte("#" + p.addr + cmd)
}

// sendCmd sends a command and checks the "*" acknowledgement
func (p *Pressure) sendCmd(cmd string) (string, error) {
	resp, err := p.conn.SendRecv(p.mkMsg(cmd))
	if err != nil {
		return "", err
	}
	s := string(resp)
	if !strings.HasPrefix(s, "*") {
		return s, fmt.Errorf("pressure box rejected %q: %q", cmd, s)
	}
	return strings.TrimLeft(s, "*"), nil
}

func (p *Pressure) port(ch string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	port, ok := p.ports[ch]
	if !ok {
		return 0, fmt.Errorf("no pressure port for channel %s", ch)
	}
	return port, nil
}

func (p *Pressure) write(port int, kpa float64) error {
	_, err := p.sendCmd("SP" + strconv.Itoa(port) + "," + strconv.FormatFloat(kpa, 'f', 3, 64))
	return err
}

// Set drives ch at scale x its nominal pressure
func (p *Pressure) Set(ch string, scale float64) error {
	port, err := p.port(ch)
	if err != nil {
		return err
	}
	if err := p.limiter.Wait(context.Background()); err != nil {
		return err
	}
	p.mu.Lock()
	kpa := p.nominal[ch] * scale
	p.mu.Unlock()
	return p.write(port, kpa)
}

// Off vents ch
func (p *Pressure) Off(ch string) error {
	port, err := p.port(ch)
	if err != nil {
		return err
	}
	return p.write(port, 0)
}

// Trigger is not meaningful on a pressure channel
func (p *Pressure) Trigger(ch string) error {
	return ErrUnsupported
}

// Nominal replaces the nominal pressure of ch.  The regulator is not
// written; the next Set picks the value up.
func (p *Pressure) Nominal(ch string, v float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nominal[ch] = v
	return nil
}

// Read returns the measured pressure on ch
func (p *Pressure) Read(ch string) (float64, error) {
	port, err := p.port(ch)
	if err != nil {
		return 0, err
	}
	resp, err := p.sendCmd("RD" + strconv.Itoa(port))
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(strings.TrimSpace(resp), 64)
}
