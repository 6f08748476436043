/*Package comm provides line-oriented communication with the hardware around
the stage: the controller bridge, the pressure box and the camera trigger.

Devices embed or hold a RemoteDevice, which owns one connection over TCP or
RS232 and exchanges terminated ASCII lines on it.  A minimal example for a
device that answers "RD?" with a number:

	rd := comm.NewRemoteDevice("192.168.1.20:2000", false, nil)
	if err := rd.Open(); err != nil {
		return err
	}
	defer rd.Close()
	resp, err := rd.SendRecv([]byte("RD?"))
*/
package comm

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/tarm/serial"
)

var (
	terminator = byte('\r')

	// ErrNoSerialConf is generated when a serial device has no serial.Config
	ErrNoSerialConf = errors.New("remote device is serial but has no serial config")

	// ErrNotConnected is generated when .Conn is nil and Send or Recv is called.
	ErrNotConnected = errors.New("conn is nil, not connected to remote")

	// ErrTerminatorNotFound is generated when the termination byte is not found in a response
	ErrTerminatorNotFound = errors.New("termination byte not found")
)

// Dialer is used to open TCP connections.  Tests replace it.
var Dialer = TCPSetup

/*RemoteDevice has an address and a connection to it.

If IsSerial is true, SerialConf must be populated.  Send, Recv and SendRecv
are serialized by an internal lock so a command and its reply are never
interleaved with another goroutine's.
*/
type RemoteDevice struct {
	Addr       string
	IsSerial   bool
	SerialConf *serial.Config
	Timeout    time.Duration
	Conn       io.ReadWriteCloser

	// Tx and Rx are the transmission and receipt terminators
	Tx, Rx byte

	mu  sync.Mutex
	rdr *bufio.Reader
}

// NewRemoteDevice creates a new RemoteDevice with carriage return terminators
// and a three second timeout
func NewRemoteDevice(addr string, isSerial bool, conf *serial.Config) *RemoteDevice {
	return &RemoteDevice{
		Addr:       addr,
		IsSerial:   isSerial,
		SerialConf: conf,
		Timeout:    3 * time.Second,
		Tx:         terminator,
		Rx:         terminator,
	}
}

// Open the connection, setting the Conn variable.  Refused connections fail
// immediately; anything else is retried with an exponential backoff since
// bridges and port servers do not like being connection thrashed.
func (rd *RemoteDevice) Open() error {
	rd.mu.Lock()
	defer rd.mu.Unlock()
	op := func() error {
		err := rd.open()
		if err != nil && (err == ErrNoSerialConf || refused(err)) {
			return backoff.Permanent(err)
		}
		return err
	}
	err := backoff.Retry(op, &backoff.ExponentialBackOff{
		InitialInterval:     25 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         1 * time.Second,
		MaxElapsedTime:      3 * time.Second,
		Clock:               backoff.SystemClock})
	if err == nil || err == ErrNoSerialConf || refused(err) {
		return err
	}
	return fmt.Errorf("connection timeout to %s: %w", rd.Addr, err)
}

func refused(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "refused")
}

func (rd *RemoteDevice) open() error {
	var (
		conn io.ReadWriteCloser
		err  error
	)
	if rd.IsSerial {
		if rd.SerialConf == nil {
			return ErrNoSerialConf
		}
		conn, err = serial.OpenPort(rd.SerialConf)
	} else {
		conn, err = Dialer(rd.Addr, rd.Timeout)
	}
	if err != nil {
		return err
	}
	rd.Conn = conn
	rd.rdr = bufio.NewReader(conn)
	return nil
}

// Close the connection, nil-ing the Conn variable
func (rd *RemoteDevice) Close() error {
	rd.mu.Lock()
	defer rd.mu.Unlock()
	if rd.Conn == nil {
		return nil
	}
	err := rd.Conn.Close()
	rd.Conn = nil
	rd.rdr = nil
	return err
}

func (rd *RemoteDevice) deadline() {
	if c, ok := rd.Conn.(net.Conn); ok && rd.Timeout > 0 {
		c.SetDeadline(time.Now().Add(rd.Timeout))
	}
}

func (rd *RemoteDevice) send(b []byte) error {
	if rd.Conn == nil {
		return ErrNotConnected
	}
	rd.deadline()
	msg := make([]byte, 0, len(b)+1)
	msg = append(append(msg, b...), rd.Tx)
	_, err := rd.Conn.Write(msg)
	return err
}

func (rd *RemoteDevice) recv() ([]byte, error) {
	if rd.Conn == nil {
		return nil, ErrNotConnected
	}
	rd.deadline()
	buf, err := rd.rdr.ReadBytes(rd.Rx)
	if err != nil {
		return buf, err
	}
	if !bytes.HasSuffix(buf, []byte{rd.Rx}) {
		return buf, ErrTerminatorNotFound
	}
	return buf[:len(buf)-1], nil
}

// Send writes data to the remote after appending the Tx terminator
func (rd *RemoteDevice) Send(b []byte) error {
	rd.mu.Lock()
	defer rd.mu.Unlock()
	return rd.send(b)
}

// Recv receives one line from the remote and strips the Rx terminator
func (rd *RemoteDevice) Recv() ([]byte, error) {
	rd.mu.Lock()
	defer rd.mu.Unlock()
	return rd.recv()
}

// SendRecv sends a buffer, then returns the response with the Rx terminator stripped
func (rd *RemoteDevice) SendRecv(b []byte) ([]byte, error) {
	rd.mu.Lock()
	defer rd.mu.Unlock()
	if err := rd.send(b); err != nil {
		return nil, err
	}
	return rd.recv()
}

// TCPSetup opens a new TCP connection with a connect timeout
func TCPSetup(addr string, timeout time.Duration) (io.ReadWriteCloser, error) {
	return net.DialTimeout("tcp", addr, timeout)
}
