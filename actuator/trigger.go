package actuator

import (
	"fmt"
	"strings"
)

// TCPTrigger fires camera exposures through a line bridge that answers
// "SNAP <channel>" with "OK"
type TCPTrigger struct {
	conn Sender
}

// NewTCPTrigger returns a trigger on an open connection
func NewTCPTrigger(conn Sender) *TCPTrigger {
	return &TCPTrigger{conn: conn}
}

// Trigger fires one exposure on ch
func (t *TCPTrigger) Trigger(ch string) error {
	resp, err := t.conn.SendRecv([]byte("SNAP " + ch))
	if err != nil {
		return err
	}
	if !strings.EqualFold(strings.TrimSpace(string(resp)), "ok") {
		return fmt.Errorf("camera bridge refused snap on %s: %q", ch, resp)
	}
	return nil
}

// Set is not meaningful on a trigger
func (t *TCPTrigger) Set(ch string, scale float64) error {
	return ErrUnsupported
}

// Off is accepted and ignored; triggers hold no state
func (t *TCPTrigger) Off(ch string) error {
	return nil
}
