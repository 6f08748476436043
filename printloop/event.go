package printloop

import (
	"time"

	"github.com/usnistgov/shopsync/channel"
)

// Outcome is how a print ended
type Outcome int

const (
	// Running is the outcome of a print that has not ended
	Running Outcome = iota
	// Finished prints ran to the end of the table or retracted out of the part
	Finished
	// Aborted prints were stopped before the end
	Aborted
)

func (o Outcome) String() string {
	switch o {
	case Finished:
		return "finished"
	case Aborted:
		return "aborted"
	default:
		return "running"
	}
}

// EventKind tells what an Event reports
type EventKind string

const (
	// EventStarted is sent once the controller runs the program
	EventStarted EventKind = "started"
	// EventAdvance is sent when the loop moves to a new target point
	EventAdvance EventKind = "advance"
	// EventResync is sent when a trusted flag moved the cursor
	EventResync EventKind = "resync"
	// EventAction is sent for every command to an actuator
	EventAction EventKind = "action"
	// EventMiss is sent for a failed poll
	EventMiss EventKind = "miss"
	// EventFinished is sent once when the print finishes
	EventFinished EventKind = "finished"
	// EventAborted is sent once when the print is aborted
	EventAborted EventKind = "aborted"
	// EventTick is sent after every successful poll with the print's status
	EventTick EventKind = "tick"
)

// Event is a notification for observers of a print
type Event struct {
	Run  string    `json:"run"`
	Time time.Time `json:"time"`
	Kind EventKind `json:"kind"`

	// Line and Index locate the current target in the toolpath
	Line  int64 `json:"line"`
	Index int   `json:"index"`

	Action *channel.Action `json:"action,omitempty"`
	Status *Status         `json:"status,omitempty"`
	Msg    string          `json:"msg,omitempty"`
}
