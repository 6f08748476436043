// Package motion contains an abstract interface for the motion controller
// running a print and HTTP wrapper layer.
package motion

import (
	"context"
	"fmt"

	"github.com/usnistgov/shopsync/geometry"
)

// Controller describes the reads the print loop takes from a motion controller.
// Each call may block on I/O and must honor ctx.
type Controller interface {
	// Flags returns the output flag register, one bit per output
	Flags(context.Context) (uint32, error)

	// Position returns the stage position
	Position(context.Context) (geometry.Vec, error)

	// Running returns true while the controller executes a program
	Running(context.Context) (bool, error)

	// AbortRequested returns true if the operator asked for the print to stop
	AbortRequested(context.Context) (bool, error)

	// LastQueuedLine returns the highest program line the controller has read
	LastQueuedLine(context.Context) (int64, error)
}

// Starter is a Controller that can begin executing its program on request
type Starter interface {
	Start(context.Context) error
}

// Snapshot is the result of one poll of every Controller read
type Snapshot struct {
	Flags   uint32       `json:"flags"`
	Pos     geometry.Vec `json:"pos"`
	Running bool         `json:"running"`
	Abort   bool         `json:"abort"`
	Line    int64        `json:"line"`
}

// Poll takes every reading from c.  The first failure ends the poll.
func Poll(ctx context.Context, c Controller) (Snapshot, error) {
	var (
		s   Snapshot
		err error
	)
	if s.Flags, err = c.Flags(ctx); err != nil {
		return s, fmt.Errorf("flags: %w", err)
	}
	if s.Pos, err = c.Position(ctx); err != nil {
		return s, fmt.Errorf("position: %w", err)
	}
	if s.Running, err = c.Running(ctx); err != nil {
		return s, fmt.Errorf("running: %w", err)
	}
	if s.Abort, err = c.AbortRequested(ctx); err != nil {
		return s, fmt.Errorf("abort: %w", err)
	}
	if s.Line, err = c.LastQueuedLine(ctx); err != nil {
		return s, fmt.Errorf("line: %w", err)
	}
	return s, nil
}
