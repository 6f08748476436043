/*Package shopbot talks to a ShopBot CNC controller through its line bridge.

The bridge answers one query per line.  Queries end in '?', commands in '!':

	FLAGS?   output flag register, decimal
	POS?     x y z
	RUN?     1 while a program executes
	ABORT?   1 if the operator pressed stop
	LINE?    highest program line read by the controller
	RUN!     start the loaded program

Replies are "OK <value>" or "ERR <message>", terminated by a newline.
*/
package shopbot

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/usnistgov/shopsync/comm"
	"github.com/usnistgov/shopsync/geometry"
)

const (
	termination = '\n'
	okPrefix    = "OK"
	errPrefix   = "ERR"
)

// ErrBadResponse is generated when the bridge replies with something that
// is not a well formed answer to the query
type ErrBadResponse struct {
	Cmd  string
	Resp string
}

func (e ErrBadResponse) Error() string {
	return fmt.Sprintf("bad response to %s: %q", e.Cmd, e.Resp)
}

// ErrController is an error reported by the controller itself
type ErrController string

func (e ErrController) Error() string {
	return "controller: " + string(e)
}

// Controller is a motion.Controller backed by a ShopBot line bridge
type Controller struct {
	pool    *comm.Pool
	timeout time.Duration
}

// New creates a controller at addr with at most poolSize connections
func New(addr string, timeout time.Duration, poolSize int) *Controller {
	if poolSize < 1 {
		poolSize = 1
	}
	maker := func() (io.ReadWriteCloser, error) {
		return comm.Dialer(addr, timeout)
	}
	return &Controller{pool: comm.NewPool(poolSize, time.Minute, maker), timeout: timeout}
}

func (c *Controller) query(ctx context.Context, cmd string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	conn, err := c.pool.Get()
	if err != nil {
		return "", err
	}
	if nc, ok := conn.(net.Conn); ok {
		deadline, ok := ctx.Deadline()
		if !ok {
			deadline = time.Now().Add(c.timeout)
		}
		nc.SetDeadline(deadline)
	}
	resp, err := comm.Exchange(conn, []byte(cmd), termination, termination)
	if err != nil {
		c.pool.Destroy(conn)
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", err
	}
	c.pool.Put(conn)

	s := strings.TrimSpace(string(resp))
	switch {
	case strings.HasPrefix(s, errPrefix):
		return "", ErrController(strings.TrimSpace(strings.TrimPrefix(s, errPrefix)))
	case strings.HasPrefix(s, okPrefix):
		return strings.TrimSpace(strings.TrimPrefix(s, okPrefix)), nil
	}
	return "", ErrBadResponse{Cmd: cmd, Resp: s}
}

func (c *Controller) queryBool(ctx context.Context, cmd string) (bool, error) {
	s, err := c.query(ctx, cmd)
	if err != nil {
		return false, err
	}
	switch s {
	case "1":
		return true, nil
	case "0":
		return false, nil
	}
	return false, ErrBadResponse{Cmd: cmd, Resp: s}
}

// Flags satisfies motion.Controller
func (c *Controller) Flags(ctx context.Context) (uint32, error) {
	s, err := c.query(ctx, "FLAGS?")
	if err != nil {
		return 0, err
	}
	u, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, ErrBadResponse{Cmd: "FLAGS?", Resp: s}
	}
	return uint32(u), nil
}

// Position satisfies motion.Controller
func (c *Controller) Position(ctx context.Context) (geometry.Vec, error) {
	s, err := c.query(ctx, "POS?")
	if err != nil {
		return geometry.Vec{}, err
	}
	fields := strings.Fields(s)
	if len(fields) != 3 {
		return geometry.Vec{}, ErrBadResponse{Cmd: "POS?", Resp: s}
	}
	var xyz [3]float64
	for i, f := range fields {
		xyz[i], err = strconv.ParseFloat(f, 64)
		if err != nil {
			return geometry.Vec{}, ErrBadResponse{Cmd: "POS?", Resp: s}
		}
	}
	return geometry.Vec{X: xyz[0], Y: xyz[1], Z: xyz[2]}, nil
}

// Running satisfies motion.Controller
func (c *Controller) Running(ctx context.Context) (bool, error) {
	return c.queryBool(ctx, "RUN?")
}

// AbortRequested satisfies motion.Controller
func (c *Controller) AbortRequested(ctx context.Context) (bool, error) {
	return c.queryBool(ctx, "ABORT?")
}

// LastQueuedLine satisfies motion.Controller
func (c *Controller) LastQueuedLine(ctx context.Context) (int64, error) {
	s, err := c.query(ctx, "LINE?")
	if err != nil {
		return 0, err
	}
	i, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, ErrBadResponse{Cmd: "LINE?", Resp: s}
	}
	return i, nil
}

// Start satisfies motion.Starter
func (c *Controller) Start(ctx context.Context) error {
	_, err := c.query(ctx, "RUN!")
	return err
}
