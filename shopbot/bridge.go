package shopbot

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/usnistgov/shopsync/motion"
)

// Bridge serves a motion.Controller over the line protocol.  With a
// motion.Mock behind it, it stands in for the bridge on the shop computer.
type Bridge struct {
	Controller motion.Controller

	// Timeout bounds each call to the controller
	Timeout time.Duration
}

// Serve accepts connections on l until ctx is done
func (b *Bridge) Serve(ctx context.Context, l net.Listener) error {
	go func() {
		<-ctx.Done()
		l.Close()
	}()
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go b.handle(ctx, conn)
	}
}

func (b *Bridge) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	rdr := bufio.NewReader(conn)
	for {
		line, err := rdr.ReadString(termination)
		if err != nil {
			return
		}
		reply := b.Answer(ctx, strings.TrimSpace(line))
		if _, err := conn.Write([]byte(reply + string(termination))); err != nil {
			log.Printf("bridge: write error: %v", err)
			return
		}
	}
}

func ok(v string) string {
	return okPrefix + " " + v
}

func fail(err error) string {
	return errPrefix + " " + err.Error()
}

func boolStr(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// Answer produces the reply to one query
func (b *Bridge) Answer(ctx context.Context, query string) string {
	timeout := b.Timeout
	if timeout <= 0 {
		timeout = time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	c := b.Controller
	switch strings.ToUpper(query) {
	case "FLAGS?":
		f, err := c.Flags(ctx)
		if err != nil {
			return fail(err)
		}
		return ok(strconv.FormatUint(uint64(f), 10))
	case "POS?":
		p, err := c.Position(ctx)
		if err != nil {
			return fail(err)
		}
		return ok(fmt.Sprintf("%.6f %.6f %.6f", p.X, p.Y, p.Z))
	case "RUN?":
		r, err := c.Running(ctx)
		if err != nil {
			return fail(err)
		}
		return ok(boolStr(r))
	case "ABORT?":
		a, err := c.AbortRequested(ctx)
		if err != nil {
			return fail(err)
		}
		return ok(boolStr(a))
	case "LINE?":
		l, err := c.LastQueuedLine(ctx)
		if err != nil {
			return fail(err)
		}
		return ok(strconv.FormatInt(l, 10))
	case "RUN!":
		s, isStarter := c.(motion.Starter)
		if !isStarter {
			return fail(errors.New("controller cannot start programs"))
		}
		if err := s.Start(ctx); err != nil {
			return fail(err)
		}
		return okPrefix
	}
	return fail(fmt.Errorf("unknown query %q", query))
}
