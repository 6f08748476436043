package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"

	"github.com/usnistgov/shopsync/config"
	"github.com/usnistgov/shopsync/motion"
	"github.com/usnistgov/shopsync/printloop"
	"github.com/usnistgov/shopsync/server"
	"github.com/usnistgov/shopsync/toolpath"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "shopsync.yml"
)

func root() {
	str := `shopsync switches the actuators of a print in step with a motion controller
running the same toolpath.  It tracks where the stage is along the toolpath and
opens pressure channels or fires camera triggers when the stage reaches them.

Usage:
	shopsync <command>

Commands:
	run
	mock
	help
	mkconf
	conf
	version`
	fmt.Println(str)
}

func help() {
	str := `shopsync is amenable to configuration via its .yaml file, shopsync.yml in the
working directory.  For a primer on YAML, see https://yaml.org/start.html
Any setting may be overridden by an environment variable, SHOPSYNC_ followed by
the setting's path with sections joined by a double underscore, for example
SHOPSYNC_TRACKING__MAX_MISSES=10.

run prints the configured toolpath on the controller at controller.addr, with the
pressure box at pressure.addr and the camera bridge at camera.addr.  Leaving an
address empty records that hardware's commands instead of sending them.

mock prints the toolpath on a simulated stage with every actuator recorded.  It
exercises the whole line protocol and is the way to rehearse a new toolpath.

Toolpaths are .csv (line,x,y,z,speed, then one before/after column pair per
channel) or .yml tables.  Measures such as tracking.crit_time_on are written
"0.05s" for a time or "0.5" for a distance.  A negative crit_time_off switches
the channel off past the endpoint instead of ahead of it.

While a print runs, the status server at addr answers:
	GET  /status         state of the print
	POST /abort          stop the print
	GET  /config         configuration, YAML
	POST /config         overlay a YAML document (refused while printing)
	GET  /events         websocket stream of print events
	GET  /events/recent  latest events
	GET  /endpoints      every route`
	fmt.Println(str)
}

func load() config.Config {
	c, err := config.Load(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	return c
}

func mkconf() {
	c := load()
	f, err := os.Create(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	if err = config.Dump(f, c); err != nil {
		log.Fatal(err)
	}
}

func printconf() {
	if err := config.Dump(os.Stdout, load()); err != nil {
		log.Fatal(err)
	}
}

func pversion() {
	fmt.Printf("shopsync version %v\n", Version)
}

func run(mock bool) {
	c := load()
	if err := c.Validate(); err != nil {
		log.Fatal(err)
	}
	if c.Toolpath == "" {
		log.Fatal("no toolpath configured")
	}
	tbl, err := toolpath.LoadFile(c.Toolpath, c.StartPos())
	if err != nil {
		log.Fatal(err)
	}
	store, err := toolpath.NewStore(tbl, c.Tracking.RetractMargin)
	if err != nil {
		log.Fatal(err)
	}
	pc, err := c.PrintLoop()
	if err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	hw, err := buildHardware(c, mock)
	if err != nil {
		log.Fatal(err)
	}
	pc.Confirmer = hw.confirmer
	ctl, err := buildController(ctx, c, store, mock)
	if err != nil {
		hw.Close()
		log.Fatal(err)
	}

	events := make(chan printloop.Event, 256)
	loop, err := printloop.New(pc, ctl, hw.drivers, store, events)
	if err != nil {
		hw.Close()
		log.Fatal(err)
	}
	printCtx, abort := context.WithCancel(ctx)
	defer abort()

	srv := server.New(c, ctl)
	srv.Attach(loop, abort)
	if c.Addr != "" {
		go func() {
			log.Println("now listening for requests at ", c.Addr)
			if err := http.ListenAndServe(c.Addr, srv.Handler()); err != nil {
				log.Printf("status server: %v", err)
			}
		}()
	}
	done := progress(events, srv, store.Len())

	if mock {
		if err := ctl.(motion.Starter).Start(ctx); err != nil {
			hw.Close()
			log.Fatal(err)
		}
	}
	outcome, runErr := loop.Run(printCtx)
	close(events)
	<-done
	srv.Detach()
	hw.Close()
	banner(outcome, runErr, loop.Status())
	if runErr != nil || outcome != printloop.Finished {
		os.Exit(1)
	}
}

func main() {
	var cmd string
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	cmd = args[1]
	cmd = strings.ToLower(cmd)
	switch cmd {
	case "help":
		help()
		return
	case "mkconf":
		mkconf()
		return
	case "conf":
		printconf()
		return
	case "run":
		run(false)
		return
	case "mock":
		run(true)
		return
	case "version":
		pversion()
		return
	default:
		log.Fatal("unknown command")
	}
}
