// Command dvbcore opens one DVB/ATSC adapter, demultiplexes and rewrites
// its transport stream for a single selected service, and serves the text
// command surface plus a status/metrics HTTP endpoint.
package main

import (
	"bufio"
	"context"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/plextuner/plex-tuner/internal/adapter"
	"github.com/plextuner/plex-tuner/internal/cache"
	"github.com/plextuner/plex-tuner/internal/command"
	"github.com/plextuner/plex-tuner/internal/config"
	"github.com/plextuner/plex-tuner/internal/coordinator"
	"github.com/plextuner/plex-tuner/internal/eventbus"
	"github.com/plextuner/plex-tuner/internal/health"
	"github.com/plextuner/plex-tuner/internal/servicefilter"
	"github.com/plextuner/plex-tuner/internal/tsfilter"
)

func main() {
	envFile := flag.String("envfile", "", "optional .env file to load before reading configuration")
	atsc := flag.Bool("atsc", false, "select the ATSC System Time Table instead of DVB TDT/TOT")
	flag.Parse()

	if *envFile != "" {
		if err := config.LoadEnvFile(*envFile); err != nil {
			log.Fatalf("dvbcore: load env file: %v", err)
		}
	}
	cfg := config.Load()

	bus := eventbus.New()
	bus.RegisterGlobal(func(ev eventbus.Event, payload any) {
		log.Printf("dvbcore: event %s %v", ev, payload)
	})

	dev, err := openDevice(cfg)
	if err != nil {
		log.Fatalf("dvbcore: open device: %v", err)
	}

	a, err := adapter.Open(cfg.AdapterIndex, cfg.HWRestrict != "", dev, bus)
	if err != nil {
		log.Fatalf("dvbcore: open adapter: %v", err)
	}
	defer a.Close()

	c := cache.New(bus)
	sf := servicefilter.New(c)
	tsf := tsfilter.New(bus)

	co := coordinator.New(c, tsf, *atsc)
	co.Start()

	// The reserved output name "service" carries the Service Filter's
	// rewritten single-program stream instead of a raw PID passthrough;
	// every other name is a plain addoutput-style passthrough, initially
	// empty of PIDs until an addpid command populates it.
	for name, mrl := range cfg.InitialOutputs {
		sink, err := command.OpenSink(mrl)
		if err != nil {
			log.Printf("dvbcore: skip initial output %q: %v", name, err)
			continue
		}
		if name == "service" {
			tsf.AddFilter(sf.AsPIDFilter(name, sink))
			continue
		}
		tsf.AddFilter(tsfilter.NewPassthroughFilter(name, sink))
	}

	loadChannelFiles(cfg, a)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := tsf.Run(ctx, a); err != nil && ctx.Err() == nil {
			log.Printf("dvbcore: TS Filter stopped: %v", err)
		}
	}()

	h := command.New(command.Dependencies{
		Cache:          c,
		Service:        sf,
		Filter:         tsf,
		Adapter:        a,
		DeliverySystem: deliverySystem(cfg.HWRestrict, *atsc),
	})

	if cfg.StatusAddr != "" {
		mon := health.NewMonitor(a, tsf, c)
		go func() {
			log.Printf("dvbcore: status/metrics on %s", cfg.StatusAddr)
			if err := http.ListenAndServe(cfg.StatusAddr, mon.Mux()); err != nil {
				log.Printf("dvbcore: status server: %v", err)
			}
		}()
	}

	go serveCommands(ctx, cfg.CommandAddr, h)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Print("dvbcore: shutting down")
}

// deliverySystem maps the configured hardware restriction hint to the
// DeliverySystem the command surface's `tune` uses; an empty hint with the
// -atsc flag set defaults to ATSC, otherwise DVB-S2 (the most common case
// for a single-adapter deployment).
func deliverySystem(hwRestrict string, atsc bool) adapter.DeliverySystem {
	switch strings.ToLower(hwRestrict) {
	case "dvb-s":
		return adapter.DeliveryDVBS
	case "dvb-s2":
		return adapter.DeliveryDVBS2
	case "dvb-c":
		return adapter.DeliveryDVBC
	case "dvb-t":
		return adapter.DeliveryDVBT
	case "dvb-t2":
		return adapter.DeliveryDVBT2
	case "atsc":
		return adapter.DeliveryATSC
	case "isdb-t":
		return adapter.DeliveryISDBT
	}
	if atsc {
		return adapter.DeliveryATSC
	}
	return adapter.DeliveryDVBS2
}

// openDevice picks a real or file-replay Device per cfg.
func openDevice(cfg *config.Config) (adapter.Device, error) {
	if cfg.FileAdapter != "" {
		return adapter.NewPacedFileDevice(cfg.FileAdapter, 0)
	}
	return adapter.NewRealDevice(), nil
}

// loadChannelFiles preloads any configured legacy channel files into the
// cache as candidate multiplexes is out of scope here (the cache tracks
// one live multiplex at a time); instead this just logs what would be
// tuned, leaving an operator to issue `tune` over the command surface.
func loadChannelFiles(cfg *config.Config, a *adapter.Adapter) {
	lines, err := cfg.LoadChannelFiles()
	if err != nil {
		log.Printf("dvbcore: channel files: %v", err)
		return
	}
	for _, line := range lines {
		log.Printf("dvbcore: loaded channel line: %s", line)
	}
}

// serveCommands accepts text-command connections on addr and serves each
// on its own goroutine, using the line-oriented protocol in spec.md §6.
func serveCommands(ctx context.Context, addr string, h *command.Handler) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		log.Printf("dvbcore: command listener: %v", err)
		return
	}
	defer ln.Close()
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("dvbcore: accept: %v", err)
			continue
		}
		go handleCommandConn(conn, h)
	}
}

func handleCommandConn(conn net.Conn, h *command.Handler) {
	defer conn.Close()
	sc := bufio.NewScanner(conn)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		reply, err := h.Dispatch(line)
		if err != nil {
			conn.Write([]byte("ERR " + err.Error() + "\n"))
			continue
		}
		conn.Write([]byte(reply + "\n"))
	}
}

