// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command dq-srv serves the data queues of MIL-STD-1553 boards over the
// ANS protocol.
//
// Usage: dq-srv [options]
//
// Example:
//
//	$> dq-srv -addr :4711 -sim -boards 2 -http :8080
//
// Options:
//
//	-addr string    [ip]:[port] to serve ANS on (default ":4711")
//	-boards int     number of simulated boards (default 1)
//	-direct         consume bus monitor queues in direct mode
//	-freq duration  pmon and simulation frequency (default 1s)
//	-http string    [ip]:[port] to serve metrics and health checks on (default ":8080")
//	-pmon           enable pmon self-monitoring
//	-sim            serve simulated boards (default true)
package main // import "github.com/go-lpc/milbus/cmd/dq-srv"

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/go-lpc/milbus"
	"github.com/go-lpc/milbus/ans"
	"github.com/go-lpc/milbus/dque"
	"github.com/go-lpc/milbus/internal/fwsim"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sbinet/pmon"
	psmem "github.com/shirou/gopsutil/v3/mem"
	"golang.org/x/sync/errgroup"
)

// minFreeMem is the fraction of host memory below which the server is
// reported as not ready.
const minFreeMem = 5.0

type options struct {
	addr   string
	http   string
	sim    bool
	boards int
	direct bool
	pmon   bool
	freq   time.Duration
}

func main() {
	log.SetPrefix("dq-srv: ")
	log.SetFlags(0)

	var opts options
	flag.StringVar(&opts.addr, "addr", ":4711", "[ip]:[port] to serve ANS on")
	flag.StringVar(&opts.http, "http", ":8080", "[ip]:[port] to serve metrics and health checks on")
	flag.BoolVar(&opts.sim, "sim", true, "serve simulated boards")
	flag.IntVar(&opts.boards, "boards", 1, "number of simulated boards")
	flag.BoolVar(&opts.direct, "direct", false, "consume bus monitor queues in direct mode")
	flag.BoolVar(&opts.pmon, "pmon", false, "enable pmon self-monitoring")
	flag.DurationVar(&opts.freq, "freq", 1*time.Second, "pmon and simulation frequency")

	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	err := run(ctx, opts)
	if err != nil {
		log.Fatalf("%+v", err)
	}
}

func run(ctx context.Context, opts options) error {
	if !opts.sim {
		return fmt.Errorf("no board driver for local hardware: run with -sim")
	}
	if opts.boards <= 0 {
		return fmt.Errorf("invalid number of boards %d", opts.boards)
	}

	if vers, _ := milbus.Version(); vers != "" {
		log.Printf("milbus version %s", vers)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	met, err := dque.NewMetrics(reg)
	if err != nil {
		return fmt.Errorf("could not create queue metrics: %w", err)
	}

	srv, err := ans.NewServer(ans.WithRegisterer(reg))
	if err != nil {
		return fmt.Errorf("could not create ANS server: %w", err)
	}
	defer srv.Close()

	health := srv.Health()
	health.AddReadinessCheck("host-memory", freeMemCheck(minFreeMem))

	dopts := []dque.Option{dque.WithMetrics(met)}
	if opts.direct {
		dopts = append(dopts, dque.WithDirectMode())
	}

	boards := make([]*fwsim.Board, opts.boards)
	for i := range boards {
		b, err := fwsim.New()
		if err != nil {
			return fmt.Errorf("could not create simulated board %d: %w", i, err)
		}
		defer b.Close()
		boards[i] = b

		dev, err := dque.NewDevice(b.Bus(), b, dopts...)
		if err != nil {
			return fmt.Errorf("could not create device %d: %w", i, err)
		}
		defer dev.Release()

		srv.Register(uint32(i), dque.NewBoard(dev))
		log.Printf("serving board %d (%s mode)...", i, modeOf(opts.direct))
	}

	l, err := net.Listen("tcp", opts.addr)
	if err != nil {
		return fmt.Errorf("could not listen on %q: %w", opts.addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/live", health.LiveEndpoint)
	mux.HandleFunc("/ready", health.ReadyEndpoint)
	web := &http.Server{Addr: opts.http, Handler: mux}

	if opts.pmon {
		err = monitor(opts.freq)
		if err != nil {
			return err
		}
	}

	grp, ctx := errgroup.WithContext(ctx)
	grp.Go(func() error {
		log.Printf("serving ANS on %q...", l.Addr())
		return srv.Serve(l)
	})
	grp.Go(func() error {
		log.Printf("serving metrics on %q...", opts.http)
		err := web.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	for i, b := range boards {
		grp.Go(func() error {
			return simulate(ctx, i, b, opts.freq, opts.direct)
		})
	}
	grp.Go(func() error {
		<-ctx.Done()
		log.Printf("shutting down...")
		_ = web.Close()
		return srv.Close()
	})

	err = grp.Wait()
	if err != nil {
		return fmt.Errorf("could not serve boards: %w", err)
	}
	return nil
}

func modeOf(direct bool) dque.QueueMode {
	if direct {
		return dque.Direct
	}
	return dque.Buffered
}

// freeMemCheck fails when less than pct percent of the host memory is
// available.
func freeMemCheck(pct float64) func() error {
	return func() error {
		vm, err := psmem.VirtualMemory()
		if err != nil {
			return fmt.Errorf("could not retrieve host memory: %w", err)
		}
		free := 100 - vm.UsedPercent
		if free < pct {
			return fmt.Errorf("host memory low: %.1f%% free", free)
		}
		return nil
	}
}

// monitor runs pmon on the current process, for the process lifetime.
func monitor(freq time.Duration) error {
	p, err := pmon.Monitor(os.Getpid())
	if err != nil {
		return fmt.Errorf("could not start monitoring (pid=%d): %w", os.Getpid(), err)
	}
	f, err := os.Create("dq-srv-pmon.log")
	if err != nil {
		return fmt.Errorf("could not create pmon log file: %w", err)
	}
	p.W = f
	p.Freq = freq

	go func() {
		log.Printf("run pmon...")
		err := p.Run()
		if err != nil {
			log.Printf("could not run pmon: %+v", err)
		}
	}()
	return nil
}
