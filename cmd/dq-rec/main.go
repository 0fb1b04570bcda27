// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command dq-rec records data queues of a board exported by an ANS
// server into files.
//
// Usage: dq-rec [options]
//
// Example:
//
//	$> dq-rec -addr daq-01:4711 -mod 0 -queues 0,1 -o ./data
//	$> dq-rec -db milbus -serial BM-0042 -queues 9 -o ./data
//
// When a condition database is provided, the board address, module and
// driver configuration are retrieved from it, and every recorded queue
// is booked as a capture run.
package main // import "github.com/go-lpc/milbus/cmd/dq-rec"

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-lpc/milbus/conddb"
	"github.com/go-lpc/milbus/dque"
	"github.com/go-lpc/milbus/dque/recorder"
	"golang.org/x/sync/errgroup"
)

type options struct {
	addr    string
	mod     uint32
	queues  []dque.ID
	odir    string
	chunk   int
	minFree uint64
	db      string
	serial  string
}

func main() {
	log.SetPrefix("dq-rec: ")
	log.SetFlags(0)

	var (
		addr    = flag.String("addr", "", "[ip]:[port] of the ANS server")
		mod     = flag.Uint("mod", 0, "module handle of the board on the ANS server")
		queues  = flag.String("queues", "0", "comma-separated list of queue ids to record")
		odir    = flag.String("o", ".", "output directory")
		chunk   = flag.String("chunk", "64k", "maximum number of bytes read at once")
		minFree = flag.String("min-free", "1G", "minimum free space of the output directory")
		db      = flag.String("db", "", "name of the condition database")
		serial  = flag.String("serial", "", "serial number of the board")
	)

	flag.Parse()

	opts := options{
		addr:   *addr,
		mod:    uint32(*mod),
		odir:   *odir,
		db:     *db,
		serial: *serial,
	}

	var err error
	opts.queues, err = parseQueues(*queues)
	if err != nil {
		log.Fatalf("could not parse queue list: %+v", err)
	}
	n, err := parseSize(*chunk)
	if err != nil {
		log.Fatalf("could not parse chunk size: %+v", err)
	}
	opts.chunk = int(n)
	opts.minFree, err = parseSize(*minFree)
	if err != nil {
		log.Fatalf("could not parse minimum free space: %+v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	err = run(ctx, opts)
	if err != nil {
		log.Fatalf("%+v", err)
	}
}

func run(ctx context.Context, opts options) error {
	var (
		db  *conddb.DB
		cfg *dque.DeviceConfig
		err error
	)
	if opts.db != "" {
		if opts.serial == "" {
			return fmt.Errorf("a board serial number is needed with -db")
		}
		db, err = conddb.Open(opts.db)
		if err != nil {
			return fmt.Errorf("could not open condition db: %w", err)
		}
		defer db.Close()

		brd, err := db.Board(ctx, opts.serial)
		if err != nil {
			return fmt.Errorf("could not retrieve board configuration: %w", err)
		}
		if opts.addr == "" {
			opts.addr = brd.Addr
			opts.mod = brd.Module
		}
		cfg = &brd.Config
	}
	if opts.addr == "" {
		return fmt.Errorf("no ANS server address")
	}

	dev, err := dque.Dial(ctx, opts.addr, opts.mod)
	if err != nil {
		return fmt.Errorf("could not connect to board: %w", err)
	}
	defer dev.Release()

	if cfg != nil {
		err = dev.SetConfig(*cfg)
		if err != nil {
			return fmt.Errorf("could not configure board: %w", err)
		}
	}

	return record(ctx, dev, db, opts)
}

type job struct {
	id    dque.ID
	fname string
	f     *os.File
	run   int64
}

func record(ctx context.Context, dev recorder.Queue, db *conddb.DB, opts options) error {
	jobs := make([]job, 0, len(opts.queues))
	defer func() {
		for _, job := range jobs {
			_ = job.f.Close()
		}
	}()

	for _, id := range opts.queues {
		fname := filepath.Join(opts.odir, outputName(opts, id, time.Now()))
		f, err := os.Create(fname)
		if err != nil {
			return fmt.Errorf("could not create output file for %v: %w", id, err)
		}
		jobs = append(jobs, job{id: id, fname: fname, f: f})
	}

	if db != nil {
		for i := range jobs {
			job := &jobs[i]
			run, err := db.BeginRun(ctx, opts.serial, job.id)
			if err != nil {
				return fmt.Errorf("could not book run for %v: %w", job.id, err)
			}
			job.run = run
		}
	}

	var grp errgroup.Group
	for _, job := range jobs {
		rec := recorder.New(
			dev, job.id, job.f,
			recorder.WithLogger(log.New(os.Stdout, "dq-rec: "+job.id.String()+": ", 0)),
			recorder.WithChunkSize(opts.chunk),
			recorder.WithDiskCheck(opts.odir, opts.minFree),
			recorder.WithOverflowFunc(func(id dque.ID, status uint32) {
				log.Printf("%v: overflow (status=0x%08x)", id, status)
			}),
		)

		log.Printf("recording %v into %q...", job.id, job.fname)
		grp.Go(func() error {
			err := rec.Run(ctx)
			if db != nil {
				// the run context is done by now.
				e := db.EndRun(context.Background(), job.run, rec.Total(), rec.Status())
				if e != nil {
					err = errors.Join(err, e)
				}
			}
			if e := job.f.Sync(); e != nil {
				err = errors.Join(err, fmt.Errorf("could not sync %q: %w", job.fname, e))
			}
			log.Printf("%v: %d bytes recorded into %q", job.id, rec.Total(), job.fname)
			return err
		})
	}

	err := grp.Wait()
	if err != nil {
		return fmt.Errorf("could not record queues: %w", err)
	}
	return nil
}

func outputName(opts options, id dque.ID, now time.Time) string {
	name := opts.serial
	if name == "" {
		name = fmt.Sprintf("mod-%03d", opts.mod)
	}
	return fmt.Sprintf("%s-%v-%s.raw", name, id, now.UTC().Format("20060102-150405"))
}

func parseQueues(s string) ([]dque.ID, error) {
	var (
		ids  []dque.ID
		seen = make(map[dque.ID]bool)
	)
	for _, v := range strings.Split(s, ",") {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		id, err := strconv.ParseUint(v, 10, 8)
		if err != nil {
			return nil, fmt.Errorf("invalid queue id %q: %w", v, err)
		}
		if id >= dque.NumQueues {
			return nil, fmt.Errorf("%w: queue id %d", dque.ErrParamNotInRange, id)
		}
		if seen[dque.ID(id)] {
			return nil, fmt.Errorf("duplicate queue id %d", id)
		}
		seen[dque.ID(id)] = true
		ids = append(ids, dque.ID(id))
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("no queue id")
	}
	return ids, nil
}

// parseSize parses a number of bytes with an optional k, M or G suffix.
func parseSize(s string) (uint64, error) {
	var (
		unit uint64 = 1
		v           = strings.TrimSpace(s)
	)
	if v == "" {
		return 0, fmt.Errorf("empty size")
	}
	switch v[len(v)-1] {
	case 'k', 'K':
		unit = 1 << 10
	case 'M':
		unit = 1 << 20
	case 'G':
		unit = 1 << 30
	}
	if unit != 1 {
		v = v[:len(v)-1]
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	return n * unit, nil
}
