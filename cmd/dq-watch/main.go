// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command dq-watch monitors queue recordings and sends mail alerts when
// recording files stop growing or when a queue reports an overflow.
//
// Mail alerts are configured through the MAIL_USERNAME, MAIL_PASSWORD,
// MAIL_SERVER, MAIL_PORT and MAIL_TGTS environment variables.
//
// Example:
//
//	$> dq-watch -dir ./data -freq 30s
//	$> dq-watch -dir ./data -addr daq-01:4711 -mod 0 -queues 0,9
package main // import "github.com/go-lpc/milbus/cmd/dq-watch"

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/go-lpc/milbus/ans"
	"github.com/go-lpc/milbus/dque"
)

func main() {
	var (
		dir    = flag.String("dir", "", "directory to monitor")
		glob   = flag.String("glob", "*.raw", "pattern of the recording files to monitor")
		freq   = flag.Duration("freq", 30*time.Second, "probing interval")
		addr   = flag.String("addr", "", "[ip]:[port] of the ANS server exporting the board")
		mod    = flag.Uint("mod", 0, "module handle of the board on the ANS server")
		queues = flag.String("queues", "", "comma-separated list of queue ids to probe")
	)

	flag.Parse()

	log.SetPrefix("dq-watch: ")
	log.SetFlags(0)

	ids, err := parseQueues(*queues)
	if err != nil {
		log.Fatalf("could not parse queue list: %+v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	err = run(ctx, *dir, *glob, *freq, *addr, uint32(*mod), ids)
	if err != nil {
		log.Fatalf("%+v", err)
	}
}

func run(ctx context.Context, dir, glob string, freq time.Duration, addr string, mod uint32, ids []dque.ID) error {
	if dir == "" && addr == "" {
		return fmt.Errorf("nothing to monitor: need -dir or -addr")
	}

	w := newWatcher(dir, glob, freq, newMailer())
	if addr != "" {
		cli, err := ans.Dial(ctx, addr)
		if err != nil {
			return fmt.Errorf("could not connect to %q: %w", addr, err)
		}
		// queues are left open for their recorders: only the link is closed.
		defer cli.Close()

		dev, err := dque.NewRemoteDevice(cli, mod)
		if err != nil {
			return fmt.Errorf("could not attach to module %d: %w", mod, err)
		}
		for _, id := range ids {
			_, err := dev.Open(id)
			if err != nil {
				return fmt.Errorf("could not attach to %v: %w", id, err)
			}
		}
		w.dev = dev
		w.ids = ids
	}

	log.Printf("monitoring (dir=%q, addr=%q, freq=%v)...", dir, addr, freq)
	w.monitor(ctx)
	return nil
}

func parseQueues(s string) ([]dque.ID, error) {
	var ids []dque.ID
	for _, v := range strings.Split(s, ",") {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		id, err := strconv.ParseUint(v, 10, 8)
		if err != nil || id >= dque.NumQueues {
			return nil, fmt.Errorf("%w: queue id %q", dque.ErrParamNotInRange, v)
		}
		ids = append(ids, dque.ID(id))
	}
	return ids, nil
}
