// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command dq-tdaq starts a TDAQ process streaming a data queue of a
// MIL-STD-1553 board on its /dque output.
//
// The board is reached through an ANS server, or simulated with -dq-sim.
//
// Example:
//
//	$> dq-tdaq -dq-addr daq-01:4711 -dq-mod 0 -dq-queue 9 dq-01
package main // import "github.com/go-lpc/milbus/cmd/dq-tdaq"

import (
	"context"
	"flag"
	"log"
	"os"
	"time"

	"github.com/go-daq/tdaq"
	"github.com/go-daq/tdaq/flags"
	"github.com/go-lpc/milbus/dque"
)

func main() {
	var (
		addr  = flag.String("dq-addr", "localhost:4711", "[ip]:[port] of the ANS server")
		mod   = flag.Uint("dq-mod", 0, "module handle of the board on the ANS server")
		queue = flag.Uint("dq-queue", uint(dque.GenericAcq), "queue id to stream")
		sim   = flag.Bool("dq-sim", false, "stream a simulated board")
		chunk = flag.Int("dq-chunk", 64*1024, "maximum number of bytes per frame")
	)

	cmd := flags.New()

	dev := newNode(dque.ID(*queue), *chunk)
	dev.name = cmd.Args[0]
	switch {
	case *sim:
		dev.dial = simDevice(dev.id, 100*time.Millisecond)
	default:
		dev.dial = remoteDevice(*addr, uint32(*mod))
	}

	srv := tdaq.New(cmd, os.Stdout)
	srv.CmdHandle("/config", dev.OnConfig)
	srv.CmdHandle("/init", dev.OnInit)
	srv.CmdHandle("/reset", dev.OnReset)
	srv.CmdHandle("/start", dev.OnStart)
	srv.CmdHandle("/stop", dev.OnStop)
	srv.CmdHandle("/quit", dev.OnQuit)

	srv.OutputHandle("/dque", dev.output)

	srv.RunHandle(dev.run)

	err := srv.Run(context.Background())
	if err != nil {
		log.Panicf("error: %+v", err)
	}
}
