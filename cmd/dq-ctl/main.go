// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command dq-ctl is an interactive shell driving the data queues of a
// board exported by an ANS server.
//
// Usage: dq-ctl [options]
//
// Example:
//
//	$> dq-ctl -addr daq-01:4711 -mod 0 -queue 9
//	dq> open
//	dq> start
//	dq> read 64
//	dq> quit
package main // import "github.com/go-lpc/milbus/cmd/dq-ctl"

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-lpc/milbus"
	"github.com/go-lpc/milbus/dque"
	"github.com/peterh/liner"
)

func main() {
	log.SetPrefix("dq-ctl: ")
	log.SetFlags(0)

	var (
		addr  = flag.String("addr", "localhost:4711", "[ip]:[port] of the ANS server")
		mod   = flag.Uint("mod", 0, "module handle of the board on the ANS server")
		queue = flag.Uint("queue", uint(dque.GenericAcq), "queue id to drive")
	)

	flag.Parse()

	err := run(*addr, uint32(*mod), dque.ID(*queue))
	if err != nil {
		log.Fatalf("%+v", err)
	}
}

func run(addr string, mod uint32, id dque.ID) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	dev, err := dque.Dial(ctx, addr, mod)
	if err != nil {
		return fmt.Errorf("could not connect to board: %w", err)
	}
	defer dev.Release()

	sh := newShell(dev, id, os.Stdout)
	vers, _ := milbus.Version()
	fmt.Fprintf(sh.out, "dq-ctl %s: connected to %s (module %d), type \"help\" for commands\n", vers, addr, mod)

	term := liner.NewLiner()
	defer term.Close()
	term.SetCtrlCAborts(true)
	term.SetCompleter(sh.complete)

	hist := filepath.Join(os.TempDir(), ".dq-ctl.history")
	if f, err := os.Open(hist); err == nil {
		_, _ = term.ReadHistory(f)
		_ = f.Close()
	}
	defer func() {
		f, err := os.Create(hist)
		if err != nil {
			return
		}
		defer f.Close()
		_, _ = term.WriteHistory(f)
	}()

	for {
		line, err := term.Prompt(sh.prompt())
		switch {
		case err == nil:
		case errors.Is(err, io.EOF), errors.Is(err, liner.ErrPromptAborted):
			return nil
		default:
			return fmt.Errorf("could not read command: %w", err)
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		term.AppendHistory(line)

		quit, err := sh.exec(line)
		if err != nil {
			fmt.Fprintf(sh.out, "error: %+v\n", err)
		}
		if quit {
			return nil
		}
	}
}
