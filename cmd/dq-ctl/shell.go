// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/go-lpc/milbus/dque"
)

// device is the set of queue operations driven by the shell.
type device interface {
	Open(id dque.ID) (uint32, error)
	Control(id dque.ID, mode dque.Mode) error
	Read(id dque.ID, p []byte) (dque.Result, error)
	Probe(id dque.ID) (dque.Result, error)
	Close(id dque.ID) error
	State(id dque.ID) dque.State
	Config() (dque.DeviceConfig, error)
}

type shell struct {
	dev device
	id  dque.ID
	out io.Writer

	cmds map[string]command
}

type command struct {
	help string
	run  func(args []string) error
}

func newShell(dev device, id dque.ID, out io.Writer) *shell {
	sh := &shell{dev: dev, id: id, out: out}
	sh.cmds = map[string]command{
		"open":   {"open the current queue", sh.open},
		"start":  {"start the current queue", sh.control(dque.Start)},
		"stop":   {"stop the current queue", sh.control(dque.Stop)},
		"resume": {"resume the current queue", sh.control(dque.Resume)},
		"flush":  {"flush the current queue", sh.control(dque.Flush)},
		"read":   {"read N bytes from the current queue", sh.read},
		"probe":  {"report the bytes available in the current queue", sh.probe},
		"close":  {"close the current queue", sh.close},
		"config": {"display the device configuration", sh.config},
		"queue":  {"display or select the current queue", sh.queue},
		"help":   {"display this help", sh.help},
	}
	return sh
}

func (sh *shell) prompt() string {
	return fmt.Sprintf("dq[%v]> ", sh.id)
}

func (sh *shell) complete(line string) []string {
	var out []string
	for name := range sh.cmds {
		if strings.HasPrefix(name, line) {
			out = append(out, name)
		}
	}
	if strings.HasPrefix("quit", line) {
		out = append(out, "quit")
	}
	sort.Strings(out)
	return out
}

// exec runs a command line and reports whether the shell should exit.
func (sh *shell) exec(line string) (bool, error) {
	args := strings.Fields(line)
	if len(args) == 0 {
		return false, nil
	}
	switch args[0] {
	case "quit", "exit":
		return true, nil
	}
	cmd, ok := sh.cmds[args[0]]
	if !ok {
		return false, fmt.Errorf("unknown command %q (try \"help\")", args[0])
	}
	return false, cmd.run(args[1:])
}

func (sh *shell) open(args []string) error {
	size, err := sh.dev.Open(sh.id)
	if err != nil {
		return err
	}
	fmt.Fprintf(sh.out, "%v: opened (size=%d)\n", sh.id, size)
	return nil
}

func (sh *shell) control(mode dque.Mode) func(args []string) error {
	return func(args []string) error {
		err := sh.dev.Control(sh.id, mode)
		if err != nil {
			return err
		}
		fmt.Fprintf(sh.out, "%v: %v\n", sh.id, sh.dev.State(sh.id))
		return nil
	}
}

func (sh *shell) read(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: read N")
	}
	n, err := strconv.ParseUint(args[0], 10, 32)
	if err != nil {
		return fmt.Errorf("invalid number of bytes %q: %w", args[0], err)
	}
	buf := make([]byte, n)
	res, err := sh.dev.Read(sh.id, buf)
	if err != nil {
		return err
	}
	sh.result(res)
	if res.BytesTransferred > 0 {
		fmt.Fprint(sh.out, hex.Dump(buf[:res.BytesTransferred]))
	}
	return nil
}

func (sh *shell) probe(args []string) error {
	res, err := sh.dev.Probe(sh.id)
	if err != nil {
		return err
	}
	sh.result(res)
	return nil
}

func (sh *shell) result(res dque.Result) {
	fmt.Fprintf(
		sh.out, "%v: transferred=%d in-queue=%d total=%d status=0x%08x\n",
		sh.id, res.BytesTransferred, res.BytesInQueue, res.TotalBytes, res.Status,
	)
}

func (sh *shell) close(args []string) error {
	err := sh.dev.Close(sh.id)
	if err != nil {
		return err
	}
	fmt.Fprintf(sh.out, "%v: closed\n", sh.id)
	return nil
}

func (sh *shell) config(args []string) error {
	cfg, err := sh.dev.Config()
	if err != nil {
		return err
	}
	fmt.Fprintf(sh.out, "dma:        %v\n", cfg.DMAEnabled)
	fmt.Fprintf(sh.out, "mem-type:   %d\n", cfg.MemoryType)
	fmt.Fprintf(sh.out, "queue-mode: %v\n", cfg.QueueMode)
	fmt.Fprintf(sh.out, "dma-min:    %d\n", cfg.DMAMinimumSize)
	fmt.Fprintf(sh.out, "irq-count:  %d\n", cfg.IntRequestCount)
	fmt.Fprintf(sh.out, "flags:      0x%08x\n", cfg.DriverFlags)
	return nil
}

func (sh *shell) queue(args []string) error {
	switch len(args) {
	case 0:
	case 1:
		v, err := strconv.ParseUint(args[0], 10, 8)
		if err != nil || v >= dque.NumQueues {
			return fmt.Errorf("%w: queue id %q", dque.ErrParamNotInRange, args[0])
		}
		sh.id = dque.ID(v)
	default:
		return fmt.Errorf("usage: queue [ID]")
	}
	fmt.Fprintf(sh.out, "%v: %v\n", sh.id, sh.dev.State(sh.id))
	return nil
}

func (sh *shell) help(args []string) error {
	names := make([]string, 0, len(sh.cmds))
	for name := range sh.cmds {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(sh.out, "%-8s %s\n", name, sh.cmds[name].help)
	}
	fmt.Fprintf(sh.out, "%-8s %s\n", "quit", "exit the shell")
	return nil
}
