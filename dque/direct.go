// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dque

import (
	"fmt"
	"log"
	"sync"

	"github.com/go-lpc/milbus/mem"
)

// bus monitor registers, relative to the control block of a channel.
const (
	regSCW   = 0x00 // system control word
	regGet   = 0x20 // host get pointer
	regBase  = 0x80 // trace memory base
	regMBFP  = 0x84 // firmware put pointer
	regMSTCB = 0x88 // monitor status

	bmUnit = 64 * 1024
)

// bmSize decodes the trace memory size from the system control word.
func bmSize(scw uint32, hs bool) uint32 {
	shift := 8
	if hs {
		shift = 10
	}
	return (((scw >> shift) & 0xff) + 1) * bmUnit
}

func overflowBit(hs bool) uint32 {
	if hs {
		return 24
	}
	return 18
}

// directSetup is the host-side state of a direct-mode queue.
type directSetup struct {
	ch   int
	cb   uint32 // control block offset
	hs   bool   // high-speed channel
	base uint32
	size uint32
	end  uint32

	triggered bool

	mu        sync.Mutex // guards load statistics
	loadCount uint64
	loadTotal uint64
	loadMax   uint32
}

func (*directSetup) isQueueMode() {}

// record accounts for a fill level and reports whether it is a new maximum.
func (s *directSetup) record(load uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadCount++
	s.loadTotal += uint64(load)
	if load <= s.loadMax {
		return false
	}
	s.loadMax = load
	return true
}

func (s *directSetup) resetLoad() {
	s.mu.Lock()
	s.loadCount = 0
	s.loadTotal = 0
	s.loadMax = 0
	s.mu.Unlock()
}

func (s *directSetup) load() (count uint64, avg, peak uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadCount > 0 {
		avg = uint32(s.loadTotal / s.loadCount)
	}
	return s.loadCount, avg, s.loadMax
}

// direct consumes bus monitor trace memory through the hardware stack
// pointers, without a firmware managed header.
type direct struct {
	msg  *log.Logger
	acc  mem.Accessor
	fw   Firmware
	info MemInfo
}

func (d *direct) open(id ID) (opened, error) {
	ch := id.Channel()
	if ch >= len(d.info.Channels) {
		return opened{}, fmt.Errorf("%w: no bus channel %d for %v", ErrQueueNotReady, ch, id)
	}
	var (
		info = d.info.Channels[ch]
		r    = rw{acc: d.acc, reg: mem.Global}
		base = r.u32(info.ControlBlock + regBase)
		scw  = r.u32(info.ControlBlock + regSCW)
	)
	if r.err != nil {
		return opened{}, ioError(r.err, "could not read %v trace geometry", id)
	}

	size := bmSize(scw, info.HighSpeed)
	s := &directSetup{
		ch:   ch,
		cb:   info.ControlBlock,
		hs:   info.HighSpeed,
		base: base,
		size: size,
		end:  base + size,
	}
	return opened{size: size, mode: s}, nil
}

func (d *direct) control(q *queue, mode Mode) error {
	s := q.mode.(*directSetup)
	switch mode {
	case Start:
		s.triggered = false
	case Flush:
		s.triggered = false
		s.resetLoad()
	}
	return nil
}

func (d *direct) read(q *queue, p []byte) (Result, error) {
	var (
		s        = q.mode.(*directSetup)
		r        = rw{acc: d.acc, reg: mem.Global}
		get, put uint32
	)

	if !s.triggered {
		sp, err := d.fw.StackPointers(s.ch)
		if err != nil {
			return Result{}, ioError(err, "could not read %v stack pointers", q.id)
		}
		if sp.STP != sp.ETP || sp.Status != 0 {
			get, put = sp.STP, sp.ETP
			r.w32(s.cb+regGet, get)
			if r.err != nil {
				return Result{}, ioError(r.err, "could not store %v trigger position", q.id)
			}
			s.triggered = true
		}
	} else {
		put = r.u32(s.cb + regMBFP)
		get = r.u32(s.cb + regGet)
		if r.err != nil {
			return Result{}, ioError(r.err, "could not read %v trace pointers", q.id)
		}
	}

	status := uint32(StatusEnabled)
	if !s.triggered {
		return Result{Status: status}, nil
	}

	if !inRing(get, s.base, s.size) || !inRing(put, s.base, s.size) {
		return Result{}, fmt.Errorf(
			"%w: %v trace pointers out of [0x%x, 0x%x): get=0x%x put=0x%x",
			ErrIO, q.id, s.base, s.end, get, put,
		)
	}

	avail := available(put, get, s.base, s.size)

	mstcb := r.u32(s.cb + regMSTCB)
	if r.err != nil {
		return Result{}, ioError(r.err, "could not read %v monitor status", q.id)
	}
	if (mstcb>>overflowBit(s.hs))&0x1 == 1 {
		status |= StatusASPOverflow
	}

	if len(p) == 0 || avail == 0 {
		return Result{BytesInQueue: avail, Status: status}, nil
	}

	n := min(avail, uint32(len(p)))
	err := copyRing(d.acc, mem.Global, p[:n], get, s.base, s.size)
	if err != nil {
		return Result{}, ioError(err, "could not copy %d bytes from %v trace", n, q.id)
	}

	r.w32(s.cb+regGet, advance(get, n, s.base, s.size))
	if r.err != nil {
		return Result{}, ioError(r.err, "could not update %v get pointer", q.id)
	}

	load := uint32(uint64(avail) * 100 / uint64(s.size))
	if s.record(load) {
		count, avg, peak := s.load()
		d.msg.Printf("%v: size=0x%08x max=%d%% avg=%d%% load (reads=%d)", q.id, s.size, peak, avg, count)
	}

	return Result{
		BytesTransferred: n,
		BytesInQueue:     avail - n,
		Status:           status,
	}, nil
}

func (d *direct) close(q *queue) error {
	return nil
}
