// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package fwsim simulates the firmware of a bus interface board.
//
// A simulated board owns anonymous shared mappings for its Shared and
// Global memory regions. It serves the device control requests of the
// data queue protocol and plays the producer side: Produce appends to a
// firmware ring buffer, Record appends to a bus monitor trace memory.
package fwsim // import "github.com/go-lpc/milbus/internal/fwsim"

import (
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/go-lpc/milbus/dque"
	"github.com/go-lpc/milbus/internal/mmap"
	"github.com/go-lpc/milbus/mem"
)

// Shared region layout.
const (
	hdrBase   = 0x100 // ring header of queue 0
	hdrStride = 0x20
	dataBase  = 0x1000

	hdrStatus = 0x00
	hdrPut    = 0x04
	hdrGet    = 0x08
	hdrStart  = 0x0c
	hdrSize   = 0x10
)

// Global region layout.
const (
	cbBase    = 0x1000 // control block of channel 0
	cbStride  = 0x100
	traceBase = 0x10000

	regSCW   = 0x00
	regGet   = 0x20
	regBase  = 0x80
	regMBFP  = 0x84
	regMSTCB = 0x88

	bmUnit = 64 * 1024
)

const captureBits = dque.StatusCaptureMode | dque.StatusChanOperating

type ring struct {
	hdr   uint32
	start uint32
	size  uint32
	open  bool
}

type channel struct {
	cb        uint32
	base      uint32
	size      uint32
	hs        bool
	triggered bool
	stp       uint32
}

// Board is a simulated bus interface board.
type Board struct {
	msg *log.Logger
	bus *mem.Bus

	mu    sync.Mutex
	rings [dque.NumQueues]ring
	chans []channel
}

type config struct {
	msg   *log.Logger
	qsize uint32
	nchan int
	hs    bool
	units uint32
}

// Option configures a simulated board.
type Option func(*config)

// WithLogger sets the logger of the board.
func WithLogger(msg *log.Logger) Option {
	return func(cfg *config) {
		cfg.msg = msg
	}
}

// WithQueueSize sets the size of the data region of each ring buffer.
func WithQueueSize(n uint32) Option {
	return func(cfg *config) {
		cfg.qsize = n
	}
}

// WithChannels sets the number of bus channels and their speed.
func WithChannels(n int, hs bool) Option {
	return func(cfg *config) {
		cfg.nchan = n
		cfg.hs = hs
	}
}

// WithTraceUnits sets the trace memory size of each channel, in units
// of 64 KiB.
func WithTraceUnits(n uint32) Option {
	return func(cfg *config) {
		cfg.units = n
	}
}

// New creates a simulated board.
func New(opts ...Option) (*Board, error) {
	cfg := config{
		msg:   log.New(os.Stdout, "fwsim: ", 0),
		qsize: 64 * 1024,
		nchan: 2,
		units: 1,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	switch {
	case cfg.qsize == 0 || cfg.qsize%4 != 0:
		return nil, fmt.Errorf("fwsim: invalid queue size %d", cfg.qsize)
	case cfg.nchan < 0 || cfg.nchan > dque.NumQueues-2:
		return nil, fmt.Errorf("fwsim: invalid number of channels %d", cfg.nchan)
	case cfg.units == 0 || cfg.units > 256:
		return nil, fmt.Errorf("fwsim: invalid trace size %d", cfg.units)
	}

	shared, err := mmap.Anon(dataBase + dque.NumQueues*int(cfg.qsize))
	if err != nil {
		return nil, fmt.Errorf("fwsim: could not map shared region: %w", err)
	}
	tsize := cfg.units * bmUnit
	global, err := mmap.Anon(traceBase + cfg.nchan*int(tsize))
	if err != nil {
		_ = shared.Close()
		return nil, fmt.Errorf("fwsim: could not map global region: %w", err)
	}

	b := &Board{
		msg:   cfg.msg,
		bus:   mem.NewBus(),
		chans: make([]channel, cfg.nchan),
	}
	b.bus.Map(mem.Shared, shared)
	b.bus.Map(mem.Global, global)

	for i := range b.rings {
		b.rings[i] = ring{
			hdr:   hdrBase + uint32(i)*hdrStride,
			start: dataBase + uint32(i)*cfg.qsize,
			size:  cfg.qsize,
		}
	}

	shift := 8
	if cfg.hs {
		shift = 10
	}
	for i := range b.chans {
		ch := &b.chans[i]
		*ch = channel{
			cb:   cbBase + uint32(i)*cbStride,
			base: traceBase + uint32(i)*tsize,
			size: tsize,
			hs:   cfg.hs,
		}
		r := rw{bus: b.bus, reg: mem.Global}
		r.w32(ch.cb+regSCW, (cfg.units-1)<<shift)
		r.w32(ch.cb+regBase, ch.base)
		if r.err != nil {
			_ = b.bus.Close()
			return nil, fmt.Errorf("fwsim: could not set up channel %d: %w", i, r.err)
		}
		err = b.resetTrace(ch)
		if err != nil {
			_ = b.bus.Close()
			return nil, fmt.Errorf("fwsim: could not set up channel %d: %w", i, err)
		}
	}

	return b, nil
}

// Bus returns the memory of the board, as seen by the host.
func (b *Board) Bus() *mem.Bus { return b.bus }

// Close releases the memory of the board.
func (b *Board) Close() error {
	return b.bus.Close()
}

func (b *Board) ring(id dque.ID) (*ring, error) {
	if id >= dque.NumQueues {
		return nil, fmt.Errorf("fwsim: %w: queue id %d", dque.ErrParamNotInRange, uint8(id))
	}
	return &b.rings[id], nil
}

func (b *Board) channel(ch int) (*channel, error) {
	if ch < 0 || ch >= len(b.chans) {
		return nil, fmt.Errorf("fwsim: %w: bus channel %d", dque.ErrParamNotInRange, ch)
	}
	return &b.chans[ch], nil
}

// OpenQueue implements dque.Firmware.
func (b *Board) OpenQueue(id dque.ID) (hdr, size uint32, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, err := b.ring(id)
	if err != nil {
		return 0, 0, err
	}

	r := rw{bus: b.bus, reg: mem.Shared}
	r.w32(q.hdr+hdrStatus, 0)
	r.w32(q.hdr+hdrPut, q.start)
	r.w32(q.hdr+hdrGet, q.start)
	r.w32(q.hdr+hdrStart, q.start)
	r.w32(q.hdr+hdrSize, q.size)
	if r.err != nil {
		return 0, 0, fmt.Errorf("fwsim: could not set up %v header: %w", id, r.err)
	}
	q.open = true
	return q.hdr, q.size, nil
}

// ControlQueue implements dque.Firmware.
func (b *Board) ControlQueue(id dque.ID, mode dque.Mode) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, err := b.ring(id)
	if err != nil {
		return err
	}
	if !q.open {
		return fmt.Errorf("fwsim: %w: %v", dque.ErrNotOpen, id)
	}

	r := rw{bus: b.bus, reg: mem.Shared}
	status := r.u32(q.hdr + hdrStatus)
	switch mode {
	case dque.Start:
		r.w32(q.hdr+hdrPut, q.start)
		r.w32(q.hdr+hdrGet, q.start)
		status = status&captureBits | dque.StatusEnabled
	case dque.Stop:
		status &^= dque.StatusEnabled
	case dque.Resume:
		status |= dque.StatusEnabled | dque.StatusResumed
	case dque.Flush:
		r.w32(q.hdr+hdrPut, q.start)
		r.w32(q.hdr+hdrGet, q.start)
		status &^= captureBits | dque.StatusLocalOverflow
	default:
		return fmt.Errorf("fwsim: %w: %v", dque.ErrInvalidMode, mode)
	}
	r.w32(q.hdr+hdrStatus, status)
	if r.err != nil {
		return fmt.Errorf("fwsim: could not %v %v: %w", mode, id, r.err)
	}
	return nil
}

// CloseQueue implements dque.Firmware.
func (b *Board) CloseQueue(id dque.ID) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, err := b.ring(id)
	if err != nil {
		return err
	}
	q.open = false
	return mem.WriteU32(b.bus, mem.Shared, q.hdr+hdrStatus, 0)
}

// MemInfo implements dque.Firmware.
func (b *Board) MemInfo() (dque.MemInfo, error) {
	info := dque.MemInfo{Channels: make([]dque.ChannelInfo, len(b.chans))}
	for i, ch := range b.chans {
		info.Channels[i] = dque.ChannelInfo{ControlBlock: ch.cb, HighSpeed: ch.hs}
	}
	return info, nil
}

// StackPointers implements dque.Firmware.
func (b *Board) StackPointers(i int) (dque.StackPointers, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, err := b.channel(i)
	if err != nil {
		return dque.StackPointers{}, err
	}
	put, err := mem.ReadU32(b.bus, mem.Global, ch.cb+regMBFP)
	if err != nil {
		return dque.StackPointers{}, fmt.Errorf("fwsim: could not read channel %d put pointer: %w", i, err)
	}
	sp := dque.StackPointers{STP: ch.stp, CTP: ch.stp, ETP: put}
	if ch.triggered {
		sp.Status = 1
	}
	return sp, nil
}

// SetStatus ORs bits into the ring header status of queue id.
func (b *Board) SetStatus(id dque.ID, bits uint32) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, err := b.ring(id)
	if err != nil {
		return err
	}
	r := rw{bus: b.bus, reg: mem.Shared}
	r.w32(q.hdr+hdrStatus, r.u32(q.hdr+hdrStatus)|bits)
	return r.err
}

// Produce appends p to the ring buffer of queue id and returns the number
// of bytes written. Nothing is written unless the queue is started.
// Bytes that do not fit are dropped and the local overflow bit is set.
func (b *Board) Produce(id dque.ID, p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, err := b.ring(id)
	if err != nil {
		return 0, err
	}
	if !q.open {
		return 0, fmt.Errorf("fwsim: %w: %v", dque.ErrNotOpen, id)
	}

	r := rw{bus: b.bus, reg: mem.Shared}
	var (
		status = r.u32(q.hdr + hdrStatus)
		put    = r.u32(q.hdr + hdrPut)
		get    = r.u32(q.hdr + hdrGet)
	)
	if r.err != nil {
		return 0, fmt.Errorf("fwsim: could not read %v header: %w", id, r.err)
	}
	if status&dque.StatusEnabled == 0 {
		return 0, nil
	}

	n, put, err := b.write(mem.Shared, p, put, get, q.start, q.size)
	if err != nil {
		return 0, fmt.Errorf("fwsim: could not write %v data: %w", id, err)
	}
	if n < len(p) {
		status |= dque.StatusLocalOverflow
	}
	r.w32(q.hdr+hdrPut, put)
	r.w32(q.hdr+hdrStatus, status)
	if r.err != nil {
		return n, fmt.Errorf("fwsim: could not update %v header: %w", id, r.err)
	}
	return n, nil
}

// Record appends p to the trace memory of bus channel ch and returns the
// number of bytes written. The first record triggers the bus monitor.
// Bytes that would overrun the host get pointer are dropped and the
// monitor overflow bit is set.
func (b *Board) Record(i int, p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, err := b.channel(i)
	if err != nil {
		return 0, err
	}

	r := rw{bus: b.bus, reg: mem.Global}
	var (
		put = r.u32(ch.cb + regMBFP)
		get = r.u32(ch.cb + regGet)
	)
	if r.err != nil {
		return 0, fmt.Errorf("fwsim: could not read channel %d pointers: %w", i, r.err)
	}
	if !ch.triggered {
		ch.triggered = true
		ch.stp = put
		get = put
	}

	n, put, err := b.write(mem.Global, p, put, get, ch.base, ch.size)
	if err != nil {
		return 0, fmt.Errorf("fwsim: could not write channel %d trace: %w", i, err)
	}
	r.w32(ch.cb+regMBFP, put)
	if n < len(p) {
		r.w32(ch.cb+regMSTCB, r.u32(ch.cb+regMSTCB)|1<<overflowBit(ch.hs))
	}
	if r.err != nil {
		return n, fmt.Errorf("fwsim: could not update channel %d registers: %w", i, r.err)
	}
	return n, nil
}

// ResetTrace disarms the bus monitor of channel ch and empties its trace.
func (b *Board) ResetTrace(i int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, err := b.channel(i)
	if err != nil {
		return err
	}
	return b.resetTrace(ch)
}

func (b *Board) resetTrace(ch *channel) error {
	r := rw{bus: b.bus, reg: mem.Global}
	r.w32(ch.cb+regMBFP, ch.base)
	r.w32(ch.cb+regGet, ch.base)
	r.w32(ch.cb+regMSTCB, 0)
	ch.triggered = false
	ch.stp = ch.base
	return r.err
}

// write copies as much of p as fits in [start, start+size) at put,
// keeping one byte free so put never catches up with get.
func (b *Board) write(reg mem.Region, p []byte, put, get, start, size uint32) (int, uint32, error) {
	used := put - get
	if put < get {
		used = put + size - get
	}
	free := size - used - 1
	n := min(free, uint32(len(p)))
	if n == 0 {
		return 0, put, nil
	}

	end := start + size - put
	if n <= end {
		_, err := b.bus.Write(reg, put, 1, n, p[:n])
		if err != nil {
			return 0, put, err
		}
	} else {
		_, err := b.bus.Write(reg, put, 1, end, p[:end])
		if err != nil {
			return 0, put, err
		}
		_, err = b.bus.Write(reg, start, 1, n-end, p[end:n])
		if err != nil {
			return 0, put, err
		}
	}

	put += n
	if put >= start+size {
		put -= size
	}
	return int(n), put, nil
}

func overflowBit(hs bool) uint32 {
	if hs {
		return 24
	}
	return 18
}

// rw reads and writes 32-bit registers with a sticky error.
type rw struct {
	bus *mem.Bus
	reg mem.Region
	err error
}

func (r *rw) u32(off uint32) uint32 {
	if r.err != nil {
		return 0
	}
	var v uint32
	v, r.err = mem.ReadU32(r.bus, r.reg, off)
	return v
}

func (r *rw) w32(off, v uint32) {
	if r.err != nil {
		return
	}
	r.err = mem.WriteU32(r.bus, r.reg, off, v)
}
