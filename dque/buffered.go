// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dque

import (
	"fmt"

	"github.com/go-lpc/milbus/mem"
)

// ring header layout, relative to the header offset in shared memory.
const (
	hdrStatus = 0x00
	hdrPut    = 0x04
	hdrGet    = 0x08
	hdrStart  = 0x0c
	hdrSize   = 0x10
)

// ringHeader locates the firmware ring header of a buffered queue.
type ringHeader struct {
	off uint32
}

func (ringHeader) isQueueMode() {}

type header struct {
	status uint32
	put    uint32
	get    uint32
	start  uint32
	size   uint32
}

func (h header) validate() error {
	switch {
	case h.size == 0:
		return fmt.Errorf("empty data region")
	case !inRing(h.put, h.start, h.size):
		return fmt.Errorf("put=0x%x out of [0x%x, 0x%x)", h.put, h.start, uint64(h.start)+uint64(h.size))
	case !inRing(h.get, h.start, h.size):
		return fmt.Errorf("get=0x%x out of [0x%x, 0x%x)", h.get, h.start, uint64(h.start)+uint64(h.size))
	}
	return nil
}

// buffered consumes a firmware-maintained ring buffer.
// Only the get field of the header is ever written.
type buffered struct {
	acc mem.Accessor
	fw  Firmware
}

func (b *buffered) header(off uint32) (header, error) {
	r := rw{acc: b.acc, reg: mem.Shared}
	h := header{
		status: r.u32(off + hdrStatus),
		put:    r.u32(off + hdrPut),
		get:    r.u32(off + hdrGet),
		start:  r.u32(off + hdrStart),
		size:   r.u32(off + hdrSize),
	}
	return h, r.err
}

func (b *buffered) open(id ID) (opened, error) {
	off, size, err := b.fw.OpenQueue(id)
	if err != nil {
		return opened{}, fmt.Errorf("dque: could not open %v: %w", id, err)
	}
	if off == 0 {
		return opened{}, fmt.Errorf("%w: no ring header for %v", ErrQueueNotReady, id)
	}

	r := rw{acc: b.acc, reg: mem.Shared}
	status := r.u32(off + hdrStatus)
	if r.err != nil {
		return opened{}, ioError(r.err, "could not read %v status", id)
	}

	return opened{
		size:   size,
		status: status,
		mode:   ringHeader{off: off},
	}, nil
}

func (b *buffered) control(q *queue, mode Mode) error {
	err := b.fw.ControlQueue(q.id, mode)
	if err != nil {
		return fmt.Errorf("dque: could not %v %v: %w", mode, q.id, err)
	}
	return nil
}

func (b *buffered) read(q *queue, p []byte) (Result, error) {
	off := q.mode.(ringHeader).off

	h, err := b.header(off)
	if err != nil {
		return Result{}, ioError(err, "could not read %v header", q.id)
	}
	err = h.validate()
	if err != nil {
		return Result{}, fmt.Errorf("%w: invalid %v header: %w", ErrIO, q.id, err)
	}

	avail := available(h.put, h.get, h.start, h.size)
	if len(p) == 0 {
		return Result{BytesInQueue: avail, Status: h.status}, nil
	}

	n := min(avail, uint32(len(p)))
	if n == 0 {
		return Result{Status: h.status}, nil
	}

	err = copyRing(b.acc, mem.Shared, p[:n], h.get, h.start, h.size)
	if err != nil {
		return Result{}, ioError(err, "could not copy %d bytes from %v", n, q.id)
	}

	r := rw{acc: b.acc, reg: mem.Shared}
	r.w32(off+hdrGet, advance(h.get, n, h.start, h.size))
	if r.err != nil {
		return Result{}, ioError(r.err, "could not update %v get pointer", q.id)
	}

	// get is persisted: the n bytes are delivered even if the
	// post-read status can not be retrieved.
	var (
		status = r.u32(off + hdrStatus)
		put    = r.u32(off + hdrPut)
		get    = r.u32(off + hdrGet)
	)
	if r.err != nil {
		return Result{
			BytesTransferred: n,
			BytesInQueue:     avail - n,
			Status:           h.status,
		}, ioError(r.err, "could not read %v header after read", q.id)
	}

	return Result{
		BytesTransferred: n,
		BytesInQueue:     available(put, get, h.start, h.size),
		Status:           status,
	}, nil
}

func (b *buffered) close(q *queue) error {
	err := b.fw.CloseQueue(q.id)
	if err != nil {
		return fmt.Errorf("dque: could not close %v: %w", q.id, err)
	}
	return nil
}
