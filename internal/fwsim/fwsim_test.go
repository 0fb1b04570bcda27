// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package fwsim

import (
	"bytes"
	"errors"
	"io"
	"log"
	"testing"

	"github.com/go-lpc/milbus/dque"
	"github.com/go-lpc/milbus/mem"
)

func newBoard(t *testing.T, opts ...Option) *Board {
	t.Helper()
	opts = append([]Option{WithLogger(log.New(io.Discard, "", 0))}, opts...)
	b, err := New(opts...)
	if err != nil {
		t.Fatalf("could not create board: %+v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func header(t *testing.T, b *Board, id dque.ID) (status, put, get uint32) {
	t.Helper()
	r := rw{bus: b.bus, reg: mem.Shared}
	q := b.rings[id]
	status = r.u32(q.hdr + hdrStatus)
	put = r.u32(q.hdr + hdrPut)
	get = r.u32(q.hdr + hdrGet)
	if r.err != nil {
		t.Fatalf("could not read header: %+v", r.err)
	}
	return status, put, get
}

func TestQueueControl(t *testing.T) {
	b := newBoard(t, WithQueueSize(256))
	id := dque.GenericAcq

	if err := b.ControlQueue(id, dque.Start); !errors.Is(err, dque.ErrNotOpen) {
		t.Fatalf("invalid error starting a closed queue: %+v", err)
	}

	hdr, size, err := b.OpenQueue(id)
	if err != nil {
		t.Fatalf("could not open queue: %+v", err)
	}
	if hdr == 0 || size != 256 {
		t.Fatalf("invalid geometry: hdr=0x%x size=%d", hdr, size)
	}

	n, err := b.Produce(id, []byte("dropped"))
	if err != nil || n != 0 {
		t.Fatalf("stopped queue accepted data: n=%d err=%+v", n, err)
	}

	for _, tc := range []struct {
		mode dque.Mode
		want uint32
	}{
		{dque.Start, dque.StatusEnabled},
		{dque.Stop, 0},
		{dque.Resume, dque.StatusEnabled | dque.StatusResumed},
		{dque.Start, dque.StatusEnabled},
	} {
		err := b.ControlQueue(id, tc.mode)
		if err != nil {
			t.Fatalf("could not %v queue: %+v", tc.mode, err)
		}
		status, _, _ := header(t, b, id)
		if status != tc.want {
			t.Fatalf("%v: invalid status: got=0x%x, want=0x%x", tc.mode, status, tc.want)
		}
	}

	err = b.CloseQueue(id)
	if err != nil {
		t.Fatalf("could not close queue: %+v", err)
	}
	if status, _, _ := header(t, b, id); status != 0 {
		t.Fatalf("invalid status after close: 0x%x", status)
	}
}

func TestProduce(t *testing.T) {
	b := newBoard(t, WithQueueSize(16))
	id := dque.BMRec(1)

	_, _, err := b.OpenQueue(id)
	if err != nil {
		t.Fatalf("could not open queue: %+v", err)
	}
	err = b.ControlQueue(id, dque.Start)
	if err != nil {
		t.Fatalf("could not start queue: %+v", err)
	}

	n, err := b.Produce(id, []byte("0123456789"))
	if err != nil || n != 10 {
		t.Fatalf("could not produce: n=%d err=%+v", n, err)
	}
	status, put, get := header(t, b, id)
	start := b.rings[id].start
	if put != start+10 || get != start || status&dque.StatusLocalOverflow != 0 {
		t.Fatalf("invalid header: status=0x%x put=0x%x get=0x%x", status, put, get)
	}

	// one byte stays free.
	n, err = b.Produce(id, []byte("abcdefgh"))
	if err != nil || n != 5 {
		t.Fatalf("could not produce: n=%d err=%+v", n, err)
	}
	status, put, _ = header(t, b, id)
	if put != start+15 || status&dque.StatusLocalOverflow == 0 {
		t.Fatalf("invalid header: status=0x%x put=0x%x", status, put)
	}

	got := make([]byte, 15)
	_, err = b.bus.Read(mem.Shared, start, 1, 15, got)
	if err != nil {
		t.Fatalf("could not read ring: %+v", err)
	}
	if want := []byte("0123456789abcde"); !bytes.Equal(got, want) {
		t.Fatalf("invalid ring content:\ngot= %q\nwant=%q", got, want)
	}

	err = b.ControlQueue(id, dque.Flush)
	if err != nil {
		t.Fatalf("could not flush queue: %+v", err)
	}
	status, put, get = header(t, b, id)
	if put != start || get != start || status != dque.StatusEnabled {
		t.Fatalf("invalid header after flush: status=0x%x put=0x%x get=0x%x", status, put, get)
	}
}

func TestRecord(t *testing.T) {
	for _, hs := range []bool{false, true} {
		b := newBoard(t, WithChannels(2, hs), WithTraceUnits(1))
		ch := &b.chans[1]

		sp, err := b.StackPointers(1)
		if err != nil {
			t.Fatalf("could not read stack pointers: %+v", err)
		}
		if sp.Status != 0 || sp.STP != sp.ETP {
			t.Fatalf("monitor triggered before any record: %+v", sp)
		}

		n, err := b.Record(1, []byte("trace"))
		if err != nil || n != 5 {
			t.Fatalf("could not record: n=%d err=%+v", n, err)
		}
		sp, err = b.StackPointers(1)
		if err != nil {
			t.Fatalf("could not read stack pointers: %+v", err)
		}
		if sp.Status != 1 || sp.STP != ch.base || sp.ETP != ch.base+5 {
			t.Fatalf("invalid stack pointers: %+v", sp)
		}

		big := make([]byte, bmUnit)
		n, err = b.Record(1, big)
		if err != nil {
			t.Fatalf("could not record: %+v", err)
		}
		if n != bmUnit-1-5 {
			t.Fatalf("invalid record size: got=%d, want=%d", n, bmUnit-1-5)
		}
		mstcb, err := mem.ReadU32(b.bus, mem.Global, ch.cb+regMSTCB)
		if err != nil {
			t.Fatalf("could not read monitor status: %+v", err)
		}
		if mstcb != 1<<overflowBit(hs) {
			t.Fatalf("invalid monitor status: 0x%x", mstcb)
		}

		err = b.ResetTrace(1)
		if err != nil {
			t.Fatalf("could not reset trace: %+v", err)
		}
		sp, _ = b.StackPointers(1)
		if sp.Status != 0 || sp.ETP != ch.base {
			t.Fatalf("invalid stack pointers after reset: %+v", sp)
		}
	}
}

func TestMemInfo(t *testing.T) {
	b := newBoard(t, WithChannels(3, true), WithTraceUnits(4))
	info, err := b.MemInfo()
	if err != nil {
		t.Fatalf("could not retrieve mem info: %+v", err)
	}
	if len(info.Channels) != 3 {
		t.Fatalf("invalid number of channels: %d", len(info.Channels))
	}
	for i, ch := range info.Channels {
		if !ch.HighSpeed || ch.ControlBlock != cbBase+uint32(i)*cbStride {
			t.Fatalf("invalid channel %d: %+v", i, ch)
		}
		scw, err := mem.ReadU32(b.bus, mem.Global, ch.ControlBlock+regSCW)
		if err != nil {
			t.Fatalf("could not read scw: %+v", err)
		}
		if got := ((scw>>10)&0xff + 1) * bmUnit; got != 4*bmUnit {
			t.Fatalf("invalid trace size: %d", got)
		}
	}
}

func TestNewErrors(t *testing.T) {
	for _, tc := range []struct {
		name string
		opt  Option
	}{
		{"queue-size", WithQueueSize(3)},
		{"channels", WithChannels(9, false)},
		{"trace-units", WithTraceUnits(0)},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(tc.opt)
			if err == nil {
				t.Fatalf("expected an error")
			}
		})
	}
}
