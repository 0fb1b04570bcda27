// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dque

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"
	"testing"

	"github.com/go-lpc/milbus/mem"
)

var errInjected = errors.New("injected failure")

// fakeMem is an in-memory accessor with failure injection.
type fakeMem struct {
	regions map[mem.Region][]byte

	// failRead and failWrite, when set, select accesses that fail.
	failRead  func(r mem.Region, off uint32, n int) bool
	failWrite func(r mem.Region, off uint32, n int) bool
}

func newFakeMem() *fakeMem {
	return &fakeMem{regions: make(map[mem.Region][]byte)}
}

func (m *fakeMem) span(r mem.Region, off uint32, width uint8, count uint32, p []byte) ([]byte, int, error) {
	if width != 1 && width != 2 && width != 4 || off%uint32(width) != 0 {
		return nil, 0, fmt.Errorf("%w: width=%d off=0x%x", mem.ErrParamNotInRange, width, off)
	}
	n := int(width) * int(count)
	buf, ok := m.regions[r]
	if !ok || int(off)+n > len(buf) || len(p) < n {
		return nil, 0, fmt.Errorf("out of range access %v+0x%x (%d bytes)", r, off, n)
	}
	return buf[off : int(off)+n], n, nil
}

func (m *fakeMem) Read(r mem.Region, off uint32, width uint8, count uint32, p []byte) (int, error) {
	buf, n, err := m.span(r, off, width, count, p)
	if err != nil {
		return 0, err
	}
	if m.failRead != nil && m.failRead(r, off, n) {
		return 0, errInjected
	}
	return copy(p, buf), nil
}

func (m *fakeMem) Write(r mem.Region, off uint32, width uint8, count uint32, p []byte) (int, error) {
	buf, n, err := m.span(r, off, width, count, p)
	if err != nil {
		return 0, err
	}
	if m.failWrite != nil && m.failWrite(r, off, n) {
		return 0, errInjected
	}
	return copy(buf, p), nil
}

func (m *fakeMem) u32(r mem.Region, off uint32) uint32 {
	return binary.LittleEndian.Uint32(m.regions[r][off:])
}

func (m *fakeMem) w32(r mem.Region, off, v uint32) {
	binary.LittleEndian.PutUint32(m.regions[r][off:], v)
}

// fill writes the pattern byte(i) at every offset i of region r.
func (m *fakeMem) fill(r mem.Region) {
	buf := m.regions[r]
	for i := range buf {
		buf[i] = byte(i)
	}
}

// fakeFirmware serves a single ring header and a set of stack pointers.
type fakeFirmware struct {
	hdr  uint32
	size uint32
	info MemInfo
	sp   StackPointers

	opens  int
	closes int
	modes  []Mode
	spReqs int

	openErr  error
	ctlErr   error
	closeErr error
}

func (fw *fakeFirmware) OpenQueue(id ID) (uint32, uint32, error) {
	fw.opens++
	return fw.hdr, fw.size, fw.openErr
}

func (fw *fakeFirmware) ControlQueue(id ID, mode Mode) error {
	if fw.ctlErr != nil {
		return fw.ctlErr
	}
	fw.modes = append(fw.modes, mode)
	return nil
}

func (fw *fakeFirmware) CloseQueue(id ID) error {
	if fw.closeErr != nil {
		return fw.closeErr
	}
	fw.closes++
	return nil
}

func (fw *fakeFirmware) MemInfo() (MemInfo, error) { return fw.info, nil }

func (fw *fakeFirmware) StackPointers(ch int) (StackPointers, error) {
	fw.spReqs++
	return fw.sp, nil
}

func newTestDevice(t *testing.T, acc mem.Accessor, fw Firmware, opts ...Option) *Device {
	t.Helper()
	opts = append([]Option{WithLogger(log.New(io.Discard, "", 0))}, opts...)
	dev, err := NewDevice(acc, fw, opts...)
	if err != nil {
		t.Fatalf("could not create device: %+v", err)
	}
	return dev
}
