// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dque

import (
	"errors"
	"testing"

	"github.com/go-lpc/milbus/mem"
	"github.com/google/go-cmp/cmp"
)

const (
	testCB   = 0x100
	testBase = 0x10000
)

func newDirectDevice(t *testing.T, hs bool) (*fakeMem, *fakeFirmware, *Device) {
	t.Helper()

	m := newFakeMem()
	m.regions[mem.Global] = make([]byte, testBase+bmUnit)
	m.fill(mem.Global)
	m.w32(mem.Global, testCB+regSCW, 0)
	m.w32(mem.Global, testCB+regBase, testBase)
	m.w32(mem.Global, testCB+regMSTCB, 0)

	fw := &fakeFirmware{
		info: MemInfo{Channels: []ChannelInfo{
			{ControlBlock: 0x4000},
			{ControlBlock: testCB, HighSpeed: hs},
		}},
		sp: StackPointers{STP: testBase, ETP: testBase},
	}
	dev := newTestDevice(t, m, fw, WithDirectMode())

	size, err := dev.Open(BMRec(1))
	if err != nil {
		t.Fatalf("could not open queue: %+v", err)
	}
	if size != bmUnit {
		t.Fatalf("invalid trace size: got=%d, want=%d", size, bmUnit)
	}
	return m, fw, dev
}

func TestBMSize(t *testing.T) {
	for _, tc := range []struct {
		scw  uint32
		hs   bool
		want uint32
	}{
		{0, false, 64 * 1024},
		{0, true, 64 * 1024},
		{0x3 << 8, false, 4 * 64 * 1024},
		{0x3 << 8, true, 64 * 1024},
		{0x3 << 10, true, 4 * 64 * 1024},
		{0xff << 10, true, 256 * 64 * 1024},
		{0xffffffff, false, 256 * 64 * 1024},
	} {
		if got := bmSize(tc.scw, tc.hs); got != tc.want {
			t.Errorf("bmSize(0x%x, %v): got=%d, want=%d", tc.scw, tc.hs, got, tc.want)
		}
	}
}

func TestDirectUntriggered(t *testing.T) {
	_, fw, dev := newDirectDevice(t, false)

	res, err := dev.Read(BMRec(1), make([]byte, 64))
	if err != nil {
		t.Fatalf("could not read: %+v", err)
	}
	if want := (Result{Status: StatusEnabled}); res != want {
		t.Fatalf("invalid result:\ngot= %+v\nwant=%+v", res, want)
	}
	if fw.spReqs != 1 {
		t.Fatalf("invalid number of stack pointer requests: %d", fw.spReqs)
	}
	if fw.opens != 0 {
		t.Fatalf("direct mode asked the firmware to open a ring buffer")
	}

	st, err := dev.Stats(BMRec(1))
	if err != nil {
		t.Fatalf("could not retrieve stats: %+v", err)
	}
	if !st.Direct || st.LoadCount != 0 {
		t.Fatalf("invalid stats: %+v", st)
	}
}

func TestDirectRead(t *testing.T) {
	m, fw, dev := newDirectDevice(t, false)
	id := BMRec(1)

	// trigger: 0x20 bytes recorded at the end of the trace, 0x10 wrapped.
	stp := uint32(testBase + bmUnit - 0x20)
	fw.sp = StackPointers{Status: 1, STP: stp, CTP: stp, ETP: testBase + 0x10}
	m.w32(mem.Global, testCB+regMBFP, testBase+0x10)

	res, err := dev.Probe(id)
	if err != nil {
		t.Fatalf("could not probe: %+v", err)
	}
	if want := (Result{BytesInQueue: 0x30, Status: StatusEnabled}); res != want {
		t.Fatalf("invalid probe:\ngot= %+v\nwant=%+v", res, want)
	}
	if got := m.u32(mem.Global, testCB+regGet); got != stp {
		t.Fatalf("trigger position not stored: got=0x%x, want=0x%x", got, stp)
	}

	buf := make([]byte, 0x28)
	res, err = dev.Read(id, buf)
	if err != nil {
		t.Fatalf("could not read: %+v", err)
	}
	want := Result{BytesTransferred: 0x28, BytesInQueue: 0x08, TotalBytes: 0x28, Status: StatusEnabled}
	if res != want {
		t.Fatalf("invalid result:\ngot= %+v\nwant=%+v", res, want)
	}
	data := seq([2]uint32{stp, testBase + bmUnit}, [2]uint32{testBase, testBase + 0x08})
	if diff := cmp.Diff(data, buf); diff != "" {
		t.Fatalf("invalid data: (-want +got)\n%s", diff)
	}
	if got := m.u32(mem.Global, testCB+regGet); got != testBase+0x08 {
		t.Fatalf("invalid get register: 0x%x", got)
	}
	if fw.spReqs != 1 {
		t.Fatalf("stack pointers queried after trigger: %d", fw.spReqs)
	}

	// firmware keeps on recording.
	m.w32(mem.Global, testCB+regMBFP, testBase+0x100)
	res, err = dev.Read(id, make([]byte, 0x1000))
	if err != nil {
		t.Fatalf("could not read: %+v", err)
	}
	want = Result{BytesTransferred: 0xf8, BytesInQueue: 0, TotalBytes: 0x120, Status: StatusEnabled}
	if res != want {
		t.Fatalf("invalid result:\ngot= %+v\nwant=%+v", res, want)
	}

	st, err := dev.Stats(id)
	if err != nil {
		t.Fatalf("could not retrieve stats: %+v", err)
	}
	if st.LoadCount != 2 || st.TotalBytes != 0x120 {
		t.Fatalf("invalid stats: %+v", st)
	}

	// flush re-arms the trigger detection.
	err = dev.Control(id, Flush)
	if err != nil {
		t.Fatalf("could not flush: %+v", err)
	}
	st, _ = dev.Stats(id)
	if st.LoadCount != 0 || st.LoadMax != 0 {
		t.Fatalf("flush did not reset load stats: %+v", st)
	}
	fw.sp = StackPointers{STP: testBase + 0x100, ETP: testBase + 0x100}
	res, err = dev.Probe(id)
	if err != nil {
		t.Fatalf("could not probe: %+v", err)
	}
	if res.BytesInQueue != 0 || fw.spReqs != 2 {
		t.Fatalf("invalid probe after flush: %+v (requests=%d)", res, fw.spReqs)
	}
}

func TestDirectOverflow(t *testing.T) {
	for _, hs := range []bool{false, true} {
		m, fw, dev := newDirectDevice(t, hs)
		id := BMRec(1)

		fw.sp = StackPointers{Status: 1, STP: testBase, ETP: testBase + 0x10}
		m.w32(mem.Global, testCB+regMBFP, testBase+0x10)
		m.w32(mem.Global, testCB+regMSTCB, 1<<overflowBit(hs))

		res, err := dev.Read(id, make([]byte, 8))
		if err != nil {
			t.Fatalf("could not read: %+v", err)
		}
		if res.Status&StatusASPOverflow == 0 {
			t.Fatalf("hs=%v: overflow not reported: 0x%x", hs, res.Status)
		}

		m.w32(mem.Global, testCB+regMSTCB, 0)
		res, err = dev.Read(id, make([]byte, 8))
		if err != nil {
			t.Fatalf("could not read: %+v", err)
		}
		if res.Status&StatusASPOverflow == 0 {
			t.Fatalf("hs=%v: overflow not sticky: 0x%x", hs, res.Status)
		}

		// the other speed's bit is not an overflow.
		err = dev.Control(id, Start)
		if err != nil {
			t.Fatalf("could not start: %+v", err)
		}
		m.w32(mem.Global, testCB+regMSTCB, 1<<overflowBit(!hs))
		res, err = dev.Read(id, make([]byte, 8))
		if err != nil {
			t.Fatalf("could not read: %+v", err)
		}
		if res.Status&StatusASPOverflow != 0 {
			t.Fatalf("hs=%v: spurious overflow: 0x%x", hs, res.Status)
		}
	}
}

func TestDirectFailures(t *testing.T) {
	t.Run("pointers-out-of-trace", func(t *testing.T) {
		m, fw, dev := newDirectDevice(t, false)
		fw.sp = StackPointers{Status: 1, STP: testBase, ETP: testBase + 0x10}
		_, err := dev.Probe(BMRec(1))
		if err != nil {
			t.Fatalf("could not probe: %+v", err)
		}
		m.w32(mem.Global, testCB+regMBFP, testBase+bmUnit)
		_, err = dev.Read(BMRec(1), make([]byte, 8))
		if !errors.Is(err, ErrIO) {
			t.Fatalf("invalid error: %+v", err)
		}
	})

	t.Run("copy", func(t *testing.T) {
		m, fw, dev := newDirectDevice(t, false)
		fw.sp = StackPointers{Status: 1, STP: testBase, ETP: testBase + 0x10}
		m.w32(mem.Global, testCB+regMBFP, testBase+0x10)
		m.failRead = func(r mem.Region, off uint32, n int) bool {
			return off >= testBase
		}
		_, err := dev.Read(BMRec(1), make([]byte, 8))
		if !errors.Is(err, ErrIO) {
			t.Fatalf("invalid error: %+v", err)
		}
		if got := m.u32(mem.Global, testCB+regGet); got != testBase {
			t.Fatalf("get register advanced after a failed copy: 0x%x", got)
		}
		st, _ := dev.Stats(BMRec(1))
		if st.TotalBytes != 0 {
			t.Fatalf("total advanced after a failed copy: %d", st.TotalBytes)
		}
		if st.LoadCount != 0 || st.LoadMax != 0 {
			t.Fatalf("load statistics advanced after a failed copy: count=%d max=%d", st.LoadCount, st.LoadMax)
		}
	})

	t.Run("get-write-back", func(t *testing.T) {
		m, fw, dev := newDirectDevice(t, false)
		fw.sp = StackPointers{Status: 1, STP: testBase, ETP: testBase + 0x10}
		_, err := dev.Probe(BMRec(1))
		if err != nil {
			t.Fatalf("could not probe: %+v", err)
		}
		m.w32(mem.Global, testCB+regMBFP, testBase+0x10)
		m.failWrite = func(r mem.Region, off uint32, n int) bool {
			return r == mem.Global && off == testCB+regGet
		}
		_, err = dev.Read(BMRec(1), make([]byte, 8))
		if !errors.Is(err, ErrIO) {
			t.Fatalf("invalid error: %+v", err)
		}
		st, _ := dev.Stats(BMRec(1))
		if st.TotalBytes != 0 {
			t.Fatalf("total advanced after a failed write-back: %d", st.TotalBytes)
		}
		if st.LoadCount != 0 || st.LoadMax != 0 {
			t.Fatalf("load statistics advanced after a failed write-back: count=%d max=%d", st.LoadCount, st.LoadMax)
		}
	})

	t.Run("no-channel", func(t *testing.T) {
		fw := &fakeFirmware{}
		dev := newTestDevice(t, newFakeMem(), fw, WithDirectMode())
		_, err := dev.Open(BMRec(3))
		if !errors.Is(err, ErrQueueNotReady) {
			t.Fatalf("invalid error: %+v", err)
		}
	})
}

func TestDirectSelection(t *testing.T) {
	m := newFakeMem()
	m.regions[mem.Shared] = make([]byte, testStart+testSize)
	m.w32(mem.Shared, testHdr+hdrStart, testStart)
	m.w32(mem.Shared, testHdr+hdrPut, testStart)
	m.w32(mem.Shared, testHdr+hdrGet, testStart)
	m.w32(mem.Shared, testHdr+hdrSize, testSize)
	m.regions[mem.Global] = make([]byte, testBase+bmUnit)
	m.w32(mem.Global, testCB+regBase, testBase)

	fw := &fakeFirmware{
		hdr:  testHdr,
		size: testSize,
		info: MemInfo{Channels: []ChannelInfo{{ControlBlock: testCB}}},
	}
	dev := newTestDevice(t, m, fw, WithConfig(DeviceConfig{QueueMode: Direct}))

	for _, tc := range []struct {
		id     ID
		direct bool
	}{
		{BMRec(0), true},
		{MILScope, false},
		{GenericAcq, false},
	} {
		_, err := dev.Open(tc.id)
		if err != nil {
			t.Fatalf("could not open %v: %+v", tc.id, err)
		}
		st, _ := dev.Stats(tc.id)
		if st.Direct != tc.direct {
			t.Fatalf("%v: invalid transport (direct=%v)", tc.id, st.Direct)
		}
	}

	// switching mode does not affect open queues.
	err := dev.SetConfig(DeviceConfig{QueueMode: Buffered})
	if err != nil {
		t.Fatalf("could not set config: %+v", err)
	}
	if st, _ := dev.Stats(BMRec(0)); !st.Direct {
		t.Fatalf("open queue changed transport")
	}
	err = dev.Close(BMRec(0))
	if err != nil {
		t.Fatalf("could not close: %+v", err)
	}
	_, err = dev.Open(BMRec(0))
	if err != nil {
		t.Fatalf("could not re-open: %+v", err)
	}
	if st, _ := dev.Stats(BMRec(0)); st.Direct {
		t.Fatalf("re-opened queue kept the direct transport")
	}

	err = dev.SetConfig(DeviceConfig{QueueMode: 2})
	if !errors.Is(err, ErrParamNotInRange) {
		t.Fatalf("invalid error: %+v", err)
	}
}
