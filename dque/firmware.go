// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dque

// Firmware issues device control requests to the board firmware.
type Firmware interface {
	// OpenQueue activates queue id and returns the offset of its ring
	// header in the shared memory region and the size of its data region.
	// A zero offset means the firmware could not set up the queue.
	OpenQueue(id ID) (hdr, size uint32, err error)
	// ControlQueue forwards a control request for queue id.
	ControlQueue(id ID, mode Mode) error
	// CloseQueue deactivates queue id.
	CloseQueue(id ID) error

	// MemInfo describes the bus channels of the board.
	MemInfo() (MemInfo, error)
	// StackPointers returns the bus monitor trigger stack of channel ch.
	StackPointers(ch int) (StackPointers, error)
}

// MemInfo describes the bus channels of a board.
type MemInfo struct {
	Channels []ChannelInfo
}

// ChannelInfo locates the control block of a bus channel in the global
// memory region.
type ChannelInfo struct {
	ControlBlock uint32
	HighSpeed    bool
}

// StackPointers is the bus monitor trigger stack of a channel.
type StackPointers struct {
	Status uint8  // non-zero once the monitor triggered
	STP    uint32 // start of the trace
	CTP    uint32 // trigger position
	ETP    uint32 // end of the trace
}
