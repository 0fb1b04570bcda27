// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package dque implements the data queue acquisition protocol of
// MIL-STD-1553 bus interface boards.
//
// A data queue is a byte stream produced by the board firmware (bus
// monitor recording, scope capture, generic acquisition) and consumed
// by the host.
// Queues of a local board are consumed either from a firmware-owned
// ring buffer living in shared memory (buffered mode) or straight from
// the bus monitor trace memory (direct mode).
// Queues of a board attached to a remote ANS server are forwarded over
// the ANS wire protocol.
// All three flavors share the same Open/Control/Read/Close contract.
//
// The protocol is single-producer/single-consumer per queue: callers
// must not issue concurrent calls on the same queue id.
package dque // import "github.com/go-lpc/milbus/dque"

import (
	"fmt"
)

// ID identifies a data queue of a device.
type ID uint8

const (
	nBMRec = 8 // number of bus monitor recording queues

	// MILScope is the scope capture queue.
	MILScope ID = 8
	// GenericAcq is the generic acquisition queue.
	GenericAcq ID = 9

	// NumQueues is the number of queues of a device.
	NumQueues = 10
)

// BMRec returns the bus monitor recording queue of channel ch.
func BMRec(ch int) ID {
	if ch < 0 || ch >= nBMRec {
		panic(fmt.Errorf("dque: invalid bus monitor channel %d", ch))
	}
	return ID(ch)
}

// IsBMRec returns whether id is a bus monitor recording queue.
func (id ID) IsBMRec() bool { return id < nBMRec }

// Channel returns the bus channel serviced by the queue.
func (id ID) Channel() int {
	if id.IsBMRec() {
		return int(id)
	}
	return 0
}

func (id ID) valid() bool { return id < NumQueues }

func (id ID) String() string {
	switch {
	case id.IsBMRec():
		return fmt.Sprintf("bm-rec-%d", uint8(id))
	case id == MILScope:
		return "mil-scope"
	case id == GenericAcq:
		return "generic-acq"
	}
	return fmt.Sprintf("queue(%d)", uint8(id))
}

// Mode is a queue control request.
type Mode uint8

const (
	Start Mode = iota
	Stop
	Resume
	Flush

	maxMode = Flush
)

func (m Mode) String() string {
	switch m {
	case Start:
		return "start"
	case Stop:
		return "stop"
	case Resume:
		return "resume"
	case Flush:
		return "flush"
	}
	return fmt.Sprintf("mode(%d)", uint8(m))
}

// Status bits, stable across transports.
const (
	StatusLocalOverflow  = 1 << 0
	StatusRemoteOverflow = 1 << 1
	StatusLocalBufErr    = 1 << 2
	StatusRemoteBufErr   = 1 << 3
	StatusASPOverflow    = 1 << 15
	StatusChanOperating  = 0x3 << 21
	StatusCaptureMode    = 1 << 23
	StatusResumed        = 1 << 29
	StatusEnabled        = 1 << 31

	// StatusOverflow masks the overflow bits of all transports.
	StatusOverflow = StatusLocalOverflow | StatusRemoteOverflow | StatusASPOverflow
)

// Result describes the outcome of a Read.
type Result struct {
	BytesTransferred uint32 // bytes copied into the caller buffer
	BytesInQueue     uint32 // bytes left in the queue after the read
	TotalBytes       uint64 // bytes transferred since the queue was opened
	Status           uint32 // status bits
}

// State is the control state of a queue.
type State uint8

const (
	Closed State = iota
	Opened
	Started
	Stopped
)

func (st State) String() string {
	switch st {
	case Closed:
		return "closed"
	case Opened:
		return "opened"
	case Started:
		return "started"
	case Stopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", uint8(st))
}

// QueueMode selects how local bus monitor recording queues are consumed.
type QueueMode uint8

const (
	Buffered QueueMode = 0
	Direct   QueueMode = 1
)

func (m QueueMode) String() string {
	switch m {
	case Buffered:
		return "buffered"
	case Direct:
		return "direct"
	}
	return fmt.Sprintf("queue-mode(%d)", uint8(m))
}

// DeviceConfig is the driver configuration of a device.
type DeviceConfig struct {
	DMAEnabled      bool
	MemoryType      uint8
	QueueMode       QueueMode
	DMAMinimumSize  uint32
	IntRequestCount uint32
	DriverFlags     uint32
}

// Stats is a snapshot of the bookkeeping of a queue.
type Stats struct {
	State      State
	Size       uint32 // capacity negotiated at open
	TotalBytes uint64
	Status     uint32

	Direct    bool   // whether the queue is read in direct mode
	LoadCount uint64 // number of direct-mode data reads
	LoadAvg   uint32 // average fill level, in percent
	LoadMax   uint32 // maximum fill level, in percent
}
