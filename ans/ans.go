// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package ans implements the ANS wire protocol used to reach bus
// interface boards through a remote server.
//
// A connection starts with a link-init frame exchange.
// Each board command is then a request frame answered by exactly one
// response frame carrying the same transaction id.
// All integers are little-endian and payloads are packed.
package ans // import "github.com/go-lpc/milbus/ans"

import (
	"errors"
	"fmt"
	"time"
)

const (
	// Magic identifies the MIL-STD-1553 flavor of the ANS protocol.
	Magic = 0x155309B0

	VersionMajor = 1
	VersionMinor = 0

	// DefaultTimeout bounds a request/response round-trip.
	DefaultTimeout = 60 * time.Second

	// MaxReadSize bounds the data segment of a single read response.
	MaxReadSize = 4 << 20
)

// ErrResponseTooLarge is returned when a read response does not fit
// into the destination buffer.
var ErrResponseTooLarge = errors.New("ans: response too large")

// LinkType is the kind of channel opened by a link-init frame.
type LinkType uint32

const (
	AdminLink LinkType = 0
	BoardLink LinkType = 1
)

// CommandType is the kind of a command frame.
type CommandType uint32

const (
	AdminCommand CommandType = 0
	BoardCommand CommandType = 1
)

// FuncID identifies a board function.
type FuncID uint32

const (
	FuncDataQueueOpen    FuncID = 256
	FuncDataQueueClose   FuncID = 257
	FuncDataQueueControl FuncID = 258
	FuncDataQueueRead    FuncID = 259
	FuncGetDeviceConfig  FuncID = 260
	FuncSetDeviceConfig  FuncID = 261
)

func (fid FuncID) String() string {
	switch fid {
	case FuncDataQueueOpen:
		return "dque-open"
	case FuncDataQueueClose:
		return "dque-close"
	case FuncDataQueueControl:
		return "dque-control"
	case FuncDataQueueRead:
		return "dque-read"
	case FuncGetDeviceConfig:
		return "get-device-config"
	case FuncSetDeviceConfig:
		return "set-device-config"
	}
	return fmt.Sprintf("func(%d)", uint32(fid))
}

// Status is the transport-level status of a response.
// A non-OK status is an error.
type Status uint32

const (
	StatusOK Status = iota
	StatusInvalidPeerID
	StatusInvalidLinkType
	StatusClientRegistrationFailure
	StatusInvalidCmdFrame
	StatusInvalidHeader
	StatusInvalidTransactionNo
	StatusInvalidFunctionID
	StatusOutOfMemory
	StatusReadFrameError
	StatusSendFrameError
	StatusInvalidModuleIndex
	StatusError
	StatusSocketDisconnected
	StatusSocketCreateError
	StatusSocketConnectError
	StatusSocketReadError
	StatusSocketWriteError
	StatusIncompatibleProtVer
	StatusTimeout
)

var statusNames = [...]string{
	StatusOK:                        "ok",
	StatusInvalidPeerID:             "invalid peer id",
	StatusInvalidLinkType:           "invalid link type",
	StatusClientRegistrationFailure: "client registration failure",
	StatusInvalidCmdFrame:           "invalid command frame",
	StatusInvalidHeader:             "invalid header",
	StatusInvalidTransactionNo:      "invalid transaction number",
	StatusInvalidFunctionID:         "invalid function id",
	StatusOutOfMemory:               "out of memory",
	StatusReadFrameError:            "read frame error",
	StatusSendFrameError:            "send frame error",
	StatusInvalidModuleIndex:        "invalid module index",
	StatusError:                     "error",
	StatusSocketDisconnected:        "socket disconnected",
	StatusSocketCreateError:         "socket create error",
	StatusSocketConnectError:        "socket connect error",
	StatusSocketReadError:           "socket read error",
	StatusSocketWriteError:          "socket write error",
	StatusIncompatibleProtVer:       "incompatible protocol version",
	StatusTimeout:                   "timeout",
}

func (st Status) String() string {
	if int(st) < len(statusNames) {
		return statusNames[st]
	}
	return fmt.Sprintf("status(%d)", uint32(st))
}

func (st Status) Error() string {
	return "ans: " + st.String()
}
