// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dque

import (
	"sync"

	"github.com/go-lpc/milbus/ans"
)

// board serves a device to ANS clients.
// Requests of all clients for a given queue are serialized.
type board struct {
	dev *Device
	mu  [NumQueues]sync.Mutex
}

// NewBoard exposes dev as an ANS board.
func NewBoard(dev *Device) ans.Board {
	return &board{dev: dev}
}

func (b *board) lock(id uint8) func() {
	if ID(id).valid() {
		b.mu[id].Lock()
		return b.mu[id].Unlock
	}
	return func() {}
}

func (b *board) QueueOpen(id uint8) ans.QueueOpenRsp {
	defer b.lock(id)()
	size, err := b.dev.Open(ID(id))
	if err != nil {
		b.dev.msg.Printf("could not open queue %d: %+v", id, err)
	}
	return ans.QueueOpenRsp{RC: codeOf(err), Size: size}
}

func (b *board) QueueClose(id uint8) ans.RCRsp {
	defer b.lock(id)()
	err := b.dev.Close(ID(id))
	if err != nil {
		b.dev.msg.Printf("could not close queue %d: %+v", id, err)
	}
	return ans.RCRsp{RC: codeOf(err)}
}

func (b *board) QueueControl(id, mode uint8) ans.RCRsp {
	defer b.lock(id)()
	err := b.dev.Control(ID(id), Mode(mode))
	return ans.RCRsp{RC: codeOf(err)}
}

func (b *board) QueueRead(id uint8, p []byte) ans.QueueReadRsp {
	defer b.lock(id)()
	res, err := b.dev.Read(ID(id), p)
	if err != nil {
		b.dev.msg.Printf("could not read queue %d: %+v", id, err)
	}
	return ans.QueueReadRsp{
		RC:          codeOf(err),
		Status:      res.Status,
		Transferred: res.BytesTransferred,
		InQueue:     res.BytesInQueue,
		Total:       res.TotalBytes,
		Data:        p[:res.BytesTransferred],
	}
}

func (b *board) DeviceConfig() ans.DeviceConfigRsp {
	dc, err := b.dev.Config()
	return ans.DeviceConfigRsp{RC: codeOf(err), Config: configToWire(dc)}
}

func (b *board) SetDeviceConfig(cfg ans.DeviceConfig) ans.RCRsp {
	err := b.dev.SetConfig(configFromWire(cfg))
	return ans.RCRsp{RC: codeOf(err)}
}

func configToWire(dc DeviceConfig) ans.DeviceConfig {
	var dma uint8
	if dc.DMAEnabled {
		dma = 1
	}
	return ans.DeviceConfig{
		DMAEnabled:      dma,
		MemoryType:      dc.MemoryType,
		QueueMode:       uint8(dc.QueueMode),
		DMAMinimumSize:  dc.DMAMinimumSize,
		IntRequestCount: dc.IntRequestCount,
		DriverFlags:     dc.DriverFlags,
	}
}

func configFromWire(cfg ans.DeviceConfig) DeviceConfig {
	return DeviceConfig{
		DMAEnabled:      cfg.DMAEnabled != 0,
		MemoryType:      cfg.MemoryType,
		QueueMode:       QueueMode(cfg.QueueMode),
		DMAMinimumSize:  cfg.DMAMinimumSize,
		IntRequestCount: cfg.IntRequestCount,
		DriverFlags:     cfg.DriverFlags,
	}
}
