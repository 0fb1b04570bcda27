// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ans

// QueueCmd addresses a data queue of a board.
// It is the payload of open and close commands.
type QueueCmd struct {
	Module uint32
	ID     uint8
}

func (cmd *QueueCmd) encode(enc *encoder) {
	enc.u32(cmd.Module)
	enc.u8(cmd.ID)
}

func (cmd *QueueCmd) decode(dec *decoder) {
	cmd.Module = dec.u32()
	cmd.ID = dec.u8()
}

// QueueControlCmd is the payload of a control command.
type QueueControlCmd struct {
	Module uint32
	ID     uint8
	Mode   uint8
}

func (cmd *QueueControlCmd) encode(enc *encoder) {
	enc.u32(cmd.Module)
	enc.u8(cmd.ID)
	enc.u8(cmd.Mode)
}

func (cmd *QueueControlCmd) decode(dec *decoder) {
	cmd.Module = dec.u32()
	cmd.ID = dec.u8()
	cmd.Mode = dec.u8()
}

// QueueReadCmd is the payload of a read command.
type QueueReadCmd struct {
	Module      uint32
	ID          uint8
	BytesToRead uint32
}

func (cmd *QueueReadCmd) encode(enc *encoder) {
	enc.u32(cmd.Module)
	enc.u8(cmd.ID)
	enc.u8(0)  // reserved
	enc.u16(0) // reserved
	enc.u32(cmd.BytesToRead)
}

func (cmd *QueueReadCmd) decode(dec *decoder) {
	cmd.Module = dec.u32()
	cmd.ID = dec.u8()
	dec.skip(3)
	cmd.BytesToRead = dec.u32()
}

// ModuleCmd addresses a board.
type ModuleCmd struct {
	Module uint32
}

func (cmd *ModuleCmd) encode(enc *encoder) { enc.u32(cmd.Module) }
func (cmd *ModuleCmd) decode(dec *decoder) { cmd.Module = dec.u32() }

// SetDeviceConfigCmd is the payload of a set-device-config command.
type SetDeviceConfigCmd struct {
	Module uint32
	Config DeviceConfig
}

func (cmd *SetDeviceConfigCmd) encode(enc *encoder) {
	enc.u32(cmd.Module)
	cmd.Config.encode(enc)
}

func (cmd *SetDeviceConfigCmd) decode(dec *decoder) {
	cmd.Module = dec.u32()
	cmd.Config.decode(dec)
}

// RCRsp carries the return code of a board function.
type RCRsp struct {
	RC int32
}

func (rsp *RCRsp) encode(enc *encoder) { enc.i32(rsp.RC) }
func (rsp *RCRsp) decode(dec *decoder) { rsp.RC = dec.i32() }

// QueueOpenRsp is the response to an open command.
type QueueOpenRsp struct {
	RC   int32
	Size uint32
}

func (rsp *QueueOpenRsp) encode(enc *encoder) {
	enc.i32(rsp.RC)
	enc.u32(rsp.Size)
}

func (rsp *QueueOpenRsp) decode(dec *decoder) {
	rsp.RC = dec.i32()
	rsp.Size = dec.u32()
}

// QueueReadRsp is the response to a read command.
// Data holds exactly Transferred bytes.
type QueueReadRsp struct {
	RC          int32
	Status      uint32
	Transferred uint32
	InQueue     uint32
	Total       uint64
	Data        []byte
}

func (rsp *QueueReadRsp) encode(enc *encoder) {
	enc.i32(rsp.RC)
	enc.u32(rsp.Status)
	enc.u32(rsp.Transferred)
	enc.u32(rsp.InQueue)
	enc.u32(uint32(rsp.Total))
	enc.u32(uint32(rsp.Total >> 32))
	enc.write(rsp.Data[:rsp.Transferred])
}

func (rsp *QueueReadRsp) decode(dec *decoder) {
	rsp.RC = dec.i32()
	rsp.Status = dec.u32()
	rsp.Transferred = dec.u32()
	rsp.InQueue = dec.u32()
	lo := dec.u32()
	hi := dec.u32()
	rsp.Total = uint64(hi)<<32 | uint64(lo)
	rsp.Data = dec.next(int(rsp.Transferred))
}

// DeviceConfig is the driver configuration of a board.
type DeviceConfig struct {
	DMAEnabled      uint8
	MemoryType      uint8
	QueueMode       uint8
	DMAMinimumSize  uint32
	IntRequestCount uint32
	DriverFlags     uint32
}

const nConfigReserved = 5

func (cfg *DeviceConfig) encode(enc *encoder) {
	enc.u8(cfg.DMAEnabled)
	enc.u8(cfg.MemoryType)
	enc.u8(cfg.QueueMode)
	enc.u8(0)
	enc.u16(0)
	enc.u16(0)
	enc.u32(cfg.DMAMinimumSize)
	enc.u32(cfg.IntRequestCount)
	enc.u32(cfg.DriverFlags)
	for i := 0; i < nConfigReserved; i++ {
		enc.u32(0)
	}
}

func (cfg *DeviceConfig) decode(dec *decoder) {
	cfg.DMAEnabled = dec.u8()
	cfg.MemoryType = dec.u8()
	cfg.QueueMode = dec.u8()
	dec.skip(5)
	cfg.DMAMinimumSize = dec.u32()
	cfg.IntRequestCount = dec.u32()
	cfg.DriverFlags = dec.u32()
	dec.skip(4 * nConfigReserved)
}

// DeviceConfigRsp is the response to a get-device-config command.
type DeviceConfigRsp struct {
	RC     int32
	Config DeviceConfig
}

func (rsp *DeviceConfigRsp) encode(enc *encoder) {
	enc.i32(rsp.RC)
	rsp.Config.encode(enc)
}

func (rsp *DeviceConfigRsp) decode(dec *decoder) {
	rsp.RC = dec.i32()
	rsp.Config.decode(dec)
}

// Board is a bus interface board served over ANS.
type Board interface {
	QueueOpen(id uint8) QueueOpenRsp
	QueueClose(id uint8) RCRsp
	QueueControl(id, mode uint8) RCRsp
	// QueueRead reads at most len(p) bytes into p.
	// The returned Data must alias p.
	QueueRead(id uint8, p []byte) QueueReadRsp
	DeviceConfig() DeviceConfigRsp
	SetDeviceConfig(cfg DeviceConfig) RCRsp
}

var (
	_ payload = (*QueueCmd)(nil)
	_ payload = (*QueueControlCmd)(nil)
	_ payload = (*QueueReadCmd)(nil)
	_ payload = (*ModuleCmd)(nil)
	_ payload = (*SetDeviceConfigCmd)(nil)
	_ payload = (*RCRsp)(nil)
	_ payload = (*QueueOpenRsp)(nil)
	_ payload = (*QueueReadRsp)(nil)
	_ payload = (*DeviceConfigRsp)(nil)
	_ payload = (*LinkInit)(nil)
	_ payload = (*LinkResponse)(nil)
)
