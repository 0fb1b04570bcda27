// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dque

import (
	"encoding/binary"
	"fmt"

	"github.com/go-lpc/milbus/mem"
)

// rw reads and writes 32-bit registers of a region.
// The first failure is sticky: subsequent accesses are no-ops.
type rw struct {
	acc mem.Accessor
	reg mem.Region
	buf [4]byte
	err error
}

func (r *rw) u32(off uint32) uint32 {
	if r.err != nil {
		return 0
	}
	_, r.err = r.acc.Read(r.reg, off, 4, 1, r.buf[:])
	if r.err != nil {
		r.err = fmt.Errorf("could not read register 0x%x: %w", off, r.err)
		return 0
	}
	return binary.LittleEndian.Uint32(r.buf[:])
}

func (r *rw) w32(off, v uint32) {
	if r.err != nil {
		return
	}
	binary.LittleEndian.PutUint32(r.buf[:], v)
	_, r.err = r.acc.Write(r.reg, off, 4, 1, r.buf[:])
	if r.err != nil {
		r.err = fmt.Errorf("could not write register 0x%x: %w", off, r.err)
	}
}
