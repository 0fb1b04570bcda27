// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package mem provides synchronous access to the memory regions of a
// bus interface board.
//
// Offsets are byte offsets relative to the start of a region.
// Multi-byte objects are stored little-endian, as seen by the board.
package mem // import "github.com/go-lpc/milbus/mem"

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/go-lpc/milbus/internal/mmap"
)

var (
	// ErrParamNotInRange is returned for invalid widths, misaligned
	// offsets and undersized buffers.
	ErrParamNotInRange = errors.New("mem: parameter not in range")

	errNoRegion = errors.New("mem: region not mapped")
)

// Region names a memory region of a board.
type Region uint8

const (
	Global Region = iota
	Shared
	Local
	IO
	GlobalExt

	nRegions
)

func (r Region) String() string {
	switch r {
	case Global:
		return "global"
	case Shared:
		return "shared"
	case Local:
		return "local"
	case IO:
		return "io"
	case GlobalExt:
		return "global-ext"
	}
	return fmt.Sprintf("region(%d)", uint8(r))
}

// Accessor reads and writes count objects of width bytes at a byte
// offset of a region.
type Accessor interface {
	Read(r Region, off uint32, width uint8, count uint32, p []byte) (int, error)
	Write(r Region, off uint32, width uint8, count uint32, p []byte) (int, error)
}

// ReadWriterAt is the backing store of a region.
type ReadWriterAt interface {
	io.ReaderAt
	io.WriterAt
}

// Bus is an Accessor over one backing store per region.
type Bus struct {
	regions [nRegions]ReadWriterAt
	closers []io.Closer
}

// NewBus returns a bus with no region mapped.
func NewBus() *Bus {
	return &Bus{}
}

// Map binds region r to rw.
// If rw is an io.Closer, it is closed when the bus is closed.
func (bus *Bus) Map(r Region, rw ReadWriterAt) {
	if r >= nRegions {
		panic(fmt.Errorf("mem: invalid region %v", r))
	}
	bus.regions[r] = rw
	if c, ok := rw.(io.Closer); ok {
		bus.closers = append(bus.closers, c)
	}
}

func (bus *Bus) region(r Region, off uint32, width uint8, count uint32, p []byte) (ReadWriterAt, int, error) {
	switch width {
	case 1, 2, 4:
	default:
		return nil, 0, fmt.Errorf("%w: width=%d", ErrParamNotInRange, width)
	}
	if off%uint32(width) != 0 {
		return nil, 0, fmt.Errorf("%w: offset 0x%x not aligned on width=%d", ErrParamNotInRange, off, width)
	}
	n := int(width) * int(count)
	if len(p) < n {
		return nil, 0, fmt.Errorf("%w: buffer too small (%d < %d)", ErrParamNotInRange, len(p), n)
	}
	if r >= nRegions || bus.regions[r] == nil {
		return nil, 0, fmt.Errorf("%w: %v", errNoRegion, r)
	}
	return bus.regions[r], n, nil
}

// Read reads count objects of width bytes at offset off of region r into p.
func (bus *Bus) Read(r Region, off uint32, width uint8, count uint32, p []byte) (int, error) {
	rw, sz, err := bus.region(r, off, width, count, p)
	if err != nil {
		return 0, err
	}
	n, err := rw.ReadAt(p[:sz], int64(off))
	if err != nil {
		return n, fmt.Errorf("mem: could not read %d bytes at %v+0x%x: %w", sz, r, off, err)
	}
	return n, nil
}

// Write writes count objects of width bytes from p at offset off of region r.
func (bus *Bus) Write(r Region, off uint32, width uint8, count uint32, p []byte) (int, error) {
	rw, sz, err := bus.region(r, off, width, count, p)
	if err != nil {
		return 0, err
	}
	n, err := rw.WriteAt(p[:sz], int64(off))
	if err != nil {
		return n, fmt.Errorf("mem: could not write %d bytes at %v+0x%x: %w", sz, r, off, err)
	}
	return n, nil
}

// Close releases all the mapped regions.
func (bus *Bus) Close() error {
	var err error
	for _, c := range bus.closers {
		e := c.Close()
		if e != nil && err == nil {
			err = e
		}
	}
	bus.closers = nil
	bus.regions = [nRegions]ReadWriterAt{}
	return err
}

// ReadU32 reads the 32-bit word at offset off of region r.
func ReadU32(acc Accessor, r Region, off uint32) (uint32, error) {
	var buf [4]byte
	_, err := acc.Read(r, off, 4, 1, buf[:])
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// WriteU32 writes v at offset off of region r.
func WriteU32(acc Accessor, r Region, off uint32, v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	_, err := acc.Write(r, off, 4, 1, buf[:])
	return err
}

// Window describes the physical span of a region.
type Window struct {
	Region Region
	Base   int64 // physical base address
	Size   int   // span in bytes
}

// OpenDevMem maps every window of layout from the physical memory
// device devmem (usually /dev/mem).
func OpenDevMem(devmem string, layout []Window) (*Bus, error) {
	f, err := os.OpenFile(devmem, os.O_RDWR|os.O_SYNC, 0666)
	if err != nil {
		return nil, fmt.Errorf("mem: could not open %q: %w", devmem, err)
	}
	defer f.Close()

	bus := NewBus()
	for _, w := range layout {
		h, err := mmap.Map(f, w.Base, w.Size)
		if err != nil {
			_ = bus.Close()
			return nil, fmt.Errorf("mem: could not map %v region: %w", w.Region, err)
		}
		bus.Map(w.Region, h)
	}
	return bus, nil
}

var (
	_ Accessor  = (*Bus)(nil)
	_ io.Closer = (*Bus)(nil)
)
