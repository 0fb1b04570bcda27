// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dque

import (
	"github.com/go-lpc/milbus/mem"
)

// ring arithmetic over the circular region [start, start+size).
// Offsets are absolute byte offsets within a memory region.

// available returns the number of unread bytes between get and put.
func available(put, get, start, size uint32) uint32 {
	if put >= get {
		return put - get
	}
	return uint32(uint64(put) + uint64(size) - uint64(get))
}

// bytesToEnd returns the number of contiguous bytes from off to the end
// of the region.
func bytesToEnd(off, start, size uint32) uint32 {
	return uint32(uint64(start) + uint64(size) - uint64(off))
}

// advance moves off forward by n bytes.
// off never equals start+size: it wraps to start.
func advance(off, n, start, size uint32) uint32 {
	v := uint64(off) + uint64(n)
	if v < uint64(start)+uint64(size) {
		return uint32(v)
	}
	return uint32(v - uint64(size))
}

func inRing(off, start, size uint32) bool {
	return off >= start && off-start < size
}

// copyRing copies len(dst) bytes starting at get, wrapping around to
// start once the end of the region is reached.
func copyRing(acc mem.Accessor, r mem.Region, dst []byte, get, start, size uint32) error {
	var (
		n   = uint32(len(dst))
		end = bytesToEnd(get, start, size)
	)
	if n <= end {
		_, err := acc.Read(r, get, 1, n, dst)
		return err
	}

	_, err := acc.Read(r, get, 1, end, dst[:end])
	if err != nil {
		return err
	}
	_, err = acc.Read(r, start, 1, n-end, dst[end:])
	return err
}
