// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ans

import (
	"encoding/binary"
	"io"
)

// encoder writes little-endian packed values to an underlying writer.
type encoder struct {
	w   io.Writer
	buf [8]byte
	err error
}

func (enc *encoder) write(p []byte) {
	if enc.err != nil {
		return
	}
	_, enc.err = enc.w.Write(p)
}

func (enc *encoder) u8(v uint8) {
	enc.buf[0] = v
	enc.write(enc.buf[:1])
}

func (enc *encoder) u16(v uint16) {
	binary.LittleEndian.PutUint16(enc.buf[:2], v)
	enc.write(enc.buf[:2])
}

func (enc *encoder) u32(v uint32) {
	binary.LittleEndian.PutUint32(enc.buf[:4], v)
	enc.write(enc.buf[:4])
}

func (enc *encoder) i32(v int32) {
	enc.u32(uint32(v))
}

// decoder reads little-endian packed values from a byte slice.
// Reading past the end of the slice sets io.ErrUnexpectedEOF.
type decoder struct {
	p   []byte
	err error
}

func (dec *decoder) next(n int) []byte {
	if dec.err != nil {
		return nil
	}
	if n < 0 || len(dec.p) < n {
		dec.err = io.ErrUnexpectedEOF
		return nil
	}
	v := dec.p[:n:n]
	dec.p = dec.p[n:]
	return v
}

func (dec *decoder) u8() uint8 {
	p := dec.next(1)
	if p == nil {
		return 0
	}
	return p[0]
}

func (dec *decoder) u16() uint16 {
	p := dec.next(2)
	if p == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(p)
}

func (dec *decoder) u32() uint32 {
	p := dec.next(4)
	if p == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(p)
}

func (dec *decoder) i32() int32 {
	return int32(dec.u32())
}

func (dec *decoder) skip(n int) {
	_ = dec.next(n)
}
