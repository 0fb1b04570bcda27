// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ans

import (
	"fmt"
	"io"

	"github.com/valyala/bytebufferpool"
)

const (
	hdrLen     = 12          // ANS header
	subHdrLen  = 8           // command or response header, after the ANS header
	linkLen    = 16          // link-init frame
	linkRspLen = linkLen + 4 // link-init response frame

	maxFrameLen = MaxReadSize + 1024
)

// Header is the ANS header starting every command and response frame.
type Header struct {
	TransactionID   uint32
	TransactionSize uint32 // number of bytes following the ANS header
	ClientID        uint32
}

// CmdHeader is the header of a command frame.
type CmdHeader struct {
	Header
	Type CommandType
	Func FuncID
}

// RspHeader is the header of a response frame.
type RspHeader struct {
	Header
	Func   FuncID
	Status Status
}

type payload interface {
	encode(enc *encoder)
	decode(dec *decoder)
}

func writeFrame(w io.Writer, hdr Header, w0, w1 uint32, p payload) error {
	body := bytebufferpool.Get()
	defer bytebufferpool.Put(body)

	if p != nil {
		enc := encoder{w: body}
		p.encode(&enc)
		if enc.err != nil {
			return fmt.Errorf("ans: could not encode payload: %w", enc.err)
		}
	}

	frame := bytebufferpool.Get()
	defer bytebufferpool.Put(frame)

	enc := encoder{w: frame}
	enc.u32(hdr.TransactionID)
	enc.u32(uint32(subHdrLen + body.Len()))
	enc.u32(hdr.ClientID)
	enc.u32(w0)
	enc.u32(w1)
	enc.write(body.B)
	if enc.err != nil {
		return fmt.Errorf("ans: could not encode frame: %w", enc.err)
	}

	_, err := w.Write(frame.B)
	if err != nil {
		return fmt.Errorf("ans: could not send frame: %w", err)
	}
	return nil
}

func writeCmd(w io.Writer, hdr CmdHeader, p payload) error {
	return writeFrame(w, hdr.Header, uint32(hdr.Type), uint32(hdr.Func), p)
}

func writeRsp(w io.Writer, hdr RspHeader, p payload) error {
	if hdr.Status != StatusOK {
		p = nil
	}
	return writeFrame(w, hdr.Header, uint32(hdr.Func), uint32(hdr.Status), p)
}

// readFrame reads a complete frame into buf and returns its ANS header,
// the two words of the command/response header and the payload.
// The payload aliases buf.
func readFrame(r io.Reader, buf *bytebufferpool.ByteBuffer) (Header, uint32, uint32, []byte, error) {
	var (
		hdr Header
		raw [hdrLen]byte
	)
	_, err := io.ReadFull(r, raw[:])
	if err != nil {
		return hdr, 0, 0, nil, fmt.Errorf("ans: could not read frame header: %w", err)
	}
	dec := decoder{p: raw[:]}
	hdr.TransactionID = dec.u32()
	hdr.TransactionSize = dec.u32()
	hdr.ClientID = dec.u32()

	n := int(hdr.TransactionSize)
	if n < subHdrLen || n > maxFrameLen {
		return hdr, 0, 0, nil, fmt.Errorf("%w: transaction size %d", StatusInvalidHeader, n)
	}

	if cap(buf.B) < n {
		buf.B = make([]byte, n)
	}
	buf.B = buf.B[:n]
	_, err = io.ReadFull(r, buf.B)
	if err != nil {
		return hdr, 0, 0, nil, fmt.Errorf("ans: could not read frame body: %w", err)
	}

	dec = decoder{p: buf.B}
	w0 := dec.u32()
	w1 := dec.u32()
	return hdr, w0, w1, dec.p, nil
}

func readCmd(r io.Reader, buf *bytebufferpool.ByteBuffer) (CmdHeader, []byte, error) {
	hdr, w0, w1, p, err := readFrame(r, buf)
	return CmdHeader{Header: hdr, Type: CommandType(w0), Func: FuncID(w1)}, p, err
}

func readRsp(r io.Reader, buf *bytebufferpool.ByteBuffer) (RspHeader, []byte, error) {
	hdr, w0, w1, p, err := readFrame(r, buf)
	return RspHeader{Header: hdr, Func: FuncID(w0), Status: Status(w1)}, p, err
}

func decode(p []byte, v payload) error {
	dec := decoder{p: p}
	v.decode(&dec)
	if dec.err != nil {
		return fmt.Errorf("%w: %w", StatusInvalidCmdFrame, dec.err)
	}
	return nil
}

// LinkInit is the first frame sent by a client on a new connection.
type LinkInit struct {
	Magic uint32
	Major uint16
	Minor uint16
	Link  LinkType
	Peer  uint32
}

func (l *LinkInit) encode(enc *encoder) {
	enc.u32(l.Magic)
	enc.u16(l.Major)
	enc.u16(l.Minor)
	enc.u32(uint32(l.Link))
	enc.u32(l.Peer)
}

func (l *LinkInit) decode(dec *decoder) {
	l.Magic = dec.u32()
	l.Major = dec.u16()
	l.Minor = dec.u16()
	l.Link = LinkType(dec.u32())
	l.Peer = dec.u32()
}

func (l *LinkInit) compatible() bool {
	return l.Magic == Magic && l.Major == VersionMajor
}

// LinkResponse answers a LinkInit frame.
// Peer holds the client id assigned by the server.
type LinkResponse struct {
	LinkInit
	Status Status
}

func (l *LinkResponse) encode(enc *encoder) {
	l.LinkInit.encode(enc)
	enc.u32(uint32(l.Status))
}

func (l *LinkResponse) decode(dec *decoder) {
	l.LinkInit.decode(dec)
	l.Status = Status(dec.u32())
}

func writeLink(w io.Writer, p payload) error {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	enc := encoder{w: buf}
	p.encode(&enc)
	_, err := w.Write(buf.B)
	if err != nil {
		return fmt.Errorf("ans: could not send link frame: %w", err)
	}
	return nil
}

func readLink(r io.Reader, n int, p payload) error {
	raw := make([]byte, n)
	_, err := io.ReadFull(r, raw)
	if err != nil {
		return fmt.Errorf("ans: could not read link frame: %w", err)
	}
	return decode(raw, p)
}
