// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package mmap provides memory-mapped windows over device memory.
package mmap // import "github.com/go-lpc/milbus/internal/mmap"

import (
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"sync"

	"golang.org/x/sys/unix"
)

var (
	errClosed = errors.New("mmap: closed")
)

// Handle is a memory-mapped window.
// Reads and writes may run concurrently with each other; Close waits for
// them to complete before unmapping the window.
type Handle struct {
	mu   sync.RWMutex
	data []byte
}

// HandleFrom wraps an already mapped slice.
// The slice is unmapped when the handle is closed.
func HandleFrom(data []byte) *Handle {
	h := &Handle{data: data}
	runtime.SetFinalizer(h, (*Handle).Close)
	return h
}

// Map maps size bytes of f, starting at the physical offset off.
// off must be a multiple of the page size.
func Map(f *os.File, off int64, size int) (*Handle, error) {
	if off%int64(os.Getpagesize()) != 0 {
		return nil, fmt.Errorf("mmap: offset 0x%x is not page aligned", off)
	}
	data, err := unix.Mmap(
		int(f.Fd()), off, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED,
	)
	if err != nil {
		return nil, fmt.Errorf("mmap: could not map %q [0x%x, 0x%x): %w", f.Name(), off, off+int64(size), err)
	}
	if len(data) != size {
		_ = unix.Munmap(data)
		return nil, fmt.Errorf("mmap: invalid mmap'd data: %d", len(data))
	}
	return HandleFrom(data), nil
}

// Anon returns an anonymous shared mapping of size zeroed bytes.
func Anon(size int) (*Handle, error) {
	data, err := unix.Mmap(
		-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANON|unix.MAP_SHARED,
	)
	if err != nil {
		return nil, fmt.Errorf("mmap: could not create anonymous mapping of %d bytes: %w", size, err)
	}
	return HandleFrom(data), nil
}

// Close unmaps the window.
func (h *Handle) Close() error {
	if h == nil {
		return os.ErrInvalid
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.data == nil {
		return nil
	}
	data := h.data
	h.data = nil
	runtime.SetFinalizer(h, nil)

	return unix.Munmap(data)
}

// Len returns the length of the mapped window.
func (h *Handle) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.data)
}

// span runs f on the window bytes starting at off, with the window
// locked against Close.
func (h *Handle) span(op string, off int64, f func(data []byte) int) (int, error) {
	if h == nil {
		return 0, os.ErrInvalid
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	switch {
	case h.data == nil:
		return 0, errClosed
	case off < 0 || off > int64(len(h.data)):
		return 0, fmt.Errorf("mmap: invalid %s offset %d", op, off)
	}
	return f(h.data[off:]), nil
}

// ReadAt implements the io.ReaderAt interface.
func (h *Handle) ReadAt(p []byte, off int64) (int, error) {
	n, err := h.span("ReadAt", off, func(data []byte) int { return copy(p, data) })
	if err == nil && n < len(p) {
		err = io.EOF
	}
	return n, err
}

// WriteAt implements the io.WriterAt interface.
func (h *Handle) WriteAt(p []byte, off int64) (int, error) {
	n, err := h.span("WriteAt", off, func(data []byte) int { return copy(data, p) })
	if err == nil && n < len(p) {
		err = io.ErrShortWrite
	}
	return n, err
}

var (
	_ io.ReaderAt = (*Handle)(nil)
	_ io.WriterAt = (*Handle)(nil)
	_ io.Closer   = (*Handle)(nil)
)
