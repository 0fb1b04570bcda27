// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package recorder

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-lpc/milbus/dque"
	"github.com/go-lpc/milbus/internal/fwsim"
)

var discard = log.New(io.Discard, "", 0)

func newDevice(t *testing.T, qsize uint32) (*fwsim.Board, *dque.Device) {
	t.Helper()
	b, err := fwsim.New(fwsim.WithLogger(discard), fwsim.WithQueueSize(qsize))
	if err != nil {
		t.Fatalf("could not create board: %+v", err)
	}
	t.Cleanup(func() { _ = b.Close() })

	dev, err := dque.NewDevice(b.Bus(), b, dque.WithLogger(discard))
	if err != nil {
		t.Fatalf("could not create device: %+v", err)
	}
	return b, dev
}

func waitFor(t *testing.T, msg string, f func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for !f() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", msg)
		}
		time.Sleep(time.Millisecond)
	}
}

func fastPolling() backoff.BackOff {
	return backoff.NewConstantBackOff(100 * time.Microsecond)
}

func TestRecorder(t *testing.T) {
	b, dev := newDevice(t, 64*1024)
	id := dque.GenericAcq

	var (
		out       bytes.Buffer
		mu        sync.Mutex
		overflows []uint32
	)
	rec := New(dev, id, &out,
		WithLogger(discard),
		WithChunkSize(1000),
		WithDepth(4),
		WithPolling(fastPolling),
		WithDiskCheck(t.TempDir(), 0),
		WithOverflowFunc(func(id dque.ID, status uint32) {
			mu.Lock()
			defer mu.Unlock()
			overflows = append(overflows, status)
		}),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- rec.Run(ctx) }()

	waitFor(t, "queue start", func() bool { return dev.State(id) == dque.Started })

	var want []byte
	for i := 0; i < 50; i++ {
		p := make([]byte, 777)
		for j := range p {
			p[j] = byte(i + j)
		}
		n, err := b.Produce(id, p)
		if err != nil || n != len(p) {
			t.Fatalf("could not produce: n=%d err=%+v", n, err)
		}
		want = append(want, p...)
	}

	// the last bytes are still in the ring when the run ends.
	cancel()
	err := <-done
	if err != nil {
		t.Fatalf("could not run recorder: %+v", err)
	}

	if !bytes.Equal(out.Bytes(), want) {
		t.Fatalf("invalid recorded stream (got %d bytes, want %d)", out.Len(), len(want))
	}
	if got := rec.Total(); got != uint64(len(want)) {
		t.Fatalf("invalid total: got=%d, want=%d", got, len(want))
	}
	if len(overflows) != 0 {
		t.Fatalf("unexpected overflows: %v", overflows)
	}
	if st := dev.State(id); st != dque.Closed {
		t.Fatalf("queue left in state %v", st)
	}
}

func TestRecorderOverflow(t *testing.T) {
	b, dev := newDevice(t, 256)
	id := dque.MILScope

	var calls []uint32
	rec := New(dev, id, io.Discard,
		WithLogger(discard),
		WithPolling(fastPolling),
		WithOverflowFunc(func(id dque.ID, status uint32) {
			calls = append(calls, status)
		}),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- rec.Run(ctx) }()

	waitFor(t, "queue start", func() bool { return dev.State(id) == dque.Started })
	_, err := b.Produce(id, make([]byte, 1000))
	if err != nil {
		t.Fatalf("could not produce: %+v", err)
	}
	waitFor(t, "overflow", func() bool { return rec.Status()&dque.StatusLocalOverflow != 0 })

	cancel()
	err = <-done
	if err != nil {
		t.Fatalf("could not run recorder: %+v", err)
	}
	if len(calls) != 1 || calls[0]&dque.StatusLocalOverflow == 0 {
		t.Fatalf("invalid overflow notifications: %v", calls)
	}
}

type failingWriter struct{}

var errWrite = errors.New("disk full")

func (failingWriter) Write(p []byte) (int, error) { return 0, errWrite }

func TestRecorderWriteFailure(t *testing.T) {
	b, dev := newDevice(t, 1024)
	id := dque.GenericAcq

	rec := New(dev, id, failingWriter{},
		WithLogger(discard),
		WithPolling(fastPolling),
		WithDepth(2),
	)

	done := make(chan error, 1)
	go func() { done <- rec.Run(context.Background()) }()

	waitFor(t, "queue start", func() bool { return dev.State(id) == dque.Started })
	for i := 0; i < 10; i++ {
		_, err := b.Produce(id, make([]byte, 100))
		if err != nil {
			t.Fatalf("could not produce: %+v", err)
		}
	}

	select {
	case err := <-done:
		if !errors.Is(err, errWrite) {
			t.Fatalf("invalid error: %+v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("recorder did not stop on a write failure")
	}
	if st := dev.State(id); st != dque.Closed {
		t.Fatalf("queue left in state %v", st)
	}
}

func TestRecorderDiskCheck(t *testing.T) {
	_, dev := newDevice(t, 1024)
	rec := New(dev, dque.GenericAcq, io.Discard,
		WithLogger(discard),
		WithDiskCheck(t.TempDir(), math.MaxUint64),
	)
	err := rec.Run(context.Background())
	if err == nil {
		t.Fatalf("expected a disk space error")
	}
	if st := dev.State(dque.GenericAcq); st != dque.Closed {
		t.Fatalf("queue opened despite the disk check: %v", st)
	}
}
