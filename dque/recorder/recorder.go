// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package recorder drains a data queue into an io.Writer.
package recorder // import "github.com/go-lpc/milbus/dque/recorder"

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sync/atomic"
	"time"

	"github.com/Workiva/go-datastructures/queue"
	"github.com/cenkalti/backoff/v4"
	"github.com/go-lpc/milbus/dque"
	"github.com/shirou/gopsutil/v3/disk"
	"golang.org/x/sync/errgroup"
)

// Queue is the set of queue operations used by a recorder.
// *dque.Device implements it.
type Queue interface {
	Open(id dque.ID) (uint32, error)
	Control(id dque.ID, mode dque.Mode) error
	Read(id dque.ID, p []byte) (dque.Result, error)
	Close(id dque.ID) error
}

// errDisposed reports that the writer gave up.
var errDisposed = errors.New("recorder: writer stopped")

// Recorder copies the content of a queue to a writer.
type Recorder struct {
	msg   *log.Logger
	dev   Queue
	id    dque.ID
	w     io.Writer
	chunk int
	depth uint64
	poll  func() backoff.BackOff

	overflow func(id dque.ID, status uint32)
	dir      string
	minFree  uint64

	total    atomic.Uint64
	status   atomic.Uint32
	overflew bool
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithLogger sets the logger of the recorder.
func WithLogger(msg *log.Logger) Option {
	return func(rec *Recorder) {
		rec.msg = msg
	}
}

// WithChunkSize bounds the number of bytes read at once.
func WithChunkSize(n int) Option {
	return func(rec *Recorder) {
		rec.chunk = n
	}
}

// WithDepth sets the number of chunks buffered between the queue and
// the writer.
func WithDepth(n uint64) Option {
	return func(rec *Recorder) {
		rec.depth = n
	}
}

// WithPolling sets the back-off policy used while the queue is empty.
func WithPolling(policy func() backoff.BackOff) Option {
	return func(rec *Recorder) {
		rec.poll = policy
	}
}

// WithOverflowFunc registers f to be called whenever the queue starts
// reporting an overflow.
func WithOverflowFunc(f func(id dque.ID, status uint32)) Option {
	return func(rec *Recorder) {
		rec.overflow = f
	}
}

// WithDiskCheck makes Run fail unless dir has at least free bytes available.
func WithDiskCheck(dir string, free uint64) Option {
	return func(rec *Recorder) {
		rec.dir = dir
		rec.minFree = free
	}
}

// New returns a recorder copying queue id of dev to w.
func New(dev Queue, id dque.ID, w io.Writer, opts ...Option) *Recorder {
	rec := &Recorder{
		msg:   log.New(os.Stdout, "recorder: ", 0),
		dev:   dev,
		id:    id,
		w:     w,
		chunk: 64 * 1024,
		depth: 64,
		poll: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = time.Millisecond
			b.MaxInterval = 100 * time.Millisecond
			b.MaxElapsedTime = 0
			return b
		},
	}
	for _, opt := range opts {
		opt(rec)
	}
	return rec
}

// Total returns the number of bytes written so far.
func (rec *Recorder) Total() uint64 { return rec.total.Load() }

// Status returns the last queue status observed.
func (rec *Recorder) Status() uint32 { return rec.status.Load() }

// Run opens and starts the queue and copies its content until ctx is
// done. The queue is then stopped, drained and closed.
func (rec *Recorder) Run(ctx context.Context) error {
	err := rec.checkDisk()
	if err != nil {
		return err
	}

	_, err = rec.dev.Open(rec.id)
	if err != nil {
		return fmt.Errorf("recorder: could not open %v: %w", rec.id, err)
	}
	defer func() {
		e := rec.dev.Close(rec.id)
		if e != nil {
			rec.msg.Printf("could not close %v: %+v", rec.id, e)
		}
	}()

	err = rec.dev.Control(rec.id, dque.Start)
	if err != nil {
		return fmt.Errorf("recorder: could not start %v: %w", rec.id, err)
	}
	rec.msg.Printf("recording %v...", rec.id)

	var (
		rb       = queue.NewRingBuffer(rec.depth)
		grp, gtx = errgroup.WithContext(ctx)
	)
	grp.Go(func() error {
		err := rec.write(rb)
		if err != nil {
			rb.Dispose()
		}
		return err
	})
	grp.Go(func() error {
		return rec.read(ctx, gtx, rb)
	})

	err = grp.Wait()
	if err != nil {
		return fmt.Errorf("recorder: could not record %v: %w", rec.id, err)
	}
	rec.msg.Printf("recording %v... [done] (%d bytes)", rec.id, rec.Total())
	return nil
}

func (rec *Recorder) checkDisk() error {
	if rec.dir == "" {
		return nil
	}
	usage, err := disk.Usage(rec.dir)
	if err != nil {
		return fmt.Errorf("recorder: could not retrieve disk usage of %q: %w", rec.dir, err)
	}
	if usage.Free < rec.minFree {
		return fmt.Errorf(
			"recorder: not enough free space in %q (free=%d, min=%d)",
			rec.dir, usage.Free, rec.minFree,
		)
	}
	return nil
}

// read polls the queue and pushes chunks to rb until ctx is done or the
// writer failed (gtx done).
func (rec *Recorder) read(ctx, gtx context.Context, rb *queue.RingBuffer) error {
	bo := rec.poll()
	bo.Reset()

	for {
		select {
		case <-gtx.Done():
			if ctx.Err() == nil {
				// writer failure.
				return nil
			}
			return rec.finish(rb)
		default:
		}

		n, err := rec.step(rb)
		if err != nil {
			if errors.Is(err, errDisposed) {
				return nil
			}
			return err
		}
		if n > 0 {
			bo.Reset()
			continue
		}

		d := bo.NextBackOff()
		if d == backoff.Stop {
			return fmt.Errorf("%v stayed empty for too long", rec.id)
		}
		timer := time.NewTimer(d)
		select {
		case <-gtx.Done():
			timer.Stop()
		case <-timer.C:
		}
	}
}

// finish stops the queue, drains it and signals the end of the stream.
func (rec *Recorder) finish(rb *queue.RingBuffer) error {
	err := rec.dev.Control(rec.id, dque.Stop)
	if err != nil {
		return fmt.Errorf("could not stop %v: %w", rec.id, err)
	}
	for {
		n, err := rec.step(rb)
		if err != nil {
			if errors.Is(err, errDisposed) {
				return nil
			}
			return err
		}
		if n == 0 {
			break
		}
	}
	err = rb.Put([]byte(nil))
	if err != nil && !errors.Is(err, queue.ErrDisposed) {
		return err
	}
	return nil
}

// step moves at most one chunk from the queue to rb.
func (rec *Recorder) step(rb *queue.RingBuffer) (int, error) {
	res, err := rec.dev.Read(rec.id, nil)
	if err != nil {
		return 0, fmt.Errorf("could not probe %v: %w", rec.id, err)
	}
	rec.observe(res.Status)
	if res.BytesInQueue == 0 {
		return 0, nil
	}

	buf := make([]byte, min(int(res.BytesInQueue), rec.chunk))
	res, err = rec.dev.Read(rec.id, buf)
	if err != nil && res.BytesTransferred == 0 {
		return 0, fmt.Errorf("could not read %v: %w", rec.id, err)
	}
	if err != nil {
		rec.msg.Printf("%v: %+v", rec.id, err)
	}
	rec.observe(res.Status)

	n := int(res.BytesTransferred)
	if n == 0 {
		return 0, nil
	}
	err = rb.Put(buf[:n])
	if err != nil {
		if errors.Is(err, queue.ErrDisposed) {
			return 0, errDisposed
		}
		return 0, fmt.Errorf("could not queue %d bytes: %w", n, err)
	}
	return n, nil
}

func (rec *Recorder) observe(status uint32) {
	rec.status.Store(status)
	overflow := status&dque.StatusOverflow != 0
	if overflow && !rec.overflew {
		rec.msg.Printf("%v: overflow (status=0x%08x)", rec.id, status)
		if rec.overflow != nil {
			rec.overflow(rec.id, status)
		}
	}
	rec.overflew = overflow
}

// write copies chunks from rb to the writer until the end of the stream.
func (rec *Recorder) write(rb *queue.RingBuffer) error {
	for {
		v, err := rb.Get()
		if err != nil {
			if errors.Is(err, queue.ErrDisposed) {
				return nil
			}
			return err
		}
		buf := v.([]byte)
		if len(buf) == 0 {
			return nil
		}
		_, err = rec.w.Write(buf)
		if err != nil {
			return fmt.Errorf("could not write %d bytes: %w", len(buf), err)
		}
		rec.total.Add(uint64(len(buf)))
	}
}
