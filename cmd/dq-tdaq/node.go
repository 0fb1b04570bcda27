// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-daq/tdaq"
	"github.com/go-lpc/milbus/dque"
	"github.com/go-lpc/milbus/internal/fwsim"
)

// dialer connects to a board and returns the function releasing it.
type dialer func(ctx context.Context) (dev *dque.Device, release func() error, err error)

// node streams a data queue as a tdaq output.
type node struct {
	name  string
	id    dque.ID
	chunk int
	dial  dialer

	mu      sync.Mutex
	dev     *dque.Device
	release func() error
	data    chan []byte

	started atomic.Bool
	n       atomic.Uint64 // bytes read during the current run
}

func newNode(id dque.ID, chunk int) *node {
	return &node{
		id:    id,
		chunk: chunk,
		data:  make(chan []byte, 1024),
	}
}

func (dev *node) device() *dque.Device {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	return dev.dev
}

func (dev *node) OnConfig(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /config command...")
	dev.mu.Lock()
	defer dev.mu.Unlock()

	if dev.dev != nil {
		return nil
	}
	d, release, err := dev.dial(ctx.Ctx)
	if err != nil {
		ctx.Msg.Errorf("could not connect to board: %+v", err)
		return fmt.Errorf("could not connect to board: %w", err)
	}
	dev.dev = d
	dev.release = release
	return nil
}

func (dev *node) OnInit(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /init command...")
	d := dev.device()
	if d == nil {
		return fmt.Errorf("could not initialize %v: board not configured", dev.id)
	}
	size, err := d.Open(dev.id)
	if err != nil {
		ctx.Msg.Errorf("could not open %v: %+v", dev.id, err)
		return fmt.Errorf("could not open %v: %w", dev.id, err)
	}
	ctx.Msg.Infof("%v opened (size=%d)", dev.id, size)
	dev.n.Store(0)
	return nil
}

func (dev *node) OnReset(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /reset command...")
	dev.started.Store(false)
	d := dev.device()
	if d != nil && d.State(dev.id) != dque.Closed {
		err := d.Control(dev.id, dque.Flush)
		if err != nil {
			return fmt.Errorf("could not flush %v: %w", dev.id, err)
		}
	}
	dev.drain()
	dev.n.Store(0)
	return nil
}

func (dev *node) OnStart(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /start command...")
	d := dev.device()
	if d == nil {
		return fmt.Errorf("could not start %v: board not configured", dev.id)
	}
	err := d.Control(dev.id, dque.Start)
	if err != nil {
		return fmt.Errorf("could not start %v: %w", dev.id, err)
	}
	dev.n.Store(0)
	dev.started.Store(true)
	return nil
}

func (dev *node) OnStop(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	dev.started.Store(false)
	d := dev.device()
	if d != nil {
		err := d.Control(dev.id, dque.Stop)
		if err != nil {
			return fmt.Errorf("could not stop %v: %w", dev.id, err)
		}
	}
	n := dev.n.Load()
	ctx.Msg.Debugf("received /stop command... -> n=%d", n)
	return nil
}

func (dev *node) OnQuit(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /quit command...")
	dev.started.Store(false)

	dev.mu.Lock()
	defer dev.mu.Unlock()
	if dev.dev == nil {
		return nil
	}
	err := dev.release()
	dev.dev = nil
	dev.release = nil
	if err != nil {
		return fmt.Errorf("could not release board: %w", err)
	}
	return nil
}

func (dev *node) drain() {
	for {
		select {
		case <-dev.data:
		default:
			return
		}
	}
}

func (dev *node) output(ctx tdaq.Context, dst *tdaq.Frame) error {
	select {
	case <-ctx.Ctx.Done():
		dst.Body = nil
		return nil
	case data := <-dev.data:
		dst.Body = data
	}
	return nil
}

func (dev *node) run(ctx tdaq.Context) error {
	for {
		select {
		case <-ctx.Ctx.Done():
			return nil
		default:
		}

		n, err := dev.poll(ctx)
		if err != nil {
			ctx.Msg.Errorf("could not read %v: %+v", dev.id, err)
			return err
		}
		if n == 0 {
			time.Sleep(10 * time.Millisecond)
		}
	}
}

// poll forwards the content of the queue to the output, if any.
func (dev *node) poll(ctx tdaq.Context) (int, error) {
	buf, res, err := dev.read()
	if len(buf) > 0 {
		dev.n.Add(uint64(len(buf)))
		select {
		case dev.data <- buf:
		case <-ctx.Ctx.Done():
		}
	}
	if err != nil {
		return len(buf), err
	}
	if res.Status&dque.StatusOverflow != 0 {
		ctx.Msg.Infof("%v: overflow (status=0x%08x)", dev.id, res.Status)
	}
	return len(buf), nil
}

// read reads what is available in the queue.
// The board cannot be released during a read.
func (dev *node) read() ([]byte, dque.Result, error) {
	dev.mu.Lock()
	defer dev.mu.Unlock()

	if dev.dev == nil || !dev.started.Load() {
		return nil, dque.Result{}, nil
	}

	res, err := dev.dev.Probe(dev.id)
	if err != nil || res.BytesInQueue == 0 {
		return nil, res, err
	}

	buf := make([]byte, min(int(res.BytesInQueue), dev.chunk))
	res, err = dev.dev.Read(dev.id, buf)
	return buf[:res.BytesTransferred], res, err
}

func remoteDevice(addr string, mod uint32) dialer {
	return func(ctx context.Context) (*dque.Device, func() error, error) {
		dev, err := dque.Dial(ctx, addr, mod)
		if err != nil {
			return nil, nil, err
		}
		return dev, dev.Release, nil
	}
}

// simDevice returns a dialer creating a local device over a simulated
// board producing into queue id every freq.
func simDevice(id dque.ID, freq time.Duration) dialer {
	return func(context.Context) (*dque.Device, func() error, error) {
		b, err := fwsim.New()
		if err != nil {
			return nil, nil, fmt.Errorf("could not create simulated board: %w", err)
		}
		dev, err := dque.NewDevice(b.Bus(), b)
		if err != nil {
			_ = b.Close()
			return nil, nil, fmt.Errorf("could not create device: %w", err)
		}

		var (
			quit = make(chan struct{})
			done = make(chan struct{})
		)
		go func() {
			defer close(done)
			tick := time.NewTicker(freq)
			defer tick.Stop()

			buf := make([]byte, 1024)
			for i := 0; ; i++ {
				select {
				case <-quit:
					return
				case <-tick.C:
					for j := range buf {
						buf[j] = byte(i + j)
					}
					_, _ = b.Produce(id, buf)
				}
			}
		}()

		release := func() error {
			close(quit)
			<-done
			err := dev.Release()
			if e := b.Close(); e != nil && err == nil {
				err = e
			}
			return err
		}
		return dev, release, nil
	}
}
