// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dque

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/go-lpc/milbus/ans"
	"github.com/go-lpc/milbus/mem"
)

// transport carries the queue operations of a device.
// It is selected once per queue, when the queue is opened.
type transport interface {
	open(id ID) (opened, error)
	control(q *queue, mode Mode) error
	read(q *queue, p []byte) (Result, error)
	close(q *queue) error
}

// queueMode is the transport specific state of an open queue:
// a ring header, a direct-mode setup or a remote handle.
type queueMode interface {
	isQueueMode()
}

type opened struct {
	size   uint32
	status uint32
	mode   queueMode
}

// queue is an entry of the queue registry of a device.
type queue struct {
	id     ID
	state  State
	size   uint32
	total  uint64
	status uint32
	sticky uint32 // overflow bits seen since the last start or flush

	tr   transport
	mode queueMode
}

// Device is a bus interface board exposing data queues.
//
// Queues of a device may be used concurrently, but a given queue must
// be driven by a single consumer.
type Device struct {
	msg *log.Logger
	met *Metrics

	mu     sync.Mutex // guards cfg and the registry, never held during i/o
	cfg    DeviceConfig
	queues [NumQueues]queue

	remote   *remote
	direct   *direct
	buffered *buffered

	owned *ans.Client // client dialed by the device
}

type config struct {
	msg  *log.Logger
	met  *Metrics
	cfg  DeviceConfig
	copt []ans.ClientOption
}

// Option configures a Device.
type Option func(*config)

// WithLogger sets the logger of a device.
func WithLogger(msg *log.Logger) Option {
	return func(cfg *config) {
		cfg.msg = msg
	}
}

// WithMetrics exports the queue statistics of a device through m.
func WithMetrics(m *Metrics) Option {
	return func(cfg *config) {
		cfg.met = m
	}
}

// WithConfig sets the initial driver configuration of a local device.
func WithConfig(dc DeviceConfig) Option {
	return func(cfg *config) {
		cfg.cfg = dc
	}
}

// WithDirectMode reads the bus monitor recording queues of a local
// device straight from the trace memory.
func WithDirectMode() Option {
	return func(cfg *config) {
		cfg.cfg.QueueMode = Direct
	}
}

// WithClientOptions configures the ANS client dialed by Dial.
func WithClientOptions(opts ...ans.ClientOption) Option {
	return func(cfg *config) {
		cfg.copt = append(cfg.copt, opts...)
	}
}

func newConfig(opts []Option) config {
	cfg := config{
		msg: log.New(os.Stdout, "dque: ", 0),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

func newDevice(cfg config) *Device {
	dev := &Device{
		msg: cfg.msg,
		met: cfg.met,
		cfg: cfg.cfg,
	}
	for i := range dev.queues {
		dev.queues[i].id = ID(i)
	}
	return dev
}

// NewDevice returns a local device whose memory is reached through acc
// and whose firmware is driven through fw.
func NewDevice(acc mem.Accessor, fw Firmware, opts ...Option) (*Device, error) {
	cfg := newConfig(opts)
	if cfg.cfg.QueueMode > Direct {
		return nil, fmt.Errorf("%w: queue mode %v", ErrParamNotInRange, cfg.cfg.QueueMode)
	}

	info, err := fw.MemInfo()
	if err != nil {
		return nil, fmt.Errorf("dque: could not retrieve memory layout: %w", err)
	}

	dev := newDevice(cfg)
	dev.buffered = &buffered{acc: acc, fw: fw}
	dev.direct = &direct{msg: dev.msg, acc: acc, fw: fw, info: info}
	return dev, nil
}

// NewRemoteDevice returns a device forwarding all queue operations to
// module mod of the ANS server cli is linked to.
func NewRemoteDevice(cli *ans.Client, mod uint32, opts ...Option) (*Device, error) {
	cfg := newConfig(opts)
	dev := newDevice(cfg)
	dev.remote = &remote{cli: cli, mod: mod}

	dc, err := dev.remote.config()
	if err != nil {
		return nil, err
	}
	dev.cfg = dc
	return dev, nil
}

// Dial connects to the ANS server at addr and returns a remote device for
// module mod. Releasing the device closes the connection.
func Dial(ctx context.Context, addr string, mod uint32, opts ...Option) (*Device, error) {
	cfg := newConfig(opts)
	copt := append([]ans.ClientOption{ans.WithClientLogger(cfg.msg)}, cfg.copt...)

	cli, err := ans.Dial(ctx, addr, copt...)
	if err != nil {
		return nil, fmt.Errorf("dque: could not dial %q: %w", addr, err)
	}

	dev, err := NewRemoteDevice(cli, mod, opts...)
	if err != nil {
		_ = cli.Close()
		return nil, err
	}
	dev.owned = cli
	return dev, nil
}

// IsRemote returns whether the device is reached through an ANS server.
func (dev *Device) IsRemote() bool { return dev.remote != nil }

func (dev *Device) transport(id ID) transport {
	switch {
	case dev.remote != nil:
		return dev.remote
	case dev.cfg.QueueMode == Direct && id.IsBMRec():
		return dev.direct
	default:
		return dev.buffered
	}
}

// lookup returns the registry entry of id if the queue is open.
func (dev *Device) lookup(id ID) (*queue, bool, error) {
	if !id.valid() {
		return nil, false, fmt.Errorf("%w: queue id %d", ErrParamNotInRange, uint8(id))
	}
	dev.mu.Lock()
	defer dev.mu.Unlock()
	q := &dev.queues[id]
	return q, q.state != Closed, nil
}

// Open activates queue id and returns its capacity in bytes.
// Opening an open queue returns its capacity and has no other effect.
func (dev *Device) Open(id ID) (uint32, error) {
	if !id.valid() {
		return 0, fmt.Errorf("%w: queue id %d", ErrParamNotInRange, uint8(id))
	}

	dev.mu.Lock()
	q := &dev.queues[id]
	if q.state != Closed {
		size := q.size
		dev.mu.Unlock()
		return size, nil
	}
	tr := dev.transport(id)
	dev.mu.Unlock()

	o, err := tr.open(id)
	if err != nil {
		return 0, err
	}

	dev.mu.Lock()
	defer dev.mu.Unlock()
	*q = queue{
		id:     id,
		state:  Opened,
		size:   o.size,
		status: o.status,
		tr:     tr,
		mode:   o.mode,
	}
	dev.met.reset(id)
	return o.size, nil
}

// Control sends a control request to queue id.
// Controlling a queue that is not open is a no-op.
func (dev *Device) Control(id ID, mode Mode) error {
	if mode > maxMode {
		return fmt.Errorf("%w: %d", ErrInvalidMode, uint8(mode))
	}
	q, ok, err := dev.lookup(id)
	if err != nil || !ok {
		return err
	}

	err = q.tr.control(q, mode)
	if err != nil {
		return err
	}

	dev.mu.Lock()
	defer dev.mu.Unlock()
	switch mode {
	case Start, Resume:
		q.state = Started
	case Stop:
		q.state = Stopped
	}
	if mode == Start || mode == Flush {
		q.sticky = 0
	}
	return nil
}

// Read copies at most len(p) bytes from queue id into p.
// An empty p only reports the number of bytes available.
// Reading a queue that is not open returns a disabled status and no data.
//
// A Result with BytesTransferred > 0 may come with a non-nil error: the
// bytes were delivered and consumed but the post-read status could not
// be retrieved.
func (dev *Device) Read(id ID, p []byte) (Result, error) {
	q, ok, err := dev.lookup(id)
	if err != nil || !ok {
		return Result{}, err
	}

	res, err := q.tr.read(q, p)
	if err != nil && res.BytesTransferred == 0 {
		return Result{}, err
	}

	dev.mu.Lock()
	defer dev.mu.Unlock()

	if _, ok := q.tr.(*remote); ok {
		q.total = max(q.total, res.TotalBytes)
	} else {
		q.total += uint64(res.BytesTransferred)
	}
	res.TotalBytes = q.total

	fresh := res.Status&StatusOverflow != 0 && q.sticky == 0
	q.sticky |= res.Status & StatusOverflow
	res.Status |= q.sticky
	q.status = res.Status

	dev.met.observe(id, res, fresh)
	if s, ok := q.mode.(*directSetup); ok {
		_, _, peak := s.load()
		dev.met.load(id, peak)
	}
	return res, err
}

// Probe returns the number of bytes available in queue id.
func (dev *Device) Probe(id ID) (Result, error) {
	return dev.Read(id, nil)
}

// Close deactivates queue id.
// Closing a queue that is not open is a no-op.
// A queue whose transport fails to close stays open.
func (dev *Device) Close(id ID) error {
	q, ok, err := dev.lookup(id)
	if err != nil || !ok {
		return err
	}

	err = q.tr.close(q)
	if err != nil {
		return err
	}

	dev.mu.Lock()
	defer dev.mu.Unlock()
	q.state = Closed
	q.tr = nil
	q.mode = nil
	return nil
}

// State returns the control state of queue id.
func (dev *Device) State(id ID) State {
	if !id.valid() {
		return Closed
	}
	dev.mu.Lock()
	defer dev.mu.Unlock()
	return dev.queues[id].state
}

// Stats returns the bookkeeping of queue id.
func (dev *Device) Stats(id ID) (Stats, error) {
	if !id.valid() {
		return Stats{}, fmt.Errorf("%w: queue id %d", ErrParamNotInRange, uint8(id))
	}

	dev.mu.Lock()
	defer dev.mu.Unlock()
	q := &dev.queues[id]
	st := Stats{
		State:      q.state,
		Size:       q.size,
		TotalBytes: q.total,
		Status:     q.status,
	}
	if s, ok := q.mode.(*directSetup); ok {
		st.Direct = true
		st.LoadCount, st.LoadAvg, st.LoadMax = s.load()
	}
	return st, nil
}

// Config returns the driver configuration of the device.
func (dev *Device) Config() (DeviceConfig, error) {
	if dev.remote != nil {
		return dev.remote.config()
	}
	dev.mu.Lock()
	defer dev.mu.Unlock()
	return dev.cfg, nil
}

// SetConfig updates the driver configuration of the device.
// Queues already open keep the transport they were opened with.
func (dev *Device) SetConfig(dc DeviceConfig) error {
	if dc.QueueMode > Direct {
		return fmt.Errorf("%w: queue mode %v", ErrParamNotInRange, dc.QueueMode)
	}
	if dev.remote != nil {
		err := dev.remote.setConfig(dc)
		if err != nil {
			return err
		}
	}
	dev.mu.Lock()
	defer dev.mu.Unlock()
	dev.cfg = dc
	return nil
}

// Release closes all open queues and the connection dialed by the device.
func (dev *Device) Release() error {
	var errs []error
	for i := range dev.queues {
		err := dev.Close(ID(i))
		if err != nil {
			errs = append(errs, err)
		}
	}
	if dev.owned != nil {
		err := dev.owned.Close()
		if err != nil {
			errs = append(errs, fmt.Errorf("dque: could not close ANS link: %w", err))
		}
		dev.owned = nil
	}
	return errors.Join(errs...)
}
