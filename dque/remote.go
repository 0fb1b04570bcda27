// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dque

import (
	"errors"
	"fmt"

	"github.com/go-lpc/milbus/ans"
)

// remote forwards queue operations to a module of an ANS server.
type remote struct {
	cli *ans.Client
	mod uint32
}

// remoteQueue marks a queue owned by the server.
type remoteQueue struct{}

func (remoteQueue) isQueueMode() {}

func linkError(err error, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	if errors.Is(err, ans.ErrResponseTooLarge) {
		return fmt.Errorf("%w: %s: %w", ErrResponseTooLarge, msg, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrIO, msg, err)
}

func rcError(rc int32, format string, args ...any) error {
	err := errorOf(rc)
	if err == nil {
		return nil
	}
	return fmt.Errorf("dque: %s: %w", fmt.Sprintf(format, args...), err)
}

func (r *remote) open(id ID) (opened, error) {
	rsp, err := r.cli.QueueOpen(r.mod, uint8(id))
	if err != nil {
		return opened{}, linkError(err, "could not open remote %v", id)
	}
	err = rcError(rsp.RC, "could not open remote %v", id)
	if err != nil {
		return opened{}, err
	}
	return opened{size: rsp.Size, mode: remoteQueue{}}, nil
}

func (r *remote) control(q *queue, mode Mode) error {
	rsp, err := r.cli.QueueControl(r.mod, uint8(q.id), uint8(mode))
	if err != nil {
		return linkError(err, "could not %v remote %v", mode, q.id)
	}
	return rcError(rsp.RC, "could not %v remote %v", mode, q.id)
}

func (r *remote) read(q *queue, p []byte) (Result, error) {
	rsp, err := r.cli.QueueRead(r.mod, uint8(q.id), p)
	if err != nil {
		return Result{}, linkError(err, "could not read remote %v", q.id)
	}
	res := Result{
		BytesTransferred: rsp.Transferred,
		BytesInQueue:     rsp.InQueue,
		TotalBytes:       rsp.Total,
		Status:           rsp.Status,
	}
	err = rcError(rsp.RC, "could not read remote %v", q.id)
	if err != nil && res.BytesTransferred == 0 {
		return Result{}, err
	}
	return res, err
}

func (r *remote) close(q *queue) error {
	rsp, err := r.cli.QueueClose(r.mod, uint8(q.id))
	if err != nil {
		return linkError(err, "could not close remote %v", q.id)
	}
	return rcError(rsp.RC, "could not close remote %v", q.id)
}

func (r *remote) config() (DeviceConfig, error) {
	rsp, err := r.cli.DeviceConfig(r.mod)
	if err != nil {
		return DeviceConfig{}, linkError(err, "could not retrieve configuration of module %d", r.mod)
	}
	err = rcError(rsp.RC, "could not retrieve configuration of module %d", r.mod)
	if err != nil {
		return DeviceConfig{}, err
	}
	return configFromWire(rsp.Config), nil
}

func (r *remote) setConfig(dc DeviceConfig) error {
	rsp, err := r.cli.SetDeviceConfig(r.mod, configToWire(dc))
	if err != nil {
		return linkError(err, "could not update configuration of module %d", r.mod)
	}
	return rcError(rsp.RC, "could not update configuration of module %d", r.mod)
}
