// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dque

import (
	"errors"
	"fmt"

	"github.com/go-lpc/milbus/mem"
)

var (
	ErrQueueNotReady    = errors.New("dque: queue not ready")
	ErrNotOpen          = errors.New("dque: queue not open")
	ErrInvalidMode      = errors.New("dque: invalid control mode")
	ErrIO               = errors.New("dque: i/o failure")
	ErrResponseTooLarge = errors.New("dque: response too large")
	ErrParamNotInRange  = mem.ErrParamNotInRange
)

// return codes exchanged with ANS peers.
const (
	rcOK int32 = iota
	rcQueueNotReady
	rcNotOpen
	rcInvalidMode
	rcIO
	rcResponseTooLarge
	rcParamNotInRange
	rcUnknown int32 = -1
)

var rcErrors = []struct {
	rc  int32
	err error
}{
	{rcQueueNotReady, ErrQueueNotReady},
	{rcNotOpen, ErrNotOpen},
	{rcInvalidMode, ErrInvalidMode},
	{rcIO, ErrIO},
	{rcResponseTooLarge, ErrResponseTooLarge},
	{rcParamNotInRange, ErrParamNotInRange},
}

func codeOf(err error) int32 {
	if err == nil {
		return rcOK
	}
	for _, v := range rcErrors {
		if errors.Is(err, v.err) {
			return v.rc
		}
	}
	return rcUnknown
}

func errorOf(rc int32) error {
	if rc == rcOK {
		return nil
	}
	for _, v := range rcErrors {
		if v.rc == rc {
			return v.err
		}
	}
	return fmt.Errorf("dque: remote failure (rc=%d)", rc)
}

// ioError tags err as an i/o failure, unless it is a caller error.
func ioError(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	msg := fmt.Sprintf(format, args...)
	if errors.Is(err, ErrParamNotInRange) {
		return fmt.Errorf("dque: %s: %w", msg, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrIO, msg, err)
}
