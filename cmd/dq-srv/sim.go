// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/go-lpc/milbus/dque"
	"github.com/go-lpc/milbus/internal/fwsim"
)

// simChunk is the number of bytes produced per queue and per tick.
const simChunk = 1024

// simulate feeds the queues of board b until ctx is done.
// Queues that are not open are skipped.
func simulate(ctx context.Context, mod int, b *fwsim.Board, freq time.Duration, direct bool) error {
	tick := time.NewTicker(freq)
	defer tick.Stop()

	var (
		seq uint32
		buf = make([]byte, simChunk)
	)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
			seq = fill(buf, seq)
			err := produce(b, buf, direct)
			if err != nil {
				return fmt.Errorf("could not simulate board %d: %w", mod, err)
			}
		}
	}
}

func produce(b *fwsim.Board, p []byte, direct bool) error {
	for id := dque.ID(0); id < dque.NumQueues; id++ {
		if direct && id.IsBMRec() {
			continue
		}
		n, err := b.Produce(id, p)
		switch {
		case errors.Is(err, dque.ErrNotOpen):
			continue
		case err != nil:
			return err
		case n < len(p):
			log.Printf("%v: dropped %d bytes", id, len(p)-n)
		}
	}
	if !direct {
		return nil
	}

	info, err := b.MemInfo()
	if err != nil {
		return err
	}
	for ch := range info.Channels {
		n, err := b.Record(ch, p)
		if err != nil {
			return err
		}
		if n < len(p) {
			log.Printf("channel %d: dropped %d bytes", ch, len(p)-n)
		}
	}
	return nil
}

// fill writes consecutive little-endian words starting at seq and returns
// the next word.
func fill(p []byte, seq uint32) uint32 {
	for i := 0; i+4 <= len(p); i += 4 {
		binary.LittleEndian.PutUint32(p[i:], seq)
		seq++
	}
	return seq
}
