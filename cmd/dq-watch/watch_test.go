// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/go-lpc/milbus/dque"
)

type fakeProber struct {
	res map[dque.ID]dque.Result
	err error
}

func (p *fakeProber) Probe(id dque.ID) (dque.Result, error) {
	return p.res[id], p.err
}

type mailbox struct {
	subjects []string
}

func (mb *mailbox) notify(subject, body string) {
	mb.subjects = append(mb.subjects, subject)
}

func TestWatchFiles(t *testing.T) {
	dir := t.TempDir()
	fname := filepath.Join(dir, "mod-000-bm-rec-0.raw")
	err := os.WriteFile(fname, []byte("1553"), 0644)
	if err != nil {
		t.Fatalf("could not create file: %+v", err)
	}
	err = os.WriteFile(filepath.Join(dir, "notes.txt"), nil, 0644)
	if err != nil {
		t.Fatalf("could not create file: %+v", err)
	}

	var mb mailbox
	w := newWatcher(dir, "*.raw", time.Second, mb.notify)

	table := w.step(nil)
	if !reflect.DeepEqual(table, map[string]int64{fname: 4}) {
		t.Fatalf("invalid file table: %v", table)
	}
	if len(mb.subjects) != 0 {
		t.Fatalf("unexpected alert on a new file: %v", mb.subjects)
	}

	f, err := os.OpenFile(fname, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatalf("could not open file: %+v", err)
	}
	_, err = f.Write([]byte("-bus"))
	f.Close()
	if err != nil {
		t.Fatalf("could not append to file: %+v", err)
	}

	table = w.step(table)
	if len(mb.subjects) != 0 {
		t.Fatalf("unexpected alert on a growing file: %v", mb.subjects)
	}

	for i := 0; i < maxAlerts+2; i++ {
		table = w.step(table)
	}
	if got, want := len(mb.subjects), maxAlerts-1; got != want {
		t.Fatalf("invalid number of alerts: got=%d, want=%d", got, want)
	}
	if !strings.Contains(mb.subjects[0], "file alert") {
		t.Fatalf("invalid alert subject: %q", mb.subjects[0])
	}
	if w.alerts[fname] != maxAlerts+2 {
		t.Fatalf("invalid alert count: %d", w.alerts[fname])
	}
}

func TestWatchQueues(t *testing.T) {
	var (
		mb  mailbox
		dev = &fakeProber{res: map[dque.ID]dque.Result{
			dque.BMRec(0):   {Status: dque.StatusEnabled},
			dque.GenericAcq: {Status: dque.StatusEnabled},
		}}
		w = newWatcher("", "", time.Second, mb.notify)
	)
	w.dev = dev
	w.ids = []dque.ID{dque.BMRec(0), dque.GenericAcq}

	w.step(nil)
	if len(mb.subjects) != 0 {
		t.Fatalf("unexpected alert: %v", mb.subjects)
	}

	dev.res[dque.GenericAcq] = dque.Result{Status: dque.StatusEnabled | dque.StatusLocalOverflow}
	w.step(nil)
	w.step(nil) // same overflow: no new alert.
	if len(mb.subjects) != 1 || !strings.Contains(mb.subjects[0], "generic-acq") {
		t.Fatalf("invalid alerts: %v", mb.subjects)
	}

	dev.res[dque.GenericAcq] = dque.Result{Status: dque.StatusEnabled}
	w.step(nil)
	dev.res[dque.GenericAcq] = dque.Result{Status: dque.StatusEnabled | dque.StatusRemoteOverflow}
	w.step(nil)
	if len(mb.subjects) != 2 {
		t.Fatalf("invalid alerts: %v", mb.subjects)
	}

	dev.err = errors.New("link down")
	w.step(nil)
	if len(mb.subjects) != 2 {
		t.Fatalf("unexpected alert on probe failure: %v", mb.subjects)
	}
}

func TestParseQueues(t *testing.T) {
	ids, err := parseQueues("0, 9")
	if err != nil {
		t.Fatalf("could not parse queues: %+v", err)
	}
	if !reflect.DeepEqual(ids, []dque.ID{0, dque.GenericAcq}) {
		t.Fatalf("invalid ids: %v", ids)
	}

	ids, err = parseQueues("")
	if err != nil || ids != nil {
		t.Fatalf("invalid empty list: ids=%v err=%+v", ids, err)
	}

	_, err = parseQueues("10")
	if !errors.Is(err, dque.ErrParamNotInRange) {
		t.Fatalf("invalid error: %+v", err)
	}
}

func TestRunNothing(t *testing.T) {
	err := run(context.Background(), "", "*.raw", time.Second, "", 0, nil)
	if err == nil {
		t.Fatalf("expected an error")
	}
}
