// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-lpc/milbus/dque"
	mail "gopkg.in/gomail.v2"
)

const maxAlerts = 5 // maximum number of mails per file or queue

type prober interface {
	Probe(id dque.ID) (dque.Result, error)
}

type watcher struct {
	dir  string
	glob string
	freq time.Duration

	dev prober
	ids []dque.ID

	notify func(subject, body string)
	alerts map[string]int // number of alerts per file or queue
	status map[dque.ID]uint32
}

func newWatcher(dir, glob string, freq time.Duration, notify func(subject, body string)) *watcher {
	return &watcher{
		dir:    dir,
		glob:   glob,
		freq:   freq,
		notify: notify,
		alerts: make(map[string]int),
		status: make(map[dque.ID]uint32),
	}
}

func (w *watcher) monitor(ctx context.Context) {
	var (
		tick  = time.NewTicker(w.freq)
		table map[string]int64
	)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			table = w.step(table)
		}
	}
}

// step checks the recording files against their sizes at the previous
// step and probes the queues. It returns the current file sizes.
func (w *watcher) step(table map[string]int64) map[string]int64 {
	if w.dir != "" {
		cur, err := w.list()
		if err != nil {
			log.Printf("could not list files: %+v", err)
		} else {
			w.compare(table, cur)
			table = cur
		}
	}
	if w.dev != nil {
		w.probe()
	}
	return table
}

func (w *watcher) list() (map[string]int64, error) {
	table := make(map[string]int64)
	glob := filepath.Join(w.dir, w.glob)
	files, err := filepath.Glob(glob)
	if err != nil {
		return nil, fmt.Errorf("could not glob %q: %w", glob, err)
	}
	for _, fname := range files {
		fi, err := os.Stat(fname)
		if err != nil {
			return nil, fmt.Errorf("could not stat %q: %w", fname, err)
		}
		table[fname] = fi.Size()
	}
	return table, nil
}

func (w *watcher) compare(ref, chk map[string]int64) {
	for fname, size := range chk {
		old, ok := ref[fname]
		if !ok {
			// file just appeared.
			continue
		}
		if old == size {
			w.alert(fname, "file alert", fmt.Sprintf(
				"file: %q\nsize: %d bytes\nfreq: %v", fname, size, w.freq,
			))
		}
	}
}

func (w *watcher) probe() {
	for _, id := range w.ids {
		res, err := w.dev.Probe(id)
		if err != nil {
			log.Printf("could not probe %v: %+v", id, err)
			continue
		}
		prev := w.status[id]
		w.status[id] = res.Status
		if res.Status&dque.StatusOverflow == 0 || prev&dque.StatusOverflow == res.Status&dque.StatusOverflow {
			continue
		}
		w.alert(id.String(), "queue alert", fmt.Sprintf(
			"queue:    %v\nstatus:   0x%08x\nin-queue: %d bytes\ntotal:    %d bytes",
			id, res.Status, res.BytesInQueue, res.TotalBytes,
		))
	}
}

func (w *watcher) alert(key, subject, body string) {
	log.Printf("%s: %s", subject, strings.ReplaceAll(body, "\n", ", "))
	w.alerts[key]++
	if w.alerts[key] < maxAlerts {
		w.notify(fmt.Sprintf("[dq-watch] %s: %q", subject, key), body)
	}
}

var (
	alertMailUsr  = os.Getenv("MAIL_USERNAME")
	alertMailPwd  = os.Getenv("MAIL_PASSWORD")
	alertMailSrv  = os.Getenv("MAIL_SERVER")
	alertMailPort = atoi(os.Getenv("MAIL_PORT"))
	alertMailTgts = strings.Split(os.Getenv("MAIL_TGTS"), ",")
)

func newMailer() func(subject, body string) {
	return func(subject, body string) {
		if alertMailUsr == "" || alertMailPwd == "" ||
			alertMailSrv == "" || alertMailPort == 0 ||
			len(alertMailTgts) == 0 || alertMailTgts[0] == "" {
			log.Printf("could not send mail alert: missing credentials")
			return
		}

		msg := mail.NewMessage()
		msg.SetHeader("From", alertMailUsr)
		msg.SetHeader("Bcc", alertMailTgts...)
		msg.SetHeader("Subject", subject)
		msg.SetBody("text/plain", body)

		dial := mail.NewDialer(alertMailSrv, alertMailPort, alertMailUsr, alertMailPwd)
		dial.TLSConfig = &tls.Config{
			InsecureSkipVerify: true,
		}
		err := dial.DialAndSend(msg)
		if err != nil {
			log.Printf("could not send mail alert: %+v", err)
		}
	}
}

func atoi(s string) int {
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return v
}
