// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package conddb holds types to describe the configuration database of
// bus interface boards and the bookkeeping of their capture runs.
package conddb // import "github.com/go-lpc/milbus/conddb"

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-lpc/milbus/dque"
	_ "github.com/go-sql-driver/mysql"
)

const (
	host = "localhost"
)

var (
	usr = "username"
	pwd = "s3cr3t"

	drvName = "mysql"
)

// ErrNoBoard is returned when a board is not in the database.
var ErrNoBoard = errors.New("conddb: no such board")

// DB exposes convenience methods to easily retrieve board configurations
// and record capture runs.
type DB struct {
	db   *sql.DB
	name string // name of the database
}

// Open opens a connection to the database dbname.
func Open(dbname string) (*DB, error) {
	db, err := sql.Open(drvName, dsn(dbname))
	if err != nil {
		return nil, fmt.Errorf("conddb: could not open %q db: %w", dbname, err)
	}

	err = ping(db, dbname)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("conddb: could not ping %q db: %w", dbname, err)
	}

	return &DB{db: db, name: dbname}, nil
}

func dsn(db string) string {
	return fmt.Sprintf("%s:%s@tcp(%s)/%s?parseTime=true", usr, pwd, host, db)
}

func ping(db *sql.DB, dbname string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("conddb: could not ping %q db: %w", dbname, err)
	}

	return nil
}

func (db *DB) Close() error {
	return db.db.Close()
}

func (db *DB) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return db.db.QueryContext(ctx, query, args...)
}

// Board describes how a board is reached and configured.
type Board struct {
	Serial string
	Addr   string // address of the ANS server exporting the board, if any
	Module uint32 // module handle on the ANS server
	Config dque.DeviceConfig
}

// Board returns the most recent configuration of the board with the
// provided serial number.
func (db *DB) Board(ctx context.Context, serial string) (Board, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	brd := Board{Serial: serial}
	rows, err := db.db.QueryContext(
		ctx,
		`
SELECT addr, module, dma, memtype, qmode, dma_min, irq_count, flags
FROM boards
WHERE serial=?
ORDER BY datetime DESC LIMIT 1
`,
		serial,
	)
	if err != nil {
		return brd, fmt.Errorf("conddb: could not query board %q: %w", serial, err)
	}
	defer rows.Close()

	found := false
	for rows.Next() {
		var (
			dma   bool
			mtype uint8
			qmode uint8
		)
		err = rows.Scan(
			&brd.Addr, &brd.Module,
			&dma, &mtype, &qmode,
			&brd.Config.DMAMinimumSize,
			&brd.Config.IntRequestCount,
			&brd.Config.DriverFlags,
		)
		if err != nil {
			return brd, fmt.Errorf("conddb: could not get board %q values: %w", serial, err)
		}
		brd.Config.DMAEnabled = dma
		brd.Config.MemoryType = mtype
		brd.Config.QueueMode = dque.QueueMode(qmode)
		found = true
	}

	if err := rows.Err(); err != nil {
		return brd, fmt.Errorf("conddb: could not scan db for board %q: %w", serial, err)
	}

	if err := ctx.Err(); err != nil {
		return brd, fmt.Errorf("conddb: context error while retrieving board %q: %w", serial, err)
	}

	if !found {
		return brd, fmt.Errorf("%w: %q", ErrNoBoard, serial)
	}

	return brd, nil
}

// Run is the bookkeeping of a capture run.
type Run struct {
	ID     int64
	Serial string
	Queue  dque.ID
	Begin  time.Time
	End    sql.NullTime
	Total  uint64
	Status uint32
}

// BeginRun records the start of a capture of queue id of a board and
// returns the run identifier.
func (db *DB) BeginRun(ctx context.Context, serial string, id dque.ID) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	res, err := db.db.ExecContext(
		ctx,
		"INSERT INTO runs (serial, queue, begin) VALUES (?, ?, ?)",
		serial, uint8(id), time.Now().UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("conddb: could not insert run for %q/%v: %w", serial, id, err)
	}

	run, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("conddb: could not retrieve run id for %q/%v: %w", serial, id, err)
	}
	return run, nil
}

// EndRun records the end of a capture run.
func (db *DB) EndRun(ctx context.Context, run int64, total uint64, status uint32) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	res, err := db.db.ExecContext(
		ctx,
		"UPDATE runs SET end=?, total=?, status=? WHERE id=?",
		time.Now().UTC(), int64(total), int64(status), run,
	)
	if err != nil {
		return fmt.Errorf("conddb: could not update run %d: %w", run, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("conddb: could not retrieve number of updated runs: %w", err)
	}
	if n != 1 {
		return fmt.Errorf("conddb: invalid number of updated runs for run %d (n=%d)", run, n)
	}
	return nil
}

// Runs returns the capture runs of a board, most recent first.
func (db *DB) Runs(ctx context.Context, serial string) ([]Run, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var runs []Run
	rows, err := db.db.QueryContext(
		ctx,
		"SELECT id, queue, begin, end, total, status FROM runs WHERE serial=? ORDER BY begin DESC",
		serial,
	)
	if err != nil {
		return runs, fmt.Errorf("conddb: could not run runs query: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			run   = Run{Serial: serial}
			queue uint8
		)
		err = rows.Scan(&run.ID, &queue, &run.Begin, &run.End, &run.Total, &run.Status)
		if err != nil {
			return runs, fmt.Errorf("conddb: could not scan runs: %w", err)
		}
		run.Queue = dque.ID(queue)
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return runs, fmt.Errorf("conddb: could not scan db for runs: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return runs, fmt.Errorf("conddb: context error while retrieving runs: %w", err)
	}

	return runs, nil
}
