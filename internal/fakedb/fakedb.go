// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package fakedb holds types to fake an in-memory DB.
package fakedb // import "github.com/go-lpc/milbus/internal/fakedb"

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"io"
	"sync"
)

var query struct {
	mu    sync.Mutex
	rows  Rows
	res   Result
	emu   sync.Mutex // guards execs against statements run concurrently by f
	execs []Exec
}

// Run runs f with rows as the result of every query.
func Run(ctx context.Context, rows Rows, f func(ctx context.Context) error) error {
	query.mu.Lock()
	defer query.mu.Unlock()
	query.rows = rows
	query.execs = nil

	return f(ctx)
}

// RunExec runs f with res as the result of every statement executed,
// and returns the statements f executed.
func RunExec(ctx context.Context, res Result, f func(ctx context.Context) error) ([]Exec, error) {
	query.mu.Lock()
	defer query.mu.Unlock()
	query.res = res
	query.execs = nil

	err := f(ctx)

	query.emu.Lock()
	defer query.emu.Unlock()
	return query.execs, err
}

func init() {
	sql.Register("fakedb", &Driver{})
}

type Driver struct{}

func (drv *Driver) Open(name string) (driver.Conn, error) {
	return &Conn{}, nil
}

type Conn struct{}

func (c *Conn) Prepare(query string) (driver.Stmt, error) {
	return &Stmt{query: query}, nil
}

func (c *Conn) Close() error {
	return nil
}

func (c *Conn) Begin() (driver.Tx, error) {
	panic("not implemented")
}

type Stmt struct {
	query string
}

func (stmt *Stmt) Close() error {
	return nil
}

func (stmt *Stmt) NumInput() int {
	return -1
}

// Exec records the statement and its arguments.
func (stmt *Stmt) Exec(args []driver.Value) (driver.Result, error) {
	query.emu.Lock()
	query.execs = append(query.execs, Exec{Query: stmt.query, Args: args})
	query.emu.Unlock()
	if query.res.Err != nil {
		return nil, query.res.Err
	}
	return &query.res, nil
}

// Query returns a fresh cursor over the rows set by Run.
func (stmt *Stmt) Query(args []driver.Value) (driver.Rows, error) {
	rows := query.rows
	return &rows, nil
}

// Exec is a statement executed through the fake driver.
type Exec struct {
	Query string
	Args  []driver.Value
}

// Result is the outcome of executed statements.
type Result struct {
	ID   int64
	Rows int64
	Err  error
}

func (res *Result) LastInsertId() (int64, error) { return res.ID, nil }
func (res *Result) RowsAffected() (int64, error) { return res.Rows, nil }

type Rows struct {
	Names  []string
	Values [][]driver.Value
}

func (rows *Rows) Columns() []string {
	return rows.Names
}

func (rows *Rows) Close() error {
	return nil
}

func (rows *Rows) Next(dest []driver.Value) error {
	if len(rows.Values) == 0 {
		return io.EOF
	}
	copy(dest, rows.Values[0])
	rows.Values = rows.Values[1:]
	return nil
}

var (
	_ driver.Driver = (*Driver)(nil)
	_ driver.Conn   = (*Conn)(nil)
	_ driver.Stmt   = (*Stmt)(nil)
	_ driver.Result = (*Result)(nil)
	_ driver.Rows   = (*Rows)(nil)
)
