// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ans

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/valyala/bytebufferpool"
)

// Client is a board link to an ANS server.
// Calls are serialized over the link.
type Client struct {
	msg  *log.Logger
	cfg  clientConfig
	conn net.Conn

	mu   sync.Mutex
	tid  uint32 // last transaction id
	peer uint32 // client id assigned by the server
	buf  *bytebufferpool.ByteBuffer
}

type clientConfig struct {
	msg     *log.Logger
	timeout time.Duration
	retry   func() backoff.BackOff
}

// ClientOption configures a Client.
type ClientOption func(*clientConfig)

// WithTimeout bounds each request/response round-trip.
func WithTimeout(d time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.timeout = d
	}
}

// WithRetry sets the back-off policy used while dialing.
func WithRetry(policy func() backoff.BackOff) ClientOption {
	return func(cfg *clientConfig) {
		cfg.retry = policy
	}
}

// WithClientLogger sets the logger of a client.
func WithClientLogger(msg *log.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.msg = msg
	}
}

func newClientConfig(opts []ClientOption) clientConfig {
	cfg := clientConfig{
		msg:     log.New(os.Stdout, "ans: ", 0),
		timeout: DefaultTimeout,
		retry: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 100 * time.Millisecond
			b.MaxElapsedTime = 30 * time.Second
			return b
		},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// Dial connects to the ANS server at addr and opens a board link.
// Connection failures are retried until the back-off policy gives up or
// ctx is done.
func Dial(ctx context.Context, addr string, opts ...ClientOption) (*Client, error) {
	var (
		cfg  = newClientConfig(opts)
		dial net.Dialer
		cli  *Client
	)

	op := func() error {
		conn, err := dial.DialContext(ctx, "tcp", addr)
		if err != nil {
			return err
		}
		c, err := newClient(conn, cfg)
		if err != nil {
			_ = conn.Close()
			if errors.Is(err, StatusIncompatibleProtVer) {
				return backoff.Permanent(err)
			}
			return err
		}
		cli = c
		return nil
	}

	notify := func(err error, d time.Duration) {
		cfg.msg.Printf("could not connect to %q (retrying in %v): %+v", addr, d, err)
	}

	err := backoff.RetryNotify(op, backoff.WithContext(cfg.retry(), ctx), notify)
	if err != nil {
		return nil, fmt.Errorf("ans: could not dial %q: %w", addr, err)
	}
	return cli, nil
}

// NewClient opens a board link over an established connection.
func NewClient(conn net.Conn, opts ...ClientOption) (*Client, error) {
	return newClient(conn, newClientConfig(opts))
}

func newClient(conn net.Conn, cfg clientConfig) (*Client, error) {
	cli := &Client{
		msg:  cfg.msg,
		cfg:  cfg,
		conn: conn,
		buf:  bytebufferpool.Get(),
	}

	err := cli.link()
	if err != nil {
		bytebufferpool.Put(cli.buf)
		return nil, err
	}
	return cli, nil
}

func (cli *Client) link() error {
	cli.deadline()
	defer cli.conn.SetDeadline(time.Time{})

	err := writeLink(cli.conn, &LinkInit{
		Magic: Magic,
		Major: VersionMajor,
		Minor: VersionMinor,
		Link:  BoardLink,
	})
	if err != nil {
		return fmt.Errorf("ans: could not send link-init: %w", err)
	}

	var rsp LinkResponse
	err = readLink(cli.conn, linkRspLen, &rsp)
	if err != nil {
		return fmt.Errorf("ans: could not read link-init response: %w", err)
	}
	switch {
	case !rsp.compatible():
		return fmt.Errorf(
			"%w: server magic=0x%x version=%d.%d",
			StatusIncompatibleProtVer, rsp.Magic, rsp.Major, rsp.Minor,
		)
	case rsp.Status != StatusOK:
		return fmt.Errorf("ans: link-init rejected: %w", rsp.Status)
	}
	cli.peer = rsp.Peer
	return nil
}

func (cli *Client) deadline() {
	if cli.cfg.timeout > 0 {
		_ = cli.conn.SetDeadline(time.Now().Add(cli.cfg.timeout))
	}
}

// Peer returns the client id assigned by the server.
func (cli *Client) Peer() uint32 { return cli.peer }

// Close closes the link.
func (cli *Client) Close() error {
	cli.mu.Lock()
	defer cli.mu.Unlock()

	if cli.buf == nil {
		return nil
	}
	bytebufferpool.Put(cli.buf)
	cli.buf = nil
	return cli.conn.Close()
}

// abort closes a link whose framing can no longer be trusted.
// Subsequent calls fail with net.ErrClosed.
func (cli *Client) abort(err error) error {
	cli.msg.Printf("closing link: %+v", err)
	bytebufferpool.Put(cli.buf)
	cli.buf = nil
	_ = cli.conn.Close()
	return err
}

// call sends a command and decodes its response into rsp.
// The decoded payload aliases the client buffer until the next call.
// A failed round-trip closes the link: the next response on the wire
// may belong to an abandoned command.
func (cli *Client) call(fid FuncID, cmd, rsp payload) error {
	if cli.buf == nil {
		return net.ErrClosed
	}

	cli.tid++
	hdr := CmdHeader{
		Header: Header{TransactionID: cli.tid, ClientID: cli.peer},
		Type:   BoardCommand,
		Func:   fid,
	}

	cli.deadline()
	defer cli.conn.SetDeadline(time.Time{})

	err := writeCmd(cli.conn, hdr, cmd)
	if err != nil {
		return cli.abort(fmt.Errorf("ans: could not send %v command: %w", fid, err))
	}

	rhdr, p, err := readRsp(cli.conn, cli.buf)
	if err != nil {
		return cli.abort(fmt.Errorf("ans: could not read %v response: %w", fid, err))
	}
	switch {
	case rhdr.TransactionID != hdr.TransactionID:
		return cli.abort(fmt.Errorf(
			"ans: %v response: %w (got=%d, want=%d)",
			fid, StatusInvalidTransactionNo, rhdr.TransactionID, hdr.TransactionID,
		))
	case rhdr.Func != fid:
		return cli.abort(fmt.Errorf("ans: %v response: %w (got=%v)", fid, StatusInvalidFunctionID, rhdr.Func))
	case rhdr.Status != StatusOK:
		return fmt.Errorf("ans: %v command failed: %w", fid, rhdr.Status)
	}

	err = decode(p, rsp)
	if err != nil {
		return cli.abort(fmt.Errorf("ans: could not decode %v response: %w", fid, err))
	}
	return nil
}

// QueueOpen opens queue id of module mod.
func (cli *Client) QueueOpen(mod uint32, id uint8) (QueueOpenRsp, error) {
	cli.mu.Lock()
	defer cli.mu.Unlock()

	var rsp QueueOpenRsp
	err := cli.call(FuncDataQueueOpen, &QueueCmd{Module: mod, ID: id}, &rsp)
	return rsp, err
}

// QueueClose closes queue id of module mod.
func (cli *Client) QueueClose(mod uint32, id uint8) (RCRsp, error) {
	cli.mu.Lock()
	defer cli.mu.Unlock()

	var rsp RCRsp
	err := cli.call(FuncDataQueueClose, &QueueCmd{Module: mod, ID: id}, &rsp)
	return rsp, err
}

// QueueControl sends a control request to queue id of module mod.
func (cli *Client) QueueControl(mod uint32, id, mode uint8) (RCRsp, error) {
	cli.mu.Lock()
	defer cli.mu.Unlock()

	var rsp RCRsp
	err := cli.call(FuncDataQueueControl, &QueueControlCmd{Module: mod, ID: id, Mode: mode}, &rsp)
	return rsp, err
}

// QueueRead reads at most len(p) bytes from queue id of module mod.
// The returned Data is p[:Transferred].
// An empty p only probes the number of bytes in the queue.
func (cli *Client) QueueRead(mod uint32, id uint8, p []byte) (QueueReadRsp, error) {
	cli.mu.Lock()
	defer cli.mu.Unlock()

	var (
		rsp QueueReadRsp
		cmd = QueueReadCmd{Module: mod, ID: id, BytesToRead: uint32(len(p))}
	)
	err := cli.call(FuncDataQueueRead, &cmd, &rsp)
	if err != nil {
		return QueueReadRsp{}, err
	}
	if int(rsp.Transferred) > len(p) {
		return QueueReadRsp{}, fmt.Errorf(
			"%w: %d bytes transferred, buffer holds %d",
			ErrResponseTooLarge, rsp.Transferred, len(p),
		)
	}
	n := copy(p, rsp.Data)
	rsp.Data = p[:n]
	return rsp, nil
}

// DeviceConfig retrieves the driver configuration of module mod.
func (cli *Client) DeviceConfig(mod uint32) (DeviceConfigRsp, error) {
	cli.mu.Lock()
	defer cli.mu.Unlock()

	var rsp DeviceConfigRsp
	err := cli.call(FuncGetDeviceConfig, &ModuleCmd{Module: mod}, &rsp)
	return rsp, err
}

// SetDeviceConfig updates the driver configuration of module mod.
func (cli *Client) SetDeviceConfig(mod uint32, cfg DeviceConfig) (RCRsp, error) {
	cli.mu.Lock()
	defer cli.mu.Unlock()

	var rsp RCRsp
	err := cli.call(FuncSetDeviceConfig, &SetDeviceConfigCmd{Module: mod, Config: cfg}, &rsp)
	return rsp, err
}
