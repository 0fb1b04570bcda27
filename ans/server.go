// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ans

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"sync"
	"sync/atomic"

	"github.com/heptiolabs/healthcheck"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/valyala/bytebufferpool"
)

// Server serves boards to ANS clients.
type Server struct {
	msg    *log.Logger
	boards cmap.ConcurrentMap[uint32, Board]
	pool   *ants.Pool
	health healthcheck.Handler
	reqs   *prometheus.CounterVec

	peers  atomic.Uint32
	closed atomic.Bool

	mu    sync.Mutex
	lns   []net.Listener
	conns map[net.Conn]struct{}
}

type serverConfig struct {
	msg   *log.Logger
	conns int
	reg   prometheus.Registerer
}

// ServerOption configures a Server.
type ServerOption func(*serverConfig)

// WithServerLogger sets the logger of a server.
func WithServerLogger(msg *log.Logger) ServerOption {
	return func(cfg *serverConfig) {
		cfg.msg = msg
	}
}

// WithMaxConns bounds the number of connections served concurrently.
func WithMaxConns(n int) ServerOption {
	return func(cfg *serverConfig) {
		cfg.conns = n
	}
}

// WithRegisterer registers the server metrics with reg.
func WithRegisterer(reg prometheus.Registerer) ServerOption {
	return func(cfg *serverConfig) {
		cfg.reg = reg
	}
}

// NewServer creates a server with no board.
func NewServer(opts ...ServerOption) (*Server, error) {
	cfg := serverConfig{
		msg:   log.New(os.Stdout, "ans: ", 0),
		conns: 64,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	pool, err := ants.NewPool(cfg.conns, ants.WithNonblocking(true))
	if err != nil {
		return nil, fmt.Errorf("ans: could not create connection pool: %w", err)
	}

	srv := &Server{
		msg: cfg.msg,
		boards: cmap.NewWithCustomShardingFunction[uint32, Board](func(key uint32) uint32 {
			return key
		}),
		pool:   pool,
		health: healthcheck.NewHandler(),
		conns:  make(map[net.Conn]struct{}),
		reqs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ans_requests_total",
			Help: "Number of ANS requests served, by function and status.",
		}, []string{"func", "status"}),
	}

	if cfg.reg != nil {
		err = cfg.reg.Register(srv.reqs)
		if err != nil {
			pool.Release()
			return nil, fmt.Errorf("ans: could not register metrics: %w", err)
		}
	}

	srv.health.AddLivenessCheck("server", func() error {
		if srv.closed.Load() {
			return errors.New("server closed")
		}
		return nil
	})
	srv.health.AddReadinessCheck("boards", func() error {
		if srv.boards.Count() == 0 {
			return errors.New("no board registered")
		}
		return nil
	})
	srv.health.AddReadinessCheck("conns", func() error {
		if srv.pool.Free() == 0 {
			return fmt.Errorf("all %d connection slots busy", srv.pool.Cap())
		}
		return nil
	})

	return srv, nil
}

// Register serves b as module mod.
func (srv *Server) Register(mod uint32, b Board) {
	srv.boards.Set(mod, b)
}

// Unregister stops serving module mod.
func (srv *Server) Unregister(mod uint32) {
	srv.boards.Remove(mod)
}

// Health returns the liveness and readiness handler of the server.
func (srv *Server) Health() healthcheck.Handler {
	return srv.health
}

// Serve accepts connections on l until l is closed.
func (srv *Server) Serve(l net.Listener) error {
	srv.mu.Lock()
	if srv.closed.Load() {
		srv.mu.Unlock()
		return net.ErrClosed
	}
	srv.lns = append(srv.lns, l)
	srv.mu.Unlock()

	for {
		conn, err := l.Accept()
		if err != nil {
			if srv.closed.Load() {
				return nil
			}
			return fmt.Errorf("ans: could not accept connection: %w", err)
		}

		err = srv.pool.Submit(func() { srv.handle(conn) })
		if err != nil {
			srv.msg.Printf("could not serve %v: %+v", conn.RemoteAddr(), err)
			_ = conn.Close()
		}
	}
}

// Close stops all listeners and closes the connections being served.
func (srv *Server) Close() error {
	srv.mu.Lock()
	defer srv.mu.Unlock()

	if srv.closed.Swap(true) {
		return nil
	}

	var err error
	for _, l := range srv.lns {
		e := l.Close()
		if e != nil && err == nil {
			err = e
		}
	}
	srv.lns = nil
	for conn := range srv.conns {
		_ = conn.Close()
	}
	srv.pool.Release()
	return err
}

func (srv *Server) track(conn net.Conn, add bool) bool {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if !add {
		delete(srv.conns, conn)
		return true
	}
	if srv.closed.Load() {
		return false
	}
	srv.conns[conn] = struct{}{}
	return true
}

func (srv *Server) handle(conn net.Conn) {
	defer conn.Close()
	if !srv.track(conn, true) {
		return
	}
	defer srv.track(conn, false)

	srv.msg.Printf("serving %v...", conn.RemoteAddr())
	defer srv.msg.Printf("serving %v... [done]", conn.RemoteAddr())

	peer, err := srv.link(conn)
	if err != nil {
		srv.msg.Printf("could not establish link with %v: %+v", conn.RemoteAddr(), err)
		return
	}

	var (
		buf  = bytebufferpool.Get()
		data []byte
	)
	defer bytebufferpool.Put(buf)

	for {
		hdr, p, err := readCmd(conn, buf)
		if err != nil {
			if !errors.Is(err, io.EOF) && !srv.closed.Load() {
				srv.msg.Printf("could not read command from %v: %+v", conn.RemoteAddr(), err)
			}
			return
		}

		rsp, st := srv.dispatch(hdr, p, &data)
		srv.reqs.WithLabelValues(hdr.Func.String(), st.String()).Inc()

		err = writeRsp(conn, RspHeader{
			Header: Header{TransactionID: hdr.TransactionID, ClientID: peer},
			Func:   hdr.Func,
			Status: st,
		}, rsp)
		if err != nil {
			srv.msg.Printf("could not send %v response to %v: %+v", hdr.Func, conn.RemoteAddr(), err)
			return
		}
	}
}

func (srv *Server) link(conn net.Conn) (uint32, error) {
	var req LinkInit
	err := readLink(conn, linkLen, &req)
	if err != nil {
		return 0, err
	}

	rsp := LinkResponse{
		LinkInit: LinkInit{
			Magic: Magic,
			Major: VersionMajor,
			Minor: VersionMinor,
			Link:  req.Link,
		},
	}
	switch {
	case !req.compatible():
		rsp.Status = StatusIncompatibleProtVer
	case req.Link != BoardLink:
		rsp.Status = StatusInvalidLinkType
	default:
		rsp.Peer = srv.peers.Add(1)
	}

	err = writeLink(conn, &rsp)
	if err != nil {
		return 0, err
	}
	if rsp.Status != StatusOK {
		return 0, fmt.Errorf("link-init rejected: %w", rsp.Status)
	}
	return rsp.Peer, nil
}

// dispatch runs a board command. data is the per-connection read buffer.
func (srv *Server) dispatch(hdr CmdHeader, p []byte, data *[]byte) (payload, Status) {
	if hdr.Type != BoardCommand {
		return nil, StatusInvalidCmdFrame
	}

	// all board commands start with the module handle.
	var mod ModuleCmd
	if decode(p, &mod) != nil {
		return nil, StatusInvalidCmdFrame
	}

	switch hdr.Func {
	case FuncDataQueueOpen, FuncDataQueueClose, FuncDataQueueControl,
		FuncDataQueueRead, FuncGetDeviceConfig, FuncSetDeviceConfig:
	default:
		return nil, StatusInvalidFunctionID
	}

	b, ok := srv.boards.Get(mod.Module)
	if !ok {
		return nil, StatusInvalidModuleIndex
	}

	switch hdr.Func {
	case FuncDataQueueOpen:
		var cmd QueueCmd
		if decode(p, &cmd) != nil {
			return nil, StatusInvalidCmdFrame
		}
		rsp := b.QueueOpen(cmd.ID)
		return &rsp, StatusOK

	case FuncDataQueueClose:
		var cmd QueueCmd
		if decode(p, &cmd) != nil {
			return nil, StatusInvalidCmdFrame
		}
		rsp := b.QueueClose(cmd.ID)
		return &rsp, StatusOK

	case FuncDataQueueControl:
		var cmd QueueControlCmd
		if decode(p, &cmd) != nil {
			return nil, StatusInvalidCmdFrame
		}
		rsp := b.QueueControl(cmd.ID, cmd.Mode)
		return &rsp, StatusOK

	case FuncDataQueueRead:
		var cmd QueueReadCmd
		if decode(p, &cmd) != nil {
			return nil, StatusInvalidCmdFrame
		}
		n := int(min(cmd.BytesToRead, MaxReadSize))
		if cap(*data) < n {
			*data = make([]byte, n)
		}
		buf := (*data)[:n]
		rsp := b.QueueRead(cmd.ID, buf)
		if int(rsp.Transferred) > n {
			srv.msg.Printf("board %d returned %d bytes for a %d bytes read", mod.Module, rsp.Transferred, n)
			rsp.Transferred = uint32(n)
		}
		if len(rsp.Data) < int(rsp.Transferred) {
			rsp.Transferred = uint32(len(rsp.Data))
		}
		return &rsp, StatusOK

	case FuncGetDeviceConfig:
		rsp := b.DeviceConfig()
		return &rsp, StatusOK

	case FuncSetDeviceConfig:
		var cmd SetDeviceConfigCmd
		if decode(p, &cmd) != nil {
			return nil, StatusInvalidCmdFrame
		}
		rsp := b.SetDeviceConfig(cmd.Config)
		return &rsp, StatusOK
	}

	return nil, StatusInvalidFunctionID
}
