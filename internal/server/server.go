// Package server owns the TCP listener and the per-connection
// request/response state machine.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kvserve/kvserve/internal/logging"
	"github.com/kvserve/kvserve/internal/metrics"
	"github.com/kvserve/kvserve/internal/resp"
	"github.com/kvserve/kvserve/internal/store"
)

// Server accepts TCP clients and runs one connection task per socket, all
// sharing one store.
type Server struct {
	mu   sync.RWMutex
	addr string

	store        *store.Store
	maxClients   int
	maxBulkBytes int64

	readyOnce sync.Once
	readyCh   chan struct{}
	lastErrMu sync.Mutex
	lastErr   error
	errCh     chan error
	listener  net.Listener

	connsMu sync.Mutex
	conns   map[*conn]struct{}

	wg     sync.WaitGroup
	logger *slog.Logger

	nextConnID        uint64
	totalAccepted     atomic.Uint64
	totalConnected    atomic.Uint64
	totalDisconnected atomic.Uint64
	totalRejected     atomic.Uint64
}

type ServerOption func(*Server)

func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		readyCh: make(chan struct{}),
		errCh:   make(chan error, 1),
		conns:   make(map[*conn]struct{}),
		logger:  logging.L(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.addr == "" {
		s.addr = ":0"
	}
	return s
}

func WithListenAddr(a string) ServerOption   { return func(s *Server) { s.addr = a } }
func WithStore(st *store.Store) ServerOption { return func(s *Server) { s.store = st } }

func WithMaxClients(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.maxClients = n
		}
	}
}

func WithMaxBulkBytes(n int64) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.maxBulkBytes = n
		}
	}
}

func WithLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

func (s *Server) Addr() string           { s.mu.RLock(); defer s.mu.RUnlock(); return s.addr }
func (s *Server) setAddr(a string)       { s.mu.Lock(); s.addr = a; s.mu.Unlock() }
func (s *Server) Ready() <-chan struct{} { return s.readyCh }
func (s *Server) Errors() <-chan error   { return s.errCh }

func (s *Server) setError(err error) {
	if err == nil {
		return
	}
	s.lastErrMu.Lock()
	s.lastErr = err
	s.lastErrMu.Unlock()
	select {
	case s.errCh <- err:
	default:
	}
}

func (s *Server) LastError() error { s.lastErrMu.Lock(); defer s.lastErrMu.Unlock(); return s.lastErr }

// Serve binds the listener and accepts clients until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	addr := s.addr
	s.mu.Unlock()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		wrap := fmt.Errorf("%w: %v", ErrListen, err)
		metrics.IncError(mapErrToMetric(wrap))
		s.setError(wrap)
		return wrap
	}
	s.setAddr(ln.Addr().String())
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.readyOnce.Do(func() { close(s.readyCh) })
	s.logger.Info("tcp_listen", "addr", s.Addr())
	s.logger.Info("ready")
	go func() { <-ctx.Done(); _ = ln.Close() }()
	for {
		if err := s.acceptOnce(ctx, ln); err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// acceptOnce accepts a single connection and spawns its task. Returns nil
// on success; a wrapped error on fatal listener errors.
func (s *Server) acceptOnce(ctx context.Context, ln net.Listener) error {
	sock, err := ln.Accept()
	if err != nil {
		select {
		case <-ctx.Done():
			return context.Canceled
		default:
		}
		if _, ok := err.(net.Error); ok { // transient
			time.Sleep(200 * time.Millisecond)
			return nil
		}
		wrap := fmt.Errorf("%w: %v", ErrAccept, err)
		metrics.IncError(mapErrToMetric(wrap))
		s.setError(wrap)
		return wrap
	}
	s.totalAccepted.Add(1)
	metrics.IncAccepted()
	connID := atomic.AddUint64(&s.nextConnID, 1)
	connLogger := s.logger.With("conn_id", connID, "remote", sock.RemoteAddr().String())
	if tcp, ok := sock.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
		_ = tcp.SetKeepAlive(true)
		_ = tcp.SetKeepAlivePeriod(30 * time.Second)
	}
	if s.maxClients > 0 && s.clientCount() >= s.maxClients {
		s.totalRejected.Add(1)
		connLogger.Warn("client_reject_max", "max_clients", s.maxClients)
		_ = sock.Close()
		return nil
	}
	c := &conn{
		sock:   sock,
		store:  s.store,
		codec:  resp.Codec{MaxBulkBytes: s.maxBulkBytes},
		rbuf:   make([]byte, 0, readBufSize),
		logger: connLogger,
	}
	s.connsMu.Lock()
	s.conns[c] = struct{}{}
	n := len(s.conns)
	s.connsMu.Unlock()
	metrics.SetClients(n)
	s.totalConnected.Add(1)
	connLogger.Info("client_connected")
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.release(c)
		c.serve(ctx.Done())
	}()
	return nil
}

func (s *Server) release(c *conn) {
	_ = c.sock.Close()
	s.connsMu.Lock()
	delete(s.conns, c)
	n := len(s.conns)
	s.connsMu.Unlock()
	metrics.SetClients(n)
	s.totalDisconnected.Add(1)
	c.logger.Info("client_disconnected")
}

func (s *Server) clientCount() int {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	return len(s.conns)
}

// Shutdown gracefully closes all resources.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.listener = nil
	s.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}
	s.connsMu.Lock()
	for c := range s.conns {
		_ = c.sock.Close()
	}
	s.connsMu.Unlock()
	done := make(chan struct{})
	go func() { s.wg.Wait(); close(done) }()
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: shutdown timeout: %v", ErrContext, ctx.Err())
	case <-done:
		s.logger.Info("shutdown_summary",
			"accepted", s.totalAccepted.Load(),
			"connected", s.totalConnected.Load(),
			"disconnected", s.totalDisconnected.Load(),
			"rejected", s.totalRejected.Load())
		return nil
	}
}
