package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"lanchat/protocol"
	"lanchat/store"
)

const (
	DefaultAddress      = ":9001"
	DefaultReadTimeout  = 60 * time.Second
	DefaultWriteTimeout = 30 * time.Second
)

var ErrServerClosed = errors.New("server: closed")

type Server struct {
	store    store.Store
	config   *ServerConfig
	registry *Registry
	files    *FilePipeline
	history  *HistoryReplayer
	approver Approver
	log      *zap.Logger
	metrics  *Metrics
	now      func() time.Time

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closing  bool
	workers  sync.WaitGroup
}

type ServerConfig struct {
	Address               string
	ReadTimeout           time.Duration
	WriteTimeout          time.Duration
	MaxConnectionsPerUser int
	MaxWorkers            int // 0 means unbounded
	HistoryLimit          int
	EchoBroadcastToSender bool
	Upload                UploadConfig
}

type Option func(*Server)

func WithLogger(log *zap.Logger) Option {
	return func(s *Server) { s.log = log }
}

func WithMetrics(m *Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithApprover gates accepted sockets. The default approves every peer.
func WithApprover(a Approver) Option {
	return func(s *Server) { s.approver = a }
}

// WithClock overrides time.Now for session and message timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

func New(st store.Store, config *ServerConfig, opts ...Option) *Server {
	if config.Address == "" {
		config.Address = DefaultAddress
	}
	if config.ReadTimeout == 0 {
		config.ReadTimeout = DefaultReadTimeout
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = DefaultWriteTimeout
	}

	s := &Server{
		store:    st,
		config:   config,
		approver: ApproveAll,
		log:      zap.NewNop(),
		now:      time.Now,
		conns:    make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.registry = NewRegistry(RegistryConfig{
		MaxConnectionsPerUser: config.MaxConnectionsPerUser,
		EchoBroadcastToSender: config.EchoBroadcastToSender,
		Logger:                s.log,
		Metrics:               s.metrics,
	})
	s.files = NewFilePipeline(config.Upload, s.registry, st, s.log, s.metrics, s.now)
	s.history = NewHistoryReplayer(st, config.Upload.Dir, config.HistoryLimit, s.log, s.metrics)
	return s
}

// Registry exposes the live connection registry.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Start listens on the configured address and serves until ctx is done or
// Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.config.Address, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln and runs one worker per approved socket.
// It returns nil once the server has been shut down.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		ln.Close()
		return ErrServerClosed
	}
	s.listener = ln
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, s.Shutdown)
	defer stop()

	var g errgroup.Group
	if s.config.MaxWorkers > 0 {
		g.SetLimit(s.config.MaxWorkers)
	}

	s.log.Info("lanchat server started", zap.String("address", ln.Addr().String()))

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.isClosing() || errors.Is(err, net.ErrClosed) {
				break
			}
			s.log.Error("error accepting connection", zap.Error(err))
			continue
		}

		remote := conn.RemoteAddr()
		if !s.approver.Approve(remote) {
			s.log.Warn("connection not approved", zap.Stringer("remote", remote))
			conn.Close()
			continue
		}
		if !s.track(conn) {
			conn.Close()
			break
		}

		g.Go(func() error {
			defer s.untrack(conn)
			s.handleConnection(ctx, conn)
			return nil
		})
	}

	g.Wait()
	s.log.Info("lanchat server stopped")
	return nil
}

// Shutdown says BYE to registered clients, closes the listener and every
// open socket, then waits for the workers to finish.
func (s *Server) Shutdown() {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return
	}
	s.closing = true
	ln := s.listener
	conns := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	s.log.Info("shutting down", zap.Int("connections", len(conns)))

	if ln != nil {
		ln.Close()
	}
	s.registry.BroadcastRaw(protocol.Bye)
	for _, c := range conns {
		c.Close()
	}
	s.workers.Wait()
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	s.metrics.ConnectionOpened()
	defer s.metrics.ConnectionClosed()

	s.newWorker(conn).run(ctx)
}

// GetStats renders a one-line summary for the control socket:
// connections=N,sessions=S,users=M,online=alice@ip1+ip2;bob@ip3
//
// connections counts tracked listener sockets, sessions the registered
// (user, ip) pairs.
func (s *Server) GetStats() string {
	s.mu.Lock()
	sockets := len(s.conns)
	s.mu.Unlock()

	sessions := s.registry.UserSessions()
	users := make([]string, 0, len(sessions))
	for u := range sessions {
		users = append(users, u)
	}
	sort.Strings(users)

	online := make([]string, 0, len(users))
	for _, u := range users {
		online = append(online, u+"@"+strings.Join(sessions[u], "+"))
	}

	return fmt.Sprintf("connections=%d,sessions=%d,users=%d,online=%s",
		sockets, s.registry.Connections(), len(users), strings.Join(online, ";"))
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.conns[conn] = struct{}{}
	s.workers.Add(1)
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	s.workers.Done()
}

func (s *Server) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}
