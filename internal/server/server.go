package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/wilsongn/Whatslike-sub000/internal/auth"
	"github.com/wilsongn/Whatslike-sub000/internal/config"
	"github.com/wilsongn/Whatslike-sub000/internal/mesh"
	"github.com/wilsongn/Whatslike-sub000/internal/offline"
	"github.com/wilsongn/Whatslike-sub000/internal/registry"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

// HealthService is the service name reported by the gRPC health server.
const HealthService = "relay.Node"

const (
	reasonTableFull     = "table full"
	busRetryInterval    = time.Second
	acceptRetryInterval = 50 * time.Millisecond
)

// Dependencies are the external collaborators a node routes through.
type Dependencies struct {
	Presence registry.PresenceStore
	Groups   registry.GroupStore
	Bus      mesh.Bus
	Offline  offline.Sink
	Auth     auth.Authenticator
	// Registry receives relay metrics; a fresh registry is created when nil.
	Registry *prometheus.Registry
}

// NodeServer hosts the client TCP listener, the bus subscription, the admin
// HTTP server and the gRPC health service.
type NodeServer struct {
	cfg      config.Config
	log      *zap.Logger
	deps     Dependencies
	reg      *prometheus.Registry
	metrics  *relayMetrics
	table    *Table
	connOpts ConnectionOptions

	listener   net.Listener
	adminHTTP  *http.Server
	grpcServer *grpc.Server
	health     *health.Server
	ready      atomic.Bool
	conns      sync.WaitGroup
	stopOnce   sync.Once
}

// NewNodeServer constructs a server with its dependencies.
func NewNodeServer(cfg config.Config, logger *zap.Logger, deps Dependencies) (*NodeServer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	reg := deps.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	if deps.Auth == nil {
		deps.Auth = auth.AllowAll{}
	}
	metrics := newRelayMetrics(reg)
	table, err := NewTable(TableOptions{
		NodeID:         cfg.NodeID,
		Presence:       deps.Presence,
		Groups:         deps.Groups,
		Bus:            deps.Bus,
		Offline:        deps.Offline,
		PresenceTTL:    cfg.Presence.TTL,
		MaxConnections: cfg.Connection.MaxConnections,
		Metrics:        metrics,
		Log:            logger,
	})
	if err != nil {
		return nil, err
	}
	return &NodeServer{
		cfg:     cfg,
		log:     logger,
		deps:    deps,
		reg:     reg,
		metrics: metrics,
		table:   table,
		connOpts: ConnectionOptions{
			AuthTimeout:       cfg.Connection.AuthTimeout,
			IdleTimeout:       cfg.Connection.IdleTimeout,
			SuperviseInterval: cfg.Connection.SuperviseInterval,
			WriteTimeout:      cfg.Connection.WriteTimeout,
			SendQueueSize:     cfg.Connection.SendQueueSize,
			MaxFrameBytes:     cfg.Connection.MaxFrameBytes,
			RateLimit:         rate.Limit(cfg.RateLimit.MessagesPerSecond),
			RateBurst:         cfg.RateLimit.Burst,
		},
	}, nil
}

// Table exposes the connection table.
func (s *NodeServer) Table() *Table { return s.table }

// Addr is the bound client listener address; nil before Listen.
func (s *NodeServer) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Listen binds the client TCP listener.
func (s *NodeServer) Listen() error {
	lis, err := net.Listen("tcp", s.cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.ListenAddress, err)
	}
	s.listener = lis
	return nil
}

// Start listens and serves until ctx is cancelled.
func (s *NodeServer) Start(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Serve runs the accept loop on a listener bound by Listen and blocks until
// shutdown completes.
func (s *NodeServer) Serve(ctx context.Context) error {
	if s.listener == nil {
		return errors.New("server is not listening")
	}
	if err := s.startHealthServer(); err != nil {
		_ = s.listener.Close()
		return err
	}
	s.startAdminServer()
	go s.subscribeBus(ctx)

	go func() {
		<-ctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGracePeriod)
		defer cancel()
		s.Shutdown(stopCtx)
	}()

	s.log.Info("relay listening", zap.String("address", s.listener.Addr().String()), zap.String("node_id", s.table.NodeID()))
	s.ready.Store(true)
	err := s.acceptLoop(ctx)
	s.conns.Wait()
	return err
}

func (s *NodeServer) acceptLoop(ctx context.Context) error {
	for {
		nc, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.Warn("accept failed", zap.Error(err))
			time.Sleep(acceptRetryInterval)
			continue
		}
		s.handleConn(ctx, nc)
	}
}

func (s *NodeServer) handleConn(ctx context.Context, nc net.Conn) {
	c := newConnection(ctx, nc, s.table, s.deps.Auth, s.connOpts, s.metrics, s.log)
	if err := s.table.Register(c); err != nil {
		s.log.Warn("rejecting connection", zap.String("remote_addr", nc.RemoteAddr().String()), zap.Error(err))
		c.Close(reasonTableFull)
		return
	}
	s.conns.Add(1)
	go func() {
		defer s.conns.Done()
		c.Run()
	}()
}

// subscribeBus keeps this node's bus subscription alive until ctx ends.
func (s *NodeServer) subscribeBus(ctx context.Context) {
	for {
		err := s.deps.Bus.Subscribe(ctx, s.table.DeliverFromBus)
		if ctx.Err() != nil {
			return
		}
		s.log.Warn("bus subscription ended; retrying", zap.Error(err))
		select {
		case <-ctx.Done():
			return
		case <-time.After(busRetryInterval):
		}
	}
}

func (s *NodeServer) startHealthServer() error {
	s.health = health.NewServer()
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.health.SetServingStatus(HealthService, healthpb.HealthCheckResponse_SERVING)

	addr := s.cfg.Health.GRPCAddress
	if addr == "" {
		return nil
	}
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen health on %s: %w", addr, err)
	}

	var opts []grpc.ServerOption
	if s.cfg.Health.KeepaliveTime > 0 {
		opts = append(opts,
			grpc.KeepaliveParams(keepalive.ServerParameters{
				Time:    s.cfg.Health.KeepaliveTime,
				Timeout: s.cfg.Health.KeepaliveTimeout,
			}),
			grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
				MinTime:             s.cfg.Health.KeepaliveTime / 2,
				PermitWithoutStream: true,
			}),
		)
	}
	s.grpcServer = grpc.NewServer(opts...)
	healthpb.RegisterHealthServer(s.grpcServer, s.health)

	go func() {
		if err := s.grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			s.log.Warn("health server stopped", zap.Error(err))
		}
	}()
	s.log.Info("gRPC health listening", zap.String("address", lis.Addr().String()))
	return nil
}

func (s *NodeServer) startAdminServer() {
	if s.cfg.Admin.Address == "" {
		return
	}

	s.adminHTTP = &http.Server{
		Addr:              s.cfg.Admin.Address,
		Handler:           s.adminHandler(),
		ReadHeaderTimeout: s.cfg.Admin.ReadHeaderTimeout,
	}

	go func() {
		if err := s.adminHTTP.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("admin server stopped", zap.Error(err))
		}
	}()
	s.log.Info("admin server listening", zap.String("address", s.cfg.Admin.Address))
}

func (s *NodeServer) adminHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if s.ready.Load() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not_ready"))
	})
	return mux
}

// Shutdown stops accepting, closes every connection and stops the auxiliary
// servers, forcing the gRPC server down if ctx expires first.
func (s *NodeServer) Shutdown(ctx context.Context) {
	s.stopOnce.Do(func() {
		s.shutdown(ctx)
	})
}

func (s *NodeServer) shutdown(ctx context.Context) {
	s.ready.Store(false)
	if s.health != nil {
		s.health.Shutdown()
	}
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.table.CloseAll(reasonShutdown)

	if s.adminHTTP != nil {
		if err := s.adminHTTP.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("admin server shutdown", zap.Error(err))
		}
	}
	if s.grpcServer == nil {
		return
	}
	done := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("gRPC health server stopped")
	case <-ctx.Done():
		s.log.Warn("graceful shutdown timed out; forcing stop")
		s.grpcServer.Stop()
	}
}
