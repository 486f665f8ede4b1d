// Package gateway owns the listeners: the WebDAV handler and /metrics on the
// HTTP address, the standard gRPC health service on the gRPC address.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// health service name reported for the store
const ServiceName = "davlock"

type Config struct {
	HTTPAddr string
	GRPCAddr string
	Handler  http.Handler
	// reports whether the store can serve requests, polled for the health service
	Ready         func(ctx context.Context) error
	ReadyInterval time.Duration
	Logger        hclog.Logger
}

type Server struct {
	httpServer *http.Server
	grpcServer *grpc.Server
	health     *health.Server
	cfg        Config
	logger     hclog.Logger
}

func NewServer(cfg Config) *Server {
	if cfg.ReadyInterval <= 0 {
		cfg.ReadyInterval = 2 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", cfg.Handler)

	hs := health.NewServer()
	gs := grpc.NewServer()
	healthpb.RegisterHealthServer(gs, hs)

	return &Server{
		httpServer: &http.Server{
			Addr: cfg.HTTPAddr,
			//cleartext HTTP/2 for clients that skip TLS
			Handler:           h2c.NewHandler(mux, &http2.Server{}),
			ReadHeaderTimeout: 10 * time.Second,
		},
		grpcServer: gs,
		health:     hs,
		cfg:        cfg,
		logger:     cfg.Logger.Named("gateway"),
	}
}

// serves until ctx is done or a listener fails
func (s *Server) Run(ctx context.Context) error {
	httpLis, err := net.Listen("tcp", s.cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.HTTPAddr, err)
	}
	var grpcLis net.Listener
	if s.cfg.GRPCAddr != "" {
		grpcLis, err = net.Listen("tcp", s.cfg.GRPCAddr)
		if err != nil {
			httpLis.Close()
			return fmt.Errorf("failed to listen on %s: %w", s.cfg.GRPCAddr, err)
		}
	}
	return s.Serve(ctx, httpLis, grpcLis)
}

// like Run on listeners the caller opened, grpcLis may be nil
func (s *Server) Serve(ctx context.Context, httpLis, grpcLis net.Listener) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("http listening", "addr", httpLis.Addr().String())
		if err := s.httpServer.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})

	if grpcLis != nil {
		g.Go(func() error {
			s.logger.Info("grpc health listening", "addr", grpcLis.Addr().String())
			if err := s.grpcServer.Serve(grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("grpc server failed: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		s.watchReady(ctx)
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		return s.Stop(context.Background())
	})

	return g.Wait()
}

func (s *Server) Stop(ctx context.Context) error {
	s.health.Shutdown()
	s.grpcServer.GracefulStop()

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) watchReady(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.ReadyInterval)
	defer ticker.Stop()

	last := healthpb.HealthCheckResponse_UNKNOWN
	for {
		status := healthpb.HealthCheckResponse_SERVING
		if s.cfg.Ready != nil {
			if err := s.cfg.Ready(ctx); err != nil {
				status = healthpb.HealthCheckResponse_NOT_SERVING
				if last != status {
					s.logger.Warn("store not ready", "error", err)
				}
			}
		}
		if status != last {
			s.health.SetServingStatus("", status)
			s.health.SetServingStatus(ServiceName, status)
			last = status
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
