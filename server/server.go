package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// Server serves the file service over HTTP and the gRPC health surface
type Server struct {
	config  *Config
	files   *FileService
	metrics *Metrics
	auth    *Authenticator
	log     *logrus.Entry

	tracerProvider *sdktrace.TracerProvider
	grpcSrv        *grpc.Server
	health         *health.Server
	httpSrv        *http.Server
}

// NewServer connects the stores named by config and assembles the server.
// On failure everything built so far is shut down again.
func NewServer(ctx context.Context, config *Config, logger *logrus.Logger) (srv *Server, err error) {
	log := logrus.NewEntry(logger)

	tp, err := NewTracerProvider(ctx, config.Tracing.Endpoint)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			if shutdownErr := tp.Shutdown(context.WithoutCancel(ctx)); shutdownErr != nil {
				log.WithError(shutdownErr).Warn("failed to shut down tracer provider")
			}
		}
	}()

	blobs, err := NewS3BlobStore(config.Blob)
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 blob store: %w", err)
	}

	catalog, err := NewDocumentDBStore(ctx, config.Catalog, config.Blob.Region)
	if err != nil {
		return nil, fmt.Errorf("failed to create catalog: %w", err)
	}
	defer func() {
		if err != nil {
			if closeErr := catalog.Close(context.WithoutCancel(ctx)); closeErr != nil {
				log.WithError(closeErr).Warn("failed to disconnect catalog")
			}
		}
	}()

	// Create Redis cache or use NoOpCache if Redis is not available
	var cache Cache = &NoOpCache{}
	if config.Cache.Address != "" {
		cacheCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()

		redisCache, err := NewRedisCache(cacheCtx, config.Cache.Address, config.Cache.TTL.Duration)
		if err != nil {
			log.WithError(err).Warn("failed to create Redis cache, continuing with NoOpCache")
		} else {
			cache = redisCache
			log.WithField("address", config.Cache.Address).Info("connected to Redis cache")
		}
	} else {
		log.Info("no Redis address configured, using NoOpCache")
	}

	metrics := NewMetrics()
	files := NewFileService(blobs, catalog, FileServiceConfig{
		MaxUploadSize:        config.Upload.MaxSize,
		AllowedTypes:         config.Upload.AllowedTypes,
		SignedURLTTL:         config.Blob.SignedURLTTL.Duration,
		OperationTimeout:     config.Server.OperationTimeout.Duration,
		ReconcileParallelism: config.Reconcile.Parallelism,
		ReconcileGrace:       reconcileGrace(config),
		Cache:                cache,
		Logger:               log,
		Metrics:              metrics,
		Tracer:               tp.Tracer(tracerName),
	})

	return newServer(config, files, metrics, log, tp), nil
}

func reconcileGrace(config *Config) time.Duration {
	if config.Reconcile.Grace == nil {
		return DefaultReconcileGrace
	}
	return config.Reconcile.Grace.Duration
}

func newServer(config *Config, files *FileService, metrics *Metrics, log *logrus.Entry, tp *sdktrace.TracerProvider) *Server {
	s := &Server{
		config:         config,
		files:          files,
		metrics:        metrics,
		auth:           NewAuthenticator(config.Auth.JWTSecret, log.WithField("component", "auth")),
		log:            log.WithField("component", "http"),
		tracerProvider: tp,
		health:         health.NewServer(),
	}

	var otelOpts []otelgrpc.Option
	if tp != nil {
		otelOpts = append(otelOpts, otelgrpc.WithTracerProvider(tp))
	}
	s.grpcSrv = grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler(otelOpts...)))
	healthpb.RegisterHealthServer(s.grpcSrv, s.health)
	reflection.Register(s.grpcSrv)

	s.httpSrv = &http.Server{
		Addr:              fmt.Sprintf(":%d", config.Server.HTTPPort),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// Start serves gRPC in the background and HTTP until Stop is called
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.config.Server.GRPCPort)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	go func() {
		s.log.WithField("addr", addr).Info("gRPC server listening")
		if err := s.grpcSrv.Serve(lis); err != nil {
			s.log.WithError(err).Error("gRPC server stopped")
		}
	}()
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	s.log.WithField("addr", s.httpSrv.Addr).Info("HTTP server listening")
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to serve HTTP: %w", err)
	}
	return nil
}

// Stop drains both listeners and closes the store connections
func (s *Server) Stop(ctx context.Context) error {
	s.health.Shutdown()

	httpErr := s.httpSrv.Shutdown(ctx)
	s.grpcSrv.GracefulStop()

	err := errors.Join(httpErr, s.files.Close(ctx))
	if s.tracerProvider != nil {
		err = errors.Join(err, s.tracerProvider.Shutdown(ctx))
	}
	return err
}
