package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"github.com/PaulBabatuyi/huddle/internal/auth"
	"github.com/PaulBabatuyi/huddle/internal/config"
	"github.com/PaulBabatuyi/huddle/internal/data"
	"github.com/PaulBabatuyi/huddle/internal/db"
	"github.com/PaulBabatuyi/huddle/internal/events"
	"github.com/PaulBabatuyi/huddle/internal/memstore"
	"github.com/PaulBabatuyi/huddle/internal/middleware"
	"github.com/PaulBabatuyi/huddle/internal/observability"
)

const appName = "huddle"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := observability.InitTracer(ctx, cfg.Tracing.OTLPEndpoint, appName)
	if err != nil {
		log.Fatalf("failed to init tracing: %v", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracer(sctx)
	}()

	publisher := events.NewPublisher(cfg.Events.AMQPURL, cfg.Events.Exchange)
	log.Printf("events mode=%s", events.Mode(publisher))
	defer func() { _ = publisher.Close() }()
	emitter := events.NewEmitter(publisher, appName, observability.IncEventPublishError)

	st, closeStores, err := openStores(ctx, cfg.Database)
	if err != nil {
		log.Fatalf("failed to open stores: %v", err)
	}
	defer closeStores()

	// Several JWT keys may be configured so tokens can be rotated; new
	// tokens are always signed with the active one.
	jwtMgr := auth.NewJWTManagerFromKeys(cfg.JWT.Keys, cfg.JWT.ActiveKid, cfg.JWT.ExpiresIn)

	// Create limiter store (small burst to allow a couple of quick retries)
	limiterStore := middleware.NewLimiterStore(cfg.Server.RateLimitRPM, 3, 1*time.Minute)
	defer limiterStore.Stop()
	limited := map[string]bool{
		fullMethod("SignUp"): true,
		fullMethod("SignIn"): true,
	}

	serverOpts := []grpc.ServerOption{grpc.StatsHandler(otelgrpc.NewServerHandler())}

	// If TLS certs are configured, create server credentials and require TLS
	if cfg.Server.TLSCert != "" && cfg.Server.TLSKey != "" {
		creds, err := credentials.NewServerTLSFromFile(cfg.Server.TLSCert, cfg.Server.TLSKey)
		if err != nil {
			log.Fatalf("failed to load TLS certs: %v", err)
		}
		serverOpts = append(serverOpts, grpc.Creds(creds))
	}

	// metrics -> rate limiter -> auth
	serverOpts = append(serverOpts,
		grpc.ChainUnaryInterceptor(
			observability.GRPCServerMetricsUnaryInterceptor(),
			middleware.RateLimitUnaryInterceptor(limiterStore, limited),
			authUnaryInterceptor(jwtMgr),
		),
		grpc.ChainStreamInterceptor(
			observability.GRPCServerMetricsStreamInterceptor(),
			authStreamInterceptor(jwtMgr),
		),
	)

	grpcServer := grpc.NewServer(serverOpts...)
	registerService(grpcServer, newServer(st, jwtMgr, emitter))

	listenAddr := fmt.Sprintf(":%s", cfg.Server.Port)
	lis, err := net.Listen("tcp", listenAddr)
	if err != nil {
		log.Fatalf("failed to listen: %v", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:              cfg.Server.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("gRPC server listening on %s", listenAddr)
		return grpcServer.Serve(lis)
	})
	g.Go(func() error {
		log.Printf("metrics listening on %s", cfg.Server.MetricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	// Graceful shutdown on SIGINT/SIGTERM or when either server fails
	g.Go(func() error {
		<-gctx.Done()
		log.Printf("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(sctx)

		// watch streams never finish on their own; cut them off after the
		// grace period
		stopped := make(chan struct{})
		go func() {
			grpcServer.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-sctx.Done():
			grpcServer.Stop()
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		log.Printf("server exit: %v", err)
	}
}

// openStores builds the configured persistence. The returned func releases
// it.
func openStores(ctx context.Context, cfg config.DatabaseConfig) (stores, func(), error) {
	if cfg.Store == config.StoreMemory {
		log.Printf("using in-memory store; data is lost on exit")
		return memoryStores(memstore.New()), func() {}, nil
	}

	client, err := db.New(ctx, cfg.URI, cfg.Name)
	if err != nil {
		return stores{}, nil, err
	}
	closeFn := func() { _ = client.Close(context.Background()) }

	// Ensure indexes exist
	if err := client.CreateIndexes(ctx); err != nil {
		closeFn()
		return stores{}, nil, fmt.Errorf("failed to create indexes: %w", err)
	}

	rooms, messages := client.RoomsCollection(), client.MessagesCollection()
	return stores{
		accounts: data.NewAccountsStore(client.AccountsCollection()),
		profiles: data.NewProfilesStore(client.ProfilesCollection(), client),
		rooms:    data.NewRoomsStore(rooms, messages, client),
		messages: data.NewMessagesStore(messages, rooms, client),
	}, closeFn, nil
}
