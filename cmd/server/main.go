// server runs the identity daemon: it resolves the signed-in identity to its marketplace profile,
// keeps it current from the profile change feed and serves the state over local gRPC.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/health"

	"freight-marketplace/identity/internal/config"
	"freight-marketplace/identity/internal/db"
	healthreporter "freight-marketplace/identity/internal/health"
	profilerepo "freight-marketplace/identity/internal/profile/repository"
	"freight-marketplace/identity/internal/realtime"
	"freight-marketplace/identity/internal/resolver"
	"freight-marketplace/identity/internal/security"
	"freight-marketplace/identity/internal/selection"
	"freight-marketplace/identity/internal/server"
	"freight-marketplace/identity/internal/session"
	"freight-marketplace/identity/internal/telemetry"
	otelsetup "freight-marketplace/identity/internal/telemetry/otel"
	"freight-marketplace/identity/internal/telemetry/producer"
)

const serviceName = "identity"

func main() {
	if err := run(); err != nil {
		slog.Error("server: exiting", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.DatabaseURL == "" {
		return errors.New("DATABASE_URL is not set; create a .env from .env.example or set DATABASE_URL")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	providers, err := otelsetup.NewProviders(ctx, otelsetup.Config{
		Endpoint:    cfg.OTLPEndpoint,
		ServiceName: serviceName,
		Environment: cfg.Env,
		Insecure:    cfg.OTLPInsecure,
	})
	if err != nil {
		return err
	}
	providers.SetGlobal()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = providers.Shutdown(shutdownCtx)
	}()

	logger := telemetry.NewLogger(os.Stdout, cfg.LogLevel, serviceName, providers.LoggerProvider)
	slog.SetDefault(logger)

	pubKey, err := security.ParsePublicKey(cfg.SessionPublicKey)
	if err != nil {
		return err
	}
	verifier := security.NewTokenVerifier(pubKey, cfg.SessionIssuer, cfg.SessionAudience)

	openCtx, cancelOpen := context.WithTimeout(ctx, 10*time.Second)
	conn, err := db.Open(openCtx, cfg.DatabaseURL)
	cancelOpen()
	if err != nil {
		return err
	}
	defer conn.Close()

	sel, err := selection.OpenFileStore(cfg.SelectionFile)
	if err != nil {
		return err
	}

	var events []telemetry.EventEmitter
	if providers.Exporting {
		events = append(events, otelsetup.NewEventEmitter(providers.LoggerProvider))
	}
	if kp := producer.NewKafkaProducer(cfg.KafkaBrokersList(), cfg.TelemetryKafkaTopic); kp != nil {
		defer kp.Close()
		events = append(events, kp)
	}
	emitter := telemetry.Multi(events...)

	sessions := session.NewManager(verifier, session.NewAuthClient(cfg.AuthBaseURL, cfg.AuthAPIKey), logger)
	window := realtime.NewWindow(cfg.SuppressWindowDuration())
	res := resolver.New(profilerepo.NewPostgresRepository(conn), sessions, sel, resolver.Options{
		Policy:       resolver.Policy{Throttle: cfg.Throttle(), Cooldown: cfg.Cooldown()},
		FetchTimeout: cfg.FetchTimeoutDuration(),
		LockTimeout:  cfg.LockTimeoutDuration(),
		JoinTimeout:  cfg.JoinTimeoutDuration(),
		ListLimit:    cfg.ProfileListLimit,
		Logger:       logger,
		Events:       emitter,
		Writes:       window,
	})

	var watcher session.ChangeWatcher
	switch cfg.RealtimeSource {
	case "postgres":
		feed := realtime.NewPostgresFeed(cfg.DatabaseURL, cfg.RealtimeChannel, logger)
		watcher = newReconciler(feed, res, window, cfg, logger, emitter)
	case "kafka":
		feed := realtime.NewKafkaFeed(cfg.KafkaBrokersList(), cfg.ProfileChangesTopic, cfg.RealtimeKafkaGroupID, logger)
		watcher = newReconciler(feed, res, window, cfg, logger, emitter)
	default:
		logger.Info("server: realtime reconciliation disabled")
	}
	listener := session.NewListener(sessions, res, watcher, logger)

	hs := health.NewServer()
	reporter := healthreporter.NewReporter(hs, conn, logger)
	unsubscribe := res.Subscribe(reporter.Observe)
	defer unsubscribe()

	srv := server.NewServer(server.Options{Logger: logger, Tokens: verifier, Current: sessions.Current})
	server.RegisterServices(srv, server.Deps{Resolver: res, Sessions: sessions, Health: hs})

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server: gRPC listening", "addr", cfg.GRPCAddr)
		return srv.Serve(lis)
	})
	g.Go(func() error { return listener.Run(gctx) })
	g.Go(func() error { return reporter.Run(gctx, 15*time.Second) })
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("server: shutting down gRPC server")
		srv.GracefulStop()
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("server: stopped")
	return nil
}

func newReconciler(feed realtime.Feed, res *resolver.Resolver, window *realtime.Window, cfg *config.Config, logger *slog.Logger, events telemetry.EventEmitter) *realtime.Reconciler {
	return realtime.NewReconciler(feed, res, window, realtime.Options{
		Debounce:         cfg.Debounce(),
		Throttle:         cfg.Throttle(),
		AdvisoryInterval: cfg.AdvisoryInterval(),
		Logger:           logger,
		Events:           events,
	})
}
