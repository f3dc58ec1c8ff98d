package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/park285/chess-server/internal/audit"
	appcfg "github.com/park285/chess-server/internal/config"
	"github.com/park285/chess-server/internal/games"
	"github.com/park285/chess-server/internal/health"
	"github.com/park285/chess-server/internal/httpapi"
	"github.com/park285/chess-server/internal/moves"
	"github.com/park285/chess-server/internal/msgcat"
	"github.com/park285/chess-server/internal/obslog"
	"github.com/park285/chess-server/internal/rules"
	"github.com/park285/chess-server/internal/store"
	"github.com/park285/chess-server/internal/store/sqlstore"
	"github.com/park285/chess-server/internal/tracing"
)

func main() {
	if err := obslog.InitFromEnv(); err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	defer func() { _ = obslog.L().Sync() }()

	cfg, err := appcfg.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		obslog.L().Error("server_exit", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *appcfg.AppConfig) error {
	shutdownTracing, err := tracing.Setup(ctx, "chess-server", cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(sctx)
	}()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	mon := health.NewMonitor(st, health.Options{
		Interval:         cfg.HealthInterval(),
		FailureThreshold: cfg.HealthFailureThreshold,
	})
	startCtx, cancelStart := context.WithTimeout(ctx, cfg.StartupTimeout())
	err = mon.WaitReady(startCtx)
	cancelStart()
	if err != nil {
		return fmt.Errorf("store not ready after %s: %w", cfg.StartupTimeout(), err)
	}

	engine := rules.Standard{}
	g, gctx := errgroup.WithContext(ctx)

	var coordOpts []moves.Option
	auditor := audit.NewAuditor(st, engine)
	switch cfg.AuditMode {
	case appcfg.AuditLocal:
		ls := audit.NewLocalScheduler(auditor, cfg.AuditWorkers, cfg.AuditQueueSize)
		ls.Start(gctx)
		defer ls.Close()
		coordOpts = append(coordOpts, moves.WithAuditScheduler(ls))
	case appcfg.AuditRedis:
		rdb, err := audit.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer func() { _ = rdb.Close() }()
		q := audit.NewRedisQueue(rdb, cfg.AuditQueueKey, auditor)
		defer q.Flush()
		g.Go(func() error { return q.Run(gctx) })
		coordOpts = append(coordOpts, moves.WithAuditScheduler(q))
	}

	messages, err := msgcat.New(cfg.MessagesDir)
	if err != nil {
		return fmt.Errorf("messages: %w", err)
	}

	api := httpapi.NewServer(
		games.NewService(st),
		moves.NewCoordinator(st, engine, coordOpts...),
		mon,
		httpapi.NewAuthenticator(cfg.JWTSecret),
		httpapi.WithMessages(messages),
	)
	srv := api.NewHTTPServer()

	mon.Start(gctx)
	g.Go(func() error {
		obslog.L().Info("http_listen", zap.String("addr", cfg.HTTPAddr), zap.String("store", cfg.StoreDriver), zap.String("audit", cfg.AuditMode))
		if err := srv.ListenAndServe(cfg.HTTPAddr); err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := srv.ShutdownWithContext(sctx)
		mon.Stop()
		return err
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	obslog.L().Info("server_stopped")
	return nil
}

func openStore(ctx context.Context, cfg *appcfg.AppConfig) (store.Store, error) {
	opts := sqlstore.Options{MaxOpenConns: cfg.DBMaxOpenConns}
	switch cfg.StoreDriver {
	case appcfg.DriverPostgres:
		return sqlstore.OpenPostgres(ctx, cfg.DatabaseURL, opts)
	case appcfg.DriverSQLite:
		return sqlstore.OpenSQLite(ctx, cfg.SQLitePath, opts)
	default:
		obslog.L().Warn("store_memory", zap.String("note", "games are lost on restart"))
		return store.NewMemory(), nil
	}
}
