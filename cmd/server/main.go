// Command mobichat-server runs the chat backend: the HTTP API with the live
// websocket endpoint, and the gRPC ops server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/and161185/mobichat/internal/config"
	"github.com/and161185/mobichat/internal/gateway"
	"github.com/and161185/mobichat/internal/limiter"
	"github.com/and161185/mobichat/internal/metrics"
	"github.com/and161185/mobichat/internal/migrate"
	"github.com/and161185/mobichat/internal/presence"
	"github.com/and161185/mobichat/internal/repository"
	"github.com/and161185/mobichat/internal/repository/memory"
	"github.com/and161185/mobichat/internal/repository/postgres"
	"github.com/and161185/mobichat/internal/repository/redis"
	grpcserver "github.com/and161185/mobichat/internal/server/grpc"
	httpserver "github.com/and161185/mobichat/internal/server/http"
	"github.com/and161185/mobichat/internal/server/ws"
	"github.com/and161185/mobichat/internal/service"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

const probeInterval = 10 * time.Second

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(2)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()
	logger.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
		zap.String("addr", cfg.HTTPAddr),
		zap.String("ops", cfg.OpsAddr),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server error", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func newLogger(level string) (*zap.Logger, error) {
	if level == "debug" {
		return zap.NewDevelopment()
	}
	zc := zap.NewProductionConfig()
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}
	zc.Level = lvl
	return zc.Build()
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	var (
		users    repository.UserRepository
		msgs     repository.MessageRepository
		lastSeen repository.LastSeenRepository
		lim      limiter.Limiter
		checks   []grpcserver.Check
	)

	if cfg.DSN != "" {
		if err := migrate.Up(ctx, cfg.DSN, logger); err != nil {
			return fmt.Errorf("migrate up: %w", err)
		}
		db, err := postgres.New(ctx, cfg.DSN, postgres.PoolConfig{MaxConns: int32(cfg.DBMaxConns)})
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		defer db.Close()
		users = postgres.NewUserRepo(db)
		msgs = postgres.NewMessageRepo(db)
		lim = limiter.NewPG(db.Pool, cfg.Limiter.Window, cfg.Limiter.MaxFails, cfg.Limiter.BlockFor)
		checks = append(checks, grpcserver.Check{Name: "postgres", Ping: db.Ping})
	} else {
		logger.Warn("no database configured, using in-memory storage")
		users = memory.NewUserRepo()
		msgs = memory.NewMessageRepo()
		lim = memory.NewLimiter(cfg.Limiter.Window, cfg.Limiter.MaxFails, cfg.Limiter.BlockFor)
	}

	if cfg.Redis.Addr != "" {
		rdb, err := redis.Open(ctx, redis.Config{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		defer func() { _ = rdb.Close() }()
		lastSeen = redis.NewLastSeenRepo(rdb)
		checks = append(checks, grpcserver.Check{Name: "redis", Ping: func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}})
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	met := metrics.New(promReg)

	// Presence and fan-out.
	hub := gateway.NewHub(logger, met)
	reg := presence.NewRegistry()
	rooms := presence.NewRooms(reg, hub)
	verifier := service.NewTokenVerifier([]byte(cfg.JWTKey))

	coord := service.NewSessionCoordinator(service.SessionDeps{
		Verifier: verifier,
		Messages: msgs,
		LastSeen: lastSeen,
		Registry: reg,
		Rooms:    rooms,
		Gateway:  hub,
		Log:      logger,
		Metrics:  met,
	})
	chats := service.NewChatService(users, msgs, lastSeen, reg, logger)
	auth := service.NewAuthService(users, lim, service.LogCodeSender{Log: logger}, service.AuthConfig{
		SignKey:    []byte(cfg.JWTKey),
		AccessTTL:  cfg.AccessTTL,
		CodeTTL:    cfg.CodeTTL,
		CodeDigits: cfg.CodeDigits,
	})

	wsSrv := ws.NewServer(coord, ws.Config{
		AuthTimeout:     cfg.WS.AuthTimeout,
		Rate:            cfg.WS.Rate,
		Burst:           cfg.WS.Burst,
		MaxMessageBytes: cfg.WS.MaxMessageBytes,
		AllowedOrigins:  cfg.CORSOrigins,
	}, logger)

	router := httpserver.NewRouter(httpserver.Options{
		Log:         logger,
		Metrics:     met,
		Gatherer:    promReg,
		Verifier:    verifier,
		Handlers:    httpserver.NewHandlers(auth, chats, coord),
		WS:          wsSrv,
		CORSOrigins: cfg.CORSOrigins,
	})
	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ops := grpcserver.New(logger, probeInterval, checks...)
	var opsLis net.Listener
	if cfg.OpsAddr != "" {
		l, err := net.Listen("tcp", cfg.OpsAddr)
		if err != nil {
			return fmt.Errorf("ops listen: %w", err)
		}
		opsLis = l
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http: %w", err)
		}
	}()
	if opsLis != nil {
		go func() {
			logger.Info("ops listening", zap.String("addr", cfg.OpsAddr))
			if err := ops.Serve(opsLis); err != nil {
				errCh <- err
			}
		}()
	}
	probeCtx, stopProbes := context.WithCancel(ctx)
	defer stopProbes()
	go ops.Run(probeCtx)

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	logger.Info("shutting down")
	ops.Drain()
	sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	// Hijacked websocket connections are not tracked by Shutdown; they end
	// when their sockets close with the process.
	if err := httpSrv.Shutdown(sctx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	ops.Shutdown(sctx)
	coord.Shutdown()
	hub.Reset()
	return runErr
}
