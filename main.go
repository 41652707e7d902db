package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/mark3labs/mcp-go/server"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"

	"github.com/hazyhaar/horoswatch/internal/api"
	"github.com/hazyhaar/horoswatch/internal/config"
	"github.com/hazyhaar/horoswatch/internal/db"
	"github.com/hazyhaar/horoswatch/internal/mcp"
	"github.com/hazyhaar/horoswatch/pkg/audit"
	"github.com/hazyhaar/horoswatch/pkg/chassis"
	"github.com/hazyhaar/horoswatch/pkg/geo"
	"github.com/hazyhaar/horoswatch/pkg/session"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		if err := cmdServe(os.Args[2:]); err != nil {
			slog.Error("serve", "error", err)
			os.Exit(1)
		}
	case "version":
		fmt.Printf("horoswatch %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`horoswatch: MCP session registry and audit trail

Usage:
  horoswatch serve [--config config.toml] [--addr :8080] [--debug]
  horoswatch version
  horoswatch help

Commands:
  serve     Start the HTTP + MCP server
  version   Print version
  help      Show this help`)
}

func cmdServe(args []string) error {
	fs := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	configPath := fs.StringP("config", "c", "", "path to config.toml")
	addr := fs.String("addr", "", "listen address (overrides config)")
	debug := fs.Bool("debug", false, "debug logging")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	logger = logger.With("instance", cfg.Instance.ID)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Redis backs the audit sink and/or the geo cache.
	var rdb *redis.Client
	if cfg.Audit.Sink == "redis" || cfg.Geo.Enabled {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			if cfg.Audit.Sink == "redis" {
				return fmt.Errorf("connecting to redis: %w", err)
			}
			logger.Warn("redis unavailable, geo cache disabled", "addr", cfg.Redis.Addr, "error", err)
			rdb = nil
		}
	}

	var (
		sink   audit.Sink
		recent mcp.RecentLister
	)
	switch cfg.Audit.Sink {
	case "sqlite":
		database, err := db.Open(cfg.Database.Path, audit.Schema)
		if err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
		defer database.Close()
		s := audit.NewSQLiteSink(database.DB)
		sink, recent = s, s
		logger.Info("audit sink", "kind", "sqlite", "path", cfg.Database.Path)
	case "redis":
		sink = audit.NewRedisSink(rdb, cfg.Audit.RedisKey, cfg.Audit.RedisMaxLen)
		logger.Info("audit sink", "kind", "redis", "key", cfg.Audit.RedisKey)
	}

	proxies, err := audit.ParseProxies(cfg.Server.TrustedProxies)
	if err != nil {
		return fmt.Errorf("server.trusted_proxies: %w", err)
	}

	var bufOpts []audit.Option
	bufOpts = append(bufOpts, audit.WithLogger(logger))
	if cfg.Geo.Enabled {
		var resolver geo.Resolver = geo.NewHTTPResolver(cfg.Geo.Endpoint, cfg.Geo.Timeout())
		if rdb != nil {
			resolver = geo.NewCachedResolver(resolver, rdb, cfg.Geo.CacheTTL())
		}
		bufOpts = append(bufOpts, audit.WithGeo(resolver))
	}

	buffer := audit.NewBuffer(sink, audit.Config{
		MaxBatchSize:  cfg.Audit.MaxBatchSize,
		FlushInterval: cfg.Audit.FlushInterval(),
		FlushTimeout:  cfg.Audit.FlushTimeout(),
		GeoTimeout:    cfg.Geo.Timeout(),
		MaxPending:    cfg.Audit.MaxPending,
	}, bufOpts...)

	registry := session.NewRegistry(
		session.WithCloseTimeout(cfg.Session.CloseTimeout()),
		session.WithLogger(logger),
	)

	mcpSrv := mcp.NewServer(mcp.Options{
		Version:  version,
		Registry: registry,
		Audit:    buffer,
		Recent:   recent,
	})
	streamable := server.NewStreamableHTTPServer(mcpSrv,
		server.WithEndpointPath("/mcp"),
		server.WithHTTPContextFunc(func(ctx context.Context, r *http.Request) context.Context {
			return audit.WithRequestInfo(ctx, proxies.FromHTTPRequest(r))
		}),
	)

	mux := http.NewServeMux()
	api.New(registry, buffer, version).RegisterRoutes(mux)
	mux.Handle("/mcp", streamable)

	srv, err := chassis.New(chassis.Config{
		Addr:            cfg.Server.Addr,
		CertFile:        cfg.Server.CertFile,
		KeyFile:         cfg.Server.KeyFile,
		Handler:         proxies.Middleware(api.SecurityHeaders(mux)),
		Logger:          logger,
		Sessions:        registry,
		SessionTTL:      cfg.Session.TTL(),
		CleanupInterval: cfg.Session.CleanupInterval(),
	})
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(ctx) }()
	logger.Info("horoswatch started", "version", version, "addr", cfg.Server.Addr)

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.Error("server error", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeoutDuration())
	defer cancel()

	if err := srv.Stop(shutdownCtx); err != nil {
		logger.Warn("chassis stop", "error", err)
	}
	report := registry.CloseAll(shutdownCtx)
	if report.Failed > 0 {
		logger.Warn("some sessions failed to close", "failed", report.Failed)
	}
	if err := buffer.Close(shutdownCtx); err != nil {
		return err
	}
	logger.Info("horoswatch stopped", "audit", buffer.Stats())
	return nil
}
