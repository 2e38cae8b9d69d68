// Command openchrome is a browser automation server fronting one Chrome
// process. Agents talk to it over MCP (stdio by default, QUIC optionally);
// a small HTTP surface serves health, stats and session administration.
//
// Usage:
//
//	openchrome                          # attach to :9222 or spawn Chrome
//	openchrome -config openchrome.yaml  # run with config file
//	openchrome -headless                # spawn headless
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/openchrome/audit"
	"github.com/hazyhaar/openchrome/cdp"
	"github.com/hazyhaar/openchrome/config"
	"github.com/hazyhaar/openchrome/dbopen"
	"github.com/hazyhaar/openchrome/launcher"
	"github.com/hazyhaar/openchrome/mcpquic"
	"github.com/hazyhaar/openchrome/profile"
	"github.com/hazyhaar/openchrome/queue"
	"github.com/hazyhaar/openchrome/refs"
	"github.com/hazyhaar/openchrome/server"
	"github.com/hazyhaar/openchrome/session"
	"github.com/hazyhaar/openchrome/statefile"
	"github.com/hazyhaar/openchrome/storagestate"
	"github.com/hazyhaar/openchrome/tabpool"
)

const version = "1.0.0"

func main() {
	configPath := flag.String("config", "", "path to openchrome.yaml config file")
	headless := flag.Bool("headless", false, "spawn Chrome headless")
	port := flag.Int("port", 0, "Chrome remote debugging port")
	logLevel := flag.String("log-level", "", "log level: debug, info, warn, error")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *headless {
		cfg.Browser.Headless = true
	}
	if *port > 0 {
		cfg.Browser.Port = *port
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, cfg); err != nil {
		logger.Error("openchrome: fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, cfg *config.Config) error {
	// Profile resolution, then one Chrome to front everything.
	profiles := profile.NewManager(profile.Options{
		ExplicitDir: cfg.Browser.ProfileDir,
		ForceTemp:   cfg.Browser.TempProfile,
		Logger:      logger,
	})
	prof, err := profiles.Resolve(ctx)
	if err != nil {
		return fmt.Errorf("resolve profile: %w", err)
	}

	l := launcher.New(launcher.Options{
		Port:          cfg.Browser.Port,
		Headless:      cfg.Browser.Headless,
		NoAutoLaunch:  cfg.Browser.NoAutoLaunch,
		RendererLimit: cfg.Browser.RendererLimit,
		ExtraFlags:    cfg.Browser.ExtraFlags,
		Logger:        logger,
	})
	inst, err := l.Ensure(ctx, prof)
	if err != nil {
		return fmt.Errorf("ensure browser: %w", err)
	}
	defer l.Shutdown()

	client := cdp.NewClient(cdp.Options{Stealth: cfg.Browser.Stealth, Logger: logger})
	if err := client.Connect(ctx, inst.WSEndpoint); err != nil {
		return fmt.Errorf("attach: %w", err)
	}
	defer client.Close()
	logger.Info("browser attached", "ws", inst.WSEndpoint, "spawned", inst.Spawned)

	// Core collaborators.
	pool := tabpool.New(tabpool.ClientOps{Client: client}, tabpool.Options{
		MinIdle: cfg.Pool.MinIdle,
		MaxTabs: cfg.Pool.MaxTabs,
		IdleTTL: cfg.Pool.IdleTTL,
		Logger:  logger,
	})
	pool.Start(ctx)
	defer pool.Shutdown()

	queues := queue.NewManager(queue.Options{
		TaskTimeout: cfg.Session.TaskTimeout,
		Logger:      logger,
	})
	registry := refs.New()
	sessions := session.NewManager(pool, queues, registry, session.Options{
		IdleTTL: cfg.Session.IdleTTL,
		Logger:  logger,
	})
	sessions.Start(ctx)

	files := statefile.New(statefile.Options{
		BackupsDir: filepath.Join(cfg.Storage.Dir, "backups"),
		Logger:     logger,
	})
	storage := storagestate.New(files, logger)

	auditDB, err := dbopen.Open(filepath.Join(cfg.Storage.Dir, "audit.db"), dbopen.WithMkdirAll())
	if err != nil {
		return fmt.Errorf("open audit db: %w", err)
	}
	defer auditDB.Close()
	auditor := audit.NewSQLiteLogger(auditDB, audit.WithLogger(logger))
	if err := auditor.Init(); err != nil {
		return err
	}
	defer auditor.Close()

	srv := server.New(server.Options{
		Sessions: sessions,
		Pool:     pool,
		Queues:   queues,
		Refs:     registry,
		Storage:  storage,
		Client:   client,
		Instance: inst,
		Auditor:  auditor,
		Logger:   logger,
	})

	mcpSrv := mcp.NewServer(&mcp.Implementation{
		Name:    "openchrome",
		Version: version,
	}, nil)
	srv.RegisterMCP(mcpSrv)

	switch env("MCP_TRANSPORT", "stdio") {
	case "quic":
		quicAddr := env("MCP_QUIC_ADDR", ":9444")
		certFile := env("TLS_CERT", "")
		keyFile := env("TLS_KEY", "")

		var tlsCfg *tls.Config
		if certFile != "" && keyFile != "" {
			tlsCfg, err = mcpquic.ServerTLSConfig(certFile, keyFile)
		} else {
			tlsCfg, err = mcpquic.SelfSignedTLSConfig()
		}
		if err != nil {
			return fmt.Errorf("mcp quic tls: %w", err)
		}
		ql, err := mcpquic.NewListener(quicAddr, tlsCfg, mcpSrv, logger)
		if err != nil {
			return fmt.Errorf("mcp quic listener: %w", err)
		}
		defer ql.Close()
		go func() {
			logger.Info("mcp quic starting", "addr", quicAddr)
			if sErr := ql.Serve(ctx); sErr != nil && ctx.Err() == nil {
				logger.Error("mcp quic", "error", sErr)
			}
		}()
	default:
		go func() {
			if sErr := mcpSrv.Run(ctx, &mcp.StdioTransport{}); sErr != nil && ctx.Err() == nil {
				logger.Error("mcp stdio", "error", sErr)
			}
		}()
	}

	// HTTP surface.
	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		logger.Info("server starting", "addr", cfg.ListenAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
	sessions.Shutdown(shutdownCtx)
	logger.Info("server stopped")
	return nil
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
