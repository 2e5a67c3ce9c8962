// Command worker bridges a local coding-agent subprocess to mobile
// clients over HTTP, SSE, and WebSocket.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"

	"github.com/mjmkk/opencodex-sub000/internal/logging"
	"github.com/mjmkk/opencodex-sub000/internal/worker/config"
	"github.com/mjmkk/opencodex-sub000/internal/worker/httpapi"
	"github.com/mjmkk/opencodex-sub000/internal/worker/jobs"
	"github.com/mjmkk/opencodex-sub000/internal/worker/projection"
	"github.com/mjmkk/opencodex-sub000/internal/worker/push"
	"github.com/mjmkk/opencodex-sub000/internal/worker/rpc"
	"github.com/mjmkk/opencodex-sub000/internal/worker/store"
	"github.com/mjmkk/opencodex-sub000/internal/worker/terminal"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	if err := run(); err != nil {
		slog.Error("worker failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  = flag.String("config", "", "path to YAML config file")
		addr        = flag.String("addr", "", "listen address (overrides config)")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return nil
	}

	logging.Setup()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}
	if level, err := logging.ParseLevel(cfg.LogLevel); err == nil {
		logging.SetLevel(level)
	}

	db, err := store.Open(cfg.DBPath())
	if err != nil {
		return fmt.Errorf("open cache: %w", err)
	}
	defer closeDB(db)

	if err := store.Migrate(db); err != nil {
		return fmt.Errorf("migrate cache: %w", err)
	}
	st := store.New(db)

	// The manager is wired into the bridge hooks after construction;
	// hooks only fire once the subprocess is started below.
	var mgr *jobs.Manager

	bridge := rpc.New(rpc.Options{
		Command:        cfg.Agent.Command,
		Args:           cfg.Agent.Args,
		Dir:            cfg.Agent.Dir,
		Env:            cfg.Agent.Env,
		RequestTimeout: cfg.Agent.RequestTimeout,
	}, rpc.Hooks{
		OnNotification: func(method string, params json.RawMessage) {
			mgr.HandleNotification(method, params)
		},
		OnRequest: func(req rpc.ServerRequest) {
			mgr.HandleRequest(req)
		},
		OnExit: func(err error) {
			if err != nil {
				slog.Error("agent exited", "error", err)
			}
		},
	})

	mgr = jobs.NewManager(bridge, st, cfg, nil)
	defer mgr.Close()

	proj := projection.New(bridge, mgr, st, cfg.ThreadEventsTTL)
	mgr.OnEvent(func(threadID string, _ jobs.Envelope) {
		proj.Invalidate(threadID)
	})

	dispatcher := push.NewDispatcher(st, nil)
	defer dispatcher.Shutdown()
	mgr.OnEvent(dispatcher.HandleEvent)

	terminals := terminal.NewManager(cfg.Terminal)
	defer terminals.Shutdown()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := startAgent(ctx, bridge, mgr, cfg); err != nil {
		return fmt.Errorf("start agent: %w", err)
	}
	defer bridge.Stop()

	server := httpapi.New(cfg, mgr, proj, terminals, dispatcher, st)

	logging.PrintBanner(version, cfg.Addr)
	if cfg.Token != "" {
		logging.PrintPairingQR(pairingURL(cfg))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("worker listening", "addr", cfg.Addr, "auth", cfg.Token != "")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	})

	if cfg.Agent.Restart {
		g.Go(func() error {
			superviseAgent(gctx, bridge, mgr, cfg)
			return nil
		})
	}

	return g.Wait()
}

// startAgent spawns the subprocess and performs the initialize
// handshake.
func startAgent(ctx context.Context, bridge *rpc.Bridge, mgr *jobs.Manager, cfg *config.Config) error {
	if err := bridge.Start(ctx); err != nil {
		return err
	}
	handshakeCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := mgr.Initialize(handshakeCtx); err != nil {
		bridge.Stop()
		return err
	}
	slog.Info("agent started", "command", cfg.Agent.Command)
	return nil
}

// superviseAgent restarts the subprocess with exponential backoff after
// unexpected exits.
func superviseAgent(ctx context.Context, bridge *rpc.Bridge, mgr *jobs.Manager, cfg *config.Config) {
	for {
		err := bridge.Wait()
		if ctx.Err() != nil || bridge.Stopped() {
			return
		}
		slog.Warn("agent exited, restarting", "error", err)

		_, err = backoff.Retry(ctx, func() (struct{}, error) {
			if err := startAgent(ctx, bridge, mgr, cfg); err != nil {
				slog.Warn("agent restart failed", "error", err)
				return struct{}{}, err
			}
			return struct{}{}, nil
		}, backoff.WithBackOff(backoff.NewExponentialBackOff()),
			backoff.WithMaxElapsedTime(cfg.Agent.RestartMaxElapse))
		if err != nil {
			slog.Error("agent restart abandoned", "error", err)
			return
		}
	}
}

func pairingURL(cfg *config.Config) string {
	host := cfg.Addr
	if host[0] == ':' {
		host = "localhost" + host
	}
	return fmt.Sprintf("http://%s/?token=%s", host, cfg.Token)
}

// closeDB checkpoints the WAL before closing so the cache file is
// complete on disk.
func closeDB(db *sql.DB) {
	if _, err := db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		slog.Warn("wal checkpoint failed", "error", err)
	}
	if err := db.Close(); err != nil {
		slog.Warn("close cache failed", "error", err)
	}
}
