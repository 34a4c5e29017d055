package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/corvohq/driftmail/internal/bridge"
	"github.com/corvohq/driftmail/internal/credential"
	"github.com/corvohq/driftmail/internal/dbworker"
	"github.com/corvohq/driftmail/internal/observability"
	"github.com/corvohq/driftmail/internal/push"
	"github.com/corvohq/driftmail/internal/refresh"
	"github.com/corvohq/driftmail/internal/search"
	"github.com/corvohq/driftmail/internal/syncworker"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the background sync daemon",
	RunE:  runDaemon,
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := slog.Default()
	log.Info("starting driftmail daemon",
		"api_base", cfg.APIBase,
		"push_url", cfg.PushURL,
		"poll_interval", cfg.PollInterval(),
		"demo", cfg.Demo,
		"db_path", cfg.DBPath,
		"status_addr", cfg.StatusAddr,
	)

	otelShutdown, err := observability.InitTracer(observability.Config{
		Enabled:  cfg.OtelEnabled,
		Endpoint: cfg.OtelEndpoint,
	})
	if err != nil {
		return fmt.Errorf("init otel: %w", err)
	}
	defer func() {
		if err := otelShutdown(context.Background()); err != nil {
			log.Warn("otel shutdown error", "error", err)
		}
	}()

	store := &credential.KeyringStore{Service: cfg.KeyringService}
	vault := &credential.Vault{Store: store}

	db := dbworker.NewProvider(cfg.DBPath, log.With("component", "dbworker"))
	defer func() {
		if err := db.Close(); err != nil {
			log.Warn("db worker close error", "error", err)
		}
	}()

	br := bridge.New(bridge.Config{
		APIBase: cfg.APIBase,
		Demo:    cfg.Demo,
	}, bridge.Deps{
		Log:       log.With("component", "bridge"),
		Auth:      vault,
		Keys:      vault,
		NewWorker: syncworker.Factory(log.With("component", "syncworker"), syncworker.Handlers{}),
		DB:        db,
	})
	defer br.Terminate()

	stores := &daemonStores{log: log.With("component", "resync"), bridge: br}
	updater, err := refresh.NewInboxUpdater(refresh.Config{
		PollInterval: cfg.PollInterval(),
	}, refresh.Deps{
		Log: log.With("component", "refresh"),
		NewAuthClient: func() refresh.PushClient {
			return push.New(push.Config{URL: cfg.PushURL, AuthHeader: vault.AuthHeader}, log.With("stream", "mailbox"))
		},
		NewReleaseClient: func() refresh.PushClient {
			return push.New(push.Config{URL: cfg.ReleasePushURL}, log.With("stream", "release"))
		},
		Stores: stores,
		Notify: func(n refresh.Notification) {
			log.Info("change notification", "kind", n.Kind)
		},
		HasCredentials: vault.HasCredentials,
	})
	if err != nil {
		return fmt.Errorf("build inbox updater: %w", err)
	}
	defer updater.Destroy()
	if err := updater.Start(); err != nil {
		return fmt.Errorf("start inbox updater: %w", err)
	}

	index := search.NewIndex(log.With("component", "search"))
	defer index.Close()

	var statusSrv *http.Server
	if cfg.StatusAddr != "" {
		statusSrv = newStatusServer(cfg.StatusAddr, br, updater, stores, index)
		go func() {
			if err := statusSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("status server error", "error", err)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if !cfg.Demo && vault.HasCredentials() {
		if err := br.EnsureReady(ctx); err != nil {
			log.Warn("initial worker handshake failed", "error", err)
		} else if err := br.ConnectSearchPort(ctx, index); err != nil {
			log.Warn("search port not connected", "error", err)
		}
	}

	log.Info("driftmail daemon ready")
	<-ctx.Done()
	log.Info("received shutdown signal")

	if statusSrv != nil {
		if err := statusSrv.Shutdown(context.Background()); err != nil {
			log.Warn("status server shutdown error", "error", err)
		}
	}
	log.Info("driftmail daemon stopped")
	return nil
}

// daemonStores translates refresh requests into sync work. Reload bookkeeping
// feeds the status endpoint.
type daemonStores struct {
	log    *slog.Logger
	bridge *bridge.Bridge

	mu            sync.Mutex
	current       string
	messageLoads  int
	folderReloads int
}

func (s *daemonStores) ReloadMessages(folder string) {
	s.mu.Lock()
	s.messageLoads++
	s.current = folder
	s.mu.Unlock()
	s.log.Info("resync folder", "folder", folder)
	if err := s.bridge.EnsureReady(context.Background()); err != nil {
		s.log.Warn("resync skipped, worker not ready", "error", err)
	}
}

func (s *daemonStores) ReloadFolders() {
	s.mu.Lock()
	s.folderReloads++
	s.mu.Unlock()
	s.log.Info("resync folder list")
}

func (s *daemonStores) CurrentFolder() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == "" {
		return "INBOX"
	}
	return s.current
}

func (s *daemonStores) counts() (messages, folders int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messageLoads, s.folderReloads
}
