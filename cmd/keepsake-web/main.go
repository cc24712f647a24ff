// cmd/keepsake-web serves the HTTP/REST API over the same storage
// backend as the MCP server. It additionally watches the cross-process
// event directory and forwards store/delete events to WebSocket
// subscribers, and can run the periodic backup service in-process.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/scrypster/keepsake/internal/backup"
	"github.com/scrypster/keepsake/internal/bootstrap"
	"github.com/scrypster/keepsake/internal/config"
	"github.com/scrypster/keepsake/internal/notify"
	"github.com/scrypster/keepsake/internal/server"
	"github.com/scrypster/keepsake/internal/storage"
	"github.com/scrypster/keepsake/internal/storage/hybrid"
)

func main() {
	log.SetPrefix("keepsake-web: ")
	log.SetFlags(log.LstdFlags)

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	embedder, err := bootstrap.NewEmbedder(cfg)
	if err != nil {
		log.Fatalf("failed to build embedding provider: %v", err)
	}

	store, err := bootstrap.OpenStorage(ctx, cfg, embedder, hybrid.OwnerHTTP)
	if err != nil {
		log.Fatalf("failed to open %s backend: %v", cfg.Storage.Backend, err)
	}
	defer storage.Shared().CloseAll()

	qp, err := bootstrap.NewQualityProvider(cfg)
	if err != nil {
		log.Fatalf("failed to build quality provider: %v", err)
	}

	svc := bootstrap.NewService(store, embedder, qp, cfg)

	addr, hub, err := server.Start(ctx, cfg, svc, store)
	if err != nil {
		log.Fatalf("failed to start HTTP server: %v", err)
	}
	log.Printf("keepsake API running at http://%s", addr)

	// Forward event files written by keepsake-mcp to WebSocket clients.
	watcher := notify.NewEventWatcher(config.DataDir(), func(e notify.Event) {
		hub.BroadcastEvent(e.Type, e.ContentHash)
	})
	if err := watcher.Start(); err != nil {
		log.Printf("WARNING: event watcher disabled: %v", err)
	} else {
		defer watcher.Stop()
	}

	// Periodic snapshots of the local database file, when enabled. The
	// cloudflare backend has no local file to snapshot.
	if cfg.Backup.Enabled && hasLocalDatabase(cfg) {
		svcBackup, err := backup.New(backup.Config{
			Database: cfg.Storage.SQLitePath,
			Dir:      cfg.Backup.Path,
			Interval: cfg.Backup.Interval,
			Verify:   cfg.Backup.Verify,
			Keep: backup.Retention{
				Hourly:  cfg.Backup.RetentionHourly,
				Daily:   cfg.Backup.RetentionDaily,
				Weekly:  cfg.Backup.RetentionWeekly,
				Monthly: cfg.Backup.RetentionMonthly,
			},
		})
		if err != nil {
			log.Printf("WARNING: backup service disabled: %v", err)
		} else {
			go func() {
				if err := svcBackup.Run(ctx); err != nil && err != context.Canceled {
					log.Printf("WARNING: backup service stopped: %v", err)
				}
			}()
			log.Printf("backup service running: every %v into %s", cfg.Backup.Interval, cfg.Backup.Path)
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Println("shutting down")
	cancel()
	time.Sleep(500 * time.Millisecond) // let the listener close
}

// hasLocalDatabase reports whether the configured backend keeps a local
// SQLite file that can be snapshotted.
func hasLocalDatabase(cfg *config.Config) bool {
	switch cfg.Storage.Backend {
	case config.BackendSQLiteVec, config.BackendHybrid:
		return cfg.Storage.SQLitePath != "" && cfg.Storage.SQLitePath != ":memory:"
	default:
		return false
	}
}
