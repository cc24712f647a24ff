// cmd/keepsake-mcp is the entry point for the keepsake MCP (Model
// Context Protocol) server.
//
// Startup sequence:
//  1. Load configuration from environment variables (.env files first).
//  2. Build the embedding provider and open the configured storage
//     backend (sqlite_vec, hybrid, cloudflare, or pgvector).
//  3. Build the memory service, wiring the quality scorer and the
//     cross-process event writer.
//  4. Start the consolidation scheduler when enabled.
//  5. Serve JSON-RPC 2.0 requests from stdin, writing responses to
//     stdout.
//
// CRITICAL: ALL logging MUST go to stderr. Any bytes written to stdout
// that are not valid JSON-RPC 2.0 response frames will corrupt the
// protocol.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/scrypster/keepsake/internal/api/mcp"
	"github.com/scrypster/keepsake/internal/bootstrap"
	"github.com/scrypster/keepsake/internal/config"
	"github.com/scrypster/keepsake/internal/notify"
	"github.com/scrypster/keepsake/internal/storage"
	"github.com/scrypster/keepsake/internal/storage/hybrid"
)

func main() {
	// Redirect the default logger to stderr so that any incidental log
	// calls from imported packages never pollute the stdout JSON-RPC
	// stream.
	log.SetOutput(os.Stderr)
	log.SetPrefix("keepsake-mcp: ")
	log.SetFlags(log.LstdFlags)

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// Root context cancelled on SIGINT / SIGTERM.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("received shutdown signal")
		cancel()
	}()

	embedder, err := bootstrap.NewEmbedder(cfg)
	if err != nil {
		log.Fatalf("failed to build embedding provider: %v", err)
	}

	store, err := bootstrap.OpenStorage(ctx, cfg, embedder, hybrid.OwnerRPC)
	if err != nil {
		log.Fatalf("failed to open %s backend: %v", cfg.Storage.Backend, err)
	}
	defer storage.Shared().CloseAll()
	log.Printf("storage backend: %s", store.Backend())

	qp, err := bootstrap.NewQualityProvider(cfg)
	if err != nil {
		log.Fatalf("failed to build quality provider: %v", err)
	}

	svc := bootstrap.NewService(store, embedder, qp, cfg)

	// Write store/delete event files so a keepsake-web process on the
	// same machine can push live updates.
	svc.SetNotifier(notify.NewEventWriter(config.DataDir()))

	var srvOpts []mcp.ServerOption
	engine, scheduler, err := bootstrap.NewConsolidation(store, cfg)
	if err != nil {
		log.Fatalf("failed to build consolidation engine: %v", err)
	}
	if engine != nil {
		scheduler.Start()
		defer scheduler.Stop()
		srvOpts = append(srvOpts, mcp.WithConsolidation(engine, scheduler))
		log.Printf("consolidation scheduler running (daily=%q weekly=%q monthly=%q)",
			cfg.Consolidation.Daily, cfg.Consolidation.Weekly, cfg.Consolidation.Monthly)
	}

	srv := mcp.NewServer(svc, srvOpts...)

	// The transport reads line-delimited JSON-RPC from stdin and writes
	// responses to stdout. All logging inside it goes to stderr.
	transport := mcp.NewStdioTransport(srv, os.Stdin, os.Stdout)

	log.Println("ready — serving JSON-RPC 2.0 on stdin/stdout")

	if err := transport.Serve(ctx); err != nil {
		// Context cancellation lands here too; informational only.
		log.Printf("transport stopped: %v", err)
	}
}
