// Package server wires the keepsake HTTP API: route table, middleware
// stack, listener, and graceful shutdown. Handlers live in web/handlers;
// this package only assembles them.
package server

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/scrypster/keepsake/internal/config"
	"github.com/scrypster/keepsake/internal/service"
	"github.com/scrypster/keepsake/internal/storage"
	"github.com/scrypster/keepsake/web/handlers"
)

// apiVersion is reported by the liveness probe.
const apiVersion = "1.0.0"

// Start builds the route table and starts the HTTP server. It returns the
// actual listen address (useful with port 0 in tests) and the event hub
// for wiring store-event broadcasts. The server drains on ctx
// cancellation.
func Start(ctx context.Context, cfg *config.Config, svc *service.MemoryService, store storage.Storage) (string, *handlers.WebSocketHub, error) {
	addr := cfg.Server.Addr()

	hub := handlers.NewWebSocketHub(addr, fmt.Sprintf("localhost:%d", cfg.Server.Port))
	go hub.Run()

	memories := handlers.NewMemoryHandlers(svc)
	search := handlers.NewSearchHandlers(svc)
	health := handlers.NewHealthHandlers(svc, apiVersion)
	syncCtl := handlers.NewSyncHandlers(svc)
	analytics := handlers.NewAnalyticsHandlers(svc, store)
	quality := handlers.NewQualityHandlers(svc)

	// Everything under apiMux sits behind bearer-token auth in
	// production mode.
	apiMux := http.NewServeMux()

	apiMux.HandleFunc("POST /api/memories", memories.Create)
	apiMux.HandleFunc("GET /api/memories", memories.List)
	apiMux.HandleFunc("GET /api/memories/{content_hash}", memories.Get)
	apiMux.HandleFunc("PATCH /api/memories/{content_hash}", memories.Update)
	apiMux.HandleFunc("DELETE /api/memories/{content_hash}", memories.Delete)

	apiMux.HandleFunc("POST /api/search", search.Search)
	apiMux.HandleFunc("POST /api/search/by-tag", search.ByTag)
	apiMux.HandleFunc("POST /api/search/by-time", search.ByTime)

	apiMux.HandleFunc("GET /api/health/detailed", health.Detailed)

	apiMux.HandleFunc("GET /api/sync/status", syncCtl.Status)
	apiMux.HandleFunc("POST /api/sync/pause", syncCtl.Pause)
	apiMux.HandleFunc("POST /api/sync/resume", syncCtl.Resume)
	apiMux.HandleFunc("POST /api/sync/force", syncCtl.Force)

	apiMux.HandleFunc("GET /api/stats", analytics.Stats)
	apiMux.HandleFunc("GET /api/analytics/memory-growth", analytics.MemoryGrowth)
	apiMux.HandleFunc("GET /api/analytics/tag-usage", analytics.TagUsage)
	apiMux.HandleFunc("GET /api/analytics/activity", analytics.Activity)

	apiMux.HandleFunc("GET /api/quality/distribution", quality.Distribution)
	apiMux.HandleFunc("GET /api/quality/trends", quality.Trends)
	apiMux.HandleFunc("POST /api/quality/memories/{content_hash}/rate", quality.Rate)
	apiMux.HandleFunc("POST /api/quality/memories/{content_hash}/evaluate", quality.Evaluate)

	mux := http.NewServeMux()

	// Liveness probe stays outside auth: monitoring and client
	// integrations poll it before they have a token.
	mux.HandleFunc("GET /api/health", health.Basic)

	// The event feed authenticates by origin validation on upgrade.
	mux.Handle("/api/events", hub)

	mux.Handle("/api/", handlers.RequireAuth(apiMux, cfg))

	limiter := handlers.NewRateLimiter(10.0, 20)
	handler := handlers.RateLimitMiddleware(mux, limiter)
	handler = handlers.SecurityHeaders(handler)

	server := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		hub.Stop()
		return "", nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	actualAddr := listener.Addr().String()

	go func() {
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Printf("server error: %v", err)
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("server shutdown error: %v", err)
		}
		hub.Stop()
	}()

	return actualAddr, hub, nil
}
