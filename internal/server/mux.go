// Package server provides the control surface of room-sync: app signals
// over a websocket, a status endpoint and MCP tools, all behind bearer
// authentication.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/alexjbarnes/room-sync/internal/slidingsync"
)

// Controller is the part of the session controller exposed over the
// control surface. *slidingsync.Controller satisfies it.
type Controller interface {
	Status() slidingsync.Status
	FocusRoom(ctx context.Context, roomID string) error
	UnfocusRoom(roomID string)
	ConfigureList(ctx context.Context, listID string, update slidingsync.ListUpdate) (slidingsync.ListDefinition, error)
	ResumeFromAppForeground(ctx context.Context) (restarted bool, err error)
	SetVisible(visible bool)
	SetOnline(online bool)
	AppFocused()
}

var _ Controller = (*slidingsync.Controller)(nil)

// MuxConfig holds dependencies for building the HTTP mux.
type MuxConfig struct {
	Controller   Controller
	PasswordHash []byte
	MCPHandler   http.Handler
	Logger       *slog.Logger
}

// NewMux builds the HTTP mux. Everything except the health check is
// protected by bearer authentication.
func NewMux(cfg MuxConfig) *http.ServeMux {
	authMiddleware := BearerAuth(cfg.PasswordHash, cfg.Logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", handleHealth)
	mux.Handle("GET /status", authMiddleware(StatusHandler(cfg.Controller, cfg.Logger)))
	mux.Handle("/signals", authMiddleware(SignalHandler(cfg.Controller, cfg.Logger)))

	if cfg.MCPHandler != nil {
		mux.Handle("/mcp", authMiddleware(cfg.MCPHandler))
	}

	return mux
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok\n"))
}

// shutdownTimeout bounds how long in-flight requests may take to finish
// once the context is cancelled.
const shutdownTimeout = 10 * time.Second

// ListenAndServe serves handler on addr until ctx is cancelled, then
// shuts down gracefully.
func ListenAndServe(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	logger.Info("starting control server", slog.String("listen", addr))

	// Shutdown when context is cancelled.
	go func() {
		<-ctx.Done()
		logger.Info("shutting down control server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		_ = server.Shutdown(shutdownCtx)
	}()

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("control server error: %w", err)
	}

	return nil
}
