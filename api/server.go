// Package api exposes the chat service over HTTP.
//
// Endpoints:
//
//	GET    /health                   liveness probe
//	GET    /ready                    readiness probe (pings the database)
//	POST   /api/chats                create chat
//	GET    /api/chats                list the caller's chats
//	DELETE /api/chats                delete all the caller's chats
//	GET    /api/chats/{id}           fetch one chat
//	PATCH  /api/chats/{id}           rename chat
//	DELETE /api/chats/{id}           delete chat
//	GET    /api/chats/{id}/messages  list transcript
//	POST   /api/chats/{id}/messages  send message, stream the response (SSE)
//	POST   /api/chats/{id}/stop      cancel the in-flight generation
//
// The caller's identity arrives in the X-User-ID header; authentication
// itself happens upstream of this service.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/parley-ai/parley/internal/log"
)

const (
	// DefaultAddr is the default listen address.
	DefaultAddr = "127.0.0.1:3400"

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout = 10 * time.Second

	// ReadHeaderTimeout guards against slow-header clients.
	ReadHeaderTimeout = 10 * time.Second

	// ReadTimeout is the maximum duration for reading a request.
	ReadTimeout = 30 * time.Second

	// IdleTimeout applies to keep-alive connections.
	IdleTimeout = 120 * time.Second
)

// Server is the HTTP server for the chat API.
type Server struct {
	mux    *http.ServeMux
	logger log.Logger

	limiter *rateLimiter
}

// NewServer creates a server with all routes registered. pinger backs
// the readiness probe and may be nil in tests.
func NewServer(store Store, gen Generator, pinger Pinger, logger log.Logger) *Server {
	mux := http.NewServeMux()

	s := &Server{
		mux:     mux,
		logger:  logger,
		limiter: newRateLimiter(10, 30),
	}

	NewHealthHandler(pinger, logger).RegisterRoutes(mux)
	NewChatHandler(store, logger).RegisterRoutes(mux)
	NewGenerateHandler(store, gen, logger).RegisterRoutes(mux)

	return s
}

// Handler returns the routes with middleware applied, outermost first:
// recovery, then request logging, then per-user rate limiting.
func (s *Server) Handler() http.Handler {
	return chain(s.mux,
		recoveryMiddleware(s.logger),
		loggingMiddleware(s.logger),
		rateLimitMiddleware(s.limiter, s.logger),
	)
}

// Run serves until ctx is cancelled, then shuts down gracefully. No
// WriteTimeout is set on the server: SSE responses are open-ended and
// generation carries its own timeouts.
func (s *Server) Run(ctx context.Context, addr string) error {
	if addr == "" {
		addr = DefaultAddr
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: ReadHeaderTimeout,
		ReadTimeout:       ReadTimeout,
		IdleTimeout:       IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
