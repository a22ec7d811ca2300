package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/coderspae/arena/internal/auth"
	"github.com/coderspae/arena/internal/challenge"
	"github.com/coderspae/arena/internal/chat"
	"github.com/coderspae/arena/internal/events"
	"github.com/coderspae/arena/internal/handler/health"
	"github.com/coderspae/arena/internal/presence"
	"github.com/coderspae/arena/internal/registry"
)

// Deps are the components the HTTP and websocket handlers drive.
type Deps struct {
	Verifier   *auth.Verifier
	Registry   *registry.Registry
	Challenges *challenge.Coordinator
	Chat       *chat.Router
	Presence   *presence.Tracker
	Bus        *events.Bus
	Health     map[string]health.Checker
	ServiceKey string
	SendBuffer int
}

type Server struct {
	srv    *http.Server
	logger *slog.Logger
	deps   Deps

	// cancel ends the base context of every request, which closes
	// hijacked websocket sessions that http.Server.Shutdown ignores.
	cancel   context.CancelFunc
	sessions sync.WaitGroup
}

func New(addr string, logger *slog.Logger, deps Deps) *Server {
	if deps.SendBuffer <= 0 {
		deps.SendBuffer = 64
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(newStructuredLogger(logger))
	r.Use(middleware.Recoverer)

	base, cancel := context.WithCancel(context.Background())
	s := &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           r,
			ReadHeaderTimeout: 5 * time.Second,
			IdleTimeout:       120 * time.Second,
			BaseContext:       func(net.Listener) context.Context { return base },
		},
		logger: logger,
		deps:   deps,
		cancel: cancel,
	}
	addRoutes(r, logger, deps, &s.sessions)
	return s
}

func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

func (s *Server) Run(_ context.Context) error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.srv.Addr, err)
	}

	err = s.srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting requests, then closes open websocket sessions
// and waits for them to unregister.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	err := s.srv.Shutdown(ctx)
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("websocket sessions still open after shutdown timeout")
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}

func newStructuredLogger(logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				logger.Info("http request",
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"bytes", ww.BytesWritten(),
					"duration_ms", time.Since(start).Milliseconds(),
					"request_id", middleware.GetReqID(r.Context()),
				)
			}()

			next.ServeHTTP(ww, r)
		})
	}
}
