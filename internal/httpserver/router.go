// Package httpserver exposes the engine over REST and a WebSocket event stream.
package httpserver

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"papertrade/internal/account"
	"papertrade/internal/logging"
	"papertrade/internal/marketdata"
	"papertrade/internal/orders"
	"papertrade/internal/portfolio"
	"papertrade/internal/session"
	"papertrade/internal/stream"
)

// Sweeper runs the intraday square-off on demand.
type Sweeper interface {
	Sweep(ctx context.Context) (*portfolio.SweepReport, error)
}

// Deps are the services the router serves. Sweeper and Breaker are optional.
type Deps struct {
	Engine    *orders.Engine
	Accounts  *account.Manager
	Portfolio *portfolio.Manager
	Session   session.StatusProvider
	Hub       *stream.Hub
	Sweeper   Sweeper
	Breaker   *marketdata.CircuitBreaker
	Origins   []string
	Logger    zerolog.Logger
}

type handler struct {
	Deps
	logger zerolog.Logger
}

// NewRouter builds the HTTP routes.
func NewRouter(d Deps) http.Handler {
	h := &handler{Deps: d, logger: d.Logger.With().Str("component", "http").Logger()}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(h.logger))
	r.Use(middleware.Recoverer)

	r.Get("/health", h.health)
	r.Route("/v1", func(r chi.Router) {
		r.Get("/market/status", h.marketStatus)
		r.Get("/metrics", h.metrics)
		r.Post("/ticks", h.publishTick)
		r.Get("/ws", newWSHandler(h).ServeHTTP)

		r.Post("/accounts", h.openAccount)
		r.Route("/accounts/{accountID}", func(r chi.Router) {
			r.Get("/", h.getAccount)
			r.Post("/deposit", h.deposit)
			r.Post("/withdraw", h.withdraw)
			r.Get("/transactions", h.transactions)
			r.Get("/holdings", h.holdings)
			r.Get("/summary", h.summary)
			r.Get("/orders", h.listOrders)
			r.Post("/orders", h.placeOrder)
			r.Post("/orders/complete", h.completeOrder)
		})
		r.Route("/orders/{orderID}", func(r chi.Router) {
			r.Get("/", h.getOrder)
			r.Post("/cancel", h.cancelOrder)
			r.Post("/execute", h.executeOrder)
		})
		r.Post("/admin/sweep", h.sweep)
	})
	return r
}

func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			reqLogger := logger.With().Str("request_id", middleware.GetReqID(r.Context())).Logger()
			next.ServeHTTP(ww, r.WithContext(logging.WithLogger(r.Context(), reqLogger)))
			reqLogger.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("took", time.Since(start)).
				Msg("HTTP request")
		})
	}
}

// Server runs the router until its context is cancelled.
type Server struct {
	srv    *http.Server
	logger zerolog.Logger
}

// NewServer creates a server listening on addr.
func NewServer(addr string, handler http.Handler, logger zerolog.Logger) *Server {
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: logger.With().Str("component", "http").Logger(),
	}
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.srv.Addr).Msg("HTTP server listening")
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info().Msg("HTTP server stopped")
	return nil
}
