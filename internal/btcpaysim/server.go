package btcpaysim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
)

// Server represents the HTTP server
type Server struct {
	router  *mux.Router
	handler *Handler
	logger  *slog.Logger
}

func NewServer(handler *Handler, logger *slog.Logger) *Server {
	server := &Server{
		router:  mux.NewRouter(),
		handler: handler,
		logger:  logger.With("component", "server"),
	}

	server.setupRoutes()
	return server
}

// setupRoutes configures the HTTP routes
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/api/v1/health", s.handler.HealthHandler).Methods("GET")

	store := s.router.PathPrefix("/api/v1/stores/{storeId}").Subrouter()
	store.Use(s.handler.authMiddleware)
	store.HandleFunc("/invoices", s.handler.CreateInvoiceHandler).Methods("POST")
	store.HandleFunc("/invoices/{invoiceId}", s.handler.GetInvoiceHandler).Methods("GET")
	store.HandleFunc("/invoices/{invoiceId}", s.handler.ArchiveInvoiceHandler).Methods("DELETE")
	store.HandleFunc("/invoices/{invoiceId}/payment-methods", s.handler.PaymentMethodsHandler).Methods("GET")

	s.router.HandleFunc("/sim/invoices/{invoiceId}/pay", s.handler.PayHandler).Methods("POST")
	s.router.HandleFunc("/sim/stats", s.handler.StatsHandler).Methods("GET")

	s.router.Use(s.loggingMiddleware)
}

// Handler exposes the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves on port until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, port int) error {
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "port", port)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}
