package apiserver

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/sen2agri/orchestrator/internal/config"
	"github.com/sen2agri/orchestrator/pkg/metrics"
	"github.com/sen2agri/orchestrator/pkg/middleware"
	"go.uber.org/zap"
)

const (
	gracefulShutdownTimeout = 5 * time.Second
)

type Server struct {
	cfg      *config.Config
	jobs     JobAPI
	listener net.Listener
}

// New returns a new instance of the orchestrator API server.
func New(cfg *config.Config, jobs JobAPI, listener net.Listener) *Server {
	return &Server{
		cfg:      cfg,
		jobs:     jobs,
		listener: listener,
	}
}

// NewRouter builds the API routes with the request middlewares.
func NewRouter(jobs JobAPI, metricMiddleware *metrics.Middleware) chi.Router {
	router := chi.NewRouter()

	middlewares := []func(http.Handler) http.Handler{}
	if metricMiddleware != nil {
		middlewares = append(middlewares, metricMiddleware.Handler)
	}
	middlewares = append(middlewares,
		cors.Handler(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"*"},
			MaxAge:         300,
		}),
		middleware.RequestID,
		middleware.Logger(),
		chiMiddleware.Recoverer,
	)
	router.Use(middlewares...)

	RegisterApi(router, jobs)
	return router
}

func (s *Server) Run(ctx context.Context) error {
	zap.S().Named("api_server").Info("Initializing API server")

	metricMiddleware, err := metrics.NewMiddleware("api_server")
	if err != nil {
		return err
	}
	metricMiddleware.MustRegisterDefault()

	srv := http.Server{Addr: s.cfg.Service.Address, Handler: NewRouter(s.jobs, metricMiddleware)}

	go func() {
		<-ctx.Done()
		zap.S().Named("api_server").Infof("Shutdown signal received: %s", ctx.Err())
		ctxTimeout, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
		defer cancel()

		srv.SetKeepAlivesEnabled(false)
		_ = srv.Shutdown(ctxTimeout)
		zap.S().Named("api_server").Info("api server terminated")
	}()

	zap.S().Named("api_server").Infof("Listening on %s...", s.listener.Addr().String())
	if err := srv.Serve(s.listener); err != nil && !errors.Is(err, net.ErrClosed) && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}
