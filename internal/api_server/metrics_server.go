package apiserver

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const readinessTimeout = 2 * time.Second

// ReadinessCheck reports whether a dependency of the orchestrator is usable.
type ReadinessCheck func(ctx context.Context) error

// MetricServer serves prometheus metrics and the readiness probe on their own listener.
type MetricServer struct {
	bindAddress string
	httpServer  *http.Server
	listener    net.Listener
}

func NewMetricServer(bindAddress string, listener net.Listener, checks map[string]ReadinessCheck) *MetricServer {
	router := chi.NewRouter()
	router.Handle("/metrics", promhttp.Handler())
	router.Get("/ready", readiness(checks))

	return &MetricServer{
		bindAddress: bindAddress,
		listener:    listener,
		httpServer: &http.Server{
			Addr:    bindAddress,
			Handler: router,
		},
	}
}

type ReadinessReply struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

func (rr ReadinessReply) Render(w http.ResponseWriter, r *http.Request) error {
	return nil
}

func readiness(checks map[string]ReadinessCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
		defer cancel()

		reply := ReadinessReply{Status: "ok", Checks: map[string]string{}}
		for name, check := range checks {
			if err := check(ctx); err != nil {
				reply.Status = "unavailable"
				reply.Checks[name] = err.Error()
				continue
			}
			reply.Checks[name] = "ok"
		}
		if reply.Status != "ok" {
			render.Status(r, http.StatusServiceUnavailable)
		}
		_ = render.Render(w, r, reply)
	}
}

func (m *MetricServer) Handler() http.Handler {
	return m.httpServer.Handler
}

func (m *MetricServer) Run(ctx context.Context) error {
	log := zap.S().Named("metrics_server")
	go func() {
		<-ctx.Done()
		ctxTimeout, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
		defer cancel()

		m.httpServer.SetKeepAlivesEnabled(false)
		_ = m.httpServer.Shutdown(ctxTimeout)
		log.Info("metrics server terminated")
	}()

	log.Infof("serving metrics and readiness on %s", m.bindAddress)
	if err := m.httpServer.Serve(m.listener); err != nil && !errors.Is(err, net.ErrClosed) && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
