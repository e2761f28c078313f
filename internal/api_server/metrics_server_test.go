package apiserver_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	apiserver "github.com/sen2agri/orchestrator/internal/api_server"
)

var _ = Describe("metrics server", func() {
	get := func(h http.Handler, path string) (int, map[string]any) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		reply := map[string]any{}
		_ = json.Unmarshal(rec.Body.Bytes(), &reply)
		return rec.Code, reply
	}

	It("is ready when every check passes", func() {
		srv := apiserver.NewMetricServer(":0", nil, map[string]apiserver.ReadinessCheck{
			"database": func(context.Context) error { return nil },
		})

		code, reply := get(srv.Handler(), "/ready")
		Expect(code).To(Equal(http.StatusOK))
		Expect(reply).To(HaveKeyWithValue("status", "ok"))
	})

	It("reports the failing check", func() {
		srv := apiserver.NewMetricServer(":0", nil, map[string]apiserver.ReadinessCheck{
			"database": func(context.Context) error { return errors.New("connection refused") },
		})

		code, reply := get(srv.Handler(), "/ready")
		Expect(code).To(Equal(http.StatusServiceUnavailable))
		Expect(reply["checks"]).To(HaveKeyWithValue("database", "connection refused"))
	})

	It("exposes prometheus metrics", func() {
		srv := apiserver.NewMetricServer(":0", nil, nil)
		code, _ := get(srv.Handler(), "/metrics")
		Expect(code).To(Equal(http.StatusOK))
	})
})
