package httpx

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

func get(h http.Handler, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestHealth(t *testing.T) {
	gin.SetMode(gin.TestMode)

	var down error
	h := Handler(Options{Health: func(context.Context) error { return down }})

	if w := get(h, "/health"); w.Code != http.StatusOK || w.Body.String() != "OK" {
		t.Errorf("healthy = %d %q", w.Code, w.Body)
	}
	down = errors.New("store closed")
	if w := get(h, "/health"); w.Code != http.StatusServiceUnavailable {
		t.Errorf("unhealthy = %d", w.Code)
	}
}

func TestMetricsExposure(t *testing.T) {
	gin.SetMode(gin.TestMode)

	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "metering_readings_recorded"})
	reg.MustRegister(c)
	c.Inc()

	w := get(Handler(Options{Gatherer: reg}), "/metrics")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "metering_readings_recorded 1") {
		t.Errorf("metrics = %d %q", w.Code, w.Body)
	}

	if w := get(Handler(Options{}), "/metrics"); w.Code != http.StatusNotFound {
		t.Errorf("metrics without gatherer = %d, want 404", w.Code)
	}
}
