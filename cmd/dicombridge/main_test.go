package main

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/pacs/dicombridge/internal/config"
	"github.com/pacs/dicombridge/internal/platform/telemetry"
)

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

// stubRoutes registers a single echo route on whatever group it is given.
type stubRoutes struct {
	method, path string
}

func (s stubRoutes) RegisterRoutes(g *echo.Group) {
	g.Add(s.method, s.path, func(c echo.Context) error {
		return c.String(http.StatusOK, c.Path())
	})
}

func testRouter(t *testing.T, pinger fakePinger) *echo.Echo {
	t.Helper()
	cfg := &config.Config{MetricsEnabled: true, CORSOrigins: []string{"http://localhost:3000"}}
	metrics := telemetry.NewProvider(telemetry.Config{MetricsEnabled: true})
	return newRouter(cfg, zerolog.Nop(), metrics, pinger,
		stubRoutes{http.MethodPost, "/webhook"},
		stubRoutes{http.MethodGet, "/studies"},
		stubRoutes{http.MethodPost, "/orders/generate-worklists"},
	)
}

func serve(e *echo.Echo, method, target string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestRouter_Health(t *testing.T) {
	e := testRouter(t, fakePinger{})

	rec := serve(e, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), version) {
		t.Errorf("expected version in body, got %s", rec.Body.String())
	}
	if rec.Header().Get(echo.HeaderXRequestID) == "" {
		t.Error("expected request id header")
	}
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("expected security headers")
	}
}

func TestRouter_HealthDB(t *testing.T) {
	if rec := serve(testRouter(t, fakePinger{}), http.MethodGet, "/health/db", nil); rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	down := fakePinger{err: errors.New("connection refused")}
	if rec := serve(testRouter(t, down), http.MethodGet, "/health/db", nil); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rec.Code)
	}
}

func TestRouter_Groups(t *testing.T) {
	e := testRouter(t, fakePinger{})

	rec := serve(e, http.MethodPost, "/api/orthanc/webhook", []byte(`{}`))
	if rec.Code != http.StatusOK || rec.Body.String() != "/api/orthanc/webhook" {
		t.Errorf("webhook route: %d %s", rec.Code, rec.Body.String())
	}
	rec = serve(e, http.MethodGet, "/api/v1/studies", nil)
	if rec.Code != http.StatusOK || rec.Body.String() != "/api/v1/studies" {
		t.Errorf("api route: %d %s", rec.Code, rec.Body.String())
	}
	rec = serve(e, http.MethodPost, "/api/v1/orders/generate-worklists", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("regenerate route: %d", rec.Code)
	}
}

func TestRouter_WebhookBodyLimit(t *testing.T) {
	e := testRouter(t, fakePinger{})
	rec := serve(e, http.MethodPost, "/api/orthanc/webhook", bytes.Repeat([]byte("x"), 65*1024))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected 413, got %d", rec.Code)
	}
}

func TestRouter_Metrics(t *testing.T) {
	e := testRouter(t, fakePinger{})
	serve(e, http.MethodGet, "/api/v1/studies", nil)

	rec := serve(e, http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "dicombridge_http_request_duration_seconds") {
		t.Error("expected http duration series in exposition")
	}
}

func TestRouter_MetricsDisabled(t *testing.T) {
	cfg := &config.Config{}
	e := newRouter(cfg, zerolog.Nop(), nil, nil, nil)
	if rec := serve(e, http.MethodGet, "/metrics", nil); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 when metrics are disabled, got %d", rec.Code)
	}
	if rec := serve(e, http.MethodGet, "/health/db", nil); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 without a database, got %d", rec.Code)
	}
}

func TestRootCommands(t *testing.T) {
	names := map[string]bool{}
	for _, c := range []interface{ Name() string }{serveCmd(), migrateCmd(), worklistCmd(), ingestCmd()} {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "migrate", "worklist", "ingest"} {
		if !names[want] {
			t.Errorf("missing command %s", want)
		}
	}
	if err := ingestCmd().Args(ingestCmd(), nil); err == nil {
		t.Error("ingest should require an archive study id")
	}
}
