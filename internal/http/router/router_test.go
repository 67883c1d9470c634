package router

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	apphttp "rivvi_backend/internal/http"
	"rivvi_backend/platform/httpkit"
	"rivvi_backend/platform/logger"

	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testConfig struct{}

func (testConfig) GetHTTPAddr() string        { return ":0" }
func (testConfig) GetCORSAllowAll() bool      { return false }
func (testConfig) GetCORSOrigins() []string   { return []string{"http://localhost:3000"} }
func (testConfig) GetCORSAllowCreds() bool    { return true }
func (testConfig) GetJWTAccessSecret() string { return "test-secret" }

type stubChecker struct {
	err error
}

func (s stubChecker) Ping(context.Context) error { return s.err }

type pingModule struct{}

func (pingModule) Name() string { return "ping" }

func (pingModule) RegisterRoutes(ctx *apphttp.RouterContext) {
	ctx.Protected.GET("/ping", func(c *gin.Context) {
		httpkit.OK(c, gin.H{"pong": true})
	})
	ctx.Admin.GET("/ping", func(c *gin.Context) {
		httpkit.OK(c, gin.H{"pong": true})
	})
}

func newTestEngine(checkers ...apphttp.HealthChecker) *gin.Engine {
	return New(&apphttp.App{
		Config:  testConfig{},
		Logger:  logger.New("development"),
		Health:  checkers,
		Modules: []apphttp.Module{pingModule{}},
	})
}

func serve(engine *gin.Engine, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	return rec
}

func TestHealthReportsDependencies(t *testing.T) {
	rec := serve(newTestEngine(stubChecker{}, stubChecker{}), httptest.NewRequest(http.MethodGet, "/api/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	rec = serve(newTestEngine(stubChecker{}, stubChecker{err: errors.New("down")}), httptest.NewRequest(http.MethodGet, "/api/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when a dependency is down, got %d", rec.Code)
	}
}

func TestModuleRoutesRequireAuthentication(t *testing.T) {
	engine := newTestEngine()

	for _, path := range []string{"/api/v1/ping", "/api/v1/admin/ping"} {
		rec := serve(engine, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s: expected 401 without a token, got %d", path, rec.Code)
		}
	}
}

func TestResponsesCarryRequestID(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set("X-Request-ID", "req-123")

	rec := serve(newTestEngine(), req)
	if got := rec.Header().Get("X-Request-ID"); got != "req-123" {
		t.Fatalf("expected propagated request id, got %q", got)
	}
}

func TestCORSAllowsConfiguredOrigin(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set("Origin", "http://localhost:3000")

	rec := serve(newTestEngine(), req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Fatalf("expected allowed origin header, got %q", got)
	}
}
