package webhook

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	apphttp "rivvi_backend/internal/http"
	"rivvi_backend/platform/httpkit"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const testSecret = "whsec_test"

func init() {
	gin.SetMode(gin.TestMode)
}

func newWebhookRouter(h *processorHarness, secret string) *gin.Engine {
	engine := gin.New()
	v1 := engine.Group("/api/v1")
	admin := v1.Group("/admin")
	admin.Use(func(c *gin.Context) {
		c.Set(httpkit.ContextUserIDKey, uuid.New())
		c.Set(httpkit.ContextOrgIDKey, h.orgID)
		c.Next()
	})
	module := NewModule(h.processor, h.queue, secret, nil)
	module.RegisterRoutes(&apphttp.RouterContext{Engine: engine, V1: v1, Admin: admin})
	return engine
}

func postEvent(t *testing.T, engine *gin.Engine, body []byte, signature string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/calls", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set(signatureHeader, signature)
	}
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	return rec
}

func TestHandleCallEventRequiresValidSignature(t *testing.T) {
	h := newProcessorHarness(t)
	engine := newWebhookRouter(h, testSecret)
	body, _ := json.Marshal(h.outbound(h.runningRun(t, 1), ""))

	if rec := postEvent(t, engine, body, ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without signature, got %d", rec.Code)
	}
	if rec := postEvent(t, engine, body, "sha256=deadbeef"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong signature, got %d", rec.Code)
	}

	rec := postEvent(t, engine, body, httpkit.SignBody(testSecret, body))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with valid signature, got %d: %s", rec.Code, rec.Body.String())
	}
	var res Result
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != StatusQueued {
		t.Fatalf("expected queued, got %s", res.Status)
	}
}

func TestHandleCallEventMapsDomainErrors(t *testing.T) {
	h := newProcessorHarness(t)
	engine := newWebhookRouter(h, "")

	ev := h.outbound(uuid.New(), "")
	ev.Metadata.RunID = ""
	body, _ := json.Marshal(ev)
	if rec := postEvent(t, engine, body, ""); rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for uncorrelated outbound event, got %d", rec.Code)
	}

	if rec := postEvent(t, engine, []byte("{not json"), ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed body, got %d", rec.Code)
	}
}

func TestHandleListDeadLettersScopesToOrganization(t *testing.T) {
	h := newProcessorHarness(t)
	engine := newWebhookRouter(h, "")
	h.queue.dead = []BatchMessage{
		{Event: Event{ID: "mine", Metadata: Metadata{OrgID: h.orgID.String()}}, FailureReason: "boom"},
		{Event: Event{ID: "theirs", Metadata: Metadata{OrgID: uuid.NewString()}}, FailureReason: "boom"},
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/dead-letters", nil)
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var body struct {
		Items []BatchMessage `json:"items"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(body.Items) != 1 || body.Items[0].Event.ID != "mine" {
		t.Fatalf("expected only the organization's dead letter, got %+v", body.Items)
	}
}
