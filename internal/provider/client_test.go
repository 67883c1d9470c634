package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"rivvi_backend/platform/apperr"
	"rivvi_backend/platform/logger"
)

type testProviderConfig struct {
	url string
}

func (c testProviderConfig) GetCallProviderURL() string            { return c.url }
func (c testProviderConfig) GetCallProviderAPIKey() string         { return "key_123" }
func (c testProviderConfig) GetCallProviderFromNumber() string     { return "+16502530000" }
func (c testProviderConfig) GetCallProviderTimeout() time.Duration { return 2 * time.Second }

func TestMakeCallSendsAgentVariablesAndMetadata(t *testing.T) {
	var got createCallRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != createCallPath {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer key_123" {
			t.Errorf("unexpected auth header %q", r.Header.Get("Authorization"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		_, _ = w.Write([]byte(`{"call_id":"call_abc","call_status":"registered"}`))
	}))
	defer srv.Close()

	client := NewClient(testProviderConfig{url: srv.URL}, logger.New("development"))
	resp, err := client.MakeCall(context.Background(), CallRequest{
		ToNumber:  "+16502530001",
		AgentID:   "agent_1",
		Variables: map[string]string{"first_name": "John", "is_minor": "FALSE"},
		Metadata:  map[string]string{"runId": "r1"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.CallID != "call_abc" {
		t.Fatalf("expected call id call_abc, got %q", resp.CallID)
	}
	if got.FromNumber != "+16502530000" || got.ToNumber != "+16502530001" || got.OverrideAgentID != "agent_1" {
		t.Fatalf("unexpected request body: %+v", got)
	}
	if got.DynamicVariables["is_minor"] != "FALSE" || got.Metadata["runId"] != "r1" {
		t.Fatalf("expected variables and metadata to be forwarded, got %+v", got)
	}
}

func TestMakeCallRejectionIsProviderFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "agent not found", http.StatusNotFound)
	}))
	defer srv.Close()

	client := NewClient(testProviderConfig{url: srv.URL}, logger.New("development"))
	_, err := client.MakeCall(context.Background(), CallRequest{ToNumber: "+16502530001"})
	if !apperr.Is(err, apperr.KindProviderFailure) {
		t.Fatalf("expected provider failure, got %v", err)
	}
}

func TestMakeCallWithoutURLFails(t *testing.T) {
	client := NewClient(testProviderConfig{}, logger.New("development"))
	if _, err := client.MakeCall(context.Background(), CallRequest{}); !apperr.Is(err, apperr.KindProviderFailure) {
		t.Fatalf("expected provider failure, got %v", err)
	}
}
