// Package provider places outbound calls through the voice-agent provider's HTTP API.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"rivvi_backend/platform/apperr"
	"rivvi_backend/platform/config"
	"rivvi_backend/platform/logger"
)

const createCallPath = "/v2/create-phone-call"

// ErrNotConfigured is returned by MakeCall when no provider URL is set.
var ErrNotConfigured = errors.New("call provider not configured")

// CallRequest is one outbound call. Variables are exposed to the agent prompt;
// Metadata is echoed back on every webhook for the call.
type CallRequest struct {
	ToNumber  string
	AgentID   string
	Variables map[string]string
	Metadata  map[string]string
}

// CallResponse is the provider's acceptance of a call.
type CallResponse struct {
	CallID string
}

type createCallRequest struct {
	FromNumber       string            `json:"from_number"`
	ToNumber         string            `json:"to_number"`
	OverrideAgentID  string            `json:"override_agent_id,omitempty"`
	DynamicVariables map[string]string `json:"retell_llm_dynamic_variables,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

type createCallResponse struct {
	CallID     string `json:"call_id"`
	CallStatus string `json:"call_status"`
}

type Client struct {
	baseURL    string
	apiKey     string
	fromNumber string
	http       *http.Client
	log        *logger.Logger
}

func NewClient(cfg config.CallProviderConfig, log *logger.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimRight(cfg.GetCallProviderURL(), "/"),
		apiKey:     cfg.GetCallProviderAPIKey(),
		fromNumber: cfg.GetCallProviderFromNumber(),
		http:       &http.Client{Timeout: cfg.GetCallProviderTimeout()},
		log:        log,
	}
}

// MakeCall asks the provider to start a call. The call itself is asynchronous;
// a nil error only means the provider accepted it.
func (c *Client) MakeCall(ctx context.Context, call CallRequest) (CallResponse, error) {
	if c.baseURL == "" {
		return CallResponse{}, apperr.ProviderFailure("call provider is not configured", ErrNotConfigured)
	}

	body, err := json.Marshal(createCallRequest{
		FromNumber:       c.fromNumber,
		ToNumber:         call.ToNumber,
		OverrideAgentID:  call.AgentID,
		DynamicVariables: call.Variables,
		Metadata:         call.Metadata,
	})
	if err != nil {
		return CallResponse{}, fmt.Errorf("marshal call request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+createCallPath, bytes.NewReader(body))
	if err != nil {
		return CallResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return CallResponse{}, apperr.ProviderFailure("call provider request failed", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= http.StatusBadRequest {
		return CallResponse{}, apperr.ProviderFailure(
			fmt.Sprintf("call provider returned %d", resp.StatusCode),
			fmt.Errorf("%s", strings.TrimSpace(string(data))),
		)
	}

	var decoded createCallResponse
	if err := json.Unmarshal(data, &decoded); err != nil {
		return CallResponse{}, apperr.ProviderFailure("call provider returned an unreadable response", err)
	}

	c.log.Debug("call accepted by provider",
		slog.String("provider_call_id", decoded.CallID),
		slog.String("status", decoded.CallStatus),
	)
	return CallResponse{CallID: decoded.CallID}, nil
}
