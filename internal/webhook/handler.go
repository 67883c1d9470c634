package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"rivvi_backend/platform/httpkit"

	"github.com/gin-gonic/gin"
)

const (
	signatureHeader   = "X-Webhook-Signature"
	maxEventBodyBytes = 1 << 20

	errInvalidRequest   = "invalid request body"
	errInvalidSignature = "invalid signature"

	defaultDeadLetterLimit = 50
	maxDeadLetterLimit     = 500
)

// DeadLetterReader lists dead-lettered call events.
type DeadLetterReader interface {
	ListDeadLetters(ctx context.Context, limit int) ([]BatchMessage, error)
}

// Handler handles call-provider webhook requests.
type Handler struct {
	processor   *Processor
	deadLetters DeadLetterReader
	secret      string
}

// NewHandler creates a new webhook handler. An empty secret disables
// signature verification.
func NewHandler(processor *Processor, deadLetters DeadLetterReader, secret string) *Handler {
	return &Handler{processor: processor, deadLetters: deadLetters, secret: secret}
}

// HandleCallEvent ingests a call-outcome event.
// POST /api/v1/webhooks/calls
func (h *Handler) HandleCallEvent(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxEventBodyBytes))
	if err != nil {
		httpkit.Error(c, http.StatusBadRequest, errInvalidRequest, nil)
		return
	}

	if h.secret != "" && !httpkit.ValidSignature(h.secret, body, c.GetHeader(signatureHeader)) {
		httpkit.Error(c, http.StatusUnauthorized, errInvalidSignature, nil)
		return
	}

	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		httpkit.Error(c, http.StatusBadRequest, errInvalidRequest, err.Error())
		return
	}

	result, err := h.processor.Process(c.Request.Context(), ev)
	if httpkit.HandleError(c, err) {
		return
	}

	httpkit.OK(c, result)
}

// HandleListDeadLetters lists the organization's dead-lettered call events.
// GET /api/v1/admin/dead-letters?limit=
func (h *Handler) HandleListDeadLetters(c *gin.Context) {
	identity := httpkit.MustGetIdentity(c)
	if identity == nil {
		return
	}

	limit := defaultDeadLetterLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > maxDeadLetterLimit {
			httpkit.Error(c, http.StatusBadRequest, "invalid limit", nil)
			return
		}
		limit = parsed
	}

	messages, err := h.deadLetters.ListDeadLetters(c.Request.Context(), limit)
	if httpkit.HandleError(c, err) {
		return
	}

	orgID := identity.OrgID().String()
	items := make([]BatchMessage, 0, len(messages))
	for _, msg := range messages {
		if msg.Event.Metadata.OrgID == orgID {
			items = append(items, msg)
		}
	}

	httpkit.OK(c, gin.H{"items": items})
}
