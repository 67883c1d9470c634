package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"rivvi_backend/internal/runs/service"
	"rivvi_backend/internal/runs/transport"
	"rivvi_backend/platform/httpkit"
	"rivvi_backend/platform/validator"
)

// Handler handles HTTP requests for runs.
type Handler struct {
	svc *service.Service
	val *validator.Validator
}

const (
	msgInvalidRequest   = "invalid request"
	msgValidationFailed = "validation failed"
	msgInvalidID        = "invalid run id"
	msgMissingFile      = "No file uploaded"
	defaultCallsLimit   = 100
	maxCallsLimit       = 1000
)

// New creates a new run handler.
func New(svc *service.Service, val *validator.Validator) *Handler {
	return &Handler{svc: svc, val: val}
}

// Create registers a new run for a campaign.
// POST /api/v1/runs
func (h *Handler) Create(c *gin.Context) {
	var req transport.CreateRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgInvalidRequest, nil)
		return
	}
	if err := h.val.Struct(req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgValidationFailed, err.Error())
		return
	}
	identity := httpkit.MustGetIdentity(c)
	if identity == nil {
		return
	}

	result, err := h.svc.Create(c.Request.Context(), identity.OrgID(), req)
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.Created(c, result)
}

// List returns a campaign's runs.
// GET /api/v1/runs?campaignId=
func (h *Handler) List(c *gin.Context) {
	var req transport.ListRunsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgInvalidRequest, nil)
		return
	}
	if err := h.val.Struct(req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgValidationFailed, err.Error())
		return
	}
	identity := httpkit.MustGetIdentity(c)
	if identity == nil {
		return
	}

	result, err := h.svc.ListByCampaign(c.Request.Context(), identity.OrgID(), uuid.MustParse(req.CampaignID))
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, result)
}

// QueryStates returns the organization's live run states.
// GET /api/v1/runs/state?status=
func (h *Handler) QueryStates(c *gin.Context) {
	var req transport.RunStateQuery
	if err := c.ShouldBindQuery(&req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgInvalidRequest, nil)
		return
	}
	if err := h.val.Struct(req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgValidationFailed, err.Error())
		return
	}
	identity := httpkit.MustGetIdentity(c)
	if identity == nil {
		return
	}

	result, err := h.svc.QueryStates(c.Request.Context(), identity.OrgID(), req.Status)
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, result)
}

// ActiveRun returns the organization's active run, if any.
// GET /api/v1/organizations/active-run
func (h *Handler) ActiveRun(c *gin.Context) {
	identity := httpkit.MustGetIdentity(c)
	if identity == nil {
		return
	}

	result, err := h.svc.ActiveRun(c.Request.Context(), identity.OrgID())
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, result)
}

// Get returns one run with its live counters.
// GET /api/v1/runs/:id
func (h *Handler) Get(c *gin.Context) {
	h.withRun(c, h.svc.Get)
}

// Upload accepts the run's contact file as multipart field "file".
// POST /api/v1/runs/:id/upload
func (h *Handler) Upload(c *gin.Context) {
	runID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgInvalidID, nil)
		return
	}
	identity := httpkit.MustGetIdentity(c)
	if identity == nil {
		return
	}

	header, err := c.FormFile("file")
	if err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgMissingFile, nil)
		return
	}
	file, err := header.Open()
	if err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgMissingFile, nil)
		return
	}
	defer func() { _ = file.Close() }()

	result, err := h.svc.Upload(c.Request.Context(), identity.OrgID(), runID, service.UploadFile{
		Name:        header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Size:        header.Size,
		Body:        file,
	})
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, result)
}

// Start begins dispatching a READY run.
// POST /api/v1/runs/:id/start
func (h *Handler) Start(c *gin.Context) {
	h.withRun(c, h.svc.Start)
}

// Pause stops dispatching new calls.
// POST /api/v1/runs/:id/pause
func (h *Handler) Pause(c *gin.Context) {
	h.withRun(c, h.svc.Pause)
}

// Resume continues a paused run.
// POST /api/v1/runs/:id/resume
func (h *Handler) Resume(c *gin.Context) {
	h.withRun(c, h.svc.Resume)
}

// Finish completes a run early.
// POST /api/v1/runs/:id/finish
func (h *Handler) Finish(c *gin.Context) {
	h.withRun(c, h.svc.Finish)
}

// ActiveCalls returns the run's calls currently with the provider.
// GET /api/v1/runs/:id/calls/active
func (h *Handler) ActiveCalls(c *gin.Context) {
	runID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgInvalidID, nil)
		return
	}
	identity := httpkit.MustGetIdentity(c)
	if identity == nil {
		return
	}

	result, err := h.svc.ActiveCalls(c.Request.Context(), identity.OrgID(), runID)
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, result)
}

// ListCalls returns the run's most recent calls.
// GET /api/v1/runs/:id/calls?limit=
func (h *Handler) ListCalls(c *gin.Context) {
	runID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgInvalidID, nil)
		return
	}
	identity := httpkit.MustGetIdentity(c)
	if identity == nil {
		return
	}

	limit := defaultCallsLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > maxCallsLimit {
			httpkit.Error(c, http.StatusBadRequest, msgInvalidRequest, nil)
			return
		}
		limit = parsed
	}

	result, err := h.svc.ListCalls(c.Request.Context(), identity.OrgID(), runID, limit)
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, result)
}

type runAction func(ctx context.Context, orgID, runID uuid.UUID) (transport.RunResponse, error)

func (h *Handler) withRun(c *gin.Context, action runAction) {
	runID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgInvalidID, nil)
		return
	}
	identity := httpkit.MustGetIdentity(c)
	if identity == nil {
		return
	}

	result, err := action(c.Request.Context(), identity.OrgID(), runID)
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, result)
}
