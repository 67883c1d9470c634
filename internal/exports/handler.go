package exports

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"rivvi_backend/internal/adapters/storage"
	"rivvi_backend/platform/httpkit"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	defaultRowLimit = 50000
	maxRowLimit     = 200000
)

// ReportSource is the data the run report is built from.
type ReportSource interface {
	GetRun(ctx context.Context, orgID, runID uuid.UUID) (ReportRun, error)
	ListRunReport(ctx context.Context, runID uuid.UUID, limit int) ([]ReportRow, error)
}

// Presigner issues time-limited download links for stored objects.
type Presigner interface {
	GenerateDownloadURL(ctx context.Context, bucket, fileKey string) (*storage.PresignedURL, error)
}

// RunFilesResponse links to a run's archived source file and processed rows.
type RunFilesResponse struct {
	Source    *storage.PresignedURL `json:"source,omitempty"`
	Processed *storage.PresignedURL `json:"processed,omitempty"`
}

// Handler handles export requests.
type Handler struct {
	source    ReportSource
	presigner Presigner
}

// NewHandler creates a new export handler. presigner may be nil, which
// disables file links.
func NewHandler(source ReportSource, presigner Presigner) *Handler {
	return &Handler{source: source, presigner: presigner}
}

// ExportRunReport streams a run's patients and call outcomes as CSV.
// GET /api/v1/runs/:id/report.csv
func (h *Handler) ExportRunReport(c *gin.Context) {
	identity := httpkit.MustGetIdentity(c)
	if identity == nil {
		return
	}

	runID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		httpkit.Error(c, http.StatusBadRequest, "invalid id", nil)
		return
	}

	run, err := h.source.GetRun(c.Request.Context(), identity.OrgID(), runID)
	if httpkit.HandleError(c, err) {
		return
	}

	rows, err := h.source.ListRunReport(c.Request.Context(), run.ID, parseLimit(c, defaultRowLimit, maxRowLimit))
	if httpkit.HandleError(c, err) {
		return
	}

	writer := startCsvResponse(c, run)
	for _, row := range rows {
		if err := writer.Write(buildReportLine(row).CSV()); err != nil {
			return
		}
	}
	writer.Flush()
}

// RunFiles returns presigned links to the run's uploaded file and the
// processed row snapshot, when they exist.
// GET /api/v1/runs/:id/files
func (h *Handler) RunFiles(c *gin.Context) {
	identity := httpkit.MustGetIdentity(c)
	if identity == nil {
		return
	}

	runID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		httpkit.Error(c, http.StatusBadRequest, "invalid id", nil)
		return
	}

	run, err := h.source.GetRun(c.Request.Context(), identity.OrgID(), runID)
	if httpkit.HandleError(c, err) {
		return
	}

	var resp RunFilesResponse
	if resp.Source, err = h.presign(c.Request.Context(), run.FileRef); httpkit.HandleError(c, err) {
		return
	}
	if resp.Processed, err = h.presign(c.Request.Context(), run.ProcessedRef); httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, resp)
}

func (h *Handler) presign(ctx context.Context, ref *string) (*storage.PresignedURL, error) {
	if ref == nil || h.presigner == nil {
		return nil, nil
	}
	bucket, key, ok := storage.SplitReference(*ref)
	if !ok {
		return nil, fmt.Errorf("malformed object reference %q", *ref)
	}
	return h.presigner.GenerateDownloadURL(ctx, bucket, key)
}

// ---- Helpers ----

type callResult struct {
	Duration    *float64 `json:"duration"`
	Disposition string   `json:"disposition"`
	Error       string   `json:"error"`
}

type reportLine struct {
	PatientID   string
	FirstName   string
	LastName    string
	Phone       string
	DOB         string
	CallID      string
	Direction   string
	Status      string
	Disposition string
	Duration    string
	Error       string
	UpdatedAt   string
}

func (l reportLine) CSV() []string {
	return []string{
		l.PatientID,
		l.FirstName,
		l.LastName,
		l.Phone,
		l.DOB,
		l.CallID,
		l.Direction,
		l.Status,
		l.Disposition,
		l.Duration,
		l.Error,
		l.UpdatedAt,
	}
}

func csvHeaders() []string {
	return []string{
		"Patient ID",
		"First Name",
		"Last Name",
		"Phone",
		"Date of Birth",
		"Call ID",
		"Direction",
		"Call Status",
		"Disposition",
		"Duration Seconds",
		"Error",
		"Updated At",
	}
}

func buildReportLine(row ReportRow) reportLine {
	line := reportLine{
		PatientID: row.PatientID.String(),
		FirstName: row.FirstName,
		LastName:  row.LastName,
		Phone:     row.Phone,
		DOB:       row.DOB,
	}
	if row.CallID == nil {
		line.Status = "NOT_CALLED"
		return line
	}

	line.CallID = row.CallID.String()
	line.Direction = deref(row.Direction)
	line.Status = deref(row.CallStatus)
	if row.CallUpdatedAt != nil {
		line.UpdatedAt = row.CallUpdatedAt.UTC().Format(time.RFC3339)
	}

	var result callResult
	if len(row.Result) > 0 && json.Unmarshal(row.Result, &result) == nil {
		line.Disposition = result.Disposition
		line.Error = result.Error
		if result.Duration != nil {
			line.Duration = strconv.FormatFloat(*result.Duration, 'f', -1, 64)
		}
	}
	return line
}

func startCsvResponse(c *gin.Context, run ReportRun) *csv.Writer {
	c.Header("Content-Type", "text/csv")
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%s", reportFilename(run)))
	c.Status(http.StatusOK)

	writer := csv.NewWriter(c.Writer)
	_ = writer.Write(csvHeaders())
	return writer
}

func reportFilename(run ReportRun) string {
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		case r == ' ':
			return '-'
		default:
			return -1
		}
	}, strings.TrimSpace(run.Name))
	if name == "" {
		name = run.ID.String()
	}
	return name + "-report.csv"
}

func parseLimit(c *gin.Context, fallback int, max int) int {
	raw := strings.TrimSpace(c.Query("limit"))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		return fallback
	}
	if value > max {
		return max
	}
	return value
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
