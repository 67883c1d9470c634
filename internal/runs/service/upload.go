package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"rivvi_backend/internal/adapters/storage"
	"rivvi_backend/internal/dedup"
	"rivvi_backend/internal/runs/repository"
	"rivvi_backend/internal/runs/transport"
	"rivvi_backend/internal/runstate"
	"rivvi_backend/internal/upload"
	"rivvi_backend/platform/apperr"
)

// processedFile is the JSON document written for every processed upload.
type processedFile struct {
	RunID       uuid.UUID      `json:"runId"`
	ProcessedAt time.Time      `json:"processedAt"`
	ValidRows   []processedRow `json:"validRows"`
	InvalidRows []invalidRow   `json:"invalidRows"`
	Stats       processedStats `json:"stats"`
}

type processedRow struct {
	PatientID uuid.UUID         `json:"patientId"`
	FirstName string            `json:"firstName"`
	LastName  string            `json:"lastName"`
	Phone     string            `json:"phone"`
	DOB       string            `json:"dob"`
	IsNew     bool              `json:"isNewPatient"`
	Variables map[string]string `json:"variables,omitempty"`
}

type invalidRow struct {
	Row    int      `json:"row"`
	Errors []string `json:"errors"`
}

type processedStats struct {
	TotalRows   int `json:"totalRows"`
	ValidRows   int `json:"validRows"`
	InvalidRows int `json:"invalidRows"`
	NewPatients int `json:"newPatients"`
	Patients    int `json:"patients"`
}

// Upload archives the source file, resolves its rows to patients, attaches
// them to the run and leaves the run READY with its pending counter seeded.
// Any failure after the run entered PROCESSING marks it FAILED.
func (s *Service) Upload(ctx context.Context, orgID, runID uuid.UUID, file UploadFile) (transport.UploadResponse, error) {
	if err := storage.ValidateContentType(file.ContentType); err != nil {
		return transport.UploadResponse{}, err
	}
	if err := storage.ValidateFileSize(file.Size, s.buckets.MaxFileSize); err != nil {
		return transport.UploadResponse{}, err
	}

	_, live, err := s.loadLive(ctx, orgID, runID)
	if err != nil {
		return transport.UploadResponse{}, err
	}
	if err := uploadGuard.check(live); err != nil {
		return transport.UploadResponse{}, err
	}

	data, err := readUpload(file.Body, s.buckets.MaxFileSize)
	if err != nil {
		return transport.UploadResponse{}, err
	}

	now := s.now()
	rawKey := storage.RawUploadKey(runID.String(), now.UnixMilli(), file.Name)
	fileRef, err := s.store.PutObject(ctx, s.buckets.RawUploads, rawKey, file.ContentType, bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return transport.UploadResponse{}, fmt.Errorf("archive upload: %w", err)
	}
	if err := s.repo.SetFileRef(ctx, runID, fileRef); err != nil {
		return transport.UploadResponse{}, err
	}
	if err := s.advance(ctx, runID, uploadGuard); err != nil {
		return transport.UploadResponse{}, err
	}

	resp, err := s.process(ctx, orgID, runID, data, now)
	if err != nil {
		s.failRun(ctx, runID, err)
		return transport.UploadResponse{}, err
	}
	resp.FileRef = fileRef
	return resp, nil
}

func (s *Service) process(ctx context.Context, orgID, runID uuid.UUID, data []byte, now time.Time) (transport.UploadResponse, error) {
	parsed, err := upload.Parse(bytes.NewReader(data))
	switch {
	case errors.Is(err, upload.ErrEmptyFile), errors.Is(err, upload.ErrUnsupportedFormat), errors.Is(err, upload.ErrTooManyRows):
		return transport.UploadResponse{}, apperr.Validation(err.Error())
	case err != nil:
		return transport.UploadResponse{}, err
	}

	batch, err := s.patients.BatchResolve(ctx, orgID, parsed.Rows)
	if err != nil {
		return transport.UploadResponse{}, fmt.Errorf("resolve patients: %w", err)
	}

	doc := buildProcessedFile(runID, now, parsed, batch)
	if len(doc.ValidRows) == 0 {
		return transport.UploadResponse{}, apperr.Validation("Upload contains no valid rows").WithDetails(doc.InvalidRows)
	}

	processedKey := storage.ProcessedDataKey(runID.String(), now.UnixMilli())
	processedRef, err := s.store.PutJSON(ctx, s.buckets.ProcessedData, processedKey, doc)
	if err != nil {
		return transport.UploadResponse{}, fmt.Errorf("store processed upload: %w", err)
	}

	attached, err := s.repo.AttachPatients(ctx, runID, runPatients(batch.Resolved))
	if err != nil {
		return transport.UploadResponse{}, err
	}
	if err := s.state.RegisterPhones(ctx, runID, phones(batch.Resolved)); err != nil {
		return transport.UploadResponse{}, err
	}
	if err := s.repo.RecordProcessed(ctx, runID, processedRef, doc.Stats.TotalRows, doc.Stats.InvalidRows); err != nil {
		return transport.UploadResponse{}, err
	}

	ready := runstate.StatusReady
	if err := s.state.ApplyDelta(ctx, runID, runstate.Delta{Pending: int64(attached)}, &ready); err != nil {
		return transport.UploadResponse{}, fmt.Errorf("seed pending calls: %w", err)
	}
	if err := s.repo.UpdateStatus(ctx, runID, string(ready)); err != nil {
		return transport.UploadResponse{}, err
	}

	s.log.WithContext(ctx).Info("run upload processed",
		slog.String("run_id", runID.String()),
		slog.Int("total_rows", doc.Stats.TotalRows),
		slog.Int("invalid_rows", doc.Stats.InvalidRows),
		slog.Int("patients", attached),
	)

	return transport.UploadResponse{
		ProcessedRef: processedRef,
		TotalRows:    doc.Stats.TotalRows,
		ValidRows:    doc.Stats.ValidRows,
		InvalidRows:  doc.Stats.InvalidRows,
		Patients:     attached,
	}, nil
}

// failRun marks the run FAILED in both stores. Failures are logged only.
func (s *Service) failRun(ctx context.Context, runID uuid.UUID, cause error) {
	s.log.WithContext(ctx).Warn("run upload failed",
		slog.String("run_id", runID.String()),
		slog.String("error", cause.Error()),
	)
	ctx = context.WithoutCancel(ctx)
	if err := s.setStatus(ctx, runID, runstate.StatusFailed); err != nil {
		s.log.WithContext(ctx).Error("run not marked failed",
			slog.String("run_id", runID.String()),
			slog.String("error", err.Error()),
		)
	}
}

func readUpload(body io.Reader, maxSize int64) ([]byte, error) {
	if maxSize > 0 {
		body = io.LimitReader(body, maxSize+1)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("read upload: %w", err)
	}
	if maxSize > 0 && int64(len(data)) > maxSize {
		return nil, apperr.Validation(fmt.Sprintf("file exceeds maximum allowed size of %d bytes", maxSize))
	}
	return data, nil
}

func buildProcessedFile(runID uuid.UUID, now time.Time, parsed upload.Result, batch dedup.BatchResult) processedFile {
	doc := processedFile{
		RunID:       runID,
		ProcessedAt: now.UTC(),
		ValidRows:   make([]processedRow, 0, len(batch.Resolved)),
		InvalidRows: make([]invalidRow, 0, len(parsed.Errors)+len(batch.Invalid)),
	}

	patients := make(map[uuid.UUID]struct{}, len(batch.Resolved))
	for _, res := range batch.Resolved {
		doc.ValidRows = append(doc.ValidRows, processedRow{
			PatientID: res.PatientID,
			FirstName: res.Identity.FirstName,
			LastName:  res.Identity.LastName,
			Phone:     res.Identity.Phone,
			DOB:       res.Identity.DOB,
			IsNew:     res.IsNew,
			Variables: res.Extra,
		})
		if res.IsNew {
			doc.Stats.NewPatients++
		}
		patients[res.PatientID] = struct{}{}
	}

	for _, e := range parsed.Errors {
		doc.InvalidRows = append(doc.InvalidRows, invalidRow{Row: e.Row, Errors: e.Errors})
	}
	for _, inv := range batch.Invalid {
		row := inv.Index
		if inv.Index < len(parsed.Indexes) {
			row = parsed.Indexes[inv.Index]
		}
		doc.InvalidRows = append(doc.InvalidRows, invalidRow{Row: row, Errors: inv.Errors})
	}
	sort.Slice(doc.InvalidRows, func(i, j int) bool {
		return doc.InvalidRows[i].Row < doc.InvalidRows[j].Row
	})

	doc.Stats.TotalRows = parsed.Total()
	doc.Stats.ValidRows = len(doc.ValidRows)
	doc.Stats.InvalidRows = len(doc.InvalidRows)
	doc.Stats.Patients = len(patients)
	return doc
}

func runPatients(resolved []dedup.Resolution) []repository.RunPatient {
	out := make([]repository.RunPatient, len(resolved))
	for i, res := range resolved {
		out[i] = repository.RunPatient{PatientID: res.PatientID, Variables: res.Extra}
	}
	return out
}

func phones(resolved []dedup.Resolution) []string {
	seen := make(map[string]struct{}, len(resolved))
	out := make([]string, 0, len(resolved))
	for _, res := range resolved {
		if _, ok := seen[res.Identity.Phone]; ok {
			continue
		}
		seen[res.Identity.Phone] = struct{}{}
		out = append(out, res.Identity.Phone)
	}
	return out
}
