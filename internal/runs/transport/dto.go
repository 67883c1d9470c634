package transport

import (
	"time"

	"github.com/google/uuid"
)

type CreateRunRequest struct {
	Name        string     `json:"name" validate:"required,min=1,max=200"`
	CampaignID  uuid.UUID  `json:"campaignId" validate:"required"`
	ScheduledAt *time.Time `json:"scheduledAt,omitempty"`
}

type ListRunsRequest struct {
	CampaignID string `form:"campaignId" validate:"required,uuid"`
}

type RunStateQuery struct {
	Status string `form:"status" validate:"omitempty,oneof=PENDING PROCESSING READY RUNNING PAUSED COMPLETED FAILED"`
}

// LiveCounters are the run state store counters shown with a run.
type LiveCounters struct {
	TotalCalls     int64     `json:"totalCalls"`
	CompletedCalls int64     `json:"completedCalls"`
	FailedCalls    int64     `json:"failedCalls"`
	ActiveCalls    int64     `json:"activeCalls"`
	PendingCalls   int64     `json:"pendingCalls"`
	LastUpdated    time.Time `json:"lastUpdated"`
}

type RunResponse struct {
	ID           uuid.UUID     `json:"id"`
	CampaignID   uuid.UUID     `json:"campaignId"`
	Name         string        `json:"name"`
	Status       string        `json:"status"`
	FileRef      *string       `json:"fileRef,omitempty"`
	ProcessedRef *string       `json:"processedRef,omitempty"`
	TotalRows    int           `json:"totalRows"`
	InvalidRows  int           `json:"invalidRows"`
	ScheduledAt  *time.Time    `json:"scheduledAt,omitempty"`
	StartedAt    *time.Time    `json:"startedAt,omitempty"`
	PausedAt     *time.Time    `json:"pausedAt,omitempty"`
	CompletedAt  *time.Time    `json:"completedAt,omitempty"`
	CreatedAt    time.Time     `json:"createdAt"`
	UpdatedAt    time.Time     `json:"updatedAt"`
	Live         *LiveCounters `json:"live,omitempty"`
}

type RunListResponse struct {
	Items []RunResponse `json:"items"`
}

type ActiveRunResponse struct {
	Run *RunResponse `json:"run"`
}

type UploadResponse struct {
	FileRef      string `json:"fileRef"`
	ProcessedRef string `json:"processedRef"`
	TotalRows    int    `json:"totalRows"`
	ValidRows    int    `json:"validRows"`
	InvalidRows  int    `json:"invalidRows"`
	Patients     int    `json:"patients"`
}

type RunStateResponse struct {
	RunID          uuid.UUID `json:"runId"`
	CampaignID     uuid.UUID `json:"campaignId"`
	Status         string    `json:"status"`
	TotalCalls     int64     `json:"totalCalls"`
	CompletedCalls int64     `json:"completedCalls"`
	FailedCalls    int64     `json:"failedCalls"`
	ActiveCalls    int64     `json:"activeCalls"`
	PendingCalls   int64     `json:"pendingCalls"`
	LastUpdated    time.Time `json:"lastUpdated"`
}

type RunStateListResponse struct {
	Items []RunStateResponse `json:"items"`
}

type CallResponse struct {
	ID             uuid.UUID  `json:"id"`
	PatientID      *uuid.UUID `json:"patientId,omitempty"`
	ProviderCallID *string    `json:"providerCallId,omitempty"`
	Direction      string     `json:"direction"`
	Status         string     `json:"status"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

type ActiveCallsResponse struct {
	Count int            `json:"count"`
	Calls []CallResponse `json:"calls"`
}

type CallListResponse struct {
	Items []CallResponse `json:"items"`
}
