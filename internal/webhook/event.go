package webhook

import (
	"encoding/json"
	"strings"
	"time"

	"rivvi_backend/internal/calls"
	"rivvi_backend/internal/dedup"
	"rivvi_backend/platform/sanitize"

	"github.com/google/uuid"
)

// EventCallAnalyzed is the only event type that is reconciled; the provider
// emits it once per call after the outcome is final.
const EventCallAnalyzed = "call_analyzed"

// Event directions.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Event is a call-outcome notification from the call provider. ID is the
// provider's call id.
type Event struct {
	ID         string    `json:"id" validate:"required,max=200"`
	Type       string    `json:"type" validate:"required,max=100"`
	Timestamp  time.Time `json:"timestamp" validate:"required"`
	Direction  string    `json:"direction" validate:"required,oneof=inbound outbound"`
	FromNumber string    `json:"fromNumber,omitempty" validate:"max=32"`
	ToNumber   string    `json:"toNumber,omitempty" validate:"max=32"`
	Metadata   Metadata  `json:"metadata"`
	CallData   CallData  `json:"callData"`
}

// Metadata is the correlation data attached to the call at dispatch time.
type Metadata struct {
	RunID      string `json:"runId,omitempty" validate:"omitempty,uuid"`
	CampaignID string `json:"campaignId,omitempty" validate:"omitempty,uuid"`
	OrgID      string `json:"orgId" validate:"required,uuid"`
	RowID      string `json:"rowId,omitempty" validate:"omitempty,uuid"`
	CallID     string `json:"callId,omitempty" validate:"omitempty,uuid"`
}

// CallData is the provider's outcome for the call.
type CallData struct {
	Duration    *float64     `json:"duration,omitempty" validate:"omitempty,gte=0"`
	Disposition string       `json:"disposition,omitempty" validate:"max=200"`
	Transcript  string       `json:"transcript,omitempty"`
	Error       string       `json:"error,omitempty" validate:"max=2000"`
	Patient     *PatientData `json:"patient,omitempty"`
}

// PatientData identifies the person on the call when the agent collected it.
type PatientData struct {
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	DOB       string `json:"dob"`
}

// BatchMessage carries an ingested event to the durable-persistence consumer.
type BatchMessage struct {
	Event            Event      `json:"event"`
	StorageReference string     `json:"storageReference"`
	RetryCount       int        `json:"retryCount"`
	FailureReason    string     `json:"failureReason,omitempty"`
	FailedAt         *time.Time `json:"failedAt,omitempty"`
}

// IsOutbound reports whether the call was placed by the dispatcher.
func (e Event) IsOutbound() bool {
	return e.Direction == DirectionOutbound
}

// Failed reports whether the provider flagged the call as failed.
func (e Event) Failed() bool {
	return strings.TrimSpace(e.CallData.Error) != ""
}

// OrgID parses the organization id.
func (e Event) OrgID() (uuid.UUID, error) {
	return uuid.Parse(e.Metadata.OrgID)
}

// RunID parses the run id, returning nil when the event carries none.
func (e Event) RunID() (*uuid.UUID, error) {
	return optionalUUID(e.Metadata.RunID)
}

// ledgerKey identifies a delivery for duplicate detection.
func (e Event) ledgerKey() string {
	return e.ID + ":" + e.Type
}

// patientPhone is the patient's side of the call.
func (e Event) patientPhone() string {
	if e.IsOutbound() {
		return e.ToNumber
	}
	return e.FromNumber
}

// toPersistInput maps a queued event to the durable call write.
func toPersistInput(msg BatchMessage) (calls.PersistInput, error) {
	ev := msg.Event
	orgID, err := ev.OrgID()
	if err != nil {
		return calls.PersistInput{}, err
	}
	runID, err := ev.RunID()
	if err != nil {
		return calls.PersistInput{}, err
	}
	patientID, err := optionalUUID(ev.Metadata.RowID)
	if err != nil {
		return calls.PersistInput{}, err
	}
	attemptID, err := optionalUUID(ev.Metadata.CallID)
	if err != nil {
		return calls.PersistInput{}, err
	}
	// Provider free text is stored for display.
	data := ev.CallData
	data.Disposition = sanitize.Text(data.Disposition)
	data.Error = sanitize.Text(data.Error)
	result, err := json.Marshal(data)
	if err != nil {
		return calls.PersistInput{}, err
	}

	direction := calls.DirectionInbound
	if ev.IsOutbound() {
		direction = calls.DirectionOutbound
	}
	status := calls.StatusCompleted
	if ev.Failed() {
		status = calls.StatusFailed
	}

	in := calls.PersistInput{
		Outcome: calls.Outcome{
			AttemptID:      attemptID,
			ProviderCallID: ev.ID,
			OrgID:          orgID,
			RunID:          runID,
			PatientID:      patientID,
			Direction:      direction,
			Status:         status,
			RawEventRef:    msg.StorageReference,
			Result:         result,
		},
	}
	if p := ev.CallData.Patient; p != nil {
		in.Contact = &dedup.Row{
			FirstName: p.FirstName,
			LastName:  p.LastName,
			Phone:     ev.patientPhone(),
			DOB:       p.DOB,
		}
	}
	return in, nil
}

func optionalUUID(raw string) (*uuid.UUID, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, err
	}
	return &id, nil
}
