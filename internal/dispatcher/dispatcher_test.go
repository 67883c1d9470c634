package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"rivvi_backend/internal/provider"
	"rivvi_backend/internal/runstate"
	"rivvi_backend/platform/apperr"
	"rivvi_backend/platform/logger"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

type testDispatchConfig struct {
	maxConcurrent int
	batchSize     int
}

func (c testDispatchConfig) GetMaxConcurrentCalls() int            { return c.maxConcurrent }
func (c testDispatchConfig) GetDispatchBatchSize() int             { return c.batchSize }
func (c testDispatchConfig) GetDispatchBatchDelay() time.Duration  { return time.Millisecond }
func (c testDispatchConfig) GetDispatchBackoffBase() time.Duration { return time.Millisecond }
func (c testDispatchConfig) GetDispatchBackoffMax() time.Duration  { return 5 * time.Millisecond }

type fakeRuns struct {
	mu       sync.Mutex
	target   Target
	patients []Patient
	listErr  error
	statuses []runstate.Status
}

func (f *fakeRuns) LoadDispatchTarget(context.Context, uuid.UUID) (Target, error) {
	return f.target, nil
}

func (f *fakeRuns) ListUndispatchedPatients(context.Context, uuid.UUID) ([]Patient, error) {
	return f.patients, f.listErr
}

func (f *fakeRuns) UpdateRunStatus(_ context.Context, _ uuid.UUID, status runstate.Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, status)
	return nil
}

func (f *fakeRuns) lastStatus() runstate.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.statuses) == 0 {
		return ""
	}
	return f.statuses[len(f.statuses)-1]
}

type fakeCalls struct {
	mu         sync.Mutex
	created    int
	dispatched map[uuid.UUID]string
	failed     map[uuid.UUID]string
	// taken holds patients whose attempt another pass already recorded.
	taken map[uuid.UUID]bool
	// unwritable holds patients whose attempt cannot be recorded.
	unwritable map[uuid.UUID]bool
}

func newFakeCalls() *fakeCalls {
	return &fakeCalls{
		dispatched: map[uuid.UUID]string{},
		failed:     map[uuid.UUID]string{},
		taken:      map[uuid.UUID]bool{},
		unwritable: map[uuid.UUID]bool{},
	}
}

func (f *fakeCalls) CreateOutboundCall(_ context.Context, _, _, patientID uuid.UUID) (uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.taken[patientID] {
		return uuid.Nil, apperr.Conflict("call already dispatched for patient")
	}
	if f.unwritable[patientID] {
		return uuid.Nil, errors.New("connection reset")
	}
	f.created++
	return uuid.New(), nil
}

func (f *fakeCalls) MarkDispatched(_ context.Context, callID uuid.UUID, providerCallID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dispatched[callID] = providerCallID
	return nil
}

func (f *fakeCalls) MarkDispatchFailed(_ context.Context, callID uuid.UUID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed[callID] = reason
	return nil
}

// fakeCaller settles every accepted call immediately, as if its webhook
// arrived before the dispatch returned.
type fakeCaller struct {
	mu        sync.Mutex
	store     *runstate.Store
	runID     uuid.UUID
	calls     []provider.CallRequest
	maxActive int64
	failFor   map[string]bool
	onCall    func(n int)
	noSettle  bool
}

func (f *fakeCaller) MakeCall(ctx context.Context, call provider.CallRequest) (provider.CallResponse, error) {
	state, err := f.store.Get(ctx, f.runID)
	if err != nil {
		return provider.CallResponse{}, err
	}

	f.mu.Lock()
	f.calls = append(f.calls, call)
	n := len(f.calls)
	if state.ActiveCalls > f.maxActive {
		f.maxActive = state.ActiveCalls
	}
	fail := f.failFor[call.ToNumber]
	f.mu.Unlock()

	if f.onCall != nil {
		f.onCall(n)
	}
	if fail {
		return provider.CallResponse{}, errors.New("number unreachable")
	}
	if !f.noSettle {
		if err := f.store.ApplyDelta(ctx, f.runID, runstate.Delta{Active: -1, Completed: 1}, nil); err != nil {
			return provider.CallResponse{}, err
		}
	}
	return provider.CallResponse{CallID: "call_" + call.Metadata["rowId"]}, nil
}

type harness struct {
	store  *runstate.Store
	runs   *fakeRuns
	calls  *fakeCalls
	caller *fakeCaller
	disp   *Dispatcher
	runID  uuid.UUID
}

func newHarness(t *testing.T, patients int, cfg testDispatchConfig) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	log := logger.New("development")
	store := runstate.NewStore(rdb, nil, log)
	runID, orgID, campaignID := uuid.New(), uuid.New(), uuid.New()
	ctx := context.Background()

	if _, err := store.Initialize(ctx, runID, campaignID, orgID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	running := runstate.StatusRunning
	if err := store.ApplyDelta(ctx, runID, runstate.Delta{Pending: int64(patients)}, &running); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	list := make([]Patient, patients)
	for i := range list {
		list[i] = Patient{
			ID:        uuid.New(),
			FirstName: "Pat",
			LastName:  "Doe",
			Phone:     fmt.Sprintf("+1650253%04d", i),
			DOB:       "1990-01-01",
		}
	}

	runs := &fakeRuns{
		target: Target{
			RunID:      runID,
			OrgID:      orgID,
			CampaignID: campaignID,
			AgentID:    "agent_1",
			Variables:  map[string]string{"clinic": "Main"},
		},
		patients: list,
	}
	calls := newFakeCalls()
	caller := &fakeCaller{store: store, runID: runID, failFor: map[string]bool{}}

	return &harness{
		store:  store,
		runs:   runs,
		calls:  calls,
		caller: caller,
		disp:   New(store, runs, calls, caller, cfg, log),
		runID:  runID,
	}
}

func TestRunDispatchesEveryPatientAndCompletes(t *testing.T) {
	h := newHarness(t, 7, testDispatchConfig{maxConcurrent: 2, batchSize: 3})
	h.caller.failFor[h.runs.patients[4].Phone] = true

	if err := h.disp.Run(context.Background(), h.runID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(h.caller.calls) != 7 {
		t.Fatalf("expected 7 provider calls, got %d", len(h.caller.calls))
	}
	if h.caller.maxActive > 2 {
		t.Fatalf("expected at most 2 active calls at dispatch, saw %d", h.caller.maxActive)
	}

	state, err := h.store.Get(context.Background(), h.runID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state.TotalCalls != 7 || state.CompletedCalls != 6 || state.FailedCalls != 1 || state.ActiveCalls != 0 || state.PendingCalls != 0 {
		t.Fatalf("unexpected counters: %+v", state)
	}
	if state.Status != runstate.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", state.Status)
	}
	if h.runs.lastStatus() != runstate.StatusCompleted {
		t.Fatalf("expected durable status COMPLETED, got %q", h.runs.lastStatus())
	}
	if len(h.calls.failed) != 1 || len(h.calls.dispatched) != 6 {
		t.Fatalf("expected 6 dispatched and 1 failed call record, got %d and %d", len(h.calls.dispatched), len(h.calls.failed))
	}
}

func TestRunPassesPromptVariablesAndMetadata(t *testing.T) {
	h := newHarness(t, 1, testDispatchConfig{maxConcurrent: 5, batchSize: 5})
	h.runs.patients[0].DOB = time.Now().AddDate(-10, 0, 0).Format("2006-01-02")
	h.runs.patients[0].Variables = map[string]string{"provider_name": "Dr. Who"}

	if err := h.disp.Run(context.Background(), h.runID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	call := h.caller.calls[0]
	if call.AgentID != "agent_1" {
		t.Fatalf("expected agent override, got %q", call.AgentID)
	}
	wantVars := map[string]string{
		"first_name":    "Pat",
		"last_name":     "Doe",
		"is_minor":      "TRUE",
		"clinic":        "Main",
		"provider_name": "Dr. Who",
	}
	for k, v := range wantVars {
		if call.Variables[k] != v {
			t.Errorf("expected variable %s=%q, got %q", k, v, call.Variables[k])
		}
	}
	for _, k := range []string{"runId", "campaignId", "orgId", "rowId", "callId"} {
		if call.Metadata[k] == "" {
			t.Errorf("expected metadata %s to be set", k)
		}
	}
	if call.Metadata["rowId"] != h.runs.patients[0].ID.String() {
		t.Errorf("expected rowId to carry the patient id")
	}
}

func TestRunBacksOffWhileCeilingIsReached(t *testing.T) {
	h := newHarness(t, 2, testDispatchConfig{maxConcurrent: 2, batchSize: 2})
	ctx := context.Background()

	// Two calls from an earlier pass are still active.
	if err := h.store.ApplyDelta(ctx, h.runID, runstate.Delta{Total: 2, Active: 2}, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sleeps := 0
	h.disp.sleep = func(ctx context.Context, d time.Duration) error {
		sleeps++
		if sleeps == 2 {
			return h.store.ApplyDelta(ctx, h.runID, runstate.Delta{Active: -2, Completed: 2}, nil)
		}
		return nil
	}

	if err := h.disp.Run(ctx, h.runID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sleeps != 2 {
		t.Fatalf("expected 2 backoff sleeps, got %d", sleeps)
	}
	if len(h.caller.calls) != 2 {
		t.Fatalf("expected both patients to be dispatched after backoff, got %d", len(h.caller.calls))
	}
	if h.caller.maxActive > 2 {
		t.Fatalf("expected at most 2 active calls, saw %d", h.caller.maxActive)
	}
}

func TestRunSkipsPatientOwnedByAnotherPass(t *testing.T) {
	h := newHarness(t, 3, testDispatchConfig{maxConcurrent: 10, batchSize: 3})
	ctx := context.Background()
	h.calls.taken[h.runs.patients[1].ID] = true
	h.caller.noSettle = true

	if err := h.disp.Run(ctx, h.runID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(h.caller.calls) != 2 {
		t.Fatalf("expected 2 provider calls, got %d", len(h.caller.calls))
	}

	state, err := h.store.Get(ctx, h.runID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state.TotalCalls != 2 || state.ActiveCalls != 2 || state.PendingCalls != 1 || state.FailedCalls != 0 {
		t.Fatalf("expected the skipped reservation to be returned, got %+v", state)
	}
}

func TestRunReturnsSlotWhenAttemptCannotBeRecorded(t *testing.T) {
	h := newHarness(t, 3, testDispatchConfig{maxConcurrent: 10, batchSize: 3})
	ctx := context.Background()
	h.calls.unwritable[h.runs.patients[0].ID] = true
	h.caller.noSettle = true

	if err := h.disp.Run(ctx, h.runID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(h.caller.calls) != 2 {
		t.Fatalf("expected 2 provider calls, got %d", len(h.caller.calls))
	}

	state, err := h.store.Get(ctx, h.runID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state.TotalCalls != 2 || state.FailedCalls != 0 || state.PendingCalls != 1 || state.ActiveCalls != 2 {
		t.Fatalf("expected the unrecorded patient to stay pending, got %+v", state)
	}

	// A later pass picks the patient up once the attempt can be written.
	h.calls.unwritable = map[uuid.UUID]bool{}
	h.runs.patients = h.runs.patients[:1]
	if err := h.disp.Run(ctx, h.runID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	state, err = h.store.Get(ctx, h.runID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state.TotalCalls != 3 || state.PendingCalls != 0 {
		t.Fatalf("expected the patient to be counted once, got %+v", state)
	}
}

func TestRunStopsWhenPaused(t *testing.T) {
	h := newHarness(t, 4, testDispatchConfig{maxConcurrent: 10, batchSize: 2})
	ctx := context.Background()
	h.caller.noSettle = true
	h.caller.onCall = func(n int) {
		if n == 1 {
			paused := runstate.StatusPaused
			_ = h.store.ApplyDelta(ctx, h.runID, runstate.Delta{}, &paused)
		}
	}

	if err := h.disp.Run(ctx, h.runID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(h.caller.calls) != 2 {
		t.Fatalf("expected only the first batch to be dispatched, got %d calls", len(h.caller.calls))
	}

	state, err := h.store.Get(ctx, h.runID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state.Status != runstate.StatusPaused || state.PendingCalls != 2 || state.ActiveCalls != 2 {
		t.Fatalf("unexpected state after pause: %+v", state)
	}
}

func TestRunSkipsRunThatIsNotRunning(t *testing.T) {
	h := newHarness(t, 3, testDispatchConfig{maxConcurrent: 10, batchSize: 2})
	ctx := context.Background()
	ready := runstate.StatusReady
	if err := h.store.ApplyDelta(ctx, h.runID, runstate.Delta{}, &ready); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := h.disp.Run(ctx, h.runID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(h.caller.calls) != 0 {
		t.Fatalf("expected no calls, got %d", len(h.caller.calls))
	}
}

func TestRunLevelFailureMarksRunFailed(t *testing.T) {
	h := newHarness(t, 3, testDispatchConfig{maxConcurrent: 10, batchSize: 2})
	h.runs.listErr = errors.New("connection reset")

	err := h.disp.Run(context.Background(), h.runID)
	if !errors.Is(err, h.runs.listErr) {
		t.Fatalf("expected list error to propagate, got %v", err)
	}

	state, _ := h.store.Get(context.Background(), h.runID)
	if state.Status != runstate.StatusFailed {
		t.Fatalf("expected run state FAILED, got %s", state.Status)
	}
	if h.runs.lastStatus() != runstate.StatusFailed {
		t.Fatalf("expected durable status FAILED, got %q", h.runs.lastStatus())
	}
}

func TestRunCancellationLeavesRunUntouched(t *testing.T) {
	h := newHarness(t, 2, testDispatchConfig{maxConcurrent: 1, batchSize: 2})
	ctx, cancel := context.WithCancel(context.Background())

	if err := h.store.ApplyDelta(ctx, h.runID, runstate.Delta{Total: 1, Active: 1}, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	h.disp.sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}

	if err := h.disp.Run(ctx, h.runID); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	state, _ := h.store.Get(context.Background(), h.runID)
	if state.Status != runstate.StatusRunning {
		t.Fatalf("expected run to stay RUNNING, got %s", state.Status)
	}
}

func TestMinorFlag(t *testing.T) {
	now := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		dob  string
		want string
	}{
		{"2006-06-16", "TRUE"},
		{"2006-06-15", "FALSE"},
		{"1980-01-01", "FALSE"},
		{"garbage", "FALSE"},
	}
	for _, tc := range cases {
		if got := minorFlag(tc.dob, now); got != tc.want {
			t.Errorf("minorFlag(%q) = %q, want %q", tc.dob, got, tc.want)
		}
	}
}

func TestBackoffDoublesUpToMax(t *testing.T) {
	b := Backoff{Initial: time.Second, Max: 5 * time.Second}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for i, w := range want {
		if got := b.NextDelay(i + 1); got != w {
			t.Errorf("attempt %d: expected %s, got %s", i+1, w, got)
		}
	}
}
