package runstate

import (
	"context"
	"sync"
	"testing"

	"rivvi_backend/internal/events"
	"rivvi_backend/platform/apperr"
	"rivvi_backend/platform/logger"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const fmtExpectedField = "expected %s=%d, got %d"

type recordingBus struct {
	mu     sync.Mutex
	events []events.Event
}

func (b *recordingBus) Publish(_ context.Context, event events.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
}

func (b *recordingBus) Subscribe(string, events.Handler) {}

func (b *recordingBus) statuses() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.events))
	for _, e := range b.events {
		if changed, ok := e.(events.RunStatusChanged); ok {
			out = append(out, changed.To)
		}
	}
	return out
}

func newTestStore(t *testing.T) (*Store, *recordingBus) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	bus := &recordingBus{}
	return NewStore(rdb, bus, logger.New("development")), bus
}

func initRun(t *testing.T, store *Store, orgID uuid.UUID) uuid.UUID {
	t.Helper()
	runID := uuid.New()
	if _, err := store.Initialize(context.Background(), runID, uuid.New(), orgID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return runID
}

func TestInitializeCreatesPendingState(t *testing.T) {
	store, bus := newTestStore(t)
	ctx := context.Background()
	runID, campaignID, orgID := uuid.New(), uuid.New(), uuid.New()

	state, err := store.Initialize(ctx, runID, campaignID, orgID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state.Status != StatusPending || state.TotalCalls != 0 {
		t.Fatalf("unexpected initial state: %+v", state)
	}

	got, err := store.Get(ctx, runID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.OrgID != orgID || got.CampaignID != campaignID || got.Status != StatusPending {
		t.Fatalf("unexpected stored state: %+v", got)
	}
	if got.LastUpdated.IsZero() {
		t.Fatal("expected lastUpdated to be set")
	}
	if statuses := bus.statuses(); len(statuses) != 1 || statuses[0] != string(StatusPending) {
		t.Fatalf("expected one PENDING notification, got %v", statuses)
	}
}

func TestInitializeTwiceConflicts(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	runID, campaignID, orgID := uuid.New(), uuid.New(), uuid.New()

	if _, err := store.Initialize(ctx, runID, campaignID, orgID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err := store.Initialize(ctx, runID, campaignID, orgID)
	if !apperr.Is(err, apperr.KindConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestGetAndApplyDeltaOnMissingRun(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	if _, err := store.Get(ctx, uuid.New()); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected not found from Get, got %v", err)
	}
	if err := store.ApplyDelta(ctx, uuid.New(), Reservation, nil); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected not found from ApplyDelta, got %v", err)
	}
	if _, err := store.CompleteIfDone(ctx, uuid.New()); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected not found from CompleteIfDone, got %v", err)
	}
}

func TestApplyDeltaSumsConcurrentDeltas(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	runID := initRun(t, store, uuid.New())

	if err := store.ApplyDelta(ctx, runID, Delta{Pending: 50}, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			delta := Reservation
			if i%2 == 0 {
				delta = delta.Add(Delta{Active: -1, Completed: 1})
			}
			if err := store.ApplyDelta(ctx, runID, delta, nil); err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	state, err := store.Get(ctx, runID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	checks := []struct {
		name string
		want int64
		got  int64
	}{
		{"totalCalls", 50, state.TotalCalls},
		{"activeCalls", 25, state.ActiveCalls},
		{"completedCalls", 25, state.CompletedCalls},
		{"pendingCalls", 0, state.PendingCalls},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf(fmtExpectedField, c.name, c.want, c.got)
		}
	}
}

func TestApplyDeltaClampsAtZero(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	runID := initRun(t, store, uuid.New())

	if err := store.ApplyDelta(ctx, runID, Delta{Active: -1, Completed: 1}, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	state, err := store.Get(ctx, runID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state.ActiveCalls != 0 {
		t.Fatalf(fmtExpectedField, "activeCalls", 0, state.ActiveCalls)
	}
	if state.CompletedCalls != 1 {
		t.Fatalf(fmtExpectedField, "completedCalls", 1, state.CompletedCalls)
	}
}

func TestApplyDeltaOverridesStatusAndNotifies(t *testing.T) {
	store, bus := newTestStore(t)
	ctx := context.Background()
	runID := initRun(t, store, uuid.New())

	if err := store.SetStatus(ctx, runID, StatusReady); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Re-applying the same status is not a transition.
	if err := store.SetStatus(ctx, runID, StatusReady); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	state, err := store.Get(ctx, runID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state.Status != StatusReady {
		t.Fatalf("expected status READY, got %s", state.Status)
	}
	statuses := bus.statuses()
	if len(statuses) != 2 || statuses[1] != string(StatusReady) {
		t.Fatalf("expected PENDING then READY notifications, got %v", statuses)
	}
}

func TestCompleteIfDoneRequiresSettledCalls(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	running := StatusRunning

	cases := []struct {
		name  string
		delta Delta
		want  bool
	}{
		{"no calls yet", Delta{}, false},
		{"active call outstanding", Delta{Total: 2, Completed: 1, Active: 1}, false},
		{"patients still pending", Delta{Total: 1, Completed: 1, Pending: 1}, false},
		{"counters disagree", Delta{Total: 2, Completed: 1}, false},
		{"all settled", Delta{Total: 3, Completed: 2, Failed: 1}, true},
	}

	for _, tc := range cases {
		runID := initRun(t, store, uuid.New())
		if err := store.ApplyDelta(ctx, runID, tc.delta, &running); err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		done, err := store.CompleteIfDone(ctx, runID)
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if done != tc.want {
			t.Errorf("%s: expected completion=%v, got %v", tc.name, tc.want, done)
		}
		state, _ := store.Get(ctx, runID)
		if tc.want && state.Status != StatusCompleted {
			t.Errorf("%s: expected COMPLETED, got %s", tc.name, state.Status)
		}
		if !tc.want && state.Status == StatusCompleted {
			t.Errorf("%s: run completed with active=%d pending=%d", tc.name, state.ActiveCalls, state.PendingCalls)
		}
	}
}

func TestConcurrentWebhooksCompleteRunOnce(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	running := StatusRunning
	runID := initRun(t, store, uuid.New())

	if err := store.ApplyDelta(ctx, runID, Delta{Total: 2, Active: 2}, &running); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	completions := 0
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := store.ApplyDelta(ctx, runID, Delta{Active: -1, Completed: 1}, nil); err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			done, err := store.CompleteIfDone(ctx, runID)
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if done {
				mu.Lock()
				completions++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	state, err := store.Get(ctx, runID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state.ActiveCalls != 0 || state.CompletedCalls != 2 || state.Status != StatusCompleted {
		t.Fatalf("unexpected final state: %+v", state)
	}
	if completions != 1 {
		t.Fatalf("expected exactly one caller to observe completion, got %d", completions)
	}
}

func TestCompleteIfDoneLeavesFailedRunAlone(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	failed := StatusFailed
	runID := initRun(t, store, uuid.New())

	if err := store.ApplyDelta(ctx, runID, Delta{Total: 1, Failed: 1}, &failed); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	done, err := store.CompleteIfDone(ctx, runID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if done {
		t.Fatal("expected FAILED run not to transition")
	}
}

func TestQueryByOrgAndCampaign(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	orgID, campaignID := uuid.New(), uuid.New()
	running := StatusRunning

	first := uuid.New()
	second := uuid.New()
	if _, err := store.Initialize(ctx, first, campaignID, orgID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := store.Initialize(ctx, second, campaignID, orgID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	initRun(t, store, uuid.New())
	if err := store.SetStatus(ctx, second, running); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	all, err := store.QueryByOrg(ctx, orgID, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 runs for org, got %d", len(all))
	}

	onlyRunning, err := store.QueryByOrg(ctx, orgID, &running)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(onlyRunning) != 1 || onlyRunning[0].RunID != second {
		t.Fatalf("expected only the running run, got %+v", onlyRunning)
	}

	byCampaign, err := store.QueryByCampaign(ctx, campaignID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(byCampaign) != 2 {
		t.Fatalf("expected 2 runs for campaign, got %d", len(byCampaign))
	}
}

func TestFindActiveRunByPhone(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	orgID := uuid.New()
	runID := initRun(t, store, orgID)

	if err := store.RegisterPhones(ctx, runID, []string{"+16502530000"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	found, err := store.FindActiveRunByPhone(ctx, orgID, "+16502530000")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if found != nil {
		t.Fatal("expected no match while run is not RUNNING")
	}

	if err := store.SetStatus(ctx, runID, StatusRunning); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	found, err = store.FindActiveRunByPhone(ctx, orgID, "+16502530000")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if found == nil || found.RunID != runID {
		t.Fatalf("expected run %s, got %+v", runID, found)
	}

	other, err := store.FindActiveRunByPhone(ctx, uuid.New(), "+16502530000")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if other != nil {
		t.Fatal("expected no match for a different organization")
	}
}

func TestTransitionAppliesOnlyFromAllowedStatus(t *testing.T) {
	store, bus := newTestStore(t)
	ctx := context.Background()
	runID := initRun(t, store, uuid.New())
	start := Transition{From: []Status{StatusReady}, To: StatusRunning}

	res, err := store.Transition(ctx, runID, start)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Applied || res.Previous != StatusPending {
		t.Fatalf("expected refusal from PENDING, got %+v", res)
	}

	if err := store.SetStatus(ctx, runID, StatusReady); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	res, err = store.Transition(ctx, runID, start)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Applied || res.Previous != StatusReady {
		t.Fatalf("expected READY -> RUNNING, got %+v", res)
	}
	res, err = store.Transition(ctx, runID, start)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Applied {
		t.Fatal("expected a second start to be refused")
	}

	got, err := store.Get(ctx, runID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Status != StatusRunning {
		t.Fatalf("expected RUNNING, got %s", got.Status)
	}
	statuses := bus.statuses()
	if len(statuses) == 0 || statuses[len(statuses)-1] != string(StatusRunning) {
		t.Fatalf("expected RUNNING to be published, got %v", statuses)
	}
}

func TestTransitionRequiringIdleRefusesActiveCalls(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	runID := initRun(t, store, uuid.New())
	running := StatusRunning
	if err := store.ApplyDelta(ctx, runID, Delta{Pending: 2}, &running); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := store.ApplyDelta(ctx, runID, Reservation, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	pause := Transition{From: []Status{StatusRunning}, To: StatusPaused, RequireIdle: true}
	res, err := store.Transition(ctx, runID, pause)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Applied || res.ActiveCalls != 1 || res.Previous != StatusRunning {
		t.Fatalf("expected refusal with one active call, got %+v", res)
	}

	if err := store.ApplyDelta(ctx, runID, Delta{Active: -1, Completed: 1}, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	res, err = store.Transition(ctx, runID, pause)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Applied {
		t.Fatalf("expected pause once idle, got %+v", res)
	}
}

func TestTransitionUnknownRunIsNotFound(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.Transition(context.Background(), uuid.New(), Transition{From: []Status{StatusReady}, To: StatusRunning})
	if !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}
