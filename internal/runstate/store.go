package runstate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"rivvi_backend/internal/events"
	"rivvi_backend/platform/apperr"
	"rivvi_backend/platform/logger"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	runNotFoundMsg = "run state not found"
	opApplyDelta   = "runstate.ApplyDelta"
)

// Store reads and mutates run state in Redis.
type Store struct {
	rdb *redis.Client
	bus events.Bus
	log *logger.Logger
	now func() time.Time
}

// NewStore creates a run state store.
func NewStore(rdb *redis.Client, bus events.Bus, log *logger.Logger) *Store {
	return &Store{rdb: rdb, bus: bus, log: log, now: time.Now}
}

func runKey(runID uuid.UUID) string {
	return "run:" + runID.String()
}

func runPhonesKey(runID uuid.UUID) string {
	return runKey(runID) + ":phones"
}

func orgRunsKey(orgID uuid.UUID) string {
	return "org:" + orgID.String() + ":runs"
}

func campaignRunsKey(campaignID uuid.UUID) string {
	return "campaign:" + campaignID.String() + ":runs"
}

func (s *Store) timestamp() string {
	return s.now().UTC().Format(time.RFC3339Nano)
}

// Initialize creates a PENDING state with zeroed counters.
// It fails with a Conflict error when state for runID already exists.
func (s *Store) Initialize(ctx context.Context, runID, campaignID, orgID uuid.UUID) (RunState, error) {
	now := s.timestamp()
	created, err := initScript.Run(ctx, s.rdb,
		[]string{runKey(runID), orgRunsKey(orgID), campaignRunsKey(campaignID)},
		runID.String(), orgID.String(), campaignID.String(), string(StatusPending), now,
	).Int()
	if err != nil {
		return RunState{}, fmt.Errorf("initialize run state: %w", err)
	}
	if created == 0 {
		return RunState{}, apperr.Conflict("run state already exists").WithOp("runstate.Initialize")
	}

	state := RunState{
		RunID:       runID,
		OrgID:       orgID,
		CampaignID:  campaignID,
		Status:      StatusPending,
		LastUpdated: parseTime(now),
	}
	s.publish(ctx, state, "")
	return state, nil
}

// Get returns the current state of a run.
func (s *Store) Get(ctx context.Context, runID uuid.UUID) (RunState, error) {
	values, err := s.rdb.HGetAll(ctx, runKey(runID)).Result()
	if err != nil {
		return RunState{}, fmt.Errorf("get run state: %w", err)
	}
	if len(values) == 0 {
		return RunState{}, apperr.NotFound(runNotFoundMsg).WithOp("runstate.Get")
	}
	return decode(runID, values), nil
}

// ApplyDelta atomically adds the signed deltas to the run's counters and, when
// override is non-nil, sets the status. Counters never go below zero: a
// decrement that would underflow is clamped and logged as an anomaly.
func (s *Store) ApplyDelta(ctx context.Context, runID uuid.UUID, delta Delta, override *Status) error {
	status := ""
	if override != nil {
		status = string(*override)
	}

	args := append([]interface{}{s.timestamp(), status}, delta.args()...)
	res, err := applyScript.Run(ctx, s.rdb, []string{runKey(runID)}, args...).StringSlice()
	if errors.Is(err, redis.Nil) {
		return apperr.NotFound(runNotFoundMsg).WithOp(opApplyDelta)
	}
	if err != nil {
		return fmt.Errorf("apply run delta: %w", err)
	}

	prev := ""
	if len(res) > 0 {
		prev = res[0]
	}
	if len(res) > 1 && res[1] != "" {
		s.log.WithContext(ctx).CounterAnomaly(runID.String(), strings.Split(res[1], ","))
	}

	if override != nil && prev != status {
		s.log.WithContext(ctx).RunTransition(runID.String(), prev, status)
		s.publishCurrent(ctx, runID, prev)
	}
	return nil
}

// SetStatus overrides the run status without touching counters.
func (s *Store) SetStatus(ctx context.Context, runID uuid.UUID, status Status) error {
	return s.ApplyDelta(ctx, runID, Delta{}, &status)
}

// Transition atomically applies t when its guard holds. A refused transition
// is not an error; the result reports the status and active calls that
// refused it.
func (s *Store) Transition(ctx context.Context, runID uuid.UUID, t Transition) (TransitionResult, error) {
	idle := "0"
	if t.RequireIdle {
		idle = "1"
	}
	args := []interface{}{s.timestamp(), string(t.To), idle}
	for _, from := range t.From {
		args = append(args, string(from))
	}

	res, err := transitionScript.Run(ctx, s.rdb, []string{runKey(runID)}, args...).Slice()
	if errors.Is(err, redis.Nil) {
		return TransitionResult{}, apperr.NotFound(runNotFoundMsg).WithOp("runstate.Transition")
	}
	if err != nil {
		return TransitionResult{}, fmt.Errorf("transition run: %w", err)
	}
	if len(res) != 3 {
		return TransitionResult{}, fmt.Errorf("transition run: unexpected reply %v", res)
	}

	applied, _ := res[0].(int64)
	prev, _ := res[1].(string)
	active, _ := res[2].(int64)
	result := TransitionResult{Applied: applied == 1, Previous: Status(prev), ActiveCalls: active}
	if result.Applied && prev != string(t.To) {
		s.log.WithContext(ctx).RunTransition(runID.String(), prev, string(t.To))
		s.publishCurrent(ctx, runID, prev)
	}
	return result, nil
}

// CompleteIfDone transitions the run to COMPLETED when no calls are active or
// pending and every counted call has settled. It reports whether this call
// performed the transition, so exactly one concurrent caller observes true.
func (s *Store) CompleteIfDone(ctx context.Context, runID uuid.UUID) (bool, error) {
	prev, err := completeScript.Run(ctx, s.rdb, []string{runKey(runID)}, s.timestamp()).Text()
	if errors.Is(err, redis.Nil) {
		return false, apperr.NotFound(runNotFoundMsg).WithOp("runstate.CompleteIfDone")
	}
	if err != nil {
		return false, fmt.Errorf("complete run: %w", err)
	}
	if prev == "" {
		return false, nil
	}

	s.log.WithContext(ctx).RunTransition(runID.String(), prev, string(StatusCompleted))
	s.publishCurrent(ctx, runID, prev)
	return true, nil
}

// QueryByOrg lists an organization's runs, optionally filtered by status,
// most recently updated first.
func (s *Store) QueryByOrg(ctx context.Context, orgID uuid.UUID, status *Status) ([]RunState, error) {
	states, err := s.loadIndex(ctx, orgRunsKey(orgID))
	if err != nil {
		return nil, err
	}
	if status == nil {
		return states, nil
	}
	filtered := states[:0]
	for _, st := range states {
		if st.Status == *status {
			filtered = append(filtered, st)
		}
	}
	return filtered, nil
}

// QueryByCampaign lists a campaign's runs, most recently updated first.
func (s *Store) QueryByCampaign(ctx context.Context, campaignID uuid.UUID) ([]RunState, error) {
	return s.loadIndex(ctx, campaignRunsKey(campaignID))
}

// RegisterPhones records the E.164 numbers of a run's patients so unsolicited
// inbound calls can be correlated back to it.
func (s *Store) RegisterPhones(ctx context.Context, runID uuid.UUID, phones []string) error {
	if len(phones) == 0 {
		return nil
	}
	members := make([]interface{}, len(phones))
	for i, p := range phones {
		members[i] = p
	}
	if err := s.rdb.SAdd(ctx, runPhonesKey(runID), members...).Err(); err != nil {
		return fmt.Errorf("register run phones: %w", err)
	}
	return nil
}

// FindActiveRunByPhone returns the organization's RUNNING run that contains
// phone, or nil when there is none.
func (s *Store) FindActiveRunByPhone(ctx context.Context, orgID uuid.UUID, phone string) (*RunState, error) {
	running := StatusRunning
	states, err := s.QueryByOrg(ctx, orgID, &running)
	if err != nil {
		return nil, err
	}
	if len(states) == 0 {
		return nil, nil
	}

	pipe := s.rdb.Pipeline()
	checks := make([]*redis.BoolCmd, len(states))
	for i, st := range states {
		checks[i] = pipe.SIsMember(ctx, runPhonesKey(st.RunID), phone)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("find run by phone: %w", err)
	}

	for i, cmd := range checks {
		if cmd.Val() {
			found := states[i]
			return &found, nil
		}
	}
	return nil, nil
}

func (s *Store) loadIndex(ctx context.Context, indexKey string) ([]RunState, error) {
	ids, err := s.rdb.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("load run index: %w", err)
	}
	if len(ids) == 0 {
		return []RunState{}, nil
	}

	runIDs := make([]uuid.UUID, 0, len(ids))
	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, 0, len(ids))
	for _, raw := range ids {
		id, err := uuid.Parse(raw)
		if err != nil {
			continue
		}
		runIDs = append(runIDs, id)
		cmds = append(cmds, pipe.HGetAll(ctx, runKey(id)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("load run states: %w", err)
	}

	states := make([]RunState, 0, len(cmds))
	for i, cmd := range cmds {
		values := cmd.Val()
		if len(values) == 0 {
			continue
		}
		states = append(states, decode(runIDs[i], values))
	}
	sort.Slice(states, func(i, j int) bool {
		return states[i].LastUpdated.After(states[j].LastUpdated)
	})
	return states, nil
}

// publishCurrent re-reads the state and broadcasts the transition. Failures are logged only.
func (s *Store) publishCurrent(ctx context.Context, runID uuid.UUID, from string) {
	state, err := s.Get(ctx, runID)
	if err != nil {
		s.log.Warn("run status notification skipped",
			slog.String("run_id", runID.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	s.publish(ctx, state, from)
}

func (s *Store) publish(ctx context.Context, state RunState, from string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(ctx, events.RunStatusChanged{
		BaseEvent:      events.NewBaseEvent(),
		RunID:          state.RunID,
		OrgID:          state.OrgID,
		CampaignID:     state.CampaignID,
		From:           from,
		To:             string(state.Status),
		TotalCalls:     state.TotalCalls,
		CompletedCalls: state.CompletedCalls,
		FailedCalls:    state.FailedCalls,
		ActiveCalls:    state.ActiveCalls,
	})
}

func decode(runID uuid.UUID, values map[string]string) RunState {
	orgID, _ := uuid.Parse(values[fieldOrgID])
	campaignID, _ := uuid.Parse(values[fieldCampaignID])
	return RunState{
		RunID:          runID,
		OrgID:          orgID,
		CampaignID:     campaignID,
		Status:         Status(values[fieldStatus]),
		TotalCalls:     parseCounter(values[fieldTotal]),
		CompletedCalls: parseCounter(values[fieldCompleted]),
		FailedCalls:    parseCounter(values[fieldFailed]),
		ActiveCalls:    parseCounter(values[fieldActive]),
		PendingCalls:   parseCounter(values[fieldPending]),
		LastUpdated:    parseTime(values[fieldLastUpdated]),
	}
}

func parseCounter(raw string) int64 {
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func parseTime(raw string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}
