package dedup

import (
	"context"
	"errors"
	"sync"
	"testing"

	"rivvi_backend/platform/logger"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

type fakePatientStore struct {
	mu     sync.Mutex
	byHash map[string]uuid.UUID
	calls  int
	err    error
}

func newFakePatientStore() *fakePatientStore {
	return &fakePatientStore{byHash: make(map[string]uuid.UUID)}
}

func (s *fakePatientStore) UpsertPatient(_ context.Context, _ uuid.UUID, identity Identity) (uuid.UUID, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return uuid.Nil, false, s.err
	}
	if id, ok := s.byHash[identity.Hash]; ok {
		return id, false, nil
	}
	id := uuid.New()
	s.byHash[identity.Hash] = id
	return id, true, nil
}

func newTestEngine(t *testing.T) (*Engine, *fakePatientStore, *RedisIndex) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	store := newFakePatientStore()
	index := NewRedisIndex(rdb)
	return NewEngine(index, store, logger.New("development")), store, index
}

func TestBatchResolveDeduplicatesIdenticalRows(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	orgID := uuid.New()

	rows := []Row{
		{FirstName: "john", LastName: "doe", Phone: "650-253-0000", DOB: "1990-01-01"},
		{FirstName: " JOHN ", LastName: "Doe", Phone: "(650) 253-0000", DOB: "01/01/1990"},
		{FirstName: "John", LastName: "Doe", Phone: "650-253-0001", DOB: "1990-01-01"},
	}

	result, err := engine.BatchResolve(context.Background(), orgID, rows)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Resolved) != 3 || len(result.Invalid) != 0 {
		t.Fatalf("expected 3 resolved rows, got %d resolved and %d invalid", len(result.Resolved), len(result.Invalid))
	}

	first, second, third := result.Resolved[0], result.Resolved[1], result.Resolved[2]
	if first.PatientID != second.PatientID {
		t.Fatal("expected rows with identical normalized fields to share a patient")
	}
	if !first.IsNew || second.IsNew {
		t.Fatalf("expected first row new and second existing, got %v and %v", first.IsNew, second.IsNew)
	}
	if third.PatientID == first.PatientID {
		t.Fatal("expected a different phone to resolve to a different patient")
	}
	if store.calls != 2 {
		t.Fatalf("expected the index to short-circuit the repeat row, got %d store calls", store.calls)
	}
}

func TestBatchResolveIsolatesInvalidRows(t *testing.T) {
	engine, store, _ := newTestEngine(t)

	rows := []Row{
		{FirstName: "Jane", LastName: "Roe", Phone: "abc", DOB: "1985-05-05"},
		{FirstName: "Jane", LastName: "Roe", Phone: "650-253-0000", DOB: "1985-05-05"},
	}

	result, err := engine.BatchResolve(context.Background(), uuid.New(), rows)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Invalid) != 1 || result.Invalid[0].Index != 0 {
		t.Fatalf("expected row 0 to be invalid, got %+v", result.Invalid)
	}
	if got := result.Invalid[0].Errors; len(got) != 1 || got[0] != "Invalid phone number" {
		t.Fatalf("expected Invalid phone number, got %v", got)
	}
	if len(result.Resolved) != 1 {
		t.Fatalf("expected the valid row to resolve, got %d", len(result.Resolved))
	}
	if store.calls != 1 {
		t.Fatalf("expected no patient to be created for the invalid row, got %d store calls", store.calls)
	}
}

func TestBatchResolveAbortsOnStoreFailure(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	store.err = errors.New("connection refused")

	_, err := engine.BatchResolve(context.Background(), uuid.New(), []Row{
		{FirstName: "Jane", LastName: "Roe", Phone: "650-253-0000", DOB: "1985-05-05"},
	})
	if !errors.Is(err, store.err) {
		t.Fatalf("expected store error to propagate, got %v", err)
	}
}

func TestResolveInLeavesIndexUntouched(t *testing.T) {
	engine, _, index := newTestEngine(t)
	ctx := context.Background()
	txStore := newFakePatientStore()

	res, err := engine.ResolveIn(ctx, txStore, uuid.New(), Row{FirstName: "Ann", LastName: "Lee", Phone: "650-253-0000", DOB: "2001-02-03"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok, _ := index.Lookup(ctx, res.Identity.Hash); ok {
		t.Fatal("expected index to stay empty before Remember")
	}

	if _, err := engine.Remember(ctx, res.Identity.Hash, res.PatientID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	id, ok, err := index.Lookup(ctx, res.Identity.Hash)
	if err != nil || !ok || id != res.PatientID {
		t.Fatalf("expected indexed patient %s, got %s (ok=%v err=%v)", res.PatientID, id, ok, err)
	}
}

func TestRememberKeepsFirstIndexedPatient(t *testing.T) {
	_, _, index := newTestEngine(t)
	ctx := context.Background()
	first, second := uuid.New(), uuid.New()

	if got, err := index.Remember(ctx, "h", first); err != nil || got != first {
		t.Fatalf("expected %s, got %s (%v)", first, got, err)
	}
	if got, err := index.Remember(ctx, "h", second); err != nil || got != first {
		t.Fatalf("expected first patient to win, got %s (%v)", got, err)
	}
}
