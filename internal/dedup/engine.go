package dedup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"rivvi_backend/platform/logger"

	"github.com/google/uuid"
)

// Index is the fast hash -> patient ID lookup.
type Index interface {
	Lookup(ctx context.Context, hash string) (uuid.UUID, bool, error)
	// Remember stores hash -> patientID unless the hash is already indexed,
	// and returns the ID that ends up indexed.
	Remember(ctx context.Context, hash string, patientID uuid.UUID) (uuid.UUID, error)
}

// PatientStore is the durable patient table, keyed by identity hash.
type PatientStore interface {
	// UpsertPatient inserts the identity or returns the existing row with the
	// same hash. created reports whether a new row was written.
	UpsertPatient(ctx context.Context, orgID uuid.UUID, identity Identity) (patientID uuid.UUID, created bool, err error)
}

// Resolution is a row resolved to a patient.
type Resolution struct {
	PatientID uuid.UUID
	Identity  Identity
	IsNew     bool
	Extra     map[string]string
}

// InvalidRow is a row that failed normalization.
type InvalidRow struct {
	Index  int      `json:"row"`
	Errors []string `json:"errors"`
	Source Row      `json:"-"`
}

// BatchResult splits a batch into resolved and invalid rows, preserving input order.
type BatchResult struct {
	Resolved []Resolution
	Invalid  []InvalidRow
}

// Engine resolves rows to patient identities.
type Engine struct {
	index    Index
	patients PatientStore
	log      *logger.Logger
}

// NewEngine creates a deduplication engine.
func NewEngine(index Index, patients PatientStore, log *logger.Logger) *Engine {
	return &Engine{index: index, patients: patients, log: log}
}

// Resolve normalizes row and returns the matching patient, creating it when the
// hash has never been seen. Normalization failures are *ValidationError.
func (e *Engine) Resolve(ctx context.Context, orgID uuid.UUID, row Row) (Resolution, error) {
	res, err := e.resolve(ctx, e.patients, orgID, row)
	if err != nil || !res.IsNew {
		return res, err
	}
	if _, err := e.Remember(ctx, res.Identity.Hash, res.PatientID); err != nil {
		return Resolution{}, err
	}
	return res, nil
}

// ResolveIn resolves row against store, typically bound to an open
// transaction. The index is not written; call Remember after commit.
func (e *Engine) ResolveIn(ctx context.Context, store PatientStore, orgID uuid.UUID, row Row) (Resolution, error) {
	return e.resolve(ctx, store, orgID, row)
}

// Remember indexes a committed patient under its hash.
func (e *Engine) Remember(ctx context.Context, hash string, patientID uuid.UUID) (uuid.UUID, error) {
	indexed, err := e.index.Remember(ctx, hash, patientID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("index patient identity: %w", err)
	}
	if indexed != patientID {
		e.log.Warn("identity index points at a different patient",
			slog.String("hash", hash),
			slog.String("indexed_patient_id", indexed.String()),
			slog.String("patient_id", patientID.String()),
		)
	}
	return indexed, nil
}

// BatchResolve resolves every row independently. A row that fails
// normalization lands in Invalid and never aborts the batch; an
// infrastructure failure does.
func (e *Engine) BatchResolve(ctx context.Context, orgID uuid.UUID, rows []Row) (BatchResult, error) {
	result := BatchResult{
		Resolved: make([]Resolution, 0, len(rows)),
		Invalid:  []InvalidRow{},
	}
	for i, row := range rows {
		res, err := e.Resolve(ctx, orgID, row)
		var verr *ValidationError
		switch {
		case errors.As(err, &verr):
			result.Invalid = append(result.Invalid, InvalidRow{Index: i, Errors: verr.Reasons, Source: row})
		case err != nil:
			return BatchResult{}, fmt.Errorf("resolve row %d: %w", i, err)
		default:
			result.Resolved = append(result.Resolved, res)
		}
	}
	return result, nil
}

func (e *Engine) resolve(ctx context.Context, store PatientStore, orgID uuid.UUID, row Row) (Resolution, error) {
	identity, err := Normalize(row)
	if err != nil {
		return Resolution{}, err
	}

	if id, ok, err := e.index.Lookup(ctx, identity.Hash); err != nil {
		return Resolution{}, fmt.Errorf("lookup identity hash: %w", err)
	} else if ok {
		return Resolution{PatientID: id, Identity: identity, Extra: row.Extra}, nil
	}

	patientID, created, err := store.UpsertPatient(ctx, orgID, identity)
	if err != nil {
		return Resolution{}, fmt.Errorf("upsert patient: %w", err)
	}
	return Resolution{PatientID: patientID, Identity: identity, IsNew: created, Extra: row.Extra}, nil
}
