package versioning

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrConflict is returned by a store when a write lost a race for the live row of a key.
	ErrConflict = errors.New("concurrent version conflict")
	// ErrUnknownKind is returned for kinds that were not registered with the engine.
	ErrUnknownKind = errors.New("unknown versioned kind")
	// ErrMissingNaturalKey is returned when a candidate has no value for its natural key.
	ErrMissingNaturalKey = errors.New("candidate has no natural key")
	// ErrCascadeTooDeep is returned when repointing goes further than the reference graph allows.
	ErrCascadeTooDeep = errors.New("cascade exceeded reference depth")
	// ErrStaleReference is returned when a candidate points at a row that is no longer live.
	ErrStaleReference = errors.New("reference is no longer live")
)

// Store persists versioned rows. Every method called with a context produced by RunInTx takes
// part in that transaction.
type Store interface {
	// RunInTx runs fn atomically. If fn returns an error nothing it wrote is kept.
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
	// FindLive returns the live row for key, locked for the rest of the transaction, or nil.
	FindLive(ctx context.Context, kind Kind, key string) (*Record, error)
	// FindLiveReferencing returns the live rows of kind whose field holds id, locked.
	FindLiveReferencing(ctx context.Context, kind Kind, field, id string) ([]Record, error)
	// LockLive reports whether the row id of kind is live and, if so, holds a shared lock on it
	// for the rest of the transaction so it cannot be superseded underneath the caller.
	LockLive(ctx context.Context, kind Kind, id string) (bool, error)
	// Insert writes a new row. A second live row for the same key yields ErrConflict.
	Insert(ctx context.Context, kind Kind, rec *Record) error
	// Supersede stamps version on a live row. A row that is no longer live yields ErrConflict.
	Supersede(ctx context.Context, kind Kind, id string, version time.Time) error
	// History returns every row ever stored for key, live first, then newest first.
	History(ctx context.Context, kind Kind, key string) ([]Record, error)
}
