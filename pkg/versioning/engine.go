// Package versioning keeps append-only history for mutable records. Each natural key has at most
// one live row; a detected change supersedes it and repoints every live row that referenced it.
package versioning

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/deporder"
	"github.com/Ramsey-B/fern/pkg/fingerprint"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const DefaultMaxRetries = 3

// Outcome is what one upsert did to the live row of its key.
type Outcome string

const (
	OutcomeInserted   Outcome = "inserted"
	OutcomeUnchanged  Outcome = "unchanged"
	OutcomeSuperseded Outcome = "superseded"
)

// Change describes one superseded row and its replacement.
type Change struct {
	Kind     string    `json:"kind"`
	Key      string    `json:"key"`
	OldID    string    `json:"old_id"`
	NewID    string    `json:"new_id"`
	Version  time.Time `json:"version"`
	Cascaded bool      `json:"cascaded"`
}

// Observer is told about changes after their transaction commits.
type Observer interface {
	RecordsSuperseded(ctx context.Context, changes []Change)
}

type referrer struct {
	kind  Kind
	field string
}

type repoint struct {
	kind  string
	oldID string
	newID string
	depth int
}

type Engine struct {
	store      Store
	kinds      map[string]Kind
	referrers  map[string][]referrer
	logger     ectologger.Logger
	now        func() time.Time
	maxRetries int
	observer   Observer
}

// NewEngine registers kinds and checks that every reference points at a registered kind.
func NewEngine(store Store, kinds []Kind, logger ectologger.Logger) (*Engine, error) {
	e := &Engine{
		store:      store,
		kinds:      make(map[string]Kind, len(kinds)),
		referrers:  make(map[string][]referrer),
		logger:     logger,
		now:        time.Now,
		maxRetries: DefaultMaxRetries,
	}

	for _, k := range kinds {
		if k.Name == "" || k.NaturalKey == "" {
			return nil, fmt.Errorf("kind %q needs a name and a natural key", k.Name)
		}
		if _, ok := e.kinds[k.Name]; ok {
			return nil, fmt.Errorf("kind %q registered twice", k.Name)
		}
		e.kinds[k.Name] = k
	}
	deps := make(map[string][]string, len(kinds))
	names := make([]string, 0, len(kinds))
	for _, k := range kinds {
		names = append(names, k.Name)
		for _, ref := range k.References {
			if _, ok := e.kinds[ref.Kind]; !ok {
				return nil, fmt.Errorf("kind %q references unregistered kind %q", k.Name, ref.Kind)
			}
			deps[k.Name] = append(deps[k.Name], ref.Kind)
			e.referrers[ref.Kind] = append(e.referrers[ref.Kind], referrer{kind: k, field: ref.Field})
		}
	}

	// an acyclic reference graph keeps every cascade shorter than the number of kinds
	if _, err := deporder.Resolve(deps, names); err != nil {
		return nil, fmt.Errorf("kind references: %w", err)
	}
	return e, nil
}

// WithClock replaces the source of version timestamps.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// WithMaxRetries sets how often an upsert that lost a race is retried.
func (e *Engine) WithMaxRetries(n int) *Engine {
	e.maxRetries = n
	return e
}

// WithObserver sets the observer notified of committed changes.
func (e *Engine) WithObserver(o Observer) *Engine {
	e.observer = o
	return e
}

// Kind returns the registered kind called name.
func (e *Engine) Kind(name string) (Kind, bool) {
	k, ok := e.kinds[name]
	return k, ok
}

// Upsert applies one observation of a record of kind. It inserts the first observation, returns
// the live row untouched when nothing tracked changed, and otherwise supersedes the live row,
// inserts the candidate and repoints the rows that referenced the old one. changed is true only
// in the last case.
func (e *Engine) Upsert(ctx context.Context, kindName string, candidate map[string]any) (*Record, bool, error) {
	rec, outcome, err := e.Apply(ctx, kindName, candidate)
	return rec, outcome == OutcomeSuperseded, err
}

// Apply is Upsert reporting which of the three outcomes happened.
func (e *Engine) Apply(ctx context.Context, kindName string, candidate map[string]any) (*Record, Outcome, error) {
	ctx, span := tracing.StartSpan(ctx, "versioning.Engine.Upsert")
	defer span.End()

	kind, ok := e.kinds[kindName]
	if !ok {
		return nil, "", fmt.Errorf("%w: %s", ErrUnknownKind, kindName)
	}

	key := idString(candidate[kind.NaturalKey])
	if key == "" {
		return nil, "", fmt.Errorf("%w: %s.%s", ErrMissingNaturalKey, kindName, kind.NaturalKey)
	}

	fields := make(map[string]any, len(kind.Fields)+1)
	for _, f := range kind.Columns() {
		fields[f] = candidate[f]
	}
	fp, err := fingerprint.Of(fields, kind.contentFields())
	if err != nil {
		return nil, "", fmt.Errorf("fingerprint %s %s: %w", kindName, key, err)
	}

	for attempt := 0; ; attempt++ {
		rec, outcome, changes, err := e.upsertOnce(ctx, kind, key, fp, fields)
		if errors.Is(err, ErrConflict) && attempt < e.maxRetries {
			metrics.VersionConflictsTotal.WithLabelValues(kind.Name).Inc()
			e.logger.WithContext(ctx).WithFields(map[string]any{"kind": kind.Name, "key": key, "attempt": attempt + 1}).Debug("Version conflict, retrying upsert")
			continue
		}
		if errors.Is(err, ErrStaleReference) {
			metrics.VersionedUpsertsTotal.WithLabelValues(kind.Name, "stale").Inc()
			e.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"kind": kind.Name, "key": key}).Warn("Candidate references a superseded row")
			return nil, "", err
		}
		if err != nil {
			metrics.VersionedUpsertsTotal.WithLabelValues(kind.Name, "error").Inc()
			e.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"kind": kind.Name, "key": key}).Error("Failed to upsert versioned record")
			return nil, "", err
		}

		metrics.VersionedUpsertsTotal.WithLabelValues(kind.Name, string(outcome)).Inc()
		if outcome == OutcomeSuperseded {
			e.logger.WithContext(ctx).WithFields(map[string]any{"kind": kind.Name, "key": key, "changes": len(changes)}).Debug("Superseded versioned record")
			if e.observer != nil {
				e.observer.RecordsSuperseded(ctx, changes)
			}
		}
		return rec, outcome, nil
	}
}

func (e *Engine) upsertOnce(ctx context.Context, kind Kind, key, fp string, fields map[string]any) (*Record, Outcome, []Change, error) {
	var (
		result  *Record
		outcome Outcome
		changes []Change
	)

	err := e.store.RunInTx(ctx, func(ctx context.Context) error {
		if err := e.lockReferences(ctx, kind, fields); err != nil {
			return err
		}

		live, err := e.store.FindLive(ctx, kind, key)
		if err != nil {
			return err
		}

		now := e.now().UTC()
		if live == nil {
			rec := e.newRecord(kind, key, fp, fields, now)
			if err := e.store.Insert(ctx, kind, rec); err != nil {
				return err
			}
			result, outcome = rec, OutcomeInserted
			return nil
		}

		if !e.differs(kind, live, fp, fields) {
			result, outcome = live, OutcomeUnchanged
			return nil
		}

		if err := e.store.Supersede(ctx, kind, live.ID, now); err != nil {
			return err
		}
		rec := e.newRecord(kind, key, fp, fields, now)
		if err := e.store.Insert(ctx, kind, rec); err != nil {
			return err
		}
		changes = append(changes, Change{Kind: kind.Name, Key: key, OldID: live.ID, NewID: rec.ID, Version: now})

		cascaded, err := e.cascade(ctx, repoint{kind: kind.Name, oldID: live.ID, newID: rec.ID}, now)
		if err != nil {
			return err
		}
		changes = append(changes, cascaded...)
		result, outcome = rec, OutcomeSuperseded
		return nil
	})
	if err != nil {
		return nil, "", nil, err
	}
	return result, outcome, changes, nil
}

// lockReferences holds every referenced row live until the transaction commits. A candidate
// pointing at a superseded row would escape the cascade that already repointed its siblings.
func (e *Engine) lockReferences(ctx context.Context, kind Kind, fields map[string]any) error {
	for _, ref := range kind.References {
		id := idString(fields[ref.Field])
		if id == "" {
			continue
		}
		live, err := e.store.LockLive(ctx, e.kinds[ref.Kind], id)
		if err != nil {
			return err
		}
		if !live {
			return fmt.Errorf("%w: %s.%s = %s %s", ErrStaleReference, kind.Name, ref.Field, ref.Kind, id)
		}
	}
	return nil
}

// cascade walks a worklist of superseded ids. Every live row referencing an old id is superseded
// and re-inserted pointing at the new id, which in turn is queued. The depth of the walk is
// bounded by the number of registered kinds.
func (e *Engine) cascade(ctx context.Context, start repoint, now time.Time) ([]Change, error) {
	var changes []Change
	worklist := []repoint{start}

	for len(worklist) > 0 {
		item := worklist[len(worklist)-1]
		worklist = worklist[:len(worklist)-1]

		refs := e.referrers[item.kind]
		if len(refs) > 0 && item.depth >= len(e.kinds) {
			return nil, fmt.Errorf("%w: %s at depth %d", ErrCascadeTooDeep, item.kind, item.depth)
		}

		for _, ref := range refs {
			rows, err := e.store.FindLiveReferencing(ctx, ref.kind, ref.field, item.oldID)
			if err != nil {
				return nil, err
			}
			for _, row := range rows {
				if err := e.store.Supersede(ctx, ref.kind, row.ID, now); err != nil {
					return nil, err
				}

				replacement := row.clone()
				replacement.ID = uuid.New().String()
				replacement.Version = nil
				replacement.CreatedAt = now
				replacement.Fields[ref.field] = item.newID
				if ref.field == ref.kind.NaturalKey {
					replacement.Key = item.newID
				}
				if err := e.store.Insert(ctx, ref.kind, &replacement); err != nil {
					return nil, err
				}

				changes = append(changes, Change{
					Kind:     ref.kind.Name,
					Key:      replacement.Key,
					OldID:    row.ID,
					NewID:    replacement.ID,
					Version:  now,
					Cascaded: true,
				})
				worklist = append(worklist, repoint{kind: ref.kind.Name, oldID: row.ID, newID: replacement.ID, depth: item.depth + 1})
			}
		}
	}
	return changes, nil
}

// History returns every stored row for key, live first.
func (e *Engine) History(ctx context.Context, kindName, key string) ([]Record, error) {
	ctx, span := tracing.StartSpan(ctx, "versioning.Engine.History")
	defer span.End()

	kind, ok := e.kinds[kindName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kindName)
	}
	return e.store.History(ctx, kind, key)
}

func (e *Engine) newRecord(kind Kind, key, fp string, fields map[string]any, now time.Time) *Record {
	copied := make(map[string]any, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	return &Record{
		ID:          uuid.New().String(),
		Kind:        kind.Name,
		Key:         key,
		Fingerprint: fp,
		CreatedAt:   now,
		Fields:      copied,
	}
}

// differs compares content by fingerprint and reference columns by id.
func (e *Engine) differs(kind Kind, live *Record, fp string, fields map[string]any) bool {
	if fingerprint.HasChanged(live.Fingerprint, fp) {
		return true
	}
	for _, ref := range kind.References {
		if ref.Field == kind.NaturalKey {
			continue
		}
		if idString(live.Fields[ref.Field]) != idString(fields[ref.Field]) {
			return true
		}
	}
	return false
}
