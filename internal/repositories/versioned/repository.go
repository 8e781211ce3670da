package versioned

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/jmoiron/sqlx"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/tracing"
	"github.com/Ramsey-B/fern/pkg/versioning"
)

var metaColumns = []string{"id", "version", "fingerprint", "created_at"}

// Repository stores versioned rows in one Postgres table per kind. Each table carries a partial
// unique index on its natural key WHERE version IS NULL.
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

func (r *Repository) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return r.db.RunInTx(ctx, fn)
}

// FindLive returns the live row for key and locks it until the transaction ends.
func (r *Repository) FindLive(ctx context.Context, kind versioning.Kind, key string) (*versioning.Record, error) {
	ctx, span := tracing.StartSpan(ctx, "versioned.Repository.FindLive")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select(selectColumns(kind)...)
	sb.From(kind.Table)
	sb.Where(sb.Equal(kind.NaturalKey, key), sb.IsNull("version"))
	sb.Limit(1)
	sb.ForUpdate()

	query, args := sb.Build()
	records, err := r.query(ctx, kind, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"kind": kind.Name, "key": key}).Error("Failed to find live row")
		return nil, httperror.NewHTTPErrorf(http.StatusInternalServerError, "failed to find live %s: %v", kind.Name, err)
	}
	if len(records) == 0 {
		return nil, nil
	}
	return &records[0], nil
}

// FindLiveReferencing returns the live rows whose field points at id, locked.
func (r *Repository) FindLiveReferencing(ctx context.Context, kind versioning.Kind, field, id string) ([]versioning.Record, error) {
	ctx, span := tracing.StartSpan(ctx, "versioned.Repository.FindLiveReferencing")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select(selectColumns(kind)...)
	sb.From(kind.Table)
	sb.Where(sb.Equal(field, id), sb.IsNull("version"))
	sb.OrderBy("created_at")
	sb.ForUpdate()

	query, args := sb.Build()
	records, err := r.query(ctx, kind, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"kind": kind.Name, "field": field, "id": id}).Error("Failed to find referencing rows")
		return nil, httperror.NewHTTPErrorf(http.StatusInternalServerError, "failed to find %s referencing %s: %v", kind.Name, id, err)
	}
	return records, nil
}

// LockLive takes a FOR SHARE lock on the row id if it is still live. A concurrent Supersede of
// that row then waits for this transaction to end.
func (r *Repository) LockLive(ctx context.Context, kind versioning.Kind, id string) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, "versioned.Repository.LockLive")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select("id")
	sb.From(kind.Table)
	sb.Where(sb.Equal("id", id), sb.IsNull("version"))
	sb.ForShare()

	query, args := sb.Build()
	var ids []string
	if err := r.db.Executor(ctx).SelectContext(ctx, &ids, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"kind": kind.Name, "id": id}).Error("Failed to lock live row")
		return false, httperror.NewHTTPErrorf(http.StatusInternalServerError, "failed to lock %s: %v", kind.Name, err)
	}
	return len(ids) > 0, nil
}

func (r *Repository) Insert(ctx context.Context, kind versioning.Kind, rec *versioning.Record) error {
	ctx, span := tracing.StartSpan(ctx, "versioned.Repository.Insert")
	defer span.End()

	cols := selectColumns(kind)
	values := []any{rec.ID, rec.Version, rec.Fingerprint, rec.CreatedAt}
	for _, c := range kind.Columns() {
		values = append(values, rec.Fields[c])
	}

	ib := database.NewInsertBuilder()
	ib.InsertInto(kind.Table)
	ib.Cols(cols...)
	ib.Values(values...)

	query, args := ib.Build()
	if _, err := r.db.Executor(ctx).ExecContext(ctx, query, args...); err != nil {
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("%w: %s %s: %v", versioning.ErrConflict, kind.Name, rec.Key, err)
		}
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"kind": kind.Name, "key": rec.Key, "id": rec.ID}).Error("Failed to insert versioned row")
		return httperror.NewHTTPErrorf(http.StatusInternalServerError, "failed to insert %s: %v", kind.Name, err)
	}
	return nil
}

// Supersede stamps version on a live row. Rows that already carry a version are never touched.
func (r *Repository) Supersede(ctx context.Context, kind versioning.Kind, id string, version time.Time) error {
	ctx, span := tracing.StartSpan(ctx, "versioned.Repository.Supersede")
	defer span.End()

	ub := database.NewUpdateBuilder()
	ub.Update(kind.Table)
	ub.Set(ub.Assign("version", version))
	ub.Where(ub.Equal("id", id), ub.IsNull("version"))

	query, args := ub.Build()
	res, err := r.db.Executor(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"kind": kind.Name, "id": id}).Error("Failed to supersede row")
		return httperror.NewHTTPErrorf(http.StatusInternalServerError, "failed to supersede %s: %v", kind.Name, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return httperror.NewHTTPErrorf(http.StatusInternalServerError, "failed to supersede %s: %v", kind.Name, err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s %s is no longer live", versioning.ErrConflict, kind.Name, id)
	}
	return nil
}

func (r *Repository) History(ctx context.Context, kind versioning.Kind, key string) ([]versioning.Record, error) {
	ctx, span := tracing.StartSpan(ctx, "versioned.Repository.History")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select(selectColumns(kind)...)
	sb.From(kind.Table)
	sb.Where(sb.Equal(kind.NaturalKey, key))
	sb.OrderBy("version DESC NULLS FIRST", "created_at DESC")

	query, args := sb.Build()
	records, err := r.query(ctx, kind, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"kind": kind.Name, "key": key}).Error("Failed to load history")
		return nil, httperror.NewHTTPErrorf(http.StatusInternalServerError, "failed to load %s history: %v", kind.Name, err)
	}
	return records, nil
}

func (r *Repository) query(ctx context.Context, kind versioning.Kind, query string, args ...any) ([]versioning.Record, error) {
	rows, err := r.db.Executor(ctx).QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []versioning.Record
	for rows.Next() {
		rec, err := scanRecord(rows, kind)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanRecord(rows *sqlx.Rows, kind versioning.Kind) (versioning.Record, error) {
	raw := make(map[string]any)
	if err := rows.MapScan(raw); err != nil {
		return versioning.Record{}, err
	}

	rec := versioning.Record{
		ID:          asString(raw["id"]),
		Kind:        kind.Name,
		Key:         asString(raw[kind.NaturalKey]),
		Fingerprint: asString(raw["fingerprint"]),
		Fields:      make(map[string]any, len(kind.Fields)),
	}
	if t, ok := raw["created_at"].(time.Time); ok {
		rec.CreatedAt = t
	}
	if t, ok := raw["version"].(time.Time); ok {
		rec.Version = &t
	}
	for _, c := range kind.Columns() {
		v := raw[c]
		if b, ok := v.([]byte); ok {
			v = string(b)
		}
		rec.Fields[c] = v
	}
	return rec, nil
}

func selectColumns(kind versioning.Kind) []string {
	return append(append([]string{}, metaColumns...), kind.Columns()...)
}

func asString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case []byte:
		return string(t)
	case string:
		return t
	default:
		return fmt.Sprint(t)
	}
}
