package apiusage

import (
	"context"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Repository is the api_usage table. It is the usage log shared by every worker process.
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

func (r *Repository) Count(ctx context.Context, credentialHash string, since time.Time) (int64, error) {
	ctx, span := tracing.StartSpan(ctx, "apiusage.Repository.Count")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select("COUNT(*)")
	sb.From("api_usage")
	sb.Where(sb.Equal("credential_hash", credentialHash), sb.GreaterEqualThan("used_at", since))

	query, args := sb.Build()
	var count int64
	if err := r.db.Executor(ctx).GetContext(ctx, &count, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to count API usage")
		return 0, httperror.NewHTTPError(http.StatusInternalServerError, "failed to count api usage")
	}
	return count, nil
}

func (r *Repository) Record(ctx context.Context, usage models.APIUsage) error {
	ctx, span := tracing.StartSpan(ctx, "apiusage.Repository.Record")
	defer span.End()

	ib := database.NewInsertBuilder()
	ib.InsertInto("api_usage")
	ib.Cols("id", "url", "credential_hash", "used_at")
	ib.Values(usage.ID, usage.URL, usage.CredentialHash, usage.UsedAt)

	query, args := ib.Build()
	if _, err := r.db.Executor(ctx).ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"url": usage.URL}).Error("Failed to record API usage")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to record api usage")
	}
	return nil
}

// Reserve counts and inserts under a transaction-scoped advisory lock keyed by the credential
// hash, so two processes cannot both take the last slot of one credential.
func (r *Repository) Reserve(ctx context.Context, usage models.APIUsage, limit int64, since time.Time) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, "apiusage.Repository.Reserve")
	defer span.End()

	reserved := false
	err := r.db.RunInTx(ctx, func(ctx context.Context) error {
		if _, err := r.db.Executor(ctx).ExecContext(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", usage.CredentialHash); err != nil {
			r.logger.WithContext(ctx).WithError(err).Error("Failed to take API usage lock")
			return httperror.NewHTTPError(http.StatusInternalServerError, "failed to lock api usage")
		}

		count, err := r.Count(ctx, usage.CredentialHash, since)
		if err != nil {
			return err
		}
		if count >= limit {
			return nil
		}
		if err := r.Record(ctx, usage); err != nil {
			return err
		}
		reserved = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return reserved, nil
}

// Prune deletes usage older than before. The window never looks that far back.
func (r *Repository) Prune(ctx context.Context, before time.Time) (int64, error) {
	ctx, span := tracing.StartSpan(ctx, "apiusage.Repository.Prune")
	defer span.End()

	res, err := r.db.Executor(ctx).ExecContext(ctx, "DELETE FROM api_usage WHERE used_at < $1", before)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to prune API usage")
		return 0, httperror.NewHTTPError(http.StatusInternalServerError, "failed to prune api usage")
	}
	return res.RowsAffected()
}
