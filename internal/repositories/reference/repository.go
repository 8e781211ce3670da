package reference

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/huandu/go-sqlbuilder"

	"github.com/Ramsey-B/fern/pkg/alias"
	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

var entityColumns = []string{"e.id", "e.entity_type", "e.name", "e.parent_id", "e.attributes", "e.created_at"}

// Repository persists reference entities, their aliases and cross-service references.
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

// FindByAlias returns the entities of entityType owning aliasNorm, narrowed by scope.
func (r *Repository) FindByAlias(ctx context.Context, entityType, aliasNorm string, scope *alias.Scope) ([]models.ReferenceEntity, error) {
	ctx, span := tracing.StartSpan(ctx, "reference.Repository.FindByAlias")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(entityColumns...)
	sb.From("reference_aliases a")
	sb.Join("reference_entities e", "e.id = a.entity_id")
	where := []string{
		sb.Equal("a.entity_type", entityType),
		sb.Equal("a.alias_norm", aliasNorm),
	}
	if scope != nil && scope.ParentID != "" {
		where = append(where, sb.Equal("e.parent_id", scope.ParentID))
	}
	if scope != nil && len(scope.CandidateIDs) > 0 {
		where = append(where, sb.In("e.id", sqlbuilder.Flatten(scope.CandidateIDs)...))
	}
	sb.Where(where...)
	sb.OrderBy("e.id")

	query, args := sb.Build()
	var entities []models.ReferenceEntity
	if err := r.db.Executor(ctx).SelectContext(ctx, &entities, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"entity_type": entityType, "alias": aliasNorm}).Error("Failed to find entities by alias")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to find entities by alias")
	}
	return entities, nil
}

// FindByOriginalID returns the entity a service knows as originalID, or nil.
func (r *Repository) FindByOriginalID(ctx context.Context, entityType, serviceID, originalID string) (*models.ReferenceEntity, error) {
	ctx, span := tracing.StartSpan(ctx, "reference.Repository.FindByOriginalID")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(entityColumns...)
	sb.From("cross_service_refs c")
	sb.Join("reference_entities e", "e.id = c.entity_id")
	sb.Where(
		sb.Equal("c.entity_type", entityType),
		sb.Equal("c.service_id", serviceID),
		sb.Equal("c.original_id", originalID),
	)
	sb.Limit(1)

	query, args := sb.Build()
	var entity models.ReferenceEntity
	if err := r.db.Executor(ctx).GetContext(ctx, &entity, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"entity_type": entityType, "service_id": serviceID, "original_id": originalID}).Error("Failed to find entity by original id")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to find entity by original id")
	}
	return &entity, nil
}

// UpsertEntity finds the entity by type, name and parent, creating it when missing.
func (r *Repository) UpsertEntity(ctx context.Context, entity *models.ReferenceEntity) error {
	ctx, span := tracing.StartSpan(ctx, "reference.Repository.UpsertEntity")
	defer span.End()

	if len(entity.Attributes) == 0 {
		entity.Attributes = []byte("{}")
	}

	return r.db.RunInTx(ctx, func(ctx context.Context) error {
		sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
		sb.Select(entityColumns...)
		sb.From("reference_entities e")
		where := []string{sb.Equal("e.entity_type", entity.EntityType), sb.Equal("e.name", entity.Name)}
		if entity.ParentID != nil {
			where = append(where, sb.Equal("e.parent_id", *entity.ParentID))
		} else {
			where = append(where, sb.IsNull("e.parent_id"))
		}
		sb.Where(where...)
		sb.Limit(1)

		query, args := sb.Build()
		var existing models.ReferenceEntity
		err := r.db.Executor(ctx).GetContext(ctx, &existing, query, args...)
		if err == nil {
			*entity = existing
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"entity_type": entity.EntityType, "name": entity.Name}).Error("Failed to look up reference entity")
			return httperror.NewHTTPError(http.StatusInternalServerError, "failed to look up reference entity")
		}

		entity.ID = uuid.New().String()
		entity.CreatedAt = time.Now().UTC()

		ib := database.NewInsertBuilder()
		ib.InsertInto("reference_entities")
		ib.Cols("id", "entity_type", "name", "parent_id", "attributes", "created_at")
		ib.Values(entity.ID, entity.EntityType, entity.Name, entity.ParentID, string(entity.Attributes), entity.CreatedAt)

		query, args = ib.Build()
		if _, err := r.db.Executor(ctx).ExecContext(ctx, query, args...); err != nil {
			r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"entity_type": entity.EntityType, "name": entity.Name}).Error("Failed to create reference entity")
			return httperror.NewHTTPError(http.StatusInternalServerError, "failed to create reference entity")
		}
		return nil
	})
}

// AddAliases inserts the aliases of entity. Aliases are unique per type and parent scope; one
// already owned by another entity fails with alias.ErrAliasCollision.
func (r *Repository) AddAliases(ctx context.Context, entity models.ReferenceEntity, aliases []string) error {
	ctx, span := tracing.StartSpan(ctx, "reference.Repository.AddAliases")
	defer span.End()

	return r.db.RunInTx(ctx, func(ctx context.Context) error {
		for _, text := range aliases {
			norm := alias.Normalize(text)
			if norm == "" {
				continue
			}

			ib := database.NewInsertBuilder()
			ib.InsertInto("reference_aliases")
			ib.Cols("entity_id", "entity_type", "scope_id", "alias_text", "alias_norm", "created_at")
			ib.Values(entity.ID, entity.EntityType, entity.ParentID, text, norm, time.Now().UTC())
			ib.OnConflictDoNothing()

			query, args := ib.Build()
			if _, err := r.db.Executor(ctx).ExecContext(ctx, query, args...); err != nil {
				r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"entity_id": entity.ID, "alias": norm}).Error("Failed to insert alias")
				return httperror.NewHTTPError(http.StatusInternalServerError, "failed to insert alias")
			}

			owner, err := r.aliasOwner(ctx, entity, norm)
			if err != nil {
				return err
			}
			if owner != entity.ID {
				r.logger.WithContext(ctx).WithFields(map[string]any{"entity_type": entity.EntityType, "alias": norm, "entity_id": entity.ID, "owner_id": owner}).Warn("Alias already owned by another entity")
				return fmt.Errorf("%w: %s %q is owned by %s", alias.ErrAliasCollision, entity.EntityType, text, owner)
			}
		}
		return nil
	})
}

func (r *Repository) aliasOwner(ctx context.Context, entity models.ReferenceEntity, norm string) (string, error) {
	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("entity_id")
	sb.From("reference_aliases")
	where := []string{sb.Equal("entity_type", entity.EntityType), sb.Equal("alias_norm", norm)}
	if entity.ParentID != nil {
		where = append(where, sb.Equal("scope_id", *entity.ParentID))
	} else {
		where = append(where, sb.IsNull("scope_id"))
	}
	sb.Where(where...)
	sb.Limit(1)

	query, args := sb.Build()
	var owner string
	if err := r.db.Executor(ctx).GetContext(ctx, &owner, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"alias": norm}).Error("Failed to read alias owner")
		return "", httperror.NewHTTPError(http.StatusInternalServerError, "failed to read alias owner")
	}
	return owner, nil
}

// UpsertCrossRef keeps exactly one original id per (entity, service).
func (r *Repository) UpsertCrossRef(ctx context.Context, ref models.CrossServiceRef) error {
	ctx, span := tracing.StartSpan(ctx, "reference.Repository.UpsertCrossRef")
	defer span.End()

	ib := database.NewInsertBuilder()
	ib.InsertInto("cross_service_refs")
	ib.Cols("entity_id", "entity_type", "service_id", "original_id", "updated_at")
	ib.Values(ref.EntityID, ref.EntityType, ref.ServiceID, ref.OriginalID, time.Now().UTC())
	ub := ib.OnConflict("entity_id", "service_id")
	ub.Set(
		ub.Assign("original_id", database.Excluded("original_id")),
		ub.Assign("updated_at", database.Excluded("updated_at")),
	)

	query, args := ib.Build()
	if _, err := r.db.Executor(ctx).ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"entity_id": ref.EntityID, "service_id": ref.ServiceID}).Error("Failed to upsert cross-service reference")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to upsert cross-service reference")
	}
	return nil
}

func (r *Repository) ListByType(ctx context.Context, entityType string) ([]models.ReferenceEntity, error) {
	ctx, span := tracing.StartSpan(ctx, "reference.Repository.ListByType")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(entityColumns...)
	sb.From("reference_entities e")
	sb.Where(sb.Equal("e.entity_type", entityType))
	sb.OrderBy("e.name")

	query, args := sb.Build()
	var entities []models.ReferenceEntity
	if err := r.db.Executor(ctx).SelectContext(ctx, &entities, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"entity_type": entityType}).Error("Failed to list reference entities")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list reference entities")
	}
	return entities, nil
}
