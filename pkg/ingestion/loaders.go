package ingestion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/alias"
	"github.com/Ramsey-B/fern/pkg/expressions"
	"github.com/Ramsey-B/fern/pkg/fetcher"
	"github.com/Ramsey-B/fern/pkg/mapping"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// SeedLoader writes the canonical entities and aliases declared in the metadata file.
// Each entity's own name is one of its aliases.
type SeedLoader struct {
	store  alias.Writer
	seeds  map[string][]models.SeedEntity
	logger ectologger.Logger
}

func NewSeedLoader(store alias.Writer, seeds map[string][]models.SeedEntity, logger ectologger.Logger) *SeedLoader {
	return &SeedLoader{store: store, seeds: seeds, logger: logger}
}

// SeedSummary is the payload of a seed load.
type SeedSummary struct {
	Entities int `json:"entities"`
	Aliases  int `json:"aliases"`
}

// Load upserts every seed of et. A missing parent or an alias collision fails the seed; the
// remaining seeds still load and the type reports all failures together.
func (l *SeedLoader) Load(ctx context.Context, et EntityType) (any, error) {
	ctx, span := tracing.StartSpan(ctx, "ingestion.SeedLoader.Load")
	defer span.End()

	var parents map[string]string
	if et.Parent != "" {
		existing, err := l.store.ListByType(ctx, et.Parent)
		if err != nil {
			return nil, err
		}
		parents = make(map[string]string, len(existing))
		for _, p := range existing {
			parents[alias.Normalize(p.Name)] = p.ID
		}
	}

	summary := SeedSummary{}
	var errs []error
	for _, seed := range l.seeds[et.Name] {
		entity := &models.ReferenceEntity{EntityType: et.Name, Name: seed.Name}
		if et.Parent != "" && seed.Parent != "" {
			parentID, ok := parents[alias.Normalize(seed.Parent)]
			if !ok {
				errs = append(errs, fmt.Errorf("%s %q: parent %s %q not loaded", et.Name, seed.Name, et.Parent, seed.Parent))
				continue
			}
			entity.ParentID = &parentID
		}
		if len(seed.Attributes) > 0 {
			attrs, err := json.Marshal(seed.Attributes)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s %q: %w", et.Name, seed.Name, err))
				continue
			}
			entity.Attributes = attrs
		}

		if err := l.store.UpsertEntity(ctx, entity); err != nil {
			return summary, err
		}
		summary.Entities++

		aliases := append([]string{seed.Name}, seed.Aliases...)
		if err := l.store.AddAliases(ctx, *entity, aliases); err != nil {
			if errors.Is(err, alias.ErrAliasCollision) {
				errs = append(errs, err)
				continue
			}
			return summary, err
		}
		summary.Aliases += len(aliases)
	}

	if len(errs) > 0 {
		l.logger.WithContext(ctx).WithFields(map[string]any{"entity_type": et.Name, "failures": len(errs)}).Warn("Some seeds failed to load")
		return summary, errors.Join(errs...)
	}
	return summary, nil
}

// CrossRefLoader discovers each service's own ids for a reference type. Service entities are
// matched to canonical ones by alias, inside the parent's scope when the type has a parent.
type CrossRefLoader struct {
	metadata  *mapping.Metadata
	fetchers  map[string]fetcher.Fetcher
	resolver  *alias.Resolver
	store     alias.Writer
	evaluator *expressions.Evaluator
	logger    ectologger.Logger
}

func NewCrossRefLoader(md *mapping.Metadata, fetchers map[string]fetcher.Fetcher, resolver *alias.Resolver, store alias.Writer, logger ectologger.Logger) *CrossRefLoader {
	return &CrossRefLoader{
		metadata:  md,
		fetchers:  fetchers,
		resolver:  resolver,
		store:     store,
		evaluator: expressions.NewEvaluator(),
		logger:    logger,
	}
}

// CrossRefSummary is the per service payload of a cross reference load.
type CrossRefSummary struct {
	Fetched   int    `json:"fetched"`
	Matched   int    `json:"matched"`
	Unmatched int    `json:"unmatched"`
	Error     string `json:"error,omitempty"`
}

// Load fetches et from every service that publishes it. A service that cannot be reached or is
// out of quota fails the type after the other services were processed.
func (l *CrossRefLoader) Load(ctx context.Context, et EntityType) (any, error) {
	ctx, span := tracing.StartSpan(ctx, "ingestion.CrossRefLoader.Load")
	defer span.End()

	out := make(map[string]*CrossRefSummary)
	var errs []error
	for _, svc := range l.metadata.Services {
		ep, ok := svc.Reference[et.Name]
		if !ok {
			continue
		}
		summary := &CrossRefSummary{}
		out[svc.ID] = summary

		if err := l.loadService(ctx, et, svc.ID, ep, summary); err != nil {
			summary.Error = err.Error()
			errs = append(errs, fmt.Errorf("%s: %w", svc.ID, err))
		}
	}
	return out, errors.Join(errs...)
}

func (l *CrossRefLoader) loadService(ctx context.Context, et EntityType, serviceID string, ep mapping.ReferenceEndpoint, summary *CrossRefSummary) error {
	f, ok := l.fetchers[serviceID]
	if !ok {
		return fmt.Errorf("no fetcher configured")
	}
	session, err := f.Open(ctx)
	if err != nil {
		return err
	}
	defer session.Close()

	records, err := session.FetchReference(ctx, et.Name)
	if err != nil {
		return err
	}
	summary.Fetched = len(records)

	for _, raw := range records {
		if err := l.match(ctx, et, serviceID, ep, raw); err != nil {
			if errors.Is(err, alias.ErrNoMatch) || errors.Is(err, alias.ErrAmbiguousAlias) {
				summary.Unmatched++
				l.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"entity_type": et.Name, "service_id": serviceID}).Warn("Skipping unmatched service entity")
				continue
			}
			return err
		}
		summary.Matched++
	}
	return nil
}

func (l *CrossRefLoader) match(ctx context.Context, et EntityType, serviceID string, ep mapping.ReferenceEndpoint, raw models.RawRecord) error {
	data := map[string]any(raw)
	originalID, err := l.evaluator.EvaluateString(ep.ID, data)
	if err != nil {
		return err
	}
	name, err := l.evaluator.EvaluateString(ep.Name, data)
	if err != nil {
		return err
	}
	if originalID == "" || name == "" {
		return fmt.Errorf("%w: %s record without id or name", alias.ErrNoMatch, et.Name)
	}

	var scope *alias.Scope
	if et.Parent != "" && ep.Parent != "" {
		parentOriginal, err := l.evaluator.EvaluateString(ep.Parent, data)
		if err != nil {
			return err
		}
		parent, err := l.resolver.ResolveOriginalID(ctx, et.Parent, serviceID, parentOriginal)
		if err != nil {
			return err
		}
		scope = &alias.Scope{ParentID: parent.ID}
	}

	entity, err := l.resolver.Resolve(ctx, et.Name, name, scope)
	if err != nil {
		return err
	}

	return l.store.UpsertCrossRef(ctx, models.CrossServiceRef{
		EntityID:   entity.ID,
		EntityType: et.Name,
		ServiceID:  serviceID,
		OriginalID: originalID,
	})
}
