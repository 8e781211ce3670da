package ingestion

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/Gobusters/ectolinq"

	"github.com/Ramsey-B/fern/pkg/alias"
	"github.com/Ramsey-B/fern/pkg/fetcher"
	"github.com/Ramsey-B/fern/pkg/mapping"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/quota"
	"github.com/Ramsey-B/fern/pkg/redis"
	"github.com/Ramsey-B/fern/pkg/tracing"
	"github.com/Ramsey-B/fern/pkg/versioning"
)

// SliceStatus is the outcome of one (filter set, service) slice of a listings batch.
type SliceStatus string

const (
	SliceCompleted      SliceStatus = "COMPLETED"
	SliceQuotaExhausted SliceStatus = "QUOTA_EXHAUSTED"
	SliceLocked         SliceStatus = "LOCKED"
	SliceFailed         SliceStatus = "FAILED"
)

// Per listing outcomes, also the values of the listings_processed_total metric.
const (
	outcomeInserted  = "inserted"
	outcomeUnchanged = "unchanged"
	outcomeChanged   = "changed"
	outcomeSkipped   = "skipped"
	outcomeError     = "error"
)

// SliceReport counts what happened to the listings of one slice.
type SliceReport struct {
	Status    SliceStatus `json:"status"`
	Searched  int         `json:"searched"`
	Fetched   int         `json:"fetched"`
	Inserted  int         `json:"inserted"`
	Unchanged int         `json:"unchanged"`
	Changed   int         `json:"changed"`
	Skipped   int         `json:"skipped"`
	Errors    int         `json:"errors"`
	Error     string      `json:"error,omitempty"`
}

func (r *SliceReport) add(outcome string) {
	switch outcome {
	case outcomeInserted:
		r.Inserted++
	case outcomeUnchanged:
		r.Unchanged++
	case outcomeChanged:
		r.Changed++
	case outcomeSkipped:
		r.Skipped++
	case outcomeError:
		r.Errors++
	}
}

// ListingsReport maps filter set name to service id to slice report.
type ListingsReport map[string]map[string]*SliceReport

type listingResult struct {
	id      string
	outcome string
	err     error
}

// LoadListingsBatch ingests every service of every filter set. A service that runs out of quota
// is skipped for the rest of the batch; the other services continue.
func (o *Orchestrator) LoadListingsBatch(ctx context.Context, filterSets []mapping.FilterSet) ListingsReport {
	ctx, span := tracing.StartSpan(ctx, "ingestion.Orchestrator.LoadListingsBatch")
	defer span.End()

	report := make(ListingsReport, len(filterSets))
	if o.cfg.Metadata == nil || o.cfg.Mapper == nil || o.cfg.Engine == nil {
		for _, fs := range filterSets {
			report[fs.Name] = map[string]*SliceReport{}
			for _, id := range fs.Services {
				report[fs.Name][id] = &SliceReport{Status: SliceFailed, Error: "listing ingestion is not configured"}
			}
		}
		return report
	}

	sessions := make(map[string]fetcher.Session)
	defer func() {
		for id, s := range sessions {
			if err := s.Close(); err != nil {
				o.logger.WithContext(ctx).WithError(err).WithField("service_id", id).Warn("Failed to close fetch session")
			}
		}
	}()
	exhausted := make(map[string]bool)

	for _, fs := range filterSets {
		slices := make(map[string]*SliceReport)
		report[fs.Name] = slices

		for _, svc := range o.cfg.Metadata.ServicesFor(fs) {
			if exhausted[svc.ID] {
				slices[svc.ID] = &SliceReport{Status: SliceQuotaExhausted, Error: quota.ErrQuotaExhausted.Error()}
				continue
			}
			if err := ctx.Err(); err != nil {
				slices[svc.ID] = &SliceReport{Status: SliceFailed, Error: err.Error()}
				continue
			}

			slice := &SliceReport{Status: SliceCompleted}
			slices[svc.ID] = slice

			err := o.withSliceLock(ctx, svc.ID+":"+fs.Name, func(ctx context.Context) error {
				session, err := o.session(ctx, svc.ID, sessions)
				if err != nil {
					return err
				}
				return o.loadSlice(ctx, svc, fs, session, slice)
			})

			log := o.logger.WithContext(ctx).WithFields(map[string]any{"service_id": svc.ID, "filter_set": fs.Name})
			switch {
			case err == nil:
				log.WithFields(map[string]any{
					"searched": slice.Searched, "inserted": slice.Inserted, "changed": slice.Changed,
					"unchanged": slice.Unchanged, "skipped": slice.Skipped, "errors": slice.Errors,
				}).Info("Listing slice ingested")
			case errors.Is(err, quota.ErrQuotaExhausted):
				exhausted[svc.ID] = true
				slice.Status, slice.Error = SliceQuotaExhausted, err.Error()
				log.Warn("Service quota exhausted, skipping it for the rest of the batch")
			case errors.Is(err, redis.ErrLockNotAcquired):
				slice.Status, slice.Error = SliceLocked, err.Error()
				log.Info("Listing slice is being ingested by another worker")
			default:
				slice.Status, slice.Error = SliceFailed, err.Error()
				log.WithError(err).Error("Listing slice failed")
			}
		}
	}
	return report
}

func (o *Orchestrator) withSliceLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	if o.cfg.Locker == nil {
		return fn(ctx)
	}
	return o.cfg.Locker.WithLock(ctx, key, o.cfg.LockTTL, fn)
}

func (o *Orchestrator) session(ctx context.Context, serviceID string, sessions map[string]fetcher.Session) (fetcher.Session, error) {
	if s, ok := sessions[serviceID]; ok {
		return s, nil
	}
	f, ok := o.cfg.Fetchers[serviceID]
	if !ok {
		return nil, fmt.Errorf("no fetcher configured for service %s", serviceID)
	}
	s, err := f.Open(ctx)
	if err != nil {
		return nil, err
	}
	sessions[serviceID] = s
	return s, nil
}

func (o *Orchestrator) loadSlice(ctx context.Context, svc mapping.Service, fs mapping.FilterSet, session fetcher.Session, slice *SliceReport) error {
	ctx, span := tracing.StartSpan(ctx, "ingestion.Orchestrator.loadSlice")
	defer span.End()

	ids, err := session.SearchListings(ctx, fs)
	if err != nil {
		return err
	}
	ids = distinct(ectolinq.Filter(ids, func(id string) bool { return strings.TrimSpace(id) != "" }))
	slice.Searched = len(ids)
	if len(ids) == 0 {
		return nil
	}

	workers := o.cfg.Workers
	if workers > len(ids) {
		workers = len(ids)
	}

	itemChan := make(chan string, len(ids))
	resultChan := make(chan listingResult, len(ids))

	// Cancelled on quota exhaustion so idle workers stop pulling ids.
	workerCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go o.listingWorker(workerCtx, &wg, svc, session, itemChan, resultChan)
	}

	for _, id := range ids {
		itemChan <- id
	}
	close(itemChan)

	go func() {
		wg.Wait()
		close(resultChan)
	}()

	var quotaErr error
	for r := range resultChan {
		if errors.Is(r.err, quota.ErrQuotaExhausted) {
			if quotaErr == nil {
				quotaErr = r.err
				cancel()
			}
			continue
		}
		if r.outcome == "" {
			continue
		}
		slice.Fetched++
		slice.add(r.outcome)
		metrics.ListingsProcessedTotal.WithLabelValues(r.outcome).Inc()
	}

	if quotaErr != nil {
		return quotaErr
	}
	return ctx.Err()
}

func (o *Orchestrator) listingWorker(
	ctx context.Context,
	wg *sync.WaitGroup,
	svc mapping.Service,
	session fetcher.Session,
	items <-chan string,
	results chan<- listingResult,
) {
	defer wg.Done()

	for id := range items {
		if ctx.Err() != nil {
			// Drain without fetching.
			continue
		}
		outcome, err := o.processListing(ctx, svc, session, id)
		if err != nil && outcome == "" && ctx.Err() != nil && !errors.Is(err, quota.ErrQuotaExhausted) {
			continue
		}
		results <- listingResult{id: id, outcome: outcome, err: err}
	}
}

// processListing fetches, converts and stores one listing. Errors that only concern this
// listing are logged here and reported as an outcome; quota exhaustion and cancellation are
// returned with an empty outcome.
func (o *Orchestrator) processListing(ctx context.Context, svc mapping.Service, session fetcher.Session, id string) (string, error) {
	log := o.logger.WithContext(ctx).WithFields(map[string]any{"service_id": svc.ID, "original_id": id})

	raw, err := session.FetchListing(ctx, id)
	if err == nil {
		var fields map[string]any
		fields, err = o.cfg.Mapper.Convert(ctx, svc, raw)
		if err == nil {
			return o.store(ctx, svc.ID, id, fields)
		}
	}

	if errors.Is(err, quota.ErrQuotaExhausted) || (ctx.Err() != nil && errors.Is(err, ctx.Err())) {
		return "", err
	}

	var transient *fetcher.TransientServiceError
	var invalid *mapping.ValidationError
	switch {
	case errors.As(err, &transient), errors.As(err, &invalid),
		errors.Is(err, alias.ErrNoMatch), errors.Is(err, alias.ErrAmbiguousAlias):
		log.WithError(err).Warn("Skipping listing")
		return outcomeSkipped, nil
	default:
		log.WithError(err).Error("Failed to ingest listing")
		return outcomeError, nil
	}
}

// maxStaleRetries bounds how often a listing is re-stored after its detail was superseded by
// another worker between the two upserts.
const maxStaleRetries = 3

// store upserts the detail record first and then the listing pointing at it. When the detail is
// superseded in between, both are applied again so the listing points at the live detail.
func (o *Orchestrator) store(ctx context.Context, serviceID, originalID string, fields map[string]any) (string, error) {
	log := o.logger.WithContext(ctx).WithFields(map[string]any{"service_id": serviceID, "original_id": originalID})

	var detailOutcome, listingOutcome versioning.Outcome
	for attempt := 0; ; attempt++ {
		detailFields := pick(fields, versioning.ListingDetailKind().Fields)
		detail, outcome, err := o.cfg.Engine.Apply(ctx, versioning.KindListingDetail, detailFields)
		if err != nil {
			log.WithError(err).Error("Failed to store listing detail")
			return outcomeError, nil
		}
		detailOutcome = strongest(detailOutcome, outcome)

		listingFields := pick(fields, versioning.ListingKind().Fields)
		listingFields["detail_id"] = detail.ID
		listingFields["service_id"] = serviceID
		if listingFields["original_id"] == nil {
			listingFields["original_id"] = originalID
		}
		_, listingOutcome, err = o.cfg.Engine.Apply(ctx, versioning.KindListing, listingFields)
		if errors.Is(err, versioning.ErrStaleReference) && attempt < maxStaleRetries {
			log.WithField("attempt", attempt+1).Debug("Listing detail superseded concurrently, storing again")
			continue
		}
		if err != nil {
			log.WithError(err).Error("Failed to store listing")
			return outcomeError, nil
		}
		break
	}

	switch {
	case detailOutcome == versioning.OutcomeSuperseded || listingOutcome == versioning.OutcomeSuperseded:
		return outcomeChanged, nil
	case detailOutcome == versioning.OutcomeInserted || listingOutcome == versioning.OutcomeInserted:
		return outcomeInserted, nil
	default:
		return outcomeUnchanged, nil
	}
}

// strongest keeps superseded over inserted over unchanged.
func strongest(a, b versioning.Outcome) versioning.Outcome {
	rank := map[versioning.Outcome]int{versioning.OutcomeUnchanged: 1, versioning.OutcomeInserted: 2, versioning.OutcomeSuperseded: 3}
	if rank[b] > rank[a] {
		return b
	}
	return a
}

func pick(fields map[string]any, names []string) map[string]any {
	out := make(map[string]any, len(names))
	for _, name := range names {
		if v, ok := fields[name]; ok {
			out[name] = v
		}
	}
	return out
}

func distinct(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
