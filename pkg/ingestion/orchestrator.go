package ingestion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/deporder"
	"github.com/Ramsey-B/fern/pkg/fetcher"
	"github.com/Ramsey-B/fern/pkg/mapping"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/tracing"
	"github.com/Ramsey-B/fern/pkg/versioning"
)

const (
	// DefaultWorkers is the number of concurrent listing fetches per service slice.
	DefaultWorkers = 4
	// DefaultLockTTL bounds how long one service slice may hold its batch lock.
	DefaultLockTTL = 30 * time.Minute
)

// BatchLocker serialises work on one (service, filter set) slice across worker processes.
type BatchLocker interface {
	WithLock(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) error
}

// Config wires the orchestrator's collaborators. Listing batches need Metadata, Fetchers,
// Mapper and Engine; reference batches only the Registry.
type Config struct {
	Registry *Registry
	Metadata *mapping.Metadata
	Fetchers map[string]fetcher.Fetcher
	Mapper   *mapping.Mapper
	Engine   *versioning.Engine
	Locker   BatchLocker
	Workers  int
	LockTTL  time.Duration
}

// Orchestrator runs reference and listing batches. Per-item failures are logged and counted;
// they never abort a batch.
type Orchestrator struct {
	cfg    Config
	logger ectologger.Logger
}

func NewOrchestrator(cfg Config, logger ectologger.Logger) (*Orchestrator, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("orchestrator needs an entity type registry")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = DefaultLockTTL
	}
	return &Orchestrator{cfg: cfg, logger: logger}, nil
}

// LoadReferenceBatch loads the requested entity types in dependency order. Unknown names are
// reported UNKNOWN, members of a dependency cycle FAILED, and every other type runs even when a
// type it depends on failed. Types not reached before ctx is cancelled are reported FAILED.
func (o *Orchestrator) LoadReferenceBatch(ctx context.Context, requested []string) StatusReport {
	ctx, span := tracing.StartSpan(ctx, "ingestion.Orchestrator.LoadReferenceBatch")
	defer span.End()

	report := make(StatusReport, len(requested))
	known := make([]string, 0, len(requested))
	seen := make(map[string]bool, len(requested))
	for _, name := range requested {
		if seen[name] {
			continue
		}
		seen[name] = true
		if _, ok := o.cfg.Registry.Get(name); !ok {
			report[name] = TypeStatus{Status: StatusUnknown, Detail: "unknown entity type"}
			continue
		}
		known = append(known, name)
	}

	order := o.resolveOrder(ctx, known, report)

	for i, name := range order {
		if err := ctx.Err(); err != nil {
			for _, rest := range order[i:] {
				report[rest] = TypeStatus{Status: StatusFailed, Detail: err.Error()}
			}
			o.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"remaining": len(order) - i}).Warn("Reference batch cancelled")
			break
		}
		report[name] = o.loadType(ctx, name)
	}

	return report
}

// resolveOrder orders names, failing the members of any cycle and ordering the rest.
func (o *Orchestrator) resolveOrder(ctx context.Context, names []string, report StatusReport) []string {
	deps := o.cfg.Registry.dependencies()
	pending := names
	for {
		order, err := deporder.Resolve(deps, pending)
		if err == nil {
			return order
		}

		var cycle *deporder.CycleError
		if !errors.As(err, &cycle) {
			for _, name := range pending {
				report[name] = TypeStatus{Status: StatusFailed, Detail: err.Error()}
			}
			return nil
		}

		o.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"cycle": cycle.Path}).Error("Entity types form a dependency cycle")
		members := make(map[string]bool, len(cycle.Path))
		for _, name := range cycle.Members() {
			members[name] = true
			report[name] = TypeStatus{Status: StatusFailed, Detail: err.Error()}
		}
		rest := make([]string, 0, len(pending))
		for _, name := range pending {
			if !members[name] {
				rest = append(rest, name)
			}
		}
		pending = rest
	}
}

func (o *Orchestrator) loadType(ctx context.Context, name string) TypeStatus {
	et, _ := o.cfg.Registry.Get(name)
	log := o.logger.WithContext(ctx).WithFields(map[string]any{"entity_type": name})
	log.Info("Loading reference entity type")

	start := time.Now()
	payload, err := et.Loader.Load(ctx, et)
	duration := time.Since(start)

	if err != nil {
		metrics.RecordReferenceLoad(name, string(StatusFailed), duration.Seconds())
		log.WithError(err).Error("Reference entity type failed to load")
		return TypeStatus{Status: StatusFailed, Detail: err.Error()}
	}

	metrics.RecordReferenceLoad(name, string(StatusSuccess), duration.Seconds())
	log.WithFields(map[string]any{"duration_ms": duration.Milliseconds()}).Info("Reference entity type loaded")
	return TypeStatus{Status: StatusSuccess, Detail: payload}
}
