// Package quota rotates API credentials so no credential exceeds its request limit inside a
// trailing time window.
package quota

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const (
	// DefaultWindow is the trailing window a credential's uses are counted over.
	DefaultWindow = 61 * time.Minute
	// DefaultSecretParam is the query parameter that carries the credential.
	DefaultSecretParam = "api_key"
)

var (
	// ErrQuotaExhausted is returned when every credential has reached its limit.
	ErrQuotaExhausted = errors.New("quota exhausted")
	// ErrNoCredentials is returned when a tracker is built without credentials.
	ErrNoCredentials = errors.New("no credentials configured")
)

// Config describes the credentials of one external service.
type Config struct {
	ServiceID   string
	Credentials []string
	Limit       int64
	Window      time.Duration
	SecretParam string
}

// Tracker selects a usable credential for one service. Counts are read from the UsageLog on
// every call, so several trackers in different processes sharing one log agree on the window.
type Tracker struct {
	cfg    Config
	log    UsageLog
	logger ectologger.Logger
	now    func() time.Time

	mu      sync.Mutex
	current int
}

// NewTracker creates a tracker over cfg.Credentials in order.
func NewTracker(cfg Config, log UsageLog, logger ectologger.Logger) (*Tracker, error) {
	if len(cfg.Credentials) == 0 {
		return nil, fmt.Errorf("%w for service %s", ErrNoCredentials, cfg.ServiceID)
	}
	if cfg.Limit <= 0 {
		return nil, fmt.Errorf("quota limit must be positive, got %d", cfg.Limit)
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.SecretParam == "" {
		cfg.SecretParam = DefaultSecretParam
	}
	return &Tracker{
		cfg:    cfg,
		log:    log,
		logger: logger,
		now:    time.Now,
	}, nil
}

// WithClock replaces the tracker's time source.
func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	t.now = now
	return t
}

// ServiceID returns the service the tracker rotates credentials for.
func (t *Tracker) ServiceID() string {
	return t.cfg.ServiceID
}

// SecretParam returns the query parameter the credential travels in.
func (t *Tracker) SecretParam() string {
	return t.cfg.SecretParam
}

// Acquire returns the first credential, starting at the current one and wrapping around, whose
// use count inside the window is below the limit. It does not record a use.
func (t *Tracker) Acquire(ctx context.Context) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "quota.Tracker.Acquire")
	defer span.End()

	return t.rotate(ctx, func(credential string, since time.Time) (bool, error) {
		count, err := t.log.Count(ctx, HashCredential(credential), since)
		if err != nil {
			return false, err
		}
		return count < t.cfg.Limit, nil
	})
}

// Reserve selects a credential exactly like Acquire and records the use of rawURL in the same
// atomic step, so concurrent workers can never both take a credential's last slot.
func (t *Tracker) Reserve(ctx context.Context, rawURL string) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "quota.Tracker.Reserve")
	defer span.End()

	normalized, err := NormalizeURL(rawURL, t.cfg.SecretParam)
	if err != nil {
		return "", err
	}

	return t.rotate(ctx, func(credential string, since time.Time) (bool, error) {
		usage := models.APIUsage{
			ID:             uuid.New().String(),
			URL:            normalized,
			CredentialHash: HashCredential(credential),
			UsedAt:         t.now().UTC(),
		}
		return t.log.Reserve(ctx, usage, t.cfg.Limit, since)
	})
}

// RecordUse stores one use of credential for rawURL with the secret parameter stripped.
func (t *Tracker) RecordUse(ctx context.Context, rawURL, credential string) error {
	ctx, span := tracing.StartSpan(ctx, "quota.Tracker.RecordUse")
	defer span.End()

	normalized, err := NormalizeURL(rawURL, t.cfg.SecretParam)
	if err != nil {
		return err
	}

	usage := models.APIUsage{
		ID:             uuid.New().String(),
		URL:            normalized,
		CredentialHash: HashCredential(credential),
		UsedAt:         t.now().UTC(),
	}
	if err := t.log.Record(ctx, usage); err != nil {
		t.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"service_id": t.cfg.ServiceID, "url": normalized}).Error("Failed to record API usage")
		return err
	}
	return nil
}

// Remaining reports the requests left in the window per credential hash.
func (t *Tracker) Remaining(ctx context.Context) (map[string]int64, error) {
	since := t.now().Add(-t.cfg.Window)
	out := make(map[string]int64, len(t.cfg.Credentials))
	for _, credential := range t.cfg.Credentials {
		hash := HashCredential(credential)
		count, err := t.log.Count(ctx, hash, since)
		if err != nil {
			return nil, err
		}
		remaining := t.cfg.Limit - count
		if remaining < 0 {
			remaining = 0
		}
		out[hash] = remaining
	}
	return out, nil
}

func (t *Tracker) rotate(ctx context.Context, usable func(credential string, since time.Time) (bool, error)) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	since := t.now().Add(-t.cfg.Window)
	for tried := 0; tried < len(t.cfg.Credentials); tried++ {
		credential := t.cfg.Credentials[t.current]
		ok, err := usable(credential, since)
		if err != nil {
			t.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"service_id": t.cfg.ServiceID}).Error("Failed to read API usage")
			return "", err
		}
		if ok {
			return credential, nil
		}

		t.current = (t.current + 1) % len(t.cfg.Credentials)
		metrics.QuotaRotationsTotal.WithLabelValues(t.cfg.ServiceID).Inc()
		t.logger.WithContext(ctx).WithFields(map[string]any{"service_id": t.cfg.ServiceID, "credential_index": t.current}).Debug("Credential at limit, rotating")
	}

	metrics.QuotaExhaustedTotal.WithLabelValues(t.cfg.ServiceID).Inc()
	t.logger.WithContext(ctx).WithFields(map[string]any{"service_id": t.cfg.ServiceID, "credentials": len(t.cfg.Credentials)}).Warn("All credentials exhausted")
	return "", fmt.Errorf("%w: %s", ErrQuotaExhausted, t.cfg.ServiceID)
}
