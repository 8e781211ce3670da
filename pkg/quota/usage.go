package quota

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/Ramsey-B/fern/pkg/models"
)

// UsageLog is the durable, shared record of outbound requests per credential.
// Every worker process must point at the same log for the window to hold across processes.
type UsageLog interface {
	// Count returns the uses of credentialHash at or after since.
	Count(ctx context.Context, credentialHash string, since time.Time) (int64, error)
	// Record appends usage unconditionally.
	Record(ctx context.Context, usage models.APIUsage) error
	// Reserve appends usage only if fewer than limit uses of the same credential exist at or
	// after since. The check and the append are one atomic step.
	Reserve(ctx context.Context, usage models.APIUsage, limit int64, since time.Time) (bool, error)
}

// HashCredential is the form a credential is stored under in the usage log.
func HashCredential(credential string) string {
	sum := sha256.Sum256([]byte(credential))
	return hex.EncodeToString(sum[:])
}

// NormalizeURL removes the secret query parameter so credentials never reach the usage log.
// The remaining query is re-encoded in key order.
func NormalizeURL(rawURL, secretParam string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid url: %w", err)
	}
	q := u.Query()
	if secretParam != "" {
		q.Del(secretParam)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// MemoryUsageLog keeps usages in process memory. It satisfies the window semantics for a single
// process only and backs tests and dry runs.
type MemoryUsageLog struct {
	mu     sync.Mutex
	usages []models.APIUsage
}

// NewMemoryUsageLog creates an empty in-memory usage log.
func NewMemoryUsageLog() *MemoryUsageLog {
	return &MemoryUsageLog{}
}

func (m *MemoryUsageLog) Count(_ context.Context, credentialHash string, since time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.count(credentialHash, since), nil
}

func (m *MemoryUsageLog) Record(_ context.Context, usage models.APIUsage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usages = append(m.usages, usage)
	return nil
}

func (m *MemoryUsageLog) Reserve(_ context.Context, usage models.APIUsage, limit int64, since time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.count(usage.CredentialHash, since) >= limit {
		return false, nil
	}
	m.usages = append(m.usages, usage)
	return true, nil
}

// Usages returns a copy of everything recorded so far.
func (m *MemoryUsageLog) Usages() []models.APIUsage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.APIUsage(nil), m.usages...)
}

func (m *MemoryUsageLog) count(credentialHash string, since time.Time) int64 {
	var n int64
	for _, u := range m.usages {
		if u.CredentialHash == credentialHash && !u.UsedAt.Before(since) {
			n++
		}
	}
	return n
}
