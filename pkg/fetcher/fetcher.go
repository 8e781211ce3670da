// Package fetcher retrieves reference entities and listings from external services.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/expressions"
	"github.com/Ramsey-B/fern/pkg/httpclient"
	"github.com/Ramsey-B/fern/pkg/mapping"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/quota"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// ErrNotProvided is returned when a service does not publish the requested entity type.
var ErrNotProvided = errors.New("not provided by service")

// TransientServiceError is a failed call to an external service. The record it was for is
// skipped; the batch continues.
type TransientServiceError struct {
	ServiceID  string
	URL        string
	StatusCode int
	Err        error
}

func (e *TransientServiceError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s returned status %d", e.ServiceID, e.URL, e.StatusCode)
	}
	return fmt.Sprintf("%s: %s: %v", e.ServiceID, e.URL, e.Err)
}

func (e *TransientServiceError) Unwrap() error {
	return e.Err
}

// Fetcher opens sessions against one external service.
type Fetcher interface {
	ServiceID() string
	Open(ctx context.Context) (Session, error)
}

// Session is a per-batch connection to a service. Close releases it.
type Session interface {
	FetchReference(ctx context.Context, entityType string) ([]models.RawRecord, error)
	SearchListings(ctx context.Context, filter mapping.FilterSet) ([]string, error)
	FetchListing(ctx context.Context, id string) (models.RawRecord, error)
	Close() error
}

// HTTPFetcher talks to a JSON service described in the metadata file. Every request is
// charged against the service's quota before it is sent.
type HTTPFetcher struct {
	service   mapping.Service
	tracker   *quota.Tracker
	client    httpclient.Config
	evaluator *expressions.Evaluator
	logger    ectologger.Logger
}

func NewHTTPFetcher(service mapping.Service, tracker *quota.Tracker, client httpclient.Config, logger ectologger.Logger) *HTTPFetcher {
	client.ServiceID = service.ID
	return &HTTPFetcher{
		service:   service,
		tracker:   tracker,
		client:    client,
		evaluator: expressions.NewEvaluator(),
		logger:    logger,
	}
}

func (f *HTTPFetcher) ServiceID() string {
	return f.service.ID
}

// Open starts a session with its own HTTP client and cookie jar.
func (f *HTTPFetcher) Open(ctx context.Context) (Session, error) {
	client, err := httpclient.NewClient(f.client, f.logger)
	if err != nil {
		return nil, err
	}
	f.logger.WithContext(ctx).WithFields(map[string]any{"service_id": f.service.ID}).Debug("Opened fetch session")
	return &httpSession{fetcher: f, client: client}, nil
}

type httpSession struct {
	fetcher *HTTPFetcher
	client  *httpclient.Client
}

func (s *httpSession) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

func (s *httpSession) FetchReference(ctx context.Context, entityType string) ([]models.RawRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "fetcher.Session.FetchReference")
	defer span.End()

	ep, ok := s.fetcher.service.Reference[entityType]
	if !ok {
		return nil, fmt.Errorf("%w: %s on %s", ErrNotProvided, entityType, s.fetcher.service.ID)
	}

	body, err := s.get(ctx, ep.Path, ep.Params)
	if err != nil {
		return nil, err
	}

	items := []any{body}
	if list, ok := body.([]any); ok {
		items = list
	}
	if ep.List != "" {
		if items, err = s.fetcher.evaluator.EvaluateSlice(ep.List, body); err != nil {
			return nil, err
		}
	}
	return records(items), nil
}

func (s *httpSession) SearchListings(ctx context.Context, filter mapping.FilterSet) ([]string, error) {
	ctx, span := tracing.StartSpan(ctx, "fetcher.Session.SearchListings")
	defer span.End()

	search := s.fetcher.service.Search
	params := make(map[string]string, len(search.Params)+len(filter.Params))
	for k, v := range search.Params {
		params[k] = v
	}
	for k, v := range filter.Params {
		params[k] = v
	}

	body, err := s.get(ctx, search.Path, params)
	if err != nil {
		return nil, err
	}

	var raw []any
	if search.IDs == "" {
		raw, _ = body.([]any)
	} else if raw, err = s.fetcher.evaluator.EvaluateSlice(search.IDs, body); err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(raw))
	for _, v := range raw {
		if id := expressions.Stringify(v); id != "" {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (s *httpSession) FetchListing(ctx context.Context, id string) (models.RawRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "fetcher.Session.FetchListing")
	defer span.End()

	ep := s.fetcher.service.Listing
	body, err := s.get(ctx, strings.ReplaceAll(ep.Path, "{id}", url.PathEscape(id)), ep.Params)
	if err != nil {
		return nil, err
	}

	if ep.Root != "" {
		if body, err = s.fetcher.evaluator.Evaluate(ep.Root, body); err != nil {
			return nil, err
		}
	}
	record, ok := body.(map[string]any)
	if !ok {
		return nil, &TransientServiceError{ServiceID: s.fetcher.service.ID, URL: ep.Path, Err: fmt.Errorf("listing %s is a %T, not an object", id, body)}
	}
	return record, nil
}

// get reserves quota, sends the request with the credential attached and decodes the JSON body.
func (s *httpSession) get(ctx context.Context, path string, params map[string]string) (any, error) {
	svc := s.fetcher.service
	secret := s.fetcher.tracker.SecretParam()

	base, err := url.Parse(strings.TrimRight(svc.BaseURL, "/") + path)
	if err != nil {
		return nil, fmt.Errorf("invalid url for %s: %w", svc.ID, err)
	}
	q := base.Query()
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		q.Set(k, params[k])
	}
	base.RawQuery = q.Encode()
	logURL := base.String()

	credential, err := s.fetcher.tracker.Reserve(ctx, logURL)
	if err != nil {
		return nil, err
	}

	q.Set(secret, credential)
	base.RawQuery = q.Encode()

	resp, err := s.client.Get(ctx, base.String(), logURL)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &TransientServiceError{ServiceID: svc.ID, URL: logURL, Err: err}
	}
	if !resp.Success() {
		s.fetcher.logger.WithContext(ctx).WithFields(map[string]any{"service_id": svc.ID, "url": logURL, "status_code": resp.StatusCode}).Warn("Service returned an error status")
		return nil, &TransientServiceError{ServiceID: svc.ID, URL: logURL, StatusCode: resp.StatusCode}
	}

	body, err := resp.JSON()
	if err != nil {
		return nil, &TransientServiceError{ServiceID: svc.ID, URL: logURL, Err: err}
	}
	return body, nil
}

func records(items []any) []models.RawRecord {
	out := make([]models.RawRecord, 0, len(items))
	for _, item := range items {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}
