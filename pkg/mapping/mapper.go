package mapping

import (
	"context"
	"fmt"
	"math"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/go-playground/validator/v10"

	"github.com/Ramsey-B/fern/pkg/alias"
	"github.com/Ramsey-B/fern/pkg/expressions"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

var (
	// 1,200 and 1,200,000.50: commas group thousands
	groupedNumber = regexp.MustCompile(`^[+-]?\d{1,3}(,\d{3})+(\.\d+)?$`)
	// 54,5 and 1200,50: a single comma is the decimal separator
	decimalComma = regexp.MustCompile(`^[+-]?\d+,\d{1,2}$`)
)

var dateLayouts = []string{"2006-01-02", time.RFC3339, "2006-01-02 15:04:05", "02.01.2006"}

// ValidationError reports a raw record that cannot become a canonical record.
type ValidationError struct {
	ServiceID string
	Field     string
	Reason    string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s record: field %s: %s", e.ServiceID, e.Field, e.Reason)
}

// Resolver maps external names and ids to canonical reference entities.
type Resolver interface {
	Resolve(ctx context.Context, entityType, rawName string, scope *alias.Scope) (*models.ReferenceEntity, error)
	ResolveOriginalID(ctx context.Context, entityType, serviceID, originalID string) (*models.ReferenceEntity, error)
}

// Mapper converts raw service records into canonical fields.
type Mapper struct {
	resolver  Resolver
	evaluator *expressions.Evaluator
	logger    ectologger.Logger
}

func NewMapper(resolver Resolver, logger ectologger.Logger) *Mapper {
	return &Mapper{
		resolver:  resolver,
		evaluator: expressions.NewEvaluator(),
		logger:    logger,
	}
}

// Convert extracts, coerces, resolves and validates every mapped field of svc. Reference fields
// become canonical entity ids. Resolution errors from the alias package are returned wrapped.
func (m *Mapper) Convert(ctx context.Context, svc Service, raw models.RawRecord) (map[string]any, error) {
	ctx, span := tracing.StartSpan(ctx, "mapping.Mapper.Convert")
	defer span.End()

	order, err := svc.ResolutionOrder()
	if err != nil {
		return nil, err
	}

	out := make(map[string]any, len(order))
	for _, name := range order {
		f := svc.Fields[name]

		value, err := m.extract(f, raw)
		if err != nil {
			return nil, &ValidationError{ServiceID: svc.ID, Field: name, Reason: err.Error()}
		}

		if f.EntityType != "" {
			value, err = m.resolve(ctx, svc.ID, f, value, out)
			if err != nil {
				return nil, fmt.Errorf("field %s: %w", name, err)
			}
		} else {
			value, err = coerce(f, value)
			if err != nil {
				return nil, &ValidationError{ServiceID: svc.ID, Field: name, Reason: err.Error()}
			}
		}

		if err := check(f, value); err != nil {
			return nil, &ValidationError{ServiceID: svc.ID, Field: name, Reason: err.Error()}
		}
		out[name] = value
	}
	return out, nil
}

func (m *Mapper) extract(f Field, raw models.RawRecord) (any, error) {
	if f.Constant != nil {
		return f.Constant, nil
	}
	if f.External == "" {
		return nil, nil
	}
	return m.evaluator.Evaluate(f.External, map[string]any(raw))
}

func (m *Mapper) resolve(ctx context.Context, serviceID string, f Field, value any, converted map[string]any) (any, error) {
	text := strings.TrimSpace(expressions.Stringify(value))
	if text == "" {
		return nil, nil
	}

	var (
		entity *models.ReferenceEntity
		err    error
	)
	switch f.ResolveBy {
	case ResolveByOriginalID:
		entity, err = m.resolver.ResolveOriginalID(ctx, f.EntityType, serviceID, text)
	default:
		var scope *alias.Scope
		if f.Scope != "" {
			parentID, _ := converted[f.Scope].(string)
			if parentID == "" {
				return nil, fmt.Errorf("%w: %s %q has no resolved %s", alias.ErrNoMatch, f.EntityType, text, f.Scope)
			}
			scope = &alias.Scope{ParentID: parentID}
		}
		entity, err = m.resolver.Resolve(ctx, f.EntityType, text, scope)
	}
	if err != nil {
		return nil, err
	}
	return entity.ID, nil
}

func coerce(f Field, value any) (any, error) {
	if value == nil {
		return nil, nil
	}
	if s, ok := value.(string); ok && strings.TrimSpace(s) == "" {
		return nil, nil
	}

	switch f.Type {
	case TypeNumber:
		return toNumber(value)
	case TypeInteger:
		n, err := toNumber(value)
		if err != nil {
			return nil, err
		}
		if n != math.Trunc(n) {
			return nil, fmt.Errorf("%v is not an integer", value)
		}
		return int64(n), nil
	case TypeDate:
		return toDate(f.Layout, value)
	case TypeURL:
		return canonicalURL(strings.TrimSpace(expressions.Stringify(value)))
	case TypeString, "":
		return strings.TrimSpace(expressions.Stringify(value)), nil
	default:
		return nil, fmt.Errorf("unknown type %s", f.Type)
	}
}

func toNumber(value any) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case string:
		cleaned := strings.NewReplacer(" ", "", "\u00a0", "").Replace(strings.TrimSpace(v))
		switch {
		case groupedNumber.MatchString(cleaned):
			cleaned = strings.ReplaceAll(cleaned, ",", "")
		case decimalComma.MatchString(cleaned):
			cleaned = strings.Replace(cleaned, ",", ".", 1)
		case strings.Contains(cleaned, ","):
			return 0, fmt.Errorf("%q is not a number", v)
		}
		n, err := strconv.ParseFloat(cleaned, 64)
		if err != nil {
			return 0, fmt.Errorf("%q is not a number", v)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("%T is not a number", value)
	}
}

// trackingParams never identify a listing, they only record where a visitor came from.
var trackingParams = map[string]bool{"fbclid": true, "gclid": true, "yclid": true}

// canonicalURL lowercases scheme and host, drops the fragment, tracking parameters and a
// trailing slash, and sorts what is left of the query.
func canonicalURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("%q is not an absolute url", raw)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.RawFragment = ""
	if len(u.Path) > 1 {
		u.Path = strings.TrimRight(u.Path, "/")
		u.RawPath = ""
	}

	query := u.Query()
	for name := range query {
		if trackingParams[strings.ToLower(name)] || strings.HasPrefix(strings.ToLower(name), "utm_") {
			query.Del(name)
		}
	}
	u.RawQuery = query.Encode()
	return u.String(), nil
}

func toDate(layout string, value any) (time.Time, error) {
	s, ok := value.(string)
	if !ok {
		return time.Time{}, fmt.Errorf("%T is not a date", value)
	}
	s = strings.TrimSpace(s)
	layouts := dateLayouts
	if layout != "" {
		layouts = []string{layout}
	}
	for _, l := range layouts {
		if t, err := time.Parse(l, s); err == nil {
			y, mo, d := t.UTC().Date()
			return time.Date(y, mo, d, 0, 0, 0, 0, time.UTC), nil
		}
	}
	return time.Time{}, fmt.Errorf("%q is not a date", s)
}

func check(f Field, value any) error {
	if f.Validate == "" {
		return nil
	}
	if value == nil {
		if strings.Contains(f.Validate, "required") {
			return fmt.Errorf("value is required")
		}
		return nil
	}
	if err := validate.Var(value, f.Validate); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("rule '%s' expected '%s', got '%v'", fe.Tag(), fe.Param(), fe.Value())
		}
		return err
	}
	return nil
}
