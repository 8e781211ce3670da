package versioning

import (
	"fmt"
	"time"
)

const (
	KindListingDetail = "listing_detail"
	KindListing       = "listing"
)

// Reference declares that Field holds the id of a row of Kind.
type Reference struct {
	Field string
	Kind  string
}

// Kind describes one versioned table. Fields lists every tracked column, the natural key and the
// reference columns included.
type Kind struct {
	Name       string
	Table      string
	NaturalKey string
	Fields     []string
	References []Reference
}

// Columns returns the tracked columns in declaration order with the natural key first.
func (k Kind) Columns() []string {
	cols := []string{k.NaturalKey}
	for _, f := range k.Fields {
		if f != k.NaturalKey {
			cols = append(cols, f)
		}
	}
	return cols
}

// contentFields are the fields whose values make up the fingerprint. Identity columns
// (the natural key and references) are compared directly instead.
func (k Kind) contentFields() []string {
	skip := map[string]bool{k.NaturalKey: true}
	for _, r := range k.References {
		skip[r.Field] = true
	}
	out := make([]string, 0, len(k.Fields))
	for _, f := range k.Fields {
		if !skip[f] {
			out = append(out, f)
		}
	}
	return out
}

// Record is one row of a versioned table. Version is nil for the live row.
type Record struct {
	ID          string         `json:"id"`
	Kind        string         `json:"kind"`
	Key         string         `json:"key"`
	Version     *time.Time     `json:"version,omitempty"`
	Fingerprint string         `json:"fingerprint"`
	CreatedAt   time.Time      `json:"created_at"`
	Fields      map[string]any `json:"fields"`
}

// Live reports whether the record is the current row for its key.
func (r *Record) Live() bool {
	return r.Version == nil
}

func (r Record) clone() Record {
	fields := make(map[string]any, len(r.Fields))
	for k, v := range r.Fields {
		fields[k] = v
	}
	r.Fields = fields
	if r.Version != nil {
		v := *r.Version
		r.Version = &v
	}
	return r
}

// ListingDetailKind is a listing's detail record, keyed by its canonical source URL.
func ListingDetailKind() Kind {
	return Kind{
		Name:       KindListingDetail,
		Table:      "listing_details",
		NaturalKey: "source_url",
		Fields: []string{
			"source_url", "price", "currency", "area_total", "area_living", "area_kitchen",
			"floor", "floors_total", "rooms", "publish_date", "description",
		},
	}
}

// ListingKind is the listing itself, keyed by the detail row it points at.
func ListingKind() Kind {
	return Kind{
		Name:       KindListing,
		Table:      "listings",
		NaturalKey: "detail_id",
		Fields: []string{
			"detail_id", "service_id", "original_id", "listing_type_id", "transaction_type_id",
			"category_id", "state_id", "city_id",
		},
		References: []Reference{{Field: "detail_id", Kind: KindListingDetail}},
	}
}

// DefaultKinds are the kinds this system versions.
func DefaultKinds() []Kind {
	return []Kind{ListingDetailKind(), ListingKind()}
}

func idString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}
