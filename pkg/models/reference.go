package models

import (
	"encoding/json"
	"time"
)

// ReferenceEntity is the canonical row for a reference concept (state, city, listing type, ...).
type ReferenceEntity struct {
	ID         string          `json:"id" db:"id"`
	EntityType string          `json:"entity_type" db:"entity_type"`
	Name       string          `json:"name" db:"name"`
	ParentID   *string         `json:"parent_id,omitempty" db:"parent_id"`
	Attributes json.RawMessage `json:"attributes,omitempty" db:"attributes"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
}

// Alias maps a free-text name to exactly one canonical entity of a type within its scope (the
// entity's parent). AliasNorm is the lookup key; AliasText keeps the spelling it was loaded with.
type Alias struct {
	EntityID   string    `json:"entity_id" db:"entity_id"`
	EntityType string    `json:"entity_type" db:"entity_type"`
	ScopeID    *string   `json:"scope_id,omitempty" db:"scope_id"`
	AliasText  string    `json:"alias_text" db:"alias_text"`
	AliasNorm  string    `json:"alias_norm" db:"alias_norm"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// CrossServiceRef maps a canonical entity to one external service's own identifier.
type CrossServiceRef struct {
	EntityID   string    `json:"entity_id" db:"entity_id"`
	EntityType string    `json:"entity_type" db:"entity_type"`
	ServiceID  string    `json:"service_id" db:"service_id"`
	OriginalID string    `json:"original_id" db:"original_id"`
	UpdatedAt  time.Time `json:"updated_at" db:"updated_at"`
}

// SeedEntity is a canonical entity as declared in the metadata file.
type SeedEntity struct {
	Name       string         `json:"name" yaml:"name"`
	Parent     string         `json:"parent,omitempty" yaml:"parent,omitempty"`
	Aliases    []string       `json:"aliases,omitempty" yaml:"aliases,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty" yaml:"attributes,omitempty"`
}
