// Package ingestion drives reference and listing batches.
package ingestion

import (
	"context"
	"fmt"
	"sort"

	"github.com/Ramsey-B/fern/pkg/mapping"
)

// Status of one requested entity type in a reference batch.
type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusFailed  Status = "FAILED"
	StatusUnknown Status = "UNKNOWN"
)

// TypeStatus is the outcome of one entity type. Detail is the loader payload on success and
// the error text otherwise.
type TypeStatus struct {
	Status Status `json:"status"`
	Detail any    `json:"detail,omitempty"`
}

// StatusReport lists every requested entity type with its outcome.
type StatusReport map[string]TypeStatus

// Loader loads one reference entity type and returns a summary payload.
type Loader interface {
	Load(ctx context.Context, et EntityType) (any, error)
}

// LoaderFunc adapts a function to a Loader.
type LoaderFunc func(ctx context.Context, et EntityType) (any, error)

func (f LoaderFunc) Load(ctx context.Context, et EntityType) (any, error) {
	return f(ctx, et)
}

// Step is one named stage of a type's loader.
type Step struct {
	Name   string
	Loader Loader
}

// Steps runs its loaders in order and stops at the first error. The payload maps step names
// to their payloads.
type Steps []Step

func (s Steps) Load(ctx context.Context, et EntityType) (any, error) {
	out := make(map[string]any, len(s))
	for _, step := range s {
		payload, err := step.Loader.Load(ctx, et)
		if err != nil {
			return out, fmt.Errorf("%s: %w", step.Name, err)
		}
		out[step.Name] = payload
	}
	return out, nil
}

// EntityType is a registered reference entity type.
type EntityType struct {
	Name      string
	DependsOn []string
	Aliasing  bool
	Parent    string
	Loader    Loader
}

// Registry maps entity type names to their definitions.
type Registry struct {
	types map[string]EntityType
}

func NewRegistry(types ...EntityType) (*Registry, error) {
	r := &Registry{types: make(map[string]EntityType, len(types))}
	for _, et := range types {
		if err := r.Register(et); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) Register(et EntityType) error {
	if et.Name == "" {
		return fmt.Errorf("entity type without a name")
	}
	if _, ok := r.types[et.Name]; ok {
		return fmt.Errorf("entity type %s registered twice", et.Name)
	}
	if et.Loader == nil {
		return fmt.Errorf("entity type %s has no loader", et.Name)
	}
	r.types[et.Name] = et
	return nil
}

func (r *Registry) Get(name string) (EntityType, bool) {
	et, ok := r.types[name]
	return et, ok
}

// Names returns every registered type, sorted.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.types))
	for name := range r.types {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) dependencies() map[string][]string {
	deps := make(map[string][]string, len(r.types))
	for name, et := range r.types {
		deps[name] = et.DependsOn
	}
	return deps
}

// RegistryFromMetadata registers every entity type of md. A type loads its seeds first when it
// has any, then the cross-service references of every service that publishes it.
func RegistryFromMetadata(md *mapping.Metadata, seeds *SeedLoader, refs *CrossRefLoader) (*Registry, error) {
	r := &Registry{types: make(map[string]EntityType, len(md.EntityTypes))}
	for _, def := range md.EntityTypes {
		var steps Steps
		if len(md.Seeds[def.Name]) > 0 {
			steps = append(steps, Step{Name: "seed", Loader: seeds})
		}
		for _, svc := range md.Services {
			if _, ok := svc.Reference[def.Name]; ok {
				steps = append(steps, Step{Name: "cross_refs", Loader: refs})
				break
			}
		}
		err := r.Register(EntityType{
			Name:      def.Name,
			DependsOn: def.DependsOn,
			Aliasing:  def.Aliasing,
			Parent:    def.Parent,
			Loader:    steps,
		})
		if err != nil {
			return nil, err
		}
	}
	return r, nil
}
