package ingestion

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

// recorder is a loader that remembers the order types were loaded in.
type recorder struct {
	mu    sync.Mutex
	order []string
	fail  map[string]error
}

func (r *recorder) Load(_ context.Context, et EntityType) (any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.order = append(r.order, et.Name)
	if err := r.fail[et.Name]; err != nil {
		return nil, err
	}
	return map[string]int{"loaded": 1}, nil
}

func newTestOrchestrator(t *testing.T, rec *recorder, deps map[string][]string) *Orchestrator {
	t.Helper()
	reg, err := NewRegistry()
	require.NoError(t, err)
	for name, d := range deps {
		require.NoError(t, reg.Register(EntityType{Name: name, DependsOn: d, Loader: rec}))
	}
	o, err := NewOrchestrator(Config{Registry: reg}, testLogger())
	require.NoError(t, err)
	return o
}

func TestLoadReferenceBatch_DependencyOrder(t *testing.T) {
	rec := &recorder{}
	o := newTestOrchestrator(t, rec, map[string][]string{
		"state": nil,
		"city":  {"state"},
	})

	report := o.LoadReferenceBatch(context.Background(), []string{"city", "state"})

	assert.Equal(t, []string{"state", "city"}, rec.order)
	require.Len(t, report, 2)
	assert.Equal(t, StatusSuccess, report["state"].Status)
	assert.Equal(t, StatusSuccess, report["city"].Status)
	assert.Equal(t, map[string]int{"loaded": 1}, report["city"].Detail)
}

func TestLoadReferenceBatch_UnknownType(t *testing.T) {
	rec := &recorder{}
	o := newTestOrchestrator(t, rec, map[string][]string{"state": nil})

	report := o.LoadReferenceBatch(context.Background(), []string{"state", "planet", "state"})

	assert.Equal(t, []string{"state"}, rec.order)
	require.Len(t, report, 2)
	assert.Equal(t, StatusSuccess, report["state"].Status)
	assert.Equal(t, StatusUnknown, report["planet"].Status)
}

func TestLoadReferenceBatch_CycleFailsOnlyItsMembers(t *testing.T) {
	rec := &recorder{}
	o := newTestOrchestrator(t, rec, map[string][]string{
		"a":     {"b"},
		"b":     {"a"},
		"state": nil,
		"city":  {"state"},
	})

	report := o.LoadReferenceBatch(context.Background(), []string{"a", "b", "city", "state"})

	require.Len(t, report, 4)
	assert.Equal(t, StatusFailed, report["a"].Status)
	assert.Equal(t, StatusFailed, report["b"].Status)
	assert.Contains(t, report["a"].Detail, "dependency cycle detected")
	assert.Equal(t, StatusSuccess, report["state"].Status)
	assert.Equal(t, StatusSuccess, report["city"].Status)
	assert.Equal(t, []string{"state", "city"}, rec.order)
}

func TestLoadReferenceBatch_FailureDoesNotAbortBatch(t *testing.T) {
	rec := &recorder{fail: map[string]error{"state": errors.New("service down")}}
	o := newTestOrchestrator(t, rec, map[string][]string{
		"state":        nil,
		"city":         {"state"},
		"listing_type": nil,
	})

	report := o.LoadReferenceBatch(context.Background(), []string{"city", "state", "listing_type"})

	assert.Equal(t, StatusFailed, report["state"].Status)
	assert.Equal(t, "service down", report["state"].Detail)
	assert.Equal(t, StatusSuccess, report["city"].Status)
	assert.Equal(t, StatusSuccess, report["listing_type"].Status)
	assert.Len(t, rec.order, 3)
}

func TestLoadReferenceBatch_Cancelled(t *testing.T) {
	rec := &recorder{}
	o := newTestOrchestrator(t, rec, map[string][]string{
		"state": nil,
		"city":  {"state"},
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	report := o.LoadReferenceBatch(ctx, []string{"city", "state"})

	assert.Empty(t, rec.order)
	require.Len(t, report, 2)
	for _, name := range []string{"state", "city"} {
		assert.Equal(t, StatusFailed, report[name].Status)
		assert.Equal(t, context.Canceled.Error(), report[name].Detail)
	}
}

func TestRegistry_Register(t *testing.T) {
	noop := LoaderFunc(func(context.Context, EntityType) (any, error) { return nil, nil })

	tests := []struct {
		name    string
		types   []EntityType
		wantErr string
	}{
		{name: "valid", types: []EntityType{{Name: "state", Loader: noop}, {Name: "city", DependsOn: []string{"state"}, Loader: noop}}},
		{name: "empty name", types: []EntityType{{Loader: noop}}, wantErr: "without a name"},
		{name: "duplicate", types: []EntityType{{Name: "state", Loader: noop}, {Name: "state", Loader: noop}}, wantErr: "registered twice"},
		{name: "no loader", types: []EntityType{{Name: "state"}}, wantErr: "has no loader"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg, err := NewRegistry(tt.types...)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, []string{"city", "state"}, reg.Names())
		})
	}
}

func TestSteps_StopAtFirstError(t *testing.T) {
	var ran []string
	step := func(name string, err error) Step {
		return Step{Name: name, Loader: LoaderFunc(func(context.Context, EntityType) (any, error) {
			ran = append(ran, name)
			return name + " done", err
		})}
	}

	payload, err := Steps{step("seed", nil), step("cross_refs", errors.New("boom")), step("never", nil)}.Load(context.Background(), EntityType{Name: "state"})

	require.Error(t, err)
	assert.Equal(t, "cross_refs: boom", err.Error())
	assert.Equal(t, []string{"seed", "cross_refs"}, ran)
	assert.Equal(t, map[string]any{"seed": "seed done"}, payload)
}

func TestNewOrchestrator_RequiresRegistry(t *testing.T) {
	_, err := NewOrchestrator(Config{}, testLogger())
	assert.Error(t, err)
}
