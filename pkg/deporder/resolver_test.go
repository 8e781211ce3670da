package deporder

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve(t *testing.T) {
	tests := []struct {
		name      string
		deps      map[string][]string
		requested []string
		expected  []string
	}{
		{
			name:      "dependency requested after dependent",
			deps:      map[string][]string{"city": {"state"}},
			requested: []string{"city", "state"},
			expected:  []string{"state", "city"},
		},
		{
			name:      "dependency outside requested universe is ignored",
			deps:      map[string][]string{"city": {"state"}},
			requested: []string{"city"},
			expected:  []string{"city"},
		},
		{
			name: "leaves first, stable lexicographic order",
			deps: map[string][]string{
				"listing":  {"city", "category", "listing_type"},
				"city":     {"state"},
				"category": {},
			},
			requested: []string{"listing", "state", "city", "category", "listing_type"},
			expected:  []string{"category", "state", "city", "listing_type", "listing"},
		},
		{
			name:      "duplicate requests and duplicate deps collapse",
			deps:      map[string][]string{"b": {"a", "a"}},
			requested: []string{"b", "a", "b"},
			expected:  []string{"a", "b"},
		},
		{
			name:      "empty request",
			deps:      map[string][]string{"a": {"b"}},
			requested: nil,
			expected:  []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			order, err := Resolve(tt.deps, tt.requested)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, order)
		})
	}
}

func TestResolve_EveryNodeAfterItsDependencies(t *testing.T) {
	deps := map[string][]string{
		"a": {"b", "c"},
		"b": {"d"},
		"c": {"d", "e"},
		"d": {},
		"e": {"f"},
		"f": {},
	}
	requested := []string{"f", "a", "e", "d", "c", "b"}

	order, err := Resolve(deps, requested)
	require.NoError(t, err)
	require.Len(t, order, len(requested))

	position := make(map[string]int, len(order))
	for i, name := range order {
		position[name] = i
	}
	for node, nodeDeps := range deps {
		for _, dep := range nodeDeps {
			assert.Less(t, position[dep], position[node], "%s must come before %s", dep, node)
		}
	}

	again, err := Resolve(deps, []string{"b", "c", "a", "d", "e", "f"})
	require.NoError(t, err)
	assert.Equal(t, order, again)
}

func TestResolve_Cycle(t *testing.T) {
	deps := map[string][]string{
		"a": {"b"},
		"b": {"c"},
		"c": {"a"},
		"d": {},
	}

	_, err := Resolve(deps, []string{"a", "b", "c", "d"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCycleDetected))

	var cycleErr *CycleError
	require.True(t, errors.As(err, &cycleErr))
	assert.Equal(t, []string{"a", "b", "c", "a"}, cycleErr.Path)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, cycleErr.Members())
	assert.Contains(t, err.Error(), "a -> b -> c -> a")
}

func TestResolve_SelfCycle(t *testing.T) {
	_, err := Resolve(map[string][]string{"a": {"a"}}, []string{"a"})

	var cycleErr *CycleError
	require.True(t, errors.As(err, &cycleErr))
	assert.Equal(t, []string{"a", "a"}, cycleErr.Path)
}

func TestResolve_CycleOutsideUniverseIgnored(t *testing.T) {
	deps := map[string][]string{
		"a": {"b"},
		"b": {"a"},
	}

	order, err := Resolve(deps, []string{"a"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, order)
}
