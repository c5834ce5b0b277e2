package plugin_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	plugins "github.com/kitakeyos/pluginhost/internal/plugin"
)

func TestResolve_LinearDependencies(t *testing.T) {
	input := map[string]plugins.Metadata{
		"A": {Name: "A"},
		"B": {Name: "B", Dependencies: []string{"A"}},
		"C": {Name: "C", Dependencies: []string{"B"}},
	}

	order, err := plugins.Resolve(input)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "C"}, order)
}

func TestResolve_EmptyInput(t *testing.T) {
	order, err := plugins.Resolve(nil)
	require.NoError(t, err)
	assert.Empty(t, order)
}

func TestResolve_MissingDependency(t *testing.T) {
	input := map[string]plugins.Metadata{
		"A": {Name: "A", Dependencies: []string{"ghost"}},
	}

	_, err := plugins.Resolve(input)
	require.Error(t, err)
	var missing *plugins.MissingDependencyError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "A", missing.Plugin)
	assert.Equal(t, "ghost", missing.Dep)
}

func TestResolve_CircularDependency(t *testing.T) {
	input := map[string]plugins.Metadata{
		"A": {Name: "A", Dependencies: []string{"B"}},
		"B": {Name: "B", Dependencies: []string{"C"}},
		"C": {Name: "C", Dependencies: []string{"A"}},
	}

	_, err := plugins.Resolve(input)
	require.Error(t, err)
	var circ *plugins.CircularDependencyError
	require.ErrorAs(t, err, &circ)

	path := circ.CyclePath
	require.NotEmpty(t, path)
	assert.Equal(t, path[0], path[len(path)-1])
	for _, name := range path {
		_, ok := input[name]
		assert.True(t, ok, "cycle path must only contain known plugins")
	}
}

func TestResolve_DeterministicTieBreak(t *testing.T) {
	input := map[string]plugins.Metadata{
		"z": {Name: "z"},
		"a": {Name: "a"},
		"m": {Name: "m"},
	}

	order, err := plugins.Resolve(input)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "m", "z"}, order)
}

func TestAnalyze_RootsAndLeaves(t *testing.T) {
	input := map[string]plugins.Metadata{
		"A": {Name: "A"},
		"B": {Name: "B", Dependencies: []string{"A"}},
		"C": {Name: "C", Dependencies: []string{"B"}},
	}

	analysis := plugins.Analyze(input)
	assert.Equal(t, []string{"A"}, analysis.RootPlugins)
	assert.Equal(t, []string{"C"}, analysis.LeafPlugins)
	assert.Equal(t, 3, analysis.TotalPlugins)
	assert.ElementsMatch(t, []string{"B"}, analysis.PluginsThatDependOn("A"))
	assert.ElementsMatch(t, []string{"A"}, analysis.DependenciesOf("B"))
}

func TestFindCircularDependencies(t *testing.T) {
	input := map[string]plugins.Metadata{
		"A": {Name: "A", Dependencies: []string{"B"}},
		"B": {Name: "B", Dependencies: []string{"A"}},
		"C": {Name: "C"},
	}

	cycles := plugins.FindCircularDependencies(input)
	require.NotEmpty(t, cycles)
}
