package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func linearNodes() []Node {
	return []Node{
		{ID: "extract", Fingerprint: "f1"},
		{ID: "transform", Dependencies: []string{"extract"}, Fingerprint: "f2"},
		{ID: "load", Dependencies: []string{"transform"}, Fingerprint: "f3"},
	}
}

func TestBuild_LinearOrder(t *testing.T) {
	g, err := Build("etl", linearNodes(), "")
	require.NoError(t, err)

	assert.Equal(t, []string{"extract"}, g.Roots())
	assert.Equal(t, []string{"load"}, g.Leaves())
	assert.Equal(t, []string{"extract", "transform", "load"}, g.TopologicalOrder())
}

func TestBuild_UnknownDependency(t *testing.T) {
	_, err := Build("bad", []Node{
		{ID: "a", Dependencies: []string{"missing"}},
	}, "")
	assert.ErrorContains(t, err, "unknown task")
}

func TestBuild_DuplicateID(t *testing.T) {
	_, err := Build("dup", []Node{
		{ID: "a"}, {ID: "a"},
	}, "")
	assert.ErrorContains(t, err, "duplicate")
}

func TestBuild_Cycle(t *testing.T) {
	_, err := Build("cyclic", []Node{
		{ID: "a", Dependencies: []string{"b"}},
		{ID: "b", Dependencies: []string{"a"}},
	}, "")
	assert.ErrorContains(t, err, "cycle")
}

func TestFanOutFanIn_ExecutionLevels(t *testing.T) {
	// a -> b, a -> c, {b,c} -> d
	g, err := Build("fan", []Node{
		{ID: "a"},
		{ID: "b", Dependencies: []string{"a"}},
		{ID: "c", Dependencies: []string{"a"}},
		{ID: "d", Dependencies: []string{"b", "c"}},
	}, "")
	require.NoError(t, err)

	levels := g.ExecutionLevels()
	require.Len(t, levels, 3)
	assert.Equal(t, []string{"a"}, levels[0])
	assert.ElementsMatch(t, []string{"b", "c"}, levels[1])
	assert.Equal(t, []string{"d"}, levels[2])

	assert.ElementsMatch(t, []string{"b", "c"}, g.DependentsOf("a"))
	assert.ElementsMatch(t, []string{"b", "c"}, g.DependenciesOf("d"))
}

func TestFingerprint_Deterministic(t *testing.T) {
	g1, err := Build("etl", linearNodes(), "cfg")
	require.NoError(t, err)
	g2, err := Build("etl", linearNodes(), "cfg")
	require.NoError(t, err)

	assert.Equal(t, g1.Fingerprint(), g2.Fingerprint())

	changed := linearNodes()
	changed[1].Fingerprint = "different"
	g3, err := Build("etl", changed, "cfg")
	require.NoError(t, err)
	assert.NotEqual(t, g1.Fingerprint(), g3.Fingerprint())

	g4, err := Build("etl", linearNodes(), "different-config")
	require.NoError(t, err)
	assert.NotEqual(t, g1.Fingerprint(), g4.Fingerprint())
}
