package runtime_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alfredjean/ojd/internal/core/scheduling"
	"github.com/alfredjean/ojd/internal/runtime"
)

func TestMatchResourcesEqualsComparesAgainstID(t *testing.T) {
	cond := scheduling.Condition{Kind: scheduling.ConditionEquals, Value: "worktree-2"}
	resources := []runtime.ScanResource{{ID: "worktree-1"}, {ID: "worktree-2"}}

	matched, err := runtime.MatchResources(cond, resources)
	require.NoError(t, err)
	assert.Equal(t, []string{"worktree-2"}, matched)
}

func TestMatchResourcesChangedAlwaysMatches(t *testing.T) {
	cond := scheduling.Condition{Kind: scheduling.ConditionChanged}
	resources := []runtime.ScanResource{{ID: "a"}, {ID: "b"}}

	matched, err := runtime.MatchResources(cond, resources)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, matched)
}

func TestMatchResourcesMatchesUsesJSONPathTruthiness(t *testing.T) {
	cond := scheduling.Condition{Kind: scheduling.ConditionMatches, Value: "$.stale"}
	resources := []runtime.ScanResource{
		{ID: "r1", Attributes: []byte(`{"stale": true}`)},
		{ID: "r2", Attributes: []byte(`{"stale": false}`)},
		{ID: "r3"},
	}

	matched, err := runtime.MatchResources(cond, resources)
	require.NoError(t, err)
	assert.Equal(t, []string{"r1"}, matched)
}

func TestMatchResourcesMatchesWithNoPathHitIsNotAnError(t *testing.T) {
	cond := scheduling.Condition{Kind: scheduling.ConditionMatches, Value: "$.missing"}
	resources := []runtime.ScanResource{{ID: "r1", Attributes: []byte(`{"stale": true}`)}}

	matched, err := runtime.MatchResources(cond, resources)
	require.NoError(t, err)
	assert.Empty(t, matched)
}

func TestMatchResourcesUnknownConditionIsAnError(t *testing.T) {
	cond := scheduling.Condition{Kind: scheduling.ConditionKind("bogus")}
	_, err := runtime.MatchResources(cond, []runtime.ScanResource{{ID: "r1"}})
	assert.Error(t, err)
}
