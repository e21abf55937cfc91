package swarm

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianhq/meridian/internal/apperr"
)

func TestValidateDAGRejectsDuplicateNames(t *testing.T) {
	err := validateDAG([]string{"a", "a"}, map[string][]string{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrValidation))
}

func TestValidateDAGRejectsUnknownDependency(t *testing.T) {
	err := validateDAG([]string{"a", "b"}, map[string][]string{"b": {"ghost"}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrValidation))
}

func TestValidateDAGRejectsCycle(t *testing.T) {
	err := validateDAG([]string{"a", "b", "c"}, map[string][]string{
		"a": {"c"},
		"b": {"a"},
		"c": {"b"},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrCyclicDependency))
}

func TestValidateDAGAcceptsDiamond(t *testing.T) {
	err := validateDAG([]string{"a", "b", "c", "d"}, map[string][]string{
		"b": {"a"},
		"c": {"a"},
		"d": {"b", "c"},
	})
	assert.NoError(t, err)
}

func TestLevelsComputesLongestPathFromRoot(t *testing.T) {
	preds := map[string][]string{
		"a": {},
		"b": {"a"},
		"c": {"a"},
		"d": {"b", "c"},
		"e": {"d"},
	}
	lvl := levels([]string{"a", "b", "c", "d", "e"}, preds)
	assert.Equal(t, 0, lvl["a"])
	assert.Equal(t, 1, lvl["b"])
	assert.Equal(t, 1, lvl["c"])
	assert.Equal(t, 2, lvl["d"])
	assert.Equal(t, 3, lvl["e"])
}

func TestCriticalPathFollowsDeepestChain(t *testing.T) {
	preds := map[string][]string{
		"a": {},
		"b": {"a"},
		"c": {"a"},
		"d": {"b", "c"},
	}
	path := criticalPath([]string{"a", "b", "c", "d"}, preds)
	require.Len(t, path, 3)
	assert.Equal(t, "a", path[0])
	assert.Equal(t, "d", path[2])
}
