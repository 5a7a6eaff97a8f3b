package runtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/hexafield/hyperagent/internal/common/errors"
	v1 "github.com/hexafield/hyperagent/pkg/api/v1"
)

func TestValidatePlan(t *testing.T) {
	t.Run("valid linear plan", func(t *testing.T) {
		err := validatePlan(&v1.PlannerRun{
			ID: "p",
			Tasks: []*v1.PlannerTask{
				{ID: "a", Title: "A"},
				{ID: "b", Title: "B", DependsOn: []string{"a"}},
				{ID: "c", Title: "C", DependsOn: []string{"a", "b"}},
			},
		})
		assert.NoError(t, err)
	})

	t.Run("empty plan", func(t *testing.T) {
		err := validatePlan(&v1.PlannerRun{ID: "p"})
		require.Error(t, err)
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidPlan))
	})

	t.Run("duplicate task ids", func(t *testing.T) {
		err := validatePlan(&v1.PlannerRun{
			ID: "p",
			Tasks: []*v1.PlannerTask{
				{ID: "a"},
				{ID: "a"},
			},
		})
		require.Error(t, err)
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidPlan))
	})

	t.Run("unknown dependency", func(t *testing.T) {
		err := validatePlan(&v1.PlannerRun{
			ID: "p",
			Tasks: []*v1.PlannerTask{
				{ID: "a", DependsOn: []string{"ghost"}},
			},
		})
		require.Error(t, err)
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidPlan))
	})

	t.Run("self dependency", func(t *testing.T) {
		err := validatePlan(&v1.PlannerRun{
			ID: "p",
			Tasks: []*v1.PlannerTask{
				{ID: "a", DependsOn: []string{"a"}},
			},
		})
		require.Error(t, err)
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidPlan))
	})

	t.Run("cycle", func(t *testing.T) {
		err := validatePlan(&v1.PlannerRun{
			ID: "p",
			Tasks: []*v1.PlannerTask{
				{ID: "a", DependsOn: []string{"c"}},
				{ID: "b", DependsOn: []string{"a"}},
				{ID: "c", DependsOn: []string{"b"}},
			},
		})
		require.Error(t, err)
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidPlan))
	})

	t.Run("diamond is acyclic", func(t *testing.T) {
		err := validatePlan(&v1.PlannerRun{
			ID: "p",
			Tasks: []*v1.PlannerTask{
				{ID: "root"},
				{ID: "left", DependsOn: []string{"root"}},
				{ID: "right", DependsOn: []string{"root"}},
				{ID: "merge", DependsOn: []string{"left", "right"}},
			},
		})
		assert.NoError(t, err)
	})
}

func TestFindCycle(t *testing.T) {
	tasks := []*v1.PlannerTask{
		{ID: "a"},
		{ID: "b", DependsOn: []string{"b2"}},
		{ID: "b2", DependsOn: []string{"b"}},
	}
	got := findCycle(tasks)
	assert.Contains(t, []string{"b", "b2"}, got)

	assert.Equal(t, "", findCycle([]*v1.PlannerTask{{ID: "solo"}}))
}
