package planner_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/cursorchestrator/pkg/planner"
	"github.com/codeready-toolchain/cursorchestrator/pkg/store"
)

func TestPlanNumberedListProducesSequentialDependencies(t *testing.T) {
	plan := planner.Plan(`
1. Add the login endpoint
2. Write tests for the login endpoint
3. Update the API docs
`)
	require.Len(t, plan.Tasks, 3)
	assert.Empty(t, plan.Tasks[0].Dependencies)
	assert.Equal(t, []string{"task-1"}, plan.Tasks[1].Dependencies)
	assert.Equal(t, []string{"task-2"}, plan.Tasks[2].Dependencies)
}

func TestPlanBulletedListProducesIndependentTasks(t *testing.T) {
	plan := planner.Plan(`
- Fix the flaky CI job
- Bump the go-redis dependency
- Update the README
`)
	require.Len(t, plan.Tasks, 3)
	for _, task := range plan.Tasks {
		assert.Empty(t, task.Dependencies, "bulleted tasks should have no inferred dependencies")
	}
}

func TestPlanWithNoListStructureSplitsSentencesSequentially(t *testing.T) {
	plan := planner.Plan("Add rate limiting to the API. Write integration tests for it.")
	require.Len(t, plan.Tasks, 2)
	assert.Empty(t, plan.Tasks[0].Dependencies)
	assert.Equal(t, []string{"task-1"}, plan.Tasks[1].Dependencies)
}

func TestPlanDetectsHighPriorityKeyword(t *testing.T) {
	plan := planner.Plan("1. This is a critical security fix for the auth layer")
	require.Len(t, plan.Tasks, 1)
	assert.Equal(t, store.TaskPriorityHigh, plan.Tasks[0].Priority)
}

func TestPlanDetectsLowPriorityKeyword(t *testing.T) {
	plan := planner.Plan("1. Rename this variable, optional cleanup")
	require.Len(t, plan.Tasks, 1)
	assert.Equal(t, store.TaskPriorityLow, plan.Tasks[0].Priority)
}

func TestPlanDefaultsToMediumPriority(t *testing.T) {
	plan := planner.Plan("1. Implement the export feature")
	require.Len(t, plan.Tasks, 1)
	assert.Equal(t, store.TaskPriorityMedium, plan.Tasks[0].Priority)
}

func TestPlanEstimatesComplexityByDescriptionLength(t *testing.T) {
	plan := planner.Plan("1. Fix typo\n2. " + longTaskDescription())
	require.Len(t, plan.Tasks, 2)
	assert.Equal(t, "small", plan.Tasks[0].EstimatedComplexity)
	assert.Equal(t, "large", plan.Tasks[1].EstimatedComplexity)
}

func longTaskDescription() string {
	s := ""
	for i := 0; i < 45; i++ {
		s += "word "
	}
	return s
}

func TestPlanEmptyPromptYieldsEmptyTaskList(t *testing.T) {
	plan := planner.Plan("   \n  ")
	assert.Empty(t, plan.Tasks)
}

func TestPlanPreservesProjectDescription(t *testing.T) {
	plan := planner.Plan("  Build a new reporting dashboard  ")
	assert.Equal(t, "Build a new reporting dashboard", plan.ProjectDescription)
}
