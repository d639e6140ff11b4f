package task

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComplete_ValidationEnabled_EntersUnderReviewAndIncrementsIteration(t *testing.T) {
	now := time.Now().UTC()
	tk := &Task{ID: "t1", Status: StatusInProgress, ValidationEnabled: true}

	require.NoError(t, Complete(tk, now))
	assert.Equal(t, StatusUnderReview, tk.Status)
	assert.Equal(t, 1, tk.ValidationIteration)

	require.NoError(t, ApplyValidation(tk, false, "add null check", now))
	assert.Equal(t, StatusNeedsWork, tk.Status)
	assert.Equal(t, "add null check", tk.LastValidationFeedback)

	require.NoError(t, Resume(tk, now))
	assert.Equal(t, StatusInProgress, tk.Status)

	require.NoError(t, Complete(tk, now))
	assert.Equal(t, 2, tk.ValidationIteration)

	require.NoError(t, ApplyValidation(tk, true, "", now))
	assert.Equal(t, StatusDone, tk.Status)
	assert.False(t, tk.CompletedAt.IsZero())
}

func TestComplete_ValidationDisabled_GoesStraightToDone(t *testing.T) {
	now := time.Now().UTC()
	tk := &Task{ID: "t1", Status: StatusInProgress}
	require.NoError(t, Complete(tk, now))
	assert.Equal(t, StatusDone, tk.Status)
}

func TestCanTransition_TerminalStatesHaveNoOutboundEdges(t *testing.T) {
	assert.False(t, CanTransition(StatusDone, StatusPending))
	assert.False(t, CanTransition(StatusFailed, StatusPending))
}

func TestCanTransition_AnyStateCanBlockOrFail(t *testing.T) {
	assert.True(t, CanTransition(StatusPending, StatusBlocked))
	assert.True(t, CanTransition(StatusInProgress, StatusFailed))
}

func TestPriority_BumpClampsAtCritical(t *testing.T) {
	assert.Equal(t, PriorityCritical, PriorityCritical.Bump())
	assert.Equal(t, PriorityHigh, PriorityMedium.Bump())
}
