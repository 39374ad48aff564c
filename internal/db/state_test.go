package db

import (
	"context"
	"testing"

	"github.com/ald-io/ald-agent/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateRepository_UpdateMachineState_RejectsProcessingWithNilProcessID(t *testing.T) {
	raw := NewMemoryStore()
	repo := NewStateRepository(raw, "machine-1")

	err := repo.UpdateMachineState(context.Background(), models.MachineProcessing, nil)
	require.Error(t, err)
}

func TestStateRepository_TransitionState_HappyPath(t *testing.T) {
	raw := NewMemoryStore()
	raw.SeedMachine("machine-1", models.MachineState{Status: models.MachineIdle})
	repo := NewStateRepository(raw, "machine-1")

	procID := "proc-1"
	raw.CreateProcessExecution(context.Background(), &models.ProcessExecution{ID: procID})

	next, err := repo.TransitionState(context.Background(), models.MachineIdle, models.MachineProcessing, &procID)
	require.NoError(t, err)
	assert.Equal(t, models.MachineProcessing, next.Status)
	require.NotNil(t, next.CurrentProcessID)
	assert.Equal(t, procID, *next.CurrentProcessID)
}

// TestStateRepository_TransitionState_RejectsInvalidTransition covers
// scenario S6: an attempted idle -> completed jump is not in the transition
// table and must be rejected without mutating stored state.
func TestStateRepository_TransitionState_RejectsInvalidTransition(t *testing.T) {
	raw := NewMemoryStore()
	raw.SeedMachine("machine-1", models.MachineState{Status: models.MachineIdle})
	repo := NewStateRepository(raw, "machine-1")

	_, err := repo.TransitionState(context.Background(), models.MachineIdle, models.MachineCompleted, nil)
	require.Error(t, err)

	current, err := repo.GetMachineState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.MachineIdle, current.Status)
}

func TestStateRepository_TransitionState_RejectsStaleFrom(t *testing.T) {
	raw := NewMemoryStore()
	raw.SeedMachine("machine-1", models.MachineState{Status: models.MachineError})
	repo := NewStateRepository(raw, "machine-1")

	_, err := repo.TransitionState(context.Background(), models.MachineIdle, models.MachineProcessing, nil)
	require.Error(t, err)
}

func TestStateRepository_TransitionState_ToNonProcessingClearsProcessID(t *testing.T) {
	raw := NewMemoryStore()
	procID := "proc-9"
	raw.SeedMachine("machine-1", models.MachineState{Status: models.MachineProcessing, CurrentProcessID: &procID})
	repo := NewStateRepository(raw, "machine-1")

	next, err := repo.TransitionState(context.Background(), models.MachineProcessing, models.MachineIdle, nil)
	require.NoError(t, err)
	assert.Nil(t, next.CurrentProcessID)
}
