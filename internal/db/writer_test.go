package db

import (
	"context"
	"testing"
	"time"

	"github.com/ald-io/ald-agent/internal/ald/errs"
	"github.com/ald-io/ald-agent/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleBatch(n int) []models.ParameterValue {
	batch := make([]models.ParameterValue, n)
	now := time.Now().UTC()
	for i := range batch {
		batch[i] = models.ParameterValue{
			ParameterID: string(rune('a' + i)),
			Value:       float64(i),
			Timestamp:   now,
			Quality:     models.QualityGood,
		}
	}
	return batch
}

func TestWriter_InsertHistoryOnly_IdleMode(t *testing.T) {
	raw := NewMemoryStore()
	state := NewStateRepository(raw, "machine-1")
	w := NewWriter(raw, state)

	n, err := w.InsertHistoryOnly(context.Background(), sampleBatch(3))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 3, raw.HistoryCount())
	assert.Equal(t, 0, raw.ProcessDataCount())
}

func TestWriter_InsertDualModeAtomic_WritesAllThreeTables(t *testing.T) {
	raw := NewMemoryStore()
	procID := "proc-1"
	raw.CreateProcessExecution(context.Background(), &models.ProcessExecution{ID: procID})
	state := NewStateRepository(raw, "machine-1")
	w := NewWriter(raw, state)

	result := w.InsertDualModeAtomic(context.Background(), sampleBatch(4), models.MachineState{
		Status: models.MachineProcessing, CurrentProcessID: &procID,
	})
	require.True(t, result.Success)
	assert.Equal(t, 4, result.HistoryCount)
	assert.Equal(t, 4, result.ProcessCount)
	assert.Equal(t, 4, result.ComponentUpdateCount)
	assert.Equal(t, 4, raw.HistoryCount())
	assert.Equal(t, 4, raw.ProcessDataCount())
}

func TestWriter_InsertDualModeAtomic_DemotesWhenProcessGone(t *testing.T) {
	raw := NewMemoryStore()
	procID := "proc-missing"
	state := NewStateRepository(raw, "machine-1")
	w := NewWriter(raw, state)

	result := w.InsertDualModeAtomic(context.Background(), sampleBatch(2), models.MachineState{
		Status: models.MachineProcessing, CurrentProcessID: &procID,
	})
	require.True(t, result.Success)
	assert.NotEmpty(t, result.Warning)
	assert.Equal(t, 0, result.ProcessCount)
	assert.Equal(t, 2, raw.HistoryCount())
}

// TestWriter_InsertDualModeAtomic_CompensatesOnProcessDataFailure covers
// spec scenario S3: a process_data_points insert failure after history has
// already been committed must trigger compensating deletes, leaving no
// residue from the failed transaction.
func TestWriter_InsertDualModeAtomic_CompensatesOnProcessDataFailure(t *testing.T) {
	raw := NewMemoryStore()
	procID := "proc-1"
	raw.CreateProcessExecution(context.Background(), &models.ProcessExecution{ID: procID})
	raw.FailProcessDataInsert = true

	state := NewStateRepository(raw, "machine-1")
	w := NewWriter(raw, state)

	result := w.InsertDualModeAtomic(context.Background(), sampleBatch(3), models.MachineState{
		Status: models.MachineProcessing, CurrentProcessID: &procID,
	})
	require.False(t, result.Success)
	require.Error(t, result.Err)

	assert.Equal(t, 0, raw.HistoryCount(), "compensation must delete the history rows written before the failure")
	assert.Equal(t, 0, raw.ProcessDataCount())
}

func TestWriter_InsertDualModeAtomic_CompensatesOnComponentUpdateFailure(t *testing.T) {
	raw := NewMemoryStore()
	procID := "proc-1"
	raw.CreateProcessExecution(context.Background(), &models.ProcessExecution{ID: procID})
	raw.FailComponentUpdate = true

	state := NewStateRepository(raw, "machine-1")
	w := NewWriter(raw, state).WithChunkSize(2)

	result := w.InsertDualModeAtomic(context.Background(), sampleBatch(2), models.MachineState{
		Status: models.MachineProcessing, CurrentProcessID: &procID,
	})
	require.False(t, result.Success)
	assert.Equal(t, 0, raw.HistoryCount())
	assert.Equal(t, 0, raw.ProcessDataCount())
}

func TestWriter_ValidateBatch_RejectsDuplicateParameterID(t *testing.T) {
	raw := NewMemoryStore()
	state := NewStateRepository(raw, "machine-1")
	w := NewWriter(raw, state)

	batch := []models.ParameterValue{
		{ParameterID: "p1", Timestamp: time.Now()},
		{ParameterID: "p1", Timestamp: time.Now()},
	}
	result := w.InsertDualModeAtomic(context.Background(), batch, models.MachineState{Status: models.MachineIdle})
	require.False(t, result.Success)
	require.Error(t, result.Err)
}

func TestWriter_ValidateBatch_RejectsOversizedBatch(t *testing.T) {
	raw := NewMemoryStore()
	state := NewStateRepository(raw, "machine-1")
	w := NewWriter(raw, state)

	result := w.InsertDualModeAtomic(context.Background(), sampleBatch(DefaultChunkSize*MaxBatchMultiple+1), models.MachineState{Status: models.MachineIdle})
	require.False(t, result.Success)
}

func TestWriter_OnDataIntegrityFault_NotCalledWhenCompensationSucceeds(t *testing.T) {
	raw := NewMemoryStore()
	procID := "proc-1"
	raw.CreateProcessExecution(context.Background(), &models.ProcessExecution{ID: procID})
	raw.FailProcessDataInsert = true

	state := NewStateRepository(raw, "machine-1")
	w := NewWriter(raw, state)

	var faultCount int
	w.OnDataIntegrityFault = func(f *errs.DataIntegrityFault) { faultCount++ }

	// This case doesn't actually force the compensating delete to fail, so
	// the hook should not fire — asserting the negative keeps the hook
	// honest about when it escalates.
	w.InsertDualModeAtomic(context.Background(), sampleBatch(2), models.MachineState{
		Status: models.MachineProcessing, CurrentProcessID: &procID,
	})
	assert.Equal(t, 0, faultCount)
}
