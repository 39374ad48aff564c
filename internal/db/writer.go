package db

import (
	"context"
	"fmt"
	"time"

	"github.com/ald-io/ald-agent/internal/ald/errs"
	"github.com/ald-io/ald-agent/pkg/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// DefaultChunkSize is the tunable sub-batch size spec §4.3 defaults to 50.
const DefaultChunkSize = 50

// MaxBatchMultiple is the hard cap on batch size: 10x the nominal batch.
const MaxBatchMultiple = 10

// Writer is C3, the Dual-Mode Writer: the atomic three-table write path
// with compensating rollback. It is constructed from a RawStore and a
// StateRepository rather than inheriting either, per spec §9's composition
// guidance.
type Writer struct {
	raw       RawStore
	state     *StateRepository
	chunkSize int

	// OnDataIntegrityFault is invoked when compensation itself fails after a
	// partial write — spec §7's DataIntegrityFault disposition is "log
	// loudly, alert via health endpoint". Defaults to a no-op; the health
	// package wires this to flip its reported status to unhealthy.
	OnDataIntegrityFault func(*errs.DataIntegrityFault)
}

// NewWriter builds a Writer with the default chunk size.
func NewWriter(raw RawStore, state *StateRepository) *Writer {
	return &Writer{raw: raw, state: state, chunkSize: DefaultChunkSize, OnDataIntegrityFault: func(*errs.DataIntegrityFault) {}}
}

// WithChunkSize overrides the default sub-batch size (tests use this to
// run the write path with small sub-batches).
func (w *Writer) WithChunkSize(n int) *Writer {
	w.chunkSize = n
	return w
}

// InsertDualModeAtomic is the public contract of spec §4.3.
func (w *Writer) InsertDualModeAtomic(ctx context.Context, batch []models.ParameterValue, state models.MachineState) models.WriteResult {
	txID := uuid.New().String()

	if err := validateBatch(batch); err != nil {
		return models.WriteResult{TransactionID: txID, Success: false, Err: err}
	}

	isProcessing := state.IsProcessing()
	var warning string
	if isProcessing {
		exists, err := w.state.ValidateProcessExists(ctx, *state.CurrentProcessID)
		if err != nil {
			return models.WriteResult{TransactionID: txID, Success: false, Err: fmt.Errorf("validate process exists: %w", err)}
		}
		if !exists {
			log.Warn().Str("process_id", *state.CurrentProcessID).Str("transaction_id", txID).
				Msg("dual-mode write: referenced process no longer exists, demoting to history-only")
			isProcessing = false
			warning = "process no longer exists; demoted to history-only"
		}
	}

	chunks := chunk(batch, w.chunkSize)

	var historyDone, processDone, componentDone int
	var historyChunksOK, processChunksOK int

	for _, sub := range chunks {
		historyRows := toHistoryRows(sub, txID)
		if err := w.raw.InsertHistoryRows(ctx, historyRows); err != nil {
			// Nothing inserted yet this call that needs compensating beyond
			// what already succeeded in earlier chunks (spec §4.3 step 3a).
			w.compensate(ctx, txID, historyChunksOK, processChunksOK)
			return models.WriteResult{TransactionID: txID, Success: false, Err: fmt.Errorf("insert history: %w", err)}
		}
		historyDone += len(historyRows)
		historyChunksOK++

		if isProcessing {
			processRows := toProcessDataRows(sub, *state.CurrentProcessID, txID)
			if err := w.raw.InsertProcessDataRows(ctx, processRows); err != nil {
				w.compensate(ctx, txID, historyChunksOK, processChunksOK)
				return models.WriteResult{TransactionID: txID, Success: false, Err: fmt.Errorf("insert process data: %w", err)}
			}
			processDone += len(processRows)
			processChunksOK++
		}

		updates := toComponentUpdates(sub)
		if err := w.raw.UpdateComponentCurrentValues(ctx, updates); err != nil {
			w.compensate(ctx, txID, historyChunksOK, processChunksOK)
			return models.WriteResult{TransactionID: txID, Success: false, Err: fmt.Errorf("update component values: %w", err)}
		}
		componentDone += len(updates)
	}

	return models.WriteResult{
		HistoryCount:         historyDone,
		ProcessCount:         processDone,
		ComponentUpdateCount: componentDone,
		TransactionID:        txID,
		Success:              true,
		Warning:              warning,
	}
}

// compensate deletes by transaction-id from the tables that were
// successfully written in this call. historyChunksOK/processChunksOK are
// only used to decide whether there is anything to delete at all — the
// delete itself targets the whole transaction-id regardless of chunk
// count, since every row in every table for this call carries the same id.
func (w *Writer) compensate(ctx context.Context, txID string, historyChunksOK, processChunksOK int) {
	if historyChunksOK > 0 {
		if err := w.raw.DeleteHistoryByTransactionID(ctx, txID); err != nil {
			log.Error().Err(err).Str("transaction_id", txID).Msg("compensation failed: could not delete history rows")
			w.OnDataIntegrityFault(&errs.DataIntegrityFault{TransactionID: txID, Msg: "history compensation failed: " + err.Error()})
		}
	}
	if processChunksOK > 0 {
		if err := w.raw.DeleteProcessDataByTransactionID(ctx, txID); err != nil {
			log.Error().Err(err).Str("transaction_id", txID).Msg("compensation failed: could not delete process_data_points rows")
			w.OnDataIntegrityFault(&errs.DataIntegrityFault{TransactionID: txID, Msg: "process data compensation failed: " + err.Error()})
		}
	}
}

// InsertHistoryOnly is the idle-mode path: only step 3a runs, no
// compensation is registered because there is nothing downstream to roll
// back.
func (w *Writer) InsertHistoryOnly(ctx context.Context, batch []models.ParameterValue) (int, error) {
	if err := validateBatch(batch); err != nil {
		return 0, err
	}
	txID := uuid.New().String()
	count := 0
	for _, sub := range chunk(batch, w.chunkSize) {
		rows := toHistoryRows(sub, txID)
		if err := w.raw.InsertHistoryRows(ctx, rows); err != nil {
			return count, fmt.Errorf("insert history: %w", err)
		}
		count += len(rows)
	}
	return count, nil
}

// UpdateComponentSetValue is the set-point path used by C8. It stamps the
// write with the given transaction-id so the audit trail is unified with
// whatever history/process rows accompany it.
func (w *Writer) UpdateComponentSetValue(ctx context.Context, parameterID string, value float64, transactionID string) error {
	return w.raw.UpdateComponentSetValue(ctx, parameterID, value, transactionID)
}

func validateBatch(batch []models.ParameterValue) error {
	if len(batch) == 0 {
		return nil
	}
	if len(batch) > DefaultChunkSize*MaxBatchMultiple {
		return &errs.ValidationError{Field: "batch", Msg: fmt.Sprintf("batch size %d exceeds hard cap", len(batch))}
	}
	seen := make(map[string]bool, len(batch))
	for _, v := range batch {
		if v.ParameterID == "" {
			return &errs.ValidationError{Field: "parameter_id", Msg: "parameter_id must not be empty"}
		}
		if seen[v.ParameterID] {
			return &errs.ValidationError{Field: "parameter_id", Msg: fmt.Sprintf("duplicate parameter_id %q in batch", v.ParameterID)}
		}
		seen[v.ParameterID] = true
	}
	return nil
}

func chunk(batch []models.ParameterValue, size int) [][]models.ParameterValue {
	if size <= 0 {
		size = DefaultChunkSize
	}
	var out [][]models.ParameterValue
	for i := 0; i < len(batch); i += size {
		end := i + size
		if end > len(batch) {
			end = len(batch)
		}
		out = append(out, batch[i:end])
	}
	return out
}

func toHistoryRows(batch []models.ParameterValue, txID string) []HistoryRow {
	rows := make([]HistoryRow, len(batch))
	for i, v := range batch {
		rows[i] = HistoryRow{
			ParameterID:   v.ParameterID,
			Value:         v.Value,
			SetPoint:      v.SetPoint,
			Timestamp:     v.Timestamp,
			TransactionID: txID,
		}
	}
	return rows
}

func toProcessDataRows(batch []models.ParameterValue, processID, txID string) []ProcessDataRow {
	rows := make([]ProcessDataRow, len(batch))
	for i, v := range batch {
		rows[i] = ProcessDataRow{
			ProcessID:     processID,
			ParameterID:   v.ParameterID,
			Value:         v.Value,
			SetPoint:      v.SetPoint,
			Timestamp:     v.Timestamp,
			TransactionID: txID,
		}
	}
	return rows
}

func toComponentUpdates(batch []models.ParameterValue) []ComponentUpdate {
	updates := make([]ComponentUpdate, len(batch))
	now := time.Now().UTC()
	for i, v := range batch {
		updates[i] = ComponentUpdate{ParameterID: v.ParameterID, Value: v.Value, Timestamp: now}
	}
	return updates
}
