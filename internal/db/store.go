// Package db is the boundary between the runtime and the cloud database:
// row-oriented storage with transactional batch inserts and a
// change-notification channel, per spec §1's "out of scope" framing. The
// RawStore interface names the primitives; StateRepository (C2) and Writer
// (C3) compose on top of it rather than inheriting from it, per the
// composition guidance in spec §9.
package db

import (
	"context"
	"time"

	"github.com/ald-io/ald-agent/pkg/models"
)

// HistoryRow is one row written to parameter_value_history.
type HistoryRow struct {
	ParameterID   string
	Value         float64
	SetPoint      *float64
	Timestamp     time.Time
	TransactionID string
}

// ProcessDataRow is one row written to process_data_points.
type ProcessDataRow struct {
	ProcessID     string
	ParameterID   string
	Value         float64
	SetPoint      *float64
	Timestamp     time.Time
	TransactionID string
}

// ComponentUpdate is one component_parameters.current_value update.
type ComponentUpdate struct {
	ParameterID string
	Value       float64
	Timestamp   time.Time
}

// RawStore is the row-oriented primitive surface every dual-mode write and
// state read ultimately calls. PostgresStore and MemoryStore both implement
// it; StateRepository and Writer are backend-agnostic on top of it.
type RawStore interface {
	// Parameters
	ListParameters(ctx context.Context) ([]models.Parameter, error)

	// Machine state (C2)
	GetMachineState(ctx context.Context, machineID string) (models.MachineState, error)
	PutMachineState(ctx context.Context, machineID string, state models.MachineState) error
	ProcessExists(ctx context.Context, processID string) (bool, error)

	// Dual-mode writer primitives (C3)
	InsertHistoryRows(ctx context.Context, rows []HistoryRow) error
	InsertProcessDataRows(ctx context.Context, rows []ProcessDataRow) error
	UpdateComponentCurrentValues(ctx context.Context, updates []ComponentUpdate) error
	UpdateComponentSetValue(ctx context.Context, parameterID string, value float64, transactionID string) error
	DeleteHistoryByTransactionID(ctx context.Context, transactionID string) error
	DeleteProcessDataByTransactionID(ctx context.Context, transactionID string) error

	// Commands (C5/C6)
	ClaimCommand(ctx context.Context, commandID string) (bool, error)
	ListPendingCommands(ctx context.Context, machineID string) ([]models.Command, error)
	UpdateCommandStatus(ctx context.Context, commandID string, status models.CommandStatus, errMsg *string) error

	// WatchCommandInserts returns a channel of newly-inserted command rows.
	// Implementations close the channel (and return) if the underlying
	// subscription drops; the caller falls back to polling ListPendingCommands.
	WatchCommandInserts(ctx context.Context) (<-chan models.Command, error)

	// Process executions (C7)
	CreateProcessExecution(ctx context.Context, exec *models.ProcessExecution) error
	UpdateProcessExecution(ctx context.Context, exec *models.ProcessExecution) error
	UpdateProcessExecutionState(ctx context.Context, state models.ProcessExecutionState) error

	// Operator sessions
	GetOrCreateOperatorSession(ctx context.Context, operatorID, machineID string) (models.OperatorSession, error)
	// FindActiveOperatorSession looks up the most recently started active
	// session for the machine, regardless of operator — used when a
	// start_recipe command omits operator_id (spec §4.6).
	FindActiveOperatorSession(ctx context.Context, machineID string) (models.OperatorSession, bool, error)

	// Recipes
	GetRecipe(ctx context.Context, recipeID string) (models.Recipe, error)

	Ping(ctx context.Context) error
	Close() error
}
