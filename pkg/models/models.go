// Package models holds the shared data types for the ALD control agent:
// parameters, samples, machine state, recipes, process executions, and
// commands. These are the typed values every internal package passes
// across its boundary instead of untyped maps.
package models

import (
	"encoding/json"
	"time"
)

// ── Parameter metadata ──────────────────────────────────────

// DataType is the Modbus-register coercion tag for a parameter.
type DataType string

const (
	DataTypeFloat   DataType = "float"
	DataTypeInteger DataType = "integer"
	DataTypeBoolean DataType = "boolean"
)

// Parameter is the cached metadata row backing component_parameters.
type Parameter struct {
	ID            string   `json:"id" db:"id"`
	Name          string   `json:"name" db:"name"`
	ModbusAddress int      `json:"modbus_address" db:"modbus_address"`
	DataType      DataType `json:"data_type" db:"data_type"`
	MinValue      *float64 `json:"min_value,omitempty" db:"min_value"`
	MaxValue      *float64 `json:"max_value,omitempty" db:"max_value"`
	ReadCadenceMs int      `json:"read_cadence_ms,omitempty" db:"read_cadence_ms"`
	Active        bool     `json:"active" db:"active"`
}

// InBounds reports whether v satisfies the declared [min, max], when declared.
func (p Parameter) InBounds(v float64) bool {
	if p.MinValue != nil && v < *p.MinValue {
		return false
	}
	if p.MaxValue != nil && v > *p.MaxValue {
		return false
	}
	return true
}

// ── Parameter samples ───────────────────────────────────────

// Quality describes the trustworthiness of a sample.
type Quality string

const (
	QualityGood      Quality = "good"
	QualityBad       Quality = "bad"
	QualityUncertain Quality = "uncertain"
)

// ParameterValue is one immutable reading, produced by the PLC gateway and
// consumed by the dual-mode writer.
type ParameterValue struct {
	ParameterID string
	Value       float64
	SetPoint    *float64
	Timestamp   time.Time
	Quality     Quality
	Source      string
}

// ── Machine state ───────────────────────────────────────────

// MachineStatus is the top-level operating mode of the machine.
type MachineStatus string

const (
	MachineIdle       MachineStatus = "idle"
	MachineProcessing MachineStatus = "processing"
	MachineError      MachineStatus = "error"
	MachineOffline    MachineStatus = "offline"

	// MachineCompleted is a transient status the state machine's transition
	// table (spec §4.2) permits between processing and idle; it is not one
	// of the four steady-state statuses above that observers normally poll
	// for.
	MachineCompleted MachineStatus = "completed"
)

// MachineState is the (status, current-process-id) pair that must always be
// read and written together; see the invariant in spec §3.
type MachineState struct {
	Status          MachineStatus `json:"status" db:"status"`
	CurrentProcessID *string      `json:"current_process_id,omitempty" db:"current_process_id"`
	LastHeartbeat   time.Time     `json:"last_heartbeat" db:"last_heartbeat"`
	ErrorMessage    *string       `json:"error_message,omitempty" db:"error_message"`
}

// IsProcessing reports whether the machine is actively running a recipe.
func (m MachineState) IsProcessing() bool {
	return m.Status == MachineProcessing && m.CurrentProcessID != nil
}

// ── Recipe / Step tree ──────────────────────────────────────

// StepType tags the union of recipe step kinds.
type StepType string

const (
	StepValve     StepType = "valve"
	StepPurge     StepType = "purge"
	StepParameter StepType = "parameter"
	StepLoop      StepType = "loop"
)

// MaxLoopDepth bounds nested-loop recursion, per spec §3.
const MaxLoopDepth = 8

// Step is a tagged union over the step types. Only the fields relevant to
// Type are populated; the rest are zero values.
type Step struct {
	Type StepType `json:"type"`

	// valve
	ValveNumber int `json:"valve_number,omitempty"`
	DurationMs  int `json:"duration_ms,omitempty"`

	// purge (also uses DurationMs)
	GasType  string   `json:"gas_type,omitempty"`
	FlowRate *float64 `json:"flow_rate,omitempty"`

	// parameter
	ParameterID   string  `json:"parameter_id,omitempty"`
	TargetValue   float64 `json:"target_value,omitempty"`

	// loop
	Iterations int    `json:"iterations,omitempty"`
	Children   []Step `json:"children,omitempty"`
}

// LeafCount returns the number of leaf-step executions this step contributes,
// expanding loops recursively (a loop of N over M leaves contributes N*M).
// A loop with Iterations == 0 still counts as one completed step at the
// parent level (spec §8, boundary behavior 9), so it returns 1 in that case.
func (s Step) LeafCount() int {
	if s.Type != StepLoop {
		return 1
	}
	if s.Iterations <= 0 {
		return 1
	}
	sum := 0
	for _, child := range s.Children {
		sum += child.LeafCount()
	}
	return s.Iterations * sum
}

// Recipe is the immutable snapshot walked by the executor.
type Recipe struct {
	ID      string `json:"id" db:"id"`
	Version string `json:"version" db:"version"`
	Steps   []Step `json:"steps"`

	ChamberTempSetpoint  *float64 `json:"chamber_temperature_setpoint,omitempty"`
	ChamberPressureSetpoint *float64 `json:"chamber_pressure_setpoint,omitempty"`
}

// TotalLeafSteps sums LeafCount over the top-level step sequence.
func (r Recipe) TotalLeafSteps() int {
	total := 0
	for _, s := range r.Steps {
		total += s.LeafCount()
	}
	return total
}

// ── Process execution ───────────────────────────────────────

// ExecutionStatus is the lifecycle of one recipe run.
type ExecutionStatus string

const (
	ExecutionPreparing ExecutionStatus = "preparing"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionPaused    ExecutionStatus = "paused"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionAborted   ExecutionStatus = "aborted"
)

// ProcessExecution is one run of one recipe on the machine.
type ProcessExecution struct {
	ID            string          `json:"id" db:"id"`
	MachineID     string          `json:"machine_id" db:"machine_id"`
	RecipeID      string          `json:"recipe_id" db:"recipe_id"`
	RecipeVersion json.RawMessage `json:"recipe_version" db:"recipe_version"`
	OperatorID    string          `json:"operator_id,omitempty" db:"operator_id"`
	SessionID     string          `json:"session_id,omitempty" db:"session_id"`
	StartTime     time.Time       `json:"start_time" db:"start_time"`
	EndTime       *time.Time      `json:"end_time,omitempty" db:"end_time"`
	Status        ExecutionStatus `json:"status" db:"status"`
	ErrorMessage  *string         `json:"error_message,omitempty" db:"error_message"`
	TotalSteps    int             `json:"total_steps" db:"total_steps"`
}

// ExecutionProgress is the compact {completed_steps, total_steps} JSON shape.
type ExecutionProgress struct {
	CompletedSteps int `json:"completed_steps"`
	TotalSteps     int `json:"total_steps"`
}

// ProcessExecutionState is the progress row, updated between every leaf step.
type ProcessExecutionState struct {
	ExecutionID       string            `json:"execution_id" db:"execution_id"`
	CurrentStepIndex  int               `json:"current_step_index" db:"current_step_index"`
	CurrentOverallStep int              `json:"current_overall_step" db:"current_overall_step"`
	TotalOverallSteps int               `json:"total_overall_steps" db:"total_overall_steps"`
	CurrentStepType   StepType          `json:"current_step_type" db:"current_step_type"`
	CurrentStepName   string            `json:"current_step_name" db:"current_step_name"`
	Progress          ExecutionProgress `json:"progress" db:"progress"`
}

// ── Commands ─────────────────────────────────────────────────

// CommandType is the operator-issued intent.
type CommandType string

const (
	CommandStartRecipe   CommandType = "start_recipe"
	CommandStopRecipe    CommandType = "stop_recipe"
	CommandSetParameter  CommandType = "set_parameter"
)

// CommandStatus is the lifecycle of a command row.
type CommandStatus string

const (
	CommandPending    CommandStatus = "pending"
	CommandProcessing CommandStatus = "processing"
	CommandCompleted  CommandStatus = "completed"
	CommandError      CommandStatus = "error"
)

// Command is a row in recipe_commands, owned by whichever worker wins the
// claim CAS.
type Command struct {
	ID           string          `json:"id" db:"id"`
	Type         CommandType     `json:"type" db:"type"`
	Parameters   json.RawMessage `json:"parameters" db:"parameters"`
	MachineID    string          `json:"machine_id" db:"machine_id"`
	Status       CommandStatus   `json:"status" db:"status"`
	ErrorMessage *string         `json:"error_message,omitempty" db:"error_message"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at" db:"updated_at"`
}

// StartRecipePayload is the typed payload for a start_recipe command.
type StartRecipePayload struct {
	RecipeID   string `json:"recipe_id"`
	OperatorID string `json:"operator_id,omitempty"`
}

// SetParameterPayload is the typed payload for a set_parameter command.
type SetParameterPayload struct {
	ParameterName string  `json:"parameter_name"`
	Value         float64 `json:"value"`
}

// ── Operator sessions ────────────────────────────────────────

// OperatorSession tracks one operator's active session on the machine.
type OperatorSession struct {
	ID         string    `json:"id" db:"id"`
	OperatorID string    `json:"operator_id" db:"operator_id"`
	MachineID  string    `json:"machine_id" db:"machine_id"`
	StartTime  time.Time `json:"start_time" db:"start_time"`
	Status     string    `json:"status" db:"status"`
}

// ── Dual-mode write result ──────────────────────────────────

// WriteResult is the outcome of one insert_dual_mode_atomic call.
type WriteResult struct {
	HistoryCount         int
	ProcessCount         int
	ComponentUpdateCount int
	TransactionID        string
	Success              bool
	Warning              string
	Err                  error
}
