// Package recipe implements C7, the Recipe Executor: a step-tree walker
// that runs valve, purge, and parameter steps (with nested, bounded loops)
// against the PLC gateway, checkpointing progress between every leaf step.
//
// The running-executions bookkeeping (a map of execution id to cancel
// func) and the start/stop control flow are grounded on the teacher's
// workflow engine (internal/workflow/engine.go), adapted from DAG/gate
// semantics to a linear, loop-bearing step sequence; the concrete
// start/stop side effects (operator session, process execution and
// machine-state transitions) follow original_source/recipe_flow's
// starter.py/stopper.py.
package recipe

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ald-io/ald-agent/internal/ald/errs"
	"github.com/ald-io/ald-agent/internal/db"
	"github.com/ald-io/ald-agent/internal/plc"
	"github.com/ald-io/ald-agent/pkg/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// stopGrace bounds how long StopRecipe waits for the run loop to
// acknowledge cancellation. Past it, StopRecipe logs an error and returns;
// the machine-state transition stays with the run loop, which makes it
// whenever it exits.
const stopGrace = 10 * time.Second

// Executor is C7.
type Executor struct {
	raw     db.RawStore
	state   *db.StateRepository
	writer  *db.Writer
	gateway plc.Gateway

	machineID string

	mu     sync.Mutex
	cancel map[string]context.CancelFunc // execution id -> cancel
	done   map[string]chan struct{}      // execution id -> closed when the run loop exits
}

// New builds an Executor bound to one machine.
func New(raw db.RawStore, state *db.StateRepository, writer *db.Writer, gateway plc.Gateway, machineID string) *Executor {
	return &Executor{
		raw: raw, state: state, writer: writer, gateway: gateway, machineID: machineID,
		cancel: make(map[string]context.CancelFunc),
		done:   make(map[string]chan struct{}),
	}
}

// StartRecipe is the start_recipe command handler (C6 routes into this).
func (e *Executor) StartRecipe(ctx context.Context, commandID string, payload models.StartRecipePayload) error {
	machineState, err := e.state.GetMachineState(ctx)
	if err != nil {
		return fmt.Errorf("read machine state: %w", err)
	}
	if machineState.Status != models.MachineIdle && machineState.Status != models.MachineOffline {
		return &errs.StateConflict{From: string(machineState.Status), To: string(models.MachineProcessing),
			Msg: "machine is not idle, cannot start a new recipe"}
	}

	recipeVal, err := e.raw.GetRecipe(ctx, payload.RecipeID)
	if err != nil {
		return fmt.Errorf("load recipe: %w", err)
	}
	if len(recipeVal.Steps) == 0 {
		return &errs.ValidationError{Field: "recipe_id", Msg: "recipe has no steps"}
	}

	// operator_id is optional on start_recipe (spec §4.6); when omitted,
	// resolve it from the machine's current active session, as
	// original_source/recipe_flow/starter.py does.
	operatorID := payload.OperatorID
	var session models.OperatorSession
	if operatorID != "" {
		session, err = e.raw.GetOrCreateOperatorSession(ctx, operatorID, e.machineID)
		if err != nil {
			return fmt.Errorf("operator session: %w", err)
		}
	} else {
		var ok bool
		session, ok, err = e.raw.FindActiveOperatorSession(ctx, e.machineID)
		if err != nil {
			return fmt.Errorf("find active operator session: %w", err)
		}
		if !ok {
			return &errs.ValidationError{Field: "operator_id", Msg: "no operator_id given and no active operator session to fall back to"}
		}
		operatorID = session.OperatorID
	}

	recipeSnapshot, err := json.Marshal(recipeVal)
	if err != nil {
		return fmt.Errorf("marshal recipe snapshot: %w", err)
	}

	execution := models.ProcessExecution{
		ID:            uuid.New().String(),
		MachineID:     e.machineID,
		RecipeID:      recipeVal.ID,
		RecipeVersion: recipeSnapshot,
		OperatorID:    operatorID,
		SessionID:     session.ID,
		StartTime:     time.Now().UTC(),
		Status:        models.ExecutionRunning,
		TotalSteps:    recipeVal.TotalLeafSteps(),
	}
	if err := e.raw.CreateProcessExecution(ctx, &execution); err != nil {
		return fmt.Errorf("create process execution: %w", err)
	}

	procID := execution.ID
	if _, err := e.state.TransitionState(ctx, machineState.Status, models.MachineProcessing, &procID); err != nil {
		return fmt.Errorf("transition to processing: %w", err)
	}

	execCtx, cancel := context.WithCancel(context.Background())
	doneCh := make(chan struct{})
	e.mu.Lock()
	e.cancel[execution.ID] = cancel
	e.done[execution.ID] = doneCh
	e.mu.Unlock()

	log.Info().Str("execution_id", execution.ID).Str("recipe_id", recipeVal.ID).
		Int("total_steps", execution.TotalSteps).Msg("recipe execution started")

	go e.run(execCtx, doneCh, execution, recipeVal)

	return nil
}

// StopRecipe is the stop_recipe command handler. It cancels the active run
// and waits (up to stopGrace) for the run loop's done-channel acknowledgement
// before returning, mirroring original_source's synchronous stop sequence.
func (e *Executor) StopRecipe(ctx context.Context, commandID string, _ json.RawMessage) error {
	machineState, err := e.state.GetMachineState(ctx)
	if err != nil {
		return fmt.Errorf("read machine state: %w", err)
	}
	if !machineState.IsProcessing() {
		log.Warn().Str("machine_id", e.machineID).Msg("stop_recipe: no active process to stop")
		return nil
	}
	procID := *machineState.CurrentProcessID

	e.mu.Lock()
	cancel, ok := e.cancel[procID]
	doneCh := e.done[procID]
	e.mu.Unlock()
	if !ok {
		log.Warn().Str("execution_id", procID).Msg("stop_recipe: no in-process run tracked for current process id")
		return nil
	}

	cancel()

	select {
	case <-doneCh:
	case <-time.After(stopGrace):
		log.Error().Str("execution_id", procID).Msg("stop_recipe: run loop did not acknowledge cancellation within grace period")
	}
	return nil
}

// run walks the step tree, checkpointing progress between every leaf step,
// and always closes doneCh on exit (success, failure, or cancellation).
func (e *Executor) run(ctx context.Context, doneCh chan struct{}, execution models.ProcessExecution, recipeVal models.Recipe) {
	defer func() {
		e.mu.Lock()
		delete(e.cancel, execution.ID)
		delete(e.done, execution.ID)
		e.mu.Unlock()
		close(doneCh)
	}()

	w := &walker{
		ctx:        ctx,
		e:          e,
		executionID: execution.ID,
		total:      execution.TotalSteps,
	}

	err := w.walkSequence(recipeVal.Steps, 0)

	if ctx.Err() != nil {
		e.finish(execution, models.ExecutionAborted, nil)
		e.transitionToIdle(execution.ID)
		return
	}
	if err != nil {
		msg := err.Error()
		e.finish(execution, models.ExecutionFailed, &msg)
		// Per spec §4.7, a recipe-step failure returns the machine to idle —
		// error is reserved for PLC-level faults that prevent further
		// operation, not for a failed recipe the operator can simply retry.
		e.transitionToIdle(execution.ID)
		return
	}

	e.finish(execution, models.ExecutionCompleted, nil)
	e.transitionToCompletedThenIdle(execution.ID)
}

func (e *Executor) finish(execution models.ProcessExecution, status models.ExecutionStatus, errMsg *string) {
	now := time.Now().UTC()
	execution.Status = status
	execution.EndTime = &now
	execution.ErrorMessage = errMsg
	if err := e.raw.UpdateProcessExecution(context.Background(), &execution); err != nil {
		log.Error().Err(err).Str("execution_id", execution.ID).Msg("failed to record final execution status")
	}
}

func (e *Executor) transitionToIdle(executionID string) {
	if _, err := e.state.TransitionState(context.Background(), models.MachineProcessing, models.MachineIdle, nil); err != nil {
		log.Error().Err(err).Str("execution_id", executionID).Msg("failed to transition machine to idle after stop")
	}
}

func (e *Executor) transitionToCompletedThenIdle(executionID string) {
	if _, err := e.state.TransitionState(context.Background(), models.MachineProcessing, models.MachineCompleted, nil); err != nil {
		log.Error().Err(err).Str("execution_id", executionID).Msg("failed to transition machine to completed")
		return
	}
	if _, err := e.state.TransitionState(context.Background(), models.MachineCompleted, models.MachineIdle, nil); err != nil {
		log.Error().Err(err).Str("execution_id", executionID).Msg("failed to transition machine to idle after completion")
	}
}
