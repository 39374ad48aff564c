package recipe

import (
	"context"
	"fmt"
	"time"

	"github.com/ald-io/ald-agent/internal/ald/errs"
	"github.com/ald-io/ald-agent/pkg/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// walker threads a running leaf-step counter through the recursive step
// tree so process_execution_state can report {current_overall_step,
// total_overall_steps} regardless of loop nesting.
type walker struct {
	ctx         context.Context
	e           *Executor
	executionID string
	total       int
	completed   int
}

// walkSequence runs a flat sequence of sibling steps (the recipe's
// top-level Steps, or a loop's Children) at the given nesting depth.
func (w *walker) walkSequence(steps []models.Step, depth int) error {
	for i, step := range steps {
		select {
		case <-w.ctx.Done():
			return w.ctx.Err()
		default:
		}

		if err := w.walkStep(step, depth, i); err != nil {
			return err
		}
	}
	return nil
}

func (w *walker) walkStep(step models.Step, depth, index int) error {
	if step.Type == models.StepLoop {
		return w.walkLoop(step, depth)
	}
	return w.execLeaf(step, depth, index)
}

func (w *walker) walkLoop(step models.Step, depth int) error {
	if depth >= models.MaxLoopDepth {
		return &errs.RecipeFault{StepIndex: -1, StepType: string(models.StepLoop),
			Cause: fmt.Errorf("loop nesting exceeds max depth %d", models.MaxLoopDepth)}
	}
	if step.Iterations <= 0 {
		// A zero/negative-iteration loop still counts as one completed step
		// at the parent level (spec §8, boundary behavior 9).
		w.completed++
		return w.checkpoint(models.StepLoop, "loop (0 iterations)")
	}
	for iter := 0; iter < step.Iterations; iter++ {
		select {
		case <-w.ctx.Done():
			return w.ctx.Err()
		default:
		}
		if err := w.walkSequence(step.Children, depth+1); err != nil {
			return err
		}
	}
	return nil
}

// execLeaf runs one valve/purge/parameter step and checkpoints progress.
func (w *walker) execLeaf(step models.Step, depth, index int) error {
	var err error
	switch step.Type {
	case models.StepValve:
		err = w.execValve(step)
	case models.StepPurge:
		err = w.execPurge(step)
	case models.StepParameter:
		err = w.execParameter(step)
	default:
		err = fmt.Errorf("unknown step type %q", step.Type)
	}
	if err != nil {
		return &errs.RecipeFault{StepIndex: index, StepType: string(step.Type), Cause: err}
	}

	w.completed++
	return w.checkpoint(step.Type, stepName(step))
}

func (w *walker) execValve(step models.Step) error {
	duration := time.Duration(step.DurationMs) * time.Millisecond
	if err := w.e.gateway.ControlValve(w.ctx, step.ValveNumber, true, duration); err != nil {
		return err
	}
	return w.waitOrCancel(duration)
}

func (w *walker) execPurge(step models.Step) error {
	duration := time.Duration(step.DurationMs) * time.Millisecond
	if err := w.e.gateway.ExecutePurge(w.ctx, duration); err != nil {
		return err
	}
	return w.waitOrCancel(duration)
}

func (w *walker) execParameter(step models.Step) error {
	if err := w.e.gateway.WriteParameter(w.ctx, step.ParameterID, step.TargetValue); err != nil {
		return err
	}
	txID := uuid.New().String()
	if err := w.e.writer.UpdateComponentSetValue(w.ctx, step.ParameterID, step.TargetValue, txID); err != nil {
		log.Warn().Err(err).Str("parameter_id", step.ParameterID).
			Msg("recipe parameter step: PLC write succeeded but set-point record failed")
	}
	return nil
}

// waitOrCancel blocks for duration, or returns ctx.Err() early if the run
// is canceled mid-step.
func (w *walker) waitOrCancel(duration time.Duration) error {
	timer := time.NewTimer(duration)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-w.ctx.Done():
		return w.ctx.Err()
	}
}

func (w *walker) checkpoint(stepType models.StepType, name string) error {
	state := models.ProcessExecutionState{
		ExecutionID:        w.executionID,
		CurrentOverallStep: w.completed,
		TotalOverallSteps:  w.total,
		CurrentStepType:    stepType,
		CurrentStepName:    name,
		Progress:           models.ExecutionProgress{CompletedSteps: w.completed, TotalSteps: w.total},
	}
	return w.e.raw.UpdateProcessExecutionState(w.ctx, state)
}

func stepName(step models.Step) string {
	switch step.Type {
	case models.StepValve:
		return fmt.Sprintf("valve_%d", step.ValveNumber)
	case models.StepPurge:
		return fmt.Sprintf("purge_%s", step.GasType)
	case models.StepParameter:
		return fmt.Sprintf("set_%s", step.ParameterID)
	default:
		return string(step.Type)
	}
}
