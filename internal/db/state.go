package db

import (
	"context"
	"fmt"
	"sync"

	"github.com/ald-io/ald-agent/internal/ald/errs"
	"github.com/ald-io/ald-agent/pkg/models"
)

// validTransitions is the state machine table from spec §4.2.
var validTransitions = map[models.MachineStatus]map[models.MachineStatus]bool{
	models.MachineIdle:       {models.MachineProcessing: true},
	models.MachineProcessing: {models.MachineIdle: true, models.MachineError: true, models.MachineCompleted: true},
	models.MachineError:      {models.MachineIdle: true},
	models.MachineCompleted:  {models.MachineIdle: true},
}

// StateRepository is C2: atomic access to the machine-state pair. It
// serializes transitions with an in-process mutex, per spec §4.2's "a
// row-level lock held for the duration of the state machine transition
// (preferred) or an optimistic version column with retry" — here realized
// as a single machine-row mutex per spec §5's shared-mutable-state note.
type StateRepository struct {
	raw       RawStore
	machineID string

	mu sync.Mutex
}

// NewStateRepository binds a StateRepository to one machine id; the agent
// serves exactly one machine (spec §1).
func NewStateRepository(raw RawStore, machineID string) *StateRepository {
	return &StateRepository{raw: raw, machineID: machineID}
}

// GetMachineState reads status and current_process_id together so they can
// never be observed disagreeing.
func (s *StateRepository) GetMachineState(ctx context.Context) (models.MachineState, error) {
	return s.raw.GetMachineState(ctx, s.machineID)
}

// UpdateMachineState writes status and current_process_id in one statement.
// It rejects (status=processing, process_id=nil) per spec §3's invariant.
func (s *StateRepository) UpdateMachineState(ctx context.Context, status models.MachineStatus, processID *string) error {
	if status == models.MachineProcessing && processID == nil {
		return &errs.StateConflict{Msg: "cannot set status=processing with a nil process id"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.raw.PutMachineState(ctx, s.machineID, models.MachineState{
		Status:           status,
		CurrentProcessID: processID,
	})
}

// ValidateProcessExists checks process_executions for the given id. C3
// uses this to short-circuit the dual-mode write if the process has
// disappeared out from under it.
func (s *StateRepository) ValidateProcessExists(ctx context.Context, processID string) (bool, error) {
	if processID == "" {
		return false, nil
	}
	return s.raw.ProcessExists(ctx, processID)
}

// TransitionState performs a guarded transition: it re-reads the current
// state under the mutex, verifies it matches `from`, and only then writes
// `to`. Any transition not in validTransitions fails with StateConflict.
func (s *StateRepository) TransitionState(ctx context.Context, from, to models.MachineStatus, processID *string) (models.MachineState, error) {
	allowed, ok := validTransitions[from]
	if !ok || !allowed[to] {
		return models.MachineState{}, &errs.StateConflict{From: string(from), To: string(to), Msg: "transition not permitted"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.raw.GetMachineState(ctx, s.machineID)
	if err != nil {
		return models.MachineState{}, fmt.Errorf("state: read current state: %w", err)
	}
	if current.Status != from {
		return models.MachineState{}, &errs.StateConflict{
			From: string(from), To: string(to),
			Msg: fmt.Sprintf("current status is %q, not %q", current.Status, from),
		}
	}
	if to == models.MachineProcessing && processID == nil {
		return models.MachineState{}, &errs.StateConflict{Msg: "cannot transition to processing with a nil process id"}
	}

	next := models.MachineState{Status: to, CurrentProcessID: processID}
	if to != models.MachineProcessing {
		next.CurrentProcessID = nil
	}
	if err := s.raw.PutMachineState(ctx, s.machineID, next); err != nil {
		return models.MachineState{}, fmt.Errorf("state: write new state: %w", err)
	}
	return next, nil
}
