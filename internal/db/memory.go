package db

import (
	"context"
	"sync"
	"time"

	"github.com/ald-io/ald-agent/internal/ald/errs"
	"github.com/ald-io/ald-agent/pkg/models"
)

// MemoryStore is an in-memory RawStore, used for tests and for local
// development when no Postgres instance is configured. It mirrors the
// mutex-guarded map shape the teacher's in-memory store uses, scoped down
// to the tables this agent touches.
type MemoryStore struct {
	mu sync.Mutex

	parameters map[string]models.Parameter
	machine    map[string]models.MachineState // key: machine id
	processes  map[string]models.ProcessExecution
	execStates map[string]models.ProcessExecutionState
	commands   map[string]models.Command
	sessions   map[string]models.OperatorSession // key: operatorID+machineID
	recipes    map[string]models.Recipe

	history     []HistoryRow
	processData []ProcessDataRow
	componentCV map[string]float64
	componentSV map[string]float64

	watchers []chan models.Command

	// Failure injection for tests (spec scenario S3).
	FailHistoryInsert     bool
	FailProcessDataInsert bool
	FailComponentUpdate   bool
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		parameters:  make(map[string]models.Parameter),
		machine:     make(map[string]models.MachineState),
		processes:   make(map[string]models.ProcessExecution),
		execStates:  make(map[string]models.ProcessExecutionState),
		commands:    make(map[string]models.Command),
		sessions:    make(map[string]models.OperatorSession),
		recipes:     make(map[string]models.Recipe),
		componentCV: make(map[string]float64),
		componentSV: make(map[string]float64),
	}
}

// SeedParameter registers a parameter's metadata, for test fixtures.
func (m *MemoryStore) SeedParameter(p models.Parameter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.parameters[p.ID] = p
}

// SeedRecipe registers a recipe, for test fixtures.
func (m *MemoryStore) SeedRecipe(r models.Recipe) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recipes[r.ID] = r
}

// SeedMachine initializes the machine row, for test fixtures.
func (m *MemoryStore) SeedMachine(machineID string, state models.MachineState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.machine[machineID] = state
}

func (m *MemoryStore) ListParameters(ctx context.Context) ([]models.Parameter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Parameter, 0, len(m.parameters))
	for _, p := range m.parameters {
		out = append(out, p)
	}
	return out, nil
}

func (m *MemoryStore) GetMachineState(ctx context.Context, machineID string) (models.MachineState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.machine[machineID]
	if !ok {
		return models.MachineState{Status: models.MachineIdle}, nil
	}
	return s, nil
}

func (m *MemoryStore) PutMachineState(ctx context.Context, machineID string, state models.MachineState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	state.LastHeartbeat = time.Now().UTC()
	m.machine[machineID] = state
	return nil
}

func (m *MemoryStore) ProcessExists(ctx context.Context, processID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.processes[processID]
	return ok, nil
}

func (m *MemoryStore) InsertHistoryRows(ctx context.Context, rows []HistoryRow) error {
	if m.FailHistoryInsert {
		return errInjected("history insert")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, rows...)
	return nil
}

func (m *MemoryStore) InsertProcessDataRows(ctx context.Context, rows []ProcessDataRow) error {
	if m.FailProcessDataInsert {
		return errInjected("process data insert")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.processData = append(m.processData, rows...)
	return nil
}

func (m *MemoryStore) UpdateComponentCurrentValues(ctx context.Context, updates []ComponentUpdate) error {
	if m.FailComponentUpdate {
		return errInjected("component current_value update")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range updates {
		m.componentCV[u.ParameterID] = u.Value
	}
	return nil
}

func (m *MemoryStore) UpdateComponentSetValue(ctx context.Context, parameterID string, value float64, transactionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.componentSV[parameterID] = value
	return nil
}

func (m *MemoryStore) DeleteHistoryByTransactionID(ctx context.Context, transactionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.history[:0]
	for _, r := range m.history {
		if r.TransactionID != transactionID {
			kept = append(kept, r)
		}
	}
	m.history = kept
	return nil
}

func (m *MemoryStore) DeleteProcessDataByTransactionID(ctx context.Context, transactionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.processData[:0]
	for _, r := range m.processData {
		if r.TransactionID != transactionID {
			kept = append(kept, r)
		}
	}
	m.processData = kept
	return nil
}

// ── Commands ─────────────────────────────────────────────────

// SubmitCommand inserts a pending command and fans it out to watchers — the
// in-memory stand-in for a real INSERT plus trigger-driven NOTIFY.
func (m *MemoryStore) SubmitCommand(cmd models.Command) {
	m.mu.Lock()
	cmd.Status = models.CommandPending
	m.commands[cmd.ID] = cmd
	watchers := append([]chan models.Command(nil), m.watchers...)
	m.mu.Unlock()

	for _, w := range watchers {
		select {
		case w <- cmd:
		default:
		}
	}
}

func (m *MemoryStore) ClaimCommand(ctx context.Context, commandID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cmd, ok := m.commands[commandID]
	if !ok || cmd.Status != models.CommandPending {
		return false, nil
	}
	cmd.Status = models.CommandProcessing
	cmd.UpdatedAt = time.Now().UTC()
	m.commands[commandID] = cmd
	return true, nil
}

func (m *MemoryStore) ListPendingCommands(ctx context.Context, machineID string) ([]models.Command, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Command
	for _, c := range m.commands {
		if c.Status == models.CommandPending && (c.MachineID == "" || c.MachineID == machineID) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *MemoryStore) UpdateCommandStatus(ctx context.Context, commandID string, status models.CommandStatus, errMsg *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cmd, ok := m.commands[commandID]
	if !ok {
		return &errs.NotFound{Entity: "command", Key: commandID}
	}
	cmd.Status = status
	cmd.ErrorMessage = errMsg
	cmd.UpdatedAt = time.Now().UTC()
	m.commands[commandID] = cmd
	return nil
}

func (m *MemoryStore) WatchCommandInserts(ctx context.Context) (<-chan models.Command, error) {
	ch := make(chan models.Command, 16)
	m.mu.Lock()
	m.watchers = append(m.watchers, ch)
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, w := range m.watchers {
			if w == ch {
				m.watchers = append(m.watchers[:i], m.watchers[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch, nil
}

// ── Process executions ──────────────────────────────────────

func (m *MemoryStore) CreateProcessExecution(ctx context.Context, exec *models.ProcessExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.processes[exec.ID] = *exec
	return nil
}

func (m *MemoryStore) UpdateProcessExecution(ctx context.Context, exec *models.ProcessExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.processes[exec.ID]; !ok {
		return &errs.NotFound{Entity: "process_execution", Key: exec.ID}
	}
	m.processes[exec.ID] = *exec
	return nil
}

func (m *MemoryStore) UpdateProcessExecutionState(ctx context.Context, state models.ProcessExecutionState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.execStates[state.ExecutionID] = state
	return nil
}

// ExecutionState exposes the last progress write, for assertions in tests.
func (m *MemoryStore) ExecutionState(executionID string) (models.ProcessExecutionState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.execStates[executionID]
	return s, ok
}

func (m *MemoryStore) GetOrCreateOperatorSession(ctx context.Context, operatorID, machineID string) (models.OperatorSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := operatorID + ":" + machineID
	if s, ok := m.sessions[key]; ok && s.Status == "active" {
		return s, nil
	}
	s := models.OperatorSession{
		ID:         key + ":" + time.Now().UTC().Format(time.RFC3339Nano),
		OperatorID: operatorID,
		MachineID:  machineID,
		StartTime:  time.Now().UTC(),
		Status:     "active",
	}
	m.sessions[key] = s
	return s, nil
}

func (m *MemoryStore) FindActiveOperatorSession(ctx context.Context, machineID string) (models.OperatorSession, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best models.OperatorSession
	found := false
	for _, s := range m.sessions {
		if s.MachineID != machineID || s.Status != "active" {
			continue
		}
		if !found || s.StartTime.After(best.StartTime) {
			best = s
			found = true
		}
	}
	return best, found, nil
}

func (m *MemoryStore) GetRecipe(ctx context.Context, recipeID string) (models.Recipe, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.recipes[recipeID]
	if !ok {
		return models.Recipe{}, &errs.NotFound{Entity: "recipe", Key: recipeID}
	}
	return r, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }

// ── Test inspection helpers ──────────────────────────────────

// HistoryCount returns the number of history rows currently stored.
func (m *MemoryStore) HistoryCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.history)
}

// ProcessDataCount returns the number of process_data_points rows.
func (m *MemoryStore) ProcessDataCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.processData)
}

// CurrentValue returns the last-written component_parameters.current_value
// for a parameter.
func (m *MemoryStore) CurrentValue(parameterID string) (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.componentCV[parameterID]
	return v, ok
}

// Command returns the current stored state of a command, for test
// assertions.
func (m *MemoryStore) Command(id string) (models.Command, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.commands[id]
	return c, ok
}

// ProcessExecution returns the current stored state of a process execution,
// for test assertions.
func (m *MemoryStore) ProcessExecution(id string) (models.ProcessExecution, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.processes[id]
	return e, ok
}

// HistoryByTransactionID counts history rows stamped with a given tx id.
func (m *MemoryStore) HistoryByTransactionID(txID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.history {
		if r.TransactionID == txID {
			n++
		}
	}
	return n
}

type memErr string

func (e memErr) Error() string { return string(e) }

func errInjected(op string) error { return memErr("injected failure: " + op) }
