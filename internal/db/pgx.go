package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ald-io/ald-agent/internal/ald/errs"
	"github.com/ald-io/ald-agent/pkg/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// PostgresStore is the production RawStore, backed by a pgxpool.Pool. It
// carries its own dedicated LISTEN connection for command notifications,
// grounded on the pool.Acquire-plus-WaitForNotification shape used for
// change-notification channels.
type PostgresStore struct {
	pool      *pgxpool.Pool
	machineID string
}

// NewPostgresStore connects, pings, and returns a ready PostgresStore.
func NewPostgresStore(ctx context.Context, connURL string, maxConns int, machineID string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(connURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}

	log.Info().Str("machine_id", machineID).Msg("connected to state database")
	return &PostgresStore{pool: pool, machineID: machineID}, nil
}

func (s *PostgresStore) ListParameters(ctx context.Context) ([]models.Parameter, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, modbus_address, data_type, min_value, max_value,
		       COALESCE(read_cadence_ms, 0), active
		FROM component_parameters`)
	if err != nil {
		return nil, fmt.Errorf("list parameters: %w", err)
	}
	defer rows.Close()

	var out []models.Parameter
	for rows.Next() {
		var p models.Parameter
		if err := rows.Scan(&p.ID, &p.Name, &p.ModbusAddress, &p.DataType,
			&p.MinValue, &p.MaxValue, &p.ReadCadenceMs, &p.Active); err != nil {
			return nil, fmt.Errorf("scan parameter: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetMachineState(ctx context.Context, machineID string) (models.MachineState, error) {
	var st models.MachineState
	err := s.pool.QueryRow(ctx, `
		SELECT status, current_process_id, last_heartbeat, error_message
		FROM machines WHERE id = $1`, machineID,
	).Scan(&st.Status, &st.CurrentProcessID, &st.LastHeartbeat, &st.ErrorMessage)
	if err == pgx.ErrNoRows {
		return models.MachineState{Status: models.MachineIdle}, nil
	}
	if err != nil {
		return models.MachineState{}, fmt.Errorf("get machine state: %w", err)
	}
	return st, nil
}

func (s *PostgresStore) PutMachineState(ctx context.Context, machineID string, state models.MachineState) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO machines (id, status, current_process_id, last_heartbeat, error_message, updated_at)
		VALUES ($1, $2, $3, NOW(), $4, NOW())
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			current_process_id = EXCLUDED.current_process_id,
			last_heartbeat = EXCLUDED.last_heartbeat,
			error_message = EXCLUDED.error_message,
			updated_at = EXCLUDED.updated_at`,
		machineID, state.Status, state.CurrentProcessID, state.ErrorMessage)
	if err != nil {
		return fmt.Errorf("put machine state: %w", err)
	}
	return nil
}

func (s *PostgresStore) ProcessExists(ctx context.Context, processID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM process_executions WHERE id = $1)`, processID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("process exists: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) InsertHistoryRows(ctx context.Context, rows []HistoryRow) error {
	if len(rows) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(`
			INSERT INTO parameter_value_history (parameter_id, value, set_point, timestamp, transaction_id)
			VALUES ($1, $2, $3, $4, $5)`,
			r.ParameterID, r.Value, r.SetPoint, r.Timestamp, r.TransactionID)
	}
	return s.runBatch(ctx, batch, len(rows))
}

func (s *PostgresStore) InsertProcessDataRows(ctx context.Context, rows []ProcessDataRow) error {
	if len(rows) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(`
			INSERT INTO process_data_points (process_id, parameter_id, value, set_point, timestamp, transaction_id)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			r.ProcessID, r.ParameterID, r.Value, r.SetPoint, r.Timestamp, r.TransactionID)
	}
	return s.runBatch(ctx, batch, len(rows))
}

func (s *PostgresStore) UpdateComponentCurrentValues(ctx context.Context, updates []ComponentUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, u := range updates {
		batch.Queue(`
			UPDATE component_parameters SET current_value = $2, updated_at = $3 WHERE id = $1`,
			u.ParameterID, u.Value, u.Timestamp)
	}
	return s.runBatch(ctx, batch, len(updates))
}

func (s *PostgresStore) UpdateComponentSetValue(ctx context.Context, parameterID string, value float64, transactionID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE component_parameters SET set_value = $2, set_transaction_id = $3, updated_at = NOW()
		WHERE id = $1`, parameterID, value, transactionID)
	if err != nil {
		return fmt.Errorf("update component set value: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteHistoryByTransactionID(ctx context.Context, transactionID string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM parameter_value_history WHERE transaction_id = $1`, transactionID)
	if err != nil {
		return fmt.Errorf("delete history by transaction: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteProcessDataByTransactionID(ctx context.Context, transactionID string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM process_data_points WHERE transaction_id = $1`, transactionID)
	if err != nil {
		return fmt.Errorf("delete process data by transaction: %w", err)
	}
	return nil
}

// runBatch executes a pgx.Batch and drains every queued result, surfacing
// the first error it finds. On partial failure the caller (Writer) is
// responsible for compensation — this just reports what happened.
func (s *PostgresStore) runBatch(ctx context.Context, batch *pgx.Batch, n int) error {
	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for i := 0; i < n; i++ {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("batch item %d/%d: %w", i+1, n, err)
		}
	}
	return nil
}

// ── Commands ─────────────────────────────────────────────────

func (s *PostgresStore) ClaimCommand(ctx context.Context, commandID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE recipe_commands SET status = 'processing', updated_at = NOW()
		WHERE id = $1 AND status = 'pending'`, commandID)
	if err != nil {
		return false, fmt.Errorf("claim command: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) ListPendingCommands(ctx context.Context, machineID string) ([]models.Command, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, type, parameters, machine_id, status, error_message, created_at, updated_at
		FROM recipe_commands
		WHERE status = 'pending' AND machine_id = $1
		ORDER BY created_at`, machineID)
	if err != nil {
		return nil, fmt.Errorf("list pending commands: %w", err)
	}
	defer rows.Close()

	var out []models.Command
	for rows.Next() {
		var c models.Command
		var params []byte
		if err := rows.Scan(&c.ID, &c.Type, &params, &c.MachineID, &c.Status,
			&c.ErrorMessage, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan command: %w", err)
		}
		c.Parameters = json.RawMessage(params)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateCommandStatus(ctx context.Context, commandID string, status models.CommandStatus, errMsg *string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE recipe_commands SET status = $2, error_message = $3, updated_at = NOW()
		WHERE id = $1`, commandID, status, errMsg)
	if err != nil {
		return fmt.Errorf("update command status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &errs.NotFound{Entity: "command", Key: commandID}
	}
	return nil
}

// commandNotifyChannel is the Postgres NOTIFY channel a recipe_commands
// AFTER INSERT trigger publishes to; see spec §4.5.
const commandNotifyChannel = "recipe_commands_insert"

// WatchCommandInserts holds one dedicated connection LISTENing on
// commandNotifyChannel. It closes the returned channel (ending the
// goroutine) as soon as waiting for a notification fails; it does not try
// to re-establish the subscription itself. The closed channel is the
// signal C5 uses to fall back to polling.
func (s *PostgresStore) WatchCommandInserts(ctx context.Context) (<-chan models.Command, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire listen connection: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+commandNotifyChannel); err != nil {
		conn.Release()
		return nil, fmt.Errorf("listen %s: %w", commandNotifyChannel, err)
	}

	out := make(chan models.Command, 16)
	go func() {
		defer conn.Release()
		defer close(out)
		for {
			notification, err := conn.Conn().WaitForNotification(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Warn().Err(err).Msg("command notification channel dropped")
				return
			}
			var cmd models.Command
			if err := json.Unmarshal([]byte(notification.Payload), &cmd); err != nil {
				log.Warn().Err(err).Str("payload", notification.Payload).Msg("malformed command notification payload")
				continue
			}
			select {
			case out <- cmd:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// ── Process executions ──────────────────────────────────────

func (s *PostgresStore) CreateProcessExecution(ctx context.Context, exec *models.ProcessExecution) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO process_executions
			(id, machine_id, recipe_id, recipe_version, operator_id, session_id, start_time, status, total_steps)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		exec.ID, exec.MachineID, exec.RecipeID, exec.RecipeVersion, exec.OperatorID,
		exec.SessionID, exec.StartTime, exec.Status, exec.TotalSteps)
	if err != nil {
		return fmt.Errorf("create process execution: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateProcessExecution(ctx context.Context, exec *models.ProcessExecution) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE process_executions
		SET status = $2, end_time = $3, error_message = $4
		WHERE id = $1`, exec.ID, exec.Status, exec.EndTime, exec.ErrorMessage)
	if err != nil {
		return fmt.Errorf("update process execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &errs.NotFound{Entity: "process_execution", Key: exec.ID}
	}
	return nil
}

func (s *PostgresStore) UpdateProcessExecutionState(ctx context.Context, state models.ProcessExecutionState) error {
	progress, err := json.Marshal(state.Progress)
	if err != nil {
		return fmt.Errorf("marshal progress: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO process_execution_state
			(execution_id, current_step_index, current_overall_step, total_overall_steps,
			 current_step_type, current_step_name, progress)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (execution_id) DO UPDATE SET
			current_step_index = EXCLUDED.current_step_index,
			current_overall_step = EXCLUDED.current_overall_step,
			total_overall_steps = EXCLUDED.total_overall_steps,
			current_step_type = EXCLUDED.current_step_type,
			current_step_name = EXCLUDED.current_step_name,
			progress = EXCLUDED.progress`,
		state.ExecutionID, state.CurrentStepIndex, state.CurrentOverallStep, state.TotalOverallSteps,
		state.CurrentStepType, state.CurrentStepName, progress)
	if err != nil {
		return fmt.Errorf("update process execution state: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetOrCreateOperatorSession(ctx context.Context, operatorID, machineID string) (models.OperatorSession, error) {
	var sess models.OperatorSession
	err := s.pool.QueryRow(ctx, `
		SELECT id, operator_id, machine_id, start_time, status
		FROM operator_sessions
		WHERE operator_id = $1 AND machine_id = $2 AND status = 'active'
		ORDER BY start_time DESC LIMIT 1`, operatorID, machineID,
	).Scan(&sess.ID, &sess.OperatorID, &sess.MachineID, &sess.StartTime, &sess.Status)
	if err == nil {
		return sess, nil
	}
	if err != pgx.ErrNoRows {
		return models.OperatorSession{}, fmt.Errorf("get operator session: %w", err)
	}

	sess = models.OperatorSession{
		ID:         fmt.Sprintf("%s-%s-%d", operatorID, machineID, time.Now().UTC().UnixNano()),
		OperatorID: operatorID,
		MachineID:  machineID,
		StartTime:  time.Now().UTC(),
		Status:     "active",
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO operator_sessions (id, operator_id, machine_id, start_time, status)
		VALUES ($1, $2, $3, $4, $5)`, sess.ID, sess.OperatorID, sess.MachineID, sess.StartTime, sess.Status)
	if err != nil {
		return models.OperatorSession{}, fmt.Errorf("create operator session: %w", err)
	}
	return sess, nil
}

func (s *PostgresStore) FindActiveOperatorSession(ctx context.Context, machineID string) (models.OperatorSession, bool, error) {
	var sess models.OperatorSession
	err := s.pool.QueryRow(ctx, `
		SELECT id, operator_id, machine_id, start_time, status
		FROM operator_sessions
		WHERE machine_id = $1 AND status = 'active'
		ORDER BY start_time DESC LIMIT 1`, machineID,
	).Scan(&sess.ID, &sess.OperatorID, &sess.MachineID, &sess.StartTime, &sess.Status)
	if err == nil {
		return sess, true, nil
	}
	if err == pgx.ErrNoRows {
		return models.OperatorSession{}, false, nil
	}
	return models.OperatorSession{}, false, fmt.Errorf("find active operator session: %w", err)
}

func (s *PostgresStore) GetRecipe(ctx context.Context, recipeID string) (models.Recipe, error) {
	var r models.Recipe
	var stepsJSON []byte
	err := s.pool.QueryRow(ctx, `
		SELECT id, version, steps, chamber_temperature_setpoint, chamber_pressure_setpoint
		FROM recipes WHERE id = $1`, recipeID,
	).Scan(&r.ID, &r.Version, &stepsJSON, &r.ChamberTempSetpoint, &r.ChamberPressureSetpoint)
	if err == pgx.ErrNoRows {
		return models.Recipe{}, &errs.NotFound{Entity: "recipe", Key: recipeID}
	}
	if err != nil {
		return models.Recipe{}, fmt.Errorf("get recipe: %w", err)
	}
	if err := json.Unmarshal(stepsJSON, &r.Steps); err != nil {
		return models.Recipe{}, fmt.Errorf("unmarshal recipe steps: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
