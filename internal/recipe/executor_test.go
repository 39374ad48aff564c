package recipe

import (
	"context"
	"testing"
	"time"

	"github.com/ald-io/ald-agent/internal/db"
	"github.com/ald-io/ald-agent/internal/plc"
	"github.com/ald-io/ald-agent/pkg/models"
	"github.com/stretchr/testify/require"
)

func loader(ctx context.Context) ([]models.Parameter, error) {
	return []models.Parameter{
		{ID: "temp", Name: "chamber_temp", ModbusAddress: 100, DataType: models.DataTypeFloat, Active: true},
	}, nil
}

func newTestExecutor(t *testing.T) (*Executor, *db.MemoryStore) {
	t.Helper()
	raw := db.NewMemoryStore()
	raw.SeedMachine("machine-1", models.MachineState{Status: models.MachineIdle})
	state := db.NewStateRepository(raw, "machine-1")
	writer := db.NewWriter(raw, state)
	gw, err := plc.NewSimulationGateway(context.Background(), loader)
	require.NoError(t, err)

	ex := New(raw, state, writer, gw, "machine-1")
	return ex, raw
}

func TestExecutor_StartRecipe_RunsToCompletion(t *testing.T) {
	ex, raw := newTestExecutor(t)

	recipeVal := models.Recipe{
		ID:      "recipe-1",
		Version: "1",
		Steps: []models.Step{
			{Type: models.StepValve, ValveNumber: 1, DurationMs: 1},
			{Type: models.StepParameter, ParameterID: "temp", TargetValue: 250},
		},
	}
	raw.SeedRecipe(recipeVal)

	err := ex.StartRecipe(context.Background(), "cmd-1", models.StartRecipePayload{RecipeID: "recipe-1", OperatorID: "op-1"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		s, err := ex.state.GetMachineState(context.Background())
		return err == nil && s.Status == models.MachineIdle
	}, 2*time.Second, 10*time.Millisecond)
}

func TestExecutor_StartRecipe_RejectsWhenNotIdle(t *testing.T) {
	ex, raw := newTestExecutor(t)
	raw.SeedMachine("machine-1", models.MachineState{Status: models.MachineProcessing, CurrentProcessID: strPtr("other")})

	raw.SeedRecipe(models.Recipe{ID: "recipe-1", Steps: []models.Step{{Type: models.StepValve, ValveNumber: 1}}})

	err := ex.StartRecipe(context.Background(), "cmd-1", models.StartRecipePayload{RecipeID: "recipe-1", OperatorID: "op-1"})
	require.Error(t, err)
}

func TestExecutor_StopRecipe_AbortsRun(t *testing.T) {
	ex, raw := newTestExecutor(t)

	recipeVal := models.Recipe{
		ID: "recipe-2",
		Steps: []models.Step{
			{Type: models.StepValve, ValveNumber: 1, DurationMs: 5000},
		},
	}
	raw.SeedRecipe(recipeVal)

	err := ex.StartRecipe(context.Background(), "cmd-1", models.StartRecipePayload{RecipeID: "recipe-2", OperatorID: "op-1"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		s, err := ex.state.GetMachineState(context.Background())
		return err == nil && s.Status == models.MachineProcessing
	}, time.Second, 5*time.Millisecond)

	err = ex.StopRecipe(context.Background(), "cmd-2", nil)
	require.NoError(t, err)

	s, err := ex.state.GetMachineState(context.Background())
	require.NoError(t, err)
	require.Equal(t, models.MachineIdle, s.Status)
}

// TestExecutor_StepFailure_ReturnsMachineToIdle covers spec scenario S5: a
// PLC step that exhausts retries fails the recipe (process status=failed)
// but must NOT wedge the machine in "error" — it returns to idle so the
// next start_recipe is accepted.
func TestExecutor_StepFailure_ReturnsMachineToIdle(t *testing.T) {
	raw := db.NewMemoryStore()
	raw.SeedMachine("machine-1", models.MachineState{Status: models.MachineIdle})
	state := db.NewStateRepository(raw, "machine-1")
	writer := db.NewWriter(raw, state)
	gw, err := plc.NewSimulationGateway(context.Background(), loader)
	require.NoError(t, err)
	gw.SetOnline(false)

	ex := New(raw, state, writer, gw, "machine-1")

	raw.SeedRecipe(models.Recipe{
		ID:    "recipe-3",
		Steps: []models.Step{{Type: models.StepValve, ValveNumber: 1, DurationMs: 1}},
	})

	err = ex.StartRecipe(context.Background(), "cmd-1", models.StartRecipePayload{RecipeID: "recipe-3", OperatorID: "op-1"})
	require.NoError(t, err)

	var procID string
	require.Eventually(t, func() bool {
		s, err := state.GetMachineState(context.Background())
		if err != nil || s.CurrentProcessID == nil {
			return false
		}
		procID = *s.CurrentProcessID
		return true
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		s, err := state.GetMachineState(context.Background())
		return err == nil && s.Status == models.MachineIdle
	}, 2*time.Second, 10*time.Millisecond)

	exec, ok := raw.ProcessExecution(procID)
	require.True(t, ok)
	require.Equal(t, models.ExecutionFailed, exec.Status)
	require.NotNil(t, exec.ErrorMessage)
}

func TestExecutor_LeafCount_HandlesLoops(t *testing.T) {
	r := models.Recipe{Steps: []models.Step{
		{Type: models.StepLoop, Iterations: 3, Children: []models.Step{
			{Type: models.StepValve, ValveNumber: 1},
			{Type: models.StepPurge, DurationMs: 1},
		}},
	}}
	require.Equal(t, 6, r.TotalLeafSteps())
}

func strPtr(s string) *string { return &s }
