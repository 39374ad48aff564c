package command

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/ald-io/ald-agent/internal/db"
	"github.com/ald-io/ald-agent/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustJSON(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestDispatcher_RoutesStartRecipe(t *testing.T) {
	raw := db.NewMemoryStore()
	var gotRecipeID string
	d := NewDispatcher(raw, Handlers{
		StartRecipe: func(ctx context.Context, commandID string, payload models.StartRecipePayload) error {
			gotRecipeID = payload.RecipeID
			return nil
		},
	})

	cmd := models.Command{ID: "cmd-1", Type: models.CommandStartRecipe, Parameters: mustJSON(t, models.StartRecipePayload{RecipeID: "recipe-42"})}
	raw.SubmitCommand(cmd)

	d.Dispatch(context.Background(), cmd)

	assert.Equal(t, "recipe-42", gotRecipeID)
	stored, ok := raw.Command("cmd-1")
	require.True(t, ok)
	assert.Equal(t, models.CommandCompleted, stored.Status)
}

func TestDispatcher_RecordsErrorStatusOnHandlerFailure(t *testing.T) {
	raw := db.NewMemoryStore()
	d := NewDispatcher(raw, Handlers{
		SetParameter: func(ctx context.Context, commandID string, payload models.SetParameterPayload) error {
			return assert.AnError
		},
	})

	cmd := models.Command{ID: "cmd-2", Type: models.CommandSetParameter, Parameters: mustJSON(t, models.SetParameterPayload{ParameterName: "temp", Value: 10})}
	raw.SubmitCommand(cmd)

	d.Dispatch(context.Background(), cmd)

	stored, ok := raw.Command("cmd-2")
	require.True(t, ok)
	assert.Equal(t, models.CommandError, stored.Status)
	require.NotNil(t, stored.ErrorMessage)
}

func TestDispatcher_SecondClaimIsNoOp(t *testing.T) {
	raw := db.NewMemoryStore()
	calls := 0
	d := NewDispatcher(raw, Handlers{
		StartRecipe: func(ctx context.Context, commandID string, payload models.StartRecipePayload) error {
			calls++
			return nil
		},
	})

	cmd := models.Command{ID: "cmd-3", Type: models.CommandStartRecipe, Parameters: mustJSON(t, models.StartRecipePayload{RecipeID: "r1"})}
	raw.SubmitCommand(cmd)

	d.Dispatch(context.Background(), cmd)
	d.Dispatch(context.Background(), cmd) // already completed, claim fails

	assert.Equal(t, 1, calls)
}

func TestDispatcher_RejectsUnknownCommandType(t *testing.T) {
	raw := db.NewMemoryStore()
	d := NewDispatcher(raw, Handlers{})

	cmd := models.Command{ID: "cmd-4", Type: models.CommandType("reticulate_splines")}
	raw.SubmitCommand(cmd)

	d.Dispatch(context.Background(), cmd)

	stored, ok := raw.Command("cmd-4")
	require.True(t, ok)
	assert.Equal(t, models.CommandError, stored.Status)
}
