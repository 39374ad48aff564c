package command

import (
	"context"
	"testing"
	"time"

	"github.com/ald-io/ald-agent/internal/db"
	"github.com/ald-io/ald-agent/pkg/models"
	"github.com/stretchr/testify/require"
)

func TestListener_DispatchesViaNotificationChannel(t *testing.T) {
	raw := db.NewMemoryStore()
	dispatched := make(chan string, 1)
	d := NewDispatcher(raw, Handlers{
		StartRecipe: func(ctx context.Context, commandID string, payload models.StartRecipePayload) error {
			dispatched <- commandID
			return nil
		},
	})
	l := NewListener(raw, "machine-1", d)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	// Give the listener a moment to establish its subscription before
	// submitting, so this exercises the notification path, not the
	// startup poll.
	time.Sleep(20 * time.Millisecond)

	cmd := models.Command{ID: "cmd-1", Type: models.CommandStartRecipe,
		Parameters: mustJSON(t, models.StartRecipePayload{RecipeID: "r1"}), MachineID: "machine-1"}
	raw.SubmitCommand(cmd)

	select {
	case id := <-dispatched:
		require.Equal(t, "cmd-1", id)
	case <-time.After(time.Second):
		t.Fatal("command was not dispatched within timeout")
	}
}

func TestListener_IgnoresCommandsForOtherMachines(t *testing.T) {
	raw := db.NewMemoryStore()
	dispatched := make(chan string, 1)
	d := NewDispatcher(raw, Handlers{
		StartRecipe: func(ctx context.Context, commandID string, payload models.StartRecipePayload) error {
			dispatched <- commandID
			return nil
		},
	})
	l := NewListener(raw, "machine-1", d)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)
	time.Sleep(20 * time.Millisecond)

	cmd := models.Command{ID: "cmd-other", Type: models.CommandStartRecipe,
		Parameters: mustJSON(t, models.StartRecipePayload{RecipeID: "r1"}), MachineID: "machine-2"}
	raw.SubmitCommand(cmd)

	select {
	case <-dispatched:
		t.Fatal("command for a different machine should not have been dispatched")
	case <-time.After(100 * time.Millisecond):
	}
}
