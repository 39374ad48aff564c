// Package command implements C5 (the change-notification listener with
// polling fallback) and C6 (the command dispatcher that claims, routes, and
// completes recipe_commands rows), grounded on
// original_source/command_flow's claim-then-route-then-complete shape.
package command

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ald-io/ald-agent/internal/ald/errs"
	"github.com/ald-io/ald-agent/internal/db"
	"github.com/ald-io/ald-agent/pkg/models"
	"github.com/rs/zerolog/log"
)

// Handlers is the set of typed callbacks C7/C8 register for each command
// type. The dispatcher owns claiming and status bookkeeping; handlers own
// domain behavior.
type Handlers struct {
	StartRecipe   func(ctx context.Context, commandID string, payload models.StartRecipePayload) error
	StopRecipe    func(ctx context.Context, commandID string, payload json.RawMessage) error
	SetParameter  func(ctx context.Context, commandID string, payload models.SetParameterPayload) error
}

// Dispatcher is C6: it claims a command via CAS, routes by type, and writes
// the terminal status.
type Dispatcher struct {
	raw      db.RawStore
	handlers Handlers
}

// NewDispatcher builds a Dispatcher bound to the given handler set.
func NewDispatcher(raw db.RawStore, handlers Handlers) *Dispatcher {
	return &Dispatcher{raw: raw, handlers: handlers}
}

// Dispatch claims cmd (a no-op, not an error, if another worker already
// claimed it) and, on success, routes to the matching handler and writes
// the terminal status. Only one recipe may run at a time; StartRecipe
// handlers are expected to enforce that themselves against C2.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd models.Command) {
	claimed, err := d.raw.ClaimCommand(ctx, cmd.ID)
	if err != nil {
		log.Error().Err(err).Str("command_id", cmd.ID).Msg("failed to claim command")
		return
	}
	if !claimed {
		log.Debug().Str("command_id", cmd.ID).Msg("command already claimed or no longer pending")
		return
	}

	log.Info().Str("command_id", cmd.ID).Str("type", string(cmd.Type)).Msg("claimed command")

	if err := d.route(ctx, cmd); err != nil {
		msg := err.Error()
		if uerr := d.raw.UpdateCommandStatus(ctx, cmd.ID, models.CommandError, &msg); uerr != nil {
			log.Error().Err(uerr).Str("command_id", cmd.ID).Msg("failed to record command error status")
		}
		log.Warn().Err(err).Str("command_id", cmd.ID).Msg("command processing failed")
		return
	}

	if err := d.raw.UpdateCommandStatus(ctx, cmd.ID, models.CommandCompleted, nil); err != nil {
		log.Error().Err(err).Str("command_id", cmd.ID).Msg("failed to record command completed status")
	}
}

func (d *Dispatcher) route(ctx context.Context, cmd models.Command) error {
	switch cmd.Type {
	case models.CommandStartRecipe:
		if d.handlers.StartRecipe == nil {
			return fmt.Errorf("no start_recipe handler registered")
		}
		var payload models.StartRecipePayload
		if err := unmarshalPayload(cmd.Parameters, &payload); err != nil {
			return err
		}
		if payload.RecipeID == "" {
			return &errs.ValidationError{Field: "recipe_id", Msg: "recipe_id is required"}
		}
		return d.handlers.StartRecipe(ctx, cmd.ID, payload)

	case models.CommandStopRecipe:
		if d.handlers.StopRecipe == nil {
			return fmt.Errorf("no stop_recipe handler registered")
		}
		return d.handlers.StopRecipe(ctx, cmd.ID, cmd.Parameters)

	case models.CommandSetParameter:
		if d.handlers.SetParameter == nil {
			return fmt.Errorf("no set_parameter handler registered")
		}
		var payload models.SetParameterPayload
		if err := unmarshalPayload(cmd.Parameters, &payload); err != nil {
			return err
		}
		if payload.ParameterName == "" {
			return &errs.ValidationError{Field: "parameter_name", Msg: "parameter_name is required"}
		}
		return d.handlers.SetParameter(ctx, cmd.ID, payload)

	default:
		return fmt.Errorf("unknown command type: %q", cmd.Type)
	}
}

func unmarshalPayload(raw json.RawMessage, dst interface{}) error {
	if len(raw) == 0 {
		return &errs.ValidationError{Field: "parameters", Msg: "command parameters must not be empty"}
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return &errs.ValidationError{Field: "parameters", Msg: "malformed parameters: " + err.Error()}
	}
	return nil
}
