// Package paramwrite implements C8, the Parameter Write Path: validate a
// requested set-point against the parameter's declared bounds, write it to
// the PLC, then record the set-point in the database. Per spec §4.8 the PLC
// write is never rolled back on a subsequent DB failure — the write already
// reached the field device, so the path instead logs a reconciliation
// warning and lets the next sample cycle re-observe the true value.
package paramwrite

import (
	"context"
	"fmt"

	"github.com/ald-io/ald-agent/internal/ald/errs"
	"github.com/ald-io/ald-agent/internal/db"
	"github.com/ald-io/ald-agent/internal/plc"
	"github.com/ald-io/ald-agent/pkg/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// NameResolver resolves parameter names to ids, so C6's set_parameter payload
// (which names a parameter) can reach the gateway (which addresses by id).
type NameResolver func(name string) (models.Parameter, bool)

// Path is C8.
type Path struct {
	gateway  plc.Gateway
	writer   *db.Writer
	resolve  NameResolver
}

// New builds a Path. resolve looks a parameter up by name; the agent's main
// builds it as a map over the parameter catalog loaded at startup.
func New(gateway plc.Gateway, writer *db.Writer, resolve NameResolver) *Path {
	return &Path{gateway: gateway, writer: writer, resolve: resolve}
}

// SetParameter is the set_parameter command handler.
func (p *Path) SetParameter(ctx context.Context, commandID string, payload models.SetParameterPayload) error {
	meta, ok := p.resolve(payload.ParameterName)
	if !ok {
		return &errs.NotFound{Entity: "parameter", Key: payload.ParameterName}
	}
	if !meta.InBounds(payload.Value) {
		return &errs.ValidationError{Field: "value",
			Msg: fmt.Sprintf("%v is out of bounds for parameter %q", payload.Value, payload.ParameterName)}
	}

	if err := p.gateway.WriteParameter(ctx, meta.ID, payload.Value); err != nil {
		return fmt.Errorf("plc write: %w", err)
	}

	txID := uuid.New().String()
	if err := p.writer.UpdateComponentSetValue(ctx, meta.ID, payload.Value, txID); err != nil {
		// The field device already has the new value; losing the DB record
		// of it is a reconciliation problem, not a write failure — the next
		// sample cycle will observe and persist the true current_value.
		log.Warn().Err(err).Str("parameter_id", meta.ID).Str("transaction_id", txID).
			Msg("set_parameter: PLC write succeeded but recording the set-point failed")
	}
	return nil
}
