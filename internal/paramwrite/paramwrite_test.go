package paramwrite

import (
	"context"
	"testing"

	"github.com/ald-io/ald-agent/internal/db"
	"github.com/ald-io/ald-agent/internal/plc"
	"github.com/ald-io/ald-agent/pkg/models"
	"github.com/stretchr/testify/require"
)

func minMax(min, max float64) (*float64, *float64) { return &min, &max }

func loader(ctx context.Context) ([]models.Parameter, error) {
	min, max := minMax(0, 100)
	return []models.Parameter{
		{ID: "temp", Name: "chamber_temp", ModbusAddress: 100, DataType: models.DataTypeFloat, Active: true, MinValue: min, MaxValue: max},
	}, nil
}

func byName(params []models.Parameter) NameResolver {
	index := make(map[string]models.Parameter, len(params))
	for _, p := range params {
		index[p.Name] = p
	}
	return func(name string) (models.Parameter, bool) {
		p, ok := index[name]
		return p, ok
	}
}

func TestPath_SetParameter_WritesWithinBounds(t *testing.T) {
	ctx := context.Background()
	gw, err := plc.NewSimulationGateway(ctx, loader)
	require.NoError(t, err)
	params, err := loader(ctx)
	require.NoError(t, err)

	raw := db.NewMemoryStore()
	state := db.NewStateRepository(raw, "machine-1")
	writer := db.NewWriter(raw, state)

	path := New(gw, writer, byName(params))

	err = path.SetParameter(ctx, "cmd-1", models.SetParameterPayload{ParameterName: "chamber_temp", Value: 50})
	require.NoError(t, err)

	reading, err := gw.ReadParameter(ctx, "temp")
	require.NoError(t, err)
	require.Equal(t, 50.0, reading.Value)
}

func TestPath_SetParameter_RejectsOutOfBounds(t *testing.T) {
	ctx := context.Background()
	gw, err := plc.NewSimulationGateway(ctx, loader)
	require.NoError(t, err)
	params, err := loader(ctx)
	require.NoError(t, err)

	raw := db.NewMemoryStore()
	state := db.NewStateRepository(raw, "machine-1")
	writer := db.NewWriter(raw, state)
	path := New(gw, writer, byName(params))

	err = path.SetParameter(ctx, "cmd-1", models.SetParameterPayload{ParameterName: "chamber_temp", Value: 500})
	require.Error(t, err)
}

func TestPath_SetParameter_UnknownNameIsNotFound(t *testing.T) {
	ctx := context.Background()
	gw, err := plc.NewSimulationGateway(ctx, loader)
	require.NoError(t, err)

	raw := db.NewMemoryStore()
	state := db.NewStateRepository(raw, "machine-1")
	writer := db.NewWriter(raw, state)
	path := New(gw, writer, byName(nil))

	err = path.SetParameter(ctx, "cmd-1", models.SetParameterPayload{ParameterName: "nonexistent", Value: 1})
	require.Error(t, err)
}
