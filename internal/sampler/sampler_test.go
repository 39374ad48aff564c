package sampler

import (
	"context"
	"testing"
	"time"

	"github.com/ald-io/ald-agent/internal/db"
	"github.com/ald-io/ald-agent/internal/plc"
	"github.com/ald-io/ald-agent/pkg/models"
	"github.com/stretchr/testify/require"
)

func testLoader(ctx context.Context) ([]models.Parameter, error) {
	return []models.Parameter{
		{ID: "temp", Name: "chamber_temp", ModbusAddress: 100, DataType: models.DataTypeFloat, Active: true},
		{ID: "pressure", Name: "chamber_pressure", ModbusAddress: 101, DataType: models.DataTypeFloat, Active: true},
	}, nil
}

func TestSampler_Tick_WritesHistoryWhenIdle(t *testing.T) {
	ctx := context.Background()
	gw, err := plc.NewSimulationGateway(ctx, testLoader)
	require.NoError(t, err)
	gw.Seed("temp", 2500)
	gw.Seed("pressure", 1000)

	raw := db.NewMemoryStore()
	raw.SeedMachine("machine-1", models.MachineState{Status: models.MachineIdle})
	state := db.NewStateRepository(raw, "machine-1")
	writer := db.NewWriter(raw, state)

	s := New(gw, state, writer, Config{Interval: time.Millisecond})
	s.tick(ctx)

	require.Equal(t, 2, raw.HistoryCount())
	require.Equal(t, 0, s.Stats.ConsecutiveErrors)
}

func TestSampler_Tick_SkipsWhenDisconnected(t *testing.T) {
	ctx := context.Background()
	gw, err := plc.NewSimulationGateway(ctx, testLoader)
	require.NoError(t, err)
	gw.SetOnline(false)

	raw := db.NewMemoryStore()
	state := db.NewStateRepository(raw, "machine-1")
	writer := db.NewWriter(raw, state)

	s := New(gw, state, writer, Config{Interval: time.Millisecond})
	s.tick(ctx)

	require.Equal(t, 0, raw.HistoryCount())
	require.Equal(t, 0, s.Stats.ConsecutiveErrors, "a disconnected gateway is a skip, not an error")
}

func TestSampler_Tick_TracksConsecutiveErrorsAndBacksOff(t *testing.T) {
	ctx := context.Background()
	gw, err := plc.NewSimulationGateway(ctx, testLoader)
	require.NoError(t, err)

	raw := db.NewMemoryStore()
	raw.FailHistoryInsert = true
	state := db.NewStateRepository(raw, "machine-1")
	writer := db.NewWriter(raw, state)

	s := New(gw, state, writer, Config{Interval: time.Millisecond, ConsecutiveErrorCap: 2, BackoffOnCap: time.Hour})

	s.tick(ctx)
	require.Equal(t, 1, s.consecutiveErrors)
	s.tick(ctx)
	require.Equal(t, 2, s.consecutiveErrors)

	// Third tick should be skipped by the backoff window rather than
	// attempting (and failing) another write.
	s.tick(ctx)
	require.Equal(t, 2, s.consecutiveErrors)
}
