package plc

import (
	"context"
	"testing"

	"github.com/ald-io/ald-agent/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fl(v float64) *float64 { return &v }

func threeParamLoader(ctx context.Context) ([]models.Parameter, error) {
	return []models.Parameter{
		{ID: "p100", Name: "chamber_temp", ModbusAddress: 100, DataType: models.DataTypeFloat, Active: true},
		{ID: "p101", Name: "chamber_pressure", ModbusAddress: 101, DataType: models.DataTypeFloat, Active: true},
		{ID: "p102", Name: "flow_rate", ModbusAddress: 102, DataType: models.DataTypeFloat, Active: true},
	}, nil
}

func TestSimulationGateway_ReadParametersBulk_S1(t *testing.T) {
	ctx := context.Background()
	gw, err := NewSimulationGateway(ctx, threeParamLoader)
	require.NoError(t, err)

	gw.Seed("p100", 1000)
	gw.Seed("p101", 2000)
	gw.Seed("p102", 3000)

	values, err := gw.ReadParametersBulk(ctx, gw.ActiveParameterIDs(ctx))
	require.NoError(t, err)
	require.Len(t, values, 3)

	byID := map[string]float64{}
	for _, v := range values {
		byID[v.ParameterID] = v.Value
		assert.Equal(t, models.QualityGood, v.Quality)
	}
	assert.Equal(t, 10.0, byID["p100"])
	assert.Equal(t, 20.0, byID["p101"])
	assert.Equal(t, 30.0, byID["p102"])
}

func TestSimulationGateway_Offline(t *testing.T) {
	ctx := context.Background()
	gw, err := NewSimulationGateway(ctx, threeParamLoader)
	require.NoError(t, err)

	gw.SetOnline(false)
	assert.False(t, gw.Connected())

	_, err = gw.ReadParameter(ctx, "p100")
	assert.Error(t, err)
}

func TestSimulationGateway_WriteThenRead_RoundTrip(t *testing.T) {
	ctx := context.Background()
	gw, err := NewSimulationGateway(ctx, threeParamLoader)
	require.NoError(t, err)

	require.NoError(t, gw.WriteParameter(ctx, "p100", 42.5))
	v, err := gw.ReadParameter(ctx, "p100")
	require.NoError(t, err)
	assert.Equal(t, 42.5, v.Value)
}

func TestGroupContiguous_SplitsOnGap(t *testing.T) {
	metas := []models.Parameter{
		{ID: "a", ModbusAddress: 10},
		{ID: "b", ModbusAddress: 11},
		{ID: "c", ModbusAddress: 12},
		{ID: "d", ModbusAddress: 20},
		{ID: "e", ModbusAddress: 21},
	}
	groups := groupContiguous(metas)
	require.Len(t, groups, 2)
	assert.Len(t, groups[0].params, 3)
	assert.Len(t, groups[1].params, 2)
}

func TestParameter_InBounds(t *testing.T) {
	p := models.Parameter{MinValue: fl(0), MaxValue: fl(100)}
	assert.True(t, p.InBounds(50))
	assert.False(t, p.InBounds(-1))
	assert.False(t, p.InBounds(101))
}
