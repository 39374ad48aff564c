package plc

import (
	"context"
	"sync"
	"time"

	"github.com/ald-io/ald-agent/internal/ald/errs"
	"github.com/ald-io/ald-agent/pkg/models"
)

// SimulationGateway answers reads from a synthetic in-memory state and
// accepts writes into it. Selected by ALD_PLC_MODE=simulation; this is the
// mode used for recipe-level testing without hardware (spec §4.1).
type SimulationGateway struct {
	cache *metadataCache

	mu     sync.Mutex
	values map[string]float64
	online bool
}

// NewSimulationGateway primes the metadata cache via load and seeds every
// parameter at 0.
func NewSimulationGateway(ctx context.Context, load MetadataLoader) (*SimulationGateway, error) {
	cache := newMetadataCache(load, 5*time.Minute)
	if err := cache.refresh(ctx); err != nil {
		return nil, err
	}
	g := &SimulationGateway{
		cache:  cache,
		values: make(map[string]float64),
		online: true,
	}
	for _, p := range cache.active() {
		g.values[p.ID] = 0
	}
	return g, nil
}

// SetOnline flips simulated connectivity, letting tests exercise the
// disconnect path (spec scenario S5) without hardware.
func (g *SimulationGateway) SetOnline(online bool) {
	g.mu.Lock()
	g.online = online
	g.mu.Unlock()
}

// Seed sets the synthetic raw value for a parameter, as if a PLC had it in
// a holding register — used by tests to construct known fixtures (e.g.
// spec scenario S1's {1000, 2000, 3000} raw readings).
func (g *SimulationGateway) Seed(id string, raw float64) {
	g.mu.Lock()
	g.values[id] = raw
	g.mu.Unlock()
}

func (g *SimulationGateway) Connected() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.online
}

func (g *SimulationGateway) ParameterMeta(id string) (models.Parameter, bool) {
	return g.cache.get(id)
}

func (g *SimulationGateway) ActiveParameterIDs(ctx context.Context) []string {
	g.cache.refreshIfExpired(ctx)
	active := g.cache.active()
	ids := make([]string, len(active))
	for i, p := range active {
		ids[i] = p.ID
	}
	return ids
}

func (g *SimulationGateway) Close() error { return nil }

func (g *SimulationGateway) ReadParameter(ctx context.Context, id string) (models.ParameterValue, error) {
	meta, ok := g.cache.get(id)
	if !ok {
		return models.ParameterValue{}, &errs.ValidationError{Field: "parameter_id", Msg: "unknown parameter " + id}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.online {
		return models.ParameterValue{ParameterID: id, Timestamp: time.Now().UTC(), Quality: models.QualityBad, Source: "plc-sim"},
			&errs.TransportError{Target: "plc", Op: "read_parameter", Cause: errOffline}
	}
	raw := g.values[id]
	return models.ParameterValue{
		ParameterID: id,
		Value:       scaleToEngineering(meta.DataType, raw),
		Timestamp:   time.Now().UTC(),
		Quality:     models.QualityGood,
		Source:      "plc-sim",
	}, nil
}

func (g *SimulationGateway) ReadParametersBulk(ctx context.Context, ids []string) ([]models.ParameterValue, error) {
	out := make([]models.ParameterValue, 0, len(ids))
	for _, id := range ids {
		v, err := g.ReadParameter(ctx, id)
		if err != nil {
			return out, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (g *SimulationGateway) WriteParameter(ctx context.Context, id string, value float64) error {
	meta, ok := g.cache.get(id)
	if !ok {
		return &errs.ValidationError{Field: "parameter_id", Msg: "unknown parameter " + id}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.online {
		return &errs.TransportError{Target: "plc", Op: "write_parameter", Cause: errOffline}
	}
	g.values[id] = rawFromEngineering(meta.DataType, value)
	return nil
}

func (g *SimulationGateway) ControlValve(ctx context.Context, valveNumber int, open bool, duration time.Duration) error {
	g.mu.Lock()
	online := g.online
	g.mu.Unlock()
	if !online {
		return &errs.TransportError{Target: "plc", Op: "control_valve", Cause: errOffline}
	}
	return nil
}

func (g *SimulationGateway) ExecutePurge(ctx context.Context, duration time.Duration) error {
	g.mu.Lock()
	online := g.online
	g.mu.Unlock()
	if !online {
		return &errs.TransportError{Target: "plc", Op: "execute_purge", Cause: errOffline}
	}
	return nil
}

// scaleToEngineering/rawFromEngineering mirror the real gateway's
// decode/encode so simulated values carry the same ÷100 float convention.
func scaleToEngineering(dt models.DataType, raw float64) float64 {
	switch dt {
	case models.DataTypeFloat:
		return raw / floatScale
	case models.DataTypeBoolean:
		if raw != 0 {
			return 1
		}
		return 0
	default:
		return raw
	}
}

func rawFromEngineering(dt models.DataType, value float64) float64 {
	switch dt {
	case models.DataTypeFloat:
		return value * floatScale
	default:
		return value
	}
}

var errOffline = simErr("plc offline (simulation)")

type simErr string

func (e simErr) Error() string { return string(e) }
