// Package plc is the sole owner of the Modbus/TCP connection to the
// field device (C1 in the design). It presents a typed read/write API
// above register semantics and owns connection pooling, reconnect, and
// data-type coercion.
//
// Register map (canonical, per spec §6):
//   - holding registers: one per parameter, address = component_parameters.modbus_address
//   - valve coils:       1000 + valve_number
//   - purge start coil:  2000
//   - purge duration register: 2001
//
// Unit ID 1.
package plc

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ald-io/ald-agent/internal/ald/errs"
	"github.com/ald-io/ald-agent/pkg/models"
)

const (
	purgeStartCoil     = 2000
	purgeDurationReg   = 2001
	valveCoilBase      = 1000
	floatScale         = 100.0
)

// Gateway is the capability contract C4/C7/C8 program against. Both the
// real Modbus gateway and the simulation gateway implement it.
type Gateway interface {
	ReadParameter(ctx context.Context, id string) (models.ParameterValue, error)
	ReadParametersBulk(ctx context.Context, ids []string) ([]models.ParameterValue, error)
	WriteParameter(ctx context.Context, id string, value float64) error
	ControlValve(ctx context.Context, valveNumber int, open bool, duration time.Duration) error
	ExecutePurge(ctx context.Context, duration time.Duration) error
	Connected() bool

	// ParameterMeta looks up cached metadata (bounds, data type) for a
	// parameter without a register round trip.
	ParameterMeta(id string) (models.Parameter, bool)

	// ActiveParameterIDs returns the ids of all active parameters, refreshing
	// the metadata cache first if its TTL has expired. C4 calls this every
	// tick.
	ActiveParameterIDs(ctx context.Context) []string

	Close() error
}

// MetadataLoader fetches the full, current parameter catalog from the
// database. The gateway calls it once at startup and again whenever the
// cache TTL expires.
type MetadataLoader func(ctx context.Context) ([]models.Parameter, error)

// ModbusGateway is the production Gateway, backed by a pooled Modbus/TCP
// connection.
type ModbusGateway struct {
	pool  *connPool
	cache *metadataCache

	maxRetries int
	opTimeout  time.Duration
}

// NewModbusGateway dials a Modbus/TCP pool against host:port and primes the
// parameter metadata cache via load.
func NewModbusGateway(ctx context.Context, host string, port int, cfg PoolConfig, load MetadataLoader) (*ModbusGateway, error) {
	pool, err := newConnPool(host, port, cfg)
	if err != nil {
		return nil, fmt.Errorf("plc: %w", err)
	}
	cache := newMetadataCache(load, 5*time.Minute)
	if err := cache.refresh(ctx); err != nil {
		pool.closeAll()
		return nil, fmt.Errorf("plc: initial metadata load: %w", err)
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &ModbusGateway{
		pool:       pool,
		cache:      cache,
		maxRetries: maxRetries,
		opTimeout:  cfg.OpTimeout,
	}, nil
}

// Connected reports whether the pool currently holds at least one live
// connection. C4 uses this to skip a tick without blocking on reconnect.
func (g *ModbusGateway) Connected() bool {
	return g.pool.connected()
}

func (g *ModbusGateway) ParameterMeta(id string) (models.Parameter, bool) {
	return g.cache.get(id)
}

func (g *ModbusGateway) ActiveParameterIDs(ctx context.Context) []string {
	g.cache.refreshIfExpired(ctx)
	active := g.cache.active()
	ids := make([]string, len(active))
	for i, p := range active {
		ids[i] = p.ID
	}
	return ids
}

func (g *ModbusGateway) Close() error {
	g.pool.closeAll()
	return nil
}

// ReadParameter reads one holding register and converts it per the
// parameter's declared data type.
func (g *ModbusGateway) ReadParameter(ctx context.Context, id string) (models.ParameterValue, error) {
	meta, ok := g.cache.get(id)
	if !ok {
		return models.ParameterValue{}, &errs.ValidationError{Field: "parameter_id", Msg: fmt.Sprintf("unknown parameter %q", id)}
	}

	var raw []byte
	err := g.withRetry(ctx, "read_parameter", func(c modbusClient) error {
		var opErr error
		raw, opErr = c.ReadHoldingRegisters(uint16(meta.ModbusAddress), 1)
		return opErr
	})
	if err != nil {
		return models.ParameterValue{
			ParameterID: id,
			Timestamp:   time.Now().UTC(),
			Quality:     models.QualityBad,
			Source:      "plc",
		}, &errs.TransportError{Target: "plc", Op: "read_parameter", Cause: err}
	}

	value := decode(meta.DataType, raw)
	return models.ParameterValue{
		ParameterID: id,
		Value:       value,
		Timestamp:   time.Now().UTC(),
		Quality:     models.QualityGood,
		Source:      "plc",
	}, nil
}

// addressGroup is a run of contiguous parameter addresses read in one
// Modbus round trip.
type addressGroup struct {
	startAddr int
	params    []models.Parameter
}

// ReadParametersBulk groups ids by contiguous Modbus address, issues one
// read per group, and splits the result back into per-parameter values.
// This is the hot path for C4 and dominates per-sample cost: dozens of
// parameters cost a handful of round trips, not one per parameter.
func (g *ModbusGateway) ReadParametersBulk(ctx context.Context, ids []string) ([]models.ParameterValue, error) {
	metas := make([]models.Parameter, 0, len(ids))
	for _, id := range ids {
		meta, ok := g.cache.get(id)
		if !ok {
			continue // unknown parameter: skip rather than fail the whole batch
		}
		metas = append(metas, meta)
	}
	sort.Slice(metas, func(i, j int) bool { return metas[i].ModbusAddress < metas[j].ModbusAddress })

	groups := groupContiguous(metas)

	out := make([]models.ParameterValue, 0, len(metas))
	now := time.Now().UTC()
	for _, grp := range groups {
		var raw []byte
		err := g.withRetry(ctx, "read_parameters_bulk", func(c modbusClient) error {
			var opErr error
			raw, opErr = c.ReadHoldingRegisters(uint16(grp.startAddr), uint16(len(grp.params)))
			return opErr
		})
		if err != nil {
			for _, p := range grp.params {
				out = append(out, models.ParameterValue{
					ParameterID: p.ID,
					Timestamp:   now,
					Quality:     models.QualityBad,
					Source:      "plc",
				})
			}
			continue
		}
		for i, p := range grp.params {
			chunk := raw[i*2 : i*2+2]
			out = append(out, models.ParameterValue{
				ParameterID: p.ID,
				Value:       decode(p.DataType, chunk),
				Timestamp:   now,
				Quality:     models.QualityGood,
				Source:      "plc",
			})
		}
	}
	return out, nil
}

// groupContiguous splits addr-sorted parameters into runs with no address
// gap. A gap of one or more addresses starts a new group (spec §4.1,
// boundary behavior 8).
func groupContiguous(metas []models.Parameter) []addressGroup {
	var groups []addressGroup
	for _, m := range metas {
		if len(groups) > 0 {
			last := &groups[len(groups)-1]
			lastAddr := last.params[len(last.params)-1].ModbusAddress
			if m.ModbusAddress == lastAddr+1 {
				last.params = append(last.params, m)
				continue
			}
		}
		groups = append(groups, addressGroup{startAddr: m.ModbusAddress, params: []models.Parameter{m}})
	}
	return groups
}

// WriteParameter converts value per data type, then writes a single
// register.
func (g *ModbusGateway) WriteParameter(ctx context.Context, id string, value float64) error {
	meta, ok := g.cache.get(id)
	if !ok {
		return &errs.ValidationError{Field: "parameter_id", Msg: fmt.Sprintf("unknown parameter %q", id)}
	}
	reg := encode(meta.DataType, value)
	err := g.withRetry(ctx, "write_parameter", func(c modbusClient) error {
		_, opErr := c.WriteSingleRegister(uint16(meta.ModbusAddress), reg)
		return opErr
	})
	if err != nil {
		return &errs.TransportError{Target: "plc", Op: "write_parameter", Cause: err}
	}
	return nil
}

// ControlValve writes a coil at 1000+valveNumber. If duration is nonzero
// and the valve is opening, it schedules a close after the duration on a
// goroutine the gateway owns; the call itself returns immediately after
// the initial write. recipe.walker passes the real step duration and also
// waits out that same span itself (so it can checkpoint and honor
// cancellation promptly) — the gateway's scheduled close still fires
// independently once the duration elapses.
func (g *ModbusGateway) ControlValve(ctx context.Context, valveNumber int, open bool, duration time.Duration) error {
	addr := uint16(valveCoilBase + valveNumber)
	val := coilOff
	if open {
		val = coilOn
	}
	err := g.withRetry(ctx, "control_valve", func(c modbusClient) error {
		_, opErr := c.WriteSingleCoil(addr, val)
		return opErr
	})
	if err != nil {
		return &errs.TransportError{Target: "plc", Op: "control_valve", Cause: err}
	}
	if open && duration > 0 {
		go func() {
			time.Sleep(duration)
			_ = g.withRetry(context.Background(), "control_valve_close", func(c modbusClient) error {
				_, opErr := c.WriteSingleCoil(addr, coilOff)
				return opErr
			})
		}()
	}
	return nil
}

// ExecutePurge writes the purge duration register, then strobes the
// purge-start coil. The PLC runs the purge autonomously once strobed.
func (g *ModbusGateway) ExecutePurge(ctx context.Context, duration time.Duration) error {
	ms := uint16(duration.Milliseconds())
	err := g.withRetry(ctx, "execute_purge", func(c modbusClient) error {
		if _, opErr := c.WriteSingleRegister(purgeDurationReg, ms); opErr != nil {
			return opErr
		}
		_, opErr := c.WriteSingleCoil(purgeStartCoil, coilOn)
		return opErr
	})
	if err != nil {
		return &errs.TransportError{Target: "plc", Op: "execute_purge", Cause: err}
	}
	return nil
}

const (
	coilOn  uint16 = 0xFF00
	coilOff uint16 = 0x0000
)

func decode(dt models.DataType, raw []byte) float64 {
	if len(raw) < 2 {
		return 0
	}
	v := uint16(raw[0])<<8 | uint16(raw[1])
	switch dt {
	case models.DataTypeFloat:
		return float64(v) / floatScale
	case models.DataTypeBoolean:
		if v != 0 {
			return 1
		}
		return 0
	default: // integer
		return float64(v)
	}
}

func encode(dt models.DataType, value float64) uint16 {
	switch dt {
	case models.DataTypeFloat:
		return uint16(value * floatScale)
	case models.DataTypeBoolean:
		if value != 0 {
			return 1
		}
		return 0
	default:
		return uint16(value)
	}
}
