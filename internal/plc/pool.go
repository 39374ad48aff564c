package plc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/goburrow/modbus"
	"github.com/rs/zerolog/log"
)

// modbusClient is the subset of modbus.Client the gateway calls. Narrowing
// to an interface lets tests substitute a fake without dialing a socket.
type modbusClient interface {
	ReadHoldingRegisters(address, quantity uint16) ([]byte, error)
	WriteSingleRegister(address, value uint16) ([]byte, error)
	WriteSingleCoil(address, value uint16) ([]byte, error)
}

// PoolConfig tunes the connection pool. See internal/config for the
// environment-derived defaults.
type PoolConfig struct {
	Size           int
	AcquireTimeout time.Duration
	OpTimeout      time.Duration
	MaxRetries     int
	ReconnectMin   time.Duration
	ReconnectMax   time.Duration
}

// pooledConn wraps one Modbus/TCP handler plus the client built on top of
// it, so a broken connection can be replaced without poisoning the rest of
// the pool.
type pooledConn struct {
	handler *modbus.TCPClientHandler
	client  modbusClient
}

// connPool is a small semaphore-gated pool of Modbus/TCP connections, sized
// 3-8 per spec §4.1. A single broken connection is detected and replaced;
// if every connection is unavailable, Acquire blocks up to cfg.AcquireTimeout
// before returning an error.
type connPool struct {
	addr string
	cfg  PoolConfig

	mu      sync.Mutex
	conns   []*pooledConn
	healthy bool

	sem chan struct{}
}

func newConnPool(host string, port int, cfg PoolConfig) (*connPool, error) {
	if cfg.Size <= 0 {
		cfg.Size = 4
	}
	p := &connPool{
		addr: fmt.Sprintf("%s:%d", host, port),
		cfg:  cfg,
		sem:  make(chan struct{}, cfg.Size),
	}
	for i := 0; i < cfg.Size; i++ {
		p.sem <- struct{}{}
	}
	if err := p.dialAll(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *connPool) dialAll() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conns = make([]*pooledConn, 0, p.cfg.Size)
	for i := 0; i < p.cfg.Size; i++ {
		c, err := p.dialOne()
		if err != nil {
			return err
		}
		p.conns = append(p.conns, c)
	}
	p.healthy = true
	return nil
}

func (p *connPool) dialOne() (*pooledConn, error) {
	handler := modbus.NewTCPClientHandler(p.addr)
	handler.Timeout = p.cfg.OpTimeout
	handler.SlaveId = 1
	if err := handler.Connect(); err != nil {
		return nil, fmt.Errorf("connect %s: %w", p.addr, err)
	}
	return &pooledConn{handler: handler, client: modbus.NewClient(handler)}, nil
}

func (p *connPool) connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.healthy
}

// acquire blocks up to cfg.AcquireTimeout for a free slot, pops a connection,
// and returns it plus a release func the caller must call exactly once.
func (p *connPool) acquire(ctx context.Context) (*pooledConn, func(broken bool), error) {
	acquireCtx, cancel := context.WithTimeout(ctx, p.cfg.AcquireTimeout)
	defer cancel()

	select {
	case <-p.sem:
	case <-acquireCtx.Done():
		return nil, nil, fmt.Errorf("plc pool: acquire timed out")
	}

	p.mu.Lock()
	if len(p.conns) == 0 {
		p.mu.Unlock()
		p.sem <- struct{}{}
		return nil, nil, fmt.Errorf("plc pool: no connections available")
	}
	c := p.conns[len(p.conns)-1]
	p.conns = p.conns[:len(p.conns)-1]
	p.mu.Unlock()

	release := func(broken bool) {
		if broken {
			go p.replace(c)
			p.sem <- struct{}{}
			return
		}
		p.mu.Lock()
		p.conns = append(p.conns, c)
		p.mu.Unlock()
		p.sem <- struct{}{}
	}
	return c, release, nil
}

// replace discards a broken connection and dials a fresh one in its place,
// so one bad socket never permanently shrinks the pool.
func (p *connPool) replace(bad *pooledConn) {
	_ = bad.handler.Close()
	fresh, err := p.dialOne()
	if err != nil {
		log.Warn().Err(err).Str("addr", p.addr).Msg("plc pool: failed to replace broken connection, entering reconnect loop")
		p.reconnectLoop()
		return
	}
	p.mu.Lock()
	p.conns = append(p.conns, fresh)
	p.mu.Unlock()
}

// reconnectLoop is entered when the pool can no longer dial new connections.
// It retries with 1s/2s/5s backoff capped at 30s until the pool is whole
// again, logging each transition (spec §4.1, category 2: connection-lost).
func (p *connPool) reconnectLoop() {
	p.mu.Lock()
	p.healthy = false
	p.mu.Unlock()

	delays := []time.Duration{p.cfg.ReconnectMin, 2 * p.cfg.ReconnectMin, 5 * p.cfg.ReconnectMin}
	attempt := 0
	for {
		delay := p.cfg.ReconnectMax
		if attempt < len(delays) && delays[attempt] < p.cfg.ReconnectMax {
			delay = delays[attempt]
		}
		time.Sleep(delay)
		attempt++

		p.mu.Lock()
		need := p.cfg.Size - len(p.conns)
		p.mu.Unlock()
		if need <= 0 {
			p.mu.Lock()
			p.healthy = true
			p.mu.Unlock()
			log.Info().Str("addr", p.addr).Msg("plc pool: reconnected")
			return
		}

		c, err := p.dialOne()
		if err != nil {
			log.Warn().Err(err).Str("addr", p.addr).Int("attempt", attempt).Msg("plc pool: reconnect attempt failed")
			continue
		}
		p.mu.Lock()
		p.conns = append(p.conns, c)
		allBack := len(p.conns) >= p.cfg.Size
		p.mu.Unlock()
		if allBack {
			p.mu.Lock()
			p.healthy = true
			p.mu.Unlock()
			log.Info().Str("addr", p.addr).Msg("plc pool: reconnected")
			return
		}
	}
}

func (p *connPool) closeAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.conns {
		_ = c.handler.Close()
	}
	p.conns = nil
	p.healthy = false
}

// withRetry acquires a connection, runs op against its client, and retries
// transient failures (single op timeout, socket reset) up to maxRetries
// with exponential backoff 50/100/200ms per spec §4.1 category 1. A broken
// connection is reported to the pool so it gets replaced rather than reused.
func (g *ModbusGateway) withRetry(ctx context.Context, op string, fn func(modbusClient) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.Multiplier = 2
	b.MaxInterval = 200 * time.Millisecond
	b.MaxElapsedTime = 0 // bounded by retry count below, not wall clock
	bo := backoff.WithMaxRetries(b, uint64(g.maxRetries))

	var lastErr error
	err := backoff.Retry(func() error {
		conn, release, acquireErr := g.pool.acquire(ctx)
		if acquireErr != nil {
			lastErr = acquireErr
			return acquireErr
		}
		opErr := fn(conn.client)
		release(opErr != nil)
		lastErr = opErr
		return opErr
	}, bo)
	if err != nil {
		return fmt.Errorf("%s: %w", op, lastErr)
	}
	return nil
}
