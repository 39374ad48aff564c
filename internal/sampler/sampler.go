// Package sampler implements C4, the Continuous Sampler: a ticker-driven
// loop that reads every active parameter from the PLC gateway and hands the
// batch to the dual-mode writer, skipping ticks while the gateway is
// disconnected and backing off after a run of consecutive failed ticks
// (machine-state read, bulk read, or write).
package sampler

import (
	"context"
	"time"

	"github.com/ald-io/ald-agent/internal/db"
	"github.com/ald-io/ald-agent/internal/plc"
	"github.com/ald-io/ald-agent/pkg/models"
	"github.com/rs/zerolog/log"
)

// Config tunes the sampler's cadence and error handling, per spec §4.4.
type Config struct {
	Interval            time.Duration
	ConsecutiveErrorCap int
	BackoffOnCap        time.Duration
}

// Sampler is C4. It owns no state other than its error counter; the
// machine's steady-state status lives in C2.
type Sampler struct {
	gateway plc.Gateway
	state   *db.StateRepository
	writer  *db.Writer
	cfg     Config

	consecutiveErrors int
	lastErrorAt       time.Time

	// Stats exposes counters the health package (C9-adjacent) reads to
	// decide degraded status.
	Stats Stats
}

// Stats is a snapshot of sampler health, read by the health endpoint.
type Stats struct {
	ConsecutiveErrors int
	LastSuccess       time.Time
	LastError         error
}

// New builds a Sampler with sane defaults if cfg is zero-valued.
func New(gateway plc.Gateway, state *db.StateRepository, writer *db.Writer, cfg Config) *Sampler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.ConsecutiveErrorCap <= 0 {
		cfg.ConsecutiveErrorCap = 5
	}
	if cfg.BackoffOnCap <= 0 {
		cfg.BackoffOnCap = 30 * time.Second
	}
	return &Sampler{gateway: gateway, state: state, writer: writer, cfg: cfg}
}

// Run blocks until ctx is canceled, sampling at cfg.Interval (steady
// cadence: a slow tick is skipped rather than caught up on).
func (s *Sampler) Run(ctx context.Context) {
	log.Info().Dur("interval", s.cfg.Interval).Msg("continuous sampler started")

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("continuous sampler stopped")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick performs one sample-and-write cycle. It never returns an error; all
// failures are logged and folded into the consecutive-error counter.
func (s *Sampler) tick(ctx context.Context) {
	if !s.gateway.Connected() {
		log.Debug().Msg("sampler tick skipped: PLC gateway disconnected")
		return
	}

	if s.consecutiveErrors >= s.cfg.ConsecutiveErrorCap && time.Since(s.lastErrorAt) < s.cfg.BackoffOnCap {
		log.Debug().Msg("sampler tick skipped: backing off after consecutive error cap")
		return
	}

	machineState, err := s.state.GetMachineState(ctx)
	if err != nil {
		s.recordError(err, "read machine state")
		return
	}

	ids := s.gateway.ActiveParameterIDs(ctx)
	if len(ids) == 0 {
		return
	}

	values, err := s.gateway.ReadParametersBulk(ctx, ids)
	if err != nil {
		s.recordError(err, "bulk read parameters")
		return
	}

	var result models.WriteResult
	if machineState.IsProcessing() {
		result = s.writer.InsertDualModeAtomic(ctx, values, machineState)
	} else {
		n, werr := s.writer.InsertHistoryOnly(ctx, values)
		result = models.WriteResult{HistoryCount: n, Success: werr == nil, Err: werr}
	}

	if !result.Success {
		s.recordError(result.Err, "write sample batch")
		return
	}

	s.consecutiveErrors = 0
	s.Stats = Stats{ConsecutiveErrors: 0, LastSuccess: time.Now().UTC()}
}

func (s *Sampler) recordError(err error, op string) {
	s.consecutiveErrors++
	s.lastErrorAt = time.Now().UTC()
	s.Stats.ConsecutiveErrors = s.consecutiveErrors
	s.Stats.LastError = err
	log.Warn().Err(err).Str("op", op).Int("consecutive_errors", s.consecutiveErrors).Msg("sampler tick failed")

	if s.consecutiveErrors == s.cfg.ConsecutiveErrorCap {
		log.Error().Int("cap", s.cfg.ConsecutiveErrorCap).Dur("backoff", s.cfg.BackoffOnCap).
			Msg("sampler hit consecutive error cap, backing off")
	}
}
