package command

import (
	"context"
	"time"

	"github.com/ald-io/ald-agent/internal/db"
	"github.com/ald-io/ald-agent/pkg/models"
	"github.com/rs/zerolog/log"
)

// PollInterval is the cadence C5 falls back to when the change-notification
// subscription has dropped, per spec §4.5.
const PollInterval = 5 * time.Second

// ReconnectDelay is the minimum time the listener spends polling before
// retrying WatchCommandInserts after a subscription failure or drop. Polls
// run on PollInterval ticks, so the actual wait is the first whole multiple
// of PollInterval at or past this delay (one PollInterval here).
const ReconnectDelay = 2 * time.Second

// Listener is C5: it prefers the database's change-notification channel and
// falls back to periodic polling whenever that channel is unavailable or
// drops.
type Listener struct {
	raw        db.RawStore
	machineID  string
	dispatcher *Dispatcher

	// Subscribed reports whether the listener is currently riding the
	// change-notification channel rather than polling — read by the health
	// package to decide degraded status.
	Subscribed bool
}

// NewListener builds a Listener for one machine.
func NewListener(raw db.RawStore, machineID string, dispatcher *Dispatcher) *Listener {
	return &Listener{raw: raw, machineID: machineID, dispatcher: dispatcher}
}

// Run blocks until ctx is canceled, alternating between the notification
// channel and polling as availability demands.
func (l *Listener) Run(ctx context.Context) {
	log.Info().Str("machine_id", l.machineID).Msg("command listener started")

	// Always poll once at startup to pick up anything inserted while the
	// agent was down.
	l.pollOnce(ctx)

	for {
		if ctx.Err() != nil {
			log.Info().Msg("command listener stopped")
			return
		}

		ch, err := l.raw.WatchCommandInserts(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("command notification subscription failed, falling back to polling")
			l.Subscribed = false
			if !l.pollUntilRetry(ctx, ReconnectDelay) {
				return
			}
			continue
		}

		l.Subscribed = true
		log.Info().Msg("command notification channel active")
		l.drain(ctx, ch)
		l.Subscribed = false

		if ctx.Err() != nil {
			return
		}
		log.Warn().Msg("command notification channel dropped, falling back to polling")
		if !l.pollUntilRetry(ctx, ReconnectDelay) {
			return
		}
	}
}

// drain dispatches every notification until ch closes (subscription drop)
// or ctx is canceled.
func (l *Listener) drain(ctx context.Context, ch <-chan models.Command) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd, ok := <-ch:
			if !ok {
				return
			}
			if cmd.MachineID != "" && cmd.MachineID != l.machineID {
				continue
			}
			l.dispatcher.Dispatch(ctx, cmd)
		}
	}
}

// pollUntilRetry polls on PollInterval until delay has elapsed, then
// returns true so the caller retries the notification channel. It always
// waits for at least one tick, so it polls at least once. Returns false if
// ctx was canceled first.
func (l *Listener) pollUntilRetry(ctx context.Context, delay time.Duration) bool {
	deadline := time.Now().Add(delay)
	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			l.pollOnce(ctx)
		}
	}
	return true
}

// pollOnce lists pending commands and dispatches each.
func (l *Listener) pollOnce(ctx context.Context) {
	cmds, err := l.raw.ListPendingCommands(ctx, l.machineID)
	if err != nil {
		log.Warn().Err(err).Msg("poll for pending commands failed")
		return
	}
	for _, cmd := range cmds {
		l.dispatcher.Dispatch(ctx, cmd)
	}
}
