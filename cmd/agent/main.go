// ALD agent — the on-premise runtime for one atomic layer deposition
// machine. It bridges the Modbus/TCP PLC (C1), the cloud state database
// (C2/C3), and operator-issued commands (C5/C6), running the continuous
// sampler (C4), the recipe executor (C7), and the parameter write path
// (C8) as one process.
package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/ald-io/ald-agent/internal/command"
	"github.com/ald-io/ald-agent/internal/config"
	"github.com/ald-io/ald-agent/internal/db"
	"github.com/ald-io/ald-agent/internal/health"
	"github.com/ald-io/ald-agent/internal/paramwrite"
	"github.com/ald-io/ald-agent/internal/plc"
	"github.com/ald-io/ald-agent/internal/recipe"
	"github.com/ald-io/ald-agent/internal/sampler"
	"github.com/ald-io/ald-agent/internal/telemetry"
	"github.com/ald-io/ald-agent/pkg/models"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	log.Info().Msg("⚗️  ALD agent starting...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize telemetry")
	}
	defer shutdownTracer(context.Background())

	rawStore, err := db.NewPostgresStore(ctx, cfg.Database.URL, cfg.Database.MaxConnections, cfg.MachineID)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to state database")
	}
	defer rawStore.Close()

	gateway, err := buildGateway(ctx, cfg, rawStore)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize PLC gateway")
	}
	defer gateway.Close()

	stateRepo := db.NewStateRepository(rawStore, cfg.MachineID)
	writer := db.NewWriter(rawStore, stateRepo)

	recipeExecutor := recipe.New(rawStore, stateRepo, writer, gateway, cfg.MachineID)

	params, err := rawStore.ListParameters(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load parameter catalog")
	}
	byName := make(map[string]models.Parameter, len(params))
	for _, p := range params {
		byName[p.Name] = p
	}
	paramPath := paramwrite.New(gateway, writer, func(name string) (models.Parameter, bool) {
		p, ok := byName[name]
		return p, ok
	})

	dispatcher := command.NewDispatcher(rawStore, command.Handlers{
		StartRecipe:  recipeExecutor.StartRecipe,
		StopRecipe:   recipeExecutor.StopRecipe,
		SetParameter: paramPath.SetParameter,
	})
	listener := command.NewListener(rawStore, cfg.MachineID, dispatcher)

	smp := sampler.New(gateway, stateRepo, writer, sampler.Config{
		Interval:            cfg.Sampler.Interval,
		ConsecutiveErrorCap: cfg.Sampler.ConsecutiveErrorCap,
		BackoffOnCap:        cfg.Sampler.BackoffOnCap,
	})

	healthSrv := health.New(cfg.Version, cfg.MachineID,
		gateway.Connected,
		rawStore.Ping,
		func() int { return smp.Stats.ConsecutiveErrors },
		func() bool { return listener.Subscribed },
	)
	writer.OnDataIntegrityFault = healthSrv.OnDataIntegrityFault

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); smp.Run(ctx) }()
	go func() { defer wg.Done(); listener.Run(ctx) }()
	go func() {
		defer wg.Done()
		addr := ":" + strconv.Itoa(cfg.Health.Port)
		if err := healthSrv.ListenAndServe(ctx, addr); err != nil {
			log.Error().Err(err).Msg("health server stopped with error")
		}
	}()

	log.Info().
		Str("machine_id", cfg.MachineID).
		Str("plc_mode", string(cfg.PLC.Mode)).
		Int("health_port", cfg.Health.Port).
		Msg("🔥 ALD agent is ready")

	<-ctx.Done()
	log.Info().Msg("🛑 shutting down gracefully...")
	wg.Wait()
	log.Info().Msg("ALD agent stopped")
}

// buildGateway selects the Modbus/TCP gateway or the in-process simulation
// model per ALD_PLC_MODE, both sharing the same Gateway contract so nothing
// downstream needs to know which one is live.
func buildGateway(ctx context.Context, cfg *config.Config, rawStore *db.PostgresStore) (plc.Gateway, error) {
	load := rawStore.ListParameters

	if cfg.PLC.Mode == config.PLCModeSimulation {
		log.Warn().Msg("PLC gateway running in simulation mode")
		return plc.NewSimulationGateway(ctx, load)
	}

	return plc.NewModbusGateway(ctx, cfg.PLC.Host, cfg.PLC.Port, plc.PoolConfig{
		Size:           cfg.PLC.PoolSize,
		AcquireTimeout: cfg.PLC.AcquireTimeout,
		OpTimeout:      cfg.PLC.OpTimeout,
		MaxRetries:     cfg.PLC.MaxRetries,
		ReconnectMin:   cfg.PLC.ReconnectBackoffMin,
		ReconnectMax:   cfg.PLC.ReconnectBackoffMax,
	}, load)
}
