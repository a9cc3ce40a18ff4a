package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"doctranslate/internal/bootstrap"
	"doctranslate/internal/infra"
)

// The worker runs the dispatcher and retry sweep without the HTTP API. It
// shares the job store with the api process, so it needs the postgres or
// sqlite driver. Progress events stay inside this process.
func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv, cfg.LogLevel).With().Str("cmd", "worker").Logger()
	if cfg.DBDriver == infra.DriverMemory {
		logger.Fatal().Msg("worker: DB_DRIVER=memory cannot share jobs with the api")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := bootstrap.Build(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: failed to build engine")
	}

	rt.Engine.Start(ctx)
	logger.Info().Int("concurrency", cfg.WorkerConcurrency).Msg("worker: started")

	<-ctx.Done()
	logger.Info().Msg("worker: stopping, releasing in-flight chunks")
	rt.Engine.Wait()
	rt.Close()
	logger.Info().Msg("worker: stopped")
}
