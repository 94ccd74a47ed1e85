package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"merramax/internal/dispatch"
	"merramax/internal/executor"
	"merramax/internal/metrics"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Consume trials from the Redis queue",
	Long: `Starts a pool of workers that pop trials from the shared Redis queue, fit
each one with the jar staged in its trial directory and report the outcome.
Trial directories must be reachable under the same paths as on the submitting host.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		m := metrics.New()
		if settings.MetricsPort > 0 {
			startMetricsServer(ctx, settings.MetricsPort)
		}

		client, err := newRedisClient(ctx)
		if err != nil {
			return err
		}
		defer client.Close()

		if settings.Workers < 1 {
			return fmt.Errorf("worker needs at least one worker, got %d", settings.Workers)
		}
		pool := dispatch.NewPool(client, executor.Handler(newFitter(m), executor.WithMetrics(m)),
			dispatch.WithWidth(settings.Workers),
			dispatch.WithQueue(settings.Queue),
		)
		if err := pool.Start(ctx); err != nil {
			return err
		}
		m.PoolWidthSet(float64(settings.Workers))
		log.Info().Str("queue", settings.Queue).Int("workers", settings.Workers).Msg("Worker pool started")

		<-ctx.Done()
		log.Info().Msg("Shutting down worker pool")
		return pool.Close()
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
}
