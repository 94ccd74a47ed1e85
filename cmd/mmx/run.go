package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	backend "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"merramax/internal/climate"
	"merramax/internal/ensemble"
	"merramax/internal/executor"
	"merramax/internal/maxent"
	"merramax/internal/metrics"
	"merramax/internal/observation"
	"merramax/internal/raster"
	"merramax/internal/storage"
	"merramax/internal/trial"
)

var (
	obsFile     string
	species     string
	startDate   string
	endDate     string
	collection  string
	variables   []string
	operation   string
	distributed bool
)

func init() {
	f := rootCmd.Flags()
	f.StringVarP(&obsFile, "file", "f", "", "species observation CSV")
	f.StringVarP(&species, "species", "s", "", "species name as it appears in the observation file")
	f.StringVar(&startDate, "start_date", "", "first day of the climate range (YYYY-MM-DD)")
	f.StringVar(&endDate, "end_date", "", "last day of the climate range (YYYY-MM-DD)")
	f.StringVarP(&collection, "collection", "c", "", "MERRA-2 collection, e.g. M2TMNXSLV")
	f.StringSliceVar(&variables, "vars", nil, "climate variables; more may follow as arguments (--vars QV2M TS)")
	f.StringVar(&operation, "opr", "", "temporal operation applied by the climate service, e.g. avg")
	f.IntP("trials", "n", 10, "number of bootstrap trials")
	f.StringP("output", "o", ".", "output directory")
	f.BoolVar(&distributed, "distributed", false, "run trials on the Redis worker pool")
	f.BoolVar(&distributed, "celery", false, "alias of --distributed")
	f.MarkDeprecated("celery", "use --distributed")

	for _, name := range []string{"file", "species", "start_date", "end_date", "collection", "vars", "opr"} {
		rootCmd.MarkFlagRequired(name)
	}

	rootCmd.Args = cobra.ArbitraryArgs
	rootCmd.RunE = runEnsemble
}

// climateVariables merges --vars with trailing arguments, so both
// "--vars QV2M,TS" and "--vars QV2M TS" work.
func climateVariables(flagVars, args []string) []string {
	vars := make([]string, 0, len(flagVars)+len(args))
	seen := make(map[string]bool)
	for _, v := range append(append([]string{}, flagVars...), args...) {
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			if part == "" || seen[part] {
				continue
			}
			seen[part] = true
			vars = append(vars, part)
		}
	}
	return vars
}

func runEnsemble(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	start, err := parseDate("start_date", startDate)
	if err != nil {
		return err
	}
	end, err := parseDate("end_date", endDate)
	if err != nil {
		return err
	}

	obs, err := observation.Load(obsFile, species)
	if err != nil {
		return fmt.Errorf("failed to load observations: %w", err)
	}

	runCfg := ensemble.Config{
		Observation:        obs,
		Start:              start,
		End:                end,
		Collection:         collection,
		Variables:          climateVariables(variables, args),
		Operation:          operation,
		Trials:             settings.Trials,
		PredictorsPerTrial: settings.PredictorsPerTrial,
		TopK:               settings.TopK,
		OutputDir:          settings.OutputDir,
	}
	layout, err := ensemble.Bootstrap(runCfg)
	if err != nil {
		return err
	}

	m := metrics.New()
	if settings.MetricsPort > 0 {
		startMetricsServer(ctx, settings.MetricsPort)
	}

	svc := climate.NewClient(settings.ClimateURL, settings.ClimateTimeout, climate.WithMetrics(m))
	preparer, err := raster.NewCommandPreparer(settings.PrepareCommand, raster.WithTimeout(settings.PrepareTimeout))
	if err != nil {
		return err
	}
	fitter := newFitter(m)

	var client *backend.Client
	if settings.Distributed {
		if client, err = newRedisClient(ctx); err != nil {
			return err
		}
		defer client.Close()
	}

	strategy, err := newStrategy(ctx, layout, preparer, fitter, client, m)
	if err != nil {
		return err
	}
	defer func() {
		if err := strategy.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to shut down executor")
		}
	}()

	opts := []ensemble.Option{ensemble.WithMetrics(m)}
	if store := initializeStorage(layout.OutputDir); store != nil {
		defer store.Close()
		opts = append(opts, ensemble.WithLedger(store))
	}

	res, err := ensemble.New(runCfg, layout, svc, strategy, fitter, opts...).Run(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "run %s finished\nfinal model: %s\n", res.RunID, res.FinalDir)
	for i, r := range res.Ranking {
		fmt.Fprintf(cmd.OutOrStdout(), "%2d. %-40s %.4f\n", i+1, r.Name, r.Mean)
	}
	return nil
}

func newFitter(m *metrics.Metrics) *maxent.JarFitter {
	return maxent.NewJarFitter(settings.MaxentJar,
		maxent.WithJava(settings.Java),
		maxent.WithMemory(settings.JavaMemory),
		maxent.WithFitMetrics(m),
	)
}

func newStrategy(ctx context.Context, layout ensemble.Layout, preparer raster.Preparer, fitter maxent.Fitter,
	client *backend.Client, m *metrics.Metrics) (executor.Strategy, error) {
	ws := trial.NewWorkspace(layout.TrialsDir)
	if !settings.Distributed {
		log.Info().Msg("Running trials sequentially")
		return executor.NewSequential(ws, preparer, fitter, executor.WithMetrics(m)), nil
	}

	log.Info().Str("redis", settings.RedisAddr).Int("workers", settings.Workers).Msg("Running trials on worker pool")

	return executor.NewDistributed(ctx, ws, preparer, fitter, client, settings.MaxentJar,
		executor.WithWidth(settings.Workers),
		executor.WithQueue(settings.Queue),
		executor.WithMetrics(m),
	)
}

func newRedisClient(ctx context.Context) (*backend.Client, error) {
	client := backend.NewClient(&backend.Options{Addr: settings.RedisAddr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to reach redis at %s: %w", settings.RedisAddr, err)
	}
	return client, nil
}

// initializeStorage opens the run ledger. A ledger failure never stops a run.
func initializeStorage(dir string) *storage.Store {
	store, err := storage.New(dir)
	if err != nil {
		log.Warn().Err(err).Str("dir", dir).Msg("Run ledger unavailable, continuing without it")
		return nil
	}
	return store
}

func parseDate(flag, v string) (time.Time, error) {
	t, err := time.Parse(time.DateOnly, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("--%s: expected YYYY-MM-DD, got %q", flag, v)
	}
	return t, nil
}
