package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/simedcn/rboomit/demo"
	"github.com/simedcn/rboomit/internal/logging"
	"github.com/simedcn/rboomit/internal/observability"
	"github.com/simedcn/rboomit/rb"
)

func main() {
	generate := flag.Bool("generate", false, "build the demo heat-brick offline dataset into -dir and exit")
	dir := flag.String("dir", rb.DefaultOfflineDir, "offline data directory")
	basisSize := flag.Int("n", 0, "basis size for the online solve (0 = all available)")
	muFlag := flag.String("mu", "1.0,1.0", "comma-separated parameter values (conductivity, source)")
	sweep := flag.Int("sweep", 1, "number of online solves across a conductivity sweep")
	metricsAddr := flag.String("metrics-addr", "", "address for the Prometheus /metrics endpoint (empty = disabled)")

	flag.Parse()

	log := logging.NewFromEnv()
	ctx := logging.ContextWithLogger(context.Background(), log)

	shutdown, err := observability.InitTracing(ctx, observability.TracingConfigFromEnv(), log)
	if err != nil {
		log.Error(ctx, "tracing init failed", logging.String("error", err.Error()))
		os.Exit(1)
	}
	defer observability.ShutdownWithTimeout(ctx, shutdown, log)

	if *generate {
		if err := generateOfflineData(ctx, *dir, log); err != nil {
			log.Error(ctx, "offline data generation failed", logging.String("error", err.Error()))
			os.Exit(1)
		}
		return
	}

	var collector *observability.SolveCollector
	if *metricsAddr != "" {
		collector, err = observability.NewSolveCollector(nil)
		if err != nil {
			log.Error(ctx, "metrics setup failed", logging.String("error", err.Error()))
			os.Exit(1)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", collector.Handler())
		go func() {
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				log.Error(ctx, "metrics server stopped", logging.String("error", err.Error()))
			}
		}()
		log.Info(ctx, "serving metrics", logging.String("addr", *metricsAddr))
	}

	mu, err := parseParameters(*muFlag)
	if err != nil {
		log.Error(ctx, "bad -mu flag", logging.String("error", err.Error()))
		os.Exit(1)
	}

	ev := rb.NewTransientEvaluation(demo.Theta{}, rb.WithLogger(log))
	if err := ev.ReadOfflineData(*dir); err != nil {
		log.Error(ctx, "loading offline data failed",
			logging.String("dir", *dir), logging.String("error", err.Error()))
		os.Exit(1)
	}
	log.Info(ctx, "offline data loaded",
		logging.String("dir", *dir), logging.Int("n_max", ev.Nmax),
		logging.Int("n_time_steps", ev.Disc.NTimeSteps()))

	n := *basisSize
	if n <= 0 || n > ev.Nmax {
		n = ev.Nmax
	}

	sweepCtx, span := otel.Tracer("rb-online").Start(ctx, "parameter_sweep",
		trace.WithAttributes(attribute.Int("sweep_size", *sweep), attribute.Int("basis_size", n)))
	defer span.End()

	for s := 0; s < *sweep; s++ {
		p := mu.Clone()
		if *sweep > 1 {
			// Sweep the conductivity over [mu0, 4*mu0].
			p[0] = mu[0] * (1 + 3*float64(s)/float64(*sweep-1))
		}
		if err := runSolve(sweepCtx, ev, p, n, collector); err != nil {
			span.RecordError(err)
			span.End()
			log.Error(ctx, "online solve failed", logging.String("error", err.Error()))
			os.Exit(1)
		}
	}
}

func runSolve(ctx context.Context, ev *rb.TransientEvaluation, mu rb.Parameters, n int,
	collector *observability.SolveCollector) error {

	log := logging.LoggerFromContext(ctx)
	if log == nil {
		log = logging.Noop()
	}
	ctx, slog := logging.WithSolveLogger(ctx, log)
	ev.SetParameters(mu)

	start := time.Now()
	bound, err := ev.Solve(n)
	collector.ObserveSolve(n, bound, time.Since(start), err)
	if err != nil {
		return err
	}

	slog.Info(ctx, "solve complete",
		logging.Any("mu", []float64(mu)),
		logging.Int("N", n),
		logging.Any("final_output", ev.OutputsAllK[0][ev.Disc.NTimeSteps()]),
		logging.Any("final_error_bound", bound),
		logging.Any("duration", time.Since(start)))

	fmt.Printf("mu=%v N=%d\n", []float64(mu), n)
	for k := 0; k <= ev.Disc.NTimeSteps(); k++ {
		fmt.Printf("  k=%3d  t=%6.3f  output=%+.6e  bound=%.3e\n",
			k, float64(k)*ev.Disc.DeltaT(), ev.OutputsAllK[0][k], ev.ErrorBoundAllK[k])
	}
	return nil
}

func generateOfflineData(ctx context.Context, dir string, log logging.Logger) error {
	cfg := demo.DefaultConfig()
	ev, err := demo.Build(cfg, rb.WithLogger(log))
	if err != nil {
		return err
	}
	if err := ev.WriteOfflineData(dir); err != nil {
		return err
	}
	if err := ev.WriteRieszRepresentors(dir); err != nil {
		return err
	}
	log.Info(ctx, "offline data written",
		logging.String("dir", dir),
		logging.Int("n_max", cfg.NMax),
		logging.Int("truth_dim", cfg.TruthDim))
	return nil
}

func parseParameters(s string) (rb.Parameters, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return nil, fmt.Errorf("want two comma-separated values, got %q", s)
	}
	mu := make(rb.Parameters, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("parameter %d: %w", i, err)
		}
		mu[i] = v
	}
	return mu, nil
}
