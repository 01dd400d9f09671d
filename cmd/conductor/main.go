package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"conductor/pkg/backend/faults"
	"conductor/pkg/config"
	"conductor/pkg/health"
	"conductor/pkg/invoker"
	"conductor/pkg/logx"
	"conductor/pkg/metrics"
	"conductor/pkg/persistence"
	"conductor/pkg/wfcontext"
	"conductor/pkg/workflow"
)

var version = "dev"

func main() {
	var (
		configPath   = flag.String("config", "conductor.yaml", "path to configuration file")
		workflowPath = flag.String("workflow", "", "run the workflow definition at this path")
		healthOnly   = flag.Bool("health", false, "run the health check battery and exit")
		cleanup      = flag.Bool("cleanup", false, "archive expired contexts and exit")
		statsUnit    = flag.String("stats", "", "print Prometheus metrics for the named unit and exit")
		showVersion  = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("conductor %s\n", version)
		return
	}

	if err := run(*configPath, *workflowPath, *statsUnit, *healthOnly, *cleanup); err != nil {
		fmt.Fprintf(os.Stderr, "conductor: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, workflowPath, statsUnit string, healthOnly, cleanup bool) error {
	logger := logx.NewLogger("main")

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if statsUnit != "" {
		return printStats(ctx, cfg.PrometheusURL, statsUnit)
	}

	evaluator := health.NewEvaluator(health.DefaultChecks(health.DefaultChecksConfig{
		CredentialEnvVar: cfg.Primary.APIKeyEnv,
		SecondaryProbeURL: func() string {
			if cfg.Secondary.Provider == config.ProviderOllama {
				return cfg.Secondary.Host
			}
			return ""
		}(),
		StorageDir: ".",
	}))

	if healthOnly {
		report := evaluator.Report(ctx)
		out, merr := json.MarshalIndent(report, "", "  ")
		if merr != nil {
			return merr
		}
		fmt.Println(string(out))
		if report.Overall == health.StatusCritical {
			os.Exit(2)
		}
		return nil
	}

	store, err := persistence.Open(cfg.StoragePath)
	if err != nil {
		return err
	}
	defer store.Close()

	orch := workflow.NewOrchestrator(
		workflow.WithStore(store),
		workflow.WithMaxParallel(cfg.Workflow.MaxParallel),
	)

	if cleanup {
		n, cerr := orch.CleanupExpiredWorkflows(time.Now())
		if cerr != nil {
			return cerr
		}
		fmt.Printf("archived %d expired contexts\n", n)
		return nil
	}

	if workflowPath == "" {
		return fmt.Errorf("nothing to do: pass -workflow, -health or -cleanup")
	}

	def, err := workflow.LoadDefinition(workflowPath)
	if err != nil {
		return err
	}

	primary, err := cfg.BuildPrimary()
	if err != nil {
		return err
	}
	secondary, err := cfg.BuildSecondary()
	if err != nil {
		return err
	}

	ctrl := invoker.NewController(primary, secondary,
		invoker.WithEvaluator(evaluator),
		invoker.WithRecorder(invoker.NewRecorder(nil)),
		invoker.WithAlert(cfg.Invoker.AlertThreshold, func(unitName string, kind faults.Kind, count int64) {
			logger.Warn("unit %s has degraded %d times (last: %s)", unitName, count, kind)
		}),
	)

	owner := cfg.Workflow.Owner
	wc, err := orch.CreateContext(def.Name, owner, wfcontext.PriorityNormal, cfg.Workflow.DefaultTTL.Std())
	if err != nil {
		return err
	}

	logger.Info("running workflow %s (context %s)", def.Name, wc.ID())
	result := def.Run(ctx, orch, wc, ctrl)

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))

	snap := ctrl.Statistics().Snapshot()
	logger.Info("invocations=%d degraded=%d fallback_rate=%.2f",
		snap.TotalInvocations, snap.DegradedInvocations, snap.FallbackRate)

	if result.Status == workflow.StatusFailed {
		return fmt.Errorf("workflow %s failed: %v", def.Name, result.Err)
	}
	return nil
}

// printStats queries the configured Prometheus server for one unit's
// aggregated invocation metrics.
func printStats(ctx context.Context, prometheusURL, unitName string) error {
	qs, err := metrics.NewQueryService(prometheusURL)
	if err != nil {
		return err
	}

	um, err := qs.GetUnitMetrics(ctx, unitName)
	if err != nil {
		return err
	}
	byKind, err := qs.GetDegradesByKind(ctx)
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(struct {
		*metrics.UnitMetrics
		DegradesByKind map[string]int64 `json:"degrades_by_kind"`
	}{um, byKind}, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
