package main

import (
	"encoding/json"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/signal-engine/internal/fetcher"
	"github.com/sells-group/signal-engine/internal/params"
	"github.com/sells-group/signal-engine/internal/tuner"
)

var (
	tuneValset     string
	tuneMethod     string
	tuneIterations int
	tuneSeed       int64
	tunePublish    string
)

var tuneCmd = &cobra.Command{
	Use:   "tune",
	Short: "Search for better engine parameters against a labeled validation set",
	Long:  "Replays the discovery loop over a labeled validation set for each candidate parameter config and reports the best one found. Optionally publishes the winner to the config registry as a new version.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		method := tuner.Method(tuneMethod)
		if method != tuner.MethodGrid && method != tuner.MethodBayesian {
			return eris.Errorf("unknown tuning method: %s", tuneMethod)
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		registry := params.NewRegistry(st)
		base, err := ensureActiveConfig(ctx, registry)
		if err != nil {
			return err
		}

		loader := fetcher.NewLoader(fetcher.LoaderOptions{
			HTTP: fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
				UserAgent: cfg.Fetcher.UserAgent,
			}),
			TempDir: cfg.Fetcher.TempDir,
		})
		valset, err := loader.Load(ctx, tuneValset)
		if err != nil {
			return err
		}
		zap.L().Info("validation set loaded",
			zap.String("name", valset.Name),
			zap.Int("entities", len(valset.Entries)),
		)

		t := tuner.New(tuner.Options{Seed: tuneSeed, Workers: cfg.Pool.Workers})
		report, err := t.Tune(ctx, valset, base, method, tuneIterations)
		if err != nil {
			return err
		}

		zap.L().Info("tuning complete",
			zap.String("method", string(method)),
			zap.Int("candidates", len(report.Candidates)),
			zap.String("best_version", report.Best.Version),
			zap.Float64("best_objective", report.BestScore.Objective),
		)

		if tunePublish != "" {
			candidate := report.Best.WithVersion(tunePublish)
			if err := registry.Publish(ctx, candidate, false); err != nil {
				return eris.Wrap(err, "publish tuned config")
			}
			zap.L().Info("tuned config published",
				zap.String("version", tunePublish),
				zap.String("hint", "start a staged rollout with: signal-engine rollout begin --version "+tunePublish),
			)
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	},
}

func init() {
	tuneCmd.Flags().StringVar(&tuneValset, "valset", "", "validation set source: local path or http/ftp URL (required)")
	tuneCmd.Flags().StringVar(&tuneMethod, "method", "grid", "search method: grid or bayesian")
	tuneCmd.Flags().IntVar(&tuneIterations, "iterations", 20, "candidate budget")
	tuneCmd.Flags().Int64Var(&tuneSeed, "seed", time.Now().UnixNano(), "random seed for reproducible runs")
	tuneCmd.Flags().StringVar(&tunePublish, "publish", "", "publish the best config under this version")
	_ = tuneCmd.MarkFlagRequired("valset")
	rootCmd.AddCommand(tuneCmd)
}
