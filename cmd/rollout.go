package main

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/signal-engine/internal/model"
	"github.com/sells-group/signal-engine/internal/params"
	"github.com/sells-group/signal-engine/internal/rollout"
	"github.com/sells-group/signal-engine/internal/store"
	notionpkg "github.com/sells-group/signal-engine/pkg/notion"
)

var (
	rolloutVersion   string
	rolloutToVersion string
)

var rolloutCmd = &cobra.Command{
	Use:   "rollout",
	Short: "Manage staged rollouts of tuned parameter configs",
}

// initRollout wires the monitor without the discovery stack; rollout
// commands never call the Anthropic API themselves.
func initRollout(ctx context.Context) (store.Store, *rollout.Monitor, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, nil, eris.Wrap(err, "migrate store")
	}

	registry := params.NewRegistry(st)
	monitor := rollout.NewMonitor(st, registry, rollout.Options{
		Alerter: rollout.NewAlerter(cfg.Rollout.WebhookURL),
	})
	if err := monitor.Resume(ctx); err != nil {
		_ = st.Close()
		return nil, nil, err
	}
	return st, monitor, nil
}

// publishStageReport mirrors the stage's metrics to the Notion report
// database when one is configured. Failures are logged, never propagated.
func publishStageReport(ctx context.Context, monitor *rollout.Monitor, version string, stage model.RolloutStage, gatePassed bool, notes string) {
	if cfg.Notion.Token == "" || cfg.Notion.ReportDB == "" {
		return
	}

	metrics, err := monitor.AggregateMetrics(ctx, stage)
	if err != nil {
		zap.L().Warn("could not aggregate metrics for report", zap.Error(err))
		return
	}

	client := notionpkg.NewClient(cfg.Notion.Token)
	_, err = notionpkg.PublishStageReport(ctx, client, cfg.Notion.ReportDB, notionpkg.StageReport{
		ConfigVersion:  version,
		Stage:          string(stage),
		Entities:       metrics.EntitiesProcessed,
		AvgCost:        metrics.AvgCost,
		ActionableRate: metrics.ActionableRate,
		ErrorRate:      metrics.ErrorRate,
		GatePassed:     gatePassed,
		Notes:          notes,
		ReportedAt:     time.Now().UTC(),
	})
	if err != nil {
		zap.L().Warn("could not publish stage report", zap.Error(err))
		return
	}
	zap.L().Info("stage report published", zap.String("stage", string(stage)))
}

var rolloutBeginCmd = &cobra.Command{
	Use:   "begin",
	Short: "Start a staged rollout of a published config version",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, monitor, err := initRollout(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if err := monitor.Begin(ctx, rolloutVersion); err != nil {
			return err
		}

		zap.L().Info("rollout started",
			zap.String("version", rolloutVersion),
			zap.String("stage", string(model.StagePilot)),
		)
		return nil
	},
}

var rolloutStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the state of the rollout in progress",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, monitor, err := initRollout(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		cp, ok := monitor.Status()
		if !ok {
			zap.L().Info("no rollout in progress")
			return nil
		}

		metrics, err := monitor.AggregateMetrics(ctx, cp.Stage)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"checkpoint": cp,
			"metrics":    metrics,
		})
	},
}

var rolloutAdvanceCmd = &cobra.Command{
	Use:   "advance",
	Short: "Evaluate the current stage gate and promote when it passes",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, monitor, err := initRollout(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		cp, ok := monitor.Status()
		if !ok {
			return eris.New("no rollout in progress")
		}
		fromStage := cp.Stage

		next, err := monitor.Advance(ctx)
		if err != nil {
			publishStageReport(ctx, monitor, cp.ConfigVersion, fromStage, false, err.Error())
			return err
		}

		publishStageReport(ctx, monitor, cp.ConfigVersion, fromStage, true, "")
		zap.L().Info("rollout advanced",
			zap.String("from", string(fromStage)),
			zap.String("to", string(next)),
		)
		return nil
	},
}

var rolloutRollbackCmd = &cobra.Command{
	Use:   "rollback",
	Short: "Abort the rollout and restore a previous config version",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, monitor, err := initRollout(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if err := monitor.Rollback(ctx, rolloutToVersion); err != nil {
			return err
		}

		zap.L().Info("rollout rolled back")
		return nil
	},
}

func init() {
	rolloutBeginCmd.Flags().StringVar(&rolloutVersion, "version", "", "published config version to roll out (required)")
	_ = rolloutBeginCmd.MarkFlagRequired("version")
	rolloutRollbackCmd.Flags().StringVar(&rolloutToVersion, "to", "", "version to restore (default: the version active before the rollout)")

	rolloutCmd.AddCommand(rolloutBeginCmd)
	rolloutCmd.AddCommand(rolloutStatusCmd)
	rolloutCmd.AddCommand(rolloutAdvanceCmd)
	rolloutCmd.AddCommand(rolloutRollbackCmd)
	rootCmd.AddCommand(rolloutCmd)
}
