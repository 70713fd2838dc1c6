package main

import (
	"encoding/json"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/signal-engine/internal/model"
)

var (
	batchFile  string
	batchStage string
)

func readEntities(path string) ([]model.Entity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "read entities file")
	}
	var entities []model.Entity
	if err := json.Unmarshal(data, &entities); err != nil {
		return nil, eris.Wrap(err, "parse entities file")
	}
	for i, e := range entities {
		if e.ID == "" || e.Name == "" {
			return nil, eris.Errorf("entity %d: id and name are required", i)
		}
	}
	return entities, nil
}

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Run discovery for a batch of entities from a JSON file",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		entities, err := readEntities(batchFile)
		if err != nil {
			return err
		}

		var stage model.RolloutStage
		if batchStage != "" {
			stage = model.RolloutStage(batchStage)
			if model.StageOrder(stage) < 0 {
				return eris.Errorf("unknown rollout stage: %s", batchStage)
			}
		}

		env, err := initEngine(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		results := env.Pool.RunBatch(ctx, entities)

		var failed, actionable int
		var totalCost float64
		for _, res := range results {
			totalCost += res.TotalCost
			if res.Err != nil {
				failed++
			}

			if stage != "" {
				rec := res.Record(stage, time.Now().UTC())
				if rec.Actionable() {
					actionable++
				}
				if err := env.Monitor.Record(ctx, rec); err != nil {
					zap.L().Error("record rollout outcome",
						zap.String("entity", res.EntityID),
						zap.Error(err),
					)
				}
			}
		}

		zap.L().Info("batch complete",
			zap.Int("entities", len(results)),
			zap.Int("failed", failed),
			zap.Int("actionable", actionable),
			zap.Float64("total_cost", totalCost),
		)
		return nil
	},
}

func init() {
	batchCmd.Flags().StringVar(&batchFile, "file", "", "JSON file with an array of entities (required)")
	batchCmd.Flags().StringVar(&batchStage, "stage", "", "record outcomes under this rollout stage")
	_ = batchCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(batchCmd)
}
