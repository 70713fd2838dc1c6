package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/signal-engine/internal/model"
)

var (
	runEntityID   string
	runEntityName string
	runEntityType string
)

func parseEntityType(raw string) (model.EntityType, error) {
	switch model.EntityType(raw) {
	case model.EntityClub, model.EntityFederation, model.EntityLeague:
		return model.EntityType(raw), nil
	default:
		return "", eris.Errorf("unknown entity type: %s", raw)
	}
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run discovery for a single entity",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		entityType, err := parseEntityType(runEntityType)
		if err != nil {
			return err
		}

		env, err := initEngine(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		entity := model.Entity{
			ID:   runEntityID,
			Name: runEntityName,
			Type: entityType,
		}

		result := env.Orchestrator.Run(ctx, entity)

		zap.L().Info("discovery complete",
			zap.String("entity", entity.ID),
			zap.String("config_version", result.ConfigVersion),
			zap.Float64("total_cost", result.TotalCost),
			zap.Int("iterations", result.Iterations),
			zap.Int("hypotheses", len(result.Hypotheses)),
		)

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	},
}

func init() {
	runCmd.Flags().StringVar(&runEntityID, "id", "", "entity ID (required)")
	runCmd.Flags().StringVar(&runEntityName, "name", "", "entity name (required)")
	runCmd.Flags().StringVar(&runEntityType, "type", "club", "entity type: club, federation, or league")
	_ = runCmd.MarkFlagRequired("id")
	_ = runCmd.MarkFlagRequired("name")
	rootCmd.AddCommand(runCmd)
}
