package main

import (
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/signal-engine/internal/model"
	sfpkg "github.com/sells-group/signal-engine/pkg/salesforce"
)

var (
	promoteFile        string
	promoteWeakAccepts bool
)

var promoteCmd = &cobra.Command{
	Use:   "promote",
	Short: "Export accepted hypotheses to Salesforce as opportunities",
	Long:  "For each entity in the file, looks up its accepted hypotheses, ensures a Salesforce Account exists, and creates one Opportunity per signal.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		entities, err := readEntities(promoteFile)
		if err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		sfClient, err := initSalesforce()
		if err != nil {
			return err
		}

		states := []model.HypothesisState{model.StateAccepted}
		if promoteWeakAccepts {
			states = append(states, model.StateWeakAccept)
		}
		closeDate := time.Now().UTC().AddDate(0, 6, 0).Format("2006-01-02")

		var inputs []sfpkg.OpportunityInput
		for _, entity := range entities {
			hs, err := st.ListHypotheses(ctx, entity.ID, states)
			if err != nil {
				return eris.Wrapf(err, "list hypotheses for %s", entity.ID)
			}
			if len(hs) == 0 {
				continue
			}

			accountID, err := sfpkg.EnsureAccount(ctx, sfClient, entity.Name, accountType(entity.Type))
			if err != nil {
				return eris.Wrapf(err, "ensure account for %s", entity.Name)
			}

			for _, h := range hs {
				inputs = append(inputs, sfpkg.OpportunityInput{
					AccountID:   accountID,
					Name:        fmt.Sprintf("%s: %s", entity.Name, h.Category),
					CloseDate:   closeDate,
					Description: h.Statement,
					LeadSource:  "Signal Engine",
					Confidence:  h.Confidence,
				})
			}
		}

		if len(inputs) == 0 {
			zap.L().Info("no accepted hypotheses to promote")
			return nil
		}

		results, err := sfpkg.CreateOpportunities(ctx, sfClient, inputs)
		if err != nil {
			return err
		}

		var created int
		for _, res := range results {
			if res.Success {
				created++
			} else {
				zap.L().Warn("opportunity insert failed", zap.String("id", res.ID))
			}
		}

		zap.L().Info("promotion complete",
			zap.Int("opportunities", len(inputs)),
			zap.Int("created", created),
		)
		return nil
	},
}

func accountType(t model.EntityType) string {
	switch t {
	case model.EntityClub:
		return "Sports Club"
	case model.EntityFederation:
		return "Sports Federation"
	case model.EntityLeague:
		return "Sports League"
	default:
		return ""
	}
}

func init() {
	promoteCmd.Flags().StringVar(&promoteFile, "file", "", "JSON file with an array of entities (required)")
	promoteCmd.Flags().BoolVar(&promoteWeakAccepts, "include-weak", false, "also promote weak-accepted hypotheses")
	_ = promoteCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(promoteCmd)
}
