package salesforce

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureAccount(t *testing.T) {
	t.Run("returns existing account", func(t *testing.T) {
		mc := &mockClient{
			queryFn: func(_ context.Context, soql string, out any) error {
				assert.Contains(t, soql, "WHERE Name = 'FC Example'")
				accounts := out.(*[]Account)
				*accounts = []Account{{ID: "001EXIST", Name: "FC Example"}}
				return nil
			},
			insertOneFn: func(_ context.Context, _ string, _ map[string]any) (string, error) {
				t.Fatal("insert should not be called when the account exists")
				return "", nil
			},
		}

		id, err := EnsureAccount(context.Background(), mc, "FC Example", "club")
		require.NoError(t, err)
		assert.Equal(t, "001EXIST", id)
	})

	t.Run("creates missing account", func(t *testing.T) {
		var capturedFields map[string]any
		mc := &mockClient{
			insertOneFn: func(_ context.Context, sObject string, record map[string]any) (string, error) {
				assert.Equal(t, "Account", sObject)
				capturedFields = record
				return "001NEW", nil
			},
		}

		id, err := EnsureAccount(context.Background(), mc, "FC New", "club")
		require.NoError(t, err)
		assert.Equal(t, "001NEW", id)
		assert.Equal(t, "FC New", capturedFields["Name"])
		assert.Equal(t, "club", capturedFields["Type"])
	})

	t.Run("empty name rejected", func(t *testing.T) {
		_, err := EnsureAccount(context.Background(), &mockClient{}, "", "club")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "name is required")
	})

	t.Run("query error propagates", func(t *testing.T) {
		mc := &mockClient{
			queryFn: func(_ context.Context, _ string, _ any) error {
				return errors.New("api error")
			},
		}
		_, err := EnsureAccount(context.Background(), mc, "FC Example", "")
		assert.Error(t, err)
	})
}

func TestFindAccountByNameEscapesQuotes(t *testing.T) {
	var capturedSoql string
	mc := &mockClient{
		queryFn: func(_ context.Context, soql string, _ any) error {
			capturedSoql = soql
			return nil
		},
	}

	acc, err := FindAccountByName(context.Background(), mc, "St. Mary's FC")
	require.NoError(t, err)
	assert.Nil(t, acc)
	assert.Contains(t, capturedSoql, `St. Mary\'s FC`)
}

func TestCreateOpportunities(t *testing.T) {
	t.Run("builds records", func(t *testing.T) {
		var captured []map[string]any
		mc := &mockClient{
			insertCollectionFn: func(_ context.Context, sObject string, records []map[string]any) ([]CollectionResult, error) {
				assert.Equal(t, "Opportunity", sObject)
				captured = records
				results := make([]CollectionResult, len(records))
				for i := range results {
					results[i] = CollectionResult{ID: fmt.Sprintf("006-%d", i), Success: true}
				}
				return results, nil
			},
		}

		inputs := []OpportunityInput{
			{
				AccountID:   "001A",
				Name:        "FC Example stadium project",
				CloseDate:   "2027-06-30",
				Description: "FC Example is planning a stadium construction project",
				LeadSource:  "stadium_project",
				Confidence:  0.85,
			},
			{
				AccountID: "001B",
				Name:      "League Two broadcast rights",
				StageName: "Qualification",
				CloseDate: "2027-01-31",
			},
		}

		results, err := CreateOpportunities(context.Background(), mc, inputs)
		require.NoError(t, err)
		require.Len(t, results, 2)
		assert.True(t, results[0].Success)

		require.Len(t, captured, 2)
		assert.Equal(t, "Prospecting", captured[0]["StageName"])
		assert.InDelta(t, 85.0, captured[0]["Probability"].(float64), 0.001)
		assert.Equal(t, "stadium_project", captured[0]["LeadSource"])
		assert.Equal(t, "Qualification", captured[1]["StageName"])
		_, hasProbability := captured[1]["Probability"]
		assert.False(t, hasProbability)
	})

	t.Run("chunks at collection limit", func(t *testing.T) {
		var batchSizes []int
		mc := &mockClient{
			insertCollectionFn: func(_ context.Context, _ string, records []map[string]any) ([]CollectionResult, error) {
				batchSizes = append(batchSizes, len(records))
				return make([]CollectionResult, len(records)), nil
			},
		}

		inputs := make([]OpportunityInput, 450)
		for i := range inputs {
			inputs[i] = OpportunityInput{
				AccountID: "001A",
				Name:      fmt.Sprintf("opp %d", i),
				CloseDate: "2027-01-01",
			}
		}

		results, err := CreateOpportunities(context.Background(), mc, inputs)
		require.NoError(t, err)
		assert.Len(t, results, 450)
		assert.Equal(t, []int{200, 200, 50}, batchSizes)
	})

	t.Run("missing account id rejected", func(t *testing.T) {
		_, err := CreateOpportunities(context.Background(), &mockClient{}, []OpportunityInput{
			{Name: "no account"},
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no account id")
	})

	t.Run("empty input is a no-op", func(t *testing.T) {
		results, err := CreateOpportunities(context.Background(), &mockClient{}, nil)
		require.NoError(t, err)
		assert.Nil(t, results)
	})
}
