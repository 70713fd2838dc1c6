package salesforce

import (
	"context"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
)

// Account represents the subset of a Salesforce Account used by promotion.
type Account struct {
	ID   string `json:"Id" salesforce:"Id"`
	Name string `json:"Name" salesforce:"Name"`
	Type string `json:"Type" salesforce:"Type"`
}

// OpportunityInput describes one opportunity to create from an accepted
// procurement signal.
type OpportunityInput struct {
	AccountID   string
	Name        string
	StageName   string
	CloseDate   string // YYYY-MM-DD
	Description string
	LeadSource  string
	Confidence  float64
}

// FindAccountByName queries Salesforce for an Account with the exact name.
// Returns nil if no account is found.
func FindAccountByName(ctx context.Context, c Client, name string) (*Account, error) {
	soql := fmt.Sprintf(
		"SELECT Id, Name, Type FROM Account WHERE Name = '%s' LIMIT 1",
		escapeSoql(name),
	)

	var accounts []Account
	if err := c.Query(ctx, soql, &accounts); err != nil {
		return nil, eris.Wrap(err, fmt.Sprintf("sf: find account by name %s", name))
	}
	if len(accounts) == 0 {
		return nil, nil
	}
	return &accounts[0], nil
}

// EnsureAccount returns the ID of the Account with the given name, creating
// it when absent.
func EnsureAccount(ctx context.Context, c Client, name, accountType string) (string, error) {
	if name == "" {
		return "", eris.New("sf: account name is required")
	}

	existing, err := FindAccountByName(ctx, c, name)
	if err != nil {
		return "", err
	}
	if existing != nil {
		return existing.ID, nil
	}

	fields := map[string]any{"Name": name}
	if accountType != "" {
		fields["Type"] = accountType
	}
	id, err := c.InsertOne(ctx, "Account", fields)
	if err != nil {
		return "", eris.Wrap(err, fmt.Sprintf("sf: create account %s", name))
	}
	return id, nil
}

// CreateOpportunities inserts opportunities in batches of 200 (SF Collections
// API limit). Inputs without an account or name are rejected up front.
func CreateOpportunities(ctx context.Context, c Client, inputs []OpportunityInput) ([]CollectionResult, error) {
	if len(inputs) == 0 {
		return nil, nil
	}
	for i, in := range inputs {
		if in.AccountID == "" {
			return nil, eris.Errorf("sf: opportunity %d has no account id", i)
		}
		if in.Name == "" {
			return nil, eris.Errorf("sf: opportunity %d has no name", i)
		}
	}

	var allResults []CollectionResult
	for start := 0; start < len(inputs); start += maxBatchSize {
		end := min(start+maxBatchSize, len(inputs))
		batch := inputs[start:end]

		records := make([]map[string]any, len(batch))
		for i, in := range batch {
			records[i] = opportunityFields(in)
		}

		results, err := c.InsertCollection(ctx, "Opportunity", records)
		if err != nil {
			return allResults, eris.Wrap(err, fmt.Sprintf("sf: create opportunities batch %d-%d", start, end))
		}
		allResults = append(allResults, results...)
	}
	return allResults, nil
}

func opportunityFields(in OpportunityInput) map[string]any {
	fields := map[string]any{
		"AccountId": in.AccountID,
		"Name":      in.Name,
		"StageName": in.StageName,
		"CloseDate": in.CloseDate,
	}
	if in.StageName == "" {
		fields["StageName"] = "Prospecting"
	}
	if in.Description != "" {
		fields["Description"] = in.Description
	}
	if in.LeadSource != "" {
		fields["LeadSource"] = in.LeadSource
	}
	if in.Confidence > 0 {
		fields["Probability"] = in.Confidence * 100
	}
	return fields
}

// escapeSoql escapes single quotes in SOQL string literals to prevent injection.
func escapeSoql(s string) string {
	return strings.ReplaceAll(s, "'", "\\'")
}
