package notion

import (
	"context"
	"fmt"
	"time"

	"github.com/jomei/notionapi"
	"github.com/rotisserie/eris"
)

// StageReport is one rollout stage summary published to the report database.
type StageReport struct {
	ConfigVersion  string
	Stage          string
	Entities       int
	AvgCost        float64
	ActionableRate float64
	ErrorRate      float64
	GatePassed     bool
	Notes          string
	ReportedAt     time.Time
}

// QueryAll fetches all pages from a Notion database, handling pagination.
// Rate limiting is enforced by the Client (3 req/s by default).
func QueryAll(ctx context.Context, c Client, dbID string, filter *notionapi.DatabaseQueryRequest) ([]notionapi.Page, error) {
	var all []notionapi.Page

	req := &notionapi.DatabaseQueryRequest{}
	if filter != nil {
		req.Filter = filter.Filter
		req.Sorts = filter.Sorts
		req.PageSize = filter.PageSize
	}

	for {
		resp, err := c.QueryDatabase(ctx, dbID, req)
		if err != nil {
			return nil, eris.Wrap(err, "notion: query all page")
		}
		all = append(all, resp.Results...)

		if !resp.HasMore {
			break
		}
		next := &notionapi.DatabaseQueryRequest{StartCursor: resp.NextCursor}
		if filter != nil {
			next.Filter = filter.Filter
			next.Sorts = filter.Sorts
			next.PageSize = filter.PageSize
		}
		req = next
	}

	return all, nil
}

// PublishStageReport upserts a rollout stage report page keyed by config
// version and stage: an existing page for the pair is updated, otherwise a
// new page is created. Returns the page ID.
func PublishStageReport(ctx context.Context, c Client, dbID string, report StageReport) (string, error) {
	if report.ConfigVersion == "" || report.Stage == "" {
		return "", eris.New("notion: report needs config version and stage")
	}
	if report.ReportedAt.IsZero() {
		report.ReportedAt = time.Now().UTC()
	}

	existing, err := findReportPage(ctx, c, dbID, report)
	if err != nil {
		return "", err
	}

	props := reportProperties(report)
	if existing != "" {
		if _, err := c.UpdatePage(ctx, existing, &notionapi.PageUpdateRequest{Properties: props}); err != nil {
			return "", eris.Wrap(err, "notion: update stage report")
		}
		return existing, nil
	}

	page, err := c.CreatePage(ctx, &notionapi.PageCreateRequest{
		Parent:     notionapi.Parent{DatabaseID: notionapi.DatabaseID(dbID)},
		Properties: props,
	})
	if err != nil {
		return "", eris.Wrap(err, "notion: create stage report")
	}
	return string(page.ID), nil
}

// findReportPage returns the ID of an existing report page for the report's
// version and stage, or empty when none exists.
func findReportPage(ctx context.Context, c Client, dbID string, report StageReport) (string, error) {
	filter := &notionapi.DatabaseQueryRequest{
		Filter: notionapi.PropertyFilter{
			Property: "Name",
			RichText: &notionapi.TextFilterCondition{
				Equals: reportTitle(report),
			},
		},
	}
	pages, err := QueryAll(ctx, c, dbID, filter)
	if err != nil {
		return "", eris.Wrap(err, "notion: find stage report")
	}
	if len(pages) == 0 {
		return "", nil
	}
	return string(pages[0].ID), nil
}

func reportTitle(report StageReport) string {
	return fmt.Sprintf("%s / %s", report.ConfigVersion, report.Stage)
}

func reportProperties(report StageReport) notionapi.Properties {
	gate := "failed"
	if report.GatePassed {
		gate = "passed"
	}
	reported := notionapi.Date(report.ReportedAt)
	props := notionapi.Properties{
		"Name": notionapi.TitleProperty{
			Title: []notionapi.RichText{{Text: &notionapi.Text{Content: reportTitle(report)}}},
		},
		"Version": notionapi.RichTextProperty{
			RichText: []notionapi.RichText{{Text: &notionapi.Text{Content: report.ConfigVersion}}},
		},
		"Stage": notionapi.SelectProperty{
			Select: notionapi.Option{Name: report.Stage},
		},
		"Gate": notionapi.SelectProperty{
			Select: notionapi.Option{Name: gate},
		},
		"Entities": notionapi.NumberProperty{
			Number: float64(report.Entities),
		},
		"Avg Cost": notionapi.NumberProperty{
			Number: report.AvgCost,
		},
		"Actionable Rate": notionapi.NumberProperty{
			Number: report.ActionableRate,
		},
		"Error Rate": notionapi.NumberProperty{
			Number: report.ErrorRate,
		},
		"Reported": notionapi.DateProperty{
			Date: &notionapi.DateObject{Start: &reported},
		},
	}
	if report.Notes != "" {
		props["Notes"] = notionapi.RichTextProperty{
			RichText: []notionapi.RichText{{Text: &notionapi.Text{Content: report.Notes}}},
		}
	}
	return props
}
