package notion

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jomei/notionapi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleReport() StageReport {
	return StageReport{
		ConfigVersion:  "v2",
		Stage:          "pilot",
		Entities:       25,
		AvgCost:        1.8,
		ActionableRate: 0.24,
		ErrorRate:      0.04,
		GatePassed:     true,
		ReportedAt:     time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestQueryAllPaginates(t *testing.T) {
	var cursors []notionapi.Cursor
	mc := &mockClient{
		queryFn: func(_ context.Context, dbID string, req *notionapi.DatabaseQueryRequest) (*notionapi.DatabaseQueryResponse, error) {
			assert.Equal(t, "db-1", dbID)
			cursors = append(cursors, req.StartCursor)
			if req.StartCursor == "" {
				return &notionapi.DatabaseQueryResponse{
					Results:    []notionapi.Page{{ID: "p1"}, {ID: "p2"}},
					HasMore:    true,
					NextCursor: "cursor-2",
				}, nil
			}
			return &notionapi.DatabaseQueryResponse{
				Results: []notionapi.Page{{ID: "p3"}},
			}, nil
		},
	}

	pages, err := QueryAll(context.Background(), mc, "db-1", nil)
	require.NoError(t, err)
	require.Len(t, pages, 3)
	assert.Equal(t, notionapi.ObjectID("p3"), pages[2].ID)
	assert.Equal(t, []notionapi.Cursor{"", "cursor-2"}, cursors)
}

func TestPublishStageReportCreatesNewPage(t *testing.T) {
	var captured *notionapi.PageCreateRequest
	mc := &mockClient{
		createFn: func(_ context.Context, req *notionapi.PageCreateRequest) (*notionapi.Page, error) {
			captured = req
			return &notionapi.Page{ID: "page-new"}, nil
		},
	}

	id, err := PublishStageReport(context.Background(), mc, "db-1", sampleReport())
	require.NoError(t, err)
	assert.Equal(t, "page-new", id)

	require.NotNil(t, captured)
	assert.Equal(t, notionapi.DatabaseID("db-1"), captured.Parent.DatabaseID)

	title := captured.Properties["Name"].(notionapi.TitleProperty)
	assert.Equal(t, "v2 / pilot", title.Title[0].Text.Content)
	gate := captured.Properties["Gate"].(notionapi.SelectProperty)
	assert.Equal(t, "passed", gate.Select.Name)
	entities := captured.Properties["Entities"].(notionapi.NumberProperty)
	assert.InDelta(t, 25.0, entities.Number, 0.001)
}

func TestPublishStageReportUpdatesExistingPage(t *testing.T) {
	var updatedID string
	mc := &mockClient{
		queryFn: func(_ context.Context, _ string, _ *notionapi.DatabaseQueryRequest) (*notionapi.DatabaseQueryResponse, error) {
			return &notionapi.DatabaseQueryResponse{
				Results: []notionapi.Page{{ID: "page-existing"}},
			}, nil
		},
		createFn: func(_ context.Context, _ *notionapi.PageCreateRequest) (*notionapi.Page, error) {
			t.Fatal("create should not be called when a report page exists")
			return nil, nil
		},
		updateFn: func(_ context.Context, pageID string, _ *notionapi.PageUpdateRequest) (*notionapi.Page, error) {
			updatedID = pageID
			return &notionapi.Page{ID: notionapi.ObjectID(pageID)}, nil
		},
	}

	id, err := PublishStageReport(context.Background(), mc, "db-1", sampleReport())
	require.NoError(t, err)
	assert.Equal(t, "page-existing", id)
	assert.Equal(t, "page-existing", updatedID)
}

func TestPublishStageReportValidates(t *testing.T) {
	_, err := PublishStageReport(context.Background(), &mockClient{}, "db-1", StageReport{Stage: "pilot"})
	require.Error(t, err)

	_, err = PublishStageReport(context.Background(), &mockClient{}, "db-1", StageReport{ConfigVersion: "v2"})
	require.Error(t, err)
}

func TestPublishStageReportPropagatesQueryError(t *testing.T) {
	mc := &mockClient{
		queryFn: func(_ context.Context, _ string, _ *notionapi.DatabaseQueryRequest) (*notionapi.DatabaseQueryResponse, error) {
			return nil, errors.New("api down")
		},
	}
	_, err := PublishStageReport(context.Background(), mc, "db-1", sampleReport())
	require.Error(t, err)
}
