package notion

import (
	"context"

	"github.com/jomei/notionapi"
)

// mockClient implements Client with per-method function hooks.
type mockClient struct {
	queryFn  func(ctx context.Context, dbID string, req *notionapi.DatabaseQueryRequest) (*notionapi.DatabaseQueryResponse, error)
	createFn func(ctx context.Context, req *notionapi.PageCreateRequest) (*notionapi.Page, error)
	updateFn func(ctx context.Context, pageID string, req *notionapi.PageUpdateRequest) (*notionapi.Page, error)
}

func (m *mockClient) QueryDatabase(ctx context.Context, dbID string, req *notionapi.DatabaseQueryRequest) (*notionapi.DatabaseQueryResponse, error) {
	if m.queryFn != nil {
		return m.queryFn(ctx, dbID, req)
	}
	return &notionapi.DatabaseQueryResponse{}, nil
}

func (m *mockClient) CreatePage(ctx context.Context, req *notionapi.PageCreateRequest) (*notionapi.Page, error) {
	if m.createFn != nil {
		return m.createFn(ctx, req)
	}
	return &notionapi.Page{}, nil
}

func (m *mockClient) UpdatePage(ctx context.Context, pageID string, req *notionapi.PageUpdateRequest) (*notionapi.Page, error) {
	if m.updateFn != nil {
		return m.updateFn(ctx, pageID, req)
	}
	return &notionapi.Page{}, nil
}
