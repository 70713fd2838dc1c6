package salesforce

import "context"

// mockClient implements Client with per-method function hooks.
type mockClient struct {
	queryFn            func(ctx context.Context, soql string, out any) error
	insertOneFn        func(ctx context.Context, sObject string, record map[string]any) (string, error)
	insertCollectionFn func(ctx context.Context, sObject string, records []map[string]any) ([]CollectionResult, error)
	updateOneFn        func(ctx context.Context, sObject string, id string, fields map[string]any) error
}

func (m *mockClient) Query(ctx context.Context, soql string, out any) error {
	if m.queryFn != nil {
		return m.queryFn(ctx, soql, out)
	}
	return nil
}

func (m *mockClient) InsertOne(ctx context.Context, sObject string, record map[string]any) (string, error) {
	if m.insertOneFn != nil {
		return m.insertOneFn(ctx, sObject, record)
	}
	return "", nil
}

func (m *mockClient) InsertCollection(ctx context.Context, sObject string, records []map[string]any) ([]CollectionResult, error) {
	if m.insertCollectionFn != nil {
		return m.insertCollectionFn(ctx, sObject, records)
	}
	return nil, nil
}

func (m *mockClient) UpdateOne(ctx context.Context, sObject string, id string, fields map[string]any) error {
	if m.updateOneFn != nil {
		return m.updateOneFn(ctx, sObject, id, fields)
	}
	return nil
}
