package classify

import (
	"context"

	"github.com/sells-group/signal-engine/pkg/anthropic"
)

// mockAnthropicClient returns a canned response or error.
type mockAnthropicClient struct {
	resp  *anthropic.MessageResponse
	err   error
	calls int
}

func (m *mockAnthropicClient) CreateMessage(context.Context, anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	m.calls++
	return m.resp, m.err
}

func textResponse(text string) *anthropic.MessageResponse {
	return &anthropic.MessageResponse{
		Content: []anthropic.ContentBlock{{Type: "text", Text: text}},
	}
}
