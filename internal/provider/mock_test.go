package provider

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/sells-group/docvault/internal/resilience"
	"github.com/sells-group/docvault/pkg/anthropic"
	"github.com/sells-group/docvault/pkg/reducto"
)

type mockAnthropicClient struct {
	mock.Mock
}

func (m *mockAnthropicClient) CreateMessage(ctx context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*anthropic.MessageResponse), args.Error(1)
}

type mockReductoClient struct {
	mock.Mock
}

func (m *mockReductoClient) Upload(ctx context.Context, name string, data []byte) (*reducto.UploadResponse, error) {
	args := m.Called(ctx, name, data)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*reducto.UploadResponse), args.Error(1)
}

func (m *mockReductoClient) Parse(ctx context.Context, req reducto.ParseRequest) (*reducto.ParseResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*reducto.ParseResponse), args.Error(1)
}

func (m *mockReductoClient) Extract(ctx context.Context, req reducto.ExtractRequest) (*reducto.ExtractResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*reducto.ExtractResponse), args.Error(1)
}

func textResponse(text string) *anthropic.MessageResponse {
	return &anthropic.MessageResponse{Content: []anthropic.ContentBlock{{Type: "text", Text: text}}}
}

func testGuard(provider string, attempts int) *resilience.Guard {
	return resilience.NewGuard(provider, resilience.GuardConfig{
		Backoff:          resilience.Backoff{Attempts: attempts, Base: time.Millisecond, Max: time.Millisecond},
		BreakerThreshold: 10,
	})
}
