package provider

import (
	"context"
	"io"
	"os"
	"testing"

	"github.com/cloudwego/eino/schema"
	"github.com/joho/godotenv"
)

func drainStreamText(t *testing.T, stream *EventStream) string {
	t.Helper()
	var out string
	for {
		ev, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("unexpected stream error: %v", err)
		}
		if ev.Kind == StreamTextDelta {
			out += ev.Delta
		}
	}
	return out
}

func TestAnthropicProvider_Integration(t *testing.T) {
	_ = godotenv.Load("../../.env")

	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	if apiKey == "" {
		t.Skip("ANTHROPIC_API_KEY not set, skipping integration test")
	}

	modelID := os.Getenv("ANTHROPIC_MODEL_ID")
	if modelID == "" {
		modelID = "claude-3-5-haiku-20241022"
	}

	ctx := context.Background()

	p, err := NewAnthropicProvider(ctx, &AnthropicConfig{
		APIKey:    apiKey,
		MaxTokens: 1024,
	})
	if err != nil {
		t.Fatalf("Failed to create Anthropic provider: %v", err)
	}

	if p.ID() != "anthropic" {
		t.Errorf("Expected ID 'anthropic', got '%s'", p.ID())
	}
	if p.Name() != "Anthropic" {
		t.Errorf("Expected Name 'Anthropic', got '%s'", p.Name())
	}
	if len(p.Models()) == 0 {
		t.Error("Expected at least one model")
	}

	t.Run("SimpleCompletion", func(t *testing.T) {
		req := &CompletionRequest{
			Model: modelID,
			Messages: []*schema.Message{
				{Role: schema.User, Content: "Say 'Hello, World!' and nothing else."},
			},
			MaxTokens:   100,
			Temperature: 0.0,
		}

		stream, err := p.Stream(ctx, req)
		if err != nil {
			t.Fatalf("Failed to create stream: %v", err)
		}
		defer stream.Close()

		if drainStreamText(t, stream) == "" {
			t.Error("Expected non-empty response")
		}
	})

	t.Run("StreamingChunks", func(t *testing.T) {
		req := &CompletionRequest{
			Model: modelID,
			Messages: []*schema.Message{
				{Role: schema.User, Content: "Count from 1 to 5, one number per line."},
			},
			MaxTokens:   100,
			Temperature: 0.0,
		}

		stream, err := p.Stream(ctx, req)
		if err != nil {
			t.Fatalf("Failed to create stream: %v", err)
		}
		defer stream.Close()

		chunkCount := 0
		for {
			ev, err := stream.Recv()
			if err == io.EOF {
				break
			}
			if err != nil {
				t.Fatalf("unexpected stream error: %v", err)
			}
			if ev.Kind == StreamTextDelta {
				chunkCount++
			}
		}
		if chunkCount == 0 {
			t.Error("Expected to receive at least one chunk")
		}
	})

	t.Run("MultiTurnConversation", func(t *testing.T) {
		req := &CompletionRequest{
			Model: modelID,
			Messages: []*schema.Message{
				{Role: schema.User, Content: "Remember the number 42."},
				{Role: schema.Assistant, Content: "I'll remember the number 42."},
				{Role: schema.User, Content: "What number did I ask you to remember? Reply with just the number."},
			},
			MaxTokens:   50,
			Temperature: 0.0,
		}

		stream, err := p.Stream(ctx, req)
		if err != nil {
			t.Fatalf("Failed to create stream: %v", err)
		}
		defer stream.Close()

		if drainStreamText(t, stream) == "" {
			t.Error("Expected non-empty response")
		}
	})
}

func TestAnthropicProvider_CustomID(t *testing.T) {
	_ = godotenv.Load("../../.env")

	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	if apiKey == "" {
		t.Skip("ANTHROPIC_API_KEY not set, skipping test")
	}

	ctx := context.Background()

	p, err := NewAnthropicProvider(ctx, &AnthropicConfig{
		ID:        "claude",
		APIKey:    apiKey,
		MaxTokens: 1024,
	})
	if err != nil {
		t.Fatalf("Failed to create Anthropic provider: %v", err)
	}
	if p.ID() != "claude" {
		t.Errorf("Expected ID 'claude', got '%s'", p.ID())
	}
}

func TestAnthropicProvider_NoAPIKey(t *testing.T) {
	ctx := context.Background()

	originalKey := os.Getenv("ANTHROPIC_API_KEY")
	os.Unsetenv("ANTHROPIC_API_KEY")
	defer os.Setenv("ANTHROPIC_API_KEY", originalKey)

	_, err := NewAnthropicProvider(ctx, &AnthropicConfig{MaxTokens: 1024})
	if err == nil {
		t.Error("Expected error when API key is not set")
	}
}

func TestAnthropicProvider_EmptyContentHandling(t *testing.T) {
	_ = godotenv.Load("../../.env")

	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	if apiKey == "" {
		t.Skip("ANTHROPIC_API_KEY not set, skipping integration test")
	}

	modelID := os.Getenv("ANTHROPIC_MODEL_ID")
	if modelID == "" {
		modelID = "claude-3-5-haiku-20241022"
	}

	ctx := context.Background()

	p, err := NewAnthropicProvider(ctx, &AnthropicConfig{APIKey: apiKey, MaxTokens: 1024})
	if err != nil {
		t.Fatalf("Failed to create Anthropic provider: %v", err)
	}

	// Reproduces the bug where a user message without content causes:
	// "messages.0.content: Field required"
	t.Run("EmptyFirstMessageContentReturnsError", func(t *testing.T) {
		req := &CompletionRequest{
			Model: modelID,
			Messages: []*schema.Message{
				{Role: schema.User, Content: ""},
			},
			MaxTokens:   100,
			Temperature: 0.0,
		}

		stream, err := p.Stream(ctx, req)
		if err == nil && stream != nil {
			defer stream.Close()
			if _, recvErr := stream.Recv(); recvErr == nil {
				t.Error("Expected error for empty first message content, but received successful response")
			}
		}
	})

	t.Run("NonEmptyFirstMessageWorks", func(t *testing.T) {
		req := &CompletionRequest{
			Model: modelID,
			Messages: []*schema.Message{
				{Role: schema.User, Content: "Say 'test' and nothing else."},
			},
			MaxTokens:   50,
			Temperature: 0.0,
		}

		stream, err := p.Stream(ctx, req)
		if err != nil {
			t.Fatalf("Expected no error for non-empty content, got: %v", err)
		}
		defer stream.Close()

		if drainStreamText(t, stream) == "" {
			t.Error("Expected non-empty response for non-empty first message")
		}
	})

	t.Run("MultipleNonEmptyMessagesWork", func(t *testing.T) {
		req := &CompletionRequest{
			Model: modelID,
			Messages: []*schema.Message{
				{Role: schema.User, Content: "Remember X=5"},
				{Role: schema.Assistant, Content: "I'll remember X=5."},
				{Role: schema.User, Content: "What is X? Reply with just the number."},
			},
			MaxTokens:   50,
			Temperature: 0.0,
		}

		stream, err := p.Stream(ctx, req)
		if err != nil {
			t.Fatalf("Expected no error for conversation with non-empty content, got: %v", err)
		}
		defer stream.Close()

		if drainStreamText(t, stream) == "" {
			t.Error("Expected non-empty response")
		}
	})
}
