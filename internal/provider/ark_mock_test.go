package provider_test

import (
	"context"
	"io"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/cloudwego/eino/schema"

	"github.com/agentcore/opencode-core/internal/provider"
)

var _ = Describe("ArkProvider with MockLLM", func() {
	var (
		ctx         context.Context
		mockServer  *MockLLMServer
		arkProvider *provider.ArkProvider
	)

	BeforeEach(func() {
		ctx = context.Background()

		mockServer = NewMockLLMServer(&MockLLMConfig{
			Responses: map[string]MockResponse{
				"hello": {
					Content: "Hello! I'm a mocked ARK model.",
				},
				"count": {
					Content: "1\n2\n3\n4\n5",
				},
				"remember": {
					Content: "I'll remember that.",
				},
				"what number": {
					Content: "The number is 42.",
				},
				"calculate": {
					Content: "I'll calculate that for you.",
					ToolCalls: []MockToolCall{
						{
							ID:   "call_calc_001",
							Type: "function",
							Function: MockFunctionCall{
								Name:      "calculator",
								Arguments: `{"expression": "2+2"}`,
							},
						},
					},
				},
			},
			Defaults: MockDefaults{
				Fallback: "I understand your request.",
			},
			Settings: MockSettings{
				LagMS:           0,
				EnableStreaming: true,
			},
		})

		var err error
		arkProvider, err = provider.NewArkProvider(ctx, &provider.ArkConfig{
			APIKey:    "mock-api-key",
			BaseURL:   mockServer.URL(),
			Model:     "mock-ark-endpoint-123",
			MaxTokens: 1024,
		})
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		if mockServer != nil {
			mockServer.Close()
		}
	})

	Describe("Provider Properties", func() {
		It("should have correct ID", func() {
			Expect(arkProvider.ID()).To(Equal("ark"))
		})

		It("should have correct Name", func() {
			Expect(arkProvider.Name()).To(Equal("ARK"))
		})

		It("should have models", func() {
			models := arkProvider.Models()
			Expect(len(models)).To(BeNumerically(">", 0))
		})
	})

	Describe("Stream with Mock", func() {
		It("should receive response from mock server", func() {
			req := &provider.CompletionRequest{
				Model: "mock-ark-endpoint-123",
				Messages: []*schema.Message{
					{Role: schema.User, Content: "hello"},
				},
				MaxTokens:   100,
				Temperature: 0.0,
			}

			stream, err := arkProvider.Stream(ctx, req)
			Expect(err).NotTo(HaveOccurred())
			defer stream.Close()

			Expect(drainText(stream)).To(ContainSubstring("Hello"))
		})

		It("should stream multiple chunks", func() {
			req := &provider.CompletionRequest{
				Model: "mock-ark-endpoint-123",
				Messages: []*schema.Message{
					{Role: schema.User, Content: "count from 1 to 5"},
				},
				MaxTokens: 100,
			}

			stream, err := arkProvider.Stream(ctx, req)
			Expect(err).NotTo(HaveOccurred())
			defer stream.Close()

			chunkCount := 0
			for {
				ev, err := stream.Recv()
				if err == io.EOF {
					break
				}
				Expect(err).NotTo(HaveOccurred())
				if ev.Kind == provider.StreamTextDelta {
					chunkCount++
				}
			}

			Expect(chunkCount).To(BeNumerically(">", 0))
		})

		It("should handle multi-turn conversation", func() {
			req := &provider.CompletionRequest{
				Model: "mock-ark-endpoint-123",
				Messages: []*schema.Message{
					{Role: schema.User, Content: "Store 42 for me"},
					{Role: schema.Assistant, Content: "Done."},
					{Role: schema.User, Content: "what number was stored"},
				},
				MaxTokens: 50,
			}

			stream, err := arkProvider.Stream(ctx, req)
			Expect(err).NotTo(HaveOccurred())
			defer stream.Close()

			Expect(drainText(stream)).To(ContainSubstring("42"))
		})

		It("should return fallback for unknown prompts", func() {
			req := &provider.CompletionRequest{
				Model: "mock-ark-endpoint-123",
				Messages: []*schema.Message{
					{Role: schema.User, Content: "something completely random xyz123"},
				},
				MaxTokens: 100,
			}

			stream, err := arkProvider.Stream(ctx, req)
			Expect(err).NotTo(HaveOccurred())
			defer stream.Close()

			Expect(drainText(stream)).To(Equal("I understand your request."))
		})
	})

	Describe("Request Verification", func() {
		It("should send correct request to mock server", func() {
			req := &provider.CompletionRequest{
				Model: "mock-ark-endpoint-123",
				Messages: []*schema.Message{
					{Role: schema.User, Content: "hello test"},
				},
				MaxTokens: 100,
			}

			stream, err := arkProvider.Stream(ctx, req)
			Expect(err).NotTo(HaveOccurred())

			for {
				_, err := stream.Recv()
				if err == io.EOF {
					break
				}
				Expect(err).NotTo(HaveOccurred())
			}
			stream.Close()

			requests := mockServer.GetRequests()
			Expect(len(requests)).To(BeNumerically(">", 0))

			lastReq := requests[len(requests)-1]
			Expect(lastReq.Path).To(Or(
				Equal("/v1/chat/completions"),
				Equal("/chat/completions"),
			))

			messages, ok := lastReq.Body["messages"].([]interface{})
			Expect(ok).To(BeTrue())
			Expect(len(messages)).To(BeNumerically(">", 0))
		})
	})

	Describe("Determinism", func() {
		It("should return identical responses for identical prompts", func() {
			req := &provider.CompletionRequest{
				Model: "mock-ark-endpoint-123",
				Messages: []*schema.Message{
					{Role: schema.User, Content: "hello"},
				},
				MaxTokens: 100,
			}

			stream1, err := arkProvider.Stream(ctx, req)
			Expect(err).NotTo(HaveOccurred())
			response1 := drainText(stream1)
			stream1.Close()

			stream2, err := arkProvider.Stream(ctx, req)
			Expect(err).NotTo(HaveOccurred())
			response2 := drainText(stream2)
			stream2.Close()

			Expect(response1).To(Equal(response2))
		})
	})
})

// AnthropicProvider MockLLM tests are skipped because the Anthropic SDK
// blocks connections to private IP addresses (localhost) by design.
// Use ANTHROPIC_API_KEY integration tests instead.
var _ = Describe("AnthropicProvider with MockLLM", func() {
	BeforeEach(func() {
		Skip("Anthropic SDK blocks connections to localhost/private IPs for security")
	})

	It("placeholder test", func() {
	})
})
