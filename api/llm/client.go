// Package llm wraps an OpenAI-compatible provider behind the three
// capabilities the backend needs: streaming chat, embeddings, and
// deterministic single-shot generation.
package llm

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.GetTracerProvider().Tracer("api/llm")

type Config struct {
	BaseURL        string
	APIKey         string
	ChatModel      string
	UtilityModel   string
	EmbeddingModel string
	EmbeddingDim   int
	MaxTokens      int
	Timeout        time.Duration
	HTTPClient     *http.Client
}

// Client is an OpenAI-compatible gateway.
type Client struct {
	api            *openai.Client
	chatModel      string
	utilityModel   string
	embeddingModel string
	embeddingDim   int
	maxTokens      int
}

func NewClient(cfg Config) *Client {
	if cfg.ChatModel == "" {
		cfg.ChatModel = "gpt-4o-mini"
	}
	if cfg.UtilityModel == "" {
		cfg.UtilityModel = cfg.ChatModel
	}
	if cfg.EmbeddingModel == "" {
		cfg.EmbeddingModel = "text-embedding-3-large"
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 4096
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}

	openaiCfg := openai.DefaultConfig(cfg.APIKey)
	openaiCfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	if cfg.HTTPClient != nil {
		openaiCfg.HTTPClient = cfg.HTTPClient
	} else {
		openaiCfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}

	return &Client{
		api:            openai.NewClientWithConfig(openaiCfg),
		chatModel:      cfg.ChatModel,
		utilityModel:   cfg.UtilityModel,
		embeddingModel: cfg.EmbeddingModel,
		embeddingDim:   cfg.EmbeddingDim,
		maxTokens:      cfg.MaxTokens,
	}
}

// StreamResponse starts a streaming completion for prompt. The optional
// instructions string becomes the system message.
func (c *Client) StreamResponse(ctx context.Context, prompt, instructions string) (*Stream, error) {
	var messages []openai.ChatCompletionMessage
	if instructions != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: instructions,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: prompt,
	})

	req := openai.ChatCompletionRequest{
		Model:     c.chatModel,
		Messages:  messages,
		MaxTokens: c.maxTokens,
		Stream:    true,
	}

	streamCtx, cancel := context.WithCancel(ctx)
	upstream, err := c.api.CreateChatCompletionStream(streamCtx, req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("open completion stream: %w", err)
	}

	return newStream(streamCtx, cancel, upstream), nil
}

// Embed returns one embedding vector per input text, in input order.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	ctx, span := tracer.Start(ctx, "llm.embeddings", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.model", c.embeddingModel),
		attribute.Int("llm.request.inputs", len(texts)),
	)

	req := openai.EmbeddingRequest{
		Input:      texts,
		Model:      openai.EmbeddingModel(c.embeddingModel),
		Dimensions: c.embeddingDim,
	}

	resp, err := c.api.CreateEmbeddings(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("create embeddings: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("create embeddings: got %d vectors for %d inputs", len(resp.Data), len(texts))
	}

	vectors := make([][]float32, len(resp.Data))
	for i, d := range resp.Data {
		vectors[i] = d.Embedding
	}
	return vectors, nil
}

// GenerateStructured runs a single non-streaming completion at temperature
// zero and returns the raw text.
func (c *Client) GenerateStructured(ctx context.Context, prompt string) (string, error) {
	ctx, span := tracer.Start(ctx, "llm.generate_structured", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", c.utilityModel))

	req := openai.ChatCompletionRequest{
		Model: c.utilityModel,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		MaxTokens: c.maxTokens,
		// go-openai drops a literal 0 via omitempty.
		Temperature: math.SmallestNonzeroFloat32,
	}

	resp, err := c.api.CreateChatCompletion(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("generate structured: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("generate structured: empty response")
	}

	span.SetAttributes(
		attribute.Int("llm.usage.input_tokens", resp.Usage.PromptTokens),
		attribute.Int("llm.usage.output_tokens", resp.Usage.CompletionTokens),
	)
	return resp.Choices[0].Message.Content, nil
}
