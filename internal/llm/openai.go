package llm

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// openaiClient is the raw transport: one provider call per gateway call,
// JSON-object response format on both channels. Retry lives a layer above.
type openaiClient struct {
	api         *openai.Client
	model       string
	callTimeout time.Duration
}

func newOpenAIClient(opts Options) *openaiClient {
	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = opts.BaseURL
	}
	return &openaiClient{
		api:         openai.NewClientWithConfig(cfg),
		model:       opts.Model,
		callTimeout: opts.CallTimeout,
	}
}

// Complete performs a text-channel call.
func (c *openaiClient) Complete(ctx context.Context, req Request) (*Response, error) {
	messages := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: req.System},
		{Role: openai.ChatMessageRoleUser, Content: req.User},
	}
	return c.create(ctx, messages, req.Temperature, req.MaxTokens)
}

// VisionComplete performs a vision-channel call with the image inlined as a
// base64 data URL.
func (c *openaiClient) VisionComplete(ctx context.Context, req VisionRequest) (*Response, error) {
	mimeType := req.MimeType
	if mimeType == "" {
		mimeType = "image/png"
	}
	dataURL := fmt.Sprintf("data:%s;base64,%s", mimeType, base64.StdEncoding.EncodeToString(req.ImageBytes))

	messages := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: req.System},
		{
			Role: openai.ChatMessageRoleUser,
			MultiContent: []openai.ChatMessagePart{
				{
					Type: openai.ChatMessagePartTypeImageURL,
					ImageURL: &openai.ChatMessageImageURL{
						URL:    dataURL,
						Detail: openai.ImageURLDetailHigh,
					},
				},
				{Type: openai.ChatMessagePartTypeText, Text: req.User},
			},
		},
	}
	return c.create(ctx, messages, req.Temperature, req.MaxTokens)
}

func (c *openaiClient) create(
	ctx context.Context,
	messages []openai.ChatCompletionMessage,
	temperature float32,
	maxTokens int,
) (*Response, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	start := time.Now()
	resp, err := c.api.CreateChatCompletion(callCtx, openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: temperature,
		MaxTokens:   maxTokens,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return nil, translateAPIError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, &ProviderError{StatusCode: 502, Message: "provider returned no choices"}
	}

	content := resp.Choices[0].Message.Content
	return &Response{
		Content:          content,
		Parsed:           tryParseObject(content),
		PromptTokens:     int64(resp.Usage.PromptTokens),
		CompletionTokens: int64(resp.Usage.CompletionTokens),
		TotalTokens:      int64(resp.Usage.TotalTokens),
		Model:            resp.Model,
		LatencyMs:        time.Since(start).Milliseconds(),
	}, nil
}

// translateAPIError maps go-openai errors onto ProviderError so the retry
// layer can classify them uniformly.
func translateAPIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		retryAfter := 0
		if apiErr.HTTPStatusCode == 429 {
			retryAfter = 1
		}
		return &ProviderError{
			StatusCode: apiErr.HTTPStatusCode,
			Message:    apiErr.Message,
			RetryAfter: retryAfter,
		}
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &ProviderError{StatusCode: reqErr.HTTPStatusCode, Message: reqErr.Error()}
	}
	return err
}

// stripCodeFence removes a single surrounding markdown code fence.
func stripCodeFence(text string) string {
	stripped := strings.TrimSpace(text)
	if !strings.HasPrefix(stripped, "```") {
		return stripped
	}
	lines := strings.Split(stripped, "\n")
	lines = lines[1:]
	if len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "```" {
		lines = lines[:len(lines)-1]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
