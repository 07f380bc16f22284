package agent

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	goopenai "github.com/sashabaranov/go-openai"

	"github.com/financegpt/backend/internal/config"
)

// OpenAIModel adapts the OpenAI chat completion API to eino's chat model
// interface so it can sit in the same chain as the Ark model.
type OpenAIModel struct {
	client *goopenai.Client
	model  string
}

var _ model.ChatModel = (*OpenAIModel)(nil)

// NewOpenAIModel creates a model from cfg. BaseURL selects an OpenAI
// compatible endpoint.
func NewOpenAIModel(cfg config.OpenAIConfig) *OpenAIModel {
	clientCfg := goopenai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &OpenAIModel{
		client: goopenai.NewClientWithConfig(clientCfg),
		model:  cfg.Model,
	}
}

func (m *OpenAIModel) request(input []*schema.Message, opts []model.Option, stream bool) goopenai.ChatCompletionRequest {
	options := model.GetCommonOptions(&model.Options{}, opts...)

	msgs := make([]goopenai.ChatCompletionMessage, 0, len(input))
	for _, msg := range input {
		msgs = append(msgs, goopenai.ChatCompletionMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
		})
	}

	req := goopenai.ChatCompletionRequest{
		Model:    m.model,
		Messages: msgs,
		Stream:   stream,
	}
	if options.Model != nil && *options.Model != "" {
		req.Model = *options.Model
	}
	if options.Temperature != nil {
		req.Temperature = *options.Temperature
	}
	if options.TopP != nil {
		req.TopP = *options.TopP
	}
	if options.MaxTokens != nil {
		req.MaxTokens = *options.MaxTokens
	}
	return req
}

// Generate implements model.BaseChatModel.
func (m *OpenAIModel) Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	resp, err := m.client.CreateChatCompletion(ctx, m.request(input, opts, false))
	if err != nil {
		return nil, fmt.Errorf("openai completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("openai completion: no choices returned")
	}
	return schema.AssistantMessage(resp.Choices[0].Message.Content, nil), nil
}

// Stream implements model.BaseChatModel.
func (m *OpenAIModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	stream, err := m.client.CreateChatCompletionStream(ctx, m.request(input, opts, true))
	if err != nil {
		return nil, fmt.Errorf("openai stream: %w", err)
	}

	sr, sw := schema.Pipe[*schema.Message](8)
	go func() {
		defer sw.Close()
		defer stream.Close()
		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				sw.Send(nil, fmt.Errorf("openai stream: %w", err))
				return
			}
			if len(resp.Choices) == 0 || resp.Choices[0].Delta.Content == "" {
				continue
			}
			if closed := sw.Send(schema.AssistantMessage(resp.Choices[0].Delta.Content, nil), nil); closed {
				return
			}
		}
	}()
	return sr, nil
}

// BindTools is a no-op: market data is prefetched into the prompt.
func (m *OpenAIModel) BindTools([]*schema.ToolInfo) error {
	return nil
}

// NewChatModel builds the model selected by cfg.Provider.
func NewChatModel(ctx context.Context, cfg config.AIConfig) (model.ChatModel, error) {
	switch cfg.Provider {
	case config.ProviderOpenAI:
		if !cfg.OpenAI.Enabled() {
			return nil, errors.New("openai provider selected but OPENAI_API_KEY is not set")
		}
		return NewOpenAIModel(cfg.OpenAI), nil
	default:
		return cfg.Ark.NewChatModel(ctx)
	}
}
