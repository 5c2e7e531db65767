// Package anthropic implements model.Client on the Anthropic Claude Messages
// API, as the alternate provider to Bedrock: same wire blocks, same throttle
// classification, different SDK.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"goa.design/microcore/runtime/task/model"
)

const (
	providerName     = "anthropic"
	defaultMaxTokens = 4096
)

type (
	// MessagesClient captures the subset of the Anthropic SDK the adapter
	// uses. Satisfied by *sdk.MessageService.
	MessagesClient interface {
		New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
	}

	// Options configures the adapter.
	Options struct {
		// MaxTokens caps completions when the request does not specify one.
		MaxTokens int

		// Temperature applies when the request leaves it negative.
		Temperature float64
	}

	// Client implements model.Client on top of Claude Messages.
	Client struct {
		msg    MessagesClient
		maxTok int
		temp   float64
	}
)

var _ model.Client = (*Client)(nil)

// New constructs a Client from an Anthropic Messages client.
func New(msg MessagesClient, opts Options) (*Client, error) {
	if msg == nil {
		return nil, errors.New("anthropic client is required")
	}
	maxTok := opts.MaxTokens
	if maxTok <= 0 {
		maxTok = defaultMaxTokens
	}
	return &Client{msg: msg, maxTok: maxTok, temp: opts.Temperature}, nil
}

// NewFromAPIKey constructs a Client using the default Anthropic HTTP client.
func NewFromAPIKey(apiKey string, opts Options) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, opts)
}

// Complete issues one Messages.New call and translates the response.
// Throttling rejections come back wrapped in model.ErrRateLimited.
func (c *Client) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	params, err := c.buildParams(req)
	if err != nil {
		return nil, err
	}
	msg, err := c.msg.New(ctx, *params)
	if err != nil {
		if isRateLimited(err) {
			return nil, fmt.Errorf("%w: %w", model.ErrRateLimited, err)
		}
		return nil, wrapError("messages.new", err)
	}
	return translateResponse(msg)
}

func (c *Client) buildParams(req *model.Request) (*sdk.MessageNewParams, error) {
	if req.Model == "" {
		return nil, errors.New("anthropic: model identifier is required")
	}
	if len(req.Messages) == 0 {
		return nil, errors.New("anthropic: messages are required")
	}

	msgs, err := encodeMessages(req.Messages)
	if err != nil {
		return nil, err
	}
	maxTok := req.MaxTokens
	if maxTok <= 0 {
		maxTok = c.maxTok
	}
	params := &sdk.MessageNewParams{
		Model:     sdk.Model(req.Model),
		MaxTokens: int64(maxTok),
		Messages:  msgs,
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}
	temp := req.Temperature
	if temp < 0 {
		temp = c.temp
	}
	if temp > 0 {
		params.Temperature = sdk.Float(temp)
	}
	if len(req.Tools) > 0 {
		tools, err := encodeTools(req.Tools)
		if err != nil {
			return nil, err
		}
		params.Tools = tools
	}
	return params, nil
}

// encodeMessages merges consecutive same-role messages, same as the Bedrock
// adapter: the Messages API requires strict role alternation.
func encodeMessages(msgs []*model.Message) ([]sdk.MessageParam, error) {
	var out []sdk.MessageParam
	for _, msg := range msgs {
		role := sdk.MessageParamRoleUser
		if msg.Role == model.RoleAssistant {
			role = sdk.MessageParamRoleAssistant
		}
		blocks, err := encodeBlocks(msg.Content)
		if err != nil {
			return nil, err
		}
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content = append(out[n-1].Content, blocks...)
			continue
		}
		out = append(out, sdk.MessageParam{Role: role, Content: blocks})
	}
	return out, nil
}

func encodeBlocks(blocks []model.Block) ([]sdk.ContentBlockParamUnion, error) {
	out := make([]sdk.ContentBlockParamUnion, 0, len(blocks))
	for _, b := range blocks {
		switch v := b.(type) {
		case model.TextBlock:
			out = append(out, sdk.NewTextBlock(v.Text))
		case model.ToolUseBlock:
			input, err := decodeInput(v.Input)
			if err != nil {
				return nil, fmt.Errorf("anthropic: tool input for %s: %w", v.Name, err)
			}
			out = append(out, sdk.NewToolUseBlock(v.ID, input, v.Name))
		case model.ToolResultBlock:
			out = append(out, sdk.NewToolResultBlock(v.ToolUseID, v.Content, v.IsError))
		default:
			return nil, fmt.Errorf("anthropic: unsupported content block %T", b)
		}
	}
	return out, nil
}

func decodeInput(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func encodeTools(specs []*model.ToolSpec) ([]sdk.ToolUnionParam, error) {
	out := make([]sdk.ToolUnionParam, 0, len(specs))
	for _, spec := range specs {
		schema := sdk.ToolInputSchemaParam{}
		if len(spec.InputSchema) > 0 {
			var m map[string]any
			if err := json.Unmarshal(spec.InputSchema, &m); err != nil {
				return nil, fmt.Errorf("anthropic: tool %q schema: %w", spec.Name, err)
			}
			schema.ExtraFields = m
		}
		u := sdk.ToolUnionParamOfTool(schema, spec.Name)
		if u.OfTool != nil && spec.Description != "" {
			u.OfTool.Description = sdk.String(spec.Description)
		}
		out = append(out, u)
	}
	return out, nil
}

func translateResponse(msg *sdk.Message) (*model.Response, error) {
	if msg == nil {
		return nil, errors.New("anthropic: response message is nil")
	}
	blocks := make([]model.Block, 0, len(msg.Content))
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			blocks = append(blocks, model.TextBlock{Text: block.Text})
		case "tool_use":
			blocks = append(blocks, model.ToolUseBlock{
				ID:    block.ID,
				Name:  block.Name,
				Input: json.RawMessage(block.Input),
			})
		}
	}
	return &model.Response{
		Message: &model.Message{
			Role:    model.RoleAssistant,
			Content: blocks,
		},
		StopReason: model.StopReason(msg.StopReason),
		Usage: model.TokenUsage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
			TotalTokens:  int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		},
	}, nil
}

func isRateLimited(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, model.ErrRateLimited) {
		return true
	}
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests
	}
	return false
}

func wrapError(operation string, err error) error {
	status := 0
	msg := ""
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		status = apiErr.StatusCode
		msg = apiErr.Error()
	}
	kind := model.ProviderErrorKindUnknown
	retryable := false
	switch {
	case status == http.StatusBadRequest:
		kind = model.ProviderErrorKindInvalidRequest
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = model.ProviderErrorKindAuth
	case status >= http.StatusInternalServerError:
		kind = model.ProviderErrorKindUnavailable
		retryable = true
	}
	return model.NewProviderError(providerName, operation, status, kind, "", msg, retryable, err)
}
