// Package bedrock implements model.Client on the AWS Bedrock Converse API:
// encode the flattened conversation and tool specifications into Converse
// input, translate the response message back into content blocks, and
// classify throttling rejections so the iteration engine can back off.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"goa.design/microcore/runtime/task/model"
	"goa.design/microcore/runtime/task/telemetry"
)

const (
	providerName     = "bedrock"
	defaultMaxTokens = 4096
)

// RuntimeClient mirrors the subset of the AWS Bedrock runtime client the
// adapter needs. It matches *bedrockruntime.Client so callers can pass either
// the real client or a fake in tests.
type RuntimeClient interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// Options configures the adapter.
type Options struct {
	// MaxTokens caps completions when the request does not specify one.
	// Zero or negative uses the adapter default.
	MaxTokens int

	// Temperature applies when the request leaves it negative.
	Temperature float32

	// Logger receives non-fatal diagnostics. Nil means no-op.
	Logger telemetry.Logger
}

// Client implements model.Client on top of Bedrock Converse.
type Client struct {
	runtime RuntimeClient
	maxTok  int
	temp    float32
	logger  telemetry.Logger
}

var _ model.Client = (*Client)(nil)

// New constructs a Client.
func New(runtime RuntimeClient, opts Options) (*Client, error) {
	if runtime == nil {
		return nil, errors.New("bedrock runtime client is required")
	}
	maxTok := opts.MaxTokens
	if maxTok <= 0 {
		maxTok = defaultMaxTokens
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Client{runtime: runtime, maxTok: maxTok, temp: opts.Temperature, logger: logger}, nil
}

// Complete issues one Converse call and translates the result. Throttling
// rejections come back wrapped in model.ErrRateLimited.
func (c *Client) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	input, err := c.buildInput(req)
	if err != nil {
		return nil, err
	}
	output, err := c.runtime.Converse(ctx, input)
	if err != nil {
		if isRateLimited(err) {
			return nil, fmt.Errorf("%w: %w", model.ErrRateLimited, err)
		}
		return nil, wrapError("converse", err)
	}
	return translateResponse(output)
}

func (c *Client) buildInput(req *model.Request) (*bedrockruntime.ConverseInput, error) {
	if req.Model == "" {
		return nil, errors.New("bedrock: model identifier is required")
	}
	if len(req.Messages) == 0 {
		return nil, errors.New("bedrock: messages are required")
	}

	messages, err := encodeMessages(req.Messages)
	if err != nil {
		return nil, err
	}

	maxTok := req.MaxTokens
	if maxTok <= 0 {
		maxTok = c.maxTok
	}
	temp := float32(req.Temperature)
	if req.Temperature < 0 {
		temp = c.temp
	}
	input := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(req.Model),
		Messages: messages,
		InferenceConfig: &brtypes.InferenceConfiguration{
			MaxTokens:   aws.Int32(int32(maxTok)),
			Temperature: aws.Float32(temp),
		},
	}
	if req.System != "" {
		input.System = []brtypes.SystemContentBlock{
			&brtypes.SystemContentBlockMemberText{Value: req.System},
		}
	}
	if len(req.Tools) > 0 {
		cfg, err := encodeTools(req.Tools)
		if err != nil {
			return nil, err
		}
		input.ToolConfig = cfg
	}
	return input, nil
}

// encodeMessages merges consecutive same-role messages: the store keeps each
// inbound text as its own user message while Converse requires alternation.
func encodeMessages(msgs []*model.Message) ([]brtypes.Message, error) {
	var out []brtypes.Message
	for _, msg := range msgs {
		role := brtypes.ConversationRoleUser
		if msg.Role == model.RoleAssistant {
			role = brtypes.ConversationRoleAssistant
		}
		content, err := encodeBlocks(msg.Content)
		if err != nil {
			return nil, err
		}
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content = append(out[n-1].Content, content...)
			continue
		}
		out = append(out, brtypes.Message{Role: role, Content: content})
	}
	return out, nil
}

func encodeBlocks(blocks []model.Block) ([]brtypes.ContentBlock, error) {
	out := make([]brtypes.ContentBlock, 0, len(blocks))
	for _, b := range blocks {
		switch v := b.(type) {
		case model.TextBlock:
			out = append(out, &brtypes.ContentBlockMemberText{Value: v.Text})
		case model.ToolUseBlock:
			doc, err := encodeDocument(v.Input)
			if err != nil {
				return nil, fmt.Errorf("bedrock: encode tool input for %s: %w", v.Name, err)
			}
			out = append(out, &brtypes.ContentBlockMemberToolUse{
				Value: brtypes.ToolUseBlock{
					ToolUseId: aws.String(v.ID),
					Name:      aws.String(v.Name),
					Input:     doc,
				},
			})
		case model.ToolResultBlock:
			result := brtypes.ToolResultBlock{
				ToolUseId: aws.String(v.ToolUseID),
				Content: []brtypes.ToolResultContentBlock{
					&brtypes.ToolResultContentBlockMemberText{Value: v.Content},
				},
			}
			if v.IsError {
				result.Status = brtypes.ToolResultStatusError
			}
			out = append(out, &brtypes.ContentBlockMemberToolResult{Value: result})
		default:
			return nil, fmt.Errorf("bedrock: unsupported content block %T", b)
		}
	}
	return out, nil
}

func encodeTools(specs []*model.ToolSpec) (*brtypes.ToolConfiguration, error) {
	tools := make([]brtypes.Tool, 0, len(specs))
	for _, spec := range specs {
		schema := spec.InputSchema
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object"}`)
		}
		var doc any
		if err := json.Unmarshal(schema, &doc); err != nil {
			return nil, fmt.Errorf("bedrock: tool %s schema: %w", spec.Name, err)
		}
		tools = append(tools, &brtypes.ToolMemberToolSpec{
			Value: brtypes.ToolSpecification{
				Name:        aws.String(spec.Name),
				Description: aws.String(spec.Description),
				InputSchema: &brtypes.ToolInputSchemaMemberJson{
					Value: document.NewLazyDocument(doc),
				},
			},
		})
	}
	return &brtypes.ToolConfiguration{Tools: tools}, nil
}

func encodeDocument(raw json.RawMessage) (document.Interface, error) {
	if len(raw) == 0 {
		raw = json.RawMessage(`{}`)
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return document.NewLazyDocument(v), nil
}

func translateResponse(output *bedrockruntime.ConverseOutput) (*model.Response, error) {
	if output == nil {
		return nil, errors.New("bedrock: response is nil")
	}
	msg, ok := output.Output.(*brtypes.ConverseOutputMemberMessage)
	if !ok {
		return nil, fmt.Errorf("bedrock: unexpected output type %T", output.Output)
	}

	blocks := make([]model.Block, 0, len(msg.Value.Content))
	for _, block := range msg.Value.Content {
		switch v := block.(type) {
		case *brtypes.ContentBlockMemberText:
			blocks = append(blocks, model.TextBlock{Text: v.Value})
		case *brtypes.ContentBlockMemberToolUse:
			blocks = append(blocks, model.ToolUseBlock{
				ID:    aws.ToString(v.Value.ToolUseId),
				Name:  aws.ToString(v.Value.Name),
				Input: decodeDocument(v.Value.Input),
			})
		default:
			return nil, fmt.Errorf("bedrock: unsupported response block %T", block)
		}
	}

	resp := &model.Response{
		Message: &model.Message{
			Role:    model.RoleAssistant,
			Content: blocks,
		},
		StopReason: model.StopReason(output.StopReason),
	}
	if usage := output.Usage; usage != nil {
		resp.Usage = model.TokenUsage{
			InputTokens:  int(aws.ToInt32(usage.InputTokens)),
			OutputTokens: int(aws.ToInt32(usage.OutputTokens)),
			TotalTokens:  int(aws.ToInt32(usage.TotalTokens)),
		}
	}
	return resp, nil
}

func decodeDocument(doc document.Interface) json.RawMessage {
	if doc == nil {
		return nil
	}
	data, err := doc.MarshalSmithyDocument()
	if err != nil || len(data) == 0 {
		return nil
	}
	return json.RawMessage(data)
}

func isRateLimited(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, model.ErrRateLimited) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException":
			return true
		}
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusTooManyRequests {
		return true
	}
	return false
}

func wrapError(operation string, err error) error {
	var (
		status int
		code   string
		msg    string
	)
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code = apiErr.ErrorCode()
		msg = apiErr.ErrorMessage()
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		status = respErr.HTTPStatusCode()
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
	return model.NewProviderError(providerName, operation, status, kind, code, msg, retryable, err)
}
