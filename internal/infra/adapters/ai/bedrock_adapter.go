package ai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"proposal-pipeline/internal/domain"
	"proposal-pipeline/internal/domain/ports/adapter"
)

var _ adapter.ReasoningService = (*BedrockAdapter)(nil)

// ConverseClient is the subset of *bedrockruntime.Client the adapter uses.
type ConverseClient interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// BedrockAdapter calls the Bedrock Converse API.
type BedrockAdapter struct {
	client    ConverseClient
	modelID   string
	maxTokens int
}

func NewBedrockAdapter(client ConverseClient, modelID string, maxTokens int) *BedrockAdapter {
	return &BedrockAdapter{client: client, modelID: modelID, maxTokens: maxTokens}
}

// NewBedrockAdapterFromRegion loads the default AWS credential chain.
func NewBedrockAdapterFromRegion(ctx context.Context, region, modelID string, maxTokens int) (*BedrockAdapter, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("bedrock: load aws config: %w", err)
	}
	return NewBedrockAdapter(bedrockruntime.NewFromConfig(cfg), modelID, maxTokens), nil
}

func (b *BedrockAdapter) Provider() string { return "bedrock" }

func (b *BedrockAdapter) Invoke(ctx context.Context, req adapter.ReasoningRequest) (*adapter.ReasoningResponse, error) {
	input := &bedrockruntime.ConverseInput{
		ModelId: aws.String(b.modelID),
		Messages: []brtypes.Message{{
			Role:    brtypes.ConversationRoleUser,
			Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: userPrompt(req)}},
		}},
	}
	if req.System != "" {
		input.System = []brtypes.SystemContentBlock{&brtypes.SystemContentBlockMemberText{Value: req.System}}
	}
	if n := maxTokens(req, b.maxTokens); n > 0 {
		input.InferenceConfig = &brtypes.InferenceConfiguration{MaxTokens: aws.Int32(int32(n))}
	}

	out, err := b.client.Converse(ctx, input)
	if err != nil {
		if isBedrockThrottle(err) {
			return nil, fmt.Errorf("bedrock converse: %w: %w", domain.ErrThrottled, err)
		}
		return nil, fmt.Errorf("bedrock converse: %w", err)
	}
	if out == nil {
		return nil, errors.New("bedrock: empty response")
	}

	resp := &adapter.ReasoningResponse{Model: b.modelID}
	if msg, ok := out.Output.(*brtypes.ConverseOutputMemberMessage); ok {
		var sb strings.Builder
		for _, block := range msg.Value.Content {
			if t, ok := block.(*brtypes.ContentBlockMemberText); ok {
				sb.WriteString(t.Value)
			}
		}
		resp.Text = sb.String()
	}
	if u := out.Usage; u != nil {
		resp.Usage = adapter.Usage{
			PromptTokens:     int(aws.ToInt32(u.InputTokens)),
			CompletionTokens: int(aws.ToInt32(u.OutputTokens)),
			TotalTokens:      int(aws.ToInt32(u.TotalTokens)),
		}
	}
	return resp, nil
}

// isBedrockThrottle reports throttling codes and HTTP 429 responses.
func isBedrockThrottle(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException", "ServiceQuotaExceededException":
			return true
		}
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusTooManyRequests {
		return true
	}
	return false
}
