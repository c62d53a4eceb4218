// Package llm adapts Bedrock's Converse API to the langchaingo model interface so chains
// and prompts can drive Claude and Nova models.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/raphaelgruber/kbctl/internal/awserr"
	"github.com/raphaelgruber/kbctl/internal/metrics"
	"github.com/tmc/langchaingo/llms"
)

// ErrNoContent is returned when the model produced no text.
var ErrNoContent = errors.New("model returned no content")

// ConverseAPI is the part of the bedrockruntime client the model uses.
type ConverseAPI interface {
	Converse(ctx context.Context, in *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
	ConverseStream(ctx context.Context, in *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseStreamOutput, error)
}

// Guardrail identifies a Bedrock guardrail applied to every call.
type Guardrail struct {
	ID      string
	Version string
}

// Model is a langchaingo llms.Model backed by Bedrock Converse.
type Model struct {
	api       ConverseAPI
	modelID   string
	guardrail *Guardrail
	defaults  llms.CallOptions
	logger    *slog.Logger
	metrics   *metrics.Collector
}

var _ llms.Model = (*Model)(nil)

// Option configures a Model.
type Option func(*Model)

// WithGuardrail attaches a guardrail with tracing enabled. An empty id is ignored.
func WithGuardrail(g Guardrail) Option {
	return func(m *Model) {
		if g.ID != "" {
			m.guardrail = &g
		}
	}
}

// WithDefaults sets inference parameters used when a call does not override them.
func WithDefaults(opts ...llms.CallOption) Option {
	return func(m *Model) {
		for _, o := range opts {
			o(&m.defaults)
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Model) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithMetrics records latency and token usage.
func WithMetrics(c *metrics.Collector) Option {
	return func(m *Model) { m.metrics = c }
}

// New creates a model for a Bedrock model or inference profile id.
func New(api ConverseAPI, modelID string, opts ...Option) *Model {
	m := &Model{
		api:     api,
		modelID: modelID,
		logger:  slog.New(slog.DiscardHandler),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// ModelID returns the Bedrock model id.
func (m *Model) ModelID() string {
	return m.modelID
}

// Call implements the single-prompt form of llms.Model.
func (m *Model) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, m, prompt, options...)
}

// GenerateContent sends messages through Converse, or ConverseStream when a streaming
// function is set.
func (m *Model) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	opts := m.defaults
	for _, o := range options {
		o(&opts)
	}

	system, msgs := convertMessages(messages)
	if len(msgs) == 0 {
		return nil, fmt.Errorf("converse: no user or assistant messages")
	}

	if opts.StreamingFunc != nil {
		return m.stream(ctx, system, msgs, opts)
	}

	input := &bedrockruntime.ConverseInput{
		ModelId:         aws.String(m.modelID),
		Messages:        msgs,
		System:          system,
		InferenceConfig: inferenceConfig(opts),
	}
	if m.guardrail != nil {
		input.GuardrailConfig = &types.GuardrailConfiguration{
			GuardrailIdentifier: aws.String(m.guardrail.ID),
			GuardrailVersion:    aws.String(m.guardrail.Version),
			Trace:               types.GuardrailTraceEnabled,
		}
	}

	start := time.Now()
	out, err := m.api.Converse(ctx, input)
	if err != nil {
		m.metrics.RecordTiming(metrics.OpConverse, time.Since(start), err)
		return nil, fmt.Errorf("converse: %w", awserr.Wrap(err))
	}
	in, outTokens := usage(out.Usage)
	m.metrics.RecordLLMUsage(metrics.OpConverse, time.Since(start), in, outTokens)

	msg, ok := out.Output.(*types.ConverseOutputMemberMessage)
	if !ok {
		return nil, ErrNoContent
	}
	text := joinText(msg.Value.Content)

	m.logger.Debug("converse completed",
		"model", m.modelID,
		"stop_reason", out.StopReason,
		"input_tokens", in,
		"output_tokens", outTokens)

	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{
		Content:    text,
		StopReason: string(out.StopReason),
		GenerationInfo: map[string]any{
			"InputTokens":  int(in),
			"OutputTokens": int(outTokens),
		},
	}}}, nil
}

func (m *Model) stream(ctx context.Context, system []types.SystemContentBlock, msgs []types.Message, opts llms.CallOptions) (*llms.ContentResponse, error) {
	input := &bedrockruntime.ConverseStreamInput{
		ModelId:         aws.String(m.modelID),
		Messages:        msgs,
		System:          system,
		InferenceConfig: inferenceConfig(opts),
	}
	if m.guardrail != nil {
		input.GuardrailConfig = &types.GuardrailStreamConfiguration{
			GuardrailIdentifier: aws.String(m.guardrail.ID),
			GuardrailVersion:    aws.String(m.guardrail.Version),
			Trace:               types.GuardrailTraceEnabled,
		}
	}

	start := time.Now()
	out, err := m.api.ConverseStream(ctx, input)
	if err != nil {
		m.metrics.RecordTiming(metrics.OpConverseStream, time.Since(start), err)
		return nil, fmt.Errorf("converse stream: %w", awserr.Wrap(err))
	}
	stream := out.GetStream()
	defer stream.Close()

	result, err := consumeStream(ctx, stream.Events(), opts.StreamingFunc)
	if err == nil {
		err = stream.Err()
	}
	if err != nil {
		m.metrics.RecordTiming(metrics.OpConverseStream, time.Since(start), err)
		return nil, fmt.Errorf("converse stream: %w", awserr.Wrap(err))
	}
	m.metrics.RecordLLMUsage(metrics.OpConverseStream, time.Since(start), result.inputTokens, result.outputTokens)

	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{
		Content:    result.text,
		StopReason: result.stopReason,
		GenerationInfo: map[string]any{
			"InputTokens":  int(result.inputTokens),
			"OutputTokens": int(result.outputTokens),
		},
	}}}, nil
}

type streamResult struct {
	text         string
	stopReason   string
	inputTokens  int64
	outputTokens int64
}

// consumeStream drains events, forwarding text deltas to fn as they arrive.
func consumeStream(ctx context.Context, events <-chan types.ConverseStreamOutput, fn func(context.Context, []byte) error) (streamResult, error) {
	var res streamResult
	var sb strings.Builder
	for {
		select {
		case <-ctx.Done():
			return res, ctx.Err()
		case ev, ok := <-events:
			if !ok {
				res.text = sb.String()
				return res, nil
			}
			switch e := ev.(type) {
			case *types.ConverseStreamOutputMemberContentBlockDelta:
				if delta, ok := e.Value.Delta.(*types.ContentBlockDeltaMemberText); ok {
					sb.WriteString(delta.Value)
					if err := fn(ctx, []byte(delta.Value)); err != nil {
						return res, err
					}
				}
			case *types.ConverseStreamOutputMemberMessageStop:
				res.stopReason = string(e.Value.StopReason)
			case *types.ConverseStreamOutputMemberMetadata:
				res.inputTokens, res.outputTokens = usage(e.Value.Usage)
			}
		}
	}
}

// convertMessages splits system text from the conversation and maps roles to Converse roles.
func convertMessages(messages []llms.MessageContent) ([]types.SystemContentBlock, []types.Message) {
	var system []types.SystemContentBlock
	var msgs []types.Message
	for _, mc := range messages {
		var blocks []types.ContentBlock
		for _, part := range mc.Parts {
			text, ok := part.(llms.TextContent)
			if !ok || text.Text == "" {
				continue
			}
			if mc.Role == llms.ChatMessageTypeSystem {
				system = append(system, &types.SystemContentBlockMemberText{Value: text.Text})
				continue
			}
			blocks = append(blocks, &types.ContentBlockMemberText{Value: text.Text})
		}
		if len(blocks) == 0 {
			continue
		}

		role := types.ConversationRoleUser
		if mc.Role == llms.ChatMessageTypeAI {
			role = types.ConversationRoleAssistant
		}
		// Converse rejects two consecutive turns from the same role.
		if n := len(msgs); n > 0 && msgs[n-1].Role == role {
			msgs[n-1].Content = append(msgs[n-1].Content, blocks...)
			continue
		}
		msgs = append(msgs, types.Message{Role: role, Content: blocks})
	}
	return system, msgs
}

func inferenceConfig(opts llms.CallOptions) *types.InferenceConfiguration {
	cfg := &types.InferenceConfiguration{}
	if opts.MaxTokens > 0 {
		cfg.MaxTokens = aws.Int32(int32(opts.MaxTokens))
	}
	if opts.Temperature > 0 {
		cfg.Temperature = aws.Float32(float32(opts.Temperature))
	}
	if opts.TopP > 0 {
		cfg.TopP = aws.Float32(float32(opts.TopP))
	}
	if len(opts.StopWords) > 0 {
		cfg.StopSequences = opts.StopWords
	}
	return cfg
}

func joinText(blocks []types.ContentBlock) string {
	var sb strings.Builder
	for _, b := range blocks {
		if t, ok := b.(*types.ContentBlockMemberText); ok {
			sb.WriteString(t.Value)
		}
	}
	return sb.String()
}

func usage(u *types.TokenUsage) (int64, int64) {
	if u == nil {
		return 0, 0
	}
	return int64(aws.ToInt32(u.InputTokens)), int64(aws.ToInt32(u.OutputTokens))
}
