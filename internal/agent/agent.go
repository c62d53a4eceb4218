// Package agent invokes a Bedrock agent and collects its streamed answer.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockagentruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockagentruntime/types"
	"github.com/raphaelgruber/kbctl/internal/awserr"
	"github.com/raphaelgruber/kbctl/internal/metrics"
)

// InvokeAPI is the part of the bedrockagentruntime client the agent uses.
type InvokeAPI interface {
	InvokeAgent(ctx context.Context, in *bedrockagentruntime.InvokeAgentInput, optFns ...func(*bedrockagentruntime.Options)) (*bedrockagentruntime.InvokeAgentOutput, error)
}

// Agent talks to one agent alias.
type Agent struct {
	api     InvokeAPI
	agentID string
	aliasID string
	logger  *slog.Logger
	metrics *metrics.Collector
}

// New creates an agent client.
func New(api InvokeAPI, agentID, aliasID string, logger *slog.Logger, m *metrics.Collector) *Agent {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Agent{api: api, agentID: agentID, aliasID: aliasID, logger: logger, metrics: m}
}

// Invoke sends input within sessionID and returns the concatenated answer chunks.
func (a *Agent) Invoke(ctx context.Context, sessionID, input string) (string, error) {
	start := time.Now()
	answer, err := a.invoke(ctx, sessionID, input)
	a.metrics.RecordTiming(metrics.OpInvokeAgent, time.Since(start), err)
	if err != nil {
		return "", fmt.Errorf("invoke agent %s: %w", a.agentID, awserr.Wrap(err))
	}
	a.logger.Debug("agent answered", "agent", a.agentID, "session", sessionID, "chars", len(answer))
	return answer, nil
}

func (a *Agent) invoke(ctx context.Context, sessionID, input string) (string, error) {
	out, err := a.api.InvokeAgent(ctx, &bedrockagentruntime.InvokeAgentInput{
		AgentId:      aws.String(a.agentID),
		AgentAliasId: aws.String(a.aliasID),
		SessionId:    aws.String(sessionID),
		InputText:    aws.String(input),
	})
	if err != nil {
		return "", err
	}

	stream := out.GetStream()
	defer stream.Close()

	answer, err := collectChunks(ctx, stream.Events())
	if err != nil {
		return "", err
	}
	return answer, stream.Err()
}

// collectChunks concatenates the payload of every chunk event until the channel closes.
func collectChunks(ctx context.Context, events <-chan types.ResponseStream) (string, error) {
	var sb strings.Builder
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return sb.String(), nil
			}
			if chunk, ok := ev.(*types.ResponseStreamMemberChunk); ok {
				sb.Write(chunk.Value.Bytes)
			}
		}
	}
}
