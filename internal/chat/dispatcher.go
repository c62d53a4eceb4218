package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/raphaelgruber/kbctl/internal/awserr"
	"github.com/raphaelgruber/kbctl/internal/metrics"
	"github.com/raphaelgruber/kbctl/internal/retry"
)

// MessageType labels what the client should do with a Message.
type MessageType string

const (
	MessageSettings     MessageType = "settings"
	MessageLoading      MessageType = "loading"
	MessageLoadingDone  MessageType = "loading_done"
	MessageToken        MessageType = "token"
	MessageAnswer       MessageType = "answer"
	MessageSources      MessageType = "sources"
	MessageResponseTime MessageType = "response_time"
	MessageError        MessageType = "error"
)

// Message is one outbound chat event.
type Message struct {
	Type    MessageType `json:"type"`
	Content string      `json:"content,omitempty"`
	Sources []Source    `json:"sources,omitempty"`
	Widgets []Widget    `json:"widgets,omitempty"`
}

// Sink delivers messages to the user.
type Sink interface {
	Send(ctx context.Context, msg Message) error
}

// User-facing texts.
const (
	loadingRetrieval  = "Retrieving information..."
	loadingAgent      = "Processing your request..."
	sourcesHeader     = "📚 Reference Source (click to show):"
	guardrailRefusal  = "Sorry, the model cannot answer this question."
	errKnowledgeBase  = "I'm having trouble connecting to the knowledge base. Please try again in a moment."
	errAgent          = "I'm having trouble processing your request. Please try again in a moment."
	errGenerate       = "I'm having trouble generating a response. Please try again in a moment."
	responseTimeFmt   = "Response time: %.2fs"
	errNoRunnableText = "Please choose chat settings before sending a message."
)

// Dispatcher holds one chat session's runnable and handles its messages one at a time.
type Dispatcher struct {
	builder   *Builder
	sessionID string
	policy    retry.Policy
	logger    *slog.Logger
	metrics   *metrics.Collector
	now       func() time.Time

	runnable Runnable
	settings Settings
}

// NewDispatcher creates a dispatcher for sessionID using policy for resume retries.
func NewDispatcher(builder *Builder, sessionID string, policy retry.Policy, logger *slog.Logger, m *metrics.Collector) *Dispatcher {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	logger = logger.With("session", sessionID)
	policy.Logger = logger
	return &Dispatcher{
		builder:   builder,
		sessionID: sessionID,
		policy:    policy,
		logger:    logger,
		metrics:   m,
		now:       time.Now,
	}
}

// Configure replaces the session's runnable. On error the previous runnable stays.
func (d *Dispatcher) Configure(s Settings) error {
	r, err := d.builder.Build(s, d.sessionID)
	if err != nil {
		return err
	}
	d.runnable = r
	d.settings = s
	d.logger.Info("chat settings updated",
		"model", s.Model,
		"runnable", r.Kind(),
		"temperature", s.Temperature,
		"max_tokens", s.MaxTokens,
		"top_p", s.TopP)
	return nil
}

// Settings returns the active settings.
func (d *Dispatcher) Settings() Settings {
	return d.settings
}

// Handle answers text. Backend failures become a friendly message on sink and are not
// returned; the error result is reserved for sink failures and cancellation.
func (d *Dispatcher) Handle(ctx context.Context, text string, sink Sink) error {
	start := d.now()
	r := d.runnable
	if r == nil {
		return sink.Send(ctx, Message{Type: MessageError, Content: errNoRunnableText})
	}
	kind := r.Kind()

	if loading := loadingText(kind); loading != "" {
		if err := sink.Send(ctx, Message{Type: MessageLoading, Content: loading}); err != nil {
			return err
		}
	}

	streamed := false
	onToken := func(ctx context.Context, chunk string) error {
		streamed = true
		return sink.Send(ctx, Message{Type: MessageToken, Content: chunk})
	}
	// Once tokens reached the user a retry would repeat them.
	retryable := func(err error) bool {
		return !streamed && awserr.IsDatabaseResuming(err)
	}

	attempt := 0
	answer, err := retry.Do(ctx, d.policy, retryable, func(ctx context.Context) (Answer, error) {
		if attempt > 0 {
			d.metrics.Add(metrics.CounterRetries, 1)
		}
		attempt++
		return r.Invoke(ctx, text, onToken)
	})
	d.metrics.RecordTiming(metrics.OpChatMessage, d.now().Sub(start), err)

	if kind != KindPlain {
		if sendErr := sink.Send(ctx, Message{Type: MessageLoadingDone}); sendErr != nil {
			return sendErr
		}
	}
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		d.logger.Error("chat request failed", "runnable", kind, "error", err)
		return sink.Send(ctx, Message{Type: MessageError, Content: failureText(kind)})
	}

	if err := sink.Send(ctx, Message{Type: MessageAnswer, Content: answer.Text}); err != nil {
		return err
	}

	if kind == KindRetrievalQA && len(answer.Sources) > 0 && !strings.Contains(answer.Text, guardrailRefusal) {
		if err := sink.Send(ctx, Message{Type: MessageSources, Content: sourcesHeader, Sources: answer.Sources}); err != nil {
			return err
		}
	}

	if answer.Text != "" {
		elapsed := d.now().Sub(start).Seconds()
		return sink.Send(ctx, Message{Type: MessageResponseTime, Content: fmt.Sprintf(responseTimeFmt, elapsed)})
	}
	return nil
}

func loadingText(k Kind) string {
	switch k {
	case KindRetrievalQA:
		return loadingRetrieval
	case KindAgent:
		return loadingAgent
	default:
		return ""
	}
}

func failureText(k Kind) string {
	switch k {
	case KindRetrievalQA:
		return errKnowledgeBase
	case KindAgent:
		return errAgent
	default:
		return errGenerate
	}
}
