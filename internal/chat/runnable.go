package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/prompts"
	"github.com/tmc/langchaingo/schema"
)

// Kind tells the dispatcher how to present a runnable's answer.
type Kind int

const (
	KindPlain Kind = iota
	KindRetrievalQA
	KindAgent
)

func (k Kind) String() string {
	switch k {
	case KindRetrievalQA:
		return "retrieval_qa"
	case KindAgent:
		return "agent"
	default:
		return "plain"
	}
}

// Source is a retrieved passage shown next to an answer.
type Source struct {
	Name    string `json:"name"`
	Content string `json:"content"`
	URI     string `json:"uri,omitempty"`
}

// Answer is a runnable's result.
type Answer struct {
	Text    string
	Sources []Source
}

// TokenFunc receives streamed answer fragments.
type TokenFunc func(ctx context.Context, chunk string) error

// Runnable answers one question.
type Runnable interface {
	Kind() Kind
	// Invoke answers question. Only plain runnables call onToken.
	Invoke(ctx context.Context, question string, onToken TokenFunc) (Answer, error)
}

// AgentInvoker is satisfied by agent.Agent.
type AgentInvoker interface {
	Invoke(ctx context.Context, sessionID, input string) (string, error)
}

// ErrNotConfigured is returned when settings ask for a backend the service was started without.
var ErrNotConfigured = errors.New("not configured")

// plainChain formats the prompt with an empty context and streams the model's answer.
type plainChain struct {
	model  llms.Model
	prompt prompts.ChatPromptTemplate
	opts   []llms.CallOption
}

func (c *plainChain) Kind() Kind { return KindPlain }

func (c *plainChain) Invoke(ctx context.Context, question string, onToken TokenFunc) (Answer, error) {
	opts := c.opts
	if onToken != nil {
		opts = append(opts[:len(opts):len(opts)], llms.WithStreamingFunc(func(ctx context.Context, chunk []byte) error {
			return onToken(ctx, string(chunk))
		}))
	}
	text, err := generate(ctx, c.model, c.prompt, map[string]any{varContext: "", varQuestion: question}, opts)
	if err != nil {
		return Answer{}, err
	}
	return Answer{Text: text}, nil
}

// retrievalQA stuffs retrieved passages into the prompt context.
type retrievalQA struct {
	model     llms.Model
	retriever schema.Retriever
	prompt    prompts.ChatPromptTemplate
	opts      []llms.CallOption
}

func (c *retrievalQA) Kind() Kind { return KindRetrievalQA }

func (c *retrievalQA) Invoke(ctx context.Context, question string, _ TokenFunc) (Answer, error) {
	docs, err := c.retriever.GetRelevantDocuments(ctx, question)
	if err != nil {
		return Answer{}, err
	}

	passages := make([]string, len(docs))
	sources := make([]Source, len(docs))
	for i, d := range docs {
		passages[i] = d.PageContent
		sources[i] = Source{Name: "Source", Content: "Content: " + d.PageContent + "\n"}
		if uri, ok := d.Metadata["source"].(string); ok {
			sources[i].URI = uri
		}
	}

	text, err := generate(ctx, c.model, c.prompt, map[string]any{
		varContext:  strings.Join(passages, "\n\n"),
		varQuestion: question,
	}, c.opts)
	if err != nil {
		return Answer{}, err
	}
	return Answer{Text: text, Sources: sources}, nil
}

// agentRunnable forwards the question to a Bedrock agent under the chat session id.
type agentRunnable struct {
	agent     AgentInvoker
	sessionID string
}

func (a *agentRunnable) Kind() Kind { return KindAgent }

func (a *agentRunnable) Invoke(ctx context.Context, question string, _ TokenFunc) (Answer, error) {
	text, err := a.agent.Invoke(ctx, a.sessionID, question)
	if err != nil {
		return Answer{}, err
	}
	return Answer{Text: text}, nil
}

func generate(ctx context.Context, model llms.Model, prompt prompts.ChatPromptTemplate, values map[string]any, opts []llms.CallOption) (string, error) {
	msgs, err := prompt.FormatMessages(values)
	if err != nil {
		return "", fmt.Errorf("format prompt: %w", err)
	}
	content := make([]llms.MessageContent, len(msgs))
	for i, m := range msgs {
		content[i] = llms.TextParts(m.GetType(), m.GetContent())
	}

	resp, err := model.GenerateContent(ctx, content, opts...)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no response choices")
	}
	return resp.Choices[0].Content, nil
}

// Builder assembles runnables from settings.
type Builder struct {
	// NewModel returns a chat model for a Bedrock model id.
	NewModel  func(modelID string) llms.Model
	Retriever schema.Retriever
	Agent     AgentInvoker
	Prompt    prompts.ChatPromptTemplate
}

// Build picks the runnable: knowledge base first, then agent, then the plain chain.
func (b *Builder) Build(s Settings, sessionID string) (Runnable, error) {
	modelID, err := ModelID(s.Model)
	if err != nil {
		return nil, err
	}
	opts := []llms.CallOption{
		llms.WithTemperature(s.Temperature),
		llms.WithMaxTokens(s.MaxTokens),
		llms.WithTopP(s.TopP),
	}

	switch {
	case s.UseKnowledgeBase:
		if b.Retriever == nil {
			return nil, fmt.Errorf("knowledge base: %w", ErrNotConfigured)
		}
		return &retrievalQA{model: b.NewModel(modelID), retriever: b.Retriever, prompt: b.Prompt, opts: opts}, nil
	case s.UseAgent:
		if b.Agent == nil {
			return nil, fmt.Errorf("agent: %w", ErrNotConfigured)
		}
		return &agentRunnable{agent: b.Agent, sessionID: sessionID}, nil
	default:
		return &plainChain{model: b.NewModel(modelID), prompt: b.Prompt, opts: opts}, nil
	}
}
