package chat

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/schema"
)

// fakeModel answers with reply, streaming it in chunks when a streaming func is set.
type fakeModel struct {
	chunks []string
	reply  string
	errs   []error
	// streamErr is returned after the chunks were streamed.
	streamErr error

	calls    int
	messages []llms.MessageContent
	opts     llms.CallOptions
}

func (f *fakeModel) GenerateContent(ctx context.Context, msgs []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	f.calls++
	f.messages = msgs
	f.opts = llms.CallOptions{}
	for _, o := range options {
		o(&f.opts)
	}
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	if f.opts.StreamingFunc != nil {
		for _, c := range f.chunks {
			if err := f.opts.StreamingFunc(ctx, []byte(c)); err != nil {
				return nil, err
			}
		}
		if f.streamErr != nil {
			return nil, f.streamErr
		}
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: f.reply}}}, nil
}

func (f *fakeModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, f, prompt, options...)
}

func (f *fakeModel) text(role llms.ChatMessageType) string {
	for _, m := range f.messages {
		if m.Role != role {
			continue
		}
		if t, ok := m.Parts[0].(llms.TextContent); ok {
			return t.Text
		}
	}
	return ""
}

type fakeRetriever struct {
	docs  []schema.Document
	errs  []error
	query string
	calls int
}

func (f *fakeRetriever) GetRelevantDocuments(_ context.Context, query string) ([]schema.Document, error) {
	f.calls++
	f.query = query
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return f.docs, nil
}

type fakeAgent struct {
	reply     string
	err       error
	sessionID string
	input     string
}

func (f *fakeAgent) Invoke(_ context.Context, sessionID, input string) (string, error) {
	f.sessionID = sessionID
	f.input = input
	return f.reply, f.err
}

func newBuilder(model *fakeModel, r schema.Retriever, a AgentInvoker) (*Builder, *string) {
	var requested string
	b := &Builder{
		NewModel: func(id string) llms.Model {
			requested = id
			return model
		},
		Retriever: r,
		Agent:     a,
		Prompt:    InsurancePrompt(),
	}
	return b, &requested
}

func TestBuilder_Build(t *testing.T) {
	tests := []struct {
		name     string
		settings Settings
		noKB     bool
		noAgent  bool
		want     Kind
		wantErr  error
	}{
		{name: "plain", settings: DefaultSettings(), want: KindPlain},
		{name: "knowledge base", settings: Settings{Model: "Amazon-Nova-Pro", UseKnowledgeBase: true}, want: KindRetrievalQA},
		{name: "knowledge base wins over agent", settings: Settings{Model: "Amazon-Nova-Pro", UseKnowledgeBase: true, UseAgent: true}, want: KindRetrievalQA},
		{name: "agent", settings: Settings{Model: "Amazon-Nova-Pro", UseAgent: true}, want: KindAgent},
		{name: "knowledge base missing", settings: Settings{Model: "Amazon-Nova-Pro", UseKnowledgeBase: true}, noKB: true, wantErr: ErrNotConfigured},
		{name: "agent missing", settings: Settings{Model: "Amazon-Nova-Pro", UseAgent: true}, noAgent: true, wantErr: ErrNotConfigured},
		{name: "unknown model", settings: Settings{Model: "GPT-4"}, wantErr: ErrUnknownModel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var r schema.Retriever = &fakeRetriever{}
			var a AgentInvoker = &fakeAgent{}
			if tt.noKB {
				r = nil
			}
			if tt.noAgent {
				a = nil
			}
			b, _ := newBuilder(&fakeModel{}, r, a)

			got, err := b.Build(tt.settings, "session-1")
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Kind())
		})
	}
}

func TestPlainChain_Streams(t *testing.T) {
	model := &fakeModel{chunks: []string{"Hel", "lo"}, reply: "Hello"}
	b, requested := newBuilder(model, nil, nil)

	r, err := b.Build(Settings{Model: "Amazon-Nova-Pro", Temperature: 0.4, MaxTokens: 300, TopP: 0.8}, "s")
	require.NoError(t, err)
	assert.Equal(t, "amazon.nova-pro-v1:0", *requested)

	var tokens []string
	ans, err := r.Invoke(context.Background(), "Hi there", func(_ context.Context, chunk string) error {
		tokens = append(tokens, chunk)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello", ans.Text)
	assert.Empty(t, ans.Sources)
	assert.Equal(t, []string{"Hel", "lo"}, tokens)

	assert.Equal(t, 0.4, model.opts.Temperature)
	assert.Equal(t, 300, model.opts.MaxTokens)
	assert.Equal(t, 0.8, model.opts.TopP)
	assert.Equal(t, "Hi there", model.text(llms.ChatMessageTypeHuman))
	assert.Contains(t, model.text(llms.ChatMessageTypeSystem), "health insurance agent")
}

func TestRetrievalQA_Invoke(t *testing.T) {
	model := &fakeModel{reply: "Dental is covered."}
	ret := &fakeRetriever{docs: []schema.Document{
		{PageContent: "Plan A covers dental.", Metadata: map[string]any{"source": "s3://docs/plan-a.pdf"}},
		{PageContent: "Plan B excludes vision."},
	}}
	b, _ := newBuilder(model, ret, nil)

	r, err := b.Build(Settings{Model: "Claude-3.7-Sonnet", UseKnowledgeBase: true}, "s")
	require.NoError(t, err)

	ans, err := r.Invoke(context.Background(), "Is dental covered?", nil)
	require.NoError(t, err)
	assert.Equal(t, "Is dental covered?", ret.query)
	assert.Equal(t, "Dental is covered.", ans.Text)
	assert.Equal(t, []Source{
		{Name: "Source", Content: "Content: Plan A covers dental.\n", URI: "s3://docs/plan-a.pdf"},
		{Name: "Source", Content: "Content: Plan B excludes vision.\n"},
	}, ans.Sources)

	system := model.text(llms.ChatMessageTypeSystem)
	assert.Contains(t, system, "Plan A covers dental.\n\nPlan B excludes vision.")
	assert.Nil(t, model.opts.StreamingFunc)
}

func TestRetrievalQA_RetrieverError(t *testing.T) {
	model := &fakeModel{}
	ret := &fakeRetriever{errs: []error{errors.New("boom")}}
	b, _ := newBuilder(model, ret, nil)

	r, err := b.Build(Settings{Model: "Claude-3.7-Sonnet", UseKnowledgeBase: true}, "s")
	require.NoError(t, err)

	_, err = r.Invoke(context.Background(), "q", nil)
	assert.EqualError(t, err, "boom")
	assert.Zero(t, model.calls)
}

func TestAgentRunnable_UsesSession(t *testing.T) {
	a := &fakeAgent{reply: "Your claim is approved."}
	b, _ := newBuilder(&fakeModel{}, nil, a)

	r, err := b.Build(Settings{Model: "Claude-3.7-Sonnet", UseAgent: true}, "session-42")
	require.NoError(t, err)

	ans, err := r.Invoke(context.Background(), "Claim status?", nil)
	require.NoError(t, err)
	assert.Equal(t, "Your claim is approved.", ans.Text)
	assert.Equal(t, "session-42", a.sessionID)
	assert.Equal(t, "Claim status?", a.input)
}
