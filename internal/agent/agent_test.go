package agent

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockagentruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockagentruntime/types"
	"github.com/raphaelgruber/kbctl/internal/awserr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeInvoke struct {
	input *bedrockagentruntime.InvokeAgentInput
	err   error
}

func (f *fakeInvoke) InvokeAgent(_ context.Context, in *bedrockagentruntime.InvokeAgentInput, _ ...func(*bedrockagentruntime.Options)) (*bedrockagentruntime.InvokeAgentOutput, error) {
	f.input = in
	return nil, f.err
}

func TestCollectChunks(t *testing.T) {
	events := make(chan types.ResponseStream, 3)
	events <- &types.ResponseStreamMemberChunk{Value: types.PayloadPart{Bytes: []byte("Most plans ")}}
	events <- &types.ResponseStreamMemberTrace{}
	events <- &types.ResponseStreamMemberChunk{Value: types.PayloadPart{Bytes: []byte("cover checkups.")}}
	close(events)

	got, err := collectChunks(context.Background(), events)
	require.NoError(t, err)
	assert.Equal(t, "Most plans cover checkups.", got)
}

func TestCollectChunks_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := collectChunks(ctx, make(chan types.ResponseStream))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAgent_Invoke_Error(t *testing.T) {
	api := &fakeInvoke{err: &types.ValidationException{Message: aws.String("database is resuming after being auto-paused")}}
	a := New(api, "AGENT", "ALIAS", nil, nil)

	_, err := a.Invoke(context.Background(), "session-1", "hello")
	assert.ErrorIs(t, err, awserr.ErrDatabaseResuming)

	require.NotNil(t, api.input)
	assert.Equal(t, "AGENT", aws.ToString(api.input.AgentId))
	assert.Equal(t, "ALIAS", aws.ToString(api.input.AgentAliasId))
	assert.Equal(t, "session-1", aws.ToString(api.input.SessionId))
	assert.Equal(t, "hello", aws.ToString(api.input.InputText))
}
