package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/jorge-barreto/docpipe/internal/budget"
	"github.com/jorge-barreto/docpipe/internal/domain"
	"github.com/jorge-barreto/docpipe/internal/errs"
	"github.com/jorge-barreto/docpipe/internal/fileblocks"
	"github.com/jorge-barreto/docpipe/internal/logging"
)

type recordingSink struct {
	types []domain.EventType
}

func (r *recordingSink) Append(_ context.Context, typ domain.EventType, _ any) (domain.Event, error) {
	r.types = append(r.types, typ)
	return domain.Event{Type: typ}, nil
}

type brokenSink struct{}

func (brokenSink) Append(context.Context, domain.EventType, any) (domain.Event, error) {
	return domain.Event{}, errors.New("disk full")
}

type failingClient struct{ calls int }

func (f *failingClient) Complete(context.Context, Request) (Response, error) {
	f.calls++
	return Response{}, errors.New("connection reset")
}

const prompt = "Write the pages.\n" +
	FileMarker + "drafts/index.md\n# Widget\n\nWidget does things.  \n" +
	FileMarker + "drafts/install.md\n# Install\n"

func TestOffline_Deterministic(t *testing.T) {
	c := NewOffline("")
	a, err := c.Complete(context.Background(), Request{Prompt: prompt})
	require.NoError(t, err)
	b, err := c.Complete(context.Background(), Request{Prompt: prompt})
	require.NoError(t, err)
	assert.Equal(t, a, b)

	blocks := fileblocks.Parse(a.Text)
	require.Len(t, blocks, 2)
	assert.Equal(t, "drafts/index.md", blocks[0].Path)
	assert.Equal(t, "# Widget\n\nWidget does things.", blocks[0].Content)
	assert.Equal(t, "drafts/install.md", blocks[1].Path)
	assert.Positive(t, a.Tokens())
}

func TestOffline_RespectsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewOffline("").Complete(ctx, Request{Prompt: prompt})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestGoverned_RecordsCallsAndEvents(t *testing.T) {
	gov := budget.New(budget.Limits{MaxLLMCalls: 5})
	sink := &recordingSink{}
	g := NewGoverned(NewOffline(""), gov, sink, 0)

	resp, err := g.Complete(context.Background(), Request{Worker: "section_writer", Purpose: "draft", Prompt: prompt})
	require.NoError(t, err)
	u := gov.Usage()
	assert.Equal(t, 1, u.LLMCalls)
	assert.Equal(t, resp.Tokens(), u.LLMTokens)
	assert.Equal(t, []domain.EventType{domain.EventLLMCallStarted, domain.EventLLMCallFinished}, sink.types)
}

func TestGoverned_CallCeilingHasNoSideEffect(t *testing.T) {
	gov := budget.New(budget.Limits{MaxLLMCalls: 1})
	fc := &failingClient{}
	g := NewGoverned(fc, gov, nil, 0)

	_, err := g.Complete(context.Background(), Request{Prompt: "x"})
	require.Error(t, err)
	assert.Equal(t, 1, fc.calls)

	_, err = g.Complete(context.Background(), Request{Prompt: "x"})
	assert.Equal(t, errs.CodeBudgetLLMCalls, errs.CodeOf(err))
	assert.Equal(t, 1, fc.calls, "refused call must not reach the client")
	assert.Equal(t, 1, gov.Usage().LLMCalls)
}

func TestGoverned_ClientErrorIsFixableWorkerError(t *testing.T) {
	g := NewGoverned(&failingClient{}, budget.New(budget.Limits{}), nil, 0)
	_, err := g.Complete(context.Background(), Request{Purpose: "draft"})
	assert.Equal(t, errs.CodeLLMCallFailed, errs.CodeOf(err))
	assert.True(t, errs.Retryable(err))
}

func TestGoverned_TokenCeiling(t *testing.T) {
	gov := budget.New(budget.Limits{MaxLLMTokens: 1})
	sink := &recordingSink{}
	g := NewGoverned(NewOffline(""), gov, sink, 0)
	_, err := g.Complete(context.Background(), Request{Prompt: prompt})
	assert.Equal(t, errs.CodeBudgetLLMTokens, errs.CodeOf(err))
	assert.Contains(t, sink.types, domain.EventBudgetExceeded)
}

func TestGoverned_LogsRefusedEvents(t *testing.T) {
	tl := logging.NewTestLogger()
	g := NewGoverned(NewOffline(""), budget.New(budget.Limits{}), brokenSink{}, 0, WithLogger(tl.Logger))

	_, err := g.Complete(context.Background(), Request{Worker: "section_writer", Purpose: "draft", Prompt: prompt})
	require.NoError(t, err)
	tl.AssertLogged(t, zapcore.WarnLevel, "appending llm event")
	entries := tl.FilterMessage("appending llm event").All()
	require.Len(t, entries, 2)
	assert.Equal(t, string(domain.EventLLMCallStarted), entries[0].ContextMap()["event"])
	assert.Equal(t, "disk full", entries[0].ContextMap()["error"])
}
