// Package llm is the boundary to the language-model client. Workers see a
// synchronous Complete call; every call is governed by the run's budget and
// recorded in the event log.
package llm

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/jorge-barreto/docpipe/internal/budget"
	"github.com/jorge-barreto/docpipe/internal/domain"
	"github.com/jorge-barreto/docpipe/internal/errs"
	"github.com/jorge-barreto/docpipe/internal/logging"
)

// Request is one completion request.
type Request struct {
	Worker    string
	Purpose   string
	System    string
	Prompt    string
	MaxTokens int
}

// Response is a completion and its token accounting.
type Response struct {
	Text         string
	Model        string
	InputTokens  int
	OutputTokens int
}

// Tokens returns the total tokens consumed.
func (r Response) Tokens() int { return r.InputTokens + r.OutputTokens }

// Client completes prompts.
type Client interface {
	Complete(ctx context.Context, req Request) (Response, error)
}

// EventSink receives audit events. *state.Store satisfies it.
type EventSink interface {
	Append(ctx context.Context, typ domain.EventType, payload any) (domain.Event, error)
}

// Governed wraps a Client with the budget ceilings, a per-call timeout and
// LLM_CALL_STARTED/LLM_CALL_FINISHED events.
type Governed struct {
	client  Client
	gov     *budget.Governor
	events  EventSink
	timeout time.Duration
	log     *logging.Logger
}

// Option configures a Governed client.
type Option func(*Governed)

// WithLogger sets the logger that reports events the sink refused.
func WithLogger(l *logging.Logger) Option {
	return func(g *Governed) { g.log = l }
}

// NewGoverned wraps client. A zero timeout disables the per-call deadline.
func NewGoverned(client Client, gov *budget.Governor, events EventSink, timeout time.Duration, opts ...Option) *Governed {
	g := &Governed{client: client, gov: gov, events: events, timeout: timeout, log: logging.Nop()}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Complete reserves a call, runs it and records its tokens. A call refused
// by the budget is never made.
func (g *Governed) Complete(ctx context.Context, req Request) (Response, error) {
	if err := g.gov.ReserveLLMCall(); err != nil {
		g.emit(ctx, domain.EventBudgetExceeded, map[string]any{"worker": req.Worker, "code": errs.CodeOf(err)})
		return Response{}, err
	}
	g.emit(ctx, domain.EventLLMCallStarted, map[string]any{"worker": req.Worker, "purpose": req.Purpose})

	callCtx := ctx
	if g.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}
	resp, err := g.client.Complete(callCtx, req)
	if err != nil {
		g.emit(ctx, domain.EventLLMCallFinished, map[string]any{"worker": req.Worker, "purpose": req.Purpose, "error": err.Error()})
		if _, ok := errs.As(err); ok {
			return Response{}, err
		}
		return Response{}, errs.Wrap(err, errs.KindWorker, errs.CodeLLMCallFailed, "model call for "+req.Purpose+" failed").AsFixable()
	}
	tokErr := g.gov.AddLLMTokens(resp.Tokens())
	g.emit(ctx, domain.EventLLMCallFinished, map[string]any{
		"worker":        req.Worker,
		"purpose":       req.Purpose,
		"model":         resp.Model,
		"input_tokens":  resp.InputTokens,
		"output_tokens": resp.OutputTokens,
	})
	if tokErr != nil {
		g.emit(ctx, domain.EventBudgetExceeded, map[string]any{"worker": req.Worker, "code": errs.CodeOf(tokErr)})
		return resp, tokErr
	}
	return resp, nil
}

func (g *Governed) emit(ctx context.Context, typ domain.EventType, payload map[string]any) {
	if g.events == nil {
		return
	}
	if _, err := g.events.Append(ctx, typ, payload); err != nil {
		g.log.Warn(ctx, "appending llm event", zap.String("event", string(typ)), zap.Error(err))
	}
}
