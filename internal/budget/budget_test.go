package budget

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jorge-barreto/docpipe/internal/errs"
)

func TestReserveLLMCall_CeilingHasNoSideEffect(t *testing.T) {
	g := New(Limits{MaxLLMCalls: 3})
	for i := 0; i < 3; i++ {
		require.NoError(t, g.ReserveLLMCall())
	}
	err := g.ReserveLLMCall()
	require.Error(t, err)
	assert.Equal(t, errs.CodeBudgetLLMCalls, errs.CodeOf(err))
	assert.Equal(t, 3, g.Usage().LLMCalls)

	// Still rejected, still no increment.
	require.Error(t, g.ReserveLLMCall())
	assert.Equal(t, 3, g.Usage().LLMCalls)
}

func TestAddLLMTokens(t *testing.T) {
	g := New(Limits{MaxLLMCalls: 10, MaxLLMTokens: 100})
	require.NoError(t, g.RecordLLMCall(60))
	err := g.RecordLLMCall(50)
	require.Error(t, err)
	assert.Equal(t, errs.CodeBudgetLLMTokens, errs.CodeOf(err))
	assert.Equal(t, 110, g.Usage().LLMTokens)

	// Token ceiling exhausted: the next reservation fails before the call.
	err = g.ReserveLLMCall()
	assert.Equal(t, errs.CodeBudgetLLMTokens, errs.CodeOf(err))
	assert.Equal(t, 2, g.Usage().LLMCalls)
}

func TestRecordFileWrite(t *testing.T) {
	g := New(Limits{MaxFileWrites: 2})
	require.NoError(t, g.RecordFileWrite())
	require.NoError(t, g.RecordFileWrite())
	err := g.RecordFileWrite()
	assert.Equal(t, errs.CodeBudgetFileWrites, errs.CodeOf(err))
	assert.Equal(t, 2, g.Usage().FileWrites)
}

func TestRecordPatchAttempt(t *testing.T) {
	g := New(Limits{MaxPatchAttempts: 1})
	require.NoError(t, g.RecordPatchAttempt())
	err := g.RecordPatchAttempt()
	assert.Equal(t, errs.CodeBudgetPatchAttempts, errs.CodeOf(err))
	d, ok := Exceeded(err)
	assert.True(t, ok)
	assert.Equal(t, PatchAttempts, d)
}

func TestCheckElapsed(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	g := New(Limits{MaxElapsed: time.Minute}, WithClock(clock))
	require.NoError(t, g.CheckElapsed())

	now = now.Add(2 * time.Minute)
	err := g.CheckElapsed()
	assert.Equal(t, errs.CodeBudgetElapsed, errs.CodeOf(err))
	assert.False(t, errs.Retryable(err))
}

func TestWithUsage_CarriesResumedElapsed(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	g := New(Limits{MaxElapsed: time.Minute},
		WithClock(func() time.Time { return now }),
		WithUsage(Usage{LLMCalls: 4, ElapsedMS: int64(61 * time.Second / time.Millisecond)}))

	assert.Equal(t, 4, g.Usage().LLMCalls)
	assert.Equal(t, errs.CodeBudgetElapsed, errs.CodeOf(g.CheckElapsed()))
}

func TestZeroLimitIsUnlimited(t *testing.T) {
	g := New(Limits{})
	for i := 0; i < 100; i++ {
		require.NoError(t, g.RecordFileWrite())
	}
}

func TestNilGovernorPermits(t *testing.T) {
	var g *Governor
	assert.NoError(t, g.ReserveLLMCall())
	assert.NoError(t, g.RecordFileWrite())
	assert.NoError(t, g.CheckElapsed())
	assert.Equal(t, Usage{}, g.Usage())
}

func TestConcurrentReservations(t *testing.T) {
	g := New(Limits{MaxLLMCalls: 50})
	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if g.ReserveLLMCall() == nil {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, granted)
	assert.Equal(t, 50, g.Usage().LLMCalls)
}

type recordingObserver struct {
	dims map[string]float64
}

func (r *recordingObserver) ObserveBudget(d string, used, _ float64) { r.dims[d] = used }

func TestObserver(t *testing.T) {
	obs := &recordingObserver{dims: map[string]float64{}}
	g := New(Limits{MaxFileWrites: 5}, WithObserver(obs))
	require.NoError(t, g.RecordFileWrite())
	assert.Equal(t, 1.0, obs.dims["file_writes"])
}
