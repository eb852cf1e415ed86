package delegate

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/kirana/pkg/budget"
)

// fakeRunner scripts sub-agent behavior per agent name. A nil agents
// set means every agent is configured.
type fakeRunner struct {
	run    func(ctx context.Context, req RunRequest) (RunResponse, error)
	agents map[string]bool
}

func (f *fakeRunner) RunAgent(ctx context.Context, req RunRequest) (RunResponse, error) {
	return f.run(ctx, req)
}

func (f *fakeRunner) HasAgent(agent string) bool {
	if f.agents == nil {
		return true
	}
	return f.agents[agent]
}

func newTestTracker(t *testing.T) *Tracker {
	t.Helper()
	tracker, err := NewTracker(TrackerConfig{
		RegistryPath: filepath.Join(t.TempDir(), "delegates.json"),
		Logger:       zerolog.Nop(),
	})
	require.NoError(t, err)
	return tracker
}

func newTestOrchestrator(t *testing.T, total int64, runner AgentRunner) (*Orchestrator, *budget.Budget, *Tracker) {
	t.Helper()
	b, err := budget.New(budget.Config{Total: total, Logger: zerolog.Nop()})
	require.NoError(t, err)
	tracker := newTestTracker(t)
	o, err := NewOrchestrator(OrchestratorConfig{
		Tracker:           tracker,
		Runner:            runner,
		Budget:            b,
		DefaultTaskBudget: 100,
		Logger:            zerolog.Nop(),
	})
	require.NoError(t, err)
	return o, b, tracker
}

func TestRunParallel(t *testing.T) {
	t.Run("should return positional results", func(t *testing.T) {
		runner := &fakeRunner{run: func(ctx context.Context, req RunRequest) (RunResponse, error) {
			return RunResponse{Output: "done:" + req.Agent, TokensUsed: 10}, nil
		}}
		o, _, _ := newTestOrchestrator(t, 1000, runner)

		results, err := o.RunParallel(context.Background(), []Task{
			{Agent: "a", Prompt: "p1"},
			{Agent: "b", Prompt: "p2"},
			{Agent: "c", Prompt: "p3"},
		})
		require.NoError(t, err)
		require.Len(t, results, 3)
		for i, agent := range []string{"a", "b", "c"} {
			assert.Equal(t, i, results[i].Index)
			assert.Equal(t, StatusCompleted, results[i].Status)
			assert.Equal(t, "done:"+agent, results[i].Output)
		}
	})

	t.Run("should isolate failures to their own slot", func(t *testing.T) {
		runner := &fakeRunner{run: func(ctx context.Context, req RunRequest) (RunResponse, error) {
			if strings.Contains(req.Prompt, "boom") {
				return RunResponse{TokensUsed: 5}, errors.New("agent crashed")
			}
			return RunResponse{Output: "ok", TokensUsed: 5}, nil
		}}
		o, _, _ := newTestOrchestrator(t, 1000, runner)

		tasks := make([]Task, 5)
		for i := range tasks {
			tasks[i] = Task{Agent: "worker", Prompt: fmt.Sprintf("task %d", i)}
		}
		tasks[2].Prompt = "boom"

		results, err := o.RunParallel(context.Background(), tasks)
		require.NoError(t, err)
		require.Len(t, results, 5)

		for i, result := range results {
			if i == 2 {
				assert.Equal(t, StatusFailed, result.Status)
				assert.Contains(t, result.Error, "agent crashed")
				assert.Empty(t, result.Output)
			} else {
				assert.Equal(t, StatusCompleted, result.Status, "slot %d", i)
				assert.Equal(t, "ok", result.Output)
			}
		}
	})

	t.Run("should reject an unknown agent before any run starts", func(t *testing.T) {
		var started int32
		runner := &fakeRunner{
			agents: map[string]bool{"known": true},
			run: func(ctx context.Context, req RunRequest) (RunResponse, error) {
				atomic.AddInt32(&started, 1)
				return RunResponse{Output: "ok"}, nil
			},
		}
		o, b, tracker := newTestOrchestrator(t, 1000, runner)

		_, err := o.RunParallel(context.Background(), []Task{
			{Agent: "known", Prompt: "p"},
			{Agent: "ghost", Prompt: "p"},
			{Agent: "known", Prompt: "p"},
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown agent profile: ghost")

		// No partial side effects: nothing registered, nothing
		// reserved, no sibling ran.
		assert.Equal(t, int32(0), atomic.LoadInt32(&started))
		assert.Equal(t, 0, tracker.GetStats().TotalRuns)
		assert.Equal(t, int64(1000), b.Remaining())
		assert.NoError(t, b.Reserve("all", 1000))
	})

	t.Run("should forward run deltas to event subscribers", func(t *testing.T) {
		runner := &fakeRunner{run: func(ctx context.Context, req RunRequest) (RunResponse, error) {
			req.Deltas("part one, ")
			req.Deltas("part two")
			return RunResponse{Output: "part one, part two", TokensUsed: 5}, nil
		}}
		o, _, tracker := newTestOrchestrator(t, 1000, runner)

		var mu sync.Mutex
		var deltas []DeltaEvent
		tracker.On(EventRunDelta, func(event interface{}) {
			mu.Lock()
			deltas = append(deltas, event.(DeltaEvent))
			mu.Unlock()
		})

		results, err := o.RunParallel(context.Background(), []Task{{Agent: "writer", Prompt: "p"}})
		require.NoError(t, err)
		require.Len(t, results, 1)

		mu.Lock()
		defer mu.Unlock()
		require.Len(t, deltas, 2)
		assert.Equal(t, "writer", deltas[0].Agent)
		assert.Equal(t, results[0].RunID, deltas[0].RunID)
		assert.Equal(t, "part one, ", deltas[0].Text)
		assert.Equal(t, "part two", deltas[1].Text)
	})

	t.Run("should release every reservation after the join", func(t *testing.T) {
		runner := &fakeRunner{run: func(ctx context.Context, req RunRequest) (RunResponse, error) {
			return RunResponse{Output: "ok", TokensUsed: 40}, nil
		}}
		o, b, _ := newTestOrchestrator(t, 1000, runner)

		_, err := o.RunParallel(context.Background(), []Task{
			{Agent: "a", Prompt: "p"},
			{Agent: "b", Prompt: "p"},
		})
		require.NoError(t, err)

		// Only consumed tokens are gone; unspent reservations returned.
		assert.Equal(t, int64(1000-80), b.Remaining())
		assert.NoError(t, b.Reserve("next", 900))
	})

	t.Run("should refuse the whole fan-out when a reservation fails", func(t *testing.T) {
		var started int
		runner := &fakeRunner{run: func(ctx context.Context, req RunRequest) (RunResponse, error) {
			started++
			return RunResponse{}, nil
		}}
		o, b, _ := newTestOrchestrator(t, 250, runner)

		// Three tasks at the 100-token default exceed the 250 total.
		_, err := o.RunParallel(context.Background(), []Task{
			{Agent: "a", Prompt: "p"},
			{Agent: "b", Prompt: "p"},
			{Agent: "c", Prompt: "p"},
		})
		require.Error(t, err)
		assert.Zero(t, started)
		assert.Equal(t, int64(250), b.Remaining())
	})

	t.Run("should fail a run that overdraws its reservation", func(t *testing.T) {
		runner := &fakeRunner{run: func(ctx context.Context, req RunRequest) (RunResponse, error) {
			return RunResponse{Output: "big", TokensUsed: 500}, nil
		}}
		o, b, _ := newTestOrchestrator(t, 1000, runner)

		results, err := o.RunParallel(context.Background(), []Task{{Agent: "a", Prompt: "p"}})
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, results[0].Status)
		assert.Contains(t, results[0].Error, "reservation")
		// Nothing was deducted for the failed spend.
		assert.Equal(t, int64(1000), b.Remaining())
	})

	t.Run("should mark runs aborted on cancellation", func(t *testing.T) {
		runner := &fakeRunner{run: func(ctx context.Context, req RunRequest) (RunResponse, error) {
			<-ctx.Done()
			return RunResponse{}, ctx.Err()
		}}
		o, _, tracker := newTestOrchestrator(t, 1000, runner)

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(20 * time.Millisecond)
			cancel()
		}()

		results, err := o.RunParallel(ctx, []Task{
			{Agent: "a", Prompt: "p"},
			{Agent: "b", Prompt: "p"},
			{Agent: "c", Prompt: "p"},
		})
		require.NoError(t, err)
		for _, result := range results {
			assert.Equal(t, StatusAborted, result.Status)
			record := tracker.Get(result.RunID)
			require.NotNil(t, record)
			assert.Equal(t, StatusAborted, record.Status)
		}
	})

	t.Run("should validate tasks up front", func(t *testing.T) {
		o, _, _ := newTestOrchestrator(t, 1000, &fakeRunner{})
		_, err := o.RunParallel(context.Background(), nil)
		assert.Error(t, err)
		_, err = o.RunParallel(context.Background(), []Task{{Prompt: "p"}})
		assert.Error(t, err)
		_, err = o.RunParallel(context.Background(), []Task{{Agent: "a"}})
		assert.Error(t, err)
	})
}

func TestRunChain(t *testing.T) {
	t.Run("should reject an unknown agent in any step before running", func(t *testing.T) {
		var started int32
		runner := &fakeRunner{
			agents: map[string]bool{"known": true},
			run: func(ctx context.Context, req RunRequest) (RunResponse, error) {
				atomic.AddInt32(&started, 1)
				return RunResponse{Output: "ok"}, nil
			},
		}
		o, _, tracker := newTestOrchestrator(t, 1000, runner)

		_, err := o.RunChain(context.Background(), []ChainStep{
			{Agent: "known", Prompt: "p"},
			{Parallel: []Task{{Agent: "known", Prompt: "p"}, {Agent: "ghost", Prompt: "p"}}},
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown agent profile: ghost")
		assert.Equal(t, int32(0), atomic.LoadInt32(&started))
		assert.Equal(t, 0, tracker.GetStats().TotalRuns)
	})

	t.Run("should substitute the previous output verbatim", func(t *testing.T) {
		var prompts []string
		runner := &fakeRunner{run: func(ctx context.Context, req RunRequest) (RunResponse, error) {
			prompts = append(prompts, req.Prompt)
			switch {
			case strings.HasPrefix(req.Prompt, "first"):
				return RunResponse{Output: "X", TokensUsed: 1}, nil
			case strings.Contains(req.Prompt, "X"):
				return RunResponse{Output: "Y", TokensUsed: 1}, nil
			default:
				return RunResponse{Output: "Z", TokensUsed: 1}, nil
			}
		}}
		o, _, _ := newTestOrchestrator(t, 1000, runner)

		result, err := o.RunChain(context.Background(), []ChainStep{
			{Agent: "a", Prompt: "first step"},
			{Agent: "b", Prompt: "refine: " + PreviousOutputPlaceholder},
			{Agent: "c", Prompt: "finish: " + PreviousOutputPlaceholder},
		})
		require.NoError(t, err)
		require.Len(t, result.Steps, 3)
		assert.Equal(t, "refine: X", prompts[1])
		assert.Equal(t, "finish: Y", prompts[2])
		assert.Equal(t, "Z", result.Output)
	})

	t.Run("should fall back to the last successful output after a failed step", func(t *testing.T) {
		var prompts []string
		runner := &fakeRunner{run: func(ctx context.Context, req RunRequest) (RunResponse, error) {
			prompts = append(prompts, req.Prompt)
			if strings.HasPrefix(req.Prompt, "fail") {
				return RunResponse{}, errors.New("step broke")
			}
			return RunResponse{Output: "good", TokensUsed: 1}, nil
		}}
		o, _, _ := newTestOrchestrator(t, 1000, runner)

		result, err := o.RunChain(context.Background(), []ChainStep{
			{Agent: "a", Prompt: "start"},
			{Agent: "b", Prompt: "fail " + PreviousOutputPlaceholder},
			{Agent: "c", Prompt: "use " + PreviousOutputPlaceholder},
		})
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, result.Steps[0].Status)
		assert.Equal(t, StatusFailed, result.Steps[1].Status)
		assert.Equal(t, StatusCompleted, result.Steps[2].Status)
		// The third step sees step one's output, not the failure.
		assert.Equal(t, "use good", prompts[2])
	})

	t.Run("should join a parallel step as a positional array", func(t *testing.T) {
		var finalPrompt string
		runner := &fakeRunner{run: func(ctx context.Context, req RunRequest) (RunResponse, error) {
			if strings.HasPrefix(req.Prompt, "summarize") {
				finalPrompt = req.Prompt
				return RunResponse{Output: "summary", TokensUsed: 1}, nil
			}
			return RunResponse{Output: "part:" + req.Agent, TokensUsed: 1}, nil
		}}
		o, _, _ := newTestOrchestrator(t, 1000, runner)

		result, err := o.RunChain(context.Background(), []ChainStep{
			{Parallel: []Task{
				{Agent: "a", Prompt: "p1"},
				{Agent: "b", Prompt: "p2"},
			}},
			{Agent: "c", Prompt: "summarize " + PreviousOutputPlaceholder},
		})
		require.NoError(t, err)
		assert.Equal(t, `summarize ["part:a","part:b"]`, finalPrompt)
		assert.Equal(t, "summary", result.Output)
	})

	t.Run("should reject steps that are both plain and parallel", func(t *testing.T) {
		o, _, _ := newTestOrchestrator(t, 1000, &fakeRunner{})
		_, err := o.RunChain(context.Background(), []ChainStep{
			{Agent: "a", Prompt: "p", Parallel: []Task{{Agent: "b", Prompt: "q"}}},
		})
		assert.Error(t, err)
	})

	t.Run("should stop on cancellation between steps", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		runner := &fakeRunner{run: func(ctx context.Context, req RunRequest) (RunResponse, error) {
			cancel()
			return RunResponse{Output: "first", TokensUsed: 1}, nil
		}}
		o, _, _ := newTestOrchestrator(t, 1000, runner)

		result, err := o.RunChain(ctx, []ChainStep{
			{Agent: "a", Prompt: "one"},
			{Agent: "b", Prompt: "two"},
		})
		assert.ErrorIs(t, err, context.Canceled)
		require.Len(t, result.Steps, 2)
		assert.Equal(t, StatusAborted, result.Steps[1].Status)
	})
}
