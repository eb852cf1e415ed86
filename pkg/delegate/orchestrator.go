package delegate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/kirana/internal/observability"
	"github.com/harun/kirana/internal/tracing"
	"github.com/harun/kirana/pkg/budget"
)

// PreviousOutputPlaceholder in a chain prompt is replaced with the
// output of the preceding successful step.
const PreviousOutputPlaceholder = "{{previous_output}}"

// OrchestratorConfig holds orchestrator configuration.
type OrchestratorConfig struct {
	Tracker *Tracker
	Runner  AgentRunner
	Budget  *budget.Budget
	// DefaultTaskBudget is the reservation for tasks that do not name
	// one. Defaults to budget.DefaultAgentLimit.
	DefaultTaskBudget int64
	Logger            zerolog.Logger
}

// Orchestrator coordinates delegated runs against the shared budget.
type Orchestrator struct {
	tracker       *Tracker
	runner        AgentRunner
	budget        *budget.Budget
	defaultBudget int64
	logger        zerolog.Logger
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(cfg OrchestratorConfig) (*Orchestrator, error) {
	if cfg.Tracker == nil {
		return nil, errors.New("tracker is required")
	}
	if cfg.Runner == nil {
		return nil, errors.New("runner is required")
	}
	if cfg.Budget == nil {
		return nil, errors.New("budget is required")
	}
	defaultBudget := cfg.DefaultTaskBudget
	if defaultBudget <= 0 {
		defaultBudget = budget.DefaultAgentLimit
	}
	observability.EnsureRegistered()
	return &Orchestrator{
		tracker:       cfg.Tracker,
		runner:        cfg.Runner,
		budget:        cfg.Budget,
		defaultBudget: defaultBudget,
		logger:        cfg.Logger.With().Str("component", "delegate").Logger(),
	}, nil
}

// RunParallel fans tasks out to sub-agents and joins all of them. The
// result slice is positional: results[i] always belongs to tasks[i],
// and one task failing never disturbs its siblings. All budget
// reservations are taken before any task starts; if one reservation
// fails, none run.
func (o *Orchestrator) RunParallel(ctx context.Context, tasks []Task) ([]TaskResult, error) {
	if len(tasks) == 0 {
		return nil, errors.New("at least one task is required")
	}
	for i, task := range tasks {
		if task.Agent == "" {
			return nil, fmt.Errorf("task %d: agent is required", i)
		}
		if task.Prompt == "" {
			return nil, fmt.Errorf("task %d: prompt is required", i)
		}
		// Reject before anything is registered or reserved: an
		// unknown agent must not leave partial side effects.
		if !o.runner.HasAgent(task.Agent) {
			return nil, fmt.Errorf("task %d: unknown agent profile: %s", i, task.Agent)
		}
	}

	runIDs := make([]string, len(tasks))
	for i, task := range tasks {
		runID, err := o.tracker.Register(task.Agent, task.Prompt)
		if err != nil {
			return nil, err
		}
		runIDs[i] = runID

		amount := task.Budget
		if amount <= 0 {
			amount = o.defaultBudget
		}
		if err := o.budget.Reserve(runID, amount); err != nil {
			// Roll back every reservation taken so far.
			for j := 0; j < i; j++ {
				o.budget.Release(runIDs[j])
				o.tracker.Update(runIDs[j], StatusAborted, "", "budget reservation rolled back", 0)
			}
			o.tracker.Update(runID, StatusFailed, "", err.Error(), 0)
			return nil, fmt.Errorf("task %d: %w", i, err)
		}
	}

	o.logger.Info().Int("tasks", len(tasks)).Msg("parallel fan-out started")

	results := make([]TaskResult, len(tasks))
	var wg sync.WaitGroup
	for i, task := range tasks {
		wg.Add(1)
		go func(index int, task Task, runID string) {
			defer wg.Done()
			results[index] = o.runOne(ctx, index, task, runID)
		}(i, task, runIDs[i])
	}
	wg.Wait()

	return results, nil
}

// runOne drives a single delegated run to a terminal state and releases
// its budget reservation.
func (o *Orchestrator) runOne(ctx context.Context, index int, task Task, runID string) TaskResult {
	defer o.budget.Release(runID)

	start := time.Now()
	ctx = tracing.PropagateToRun(ctx, runID, task.Agent)
	logger := tracing.LoggerFromContext(ctx, o.logger)

	result := TaskResult{Index: index, RunID: runID, Agent: task.Agent}

	o.tracker.Update(runID, StatusRunning, "", "", 0)
	observability.SetDelegateActiveRuns(o.tracker.ActiveCount())

	resp, err := o.runner.RunAgent(ctx, RunRequest{
		Agent:  task.Agent,
		RunID:  runID,
		Prompt: task.Prompt,
		Deltas: func(text string) {
			o.tracker.RecordDelta(runID, task.Agent, text)
		},
	})
	result.TokensUsed = resp.TokensUsed

	switch {
	case ctx.Err() != nil:
		result.Status = StatusAborted
		result.Error = ctx.Err().Error()
		o.tracker.Update(runID, StatusAborted, "", result.Error, resp.TokensUsed)

	case err != nil:
		result.Status = StatusFailed
		result.Error = err.Error()
		o.tracker.Update(runID, StatusFailed, "", result.Error, resp.TokensUsed)

	case !o.budget.TryConsume(runID, resp.TokensUsed):
		result.Status = StatusFailed
		result.Error = fmt.Sprintf("run exceeded its token reservation (%d used)", resp.TokensUsed)
		o.tracker.Update(runID, StatusFailed, "", result.Error, resp.TokensUsed)

	default:
		result.Status = StatusCompleted
		result.Output = resp.Output
		o.tracker.Update(runID, StatusCompleted, resp.Output, "", resp.TokensUsed)
	}

	if result.Status != StatusCompleted {
		logger.Warn().Str("status", string(result.Status)).Str("error", result.Error).Msg("delegated run did not complete")
	}
	observability.RecordDelegateRun(task.Agent, string(result.Status), time.Since(start))
	observability.SetDelegateActiveRuns(o.tracker.ActiveCount())
	observability.RecordDelegateAudit(ctx, task.Agent, runID, string(result.Status), map[string]interface{}{
		"tokens_used": result.TokensUsed,
	})

	return result
}

// RunChain runs steps sequentially. Each step's prompt may reference
// the previous step's output through the placeholder; a failed step is
// recorded but the chain continues, substituting the output of the last
// successful step instead.
func (o *Orchestrator) RunChain(ctx context.Context, steps []ChainStep) (ChainResult, error) {
	if len(steps) == 0 {
		return ChainResult{}, errors.New("at least one step is required")
	}
	for i, step := range steps {
		plain := step.Prompt != ""
		parallel := len(step.Parallel) > 0
		if plain == parallel {
			return ChainResult{}, fmt.Errorf("step %d: exactly one of prompt or parallel is required", i)
		}
		if plain && step.Agent == "" {
			return ChainResult{}, fmt.Errorf("step %d: agent is required", i)
		}
		if plain && !o.runner.HasAgent(step.Agent) {
			return ChainResult{}, fmt.Errorf("step %d: unknown agent profile: %s", i, step.Agent)
		}
		for j, task := range step.Parallel {
			if task.Agent == "" {
				return ChainResult{}, fmt.Errorf("step %d task %d: agent is required", i, j)
			}
			if !o.runner.HasAgent(task.Agent) {
				return ChainResult{}, fmt.Errorf("step %d task %d: unknown agent profile: %s", i, j, task.Agent)
			}
		}
	}

	chain := ChainResult{Steps: make([]StepResult, 0, len(steps))}
	previous := ""

	for i, step := range steps {
		if ctx.Err() != nil {
			chain.Steps = append(chain.Steps, StepResult{
				Index:  i,
				Status: StatusAborted,
				Error:  ctx.Err().Error(),
			})
			return chain, ctx.Err()
		}

		var stepResult StepResult
		if step.Prompt != "" {
			stepResult = o.runPlainStep(ctx, i, step, previous)
		} else {
			stepResult = o.runParallelStep(ctx, i, step, previous)
		}
		chain.Steps = append(chain.Steps, stepResult)

		if stepResult.Status == StatusCompleted {
			previous = stepResult.Output
			chain.Output = stepResult.Output
		} else {
			o.logger.Warn().
				Int("step", i).
				Str("status", string(stepResult.Status)).
				Msg("chain step failed, continuing with last successful output")
		}
	}

	return chain, nil
}

func (o *Orchestrator) runPlainStep(ctx context.Context, index int, step ChainStep, previous string) StepResult {
	prompt := strings.ReplaceAll(step.Prompt, PreviousOutputPlaceholder, previous)

	results, err := o.RunParallel(ctx, []Task{{Agent: step.Agent, Prompt: prompt}})
	if err != nil {
		return StepResult{Index: index, Status: StatusFailed, Error: err.Error()}
	}

	result := results[0]
	return StepResult{
		Index:   index,
		Status:  result.Status,
		Output:  result.Output,
		Error:   result.Error,
		Results: results,
	}
}

func (o *Orchestrator) runParallelStep(ctx context.Context, index int, step ChainStep, previous string) StepResult {
	tasks := make([]Task, len(step.Parallel))
	for i, task := range step.Parallel {
		task.Prompt = strings.ReplaceAll(task.Prompt, PreviousOutputPlaceholder, previous)
		tasks[i] = task
	}

	results, err := o.RunParallel(ctx, tasks)
	if err != nil {
		return StepResult{Index: index, Status: StatusFailed, Error: err.Error()}
	}

	// The joined output of a fan-out step is the positional array of
	// task outputs, so the next step can consume all of them.
	outputs := make([]string, len(results))
	failed := 0
	for i, result := range results {
		outputs[i] = result.Output
		if result.Status != StatusCompleted {
			failed++
		}
	}

	status := StatusCompleted
	errMsg := ""
	if failed == len(results) {
		status = StatusFailed
		errMsg = "all parallel tasks failed"
	}

	joined, err := json.Marshal(outputs)
	if err != nil {
		return StepResult{Index: index, Status: StatusFailed, Error: err.Error(), Results: results}
	}

	return StepResult{
		Index:   index,
		Status:  status,
		Output:  string(joined),
		Error:   errMsg,
		Results: results,
	}
}
