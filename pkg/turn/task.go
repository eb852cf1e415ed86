// Package turn drives one user turn end to end: start hook, model
// stream, tool fan-out, drain, end hook. A turn owns its conversation
// state and produces the final assistant message, or nothing when the
// turn is cancelled.
package turn

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/harun/kirana/internal/observability"
	"github.com/harun/kirana/internal/tracing"
	"github.com/harun/kirana/pkg/budget"
	"github.com/harun/kirana/pkg/dispatch"
	"github.com/harun/kirana/pkg/history"
	"github.com/harun/kirana/pkg/hooks"
	"github.com/harun/kirana/pkg/modelstream"
	"github.com/harun/kirana/pkg/toolruntime"
)

// Config holds turn task configuration.
type Config struct {
	Client       modelstream.Client
	Model        string
	SystemPrompt string
	Recorder     *history.Recorder
	Runtime      *toolruntime.Runtime
	// Budget is optional. When set, every completed model call is
	// charged against the session remainder.
	Budget *budget.Budget
	// Hooks is optional.
	Hooks *hooks.Manager
	// MaxRounds bounds the model/tool loop within one turn. Defaults
	// to 10.
	MaxRounds int
	MaxTokens int
	Logger    zerolog.Logger
}

// Task runs turns for one session.
type Task struct {
	client       modelstream.Client
	model        string
	systemPrompt string
	recorder     *history.Recorder
	runtime      *toolruntime.Runtime
	budget       *budget.Budget
	hooks        *hooks.Manager
	maxRounds    int
	maxTokens    int
	logger       zerolog.Logger

	mu           sync.Mutex
	messages     []modelstream.Message
	pendingInput string
	tokensUsed   int64
}

// NewTask creates a turn task.
func NewTask(cfg Config) (*Task, error) {
	if cfg.Client == nil {
		return nil, errors.New("model client is required")
	}
	if cfg.Model == "" {
		return nil, errors.New("model is required")
	}
	if cfg.Recorder == nil {
		return nil, errors.New("recorder is required")
	}
	if cfg.Runtime == nil {
		return nil, errors.New("tool runtime is required")
	}
	maxRounds := cfg.MaxRounds
	if maxRounds <= 0 {
		maxRounds = 10
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	observability.EnsureRegistered()
	return &Task{
		client:       cfg.Client,
		model:        cfg.Model,
		systemPrompt: cfg.SystemPrompt,
		recorder:     cfg.Recorder,
		runtime:      cfg.Runtime,
		budget:       cfg.Budget,
		hooks:        cfg.Hooks,
		maxRounds:    maxRounds,
		maxTokens:    maxTokens,
		logger:       cfg.Logger.With().Str("component", "turn").Logger(),
	}, nil
}

// TokensUsed reports the tokens consumed across all turns of this task.
func (t *Task) TokensUsed() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tokensUsed
}

// Run executes one turn. It returns the final assistant message, or nil
// when the model produced none. A cancelled turn returns (nil, nil):
// partial work is already in history, and the end hook is skipped.
func (t *Task) Run(ctx context.Context, input string) (*string, error) {
	start := time.Now()
	ctx = tracing.NewTurnContext(ctx, t.recorder.SessionID())

	turn := t.recorder.BeginTurn()
	ctx, span := tracing.StartSpan(
		ctx,
		"kirana.turn",
		"turn.run",
		attribute.Int("turn", turn),
	)
	defer span.End()

	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	logger := tracing.LoggerFromContext(ctx, t.logger).With().Int("turn", turn).Logger()

	input = t.applyStartHook(turnCtx, turn, input)

	if _, err := t.recorder.Record(history.Item{
		Kind:    history.KindUserMessage,
		Content: input,
	}); err != nil {
		return nil, err
	}

	t.mu.Lock()
	t.messages = append(t.messages, modelstream.Message{Role: "user", Content: input})
	t.mu.Unlock()

	var lastMessage *string
	for round := 0; round < t.maxRounds; round++ {
		message, calls, err := t.runRound(turnCtx, logger)
		if err != nil {
			// Only the turn's own cancellation is silent. A stream
			// failure that merely wraps a deadline error is still a
			// provider failure and surfaces to the caller.
			if turnCtx.Err() != nil {
				logger.Info().Msg("turn cancelled")
				observability.RecordTurn(time.Since(start), "cancelled")
				return nil, nil
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			observability.RecordTurn(time.Since(start), "error")
			return nil, err
		}
		if message != nil {
			lastMessage = message
		}
		if !calls {
			break
		}
	}

	t.applyEndHook(ctx, turn, lastMessage)

	observability.RecordTurn(time.Since(start), "completed")
	return lastMessage, nil
}

// runRound makes one model call and settles its tool calls. It reports
// whether any tools ran, which keeps the loop going.
func (t *Task) runRound(ctx context.Context, logger zerolog.Logger) (*string, bool, error) {
	dispatcher, err := dispatch.New(dispatch.Config{
		Recorder: t.recorder,
		Runtime:  t.runtime,
		Logger:   logger,
	})
	if err != nil {
		return nil, false, err
	}

	t.mu.Lock()
	req := modelstream.Request{
		Model:        t.model,
		SystemPrompt: t.systemPrompt,
		Messages:     append([]modelstream.Message(nil), t.messages...),
		Tools:        toolSpecs(t.runtime.Registry()),
		MaxTokens:    t.maxTokens,
	}
	t.mu.Unlock()

	stream := t.client.Stream(ctx, req)

	var textParts []string
	var calls []modelstream.ToolCall
	var usage *modelstream.Usage

	for {
		item, err := stream.Next(ctx)
		if errors.Is(err, modelstream.ErrStreamDone) {
			break
		}
		if err != nil {
			return nil, false, err
		}

		switch item.Kind {
		case modelstream.ItemCompleted:
			usage = item.Usage
		case modelstream.ItemFailed:
			return nil, false, fmt.Errorf("model call failed: %w", item.Err)
		case modelstream.ItemMessage:
			textParts = append(textParts, item.Text)
			if err := dispatcher.Dispatch(ctx, item); err != nil {
				return nil, false, err
			}
		case modelstream.ItemToolCall:
			calls = append(calls, *item.Call)
			if err := dispatcher.Dispatch(ctx, item); err != nil {
				return nil, false, err
			}
		default:
			if err := dispatcher.Dispatch(ctx, item); err != nil {
				return nil, false, err
			}
		}
	}

	if usage != nil {
		t.chargeUsage(*usage, logger)
	}

	results, err := dispatcher.Drain(ctx)
	if err != nil {
		return nil, false, err
	}

	var message *string
	if len(textParts) > 0 {
		text := strings.Join(textParts, "\n")
		message = &text
	}

	t.mu.Lock()
	assistant := modelstream.Message{Role: "assistant", ToolCalls: calls}
	if message != nil {
		assistant.Content = *message
	}
	t.messages = append(t.messages, assistant)
	for _, result := range results {
		t.messages = append(t.messages, modelstream.Message{
			Role:       "tool",
			ToolCallID: result.CallID,
			Content:    result.Output,
		})
	}
	t.mu.Unlock()

	return message, len(calls) > 0, nil
}

func (t *Task) chargeUsage(usage modelstream.Usage, logger zerolog.Logger) {
	t.mu.Lock()
	t.tokensUsed += usage.Total()
	t.mu.Unlock()

	observability.RecordTokensConsumed(usage.Total())

	if t.budget == nil {
		return
	}
	if !t.budget.ConsumeGlobal(usage.Total()) {
		logger.Warn().Int64("tokens", usage.Total()).Msg("session budget exhausted")
		t.recorder.Record(history.Item{
			Kind:    history.KindEvent,
			Content: fmt.Sprintf("session token budget exhausted (%d tokens requested)", usage.Total()),
		})
	}
}

// applyStartHook runs the turn-start hook. Queued input from the last
// turn's end hook and any extra input the hook emits are folded into
// the user input. Hook failures become transcript events, never errors.
func (t *Task) applyStartHook(ctx context.Context, turn int, input string) string {
	t.mu.Lock()
	queued := t.pendingInput
	t.pendingInput = ""
	t.mu.Unlock()

	if queued != "" {
		input = input + "\n\n" + queued
	}

	if t.hooks == nil {
		return input
	}

	outcome, err := t.hooks.Trigger(ctx, hooks.EventTurnStart, map[string]interface{}{
		"turn": turn,
	})
	if err != nil {
		t.recorder.Record(history.Item{
			Kind:    history.KindEvent,
			Content: fmt.Sprintf("turn-start hook failed: %v", err),
		})
	}
	if outcome.ExtraInput != "" {
		input = input + "\n\n" + outcome.ExtraInput
	}
	return input
}

// applyEndHook runs the turn-end hook and queues its extra input for
// the next turn.
func (t *Task) applyEndHook(ctx context.Context, turn int, lastMessage *string) {
	if t.hooks == nil {
		return
	}

	data := map[string]interface{}{"turn": turn}
	if lastMessage != nil {
		data["last_message"] = *lastMessage
	}

	outcome, err := t.hooks.Trigger(ctx, hooks.EventTurnEnd, data)
	if err != nil {
		t.recorder.Record(history.Item{
			Kind:    history.KindEvent,
			Content: fmt.Sprintf("turn-end hook failed: %v", err),
		})
	}
	if outcome.ExtraInput != "" {
		t.mu.Lock()
		t.pendingInput = outcome.ExtraInput
		t.mu.Unlock()
	}
}

// toolSpecs converts registry specs into the request shape.
func toolSpecs(registry *toolruntime.Registry) []modelstream.ToolSpec {
	raw := registry.Specs()
	specs := make([]modelstream.ToolSpec, 0, len(raw))
	for _, spec := range raw {
		specs = append(specs, modelstream.ToolSpec{
			Name:        spec["name"].(string),
			Description: spec["description"].(string),
			InputSchema: spec["input_schema"].(map[string]interface{}),
		})
	}
	return specs
}
