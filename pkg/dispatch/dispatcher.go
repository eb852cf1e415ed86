// Package dispatch routes model output items for one turn: messages
// and reasoning go straight to history, tool calls are recorded in
// stream order and executed concurrently, and their results are drained
// back into history in completion order.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/harun/kirana/pkg/history"
	"github.com/harun/kirana/pkg/modelstream"
	"github.com/harun/kirana/pkg/toolruntime"
)

// Config holds dispatcher configuration.
type Config struct {
	Recorder *history.Recorder
	Runtime  *toolruntime.Runtime
	Logger   zerolog.Logger
}

// Dispatcher owns the tool-call fan-out for a single turn. Create one
// per turn; it is driven from the turn goroutine only.
type Dispatcher struct {
	recorder *history.Recorder
	runtime  *toolruntime.Runtime
	lane     *toolruntime.Lane
	logger   zerolog.Logger

	results    chan toolruntime.Result
	dispatched int
}

// New creates a dispatcher for one turn.
func New(cfg Config) (*Dispatcher, error) {
	if cfg.Recorder == nil {
		return nil, fmt.Errorf("recorder is required")
	}
	if cfg.Runtime == nil {
		return nil, fmt.Errorf("runtime is required")
	}
	return &Dispatcher{
		recorder: cfg.Recorder,
		runtime:  cfg.Runtime,
		lane:     toolruntime.NewLane(),
		logger:   cfg.Logger.With().Str("component", "dispatch").Logger(),
		results:  make(chan toolruntime.Result, 64),
	}, nil
}

// Dispatch consumes one stream item. Messages and reasoning are
// recorded immediately; a tool call is recorded before its execution
// starts, so the transcript always shows calls in stream order even
// when results land out of order.
func (d *Dispatcher) Dispatch(ctx context.Context, item modelstream.Item) error {
	switch item.Kind {
	case modelstream.ItemMessage:
		_, err := d.recorder.Record(history.Item{
			Kind:    history.KindAssistantMessage,
			Content: item.Text,
		})
		return err

	case modelstream.ItemReasoning:
		_, err := d.recorder.Record(history.Item{
			Kind:    history.KindReasoning,
			Content: item.Text,
		})
		return err

	case modelstream.ItemToolCall:
		return d.dispatchCall(ctx, *item.Call)

	default:
		return fmt.Errorf("unexpected stream item kind: %s", item.Kind)
	}
}

func (d *Dispatcher) dispatchCall(ctx context.Context, call modelstream.ToolCall) error {
	args, err := json.Marshal(call.Arguments)
	if err != nil {
		args = []byte("{}")
	}

	if _, err := d.recorder.Record(history.Item{
		Kind:     history.KindToolCall,
		CallID:   call.ID,
		ToolName: call.Name,
		Content:  string(args),
	}); err != nil {
		return err
	}

	// A call without an ID cannot be correlated with its output. Keep
	// it in the transcript as a synthetic failed result instead of
	// dropping it or ending the turn.
	if call.ID == "" {
		d.logger.Warn().Str("tool", call.Name).Msg("tool call missing call ID")
		d.dispatched++
		synthetic := toolruntime.Result{
			ToolName: call.Name,
			Output:   "tool call is missing a call ID",
			Kind:     toolruntime.FailureRespond,
		}
		// Same shape as the execution path: never block the dispatch
		// goroutine on a full results channel.
		go func() {
			select {
			case d.results <- synthetic:
			case <-ctx.Done():
			}
		}()
		return nil
	}

	d.dispatched++
	go func() {
		result := d.runtime.Execute(ctx, call, d.lane)
		select {
		case d.results <- result:
		case <-ctx.Done():
			// Drain stopped; drop the result rather than block.
		}
	}()
	return nil
}

// Drain collects results for every dispatched call in completion order,
// recording each as a tool output. A fatal result is still recorded,
// then returned as an error. Cancellation stops the drain; unharvested
// calls wind down on their own.
func (d *Dispatcher) Drain(ctx context.Context) ([]toolruntime.Result, error) {
	collected := make([]toolruntime.Result, 0, d.dispatched)

	for len(collected) < d.dispatched {
		select {
		case result := <-d.results:
			if _, err := d.recorder.Record(history.Item{
				Kind:     history.KindToolOutput,
				CallID:   result.CallID,
				ToolName: result.ToolName,
				Content:  result.Output,
			}); err != nil {
				return collected, err
			}
			collected = append(collected, result)

			if result.Kind == toolruntime.FailureFatal {
				return collected, fmt.Errorf("tool %s failed fatally: %s", result.ToolName, result.Output)
			}

		case <-ctx.Done():
			d.logger.Debug().
				Int("collected", len(collected)).
				Int("dispatched", d.dispatched).
				Msg("drain cancelled")
			return collected, ctx.Err()
		}
	}

	d.dispatched = 0
	return collected, nil
}

// Pending reports how many dispatched calls have not been drained.
func (d *Dispatcher) Pending() int {
	return d.dispatched
}
