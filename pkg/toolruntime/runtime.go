package toolruntime

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/kirana/internal/observability"
	"github.com/harun/kirana/internal/tracing"
	"github.com/harun/kirana/pkg/modelstream"
)

const maxOutputSize = 10 * 1024

// Lane serializes mutating tool calls within one turn. Acquire blocks
// until the previous holder releases, so at most one unsafe call is in
// flight at a time.
type Lane struct {
	slot chan struct{}
}

// NewLane creates a lane with a single slot.
func NewLane() *Lane {
	return &Lane{slot: make(chan struct{}, 1)}
}

// Acquire takes the slot, or fails with the context error.
func (l *Lane) Acquire(ctx context.Context) error {
	select {
	case l.slot <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees the slot for the next unsafe call.
func (l *Lane) Release() {
	select {
	case <-l.slot:
	default:
	}
}

// Result is the outcome of one tool call. Every call yields a result,
// including failed and aborted ones; the dispatcher records it as the
// call's output.
type Result struct {
	CallID    string
	ToolName  string
	Output    string
	Success   bool
	Kind      FailureKind
	Truncated bool
	Retried   bool
	Duration  time.Duration
}

// Config holds runtime configuration.
type Config struct {
	Registry *Registry
	// Timeout bounds a single handler attempt. Defaults to 30s.
	Timeout time.Duration
	Logger  zerolog.Logger
}

// Runtime executes tool calls against a registry.
type Runtime struct {
	registry *Registry
	timeout  time.Duration
	logger   zerolog.Logger
}

// New creates a tool runtime.
func New(cfg Config) (*Runtime, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	observability.EnsureRegistered()
	return &Runtime{
		registry: cfg.Registry,
		timeout:  timeout,
		logger:   cfg.Logger.With().Str("component", "tool_runtime").Logger(),
	}, nil
}

// Registry returns the runtime's tool registry.
func (r *Runtime) Registry() *Registry {
	return r.registry
}

// Safety reports the declared safety of a tool. Unknown tools report
// safe: they never execute, so they cannot mutate anything.
func (r *Runtime) Safety(toolName string) Safety {
	tool, _ := r.registry.Get(toolName)
	if tool == nil {
		return SafetySafe
	}
	return tool.Safety
}

// Execute runs one tool call to completion. Unsafe tools first take the
// turn's lane so their side effects cannot interleave. A retriable
// failure is retried exactly once; cancellation aborts without retry.
func (r *Runtime) Execute(ctx context.Context, call modelstream.ToolCall, lane *Lane) Result {
	start := time.Now()
	ctx, span := tracing.StartSpan(
		ctx,
		"kirana.toolruntime",
		"tool.execute",
		attribute.String("tool", call.Name),
		attribute.String("call_id", call.ID),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, r.logger).With().Str("tool", call.Name).Str("call_id", call.ID).Logger()

	// Providers send null arguments for zero-parameter calls; the
	// schema expects an object.
	if call.Arguments == nil {
		call.Arguments = map[string]interface{}{}
	}

	tool, schema := r.registry.Get(call.Name)
	if tool == nil {
		logger.Warn().Msg("unknown tool requested")
		return Result{
			CallID:   call.ID,
			ToolName: call.Name,
			Output:   fmt.Sprintf("tool not found: %s", call.Name),
			Kind:     FailureRespond,
			Duration: time.Since(start),
		}
	}

	// Bad arguments become a failed output the model can correct, not
	// a turn-ending error.
	if err := validateParams(schema, call.Arguments); err != nil {
		logger.Warn().Err(err).Msg("parameter validation failed")
		return Result{
			CallID:   call.ID,
			ToolName: call.Name,
			Output:   fmt.Sprintf("parameter validation failed: %v", err),
			Kind:     FailureRespond,
			Duration: time.Since(start),
		}
	}

	if tool.Safety == SafetyUnsafe && lane != nil {
		if err := lane.Acquire(ctx); err != nil {
			return Result{
				CallID:   call.ID,
				ToolName: call.Name,
				Output:   "call aborted",
				Kind:     FailureAborted,
				Duration: time.Since(start),
			}
		}
		defer lane.Release()
	}

	result := r.attempt(ctx, tool, call, logger)
	if result.Kind == FailureRetriable {
		logger.Warn().Str("error", result.Output).Msg("retrying tool call")
		observability.RecordToolRetry(call.Name)
		result = r.attempt(ctx, tool, call, logger)
		result.Retried = true
		if result.Kind == FailureRetriable {
			// Second transient failure is surfaced to the model.
			result.Kind = FailureRespond
		}
	}
	result.Duration = time.Since(start)
	observability.RecordToolExecution(call.Name, result.Duration, result.Success)

	if tool.Safety == SafetyUnsafe {
		status := "failure"
		if result.Success {
			status = "success"
		}
		observability.RecordToolAudit(ctx, call.Name, tracing.GetSessionID(ctx), status, map[string]interface{}{
			"call_id": call.ID,
		})
	}

	logger.Debug().
		Bool("success", result.Success).
		Bool("retried", result.Retried).
		Dur("duration", result.Duration).
		Msg("tool call finished")

	return result
}

func (r *Runtime) attempt(ctx context.Context, tool *Tool, call modelstream.ToolCall, logger zerolog.Logger) Result {
	timeoutCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	resultChan := make(chan interface{}, 1)
	errChan := make(chan error, 1)

	go func() {
		output, err := tool.Handler(timeoutCtx, call.Arguments)
		if err != nil {
			errChan <- err
		} else {
			resultChan <- output
		}
	}()

	select {
	case output := <-resultChan:
		text, truncated := truncateOutput(output)
		if truncated {
			logger.Warn().Msg("tool output truncated")
		}
		return Result{
			CallID:    call.ID,
			ToolName:  call.Name,
			Output:    text,
			Success:   true,
			Truncated: truncated,
		}

	case err := <-errChan:
		kind := Classify(err)
		// A handler error observed after the turn was cancelled is an
		// abort regardless of what the handler returned.
		if ctx.Err() != nil {
			kind = FailureAborted
		}
		logger.Warn().Err(err).Str("kind", string(kind)).Msg("tool call failed")
		return Result{
			CallID:   call.ID,
			ToolName: call.Name,
			Output:   err.Error(),
			Kind:     kind,
		}

	case <-timeoutCtx.Done():
		if ctx.Err() != nil {
			return Result{
				CallID:   call.ID,
				ToolName: call.Name,
				Output:   "call aborted",
				Kind:     FailureAborted,
			}
		}
		return Result{
			CallID:   call.ID,
			ToolName: call.Name,
			Output:   fmt.Sprintf("tool execution timeout after %v", r.timeout),
			Kind:     FailureRetriable,
		}
	}
}

func truncateOutput(output interface{}) (string, bool) {
	str := fmt.Sprintf("%v", output)
	if len(str) <= maxOutputSize {
		return str, false
	}
	return str[:maxOutputSize] + "\n... [output truncated]", true
}
