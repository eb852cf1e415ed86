package turn

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/kirana/pkg/budget"
	"github.com/harun/kirana/pkg/history"
	"github.com/harun/kirana/pkg/hooks"
	"github.com/harun/kirana/pkg/modelstream"
	"github.com/harun/kirana/pkg/toolruntime"
)

// scriptedClient replays canned responses, one per model call. When the
// script runs out it returns a stream that blocks until cancellation.
type scriptedClient struct {
	mu        sync.Mutex
	responses [][]modelstream.Item
	requests  []modelstream.Request
}

func (c *scriptedClient) Provider() string { return "scripted" }

func (c *scriptedClient) Stream(ctx context.Context, req modelstream.Request) *modelstream.Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)
	if len(c.responses) == 0 {
		return modelstream.NewStream()
	}
	items := c.responses[0]
	c.responses = c.responses[1:]
	return modelstream.FromItems(items)
}

func completed(in, out int64) modelstream.Item {
	return modelstream.Item{Kind: modelstream.ItemCompleted, Usage: &modelstream.Usage{InputTokens: in, OutputTokens: out}}
}

func newTestTask(t *testing.T, client modelstream.Client, b *budget.Budget, hm *hooks.Manager, tools ...toolruntime.Tool) (*Task, *history.Recorder) {
	t.Helper()
	registry := toolruntime.NewRegistry(zerolog.Nop())
	for _, tool := range tools {
		require.NoError(t, registry.Register(tool))
	}
	runtime, err := toolruntime.New(toolruntime.Config{
		Registry: registry,
		Timeout:  5 * time.Second,
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)

	recorder, err := history.NewRecorder(history.RecorderConfig{
		Store:     history.NewMemoryStore(),
		SessionID: "sess-1",
		Logger:    zerolog.Nop(),
	})
	require.NoError(t, err)

	task, err := NewTask(Config{
		Client:   client,
		Model:    "test-model",
		Recorder: recorder,
		Runtime:  runtime,
		Budget:   b,
		Hooks:    hm,
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)
	return task, recorder
}

func upperTool() toolruntime.Tool {
	return toolruntime.Tool{
		Name:        "upper",
		Description: "Uppercase text.",
		Safety:      toolruntime.SafetySafe,
		Parameters: []toolruntime.Parameter{
			{Name: "text", Type: "string", Description: "Text to transform", Required: true},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			text, _ := params["text"].(string)
			out := ""
			for _, r := range text {
				if r >= 'a' && r <= 'z' {
					r -= 32
				}
				out += string(r)
			}
			return out, nil
		},
	}
}

func TestRun(t *testing.T) {
	t.Run("should return the final assistant message", func(t *testing.T) {
		client := &scriptedClient{responses: [][]modelstream.Item{
			{
				{Kind: modelstream.ItemMessage, Text: "hi there"},
				completed(10, 5),
			},
		}}
		task, recorder := newTestTask(t, client, nil, nil)

		message, err := task.Run(context.Background(), "hello")
		require.NoError(t, err)
		require.NotNil(t, message)
		assert.Equal(t, "hi there", *message)
		assert.Equal(t, int64(15), task.TokensUsed())

		items, err := recorder.Items()
		require.NoError(t, err)
		require.Len(t, items, 2)
		assert.Equal(t, history.KindUserMessage, items[0].Kind)
		assert.Equal(t, history.KindAssistantMessage, items[1].Kind)
	})

	t.Run("should loop through tool calls and feed results back", func(t *testing.T) {
		client := &scriptedClient{responses: [][]modelstream.Item{
			{
				{Kind: modelstream.ItemToolCall, Call: &modelstream.ToolCall{
					ID:        "call_1",
					Name:      "upper",
					Arguments: map[string]interface{}{"text": "shout"},
				}},
				completed(10, 5),
			},
			{
				{Kind: modelstream.ItemMessage, Text: "the answer is SHOUT"},
				completed(20, 5),
			},
		}}
		task, recorder := newTestTask(t, client, nil, nil, upperTool())

		message, err := task.Run(context.Background(), "uppercase shout")
		require.NoError(t, err)
		require.NotNil(t, message)
		assert.Equal(t, "the answer is SHOUT", *message)

		// The second request must carry the tool result back.
		require.Len(t, client.requests, 2)
		second := client.requests[1]
		var sawResult bool
		for _, msg := range second.Messages {
			if msg.Role == "tool" && msg.ToolCallID == "call_1" {
				sawResult = true
				assert.Equal(t, "SHOUT", msg.Content)
			}
		}
		assert.True(t, sawResult)

		items, err := recorder.Items()
		require.NoError(t, err)
		kinds := make([]history.Kind, len(items))
		for i, item := range items {
			kinds[i] = item.Kind
		}
		assert.Equal(t, []history.Kind{
			history.KindUserMessage,
			history.KindToolCall,
			history.KindToolOutput,
			history.KindAssistantMessage,
		}, kinds)
	})

	t.Run("should advertise registered tools to the model", func(t *testing.T) {
		client := &scriptedClient{responses: [][]modelstream.Item{
			{{Kind: modelstream.ItemMessage, Text: "ok"}, completed(1, 1)},
		}}
		task, _ := newTestTask(t, client, nil, nil, upperTool())

		_, err := task.Run(context.Background(), "x")
		require.NoError(t, err)

		require.Len(t, client.requests, 1)
		require.Len(t, client.requests[0].Tools, 1)
		assert.Equal(t, "upper", client.requests[0].Tools[0].Name)
	})

	t.Run("should return nil without error on cancellation", func(t *testing.T) {
		// Empty script: the stream never produces items.
		client := &scriptedClient{}
		task, _ := newTestTask(t, client, nil, nil)

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(20 * time.Millisecond)
			cancel()
		}()

		message, err := task.Run(ctx, "hello")
		assert.NoError(t, err)
		assert.Nil(t, message)
	})

	t.Run("should surface model failures", func(t *testing.T) {
		client := &scriptedClient{responses: [][]modelstream.Item{
			{{Kind: modelstream.ItemFailed, Err: context.DeadlineExceeded}},
		}}
		task, _ := newTestTask(t, client, nil, nil)

		// A provider-side timeout is a stream failure, not a turn
		// cancellation: the caller sees the error.
		message, err := task.Run(context.Background(), "hello")
		require.Error(t, err)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Nil(t, message)
	})

	t.Run("should charge usage against the session budget", func(t *testing.T) {
		b, err := budget.New(budget.Config{Total: 100, Logger: zerolog.Nop()})
		require.NoError(t, err)

		client := &scriptedClient{responses: [][]modelstream.Item{
			{{Kind: modelstream.ItemMessage, Text: "ok"}, completed(30, 10)},
		}}
		task, _ := newTestTask(t, client, b, nil)

		_, err = task.Run(context.Background(), "x")
		require.NoError(t, err)
		assert.Equal(t, int64(60), b.Remaining())
	})

	t.Run("should record an event when the budget runs out", func(t *testing.T) {
		b, err := budget.New(budget.Config{Total: 10, Logger: zerolog.Nop()})
		require.NoError(t, err)

		client := &scriptedClient{responses: [][]modelstream.Item{
			{{Kind: modelstream.ItemMessage, Text: "ok"}, completed(30, 10)},
		}}
		task, recorder := newTestTask(t, client, b, nil)

		_, err = task.Run(context.Background(), "x")
		require.NoError(t, err)

		items, err := recorder.Items()
		require.NoError(t, err)
		var sawEvent bool
		for _, item := range items {
			if item.Kind == history.KindEvent {
				sawEvent = true
				assert.Contains(t, item.Content, "budget exhausted")
			}
		}
		assert.True(t, sawEvent)
	})
}

func TestRunHooks(t *testing.T) {
	t.Run("should inject start-hook extra input into the turn", func(t *testing.T) {
		hm, err := hooks.NewManager(hooks.Config{
			Enabled: true,
			Logger:  zerolog.Nop(),
			Hooks: []hooks.Hook{
				{
					ID:      "inject",
					Event:   hooks.EventTurnStart,
					Script:  `echo '{"extra_input": "use tabs"}'`,
					Enabled: true,
				},
			},
		})
		require.NoError(t, err)

		client := &scriptedClient{responses: [][]modelstream.Item{
			{{Kind: modelstream.ItemMessage, Text: "ok"}, completed(1, 1)},
		}}
		task, recorder := newTestTask(t, client, nil, hm)

		_, err = task.Run(context.Background(), "format this")
		require.NoError(t, err)

		items, err := recorder.Items()
		require.NoError(t, err)
		require.NotEmpty(t, items)
		assert.Equal(t, history.KindUserMessage, items[0].Kind)
		assert.Contains(t, items[0].Content, "format this")
		assert.Contains(t, items[0].Content, "use tabs")
	})

	t.Run("should queue end-hook extra input for the next turn", func(t *testing.T) {
		hm, err := hooks.NewManager(hooks.Config{
			Enabled: true,
			Logger:  zerolog.Nop(),
			Hooks: []hooks.Hook{
				{
					ID:      "queue",
					Event:   hooks.EventTurnEnd,
					Script:  `echo '{"extra_input": "also run the linter"}'`,
					Enabled: true,
				},
			},
		})
		require.NoError(t, err)

		client := &scriptedClient{responses: [][]modelstream.Item{
			{{Kind: modelstream.ItemMessage, Text: "one"}, completed(1, 1)},
			{{Kind: modelstream.ItemMessage, Text: "two"}, completed(1, 1)},
		}}
		task, recorder := newTestTask(t, client, nil, hm)

		_, err = task.Run(context.Background(), "first")
		require.NoError(t, err)
		_, err = task.Run(context.Background(), "second")
		require.NoError(t, err)

		items, err := recorder.Items()
		require.NoError(t, err)
		var secondUser string
		for _, item := range items {
			if item.Kind == history.KindUserMessage && item.Turn == 2 {
				secondUser = item.Content
			}
		}
		assert.Contains(t, secondUser, "second")
		assert.Contains(t, secondUser, "also run the linter")
	})

	t.Run("should record hook failures as events and keep going", func(t *testing.T) {
		hm, err := hooks.NewManager(hooks.Config{
			Enabled: true,
			Logger:  zerolog.Nop(),
			Hooks: []hooks.Hook{
				{
					ID:      "broken",
					Event:   hooks.EventTurnStart,
					Script:  "exit 1",
					Enabled: true,
				},
			},
		})
		require.NoError(t, err)

		client := &scriptedClient{responses: [][]modelstream.Item{
			{{Kind: modelstream.ItemMessage, Text: "ok"}, completed(1, 1)},
		}}
		task, recorder := newTestTask(t, client, nil, hm)

		message, err := task.Run(context.Background(), "x")
		require.NoError(t, err)
		require.NotNil(t, message)

		items, err := recorder.Items()
		require.NoError(t, err)
		var sawEvent bool
		for _, item := range items {
			if item.Kind == history.KindEvent {
				sawEvent = true
				assert.Contains(t, item.Content, "hook failed")
			}
		}
		assert.True(t, sawEvent)
	})
}
