package turn

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/kirana/pkg/delegate"
	"github.com/harun/kirana/pkg/history"
	"github.com/harun/kirana/pkg/modelstream"
	"github.com/harun/kirana/pkg/toolruntime"
)

func newTestExecutor(t *testing.T, client modelstream.Client, store history.Store) *AgentExecutor {
	t.Helper()
	runtime, err := toolruntime.New(toolruntime.Config{
		Registry: toolruntime.NewRegistry(zerolog.Nop()),
		Timeout:  5 * time.Second,
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)

	executor, err := NewAgentExecutor(AgentExecutorConfig{
		Client:  client,
		Runtime: runtime,
		Store:   store,
		Profiles: map[string]Profile{
			"researcher": {Model: "test-model", SystemPrompt: "You research things."},
		},
		Logger: zerolog.Nop(),
	})
	require.NoError(t, err)
	return executor
}

func TestAgentExecutor(t *testing.T) {
	t.Run("should run a profile and return its output", func(t *testing.T) {
		client := &scriptedClient{responses: [][]modelstream.Item{
			{{Kind: modelstream.ItemMessage, Text: "findings: none"}, completed(40, 20)},
		}}
		executor := newTestExecutor(t, client, history.NewMemoryStore())

		var delta string
		response, err := executor.RunAgent(context.Background(), delegate.RunRequest{
			Agent:  "researcher",
			RunID:  "run-1",
			Prompt: "dig into it",
			Deltas: func(text string) { delta = text },
		})
		require.NoError(t, err)
		assert.Equal(t, "findings: none", response.Output)
		assert.Equal(t, int64(60), response.TokensUsed)
		assert.Equal(t, "findings: none", delta)

		require.Len(t, client.requests, 1)
		assert.Equal(t, "You research things.", client.requests[0].SystemPrompt)
	})

	t.Run("should keep each run in its own transcript", func(t *testing.T) {
		client := &scriptedClient{responses: [][]modelstream.Item{
			{{Kind: modelstream.ItemMessage, Text: "one"}, completed(1, 1)},
			{{Kind: modelstream.ItemMessage, Text: "two"}, completed(1, 1)},
		}}
		store := history.NewMemoryStore()
		executor := newTestExecutor(t, client, store)

		_, err := executor.RunAgent(context.Background(), delegate.RunRequest{Agent: "researcher", RunID: "run-a", Prompt: "first"})
		require.NoError(t, err)
		_, err = executor.RunAgent(context.Background(), delegate.RunRequest{Agent: "researcher", RunID: "run-b", Prompt: "second"})
		require.NoError(t, err)

		itemsA, err := store.Items("run-a")
		require.NoError(t, err)
		itemsB, err := store.Items("run-b")
		require.NoError(t, err)
		require.Len(t, itemsA, 2)
		require.Len(t, itemsB, 2)
		assert.Contains(t, itemsA[0].Content, "first")
		assert.Contains(t, itemsB[0].Content, "second")
	})

	t.Run("should reject unknown profiles", func(t *testing.T) {
		executor := newTestExecutor(t, &scriptedClient{}, history.NewMemoryStore())

		_, err := executor.RunAgent(context.Background(), delegate.RunRequest{Agent: "nope", RunID: "run-1", Prompt: "x"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown agent profile")
	})

	t.Run("should advertise which profiles are configured", func(t *testing.T) {
		executor := newTestExecutor(t, &scriptedClient{}, history.NewMemoryStore())

		assert.True(t, executor.HasAgent("researcher"))
		assert.False(t, executor.HasAgent("nope"))
	})

	t.Run("should report cancellation as an error to the caller", func(t *testing.T) {
		client := &scriptedClient{}
		executor := newTestExecutor(t, client, history.NewMemoryStore())

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(20 * time.Millisecond)
			cancel()
		}()

		_, err := executor.RunAgent(ctx, delegate.RunRequest{Agent: "researcher", RunID: "run-1", Prompt: "x"})
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("should fail when the model produces no message", func(t *testing.T) {
		client := &scriptedClient{responses: [][]modelstream.Item{
			{completed(1, 1)},
		}}
		executor := newTestExecutor(t, client, history.NewMemoryStore())

		_, err := executor.RunAgent(context.Background(), delegate.RunRequest{Agent: "researcher", RunID: "run-1", Prompt: "x"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no output")
	})
}
