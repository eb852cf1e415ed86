package modelstream

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStream(t *testing.T) {
	t.Run("should deliver items in push order", func(t *testing.T) {
		s := NewStream()
		go func() {
			s.Push(Item{Kind: ItemReasoning, Text: "thinking"})
			s.Push(Item{Kind: ItemMessage, Text: "hello"})
			s.Push(Item{Kind: ItemToolCall, Call: &ToolCall{ID: "call_1", Name: "exec"}})
			s.Push(Item{Kind: ItemCompleted, Usage: &Usage{InputTokens: 10, OutputTokens: 5}})
			s.Close()
		}()

		ctx := context.Background()
		kinds := []ItemKind{}
		for {
			item, err := s.Next(ctx)
			if errors.Is(err, ErrStreamDone) {
				break
			}
			require.NoError(t, err)
			kinds = append(kinds, item.Kind)
		}
		assert.Equal(t, []ItemKind{ItemReasoning, ItemMessage, ItemToolCall, ItemCompleted}, kinds)
	})

	t.Run("should honor context cancellation in Next", func(t *testing.T) {
		s := NewStream()
		ctx, cancel := context.WithCancel(context.Background())

		done := make(chan error, 1)
		go func() {
			_, err := s.Next(ctx)
			done <- err
		}()

		cancel()
		select {
		case err := <-done:
			assert.ErrorIs(t, err, context.Canceled)
		case <-time.After(time.Second):
			t.Fatal("Next did not return after cancellation")
		}
	})

	t.Run("should reject pushes after close", func(t *testing.T) {
		s := NewStream()
		s.Close()
		assert.ErrorIs(t, s.Push(Item{Kind: ItemMessage}), ErrStreamClosed)
	})

	t.Run("should tolerate double close", func(t *testing.T) {
		s := NewStream()
		s.Close()
		s.Close()
	})
}

func TestFromItems(t *testing.T) {
	t.Run("should replay a canned response", func(t *testing.T) {
		s := FromItems([]Item{
			{Kind: ItemMessage, Text: "done"},
			{Kind: ItemCompleted, Usage: &Usage{InputTokens: 3, OutputTokens: 1}},
		})

		ctx := context.Background()
		first, err := s.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, "done", first.Text)

		second, err := s.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(4), second.Usage.Total())

		_, err = s.Next(ctx)
		assert.ErrorIs(t, err, ErrStreamDone)
	})
}
