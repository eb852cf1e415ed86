package modelstream

import (
	"context"
	"errors"
	"sync"
)

// ErrStreamClosed is returned by Push after Close.
var ErrStreamClosed = errors.New("stream closed")

// ErrStreamDone is returned by Next once the terminal item has been
// consumed and the producer has closed the stream.
var ErrStreamDone = errors.New("stream done")

// Stream is a single-producer ordered item channel. The producer pushes
// items then closes; the consumer pulls with Next until ErrStreamDone.
type Stream struct {
	items chan Item

	closeOnce sync.Once
}

// NewStream creates a stream with a small buffer so providers can stay
// a few items ahead of the consumer.
func NewStream() *Stream {
	return &Stream{items: make(chan Item, 16)}
}

// Push appends an item. It blocks when the consumer is behind, and
// fails with ErrStreamClosed if the stream was closed underneath the
// producer.
func (s *Stream) Push(item Item) (err error) {
	defer func() {
		if recover() != nil {
			err = ErrStreamClosed
		}
	}()
	s.items <- item
	return nil
}

// Close ends the stream. Safe to call more than once.
func (s *Stream) Close() {
	s.closeOnce.Do(func() {
		close(s.items)
	})
}

// Next returns the next item in stream order. It returns ErrStreamDone
// when the producer has closed the stream, or the context error when
// ctx is cancelled first.
func (s *Stream) Next(ctx context.Context) (Item, error) {
	select {
	case item, ok := <-s.items:
		if !ok {
			return Item{}, ErrStreamDone
		}
		return item, nil
	case <-ctx.Done():
		return Item{}, ctx.Err()
	}
}

// FromItems builds a pre-populated closed stream, used by adapters that
// receive the whole response at once and by test fakes.
func FromItems(items []Item) *Stream {
	s := &Stream{items: make(chan Item, len(items))}
	for _, item := range items {
		s.items <- item
	}
	s.Close()
	return s
}
