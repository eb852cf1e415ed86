package history

import (
	"fmt"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

// Recorder stamps and appends items for one session. It serializes
// appends so that callers on different goroutines cannot interleave a
// turn's ordering guarantees away.
type Recorder struct {
	mu        sync.Mutex
	store     Store
	observer  Observer
	sessionID string
	turn      int
	logger    zerolog.Logger
}

// RecorderConfig holds recorder configuration.
type RecorderConfig struct {
	Store     Store
	SessionID string
	// Observer is optional; nil disables notifications.
	Observer Observer
	Logger   zerolog.Logger
}

// NewRecorder creates a recorder bound to one session.
func NewRecorder(cfg RecorderConfig) (*Recorder, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.SessionID == "" {
		return nil, fmt.Errorf("session ID is required")
	}
	return &Recorder{
		store:     cfg.Store,
		observer:  cfg.Observer,
		sessionID: cfg.SessionID,
		logger: cfg.Logger.With().
			Str("component", "history").
			Str("session_id", cfg.SessionID).
			Logger(),
	}, nil
}

// SessionID returns the session this recorder writes to.
func (r *Recorder) SessionID() string {
	return r.sessionID
}

// BeginTurn advances the turn counter. Items recorded afterwards carry
// the new turn number.
func (r *Recorder) BeginTurn() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.turn++
	return r.turn
}

// Turn reports the current turn number.
func (r *Recorder) Turn() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.turn
}

// Record stamps the item with an ID, session, turn, and timestamp, then
// appends it to the store.
func (r *Recorder) Record(item Item) (Item, error) {
	id, err := gonanoid.New()
	if err != nil {
		return Item{}, fmt.Errorf("failed to generate item ID: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	item.ID = id
	item.SessionID = r.sessionID
	item.Turn = r.turn
	item.CreatedAt = time.Now().UTC()

	if err := r.store.Append(item); err != nil {
		return Item{}, fmt.Errorf("failed to append history item: %w", err)
	}

	if r.observer != nil {
		// A recorded tool call marks the start of its execution; its
		// completion arrives later as a tool_output item. Every other
		// kind is complete the moment it records.
		if item.Kind == KindToolCall {
			r.observer.ItemStarted(item)
		} else {
			r.observer.ItemCompleted(item)
		}
	}

	r.logger.Debug().
		Str("item_id", item.ID).
		Str("kind", string(item.Kind)).
		Int("turn", item.Turn).
		Msg("history item recorded")

	return item, nil
}

// Items returns the session transcript in insertion order.
func (r *Recorder) Items() ([]Item, error) {
	return r.store.Items(r.sessionID)
}

// LastAssistantMessage returns the content of the most recent assistant
// message in the transcript, or false when none exists.
func (r *Recorder) LastAssistantMessage() (string, bool, error) {
	items, err := r.store.Items(r.sessionID)
	if err != nil {
		return "", false, err
	}
	for i := len(items) - 1; i >= 0; i-- {
		if items[i].Kind == KindAssistantMessage {
			return items[i].Content, true, nil
		}
	}
	return "", false, nil
}
