// Package hooks runs user-configured shell scripts at turn boundaries.
// A turn-start hook may inject extra input into the turn; a turn-end
// hook may queue input for the next one. Hook failures are reported to
// the caller but never end a turn.
package hooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Events the manager knows about.
const (
	EventTurnStart = "turn_start"
	EventTurnEnd   = "turn_end"
)

// Hook defines a lifecycle event hook.
type Hook struct {
	ID      string
	Event   string
	Script  string
	Timeout time.Duration
	Enabled bool
}

// Outcome is what a hook run produced. A hook that prints a JSON object
// with an "extra_input" key on stdout injects that text into the turn.
type Outcome struct {
	ExtraInput string
	Output     string
}

// Config configures a hook manager.
type Config struct {
	Enabled bool
	Hooks   []Hook
	Logger  zerolog.Logger
}

// Manager executes configured hooks for lifecycle events.
type Manager struct {
	enabled bool
	logger  zerolog.Logger

	mu           sync.RWMutex
	hooksByEvent map[string][]Hook
}

// NewManager creates a hook manager.
func NewManager(cfg Config) (*Manager, error) {
	manager := &Manager{
		enabled:      cfg.Enabled,
		logger:       cfg.Logger.With().Str("component", "hooks").Logger(),
		hooksByEvent: make(map[string][]Hook),
	}

	if !cfg.Enabled {
		return manager, nil
	}

	for _, hook := range cfg.Hooks {
		if !hook.Enabled {
			continue
		}
		event := strings.TrimSpace(hook.Event)
		if event == "" {
			return nil, fmt.Errorf("hook event is required")
		}
		if strings.TrimSpace(hook.Script) == "" {
			return nil, fmt.Errorf("hook script is required for event %q", event)
		}
		manager.hooksByEvent[event] = append(manager.hooksByEvent[event], hook)
	}

	return manager, nil
}

// Trigger executes all hooks registered for an event in registration
// order. Extra input from multiple hooks is concatenated. The returned
// error joins individual hook failures; the outcome is valid either way.
func (m *Manager) Trigger(ctx context.Context, event string, data map[string]interface{}) (Outcome, error) {
	if m == nil || !m.enabled {
		return Outcome{}, nil
	}
	event = strings.TrimSpace(event)
	if event == "" {
		return Outcome{}, fmt.Errorf("event is required")
	}

	m.mu.RLock()
	hooks := append([]Hook(nil), m.hooksByEvent[event]...)
	m.mu.RUnlock()
	if len(hooks) == 0 {
		return Outcome{}, nil
	}

	var outcome Outcome
	var errs []error
	for _, hook := range hooks {
		result, err := m.executeHook(ctx, event, hook, data)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if result.ExtraInput != "" {
			if outcome.ExtraInput != "" {
				outcome.ExtraInput += "\n"
			}
			outcome.ExtraInput += result.ExtraInput
		}
		if result.Output != "" {
			if outcome.Output != "" {
				outcome.Output += "\n"
			}
			outcome.Output += result.Output
		}
	}

	return outcome, errors.Join(errs...)
}

func (m *Manager) executeHook(ctx context.Context, event string, hook Hook, data map[string]interface{}) (Outcome, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	hookID := hook.ID
	if strings.TrimSpace(hookID) == "" {
		hookID = event
	}

	runCtx := ctx
	cancel := func() {}
	if hook.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, hook.Timeout)
	}
	defer cancel()

	cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", hook.Script)
	cmd.Env = buildHookEnvironment(event, data)

	output, err := cmd.CombinedOutput()
	outputText := strings.TrimSpace(string(output))
	if err != nil {
		if outputText != "" {
			return Outcome{}, fmt.Errorf("hook %s failed: %w: %s", hookID, err, outputText)
		}
		return Outcome{}, fmt.Errorf("hook %s failed: %w", hookID, err)
	}

	outcome := parseOutcome(outputText)
	if outputText != "" {
		m.logger.Debug().
			Str("event", event).
			Str("hook_id", hookID).
			Str("output", outputText).
			Msg("hook executed")
	}

	return outcome, nil
}

// parseOutcome reads structured hook output. Non-JSON stdout is kept as
// plain output.
func parseOutcome(stdout string) Outcome {
	if stdout == "" {
		return Outcome{}
	}

	var structured struct {
		ExtraInput string `json:"extra_input"`
	}
	if err := json.Unmarshal([]byte(stdout), &structured); err == nil && structured.ExtraInput != "" {
		return Outcome{ExtraInput: structured.ExtraInput}
	}
	return Outcome{Output: stdout}
}

func buildHookEnvironment(event string, data map[string]interface{}) []string {
	env := append([]string{}, os.Environ()...)
	env = append(env, "KIRANA_HOOK_EVENT="+event)

	if len(data) == 0 {
		return env
	}

	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		envKey := "KIRANA_HOOK_DATA_" + normalizeEnvKey(key)
		env = append(env, envKey+"="+fmt.Sprintf("%v", data[key]))
	}
	return env
}

func normalizeEnvKey(key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return "UNKNOWN"
	}

	upper := strings.ToUpper(key)
	builder := strings.Builder{}
	builder.Grow(len(upper))
	for _, r := range upper {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			builder.WriteRune(r)
			continue
		}
		builder.WriteRune('_')
	}
	return builder.String()
}
