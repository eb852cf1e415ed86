package delegate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

// Tracker keeps the registry of delegated runs, in memory and on disk.
type Tracker struct {
	runs         map[string]*RunRecord
	registryPath string
	autoSave     bool
	logger       zerolog.Logger
	mu           sync.RWMutex

	eventHandlers map[string][]EventHandler
	eventMu       sync.RWMutex
}

// TrackerConfig holds tracker configuration.
type TrackerConfig struct {
	RegistryPath string
	AutoSave     bool
	Logger       zerolog.Logger
}

// NewTracker creates a run tracker.
func NewTracker(cfg TrackerConfig) (*Tracker, error) {
	if cfg.RegistryPath == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		cfg.RegistryPath = filepath.Join(homeDir, ".kirana", "delegates.json")
	}

	return &Tracker{
		runs:          make(map[string]*RunRecord),
		registryPath:  cfg.RegistryPath,
		autoSave:      cfg.AutoSave,
		logger:        cfg.Logger.With().Str("component", "delegate_tracker").Logger(),
		eventHandlers: make(map[string][]EventHandler),
	}, nil
}

// Initialize loads the registry from disk. A missing or corrupt file
// starts an empty registry rather than failing.
func (t *Tracker) Initialize() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, err := os.Stat(t.registryPath); os.IsNotExist(err) {
		t.logger.Info().Msg("registry file does not exist, starting empty")
		return nil
	}

	data, err := os.ReadFile(t.registryPath)
	if err != nil {
		t.logger.Error().Err(err).Msg("failed to read registry file")
		return nil
	}

	var registry registryFile
	if err := json.Unmarshal(data, &registry); err != nil {
		t.logger.Error().Err(err).Msg("failed to parse registry file, starting empty")
		return nil
	}

	for _, run := range registry.Runs {
		t.runs[run.ID] = run
	}

	t.logger.Info().Int("runs", len(t.runs)).Msg("registry loaded")
	return nil
}

// Close saves the registry.
func (t *Tracker) Close() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.save()
}

// Register creates a pending run record and returns its ID.
func (t *Tracker) Register(agent, prompt string) (string, error) {
	runID, err := gonanoid.New()
	if err != nil {
		return "", fmt.Errorf("failed to generate run ID: %w", err)
	}

	record := &RunRecord{
		ID:        runID,
		Agent:     agent,
		Prompt:    prompt,
		Status:    StatusPending,
		StartedAt: time.Now().UnixMilli(),
	}

	t.mu.Lock()
	t.runs[runID] = record
	if t.autoSave {
		if err := t.save(); err != nil {
			t.logger.Error().Err(err).Msg("failed to save registry after registration")
		}
	}
	t.mu.Unlock()

	t.logger.Info().Str("run_id", runID).Str("agent", agent).Msg("run registered")
	t.emit(EventRunRegistered, record)

	return runID, nil
}

// Update records progress for a run. Terminal statuses stamp the
// completion time.
func (t *Tracker) Update(runID string, status Status, output, errMsg string, tokensUsed int64) error {
	t.mu.Lock()

	record, exists := t.runs[runID]
	if !exists {
		t.mu.Unlock()
		return fmt.Errorf("run not found: %s", runID)
	}

	record.Status = status
	if status.IsTerminal() {
		now := time.Now().UnixMilli()
		record.CompletedAt = &now
	}
	if output != "" {
		record.Output = output
	}
	if errMsg != "" {
		record.Error = errMsg
	}
	if tokensUsed > 0 {
		record.TokensUsed = tokensUsed
	}

	if t.autoSave {
		if err := t.save(); err != nil {
			t.logger.Error().Err(err).Msg("failed to save registry after status update")
		}
	}
	t.mu.Unlock()

	t.logger.Info().Str("run_id", runID).Str("status", string(status)).Msg("run updated")
	t.emit(EventRunUpdated, record)

	return nil
}

// RecordDelta broadcasts incremental output from a running delegate to
// event subscribers without touching the persisted record.
func (t *Tracker) RecordDelta(runID, agent, text string) {
	t.emit(EventRunDelta, DeltaEvent{RunID: runID, Agent: agent, Text: text})
}

// Get retrieves a run by ID, or nil.
func (t *Tracker) Get(runID string) *RunRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.runs[runID]
}

// ActiveCount counts pending and running runs.
func (t *Tracker) ActiveCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	count := 0
	for _, record := range t.runs {
		if record.Status == StatusPending || record.Status == StatusRunning {
			count++
		}
	}
	return count
}

// GetStats returns registry statistics.
func (t *Tracker) GetStats() Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	stats := Stats{TotalRuns: len(t.runs)}
	for _, record := range t.runs {
		switch record.Status {
		case StatusPending, StatusRunning:
			stats.ActiveRuns++
		case StatusCompleted:
			stats.CompletedRuns++
		case StatusFailed:
			stats.FailedRuns++
		case StatusAborted:
			stats.AbortedRuns++
		}
	}
	return stats
}

// Cleanup removes terminal runs older than the retention window and
// reports how many were removed.
func (t *Tracker) Cleanup(retention time.Duration) (int, error) {
	if retention <= 0 {
		retention = DefaultRetention
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := time.Now().Add(-retention).UnixMilli()
	removed := 0

	for runID, record := range t.runs {
		if !record.Status.IsTerminal() {
			continue
		}
		if record.CompletedAt != nil && *record.CompletedAt < cutoff {
			delete(t.runs, runID)
			removed++
		}
	}

	if t.autoSave && removed > 0 {
		if err := t.save(); err != nil {
			t.logger.Error().Err(err).Msg("failed to save registry after cleanup")
		}
	}

	t.logger.Info().Int("removed", removed).Msg("cleanup completed")
	return removed, nil
}

// On registers an event handler.
func (t *Tracker) On(eventType string, handler EventHandler) {
	t.eventMu.Lock()
	defer t.eventMu.Unlock()
	t.eventHandlers[eventType] = append(t.eventHandlers[eventType], handler)
}

// Off removes all handlers for an event type.
func (t *Tracker) Off(eventType string) {
	t.eventMu.Lock()
	defer t.eventMu.Unlock()
	delete(t.eventHandlers, eventType)
}

func (t *Tracker) emit(eventType string, data interface{}) {
	t.eventMu.RLock()
	handlers := t.eventHandlers[eventType]
	t.eventMu.RUnlock()

	for _, handler := range handlers {
		handler(data)
	}
}

// save persists the registry with a temp-file-and-rename write. Callers
// hold t.mu. Persistence failures are logged, not propagated; a broken
// disk must not take the session down.
func (t *Tracker) save() error {
	dir := filepath.Dir(t.registryPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		t.logger.Error().Err(err).Msg("failed to create registry directory")
		return nil
	}

	runs := make([]*RunRecord, 0, len(t.runs))
	for _, record := range t.runs {
		runs = append(runs, record)
	}

	registry := registryFile{
		Version:     1,
		Runs:        runs,
		LastUpdated: time.Now().UnixMilli(),
	}

	data, err := json.MarshalIndent(registry, "", "  ")
	if err != nil {
		t.logger.Error().Err(err).Msg("failed to marshal registry")
		return nil
	}

	tempPath := t.registryPath + ".tmp"
	if err := os.WriteFile(tempPath, data, 0600); err != nil {
		t.logger.Error().Err(err).Msg("failed to write temp registry file")
		return nil
	}

	if err := os.Rename(tempPath, t.registryPath); err != nil {
		t.logger.Error().Err(err).Msg("failed to rename registry file")
		os.Remove(tempPath)
		return nil
	}

	t.logger.Debug().Msg("registry saved")
	return nil
}
