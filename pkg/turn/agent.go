package turn

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/harun/kirana/pkg/delegate"
	"github.com/harun/kirana/pkg/history"
	"github.com/harun/kirana/pkg/modelstream"
	"github.com/harun/kirana/pkg/toolruntime"
)

// Profile describes a named sub-agent: the system prompt and model it
// runs with.
type Profile struct {
	Model        string
	SystemPrompt string
	MaxRounds    int
}

// AgentExecutor runs delegated sub-agents as single-turn tasks. Each
// run gets a fresh transcript keyed by its run ID; the shared store
// keeps sub-agent output inspectable next to the parent session.
type AgentExecutor struct {
	client   modelstream.Client
	runtime  *toolruntime.Runtime
	store    history.Store
	profiles map[string]Profile
	logger   zerolog.Logger
}

// AgentExecutorConfig holds executor configuration.
type AgentExecutorConfig struct {
	Client   modelstream.Client
	Runtime  *toolruntime.Runtime
	Store    history.Store
	Profiles map[string]Profile
	Logger   zerolog.Logger
}

// NewAgentExecutor creates an executor for the given agent profiles.
func NewAgentExecutor(cfg AgentExecutorConfig) (*AgentExecutor, error) {
	if cfg.Client == nil {
		return nil, errors.New("model client is required")
	}
	if cfg.Runtime == nil {
		return nil, errors.New("tool runtime is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("history store is required")
	}
	if len(cfg.Profiles) == 0 {
		return nil, errors.New("at least one agent profile is required")
	}
	return &AgentExecutor{
		client:   cfg.Client,
		runtime:  cfg.Runtime,
		store:    cfg.Store,
		profiles: cfg.Profiles,
		logger:   cfg.Logger.With().Str("component", "agent_executor").Logger(),
	}, nil
}

// HasAgent reports whether a profile is configured for the agent.
func (e *AgentExecutor) HasAgent(agent string) bool {
	_, ok := e.profiles[agent]
	return ok
}

// RunAgent executes one delegated run as a single turn and returns its
// final output and token spend.
func (e *AgentExecutor) RunAgent(ctx context.Context, req delegate.RunRequest) (delegate.RunResponse, error) {
	profile, ok := e.profiles[req.Agent]
	if !ok {
		return delegate.RunResponse{}, fmt.Errorf("unknown agent profile: %s", req.Agent)
	}

	recorder, err := history.NewRecorder(history.RecorderConfig{
		Store:     e.store,
		SessionID: req.RunID,
		Logger:    e.logger,
	})
	if err != nil {
		return delegate.RunResponse{}, err
	}

	task, err := NewTask(Config{
		Client:       e.client,
		Model:        profile.Model,
		SystemPrompt: profile.SystemPrompt,
		Recorder:     recorder,
		Runtime:      e.runtime,
		MaxRounds:    profile.MaxRounds,
		Logger:       e.logger.With().Str("run_id", req.RunID).Logger(),
	})
	if err != nil {
		return delegate.RunResponse{}, err
	}

	message, err := task.Run(ctx, req.Prompt)
	response := delegate.RunResponse{TokensUsed: task.TokensUsed()}
	if err != nil {
		return response, err
	}
	if ctx.Err() != nil {
		return response, ctx.Err()
	}
	if message == nil {
		return response, errors.New("agent produced no output")
	}

	response.Output = *message
	if req.Deltas != nil {
		req.Deltas(*message)
	}
	return response, nil
}
