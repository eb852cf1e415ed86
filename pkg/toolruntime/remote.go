package toolruntime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Remote JSON-RPC messages
type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
	ID      interface{} `json:"id,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
	ID      interface{}     `json:"id"`
}

type rpcError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// RemoteProvider connects to a tool server over WebSocket and exposes
// its tools to a local registry. The server speaks JSON-RPC 2.0:
// tools/list to enumerate, tools/call to invoke.
type RemoteProvider struct {
	url    string
	logger zerolog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	id      int
	pending map[int]chan *rpcResponse
}

// RemoteConfig holds remote provider configuration.
type RemoteConfig struct {
	URL    string
	Logger zerolog.Logger
}

// NewRemoteProvider creates a provider for the given WebSocket URL.
func NewRemoteProvider(cfg RemoteConfig) (*RemoteProvider, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("remote tool server URL is required")
	}
	return &RemoteProvider{
		url:     cfg.URL,
		logger:  cfg.Logger.With().Str("component", "remote_tools").Str("url", cfg.URL).Logger(),
		pending: make(map[int]chan *rpcResponse),
	}, nil
}

// Connect dials the server and starts the response reader. Calling it
// again on a live connection is a no-op.
func (p *RemoteProvider) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn != nil {
		return nil
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, p.url, nil)
	if err != nil {
		return fmt.Errorf("failed to dial tool server: %w", err)
	}
	p.conn = conn

	go p.listen(conn)

	p.logger.Info().Msg("connected to remote tool server")
	return nil
}

func (p *RemoteProvider) listen(conn *websocket.Conn) {
	for {
		var resp rpcResponse
		if err := conn.ReadJSON(&resp); err != nil {
			p.logger.Warn().Err(err).Msg("remote tool connection closed")
			p.failPending(err)
			return
		}

		if id, ok := resp.ID.(float64); ok {
			p.mu.Lock()
			ch, exists := p.pending[int(id)]
			if exists {
				delete(p.pending, int(id))
				ch <- &resp
			}
			p.mu.Unlock()
		}
	}
}

// failPending unblocks callers waiting on a dead connection.
func (p *RemoteProvider) failPending(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ch := range p.pending {
		delete(p.pending, id)
		ch <- &rpcResponse{Error: &rpcError{Code: -1, Message: err.Error()}}
	}
	p.conn = nil
}

func (p *RemoteProvider) call(ctx context.Context, method string, params interface{}) (*rpcResponse, error) {
	p.mu.Lock()
	conn := p.conn
	if conn == nil {
		p.mu.Unlock()
		return nil, Retriable(fmt.Errorf("not connected to tool server"))
	}
	p.id++
	id := p.id
	ch := make(chan *rpcResponse, 1)
	p.pending[id] = ch

	req := rpcRequest{JSONRPC: "2.0", Method: method, Params: params, ID: id}
	err := conn.WriteJSON(req)
	p.mu.Unlock()

	if err != nil {
		return nil, Retriable(fmt.Errorf("failed to send request: %w", err))
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, fmt.Errorf("tool server error (%d): %s", resp.Error.Code, resp.Error.Message)
		}
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(30 * time.Second):
		return nil, Retriable(fmt.Errorf("tool server request timeout"))
	}
}

// RegisterTools fetches the server's tool list and registers each tool
// on the registry with a handler that routes calls back to the server.
// Tools the server does not mark read_only register as unsafe.
func (p *RemoteProvider) RegisterTools(ctx context.Context, registry *Registry) error {
	if err := p.Connect(ctx); err != nil {
		return err
	}

	resp, err := p.call(ctx, "tools/list", nil)
	if err != nil {
		return fmt.Errorf("failed to list remote tools: %w", err)
	}

	var listResult struct {
		Tools []struct {
			Name        string          `json:"name"`
			Description string          `json:"description"`
			ReadOnly    bool            `json:"read_only"`
			InputSchema json.RawMessage `json:"input_schema"`
		} `json:"tools"`
	}
	if err := json.Unmarshal(resp.Result, &listResult); err != nil {
		return fmt.Errorf("failed to decode tool list: %w", err)
	}

	for _, remote := range listResult.Tools {
		safety := SafetyUnsafe
		if remote.ReadOnly {
			safety = SafetySafe
		}

		name := remote.Name
		tool := Tool{
			Name:        name,
			Description: remote.Description,
			Safety:      safety,
			Parameters:  parseRemoteParameters(remote.InputSchema),
			Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				return p.invoke(ctx, name, params)
			},
		}
		if err := registry.Register(tool); err != nil {
			return fmt.Errorf("failed to register remote tool %s: %w", name, err)
		}
	}

	p.logger.Info().Int("tools", len(listResult.Tools)).Msg("remote tools registered")
	return nil
}

func (p *RemoteProvider) invoke(ctx context.Context, name string, params map[string]interface{}) (interface{}, error) {
	resp, err := p.call(ctx, "tools/call", map[string]interface{}{
		"name":      name,
		"arguments": params,
	})
	if err != nil {
		return nil, err
	}

	var result map[string]interface{}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("failed to decode tool result: %w", err)
	}
	return result, nil
}

// Close drops the connection.
func (p *RemoteProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return nil
	}
	err := p.conn.Close()
	p.conn = nil
	return err
}

func parseRemoteParameters(schema json.RawMessage) []Parameter {
	if len(schema) == 0 {
		return nil
	}

	var schemaMap map[string]interface{}
	if err := json.Unmarshal(schema, &schemaMap); err != nil {
		return nil
	}

	properties, ok := schemaMap["properties"].(map[string]interface{})
	if !ok {
		return nil
	}

	required := make(map[string]bool)
	if reqList, ok := schemaMap["required"].([]interface{}); ok {
		for _, r := range reqList {
			if name, ok := r.(string); ok {
				required[name] = true
			}
		}
	}

	params := make([]Parameter, 0, len(properties))
	for name, propData := range properties {
		prop, ok := propData.(map[string]interface{})
		if !ok {
			continue
		}
		param := Parameter{Name: name, Required: required[name]}
		param.Type = "string"
		if typeVal, ok := prop["type"].(string); ok && typeVal != "" {
			param.Type = typeVal
		}
		if desc, ok := prop["description"].(string); ok && desc != "" {
			param.Description = desc
		} else {
			param.Description = name
		}
		if defVal, ok := prop["default"]; ok {
			param.Default = defVal
		}
		params = append(params, param)
	}
	return params
}
