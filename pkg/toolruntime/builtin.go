package toolruntime

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// BuiltinOptions configures the baseline workspace tools.
type BuiltinOptions struct {
	WorkspaceRoot string
	// ExecTimeout bounds shell commands. Defaults to 30s.
	ExecTimeout time.Duration
}

// RegisterBuiltins registers the baseline filesystem and shell tools on
// a registry. Read-only tools are safe; everything that mutates the
// workspace is unsafe and therefore serialized per turn.
func RegisterBuiltins(registry *Registry, opts BuiltinOptions) error {
	if registry == nil {
		return errors.New("registry is required")
	}
	if opts.WorkspaceRoot == "" {
		return errors.New("workspace root is required")
	}
	if opts.ExecTimeout <= 0 {
		opts.ExecTimeout = 30 * time.Second
	}

	tools := []Tool{
		readFileTool(opts),
		listDirTool(opts),
		writeFileTool(opts),
		editFileTool(opts),
		execTool(opts),
	}
	for _, tool := range tools {
		if err := registry.Register(tool); err != nil {
			return fmt.Errorf("failed to register tool %s: %w", tool.Name, err)
		}
	}
	return nil
}

func readFileTool(opts BuiltinOptions) Tool {
	return Tool{
		Name:        "read_file",
		Description: "Read a file from the workspace.",
		Safety:      SafetySafe,
		Parameters: []Parameter{
			{Name: "path", Type: "string", Description: "Relative file path", Required: true},
			{Name: "max_bytes", Type: "number", Description: "Maximum bytes to read (default 200000)", Required: false, Default: 200000},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			pathValue, _ := params["path"].(string)
			target, err := resolveWorkspacePath(opts.WorkspaceRoot, pathValue)
			if err != nil {
				return nil, err
			}

			maxBytes := 200000
			if raw, ok := params["max_bytes"].(float64); ok && raw > 0 {
				maxBytes = int(raw)
			}

			data, err := os.ReadFile(target)
			if err != nil {
				return nil, err
			}
			truncated := false
			if len(data) > maxBytes {
				data = data[:maxBytes]
				truncated = true
			}

			return map[string]interface{}{
				"path":      pathValue,
				"content":   string(data),
				"truncated": truncated,
				"bytes":     len(data),
			}, nil
		},
	}
}

func listDirTool(opts BuiltinOptions) Tool {
	return Tool{
		Name:        "list_dir",
		Description: "List entries of a workspace directory.",
		Safety:      SafetySafe,
		Parameters: []Parameter{
			{Name: "path", Type: "string", Description: "Relative directory path (default workspace root)", Required: false},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			pathValue, _ := params["path"].(string)
			if pathValue == "" {
				pathValue = "."
			}
			target, err := resolveWorkspacePath(opts.WorkspaceRoot, pathValue)
			if err != nil {
				return nil, err
			}

			entries, err := os.ReadDir(target)
			if err != nil {
				return nil, err
			}
			names := make([]string, 0, len(entries))
			for _, entry := range entries {
				name := entry.Name()
				if entry.IsDir() {
					name += "/"
				}
				names = append(names, name)
			}
			return map[string]interface{}{
				"path":    pathValue,
				"entries": names,
			}, nil
		},
	}
}

func writeFileTool(opts BuiltinOptions) Tool {
	return Tool{
		Name:        "write_file",
		Description: "Write content to a file in the workspace.",
		Safety:      SafetyUnsafe,
		Parameters: []Parameter{
			{Name: "path", Type: "string", Description: "Relative file path", Required: true},
			{Name: "content", Type: "string", Description: "File content", Required: true},
			{Name: "append", Type: "boolean", Description: "Append to file (default false)", Required: false},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			pathValue, _ := params["path"].(string)
			target, err := resolveWorkspacePath(opts.WorkspaceRoot, pathValue)
			if err != nil {
				return nil, err
			}
			content, _ := params["content"].(string)
			appendMode, _ := params["append"].(bool)

			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return nil, err
			}

			flag := os.O_CREATE | os.O_WRONLY
			if appendMode {
				flag |= os.O_APPEND
			} else {
				flag |= os.O_TRUNC
			}
			f, err := os.OpenFile(target, flag, 0644)
			if err != nil {
				return nil, err
			}
			defer f.Close()
			if _, err := f.WriteString(content); err != nil {
				return nil, err
			}

			return map[string]interface{}{
				"path":   pathValue,
				"bytes":  len(content),
				"append": appendMode,
			}, nil
		},
	}
}

func editFileTool(opts BuiltinOptions) Tool {
	return Tool{
		Name:        "edit_file",
		Description: "Replace text in a workspace file.",
		Safety:      SafetyUnsafe,
		Parameters: []Parameter{
			{Name: "path", Type: "string", Description: "Relative file path", Required: true},
			{Name: "search", Type: "string", Description: "Text to search for", Required: true},
			{Name: "replace", Type: "string", Description: "Replacement text", Required: true},
			{Name: "replace_all", Type: "boolean", Description: "Replace all occurrences (default false)", Required: false},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			pathValue, _ := params["path"].(string)
			target, err := resolveWorkspacePath(opts.WorkspaceRoot, pathValue)
			if err != nil {
				return nil, err
			}
			search, _ := params["search"].(string)
			replace, _ := params["replace"].(string)
			replaceAll, _ := params["replace_all"].(bool)
			if search == "" {
				return nil, Respondf("search is required")
			}

			data, err := os.ReadFile(target)
			if err != nil {
				return nil, err
			}
			content := string(data)

			count := strings.Count(content, search)
			if count == 0 {
				return nil, Respondf("search text not found in %s", pathValue)
			}
			var updated string
			occurrences := count
			if replaceAll {
				updated = strings.ReplaceAll(content, search, replace)
			} else {
				if count > 1 {
					return nil, Respondf("search text matches %d times in %s, pass replace_all to replace all", count, pathValue)
				}
				updated = strings.Replace(content, search, replace, 1)
				occurrences = 1
			}

			if err := os.WriteFile(target, []byte(updated), 0644); err != nil {
				return nil, err
			}
			return map[string]interface{}{
				"path":        pathValue,
				"occurrences": occurrences,
			}, nil
		},
	}
}

func execTool(opts BuiltinOptions) Tool {
	return Tool{
		Name:        "exec",
		Description: "Execute a shell command in the workspace.",
		Safety:      SafetyUnsafe,
		Parameters: []Parameter{
			{Name: "command", Type: "string", Description: "Command to execute", Required: true},
			{Name: "cwd", Type: "string", Description: "Working directory (relative to workspace)", Required: false},
			{Name: "timeout", Type: "number", Description: "Timeout in seconds", Required: false},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			command, _ := params["command"].(string)
			command = strings.TrimSpace(command)
			if command == "" {
				return nil, Respondf("command is required")
			}

			timeout := opts.ExecTimeout
			if raw, ok := params["timeout"].(float64); ok && raw > 0 {
				timeout = time.Duration(raw * float64(time.Second))
			}

			cwd := opts.WorkspaceRoot
			if raw, ok := params["cwd"].(string); ok && raw != "" {
				resolved, err := resolveWorkspacePath(opts.WorkspaceRoot, raw)
				if err != nil {
					return nil, err
				}
				cwd = resolved
			}

			execCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			cmd := exec.CommandContext(execCtx, "/bin/sh", "-c", command)
			cmd.Dir = cwd

			var stdout, stderr bytes.Buffer
			cmd.Stdout = &stdout
			cmd.Stderr = &stderr

			start := time.Now()
			err := cmd.Run()
			exitCode := 0
			if err != nil {
				var exitErr *exec.ExitError
				if errors.As(err, &exitErr) {
					exitCode = exitErr.ExitCode()
				} else if execCtx.Err() == context.DeadlineExceeded {
					return nil, Retriable(fmt.Errorf("command timed out after %v", timeout))
				} else {
					return nil, err
				}
			}

			return map[string]interface{}{
				"stdout":    stdout.String(),
				"stderr":    stderr.String(),
				"exit_code": exitCode,
				"duration":  time.Since(start).Milliseconds(),
			}, nil
		},
	}
}

// resolveWorkspacePath joins a relative path against the workspace root
// and rejects escapes.
func resolveWorkspacePath(root, rel string) (string, error) {
	if rel == "" {
		return "", Respondf("path is required")
	}
	if filepath.IsAbs(rel) {
		return "", Deniedf("absolute paths are not allowed: %s", rel)
	}
	target := filepath.Clean(filepath.Join(root, rel))
	rootClean := filepath.Clean(root)
	if target != rootClean && !strings.HasPrefix(target, rootClean+string(filepath.Separator)) {
		return "", Deniedf("path escapes workspace: %s", rel)
	}
	return target, nil
}
