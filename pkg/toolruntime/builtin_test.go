package toolruntime

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/kirana/pkg/modelstream"
)

func newBuiltinRuntime(t *testing.T) (*Runtime, string) {
	t.Helper()
	root := t.TempDir()
	registry := NewRegistry(zerolog.Nop())
	require.NoError(t, RegisterBuiltins(registry, BuiltinOptions{WorkspaceRoot: root}))
	rt, err := New(Config{Registry: registry, Timeout: 10 * time.Second, Logger: zerolog.Nop()})
	require.NoError(t, err)
	return rt, root
}

func TestBuiltinFileTools(t *testing.T) {
	t.Run("should write then read a file", func(t *testing.T) {
		rt, root := newBuiltinRuntime(t)
		ctx := context.Background()

		result := rt.Execute(ctx, modelstream.ToolCall{
			ID:   "c1",
			Name: "write_file",
			Arguments: map[string]interface{}{
				"path":    "notes/a.txt",
				"content": "hello world",
			},
		}, nil)
		require.True(t, result.Success, result.Output)

		data, err := os.ReadFile(filepath.Join(root, "notes/a.txt"))
		require.NoError(t, err)
		assert.Equal(t, "hello world", string(data))

		result = rt.Execute(ctx, modelstream.ToolCall{
			ID:        "c2",
			Name:      "read_file",
			Arguments: map[string]interface{}{"path": "notes/a.txt"},
		}, nil)
		require.True(t, result.Success, result.Output)
		assert.Contains(t, result.Output, "hello world")
	})

	t.Run("should replace text with edit_file", func(t *testing.T) {
		rt, root := newBuiltinRuntime(t)
		ctx := context.Background()
		require.NoError(t, os.WriteFile(filepath.Join(root, "f.txt"), []byte("red green red"), 0644))

		result := rt.Execute(ctx, modelstream.ToolCall{
			ID:   "c1",
			Name: "edit_file",
			Arguments: map[string]interface{}{
				"path":        "f.txt",
				"search":      "red",
				"replace":     "blue",
				"replace_all": true,
			},
		}, nil)
		require.True(t, result.Success, result.Output)

		data, err := os.ReadFile(filepath.Join(root, "f.txt"))
		require.NoError(t, err)
		assert.Equal(t, "blue green blue", string(data))
	})

	t.Run("should refuse ambiguous single replacement", func(t *testing.T) {
		rt, root := newBuiltinRuntime(t)
		require.NoError(t, os.WriteFile(filepath.Join(root, "f.txt"), []byte("x x"), 0644))

		result := rt.Execute(context.Background(), modelstream.ToolCall{
			ID:   "c1",
			Name: "edit_file",
			Arguments: map[string]interface{}{
				"path":    "f.txt",
				"search":  "x",
				"replace": "y",
			},
		}, nil)
		assert.False(t, result.Success)
		assert.Equal(t, FailureRespond, result.Kind)
	})

	t.Run("should deny paths escaping the workspace", func(t *testing.T) {
		rt, _ := newBuiltinRuntime(t)

		result := rt.Execute(context.Background(), modelstream.ToolCall{
			ID:        "c1",
			Name:      "read_file",
			Arguments: map[string]interface{}{"path": "../../etc/passwd"},
		}, nil)
		assert.False(t, result.Success)
		assert.Equal(t, FailureDenied, result.Kind)
	})

	t.Run("should list directory entries", func(t *testing.T) {
		rt, root := newBuiltinRuntime(t)
		require.NoError(t, os.WriteFile(filepath.Join(root, "one.txt"), []byte("1"), 0644))
		require.NoError(t, os.Mkdir(filepath.Join(root, "sub"), 0755))

		result := rt.Execute(context.Background(), modelstream.ToolCall{
			ID:        "c1",
			Name:      "list_dir",
			Arguments: map[string]interface{}{},
		}, nil)
		require.True(t, result.Success, result.Output)
		assert.Contains(t, result.Output, "one.txt")
		assert.Contains(t, result.Output, "sub/")
	})
}

func TestBuiltinExec(t *testing.T) {
	t.Run("should capture stdout and exit code", func(t *testing.T) {
		rt, _ := newBuiltinRuntime(t)

		result := rt.Execute(context.Background(), modelstream.ToolCall{
			ID:        "c1",
			Name:      "exec",
			Arguments: map[string]interface{}{"command": "echo builtin"},
		}, nil)
		require.True(t, result.Success, result.Output)
		assert.Contains(t, result.Output, "builtin")
	})

	t.Run("should report non-zero exit codes as output", func(t *testing.T) {
		rt, _ := newBuiltinRuntime(t)

		result := rt.Execute(context.Background(), modelstream.ToolCall{
			ID:        "c1",
			Name:      "exec",
			Arguments: map[string]interface{}{"command": "exit 3"},
		}, nil)
		require.True(t, result.Success, result.Output)
		assert.Contains(t, result.Output, "3")
	})
}
