package tool

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/kestrel-sh/agentcore/pkg/store"
)

func textResult(s string) Result {
	return Result{Content: []store.Content{{Type: store.ContentText, Text: &store.TextContent{Text: s}}}}
}

func errResult(format string, args ...any) Result {
	return Result{
		Content: []store.Content{{Type: store.ContentText, Text: &store.TextContent{Text: fmt.Sprintf(format, args...)}}},
		IsError: true,
	}
}

// --- list ---

type ListFiles struct{}

func (t *ListFiles) Name() string        { return "ls" }
func (t *ListFiles) Description() string { return "List files in a directory." }
func (t *ListFiles) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{"type": "string", "description": "The directory path to list."},
		},
		"required": []string{"path"},
	}
}

func (t *ListFiles) Execute(ctx context.Context, input map[string]any, tc Context) (Result, error) {
	path, ok := input["path"].(string)
	if !ok {
		return errResult("argument 'path' is required and must be a string"), nil
	}

	slog.Info("listing files", "path", path)
	entries, err := os.ReadDir(path)
	if err != nil {
		return errResult("failed to list directory: %v", err), nil
	}

	var sb []byte
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		sb = append(sb, name...)
		sb = append(sb, '\n')
	}
	return textResult(string(sb)), nil
}

// --- read ---

type ReadFile struct{}

func (t *ReadFile) Name() string        { return "read_file" }
func (t *ReadFile) Description() string { return "Read the contents of a file." }
func (t *ReadFile) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{"type": "string", "description": "The file path to read."},
		},
		"required": []string{"path"},
	}
}

func (t *ReadFile) Execute(ctx context.Context, input map[string]any, tc Context) (Result, error) {
	path, ok := input["path"].(string)
	if !ok {
		return errResult("argument 'path' is required and must be a string"), nil
	}

	slog.Info("reading file", "path", path)
	data, err := os.ReadFile(path)
	if err != nil {
		return errResult("failed to read file: %v", err), nil
	}
	return textResult(string(data)), nil
}

// --- write ---

type WriteFile struct{}

func (t *WriteFile) Name() string        { return "write_file" }
func (t *WriteFile) Description() string { return "Write content to a file, creating parent directories as needed." }
func (t *WriteFile) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":    map[string]any{"type": "string", "description": "The file path to write to."},
			"content": map[string]any{"type": "string", "description": "The content to write."},
		},
		"required": []string{"path", "content"},
	}
}

func (t *WriteFile) Execute(ctx context.Context, input map[string]any, tc Context) (Result, error) {
	path, ok := input["path"].(string)
	if !ok {
		return errResult("argument 'path' is required and must be a string"), nil
	}
	content, ok := input["content"].(string)
	if !ok {
		return errResult("argument 'content' is required and must be a string"), nil
	}

	slog.Info("writing file", "path", path, "size", len(content))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errResult("failed to create directories: %v", err), nil
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return errResult("failed to write file: %v", err), nil
	}
	return textResult("ok"), nil
}
