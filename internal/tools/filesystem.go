package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const maxReadBytes = 256 * 1024

// ReadFileTool reads file contents from the conversation's project tree.
type ReadFileTool struct{}

func (t *ReadFileTool) Name() string        { return "read_file" }
func (t *ReadFileTool) Description() string { return "Read the contents of a file" }
func (t *ReadFileTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Path to the file to read, relative to the project root",
			},
		},
		"required": []string{"path"},
	}
}

func (t *ReadFileTool) Execute(_ context.Context, input json.RawMessage, tc Context) *Result {
	var args struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(input, &args); err != nil || args.Path == "" {
		return ErrorResult("path is required")
	}
	resolved, err := resolvePath(args.Path, tc.ProjectPath)
	if err != nil {
		return ErrorResult(err.Error())
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return ErrorResult(fmt.Sprintf("failed to read %s: %v", args.Path, err))
	}
	if len(data) > maxReadBytes {
		data = data[:maxReadBytes]
		return TextResult(string(data) + fmt.Sprintf("\n[truncated at %d bytes]", maxReadBytes))
	}
	return TextResult(string(data))
}

// WriteFileTool writes file contents inside the project tree.
type WriteFileTool struct{}

func (t *WriteFileTool) Name() string        { return "write_file" }
func (t *WriteFileTool) Description() string { return "Write content to a file, creating parent directories as needed" }
func (t *WriteFileTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Path to the file to write, relative to the project root",
			},
			"content": map[string]any{
				"type":        "string",
				"description": "Content to write",
			},
		},
		"required": []string{"path", "content"},
	}
}

func (t *WriteFileTool) Execute(_ context.Context, input json.RawMessage, tc Context) *Result {
	var args struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(input, &args); err != nil || args.Path == "" {
		return ErrorResult("path is required")
	}
	resolved, err := resolvePath(args.Path, tc.ProjectPath)
	if err != nil {
		return ErrorResult(err.Error())
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return ErrorResult(fmt.Sprintf("failed to create directory: %v", err))
	}
	if err := os.WriteFile(resolved, []byte(args.Content), 0o644); err != nil {
		return ErrorResult(fmt.Sprintf("failed to write %s: %v", args.Path, err))
	}
	return TextResult(fmt.Sprintf("wrote %d bytes to %s", len(args.Content), args.Path))
}

// ListDirTool lists a directory inside the project tree.
type ListDirTool struct{}

func (t *ListDirTool) Name() string        { return "list_dir" }
func (t *ListDirTool) Description() string { return "List the entries of a directory" }
func (t *ListDirTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Directory path relative to the project root (default: .)",
			},
		},
	}
}

func (t *ListDirTool) Execute(_ context.Context, input json.RawMessage, tc Context) *Result {
	var args struct {
		Path string `json:"path"`
	}
	_ = json.Unmarshal(input, &args)
	if args.Path == "" {
		args.Path = "."
	}
	resolved, err := resolvePath(args.Path, tc.ProjectPath)
	if err != nil {
		return ErrorResult(err.Error())
	}
	entries, err := os.ReadDir(resolved)
	if err != nil {
		return ErrorResult(fmt.Sprintf("failed to list %s: %v", args.Path, err))
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return TextResult(strings.Join(names, "\n"))
}

// resolvePath confines a tool path to the project root. Absolute paths and
// traversal outside the root are rejected.
func resolvePath(path, root string) (string, error) {
	if root == "" {
		return "", fmt.Errorf("no project path configured")
	}
	if filepath.IsAbs(path) {
		if !isPathInside(path, root) {
			return "", fmt.Errorf("path %s is outside the project", path)
		}
		return filepath.Clean(path), nil
	}
	resolved := filepath.Clean(filepath.Join(root, path))
	if !isPathInside(resolved, root) {
		return "", fmt.Errorf("path %s escapes the project", path)
	}
	return resolved, nil
}

func isPathInside(child, parent string) bool {
	rel, err := filepath.Rel(filepath.Clean(parent), filepath.Clean(child))
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel))
}
