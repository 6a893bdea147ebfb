package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// resolveWorkspacePath ensures targetPath stays inside the workspace
// directory, rejecting directory traversal.
func resolveWorkspacePath(workspace, targetPath string) (string, error) {
	absWorkspace, err := filepath.Abs(filepath.Clean(workspace))
	if err != nil {
		return "", fmt.Errorf("invalid workspace path: %w", err)
	}

	var absTarget string
	if filepath.IsAbs(targetPath) {
		absTarget = filepath.Clean(targetPath)
	} else {
		absTarget, err = filepath.Abs(filepath.Join(absWorkspace, targetPath))
		if err != nil {
			return "", fmt.Errorf("invalid path: %w", err)
		}
	}

	sep := string(filepath.Separator)
	if !strings.HasPrefix(absTarget+sep, absWorkspace+sep) {
		return "", fmt.Errorf("path outside workspace: %s", targetPath)
	}
	return absTarget, nil
}

func stringArg(args map[string]any, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

func boolArg(args map[string]any, key string) bool {
	if v, ok := args[key].(bool); ok {
		return v
	}
	return false
}

// RegisterFilesystemTools registers the built-in file tools, sandboxed to
// workspace. Reads do not require approval; writes do.
func (e *Engine) RegisterFilesystemTools(workspace string) error {
	readFile := Tool{
		Name:        "read_file",
		Description: "Read the contents of a file inside the workspace.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{"type": "string", "description": "File path relative to the workspace"},
			},
			"required": []string{"path"},
		},
		Category:         "filesystem",
		RequiresApproval: false,
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			path := stringArg(args, "path")
			validPath, err := resolveWorkspacePath(workspace, path)
			if err != nil {
				return nil, err
			}
			info, err := os.Stat(validPath)
			if err != nil {
				return nil, fmt.Errorf("failed to stat file: %w", err)
			}
			if info.IsDir() {
				return nil, fmt.Errorf("path is a directory, not a file: %s", path)
			}
			content, err := os.ReadFile(validPath) //#nosec G304 -- validated above
			if err != nil {
				return nil, fmt.Errorf("failed to read file: %w", err)
			}
			return map[string]any{
				"path":    path,
				"content": string(content),
				"size":    len(content),
			}, nil
		},
	}

	writeFile := Tool{
		Name:        "write_file",
		Description: "Write content to a file inside the workspace, creating parent directories when asked.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path":        map[string]any{"type": "string"},
				"content":     map[string]any{"type": "string"},
				"create_dirs": map[string]any{"type": "boolean"},
			},
			"required": []string{"path", "content"},
		},
		Category:         "filesystem",
		RequiresApproval: true,
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			path := stringArg(args, "path")
			validPath, err := resolveWorkspacePath(workspace, path)
			if err != nil {
				return nil, err
			}
			if boolArg(args, "create_dirs") {
				if err := os.MkdirAll(filepath.Dir(validPath), 0o750); err != nil {
					return nil, fmt.Errorf("failed to create parent directories: %w", err)
				}
			}
			content := stringArg(args, "content")
			if err := os.WriteFile(validPath, []byte(content), 0o600); err != nil {
				return nil, fmt.Errorf("failed to write file: %w", err)
			}
			return map[string]any{
				"path":    path,
				"size":    len(content),
				"written": true,
			}, nil
		},
	}

	listDirectory := Tool{
		Name:        "list_directory",
		Description: "List the entries of a directory inside the workspace.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path":           map[string]any{"type": "string"},
				"include_hidden": map[string]any{"type": "boolean"},
			},
		},
		Category:         "filesystem",
		RequiresApproval: true,
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			path := stringArg(args, "path")
			if path == "" {
				path = "."
			}
			validPath, err := resolveWorkspacePath(workspace, path)
			if err != nil {
				return nil, err
			}
			info, err := os.Stat(validPath)
			if err != nil {
				return nil, fmt.Errorf("failed to stat path: %w", err)
			}
			if !info.IsDir() {
				return nil, fmt.Errorf("path is not a directory: %s", path)
			}
			dirEntries, err := os.ReadDir(validPath)
			if err != nil {
				return nil, fmt.Errorf("failed to read directory: %w", err)
			}
			includeHidden := boolArg(args, "include_hidden")
			var entries []map[string]any
			for _, entry := range dirEntries {
				name := entry.Name()
				if !includeHidden && strings.HasPrefix(name, ".") {
					continue
				}
				entryInfo, err := entry.Info()
				if err != nil {
					continue
				}
				entries = append(entries, map[string]any{
					"name":   name,
					"path":   filepath.Join(path, name),
					"is_dir": entry.IsDir(),
					"size":   entryInfo.Size(),
				})
			}
			return map[string]any{
				"path":    path,
				"entries": entries,
				"count":   len(entries),
			}, nil
		},
	}

	for _, tool := range []Tool{readFile, writeFile, listDirectory} {
		if err := e.Register(tool); err != nil {
			return err
		}
	}
	return nil
}
