package tools

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/codecrew-ai/codecrew/pkg/model"
)

const maxShellOutput = 64 * 1024

// RegisterBuiltins adds the built-in file and shell tools to the registry.
// All file access is confined to root; shell commands run with root as their
// working directory.
func RegisterBuiltins(reg *Registry, root string) error {
	abs, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("tools: resolve project root %q: %w", root, err)
	}
	b := builtins{root: abs}

	all := []Tool{
		{
			Definition: model.ToolDefinition{
				Name:        "read_file",
				Description: "Read a text file from the project. Returns the full file content.",
				InputSchema: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"path": map[string]any{
							"type":        "string",
							"description": "File path relative to the project root",
						},
					},
					"required": []any{"path"},
				},
			},
			Level:   LevelSafe,
			Source:  "builtin",
			Handler: b.readFile,
		},
		{
			Definition: model.ToolDefinition{
				Name:        "list_files",
				Description: "List files and directories under a project directory.",
				InputSchema: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"path": map[string]any{
							"type":        "string",
							"description": "Directory path relative to the project root. Defaults to the root.",
						},
					},
				},
			},
			Level:   LevelSafe,
			Source:  "builtin",
			Handler: b.listFiles,
		},
		{
			Definition: model.ToolDefinition{
				Name:        "write_file",
				Description: "Create or overwrite a text file in the project.",
				InputSchema: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"path": map[string]any{
							"type":        "string",
							"description": "File path relative to the project root",
						},
						"content": map[string]any{
							"type":        "string",
							"description": "Full file content to write",
						},
					},
					"required": []any{"path", "content"},
				},
			},
			Level:   LevelCautious,
			Source:  "builtin",
			Handler: b.writeFile,
		},
		{
			Definition: model.ToolDefinition{
				Name:        "run_shell",
				Description: "Run a shell command in the project directory and return its combined output.",
				InputSchema: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"command": map[string]any{
							"type":        "string",
							"description": "Shell command line to execute",
						},
					},
					"required": []any{"command"},
				},
			},
			Level:   LevelDangerous,
			Source:  "builtin",
			Handler: b.runShell,
		},
	}

	for _, t := range all {
		if err := reg.Register(t); err != nil {
			return err
		}
	}
	return nil
}

type builtins struct {
	root string
}

// resolve joins a relative path onto the project root and rejects escapes.
func (b builtins) resolve(path string) (string, error) {
	if path == "" {
		return b.root, nil
	}
	full := filepath.Join(b.root, filepath.Clean("/"+path))
	rel, err := filepath.Rel(b.root, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the project root", path)
	}
	return full, nil
}

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

func (b builtins) readFile(_ context.Context, args map[string]any) (string, error) {
	full, err := b.resolve(stringArg(args, "path"))
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", stringArg(args, "path"), err)
	}
	return string(data), nil
}

func (b builtins) listFiles(_ context.Context, args map[string]any) (string, error) {
	full, err := b.resolve(stringArg(args, "path"))
	if err != nil {
		return "", err
	}
	entries, err := os.ReadDir(full)
	if err != nil {
		return "", fmt.Errorf("list %s: %w", stringArg(args, "path"), err)
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
	return strings.Join(names, "\n"), nil
}

func (b builtins) writeFile(_ context.Context, args map[string]any) (string, error) {
	path := stringArg(args, "path")
	full, err := b.resolve(path)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	content := stringArg(args, "content")
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return fmt.Sprintf("wrote %d bytes to %s", len(content), path), nil
}

func (b builtins) runShell(ctx context.Context, args map[string]any) (string, error) {
	command := stringArg(args, "command")
	if strings.TrimSpace(command) == "" {
		return "", fmt.Errorf("command must not be empty")
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = b.root
	out, err := cmd.CombinedOutput()

	text := string(out)
	if len(text) > maxShellOutput {
		text = text[:maxShellOutput] + "\n... output truncated"
	}
	if err != nil {
		if text == "" {
			return "", err
		}
		return "", fmt.Errorf("%w\n%s", err, text)
	}
	return text, nil
}
