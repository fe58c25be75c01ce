package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/codecrew-ai/codecrew/pkg/model"
)

// RegisterGitTools adds the git tool suite to the registry. All commands run
// against the repository at root. Read-only inspection (status, diff, log,
// show, blame) is SAFE; anything that moves refs or touches the index
// (branch, checkout, add, commit, stash) is CAUTIOUS and goes through the
// permission flow.
func RegisterGitTools(reg *Registry, root string) error {
	g := gitTools{root: root}

	all := []Tool{
		{
			Definition: model.ToolDefinition{
				Name:        "git_status",
				Description: "Show the working tree status: branch, staged and unstaged changes, untracked files.",
				InputSchema: map[string]any{"type": "object", "properties": map[string]any{}},
			},
			Level:   LevelSafe,
			Source:  "builtin",
			Handler: g.status,
		},
		{
			Definition: model.ToolDefinition{
				Name:        "git_diff",
				Description: "Show changes in the working tree, the index, or against a commit.",
				InputSchema: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"staged": map[string]any{
							"type":        "boolean",
							"description": "Diff the index instead of the working tree",
						},
						"commit": map[string]any{
							"type":        "string",
							"description": "Diff against this commit instead of HEAD",
						},
						"file": map[string]any{
							"type":        "string",
							"description": "Limit the diff to one file",
						},
					},
				},
			},
			Level:   LevelSafe,
			Source:  "builtin",
			Handler: g.diff,
		},
		{
			Definition: model.ToolDefinition{
				Name:        "git_log",
				Description: "Show the commit history, most recent first.",
				InputSchema: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"limit": map[string]any{
							"type":        "integer",
							"description": "Maximum number of commits to show. Defaults to 10.",
						},
						"file": map[string]any{
							"type":        "string",
							"description": "Only commits touching this file",
						},
						"author": map[string]any{
							"type":        "string",
							"description": "Only commits by this author",
						},
						"since": map[string]any{
							"type":        "string",
							"description": "Only commits after this date (e.g. \"2 weeks ago\")",
						},
					},
				},
			},
			Level:   LevelSafe,
			Source:  "builtin",
			Handler: g.log,
		},
		{
			Definition: model.ToolDefinition{
				Name:        "git_show",
				Description: "Show the details and patch of one commit.",
				InputSchema: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"commit": map[string]any{
							"type":        "string",
							"description": "Commit ref to show. Defaults to HEAD.",
						},
						"stat": map[string]any{
							"type":        "boolean",
							"description": "Show a diffstat instead of the full patch",
						},
					},
				},
			},
			Level:   LevelSafe,
			Source:  "builtin",
			Handler: g.show,
		},
		{
			Definition: model.ToolDefinition{
				Name:        "git_blame",
				Description: "Show line-by-line authorship for a file.",
				InputSchema: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"file": map[string]any{
							"type":        "string",
							"description": "File path relative to the repository root",
						},
						"start_line": map[string]any{
							"type":        "integer",
							"description": "First line of the range to blame",
						},
						"end_line": map[string]any{
							"type":        "integer",
							"description": "Last line of the range to blame",
						},
					},
					"required": []any{"file"},
				},
			},
			Level:   LevelSafe,
			Source:  "builtin",
			Handler: g.blame,
		},
		{
			Definition: model.ToolDefinition{
				Name:        "git_branch",
				Description: "List, create, or delete branches, or report the current one.",
				InputSchema: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"action": map[string]any{
							"type": "string",
							"enum": []any{"list", "current", "create", "delete"},
						},
						"name": map[string]any{
							"type":        "string",
							"description": "Branch name for create and delete",
						},
						"all": map[string]any{
							"type":        "boolean",
							"description": "Include remote branches when listing",
						},
						"force": map[string]any{
							"type":        "boolean",
							"description": "Force-delete an unmerged branch",
						},
					},
					"required": []any{"action"},
				},
			},
			Level:   LevelCautious,
			Source:  "builtin",
			Handler: g.branch,
		},
		{
			Definition: model.ToolDefinition{
				Name:        "git_checkout",
				Description: "Switch branches or restore files from a ref.",
				InputSchema: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"target": map[string]any{
							"type":        "string",
							"description": "Branch, commit, or path to check out",
						},
						"create": map[string]any{
							"type":        "boolean",
							"description": "Create the branch before switching",
						},
					},
					"required": []any{"target"},
				},
			},
			Level:   LevelCautious,
			Source:  "builtin",
			Handler: g.checkout,
		},
		{
			Definition: model.ToolDefinition{
				Name:        "git_add",
				Description: "Stage files for the next commit.",
				InputSchema: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"files": map[string]any{
							"type":        "array",
							"items":       map[string]any{"type": "string"},
							"description": "Paths to stage, relative to the repository root",
						},
					},
					"required": []any{"files"},
				},
			},
			Level:   LevelCautious,
			Source:  "builtin",
			Handler: g.add,
		},
		{
			Definition: model.ToolDefinition{
				Name:        "git_commit",
				Description: "Create a commit from the staged changes.",
				InputSchema: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"message": map[string]any{
							"type":        "string",
							"description": "Commit message",
						},
						"all": map[string]any{
							"type":        "boolean",
							"description": "Also stage modified and deleted tracked files",
						},
					},
					"required": []any{"message"},
				},
			},
			Level:   LevelCautious,
			Source:  "builtin",
			Handler: g.commit,
		},
		{
			Definition: model.ToolDefinition{
				Name:        "git_stash",
				Description: "Stash or restore working tree changes.",
				InputSchema: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"action": map[string]any{
							"type": "string",
							"enum": []any{"list", "push", "pop", "show", "drop"},
						},
						"message": map[string]any{
							"type":        "string",
							"description": "Description for a pushed stash",
						},
						"index": map[string]any{
							"type":        "integer",
							"description": "Stash index for pop, show, and drop. Defaults to 0.",
						},
					},
					"required": []any{"action"},
				},
			},
			Level:   LevelCautious,
			Source:  "builtin",
			Handler: g.stash,
		},
	}

	for _, t := range all {
		if err := reg.Register(t); err != nil {
			return err
		}
	}
	return nil
}

type gitTools struct {
	root string
}

// run executes git with the repository as working directory. Non-zero exits
// surface as errors carrying git's own output.
func (g gitTools) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = g.root
	out, err := cmd.CombinedOutput()

	text := strings.TrimRight(string(out), "\n")
	if err != nil {
		if text == "" {
			return "", fmt.Errorf("git %s: %w", args[0], err)
		}
		return "", fmt.Errorf("git %s: %w\n%s", args[0], err, text)
	}
	return text, nil
}

// intArg reads an integer argument. ParseArgs decodes numbers as json.Number,
// so that is the shape handlers normally see.
func intArg(args map[string]any, key string, def int) int {
	switch v := args[key].(type) {
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	case float64:
		return int(v)
	case int:
		return v
	}
	return def
}

func boolArg(args map[string]any, key string) bool {
	b, _ := args[key].(bool)
	return b
}

func stringsArg(args map[string]any, key string) []string {
	vals, _ := args[key].([]any)
	out := make([]string, 0, len(vals))
	for _, v := range vals {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func (g gitTools) status(ctx context.Context, _ map[string]any) (string, error) {
	return g.run(ctx, "status")
}

func (g gitTools) diff(ctx context.Context, args map[string]any) (string, error) {
	cmd := []string{"diff"}
	if boolArg(args, "staged") {
		cmd = append(cmd, "--cached")
	}
	if commit := stringArg(args, "commit"); commit != "" {
		cmd = append(cmd, commit)
	}
	if file := stringArg(args, "file"); file != "" {
		cmd = append(cmd, "--", file)
	}
	out, err := g.run(ctx, cmd...)
	if err != nil {
		return "", err
	}
	if out == "" {
		return "No differences found", nil
	}
	return out, nil
}

func (g gitTools) log(ctx context.Context, args map[string]any) (string, error) {
	cmd := []string{"log", "-n", fmt.Sprint(intArg(args, "limit", 10))}
	if author := stringArg(args, "author"); author != "" {
		cmd = append(cmd, "--author="+author)
	}
	if since := stringArg(args, "since"); since != "" {
		cmd = append(cmd, "--since="+since)
	}
	if file := stringArg(args, "file"); file != "" {
		cmd = append(cmd, "--", file)
	}
	out, err := g.run(ctx, cmd...)
	if err != nil {
		return "", err
	}
	if out == "" {
		return "No commits found", nil
	}
	return out, nil
}

func (g gitTools) show(ctx context.Context, args map[string]any) (string, error) {
	commit := stringArg(args, "commit")
	if commit == "" {
		commit = "HEAD"
	}
	cmd := []string{"show"}
	if boolArg(args, "stat") {
		cmd = append(cmd, "--stat")
	}
	return g.run(ctx, append(cmd, commit)...)
}

func (g gitTools) blame(ctx context.Context, args map[string]any) (string, error) {
	file := stringArg(args, "file")
	cmd := []string{"blame"}
	if start := intArg(args, "start_line", 0); start > 0 {
		end := intArg(args, "end_line", start)
		cmd = append(cmd, "-L", fmt.Sprintf("%d,%d", start, end))
	}
	return g.run(ctx, append(cmd, "--", file)...)
}

func (g gitTools) branch(ctx context.Context, args map[string]any) (string, error) {
	name := stringArg(args, "name")
	switch action := stringArg(args, "action"); action {
	case "list":
		cmd := []string{"branch"}
		if boolArg(args, "all") {
			cmd = append(cmd, "-a")
		}
		return g.run(ctx, cmd...)
	case "current":
		return g.run(ctx, "rev-parse", "--abbrev-ref", "HEAD")
	case "create":
		if name == "" {
			return "", fmt.Errorf("branch name required for create")
		}
		if _, err := g.run(ctx, "branch", name); err != nil {
			return "", err
		}
		return "created branch " + name, nil
	case "delete":
		if name == "" {
			return "", fmt.Errorf("branch name required for delete")
		}
		flag := "-d"
		if boolArg(args, "force") {
			flag = "-D"
		}
		return g.run(ctx, "branch", flag, name)
	default:
		return "", fmt.Errorf("unknown branch action %q", action)
	}
}

func (g gitTools) checkout(ctx context.Context, args map[string]any) (string, error) {
	cmd := []string{"checkout"}
	if boolArg(args, "create") {
		cmd = append(cmd, "-b")
	}
	return g.run(ctx, append(cmd, stringArg(args, "target"))...)
}

func (g gitTools) add(ctx context.Context, args map[string]any) (string, error) {
	files := stringsArg(args, "files")
	if len(files) == 0 {
		return "", fmt.Errorf("no files to stage")
	}
	if _, err := g.run(ctx, append([]string{"add", "--"}, files...)...); err != nil {
		return "", err
	}
	return fmt.Sprintf("staged %d file(s)", len(files)), nil
}

func (g gitTools) commit(ctx context.Context, args map[string]any) (string, error) {
	cmd := []string{"commit", "-m", stringArg(args, "message")}
	if boolArg(args, "all") {
		cmd = append(cmd, "-a")
	}
	return g.run(ctx, cmd...)
}

func (g gitTools) stash(ctx context.Context, args map[string]any) (string, error) {
	ref := fmt.Sprintf("stash@{%d}", intArg(args, "index", 0))
	switch action := stringArg(args, "action"); action {
	case "list":
		out, err := g.run(ctx, "stash", "list")
		if err != nil {
			return "", err
		}
		if out == "" {
			return "No stashes found", nil
		}
		return out, nil
	case "push":
		cmd := []string{"stash", "push"}
		if msg := stringArg(args, "message"); msg != "" {
			cmd = append(cmd, "-m", msg)
		}
		return g.run(ctx, cmd...)
	case "pop":
		return g.run(ctx, "stash", "pop", ref)
	case "show":
		return g.run(ctx, "stash", "show", "-p", ref)
	case "drop":
		return g.run(ctx, "stash", "drop", ref)
	default:
		return "", fmt.Errorf("unknown stash action %q", action)
	}
}
