package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"
)

// Dangerous command patterns denied by default. The list complements, and
// does not replace, running untrusted projects in a container.
var shellDenyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\brm\s+-[rf]{1,2}\b`),
	regexp.MustCompile(`\bdd\s+if=`),
	regexp.MustCompile(`\b(mkfs|diskpart)\b`),
	regexp.MustCompile(`\b(shutdown|reboot|poweroff)\b`),
	regexp.MustCompile(`:\(\)\s*\{.*\};\s*:`), // fork bomb
	regexp.MustCompile(`\bcurl\b.*\|\s*(ba)?sh\b`),
	regexp.MustCompile(`\bwget\b.*-O\s*-\s*\|\s*(ba)?sh\b`),
	regexp.MustCompile(`\bsudo\b`),
	regexp.MustCompile(`\bsu\s+-`),
}

const (
	shellDefaultTimeout = 60 * time.Second
	maxShellOutput      = 64 * 1024
)

// ShellTool runs a command in the project directory with a bounded timeout.
type ShellTool struct {
	Timeout time.Duration
}

func (t *ShellTool) Name() string        { return "shell" }
func (t *ShellTool) Description() string { return "Run a shell command in the project directory" }
func (t *ShellTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command": map[string]any{
				"type":        "string",
				"description": "Command to execute with sh -c",
			},
		},
		"required": []string{"command"},
	}
}

func (t *ShellTool) Execute(ctx context.Context, input json.RawMessage, tc Context) *Result {
	var args struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal(input, &args); err != nil || strings.TrimSpace(args.Command) == "" {
		return ErrorResult("command is required")
	}

	for _, pattern := range shellDenyPatterns {
		if pattern.MatchString(args.Command) {
			return ErrorResult(fmt.Sprintf("command denied by policy: matches %s", pattern))
		}
	}

	timeout := t.Timeout
	if timeout <= 0 {
		timeout = shellDefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", args.Command)
	cmd.Dir = tc.ProjectPath
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	out := stdout.String()
	if stderr.Len() > 0 {
		out += "\n" + stderr.String()
	}
	if len(out) > maxShellOutput {
		out = out[:maxShellOutput] + fmt.Sprintf("\n[truncated at %d bytes]", maxShellOutput)
	}
	out = strings.TrimSpace(out)

	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return ErrorResult(fmt.Sprintf("command timed out after %s\n%s", timeout, out))
		}
		return ErrorResult(fmt.Sprintf("command failed: %v\n%s", err, out))
	}
	if out == "" {
		out = "(no output)"
	}
	return TextResult(out)
}

// DefaultRegistry returns a registry with the builtin tools installed.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(&ReadFileTool{})
	r.Register(&WriteFileTool{})
	r.Register(&ListDirTool{})
	r.Register(&ShellTool{})
	return r
}
