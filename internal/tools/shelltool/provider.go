// Package shelltool exposes the per-conversation sandbox shell as
// tools: bash runs a command, bash_status inspects the container, and
// bash_reset tears it down for a fresh start.
package shelltool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/warren-ai/warren/internal/sandbox"
	"github.com/warren-ai/warren/internal/tools"
)

const (
	providerName = "shell"

	// DefaultTimeoutSeconds bounds a bash call that does not name its
	// own timeout.
	DefaultTimeoutSeconds = 120
)

// Provider bridges tool calls onto the container manager.
type Provider struct {
	manager        *sandbox.Manager
	defaultTimeout int
}

// New creates the shell tool provider. defaultTimeoutSecs bounds bash
// calls that do not name their own timeout; 0 selects the built-in
// default.
func New(manager *sandbox.Manager, defaultTimeoutSecs int) *Provider {
	if defaultTimeoutSecs <= 0 {
		defaultTimeoutSecs = DefaultTimeoutSeconds
	}
	return &Provider{manager: manager, defaultTimeout: defaultTimeoutSecs}
}

func (p *Provider) Name() string { return providerName }

// Declare publishes bash, bash_status, and bash_reset. The conversation
// template tracks the command count and last-command time; bash_status
// reports the container manager's record, not this template.
func (p *Provider) Declare() ([]*tools.Tool, map[string]any, map[string]any, error) {
	bash := &tools.Tool{
		ID:   "bash",
		Name: "bash",
		Description: "Execute a bash command in this conversation's persistent sandbox. " +
			"The shell keeps its working directory, environment variables, and " +
			"functions between calls. Files written under the working directory " +
			"survive container restarts.",
		Params: map[string]*tools.Param{
			"command": {
				Name:        "command",
				Type:        tools.TypeString,
				Description: "The bash command to execute.",
				Required:    true,
			},
			"timeout": {
				Name:        "timeout",
				Type:        tools.TypeInteger,
				Description: "Seconds to wait before interrupting the command.",
				Default:     p.defaultTimeout,
			},
			"working_dir": {
				Name:        "working_dir",
				Type:        tools.TypeString,
				Description: "Directory to run the command in; a relative path resolves against the shell's current directory.",
			},
		},
	}

	status := &tools.Tool{
		ID:          "bash_status",
		Name:        "bash_status",
		Description: "Report the state of this conversation's sandbox container: lifecycle state, command count, uptime, and resource limits.",
		Params:      map[string]*tools.Param{},
	}

	reset := &tools.Tool{
		ID:   "bash_reset",
		Name: "bash_reset",
		Description: "Destroy this conversation's sandbox container so the next bash call " +
			"starts from a clean environment. Set keep_data to preserve files in the " +
			"working directory.",
		Params: map[string]*tools.Param{
			"keep_data": {
				Name:        "keep_data",
				Type:        tools.TypeBoolean,
				Description: "Keep the working directory contents across the reset.",
				Default:     false,
			},
		},
	}

	conversationTemplate := map[string]any{
		"command_count":   float64(0),
		"last_command_at": "",
	}
	return []*tools.Tool{bash, status, reset}, map[string]any{}, conversationTemplate, nil
}

func (p *Provider) Invoke(ctx context.Context, toolID string, args map[string]any, convState, globalState map[string]any) (any, error) {
	conversationID, _ := convState[tools.ConversationIDKey].(string)
	if conversationID == "" {
		return nil, errors.New("missing conversation id in tool state")
	}

	switch toolID {
	case "bash":
		return p.runBash(ctx, conversationID, args, convState)
	case "bash_status":
		return p.status(conversationID), nil
	case "bash_reset":
		return p.reset(ctx, conversationID, args)
	default:
		return nil, fmt.Errorf("unknown tool %s", toolID)
	}
}

func (p *Provider) runBash(ctx context.Context, conversationID string, args map[string]any, convState map[string]any) (any, error) {
	command, _ := args["command"].(string)
	if command == "" {
		return nil, errors.New("command must not be empty")
	}

	timeoutSecs := int64(p.defaultTimeout)
	if v, ok := args["timeout"].(int64); ok {
		timeoutSecs = v
	}
	if timeoutSecs <= 0 {
		return nil, fmt.Errorf("timeout must be positive, got %d", timeoutSecs)
	}
	workingDir, _ := args["working_dir"].(string)

	started := time.Now()
	res, err := p.manager.Execute(ctx, conversationID, command, time.Duration(timeoutSecs)*time.Second, workingDir)
	if err != nil {
		return nil, err
	}

	if count, ok := convState["command_count"].(float64); ok {
		convState["command_count"] = count + 1
	}
	convState["last_command_at"] = time.Now().UTC().Format(time.RFC3339)

	out := map[string]any{
		"exit_code":      res.ExitCode,
		"stdout":         res.Stdout,
		"stderr":         res.Stderr,
		"success":        res.ExitCode == 0,
		"command":        command,
		"execution_time": time.Since(started).Seconds(),
		"conversation_id": conversationID,
		"command_number": res.CommandNumber,
		"container_was_created_or_resumed": res.CreatedOrResumed,
		"output": combinedOutput(res),
	}
	return out, nil
}

func (p *Provider) status(conversationID string) map[string]any {
	st := p.manager.Status(conversationID)
	out := map[string]any{
		"conversation_id":      st.ConversationID,
		"state":                string(st.State),
		"work_dir":             st.WorkDir,
		"command_count":        st.CommandCount,
		"memory_limit_bytes":   st.MemoryLimit,
		"cpu_limit":            st.CPULimit,
		"idle_timeout_seconds": st.IdleTimeout,
	}
	if st.UptimeSeconds > 0 {
		out["uptime_seconds"] = st.UptimeSeconds
	}
	if st.IdleSeconds > 0 {
		out["idle_seconds"] = st.IdleSeconds
	}
	if st.LastActivity != "" {
		out["last_activity"] = st.LastActivity
	}
	return out
}

func (p *Provider) reset(ctx context.Context, conversationID string, args map[string]any) (any, error) {
	keepData, _ := args["keep_data"].(bool)
	if err := p.manager.Reset(ctx, conversationID, keepData); err != nil {
		return nil, err
	}
	message := "container destroyed; working directory cleared"
	if keepData {
		message = "container destroyed; working directory preserved"
	}
	return map[string]any{
		"conversation_id": conversationID,
		"message":         message,
		"kept_data":       keepData,
	}, nil
}

// combinedOutput joins stdout and stderr the way a terminal shows them,
// so the model sees one coherent transcript.
func combinedOutput(res *sandbox.ExecResult) string {
	if res.Stderr == "" {
		return res.Stdout
	}
	if res.Stdout == "" {
		return res.Stderr
	}
	return res.Stdout + res.Stderr
}
