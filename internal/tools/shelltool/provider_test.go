package shelltool

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/warren-ai/warren/internal/sandbox"
	"github.com/warren-ai/warren/internal/tools"
)

var sentinelRe = regexp.MustCompile(`__WARREN_[0-9a-f]{32}_`)

// fakeTransport answers every framed command with a fixed stdout and
// exit code, the way the in-container shell's printf does.
type fakeTransport struct {
	stdout string

	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	stderrR *io.PipeReader
	stderrW *io.PipeWriter
}

func newFakeTransport(stdout string) *fakeTransport {
	t := &fakeTransport{stdout: stdout}
	t.stdoutR, t.stdoutW = io.Pipe()
	t.stderrR, t.stderrW = io.Pipe()
	return t
}

func (t *fakeTransport) Stdin() io.Writer  { return t }
func (t *fakeTransport) Stdout() io.Reader { return t.stdoutR }
func (t *fakeTransport) Stderr() io.Reader { return t.stderrR }

func (t *fakeTransport) Write(p []byte) (int, error) {
	sentinel := sentinelRe.FindString(string(p))
	if sentinel != "" {
		go fmt.Fprintf(t.stdoutW, "%s\n%s%d\n", t.stdout, sentinel, 0)
	}
	return len(p), nil
}

func (t *fakeTransport) Interrupt(ctx context.Context) error { return nil }

func (t *fakeTransport) Close() error {
	t.stdoutW.Close()
	t.stderrW.Close()
	return nil
}

type fakeRuntime struct {
	mu      sync.Mutex
	removed []string
}

func (r *fakeRuntime) EnsureImage(ctx context.Context, image string) error { return nil }

func (r *fakeRuntime) CreateContainer(ctx context.Context, spec sandbox.ContainerSpec) (string, error) {
	return "handle-" + spec.Name, nil
}

func (r *fakeRuntime) StartContainer(ctx context.Context, id string) error { return nil }

func (r *fakeRuntime) StopContainer(ctx context.Context, id string, timeout time.Duration) error {
	return nil
}

func (r *fakeRuntime) RemoveContainer(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removed = append(r.removed, id)
	return nil
}

func (r *fakeRuntime) ListContainers(ctx context.Context, namePrefix string) ([]string, error) {
	return nil, nil
}

func (r *fakeRuntime) OpenShell(ctx context.Context, id string) (sandbox.ShellTransport, error) {
	return newFakeTransport("done\n"), nil
}

func newTestProvider(t *testing.T) (*Provider, *fakeRuntime) {
	t.Helper()
	runtime := &fakeRuntime{}
	manager := sandbox.NewManager(runtime, sandbox.ManagerConfig{
		RuntimeRoot: t.TempDir(),
		Image:       "warren-agent:test",
	}, slog.New(slog.DiscardHandler))
	return New(manager, 0), runtime
}

func convStateFor(id string) map[string]any {
	return map[string]any{
		tools.ConversationIDKey: id,
		"command_count":         float64(0),
		"last_command_at":       "",
	}
}

func TestDeclare(t *testing.T) {
	p, _ := newTestProvider(t)
	declared, _, template, err := p.Declare()
	if err != nil {
		t.Fatalf("declare: %v", err)
	}
	if len(declared) != 3 {
		t.Fatalf("expected bash, bash_status, bash_reset, got %d tools", len(declared))
	}
	ids := map[string]bool{}
	for _, tool := range declared {
		ids[tool.ID] = true
	}
	for _, want := range []string{"bash", "bash_status", "bash_reset"} {
		if !ids[want] {
			t.Errorf("missing tool %s", want)
		}
	}
	if declared[0].Params["timeout"].Default != DefaultTimeoutSeconds {
		t.Errorf("expected default timeout %d, got %v", DefaultTimeoutSeconds, declared[0].Params["timeout"].Default)
	}
	if template["command_count"] != float64(0) {
		t.Errorf("expected zero command count template, got %v", template["command_count"])
	}
}

func TestDeclareCustomTimeout(t *testing.T) {
	runtime := &fakeRuntime{}
	manager := sandbox.NewManager(runtime, sandbox.ManagerConfig{RuntimeRoot: t.TempDir()}, slog.New(slog.DiscardHandler))
	p := New(manager, 45)

	declared, _, _, err := p.Declare()
	if err != nil {
		t.Fatalf("declare: %v", err)
	}
	if declared[0].Params["timeout"].Default != 45 {
		t.Errorf("expected configured timeout 45, got %v", declared[0].Params["timeout"].Default)
	}
}

func TestBashRunsCommand(t *testing.T) {
	p, _ := newTestProvider(t)
	convState := convStateFor("c1")

	value, err := p.Invoke(context.Background(), "bash", map[string]any{"command": "echo hi"}, convState, map[string]any{})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	out := value.(map[string]any)
	if out["exit_code"] != 0 {
		t.Errorf("expected exit 0, got %v", out["exit_code"])
	}
	if out["success"] != true {
		t.Error("expected success true")
	}
	if out["command"] != "echo hi" {
		t.Errorf("expected command echoed back, got %v", out["command"])
	}
	if out["command_number"] != 1 {
		t.Errorf("expected command number 1, got %v", out["command_number"])
	}
	if out["container_was_created_or_resumed"] != true {
		t.Error("expected first command to report container creation")
	}
	if out["output"] != "done\n" {
		t.Errorf("unexpected combined output %v", out["output"])
	}
	if convState["command_count"] != float64(1) {
		t.Errorf("expected command count incremented, got %v", convState["command_count"])
	}
	if convState["last_command_at"] == "" {
		t.Error("expected last_command_at recorded")
	}
}

func TestBashMissingConversationID(t *testing.T) {
	p, _ := newTestProvider(t)
	if _, err := p.Invoke(context.Background(), "bash", map[string]any{"command": "ls"}, map[string]any{}, nil); err == nil {
		t.Error("expected error without conversation id")
	}
}

func TestBashEmptyCommand(t *testing.T) {
	p, _ := newTestProvider(t)
	if _, err := p.Invoke(context.Background(), "bash", map[string]any{}, convStateFor("c1"), nil); err == nil {
		t.Error("expected error for empty command")
	}
}

func TestBashRejectsNonPositiveTimeout(t *testing.T) {
	p, _ := newTestProvider(t)
	args := map[string]any{"command": "ls", "timeout": int64(-5)}
	if _, err := p.Invoke(context.Background(), "bash", args, convStateFor("c1"), nil); err == nil {
		t.Error("expected error for negative timeout")
	}
}

func TestStatusReportsLifecycle(t *testing.T) {
	p, _ := newTestProvider(t)

	value, err := p.Invoke(context.Background(), "bash_status", nil, convStateFor("c1"), nil)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	out := value.(map[string]any)
	if out["state"] != "not_created" {
		t.Errorf("expected not_created before first command, got %v", out["state"])
	}

	if _, err := p.Invoke(context.Background(), "bash", map[string]any{"command": "true"}, convStateFor("c1"), nil); err != nil {
		t.Fatal(err)
	}
	value, err = p.Invoke(context.Background(), "bash_status", nil, convStateFor("c1"), nil)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	out = value.(map[string]any)
	if out["state"] != "running" {
		t.Errorf("expected running after a command, got %v", out["state"])
	}
	if out["command_count"] != 1 {
		t.Errorf("expected command count 1, got %v", out["command_count"])
	}
}

func TestResetDestroysContainer(t *testing.T) {
	p, runtime := newTestProvider(t)

	if _, err := p.Invoke(context.Background(), "bash", map[string]any{"command": "true"}, convStateFor("c1"), nil); err != nil {
		t.Fatal(err)
	}
	value, err := p.Invoke(context.Background(), "bash_reset", map[string]any{"keep_data": false}, convStateFor("c1"), nil)
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	out := value.(map[string]any)
	if out["kept_data"] != false {
		t.Errorf("expected kept_data false, got %v", out["kept_data"])
	}
	if len(runtime.removed) != 1 {
		t.Errorf("expected container removed, got %v", runtime.removed)
	}

	value, err = p.Invoke(context.Background(), "bash_status", nil, convStateFor("c1"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if value.(map[string]any)["state"] != "not_created" {
		t.Errorf("expected not_created after reset, got %v", value.(map[string]any)["state"])
	}
}

func TestInvokeUnknownTool(t *testing.T) {
	p, _ := newTestProvider(t)
	if _, err := p.Invoke(context.Background(), "bogus", nil, convStateFor("c1"), nil); err == nil {
		t.Error("expected error for unknown tool id")
	}
}

func TestCombinedOutput(t *testing.T) {
	tests := []struct {
		name   string
		stdout string
		stderr string
		want   string
	}{
		{"stdout only", "out\n", "", "out\n"},
		{"stderr only", "", "err\n", "err\n"},
		{"both", "out\n", "err\n", "out\nerr\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := combinedOutput(&sandbox.ExecResult{Stdout: tt.stdout, Stderr: tt.stderr})
			if got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}
