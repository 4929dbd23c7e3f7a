package tools

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/warren-ai/warren/internal/state"
)

// fakeProvider is a scriptable tool provider for registry tests.
type fakeProvider struct {
	name     string
	tools    []*Tool
	global   map[string]any
	template map[string]any

	invoked     []string
	lastArgs    map[string]any
	lastConv    map[string]any
	returnValue any
	returnErr   error
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) Declare() ([]*Tool, map[string]any, map[string]any, error) {
	return p.tools, p.global, p.template, nil
}

func (p *fakeProvider) Invoke(ctx context.Context, toolID string, args map[string]any, convState, globalState map[string]any) (any, error) {
	p.invoked = append(p.invoked, toolID)
	p.lastArgs = args
	p.lastConv = convState
	return p.returnValue, p.returnErr
}

func echoProvider() *fakeProvider {
	return &fakeProvider{
		name: "echo",
		tools: []*Tool{{
			ID:          "echo",
			Name:        "echo",
			Description: "echo back",
			Params: map[string]*Param{
				"text": {Name: "text", Type: TypeString, Required: true},
			},
		}},
		template:    map[string]any{"calls": float64(0)},
		returnValue: "echoed",
	}
}

func newTestRegistry(t *testing.T) (*Registry, *state.Store) {
	t.Helper()
	store, err := state.NewStore(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	return NewRegistry(store, store.Load(), filepath.Join("work", "base"), nil), store
}

func TestRegisterAndSchemas(t *testing.T) {
	registry, _ := newTestRegistry(t)

	if err := registry.Register(echoProvider()); err != nil {
		t.Fatalf("register: %v", err)
	}

	schemas := registry.Schemas()
	if len(schemas) != 1 {
		t.Fatalf("expected 1 schema, got %d", len(schemas))
	}
	if schemas[0].Name != "echo" {
		t.Errorf("expected schema name echo, got %q", schemas[0].Name)
	}
	var decoded map[string]any
	if err := json.Unmarshal(schemas[0].InputSchema, &decoded); err != nil {
		t.Fatalf("schema is not valid JSON: %v", err)
	}
	if decoded["type"] != "object" {
		t.Errorf("expected object schema, got %v", decoded["type"])
	}
}

func TestRegisterDuplicateToolID(t *testing.T) {
	registry, _ := newTestRegistry(t)

	if err := registry.Register(echoProvider()); err != nil {
		t.Fatalf("register: %v", err)
	}
	dup := echoProvider()
	dup.name = "other"
	err := registry.Register(dup)
	if !errors.Is(err, ErrDuplicateTool) {
		t.Errorf("expected ErrDuplicateTool, got %v", err)
	}
}

func TestCallUnknownTool(t *testing.T) {
	registry, _ := newTestRegistry(t)

	res := registry.Call(context.Background(), "nope", nil, "c1")
	if !res.IsError {
		t.Error("expected error result for unknown tool")
	}
	if !strings.Contains(res.Content, "nope") {
		t.Errorf("expected message to name the tool, got %q", res.Content)
	}
}

func TestCallInvalidArgs(t *testing.T) {
	registry, _ := newTestRegistry(t)
	provider := echoProvider()
	if err := registry.Register(provider); err != nil {
		t.Fatal(err)
	}

	res := registry.Call(context.Background(), "echo", json.RawMessage(`{"text":42}`), "c1")
	if !res.IsError {
		t.Error("expected error result for invalid args")
	}
	if len(provider.invoked) != 0 {
		t.Error("expected provider not invoked on validation failure")
	}
}

func TestCallStampsConversationState(t *testing.T) {
	registry, _ := newTestRegistry(t)
	provider := echoProvider()
	if err := registry.Register(provider); err != nil {
		t.Fatal(err)
	}

	res := registry.Call(context.Background(), "echo", json.RawMessage(`{"text":"hi"}`), "c1")
	if res.IsError {
		t.Fatalf("unexpected error result: %s", res.Content)
	}
	if res.Content != "echoed" {
		t.Errorf("expected string result passthrough, got %q", res.Content)
	}
	if provider.lastArgs["text"] != "hi" {
		t.Errorf("expected args forwarded, got %v", provider.lastArgs)
	}
	if provider.lastConv[ConversationIDKey] != "c1" {
		t.Errorf("expected conversation id stamped, got %v", provider.lastConv[ConversationIDKey])
	}
	wantDir := filepath.Join("work", "base", "c1")
	if provider.lastConv[WorkingDirectoryKey] != wantDir {
		t.Errorf("expected working directory %q, got %v", wantDir, provider.lastConv[WorkingDirectoryKey])
	}
	if provider.lastConv["calls"] != float64(0) {
		t.Errorf("expected template copied into conversation state, got %v", provider.lastConv["calls"])
	}
}

func TestCallPersistsState(t *testing.T) {
	registry, store := newTestRegistry(t)
	provider := echoProvider()
	if err := registry.Register(provider); err != nil {
		t.Fatal(err)
	}

	registry.Call(context.Background(), "echo", json.RawMessage(`{"text":"hi"}`), "c1")

	loaded := store.Load()
	if _, ok := loaded.Conversations["c1"]["echo"]; !ok {
		t.Error("expected conversation state persisted after call")
	}
}

func TestCallProviderError(t *testing.T) {
	registry, _ := newTestRegistry(t)
	provider := echoProvider()
	provider.returnErr = errors.New("boom")
	if err := registry.Register(provider); err != nil {
		t.Fatal(err)
	}

	res := registry.Call(context.Background(), "echo", json.RawMessage(`{"text":"hi"}`), "c1")
	if !res.IsError {
		t.Error("expected error result")
	}
	if !strings.Contains(res.Content, "boom") {
		t.Errorf("expected provider error surfaced, got %q", res.Content)
	}
}

func TestCallMapResultSerialized(t *testing.T) {
	registry, _ := newTestRegistry(t)
	provider := echoProvider()
	provider.returnValue = map[string]any{"answer": float64(42)}
	if err := registry.Register(provider); err != nil {
		t.Fatal(err)
	}

	res := registry.Call(context.Background(), "echo", json.RawMessage(`{"text":"hi"}`), "c1")
	if res.IsError {
		t.Fatalf("unexpected error: %s", res.Content)
	}
	var decoded map[string]any
	if err := json.Unmarshal([]byte(res.Content), &decoded); err != nil {
		t.Fatalf("result not JSON: %v", err)
	}
	if decoded["answer"] != float64(42) {
		t.Errorf("expected serialized map, got %q", res.Content)
	}
}

func TestCallImageResult(t *testing.T) {
	registry, _ := newTestRegistry(t)
	provider := echoProvider()
	provider.returnValue = map[string]any{
		"kind":       "image",
		"media_type": "image/png",
		"data_b64":   "aGVsbG8=",
	}
	if err := registry.Register(provider); err != nil {
		t.Fatal(err)
	}

	res := registry.Call(context.Background(), "echo", json.RawMessage(`{"text":"hi"}`), "c1")
	if res.IsError {
		t.Fatalf("unexpected error: %s", res.Content)
	}
	if res.Image == nil {
		t.Fatal("expected image result")
	}
	if res.Image.MediaType != "image/png" || res.Image.DataB64 != "aGVsbG8=" {
		t.Errorf("unexpected image payload: %+v", res.Image)
	}
}

func TestCallOversizeArgs(t *testing.T) {
	registry, _ := newTestRegistry(t)

	huge := make(json.RawMessage, MaxToolArgsSize+1)
	res := registry.Call(context.Background(), "echo", huge, "c1")
	if !res.IsError {
		t.Error("expected oversize args rejected")
	}
}

func TestDropConversation(t *testing.T) {
	registry, store := newTestRegistry(t)
	provider := echoProvider()
	if err := registry.Register(provider); err != nil {
		t.Fatal(err)
	}

	registry.Call(context.Background(), "echo", json.RawMessage(`{"text":"hi"}`), "c1")
	registry.DropConversation("c1")

	loaded := store.Load()
	if _, ok := loaded.Conversations["c1"]; ok {
		t.Error("expected conversation state removed after drop")
	}
}

func TestResetAll(t *testing.T) {
	registry, store := newTestRegistry(t)
	provider := echoProvider()
	if err := registry.Register(provider); err != nil {
		t.Fatal(err)
	}

	registry.Call(context.Background(), "echo", json.RawMessage(`{"text":"hi"}`), "c1")
	if err := registry.ResetAll(); err != nil {
		t.Fatalf("reset: %v", err)
	}

	loaded := store.Load()
	if len(loaded.Conversations) != 0 {
		t.Errorf("expected empty conversations after reset, got %+v", loaded.Conversations)
	}
}
