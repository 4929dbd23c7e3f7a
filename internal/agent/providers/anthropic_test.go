package providers

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/warren-ai/warren/internal/tools"
	"github.com/warren-ai/warren/pkg/models"
)

func TestNewAnthropicRequiresKey(t *testing.T) {
	if _, err := NewAnthropic(AnthropicConfig{}); err == nil {
		t.Error("expected error without API key")
	}
	if _, err := NewAnthropic(AnthropicConfig{APIKey: "sk-test"}); err != nil {
		t.Errorf("unexpected error with key: %v", err)
	}
}

func TestModelFallsBackToDefault(t *testing.T) {
	p, err := NewAnthropic(AnthropicConfig{APIKey: "sk-test", DefaultModel: "default-model"})
	if err != nil {
		t.Fatal(err)
	}
	if got := p.model(""); got != "default-model" {
		t.Errorf("expected default model, got %q", got)
	}
	if got := p.model("requested"); got != "requested" {
		t.Errorf("expected requested model to win, got %q", got)
	}
}

func TestConvertTurnsRoles(t *testing.T) {
	now := time.Now()
	turns := []models.Turn{
		{Role: models.RoleUser, Content: "hello", CreatedAt: now},
		{Role: models.RoleAssistant, Content: "hi, how can I help?", CreatedAt: now},
	}

	converted, err := convertTurns(turns)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if len(converted) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(converted))
	}
	if converted[0].Role != "user" {
		t.Errorf("expected user role, got %q", converted[0].Role)
	}
	if converted[1].Role != "assistant" {
		t.Errorf("expected assistant role, got %q", converted[1].Role)
	}
}

func TestConvertTurnsSkipsEmpty(t *testing.T) {
	turns := []models.Turn{
		{Role: models.RoleUser, Content: "hello"},
		{Role: models.RoleAssistant},
	}
	converted, err := convertTurns(turns)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if len(converted) != 1 {
		t.Errorf("expected empty turn dropped, got %d messages", len(converted))
	}
}

func TestConvertTurnsToolCall(t *testing.T) {
	turns := []models.Turn{
		{
			Role:    models.RoleAssistant,
			Content: "running it now",
			ToolCalls: []models.ToolCall{
				{ID: "call-1", Name: "bash", Input: json.RawMessage(`{"command":"ls"}`)},
			},
		},
	}

	converted, err := convertTurns(turns)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	content := converted[0].Content
	if len(content) != 2 {
		t.Fatalf("expected text plus tool_use block, got %d blocks", len(content))
	}
	toolUse := content[1].OfToolUse
	if toolUse == nil {
		t.Fatal("expected tool_use block second")
	}
	if toolUse.ID != "call-1" || toolUse.Name != "bash" {
		t.Errorf("unexpected tool_use block %+v", toolUse)
	}
}

func TestConvertTurnsBadToolInput(t *testing.T) {
	turns := []models.Turn{
		{
			Role:      models.RoleAssistant,
			ToolCalls: []models.ToolCall{{ID: "x", Name: "bash", Input: json.RawMessage(`{not json`)}},
		},
	}
	if _, err := convertTurns(turns); err == nil {
		t.Error("expected error for malformed tool input")
	}
}

func TestConvertTurnsToolResult(t *testing.T) {
	turns := []models.Turn{
		{
			Role: models.RoleUser,
			ToolResults: []models.ToolResult{
				{ToolCallID: "call-1", Content: "file.txt", IsError: false},
			},
		},
	}

	converted, err := convertTurns(turns)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	block := converted[0].Content[0].OfToolResult
	if block == nil {
		t.Fatal("expected tool_result block")
	}
	if block.ToolUseID != "call-1" {
		t.Errorf("expected tool use id forwarded, got %q", block.ToolUseID)
	}
	if len(block.Content) != 1 || block.Content[0].OfText == nil {
		t.Fatalf("expected single text content, got %+v", block.Content)
	}
	if block.Content[0].OfText.Text != "file.txt" {
		t.Errorf("unexpected text %q", block.Content[0].OfText.Text)
	}
}

func TestToolResultBlockError(t *testing.T) {
	block, err := toolResultBlock(models.ToolResult{ToolCallID: "c", Content: "boom", IsError: true})
	if err != nil {
		t.Fatalf("block: %v", err)
	}
	if !block.IsError.Value {
		t.Error("expected is_error set")
	}
}

func TestToolResultBlockImage(t *testing.T) {
	block, err := toolResultBlock(models.ToolResult{
		ToolCallID: "c",
		Image:      &models.Image{MediaType: "image/png", DataB64: "aGVsbG8="},
	})
	if err != nil {
		t.Fatalf("block: %v", err)
	}
	if len(block.Content) != 1 {
		t.Fatalf("expected single image content, got %d", len(block.Content))
	}
	img := block.Content[0].OfImage
	if img == nil || img.Source.OfBase64 == nil {
		t.Fatal("expected base64 image source")
	}
	if img.Source.OfBase64.Data != "aGVsbG8=" {
		t.Errorf("unexpected image data %q", img.Source.OfBase64.Data)
	}
}

func TestToolResultBlockUnsupportedMediaType(t *testing.T) {
	_, err := toolResultBlock(models.ToolResult{
		ToolCallID: "c",
		Image:      &models.Image{MediaType: "image/tiff", DataB64: "x"},
	})
	if err == nil {
		t.Error("expected error for unsupported media type")
	}
}

func TestBase64MediaType(t *testing.T) {
	tests := []struct {
		in string
		ok bool
	}{
		{"image/png", true},
		{"image/jpeg", true},
		{"image/jpg", true},
		{"IMAGE/GIF", true},
		{"image/webp", true},
		{"image/bmp", false},
		{"", false},
	}
	for _, tt := range tests {
		if _, ok := base64MediaType(tt.in); ok != tt.ok {
			t.Errorf("base64MediaType(%q) ok = %v, want %v", tt.in, ok, tt.ok)
		}
	}
}

func TestConvertTools(t *testing.T) {
	schemas := []tools.Schema{
		{
			Name:        "bash",
			Description: "run a command",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"command":{"type":"string"}},"required":["command"]}`),
		},
	}

	converted, err := convertTools(schemas)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if len(converted) != 1 {
		t.Fatalf("expected 1 tool, got %d", len(converted))
	}
	tool := converted[0].OfTool
	if tool == nil {
		t.Fatal("expected plain tool param")
	}
	if tool.Name != "bash" {
		t.Errorf("expected name forwarded, got %q", tool.Name)
	}
	if tool.Description.Value != "run a command" {
		t.Errorf("expected description forwarded, got %q", tool.Description.Value)
	}
	if tool.InputSchema.Type != "object" {
		t.Errorf("expected object schema, got %v", tool.InputSchema.Type)
	}
}

func TestConvertToolsBadSchema(t *testing.T) {
	schemas := []tools.Schema{{Name: "bad", InputSchema: json.RawMessage(`{`)}}
	if _, err := convertTools(schemas); err == nil {
		t.Error("expected error for malformed schema")
	}
}
