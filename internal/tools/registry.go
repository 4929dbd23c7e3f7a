package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"

	"github.com/warren-ai/warren/internal/state"
	"github.com/warren-ai/warren/pkg/models"
)

const (
	// MaxToolIDLength bounds tool identifiers.
	MaxToolIDLength = 256
	// MaxToolArgsSize bounds the raw argument payload accepted from the
	// model (10MB).
	MaxToolArgsSize = 10 << 20

	// Convenience keys stamped into each conversation's state slot
	// before the first invoke.
	ConversationIDKey   = "_conversation_id"
	WorkingDirectoryKey = "_working_directory"
)

var (
	// ErrDuplicateTool is returned when two providers declare the same
	// tool identifier.
	ErrDuplicateTool = errors.New("duplicate tool id")
	// ErrUnknownTool is returned when a call names an unregistered tool.
	ErrUnknownTool = errors.New("unknown tool")
)

// Registry owns tool providers, their schemas, and both persistence
// buckets. Schemas and provider pointers are effectively immutable after
// startup; the read side takes an RLock only.
type Registry struct {
	mu        sync.RWMutex
	tools     map[string]*registeredTool
	providers map[string]Provider
	templates map[string]map[string]any

	buckets *state.Buckets
	store   *state.Store

	workDirBase string
	logger      *slog.Logger
}

type registeredTool struct {
	tool     *Tool
	provider Provider
}

// NewRegistry creates a registry persisting through store. workDirBase
// is the host directory under which per-conversation scratch directories
// live; its path is stamped into conversation state for providers.
func NewRegistry(store *state.Store, buckets *state.Buckets, workDirBase string, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if buckets == nil {
		buckets = state.NewBuckets()
	}
	return &Registry{
		tools:       make(map[string]*registeredTool),
		providers:   make(map[string]Provider),
		templates:   make(map[string]map[string]any),
		buckets:     buckets,
		store:       store,
		workDirBase: workDirBase,
		logger:      logger.With("component", "tools"),
	}
}

// Register declares a provider's tools. Tool identifiers must be unique
// across all providers. The provider's initial global state is merged
// into the global bucket only if nothing was persisted under its name.
func (r *Registry) Register(provider Provider) error {
	declared, globalState, template, err := provider.Declare()
	if err != nil {
		return fmt.Errorf("provider %s declare: %w", provider.Name(), err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, tool := range declared {
		if tool.ID == "" || len(tool.ID) > MaxToolIDLength {
			return fmt.Errorf("provider %s: invalid tool id %q", provider.Name(), tool.ID)
		}
		if existing, ok := r.tools[tool.ID]; ok {
			return fmt.Errorf("%w: %s already declared by provider %s", ErrDuplicateTool, tool.ID, existing.provider.Name())
		}
		schemaBytes, err := tool.InputSchema()
		if err != nil {
			return err
		}
		if _, err := compileSchema(schemaBytes); err != nil {
			return fmt.Errorf("provider %s: tool %s schema: %w", provider.Name(), tool.ID, err)
		}
	}
	for _, tool := range declared {
		r.tools[tool.ID] = &registeredTool{tool: tool, provider: provider}
	}

	r.providers[provider.Name()] = provider
	if _, ok := r.buckets.Global[provider.Name()]; !ok && globalState != nil {
		r.buckets.Global[provider.Name()] = globalState
	}
	if template != nil {
		r.templates[provider.Name()] = template
	}

	r.logger.Info("registered tool provider", "provider", provider.Name(), "tools", len(declared))
	return nil
}

// Schemas returns the tool list in the wire shape the completion service
// expects.
func (r *Registry) Schemas() []Schema {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Schema, 0, len(r.tools))
	for _, id := range r.sortedToolIDs() {
		entry := r.tools[id]
		schemaBytes, err := entry.tool.InputSchema()
		if err != nil {
			r.logger.Error("failed to render tool schema", "tool", id, "error", err)
			continue
		}
		out = append(out, Schema{
			Name:        entry.tool.ID,
			Description: entry.tool.Description,
			InputSchema: schemaBytes,
		})
	}
	return out
}

func (r *Registry) sortedToolIDs() []string {
	ids := make([]string, 0, len(r.tools))
	for id := range r.tools {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Call validates and dispatches one tool invocation for a conversation.
// Every failure kind comes back as a Result with IsError set so the
// model can self-correct; Call never returns a Go error to the driver.
// The caller holds the conversation's lock.
func (r *Registry) Call(ctx context.Context, toolID string, rawArgs json.RawMessage, conversationID string) *Result {
	if len(rawArgs) > MaxToolArgsSize {
		return ErrorResult("tool %s: arguments exceed maximum size", toolID)
	}

	r.mu.RLock()
	entry, ok := r.tools[toolID]
	r.mu.RUnlock()
	if !ok {
		return ErrorResult("%v: %s", ErrUnknownTool, toolID)
	}

	var args map[string]any
	if len(rawArgs) > 0 {
		if err := json.Unmarshal(rawArgs, &args); err != nil {
			return ErrorResult("tool %s: arguments are not a JSON object: %v", toolID, err)
		}
	}

	normalized, err := ValidateArgs(entry.tool, args)
	if err != nil {
		return ErrorResult("%v", err)
	}

	providerName := entry.provider.Name()
	convState := r.conversationState(providerName, conversationID)
	globalState := r.globalState(providerName)

	value, invokeErr := entry.provider.Invoke(ctx, toolID, normalized, convState, globalState)

	// The store is always given a chance to persist, regardless of the
	// invoke outcome.
	if saveErr := r.store.Save(state.Snapshot(r.buckets)); saveErr != nil {
		r.logger.Warn("state persist failed, will retry on next mutation", "error", saveErr)
	}

	if invokeErr != nil {
		return ErrorResult("tool %s failed: %v", toolID, invokeErr)
	}
	return resultFromValue(value)
}

// conversationState lazily initializes a conversation's state slot for a
// provider by deep-copying the declared template and stamping the
// convenience fields.
func (r *Registry) conversationState(providerName, conversationID string) map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()

	slots, ok := r.buckets.Conversations[conversationID]
	if !ok {
		slots = map[string]any{}
		r.buckets.Conversations[conversationID] = slots
	}
	if existing, ok := slots[providerName].(map[string]any); ok {
		return existing
	}

	convState := map[string]any{}
	if template, ok := r.templates[providerName]; ok {
		for k, v := range template {
			convState[k] = deepCopy(v)
		}
	}
	convState[ConversationIDKey] = conversationID
	convState[WorkingDirectoryKey] = filepath.Join(r.workDirBase, conversationID)
	slots[providerName] = convState
	return convState
}

func (r *Registry) globalState(providerName string) map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.buckets.Global[providerName].(map[string]any); ok {
		return existing
	}
	globalState := map[string]any{}
	r.buckets.Global[providerName] = globalState
	return globalState
}

// DropConversation removes a conversation's state slots from the bucket
// and persists the removal.
func (r *Registry) DropConversation(conversationID string) {
	r.mu.Lock()
	delete(r.buckets.Conversations, conversationID)
	r.mu.Unlock()

	if err := r.store.Save(state.Snapshot(r.buckets)); err != nil {
		r.logger.Warn("state persist failed after conversation drop", "error", err)
	}
}

// ResetAll swaps in empty buckets after a store-level reset.
func (r *Registry) ResetAll() error {
	fresh, err := r.store.Reset()
	r.mu.Lock()
	r.buckets = fresh
	r.mu.Unlock()
	return err
}

// resultFromValue serializes a provider's return value for the model.
// String values pass through; a map shaped {kind: image, media_type,
// data_b64} becomes an image result; anything else is JSON-encoded.
func resultFromValue(value any) *Result {
	switch typed := value.(type) {
	case nil:
		return &Result{Content: "null"}
	case string:
		return &Result{Content: typed}
	case map[string]any:
		if img := imageFromMap(typed); img != nil {
			return &Result{Image: img}
		}
	}
	data, err := json.Marshal(value)
	if err != nil {
		return ErrorResult("tool result not serializable: %v", err)
	}
	return &Result{Content: string(data)}
}

func deepCopy(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(typed))
		for k, v := range typed {
			out[k] = deepCopy(v)
		}
		return out
	case []any:
		out := make([]any, len(typed))
		for i, v := range typed {
			out[i] = deepCopy(v)
		}
		return out
	default:
		return typed
	}
}

func imageFromMap(m map[string]any) *models.Image {
	kind, _ := m["kind"].(string)
	if kind != "image" {
		return nil
	}
	mediaType, _ := m["media_type"].(string)
	data, _ := m["data_b64"].(string)
	if mediaType == "" || data == "" {
		return nil
	}
	return &models.Image{MediaType: mediaType, DataB64: data}
}
