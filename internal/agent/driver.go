package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/warren-ai/warren/internal/backoff"
	"github.com/warren-ai/warren/internal/tools"
	"github.com/warren-ai/warren/pkg/models"
)

// DefaultMaxToolIterations caps one prompt's tool loop.
const DefaultMaxToolIterations = 25

// Config tunes the driver.
type Config struct {
	Model        string
	BackupModel  string
	SystemPrompt string
	MaxTokens    int

	// MaxToolIterations caps assistant turns per prompt; 0 means the
	// default.
	MaxToolIterations int

	// Retry is the backoff schedule between failed completion attempts.
	Retry backoff.Policy

	// FallbackRetries is how many consecutive failures it takes before
	// requests move to the backup model.
	FallbackRetries int
}

// ToolExecutor is the slice of the tool registry the driver needs.
type ToolExecutor interface {
	Schemas() []tools.Schema
	Call(ctx context.Context, toolID string, rawArgs json.RawMessage, conversationID string) *tools.Result
}

// Driver runs the agentic loop for one prompt: completion, tool
// execution, and feeding results back until the model answers in plain
// text. Safe for concurrent use across conversations; the failure
// counter driving model fallback is shared deliberately, since provider
// outages are global, not per conversation. Once the driver falls back
// it stays on the backup model until Reset.
type Driver struct {
	provider CompletionProvider
	executor ToolExecutor
	cfg      Config
	logger   *slog.Logger

	mu       sync.Mutex
	failures int
	onBackup bool

	// sleepFn is swapped in tests to skip real backoff waits.
	sleepFn func(ctx context.Context, d time.Duration) error
}

// NewDriver creates a driver. Zero config fields fall back to defaults.
func NewDriver(provider CompletionProvider, executor ToolExecutor, cfg Config, logger *slog.Logger) *Driver {
	if cfg.MaxToolIterations <= 0 {
		cfg.MaxToolIterations = DefaultMaxToolIterations
	}
	if cfg.Retry == (backoff.Policy{}) {
		cfg.Retry = backoff.CompletionPolicy()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{
		provider: provider,
		executor: executor,
		cfg:      cfg,
		logger:   logger.With("component", "agent"),
		sleepFn:  sleepCtx,
	}
}

// RunTurn drives one prompt to completion. history must already end
// with the new user turn. It returns the turns to append to the
// conversation and the final assistant text.
//
// Completion failures that survive the retry policy do not propagate as
// errors: the driver closes the turn with a short apology so the
// conversation stays well formed. Only context cancellation aborts.
func (d *Driver) RunTurn(ctx context.Context, conversationID string, history []models.Turn) ([]models.Turn, string, error) {
	var appended []models.Turn
	working := append([]models.Turn(nil), history...)

	for iteration := 0; iteration < d.cfg.MaxToolIterations; iteration++ {
		comp, err := d.complete(ctx, working)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return appended, "", err
			}
			d.logger.Error("completion failed permanently", "conversation", conversationID, "error", err)
			apology := "I hit a problem reaching the language model and could not finish this request. Please try again."
			turn := models.Turn{Role: models.RoleAssistant, Content: apology, CreatedAt: time.Now().UTC()}
			return append(appended, turn), apology, nil
		}

		assistant := models.Turn{
			Role:      models.RoleAssistant,
			Content:   comp.text,
			ToolCalls: comp.toolCalls,
			CreatedAt: time.Now().UTC(),
		}
		appended = append(appended, assistant)
		working = append(working, assistant)

		if len(comp.toolCalls) == 0 {
			return appended, comp.text, nil
		}

		results := d.executeTools(ctx, conversationID, comp.toolCalls)
		resultTurn := models.Turn{
			Role:        models.RoleUser,
			ToolResults: results,
			CreatedAt:   time.Now().UTC(),
		}
		appended = append(appended, resultTurn)
		working = append(working, resultTurn)
	}

	d.logger.Warn("tool iteration limit reached", "conversation", conversationID, "limit", d.cfg.MaxToolIterations)
	text := fmt.Sprintf("I stopped after %d tool calls without reaching a final answer. Ask me to continue if you want me to keep going.", d.cfg.MaxToolIterations)
	turn := models.Turn{Role: models.RoleAssistant, Content: text, CreatedAt: time.Now().UTC()}
	return append(appended, turn), text, nil
}

// complete retries one model call until it succeeds, the error turns
// out permanent, or the context ends. Consecutive failures past the
// fallback threshold move requests onto the backup model.
func (d *Driver) complete(ctx context.Context, msgs []models.Turn) (*completion, error) {
	req := &CompletionRequest{
		System:    d.cfg.SystemPrompt,
		Messages:  msgs,
		Tools:     d.executor.Schemas(),
		MaxTokens: d.cfg.MaxTokens,
	}

	for attempt := 1; ; attempt++ {
		req.Model = d.pickModel()

		comp, err := d.streamOnce(ctx, req)
		if err == nil {
			d.recordSuccess()
			return comp, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		class := classifyError(err)
		if !class.retryable() {
			return nil, err
		}
		d.recordFailure()

		delay := d.cfg.Retry.Delay(attempt)
		d.logger.Warn("completion attempt failed",
			"model", req.Model, "class", class, "attempt", attempt, "retry_in", delay, "error", err)
		if err := d.sleepFn(ctx, delay); err != nil {
			return nil, err
		}
	}
}

// streamOnce runs one completion call and accumulates its chunks.
func (d *Driver) streamOnce(ctx context.Context, req *CompletionRequest) (*completion, error) {
	ch, err := d.provider.Complete(ctx, req)
	if err != nil {
		return nil, err
	}

	comp := &completion{}
	var text strings.Builder
	for chunk := range ch {
		if chunk.Error != nil {
			return nil, chunk.Error
		}
		if chunk.Text != "" {
			text.WriteString(chunk.Text)
		}
		if chunk.ToolCall != nil {
			comp.toolCalls = append(comp.toolCalls, *chunk.ToolCall)
		}
		if chunk.Done {
			comp.inputTokens = chunk.InputTokens
			comp.outputTokens = chunk.OutputTokens
		}
	}
	comp.text = text.String()
	return comp, nil
}

// executeTools runs the turn's tool calls concurrently, preserving the
// model's declared order in the results.
func (d *Driver) executeTools(ctx context.Context, conversationID string, calls []models.ToolCall) []models.ToolResult {
	results := make([]models.ToolResult, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call models.ToolCall) {
			defer wg.Done()
			res := d.executor.Call(ctx, call.Name, call.Input, conversationID)
			results[i] = models.ToolResult{
				ToolCallID: call.ID,
				Content:    res.Content,
				Image:      res.Image,
				IsError:    res.IsError,
			}
		}(i, call)
	}
	wg.Wait()
	return results
}

func (d *Driver) pickModel() string {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.onBackup {
		return d.cfg.BackupModel
	}
	if d.cfg.BackupModel != "" && d.cfg.FallbackRetries > 0 && d.failures >= d.cfg.FallbackRetries {
		d.onBackup = true
		d.logger.Warn("switching to backup model",
			"primary", d.cfg.Model, "backup", d.cfg.BackupModel, "consecutive_failures", d.failures)
		return d.cfg.BackupModel
	}
	return d.cfg.Model
}

func (d *Driver) recordSuccess() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures = 0
}

// Reset clears the shared failure count and restores the primary model.
func (d *Driver) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures = 0
	if d.onBackup {
		d.onBackup = false
		d.logger.Info("primary model restored", "model", d.cfg.Model)
	}
}

func (d *Driver) recordFailure() {
	d.mu.Lock()
	d.failures++
	d.mu.Unlock()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
