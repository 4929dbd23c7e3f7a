// Package conversations routes inbound prompts to the agent driver.
// Prompts for the same conversation run strictly one at a time; prompts
// for different conversations run in parallel.
package conversations

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/warren-ai/warren/internal/channels"
	"github.com/warren-ai/warren/internal/observability"
	"github.com/warren-ai/warren/pkg/models"
)

// TurnRunner is the slice of the agent driver the manager needs. Reset
// restores the driver's primary model after a full wipe.
type TurnRunner interface {
	RunTurn(ctx context.Context, conversationID string, history []models.Turn) ([]models.Turn, string, error)
	Reset()
}

// Wiper tears down everything a full reset must clear besides the
// conversation map itself.
type Wiper interface {
	DestroyAll(ctx context.Context)
}

// StateResetter clears persisted tool state.
type StateResetter interface {
	ResetAll() error
}

// Manager owns the conversation table and the prompt fan-out.
type Manager struct {
	driver  TurnRunner
	adapter channels.Adapter
	sandbox Wiper
	state   StateResetter
	metrics *observability.Metrics
	logger  *slog.Logger

	mu    sync.Mutex
	convs map[string]*conversation

	wg sync.WaitGroup
}

// conversation is one dialogue's record. Its mutex serializes prompt
// handling for that dialogue.
type conversation struct {
	mu sync.Mutex

	id        string
	createdAt time.Time
	history   []models.Turn
}

// NewManager wires the prompt pipeline. metrics may be nil.
func NewManager(driver TurnRunner, adapter channels.Adapter, sandbox Wiper, state StateResetter, metrics *observability.Metrics, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		driver:  driver,
		adapter: adapter,
		sandbox: sandbox,
		state:   state,
		metrics: metrics,
		logger:  logger.With("component", "conversations"),
		convs:   make(map[string]*conversation),
	}
}

// Run consumes the adapter's inbound stream until it closes or the
// context ends, handling each prompt on its own goroutine.
func (m *Manager) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			m.wg.Wait()
			return
		case env, ok := <-m.adapter.Messages():
			if !ok {
				m.wg.Wait()
				return
			}
			m.wg.Add(1)
			go func(env *models.Envelope) {
				defer m.wg.Done()
				m.HandlePrompt(ctx, env)
			}(env)
		}
	}
}

// HandlePrompt runs one prompt through the driver and publishes the
// response. Unknown conversation ids create a fresh conversation.
func (m *Manager) HandlePrompt(ctx context.Context, env *models.Envelope) {
	if !env.IsPrompt() {
		return
	}
	conversationID := env.Payload.ConversationID
	prompt := env.Payload.Prompt
	if conversationID == "" || prompt == "" {
		m.logger.Warn("dropping prompt with missing fields", "conversation", conversationID)
		return
	}
	if m.metrics != nil {
		m.metrics.PromptsTotal.Inc()
	}

	c := m.get(conversationID)

	c.mu.Lock()
	defer c.mu.Unlock()

	started := time.Now()
	m.logger.Info("handling prompt", "conversation", conversationID, "history_turns", len(c.history))

	userTurn := models.Turn{Role: models.RoleUser, Content: prompt, CreatedAt: time.Now().UTC()}
	history := append(append([]models.Turn(nil), c.history...), userTurn)

	newTurns, text, err := m.driver.RunTurn(ctx, conversationID, history)
	if err != nil {
		m.logger.Error("prompt aborted", "conversation", conversationID, "error", err)
		return
	}

	c.history = append(append(c.history, userTurn), newTurns...)
	m.recordTurnMetrics(newTurns, time.Since(started))

	response := models.NewResponse(conversationID, text)
	if err := m.adapter.Send(ctx, response); err != nil {
		m.logger.Error("failed to send response", "conversation", conversationID, "error", err)
		return
	}
	if m.metrics != nil {
		m.metrics.ResponsesTotal.Inc()
	}
	m.logger.Info("response sent", "conversation", conversationID,
		"new_turns", len(newTurns), "elapsed", time.Since(started).Round(time.Millisecond))
}

// Reset clears one conversation's history. Tool state and the sandbox
// container are untouched.
func (m *Manager) Reset(conversationID string) {
	m.mu.Lock()
	c, ok := m.convs[conversationID]
	m.mu.Unlock()
	if !ok {
		return
	}
	c.mu.Lock()
	c.history = nil
	c.mu.Unlock()
	m.logger.Info("conversation history cleared", "conversation", conversationID)
}

// WipeAll drops every conversation, restores the driver's primary
// model, resets persisted tool state, and destroys all sandbox
// containers and scratch directories.
func (m *Manager) WipeAll(ctx context.Context) error {
	m.mu.Lock()
	m.convs = make(map[string]*conversation)
	m.mu.Unlock()

	m.driver.Reset()
	m.sandbox.DestroyAll(ctx)
	if err := m.state.ResetAll(); err != nil {
		return err
	}
	m.logger.Info("all conversations wiped")
	return nil
}

// History returns a copy of one conversation's turns.
func (m *Manager) History(conversationID string) []models.Turn {
	m.mu.Lock()
	c, ok := m.convs[conversationID]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.Turn(nil), c.history...)
}

func (m *Manager) get(conversationID string) *conversation {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.convs[conversationID]; ok {
		return c
	}
	c := &conversation{id: conversationID, createdAt: time.Now().UTC()}
	m.convs[conversationID] = c
	m.logger.Info("new conversation", "conversation", conversationID)
	return c
}

func (m *Manager) recordTurnMetrics(turns []models.Turn, elapsed time.Duration) {
	if m.metrics == nil {
		return
	}
	m.metrics.PromptSeconds.Observe(elapsed.Seconds())
	for _, turn := range turns {
		if turn.Role == models.RoleAssistant {
			m.metrics.ModelTurnsTotal.Inc()
		}
		for _, res := range turn.ToolResults {
			outcome := "ok"
			if res.IsError {
				outcome = "error"
			}
			m.metrics.ToolResultsTotal.WithLabelValues(outcome).Inc()
		}
	}
}
