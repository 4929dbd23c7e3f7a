package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/warren-ai/warren/internal/backoff"
)

const (
	containerNamePrefix = "warren-agent-"
	// WorkingDirName is the runtime-root subdirectory holding each
	// conversation's scratch directory (the /mnt mount source).
	WorkingDirName = "agent-working-directory"

	defaultSweepInterval = 60 * time.Second
	provisionAttempts    = 3
	stopTimeout          = 30 * time.Second
)

// ManagerConfig tunes the container manager.
type ManagerConfig struct {
	RuntimeRoot   string
	Image         string
	MemoryLimit   int64
	CPULimit      float64
	IdleTimeout   time.Duration // 0 disables idle reaping
	MaxContainers int
	HostNetwork   bool
	SweepInterval time.Duration
}

// Manager owns all per-conversation containers. Each conversation's
// record carries its own lock serializing state transitions and command
// execution; distinct conversations proceed in parallel.
type Manager struct {
	mu         sync.Mutex
	containers map[string]*Container

	runtime Runtime
	cfg     ManagerConfig
	logger  *slog.Logger

	now    func() time.Time
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Container is the per-conversation record. All field access happens
// under mu except the conversation id, which is immutable.
type Container struct {
	mu sync.Mutex

	conversationID string
	state          State
	handle         string
	workDir        string
	shell          *Shell

	createdAt    time.Time
	lastActivity time.Time
	commandCount int
}

// NewManager creates a manager on the given runtime.
func NewManager(runtime Runtime, cfg ManagerConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	return &Manager{
		containers: make(map[string]*Container),
		runtime:    runtime,
		cfg:        cfg,
		logger:     logger.With("component", "sandbox"),
		now:        time.Now,
		stopCh:     make(chan struct{}),
	}
}

// Start launches the idle reaper.
func (m *Manager) Start() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.sweepIdle()
			}
		}
	}()
}

// Execute runs one command in the conversation's container, provisioning
// or resuming it as needed. workingDir, when non-empty, is prepended as
// a cd so the command runs there; a failed cd fails the call.
func (m *Manager) Execute(ctx context.Context, conversationID, command string, timeout time.Duration, workingDir string) (*ExecResult, error) {
	c := m.record(conversationID)

	c.mu.Lock()
	defer c.mu.Unlock()

	createdOrResumed, err := m.ensureRunningLocked(ctx, c)
	if err != nil {
		return nil, err
	}

	if workingDir != "" {
		command = fmt.Sprintf("cd %q && { %s\n}", workingDir, command)
	}

	if c.shell.Dead() {
		if err := m.reopenShellLocked(ctx, c); err != nil {
			return nil, err
		}
	}

	exitCode, stdout, stderr, err := c.shell.Run(ctx, command, timeout)
	if err != nil {
		// The shell died mid-command; one restart attempt keeps the
		// container serviceable for the next call.
		if reopenErr := m.reopenShellLocked(ctx, c); reopenErr != nil {
			c.state = StateFailed
			return nil, fmt.Errorf("%w: shell failed: %v", ErrContainerUnavailable, err)
		}
		exitCode, stdout, stderr, err = c.shell.Run(ctx, command, timeout)
		if err != nil {
			c.state = StateFailed
			return nil, fmt.Errorf("%w: shell failed: %v", ErrContainerUnavailable, err)
		}
	}

	c.commandCount++
	c.lastActivity = m.now()

	return &ExecResult{
		ExitCode:         exitCode,
		Stdout:           stdout,
		Stderr:           stderr,
		CommandNumber:    c.commandCount,
		CreatedOrResumed: createdOrResumed,
	}, nil
}

// Status reports the conversation's container record. Unknown
// conversations report not_created.
func (m *Manager) Status(conversationID string) Status {
	m.mu.Lock()
	c, ok := m.containers[conversationID]
	m.mu.Unlock()

	st := Status{
		ConversationID: conversationID,
		State:          StateNotCreated,
		WorkDir:        m.workDirFor(conversationID),
		MemoryLimit:    m.cfg.MemoryLimit,
		CPULimit:       m.cfg.CPULimit,
		IdleTimeout:    int(m.cfg.IdleTimeout / time.Second),
	}
	if !ok {
		return st
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	st.State = c.state
	st.CommandCount = c.commandCount
	if !c.createdAt.IsZero() {
		st.UptimeSeconds = m.now().Sub(c.createdAt).Seconds()
	}
	if !c.lastActivity.IsZero() {
		st.IdleSeconds = m.now().Sub(c.lastActivity).Seconds()
		st.LastActivity = c.lastActivity.UTC().Format(time.RFC3339)
	}
	return st
}

// Reset stops and removes the conversation's container and optionally
// wipes the host scratch directory. The record returns to not_created
// so the next execute provisions from scratch.
func (m *Manager) Reset(ctx context.Context, conversationID string, keepScratch bool) error {
	m.mu.Lock()
	c, ok := m.containers[conversationID]
	if ok {
		delete(m.containers, conversationID)
	}
	m.mu.Unlock()

	if ok {
		c.mu.Lock()
		m.teardownLocked(ctx, c)
		c.state = StateDestroyed
		c.mu.Unlock()
	}

	if !keepScratch {
		if err := os.RemoveAll(m.workDirFor(conversationID)); err != nil {
			return fmt.Errorf("remove scratch dir: %w", err)
		}
	}
	return nil
}

// Shutdown stops all running containers, best-effort and idempotent.
// Containers are stopped, not removed, so their scratch state survives a
// restart of the host process.
func (m *Manager) Shutdown(ctx context.Context) {
	select {
	case <-m.stopCh:
	default:
		close(m.stopCh)
	}
	m.wg.Wait()

	m.mu.Lock()
	records := make([]*Container, 0, len(m.containers))
	for _, c := range m.containers {
		records = append(records, c)
	}
	m.mu.Unlock()

	for _, c := range records {
		c.mu.Lock()
		if c.state == StateRunning {
			m.stopLocked(ctx, c)
		}
		c.mu.Unlock()
	}
}

// DestroyAll removes every container and scratch directory. Used by the
// operator-level wipe.
func (m *Manager) DestroyAll(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.containers))
	for id := range m.containers {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		if err := m.Reset(ctx, id, false); err != nil {
			m.logger.Warn("failed to destroy container", "conversation", id, "error", err)
		}
	}
}

// Purge removes every agent container the engine knows about, tracked or
// not, and deletes the scratch root. It serves the offline wipe, where no
// manager from a previous process survives.
func Purge(ctx context.Context, runtime Runtime, runtimeRoot string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	ids, err := runtime.ListContainers(ctx, containerNamePrefix)
	if err != nil {
		return fmt.Errorf("enumerate agent containers: %w", err)
	}
	for _, id := range ids {
		if err := runtime.RemoveContainer(ctx, id); err != nil {
			logger.Warn("failed to remove container", "id", id, "error", err)
		}
	}
	scratch := filepath.Join(runtimeRoot, WorkingDirName)
	if err := os.RemoveAll(scratch); err != nil {
		return fmt.Errorf("remove scratch root: %w", err)
	}
	logger.Info("sandbox purged", "containers", len(ids), "scratch_root", scratch)
	return nil
}

func (m *Manager) record(conversationID string) *Container {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.containers[conversationID]; ok {
		return c
	}
	if m.cfg.MaxContainers > 0 && len(m.containers) >= m.cfg.MaxContainers {
		m.evictColdestLocked()
	}
	c := &Container{
		conversationID: conversationID,
		state:          StateNotCreated,
		workDir:        m.workDirFor(conversationID),
	}
	m.containers[conversationID] = c
	return c
}

// evictColdestLocked drops the least recently active record that holds
// no running container. Caller holds m.mu.
func (m *Manager) evictColdestLocked() {
	var coldest *Container
	var coldestActivity time.Time
	for _, c := range m.containers {
		c.mu.Lock()
		cold := c.state == StateNotCreated || c.state == StateStopped || c.state == StateFailed
		activity := c.lastActivity
		c.mu.Unlock()
		if !cold {
			continue
		}
		if coldest == nil || activity.Before(coldestActivity) {
			coldest = c
			coldestActivity = activity
		}
	}
	if coldest != nil {
		m.logger.Info("evicting cold container record", "conversation", coldest.conversationID)
		delete(m.containers, coldest.conversationID)
	}
}

// ensureRunningLocked drives the record to running. Returns whether a
// container was created or resumed on this call. Caller holds c.mu.
func (m *Manager) ensureRunningLocked(ctx context.Context, c *Container) (bool, error) {
	switch c.state {
	case StateRunning:
		return false, nil
	case StateFailed, StateDestroyed:
		return false, fmt.Errorf("%w: container for %s is %s", ErrContainerUnavailable, c.conversationID, c.state)
	case StateStopped:
		if err := m.resumeLocked(ctx, c); err != nil {
			return false, err
		}
		return true, nil
	default:
		if err := m.provisionLocked(ctx, c); err != nil {
			return false, err
		}
		return true, nil
	}
}

func (m *Manager) provisionLocked(ctx context.Context, c *Container) error {
	c.state = StateCreating
	m.logger.Info("provisioning container", "conversation", c.conversationID)

	if err := m.runtime.EnsureImage(ctx, m.cfg.Image); err != nil {
		c.state = StateFailed
		return err
	}
	if err := os.MkdirAll(c.workDir, 0o755); err != nil {
		c.state = StateFailed
		return fmt.Errorf("%w: create scratch dir: %v", ErrContainerUnavailable, err)
	}

	spec := ContainerSpec{
		Name:        containerNamePrefix + c.conversationID,
		Image:       m.cfg.Image,
		HostWorkDir: c.workDir,
		Env: []string{
			"AGENT_ID=" + c.conversationID,
			"AGENT_WORK_DIR=/mnt",
		},
		Memory:      m.cfg.MemoryLimit,
		NanoCPUs:    int64(m.cfg.CPULimit * 1e9),
		HostNetwork: m.cfg.HostNetwork,
	}

	var lastErr error
	for attempt := 1; attempt <= provisionAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(backoff.ProvisionPolicy().Delay(attempt)):
			case <-ctx.Done():
				c.state = StateFailed
				return ctx.Err()
			}
		}
		handle, err := m.runtime.CreateContainer(ctx, spec)
		if err != nil {
			lastErr = err
			continue
		}
		if err := m.runtime.StartContainer(ctx, handle); err != nil {
			lastErr = err
			m.runtime.RemoveContainer(ctx, handle)
			continue
		}
		c.handle = handle
		if err := m.reopenShellLocked(ctx, c); err != nil {
			lastErr = err
			m.runtime.RemoveContainer(ctx, handle)
			c.handle = ""
			continue
		}
		c.state = StateRunning
		c.createdAt = m.now()
		c.lastActivity = m.now()
		m.logger.Info("container ready", "conversation", c.conversationID)
		return nil
	}

	c.state = StateFailed
	return fmt.Errorf("%w: provisioning failed: %v", ErrContainerUnavailable, lastErr)
}

func (m *Manager) resumeLocked(ctx context.Context, c *Container) error {
	m.logger.Info("resuming stopped container", "conversation", c.conversationID)
	if err := m.runtime.StartContainer(ctx, c.handle); err != nil {
		c.state = StateFailed
		return fmt.Errorf("%w: resume: %v", ErrContainerUnavailable, err)
	}
	if err := m.reopenShellLocked(ctx, c); err != nil {
		c.state = StateFailed
		return err
	}
	c.state = StateRunning
	c.lastActivity = m.now()
	return nil
}

func (m *Manager) reopenShellLocked(ctx context.Context, c *Container) error {
	if c.shell != nil {
		c.shell.Close()
		c.shell = nil
	}
	transport, err := m.runtime.OpenShell(ctx, c.handle)
	if err != nil {
		return fmt.Errorf("%w: open shell: %v", ErrContainerUnavailable, err)
	}
	c.shell = NewShell(transport)
	return nil
}

// stopLocked transitions running → stopped, closing the shell first.
// Caller holds c.mu.
func (m *Manager) stopLocked(ctx context.Context, c *Container) {
	if c.shell != nil {
		c.shell.Close()
		c.shell = nil
	}
	if err := m.runtime.StopContainer(ctx, c.handle, stopTimeout); err != nil {
		m.logger.Warn("failed to stop container", "conversation", c.conversationID, "error", err)
	}
	c.state = StateStopped
}

// teardownLocked stops and removes the container. Caller holds c.mu.
func (m *Manager) teardownLocked(ctx context.Context, c *Container) {
	if c.shell != nil {
		c.shell.Close()
		c.shell = nil
	}
	if c.handle != "" {
		if c.state == StateRunning {
			m.runtime.StopContainer(ctx, c.handle, stopTimeout)
		}
		if err := m.runtime.RemoveContainer(ctx, c.handle); err != nil {
			m.logger.Warn("failed to remove container", "conversation", c.conversationID, "error", err)
		}
		c.handle = ""
	}
}

// sweepIdle stops running containers whose idle time exceeds the
// configured timeout. Containers are stopped, never removed, so the
// scratch directory survives and the next execute resumes in place.
func (m *Manager) sweepIdle() {
	if m.cfg.IdleTimeout <= 0 {
		return
	}

	m.mu.Lock()
	records := make([]*Container, 0, len(m.containers))
	for _, c := range m.containers {
		records = append(records, c)
	}
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout+5*time.Second)
	defer cancel()

	for _, c := range records {
		c.mu.Lock()
		if c.state == StateRunning && m.now().Sub(c.lastActivity) >= m.cfg.IdleTimeout {
			m.logger.Info("stopping idle container", "conversation", c.conversationID,
				"idle", m.now().Sub(c.lastActivity).Round(time.Second))
			m.stopLocked(ctx, c)
		}
		c.mu.Unlock()
	}
}

// StateCounts tallies records by lifecycle state.
func (m *Manager) StateCounts() map[string]int {
	m.mu.Lock()
	records := make([]*Container, 0, len(m.containers))
	for _, c := range m.containers {
		records = append(records, c)
	}
	m.mu.Unlock()

	counts := make(map[string]int)
	for _, c := range records {
		c.mu.Lock()
		counts[string(c.state)]++
		c.mu.Unlock()
	}
	return counts
}

func (m *Manager) workDirFor(conversationID string) string {
	return filepath.Join(m.cfg.RuntimeRoot, WorkingDirName, conversationID)
}
