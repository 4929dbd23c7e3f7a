// Package sandbox owns the per-conversation containers and the stateful
// shell inside each one. Containers are never created up-front: they
// materialize on the first shell invocation for a conversation and may
// later be stopped by the idle reaper and resumed in place.
package sandbox

import (
	"context"
	"errors"
	"io"
	"time"
)

// State is a container's lifecycle state.
type State string

const (
	StateNotCreated State = "not_created"
	StateCreating   State = "creating"
	StateRunning    State = "running"
	StateStopped    State = "stopped"
	StateFailed     State = "failed"
	StateDestroyed  State = "destroyed"
)

// ErrContainerUnavailable is returned when a container cannot serve a
// command: missing image, failed provisioning, or a destroyed record.
var ErrContainerUnavailable = errors.New("container unavailable")

// ExecResult is the outcome of one shell command.
type ExecResult struct {
	ExitCode         int    `json:"exit_code"`
	Stdout           string `json:"stdout"`
	Stderr           string `json:"stderr"`
	CommandNumber    int    `json:"command_number"`
	CreatedOrResumed bool   `json:"container_was_created_or_resumed"`
}

// Status is a point-in-time view of one conversation's container record.
type Status struct {
	ConversationID string  `json:"conversation_id"`
	State          State   `json:"state"`
	WorkDir        string  `json:"work_dir"`
	CommandCount   int     `json:"command_count"`
	MemoryLimit    int64   `json:"memory_limit"`
	CPULimit       float64 `json:"cpu_limit"`
	IdleTimeout    int     `json:"idle_timeout_seconds"`
	UptimeSeconds  float64 `json:"uptime_seconds,omitempty"`
	IdleSeconds    float64 `json:"idle_seconds,omitempty"`
	LastActivity   string  `json:"last_activity,omitempty"`
}

// ContainerSpec carries everything the runtime needs to provision one
// conversation container.
type ContainerSpec struct {
	Name        string
	Image       string
	HostWorkDir string
	Env         []string
	Memory      int64
	NanoCPUs    int64
	HostNetwork bool
}

// Runtime abstracts the container engine. The production implementation
// talks to Docker; tests substitute a fake.
type Runtime interface {
	// EnsureImage verifies the image is present locally. A missing
	// image returns an error wrapping ErrContainerUnavailable with a
	// remediation hint.
	EnsureImage(ctx context.Context, image string) error

	// CreateContainer provisions a stopped container and returns its
	// handle.
	CreateContainer(ctx context.Context, spec ContainerSpec) (string, error)

	StartContainer(ctx context.Context, id string) error
	StopContainer(ctx context.Context, id string, timeout time.Duration) error
	RemoveContainer(ctx context.Context, id string) error

	// ListContainers returns the ids of containers, running or not,
	// whose name starts with the prefix.
	ListContainers(ctx context.Context, namePrefix string) ([]string, error)

	// OpenShell starts the long-lived shell process inside a running
	// container and returns its attached streams.
	OpenShell(ctx context.Context, id string) (ShellTransport, error)
}

// ShellTransport is the byte-stream view of a running shell process.
type ShellTransport interface {
	Stdin() io.Writer
	Stdout() io.Reader
	Stderr() io.Reader

	// Interrupt delivers SIGINT to the shell's foreground job without
	// touching the shell itself.
	Interrupt(ctx context.Context) error

	Close() error
}
