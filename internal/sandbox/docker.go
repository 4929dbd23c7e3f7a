package sandbox

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"github.com/docker/go-units"
)

const shellPidFile = "/tmp/.warren_shell_pid"

// dockerRuntime implements Runtime against the Docker Engine API.
type dockerRuntime struct {
	cli *client.Client
}

// NewDockerRuntime connects to the local Docker daemon.
func NewDockerRuntime() (Runtime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &dockerRuntime{cli: cli}, nil
}

func (r *dockerRuntime) EnsureImage(ctx context.Context, image string) error {
	_, _, err := r.cli.ImageInspectWithRaw(ctx, image)
	if err != nil {
		if client.IsErrNotFound(err) {
			return fmt.Errorf("%w: image %s not found locally; build or pull it before running shell commands", ErrContainerUnavailable, image)
		}
		return fmt.Errorf("inspect image %s: %w", image, err)
	}
	return nil
}

func (r *dockerRuntime) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	cfg := &container.Config{
		Image:     spec.Image,
		Cmd:       []string{"tail", "-f", "/dev/null"},
		Env:       spec.Env,
		OpenStdin: true,
		Tty:       true,
	}

	hostCfg := &container.HostConfig{
		Binds:          []string{spec.HostWorkDir + ":/mnt:rw"},
		ReadonlyRootfs: true,
		Tmpfs: map[string]string{
			"/tmp":               "rw,noexec,nosuid,size=100m",
			"/home/agent/.cache": "rw,noexec,nosuid,size=50m",
		},
		SecurityOpt: []string{"no-new-privileges"},
		CapDrop:     []string{"ALL"},
		CapAdd:      []string{"CHOWN", "DAC_OVERRIDE", "SETGID", "SETUID", "NET_RAW", "NET_BIND_SERVICE"},
		Resources: container.Resources{
			Memory:   spec.Memory,
			NanoCPUs: spec.NanoCPUs,
			Ulimits: []*units.Ulimit{
				{Name: "nofile", Soft: 1024, Hard: 2048},
				{Name: "nproc", Soft: 512, Hard: 1024},
			},
		},
	}
	if spec.HostNetwork {
		hostCfg.NetworkMode = "host"
	} else {
		hostCfg.NetworkMode = "bridge"
		cfg.ExposedPorts = nat.PortSet{}
	}

	created, err := r.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("create container %s: %w", spec.Name, err)
	}
	return created.ID, nil
}

func (r *dockerRuntime) StartContainer(ctx context.Context, id string) error {
	if err := r.cli.ContainerStart(ctx, id, types.ContainerStartOptions{}); err != nil {
		return fmt.Errorf("start container: %w", err)
	}
	return nil
}

func (r *dockerRuntime) StopContainer(ctx context.Context, id string, timeout time.Duration) error {
	seconds := int(timeout / time.Second)
	if err := r.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &seconds}); err != nil {
		return fmt.Errorf("stop container: %w", err)
	}
	return nil
}

func (r *dockerRuntime) RemoveContainer(ctx context.Context, id string) error {
	if err := r.cli.ContainerRemove(ctx, id, types.ContainerRemoveOptions{Force: true}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("remove container: %w", err)
	}
	return nil
}

// ListContainers returns the ids of all containers, running or stopped,
// whose name starts with the prefix.
func (r *dockerRuntime) ListContainers(ctx context.Context, namePrefix string) ([]string, error) {
	list, err := r.cli.ContainerList(ctx, types.ContainerListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("name", namePrefix)),
	})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}
	ids := make([]string, 0, len(list))
	for _, c := range list {
		ids = append(ids, c.ID)
	}
	return ids, nil
}

func (r *dockerRuntime) OpenShell(ctx context.Context, id string) (ShellTransport, error) {
	execCfg := types.ExecConfig{
		User:         "agent",
		WorkingDir:   "/mnt",
		Env:          []string{"HOME=/home/agent", "USER=agent"},
		Cmd:          []string{"bash", "-c", fmt.Sprintf("echo $$ > %s; exec bash --noprofile --norc", shellPidFile)},
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	}
	created, err := r.cli.ContainerExecCreate(ctx, id, execCfg)
	if err != nil {
		return nil, fmt.Errorf("create shell exec: %w", err)
	}
	attached, err := r.cli.ContainerExecAttach(ctx, created.ID, types.ExecStartCheck{})
	if err != nil {
		return nil, fmt.Errorf("attach shell exec: %w", err)
	}

	t := &dockerShellTransport{
		cli:         r.cli,
		containerID: id,
		hijacked:    attached,
	}
	t.stdoutR, t.stdoutW = io.Pipe()
	t.stderrR, t.stderrW = io.Pipe()
	go t.demux()
	return t, nil
}

// dockerShellTransport adapts a hijacked exec connection: Docker
// multiplexes stdout/stderr over one stream, so a demux goroutine splits
// them into pipes.
type dockerShellTransport struct {
	cli         *client.Client
	containerID string
	hijacked    types.HijackedResponse

	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	stderrR *io.PipeReader
	stderrW *io.PipeWriter
}

func (t *dockerShellTransport) demux() {
	_, err := stdcopy.StdCopy(t.stdoutW, t.stderrW, t.hijacked.Reader)
	t.stdoutW.CloseWithError(err)
	t.stderrW.CloseWithError(err)
}

func (t *dockerShellTransport) Stdin() io.Writer  { return t.hijacked.Conn }
func (t *dockerShellTransport) Stdout() io.Reader { return t.stdoutR }
func (t *dockerShellTransport) Stderr() io.Reader { return t.stderrR }

// Interrupt signals the shell's foreground children via a one-shot exec.
// The shell pid was written at open time; pkill -P targets its direct
// children only, leaving the shell itself alive.
func (t *dockerShellTransport) Interrupt(ctx context.Context) error {
	cmd := fmt.Sprintf("pkill -INT -P \"$(cat %s)\" || true", shellPidFile)
	created, err := t.cli.ContainerExecCreate(ctx, t.containerID, types.ExecConfig{
		User: "agent",
		Cmd:  []string{"bash", "-c", cmd},
	})
	if err != nil {
		return fmt.Errorf("create interrupt exec: %w", err)
	}
	if err := t.cli.ContainerExecStart(ctx, created.ID, types.ExecStartCheck{Detach: true}); err != nil {
		return fmt.Errorf("start interrupt exec: %w", err)
	}
	return nil
}

func (t *dockerShellTransport) Close() error {
	t.hijacked.Close()
	t.stdoutR.Close()
	t.stderrR.Close()
	return nil
}
