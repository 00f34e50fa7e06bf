// Package docker implements runner.Sandbox against the Docker Engine API,
// so a per-engine config can set sandbox = "docker" and have the agent CLI
// run inside a managed, disposable container instead of as a local child
// process. Adapted from the teacher's internal/container/docker.Runtime —
// that package drove a long-lived project container over a custom exec
// protocol; this one drives one throwaway container per session, created
// with the run's own command as its entrypoint so the rest of the Runner
// (line-delimited JSONL over Stdin/Stdout/Stderr) is unaffected by where
// the "subprocess" actually lives.
package docker

import (
	"context"
	"fmt"
	"io"

	apitypes "github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/riverrun/untether/internal/runner"
)

// Sandbox starts each session's subprocess inside its own disposable
// container, built from Image and bind-mounting the run's working
// directory at the same path inside the container.
type Sandbox struct {
	client *client.Client
	Image  string
}

// New returns a docker-backed Sandbox talking to the daemon found via the
// standard DOCKER_HOST/DOCKER_* environment, negotiating the API version.
func New(image string) (*Sandbox, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("sandbox/docker: create client: %w", err)
	}
	return &Sandbox{client: cli, Image: image}, nil
}

// Close releases the underlying Docker client connection.
func (s *Sandbox) Close() error {
	return s.client.Close()
}

// Start creates, attaches to, and starts a container running spec.Args as
// its command. The container is removed automatically on exit.
func (s *Sandbox) Start(ctx context.Context, spec runner.ProcessSpec) (runner.Process, error) {
	if len(spec.Args) == 0 {
		return nil, fmt.Errorf("sandbox/docker: empty argument list")
	}

	containerCfg := &container.Config{
		Image:        s.Image,
		Cmd:          spec.Args,
		Env:          spec.Env,
		WorkingDir:   spec.Dir,
		OpenStdin:    spec.AttachStdin,
		StdinOnce:    spec.AttachStdin,
		AttachStdin:  spec.AttachStdin,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          false,
	}
	hostCfg := &container.HostConfig{
		AutoRemove: true,
	}
	if spec.Dir != "" {
		hostCfg.Mounts = []mount.Mount{{
			Type:   mount.TypeBind,
			Source: spec.Dir,
			Target: spec.Dir,
		}}
	}

	created, err := s.client.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("sandbox/docker: create container: %w", err)
	}

	attach, err := s.client.ContainerAttach(ctx, created.ID, container.AttachOptions{
		Stream: true,
		Stdin:  spec.AttachStdin,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("sandbox/docker: attach container: %w", err)
	}

	if err := s.client.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		attach.Close()
		return nil, fmt.Errorf("sandbox/docker: start container: %w", err)
	}

	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	go func() {
		defer stdoutW.Close()
		defer stderrW.Close()
		_, _ = stdcopy.StdCopy(stdoutW, stderrW, attach.Reader)
	}()

	var stdin io.WriteCloser
	if spec.AttachStdin {
		stdin = hijackedStdin{attach}
	} else {
		stdin = nopWriteCloser{}
	}

	return &process{
		client:      s.client,
		containerID: created.ID,
		attach:      attach,
		stdin:       stdin,
		stdout:      stdoutR,
		stderr:      stderrR,
	}, nil
}

// process adapts one attached container to runner.Process.
type process struct {
	client      *client.Client
	containerID string
	attach      apitypes.HijackedResponse
	stdin       io.WriteCloser
	stdout      io.Reader
	stderr      io.Reader
}

func (p *process) Stdin() io.WriteCloser { return p.stdin }
func (p *process) Stdout() io.Reader     { return p.stdout }
func (p *process) Stderr() io.Reader     { return p.stderr }

// Wait blocks until the container exits, mapping a non-zero status code to
// an error so the Runner's exitCodeFromError helper can extract it the same
// way it would for a local *exec.Cmd.
func (p *process) Wait() error {
	statusCh, errCh := p.client.ContainerWait(context.Background(), p.containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return err
	case status := <-statusCh:
		p.attach.Close()
		if status.StatusCode != 0 {
			return &exitError{code: int(status.StatusCode)}
		}
		return nil
	}
}

func (p *process) Kill() error {
	return p.client.ContainerKill(context.Background(), p.containerID, "KILL")
}

type exitError struct{ code int }

func (e *exitError) Error() string { return fmt.Sprintf("container exited with code %d", e.code) }

// ExitCode lets runner.exitCodeFromError recognize this the same way it
// recognizes *exec.ExitError.
func (e *exitError) ExitCode() int { return e.code }

// hijackedStdin writes to the hijacked connection's write half. Close is a
// no-op: the Runner calls it once it has stopped reading stdout too, and
// the container is torn down via Wait/Kill, not by half-closing the stream.
type hijackedStdin struct {
	conn apitypes.HijackedResponse
}

func (h hijackedStdin) Write(p []byte) (int, error) { return h.conn.Conn.Write(p) }
func (h hijackedStdin) Close() error                 { return nil }

type nopWriteCloser struct{}

func (nopWriteCloser) Write(p []byte) (int, error) { return len(p), nil }
func (nopWriteCloser) Close() error                { return nil }
