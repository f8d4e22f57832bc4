package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"go.uber.org/zap"
)

// DockerSandbox runs commands inside a short-lived container per
// invocation, for gadgets whose SandboxDescriptor names backend "docker".
// The container is created fresh for each Execute call and removed on
// completion (or on abort-signal propagation via ctx cancellation),
// mirroring ProcessSandbox's one-shot-per-invocation model.
type DockerSandbox struct {
	cli    *client.Client
	desc   Descriptor
	logger *zap.Logger
}

// NewDockerSandbox creates a Docker-backed sandbox against the local Docker
// daemon (respects DOCKER_HOST/DOCKER_* env vars via client.FromEnv).
func NewDockerSandbox(desc Descriptor, logger *zap.Logger) (*DockerSandbox, error) {
	if desc.Image == "" {
		return nil, fmt.Errorf("docker sandbox requires an image")
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &DockerSandbox{cli: cli, desc: desc, logger: logger}, nil
}

// Execute runs command+args inside a fresh container, captures its
// stdout/stderr, and removes the container afterward.
func (s *DockerSandbox) Execute(ctx context.Context, command string, args []string) (*Result, error) {
	start := time.Now()
	cmd := append([]string{command}, args...)

	resources := container.Resources{}
	if s.desc.MemoryLimit > 0 {
		resources.Memory = s.desc.MemoryLimit
	}

	networkMode := container.NetworkMode("none")
	if s.desc.EnableNetwork {
		networkMode = "bridge"
	}

	var mounts []mount.Mount
	if s.desc.WorkDir != "" {
		mounts = append(mounts, mount.Mount{
			Type:   mount.TypeBind,
			Source: s.desc.WorkDir,
			Target: "/workspace",
		})
	}

	resp, err := s.cli.ContainerCreate(ctx, &container.Config{
		Image:      s.desc.Image,
		Cmd:        cmd,
		WorkingDir: "/workspace",
		Tty:        false,
	}, &container.HostConfig{
		Resources:   resources,
		NetworkMode: networkMode,
		Mounts:      mounts,
		AutoRemove:  false,
	}, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}
	containerID := resp.ID

	defer func() {
		removeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.cli.ContainerRemove(removeCtx, containerID, types.ContainerRemoveOptions{Force: true}); err != nil {
			s.logger.Warn("failed to remove sandbox container", zap.String("container_id", containerID), zap.Error(err))
		}
	}()

	if err := s.cli.ContainerStart(ctx, containerID, types.ContainerStartOptions{}); err != nil {
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	statusCh, errCh := s.cli.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	var exitCode int
	var killed bool
	select {
	case err := <-errCh:
		if err != nil && ctx.Err() != nil {
			killed = true
		} else if err != nil {
			return nil, fmt.Errorf("error waiting for container: %w", err)
		}
	case st := <-statusCh:
		exitCode = int(st.StatusCode)
	case <-ctx.Done():
		killed = true
	}

	stdout, stderr := s.collectLogs(context.Background(), containerID)

	return &Result{
		Stdout:   stdout,
		Stderr:   stderr,
		ExitCode: exitCode,
		Duration: time.Since(start),
		Killed:   killed,
	}, nil
}

// ExecuteScript writes script to a temp file on the host work dir (bind
// mounted into the container) and runs it with interpreter.
func (s *DockerSandbox) ExecuteScript(ctx context.Context, interpreter string, script string) (*Result, error) {
	tmpFile, err := os.CreateTemp(s.desc.WorkDir, "docker-script-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp script: %w", err)
	}
	defer os.Remove(tmpFile.Name())
	if _, err := tmpFile.WriteString(script); err != nil {
		return nil, fmt.Errorf("failed to write script: %w", err)
	}
	tmpFile.Close()

	containerPath := "/workspace/" + strings.TrimPrefix(tmpFile.Name(), s.desc.WorkDir+"/")
	return s.Execute(ctx, interpreter, []string{containerPath})
}

// ExecuteShell runs a shell command string via "sh -c" inside the container.
func (s *DockerSandbox) ExecuteShell(ctx context.Context, command string) (*Result, error) {
	return s.Execute(ctx, "sh", []string{"-c", command})
}

func (s *DockerSandbox) collectLogs(ctx context.Context, containerID string) (string, string) {
	out, err := s.cli.ContainerLogs(ctx, containerID, types.ContainerLogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", ""
	}
	defer out.Close()

	var buf bytes.Buffer
	_, _ = io.Copy(&buf, out)
	// Docker multiplexes stdout/stderr with an 8-byte header per frame when
	// not using a TTY; for sandbox purposes the combined stream is
	// sufficient, so it is returned as-is under Stdout.
	return buf.String(), ""
}
