// Package docker implements the container driver on the Docker Engine API.
package docker

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"go.uber.org/zap"

	"github.com/meshhub/meshhub/internal/common/apperr"
	"github.com/meshhub/meshhub/internal/common/config"
	"github.com/meshhub/meshhub/internal/common/logger"
	"github.com/meshhub/meshhub/internal/driver"
)

// DriverName is the name this driver registers under.
const DriverName = "docker"

const (
	labelProject = "meshhub.project"
	labelService = "meshhub.service"
	labelAgent   = "meshhub.agent"
)

// Driver runs project stacks and one-shot agents on a Docker daemon.
type Driver struct {
	cli    *client.Client
	cfg    config.DockerConfig
	logger *logger.Logger
}

// New creates a Docker driver from the daemon configuration.
func New(cfg config.DockerConfig, log *logger.Logger) (*Driver, error) {
	opts := []client.Opt{
		client.WithAPIVersionNegotiation(),
	}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	if cfg.APIVersion != "" {
		opts = append(opts, client.WithVersion(cfg.APIVersion))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	log.Info("Docker driver created",
		zap.String("host", cfg.Host),
		zap.String("api_version", cfg.APIVersion),
	)

	return &Driver{cli: cli, cfg: cfg, logger: log}, nil
}

// Name implements driver.Driver.
func (d *Driver) Name() string { return DriverName }

// Ping checks daemon reachability.
func (d *Driver) Ping(ctx context.Context) error {
	if _, err := d.cli.Ping(ctx); err != nil {
		return apperr.DependencyUnavailable("docker daemon", err)
	}
	return nil
}

// Close closes the client connection.
func (d *Driver) Close() error {
	return d.cli.Close()
}

// StartStack creates and starts one container per service. On any failure,
// containers started so far are removed before the error is returned.
func (d *Driver) StartStack(ctx context.Context, spec driver.StackSpec) (*driver.StackHandle, error) {
	started := make([]string, 0, len(spec.Services))

	rollback := func() {
		for _, id := range started {
			rmCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if err := d.cli.ContainerRemove(rmCtx, id, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
				d.logger.Warn("Failed to remove container during rollback",
					zap.String("container_id", id), zap.Error(err))
			}
			cancel()
		}
	}

	for _, svc := range spec.Services {
		id, err := d.startService(ctx, spec, svc)
		if err != nil {
			rollback()
			return nil, err
		}
		started = append(started, id)
	}

	return &driver.StackHandle{
		Ref:       strings.Join(started, ","),
		StartedAt: time.Now().UTC(),
	}, nil
}

func (d *Driver) startService(ctx context.Context, spec driver.StackSpec, svc driver.ServiceSpec) (string, error) {
	name := fmt.Sprintf("hub-%s-%s", spec.Slug, svc.Name)
	d.logger.Info("Starting stack service",
		zap.String("slug", spec.Slug),
		zap.String("service", svc.Name),
		zap.String("image", svc.Image),
	)

	env := make([]string, 0, len(svc.Env))
	for k, v := range svc.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	if svc.ContainerPort > 0 && svc.HostPort > 0 {
		port := nat.Port(fmt.Sprintf("%d/tcp", svc.ContainerPort))
		exposed[port] = struct{}{}
		bindings[port] = []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: fmt.Sprintf("%d", svc.HostPort)}}
	}

	containerCfg := &container.Config{
		Image:        svc.Image,
		Env:          env,
		ExposedPorts: exposed,
		Labels: map[string]string{
			labelProject: spec.Slug,
			labelService: svc.Name,
		},
	}

	hostCfg := &container.HostConfig{
		PortBindings: bindings,
		RestartPolicy: container.RestartPolicy{
			Name: container.RestartPolicyUnlessStopped,
		},
	}
	if spec.Network != "" {
		hostCfg.NetworkMode = container.NetworkMode(spec.Network)
	}
	if spec.Path != "" && svc.Name == "backend" {
		hostCfg.Mounts = []mount.Mount{{
			Type:   mount.TypeBind,
			Source: spec.Path,
			Target: "/workspace",
		}}
	}

	resp, err := d.cli.ContainerCreate(ctx, containerCfg, hostCfg, &network.NetworkingConfig{}, nil, name)
	if err != nil {
		return "", apperr.DriverFailure(fmt.Sprintf("failed to create %s container", svc.Name), err)
	}

	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		rmCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = d.cli.ContainerRemove(rmCtx, resp.ID, container.RemoveOptions{Force: true, RemoveVolumes: true})
		return "", apperr.DriverFailure(fmt.Sprintf("failed to start %s container", svc.Name), err)
	}

	return resp.ID, nil
}

// StopStack stops every container behind the handle with the grace period,
// then removes them. Containers already gone are not an error.
func (d *Driver) StopStack(ctx context.Context, handle *driver.StackHandle, grace time.Duration) error {
	graceSecs := int(grace.Seconds())
	var firstErr error

	for _, id := range strings.Split(handle.Ref, ",") {
		if id == "" {
			continue
		}
		err := d.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &graceSecs})
		if err != nil && !client.IsErrNotFound(err) {
			d.logger.Error("Failed to stop container", zap.String("container_id", id), zap.Error(err))
			if firstErr == nil {
				firstErr = apperr.DriverFailure("failed to stop stack container", err)
			}
			continue
		}
		err = d.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true, RemoveVolumes: true})
		if err != nil && !client.IsErrNotFound(err) {
			d.logger.Warn("Failed to remove container", zap.String("container_id", id), zap.Error(err))
		}
	}
	return firstErr
}

// RunAgent runs a one-shot agent container: the input document is written to
// stdin, stdout is captured as the result. Cancelling ctx kills the container.
func (d *Driver) RunAgent(ctx context.Context, imageName string, input json.RawMessage, limits driver.ResourceLimits) (*driver.AgentResult, error) {
	if limits.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, limits.Timeout)
		defer cancel()
	}

	if err := d.ensureImage(ctx, imageName); err != nil {
		return nil, err
	}

	containerCfg := &container.Config{
		Image:        imageName,
		OpenStdin:    true,
		StdinOnce:    true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          false,
		Labels:       map[string]string{labelAgent: "true"},
	}
	hostCfg := &container.HostConfig{
		Resources: container.Resources{
			Memory:   limits.MemoryMB * 1024 * 1024,
			CPUQuota: limits.CPUQuota,
		},
	}

	resp, err := d.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, "")
	if err != nil {
		return nil, apperr.DriverFailure("failed to create agent container", err)
	}
	containerID := resp.ID

	defer func() {
		rmCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = d.cli.ContainerRemove(rmCtx, containerID, container.RemoveOptions{Force: true, RemoveVolumes: true})
	}()

	attach, err := d.cli.ContainerAttach(ctx, containerID, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return nil, apperr.DriverFailure("failed to attach to agent container", err)
	}
	defer attach.Close()

	if err := d.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return nil, apperr.DriverFailure("failed to start agent container", err)
	}

	// Feed the input document and close stdin so the agent sees EOF.
	go func() {
		if len(input) > 0 {
			if _, err := attach.Conn.Write(input); err != nil {
				d.logger.Debug("Failed to write agent input", zap.Error(err))
			}
		}
		_ = attach.CloseWrite()
	}()

	stdoutCh := make(chan []byte, 1)
	go func() {
		stdoutCh <- demultiplexStdout(attach.Reader)
	}()

	statusCh, errCh := d.cli.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)

	select {
	case err := <-errCh:
		if err != nil {
			return nil, classifyWaitError(ctx, err)
		}
		return nil, apperr.DriverFailure("agent container wait failed", nil)
	case status := <-statusCh:
		stdout := <-stdoutCh
		return &driver.AgentResult{
			Stdout:   stdout,
			ExitCode: int(status.StatusCode),
			LogsRef:  containerID,
		}, nil
	case <-ctx.Done():
		// Terminate the container; the deferred remove cleans up.
		killCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = d.cli.ContainerKill(killCtx, containerID, "SIGKILL")
		return nil, classifyWaitError(ctx, ctx.Err())
	}
}

// Terminate force-stops a container by id.
func (d *Driver) Terminate(ctx context.Context, ref string) error {
	grace := int(d.cfg.StopGraceDuration().Seconds())
	err := d.cli.ContainerStop(ctx, ref, container.StopOptions{Timeout: &grace})
	if err != nil && !client.IsErrNotFound(err) {
		return apperr.DriverFailure("failed to terminate container", err)
	}
	return nil
}

func (d *Driver) ensureImage(ctx context.Context, imageName string) error {
	_, _, err := d.cli.ImageInspectWithRaw(ctx, imageName)
	if err == nil {
		return nil
	}
	if !client.IsErrNotFound(err) {
		return apperr.DriverFailure("failed to inspect image", err)
	}

	d.logger.Info("Pulling image", zap.String("image", imageName))
	reader, err := d.cli.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return apperr.DriverFailure(fmt.Sprintf("failed to pull image %s", imageName), err)
	}
	defer reader.Close()
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return apperr.DriverFailure("error reading image pull output", err)
	}
	return nil
}

func classifyWaitError(ctx context.Context, err error) error {
	switch {
	case ctx.Err() == context.DeadlineExceeded:
		return apperr.Timeout("agent execution exceeded its time budget")
	case ctx.Err() == context.Canceled:
		return apperr.Cancelled("agent execution cancelled")
	default:
		return apperr.DriverFailure("agent container failed", err)
	}
}

// demultiplexStdout reads Docker's multiplexed stream format (Tty=false) and
// returns only the stdout frames. Frame header: byte 0 stream type, bytes
// 4-7 big-endian frame size.
func demultiplexStdout(reader io.Reader) []byte {
	var out []byte
	header := make([]byte, 8)
	for {
		if _, err := io.ReadFull(reader, header); err != nil {
			return out
		}
		streamType := header[0]
		size := binary.BigEndian.Uint32(header[4:8])
		if size == 0 {
			continue
		}
		data := make([]byte, size)
		if _, err := io.ReadFull(reader, data); err != nil {
			return out
		}
		if streamType == 1 {
			out = append(out, data...)
		}
	}
}
