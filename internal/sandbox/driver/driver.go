// Package driver is the narrow adapter over the container engine's local
// API. It owns the engine socket; no other component talks to the engine.
//
// Error policy: transient engine failures are retried with exponential
// backoff, not-found on inspect/stop/remove is coerced to success (the
// target is gone, which is what the caller wanted), and create paths treat
// "already exists" as adoption rather than failure so crash-recovery can
// latch onto surviving sandboxes.
package driver

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"go.uber.org/zap"

	apperrors "github.com/claudebox/claudebox/internal/common/errors"
	"github.com/claudebox/claudebox/internal/common/logger"
)

// Labels every managed sandbox carries.
const (
	LabelManaged = "com.claude-code.managed"
	LabelUser    = "com.claude-code.user"
)

// Spec fully describes a sandbox container. The supervisor builds it; the
// driver translates it mechanically.
type Spec struct {
	Name        string
	Image       string
	Env         []string
	WorkingDir  string
	Labels      map[string]string
	Binds       []Bind
	NetworkMode string
	SecurityOpt []string

	// Resource limits from the tier table.
	NanoCPUs    int64
	MemoryBytes int64
	PidsLimit   int64
}

// Bind is one host directory mounted into the container.
type Bind struct {
	Source   string
	Target   string
	ReadOnly bool
}

// Info is the driver's view of a container.
type Info struct {
	EngineID  string
	Name      string
	Image     string
	Status    string // created, running, paused, restarting, removing, exited, dead
	StartedAt time.Time
	ExitCode  int
	Labels    map[string]string
}

// Running reports whether the engine considers the container running.
func (i *Info) Running() bool { return i.Status == "running" }

// Driver wraps the engine client.
type Driver struct {
	cli    *client.Client
	logger *logger.Logger
}

// New connects to the engine at the given host (unix:///var/run/docker.sock
// or any URL the SDK accepts).
func New(host string, log *logger.Logger) (*Driver, error) {
	cli, err := client.NewClientWithOpts(
		client.WithHost(host),
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create engine client: %w", err)
	}
	return &Driver{
		cli:    cli,
		logger: log.WithFields(zap.String("component", "sandbox-driver")),
	}, nil
}

// Close closes the engine client.
func (d *Driver) Close() error {
	return d.cli.Close()
}

// Ping verifies the engine socket is reachable.
func (d *Driver) Ping(ctx context.Context) error {
	err := d.withRetry(ctx, "ping", func() error {
		_, err := d.cli.Ping(ctx)
		return err
	})
	if err != nil {
		return apperrors.EngineUnreachable(err)
	}
	return nil
}

// PullImage pulls the sandbox image, draining the progress stream.
func (d *Driver) PullImage(ctx context.Context, ref string) error {
	d.logger.Info("pulling image", zap.String("image", ref))
	reader, err := d.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return apperrors.ImagePullFailure(ref, err)
	}
	defer func() { _ = reader.Close() }()
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return apperrors.ImagePullFailure(ref, err)
	}
	return nil
}

// CreateVolume creates a bind-flavoured named volume over a host directory.
// An existing volume with the same name is success.
func (d *Driver) CreateVolume(ctx context.Context, name, hostPath string) error {
	err := d.withRetry(ctx, "volume create", func() error {
		_, err := d.cli.VolumeCreate(ctx, volume.CreateOptions{
			Name:   name,
			Driver: "local",
			DriverOpts: map[string]string{
				"type":   "none",
				"o":      "bind",
				"device": hostPath,
			},
			Labels: map[string]string{LabelManaged: "true"},
		})
		return err
	})
	if err != nil {
		if cerrdefs.IsConflict(err) || cerrdefs.IsAlreadyExists(err) {
			return nil
		}
		return apperrors.VolumeCreateFailure(name, err)
	}
	return nil
}

// CreateContainer creates a container from the spec and returns its engine
// ID. A name conflict adopts the existing container instead of failing.
func (d *Driver) CreateContainer(ctx context.Context, spec Spec) (string, error) {
	mounts := make([]mount.Mount, 0, len(spec.Binds))
	for _, b := range spec.Binds {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   b.Source,
			Target:   b.Target,
			ReadOnly: b.ReadOnly,
		})
	}

	containerCfg := &container.Config{
		Image:      spec.Image,
		Env:        spec.Env,
		WorkingDir: spec.WorkingDir,
		Labels:     spec.Labels,
	}
	pids := spec.PidsLimit
	hostCfg := &container.HostConfig{
		Mounts:      mounts,
		NetworkMode: container.NetworkMode(spec.NetworkMode),
		SecurityOpt: spec.SecurityOpt,
		Resources: container.Resources{
			NanoCPUs:  spec.NanoCPUs,
			Memory:    spec.MemoryBytes,
			PidsLimit: &pids,
		},
	}

	var engineID string
	err := d.withRetry(ctx, "container create", func() error {
		resp, err := d.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, spec.Name)
		if err != nil {
			return err
		}
		engineID = resp.ID
		return nil
	})
	if err != nil {
		if cerrdefs.IsConflict(err) {
			// Name already taken: adopt the survivor.
			info, inspectErr := d.InspectContainerByName(ctx, spec.Name)
			if inspectErr == nil && info != nil {
				d.logger.Info("adopted existing container",
					zap.String("name", spec.Name),
					zap.String("engine_id", info.EngineID))
				return info.EngineID, nil
			}
		}
		if isNoSuchImage(err) {
			return "", apperrors.ImagePullFailure(spec.Image, err)
		}
		return "", mapEngineErr(err, fmt.Sprintf("failed to create container %q", spec.Name))
	}
	d.logger.Info("container created", zap.String("name", spec.Name), zap.String("engine_id", engineID))
	return engineID, nil
}

// StartContainer starts a container. Already-started is success.
func (d *Driver) StartContainer(ctx context.Context, engineID string) error {
	err := d.withRetry(ctx, "container start", func() error {
		return d.cli.ContainerStart(ctx, engineID, container.StartOptions{})
	})
	if err != nil {
		return mapEngineErr(err, fmt.Sprintf("failed to start container %s", shortID(engineID)))
	}
	return nil
}

// StopContainer stops a container, giving it grace before the engine kills
// it. A container that is already gone or stopped is success.
func (d *Driver) StopContainer(ctx context.Context, engineID string, grace time.Duration) error {
	graceSeconds := int(grace.Seconds())
	err := d.withRetry(ctx, "container stop", func() error {
		return d.cli.ContainerStop(ctx, engineID, container.StopOptions{Timeout: &graceSeconds})
	})
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return nil
		}
		return mapEngineErr(err, fmt.Sprintf("failed to stop container %s", shortID(engineID)))
	}
	return nil
}

// RemoveContainer force-removes a container. Not-found is success.
func (d *Driver) RemoveContainer(ctx context.Context, engineID string) error {
	err := d.withRetry(ctx, "container remove", func() error {
		return d.cli.ContainerRemove(ctx, engineID, container.RemoveOptions{Force: true})
	})
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return nil
		}
		return mapEngineErr(err, fmt.Sprintf("failed to remove container %s", shortID(engineID)))
	}
	return nil
}

// InspectContainer returns the engine's view of a container, or nil when it
// does not exist.
func (d *Driver) InspectContainer(ctx context.Context, engineID string) (*Info, error) {
	var info *Info
	err := d.withRetry(ctx, "container inspect", func() error {
		inspect, err := d.cli.ContainerInspect(ctx, engineID)
		if err != nil {
			return err
		}
		info = infoFromInspect(inspect.ID, strings.TrimPrefix(inspect.Name, "/"), inspect)
		return nil
	})
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return nil, nil
		}
		return nil, mapEngineErr(err, fmt.Sprintf("failed to inspect container %s", shortID(engineID)))
	}
	return info, nil
}

// InspectContainerByName resolves a container by name. Names are unique per
// engine, which is what makes adoption deterministic.
func (d *Driver) InspectContainerByName(ctx context.Context, name string) (*Info, error) {
	return d.InspectContainer(ctx, name)
}

// ListManagedContainers lists every container carrying the managed label,
// running or not.
func (d *Driver) ListManagedContainers(ctx context.Context) ([]Info, error) {
	filterArgs := filters.NewArgs()
	filterArgs.Add("label", LabelManaged+"=true")

	var infos []Info
	err := d.withRetry(ctx, "container list", func() error {
		containers, err := d.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: filterArgs})
		if err != nil {
			return err
		}
		infos = make([]Info, 0, len(containers))
		for _, ctr := range containers {
			name := ""
			if len(ctr.Names) > 0 {
				name = strings.TrimPrefix(ctr.Names[0], "/")
			}
			infos = append(infos, Info{
				EngineID: ctr.ID,
				Name:     name,
				Image:    ctr.Image,
				Status:   ctr.State,
				Labels:   ctr.Labels,
			})
		}
		return nil
	})
	if err != nil {
		return nil, mapEngineErr(err, "failed to list managed containers")
	}
	return infos, nil
}

func infoFromInspect(id, name string, inspect container.InspectResponse) *Info {
	info := &Info{
		EngineID: id,
		Name:     name,
	}
	if inspect.Config != nil {
		info.Image = inspect.Config.Image
		info.Labels = inspect.Config.Labels
	}
	if inspect.State != nil {
		info.Status = string(inspect.State.Status)
		info.ExitCode = inspect.State.ExitCode
		if inspect.State.StartedAt != "" {
			if startedAt, err := time.Parse(time.RFC3339Nano, inspect.State.StartedAt); err == nil {
				info.StartedAt = startedAt
			}
		}
	}
	return info
}

func shortID(engineID string) string {
	if len(engineID) > 12 {
		return engineID[:12]
	}
	return engineID
}

func isNoSuchImage(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "no such image")
}
