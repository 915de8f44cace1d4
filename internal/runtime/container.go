package runtime

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/kandev/octo/internal/common/apperr"
	"github.com/kandev/octo/internal/common/logger"
	"github.com/kandev/octo/internal/validate"
)

// ContainerConfig configures the container-engine-backed runtime.
type ContainerConfig struct {
	DefaultNetwork string
	UsesPasta      bool // recorded from config; StartSession does not read it and sets no MTU
	Image          string
	Labels         map[string]string
}

// Container implements Runtime against the Docker Engine via its Go
// SDK, following the orchestrator's own docker-client convention of
// calling the SDK directly rather than shelling out to the CLI.
// Spec inputs reach this type only after passing through
// internal/validate, mirroring the "every string fed into the engine
// argv must have been validated first" discipline that applies
// whether the engine is driven by CLI argv or by SDK struct fields.
type Container struct {
	cli *dockerclient.Client
	cfg ContainerConfig
	log *logger.Logger
}

func NewContainer(cli *dockerclient.Client, cfg ContainerConfig) *Container {
	return &Container{cli: cli, cfg: cfg, log: logger.Default()}
}

func (c *Container) StartSession(ctx context.Context, req StartRequest) (Handle, error) {
	name := "octo-" + req.SessionID
	if err := validate.ContainerID(name); err != nil {
		return "", err
	}
	image := c.cfg.Image
	if req.Agent != "" {
		image = req.Agent
	}
	if err := validate.ImageName(image); err != nil {
		return "", err
	}
	if err := validate.Path(req.Workspace, []string{"/"}); err != nil {
		return "", err
	}

	ports := map[string]int{
		"opencode":   req.Ports.OpenCode,
		"fileserver": req.Ports.FileServer,
		"ttyd":       req.Ports.TTYD,
	}
	exposed, bindings := portBindings(ports)

	env := make([]string, 0, len(req.Env))
	for k, v := range req.Env {
		env = append(env, k+"="+v)
	}

	networkMode := dockercontainer.NetworkMode(c.cfg.DefaultNetwork)
	hostCfg := &dockercontainer.HostConfig{
		PortBindings: bindings,
		NetworkMode:  networkMode,
		Mounts: []mount.Mount{
			{Type: mount.TypeBind, Source: req.Workspace, Target: "/workspace"},
		},
	}
	// No MTU is set here, whether or not UsesPasta is true: the container
	// joins DefaultNetwork with whatever MTU that network was created with.

	containerCfg := &dockercontainer.Config{
		Image:        image,
		Env:          env,
		ExposedPorts: exposed,
		WorkingDir:   "/workspace",
		Labels:       mergeLabels(c.cfg.Labels, req.SessionID, req.UserID),
	}

	resp, err := c.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, name)
	if err != nil {
		return "", apperr.RuntimeFailure(err, "creating container for session %s", req.SessionID)
	}
	if err := c.cli.ContainerStart(ctx, resp.ID, dockercontainer.StartOptions{}); err != nil {
		return "", apperr.RuntimeFailure(err, "starting container %s", resp.ID)
	}
	return Handle(strings.TrimSpace(resp.ID)), nil
}

// ResumeSession for the container backend starts the existing
// container referenced by handle rather than creating a new one.
func (c *Container) ResumeSession(ctx context.Context, _ StartRequest, handle Handle) (Handle, error) {
	id := string(handle)
	if err := validate.ContainerID(id); err != nil {
		return "", err
	}
	if err := c.cli.ContainerStart(ctx, id, dockercontainer.StartOptions{}); err != nil {
		return "", apperr.RuntimeFailure(err, "resuming container %s", id)
	}
	return handle, nil
}

func (c *Container) StopSession(ctx context.Context, handle Handle, timeoutSec int) error {
	id := string(handle)
	if err := validate.ContainerID(id); err != nil {
		return err
	}
	timeout := timeoutSec
	if timeout <= 0 {
		timeout = 10
	}
	if err := c.cli.ContainerStop(ctx, id, dockercontainer.StopOptions{Timeout: &timeout}); err != nil {
		return apperr.RuntimeFailure(err, "stopping container %s", id)
	}
	return nil
}

func (c *Container) Inspect(ctx context.Context, handle Handle) (Status, error) {
	id := string(handle)
	if err := validate.ContainerID(id); err != nil {
		return StatusUnknown, err
	}
	info, err := c.cli.ContainerInspect(ctx, id)
	if err != nil {
		return StatusUnknown, apperr.RuntimeFailure(err, "inspecting container %s", id)
	}
	if info.State != nil && info.State.Running {
		return StatusRunning, nil
	}
	return StatusExited, nil
}

// ImageDigest resolves an image's content digest for upgrade
// detection: prefers the RepoDigests entry, falls back to the image
// ID when the image was built locally and has no registry digest.
func (c *Container) ImageDigest(ctx context.Context, image string) (string, error) {
	if err := validate.ImageName(image); err != nil {
		return "", err
	}
	inspect, _, err := c.cli.ImageInspectWithRaw(ctx, image)
	if err != nil {
		return "", apperr.RuntimeFailure(err, "inspecting image %s", image)
	}
	for _, d := range inspect.RepoDigests {
		if at := strings.LastIndex(d, "@"); at >= 0 {
			return d[at+1:], nil
		}
	}
	if inspect.ID != "" && inspect.ID != "<none>" {
		return inspect.ID, nil
	}
	return "", apperr.RuntimeFailure(nil, "image %s has no digest or id", image)
}

func portBindings(ports map[string]int) (nat.PortSet, nat.PortMap) {
	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for _, port := range ports {
		key := nat.Port(fmt.Sprintf("%d/tcp", port))
		exposed[key] = struct{}{}
		// Host binds to loopback only, per the same no-0.0.0.0 discipline
		// the local runtime's argv enforces for its own three services.
		bindings[key] = []nat.PortBinding{
			{HostIP: "127.0.0.1", HostPort: strconv.Itoa(port)},
		}
	}
	return exposed, bindings
}

func mergeLabels(base map[string]string, sessionID, userID string) map[string]string {
	out := make(map[string]string, len(base)+2)
	for k, v := range base {
		out[k] = v
	}
	out["octo.session_id"] = sessionID
	out["octo.user_id"] = userID
	return out
}
