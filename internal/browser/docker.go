package browser

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"github.com/rs/zerolog"

	"github.com/shehryarbajwa/cloud-browser/pkg/models"
)

// DockerOptions configures the Docker runtime.
type DockerOptions struct {
	// Host overrides DOCKER_HOST when set.
	Host string
	// Network is created on startup if missing. Empty disables it.
	Network string
	Logger  zerolog.Logger
}

// Docker implements Runtime against a Docker engine.
type Docker struct {
	client  *client.Client
	network string
	log     zerolog.Logger
}

// NewDocker connects to the Docker engine and prepares the session network.
func NewDocker(ctx context.Context, opts DockerOptions) (*Docker, error) {
	clientOpts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if opts.Host != "" {
		clientOpts = append(clientOpts, client.WithHost(opts.Host))
	}
	cli, err := client.NewClientWithOpts(clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	d := &Docker{
		client:  cli,
		network: opts.Network,
		log:     opts.Logger.With().Str("component", "docker").Logger(),
	}
	if err := d.Ping(ctx); err != nil {
		_ = cli.Close()
		return nil, err
	}
	if d.network != "" {
		if err := d.ensureNetwork(ctx); err != nil {
			d.log.Warn().Err(err).Str("network", d.network).Msg("network unavailable, using default bridge")
			d.network = ""
		}
	}
	return d, nil
}

func (d *Docker) ensureNetwork(ctx context.Context) error {
	_, err := d.client.NetworkInspect(ctx, d.network, network.InspectOptions{})
	if err == nil {
		d.log.Info().Str("network", d.network).Msg("using existing network")
		return nil
	}
	if !cerrdefs.IsNotFound(err) {
		return classify(err)
	}
	_, err = d.client.NetworkCreate(ctx, d.network, network.CreateOptions{
		Driver: "bridge",
		Options: map[string]string{
			"com.docker.network.bridge.enable_ip_masquerade": "true",
			"com.docker.network.bridge.enable_icc":           "false",
		},
		Labels: map[string]string{LabelService: ServiceName},
	})
	if err != nil && !cerrdefs.IsConflict(err) {
		return classify(err)
	}
	d.log.Info().Str("network", d.network).Msg("created network")
	return nil
}

// Ping checks that the engine answers.
func (d *Docker) Ping(ctx context.Context) error {
	if _, err := d.client.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrRuntimeUnavailable, err)
	}
	return nil
}

// Create creates and starts a browser container. When the container exists
// but could not be started, the handle is returned along with the error.
func (d *Docker) Create(ctx context.Context, spec ContainerSpec) (Handle, error) {
	if strings.TrimSpace(spec.Image) == "" {
		return Handle{}, errors.New("container image is required")
	}
	displayPort := nat.Port(fmt.Sprintf("%d/tcp", DisplayContainerPort))
	webPort := nat.Port(fmt.Sprintf("%d/tcp", WebContainerPort))

	containerConfig := &container.Config{
		Image:  spec.Image,
		Env:    envList(spec.Env),
		Labels: spec.Labels,
		ExposedPorts: nat.PortSet{
			displayPort: struct{}{},
			webPort:     struct{}{},
		},
	}

	hostConfig := &container.HostConfig{
		PortBindings: nat.PortMap{
			displayPort: []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: strconv.Itoa(spec.DisplayPort)}},
			webPort:     []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: strconv.Itoa(spec.WebPort)}},
		},
		ShmSize:       spec.ShmSize,
		SecurityOpt:   spec.SecurityOpt,
		AutoRemove:    false,
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyDisabled},
		Resources: container.Resources{
			CPUPeriod: CPUPeriod,
			CPUQuota:  spec.CPUQuota(),
			Memory:    spec.MemoryBytes,
		},
	}
	netName := spec.Network
	if netName == "" {
		netName = d.network
	}
	if netName != "" {
		hostConfig.NetworkMode = container.NetworkMode(netName)
	}

	log := d.log.With().Str("container", spec.Name).Str("image", spec.Image).Logger()
	resp, err := d.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, spec.Name)
	if err != nil {
		log.Warn().Err(err).Msg("container create failed")
		return Handle{}, fmt.Errorf("failed to create container: %w", classify(err))
	}
	h := Handle{ID: resp.ID, Name: spec.Name}

	if err := d.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		log.Warn().Err(err).Str("id", shortID(resp.ID)).Msg("container start failed")
		return h, fmt.Errorf("failed to start container: %w", classify(err))
	}
	log.Info().Str("id", shortID(resp.ID)).Msg("container started")
	return h, nil
}

var errNotReady = errors.New("not ready")

// WaitReady polls the container until it is running and its readiness
// signal is observed, the timeout elapses, or ctx is cancelled.
func (d *Docker) WaitReady(ctx context.Context, h Handle, spec ReadySpec) error {
	if spec.Interval <= 0 {
		spec.Interval = time.Second
	}
	waitCtx := ctx
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	check := func() error {
		inspect, err := d.client.ContainerInspect(waitCtx, h.ID)
		if err != nil {
			if cerrdefs.IsNotFound(err) {
				return backoff.Permanent(fmt.Errorf("%w: container %s is gone", ErrContainerExited, shortID(h.ID)))
			}
			d.log.Debug().Err(err).Str("id", shortID(h.ID)).Msg("readiness inspect failed")
			return err
		}
		if inspect.State == nil || !inspect.State.Running {
			if inspect.State != nil && (inspect.State.Status == "exited" || inspect.State.Status == "dead") {
				return backoff.Permanent(fmt.Errorf("%w: exit code %d", ErrContainerExited, inspect.State.ExitCode))
			}
			return errNotReady
		}

		if len(spec.LogMarkers) == 0 && !spec.Checking() {
			select {
			case <-time.After(spec.Settle):
				return nil
			case <-waitCtx.Done():
				return waitCtx.Err()
			}
		}
		if len(spec.LogMarkers) > 0 {
			found, err := d.logsContain(waitCtx, h.ID, spec.LogMarkers)
			if err != nil || !found {
				return errNotReady
			}
		}
		if spec.Checking() {
			host := containerAddr(inspect.NetworkSettings, d.network)
			if host == "" || !reachable(waitCtx, spec, host) {
				return errNotReady
			}
		}
		return nil
	}

	err := backoff.Retry(check, backoff.WithContext(backoff.NewConstantBackOff(spec.Interval), waitCtx))
	switch {
	case err == nil:
		d.log.Info().Str("id", shortID(h.ID)).Msg("container ready")
		return nil
	case errors.Is(err, ErrContainerExited):
		return err
	case ctx.Err() != nil:
		return ctx.Err()
	case waitCtx.Err() != nil:
		return fmt.Errorf("%w after %s", ErrReadinessTimeout, spec.Timeout)
	default:
		return err
	}
}

func (d *Docker) logsContain(ctx context.Context, id string, markers []string) (bool, error) {
	rc, err := d.client.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       "100",
	})
	if err != nil {
		return false, err
	}
	defer rc.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, rc); err != nil {
		return false, err
	}
	for _, m := range markers {
		if bytes.Contains(stdout.Bytes(), []byte(m)) || bytes.Contains(stderr.Bytes(), []byte(m)) {
			return true, nil
		}
	}
	return false, nil
}

// containerAddr returns the container's IP, preferring the session network.
func containerAddr(settings *container.NetworkSettings, preferred string) string {
	if settings == nil {
		return ""
	}
	if ep, ok := settings.Networks[preferred]; ok && ep != nil && ep.IPAddress != "" {
		return ep.IPAddress
	}
	names := make([]string, 0, len(settings.Networks))
	for name := range settings.Networks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if ep := settings.Networks[name]; ep != nil && ep.IPAddress != "" {
			return ep.IPAddress
		}
	}
	return ""
}

// checkClient accepts the self-signed certificates the browser images serve.
var checkClient = &http.Client{
	Timeout: 2 * time.Second,
	Transport: &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
	},
}

func reachable(ctx context.Context, spec ReadySpec, host string) bool {
	port := spec.CheckPort
	if port <= 0 {
		port = WebContainerPort
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	if spec.Check == CheckHTTP {
		scheme := spec.CheckScheme
		if scheme == "" {
			scheme = "https"
		}
		return checkHTTP(ctx, scheme+"://"+addr+"/")
	}
	return checkTCP(ctx, addr)
}

func checkTCP(ctx context.Context, addr string) bool {
	dialer := net.Dialer{Timeout: time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// checkHTTP reports whether the web server answers. Any response short of a
// server error counts, since the viewer may demand credentials.
func checkHTTP(ctx context.Context, url string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := checkClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return resp.StatusCode < http.StatusInternalServerError
}

// Stop stops a container. A missing container is not an error.
func (d *Docker) Stop(ctx context.Context, h Handle, grace time.Duration) error {
	if h.Empty() {
		return nil
	}
	timeout := int(grace.Seconds())
	err := d.client.ContainerStop(ctx, h.ID, container.StopOptions{Timeout: &timeout})
	if err != nil && !cerrdefs.IsNotFound(err) && !cerrdefs.IsNotModified(err) {
		return fmt.Errorf("failed to stop container: %w", classify(err))
	}
	return nil
}

// Remove deletes a container. A missing container is not an error.
func (d *Docker) Remove(ctx context.Context, h Handle, force bool) error {
	if h.Empty() {
		return nil
	}
	err := d.client.ContainerRemove(ctx, h.ID, container.RemoveOptions{Force: force, RemoveVolumes: true})
	if err != nil && !cerrdefs.IsNotFound(err) {
		// A removal already in progress finishes on its own.
		if cerrdefs.IsConflict(err) && strings.Contains(err.Error(), "already in progress") {
			return nil
		}
		return fmt.Errorf("failed to remove container: %w", classify(err))
	}
	return nil
}

// Inspect returns the container state and a one-off resource sample.
func (d *Docker) Inspect(ctx context.Context, h Handle) (models.ContainerStats, error) {
	inspect, err := d.client.ContainerInspect(ctx, h.ID)
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return models.ContainerStats{Status: "not_found"}, nil
		}
		return models.ContainerStats{}, classify(err)
	}

	out := models.ContainerStats{}
	if inspect.State != nil {
		out.Status = inspect.State.Status
		out.Running = inspect.State.Running
		if started, err := time.Parse(time.RFC3339Nano, inspect.State.StartedAt); err == nil {
			out.StartedAt = &started
		}
	}
	if !out.Running {
		return out, nil
	}

	resp, err := d.client.ContainerStats(ctx, h.ID, false)
	if err != nil {
		return out, classify(err)
	}
	defer resp.Body.Close()

	var stats container.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil && !errors.Is(err, io.EOF) {
		return out, fmt.Errorf("failed to decode stats: %w", err)
	}
	applyStats(&out, stats)
	return out, nil
}

// ListByLabel returns all containers, running or not, carrying every label.
func (d *Docker) ListByLabel(ctx context.Context, labels map[string]string) ([]Container, error) {
	args := filters.NewArgs()
	for k, v := range labels {
		args.Add("label", k+"="+v)
	}
	list, err := d.client.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, classify(err)
	}

	out := make([]Container, 0, len(list))
	for _, c := range list {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		out = append(out, Container{
			ID:      c.ID,
			Name:    name,
			Labels:  c.Labels,
			State:   string(c.State),
			Created: time.Unix(c.Created, 0),
		})
	}
	return out, nil
}

// EnsureImage pulls image unless it is already present.
func (d *Docker) EnsureImage(ctx context.Context, ref string) error {
	images, err := d.client.ImageList(ctx, image.ListOptions{
		Filters: filters.NewArgs(filters.Arg("reference", ref)),
	})
	if err != nil {
		return classify(err)
	}
	if len(images) > 0 {
		return nil
	}

	d.log.Info().Str("image", ref).Msg("pulling image")
	reader, err := d.client.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, classify(err))
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

// Info reports engine-wide resource information.
func (d *Docker) Info(ctx context.Context) (models.RuntimeInfo, error) {
	info, err := d.client.Info(ctx)
	if err != nil {
		return models.RuntimeInfo{}, classify(err)
	}
	return models.RuntimeInfo{
		ServerVersion:     info.ServerVersion,
		ContainersRunning: info.ContainersRunning,
		ContainersTotal:   info.Containers,
		Images:            info.Images,
		MemTotal:          info.MemTotal,
		NCPU:              info.NCPU,
		Driver:            info.Driver,
		KernelVersion:     info.KernelVersion,
		OperatingSystem:   info.OperatingSystem,
	}, nil
}

// Close releases the underlying client.
func (d *Docker) Close() error {
	return d.client.Close()
}

// classify maps engine errors onto the runtime error kinds.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled):
		return err
	case cerrdefs.IsNotFound(err) && strings.Contains(strings.ToLower(err.Error()), "image"):
		return fmt.Errorf("%w: %v", ErrImageNotFound, err)
	case cerrdefs.IsResourceExhausted(err),
		cerrdefs.IsInvalidArgument(err) && mentionsLimits(err):
		return fmt.Errorf("%w: %v", ErrResourceLimitExceeded, err)
	default:
		// Connection failures, engine 5xx and deadlines are all treated as transient.
		return fmt.Errorf("%w: %v", ErrRuntimeUnavailable, err)
	}
}

func mentionsLimits(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, word := range []string{"memory", "cpu", "shm", "resource"} {
		if strings.Contains(msg, word) {
			return true
		}
	}
	return false
}

// envList renders env in a stable order.
func envList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
