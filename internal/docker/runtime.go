package docker

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/go-connections/nat"
)

const (
	LabelManagedBy = "nerine.managed-by"
	LabelChallenge = "nerine.challenge"
	LabelTeam      = "nerine.team"
)

var (
	// ErrNameConflict is returned when a container with the requested name already exists.
	ErrNameConflict = errors.New("container name already in use")
	ErrNoNetwork    = errors.New("container has no network address")
)

// Runtime is the subset of the Docker Engine API the deployer drives.
type Runtime interface {
	PullImage(ctx context.Context, ref string) error
	CreateContainer(ctx context.Context, spec ContainerSpec) (string, error)
	StartContainer(ctx context.Context, id string) error
	ContainerIP(ctx context.Context, id string) (string, error)
	// RemoveContainer force-removes a container and its anonymous volumes.
	// Removing a container that does not exist is not an error.
	RemoveContainer(ctx context.Context, nameOrID string) error
	Close() error
}

type ContainerSpec struct {
	Name        string
	Image       string
	Env         map[string]string
	NanoCPUs    int64
	MemoryBytes int64
	Privileged  bool
	Labels      map[string]string
	// TCPBindings maps container ports to host ports bound on 0.0.0.0.
	TCPBindings map[uint16]uint16
}

type RegistryAuth struct {
	Username      string
	Password      string
	ServerAddress string
}

type Options struct {
	Host string
	// TLS is used for tcp:// hosts. Nil means plain transport.
	TLS  *tls.Config
	Auth *RegistryAuth
}

// Client implements Runtime on top of the Docker SDK.
type Client struct {
	cli        *client.Client
	pullAuth   string
	httpClient *http.Client
}

var _ Runtime = (*Client)(nil)

func NewClient(opts Options) (*Client, error) {
	c := &Client{}
	clientOpts := []client.Opt{client.WithAPIVersionNegotiation()}
	if opts.TLS != nil {
		c.httpClient = &http.Client{
			Transport: &http.Transport{TLSClientConfig: opts.TLS},
			Timeout:   5 * time.Minute,
		}
		clientOpts = append(clientOpts,
			client.WithHTTPClient(c.httpClient),
			client.WithHost(opts.Host),
			client.WithScheme("https"),
		)
	} else {
		clientOpts = append(clientOpts, client.WithHost(opts.Host))
	}
	cli, err := client.NewClientWithOpts(clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client for %s: %w", opts.Host, err)
	}
	c.cli = cli

	if opts.Auth != nil {
		auth, err := registry.EncodeAuthConfig(registry.AuthConfig{
			Username:      opts.Auth.Username,
			Password:      opts.Auth.Password,
			ServerAddress: opts.Auth.ServerAddress,
		})
		if err != nil {
			cli.Close()
			return nil, fmt.Errorf("failed to encode registry auth: %w", err)
		}
		c.pullAuth = auth
	}
	return c, nil
}

func (c *Client) PullImage(ctx context.Context, ref string) error {
	rc, err := c.cli.ImagePull(ctx, ref, image.PullOptions{RegistryAuth: c.pullAuth})
	if err != nil {
		return fmt.Errorf("failed to pull %s: %w", ref, err)
	}
	defer rc.Close()
	// The pull only completes once the progress stream is drained.
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("failed to pull %s: %w", ref, err)
	}
	return nil
}

func (c *Client) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	cfg, hostCfg, err := buildConfigs(spec)
	if err != nil {
		return "", err
	}
	resp, err := c.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		if errdefs.IsConflict(err) {
			return "", fmt.Errorf("%w: %s", ErrNameConflict, spec.Name)
		}
		return "", fmt.Errorf("failed to create container %s: %w", spec.Name, err)
	}
	return resp.ID, nil
}

func buildConfigs(spec ContainerSpec) (*container.Config, *container.HostConfig, error) {
	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}
	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for containerPort, hostPort := range spec.TCPBindings {
		p, err := nat.NewPort("tcp", strconv.Itoa(int(containerPort)))
		if err != nil {
			return nil, nil, err
		}
		exposed[p] = struct{}{}
		bindings[p] = []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: strconv.Itoa(int(hostPort))}}
	}
	labels := map[string]string{LabelManagedBy: "nerine"}
	for k, v := range spec.Labels {
		labels[k] = v
	}

	cfg := &container.Config{
		Image:        spec.Image,
		Env:          env,
		Labels:       labels,
		ExposedPorts: exposed,
	}
	hostCfg := &container.HostConfig{
		PortBindings: bindings,
		Privileged:   spec.Privileged,
		Resources: container.Resources{
			NanoCPUs: spec.NanoCPUs,
			Memory:   spec.MemoryBytes,
		},
	}
	return cfg, hostCfg, nil
}

func (c *Client) StartContainer(ctx context.Context, id string) error {
	if err := c.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start container %s: %w", id, err)
	}
	return nil
}

func (c *Client) ContainerIP(ctx context.Context, id string) (string, error) {
	info, err := c.cli.ContainerInspect(ctx, id)
	if err != nil {
		return "", fmt.Errorf("failed to inspect container %s: %w", id, err)
	}
	if info.NetworkSettings == nil {
		return "", fmt.Errorf("%w: %s", ErrNoNetwork, id)
	}
	for _, ep := range info.NetworkSettings.Networks {
		if ep != nil && ep.IPAddress != "" {
			return ep.IPAddress, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrNoNetwork, id)
}

func (c *Client) RemoveContainer(ctx context.Context, nameOrID string) error {
	err := c.cli.ContainerRemove(ctx, nameOrID, container.RemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	})
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to remove container %s: %w", nameOrID, err)
	}
	return nil
}

func (c *Client) Close() error {
	if c.httpClient != nil {
		c.httpClient.CloseIdleConnections()
	}
	return c.cli.Close()
}
