package browser

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"go.uber.org/zap"
)

// DefaultBrowserImage exposes Chrome's devtools endpoint on port 3000
const DefaultBrowserImage = "browserless/chrome:latest"

// ContainerInstance is one running remote browser
type ContainerInstance struct {
	ContainerID string
	SessionID   string
	ConnectURL  string
	Port        string
}

// ContainerPool launches one browser container per session through the docker daemon
type ContainerPool struct {
	client    *client.Client
	image     string
	readyHost string
	readyWait time.Duration
	logger    *zap.Logger
}

// NewContainerPool connects to the docker daemon from the environment
func NewContainerPool(imageName string, logger *zap.Logger) (*ContainerPool, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	if imageName == "" {
		imageName = DefaultBrowserImage
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &ContainerPool{
		client:    cli,
		image:     imageName,
		readyHost: "localhost",
		readyWait: 10 * time.Second,
		logger:    logger.With(zap.String("component", "container_pool")),
	}, nil
}

// LaunchBrowser starts a container for sessionID and waits until its devtools endpoint answers
func (p *ContainerPool) LaunchBrowser(ctx context.Context, sessionID string) (*ContainerInstance, error) {
	containerConfig := &container.Config{
		Image: p.image,
		Labels: map[string]string{
			"session-id": sessionID,
			"managed-by": "browser-pilot",
		},
		Env: []string{
			"CONNECTION_TIMEOUT=-1",
			"MAX_CONCURRENT_SESSIONS=1",
			"PREBOOT_CHROME=true",
			"KEEP_ALIVE=true",
			"EXIT_ON_HEALTH_FAILURE=false",
		},
		ExposedPorts: nat.PortSet{
			"3000/tcp": struct{}{},
		},
	}

	hostConfig := &container.HostConfig{
		PortBindings: nat.PortMap{
			"3000/tcp": []nat.PortBinding{
				{
					HostIP:   "0.0.0.0",
					HostPort: "0",
				},
			},
		},
		AutoRemove: false,
	}

	name := sessionID
	if len(name) > 8 {
		name = name[:8]
	}

	resp, err := p.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, fmt.Sprintf("pilot-%s", name))
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}

	if err := p.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		p.removeQuietly(resp.ID)
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	inspect, err := p.client.ContainerInspect(ctx, resp.ID)
	if err != nil {
		p.removeQuietly(resp.ID)
		return nil, fmt.Errorf("failed to inspect container: %w", err)
	}

	bindings := inspect.NetworkSettings.Ports["3000/tcp"]
	if len(bindings) == 0 {
		p.removeQuietly(resp.ID)
		return nil, fmt.Errorf("container %s has no published devtools port", resp.ID[:12])
	}
	port := bindings[0].HostPort

	if err := p.waitForBrowserReady(ctx, port); err != nil {
		p.removeQuietly(resp.ID)
		return nil, fmt.Errorf("browser failed to become ready: %w", err)
	}

	p.logger.Info("browser container ready", zap.String("session", sessionID), zap.String("port", port))
	return &ContainerInstance{
		ContainerID: resp.ID,
		SessionID:   sessionID,
		ConnectURL:  fmt.Sprintf("ws://%s:%s", p.readyHost, port),
		Port:        port,
	}, nil
}

// StopBrowser stops and removes a container
func (p *ContainerPool) StopBrowser(ctx context.Context, containerID string) error {
	timeout := 10
	if err := p.client.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("failed to stop container: %w", err)
	}
	if err := p.client.ContainerRemove(ctx, containerID, container.RemoveOptions{}); err != nil {
		return fmt.Errorf("failed to remove container: %w", err)
	}
	return nil
}

// IsHealthy reports whether the container is still running
func (p *ContainerPool) IsHealthy(ctx context.Context, containerID string) bool {
	inspect, err := p.client.ContainerInspect(ctx, containerID)
	if err != nil {
		return false
	}
	return inspect.State != nil && inspect.State.Running
}

// EnsureImage pulls the browser image when it is not present locally
func (p *ContainerPool) EnsureImage(ctx context.Context) error {
	images, err := p.client.ImageList(ctx, image.ListOptions{})
	if err != nil {
		return err
	}

	for _, img := range images {
		for _, tag := range img.RepoTags {
			if tag == p.image {
				return nil
			}
		}
	}

	p.logger.Info("pulling browser image", zap.String("image", p.image))
	reader, err := p.client.ImagePull(ctx, p.image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image: %w", err)
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

// Close releases the docker client
func (p *ContainerPool) Close() error {
	return p.client.Close()
}

func (p *ContainerPool) removeQuietly(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := p.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		p.logger.Warn("failed to remove container", zap.String("container", containerID), zap.Error(err))
	}
}

// waitForBrowserReady polls /json/version until it answers 200 or the wait budget runs out
func (p *ContainerPool) waitForBrowserReady(ctx context.Context, port string) error {
	return pollReady(ctx, fmt.Sprintf("http://%s:%s/json/version", p.readyHost, port), p.readyWait, 500*time.Millisecond)
}

func pollReady(ctx context.Context, url string, wait, every time.Duration) error {
	deadline := time.Now().Add(wait)
	attempts := 0
	for {
		attempts++
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := http.DefaultClient.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		if time.Now().Add(every).After(deadline) {
			return fmt.Errorf("browser did not become ready after %d attempts", attempts)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(every):
		}
	}
}
