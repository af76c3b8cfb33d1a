// Package docker reads container details for compose projects straight from
// the Docker Engine API. It complements the compose CLI driver with fields
// compose does not report, such as the OOM-killed flag and start time.
package docker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	dockerclient "github.com/docker/docker/client"

	"github.com/aetherhub/aether/internal/aether/runtime"
)

// LabelProject is the label compose sets on every container of a project.
const LabelProject = "com.docker.compose.project"

const labelService = "com.docker.compose.service"

// engineAPI is the subset of the Docker client the inspector uses.
type engineAPI interface {
	ContainerList(ctx context.Context, options container.ListOptions) ([]types.Container, error)
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
	Ping(ctx context.Context) (types.Ping, error)
}

// Inspector implements runtime.Inspector using the Docker Engine API.
type Inspector struct {
	client engineAPI
}

var _ runtime.Inspector = (*Inspector)(nil)

// New creates an Inspector from DOCKER_HOST or the default socket.
func New() (*Inspector, error) {
	cli, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &Inspector{client: cli}, nil
}

// Ping checks that the engine is reachable.
func (i *Inspector) Ping(ctx context.Context) error {
	if _, err := i.client.Ping(ctx); err != nil {
		return fmt.Errorf("docker ping: %w", err)
	}
	return nil
}

// Containers returns every container labelled with the compose project.
func (i *Inspector) Containers(ctx context.Context, project string) ([]runtime.ContainerInfo, error) {
	list, err := i.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", LabelProject+"="+project)),
	})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}

	out := make([]runtime.ContainerInfo, 0, len(list))
	for _, c := range list {
		inspect, err := i.client.ContainerInspect(ctx, c.ID)
		if err != nil {
			if dockerclient.IsErrNotFound(err) {
				continue
			}
			return nil, fmt.Errorf("inspect container %s: %w", c.ID, err)
		}
		out = append(out, infoFromInspect(inspect))
	}
	return out, nil
}

func infoFromInspect(inspect types.ContainerJSON) runtime.ContainerInfo {
	info := runtime.ContainerInfo{
		ID:   inspect.ID,
		Name: strings.TrimPrefix(inspect.Name, "/"),
	}
	if inspect.Config != nil {
		info.Service = inspect.Config.Labels[labelService]
	}
	if st := inspect.State; st != nil {
		info.State = runtime.ParseContainerState(st.Status)
		info.ExitCode = st.ExitCode
		info.OOMKilled = st.OOMKilled
		info.Error = st.Error
		info.StartedAt, _ = time.Parse(time.RFC3339Nano, st.StartedAt)
		if st.Health != nil {
			info.Health = st.Health.Status
		}
	} else {
		info.State = runtime.StateUnknown
	}
	return info
}
