// Package runtime defines the compose driver boundary used to run gateway
// deployments.
package runtime

import "context"

// Driver abstracts the compose-style container engine. Every call runs
// against one Project; results carry the exit code and captured output so
// callers can decide what a non-zero exit means.
type Driver interface {
	// Up creates and starts the project's services in the background.
	Up(ctx context.Context, p Project, opts UpOptions) (*Result, error)

	// Pull fetches the images referenced by the project.
	Pull(ctx context.Context, p Project) (*Result, error)

	// Down stops and removes the project's containers.
	Down(ctx context.Context, p Project, opts DownOptions) (*Result, error)

	// Status lists the project's containers, including exited ones.
	Status(ctx context.Context, p Project) ([]ContainerInfo, error)

	// Logs returns the last tail lines of every service's output, each
	// prefixed with "service | " and an RFC 3339 timestamp.
	Logs(ctx context.Context, p Project, tail int) (string, error)
}

// Inspector returns engine-level container details that compose does not
// expose, such as the OOM-killed flag.
type Inspector interface {
	Containers(ctx context.Context, project string) ([]ContainerInfo, error)
}
