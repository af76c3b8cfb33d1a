package runtime

import (
	"errors"
	"strings"
	"time"
)

// ErrNonZeroExit is wrapped by driver errors when the command ran but exited
// with a non-zero status. The accompanying Result is always populated.
var ErrNonZeroExit = errors.New("compose command exited non-zero")

// Project identifies one deployment's compose project.
type Project struct {
	// Name is the compose project name (-p), e.g. "aether-1a2b3c4d5e".
	Name string
	// Dir is the working directory the command runs in.
	Dir string
	// ComposeFile is the read-only compose template.
	ComposeFile string
	// EnvFile is the deployment's generated env file.
	EnvFile string
}

// ProjectNameFor returns the compose project name for a deployment id.
func ProjectNameFor(deploymentID string) string {
	return "aether-" + deploymentID
}

// UpOptions controls Up.
type UpOptions struct {
	ForceRecreate bool
	RemoveOrphans bool
}

// DownOptions controls Down.
type DownOptions struct {
	RemoveOrphans bool
}

// Result is the outcome of one compose invocation.
type Result struct {
	Command  string
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Output returns stdout and stderr joined.
func (r *Result) Output() string {
	if r == nil {
		return ""
	}
	switch {
	case r.Stdout == "":
		return r.Stderr
	case r.Stderr == "":
		return r.Stdout
	}
	return strings.TrimRight(r.Stdout, "\n") + "\n" + r.Stderr
}

// ContainerState mirrors docker container states.
type ContainerState string

const (
	StateRunning    ContainerState = "running"
	StateExited     ContainerState = "exited"
	StateCreated    ContainerState = "created"
	StatePaused     ContainerState = "paused"
	StateRestarting ContainerState = "restarting"
	StateRemoving   ContainerState = "removing"
	StateDead       ContainerState = "dead"
	StateUnknown    ContainerState = "unknown"
)

// ParseContainerState maps an engine state string to a ContainerState.
func ParseContainerState(s string) ContainerState {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "running":
		return StateRunning
	case "exited", "stopped":
		return StateExited
	case "created":
		return StateCreated
	case "paused":
		return StatePaused
	case "restarting":
		return StateRestarting
	case "removing":
		return StateRemoving
	case "dead":
		return StateDead
	default:
		return StateUnknown
	}
}

// PortBinding is one published port.
type PortBinding struct {
	HostIP        string `json:"host_ip,omitempty"`
	HostPort      int    `json:"host_port"`
	ContainerPort int    `json:"container_port"`
	Protocol      string `json:"protocol,omitempty"`
}

// ContainerInfo describes one container of a project.
type ContainerInfo struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Service   string         `json:"service,omitempty"`
	State     ContainerState `json:"state"`
	Status    string         `json:"status,omitempty"`
	Health    string         `json:"health,omitempty"`
	ExitCode  int            `json:"exit_code"`
	OOMKilled bool           `json:"oom_killed"`
	Error     string         `json:"error,omitempty"`
	StartedAt time.Time      `json:"started_at,omitempty"`
	Ports     []PortBinding  `json:"ports,omitempty"`
}

// Merge overlays engine-level details from inspected onto containers,
// matching by id prefix or name.
func Merge(containers, inspected []ContainerInfo) []ContainerInfo {
	out := make([]ContainerInfo, len(containers))
	copy(out, containers)
	for i := range out {
		for _, in := range inspected {
			if !sameContainer(out[i], in) {
				continue
			}
			out[i].OOMKilled = in.OOMKilled
			if in.Error != "" {
				out[i].Error = in.Error
			}
			if !in.StartedAt.IsZero() {
				out[i].StartedAt = in.StartedAt
			}
			if out[i].ExitCode == 0 {
				out[i].ExitCode = in.ExitCode
			}
			if out[i].Health == "" {
				out[i].Health = in.Health
			}
			break
		}
	}
	return out
}

func sameContainer(a, b ContainerInfo) bool {
	if a.ID != "" && b.ID != "" && (strings.HasPrefix(a.ID, b.ID) || strings.HasPrefix(b.ID, a.ID)) {
		return true
	}
	return a.Name != "" && a.Name == b.Name
}

// AnyRunning reports whether at least one container is running.
func AnyRunning(cs []ContainerInfo) bool {
	for _, c := range cs {
		if c.State == StateRunning {
			return true
		}
	}
	return false
}
