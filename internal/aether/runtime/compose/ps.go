package compose

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aetherhub/aether/internal/aether/runtime"
)

type psPublisher struct {
	URL           string `json:"URL"`
	TargetPort    int    `json:"TargetPort"`
	PublishedPort int    `json:"PublishedPort"`
	Protocol      string `json:"Protocol"`
}

type psEntry struct {
	ID         string        `json:"ID"`
	Name       string        `json:"Name"`
	Service    string        `json:"Service"`
	State      string        `json:"State"`
	Status     string        `json:"Status"`
	Health     string        `json:"Health"`
	ExitCode   int           `json:"ExitCode"`
	Publishers []psPublisher `json:"Publishers"`
}

// ParsePS decodes "compose ps --format json" output. Older compose releases
// print one JSON array; newer ones print one object per line.
func ParsePS(out string) ([]runtime.ContainerInfo, error) {
	out = strings.TrimSpace(out)
	if out == "" {
		return nil, nil
	}

	var entries []psEntry
	if strings.HasPrefix(out, "[") {
		if err := json.Unmarshal([]byte(out), &entries); err != nil {
			return nil, fmt.Errorf("parse ps output: %w", err)
		}
	} else {
		for _, line := range strings.Split(out, "\n") {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			var e psEntry
			if err := json.Unmarshal([]byte(line), &e); err != nil {
				return nil, fmt.Errorf("parse ps line: %w", err)
			}
			entries = append(entries, e)
		}
	}

	infos := make([]runtime.ContainerInfo, 0, len(entries))
	for _, e := range entries {
		info := runtime.ContainerInfo{
			ID:       e.ID,
			Name:     e.Name,
			Service:  e.Service,
			State:    runtime.ParseContainerState(e.State),
			Status:   e.Status,
			Health:   e.Health,
			ExitCode: e.ExitCode,
		}
		if info.Health == "" {
			info.Health = healthFromStatus(e.Status)
		}
		for _, pub := range e.Publishers {
			if pub.PublishedPort == 0 {
				continue
			}
			info.Ports = append(info.Ports, runtime.PortBinding{
				HostIP:        pub.URL,
				HostPort:      pub.PublishedPort,
				ContainerPort: pub.TargetPort,
				Protocol:      pub.Protocol,
			})
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// healthFromStatus extracts the health suffix of a status string such as
// "Up 2 minutes (healthy)".
func healthFromStatus(status string) string {
	switch {
	case strings.Contains(status, "(unhealthy)"):
		return "unhealthy"
	case strings.Contains(status, "(healthy)"):
		return "healthy"
	case strings.Contains(status, "(health: starting)"):
		return "starting"
	}
	return ""
}
