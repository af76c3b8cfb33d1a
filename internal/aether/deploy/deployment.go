package deploy

import (
	"encoding/json"
	"time"

	"github.com/aetherhub/aether/internal/aether/faults"
	"github.com/aetherhub/aether/internal/aether/health"
	"github.com/aetherhub/aether/internal/aether/runtime"
	"github.com/aetherhub/aether/internal/aether/store"
)

// Deployment is the public view of one deployment record.
type Deployment struct {
	ID           string         `json:"deployment_id"`
	Name         string         `json:"name"`
	Port         int            `json:"port"`
	GatewayToken string         `json:"-"`
	Status       Status         `json:"status"`
	Directory    string         `json:"deploy_dir"`
	Project      string         `json:"project"`
	LastError    *LastError     `json:"last_error,omitempty"`
	Health       *health.Result `json:"health,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// LastError is the most recent terminal failure of a deployment.
type LastError struct {
	Reason  faults.Reason `json:"reason"`
	Message string        `json:"message"`
}

// StatusReport combines the recorded state with live container metadata.
type StatusReport struct {
	DeploymentID string                  `json:"deployment_id"`
	Name         string                  `json:"name"`
	Status       Status                  `json:"status"`
	Port         int                     `json:"port"`
	LastError    *LastError              `json:"last_error,omitempty"`
	Health       *health.Result          `json:"health,omitempty"`
	Containers   []runtime.ContainerInfo `json:"containers"`
	// Error is set when container metadata could not be fetched.
	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

func fromRecord(r *store.Deployment) *Deployment {
	d := &Deployment{
		ID:           r.ID,
		Name:         r.Name,
		Port:         r.Port,
		GatewayToken: r.GatewayToken,
		Status:       Status(r.Status),
		Directory:    r.Directory,
		Project:      r.Project,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
	if r.LastErrorReason.Valid {
		d.LastError = &LastError{Reason: faults.Reason(r.LastErrorReason.String), Message: r.LastErrorMessage.String}
	}
	if r.HealthJSON.Valid {
		var h health.Result
		if err := json.Unmarshal([]byte(r.HealthJSON.String), &h); err == nil {
			d.Health = &h
		}
	}
	return d
}
