package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/aetherhub/aether/common/spec/deployfields"
	"github.com/aetherhub/aether/internal/aether/deploy"
	"github.com/aetherhub/aether/internal/aether/health"
	"github.com/aetherhub/aether/internal/aether/logbuf"
)

const maxLogTail = 1000

func (s *Server) handleSchema(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deploy.FieldSchema())
}

// configureFields converts a request body into field values. Keys are
// matched case-insensitively ("openrouter_api_key" names
// OPENROUTER_API_KEY) and null values are skipped.
func configureFields(body map[string]*string) deployfields.Values {
	out := make(deployfields.Values, len(body))
	for k, v := range body {
		if v == nil {
			continue
		}
		out[strings.ToUpper(strings.TrimSpace(k))] = *v
	}
	return out
}

type configureResponse struct {
	OK           bool          `json:"ok"`
	DeploymentID string        `json:"deployment_id"`
	Name         string        `json:"name"`
	Port         int           `json:"port"`
	GatewayToken string        `json:"gateway_token,omitempty"`
	Status       deploy.Status `json:"status"`
	Message      string        `json:"message"`
}

func (s *Server) handleConfigure(w http.ResponseWriter, r *http.Request) {
	var body map[string]*string
	if err := decode(w, r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	d, err := s.deploy.Configure(r.Context(), configureFields(body))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, configureResponse{
		OK:           true,
		DeploymentID: d.ID,
		Name:         d.Name,
		Port:         d.Port,
		GatewayToken: d.GatewayToken,
		Status:       d.Status,
		Message:      fmt.Sprintf("Deployment configured. Port: %d. Ready to launch.", d.Port),
	})
}

type actionRequest struct {
	DeploymentID string `json:"deployment_id"`
}

func (s *Server) actionID(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req actionRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return "", false
	}
	if strings.TrimSpace(req.DeploymentID) == "" {
		writeError(w, r, fmt.Errorf("%w: deployment_id is required", errBadRequest))
		return "", false
	}
	return req.DeploymentID, true
}

func (s *Server) handleLaunch(w http.ResponseWriter, r *http.Request) {
	id, ok := s.actionID(w, r)
	if !ok {
		return
	}
	d, err := s.deploy.Launch(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, configureResponse{
		OK:           true,
		DeploymentID: d.ID,
		Name:         d.Name,
		Port:         d.Port,
		GatewayToken: d.GatewayToken,
		Status:       d.Status,
		Message:      fmt.Sprintf("Launch started on port %d. Connect via ws://<host>:%d", d.Port, d.Port),
	})
}

type stopResponse struct {
	OK           bool          `json:"ok"`
	DeploymentID string        `json:"deployment_id"`
	Status       deploy.Status `json:"status"`
	Message      string        `json:"message"`
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	id, ok := s.actionID(w, r)
	if !ok {
		return
	}
	d, err := s.deploy.Stop(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stopResponse{
		OK:           true,
		DeploymentID: d.ID,
		Status:       d.Status,
		Message:      "Container stopped.",
	})
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.deploy.Remove(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":            true,
		"deployment_id": id,
		"message":       "Deployment removed.",
	})
}

func (s *Server) handleDeployStatus(w http.ResponseWriter, r *http.Request) {
	report, err := s.deploy.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type logsResponse struct {
	DeploymentID string   `json:"deployment_id"`
	Logs         []string `json:"logs"`
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	tail := 0
	if raw := r.URL.Query().Get("tail"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, r, fmt.Errorf("%w: tail must be a positive integer", errBadRequest))
			return
		}
		tail = min(n, maxLogTail)
	}
	id := r.PathValue("id")
	entries, err := s.deploy.Logs(r.Context(), id, tail)
	if err != nil {
		writeError(w, r, err)
		return
	}
	lines := logbuf.Lines(entries)
	if lines == nil {
		lines = []string{}
	}
	writeJSON(w, http.StatusOK, logsResponse{DeploymentID: id, Logs: lines})
}

type listResponse struct {
	Deployments []*deploy.Deployment `json:"deployments"`
	Count       int                  `json:"count"`
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	list, err := s.deploy.List(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if list == nil {
		list = []*deploy.Deployment{}
	}
	writeJSON(w, http.StatusOK, listResponse{Deployments: list, Count: len(list)})
}

type gatewayHealthResponse struct {
	DeploymentID string `json:"deployment_id"`
	health.Result
}

func (s *Server) handleGatewayHealth(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	res, err := s.deploy.GatewayHealth(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, gatewayHealthResponse{DeploymentID: id, Result: res})
}
