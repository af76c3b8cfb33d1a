package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/aetherhub/aether/internal/aether/connmgr"
	"github.com/aetherhub/aether/internal/aether/gateway"
)

type localConnectRequest struct {
	DeploymentID string `json:"deployment_id"`
	SessionName  string `json:"session_name"`
}

type localConnectResponse struct {
	Connected    bool            `json:"connected"`
	DeploymentID string          `json:"deployment_id"`
	SessionName  string          `json:"session_name"`
	Port         int             `json:"port"`
	Protocol     int             `json:"protocol"`
	Server       json.RawMessage `json:"server,omitempty"`
}

func (s *Server) handleLocalConnect(w http.ResponseWriter, r *http.Request) {
	var req localConnectRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.DeploymentID) == "" {
		writeError(w, r, fmt.Errorf("%w: deployment_id is required", errBadRequest))
		return
	}
	info, err := s.conns.ConnectLocal(r.Context(), req.DeploymentID, strings.TrimSpace(req.SessionName))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, localConnectResponse{
		Connected:    info.Connected,
		DeploymentID: info.DeploymentID,
		SessionName:  info.SessionName,
		Port:         info.Port,
		Protocol:     info.Protocol,
		Server:       info.Server,
	})
}

type localStatusResponse struct {
	Connected    bool          `json:"connected"`
	State        gateway.State `json:"state"`
	DeploymentID string        `json:"deployment_id,omitempty"`
	SessionName  string        `json:"session_name,omitempty"`
	Port         int           `json:"port,omitempty"`
	URL          string        `json:"url,omitempty"`
}

func (s *Server) handleLocalStatus(w http.ResponseWriter, r *http.Request) {
	info, err := s.conns.Info(r.Context(), connmgr.RoleLocal)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, localStatusResponse{
		Connected:    info.Connected,
		State:        info.State,
		DeploymentID: info.DeploymentID,
		SessionName:  info.SessionName,
		Port:         info.Port,
		URL:          info.URL,
	})
}

type remoteConnectResponse struct {
	OK       bool            `json:"ok"`
	Message  string          `json:"message"`
	Protocol int             `json:"protocol"`
	Server   json.RawMessage `json:"server,omitempty"`
}

func (s *Server) handleRemoteConnect(w http.ResponseWriter, r *http.Request) {
	var rc connmgr.RemoteConfig
	if err := decode(w, r, &rc); err != nil {
		writeError(w, r, err)
		return
	}
	info, err := s.conns.ConnectRemote(r.Context(), rc)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, remoteConnectResponse{
		OK:       true,
		Message:  "Connected to " + info.URL,
		Protocol: info.Protocol,
		Server:   info.Server,
	})
}

type remoteStatusResponse struct {
	Connected  bool            `json:"connected"`
	State      gateway.State   `json:"state"`
	URL        string          `json:"url,omitempty"`
	SessionKey string          `json:"session_key,omitempty"`
	Protocol   int             `json:"protocol,omitempty"`
	Server     json.RawMessage `json:"server,omitempty"`
	Health     json.RawMessage `json:"health,omitempty"`
	UptimeMS   int64           `json:"uptime_ms,omitempty"`
}

func (s *Server) handleRemoteStatus(w http.ResponseWriter, r *http.Request) {
	info, err := s.conns.Info(r.Context(), connmgr.RoleRemote)
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp := remoteStatusResponse{
		Connected:  info.Connected,
		State:      info.State,
		URL:        info.URL,
		SessionKey: info.SessionKey,
		Protocol:   info.Protocol,
		Server:     info.Server,
		Health:     info.Health,
	}
	if info.Connected && info.ConnectedAt != nil {
		resp.UptimeMS = time.Since(*info.ConnectedAt).Milliseconds()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) disconnect(role connmgr.Role) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.conns.Disconnect(r.Context(), role); err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"ok":      true,
			"message": fmt.Sprintf("Disconnected %s gateway.", role),
		})
	}
}

type sendRequest struct {
	Content string `json:"content"`
}

func (s *Server) send(role connmgr.Role) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req sendRequest
		if err := decode(w, r, &req); err != nil {
			writeError(w, r, err)
			return
		}
		if strings.TrimSpace(req.Content) == "" {
			writeError(w, r, fmt.Errorf("%w: content must not be empty", errBadRequest))
			return
		}
		reply, err := s.conns.Send(r.Context(), role, req.Content)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, reply)
	}
}

type historyResponse struct {
	Messages []connmgr.ChatMessage `json:"messages"`
}

func (s *Server) history(role connmgr.Role) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		msgs, err := s.conns.History(r.Context(), role)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if msgs == nil {
			msgs = []connmgr.ChatMessage{}
		}
		writeJSON(w, http.StatusOK, historyResponse{Messages: msgs})
	}
}
