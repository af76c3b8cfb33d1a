package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/aetherhub/aether/common/spec/deployfields"
	"github.com/aetherhub/aether/common/trace"
	"github.com/aetherhub/aether/internal/aether/connmgr"
	"github.com/aetherhub/aether/internal/aether/deploy"
	"github.com/aetherhub/aether/internal/aether/faults"
	"github.com/aetherhub/aether/internal/aether/gateway"
)

var errBadRequest = errors.New("bad request")

// errorBody is the JSON shape of every failed request.
type errorBody struct {
	Detail   string        `json:"detail"`
	Reason   faults.Reason `json:"reason,omitempty"`
	Problems []string      `json:"problems,omitempty"`
}

// writeError maps err to a status code and writes it as an errorBody.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusOf(err)
	body := errorBody{Detail: err.Error(), Reason: faults.ReasonOf(err)}
	var ve *deployfields.ValidationError
	if errors.As(err, &ve) {
		body.Problems = ve.Problems
	}
	if code >= http.StatusInternalServerError {
		slog.Error("api: request failed", "path", r.URL.Path, "status", code, "err", err, trace.Attr(r.Context()))
	}
	writeJSON(w, code, body)
}

func statusOf(err error) int {
	var (
		ve       *deployfields.ValidationError
		provider *gateway.ProviderError
		remote   *faults.RemoteError
	)
	switch {
	case errors.As(err, &ve):
		return http.StatusUnprocessableEntity
	case errors.Is(err, errBadRequest), errors.Is(err, connmgr.ErrInvalidRemote):
		return http.StatusBadRequest
	case errors.Is(err, deploy.ErrNotFound), errors.Is(err, connmgr.ErrUnknownRole):
		return http.StatusNotFound
	case errors.Is(err, deploy.ErrLaunchInProgress),
		errors.Is(err, deploy.ErrInvalidTransition),
		errors.Is(err, deploy.ErrAlreadyConfigured),
		errors.Is(err, deploy.ErrNotRunning):
		return http.StatusConflict
	case errors.Is(err, connmgr.ErrNotConnected),
		errors.Is(err, deploy.ErrNoPortAvailable),
		errors.Is(err, deploy.ErrClosed),
		errors.Is(err, connmgr.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, gateway.ErrChatTimeout),
		errors.Is(err, context.DeadlineExceeded),
		faults.ReasonOf(err) == faults.ReasonTimeout:
		return http.StatusGatewayTimeout
	case faults.ReasonOf(err) == faults.ReasonConfiguration:
		return http.StatusUnprocessableEntity
	case faults.ReasonOf(err) != "", errors.As(err, &provider), errors.As(err, &remote):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
