package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/kernelci/kernelci-api-core/internal/apierror"
	"github.com/kernelci/kernelci-api-core/internal/auth"
	"github.com/kernelci/kernelci-api-core/internal/eventlog"
	"github.com/kernelci/kernelci-api-core/internal/node"
	"github.com/kernelci/kernelci-api-core/internal/subscription"
)

// toAPIError maps a component sentinel error to the apierror.Kind the
// spec §7 error handling design names, so every package keeps its own
// sentinels (node.ErrNotFound, subscription.ErrConflict, ...) without
// importing apierror itself.
func toAPIError(err error) *apierror.Error {
	if apiErr, ok := apierror.As(err); ok {
		return apiErr
	}

	switch {
	case errors.Is(err, node.ErrNotFound), errors.Is(err, subscription.ErrNotFound):
		return apierror.Wrap(apierror.KindNotFound, "not found", err)
	case errors.Is(err, node.ErrInvalidParent):
		return apierror.Wrap(apierror.KindInvalidParent, "invalid parent", err)
	case errors.Is(err, node.ErrPermissionDenied):
		return apierror.Wrap(apierror.KindPermissionDenied, "permission denied", err)
	case errors.Is(err, node.ErrInvalidTransition):
		return apierror.Wrap(apierror.KindInvalidTransition, "invalid state transition", err)
	case errors.Is(err, node.ErrForbiddenField), errors.Is(err, node.ErrInvalidInput):
		return apierror.Wrap(apierror.KindInvalidInput, "invalid input", err)
	case errors.Is(err, node.ErrConflict), errors.Is(err, subscription.ErrConflict):
		return apierror.Wrap(apierror.KindConflict, "conflict", err)
	case errors.Is(err, auth.ErrMissingToken):
		return apierror.Wrap(apierror.KindAuthRequired, "authentication required", err)
	case errors.Is(err, auth.ErrInvalidToken):
		return apierror.Wrap(apierror.KindAuthInvalid, "invalid authentication", err)
	case errors.Is(err, eventlog.ErrStorageUnavailable), errors.Is(err, node.ErrStorageUnavailable):
		return apierror.Wrap(apierror.KindStorageUnavailable, "storage unavailable", err)
	default:
		return apierror.Wrap(apierror.KindOf(err), "internal error", err)
	}
}

type errorBody struct {
	Kind    apierror.Kind `json:"kind"`
	Message string        `json:"message"`
}

// writeError maps err to the wire error kind and status code (spec §7).
func writeError(w http.ResponseWriter, err error) {
	apiErr := toAPIError(err)
	writeJSON(w, apiErr.Kind.StatusCode(), errorBody{Kind: apiErr.Kind, Message: apiErr.Message})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
