package api

import (
	"encoding/json"
	"net/http"

	"github.com/yenjordan/terminus/internal/errs"
)

// APIError is a structured error response body, kept from the teacher's
// shape but re-pointed at internal/errs kinds instead of sandkasten's.
type APIError struct {
	Code    string `json:"error_code"`
	Message string `json:"message"`
}

var httpStatusByKind = map[errs.Kind]int{
	errs.AuthFailed:        http.StatusUnauthorized,
	errs.SessionNotFound:   http.StatusNotFound,
	errs.PathError:         http.StatusBadRequest,
	errs.WorkspaceError:    http.StatusInternalServerError,
	errs.PTYError:          http.StatusInternalServerError,
	errs.ExecutionError:    http.StatusBadRequest,
	errs.ExecutionTimeout:  http.StatusGatewayTimeout,
	errs.Backpressure:      http.StatusServiceUnavailable,
	errs.IdleTimeout:       http.StatusRequestTimeout,
	errs.InternalError:     http.StatusInternalServerError,
}

// writeAPIError maps an internal/errs-wrapped error to a structured JSON
// response, mirroring the teacher's errors.Is switch but driven by the
// single errs.KindOf lookup instead of one case per sentinel.
func writeAPIError(w http.ResponseWriter, err error) {
	kind, ok := errs.KindOf(err)
	status := http.StatusInternalServerError
	code := "INTERNAL_ERROR"
	if ok {
		code = string(kind)
		if s, known := httpStatusByKind[kind]; known {
			status = s
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(APIError{Code: code, Message: err.Error()})
}

func writeUnauthorizedError(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(APIError{Code: "AUTH_FAILED", Message: message})
}

func writeValidationError(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	json.NewEncoder(w).Encode(APIError{Code: "INVALID_REQUEST", Message: message})
}
