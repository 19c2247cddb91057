package server

import (
	"errors"
	"net/http"

	"retinalab/internal/app"
	"retinalab/internal/util"
)

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"requestId,omitempty"`
}

func writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	writeErrorCode(w, r, status, errorCodeForStatus(status), msg)
}

func writeErrorCode(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	writeJSON(w, status, errorResponse{
		Error:     msg,
		Code:      code,
		RequestID: util.RequestIDFromRequest(r),
	})
}

func errorCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "REQUEST_INVALID"
	case http.StatusUnauthorized:
		return "AUTH_UNAUTHORIZED"
	case http.StatusForbidden:
		return "STUDY_FORBIDDEN"
	case http.StatusNotFound:
		return "SYSTEM_NOT_FOUND"
	case http.StatusMethodNotAllowed:
		return "SYSTEM_METHOD_NOT_ALLOWED"
	case http.StatusRequestEntityTooLarge:
		return "REQUEST_TOO_LARGE"
	case http.StatusTooManyRequests:
		return "RATE_LIMITED"
	default:
		if status >= http.StatusInternalServerError {
			return "SYSTEM_INTERNAL_ERROR"
		}
		return "REQUEST_ERROR"
	}
}

// appErrorStatus maps an application error kind to its HTTP status and code.
// The bool is false for unknown errors, whose text must not reach the client.
func appErrorStatus(err error) (int, string, bool) {
	switch {
	case errors.Is(err, app.ErrInvalidArgument):
		return http.StatusBadRequest, "STUDY_INVALID_ARGUMENT", true
	case errors.Is(err, app.ErrPreconditionFailed):
		return http.StatusBadRequest, "STUDY_PRECONDITION_FAILED", true
	case errors.Is(err, app.ErrUnauthorized):
		return http.StatusUnauthorized, "AUTH_UNAUTHORIZED", true
	case errors.Is(err, app.ErrForbidden):
		return http.StatusForbidden, "STUDY_FORBIDDEN", true
	case errors.Is(err, app.ErrNotFound):
		return http.StatusNotFound, "STUDY_NOT_FOUND", true
	case errors.Is(err, app.ErrInvalidState):
		return http.StatusConflict, "STUDY_INVALID_STATE", true
	case errors.Is(err, app.ErrConflict):
		return http.StatusConflict, "STUDY_CONFLICT", true
	case errors.Is(err, app.ErrAnalysisTimeout):
		return http.StatusGatewayTimeout, "ANALYSIS_TIMEOUT", true
	case errors.Is(err, app.ErrCollaboratorFailure):
		return http.StatusBadGateway, "COLLABORATOR_FAILURE", true
	default:
		return http.StatusInternalServerError, "SYSTEM_INTERNAL_ERROR", false
	}
}

// clientMessage is what the caller may see for err. Collaborator failures
// carry upstream detail, so they get a fixed message like 500s do.
func clientMessage(status int, err error) string {
	switch status {
	case http.StatusGatewayTimeout:
		return "analysis timed out"
	case http.StatusBadGateway:
		return "external service failed"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusNotFound:
		return "study not found"
	}
	return err.Error()
}

func writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, known := appErrorStatus(err)
	if !known {
		util.LoggerFromContext(r.Context()).Error("request failed", "path", r.URL.Path, "err", err)
		writeErrorCode(w, r, status, code, "internal server error")
		return
	}
	if status >= http.StatusInternalServerError {
		util.LoggerFromContext(r.Context()).Warn("collaborator failed", "path", r.URL.Path, "err", err)
	}
	writeErrorCode(w, r, status, code, clientMessage(status, err))
}
