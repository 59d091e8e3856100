package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/jkaninda/labbox/internal/domain"
	"github.com/jkaninda/okapi"
)

// ErrorBody is the error response for every failed request. Kind is the
// error kind name (Busy, Timeout, BranchNotFound, ...).
type ErrorBody struct {
	Error             string                  `json:"error"`
	Kind              string                  `json:"kind"`
	Result            *domain.ExecutionResult `json:"result,omitempty"` // Partial output of a timed-out or killed execution.
	RetryAfterSeconds int                     `json:"retry_after_seconds,omitempty"`
}

var kindStatus = map[string]int{
	"Busy":                  http.StatusConflict,
	"Timeout":               http.StatusRequestTimeout,
	"Killed":                http.StatusGone,
	"IsolateStartFailed":    http.StatusServiceUnavailable,
	"ResourceLimitExceeded": http.StatusUnprocessableEntity,
	"StorageFailure":        http.StatusInternalServerError,
	"BranchNotFound":        http.StatusNotFound,
	"CommitNotFound":        http.StatusNotFound,
	"SessionNotFound":       http.StatusNotFound,
	"IsolateNotFound":       http.StatusNotFound,
	"BranchExists":          http.StatusConflict,
	"CrossSessionDiff":      http.StatusBadRequest,
	"InvalidArgument":       http.StatusBadRequest,
}

// StatusFor maps an error to its HTTP status code and kind name.
func StatusFor(err error) (int, string) {
	kind := domain.KindOf(err)
	if code, ok := kindStatus[kind]; ok {
		return code, kind
	}
	return http.StatusInternalServerError, kind
}

// NewErrorBody builds the response body for err.
func NewErrorBody(err error) ErrorBody {
	_, kind := StatusFor(err)
	return ErrorBody{
		Error:  err.Error(),
		Kind:   kind,
		Result: domain.PartialResult(err),
	}
}

// fail writes err with its mapped status. Unclassified errors are logged and
// their text is not exposed.
func (g *Gateway) fail(c *okapi.Context, op string, err error) error {
	code, _ := StatusFor(err)
	body := NewErrorBody(err)
	if code >= http.StatusInternalServerError {
		g.logger.ErrorContext(c.Context(), "request failed",
			slog.String("op", op),
			slog.String("kind", body.Kind),
			slog.String("error", err.Error()),
		)
		if body.Kind == "Internal" {
			body.Error = "internal error"
		}
	}
	return c.JSON(code, body)
}

// badRequest reports a malformed request as InvalidArgument.
func badRequest(c *okapi.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, ErrorBody{Error: msg, Kind: "InvalidArgument"})
}
