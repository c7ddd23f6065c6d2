/*
errors.go - Domain error to HTTP status mapping

STATUS TABLE:
  400  malformed body, failed struct validation, ledger.ErrInvalidInput
  401  missing or invalid bearer token
  403  acting on another user, or a non-admin on /api/admin
  404  ledger.ErrNotFound
  409  integrity errors (cycle, already linked, duplicate purchase,
       invalid state, invalid transition), a settlement in flight and a
       purchase whose upline kept moving (safe to retry)
  422  amount validation (below minimum, insufficient balance)
  500  everything else

A deferred settlement is not an error for the client: the approve handler
answers 202 with the request body instead (see handlers.go).

SEE ALSO:
  - ledger/errors.go: error taxonomy
*/
package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/warp/affiliate-ledger/commission"
	"github.com/warp/affiliate-ledger/ledger"
	"github.com/warp/affiliate-ledger/withdrawal"
)

var (
	errUnauthorized = errors.New("authentication required")
	errForbidden    = errors.New("permission denied")
)

// ErrorResponse is the body of every non-2xx answer.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// statusFor maps an error returned by a domain call to an HTTP status.
func statusFor(err error) int {
	var verrs validator.ValidationErrors
	switch {
	case errors.As(err, &verrs):
		return http.StatusBadRequest
	case errors.Is(err, errUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, errForbidden):
		return http.StatusForbidden
	case ledger.IsValidation(err):
		return http.StatusUnprocessableEntity
	case errors.Is(err, withdrawal.ErrSettlementInFlight), errors.Is(err, commission.ErrUplineChanged):
		return http.StatusConflict
	case ledger.IsIntegrity(err), errors.Is(err, ledger.ErrDuplicateKey):
		return http.StatusConflict
	case ledger.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrInvalidInput):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// fail writes err with its mapped status. Server errors are logged with the
// request id; their details are not sent to the client.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.Error("request failed",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		writeError(w, status, http.StatusText(status), nil)
		return
	}
	writeError(w, status, errorMessage(status), err)
}

func errorMessage(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "Invalid request"
	case http.StatusUnauthorized:
		return "Unauthorized"
	case http.StatusForbidden:
		return "Forbidden"
	case http.StatusNotFound:
		return "Not found"
	case http.StatusConflict:
		return "Conflict"
	case http.StatusUnprocessableEntity:
		return "Withdrawal not allowed"
	}
	return http.StatusText(status)
}

// validationDetails flattens validator errors into "field: tag" pairs.
func validationDetails(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, len(verrs))
	for i, fe := range verrs {
		msg := fe.Field() + ": " + fe.Tag()
		if fe.Param() != "" {
			msg += "=" + fe.Param()
		}
		parts[i] = msg
	}
	return strings.Join(parts, "; ")
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = validationDetails(err)
	}
	writeJSON(w, status, resp)
}
