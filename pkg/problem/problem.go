// Package problem encodes RFC 7807 problem-details responses for the REST
// surface, mapping the core's apperr.Kind taxonomy to HTTP status codes.
package problem

import (
	"net/http"

	"github.com/debdevops/servicehub/internal/apperr"
)

// Details is the RFC 7807 response body. Title/Status are the standard
// fields; Code and TraceID are the module's additions for machine-readable
// handling and correlation.
type Details struct {
	Title    string         `json:"title"`
	Status   int            `json:"status"`
	Code     string         `json:"code"`
	Detail   string         `json:"detail,omitempty"`
	TraceID  string         `json:"traceId"`
	Fields   map[string]any `json:"details,omitempty"`
}

// StatusFor maps an apperr.Kind to its HTTP status code.
func StatusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindUnauthorized:
		return http.StatusUnauthorized
	case apperr.KindForbidden:
		return http.StatusForbidden
	case apperr.KindRateLimited:
		return http.StatusTooManyRequests
	case apperr.KindTimeout:
		return http.StatusGatewayTimeout
	case apperr.KindExternalService:
		return http.StatusBadGateway
	case apperr.KindBusinessRule:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// FromError converts any error into Details, treating non-apperr errors as
// internal failures.
func FromError(err error, traceID string) Details {
	ae, ok := err.(*apperr.Error)
	if !ok {
		return Details{
			Title:   "Internal Server Error",
			Status:  http.StatusInternalServerError,
			Code:    "internal_error",
			Detail:  err.Error(),
			TraceID: traceID,
		}
	}

	return Details{
		Title:   string(ae.Kind),
		Status:  StatusFor(ae.Kind),
		Code:    ae.Code,
		Detail:  ae.Message,
		TraceID: traceID,
		Fields:  ae.Details,
	}
}
