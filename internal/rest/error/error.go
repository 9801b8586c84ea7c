// Package apierror is the error body of the REST API.
package apierror

import (
	"net/http"

	"github.com/pbinitiative/zenworkflow/pkg/zenerr"
)

const (
	TypeBadRequest = "BAD_REQUEST"
	TypeError      = "ERROR"
)

type ApiError struct {
	Code    string            `json:"code"`
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Ids     map[string]string `json:"ids,omitempty"`
	Issues  []zenerr.Issue    `json:"issues,omitempty"`
}

// BadRequest describes a request the API could not decode.
func BadRequest(err error) ApiError {
	return ApiError{
		Code:    TypeBadRequest,
		Type:    TypeBadRequest,
		Message: err.Error(),
	}
}

// FromError translates err into a body and HTTP status. Engine errors are
// mapped by kind; anything else is an internal error.
func FromError(err error) (int, ApiError) {
	zerr, ok := zenerr.As(err)
	if !ok {
		return http.StatusInternalServerError, ApiError{
			Code:    TypeError,
			Type:    TypeError,
			Message: err.Error(),
		}
	}
	return StatusOf(zerr.Kind), ApiError{
		Code:    zerr.Code,
		Type:    string(zerr.Kind),
		Message: err.Error(),
		Ids:     zerr.Ids,
		Issues:  zerr.Issues,
	}
}

func StatusOf(kind zenerr.Kind) int {
	switch kind {
	case zenerr.KindNotFound:
		return http.StatusNotFound
	case zenerr.KindInvalidOperation:
		return http.StatusBadRequest
	case zenerr.KindInvalidStateTransition:
		return http.StatusConflict
	case zenerr.KindValidationFailure:
		return http.StatusUnprocessableEntity
	case zenerr.KindResourceContention:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
