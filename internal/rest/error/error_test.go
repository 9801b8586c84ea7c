package apierror

import (
	"errors"
	"net/http"
	"testing"

	"github.com/pbinitiative/zenworkflow/pkg/zenerr"
	"github.com/stretchr/testify/assert"
)

func TestFromErrorMapsKindsToStatus(t *testing.T) {
	testCases := map[string]struct {
		err    error
		status int
	}{
		"not found":          {err: zenerr.ErrInstanceNotFound.With("missing"), status: http.StatusNotFound},
		"invalid operation":  {err: zenerr.ErrInvalidOperation.With("user is not a candidate"), status: http.StatusBadRequest},
		"invalid transition": {err: zenerr.ErrInvalidStateTransition.With("already completed"), status: http.StatusConflict},
		"validation":         {err: zenerr.ErrValidationFailed.With("no start event"), status: http.StatusUnprocessableEntity},
		"unknown":            {err: errors.New("disk on fire"), status: http.StatusInternalServerError},
	}
	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			// when
			status, body := FromError(tc.err)

			// then
			assert.Equal(t, tc.status, status)
			assert.NotEmpty(t, body.Code)
			assert.Equal(t, tc.err.Error(), body.Message)
		})
	}
}
