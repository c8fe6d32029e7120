package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eudresfs/pgben-approvals/internal/errors"
	"github.com/eudresfs/pgben-approvals/internal/logger"
)

func TestStatusForCode(t *testing.T) {
	cases := map[string]int{
		errors.ErrCodeNotFound:         http.StatusNotFound,
		errors.ErrCodeInvalidInput:     http.StatusBadRequest,
		errors.ErrCodeUnauthorized:     http.StatusUnauthorized,
		errors.ErrCodeForbidden:        http.StatusForbidden,
		errors.ErrCodeConflict:         http.StatusConflict,
		errors.ErrCodeInvalidState:     http.StatusConflict,
		errors.ErrCodeExpired:          http.StatusGone,
		errors.ErrCodePolicyViolation:  http.StatusUnprocessableEntity,
		errors.ErrCodeExecutionFailure: http.StatusBadGateway,
		errors.ErrCodeInternal:         http.StatusInternalServerError,
		"something-else":               http.StatusInternalServerError,
	}
	for code, want := range cases {
		assert.Equal(t, want, statusForCode(code), code)
	}
}

func TestWriteErrorBody(t *testing.T) {
	h := &HTTPHandler{log: &logger.Logger{Logger: zerolog.Nop()}}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/solicitations/x", nil)
	h.writeError(rec, req, errors.NotFound("solicitation", "x"))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, errors.ErrCodeNotFound, body["code"])
	assert.NotEmpty(t, body["error"])
}

func TestParseOptionalFloat(t *testing.T) {
	v, err := parseOptionalFloat("")
	require.NoError(t, err)
	assert.Nil(t, v)

	v, err = parseOptionalFloat("1200.50")
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.Equal(t, 1200.50, *v)

	_, err = parseOptionalFloat("abc")
	assert.Error(t, err)
}
