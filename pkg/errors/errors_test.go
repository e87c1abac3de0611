package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_Error(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{
			name: "error with cause",
			err:  Wrap(KindValidation, "bad field", stderrors.New("boom")),
			want: "validation: bad field: boom",
		},
		{
			name: "error without cause",
			err:  New(KindNotFound, "no such session"),
			want: "not_found: no such session",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestError_Unwrap(t *testing.T) {
	t.Parallel()

	cause := stderrors.New("root cause")
	err := Wrap(KindSystem, "wrapper", cause)
	assert.True(t, stderrors.Is(err, cause))
}

func TestAsError(t *testing.T) {
	t.Parallel()

	structured := New(KindExpired, "session purged")
	assert.Same(t, structured, AsError(structured))
	assert.Same(t, structured, AsError(fmt.Errorf("outer: %w", structured)))

	plain := AsError(stderrors.New("plain"))
	assert.Equal(t, KindSystem, plain.Kind)
}

func TestHTTPStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		kind Kind
		want int
	}{
		{KindValidation, http.StatusBadRequest},
		{KindAuthentication, http.StatusUnauthorized},
		{KindAuthorization, http.StatusForbidden},
		{KindNotFound, http.StatusNotFound},
		{KindExpired, http.StatusGone},
		{KindRateLimited, http.StatusTooManyRequests},
		{KindTimeout, http.StatusGatewayTimeout},
		{KindConflict, http.StatusConflict},
		{KindAPIError, http.StatusBadGateway},
		{KindSystem, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, HTTPStatus(New(tt.kind, "x")), string(tt.kind))
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		msg  string
		want Kind
	}{
		{"request timeout after 30s", KindTimeout},
		{"context deadline exceeded", KindTimeout},
		{"401 unauthorized", KindAuthentication},
		{"invalid token signature", KindAuthentication},
		{"permission denied for resource", KindAuthorization},
		{"upstream returned 503", KindAPIError},
		{"connection refused", KindAPIError},
		{"429 too many requests", KindRateLimited},
		{"session not found", KindNotFound},
		{"validation failed on field x", KindValidation},
		{"something unexpected", KindSystem},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(stderrors.New(tt.msg)), tt.msg)
	}
}

func TestClassify_StructuredWins(t *testing.T) {
	t.Parallel()

	// A structured kind must not be overridden by message matching.
	err := New(KindAuthorization, "timeout while checking grants")
	assert.Equal(t, KindAuthorization, Classify(err))
}

func TestIsRecoverable(t *testing.T) {
	t.Parallel()

	assert.True(t, IsRecoverable(stderrors.New("dial tcp: connection refused")))
	assert.True(t, IsRecoverable(stderrors.New("upstream 502 bad gateway")))
	assert.True(t, IsRecoverable(stderrors.New("timeout waiting for response")))
	assert.False(t, IsRecoverable(stderrors.New("invalid argument: name")))
	assert.False(t, IsRecoverable(New(KindSystem, "corrupt state")))
	assert.True(t, IsRecoverable(New(KindTimeout, "deadline")))
}
