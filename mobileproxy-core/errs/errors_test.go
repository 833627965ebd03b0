package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorFormatting(t *testing.T) {
	cause := errors.New("dial tcp 127.0.0.1:1: connect: connection refused")

	withCause := New(ErrCodeConnectionRefused, cause)
	assert.Equal(t, "[E4002] Connection refused: "+cause.Error(), withCause.Error())
	assert.Same(t, cause, errors.Unwrap(withCause))

	withoutCause := New(ErrCodeNoRoute, nil)
	assert.Equal(t, "[E3001] No route matches the request", withoutCause.Error())

	custom := Newf(ErrCodeInvalidHost, "host %q contains spaces", "a b")
	assert.Equal(t, "[E1010] host \"a b\" contains spaces", custom.Error())
}

func TestKinds(t *testing.T) {
	tests := []struct {
		code string
		kind Kind
		is   func(error) bool
	}{
		{ErrCodeInvalidPort, KindConfig, IsConfigError},
		{ErrCodeHostUnreachable, KindResolution, IsResolutionError},
		{ErrCodeRoutePending, KindRouting, IsRoutingError},
		{ErrCodeConnectionReset, KindTransport, IsTransportError},
		{ErrCodeEngineTerminated, KindLifecycle, IsLifecycleMisuse},
		{ErrCodeInternalError, KindInternal, IsInternalError},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			err := New(tt.code, nil)
			assert.Equal(t, tt.kind, err.Kind())
			assert.True(t, tt.is(err))
			assert.True(t, tt.is(fmt.Errorf("wrapped: %w", err)))
			assert.False(t, tt.is(errors.New("plain")))
		})
	}

	assert.Equal(t, KindUnknown, (&Error{Code: "X1"}).Kind())
	assert.Equal(t, "RoutingError", KindRouting.String())
}

func TestIsMatchesCode(t *testing.T) {
	err := fmt.Errorf("stream failed: %w", New(ErrCodeRouteDisabled, errors.New("timed out")))

	assert.True(t, errors.Is(err, New(ErrCodeRouteDisabled, nil)))
	assert.False(t, errors.Is(err, New(ErrCodeRoutePending, nil)))
	assert.Equal(t, ErrCodeRouteDisabled, CodeOf(err))
	assert.Equal(t, "", CodeOf(errors.New("plain")))
}

func TestEnsure(t *testing.T) {
	assert.Nil(t, Ensure(nil))

	coded := New(ErrCodeTimeout, nil)
	assert.Same(t, coded, Ensure(fmt.Errorf("x: %w", coded)))

	foreign := Ensure(errors.New("boom"))
	require.NotNil(t, foreign)
	assert.Equal(t, ErrCodeInternalError, foreign.Code)
}

func TestEveryCodeHasDescription(t *testing.T) {
	for code, desc := range ErrorDescriptions {
		assert.NotEmpty(t, desc, code)
		assert.NotEqual(t, KindUnknown, kindOf(code), code)
	}
	assert.Equal(t, "Unknown error code", GetErrorDescription("E0000"))
}
