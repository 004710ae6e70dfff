package errs

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorMessage(t *testing.T) {
	base := errors.New("dial tcp: connection refused")
	err := Wrap(TransportUnavailable, base, "publish to broker")

	assert.Equal(t, "transport_unavailable: publish to broker: dial tcp: connection refused", err.Error())
	assert.ErrorIs(t, err, base)
}

func TestIsAndKindOf(t *testing.T) {
	err := New(GateFailed, "wave 2 success ratio 0.50 below required 0.75")

	assert.True(t, Is(err, GateFailed))
	assert.False(t, Is(err, Timeout))
	assert.Equal(t, GateFailed, KindOf(err))
}

func TestKindOfUnwrappedError(t *testing.T) {
	assert.Equal(t, Internal, KindOf(errors.New("boom")))
	assert.Equal(t, Kind(""), KindOf(nil))
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(New(TransportUnavailable, "redis unreachable")))
	assert.False(t, Retryable(New(ValidationFailed, "bad wave size")))
	assert.False(t, Retryable(errors.New("plain error")))
}
