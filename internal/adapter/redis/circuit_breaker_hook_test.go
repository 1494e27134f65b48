package redis

import (
	"context"
	"errors"
	"testing"

	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCircuitBreakerHook_StartsClosed(t *testing.T) {
	hook := NewCircuitBreakerHook(nil)
	assert.Equal(t, circuitbreaker.ClosedState, hook.State())
}

func TestCircuitBreakerHook_NilIsSuccess(t *testing.T) {
	hook := NewCircuitBreakerHook(nil)
	process := hook.ProcessHook(func(context.Context, goredis.Cmder) error { return goredis.Nil })

	for range 10 {
		err := process(context.Background(), goredis.NewStringCmd(context.Background(), "get", "k"))
		assert.ErrorIs(t, err, goredis.Nil)
	}
	assert.Equal(t, circuitbreaker.ClosedState, hook.State())
}

func TestCircuitBreakerHook_OpensAfterFailures(t *testing.T) {
	hook := NewCircuitBreakerHook(nil)
	boom := errors.New("connection refused")
	calls := 0
	process := hook.ProcessHook(func(context.Context, goredis.Cmder) error {
		calls++
		return boom
	})

	for range 5 {
		err := process(context.Background(), goredis.NewStringCmd(context.Background(), "get", "k"))
		require.ErrorIs(t, err, boom)
	}
	require.Equal(t, circuitbreaker.OpenState, hook.State())

	err := process(context.Background(), goredis.NewStringCmd(context.Background(), "get", "k"))
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.Equal(t, 5, calls, "open breaker does not reach redis")
}
