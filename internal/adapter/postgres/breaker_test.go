package postgres

import (
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pscheid92/sessionlock/internal/domain"
	"github.com/stretchr/testify/assert"
)

func TestStoreBreaker(t *testing.T) {
	s := NewStore(nil, "test", nil)

	t.Run("no rows counts as success", func(t *testing.T) {
		for range 10 {
			err := s.execute(func() error { return pgx.ErrNoRows })
			assert.ErrorIs(t, err, pgx.ErrNoRows)
		}
		assert.Equal(t, "closed", s.BreakerState())
	})

	t.Run("opens after consecutive failures", func(t *testing.T) {
		boom := errors.New("connection refused")
		for range 5 {
			assert.ErrorIs(t, s.execute(func() error { return boom }), boom)
		}
		assert.Equal(t, "open", s.BreakerState())

		called := false
		err := s.execute(func() error {
			called = true
			return nil
		})
		assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
		assert.False(t, called)
	})
}
