package postgres

import (
	"database/sql"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"

	"idlink/pkg/platform/sentinel"
)

func TestClassify(t *testing.T) {
	serialization := fmt.Errorf("commit transaction: %w", &pgconn.PgError{Code: pgSerializationFailure})

	tests := []struct {
		name      string
		err       error
		retryable bool
		want      error
	}{
		{name: "no rows", err: sql.ErrNoRows, want: sentinel.ErrNotFound},
		{name: "serialization failure", err: serialization, retryable: true, want: sentinel.ErrUnavailable},
		{name: "deadlock", err: &pgconn.PgError{Code: pgDeadlockDetected}, retryable: true, want: sentinel.ErrUnavailable},
		{name: "unique violation", err: &pgconn.PgError{Code: "23505"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.retryable, isRetryable(tt.err))
			got := classify(tt.err)
			assert.False(t, errors.Is(got, sentinel.ErrConflict), "only a lost NOT EXISTS check is a conflict")
			if tt.want != nil {
				assert.ErrorIs(t, got, tt.want)
			}
		})
	}
}
