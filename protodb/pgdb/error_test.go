package pgdb

import (
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

func TestErrorMatching(t *testing.T) {
	pgErr := &pgconn.PgError{Code: pgerrcode.SerializationFailure}
	tests := []struct {
		name   string
		err    error
		target error
		want   bool
	}{
		{"kind", contextError(ErrQueryFailed, "select", nil), ErrQueryFailed, true},
		{"other kind", contextError(ErrBeginTx, "begin", nil), ErrCommitTx, false},
		{"driver error", contextError(ErrQueryFailed, "select", io.EOF), io.EOF, true},
		{"wrapped", fmt.Errorf("load: %w", contextError(ErrCorruptRow, "row", nil)), ErrCorruptRow, true},
		{"pg error", contextError(ErrCommitTx, "commit", pgErr), pgErr, true},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, errors.Is(tc.err, tc.target))
			var kind ErrorKind
			require.True(t, errors.As(tc.err, &kind))
		})
	}
}

func TestErrorPgCode(t *testing.T) {
	err := contextError(ErrCommitTx, "commit",
		fmt.Errorf("commit: %w", &pgconn.PgError{Code: pgerrcode.DeadlockDetected}))
	require.Equal(t, pgerrcode.DeadlockDetected, err.PgCode())
	require.Equal(t, "", contextError(ErrQueryFailed, "q", io.EOF).PgCode())
	require.Equal(t, "commit", err.Error())
}

func TestRetryableErrors(t *testing.T) {
	tests := []struct {
		code      string
		retryable bool
		unique    bool
	}{
		{pgerrcode.SerializationFailure, true, false},
		{pgerrcode.DeadlockDetected, true, false},
		{pgerrcode.UniqueViolation, false, true},
		{pgerrcode.UndefinedTable, false, false},
	}
	for _, tc := range tests {
		err := contextError(ErrCommitTx, "commit", &pgconn.PgError{Code: tc.code})
		require.Equal(t, tc.retryable, isRetryable(err), tc.code)
		require.Equal(t, tc.unique, isUniqueViolation(err), tc.code)
	}
	require.False(t, isRetryable(io.EOF))
}
