package api

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	require.EqualValues(t, ErrKindNone, KindOf(nil))
	require.EqualValues(t, ErrKindValidation, KindOf(NewError(ErrKindValidation, "bad input")))

	// wrapped errors stay classified
	wrapped := fmt.Errorf("context: %w", NewError(ErrKindInsufficientBalance, "short by 10"))
	require.True(t, IsKind(wrapped, ErrKindInsufficientBalance))

	// an unclassified error counts as a network failure
	require.EqualValues(t, ErrKindNetwork, KindOf(errors.New("something broke")))
}

func TestIsTransient(t *testing.T) {
	require.True(t, ErrKindNetwork.IsTransient())
	for _, kind := range []ErrKind{ErrKindValidation, ErrKindSessionExpired, ErrKindReservationExpired,
		ErrKindInsufficientBalance, ErrKindTransactionFailed, ErrKindOperationInProgress, ErrKindInvalidResponse} {
		require.False(t, kind.IsTransient(), kind.String())
	}
}

func TestClassifyServerError(t *testing.T) {
	t.Run("401 always means session expired", func(t *testing.T) {
		err := ClassifyServerError(401, Error{Error: "token expired", Code: CodeTransactionFailed})
		require.True(t, IsKind(err, ErrKindSessionExpired))
	})
	t.Run("coded domain errors", func(t *testing.T) {
		require.True(t, IsKind(ClassifyServerError(409, Error{Code: CodeReservationExpired}), ErrKindReservationExpired))
		require.True(t, IsKind(ClassifyServerError(402, Error{Code: CodeInsufficientBalance}), ErrKindInsufficientBalance))
		require.True(t, IsKind(ClassifyServerError(500, Error{Code: CodeTransactionFailed}), ErrKindTransactionFailed))
	})
	t.Run("uncoded 4xx is a validation error with the code detail", func(t *testing.T) {
		err := ClassifyServerError(400, Error{Error: "bad quantity", Code: CodeInsufficientQuantity})
		require.True(t, IsKind(err, ErrKindValidation))
		require.EqualValues(t, CodeInsufficientQuantity, err.Details["code"])
	})
	t.Run("5xx without a code is transient", func(t *testing.T) {
		err := ClassifyServerError(502, Error{Error: "bad gateway"})
		require.True(t, IsKind(err, ErrKindNetwork))
		require.True(t, err.Kind.IsTransient())
	})
}
