package api

import (
	"errors"
	"fmt"
)

type ErrKind byte

const (
	ErrKindNone ErrKind = iota
	// ErrKindNetwork no response from the backend, or backend unavailable. Transient
	ErrKindNetwork
	// ErrKindValidation 4xx with structured detail
	ErrKindValidation
	// ErrKindSessionExpired 401. Invalidates persisted credentials
	ErrKindSessionExpired
	ErrKindReservationExpired
	ErrKindInsufficientBalance
	ErrKindTransactionFailed
	// ErrKindOperationInProgress duplicate enqueue for the same operation id
	ErrKindOperationInProgress
	// ErrKindInvalidResponse shape-validation failure on a trusted payload
	ErrKindInvalidResponse
)

// wire error codes the backend puts into Error.Code
const (
	CodeReservationExpired   = "reservation_expired"
	CodeInsufficientBalance  = "insufficient_balance"
	CodeInsufficientQuantity = "insufficient_quantity"
	CodeTransactionFailed    = "transaction_failed"
)

func (k ErrKind) String() string {
	switch k {
	case ErrKindNone:
		return "none"
	case ErrKindNetwork:
		return "network"
	case ErrKindValidation:
		return "validation"
	case ErrKindSessionExpired:
		return "session expired"
	case ErrKindReservationExpired:
		return "reservation expired"
	case ErrKindInsufficientBalance:
		return "insufficient balance"
	case ErrKindTransactionFailed:
		return "transaction failed"
	case ErrKindOperationInProgress:
		return "operation already in progress"
	case ErrKindInvalidResponse:
		return "invalid response"
	}
	return "unknown"
}

// IsTransient transient errors present a retry affordance and are retryable
// by the scheduler. Terminal domain errors are not
func (k ErrKind) IsTransient() bool {
	return k == ErrKindNetwork
}

type ClientError struct {
	Kind    ErrKind
	Msg     string
	Details map[string]string
}

func (e *ClientError) Error() string {
	if e.Msg == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind.String(), e.Msg)
}

func NewError(kind ErrKind, format string, args ...any) *ClientError {
	return &ClientError{
		Kind: kind,
		Msg:  fmt.Sprintf(format, args...),
	}
}

// KindOf returns ErrKindNone for nil, ErrKindNetwork for any error which is
// not a classified *ClientError
func KindOf(err error) ErrKind {
	if err == nil {
		return ErrKindNone
	}
	var ce *ClientError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ErrKindNetwork
}

func IsKind(err error, kind ErrKind) bool {
	return KindOf(err) == kind
}

// ClassifyServerError maps an HTTP status and wire error body to the taxonomy
func ClassifyServerError(httpStatus int, e Error) *ClientError {
	switch {
	case httpStatus == 401:
		return NewError(ErrKindSessionExpired, "%s", e.Error)
	case e.Code == CodeReservationExpired:
		return NewError(ErrKindReservationExpired, "%s", e.Error)
	case e.Code == CodeInsufficientBalance:
		return NewError(ErrKindInsufficientBalance, "%s", e.Error)
	case e.Code == CodeTransactionFailed:
		return NewError(ErrKindTransactionFailed, "%s", e.Error)
	case httpStatus >= 400 && httpStatus < 500:
		ret := NewError(ErrKindValidation, "%s", e.Error)
		if e.Code != "" {
			ret.Details = map[string]string{"code": e.Code}
		}
		return ret
	}
	// backend responded but neither with a result nor with a structured error
	return NewError(ErrKindNetwork, "server error (%d): %s", httpStatus, e.Error)
}
