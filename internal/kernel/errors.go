package kernel

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"spendguard/internal/guard"
)

var (
	// ErrEvaluationTimeout means the scope lock was not acquired in time.
	// Nothing was committed; the attempt is neither approved nor denied.
	ErrEvaluationTimeout = errors.New("guard evaluation timed out waiting for scope lock")
	// ErrInvalidAttempt rejects malformed payment attempts.
	ErrInvalidAttempt = errors.New("invalid payment attempt")
	// ErrDuplicateAttempt rejects a reused attempt id.
	ErrDuplicateAttempt = errors.New("attempt id already committed")
	// ErrGuardNotFound is returned when removing an unknown guard.
	ErrGuardNotFound = errors.New("guard not found")
)

// DeniedError is a policy denial. errors.Is matches the guard code sentinel.
type DeniedError struct {
	Scope     Scope
	Guard     string
	Kind      guard.Kind
	Code      guard.Code
	Reason    string
	Amount    decimal.Decimal
	Recipient string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("payment denied by %s guard %q on %s: %s", e.Kind, e.Guard, e.Scope, e.Reason)
}

func (e *DeniedError) Unwrap() error { return e.Code.Err() }

// IsDenied reports whether err carries a policy denial.
func IsDenied(err error) bool {
	var denied *DeniedError
	return errors.As(err, &denied)
}
