package ledger

import "fmt"

// Error taxonomy for ledger operations. The transport layer maps each type to
// a status; everything else (driver errors and the like) passes through
// unwrapped as an internal failure.

// ValidationError rejects malformed input before any store access.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

func validationf(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// StateError rejects an operation that would break a ledger invariant
// (selling more than remains, exceeding available cash, editing a sold lot).
type StateError struct {
	Msg string
}

func (e *StateError) Error() string { return e.Msg }

func statef(format string, args ...any) error {
	return &StateError{Msg: fmt.Sprintf(format, args...)}
}

// QuotaError rejects an operation that would exceed the caller's tier limits.
type QuotaError struct {
	Msg string
}

func (e *QuotaError) Error() string { return e.Msg }

func quotaf(format string, args ...any) error {
	return &QuotaError{Msg: fmt.Sprintf(format, args...)}
}

// NotFoundError reports an unknown lot, trade, or stock id.
type NotFoundError struct {
	Msg string
}

func (e *NotFoundError) Error() string { return e.Msg }

func notFoundf(format string, args ...any) error {
	return &NotFoundError{Msg: fmt.Sprintf(format, args...)}
}

// ConsistencyError reports corrupted ledger state, such as a lot without
// exactly one active buy deal. It is never user-correctable and is never
// silently repaired.
type ConsistencyError struct {
	Msg string
}

func (e *ConsistencyError) Error() string { return e.Msg }

func consistencyf(format string, args ...any) error {
	return &ConsistencyError{Msg: fmt.Sprintf(format, args...)}
}
