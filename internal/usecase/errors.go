package usecase

import "fmt"

// ErrorCode classifies dispatch failures for logging and branch handling.
type ErrorCode string

const (
	// ErrorTransport covers attachment fetch and outbound delivery failures.
	ErrorTransport ErrorCode = "TRANSPORT_ERROR"
	// ErrorClassification covers missing or malformed intent-selection output.
	ErrorClassification ErrorCode = "CLASSIFICATION_ERROR"
	// ErrorExtraction covers unparsable structured-extraction output.
	ErrorExtraction ErrorCode = "EXTRACTION_ERROR"
	// ErrorValidation covers rejected arguments, caught before the store.
	ErrorValidation ErrorCode = "VALIDATION_ERROR"
	// ErrorPersistence covers store unreachability and duplicate identifiers.
	ErrorPersistence ErrorCode = "PERSISTENCE_ERROR"
)

type Error struct {
	Code   ErrorCode
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("usecase: %s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("usecase: %s (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func newError(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}
