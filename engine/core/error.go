package core

import (
	"errors"
	"fmt"
)

const (
	ErrCodeValidation      = "VALIDATION_ERROR"
	ErrCodeActionExecution = "ACTION_EXECUTION_ERROR"
	ErrCodePersistence     = "PERSISTENCE_ERROR"
	ErrCodeLookup          = "LOOKUP_ERROR"
)

// Error is an error carrying a machine readable code and details.
type Error struct {
	Message string         `json:"message"`
	Code    string         `json:"code"`
	Details map[string]any `json:"details,omitempty"`
	cause   error
}

func NewError(err error, code string, details map[string]any) *Error {
	msg := code
	if err != nil {
		msg = err.Error()
	}
	return &Error{Message: msg, Code: code, Details: details, cause: err}
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Message == e.Code {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

func (e *Error) AsMap() map[string]any {
	if e == nil {
		return nil
	}
	return map[string]any{
		"message": e.Message,
		"code":    e.Code,
		"details": e.Details,
	}
}

// HasCode reports whether any *Error in err's chain carries code.
func HasCode(err error, code string) bool {
	var coreErr *Error
	return errors.As(err, &coreErr) && coreErr.Code == code
}

func ValidationError(format string, args ...any) *Error {
	return NewError(fmt.Errorf(format, args...), ErrCodeValidation, nil)
}
