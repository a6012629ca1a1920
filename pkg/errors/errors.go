package errors

import (
	"errors"
	"fmt"
)

// Code is a machine-readable error category.
type Code string

const (
	// CodeRegistryLoad: the host registry client could not be initialised.
	CodeRegistryLoad Code = "REGISTRY_LOAD"
	// CodeView: a registry metadata query failed or returned garbage.
	CodeView Code = "VIEW"
	// CodeCacheAdd: fetching a package into the cache failed.
	CodeCacheAdd Code = "CACHE_ADD"
	// CodeManifestFetch: the secondary manifest lookup failed.
	CodeManifestFetch Code = "MANIFEST_FETCH"
	// CodeStream: reading or writing tarball bytes failed.
	CodeStream Code = "STREAM"
	// CodeExtraction: unpacking the archive failed.
	CodeExtraction Code = "EXTRACTION"

	CodeInvalidSource Code = "INVALID_SOURCE"
	CodeNotFound      Code = "NOT_FOUND"
	CodeNetwork       Code = "NETWORK"
	CodeConfig        Code = "CONFIG"
)

// Error is a coded error with an optional cause.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the cause for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates an Error with a formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap creates an Error around cause.
func Wrap(code Code, cause error, format string, args ...any) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Cause:   cause,
	}
}

// Is reports whether the outermost *Error in err's chain has code.
func Is(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// HasCode reports whether any *Error in err's chain has code.
func HasCode(err error, code Code) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Code == code {
			return true
		}
		err = e.Cause
	}
	return false
}

// GetCode returns the code of the outermost *Error, or "".
func GetCode(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// UserMessage returns the message without the code prefix.
func UserMessage(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Cause != nil {
			return fmt.Sprintf("%s: %v", e.Message, e.Cause)
		}
		return e.Message
	}
	return err.Error()
}
