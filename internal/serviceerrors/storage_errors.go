package serviceerrors

import (
	"errors"
	"fmt"
	"net/http"
)

// StorageError represents an error in storage operations
type StorageError struct {
	Op   string
	Code int
	err  error
}

func (e *StorageError) Error() string {
	if e.err == nil {
		return e.Op
	}
	return fmt.Sprintf("%s: %s", e.Op, e.err.Error())
}

func (e *StorageError) Unwrap() error {
	return e.err
}

func NewStorageErrorWithError(err error, format string, a ...any) *StorageError {
	return &StorageError{Op: fmt.Sprintf(format, a...), Code: http.StatusInternalServerError, err: err}
}

func NewStorageError(format string, a ...any) *StorageError {
	return &StorageError{Op: fmt.Sprintf(format, a...), Code: http.StatusInternalServerError}
}

func NewStorageErrorWithCode(code int, format string, a ...any) *StorageError {
	return &StorageError{Op: fmt.Sprintf(format, a...), Code: code}
}

// IsNotFound reports whether err is a not found error from the storage or
// service layer.
func IsNotFound(err error) bool {
	var se *StorageError
	if errors.As(err, &se) {
		return se.Code == http.StatusNotFound
	}
	return Code(err) == http.StatusNotFound
}
