package serviceerrors

import (
	"errors"

	"github.com/llm-perf/perf-hub/internal/messages"
)

type ServiceError struct {
	messageCode   *messages.MessageCode
	messageParams []any
	rollback      bool
}

func (e *ServiceError) Error() string {
	return messages.GetErrorMessage(e.messageCode, e.messageParams...)
}

func (e *ServiceError) MessageCode() *messages.MessageCode {
	return e.messageCode
}

func (e *ServiceError) MessageParams() []any {
	return e.messageParams
}

func (e *ServiceError) ShouldRollback() bool {
	return e.rollback
}

func NewServiceError(messageCode *messages.MessageCode, messageParams ...any) *ServiceError {
	return &ServiceError{
		messageCode:   messageCode,
		messageParams: messageParams,
		rollback:      false, // the default is to commit the transaction
	}
}

func (e *ServiceError) WithRollback() *ServiceError {
	return &ServiceError{
		messageCode:   e.messageCode,
		messageParams: e.messageParams,
		rollback:      true,
	}
}

func WithRollback(err error) *ServiceError {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.WithRollback()
	}
	return &ServiceError{
		messageCode:   messages.InternalServerError,
		messageParams: []any{"Error", err.Error()},
		rollback:      true,
	}
}

// IsMessage reports whether err is a service error built from messageCode.
func IsMessage(err error, messageCode *messages.MessageCode) bool {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.messageCode == messageCode
	}
	var te *TaskError
	if errors.As(err, &te) {
		return te.messageCode == messageCode
	}
	return false
}

// Code returns the HTTP style code of err for the API layer.
func Code(err error) int {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.messageCode.GetCode()
	}
	var te *TaskError
	if errors.As(err, &te) {
		return te.messageCode.GetCode()
	}
	return messages.UnknownError.GetCode()
}
