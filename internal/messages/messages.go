package messages

import (
	"fmt"
	"net/http"
	"strings"
)

// This package provides all the error messages that are reported to the user,
// either through the task error field or through the API layer.
// Note that we add a comment with the message parameters so that it is possible
// to see the parameters in the IDE when creating an error message.
var (
	// Task lifecycle errors reported to the API layer

	// ResourceNotFound The {{.Type}} resource {{.ResourceId}} was not found.
	ResourceNotFound = createMessage(
		http.StatusNotFound,
		"The {{.Type}} resource {{.ResourceId}} was not found.",
	)

	// TaskNotTerminal The task {{.ResourceId}} is {{.Status}}, the {{.Operation}} operation requires a terminal task.
	TaskNotTerminal = createMessage(
		http.StatusConflict,
		"The task {{.ResourceId}} is {{.Status}}, the {{.Operation}} operation requires a terminal task.",
	)

	// TaskNotArchivable The task {{.ResourceId}} cannot be archived: '{{.Reason}}'.
	TaskNotArchivable = createMessage(
		http.StatusConflict,
		"The task {{.ResourceId}} cannot be archived: '{{.Reason}}'.",
	)

	// RequestValidationFailed The request validation failed: '{{.Error}}'.
	RequestValidationFailed = createMessage(
		http.StatusBadRequest,
		"The request validation failed: '{{.Error}}'.",
	)

	// ParametersValidationFailed The task parameters are not valid: '{{.Error}}'.
	ParametersValidationFailed = createMessage(
		http.StatusBadRequest,
		"The task parameters are not valid: '{{.Error}}'.",
	)

	// Remote execution errors written into the task error field

	// RemoteConnectionFailed Failed to connect to {{.Host}}: '{{.Error}}'.
	RemoteConnectionFailed = createMessage(
		http.StatusBadGateway,
		"Failed to connect to {{.Host}}: '{{.Error}}'.",
	)

	// RemoteAuthFailed Authentication as {{.User}} on {{.Host}} was rejected: '{{.Error}}'.
	RemoteAuthFailed = createMessage(
		http.StatusUnauthorized,
		"Authentication as {{.User}} on {{.Host}} was rejected: '{{.Error}}'.",
	)

	// RemoteCommandFailed The command '{{.Command}}' exited with status {{.ExitStatus}} on {{.Host}}.
	RemoteCommandFailed = createMessage(
		http.StatusInternalServerError,
		"The command '{{.Command}}' exited with status {{.ExitStatus}} on {{.Host}}.",
	)

	// RemoteCommandTimeout The command '{{.Command}}' exceeded its time budget of {{.Timeout}} on {{.Host}}.
	RemoteCommandTimeout = createMessage(
		http.StatusGatewayTimeout,
		"The command '{{.Command}}' exceeded its time budget of {{.Timeout}} on {{.Host}}.",
	)

	// RemoteCommandCanceled The command '{{.Command}}' was canceled on {{.Host}}.
	RemoteCommandCanceled = createMessage(
		http.StatusInternalServerError,
		"The command '{{.Command}}' was canceled on {{.Host}}.",
	)

	// OutputErrorDetected The {{.Phase}} output reported an error: '{{.Line}}'.
	OutputErrorDetected = createMessage(
		http.StatusInternalServerError,
		"The {{.Phase}} output reported an error: '{{.Line}}'.",
	)

	// ToolNotInstalled The benchmark tool '{{.Tool}}' is not installed on {{.Host}}.
	ToolNotInstalled = createMessage(
		http.StatusFailedDependency,
		"The benchmark tool '{{.Tool}}' is not installed on {{.Host}}.",
	)

	// LaunchTimeout The model {{.Model}} was not ready on port {{.Port}} after {{.Timeout}}.
	LaunchTimeout = createMessage(
		http.StatusGatewayTimeout,
		"The model {{.Model}} was not ready on port {{.Port}} after {{.Timeout}}.",
	)

	// LaunchFailed The model {{.Model}} failed to launch: '{{.Error}}'.
	LaunchFailed = createMessage(
		http.StatusInternalServerError,
		"The model {{.Model}} failed to launch: '{{.Error}}'.",
	)

	// BenchmarkTimeout The benchmark pass at concurrency {{.Concurrency}} round {{.Round}} exceeded {{.Timeout}}.
	BenchmarkTimeout = createMessage(
		http.StatusGatewayTimeout,
		"The benchmark pass at concurrency {{.Concurrency}} round {{.Round}} exceeded {{.Timeout}}.",
	)

	// NoSamplesParsed No result samples were parsed from the benchmark output ({{.Malformed}} malformed lines).
	NoSamplesParsed = createMessage(
		http.StatusUnprocessableEntity,
		"No result samples were parsed from the benchmark output ({{.Malformed}} malformed lines).",
	)

	// CommandTemplateFailed The {{.Name}} command template could not be rendered: '{{.Error}}'.
	CommandTemplateFailed = createMessage(
		http.StatusInternalServerError,
		"The {{.Name}} command template could not be rendered: '{{.Error}}'.",
	)

	// ReportFailed The result report could not be written: '{{.Error}}'.
	ReportFailed = createMessage(
		http.StatusInternalServerError,
		"The result report could not be written: '{{.Error}}'.",
	)

	// CleanupFailed The best effort cleanup failed: '{{.Error}}'.
	CleanupFailed = createMessage(
		http.StatusInternalServerError,
		"The best effort cleanup failed: '{{.Error}}'.",
	)

	// LeaseConflict The task {{.ResourceId}} is already leased by another runner.
	LeaseConflict = createMessage(
		http.StatusConflict,
		"The task {{.ResourceId}} is already leased by another runner.",
	)

	// LeaseExpired The lease of {{.Owner}} on task {{.ResourceId}} expired at {{.ExpiredAt}}.
	LeaseExpired = createMessage(
		http.StatusGone,
		"The lease of {{.Owner}} on task {{.ResourceId}} expired at {{.ExpiredAt}}.",
	)

	// Configuration related errors

	// ConfigurationFailed The service startup failed: '{{.Error}}'.
	ConfigurationFailed = createMessage(
		http.StatusInternalServerError,
		"The service startup failed: '{{.Error}}'.",
	)

	// JSON errors that are not coming from user input

	// JSONUnmarshalFailed The JSON unmarshalling failed for the {{.Type}}: '{{.Error}}'.
	JSONUnmarshalFailed = createMessage(
		http.StatusInternalServerError,
		"The JSON unmarshalling failed for the {{.Type}}: '{{.Error}}'.",
	)

	// Storage related errors

	// DatabaseOperationFailed The request for the {{.Type}} resource {{.ResourceId}} failed: '{{.Error}}'.
	DatabaseOperationFailed = createMessage(
		http.StatusInternalServerError,
		"The request for the {{.Type}} resource {{.ResourceId}} failed: '{{.Error}}'.",
	)
	// QueryFailed The request for the {{.Type}} failed: '{{.Error}}'.
	QueryFailed = createMessage(
		http.StatusInternalServerError,
		"The request for the {{.Type}} failed: '{{.Error}}'.",
	)

	// InternalServerError An internal server error occurred: '{{.Error}}'.
	InternalServerError = createMessage(
		http.StatusInternalServerError,
		"An internal server error occurred: '{{.Error}}'.",
	)

	// UnknownError An unknown error occurred: '{{.Error}}'. This is a fallback error if the error is not a service error.
	UnknownError = createMessage(
		http.StatusInternalServerError,
		"An unknown error occurred: {{.Error}}.",
	)
)

type MessageCode struct {
	status int
	one    string
}

func (m *MessageCode) GetCode() int {
	return m.status
}

func (m *MessageCode) GetMessage() string {
	return m.one
}

func createMessage(status int, one string) *MessageCode {
	return &MessageCode{
		status,
		one,
	}
}

func GetErrorMessage(messageCode *MessageCode, messageParams ...any) string {
	msg := messageCode.GetMessage()
	for i := 0; i < len(messageParams); i += 2 {
		param := messageParams[i]
		var paramValue any
		if i+1 < len(messageParams) {
			paramValue = messageParams[i+1]
		} else {
			paramValue = "NOT_DEFINED" // this is a placeholder for a missing parameter value - if you see this value then the code needs to be fixed
		}
		msg = strings.ReplaceAll(msg, fmt.Sprintf("{{.%v}}", param), fmt.Sprintf("%v", paramValue))
	}
	return msg
}
