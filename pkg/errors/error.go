package errors

import (
	"fmt"
	"net/http"
)

const (
	// Prefix used for error code strings, e.g. "renku-k8s-cache-1"
	ErrorCodePrefix = "renku-k8s-cache"

	// NotFound occurs when a cached object does not exist or is tombstoned
	ErrorNotFound ServiceErrorCode = 1

	// Validation occurs when a query or configuration fails validation
	ErrorValidation ServiceErrorCode = 2

	// Conflict occurs when a database constraint is violated
	ErrorConflict ServiceErrorCode = 3

	// BadRequest occurs when a caller-supplied filter cannot be parsed
	ErrorBadRequest ServiceErrorCode = 7

	// General occurs when an error fails to match any other error code
	ErrorGeneral ServiceErrorCode = 10

	// ConfigNotFound occurs when the cache configuration file cannot be found
	ErrorConfigNotFound ServiceErrorCode = 11

	// BrokerConnectionError occurs when there's an error connecting to the message broker
	ErrorBrokerConnectionError ServiceErrorCode = 12

	// KubernetesError occurs when there's an error interacting with a Kubernetes API server
	ErrorKubernetesError ServiceErrorCode = 13

	// ClusterUnavailable occurs when a cluster is unknown, unreachable or degraded
	ErrorClusterUnavailable ServiceErrorCode = 14

	// MalformedEvent occurs when a watch event payload cannot be interpreted
	ErrorMalformedEvent ServiceErrorCode = 15

	// StoreUnavailable occurs when the persisted cache cannot be reached
	ErrorStoreUnavailable ServiceErrorCode = 16

	// WatchExpired occurs when a watch resource version is too old to resume from
	ErrorWatchExpired ServiceErrorCode = 17
)

type ServiceErrorCode int

type ServiceErrors []ServiceError

func Find(code ServiceErrorCode) (bool, *ServiceError) {
	for _, err := range Errors() {
		if err.Code == code {
			return true, &err
		}
	}
	return false, nil
}

func Errors() ServiceErrors {
	return ServiceErrors{
		ServiceError{ErrorNotFound, "Resource not found", http.StatusNotFound},
		ServiceError{ErrorValidation, "General validation failure", http.StatusBadRequest},
		ServiceError{ErrorConflict, "An entity with the specified unique values already exists", http.StatusConflict},
		ServiceError{ErrorBadRequest, "Bad request", http.StatusBadRequest},
		ServiceError{ErrorGeneral, "Unspecified error", http.StatusInternalServerError},
		ServiceError{ErrorConfigNotFound, "Cache configuration not found", http.StatusNotFound},
		ServiceError{ErrorBrokerConnectionError, "Failed to connect to message broker", http.StatusInternalServerError},
		ServiceError{ErrorKubernetesError, "Kubernetes API error", http.StatusInternalServerError},
		ServiceError{ErrorClusterUnavailable, "Cluster unavailable", http.StatusServiceUnavailable},
		ServiceError{ErrorMalformedEvent, "Malformed watch event", http.StatusUnprocessableEntity},
		ServiceError{ErrorStoreUnavailable, "Cache store unavailable", http.StatusServiceUnavailable},
		ServiceError{ErrorWatchExpired, "Watch resource version expired", http.StatusGone},
	}
}

type ServiceError struct {
	// Code is the numeric and distinct ID for the error
	Code ServiceErrorCode
	// Reason is the context-specific reason the error was generated
	Reason string
	// HttpCode is the status a REST layer should map this error to
	HttpCode int
}

// New Reason can be a string with format verbs, which will be replaced by the specified values
func New(code ServiceErrorCode, reason string, values ...interface{}) *ServiceError {
	exists, err := Find(code)
	if !exists {
		err = &ServiceError{ErrorGeneral, fmt.Sprintf("Unspecified error (undefined code %d)", code), http.StatusInternalServerError}
	}

	if reason != "" {
		err.Reason = fmt.Sprintf(reason, values...)
	}

	return err
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("%s: %s", *CodeStr(e.Code), e.Reason)
}

func (e *ServiceError) AsError() error {
	return fmt.Errorf("%s", e.Error())
}

func (e *ServiceError) Is404() bool {
	return e.Code == ErrorNotFound
}

func (e *ServiceError) IsConflict() bool {
	return e.Code == ErrorConflict
}

// IsExpected reports whether the error describes a normal operating condition
// (bad input, missing object, unreachable cluster) rather than a defect.
func (e *ServiceError) IsExpected() bool {
	switch e.Code {
	case ErrorNotFound, ErrorValidation, ErrorBadRequest, ErrorClusterUnavailable,
		ErrorMalformedEvent, ErrorWatchExpired, ErrorStoreUnavailable:
		return true
	}
	return false
}

func CodeStr(code ServiceErrorCode) *string {
	str := fmt.Sprintf("%s-%d", ErrorCodePrefix, code)
	return &str
}

func NotFound(reason string, values ...interface{}) *ServiceError {
	return New(ErrorNotFound, reason, values...)
}

func GeneralError(reason string, values ...interface{}) *ServiceError {
	return New(ErrorGeneral, reason, values...)
}

func Conflict(reason string, values ...interface{}) *ServiceError {
	return New(ErrorConflict, reason, values...)
}

func Validation(reason string, values ...interface{}) *ServiceError {
	return New(ErrorValidation, reason, values...)
}

func BadRequest(reason string, values ...interface{}) *ServiceError {
	return New(ErrorBadRequest, reason, values...)
}

func ConfigNotFound(reason string, values ...interface{}) *ServiceError {
	return New(ErrorConfigNotFound, reason, values...)
}

func BrokerConnectionError(reason string, values ...interface{}) *ServiceError {
	return New(ErrorBrokerConnectionError, reason, values...)
}

func KubernetesError(reason string, values ...interface{}) *ServiceError {
	return New(ErrorKubernetesError, reason, values...)
}

func ClusterUnavailable(reason string, values ...interface{}) *ServiceError {
	return New(ErrorClusterUnavailable, reason, values...)
}

func MalformedEvent(reason string, values ...interface{}) *ServiceError {
	return New(ErrorMalformedEvent, reason, values...)
}

func StoreUnavailable(reason string, values ...interface{}) *ServiceError {
	return New(ErrorStoreUnavailable, reason, values...)
}

func WatchExpired(reason string, values ...interface{}) *ServiceError {
	return New(ErrorWatchExpired, reason, values...)
}
