// Package apperror defines the error taxonomy shared across leasekeeper's
// domain packages, each carrying the HTTP status code the transport layer
// should respond with.
package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind identifies a class of domain error.
type Kind string

const (
	// Validation
	KindMalformedParameter   Kind = "MalformedParameter"
	KindMissingParameter     Kind = "MissingParameter"
	KindInvalidDate          Kind = "InvalidDate"
	KindMalformedRequirements Kind = "MalformedRequirements"
	KindInvalidRange         Kind = "InvalidRange"

	// Not found
	KindAggregateNotFound  Kind = "AggregateNotFound"
	KindHostNotFound       Kind = "HostNotFound"
	KindHypervisorNotFound Kind = "HypervisorNotFound"
	KindNoFreePool         Kind = "NoFreePool"
	KindHostNotInFreePool  Kind = "HostNotInFreePool"
	KindEndpointsNotFound  Kind = "EndpointsNotFound"
	KindServiceNotFound    Kind = "ServiceNotFound"
	KindLeaseNotFound      Kind = "LeaseNotFound"
	KindEventNotFound      Kind = "EventNotFound"

	// Conflict / state
	KindLeaseNameAlreadyExists  Kind = "LeaseNameAlreadyExists"
	KindInvalidState            Kind = "InvalidState"
	KindInvalidStateUpdate      Kind = "InvalidStateUpdate"
	KindAggregateHaveHost       Kind = "AggregateHaveHost"
	KindAggregateAlreadyHasHost Kind = "AggregateAlreadyHasHost"
	KindCantAddHost             Kind = "CantAddHost"
	KindCantRemoveHost          Kind = "CantRemoveHost"
	KindHostHavingServers       Kind = "HostHavingServers"
	KindMultipleHostsFound      Kind = "MultipleHostsFound"
	KindCantAddExtraCapability  Kind = "CantAddExtraCapability"

	// Capacity
	KindNotEnoughHostsAvailable Kind = "NotEnoughHostsAvailable"

	// Auth/context
	KindNotAuthorized     Kind = "NotAuthorized"
	KindMissingTrustId    Kind = "MissingTrustId"
	KindProjectIdNotFound Kind = "ProjectIdNotFound"

	// Plugin/config
	KindUnsupportedResourceType Kind = "UnsupportedResourceType"
	KindPluginConfigurationError Kind = "PluginConfigurationError"
	KindConfigurationError      Kind = "ConfigurationError"
	KindEventError              Kind = "EventError"
)

// statusByKind maps each Kind to the HTTP status spec.md §6 assigns it.
var statusByKind = map[Kind]int{
	KindMalformedParameter:    http.StatusBadRequest,
	KindMissingParameter:      http.StatusBadRequest,
	KindInvalidDate:           http.StatusBadRequest,
	KindMalformedRequirements: http.StatusBadRequest,
	KindInvalidRange:          http.StatusBadRequest,

	KindAggregateNotFound:  http.StatusNotFound,
	KindHostNotFound:       http.StatusNotFound,
	KindHypervisorNotFound: http.StatusNotFound,
	KindNoFreePool:         http.StatusNotFound,
	KindHostNotInFreePool:  http.StatusNotFound,
	KindEndpointsNotFound:  http.StatusNotFound,
	KindServiceNotFound:    http.StatusNotFound,
	KindLeaseNotFound:      http.StatusNotFound,
	KindEventNotFound:      http.StatusNotFound,

	KindLeaseNameAlreadyExists:  http.StatusConflict,
	KindInvalidState:            http.StatusConflict,
	KindInvalidStateUpdate:      http.StatusConflict,
	KindAggregateHaveHost:       http.StatusConflict,
	KindAggregateAlreadyHasHost: http.StatusConflict,
	KindCantAddHost:             http.StatusConflict,
	KindCantRemoveHost:          http.StatusConflict,
	KindHostHavingServers:       http.StatusConflict,
	KindMultipleHostsFound:      http.StatusConflict,
	KindCantAddExtraCapability:  http.StatusConflict,

	KindNotEnoughHostsAvailable: http.StatusConflict,

	KindNotAuthorized:     http.StatusForbidden,
	KindMissingTrustId:    http.StatusBadRequest,
	KindProjectIdNotFound: http.StatusNotFound,

	KindUnsupportedResourceType:  http.StatusBadRequest,
	KindPluginConfigurationError: http.StatusInternalServerError,
	KindConfigurationError:       http.StatusInternalServerError,
	KindEventError:               http.StatusInternalServerError,
}

// Error is a domain error tagged with a Kind and, optionally, a wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Status returns the HTTP status code associated with e's Kind.
func (e *Error) Status() int {
	if s, ok := statusByKind[e.Kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// New creates an Error of the given Kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates an Error of the given Kind wrapping cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Is reports whether err is an *Error of the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// StatusOf returns the HTTP status for err, defaulting to 500 for errors
// that aren't tagged with a Kind.
func StatusOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Status()
	}
	return http.StatusInternalServerError
}
