// Package federation hosts the core of the federation layer: the request
// authenticator, the invite restriction policy, the lifecycle manager and
// the shared error taxonomy.
package federation

import "fmt"

// Policy violation reasons. The reason string is part of the API surface
// reported to local clients when an invite is refused.
const (
	ReasonCloudID        = "cloudId"
	ReasonOutgoing       = "outgoing"
	ReasonFederation     = "federation"
	ReasonTrustedServers = "trusted_servers"
)

// PolicyViolation reports that an invite was refused by configuration or by
// the state of the acting user. It carries a machine-readable reason.
type PolicyViolation struct {
	Reason string
}

func (e *PolicyViolation) Error() string {
	return "federation not allowed: " + e.Reason
}

// NotFoundError reports that a referenced entity does not exist. Kind names
// the entity class (room, invitation, attendee, message).
type NotFoundError struct {
	Kind string
}

func (e *NotFoundError) Error() string {
	return e.Kind + " not found"
}

// UnauthenticatedError reports that a request carried no valid federation
// credentials.
type UnauthenticatedError struct{}

func (e *UnauthenticatedError) Error() string {
	return "not authenticated as a federated server"
}

// UnauthorizedError reports that authenticated credentials do not grant the
// attempted operation.
type UnauthorizedError struct {
	Op string
}

func (e *UnauthorizedError) Error() string {
	return "not authorized: " + e.Op
}

// UnreachableError reports that a remote server could not be reached or did
// not answer acceptably while the caller required a synchronous answer.
type UnreachableError struct {
	Remote string
	Err    error
}

func (e *UnreachableError) Error() string {
	return fmt.Sprintf("remote server %s unreachable: %v", e.Remote, e.Err)
}

func (e *UnreachableError) Unwrap() error { return e.Err }

// RequestError reports an invalid inbound federation request. Status is the
// HTTP status to answer with and Message the wire-level error code.
type RequestError struct {
	Status  int
	Message string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("bad request (%d): %s", e.Status, e.Message)
}
