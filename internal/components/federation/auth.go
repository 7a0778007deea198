package federation

import (
	"net/http"
	"net/url"

	"github.com/talkmesh/talkmesh-go/internal/components/cloudid"
	"github.com/talkmesh/talkmesh-go/internal/store"
)

// HeaderFederation marks a request as coming from a federated server. The
// Basic Auth username carries the URL-encoded cloud id of the sending
// attendee and the password the shared secret.
const HeaderFederation = "X-Talk-Federation"

// AuthState is the classification of an inbound request.
type AuthState int

const (
	// StateUnresolved means the request has not been inspected yet.
	StateUnresolved AuthState = iota
	// StateNotFederated means the request carries no usable federation
	// credentials and must be treated as a local request.
	StateNotFederated
	// StateFederated means the request carries a cloud id and shared secret.
	StateFederated
)

// Authenticator classifies one inbound request and, once a handler has
// validated the credentials, carries the bound room and attendee for the
// rest of the request. Parsing is lazy and the result is cached; any
// malformed input resolves to StateNotFederated, never to an error.
//
// An Authenticator is request-scoped and not safe for concurrent use.
type Authenticator struct {
	request *http.Request

	state   AuthState
	cloudID cloudid.CloudID
	secret  string

	room     *store.Room
	attendee *store.Attendee
}

// NewAuthenticator creates an authenticator for one request.
func NewAuthenticator(r *http.Request) *Authenticator {
	return &Authenticator{request: r, state: StateUnresolved}
}

// resolve parses the federation marker and credentials once.
func (a *Authenticator) resolve() {
	if a.state != StateUnresolved {
		return
	}
	a.state = StateNotFederated

	if a.request == nil || a.request.Header.Get(HeaderFederation) == "" {
		return
	}

	username, password, ok := a.request.BasicAuth()
	if !ok || password == "" {
		return
	}

	decoded, err := url.QueryUnescape(username)
	if err != nil {
		return
	}
	id, err := cloudid.Parse(decoded)
	if err != nil {
		return
	}

	a.cloudID = id
	a.secret = password
	a.state = StateFederated
}

// State returns the cached classification, resolving it on first use.
func (a *Authenticator) State() AuthState {
	a.resolve()
	return a.state
}

// IsFederationRequest reports whether the request authenticated as a
// federated server.
func (a *Authenticator) IsFederationRequest() bool {
	return a.State() == StateFederated
}

// CloudID returns the sender's cloud id. Valid only when
// IsFederationRequest is true.
func (a *Authenticator) CloudID() cloudid.CloudID {
	a.resolve()
	return a.cloudID
}

// Secret returns the shared secret presented by the sender. Valid only when
// IsFederationRequest is true.
func (a *Authenticator) Secret() string {
	a.resolve()
	return a.secret
}

// Authenticated binds the local room and attendee after the handler has
// verified the presented secret against them.
func (a *Authenticator) Authenticated(room *store.Room, attendee *store.Attendee) {
	a.room = room
	a.attendee = attendee
}

// Room returns the bound room, or a NotFoundError when no handler has bound
// one yet.
func (a *Authenticator) Room() (*store.Room, error) {
	if a.room == nil {
		return nil, &NotFoundError{Kind: "room"}
	}
	return a.room, nil
}

// Attendee returns the bound attendee, or a NotFoundError when no handler
// has bound one yet.
func (a *Authenticator) Attendee() (*store.Attendee, error) {
	if a.attendee == nil {
		return nil, &NotFoundError{Kind: "attendee"}
	}
	return a.attendee, nil
}
