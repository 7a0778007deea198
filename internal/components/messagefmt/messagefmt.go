// Package messagefmt converts chat messages between the local rich format
// and the representation sent to federated servers.
package messagefmt

import "context"

// Message is the transport-independent shape of a chat message body.
type Message struct {
	Message       string
	Parameters    string // JSON-encoded rich parameters
	MessageType   string
	SystemMessage string
}

// Converter prepares messages for delivery to a specific remote server and
// normalizes inbound messages for local storage. Implementations may expand
// or strip rich parameters the peer cannot resolve.
type Converter interface {
	ToRemote(ctx context.Context, remoteServer string, msg Message) (Message, error)
	FromRemote(ctx context.Context, remoteServer string, msg Message) (Message, error)
}

// Passthrough forwards messages unchanged in both directions.
type Passthrough struct{}

func (Passthrough) ToRemote(ctx context.Context, remoteServer string, msg Message) (Message, error) {
	return msg, nil
}

func (Passthrough) FromRemote(ctx context.Context, remoteServer string, msg Message) (Message, error) {
	return msg, nil
}
