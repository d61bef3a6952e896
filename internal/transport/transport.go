// Package transport moves tagged protocol messages between peers. It knows nothing about what
// the messages mean: delivery is best effort and application level replies are the only
// confirmation.
package transport

import (
	"context"

	"github.com/tensorlink/validator/pkg/api"
)

// Handler processes one inbound message. Messages from one transport are handed to the handler
// one at a time, so a slow handler delays every later message. Errors are logged by the
// transport.
type Handler func(from api.PeerId, data []byte) error

type Transport interface {
	// LocalId is the id other peers use to address this transport.
	LocalId() api.PeerId
	// Send delivers data to the peer to.
	Send(ctx context.Context, to api.PeerId, data []byte) error
	// Listen starts delivering inbound messages to handler. It may only be called once.
	Listen(handler Handler) error
	Close() error
}
