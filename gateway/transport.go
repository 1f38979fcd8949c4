package gateway

import (
	"context"
)

// Transport hands out fresh channels, one per connection attempt.
// A transport never reconnects on its own, that is up to the shard.
type Transport interface {
	Dial(ctx context.Context, url string) (Channel, error)
}

// Channel is a single duplex message connection to the gateway.
//
// Receive blocks for the next message. It returns io.EOF when the remote closed the
// connection cleanly, a *CloseError when it closed with a close code and an error wrapping
// ErrChannelError on any other failure. Close unblocks a pending Receive.
//
// Send may be called concurrently with Receive but not with itself.
type Channel interface {
	Send(ctx context.Context, msg []byte) error
	Receive(ctx context.Context) ([]byte, error)

	// Close closes the channel with the given close code, CloseAbort drops it without a handshake
	Close(code int) error
}

// TransportFunc adapts a function to the Transport interface
type TransportFunc func(ctx context.Context, url string) (Channel, error)

func (f TransportFunc) Dial(ctx context.Context, url string) (Channel, error) {
	return f(ctx, url)
}
