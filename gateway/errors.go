package gateway

import (
	"fmt"

	"emperror.dev/errors"
)

var (
	// ErrChannelError is wrapped by transports when a channel terminates abnormally.
	ErrChannelError = errors.NewPlain("gateway channel error")
	// ErrChannelClosed is returned by Channel.Send once the channel is no longer writable.
	ErrChannelClosed = errors.NewPlain("gateway channel closed")

	ErrProtocolViolation = errors.NewPlain("gateway protocol violation")
	ErrHandshakeTimeout  = errors.NewPlain("gateway handshake timed out")
	ErrZombieConnection  = errors.NewPlain("no heartbeat ack received since sending last heartbeat")
	ErrServerReconnect   = errors.NewPlain("gateway requested a reconnect")
	ErrInvalidSession    = errors.NewPlain("gateway invalidated the session")

	// Fatal errors, the shard stops and they are reported to whoever runs it.
	ErrAuthenticationRejected = errors.NewPlain("authentication failed")
	ErrInvalidShard           = errors.NewPlain("you specified a invalid sharding setup")
	ErrInvalidIntents         = errors.NewPlain("one of the gateway intents passed was invalid")
	ErrDisallowedIntents      = errors.NewPlain("an intent you specified has not been enabled or not been whitelisted for")
	ErrRetryBudgetExhausted   = errors.NewPlain("reconnect retry budget exhausted")

	ErrAlreadyRunning = errors.NewPlain("shard is already running")
	ErrNotConnected   = errors.NewPlain("shard is not connected")
)

// Close codes used with Channel.Close
const (
	// CloseAbort drops the connection without a close handshake
	CloseAbort = 0
	// CloseNormal closes cleanly, the server invalidates the session
	CloseNormal = 1000
	// CloseResumable closes cleanly while keeping the session resumable
	CloseResumable = 4000
)

// Close codes sent by the gateway
const (
	CloseCodeUnknownError         = 4000
	CloseCodeAuthenticationFailed = 4004
	CloseCodeInvalidSeq           = 4007
	CloseCodeSessionTimedOut      = 4009
	CloseCodeInvalidShard         = 4010
	CloseCodeShardingRequired     = 4011
	CloseCodeInvalidIntents       = 4013
	CloseCodeDisallowedIntents    = 4014
)

// CloseError is returned by Channel.Receive when the remote end closed the connection with a close code
type CloseError struct {
	Code   int
	Reason string
}

func (c *CloseError) Error() string {
	return fmt.Sprintf("gateway closed the connection, code: %d, msg: %q", c.Code, c.Reason)
}

// IsFatal returns true if err means the shard should not be reconnected automatically
func IsFatal(err error) bool {
	return errors.Is(err, ErrAuthenticationRejected) ||
		errors.Is(err, ErrInvalidShard) ||
		errors.Is(err, ErrInvalidIntents) ||
		errors.Is(err, ErrDisallowedIntents) ||
		errors.Is(err, ErrRetryBudgetExhausted)
}

// classifyClose maps a close code to the error the state machine acts on, and whether the
// session survives it
func classifyClose(ce *CloseError) (err error, resumable bool) {
	switch ce.Code {
	case CloseCodeAuthenticationFailed:
		return errors.WithMessage(ErrAuthenticationRejected, ce.Error()), false
	case CloseCodeInvalidShard, CloseCodeShardingRequired:
		return errors.WithMessage(ErrInvalidShard, ce.Error()), false
	case CloseCodeInvalidIntents:
		return errors.WithMessage(ErrInvalidIntents, ce.Error()), false
	case CloseCodeDisallowedIntents:
		return errors.WithMessage(ErrDisallowedIntents, ce.Error()), false
	case CloseCodeInvalidSeq, CloseCodeSessionTimedOut:
		return errors.WithMessage(ErrInvalidSession, ce.Error()), false
	}

	return errors.WithMessage(ErrChannelError, ce.Error()), true
}
