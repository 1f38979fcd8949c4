package gateway

// GatewayOP represents a gateway operation
type GatewayOP int

const (
	GatewayOPDispatch       GatewayOP = 0  // (Receive)
	GatewayOPHeartbeat      GatewayOP = 1  // (Send/Receive)
	GatewayOPIdentify       GatewayOP = 2  // (Send)
	GatewayOPPresenceUpdate GatewayOP = 3  // (Send)
	GatewayOPResume         GatewayOP = 6  // (Send)
	GatewayOPReconnect      GatewayOP = 7  // (Receive)
	GatewayOPInvalidSession GatewayOP = 9  // (Receive)
	GatewayOPHello          GatewayOP = 10 // (Receive)
	GatewayOPHeartbeatACK   GatewayOP = 11 // (Receive)
)

func (op GatewayOP) String() string {
	switch op {
	case GatewayOPDispatch:
		return "Dispatch"
	case GatewayOPHeartbeat:
		return "Heartbeat"
	case GatewayOPIdentify:
		return "Identify"
	case GatewayOPPresenceUpdate:
		return "PresenceUpdate"
	case GatewayOPResume:
		return "Resume"
	case GatewayOPReconnect:
		return "Reconnect"
	case GatewayOPInvalidSession:
		return "InvalidSession"
	case GatewayOPHello:
		return "Hello"
	case GatewayOPHeartbeatACK:
		return "HeartbeatACK"
	}

	return "??"
}

// Dispatch event types consumed by the state machine itself
const (
	EventTypeReady   = "READY"
	EventTypeResumed = "RESUMED"
)

// ConnState is the lifecycle phase of a shard
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateAwaitingHello
	StateIdentifying
	StateResuming
	StateConnected
	StateReconnecting
	StateZombied
)

func (cs ConnState) String() string {
	switch cs {
	case StateDisconnected:
		return "Disconnected"
	case StateConnecting:
		return "Connecting"
	case StateAwaitingHello:
		return "AwaitingHello"
	case StateIdentifying:
		return "Identifying"
	case StateResuming:
		return "Resuming"
	case StateConnected:
		return "Connected"
	case StateReconnecting:
		return "Reconnecting"
	case StateZombied:
		return "Zombied"
	}

	return "??"
}

// Handshaking returns true for the states between dialing and reaching Connected
func (cs ConnState) Handshaking() bool {
	return cs == StateConnecting || cs == StateAwaitingHello || cs == StateIdentifying || cs == StateResuming
}

// MarshalText implements encoding.TextMarshaler so states show up by name in json status output
func (cs ConnState) MarshalText() ([]byte, error) {
	return []byte(cs.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (cs *ConnState) UnmarshalText(b []byte) error {
	for s := StateDisconnected; s <= StateZombied; s++ {
		if s.String() == string(b) {
			*cs = s
			return nil
		}
	}

	*cs = StateDisconnected
	return nil
}
