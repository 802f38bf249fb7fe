package node

// ConnectionState is the announce-sequence position of a [Session].
type ConnectionState uint8

const (
	// StateDisconnected means neither link nor broker session is up.
	StateDisconnected ConnectionState = iota

	// StateConnecting means a connect attempt is in progress.
	StateConnecting

	// StateConnected means the link is up. If the broker session is
	// also up, discovery has been (or is being) requested.
	StateConnected

	// StateDiscoveryPublished means the broker acknowledged discovery.
	StateDiscoveryPublished

	// StateAvailabilityPublished means "online" was acknowledged.
	StateAvailabilityPublished

	// StateSubscriptionActive means the command subscription was
	// acknowledged and inbound commands are dispatched.
	StateSubscriptionActive
)

// String returns a human-readable state name.
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateDiscoveryPublished:
		return "DISCOVERY_PUBLISHED"
	case StateAvailabilityPublished:
		return "AVAILABILITY_PUBLISHED"
	case StateSubscriptionActive:
		return "SUBSCRIPTION_ACTIVE"
	default:
		return "UNKNOWN"
	}
}
