package node

// Event is an input to the session. Transports produce them from
// broker callbacks; the connection manager produces the connect
// lifecycle ones.
type Event interface {
	event()
}

// Step identifies which outbound operation an acknowledgment belongs to.
type Step uint8

const (
	StepDiscovery Step = iota + 1
	StepAvailability
	StepSubscribe
	StepTelemetry
	StepOffline
)

// String returns the step name used in log fields.
func (s Step) String() string {
	switch s {
	case StepDiscovery:
		return "discovery"
	case StepAvailability:
		return "availability"
	case StepSubscribe:
		return "subscribe"
	case StepTelemetry:
		return "telemetry"
	case StepOffline:
		return "offline"
	default:
		return "unknown"
	}
}

// Tag travels with every publish or subscribe request and comes back
// on its acknowledgment. Acks for another epoch are ignored.
type Tag struct {
	Epoch uint64
	Step  Step
}

// ConnectStarted is raised when a connect attempt begins.
type ConnectStarted struct{}

// ConnectFailed is raised when a connect attempt gives up.
type ConnectFailed struct {
	Err error
}

// ConnectAccepted is raised when the broker accepts the session. It
// may be delivered more than once for the same session.
type ConnectAccepted struct{}

// PublishAck completes a publish request.
type PublishAck struct {
	Tag Tag
	Err error
}

// SubscribeAck completes a subscribe request.
type SubscribeAck struct {
	Tag Tag
	Err error
}

// MessageBegin starts an inbound message of TotalLength bytes.
type MessageBegin struct {
	Topic       string
	TotalLength int
}

// MessageFragment carries the next chunk of the current inbound
// message. Last marks the final chunk.
type MessageFragment struct {
	Data []byte
	Last bool
}

// TransportDropped is raised when the broker session is lost. LinkUp
// reports whether the network link survived.
type TransportDropped struct {
	LinkUp bool
	Err    error
}

// RequestDiscovery asks for discovery to be (re)published. It is a
// no-op once discovery is underway in the current epoch.
type RequestDiscovery struct{}

func (ConnectStarted) event()   {}
func (ConnectFailed) event()    {}
func (ConnectAccepted) event()  {}
func (PublishAck) event()       {}
func (SubscribeAck) event()     {}
func (MessageBegin) event()     {}
func (MessageFragment) event()  {}
func (TransportDropped) event() {}
func (RequestDiscovery) event() {}
