package node

// Action is the side effect a [Session] transition asks its owner to
// perform. The session itself never touches a transport.
type Action uint8

const (
	ActionNone Action = iota
	ActionPublishDiscovery
	ActionPublishAvailability
	ActionSubscribe
	ActionEnablePipeline
)

// String returns the action name used in log fields.
func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionPublishDiscovery:
		return "publish_discovery"
	case ActionPublishAvailability:
		return "publish_availability"
	case ActionSubscribe:
		return "subscribe"
	case ActionEnablePipeline:
		return "enable_pipeline"
	default:
		return "unknown"
	}
}

// Session is the announce state machine. An epoch starts at each
// accepted broker connection and walks discovery, availability and
// subscription strictly in that order, each step gated on the previous
// acknowledgment. A dropped transport ends the epoch; the next accept
// replays the whole sequence.
//
// Session is not safe for concurrent use. It is owned by one goroutine.
type Session struct {
	state ConnectionState
	epoch uint64

	// online is true between ConnectAccepted and TransportDropped.
	online bool

	// discoveryIssued guards against a second discovery publish in
	// the same epoch.
	discoveryIssued bool
}

// NewSession returns a session in [StateDisconnected].
func NewSession() *Session {
	return &Session{state: StateDisconnected}
}

// State returns the current state.
func (s *Session) State() ConnectionState { return s.state }

// Epoch returns the number of accepted connections so far.
func (s *Session) Epoch() uint64 { return s.epoch }

// Online reports whether a broker session is currently up.
func (s *Session) Online() bool { return s.online }

// PipelineEnabled reports whether inbound commands should be processed.
func (s *Session) PipelineEnabled() bool {
	return s.online && s.state == StateSubscriptionActive
}

// Tag returns the tag for a request issued now for step.
func (s *Session) Tag(step Step) Tag {
	return Tag{Epoch: s.epoch, Step: step}
}

// Handle applies ev and returns the action the owner must perform.
// Events that do not concern the announce sequence return [ActionNone].
func (s *Session) Handle(ev Event) Action {
	switch e := ev.(type) {
	case ConnectStarted:
		if !s.online && s.state <= StateConnected {
			s.state = StateConnecting
		}

	case ConnectFailed:
		if s.state == StateConnecting {
			s.state = StateDisconnected
		}

	case ConnectAccepted:
		s.online = true
		if s.discoveryIssued || s.state > StateConnected {
			return ActionNone
		}
		s.epoch++
		s.state = StateConnected
		s.discoveryIssued = true
		return ActionPublishDiscovery

	case RequestDiscovery:
		if !s.online || s.state != StateConnected || s.discoveryIssued {
			return ActionNone
		}
		s.discoveryIssued = true
		return ActionPublishDiscovery

	case PublishAck:
		if !s.current(e.Tag) {
			return ActionNone
		}
		switch e.Tag.Step {
		case StepDiscovery:
			if s.state != StateConnected {
				return ActionNone
			}
			if e.Err != nil {
				s.discoveryIssued = false
				return ActionNone
			}
			s.state = StateDiscoveryPublished
			return ActionPublishAvailability
		case StepAvailability:
			if s.state != StateDiscoveryPublished || e.Err != nil {
				return ActionNone
			}
			s.state = StateAvailabilityPublished
			return ActionSubscribe
		}

	case SubscribeAck:
		if !s.current(e.Tag) || e.Tag.Step != StepSubscribe {
			return ActionNone
		}
		if s.state != StateAvailabilityPublished || e.Err != nil {
			return ActionNone
		}
		s.state = StateSubscriptionActive
		return ActionEnablePipeline

	case TransportDropped:
		s.online = false
		s.discoveryIssued = false
		if e.LinkUp {
			s.state = StateConnected
		} else {
			s.state = StateDisconnected
		}
	}
	return ActionNone
}

// current reports whether an ack tagged t belongs to the live epoch.
func (s *Session) current(t Tag) bool {
	return s.online && t.Epoch == s.epoch
}
