package node

import (
	"errors"
	"testing"
)

var errNack = errors.New("nack")

// announced drives a fresh session to the given state of epoch 1.
func announced(t *testing.T, upTo ConnectionState) *Session {
	t.Helper()
	s := NewSession()
	s.Handle(ConnectStarted{})
	if upTo >= StateConnected {
		if got := s.Handle(ConnectAccepted{}); got != ActionPublishDiscovery {
			t.Fatalf("ConnectAccepted action = %v, want %v", got, ActionPublishDiscovery)
		}
	}
	if upTo >= StateDiscoveryPublished {
		s.Handle(PublishAck{Tag: s.Tag(StepDiscovery)})
	}
	if upTo >= StateAvailabilityPublished {
		s.Handle(PublishAck{Tag: s.Tag(StepAvailability)})
	}
	if upTo >= StateSubscriptionActive {
		s.Handle(SubscribeAck{Tag: s.Tag(StepSubscribe)})
	}
	if s.State() != upTo {
		t.Fatalf("setup state = %v, want %v", s.State(), upTo)
	}
	return s
}

func TestSession_AnnounceSequence(t *testing.T) {
	s := NewSession()
	if s.State() != StateDisconnected {
		t.Fatalf("initial state = %v, want %v", s.State(), StateDisconnected)
	}

	steps := []struct {
		name      string
		ev        func() Event
		wantAct   Action
		wantState ConnectionState
	}{
		{"connect started", func() Event { return ConnectStarted{} }, ActionNone, StateConnecting},
		{"accepted", func() Event { return ConnectAccepted{} }, ActionPublishDiscovery, StateConnected},
		{"discovery ack", func() Event { return PublishAck{Tag: s.Tag(StepDiscovery)} }, ActionPublishAvailability, StateDiscoveryPublished},
		{"availability ack", func() Event { return PublishAck{Tag: s.Tag(StepAvailability)} }, ActionSubscribe, StateAvailabilityPublished},
		{"subscribe ack", func() Event { return SubscribeAck{Tag: s.Tag(StepSubscribe)} }, ActionEnablePipeline, StateSubscriptionActive},
	}
	for _, st := range steps {
		got := s.Handle(st.ev())
		if got != st.wantAct {
			t.Errorf("%s: action = %v, want %v", st.name, got, st.wantAct)
		}
		if s.State() != st.wantState {
			t.Errorf("%s: state = %v, want %v", st.name, s.State(), st.wantState)
		}
	}
	if !s.PipelineEnabled() {
		t.Error("PipelineEnabled() = false after subscribe ack")
	}
	if s.Epoch() != 1 {
		t.Errorf("Epoch() = %d, want 1", s.Epoch())
	}
}

func TestSession_DuplicateAcceptIsNoop(t *testing.T) {
	for _, st := range []ConnectionState{
		StateConnected,
		StateDiscoveryPublished,
		StateAvailabilityPublished,
		StateSubscriptionActive,
	} {
		t.Run(st.String(), func(t *testing.T) {
			s := announced(t, st)
			if got := s.Handle(ConnectAccepted{}); got != ActionNone {
				t.Errorf("second ConnectAccepted action = %v, want none", got)
			}
			if got := s.Handle(RequestDiscovery{}); got != ActionNone {
				t.Errorf("RequestDiscovery action = %v, want none", got)
			}
			if s.State() != st {
				t.Errorf("state = %v, want %v", s.State(), st)
			}
			if s.Epoch() != 1 {
				t.Errorf("Epoch() = %d, want 1", s.Epoch())
			}
		})
	}
}

func TestSession_OutOfOrderAcksIgnored(t *testing.T) {
	s := announced(t, StateConnected)

	// Availability and subscribe acks before the discovery ack.
	if got := s.Handle(PublishAck{Tag: s.Tag(StepAvailability)}); got != ActionNone {
		t.Errorf("early availability ack action = %v, want none", got)
	}
	if got := s.Handle(SubscribeAck{Tag: s.Tag(StepSubscribe)}); got != ActionNone {
		t.Errorf("early subscribe ack action = %v, want none", got)
	}
	if s.State() != StateConnected {
		t.Fatalf("state = %v, want %v", s.State(), StateConnected)
	}

	// Telemetry acks never advance the sequence.
	if got := s.Handle(PublishAck{Tag: s.Tag(StepTelemetry)}); got != ActionNone {
		t.Errorf("telemetry ack action = %v, want none", got)
	}

	if got := s.Handle(PublishAck{Tag: s.Tag(StepDiscovery)}); got != ActionPublishAvailability {
		t.Errorf("discovery ack action = %v, want %v", got, ActionPublishAvailability)
	}
	// A repeated discovery ack must not re-issue availability.
	if got := s.Handle(PublishAck{Tag: s.Tag(StepDiscovery)}); got != ActionNone {
		t.Errorf("duplicate discovery ack action = %v, want none", got)
	}
	if got := s.Handle(SubscribeAck{Tag: s.Tag(StepSubscribe)}); got != ActionNone {
		t.Errorf("subscribe ack before availability ack action = %v, want none", got)
	}
	if s.State() != StateDiscoveryPublished {
		t.Errorf("state = %v, want %v", s.State(), StateDiscoveryPublished)
	}
}

func TestSession_FailedAcksHoldState(t *testing.T) {
	tests := []struct {
		from ConnectionState
		ev   func(s *Session) Event
	}{
		{StateConnected, func(s *Session) Event { return PublishAck{Tag: s.Tag(StepDiscovery), Err: errNack} }},
		{StateDiscoveryPublished, func(s *Session) Event { return PublishAck{Tag: s.Tag(StepAvailability), Err: errNack} }},
		{StateAvailabilityPublished, func(s *Session) Event { return SubscribeAck{Tag: s.Tag(StepSubscribe), Err: errNack} }},
	}
	for _, tt := range tests {
		t.Run(tt.from.String(), func(t *testing.T) {
			s := announced(t, tt.from)
			if got := s.Handle(tt.ev(s)); got != ActionNone {
				t.Errorf("action = %v, want none", got)
			}
			if s.State() != tt.from {
				t.Errorf("state = %v, want %v", s.State(), tt.from)
			}
			if s.PipelineEnabled() {
				t.Error("pipeline enabled after failure")
			}
		})
	}
}

func TestSession_FailedDiscoveryAllowsExplicitRetry(t *testing.T) {
	s := announced(t, StateConnected)
	s.Handle(PublishAck{Tag: s.Tag(StepDiscovery), Err: errNack})

	if got := s.Handle(RequestDiscovery{}); got != ActionPublishDiscovery {
		t.Fatalf("RequestDiscovery after failure = %v, want %v", got, ActionPublishDiscovery)
	}
	if got := s.Handle(RequestDiscovery{}); got != ActionNone {
		t.Errorf("second RequestDiscovery = %v, want none", got)
	}
	if s.Epoch() != 1 {
		t.Errorf("Epoch() = %d, want 1 (retry stays in epoch)", s.Epoch())
	}
}

func TestSession_DropRestartsAtDiscovery(t *testing.T) {
	tests := []struct {
		name   string
		linkUp bool
		want   ConnectionState
	}{
		{"link up", true, StateConnected},
		{"link down", false, StateDisconnected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := announced(t, StateSubscriptionActive)
			old := s.Tag(StepAvailability)

			s.Handle(TransportDropped{LinkUp: tt.linkUp, Err: errNack})
			if s.State() != tt.want {
				t.Fatalf("state after drop = %v, want %v", s.State(), tt.want)
			}
			if s.Online() || s.PipelineEnabled() {
				t.Error("session still online after drop")
			}

			// Late ack from the dead epoch is ignored.
			if got := s.Handle(PublishAck{Tag: old}); got != ActionNone {
				t.Errorf("stale ack action = %v, want none", got)
			}

			s.Handle(ConnectStarted{})
			if got := s.Handle(ConnectAccepted{}); got != ActionPublishDiscovery {
				t.Fatalf("reconnect action = %v, want %v", got, ActionPublishDiscovery)
			}
			if s.State() != StateConnected {
				t.Errorf("state after reconnect = %v, want %v", s.State(), StateConnected)
			}
			if s.Epoch() != 2 {
				t.Errorf("Epoch() = %d, want 2", s.Epoch())
			}

			// An ack tagged with the previous epoch cannot skip ahead.
			if got := s.Handle(PublishAck{Tag: Tag{Epoch: 1, Step: StepDiscovery}}); got != ActionNone {
				t.Errorf("previous-epoch discovery ack action = %v, want none", got)
			}
			if s.State() != StateConnected {
				t.Errorf("state = %v, want %v", s.State(), StateConnected)
			}
		})
	}
}

func TestSession_ConnectFailed(t *testing.T) {
	s := NewSession()
	s.Handle(ConnectStarted{})
	s.Handle(ConnectFailed{Err: errNack})
	if s.State() != StateDisconnected {
		t.Errorf("state = %v, want %v", s.State(), StateDisconnected)
	}
	if got := s.Handle(RequestDiscovery{}); got != ActionNone {
		t.Errorf("RequestDiscovery while offline = %v, want none", got)
	}
}

func TestConnectionState_String(t *testing.T) {
	tests := []struct {
		s    ConnectionState
		want string
	}{
		{StateDisconnected, "DISCONNECTED"},
		{StateConnecting, "CONNECTING"},
		{StateConnected, "CONNECTED"},
		{StateDiscoveryPublished, "DISCOVERY_PUBLISHED"},
		{StateAvailabilityPublished, "AVAILABILITY_PUBLISHED"},
		{StateSubscriptionActive, "SUBSCRIPTION_ACTIVE"},
		{ConnectionState(42), "UNKNOWN"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("ConnectionState(%d).String() = %q, want %q", tt.s, got, tt.want)
		}
	}
}
