// Package node implements the control logic of an environmental sensor
// node that reports to Home Assistant over MQTT.
//
// A [Node] is one device session context. It owns:
//
//   - a [ConnectionManager] that brings up the link, opens the broker
//     session with an "offline" will message, and waits (bounded) for
//     the broker to accept it;
//   - a [Session], the announce state machine. On every accepted
//     connection it drives discovery, then availability "online", then
//     the command topic subscription, each step gated on the previous
//     step's acknowledgment;
//   - a [Reassembler] that rebuilds fragmented inbound payloads in a
//     fixed-capacity [Buffer];
//   - a [Dispatcher] that runs the [Handler] registered for a command;
//   - a [StatePublisher] for the five-field telemetry document.
//
// The broker may deliver on the command topic before the subscription
// acknowledgment is polled. Such messages are held until the
// acknowledgment settles, then replayed or discarded.
//
// Nothing in this package starts a goroutine. Transports queue their
// completions and inbound data as [Event] values, and [Node.Poll]
// drains them on the caller's goroutine, so all session state is
// mutated from one place.
package node
