// Package mqtt connects an envnode [node.Node] to an MQTT broker.
//
// The broker session is an Eclipse Paho v2 [autopaho] connection
// manager. Network I/O happens on autopaho's goroutines; everything
// they observe (connection accepted, publish and subscribe outcomes,
// inbound messages, disconnects) is turned into [node.Event] values and
// queued. The node drains the queue from its own goroutine with
// [Transport.Poll], so no node state is ever touched concurrently.
//
// Inbound messages are split into fragments of a configurable size
// before they are queued, the way a constrained network stack would
// hand them over, and are rate limited per session with
// [golang.org/x/time/rate].
//
// A drop is queued from autopaho's OnConnectionDown hook, which runs
// before it redials, so the drop always precedes the next accept. When
// autopaho re-establishes the connection the new accept is reported
// like the first one and the node replays its announce sequence.
package mqtt
