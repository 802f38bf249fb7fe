package node

import (
	"fmt"
	"log/slog"
)

// Reading is one sample of the environmental sensors.
type Reading struct {
	Temperature float64
	Humidity    float64
	ECO2        uint16
	TVOC        uint16
	AQI         uint8
}

// Payload renders the reading as the compact state document that the
// discovery value templates read from.
func (r Reading) Payload() []byte {
	return fmt.Appendf(nil,
		`{"temperature":%.1f,"humidity":%.1f,"eco2":%d,"tvoc":%d,"aqi":%d}`,
		r.Temperature, r.Humidity, r.ECO2, r.TVOC, r.AQI)
}

// Publication is an outbound MQTT message.
type Publication struct {
	Topic   string
	Payload []byte
	Retain  bool
	QoS     byte
}

// sender issues a tagged publish on the live broker session.
type sender interface {
	send(p Publication, step Step) error
}

// StatePublisher publishes telemetry readings to the shared state topic.
// It does not depend on announce progress, only on a live session.
type StatePublisher struct {
	topic  string
	out    sender
	logger *slog.Logger
}

// Publish sends r non-retained at QoS 1. It returns false, without any
// network effect, when no broker session is up. Nothing is queued or
// retried.
func (p *StatePublisher) Publish(r Reading) bool {
	payload := r.Payload()
	if err := p.out.send(Publication{Topic: p.topic, Payload: payload, QoS: 1}, StepTelemetry); err != nil {
		p.logger.Debug("mqtt state publish skipped", "topic", p.topic, "error", err)
		return false
	}
	p.logger.Debug("mqtt state published", "topic", p.topic, "payload", string(payload))
	return true
}
