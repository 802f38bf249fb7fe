package node

import "log/slog"

// DefaultBufferSize is the inbound reassembly capacity in bytes.
const DefaultBufferSize = 512

// Message is a complete inbound message.
type Message struct {
	Topic   string
	Payload []byte
}

// Reassembler rebuilds one inbound message at a time from fragments.
// Messages whose declared length does not fit are discarded whole;
// nothing partial is ever returned.
type Reassembler struct {
	capacity int
	buf      *Buffer
	logger   *slog.Logger

	active   bool
	overflow bool
	topic    string
	total    int
}

// NewReassembler returns a reassembler with the given capacity. One
// byte of capacity is reserved, so the largest accepted message is
// capacity-1 bytes.
func NewReassembler(capacity int, logger *slog.Logger) *Reassembler {
	if capacity < 2 {
		capacity = DefaultBufferSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reassembler{
		capacity: capacity,
		buf:      NewBuffer(capacity - 1),
		logger:   logger,
	}
}

// Capacity returns the configured capacity, including the reserved byte.
func (r *Reassembler) Capacity() int { return r.capacity }

// Overflowed reports whether the current message has been discarded.
func (r *Reassembler) Overflowed() bool { return r.overflow }

// Begin starts a new message, abandoning any unfinished one.
func (r *Reassembler) Begin(topic string, totalLength int) {
	r.buf.Reset()
	r.active = true
	r.overflow = false
	r.topic = topic
	r.total = totalLength

	if totalLength >= r.capacity || totalLength < 0 {
		r.overflow = true
		r.logger.Warn("inbound message too large, discarding",
			"topic", topic,
			"total_length", totalLength,
			"capacity", r.capacity,
		)
	}
}

// Append adds a fragment to the current message. It does nothing when
// no message is in progress or the current one has overflowed.
func (r *Reassembler) Append(data []byte) {
	if !r.active || r.overflow {
		return
	}
	if _, err := r.buf.Write(data); err != nil {
		r.overflow = true
		r.logger.Warn("inbound fragments exceed buffer, discarding",
			"topic", r.topic,
			"total_length", r.total,
			"fragment", len(data),
			"available", r.buf.Available(),
		)
	}
}

// End finishes the current message. It returns the message and true
// only if it was received whole.
func (r *Reassembler) End() (Message, bool) {
	if !r.active {
		return Message{}, false
	}
	r.active = false
	if r.overflow {
		return Message{}, false
	}
	if r.buf.Len() != r.total {
		r.logger.Warn("inbound message length mismatch, discarding",
			"topic", r.topic,
			"declared", r.total,
			"received", r.buf.Len(),
		)
		return Message{}, false
	}

	payload := make([]byte, r.buf.Len())
	copy(payload, r.buf.Bytes())
	r.buf.Reset()
	return Message{Topic: r.topic, Payload: payload}, true
}
