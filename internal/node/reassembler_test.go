package node

import (
	"bytes"
	"math/rand/v2"
	"testing"
)

const testTopic = "pico_env_sensor/command"

// splitRandom cuts data into 1..len pieces at random boundaries.
func splitRandom(rng *rand.Rand, data []byte) [][]byte {
	if len(data) == 0 {
		return [][]byte{nil}
	}
	var parts [][]byte
	for len(data) > 0 {
		n := 1 + rng.IntN(len(data))
		parts = append(parts, data[:n])
		data = data[n:]
	}
	return parts
}

func TestReassembler_RoundTripAllLengths(t *testing.T) {
	const capacity = 64
	rng := rand.New(rand.NewPCG(1, 2))
	r := NewReassembler(capacity, discardLogger())

	for length := 0; length < capacity; length++ {
		want := make([]byte, length)
		for i := range want {
			want[i] = byte('a' + rng.IntN(26))
		}

		for trial := 0; trial < 5; trial++ {
			r.Begin(testTopic, length)
			for _, part := range splitRandom(rng, want) {
				r.Append(part)
			}
			msg, ok := r.End()

			if !ok {
				t.Fatalf("length %d trial %d: End() ok = false", length, trial)
			}
			if !bytes.Equal(msg.Payload, want) {
				t.Fatalf("length %d trial %d: payload = %q, want %q", length, trial, msg.Payload, want)
			}
			if msg.Topic != testTopic {
				t.Fatalf("Topic = %q, want %q", msg.Topic, testTopic)
			}
		}
	}
}

func TestReassembler_OverflowOnBegin(t *testing.T) {
	for _, total := range []int{512, 513, 600, 4096} {
		r := NewReassembler(512, discardLogger())
		r.Begin(testTopic, total)
		if !r.Overflowed() {
			t.Errorf("total %d: Overflowed() = false after Begin", total)
		}
		r.Append([]byte("toggle"))
		r.Append(bytes.Repeat([]byte{'x'}, 100))
		if r.buf.Len() != 0 {
			t.Errorf("total %d: buffered %d bytes, want 0", total, r.buf.Len())
		}
		if _, ok := r.End(); ok {
			t.Errorf("total %d: End() ok = true, want false", total)
		}
	}
}

func TestReassembler_FragmentsBeyondCapacityDiscarded(t *testing.T) {
	r := NewReassembler(8, discardLogger())
	r.Begin(testTopic, 4)
	r.Append([]byte("abcdef"))
	r.Append([]byte("gh"))
	if !r.Overflowed() {
		t.Fatal("Overflowed() = false after writing past capacity")
	}
	if _, ok := r.End(); ok {
		t.Error("End() ok = true for overflowed message")
	}
}

func TestReassembler_LengthMismatchDiscarded(t *testing.T) {
	r := NewReassembler(64, discardLogger())
	r.Begin(testTopic, 6)
	r.Append([]byte("tog"))
	if _, ok := r.End(); ok {
		t.Error("End() ok = true for short message")
	}
}

func TestReassembler_BeginSupersedes(t *testing.T) {
	r := NewReassembler(64, discardLogger())
	r.Begin(testTopic, 10)
	r.Append([]byte("half"))

	r.Begin(testTopic, 6)
	r.Append([]byte("toggle"))
	msg, ok := r.End()
	if !ok || string(msg.Payload) != "toggle" {
		t.Errorf("End() = %q, %v; want %q, true", msg.Payload, ok, "toggle")
	}

	// An overflowed message is superseded the same way.
	r.Begin(testTopic, 1000)
	r.Begin(testTopic, 3)
	r.Append([]byte("off"))
	msg, ok = r.End()
	if !ok || string(msg.Payload) != "off" {
		t.Errorf("End() = %q, %v; want %q, true", msg.Payload, ok, "off")
	}
}

func TestReassembler_NoBegin(t *testing.T) {
	r := NewReassembler(64, discardLogger())
	r.Append([]byte("stray"))
	if _, ok := r.End(); ok {
		t.Error("End() without Begin ok = true")
	}

	r.Begin(testTopic, 2)
	r.Append([]byte("on"))
	r.End()
	if _, ok := r.End(); ok {
		t.Error("second End() ok = true, want message consumed")
	}
}

func TestReassembler_ScenarioC(t *testing.T) {
	r := NewReassembler(512, discardLogger())
	r.Begin(testTopic, 600)
	if !r.Overflowed() {
		t.Fatal("600-byte message did not overflow a 512-byte buffer")
	}
	for i := 0; i < 5; i++ {
		r.Append(bytes.Repeat([]byte{'z'}, 120))
	}
	if _, ok := r.End(); ok {
		t.Error("End() produced a message for an overflowed payload")
	}
}
