package mqtt

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/envnode/internal/node"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBrokerURL(t *testing.T) {
	tests := []struct {
		name    string
		scheme  string
		broker  string
		port    uint16
		want    string
		wantErr bool
	}{
		{name: "mqtt host and port", scheme: "mqtt", broker: "192.168.1.10", port: 1883, want: "mqtt://192.168.1.10:1883"},
		{name: "tcp", scheme: "tcp", broker: "broker.lan", port: 1884, want: "tcp://broker.lan:1884"},
		{name: "websocket", scheme: "ws", broker: "broker.lan", port: 8080, want: "ws://broker.lan:8080"},
		{name: "ipv6", scheme: "mqtt", broker: "::1", port: 1883, want: "mqtt://[::1]:1883"},
		{name: "full URL wins", scheme: "mqtt", broker: "ws://hub.lan:9001/mqtt", port: 1883, want: "ws://hub.lan:9001/mqtt"},
		{name: "no port", scheme: "mqtt", broker: "broker.lan", want: "mqtt://broker.lan"},
		{name: "tls scheme", scheme: "mqtts", broker: "broker.lan", port: 8883, wantErr: true},
		{name: "tls URL", broker: "ssl://broker.lan:8883", wantErr: true},
		{name: "empty", scheme: "mqtt", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := BrokerURL(tt.scheme, tt.broker, tt.port)
			if tt.wantErr {
				if err == nil {
					t.Errorf("BrokerURL() = %v, want error", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("BrokerURL() error = %v", err)
			}
			if got.String() != tt.want {
				t.Errorf("BrokerURL() = %q, want %q", got.String(), tt.want)
			}
		})
	}
}

func TestKeepAliveSeconds(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want uint16
	}{
		{60 * time.Second, 60},
		{1500 * time.Millisecond, 1},
		{0, 60},
		{48 * time.Hour, 65535},
	}
	for _, tt := range tests {
		if got := keepAliveSeconds(tt.in); got != tt.want {
			t.Errorf("keepAliveSeconds(%v) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestSubackError(t *testing.T) {
	if err := subackError(&paho.Suback{Reasons: []byte{0x01}}); err != nil {
		t.Errorf("granted QoS 1: error = %v, want nil", err)
	}
	if err := subackError(nil); err != nil {
		t.Errorf("nil suback: error = %v, want nil", err)
	}
	err := subackError(&paho.Suback{Reasons: []byte{0x87}})
	if !errors.Is(err, ErrSubscribeRejected) {
		t.Errorf("not authorized: error = %v, want ErrSubscribeRejected", err)
	}
}

func testTransport(fragment int, rate float64, burst int) *Transport {
	d := NewDialer(DialerConfig{
		FragmentSize: fragment,
		CommandRate:  rate,
		CommandBurst: burst,
		Logger:       discardLogger(),
	})
	return newTransport(d.cfg, d.logger)
}

func TestTransport_ReceiveFragments(t *testing.T) {
	tr := testTransport(4, 0, 0)
	tr.receive("pico_env_sensor/command", []byte("toggle_led"))

	evs := tr.Poll()
	if len(evs) != 4 {
		t.Fatalf("queued %d events, want begin + 3 fragments", len(evs))
	}
	begin, ok := evs[0].(node.MessageBegin)
	if !ok || begin.Topic != "pico_env_sensor/command" || begin.TotalLength != 10 {
		t.Fatalf("first event = %#v, want MessageBegin of 10 bytes", evs[0])
	}

	var got strings.Builder
	for i, ev := range evs[1:] {
		frag, ok := ev.(node.MessageFragment)
		if !ok {
			t.Fatalf("event %d = %T, want MessageFragment", i+1, ev)
		}
		if frag.Last != (i == 2) {
			t.Errorf("fragment %d Last = %v", i, frag.Last)
		}
		got.Write(frag.Data)
	}
	if got.String() != "toggle_led" {
		t.Errorf("reassembled %q, want toggle_led", got.String())
	}

	if evs := tr.Poll(); len(evs) != 0 {
		t.Errorf("second Poll() returned %d events, want 0", len(evs))
	}
}

func TestTransport_ReceiveEmptyPayload(t *testing.T) {
	tr := testTransport(128, 0, 0)
	tr.receive("t", nil)

	evs := tr.Poll()
	if len(evs) != 2 {
		t.Fatalf("queued %d events, want 2", len(evs))
	}
	if frag, ok := evs[1].(node.MessageFragment); !ok || !frag.Last || len(frag.Data) != 0 {
		t.Errorf("second event = %#v, want empty last fragment", evs[1])
	}
}

func TestTransport_ReceiveCopiesPayload(t *testing.T) {
	tr := testTransport(128, 0, 0)
	payload := []byte("toggle")
	tr.receive("t", payload)
	copy(payload, "XXXXXX")

	frag := tr.Poll()[1].(node.MessageFragment)
	if string(frag.Data) != "toggle" {
		t.Errorf("fragment = %q, want toggle", frag.Data)
	}
}

func TestTransport_RateLimit(t *testing.T) {
	tr := testTransport(128, 0.001, 2)
	for range 5 {
		tr.receive("t", []byte("toggle"))
	}

	begins := 0
	for _, ev := range tr.Poll() {
		if _, ok := ev.(node.MessageBegin); ok {
			begins++
		}
	}
	if begins != 2 {
		t.Errorf("accepted %d messages, want burst of 2", begins)
	}
	if tr.limited != 3 {
		t.Errorf("limited = %d, want 3", tr.limited)
	}
}

func TestTransport_LostReportsLinkState(t *testing.T) {
	linkUp := false
	d := NewDialer(DialerConfig{LinkUp: func() bool { return linkUp }, Logger: discardLogger()})
	tr := newTransport(d.cfg, d.logger)

	tr.lost()
	linkUp = true
	tr.lost()

	evs := tr.Poll()
	if len(evs) != 2 {
		t.Fatalf("queued %d events, want 2", len(evs))
	}
	if evs[0].(node.TransportDropped).LinkUp || !evs[1].(node.TransportDropped).LinkUp {
		t.Errorf("LinkUp = %v, %v; want false, true",
			evs[0].(node.TransportDropped).LinkUp, evs[1].(node.TransportDropped).LinkUp)
	}
}

func TestTransport_LostCarriesLastError(t *testing.T) {
	tr := testTransport(128, 0, 0)
	eof := errors.New("EOF")

	tr.noteError(eof)
	tr.lost()
	// The cause is consumed by the drop it belongs to.
	tr.lost()

	evs := tr.Poll()
	if len(evs) != 2 {
		t.Fatalf("queued %d events, want 2", len(evs))
	}
	if err := evs[0].(node.TransportDropped).Err; !errors.Is(err, eof) {
		t.Errorf("first drop Err = %v, want %v", err, eof)
	}
	if err := evs[1].(node.TransportDropped).Err; !errors.Is(err, errConnectionLost) {
		t.Errorf("second drop Err = %v, want %v", err, errConnectionLost)
	}
}

func TestTransport_ClosedDiscardsEvents(t *testing.T) {
	tr := testTransport(128, 0, 0)
	tr.push(node.ConnectAccepted{})
	if err := tr.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	tr.push(node.ConnectAccepted{})
	tr.receive("t", []byte("toggle"))
	if evs := tr.Poll(); len(evs) != 0 {
		t.Errorf("Poll() after Close returned %d events", len(evs))
	}
	if err := tr.Publish(node.Publication{Topic: "t"}, node.Tag{}); !errors.Is(err, node.ErrNotConnected) {
		t.Errorf("Publish() after Close error = %v, want ErrNotConnected", err)
	}
	if err := tr.Subscribe("t", 1, node.Tag{}); !errors.Is(err, node.ErrNotConnected) {
		t.Errorf("Subscribe() after Close error = %v, want ErrNotConnected", err)
	}
}
