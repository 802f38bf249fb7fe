package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/nugget/envnode/internal/node"
)

// ErrSubscribeRejected is reported when the broker refuses a
// subscription in its SUBACK.
var ErrSubscribeRejected = errors.New("subscription rejected by broker")

// errConnectionLost is reported for a drop whose cause autopaho has not
// surfaced yet.
var errConnectionLost = errors.New("connection lost")

// DefaultFragmentSize is the inbound fragment size used when none is
// configured.
const DefaultFragmentSize = 128

// requestTimeout bounds each publish and subscribe round trip.
const requestTimeout = 10 * time.Second

// DialerConfig configures a [Dialer].
type DialerConfig struct {
	// Scheme is "mqtt", "tcp" or "ws". A Broker given as a full URL
	// overrides it.
	Scheme string

	// FragmentSize is the chunk size inbound payloads are delivered in
	// (default [DefaultFragmentSize]).
	FragmentSize int

	// CommandRate and CommandBurst limit inbound messages per session.
	// A zero rate disables the limit.
	CommandRate  float64
	CommandBurst int

	// LinkUp reports whether the network link is still associated when
	// a session drops. Nil means the link is assumed up.
	LinkUp func() bool

	Logger *slog.Logger
}

// Dialer opens autopaho broker sessions. It implements [node.Dialer].
type Dialer struct {
	cfg    DialerConfig
	logger *slog.Logger
}

// NewDialer returns a dialer. Zero fields take defaults.
func NewDialer(cfg DialerConfig) *Dialer {
	if cfg.Scheme == "" {
		cfg.Scheme = "mqtt"
	}
	if cfg.FragmentSize <= 0 {
		cfg.FragmentSize = DefaultFragmentSize
	}
	if cfg.CommandBurst <= 0 {
		cfg.CommandBurst = 1
	}
	if cfg.LinkUp == nil {
		cfg.LinkUp = func() bool { return true }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dialer{cfg: cfg, logger: logger}
}

// Dial starts an autopaho connection manager and returns at once. The
// broker's acceptance arrives later as a [node.ConnectAccepted] event.
// The session outlives ctx; it ends with [Transport.Close].
func (d *Dialer) Dial(_ context.Context, opts node.SessionOptions) (node.Transport, error) {
	brokerURL, err := BrokerURL(d.cfg.Scheme, opts.Broker, opts.Port)
	if err != nil {
		return nil, err
	}

	t := newTransport(d.cfg, d.logger.With("broker", brokerURL.Redacted()))

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:                    []*url.URL{brokerURL},
		KeepAlive:                     keepAliveSeconds(opts.KeepAlive),
		CleanStartOnInitialConnection: true,
		OnConnectionUp: func(_ *autopaho.ConnectionManager, _ *paho.Connack) {
			t.logger.Debug("mqtt connack received")
			t.push(node.ConnectAccepted{})
		},
		OnConnectError: func(err error) {
			t.logger.Warn("mqtt connection error", "error", err)
		},
		// Runs on autopaho's main loop before it reconnects, so the drop
		// is always queued ahead of the next ConnectAccepted.
		OnConnectionDown: func() bool {
			t.lost()
			return true
		},
		ClientConfig: paho.ClientConfig{
			ClientID: opts.ClientID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					t.receive(pr.Packet.Topic, pr.Packet.Payload)
					return true, nil
				},
			},
			OnClientError: func(err error) {
				t.noteError(err)
			},
			OnServerDisconnect: func(pkt *paho.Disconnect) {
				t.noteError(fmt.Errorf("server disconnect: reason code 0x%02x", pkt.ReasonCode))
			},
		},
	}
	if opts.Will.Topic != "" {
		pahoCfg.WillMessage = &paho.WillMessage{
			Topic:   opts.Will.Topic,
			Payload: opts.Will.Payload,
			QoS:     opts.Will.QoS,
			Retain:  opts.Will.Retain,
		}
	}
	if brokerURL.Scheme == "ws" {
		pahoCfg.WebSocketCfg = &autopaho.WebSocketConfig{
			Dialer: func(*url.URL, *tls.Config) *websocket.Dialer {
				return &websocket.Dialer{
					Proxy:            websocket.DefaultDialer.Proxy,
					HandshakeTimeout: 10 * time.Second,
					Subprotocols:     []string{"mqtt"},
				}
			},
		}
	}

	cm, err := autopaho.NewConnection(t.ctx, pahoCfg)
	if err != nil {
		t.cancel()
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	t.cm = cm
	t.logger.Info("mqtt session dialing", "client_id", opts.ClientID)
	return t, nil
}

// Transport is one autopaho broker session. It implements
// [node.Transport]. Publish, Subscribe and Close are called from the
// node's goroutine; the queue they feed is filled from autopaho's.
type Transport struct {
	cm     *autopaho.ConnectionManager
	ctx    context.Context
	cancel context.CancelFunc

	fragmentSize int
	limiter      *rate.Limiter
	linkUp       func() bool
	logger       *slog.Logger

	inflight sync.WaitGroup

	mu      sync.Mutex
	events  []node.Event
	closed  bool
	limited int
	lastErr error
}

func newTransport(cfg DialerConfig, logger *slog.Logger) *Transport {
	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		ctx:          ctx,
		cancel:       cancel,
		fragmentSize: cfg.FragmentSize,
		linkUp:       cfg.LinkUp,
		logger:       logger,
	}
	if cfg.CommandRate > 0 {
		t.limiter = rate.NewLimiter(rate.Limit(cfg.CommandRate), cfg.CommandBurst)
	}
	return t
}

// Publish issues p in the background. Its outcome is queued as a
// [node.PublishAck] tagged with tag.
func (t *Transport) Publish(p node.Publication, tag node.Tag) error {
	if t.isClosed() {
		return node.ErrNotConnected
	}
	msg := &paho.Publish{
		Topic:   p.Topic,
		Payload: p.Payload,
		QoS:     p.QoS,
		Retain:  p.Retain,
	}

	t.inflight.Add(1)
	go func() {
		defer t.inflight.Done()
		ctx, cancel := context.WithTimeout(t.ctx, requestTimeout)
		defer cancel()

		_, err := t.cm.Publish(ctx, msg)
		if err != nil {
			err = fmt.Errorf("publish %s: %w", p.Topic, err)
		}
		t.push(node.PublishAck{Tag: tag, Err: err})
	}()
	return nil
}

// Subscribe issues a subscription in the background. Its outcome is
// queued as a [node.SubscribeAck] tagged with tag.
func (t *Transport) Subscribe(topic string, qos byte, tag node.Tag) error {
	if t.isClosed() {
		return node.ErrNotConnected
	}

	t.inflight.Add(1)
	go func() {
		defer t.inflight.Done()
		ctx, cancel := context.WithTimeout(t.ctx, requestTimeout)
		defer cancel()

		sa, err := t.cm.Subscribe(ctx, &paho.Subscribe{
			Subscriptions: []paho.SubscribeOptions{{Topic: topic, QoS: qos}},
		})
		if err == nil {
			err = subackError(sa)
		}
		if err != nil {
			err = fmt.Errorf("subscribe %s: %w", topic, err)
		}
		t.push(node.SubscribeAck{Tag: tag, Err: err})
	}()
	return nil
}

// subackError reports the first failure reason code in sa.
func subackError(sa *paho.Suback) error {
	if sa == nil {
		return nil
	}
	for _, code := range sa.Reasons {
		if code >= 0x80 {
			return fmt.Errorf("%w: reason code 0x%02x", ErrSubscribeRejected, code)
		}
	}
	return nil
}

// Poll returns and clears the queued events. It never blocks on the
// network.
func (t *Transport) Poll() []node.Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	ev := t.events
	t.events = nil
	return ev
}

// Close waits for in-flight requests, then disconnects. Events that
// arrive afterwards are discarded.
func (t *Transport) Close(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	done := make(chan struct{})
	go func() {
		t.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		t.logger.Debug("mqtt close: in-flight requests abandoned")
	}

	var err error
	if t.cm != nil {
		err = t.cm.Disconnect(ctx)
	}
	t.cancel()
	t.clear()
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("mqtt disconnect: %w", err)
	}
	return nil
}

// receive queues an inbound message as a MessageBegin followed by its
// fragments. The whole sequence is queued under one lock so fragments
// of different messages never interleave.
func (t *Transport) receive(topic string, payload []byte) {
	if t.limiter != nil && !t.limiter.Allow() {
		t.mu.Lock()
		t.limited++
		n := t.limited
		t.mu.Unlock()
		t.logger.Warn("mqtt message dropped due to rate limit",
			"topic", topic,
			"dropped_total", n,
		)
		return
	}

	evs := make([]node.Event, 0, 2+len(payload)/t.fragmentSize)
	evs = append(evs, node.MessageBegin{Topic: topic, TotalLength: len(payload)})
	if len(payload) == 0 {
		evs = append(evs, node.MessageFragment{Last: true})
	}
	for off := 0; off < len(payload); off += t.fragmentSize {
		end := min(off+t.fragmentSize, len(payload))
		frag := make([]byte, end-off)
		copy(frag, payload[off:end])
		evs = append(evs, node.MessageFragment{Data: frag, Last: end == len(payload)})
	}
	t.push(evs...)
}

// noteError records why the connection is going down. autopaho calls
// its error hooks on their own goroutines, so the cause is only
// attached to the drop if it arrived before [Transport.lost].
func (t *Transport) noteError(err error) {
	t.mu.Lock()
	t.lastErr = err
	t.mu.Unlock()
	t.logger.Debug("mqtt client error", "error", err)
}

// lost reports a lost connection. autopaho keeps reconnecting in the
// background; a later accept is queued like the first one.
func (t *Transport) lost() {
	up := t.linkUp()
	t.mu.Lock()
	err := t.lastErr
	t.lastErr = nil
	t.mu.Unlock()
	if err == nil {
		err = errConnectionLost
	}
	t.logger.Warn("mqtt connection lost", "link_up", up, "error", err)
	t.push(node.TransportDropped{LinkUp: up, Err: err})
}

func (t *Transport) push(evs ...node.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.events = append(t.events, evs...)
}

func (t *Transport) clear() {
	t.mu.Lock()
	t.events = nil
	t.mu.Unlock()
}

func (t *Transport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// BrokerURL builds the broker URL from a scheme, host and port. A
// broker already written as a URL is parsed as is.
func BrokerURL(scheme, broker string, port uint16) (*url.URL, error) {
	if broker == "" {
		return nil, errors.New("mqtt broker address is empty")
	}
	if strings.Contains(broker, "://") {
		u, err := url.Parse(broker)
		if err != nil {
			return nil, fmt.Errorf("parse mqtt broker URL: %w", err)
		}
		return u, checkScheme(u.Scheme)
	}
	if err := checkScheme(scheme); err != nil {
		return nil, err
	}
	host := broker
	if port != 0 {
		host = net.JoinHostPort(broker, strconv.Itoa(int(port)))
	}
	return &url.URL{Scheme: scheme, Host: host}, nil
}

func checkScheme(s string) error {
	switch s {
	case "mqtt", "tcp", "ws":
		return nil
	default:
		return fmt.Errorf("unsupported mqtt scheme %q (valid: mqtt, tcp, ws)", s)
	}
}

// keepAliveSeconds converts d to the MQTT keep-alive field, clamped to
// its 16-bit range.
func keepAliveSeconds(d time.Duration) uint16 {
	s := d / time.Second
	switch {
	case s <= 0:
		return 60
	case s > 65535:
		return 65535
	}
	return uint16(s)
}
