package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// levelTrace mirrors config.LevelTrace for payload dumps.
const levelTrace = slog.Level(-8)

// maxHeldEvents bounds the inbound events held while the command
// subscription is being acknowledged.
const maxHeldEvents = 64

// Options configure a [Node].
type Options struct {
	Identity Identity

	// Sensors defaults to [DefaultSensors].
	Sensors []SensorSpec

	// Registry holds the accepted commands. Nil means none.
	Registry *Registry

	// Link brings up the network link; nil skips that step.
	Link Associator
	// Dialer opens broker sessions. Required.
	Dialer Dialer
	// Clock defaults to [SystemClock].
	Clock   Clock
	Connect ConnectOptions

	Credentials Credentials
	Broker      string
	Port        uint16

	// BufferSize is the inbound reassembly capacity; defaults to
	// [DefaultBufferSize].
	BufferSize int

	// OnEpoch, if set, is called on the polling goroutine each time a
	// new broker session epoch begins.
	OnEpoch func(epoch uint64)

	Logger *slog.Logger
}

// Node is the session context of one device. All methods must be
// called from the same goroutine.
type Node struct {
	identity  Identity
	discovery []byte

	cm         *ConnectionManager
	session    *Session
	reasm      *Reassembler
	dispatcher *Dispatcher
	publisher  *StatePublisher
	transport  Transport

	// While a subscribe is outstanding the broker may already deliver
	// on the command topic (a retained command, or one published right
	// after the SUBACK). Those events are held until the ack settles.
	subscribing  bool
	subscribeTag Tag
	held         []Event

	req     ConnectRequest
	onEpoch func(uint64)
	logger  *slog.Logger
}

// New builds a node. The discovery document is rendered here, so a
// sensor and command set that does not fit the staging buffer fails
// with [ErrDiscoveryTooLarge] before anything touches the network.
func New(opts Options) (*Node, error) {
	if opts.Dialer == nil {
		return nil, errors.New("node: Dialer is required")
	}
	if opts.Identity.ID == "" {
		return nil, errors.New("node: Identity.ID is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sensors := opts.Sensors
	if sensors == nil {
		sensors = DefaultSensors
	}
	registry := opts.Registry
	if registry == nil {
		registry = &Registry{}
	}
	bufSize := opts.BufferSize
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}

	doc, err := BuildDiscovery(opts.Identity, sensors, registry.Commands())
	if err != nil {
		return nil, fmt.Errorf("build discovery document: %w", err)
	}

	n := &Node{
		identity:   opts.Identity,
		discovery:  doc,
		cm:         NewConnectionManager(opts.Link, opts.Dialer, opts.Clock, opts.Connect, logger),
		session:    NewSession(),
		reasm:      NewReassembler(bufSize, logger),
		dispatcher: NewDispatcher(registry, logger),
		onEpoch:    opts.OnEpoch,
		logger:     logger,
		req: ConnectRequest{
			Credentials: opts.Credentials,
			Broker:      opts.Broker,
			Port:        opts.Port,
			ClientID:    opts.Identity.ID,
			Will: Publication{
				Topic:   opts.Identity.Topics.Availability,
				Payload: []byte(PayloadOffline),
				Retain:  true,
				QoS:     1,
			},
		},
	}
	n.publisher = &StatePublisher{
		topic:  opts.Identity.Topics.State,
		out:    n,
		logger: logger,
	}
	return n, nil
}

// Identity returns the device identity.
func (n *Node) Identity() Identity { return n.identity }

// Discovery returns the rendered discovery document.
func (n *Node) Discovery() []byte { return n.discovery }

// State returns the announce state.
func (n *Node) State() ConnectionState { return n.session.State() }

// Epoch returns the number of broker sessions accepted so far.
func (n *Node) Epoch() uint64 { return n.session.Epoch() }

// Connected reports whether a broker session is up.
func (n *Node) Connected() bool { return n.transport != nil && n.session.Online() }

// Connect brings up the link and the broker session. It returns once
// the broker has accepted (the announce sequence is already under way
// by then) or with [ErrLinkAssociation], [ErrBrokerConnect] or
// [ErrAcceptTimeout].
func (n *Node) Connect(ctx context.Context) error {
	if n.transport != nil {
		return ErrAlreadyConnected
	}
	n.handle(ConnectStarted{})

	t, err := n.cm.Connect(ctx, n.req,
		func(t Transport) { n.transport = t },
		n.handle,
	)
	if err != nil {
		n.transport = nil
		n.handle(ConnectFailed{Err: err})
		return err
	}
	n.transport = t
	return nil
}

// Poll drains pending transport events and applies them. It must be
// called frequently (every 10ms or so) for acknowledgments and inbound
// commands to make progress.
func (n *Node) Poll() {
	if n.transport == nil {
		return
	}
	for _, ev := range n.transport.Poll() {
		n.handle(ev)
	}
}

// PublishState publishes a telemetry reading. See [StatePublisher.Publish].
func (n *Node) PublishState(r Reading) bool {
	return n.publisher.Publish(r)
}

// Announce requests a discovery publish. It does nothing once the
// announce sequence is under way in the current epoch.
func (n *Node) Announce() {
	n.handle(RequestDiscovery{})
}

// Close publishes "offline" and closes the broker session. The will
// message is not sent by the broker on a clean disconnect, hence the
// explicit publish.
func (n *Node) Close(ctx context.Context) error {
	if n.transport == nil {
		return nil
	}
	if err := n.send(Publication{
		Topic:   n.identity.Topics.Availability,
		Payload: []byte(PayloadOffline),
		Retain:  true,
		QoS:     1,
	}, StepOffline); err != nil {
		n.logger.Debug("mqtt offline publish skipped", "error", err)
	}

	err := n.transport.Close(ctx)
	n.transport = nil
	n.handle(TransportDropped{LinkUp: true})
	if err != nil {
		return fmt.Errorf("mqtt close: %w", err)
	}
	return nil
}

// send implements sender for the state publisher.
func (n *Node) send(p Publication, step Step) error {
	if n.transport == nil || !n.session.Online() {
		return ErrNotConnected
	}
	return n.transport.Publish(p, n.session.Tag(step))
}

// handle routes one event: inbound message events feed the command
// pipeline, everything else goes through the session state machine.
func (n *Node) handle(ev Event) {
	switch ev.(type) {
	case MessageBegin, MessageFragment:
		if n.subscribing {
			n.hold(ev)
			return
		}
	}

	switch e := ev.(type) {
	case MessageBegin:
		if !n.session.PipelineEnabled() {
			n.logger.Debug("inbound message ignored, command pipeline inactive", "topic", e.Topic)
			return
		}
		n.reasm.Begin(e.Topic, e.TotalLength)
		return

	case MessageFragment:
		if !n.session.PipelineEnabled() {
			return
		}
		n.reasm.Append(e.Data)
		if e.Last {
			if msg, ok := n.reasm.End(); ok {
				n.deliver(msg)
			}
		}
		return

	case PublishAck:
		if e.Err != nil {
			n.logger.Warn("mqtt publish failed",
				"step", e.Tag.Step.String(), "epoch", e.Tag.Epoch, "error", e.Err)
		} else {
			n.logger.Debug("mqtt publish acknowledged",
				"step", e.Tag.Step.String(), "epoch", e.Tag.Epoch)
		}

	case SubscribeAck:
		if e.Err != nil {
			n.logger.Warn("mqtt subscribe failed, commands unavailable until reconnect",
				"topic", n.identity.Topics.Command, "epoch", e.Tag.Epoch, "error", e.Err)
		}

	case TransportDropped:
		n.subscribing = false
		if len(n.held) > 0 {
			n.logger.Debug("held inbound events discarded", "count", len(n.held))
			n.held = nil
		}
		if e.Err != nil {
			n.logger.Warn("mqtt connection lost", "link_up", e.LinkUp, "error", e.Err)
		} else {
			n.logger.Info("mqtt session closed", "link_up", e.LinkUp)
		}
	}

	before, epoch := n.session.State(), n.session.Epoch()
	act := n.session.Handle(ev)
	if after := n.session.State(); after != before {
		n.logger.Info("session state changed",
			"from", before.String(),
			"to", after.String(),
			"epoch", n.session.Epoch(),
		)
	}
	if n.session.Epoch() != epoch && n.onEpoch != nil {
		n.onEpoch(n.session.Epoch())
	}
	n.perform(act)

	if ack, ok := ev.(SubscribeAck); ok && n.subscribing && ack.Tag == n.subscribeTag {
		n.release(act == ActionEnablePipeline)
	}
}

func (n *Node) hold(ev Event) {
	if len(n.held) >= maxHeldEvents {
		n.logger.Warn("inbound event dropped, subscription not yet acknowledged",
			"held", len(n.held))
		return
	}
	n.held = append(n.held, ev)
}

// release ends the subscribe wait. Held events are replayed in arrival
// order when the subscription succeeded and discarded otherwise.
func (n *Node) release(replay bool) {
	held := n.held
	n.subscribing = false
	n.held = nil
	if !replay {
		if len(held) > 0 {
			n.logger.Debug("held inbound events discarded", "count", len(held))
		}
		return
	}
	for _, ev := range held {
		n.handle(ev)
	}
}

func (n *Node) perform(act Action) {
	switch act {
	case ActionPublishDiscovery:
		n.logger.Info("mqtt publishing discovery", "topic", n.identity.Topics.Discovery)
		n.logger.Log(context.Background(), levelTrace, "mqtt discovery payload",
			"payload", string(n.discovery))
		n.issue(Publication{
			Topic:   n.identity.Topics.Discovery,
			Payload: n.discovery,
			Retain:  true,
			QoS:     1,
		}, StepDiscovery)

	case ActionPublishAvailability:
		n.issue(Publication{
			Topic:   n.identity.Topics.Availability,
			Payload: []byte(PayloadOnline),
			Retain:  true,
			QoS:     1,
		}, StepAvailability)

	case ActionSubscribe:
		tag := n.session.Tag(StepSubscribe)
		var err error
		if n.transport == nil {
			err = ErrNotConnected
		} else {
			err = n.transport.Subscribe(n.identity.Topics.Command, 1, tag)
		}
		if err != nil {
			n.handle(SubscribeAck{Tag: tag, Err: err})
			return
		}
		n.subscribing = true
		n.subscribeTag = tag

	case ActionEnablePipeline:
		n.logger.Info("command pipeline active", "topic", n.identity.Topics.Command)
	}
}

// issue sends an announce-step publish; a request that cannot be issued
// is fed back as a failed ack so the session sees the failure.
func (n *Node) issue(p Publication, step Step) {
	tag := n.session.Tag(step)
	if err := n.send(p, step); err != nil {
		n.handle(PublishAck{Tag: tag, Err: err})
	}
}

func (n *Node) deliver(msg Message) {
	if msg.Topic != n.identity.Topics.Command {
		n.logger.Debug("inbound message on unexpected topic", "topic", msg.Topic)
		return
	}
	n.dispatcher.Dispatch(string(msg.Payload))
}
