package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Credentials authenticate the node to its network link.
type Credentials struct {
	SSID     string
	Password string
}

// Associator brings up the network link. Each call is one attempt and
// must return once ctx is done.
type Associator interface {
	Associate(ctx context.Context, creds Credentials) error
}

// Transport is an open broker session. Publish and Subscribe return an
// error only when the request could not be issued; the outcome of an
// issued request arrives later from Poll as a [PublishAck] or
// [SubscribeAck] carrying the same [Tag]. Poll never blocks.
type Transport interface {
	Publish(p Publication, tag Tag) error
	Subscribe(topic string, qos byte, tag Tag) error
	Poll() []Event
	Close(ctx context.Context) error
}

// SessionOptions configure a broker session.
type SessionOptions struct {
	Broker    string
	Port      uint16
	ClientID  string
	KeepAlive time.Duration
	Will      Publication
}

// Dialer opens broker sessions. Dial must not wait for the broker to
// accept; acceptance is reported by a [ConnectAccepted] event.
type Dialer interface {
	Dial(ctx context.Context, opts SessionOptions) (Transport, error)
}

// ConnectOptions bound the connect procedure.
type ConnectOptions struct {
	// LinkAttempts is the number of link association attempts.
	LinkAttempts int
	// LinkTimeout bounds each association attempt.
	LinkTimeout time.Duration
	// KeepAlive is the MQTT keep-alive interval.
	KeepAlive time.Duration
	// AcceptWindow bounds the wait for the broker to accept.
	AcceptWindow time.Duration
	// PollInterval is the pause between transport polls while waiting.
	PollInterval time.Duration
}

// DefaultConnectOptions returns 3 link attempts of 15s each, a 60s
// keep-alive and a 5s accept window polled every 10ms.
func DefaultConnectOptions() ConnectOptions {
	return ConnectOptions{
		LinkAttempts: 3,
		LinkTimeout:  15 * time.Second,
		KeepAlive:    60 * time.Second,
		AcceptWindow: 5 * time.Second,
		PollInterval: 10 * time.Millisecond,
	}
}

// ConnectRequest is one connect call's parameters.
type ConnectRequest struct {
	Credentials Credentials
	Broker      string
	Port        uint16
	ClientID    string
	// Will is registered with the broker for ungraceful disconnects.
	Will Publication
}

// errLinkAttemptTimeout cancels a link attempt that ran past LinkTimeout.
var errLinkAttemptTimeout = errors.New("link attempt timed out")

// ConnectionManager establishes the link and broker session.
type ConnectionManager struct {
	link   Associator
	dialer Dialer
	clock  Clock
	opts   ConnectOptions
	logger *slog.Logger
}

// NewConnectionManager returns a manager. A nil link skips association;
// a nil clock uses [SystemClock]. Zero option fields take defaults.
func NewConnectionManager(link Associator, dialer Dialer, clock Clock, opts ConnectOptions, logger *slog.Logger) *ConnectionManager {
	defaults := DefaultConnectOptions()
	if opts.LinkAttempts <= 0 {
		opts.LinkAttempts = defaults.LinkAttempts
	}
	if opts.LinkTimeout <= 0 {
		opts.LinkTimeout = defaults.LinkTimeout
	}
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = defaults.KeepAlive
	}
	if opts.AcceptWindow <= 0 {
		opts.AcceptWindow = defaults.AcceptWindow
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaults.PollInterval
	}
	if clock == nil {
		clock = SystemClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ConnectionManager{
		link:   link,
		dialer: dialer,
		clock:  clock,
		opts:   opts,
		logger: logger,
	}
}

// Connect associates the link (retrying up to LinkAttempts times),
// dials one broker session, hands it to attach, then polls it until
// the broker accepts or AcceptWindow elapses. Every event polled in the
// meantime is passed to deliver, so the accept notification reaches
// the session as soon as it is seen.
//
// On any failure no session is left open.
func (c *ConnectionManager) Connect(ctx context.Context, req ConnectRequest, attach func(Transport), deliver func(Event)) (Transport, error) {
	if err := c.associate(ctx, req.Credentials); err != nil {
		return nil, err
	}

	addr := fmt.Sprintf("%s:%d", req.Broker, req.Port)
	t, err := c.dialer.Dial(ctx, SessionOptions{
		Broker:    req.Broker,
		Port:      req.Port,
		ClientID:  req.ClientID,
		KeepAlive: c.opts.KeepAlive,
		Will:      req.Will,
	})
	if err != nil {
		c.logger.Warn("mqtt dial failed", "broker", addr, "error", err)
		return nil, fmt.Errorf("%w: %w", ErrBrokerConnect, err)
	}
	attach(t)

	deadline := NewDeadline(c.clock, c.opts.AcceptWindow)
	for {
		accepted := false
		for _, ev := range t.Poll() {
			if _, ok := ev.(ConnectAccepted); ok {
				accepted = true
			}
			deliver(ev)
		}
		if accepted {
			c.logger.Info("mqtt connected to broker", "broker", addr)
			return t, nil
		}

		if err := ctx.Err(); err != nil {
			c.abandon(t)
			return nil, err
		}
		if deadline.Expired() {
			c.logger.Warn("mqtt broker did not accept connection",
				"broker", addr,
				"window", c.opts.AcceptWindow.String(),
			)
			c.abandon(t)
			return nil, ErrAcceptTimeout
		}
		c.clock.Sleep(c.opts.PollInterval)
	}
}

func (c *ConnectionManager) associate(ctx context.Context, creds Credentials) error {
	if c.link == nil {
		return nil
	}

	var lastErr error
	for attempt := 1; attempt <= c.opts.LinkAttempts; attempt++ {
		attemptCtx, cancel := context.WithCancelCause(ctx)
		stop := c.clock.AfterFunc(c.opts.LinkTimeout, func() { cancel(errLinkAttemptTimeout) })
		err := c.link.Associate(attemptCtx, creds)
		stop()
		if err != nil && ctx.Err() == nil && errors.Is(context.Cause(attemptCtx), errLinkAttemptTimeout) {
			err = fmt.Errorf("%w: %w", errLinkAttemptTimeout, err)
		}
		cancel(nil)

		if err == nil {
			c.logger.Info("link associated", "attempt", attempt)
			return nil
		}
		lastErr = err
		c.logger.Warn("link association attempt failed",
			"attempt", attempt,
			"max_attempts", c.opts.LinkAttempts,
			"error", err,
		)
		if ctx.Err() != nil {
			break
		}
	}
	return fmt.Errorf("%w: %w", ErrLinkAssociation, lastErr)
}

// abandon closes a session that never got accepted. Late events from it
// are discarded with it.
func (c *ConnectionManager) abandon(t Transport) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := t.Close(ctx); err != nil {
		c.logger.Debug("mqtt close after failed connect", "error", err)
	}
}
