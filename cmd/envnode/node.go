package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/nugget/envnode/internal/buildinfo"
	"github.com/nugget/envnode/internal/config"
	"github.com/nugget/envnode/internal/link"
	"github.com/nugget/envnode/internal/mqtt"
	"github.com/nugget/envnode/internal/node"
	"github.com/nugget/envnode/internal/opstate"
	"github.com/nugget/envnode/internal/sensor"
)

// stateDBName is the operational state database under data_dir.
const stateDBName = "envnode.db"

// openStore opens the state database, creating data_dir if needed.
func openStore(cfg *config.Config) (*opstate.Store, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}
	dbPath := filepath.Join(cfg.DataDir, stateDBName)
	store, err := opstate.NewStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open state database %s: %w", dbPath, err)
	}
	return store, nil
}

// deviceID returns the configured device ID, or the persisted generated
// one when none is configured.
func deviceID(cfg *config.Config, store mqtt.StateStore) (string, error) {
	if cfg.Device.ID != "" {
		return cfg.Device.ID, nil
	}
	return mqtt.LoadOrCreateInstanceID(store)
}

// identityFor builds the announced identity for id.
func identityFor(cfg *config.Config, id string) node.Identity {
	topics := node.DefaultTopics(id, cfg.MQTT.DiscoveryPrefix)
	if cfg.MQTT.StateTopic != "" {
		topics.State = cfg.MQTT.StateTopic
	}
	if cfg.MQTT.CommandTopic != "" {
		topics.Command = cfg.MQTT.CommandTopic
	}

	name := cfg.Device.Name
	if name == "" {
		name = id
	}
	return node.Identity{
		ID:           id,
		Name:         name,
		Manufacturer: cfg.Device.Manufacturer,
		Model:        cfg.Device.Model,
		SWVersion:    buildinfo.Version,
		HWVersion:    cfg.Device.HWVersion,
		Topics:       topics,
	}
}

// controls are the actions the node's buttons trigger. They run on the
// control goroutine from inside Poll.
type controls struct {
	// publishNow is also set by the link monitor when the link recovers.
	publishNow atomic.Bool
	logger     *slog.Logger
}

func (c *controls) registry() (*node.Registry, error) {
	return node.NewRegistry(
		node.Command{
			Name:    "publish",
			Label:   "Publish Now",
			Handler: node.HandlerFunc(func() { c.publishNow.Store(true) }),
		},
		node.Command{
			Name:  "identify",
			Label: "Identify",
			Handler: node.HandlerFunc(func() {
				c.logger.Warn("identify requested", "uptime", buildinfo.Uptime().String())
			}),
		},
	)
}

// linkSetup returns the associator and monitor probe for the configured
// link mode. Both are nil for mode "none".
func linkSetup(cfg config.LinkConfig) (node.Associator, link.ProbeFunc) {
	switch cfg.Mode {
	case "nmcli":
		n := link.NMCLI{Interface: cfg.Interface}
		return n, n.Connected
	case "interface":
		i := link.Interface{Name: cfg.Interface}
		return i, i.Up
	default:
		return nil, nil
	}
}

// linkName labels the monitored link: the interface when one is
// configured, the link mode otherwise.
func linkName(cfg config.LinkConfig) string {
	if cfg.Interface != "" {
		return cfg.Interface
	}
	return cfg.Mode
}

func connectOptions(cfg *config.Config) node.ConnectOptions {
	return node.ConnectOptions{
		LinkAttempts: cfg.Link.Attempts,
		LinkTimeout:  time.Duration(cfg.Link.AttemptTimeoutSec) * time.Second,
		KeepAlive:    time.Duration(cfg.MQTT.KeepAliveSec) * time.Second,
		AcceptWindow: time.Duration(cfg.MQTT.AcceptTimeoutSec) * time.Second,
		PollInterval: time.Duration(cfg.MQTT.PollIntervalMS) * time.Millisecond,
	}
}

// runDiscovery prints the discovery document the node would announce.
// Nothing is sent; the state database is only touched when the device
// ID has to be generated.
func runDiscovery(w io.Writer, configPath, outputFmt string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	id := cfg.Device.ID
	if id == "" {
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()
		if id, err = deviceID(cfg, store); err != nil {
			return err
		}
	}

	c := &controls{logger: slog.New(slog.DiscardHandler)}
	reg, err := c.registry()
	if err != nil {
		return err
	}
	identity := identityFor(cfg, id)
	doc, err := node.BuildDiscovery(identity, node.DefaultSensors, reg.Commands())
	if err != nil {
		return err
	}

	if outputFmt == "json" {
		var buf bytes.Buffer
		if err := json.Indent(&buf, doc, "", "  "); err != nil {
			return fmt.Errorf("format discovery document: %w", err)
		}
		buf.WriteByte('\n')
		_, err := buf.WriteTo(w)
		return err
	}
	fmt.Fprintf(w, "topic: %s\n", identity.Topics.Discovery)
	fmt.Fprintf(w, "size:  %d bytes (capacity %d)\n", len(doc), node.DiscoveryCapacity(len(node.DefaultSensors)+reg.Len()))
	fmt.Fprintf(w, "%s\n", doc)
	return nil
}

// runNode connects and runs the poll and publish loop until ctx is
// cancelled or the process receives SIGINT/SIGTERM.
func runNode(ctx context.Context, stdout io.Writer, _ io.Writer, configPath, outputFmt string) error {
	logger := newLogger(stdout, slog.LevelInfo, outputFmt)
	logger.Info("starting envnode", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	{
		// Validate has already accepted the level.
		level, _ := config.ParseLogLevel(cfg.LogLevel)
		logger = newLogger(stdout, level, outputFmt)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	id, err := deviceID(cfg, store)
	if err != nil {
		return err
	}
	identity := identityFor(cfg, id)
	logger = logger.With("device", id)
	logger.Info("config loaded",
		"path", cfgPath,
		"broker", cfg.MQTT.Broker,
		"port", cfg.MQTT.Port,
		"link", cfg.Link.Mode,
	)

	reader, err := sensor.New(cfg.Sensor.Source, cfg.Sensor.Seed)
	if err != nil {
		return err
	}

	ctl := &controls{logger: logger}
	reg, err := ctl.registry()
	if err != nil {
		return err
	}

	associator, probe := linkSetup(cfg.Link)
	// The monitor starts after the first connect; until then the link
	// counts as up. linkUp is called from the MQTT client's goroutines.
	var monitor atomic.Pointer[link.Monitor]
	linkUp := func() bool {
		m := monitor.Load()
		return m == nil || m.Up()
	}

	n, err := node.New(node.Options{
		Identity: identity,
		Registry: reg,
		Link:     associator,
		Dialer: mqtt.NewDialer(mqtt.DialerConfig{
			Scheme:       cfg.MQTT.Scheme,
			FragmentSize: cfg.MQTT.FragmentSize,
			CommandRate:  cfg.MQTT.CommandRate,
			CommandBurst: cfg.MQTT.CommandBurst,
			LinkUp:       linkUp,
			Logger:       logger,
		}),
		Connect: connectOptions(cfg),
		Credentials: node.Credentials{
			SSID:     cfg.Link.SSID,
			Password: cfg.Link.Password,
		},
		Broker:     cfg.MQTT.Broker,
		Port:       uint16(cfg.MQTT.Port),
		BufferSize: cfg.MQTT.BufferSize,
		OnEpoch: func(epoch uint64) {
			total, err := store.RecordSession(id, time.Now())
			if err != nil {
				logger.Warn("record session failed", "error", err)
				return
			}
			logger.Info("broker session started", "epoch", epoch, "lifetime_sessions", total)
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}

	if err := connectWithRetry(ctx, n, logger); err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := n.Close(closeCtx); err != nil {
			logger.Warn("mqtt close failed", "error", err)
		}
		logger.Info("envnode stopped", "uptime", buildinfo.Uptime().String())
	}()

	if probe != nil {
		record := func(s link.Status) {
			if err := saveLinkStatus(store, s); err != nil {
				logger.Warn("record link status failed", "error", err)
			}
		}
		m := link.StartMonitor(ctx, link.MonitorConfig{
			Name:     linkName(cfg.Link),
			Probe:    probe,
			Interval: time.Duration(cfg.Link.MonitorIntervalSec) * time.Second,
			OnDown:   record,
			OnUp: func(s link.Status) {
				record(s)
				// Readings taken while the link was down were not sent.
				ctl.publishNow.Store(true)
			},
			Logger: logger,
		})
		monitor.Store(m)
		defer m.Stop()
	}

	return loop(ctx, n, reader, ctl,
		time.Duration(cfg.MQTT.PollIntervalMS)*time.Millisecond,
		time.Duration(cfg.MQTT.PublishIntervalSec)*time.Second,
		logger,
	)
}

// connectWithRetry calls Connect until it succeeds, backing off from 2s
// to 60s between failures.
func connectWithRetry(ctx context.Context, n *node.Node, logger *slog.Logger) error {
	delay := 2 * time.Second
	for attempt := 1; ; attempt++ {
		err := n.Connect(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.Warn("connect failed, retrying",
			"attempt", attempt,
			"next_delay", delay.String(),
			"error", err,
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		delay = min(delay*2, 60*time.Second)
	}
}

// loop drives the node: Poll every pollEvery, a reading every
// publishEvery and whenever the publish button was pressed.
func loop(ctx context.Context, n *node.Node, reader sensor.Reader, ctl *controls, pollEvery, publishEvery time.Duration, logger *slog.Logger) error {
	poll := time.NewTicker(pollEvery)
	defer poll.Stop()
	publish := time.NewTicker(publishEvery)
	defer publish.Stop()

	sample := func() {
		r, err := reader.Read(ctx)
		if err != nil {
			logger.Warn("sensor read failed", "error", err)
			return
		}
		if !n.PublishState(r) {
			logger.Debug("reading not published, no broker session", "state", n.State().String())
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-poll.C:
			n.Poll()
			if ctl.publishNow.CompareAndSwap(true, false) {
				sample()
			}
		case <-publish.C:
			sample()
		}
	}
}
