package client

import (
	"context"
	"strings"

	"github.com/unioneyes/claimsync/internal/config"
	"github.com/unioneyes/claimsync/internal/conflict"
	"github.com/unioneyes/claimsync/internal/creds"
	"github.com/unioneyes/claimsync/internal/events"
	"github.com/unioneyes/claimsync/internal/netmon"
	"github.com/unioneyes/claimsync/internal/queue"
	"github.com/unioneyes/claimsync/internal/services/sync"
	"github.com/unioneyes/claimsync/internal/store"
	"github.com/unioneyes/claimsync/internal/transport"
)

// Client is the composition root: it wires the store, queue, network
// monitor, conflict resolver and sync engine together and owns their
// lifecycles.
type Client struct {
	Store     *store.Store
	Queue     *queue.Queue
	Monitor   *netmon.Monitor
	Conflicts *conflict.Resolver
	Sync      *sync.Engine
	Tokens    *creds.TokenStore
	API       *transport.APIClient

	config   *config.Config
	logger   *events.Logger
	realtime *transport.RealtimeClient
	stop     []func()
}

// New builds a fully wired client from configuration.
func New(cfg *config.Config, logger *events.Logger) (*Client, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	st, err := store.Open(cfg.Storage.DatabaseFile, logger)
	if err != nil {
		return nil, err
	}

	tokens := creds.NewTokenStore(cfg.Storage.KeyFile, cfg.Storage.TokenFile, logger)
	api := transport.NewAPIClient(&cfg.API, tokens, logger)

	prober := netmon.NewHTTPProber(cfg.Network.ProbeURL, cfg.Network.ProbeTimeout)
	monitor := netmon.New(prober, cfg.Network.ProbeInterval, logger)

	q := queue.New(st, api, monitor, queue.Config{
		MaxRetries:        cfg.Queue.MaxRetries,
		InitialBackoff:    cfg.Queue.InitialBackoff,
		MaxBackoff:        cfg.Queue.MaxBackoff,
		BackoffMultiplier: cfg.Queue.BackoffMultiplier,
	}, logger)

	resolver := conflict.New(st, logger)
	engine := sync.NewEngine(st, api, q, monitor, resolver, cfg.Sync, logger)

	c := &Client{
		Store:     st,
		Queue:     q,
		Monitor:   monitor,
		Conflicts: resolver,
		Sync:      engine,
		Tokens:    tokens,
		API:       api,
		config:    cfg,
		logger:    logger,
	}

	if cfg.Sync.Realtime {
		c.realtime = transport.NewRealtimeClient(
			c.realtimeURL(), engine.Strategies(), tokens, logger)
	}

	return c, nil
}

func (c *Client) realtimeURL() string {
	if c.config.API.RealtimeURL != "" {
		return c.config.API.RealtimeURL
	}
	base := c.config.API.BaseURL
	if strings.HasPrefix(base, "http") {
		base = "ws" + base[4:]
	}
	return base + "/realtime"
}

// Start launches the background machinery: the network probe loop, the
// queue's connectivity trigger, the realtime feed, and the engine's
// schedulers. Everything winds down when ctx ends.
func (c *Client) Start(ctx context.Context) {
	c.Monitor.Start(ctx)

	stopQueue := c.Queue.Start(ctx, c.Monitor.AddConnectionListener)
	c.stop = append(c.stop, stopQueue)

	if c.realtime != nil {
		go c.realtime.Run(ctx)
		c.Sync.Start(ctx, c.realtime.Changes())
	} else {
		c.Sync.Start(ctx, nil)
	}

	c.logger.Info("Client started")
}

// Close stops background work and releases the store.
func (c *Client) Close() error {
	for _, stop := range c.stop {
		stop()
	}
	return c.Store.Close()
}
