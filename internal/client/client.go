// Package client assembles the sync core from a Config: the durable outbox,
// the HTTP gateway, connectivity detection, the reconcile engine and the
// aggregator, wired so that each piece sees the others it depends on.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/agentworkforce/tvsync/internal/aggregate"
	"github.com/agentworkforce/tvsync/internal/config"
	"github.com/agentworkforce/tvsync/internal/connectivity"
	"github.com/agentworkforce/tvsync/internal/gateway"
	"github.com/agentworkforce/tvsync/internal/kv"
	"github.com/agentworkforce/tvsync/internal/logging"
	"github.com/agentworkforce/tvsync/internal/outbox"
	"github.com/agentworkforce/tvsync/internal/reconcile"
	"github.com/agentworkforce/tvsync/internal/tv"
)

type Options struct {
	Logger logging.Logger
	// HTTPClient overrides the client built from RequestTimeout.
	HTTPClient *http.Client
	// Backend overrides the backend built from StoreDSN. The client does not
	// close a backend it was given.
	Backend kv.Backend
	// OnReplayError is told about every queued mutation the server refused.
	OnReplayError func(*reconcile.ReplayError)
}

type Client struct {
	cfg    config.Config
	logger logging.Logger

	backend      kv.Backend
	ownsBackend  bool
	Outbox       *outbox.Store
	Gateway      *gateway.HTTPGateway
	Monitor      *connectivity.Monitor
	Engine       *reconcile.Engine
	Aggregator   *aggregate.Aggregator
	prober       *connectivity.Prober
	statusWatch  *connectivity.FileWatcher
	onReplayFail func(*reconcile.ReplayError)

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(cfg config.Config, opts Options) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	backend := opts.Backend
	owns := false
	if backend == nil {
		built, err := kv.BuildBackendFromDSN(cfg.StoreDSN)
		if err != nil {
			return nil, fmt.Errorf("open store %s: %w", cfg.StoreDSN, err)
		}
		backend = built
		owns = true
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.RequestTimeout}
	}

	c := &Client{
		cfg:          cfg,
		logger:       logger,
		backend:      backend,
		ownsBackend:  owns,
		onReplayFail: opts.OnReplayError,
	}
	c.Outbox = outbox.New(backend, outbox.Options{Logger: logger.With("component", "outbox")})
	c.Gateway = gateway.NewHTTPGateway(cfg.BaseURL, cfg.Token, httpClient).WithLogger(logger.With("component", "gateway"))
	c.Monitor = connectivity.NewMonitor(false)
	c.Engine = reconcile.New(c.Gateway, c.Outbox, c.Monitor, reconcile.Options{
		Logger:        logger.With("component", "reconcile"),
		OnReplayError: c.replayFailed,
		OnRemap: func(m reconcile.Remapped) {
			c.Aggregator.Remap(m.LocalID, m.Record)
		},
	})
	c.Aggregator = aggregate.New(c.Gateway, c.Engine, c.Monitor, aggregate.Options{
		PageSize: cfg.PageSize,
		Logger:   logger.With("component", "aggregate"),
	})
	c.Outbox.SetIDTaken(c.Aggregator.HasID)

	if cfg.StatusFile != "" {
		c.statusWatch = connectivity.NewFileWatcher(c.Monitor, cfg.StatusFile, logger.With("component", "connectivity"))
	} else {
		c.prober = connectivity.NewProber(c.Monitor, c.Gateway.Ping, connectivity.ProberOptions{
			Interval:       cfg.ProbeInterval,
			IntervalJitter: cfg.ProbeJitter,
			Timeout:        cfg.RequestTimeout,
			Logger:         logger.With("component", "connectivity"),
		})
	}
	return c, nil
}

func (c *Client) Config() config.Config {
	return c.cfg
}

// Start settles the initial connectivity state, then starts the engine, the
// aggregator and connectivity detection. A queued backlog is flushed right
// away when the server is reachable.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)

	if c.statusWatch != nil {
		online, err := c.statusWatch.ReadStatus()
		if err != nil {
			c.logger.Warn(ctx, "ignoring status file", "path", c.cfg.StatusFile, "err", err)
		} else {
			c.Monitor.Set(online)
		}
	} else {
		c.prober.ProbeOnce(ctx)
	}

	c.Engine.Start(runCtx)
	c.Aggregator.Start(runCtx)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if c.statusWatch != nil {
			if err := c.statusWatch.Run(runCtx); err != nil {
				c.logger.Error(runCtx, "status file watcher stopped", "path", c.cfg.StatusFile, "err", err)
			}
			return
		}
		c.prober.Run(runCtx)
	}()

	c.cancel = cancel
	c.started = true
	c.logger.Info(ctx, "sync client started", "base_url", c.Gateway.BaseURL(), "online", c.Monitor.Online())
	return nil
}

// Stop halts connectivity detection, waits for a running flush and stops
// the aggregator. It is safe to call more than once.
func (c *Client) Stop() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.started = false
	cancel := c.cancel
	c.mu.Unlock()

	cancel()
	c.wg.Wait()
	c.Engine.Stop()
	c.Aggregator.Stop()
}

// Close stops the client and releases the store it opened.
func (c *Client) Close() error {
	c.Stop()
	if !c.ownsBackend {
		return nil
	}
	return c.backend.Close()
}

func (c *Client) Snapshot() aggregate.State {
	return c.Aggregator.Snapshot()
}

func (c *Client) Save(ctx context.Context, r tv.Record) (reconcile.Result, error) {
	return c.Aggregator.Save(ctx, r, reconcile.MutationOptions{})
}

func (c *Client) Delete(ctx context.Context, id string) (reconcile.Result, error) {
	return c.Aggregator.Delete(ctx, id, reconcile.MutationOptions{})
}

// Flush replays the outbox now. It fails fast while offline.
func (c *Client) Flush(ctx context.Context) (reconcile.FlushReport, error) {
	if !c.Monitor.Online() {
		return reconcile.FlushReport{}, tv.ErrNetworkUnavailable
	}
	return c.Engine.Flush(ctx)
}

// Pending lists the queued upserts and deletions.
func (c *Client) Pending(ctx context.Context) ([]tv.Record, []string, error) {
	upserts, err := c.Outbox.ListPendingUpserts(ctx)
	if err != nil {
		return nil, nil, err
	}
	deletions, err := c.Outbox.ListPendingDeletions(ctx)
	if err != nil {
		return nil, nil, err
	}
	return upserts, deletions, nil
}

// WaitLoaded blocks until the aggregator has no fetch or mutation running.
func (c *Client) WaitLoaded(ctx context.Context) (aggregate.State, error) {
	for {
		if err := c.Aggregator.Sync(ctx); err != nil {
			return aggregate.State{}, err
		}
		state := c.Aggregator.Snapshot()
		if !state.Loading {
			return state, nil
		}
		select {
		case <-ctx.Done():
			return aggregate.State{}, ctx.Err()
		case _, ok := <-c.Aggregator.Changes():
			if !ok {
				return state, nil
			}
		}
	}
}

func (c *Client) replayFailed(err *reconcile.ReplayError) {
	var conflict *tv.VersionConflictError
	if errors.As(err, &conflict) {
		c.logger.Warn(context.Background(), "queued update lost a version race", "id", err.ID, "current_version", conflict.Current)
	}
	if c.onReplayFail != nil {
		c.onReplayFail(err)
	}
}
