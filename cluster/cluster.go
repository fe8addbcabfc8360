// Package cluster implements the shard supervisor that owns a set of
// gatewayshard.Shard instances, brings them up together, and reports
// aggregate status, without owning any domain-entity cache of its
// own — that responsibility belongs to the Cache collaborator a
// caller injects.
package cluster

import (
	"context"
	"crypto/tls"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/atomic"
	"golang.org/x/time/rate"
	"golang.org/x/xerrors"

	"github.com/shardwire/shardwire/gateway"
	"github.com/shardwire/shardwire/internal/gatewayshard"
)

var ErrNoShards = xerrors.New("cluster: no shard ids configured")

// Status is the aggregate lifecycle state of a Cluster, mirroring the
// teacher's ShardGroupStatus.
type Status int32

const (
	StatusIdle Status = iota
	StatusConnecting
	StatusConnected
	StatusMarkedForClosure
	StatusClosing
	StatusClosed
	StatusErroring
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusMarkedForClosure:
		return "marked_for_closure"
	case StatusClosing:
		return "closing"
	case StatusClosed:
		return "closed"
	case StatusErroring:
		return "erroring"
	default:
		return "idle"
	}
}

// Config controls how NewCluster builds and configures each shard.
type Config struct {
	Token string
	Intents gateway.Intent
	ShardIDs []int32
	ShardCount int32
	GatewayURL string
	Compress bool
	Properties gateway.IdentifyProperties
	TLSConfig *tls.Config
	RateLimit rate.Limit
	RateBurst int

	// VoiceManagerFactory, if set, is called once per shard right
	// after construction so a caller can wire an internal/voice.Manager
	// to it without the chicken-and-egg problem of needing a
	// *gatewayshard.Shard to build a voice.ShardHandle from before one
	// exists.
	VoiceManagerFactory func(sh *gatewayshard.Shard) gatewayshard.VoiceRouter
}

// Cluster supervises one shard group: it owns every shard's lifecycle,
// aggregates status, and exposes the collaborator wiring (cache, log
// sink, clock, event registry) shared across all of them.
type Cluster struct {
	cfg Config

	registry *gatewayshard.Registry
	cache gatewayshard.Cache
	logSink gatewayshard.LogSink
	clock gatewayshard.Clock

	zlog zerolog.Logger

	status atomic.Int32
	startedAt atomic.Time
	lastError atomic.String

	shardsMu sync.RWMutex
	shards map[int32]*gatewayshard.Shard

	runCancelMu sync.Mutex
	runCancel context.CancelFunc
	runWG sync.WaitGroup
}

// New constructs a Cluster. registry, cache, logSink, and clock are
// collaborators shared by every shard the cluster owns; logSink and
// clock may be nil to use per-shard defaults.
func New(cfg Config, registry *gatewayshard.Registry, cache gatewayshard.Cache, logSink gatewayshard.LogSink, clock gatewayshard.Clock) *Cluster {
	return &Cluster{
		cfg: cfg,
		registry: registry,
		cache: cache,
		logSink: logSink,
		clock: clock,
		zlog: zerolog.New(zerolog.NewConsoleWriter()).With().Timestamp().Logger(),
		shards: make(map[int32]*gatewayshard.Shard),
	}
}

func (c *Cluster) setStatus(s Status) {
	c.status.Store(int32(s))

	c.zlog.Debug().Str("status", s.String()).Msg("cluster status changed")
}

// Status returns the cluster's current aggregate status.
func (c *Cluster) Status() Status { return Status(c.status.Load()) }

// Shard returns the shard owning shardID, or nil if it is not part of
// this cluster.
func (c *Cluster) Shard(shardID int32) *gatewayshard.Shard {
	c.shardsMu.RLock()
	defer c.shardsMu.RUnlock()

	return c.shards[shardID]
}

// Open connects the cluster's first shard to confirm the token and
// gateway URL are valid, then brings up the remaining shards
// concurrently: the first shard gates startup failure, the rest retry
// independently.
func (c *Cluster) Open(ctx context.Context) error {
	if len(c.cfg.ShardIDs) == 0 {
		return ErrNoShards
	}

	c.startedAt.Store(time.Now().UTC())
	c.setStatus(StatusConnecting)

	runCtx, cancel := context.WithCancel(ctx)
	c.runCancelMu.Lock()
	c.runCancel = cancel
	c.runCancelMu.Unlock()

	c.shardsMu.Lock()
	for _, id := range c.cfg.ShardIDs {
		c.shards[id] = c.newShard(id)
	}
	c.shardsMu.Unlock()

	first := c.Shard(c.cfg.ShardIDs[0])

	c.runWG.Add(1)
	go func() {
		defer c.runWG.Done()
		if err := first.Run(runCtx); err != nil {
			c.zlog.Warn().Int32("shard_id", c.cfg.ShardIDs[0]).Err(err).Msg("shard run exited")
		}
	}()

	if err := first.WaitForReady(runCtx); err != nil {
		c.setStatus(StatusErroring)
		c.lastError.Store(err.Error())
		return xerrors.Errorf("cluster: initial shard failed to become ready: %w", err)
	}

	var wg sync.WaitGroup

	for _, id := range c.cfg.ShardIDs[1:] {
		wg.Add(1)

		go func(id int32) {
			defer wg.Done()

			sh := c.Shard(id)

			c.runWG.Add(1)
			go func() {
				defer c.runWG.Done()
				if err := sh.Run(runCtx); err != nil {
					c.zlog.Warn().Int32("shard_id", id).Err(err).Msg("shard run exited")
				}
			}()

			if err := sh.WaitForReady(runCtx); err != nil {
				c.zlog.Warn().Int32("shard_id", id).Err(err).Msg("shard failed to become ready")
			}
		}(id)
	}

	wg.Wait()

	c.setStatus(StatusConnected)

	return nil
}

// Close stops every shard the cluster owns and waits for their Run
// loops to return.
func (c *Cluster) Close() {
	c.setStatus(StatusClosing)

	c.runCancelMu.Lock()
	cancel := c.runCancel
	c.runCancelMu.Unlock()

	if cancel != nil {
		cancel()
	}

	c.runWG.Wait()

	c.setStatus(StatusClosed)
}

func (c *Cluster) newShard(id int32) *gatewayshard.Shard {
	cfg := gatewayshard.Config{
		Token: c.cfg.Token,
		Intents: c.cfg.Intents,
		ShardID: id,
		ShardCount: c.cfg.ShardCount,
		GatewayURL: c.cfg.GatewayURL,
		Compress: c.cfg.Compress,
		Properties: c.cfg.Properties,
		TLSConfig: c.cfg.TLSConfig,
		RateLimit: c.cfg.RateLimit,
		RateBurst: c.cfg.RateBurst,
	}

	sh := gatewayshard.New(cfg, c.registry, c.cache, c.logSink, c.clock)

	if c.cfg.VoiceManagerFactory != nil {
		sh.SetVoiceRouter(c.cfg.VoiceManagerFactory(sh))
	}

	return sh
}

// Uptime reports how long ago Open was most recently called.
func (c *Cluster) Uptime() time.Duration {
	start := c.startedAt.Load()
	if start.IsZero() {
		return 0
	}
	return time.Since(start)
}

// LastError reports the most recent fatal error reported by Open, if
// any.
func (c *Cluster) LastError() string { return c.lastError.Load() }
