// Package policy keeps a device's access-control list fresh from the ledger.
//
// The list lives in a content-store document whose identifier is the latest
// datalog entry of the account the digital twin names for the ACL topic.
// The Cache answers membership checks from its last good snapshot and swaps
// in a new one only after a complete, non-empty reload.
package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jmerrifield20/twinguard/internal/contentstore"
	"github.com/jmerrifield20/twinguard/internal/datalog"
	"github.com/jmerrifield20/twinguard/internal/ledger"
	"github.com/jmerrifield20/twinguard/internal/metrics"
	"github.com/jmerrifield20/twinguard/internal/twin"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// WatchMode selects how Watch learns about new datalog records.
type WatchMode string

const (
	// WatchSubscribe subscribes to the account's datalog index.
	WatchSubscribe WatchMode = "subscribe"
	// WatchPoll polls the chain head and scans its events.
	WatchPoll WatchMode = "poll"
)

// refreshTimeout bounds one shared reload.
const refreshTimeout = 30 * time.Second

// Config configures a Cache.
type Config struct {
	RegistryID   uint64
	Topic        string        // default "acl"
	ListKey      string        // default DefaultListKey
	Mode         WatchMode     // default WatchSubscribe
	PollInterval time.Duration // default 1.9s, poll mode only
}

// Cache owns the current allow-list.
type Cache struct {
	cfg     Config
	gw      ledger.Gateway
	reader  *datalog.Reader
	store   contentstore.Store
	address string
	current atomic.Pointer[Snapshot]
	group   singleflight.Group
	watches atomic.Int32
	now     func() time.Time
	logger  *zap.Logger
}

// New resolves the ACL account once and performs the initial load. Any
// failure, including an empty allow-list, is returned; callers must not
// serve without a policy.
func New(ctx context.Context, cfg Config, gw ledger.Gateway, store contentstore.Store, logger *zap.Logger) (*Cache, error) {
	if cfg.Topic == "" {
		cfg.Topic = "acl"
	}
	if cfg.ListKey == "" {
		cfg.ListKey = DefaultListKey
	}
	if cfg.Mode == "" {
		cfg.Mode = WatchSubscribe
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 1900 * time.Millisecond
	}

	address, err := twin.NewResolver(gw, logger).Resolve(ctx, cfg.RegistryID, cfg.Topic)
	if err != nil {
		return nil, err
	}
	c := &Cache{
		cfg:     cfg,
		gw:      gw,
		reader:  datalog.NewReader(gw, logger),
		store:   store,
		address: address,
		now:     time.Now,
		logger:  logger,
	}
	if _, err := c.Refresh(ctx); err != nil {
		return nil, fmt.Errorf("initial policy load: %w", err)
	}
	return c, nil
}

// Address returns the ACL account the cache follows.
func (c *Cache) Address() string { return c.address }

// Snapshot returns the current snapshot. It is never nil after New succeeds.
func (c *Cache) Snapshot() *Snapshot { return c.current.Load() }

// IsAllowed answers from the current snapshot without any I/O.
func (c *Cache) IsAllowed(identity string) bool {
	s := c.current.Load()
	allowed := s != nil && s.Contains(identity)
	metrics.RecordACLCheck(allowed)
	return allowed
}

// Refresh reloads the allow-list and reports whether a new snapshot was
// installed. On any failure the current snapshot is left untouched.
//
// Concurrent calls share one reload: a call made while another is in flight
// waits for and returns that reload's outcome. The shared reload is not
// cancelled with the caller that started it; it is bounded by
// refreshTimeout instead. A cancelled caller stops waiting and gets ctx.Err.
func (c *Cache) Refresh(ctx context.Context) (bool, error) {
	ch := c.group.DoChan("refresh", func() (any, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()
		err := c.reload(rctx)
		if err != nil {
			metrics.RecordPolicyRefresh("failed")
		}
		return nil, err
	})

	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case res := <-ch:
		if res.Shared {
			c.logger.Debug("policy refresh coalesced")
		}
		if res.Err != nil {
			return false, res.Err
		}
		return true, nil
	}
}

func (c *Cache) reload(ctx context.Context) error {
	cid, err := c.reader.LatestPointer(ctx, c.address)
	if err != nil {
		return err
	}
	data, err := c.store.Fetch(ctx, cid)
	if err != nil {
		return err
	}
	ids, err := ParseDocument(data, c.cfg.ListKey)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return ErrEmptyPolicy
	}

	snap := newSnapshot(ids, cid, c.now())
	prev := c.current.Swap(snap)
	metrics.RecordPolicyRefresh("swapped")
	metrics.SetPolicyEntries(snap.Len())

	fields := []zap.Field{
		zap.String("address", c.address),
		zap.String("cid", cid),
		zap.Int("entries", snap.Len()),
	}
	if prev != nil {
		fields = append(fields, zap.String("previous_cid", prev.CID))
	}
	c.logger.Info("policy updated", fields...)
	return nil
}

// refreshLogged is the watcher's refresh: failures keep the previous
// snapshot and are only logged.
func (c *Cache) refreshLogged(ctx context.Context, reason string) {
	if _, err := c.Refresh(ctx); err != nil {
		c.logger.Warn("policy refresh failed, keeping previous snapshot",
			zap.String("reason", reason),
			zap.String("address", c.address),
			zap.Error(err),
		)
	}
}

// Watch refreshes the cache whenever the ACL account records a new datalog
// entry. It blocks until ctx is done or the ledger subscription fails;
// individual refresh failures do not end it.
func (c *Cache) Watch(ctx context.Context) error {
	c.logger.Info("watching policy source",
		zap.String("address", c.address),
		zap.String("mode", string(c.cfg.Mode)),
	)
	switch c.cfg.Mode {
	case WatchPoll:
		return c.watchPoll(ctx)
	case WatchSubscribe:
		return c.watchSubscribe(ctx)
	default:
		return fmt.Errorf("unknown watch mode %q", c.cfg.Mode)
	}
}

func (c *Cache) watchSubscribe(ctx context.Context) error {
	resumed := c.watches.Add(1) > 1
	err := c.gw.Subscribe(ctx, "Datalog", "DatalogIndex", []any{c.address}, func(_ json.RawMessage, updateNr uint64) error {
		// Update 0 is the state at subscription time, not a new record.
		// After a restart it may hide a record written while we were
		// away, so catch up once.
		if updateNr == 0 {
			if resumed {
				c.refreshLogged(ctx, "subscription resumed")
			}
			return nil
		}
		c.refreshLogged(ctx, "datalog index changed")
		return nil
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (c *Cache) watchPoll(ctx context.Context) error {
	t := time.NewTicker(c.cfg.PollInterval)
	defer t.Stop()

	lastHash := ""
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}

		head, err := c.gw.ChainHead(ctx)
		if err != nil {
			c.logger.Warn("poll chain head failed", zap.Error(err))
			continue
		}
		if head.Hash == lastHash {
			continue
		}
		lastHash = head.Hash

		events, err := c.gw.Events(ctx, head.Hash)
		if err != nil {
			c.logger.Warn("fetch block events failed", zap.Uint64("block", head.Number), zap.Error(err))
			continue
		}
		if c.recordedBy(events) {
			c.refreshLogged(ctx, fmt.Sprintf("new record in block %d", head.Number))
		}
	}
}

func (c *Cache) recordedBy(events []ledger.Event) bool {
	for _, ev := range events {
		if !ev.Is("Datalog", "NewRecord") {
			continue
		}
		for i, p := range ev.Params {
			if p.Type != "AccountId" {
				continue
			}
			if addr, err := ev.Address(i); err == nil && addr == c.address {
				return true
			}
		}
	}
	return false
}
