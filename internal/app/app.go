// Package app opens the ledger, content store and signing identity the
// daemon and the operator CLI share.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmerrifield20/twinguard/internal/config"
	"github.com/jmerrifield20/twinguard/internal/contentstore"
	"github.com/jmerrifield20/twinguard/internal/health"
	"github.com/jmerrifield20/twinguard/internal/keyring"
	"github.com/jmerrifield20/twinguard/internal/ledger"
	"github.com/jmerrifield20/twinguard/internal/ledger/rpc"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrNoMnemonic is returned by Signer when device.mnemonic is not set.
var ErrNoMnemonic = errors.New("device.mnemonic is not configured")

// Deps are the opened backends. Close releases them.
type Deps struct {
	Gateway ledger.Gateway
	Store   contentstore.Store
	Pinner  contentstore.Pinner // nil unless pinning.enabled
	IPFS    *contentstore.IPFSClient
	Cached  *contentstore.CachedStore

	cfg     *config.Config
	signer  *keyring.Keypair
	closers []func()
	logger  *zap.Logger
}

// Open connects every backend cfg selects.
func Open(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Deps, error) {
	d := &Deps{cfg: cfg, logger: logger}

	gw, err := d.openLedger(ctx)
	if err != nil {
		d.Close()
		return nil, err
	}
	d.Gateway = gw

	d.IPFS = contentstore.NewIPFSClient(contentstore.IPFSConfig{
		APIURL:  cfg.IPFS.APIURL,
		Timeout: cfg.IPFS.Timeout,
	}, logger)

	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unreachable, object cache limited to memory",
				zap.String("addr", cfg.Redis.Addr), zap.Error(err))
		}
		d.closers = append(d.closers, func() { rdb.Close() })
	}
	d.Cached = contentstore.NewCachedStore(d.IPFS, contentstore.CacheConfig{
		TTL:   cfg.IPFS.CacheTTL,
		Redis: rdb,
	}, logger)
	d.Store = d.Cached

	if cfg.Pinning.Enabled {
		p, err := contentstore.NewPinataPinner(contentstore.PinataConfig{
			BaseURL:   cfg.Pinning.URL,
			APIKey:    cfg.Pinning.APIKey,
			SecretKey: cfg.Pinning.SecretKey,
			JWT:       cfg.Pinning.JWT,
		}, logger)
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("pinning service: %w", err)
		}
		d.Pinner = p
	}
	return d, nil
}

func (d *Deps) openLedger(ctx context.Context) (ledger.Gateway, error) {
	switch d.cfg.Ledger.Driver {
	case config.DriverRPC:
		c, err := rpc.Dial(ctx, d.cfg.Ledger.URL, d.logger)
		if err != nil {
			return nil, fmt.Errorf("connect ledger %s: %w", d.cfg.Ledger.URL, err)
		}
		d.closers = append(d.closers, func() { c.Close() })
		d.logger.Info("connected to ledger", zap.String("url", d.cfg.Ledger.URL))
		return c, nil
	case config.DriverPostgres:
		pool, err := pgxpool.New(ctx, d.cfg.Ledger.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		d.closers = append(d.closers, pool.Close)
		d.logger.Info("connected to postgres ledger")
		return ledger.NewPostgresLedger(pool, d.logger), nil
	case config.DriverMemory:
		d.logger.Warn("using in-memory ledger, state is lost on exit")
		return ledger.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown ledger driver %q", d.cfg.Ledger.Driver)
	}
}

// Signer derives the device keypair from device.mnemonic. The result is
// cached after the first call.
func (d *Deps) Signer() (*keyring.Keypair, error) {
	if d.signer != nil {
		return d.signer, nil
	}
	if d.cfg.Device.Mnemonic == "" {
		return nil, ErrNoMnemonic
	}
	kp, err := keyring.FromMnemonic(d.cfg.Device.Mnemonic, "", d.cfg.Device.SS58Prefix)
	if err != nil {
		return nil, fmt.Errorf("derive device key: %w", err)
	}
	d.signer = kp
	return kp, nil
}

// Probes returns readiness probes for the ledger and the content store.
func (d *Deps) Probes() []health.Probe {
	return []health.Probe{
		{Name: "ledger", Check: func(ctx context.Context) error {
			_, err := d.Gateway.ChainHead(ctx)
			return err
		}},
		{Name: "content_store", Check: func(ctx context.Context) error {
			_, err := d.IPFS.Version(ctx)
			return err
		}},
	}
}

// PinningProbe returns an HTTP probe of the pinning service, or nil when
// pinning is disabled.
func (d *Deps) PinningProbe() *health.Probe {
	if d.Pinner == nil {
		return nil
	}
	client := &http.Client{Timeout: 5 * time.Second}
	return &health.Probe{Name: "pinning", Check: health.HTTPProbe(client, d.cfg.Pinning.URL)}
}

// Close releases every opened backend in reverse order.
func (d *Deps) Close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
	d.closers = nil
}
