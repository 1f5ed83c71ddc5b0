// Package income watches the ledger for transfers to the device account and
// signals those that meet a minimum amount.
package income

import (
	"context"
	"math/big"
	"time"

	"github.com/jmerrifield20/twinguard/internal/ledger"
	"github.com/jmerrifield20/twinguard/internal/metrics"
	"go.uber.org/zap"
)

// Config configures a Watcher.
type Config struct {
	Address   string   // device account
	Threshold *big.Int // minimum amount in the smallest unit
	Decimals  int      // for log formatting only
}

// Watcher raises its Signal for each qualifying transfer.
type Watcher struct {
	gw     ledger.Gateway
	cfg    Config
	signal *Signal
	now    func() time.Time
	logger *zap.Logger
}

// NewWatcher creates a Watcher. A nil threshold signals every transfer.
func NewWatcher(gw ledger.Gateway, cfg Config, logger *zap.Logger) *Watcher {
	if cfg.Threshold == nil {
		cfg.Threshold = new(big.Int)
	}
	return &Watcher{
		gw:     gw,
		cfg:    cfg,
		signal: NewSignal(),
		now:    time.Now,
		logger: logger.With(zap.String("address", cfg.Address)),
	}
}

// Signal returns the watcher's signal.
func (w *Watcher) Signal() *Signal { return w.signal }

// Run handles every new block until ctx is done or the header subscription
// fails.
func (w *Watcher) Run(ctx context.Context) error {
	w.logger.Info("watching for incoming transfers",
		zap.String("threshold", w.cfg.Threshold.String()),
	)
	err := w.gw.SubscribeBlockHeaders(ctx, func(h ledger.Header) error {
		w.HandleBlock(ctx, h)
		return nil
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// HandleBlock scans the events of one block. Malformed events are logged
// and skipped; the remaining events are still processed.
func (w *Watcher) HandleBlock(ctx context.Context, h ledger.Header) {
	events, err := w.gw.Events(ctx, h.Hash)
	if err != nil {
		w.logger.Warn("fetch block events failed", zap.Uint64("block", h.Number), zap.Error(err))
		return
	}
	for i, ev := range events {
		if !ev.Is("Balances", "Transfer") {
			continue
		}
		from, to, amount, err := transferOf(ev)
		if err != nil {
			metrics.RecordIncome("malformed")
			w.logger.Warn("malformed transfer event",
				zap.Uint64("block", h.Number),
				zap.Int("event", i),
				zap.Error(err),
			)
			continue
		}
		if to != w.cfg.Address {
			continue
		}

		if amount.Cmp(w.cfg.Threshold) < 0 {
			metrics.RecordIncome("below_threshold")
			w.logger.Info("transfer below threshold ignored",
				zap.String("from", from),
				zap.String("amount", FormatUnits(amount, w.cfg.Decimals)),
			)
			continue
		}

		metrics.RecordIncome("signalled")
		overwrote := w.signal.Raise(Income{
			From:        from,
			Amount:      amount,
			BlockNumber: h.Number,
			BlockHash:   h.Hash,
			ObservedAt:  w.now(),
		})
		fields := []zap.Field{
			zap.String("from", from),
			zap.String("amount", FormatUnits(amount, w.cfg.Decimals)),
			zap.Uint64("block", h.Number),
		}
		if overwrote {
			w.logger.Warn("income signal overwritten before it was consumed", fields...)
		} else {
			w.logger.Info("income received", fields...)
		}
	}
}

// transferOf decodes Balances.Transfer params [from, to, amount].
func transferOf(ev ledger.Event) (from, to string, amount *big.Int, err error) {
	if from, err = ev.Address(0); err != nil {
		return "", "", nil, err
	}
	if to, err = ev.Address(1); err != nil {
		return "", "", nil, err
	}
	if amount, err = ev.Amount(2); err != nil {
		return "", "", nil, err
	}
	return from, to, amount, nil
}
