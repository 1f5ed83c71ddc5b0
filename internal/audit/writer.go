// Package audit logs device actions: each action becomes a YAML record in
// the content store whose identifier is anchored in the device's datalog.
package audit

import (
	"context"
	"errors"
	"time"

	"github.com/jmerrifield20/twinguard/internal/contentstore"
	"github.com/jmerrifield20/twinguard/internal/datalog"
	"github.com/jmerrifield20/twinguard/internal/ledger"
	"github.com/jmerrifield20/twinguard/internal/metrics"
	"github.com/jmerrifield20/twinguard/internal/twin"
	"go.uber.org/zap"
)

// Config configures a Writer.
type Config struct {
	RegistryID  uint64
	DeviceTopic string // default "device"
}

// Result identifies an anchored record.
type Result struct {
	TxHash      string `json:"tx_hash"`
	BlockHash   string `json:"block_hash"`
	BlockNumber uint64 `json:"block_number"`
	CID         string `json:"cid"`
}

// Writer stores audit records and anchors them on the ledger.
type Writer struct {
	cfg      Config
	store    contentstore.Store
	pinner   contentstore.Pinner
	datalog  *datalog.Writer
	resolver *twin.Resolver
	signer   ledger.Signer
	now      func() time.Time
	logger   *zap.Logger
}

// NewWriter creates a Writer. pinner may be nil to disable mirroring.
//
// The device identity check runs once in the background; its outcome is
// only logged and never blocks LogAction.
func NewWriter(ctx context.Context, cfg Config, gw ledger.Gateway, store contentstore.Store, pinner contentstore.Pinner, signer ledger.Signer, logger *zap.Logger) *Writer {
	if cfg.DeviceTopic == "" {
		cfg.DeviceTopic = "device"
	}
	w := &Writer{
		cfg:      cfg,
		store:    store,
		pinner:   pinner,
		datalog:  datalog.NewWriter(gw, signer, logger),
		resolver: twin.NewResolver(gw, logger),
		signer:   signer,
		now:      time.Now,
		logger:   logger,
	}
	go w.CheckDeviceIdentity(ctx)
	return w
}

// CheckDeviceIdentity reports whether the signing identity is the address
// the digital twin declares for the device topic. A mismatch or lookup
// failure is logged as a warning.
func (w *Writer) CheckDeviceIdentity(ctx context.Context) bool {
	declared, err := w.resolver.Resolve(ctx, w.cfg.RegistryID, w.cfg.DeviceTopic)
	if err != nil {
		w.logger.Warn("could not verify device identity", zap.Error(err))
		return false
	}
	if declared != w.signer.Address() {
		w.logger.Warn("signing identity does not match the twin's device address",
			zap.String("signer", w.signer.Address()),
			zap.String("declared", declared),
		)
		return false
	}
	w.logger.Debug("device identity verified", zap.String("address", declared))
	return true
}

// LogAction records action with status. The record is stored first and
// anchored only once an identifier was obtained; there is exactly one
// attempt and no retry.
func (w *Writer) LogAction(ctx context.Context, action, status string) (*Result, error) {
	rec := Record{Action: action, Status: status, Timestamp: w.now()}
	data, err := rec.Marshal()
	if err != nil {
		return nil, err
	}

	cid, storeErr := w.store.Store(ctx, data)
	if storeErr != nil {
		w.logger.Warn("storing audit record failed", zap.String("action", action), zap.Error(storeErr))
	}
	if w.pinner != nil {
		cid = w.mirror(ctx, rec, data, cid)
	}
	if cid == "" {
		metrics.RecordAuditWrite("store_failed")
		if storeErr == nil {
			storeErr = &contentstore.StoreError{Err: errors.New("no content identifier returned")}
		}
		w.logger.Error("audit record not stored, nothing anchored",
			zap.String("action", action),
			zap.Error(storeErr),
		)
		return nil, storeErr
	}

	receipt, err := w.datalog.Record(ctx, cid)
	if err != nil {
		metrics.RecordAuditWrite("submit_failed")
		w.logger.Error("anchoring audit record failed",
			zap.String("action", action),
			zap.String("cid", cid),
			zap.Error(err),
		)
		return nil, err
	}

	metrics.RecordAuditWrite("anchored")
	w.logger.Info("action logged",
		zap.String("action", action),
		zap.String("status", status),
		zap.String("cid", cid),
		zap.String("tx_hash", receipt.ExtrinsicHash),
	)
	return &Result{
		TxHash:      receipt.ExtrinsicHash,
		BlockHash:   receipt.BlockHash,
		BlockNumber: receipt.BlockNumber,
		CID:         cid,
	}, nil
}

// mirror pins data and returns the identifier to anchor. The local
// identifier is preferred; the pinned one stands in when local storage
// failed.
func (w *Writer) mirror(ctx context.Context, rec Record, data []byte, local string) string {
	pinned, err := w.pinner.Pin(ctx, rec.FileName(), data)
	switch {
	case err != nil:
		w.logger.Warn("pinning audit record failed", zap.Error(err))
		return local
	case local == "":
		w.logger.Info("using pinned identifier for audit record", zap.String("cid", pinned))
		return pinned
	case pinned != local:
		w.logger.Warn("pinned identifier differs from local one",
			zap.String("local", local),
			zap.String("pinned", pinned),
		)
	}
	return local
}
