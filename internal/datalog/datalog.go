// Package datalog reads and writes an account's append-only datalog, the
// per-account (timestamp, payload) sequence used as a pointer channel.
package datalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jmerrifield20/twinguard/internal/contentstore"
	"github.com/jmerrifield20/twinguard/internal/ledger"
	"go.uber.org/zap"
)

// NoRecordError is returned when an account's datalog is empty.
type NoRecordError struct {
	Address string
}

func (e *NoRecordError) Error() string {
	return fmt.Sprintf("datalog of %s is empty", e.Address)
}

// MalformedPointerError is returned when the latest payload is not a
// content identifier.
type MalformedPointerError struct {
	Address string
	Payload string
}

func (e *MalformedPointerError) Error() string {
	return fmt.Sprintf("latest datalog entry of %s is not a content identifier: %q", e.Address, e.Payload)
}

// Entry is one datalog item.
type Entry struct {
	Index     uint64    `json:"index"`
	Timestamp time.Time `json:"timestamp"`
	Payload   string    `json:"payload"`
}

func entryFrom(index uint64, item ledger.DatalogItem) Entry {
	return Entry{
		Index:     index,
		Timestamp: time.UnixMilli(int64(item.Timestamp)).UTC(),
		Payload:   item.Payload,
	}
}

// Reader reads datalog entries.
type Reader struct {
	gw     ledger.Gateway
	logger *zap.Logger
}

// NewReader creates a Reader.
func NewReader(gw ledger.Gateway, logger *zap.Logger) *Reader {
	return &Reader{gw: gw, logger: logger}
}

// Latest returns the entry at DatalogIndex.end-1. If the gateway cannot
// serve the index lookup, it falls back to ScanLatest.
func (r *Reader) Latest(ctx context.Context, address string) (Entry, error) {
	raw, err := r.gw.Query(ctx, "Datalog", "DatalogIndex", address)
	if errors.Is(err, ledger.ErrUnsupported) {
		r.logger.Debug("datalog index lookup unsupported, scanning", zap.String("address", address))
		return r.ScanLatest(ctx, address)
	}
	if errors.Is(err, ledger.ErrNotFound) {
		return Entry{}, &NoRecordError{Address: address}
	}
	if err != nil {
		return Entry{}, fmt.Errorf("query datalog index of %s: %w", address, err)
	}

	var idx ledger.DatalogIndex
	if err := json.Unmarshal(raw, &idx); err != nil {
		return Entry{}, fmt.Errorf("decode datalog index of %s: %w", address, err)
	}
	if idx.End == 0 || idx.End <= idx.Start {
		return Entry{}, &NoRecordError{Address: address}
	}

	last := idx.End - 1
	raw, err = r.gw.Query(ctx, "Datalog", "DatalogItem", address, last)
	if errors.Is(err, ledger.ErrNotFound) {
		return Entry{}, &NoRecordError{Address: address}
	}
	if err != nil {
		return Entry{}, fmt.Errorf("query datalog item %d of %s: %w", last, address, err)
	}
	var item ledger.DatalogItem
	if err := json.Unmarshal(raw, &item); err != nil {
		return Entry{}, fmt.Errorf("decode datalog item %d of %s: %w", last, address, err)
	}
	return entryFrom(last, item), nil
}

// ScanLatest scans every stored datalog item and returns the newest entry
// of address by timestamp, breaking ties by index.
func (r *Reader) ScanLatest(ctx context.Context, address string) (Entry, error) {
	kvs, err := r.gw.QueryRange(ctx, "Datalog", "DatalogItem")
	if err != nil {
		return Entry{}, fmt.Errorf("scan datalog items: %w", err)
	}

	var entries []Entry
	for _, kv := range kvs {
		if !ledger.KeyHasPrefix(kv.Key, address) {
			continue
		}
		var key []json.RawMessage
		var index uint64
		if err := json.Unmarshal(kv.Key, &key); err != nil || len(key) < 2 || json.Unmarshal(key[1], &index) != nil {
			r.logger.Warn("skipping datalog item with malformed key", zap.ByteString("key", kv.Key))
			continue
		}
		var item ledger.DatalogItem
		if err := json.Unmarshal(kv.Value, &item); err != nil {
			r.logger.Warn("skipping malformed datalog item", zap.Uint64("index", index), zap.Error(err))
			continue
		}
		entries = append(entries, entryFrom(index, item))
	}
	if len(entries) == 0 {
		return Entry{}, &NoRecordError{Address: address}
	}

	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].Timestamp.Equal(entries[j].Timestamp) {
			return entries[i].Timestamp.Before(entries[j].Timestamp)
		}
		return entries[i].Index < entries[j].Index
	})
	return entries[len(entries)-1], nil
}

// LatestPointer returns the content identifier carried by the latest entry
// of address. It does not retry.
func (r *Reader) LatestPointer(ctx context.Context, address string) (string, error) {
	e, err := r.Latest(ctx, address)
	if err != nil {
		return "", err
	}
	if !contentstore.IsCID(e.Payload) {
		return "", &MalformedPointerError{Address: address, Payload: e.Payload}
	}
	return e.Payload, nil
}

// Writer appends datalog entries as the signer's account.
type Writer struct {
	gw     ledger.Gateway
	signer ledger.Signer
	logger *zap.Logger
}

// NewWriter creates a Writer.
func NewWriter(gw ledger.Gateway, signer ledger.Signer, logger *zap.Logger) *Writer {
	return &Writer{gw: gw, signer: signer, logger: logger}
}

// Address returns the account the Writer appends to.
func (w *Writer) Address() string { return w.signer.Address() }

// Record appends payload to the signer's datalog and waits for inclusion.
func (w *Writer) Record(ctx context.Context, payload string) (*ledger.Receipt, error) {
	call := ledger.Call{
		Module:   "Datalog",
		Function: "record",
		Params:   map[string]any{"record": payload},
	}
	receipt, err := w.gw.ComposeAndSubmit(ctx, call, w.signer)
	if err != nil {
		return nil, err
	}
	w.logger.Info("datalog record included",
		zap.String("address", w.signer.Address()),
		zap.String("tx_hash", receipt.ExtrinsicHash),
		zap.Uint64("block", receipt.BlockNumber),
	)
	return receipt, nil
}
