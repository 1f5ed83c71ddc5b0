// Package twin resolves topic names to account addresses through a device's
// digital twin: the on-ledger indirection table kept under
// DigitalTwin.DigitalTwin[registry-id].
package twin

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmerrifield20/twinguard/internal/ledger"
	"go.uber.org/zap"
)

// Sentinel causes carried by ResolutionError.
var (
	ErrTableUnavailable = errors.New("indirection table unavailable")
	ErrTopicNotFound    = errors.New("topic not found")
)

// ResolutionError reports a failed topic lookup. Kind is ErrTableUnavailable
// when the table could not be read or is empty, ErrTopicNotFound otherwise.
type ResolutionError struct {
	RegistryID uint64
	Topic      string
	Kind       error
	Err        error
}

func (e *ResolutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("resolve topic %q in twin %d: %v: %v", e.Topic, e.RegistryID, e.Kind, e.Err)
	}
	return fmt.Sprintf("resolve topic %q in twin %d: %v", e.Topic, e.RegistryID, e.Kind)
}

// Unwrap exposes both the kind sentinel and the underlying cause.
func (e *ResolutionError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Pair is one row of the indirection table.
type Pair struct {
	Topic   string
	Address string
}

// EncodeTopic returns the on-ledger form of a topic name: the 0x-prefixed
// hex encoding of its UTF-8 bytes.
func EncodeTopic(name string) string {
	return "0x" + hex.EncodeToString([]byte(name))
}

// Resolver looks up topic addresses in the indirection table.
type Resolver struct {
	gw     ledger.Gateway
	logger *zap.Logger
}

// NewResolver creates a Resolver reading from gw.
func NewResolver(gw ledger.Gateway, logger *zap.Logger) *Resolver {
	return &Resolver{gw: gw, logger: logger}
}

// Table returns the indirection table of registryID in ledger order.
func (r *Resolver) Table(ctx context.Context, registryID uint64) ([]Pair, error) {
	raw, err := r.gw.Query(ctx, "DigitalTwin", "DigitalTwin", registryID)
	if err != nil {
		return nil, err
	}
	var rows [][2]string
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("decode twin %d: %w", registryID, err)
	}
	pairs := make([]Pair, 0, len(rows))
	for _, row := range rows {
		pairs = append(pairs, Pair{Topic: row[0], Address: row[1]})
	}
	return pairs, nil
}

// Resolve returns the address paired with topic in registryID's table.
//
// Every pair is scanned; when the encoded topic appears more than once the
// last pair in table order wins. Table order is insertion order on the
// ledger, not priority, so duplicates are an accepted ambiguity.
func (r *Resolver) Resolve(ctx context.Context, registryID uint64, topic string) (string, error) {
	pairs, err := r.Table(ctx, registryID)
	if err != nil {
		return "", &ResolutionError{RegistryID: registryID, Topic: topic, Kind: ErrTableUnavailable, Err: err}
	}
	if len(pairs) == 0 {
		return "", &ResolutionError{RegistryID: registryID, Topic: topic, Kind: ErrTableUnavailable}
	}

	encoded := EncodeTopic(topic)
	addr := ""
	matches := 0
	for _, p := range pairs {
		if p.Topic == encoded {
			addr = p.Address
			matches++
		}
	}
	if matches == 0 {
		return "", &ResolutionError{RegistryID: registryID, Topic: topic, Kind: ErrTopicNotFound}
	}
	if matches > 1 {
		r.logger.Warn("duplicate topic in digital twin, using last entry",
			zap.Uint64("registry_id", registryID),
			zap.String("topic", topic),
			zap.Int("matches", matches),
		)
	}
	r.logger.Debug("topic resolved",
		zap.String("topic", topic),
		zap.String("address", addr),
	)
	return addr, nil
}
