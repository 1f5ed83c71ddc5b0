package ledger

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrNotFound is returned by Query when no value is stored under the key.
var ErrNotFound = errors.New("ledger: storage value not found")

// ErrUnsupported is returned by gateways that cannot serve a query shape
// (for example an indexed lookup on a chain that only exposes full scans).
var ErrUnsupported = errors.New("ledger: query not supported")

// ErrStopSubscription may be returned from an UpdateFunc or HeaderFunc to end
// a subscription cleanly; Subscribe then returns nil.
var ErrStopSubscription = errors.New("ledger: stop subscription")

// UpdateFunc receives the current value of a subscribed storage key.
// updateNr is 0 for the call made when the subscription is established.
type UpdateFunc func(value json.RawMessage, updateNr uint64) error

// HeaderFunc receives every block sealed after the subscription started.
type HeaderFunc func(h Header) error

// Signer is the signing identity used to submit calls.
type Signer interface {
	Address() string
	Sign(msg []byte) []byte
}

// Gateway is the ledger capability surface.
type Gateway interface {
	// Query returns the value stored under (module, item, params...).
	// It returns ErrNotFound when the key holds no value.
	Query(ctx context.Context, module, item string, params ...any) (json.RawMessage, error)

	// QueryRange returns every (key, value) pair stored under module.item.
	QueryRange(ctx context.Context, module, item string) ([]KeyValue, error)

	// Subscribe calls fn with the current value of the key, then again each
	// time the value changes. It blocks until ctx is done, fn returns an
	// error, or the underlying transport fails.
	Subscribe(ctx context.Context, module, item string, params []any, fn UpdateFunc) error

	// SubscribeBlockHeaders calls fn for each new block. It blocks like Subscribe.
	SubscribeBlockHeaders(ctx context.Context, fn HeaderFunc) error

	// ChainHead returns the header of the most recent block.
	ChainHead(ctx context.Context) (Header, error)

	// Events returns the events emitted by the block with the given hash.
	Events(ctx context.Context, blockHash string) ([]Event, error)

	// ComposeAndSubmit builds, signs and submits call, waiting for inclusion.
	// Any rejection is reported as a *SubmissionError.
	ComposeAndSubmit(ctx context.Context, call Call, signer Signer) (*Receipt, error)
}
