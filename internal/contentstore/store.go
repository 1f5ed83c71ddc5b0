// Package contentstore stores and fetches immutable content by identifier.
//
// Identifiers are IPFS content identifiers: retrieving the same identifier
// twice always yields byte-identical content, which is what makes the
// caching tiers in CachedStore safe without invalidation.
package contentstore

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned when no content exists for an identifier.
var ErrNotFound = errors.New("content not found")

// Store fetches and stores content objects.
type Store interface {
	Fetch(ctx context.Context, cid string) ([]byte, error)
	Store(ctx context.Context, data []byte) (string, error)
}

// Pinner mirrors content to a third-party pinning service.
type Pinner interface {
	Pin(ctx context.Context, name string, data []byte) (string, error)
}

// FetchError reports that content could not be retrieved.
type FetchError struct {
	CID string
	Err error
}

func (e *FetchError) Error() string { return fmt.Sprintf("fetch %s: %v", e.CID, e.Err) }

func (e *FetchError) Unwrap() error { return e.Err }

// StoreError reports that content could not be stored.
type StoreError struct {
	Err error
}

func (e *StoreError) Error() string { return fmt.Sprintf("store content: %v", e.Err) }

func (e *StoreError) Unwrap() error { return e.Err }
