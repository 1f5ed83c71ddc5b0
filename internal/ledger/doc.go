// Package ledger defines the capability surface the device consumes from the
// public ledger, plus two self-hosted implementations of it.
//
// The ledger is an append-only chain of blocks. State is a key/value store
// addressed by (module, item, params...) with JSON-encoded values; each
// successful call seals a new block whose events describe what changed.
//
// Two implementations of the Gateway interface are provided:
//   - MemoryLedger: in-process, for testing and local development.
//   - PostgresLedger: durable, for a self-hosted development chain.
//
// The production gateway is the websocket client in package rpc.
package ledger
