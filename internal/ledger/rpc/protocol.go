// Package rpc carries the ledger Gateway over JSON-RPC 2.0 on a websocket.
//
// Client implements ledger.Gateway against a remote node; Bridge serves any
// ledger.Gateway to such clients. Submitted calls are signed by the client
// and verified by the bridge before they reach the gateway.
package rpc

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmerrifield20/twinguard/internal/ledger"
)

// Method names.
const (
	methodQuery            = "state_query"
	methodQueryRange       = "state_queryRange"
	methodSubscribe        = "state_subscribe"
	methodUnsubscribe      = "state_unsubscribe"
	methodSubscribeHeads   = "chain_subscribeNewHeads"
	methodUnsubscribeHeads = "chain_unsubscribe"
	methodChainHead        = "chain_getHead"
	methodEvents           = "chain_getEvents"
	methodSubmitAndWatch   = "author_submitAndWatch"
	notificationStorage    = "state_update"
	notificationNewHead    = "chain_newHead"
	jsonrpcVersion         = "2.0"
	maxMessageSize         = 4 << 20
)

// Error codes. Codes above -32100 are specific to the ledger.
const (
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternal       = -32603
	codeNotFound       = -32004
	codeUnsupported    = -32005
	codeRejected       = -32010
	codeBadSignature   = -32011
)

// ErrClosed is returned for calls on a closed connection.
var ErrClosed = errors.New("rpc: connection closed")

type request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// message is any frame a client reads: a response when ID is set, a
// notification when Method is set.
type message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *uint64         `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is a JSON-RPC error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string { return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message) }

type queryParams struct {
	Module string `json:"module"`
	Item   string `json:"item"`
	Params []any  `json:"params,omitempty"`
}

type subscribeParams struct {
	Subscription string `json:"subscription"`
	Module       string `json:"module,omitempty"`
	Item         string `json:"item,omitempty"`
	Params       []any  `json:"params,omitempty"`
}

type eventsParams struct {
	BlockHash string `json:"block_hash"`
}

type notification struct {
	Subscription string          `json:"subscription"`
	Result       json.RawMessage `json:"result"`
}

type storageUpdate struct {
	Value    json.RawMessage `json:"value"`
	UpdateNr uint64          `json:"update_nr"`
}

// signedPayload is what the submitting account signs.
type signedPayload struct {
	Call   ledger.Call `json:"call"`
	Signer string      `json:"signer"`
	Nonce  string      `json:"nonce"`
}

// SignedCall is the author_submitAndWatch parameter. Signature covers the
// exact Payload bytes.
type SignedCall struct {
	Payload   json.RawMessage `json:"payload"`
	Signature []byte          `json:"signature"`
}

// addressSigner adapts a verified signer address to ledger.Signer.
type addressSigner string

func (a addressSigner) Address() string     { return string(a) }
func (a addressSigner) Sign(_ []byte) []byte { return nil }
