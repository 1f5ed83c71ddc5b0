package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/jmerrifield20/twinguard/internal/keyring"
	"github.com/jmerrifield20/twinguard/internal/ledger"
	"go.uber.org/zap"
)

// Bridge serves a ledger.Gateway to websocket clients.
type Bridge struct {
	gw     ledger.Gateway
	logger *zap.Logger
}

// NewBridge creates a Bridge in front of gw.
func NewBridge(gw ledger.Gateway, logger *zap.Logger) *Bridge {
	return &Bridge{gw: gw, logger: logger}
}

// ServeHTTP upgrades the request and serves JSON-RPC until the client leaves.
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		b.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}
	conn.SetReadLimit(maxMessageSize)

	ctx, cancel := context.WithCancel(r.Context())
	s := &bridgeSession{
		bridge: b,
		conn:   conn,
		subs:   make(map[string]context.CancelFunc),
		logger: b.logger.With(zap.String("remote", r.RemoteAddr)),
	}
	s.serve(ctx)
	cancel()
	s.wg.Wait()
	_ = conn.Close(websocket.StatusNormalClosure, "")
}

type bridgeSession struct {
	bridge *Bridge
	conn   *websocket.Conn
	logger *zap.Logger
	wg     sync.WaitGroup

	mu   sync.Mutex
	subs map[string]context.CancelFunc
}

func (s *bridgeSession) serve(ctx context.Context) {
	for {
		var req request
		if err := wsjson.Read(ctx, s.conn, &req); err != nil {
			if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
				s.logger.Debug("rpc session ended", zap.Error(err))
			}
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			result, rpcErr := s.handle(ctx, req)
			resp := message{JSONRPC: jsonrpcVersion, ID: &req.ID}
			if rpcErr != nil {
				resp.Error = rpcErr
			} else {
				raw, err := json.Marshal(result)
				if err != nil {
					resp.Error = &Error{Code: codeInternal, Message: err.Error()}
				} else {
					resp.Result = raw
				}
			}
			if err := wsjson.Write(ctx, s.conn, resp); err != nil && ctx.Err() == nil {
				s.logger.Warn("write rpc response failed", zap.String("method", req.Method), zap.Error(err))
			}
		}()
	}
}

func (s *bridgeSession) handle(ctx context.Context, req request) (any, *Error) {
	gw := s.bridge.gw
	switch req.Method {
	case methodQuery:
		var p queryParams
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, err
		}
		v, err := gw.Query(ctx, p.Module, p.Item, p.Params...)
		if err != nil {
			return nil, toError(err)
		}
		return v, nil

	case methodQueryRange:
		var p queryParams
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, err
		}
		kvs, err := gw.QueryRange(ctx, p.Module, p.Item)
		if err != nil {
			return nil, toError(err)
		}
		if kvs == nil {
			kvs = []ledger.KeyValue{}
		}
		return kvs, nil

	case methodChainHead:
		h, err := gw.ChainHead(ctx)
		if err != nil {
			return nil, toError(err)
		}
		return h, nil

	case methodEvents:
		var p eventsParams
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, err
		}
		events, err := gw.Events(ctx, p.BlockHash)
		if err != nil {
			return nil, toError(err)
		}
		if events == nil {
			events = []ledger.Event{}
		}
		return events, nil

	case methodSubmitAndWatch:
		return s.submit(ctx, req.Params)

	case methodSubscribe, methodSubscribeHeads:
		var p subscribeParams
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, err
		}
		if p.Subscription == "" {
			return nil, &Error{Code: codeInvalidParams, Message: "missing subscription id"}
		}
		s.startSubscription(ctx, req.Method, p)
		return true, nil

	case methodUnsubscribe, methodUnsubscribeHeads:
		var p subscribeParams
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, err
		}
		s.mu.Lock()
		cancel, ok := s.subs[p.Subscription]
		delete(s.subs, p.Subscription)
		s.mu.Unlock()
		if ok {
			cancel()
		}
		return ok, nil

	default:
		return nil, &Error{Code: codeMethodNotFound, Message: fmt.Sprintf("method %q not found", req.Method)}
	}
}

func (s *bridgeSession) submit(ctx context.Context, raw json.RawMessage) (any, *Error) {
	var sc SignedCall
	if err := decodeParams(raw, &sc); err != nil {
		return nil, err
	}
	var p signedPayload
	if err := decodeParams(sc.Payload, &p); err != nil {
		return nil, err
	}
	if !keyring.Verify(p.Signer, sc.Payload, sc.Signature) {
		return nil, &Error{Code: codeBadSignature, Message: "signature does not match signer " + p.Signer}
	}
	receipt, err := s.bridge.gw.ComposeAndSubmit(ctx, p.Call, addressSigner(p.Signer))
	if err != nil {
		return nil, &Error{Code: codeRejected, Message: err.Error()}
	}
	return receipt, nil
}

func (s *bridgeSession) startSubscription(ctx context.Context, method string, p subscribeParams) {
	subCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	if prev, ok := s.subs[p.Subscription]; ok {
		prev()
	}
	s.subs[p.Subscription] = cancel
	s.mu.Unlock()

	notify := func(name string, result any) error {
		raw, err := json.Marshal(result)
		if err != nil {
			return err
		}
		params, err := json.Marshal(notification{Subscription: p.Subscription, Result: raw})
		if err != nil {
			return err
		}
		return wsjson.Write(subCtx, s.conn, message{JSONRPC: jsonrpcVersion, Method: name, Params: params})
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		var err error
		if method == methodSubscribe {
			err = s.bridge.gw.Subscribe(subCtx, p.Module, p.Item, p.Params, func(v json.RawMessage, nr uint64) error {
				return notify(notificationStorage, storageUpdate{Value: v, UpdateNr: nr})
			})
		} else {
			err = s.bridge.gw.SubscribeBlockHeaders(subCtx, func(h ledger.Header) error {
				return notify(notificationNewHead, h)
			})
		}
		if err != nil && subCtx.Err() == nil {
			s.logger.Warn("subscription ended", zap.String("subscription", p.Subscription), zap.Error(err))
		}
	}()
}

// decodeParams keeps numbers as json.Number so large integers survive.
func decodeParams(raw json.RawMessage, v any) *Error {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return &Error{Code: codeInvalidParams, Message: err.Error()}
	}
	return nil
}

func toError(err error) *Error {
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		return &Error{Code: codeNotFound, Message: err.Error()}
	case errors.Is(err, ledger.ErrUnsupported):
		return &Error{Code: codeUnsupported, Message: err.Error()}
	default:
		return &Error{Code: codeInternal, Message: err.Error()}
	}
}
