package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"github.com/jmerrifield20/twinguard/internal/ledger"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Reconnects are allowed in bursts of redialBurst, then one per redialEvery.
const (
	redialEvery = time.Second
	redialBurst = 3
)

// Client is a ledger.Gateway backed by a websocket connection to a node.
// A dropped connection is redialled by the next call; subscriptions that
// were open on it end with an error wrapping ErrClosed.
type Client struct {
	url    string
	nextID atomic.Uint64
	redial *rate.Limiter
	logger *zap.Logger

	mu       sync.Mutex
	sess     *session
	shutdown bool
	done     chan struct{}
}

var _ ledger.Gateway = (*Client)(nil)

// Dial connects to a node's websocket endpoint.
func Dial(ctx context.Context, url string, logger *zap.Logger) (*Client, error) {
	c := &Client{
		url:    url,
		redial: rate.NewLimiter(rate.Every(redialEvery), redialBurst),
		logger: logger,
		done:   make(chan struct{}),
	}
	s, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}
	c.sess = s
	logger.Info("connected to ledger", zap.String("url", url))
	return c, nil
}

func (c *Client) connect(ctx context.Context) (*session, error) {
	conn, _, err := websocket.Dial(ctx, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial ledger %s: %w", c.url, err)
	}
	conn.SetReadLimit(maxMessageSize)

	life, cancel := context.WithCancel(context.Background())
	s := &session{
		conn:    conn,
		cancel:  cancel,
		logger:  c.logger,
		pending: make(map[uint64]chan *message),
		subs:    make(map[string]*subscription),
		closed:  make(chan struct{}),
	}
	go s.readLoop(life)
	return s, nil
}

// Close closes the connection and stops further redials. Blocked calls and
// subscriptions return ErrClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		return nil
	}
	c.shutdown = true
	s := c.sess
	close(c.done)
	c.mu.Unlock()

	if s == nil {
		return nil
	}
	return s.close()
}

// Done is closed once Close has been called.
func (c *Client) Done() <-chan struct{} { return c.done }

// session returns the live connection, redialling if the previous one is
// gone.
func (c *Client) session(ctx context.Context) (*session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shutdown {
		return nil, ErrClosed
	}
	if c.sess != nil && !c.sess.dead() {
		return c.sess, nil
	}

	var lost error = ErrClosed
	if c.sess != nil {
		lost = c.sess.err()
	}
	if !c.redial.Allow() {
		return nil, fmt.Errorf("%w (reconnect throttled)", lost)
	}
	s, err := c.connect(ctx)
	if err != nil {
		c.logger.Warn("ledger reconnect failed", zap.String("url", c.url), zap.Error(err))
		return nil, fmt.Errorf("%w: %v", lost, err)
	}
	c.sess = s
	c.logger.Info("reconnected to ledger", zap.String("url", c.url))
	return s, nil
}

// call sends one request. Read-only methods are retried once on a fresh
// connection when the current one dies before answering.
func (c *Client) call(ctx context.Context, method string, params, out any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("encode %s params: %w", method, err)
	}
	for attempt := 0; ; attempt++ {
		s, err := c.session(ctx)
		if err != nil {
			return err
		}
		lost, err := s.call(ctx, c.nextID.Add(1), method, raw, out)
		if lost && attempt == 0 && method != methodSubmitAndWatch {
			c.logger.Debug("retrying call on new connection", zap.String("method", method), zap.Error(err))
			continue
		}
		return err
	}
}

// session is one websocket connection and the calls in flight on it.
type session struct {
	conn   *websocket.Conn
	cancel context.CancelFunc
	logger *zap.Logger

	mu      sync.Mutex
	pending map[uint64]chan *message
	subs    map[string]*subscription

	closed   chan struct{}
	closeErr error
}

func (s *session) close() error {
	select {
	case <-s.closed:
		return nil
	default:
	}
	err := s.conn.Close(websocket.StatusNormalClosure, "")
	s.cancel()
	<-s.closed
	return err
}

func (s *session) dead() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeErr != nil
}

func (s *session) readLoop(ctx context.Context) {
	var err error
	defer func() {
		s.mu.Lock()
		s.closeErr = fmt.Errorf("%w: %v", ErrClosed, err)
		for id, ch := range s.pending {
			close(ch)
			delete(s.pending, id)
		}
		s.mu.Unlock()
		close(s.closed)
	}()

	for {
		var msg message
		if err = wsjson.Read(ctx, s.conn, &msg); err != nil {
			if ctx.Err() == nil {
				s.logger.Warn("ledger connection lost", zap.Error(err))
			}
			return
		}
		switch {
		case msg.ID != nil:
			s.mu.Lock()
			ch, ok := s.pending[*msg.ID]
			delete(s.pending, *msg.ID)
			s.mu.Unlock()
			if ok {
				ch <- &msg
			}
		case msg.Method != "":
			var n notification
			if err := json.Unmarshal(msg.Params, &n); err != nil {
				s.logger.Warn("malformed notification", zap.String("method", msg.Method), zap.Error(err))
				continue
			}
			s.mu.Lock()
			sub, ok := s.subs[n.Subscription]
			s.mu.Unlock()
			if ok {
				sub.push(n.Result)
			}
		}
	}
}

// call reports lost when the connection died before a response arrived.
func (s *session) call(ctx context.Context, id uint64, method string, raw json.RawMessage, out any) (lost bool, err error) {
	ch := make(chan *message, 1)

	s.mu.Lock()
	if s.closeErr != nil {
		err := s.closeErr
		s.mu.Unlock()
		return true, err
	}
	s.pending[id] = ch
	s.mu.Unlock()

	if err := wsjson.Write(ctx, s.conn, request{JSONRPC: jsonrpcVersion, ID: id, Method: method, Params: raw}); err != nil {
		s.forget(id)
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		// A failed write leaves the connection unusable.
		s.cancel()
		<-s.closed
		return true, fmt.Errorf("%w: send %s: %v", ErrClosed, method, err)
	}

	select {
	case <-ctx.Done():
		s.forget(id)
		return false, ctx.Err()
	case msg, ok := <-ch:
		if !ok {
			return true, s.err()
		}
		if msg.Error != nil {
			return false, msg.Error
		}
		if out == nil {
			return false, nil
		}
		if err := json.Unmarshal(msg.Result, out); err != nil {
			return false, fmt.Errorf("decode %s result: %w", method, err)
		}
		return false, nil
	}
}

func (s *session) forget(id uint64) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

func (s *session) err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closeErr != nil {
		return s.closeErr
	}
	return ErrClosed
}

// mapError turns well-known RPC error codes into ledger sentinels.
func mapError(err error) error {
	var re *Error
	if !errors.As(err, &re) {
		return err
	}
	switch re.Code {
	case codeNotFound:
		return fmt.Errorf("%w: %s", ledger.ErrNotFound, re.Message)
	case codeUnsupported:
		return fmt.Errorf("%w: %s", ledger.ErrUnsupported, re.Message)
	}
	return err
}

// Query implements ledger.Gateway.
func (c *Client) Query(ctx context.Context, module, item string, params ...any) (json.RawMessage, error) {
	var out json.RawMessage
	if err := c.call(ctx, methodQuery, queryParams{Module: module, Item: item, Params: params}, &out); err != nil {
		return nil, mapError(err)
	}
	return out, nil
}

// QueryRange implements ledger.Gateway.
func (c *Client) QueryRange(ctx context.Context, module, item string) ([]ledger.KeyValue, error) {
	var out []ledger.KeyValue
	if err := c.call(ctx, methodQueryRange, queryParams{Module: module, Item: item}, &out); err != nil {
		return nil, mapError(err)
	}
	return out, nil
}

// ChainHead implements ledger.Gateway.
func (c *Client) ChainHead(ctx context.Context) (ledger.Header, error) {
	var h ledger.Header
	if err := c.call(ctx, methodChainHead, struct{}{}, &h); err != nil {
		return ledger.Header{}, mapError(err)
	}
	return h, nil
}

// Events implements ledger.Gateway.
func (c *Client) Events(ctx context.Context, blockHash string) ([]ledger.Event, error) {
	var out []ledger.Event
	if err := c.call(ctx, methodEvents, eventsParams{BlockHash: blockHash}, &out); err != nil {
		return nil, mapError(err)
	}
	return out, nil
}

// ComposeAndSubmit implements ledger.Gateway. The call is signed locally;
// the node verifies the signature against the signer's address. A
// submission is never retried, since the node may already have included it.
func (c *Client) ComposeAndSubmit(ctx context.Context, call ledger.Call, signer ledger.Signer) (*ledger.Receipt, error) {
	if signer == nil {
		return nil, &ledger.SubmissionError{Call: call, Err: errors.New("no signing identity")}
	}
	payload, err := json.Marshal(signedPayload{Call: call, Signer: signer.Address(), Nonce: uuid.NewString()})
	if err != nil {
		return nil, &ledger.SubmissionError{Call: call, Err: err}
	}
	var receipt ledger.Receipt
	err = c.call(ctx, methodSubmitAndWatch, SignedCall{Payload: payload, Signature: signer.Sign(payload)}, &receipt)
	if err != nil {
		return nil, &ledger.SubmissionError{Call: call, Err: err}
	}
	return &receipt, nil
}

// Subscribe implements ledger.Gateway.
func (c *Client) Subscribe(ctx context.Context, module, item string, params []any, fn ledger.UpdateFunc) error {
	return c.subscribe(ctx, methodSubscribe, methodUnsubscribe,
		subscribeParams{Module: module, Item: item, Params: params},
		func(raw json.RawMessage) error {
			var u storageUpdate
			if err := json.Unmarshal(raw, &u); err != nil {
				return fmt.Errorf("decode storage update: %w", err)
			}
			return fn(u.Value, u.UpdateNr)
		})
}

// SubscribeBlockHeaders implements ledger.Gateway.
func (c *Client) SubscribeBlockHeaders(ctx context.Context, fn ledger.HeaderFunc) error {
	return c.subscribe(ctx, methodSubscribeHeads, methodUnsubscribeHeads, subscribeParams{},
		func(raw json.RawMessage) error {
			var h ledger.Header
			if err := json.Unmarshal(raw, &h); err != nil {
				return fmt.Errorf("decode header: %w", err)
			}
			return fn(h)
		})
}

// subscribe is bound to the connection it starts on. When that connection
// drops the subscription ends; the caller's next Subscribe redials.
func (c *Client) subscribe(ctx context.Context, method, unsubscribe string, p subscribeParams, deliver func(json.RawMessage) error) error {
	s, err := c.session(ctx)
	if err != nil {
		return err
	}
	p.Subscription = uuid.NewString()
	sub := newSubscription()

	// Register before asking so no early notification is dropped.
	s.mu.Lock()
	s.subs[p.Subscription] = sub
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.subs, p.Subscription)
		s.mu.Unlock()
		if s.dead() {
			return
		}
		uctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		raw, _ := json.Marshal(subscribeParams{Subscription: p.Subscription})
		if _, err := s.call(uctx, c.nextID.Add(1), unsubscribe, raw, nil); err != nil {
			c.logger.Debug("unsubscribe failed", zap.String("subscription", p.Subscription), zap.Error(err))
		}
	}()

	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode %s params: %w", method, err)
	}
	if _, err := s.call(ctx, c.nextID.Add(1), method, raw, nil); err != nil {
		return mapError(err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.closed:
			return s.err()
		case <-sub.notify:
		}
		for _, raw := range sub.drain() {
			if err := deliver(raw); err != nil {
				if errors.Is(err, ledger.ErrStopSubscription) {
					return nil
				}
				return err
			}
		}
	}
}

// subscription queues notifications without bound so the read loop never
// blocks on a slow consumer.
type subscription struct {
	mu     sync.Mutex
	queue  []json.RawMessage
	notify chan struct{}
}

func newSubscription() *subscription {
	return &subscription{notify: make(chan struct{}, 1)}
}

func (s *subscription) push(raw json.RawMessage) {
	s.mu.Lock()
	s.queue = append(s.queue, raw)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *subscription) drain() []json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queue
	s.queue = nil
	return q
}
