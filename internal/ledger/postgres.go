package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// advisoryLockKey is a stable PostgreSQL advisory lock key used to serialise
// concurrent submissions. The value is arbitrary but must be consistent
// across all processes sharing the database.
const advisoryLockKey = int64(1_159_876_544)

// notifyChannel is the LISTEN/NOTIFY channel announcing sealed blocks.
const notifyChannel = "ledger_blocks"

// PostgresLedger persists a development chain to PostgreSQL.
// It implements the Gateway interface; see migrations/ for the schema.
type PostgresLedger struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresLedger creates a PostgresLedger backed by the given connection pool.
func NewPostgresLedger(pool *pgxpool.Pool, logger *zap.Logger) *PostgresLedger {
	return &PostgresLedger{pool: pool, logger: logger}
}

// Query implements Gateway.
func (l *PostgresLedger) Query(ctx context.Context, module, item string, params ...any) (json.RawMessage, error) {
	k, err := newKey(module, item, params...)
	if err != nil {
		return nil, err
	}
	return l.get(ctx, l.pool, k)
}

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (l *PostgresLedger) get(ctx context.Context, q rowQuerier, k storageKey) (json.RawMessage, error) {
	var value string
	err := q.QueryRow(ctx,
		`SELECT value FROM ledger_storage WHERE module = $1 AND item = $2 AND key = $3`,
		k.Module, k.Item, string(k.Params),
	).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", k, err)
	}
	return json.RawMessage(value), nil
}

// QueryRange implements Gateway. Entries are returned in key order.
func (l *PostgresLedger) QueryRange(ctx context.Context, module, item string) ([]KeyValue, error) {
	rows, err := l.pool.Query(ctx,
		`SELECT key, value FROM ledger_storage WHERE module = $1 AND item = $2 ORDER BY key`,
		module, item,
	)
	if err != nil {
		return nil, fmt.Errorf("query range %s.%s: %w", module, item, err)
	}
	defer rows.Close()

	var out []KeyValue
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("scan storage row: %w", err)
		}
		out = append(out, KeyValue{Key: json.RawMessage(key), Value: json.RawMessage(value)})
	}
	return out, rows.Err()
}

// Subscribe implements Gateway using LISTEN/NOTIFY on a dedicated connection.
func (l *PostgresLedger) Subscribe(ctx context.Context, module, item string, params []any, fn UpdateFunc) error {
	k, err := newKey(module, item, params...)
	if err != nil {
		return err
	}
	conn, release, err := l.listen(ctx)
	if err != nil {
		return err
	}
	defer release()

	read := func() (json.RawMessage, error) {
		v, err := l.get(ctx, l.pool, k)
		if errors.Is(err, ErrNotFound) {
			return json.RawMessage("null"), nil
		}
		return v, err
	}

	last, err := read()
	if err != nil {
		return err
	}
	var nr uint64
	if err := fn(last, nr); err != nil {
		return stopErr(err)
	}
	for {
		if _, err := conn.Conn().WaitForNotification(ctx); err != nil {
			return fmt.Errorf("wait for block: %w", err)
		}
		cur, err := read()
		if err != nil {
			return err
		}
		if string(cur) == string(last) {
			continue
		}
		last = cur
		nr++
		if err := fn(cur, nr); err != nil {
			return stopErr(err)
		}
	}
}

// SubscribeBlockHeaders implements Gateway.
func (l *PostgresLedger) SubscribeBlockHeaders(ctx context.Context, fn HeaderFunc) error {
	conn, release, err := l.listen(ctx)
	if err != nil {
		return err
	}
	defer release()

	head, err := l.ChainHead(ctx)
	if err != nil {
		return err
	}
	next := head.Number + 1
	for {
		if _, err := conn.Conn().WaitForNotification(ctx); err != nil {
			return fmt.Errorf("wait for block: %w", err)
		}
		headers, err := l.headersFrom(ctx, next)
		if err != nil {
			return err
		}
		for _, h := range headers {
			if err := fn(h); err != nil {
				return stopErr(err)
			}
			next = h.Number + 1
		}
	}
}

func (l *PostgresLedger) listen(ctx context.Context) (*pgxpool.Conn, func(), error) {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("acquire listener: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		conn.Release()
		return nil, nil, fmt.Errorf("listen %s: %w", notifyChannel, err)
	}
	release := func() {
		if _, err := conn.Exec(context.Background(), "UNLISTEN "+notifyChannel); err != nil {
			l.logger.Debug("unlisten", zap.Error(err))
		}
		conn.Release()
	}
	return conn, release, nil
}

func (l *PostgresLedger) headersFrom(ctx context.Context, from uint64) ([]Header, error) {
	rows, err := l.pool.Query(ctx,
		`SELECT number, hash, parent_hash, sealed_at FROM ledger_blocks WHERE number >= $1 ORDER BY number`,
		int64(from),
	)
	if err != nil {
		return nil, fmt.Errorf("query blocks: %w", err)
	}
	defer rows.Close()
	var out []Header
	for rows.Next() {
		var h Header
		var number int64
		if err := rows.Scan(&number, &h.Hash, &h.ParentHash, &h.Timestamp); err != nil {
			return nil, fmt.Errorf("scan block: %w", err)
		}
		h.Number = uint64(number)
		out = append(out, h)
	}
	return out, rows.Err()
}

// ChainHead implements Gateway.
func (l *PostgresLedger) ChainHead(ctx context.Context) (Header, error) {
	var h Header
	var number int64
	if err := l.pool.QueryRow(ctx,
		`SELECT number, hash, parent_hash, sealed_at FROM ledger_blocks ORDER BY number DESC LIMIT 1`,
	).Scan(&number, &h.Hash, &h.ParentHash, &h.Timestamp); err != nil {
		return Header{}, fmt.Errorf("get chain head: %w", err)
	}
	h.Number = uint64(number)
	return h, nil
}

// Events implements Gateway.
func (l *PostgresLedger) Events(ctx context.Context, blockHash string) ([]Event, error) {
	var raw string
	err := l.pool.QueryRow(ctx, `SELECT events FROM ledger_blocks WHERE hash = $1`, blockHash).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("block %s: %w", blockHash, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get events: %w", err)
	}
	var events []Event
	if err := json.Unmarshal([]byte(raw), &events); err != nil {
		return nil, fmt.Errorf("decode events of %s: %w", blockHash, err)
	}
	return events, nil
}

// ComposeAndSubmit implements Gateway.
// It acquires a PostgreSQL advisory lock, reads the chain tail, executes the
// call and seals the new block, all within a single transaction.
func (l *PostgresLedger) ComposeAndSubmit(ctx context.Context, call Call, signer Signer) (*Receipt, error) {
	if signer == nil || signer.Address() == "" {
		return nil, &SubmissionError{Call: call, Err: errors.New("no signing identity")}
	}
	origin := signer.Address()
	receipt, err := l.submit(ctx, call, origin)
	if err != nil {
		return nil, &SubmissionError{Call: call, Err: err}
	}
	l.logger.Debug("block sealed",
		zap.Uint64("number", receipt.BlockNumber),
		zap.String("call", call.String()),
		zap.String("origin", origin),
	)
	return receipt, nil
}

func (l *PostgresLedger) submit(ctx context.Context, call Call, origin string) (*Receipt, error) {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", advisoryLockKey); err != nil {
		return nil, fmt.Errorf("acquire advisory lock: %w", err)
	}

	var prevNumber int64
	var prevHash string
	if err := tx.QueryRow(ctx,
		"SELECT number, hash FROM ledger_blocks ORDER BY number DESC LIMIT 1",
	).Scan(&prevNumber, &prevHash); err != nil {
		return nil, fmt.Errorf("read chain tail: %w", err)
	}

	// timestamptz keeps microseconds; truncate so Verify recomputes the same hash.
	now := time.Now().UTC().Truncate(time.Microsecond)
	events, err := dispatch(ctx, &pgState{tx: tx, l: l}, call, origin, now)
	if err != nil {
		return nil, err
	}

	number := uint64(prevNumber) + 1
	xt, err := hashExtrinsic(call, origin, number)
	if err != nil {
		return nil, err
	}
	extrinsics := []string{xt}
	hash := hashBlock(number, prevHash, now, extrinsics)

	if err := insertBlock(ctx, tx, number, hash, prevHash, now, extrinsics, events); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit block: %w", err)
	}
	return &Receipt{ExtrinsicHash: xt, BlockHash: hash, BlockNumber: number}, nil
}

func insertBlock(ctx context.Context, tx pgx.Tx, number uint64, hash, parent string, ts time.Time, extrinsics []string, events []Event) error {
	if events == nil {
		events = []Event{}
	}
	xtJSON, err := json.Marshal(extrinsics)
	if err != nil {
		return fmt.Errorf("marshal extrinsics: %w", err)
	}
	evJSON, err := json.Marshal(events)
	if err != nil {
		return fmt.Errorf("marshal events: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO ledger_blocks (number, hash, parent_hash, sealed_at, extrinsics, events)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		int64(number), hash, parent, ts, string(xtJSON), string(evJSON),
	); err != nil {
		return fmt.Errorf("insert block: %w", err)
	}
	if _, err := tx.Exec(ctx, "SELECT pg_notify($1, $2)", notifyChannel, fmt.Sprint(number)); err != nil {
		return fmt.Errorf("notify block: %w", err)
	}
	return nil
}

// Endow credits amount to address. It is the development-chain faucet.
func (l *PostgresLedger) Endow(ctx context.Context, address string, amount *big.Int) error {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	st := &pgState{tx: tx, l: l}
	free, k, err := balanceOf(ctx, st, address)
	if err != nil {
		return err
	}
	free.Add(free, amount)
	if err := putJSON(ctx, st, k, AccountData{Free: free.String()}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Verify streams all blocks ordered by number and validates the hash chain.
// O(n) in chain length; may be slow for very long chains.
func (l *PostgresLedger) Verify(ctx context.Context) error {
	rows, err := l.pool.Query(ctx,
		`SELECT number, hash, parent_hash, sealed_at, extrinsics FROM ledger_blocks ORDER BY number ASC`,
	)
	if err != nil {
		return fmt.Errorf("query blocks: %w", err)
	}
	defer rows.Close()

	var prev *Header
	for rows.Next() {
		var curr Header
		var number int64
		var xtRaw string
		if err := rows.Scan(&number, &curr.Hash, &curr.ParentHash, &curr.Timestamp, &xtRaw); err != nil {
			return fmt.Errorf("scan block row: %w", err)
		}
		curr.Number = uint64(number)

		if prev == nil {
			if curr.Hash != GenesisHash {
				return fmt.Errorf("genesis block has wrong hash: got %q", curr.Hash)
			}
			prev = &curr
			continue
		}

		var extrinsics []string
		if err := json.Unmarshal([]byte(xtRaw), &extrinsics); err != nil {
			return fmt.Errorf("block %d: decode extrinsics: %w", curr.Number, err)
		}
		if curr.ParentHash != prev.Hash {
			return fmt.Errorf("chain broken at block %d", curr.Number)
		}
		if curr.Hash != hashBlock(curr.Number, curr.ParentHash, curr.Timestamp.UTC(), extrinsics) {
			return fmt.Errorf("block %d has invalid hash", curr.Number)
		}
		prev = &curr
	}
	return rows.Err()
}

// pgState executes runtime storage access inside the submission transaction.
type pgState struct {
	tx pgx.Tx
	l  *PostgresLedger
}

func (s *pgState) get(ctx context.Context, k storageKey) (json.RawMessage, error) {
	return s.l.get(ctx, s.tx, k)
}

func (s *pgState) put(ctx context.Context, k storageKey, v json.RawMessage) error {
	if _, err := s.tx.Exec(ctx,
		`INSERT INTO ledger_storage (module, item, key, value) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (module, item, key) DO UPDATE SET value = EXCLUDED.value`,
		k.Module, k.Item, string(k.Params), string(v),
	); err != nil {
		return fmt.Errorf("put %s: %w", k, err)
	}
	return nil
}

func (s *pgState) del(ctx context.Context, k storageKey) error {
	if _, err := s.tx.Exec(ctx,
		`DELETE FROM ledger_storage WHERE module = $1 AND item = $2 AND key = $3`,
		k.Module, k.Item, string(k.Params),
	); err != nil {
		return fmt.Errorf("delete %s: %w", k, err)
	}
	return nil
}
