package ledger

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"
)

// KeyValue is one storage entry returned by QueryRange. Key is the JSON
// array of the params the value is stored under.
type KeyValue struct {
	Key   json.RawMessage `json:"key"`
	Value json.RawMessage `json:"value"`
}

// Header identifies a sealed block.
type Header struct {
	Number     uint64    `json:"number"`
	Hash       string    `json:"hash"`
	ParentHash string    `json:"parent_hash"`
	Timestamp  time.Time `json:"timestamp"`
}

// EventParam is a typed event argument. Amounts are JSON strings holding a
// base-10 integer so that u128 values survive encoding.
type EventParam struct {
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value"`
}

// Event is a single runtime event emitted by a block.
type Event struct {
	Module string       `json:"module"`
	Name   string       `json:"event_id"`
	Params []EventParam `json:"params"`
}

// Is reports whether the event is module.name.
func (e Event) Is(module, name string) bool {
	return e.Module == module && e.Name == name
}

// Address returns param i decoded as an account address.
func (e Event) Address(i int) (string, error) {
	if i < 0 || i >= len(e.Params) {
		return "", fmt.Errorf("event %s.%s: no param %d", e.Module, e.Name, i)
	}
	var s string
	if err := json.Unmarshal(e.Params[i].Value, &s); err != nil {
		return "", fmt.Errorf("event %s.%s param %d: %w", e.Module, e.Name, i, err)
	}
	return s, nil
}

// Amount returns param i decoded as a non-negative integer balance.
func (e Event) Amount(i int) (*big.Int, error) {
	if i < 0 || i >= len(e.Params) {
		return nil, fmt.Errorf("event %s.%s: no param %d", e.Module, e.Name, i)
	}
	raw := strings.Trim(strings.TrimSpace(string(e.Params[i].Value)), `"`)
	n, ok := new(big.Int).SetString(raw, 10)
	if !ok || n.Sign() < 0 {
		return nil, fmt.Errorf("event %s.%s param %d: invalid amount %q", e.Module, e.Name, i, raw)
	}
	return n, nil
}

// Call is a state-changing call, e.g. Datalog.record.
type Call struct {
	Module   string         `json:"call_module"`
	Function string         `json:"call_function"`
	Params   map[string]any `json:"call_params"`
}

func (c Call) String() string { return c.Module + "." + c.Function }

// Receipt reports the inclusion of a submitted call.
type Receipt struct {
	ExtrinsicHash string `json:"extrinsic_hash"`
	BlockHash     string `json:"block_hash"`
	BlockNumber   uint64 `json:"block_number"`
}

// SubmissionError is returned when a signed call is rejected or not included.
type SubmissionError struct {
	Call Call
	Err  error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("submit %s: %v", e.Call, e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// param helpers used by the runtime to read loosely-typed call params.

func paramString(c Call, name string) (string, error) {
	v, ok := c.Params[name]
	if !ok {
		return "", fmt.Errorf("missing param %q", name)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("param %q: want string, got %T", name, v)
	}
	return s, nil
}

func paramBool(c Call, name string) (bool, error) {
	v, ok := c.Params[name]
	if !ok {
		return false, fmt.Errorf("missing param %q", name)
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("param %q: want bool, got %T", name, v)
	}
	return b, nil
}

func paramUint(c Call, name string) (uint64, error) {
	v, ok := c.Params[name]
	if !ok {
		return 0, fmt.Errorf("missing param %q", name)
	}
	switch n := v.(type) {
	case uint64:
		return n, nil
	case int:
		if n < 0 {
			return 0, fmt.Errorf("param %q: negative", name)
		}
		return uint64(n), nil
	case int64:
		if n < 0 {
			return 0, fmt.Errorf("param %q: negative", name)
		}
		return uint64(n), nil
	case float64:
		if n < 0 || n != float64(uint64(n)) {
			return 0, fmt.Errorf("param %q: not an unsigned integer", name)
		}
		return uint64(n), nil
	case json.Number:
		return strconv.ParseUint(n.String(), 10, 64)
	case string:
		return strconv.ParseUint(n, 10, 64)
	default:
		return 0, fmt.Errorf("param %q: want integer, got %T", name, v)
	}
}

func paramAmount(c Call, name string) (*big.Int, error) {
	v, ok := c.Params[name]
	if !ok {
		return nil, fmt.Errorf("missing param %q", name)
	}
	var raw string
	switch n := v.(type) {
	case *big.Int:
		return new(big.Int).Set(n), nil
	case string:
		raw = n
	case json.Number:
		raw = n.String()
	case float64:
		raw = strconv.FormatFloat(n, 'f', 0, 64)
	case int:
		raw = strconv.Itoa(n)
	case int64:
		raw = strconv.FormatInt(n, 10)
	case uint64:
		raw = strconv.FormatUint(n, 10)
	default:
		return nil, fmt.Errorf("param %q: want amount, got %T", name, v)
	}
	amt, ok := new(big.Int).SetString(raw, 10)
	if !ok || amt.Sign() < 0 {
		return nil, fmt.Errorf("param %q: invalid amount %q", name, raw)
	}
	return amt, nil
}
