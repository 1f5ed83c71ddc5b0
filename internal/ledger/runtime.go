package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"
)

// DatalogWindow is the number of datalog items retained per account. Older
// items are pruned as the ring advances; DatalogIndex.End keeps growing.
const DatalogWindow = 8192

// DatalogIndex is the stored value of Datalog.DatalogIndex[address].
type DatalogIndex struct {
	Start uint64 `json:"start"`
	End   uint64 `json:"end"`
}

// DatalogItem is the stored value of Datalog.DatalogItem[address, i].
type DatalogItem struct {
	Timestamp uint64 `json:"timestamp"`
	Payload   string `json:"payload"`
}

// AccountData is the stored value of System.Account[address].
type AccountData struct {
	Free string `json:"free"`
}

// stateTx is the storage view a call executes against. Implementations
// buffer writes so that a failed call leaves no trace.
type stateTx interface {
	get(ctx context.Context, k storageKey) (json.RawMessage, error)
	put(ctx context.Context, k storageKey, v json.RawMessage) error
	del(ctx context.Context, k storageKey) error
}

// dispatch executes call on behalf of origin and returns the emitted events.
func dispatch(ctx context.Context, st stateTx, call Call, origin string, now time.Time) ([]Event, error) {
	switch call.String() {
	case "Datalog.record":
		return datalogRecord(ctx, st, call, origin, now)
	case "Datalog.erase":
		return datalogErase(ctx, st, origin)
	case "Balances.transfer":
		return balancesTransfer(ctx, st, call, origin)
	case "DigitalTwin.create":
		return twinCreate(ctx, st, origin)
	case "DigitalTwin.set_source":
		return twinSetSource(ctx, st, call, origin)
	case "Launch.launch":
		return launch(call, origin)
	default:
		return nil, fmt.Errorf("unknown call %s", call)
	}
}

func getJSON(ctx context.Context, st stateTx, k storageKey, v any) (bool, error) {
	raw, err := st.get(ctx, k)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", k, err)
	}
	return true, nil
}

func putJSON(ctx context.Context, st stateTx, k storageKey, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", k, err)
	}
	return st.put(ctx, k, raw)
}

func param(typ string, v any) EventParam {
	raw, _ := json.Marshal(v)
	return EventParam{Type: typ, Value: raw}
}

func datalogRecord(ctx context.Context, st stateTx, call Call, origin string, now time.Time) ([]Event, error) {
	payload, err := paramString(call, "record")
	if err != nil {
		return nil, err
	}
	idxKey, err := newKey("Datalog", "DatalogIndex", origin)
	if err != nil {
		return nil, err
	}
	var idx DatalogIndex
	if _, err := getJSON(ctx, st, idxKey, &idx); err != nil {
		return nil, err
	}

	moment := uint64(now.UnixMilli())
	itemKey, err := newKey("Datalog", "DatalogItem", origin, idx.End)
	if err != nil {
		return nil, err
	}
	if err := putJSON(ctx, st, itemKey, DatalogItem{Timestamp: moment, Payload: payload}); err != nil {
		return nil, err
	}
	idx.End++
	for idx.End-idx.Start > DatalogWindow {
		oldKey, err := newKey("Datalog", "DatalogItem", origin, idx.Start)
		if err != nil {
			return nil, err
		}
		if err := st.del(ctx, oldKey); err != nil {
			return nil, err
		}
		idx.Start++
	}
	if err := putJSON(ctx, st, idxKey, idx); err != nil {
		return nil, err
	}
	return []Event{{
		Module: "Datalog",
		Name:   "NewRecord",
		Params: []EventParam{param("AccountId", origin), param("Moment", moment), param("Record", payload)},
	}}, nil
}

func datalogErase(ctx context.Context, st stateTx, origin string) ([]Event, error) {
	idxKey, err := newKey("Datalog", "DatalogIndex", origin)
	if err != nil {
		return nil, err
	}
	var idx DatalogIndex
	found, err := getJSON(ctx, st, idxKey, &idx)
	if err != nil {
		return nil, err
	}
	if found {
		for i := idx.Start; i < idx.End; i++ {
			k, err := newKey("Datalog", "DatalogItem", origin, i)
			if err != nil {
				return nil, err
			}
			if err := st.del(ctx, k); err != nil {
				return nil, err
			}
		}
		if err := st.del(ctx, idxKey); err != nil {
			return nil, err
		}
	}
	return []Event{{Module: "Datalog", Name: "Erased", Params: []EventParam{param("AccountId", origin)}}}, nil
}

func balanceOf(ctx context.Context, st stateTx, addr string) (*big.Int, storageKey, error) {
	k, err := newKey("System", "Account", addr)
	if err != nil {
		return nil, k, err
	}
	var acc AccountData
	found, err := getJSON(ctx, st, k, &acc)
	if err != nil {
		return nil, k, err
	}
	if !found || acc.Free == "" {
		return new(big.Int), k, nil
	}
	free, ok := new(big.Int).SetString(acc.Free, 10)
	if !ok {
		return nil, k, fmt.Errorf("account %s: invalid balance %q", addr, acc.Free)
	}
	return free, k, nil
}

func balancesTransfer(ctx context.Context, st stateTx, call Call, origin string) ([]Event, error) {
	dest, err := paramString(call, "dest")
	if err != nil {
		return nil, err
	}
	value, err := paramAmount(call, "value")
	if err != nil {
		return nil, err
	}
	from, fromKey, err := balanceOf(ctx, st, origin)
	if err != nil {
		return nil, err
	}
	if from.Cmp(value) < 0 {
		return nil, fmt.Errorf("insufficient balance: have %s, need %s", from, value)
	}
	from.Sub(from, value)
	if err := putJSON(ctx, st, fromKey, AccountData{Free: from.String()}); err != nil {
		return nil, err
	}
	to, toKey, err := balanceOf(ctx, st, dest)
	if err != nil {
		return nil, err
	}
	to.Add(to, value)
	if err := putJSON(ctx, st, toKey, AccountData{Free: to.String()}); err != nil {
		return nil, err
	}
	return []Event{{
		Module: "Balances",
		Name:   "Transfer",
		Params: []EventParam{param("AccountId", origin), param("AccountId", dest), param("Balance", value.String())},
	}}, nil
}

func twinCreate(ctx context.Context, st stateTx, origin string) ([]Event, error) {
	totalKey, err := newKey("DigitalTwin", "Total")
	if err != nil {
		return nil, err
	}
	var total uint64
	if _, err := getJSON(ctx, st, totalKey, &total); err != nil {
		return nil, err
	}
	id := total
	ownerKey, err := newKey("DigitalTwin", "Owner", id)
	if err != nil {
		return nil, err
	}
	if err := putJSON(ctx, st, ownerKey, origin); err != nil {
		return nil, err
	}
	if err := putJSON(ctx, st, totalKey, id+1); err != nil {
		return nil, err
	}
	return []Event{{
		Module: "DigitalTwin",
		Name:   "NewDigitalTwin",
		Params: []EventParam{param("AccountId", origin), param("u32", id)},
	}}, nil
}

func twinSetSource(ctx context.Context, st stateTx, call Call, origin string) ([]Event, error) {
	id, err := paramUint(call, "id")
	if err != nil {
		return nil, err
	}
	topic, err := paramString(call, "topic")
	if err != nil {
		return nil, err
	}
	source, err := paramString(call, "source")
	if err != nil {
		return nil, err
	}
	ownerKey, err := newKey("DigitalTwin", "Owner", id)
	if err != nil {
		return nil, err
	}
	var owner string
	found, err := getJSON(ctx, st, ownerKey, &owner)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("digital twin %d does not exist", id)
	}
	if owner != origin {
		return nil, fmt.Errorf("digital twin %d is owned by %s", id, owner)
	}

	tableKey, err := newKey("DigitalTwin", "DigitalTwin", id)
	if err != nil {
		return nil, err
	}
	var table [][2]string
	if _, err := getJSON(ctx, st, tableKey, &table); err != nil {
		return nil, err
	}
	replaced := false
	for i := range table {
		if table[i][0] == topic {
			table[i][1] = source
			replaced = true
		}
	}
	if !replaced {
		table = append(table, [2]string{topic, source})
	}
	if err := putJSON(ctx, st, tableKey, table); err != nil {
		return nil, err
	}
	return []Event{{
		Module: "DigitalTwin",
		Name:   "TopicChanged",
		Params: []EventParam{param("AccountId", origin), param("u32", id), param("H256", topic), param("AccountId", source)},
	}}, nil
}

func launch(call Call, origin string) ([]Event, error) {
	robot, err := paramString(call, "robot")
	if err != nil {
		return nil, err
	}
	on, err := paramBool(call, "param")
	if err != nil {
		return nil, err
	}
	return []Event{{
		Module: "Launch",
		Name:   "NewLaunch",
		Params: []EventParam{param("AccountId", origin), param("AccountId", robot), param("bool", on)},
	}}, nil
}
