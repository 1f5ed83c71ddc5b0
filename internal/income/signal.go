package income

import (
	"math/big"
	"time"
)

// Income is one qualifying transfer to the device.
type Income struct {
	From        string    `json:"from"`
	Amount      *big.Int  `json:"amount"`
	BlockNumber uint64    `json:"block_number"`
	BlockHash   string    `json:"block_hash"`
	ObservedAt  time.Time `json:"observed_at"`
}

// Signal holds at most one pending Income. Raising while one is pending
// replaces it, so an unconsumed income is lost to a newer one. Receiving
// from C resets the signal.
type Signal struct {
	ch chan Income
}

// NewSignal creates an empty Signal.
func NewSignal() *Signal {
	return &Signal{ch: make(chan Income, 1)}
}

// C delivers the pending Income.
func (s *Signal) C() <-chan Income { return s.ch }

// Take returns the pending Income without blocking and resets the signal.
func (s *Signal) Take() (Income, bool) {
	select {
	case in := <-s.ch:
		return in, true
	default:
		return Income{}, false
	}
}

// Raise sets the signal, overwriting any pending Income. It reports whether
// a pending Income was overwritten.
func (s *Signal) Raise(in Income) (overwrote bool) {
	for {
		select {
		case s.ch <- in:
			return overwrote
		default:
		}
		select {
		case <-s.ch:
			overwrote = true
		default:
		}
	}
}
