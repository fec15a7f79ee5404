package graph

import (
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// UpdateSource distinguishes confirmed on-chain pushes from deltas implied
// by decoded pending transactions.
type UpdateSource uint8

const (
	SourceConfirmed UpdateSource = iota
	SourcePending
)

func (s UpdateSource) String() string {
	switch s {
	case SourceConfirmed:
		return "confirmed"
	case SourcePending:
		return "pending"
	default:
		return fmt.Sprintf("source(%d)", uint8(s))
	}
}

// PoolDefinition describes a pool first announced by a feed rather than
// configured at startup. Token endpoints must reference registered symbols.
type PoolDefinition struct {
	Venue     string         `json:"venue"`
	Address   common.Address `json:"address"`
	Kind      string         `json:"kind"`
	Token0    string         `json:"token0"`
	Token1    string         `json:"token1"`
	FeeBps    uint32         `json:"fee_bps"`
	AmpFactor uint64         `json:"amp_factor,omitempty"`
}

// PoolUpdate is the uniform event type every feed message is normalized
// into. Exactly one pool per update; the store applies it atomically.
// Big quantities travel as 0x-hex so the wire format cannot carry negative
// reserves.
type PoolUpdate struct {
	PoolID string       `json:"pool_id"`
	Source UpdateSource `json:"source"`
	// Block is the chain height the state belongs to; for pending deltas,
	// the height the transaction targets.
	Block uint64 `json:"block"`
	// Seq is the per-source sequence hint used for staleness arbitration.
	Seq uint64 `json:"seq"`

	// Removed tears the pool down; no state fields are read.
	Removed bool `json:"removed,omitempty"`

	Reserve0     *hexutil.Big `json:"reserve0,omitempty"`
	Reserve1     *hexutil.Big `json:"reserve1,omitempty"`
	SqrtPriceX96 *hexutil.Big `json:"sqrt_price_x96,omitempty"`
	Liquidity    *hexutil.Big `json:"liquidity,omitempty"`
	Tick         *int32       `json:"tick,omitempty"`

	// Definition is present when the feed announces a pool the store has
	// not seen; ignored for known pools.
	Definition *PoolDefinition `json:"definition,omitempty"`

	// Feed and ReceivedAt are stamped by the ingestion adapter, not the
	// wire.
	Feed       string    `json:"-"`
	ReceivedAt time.Time `json:"-"`
}

var (
	errNoPoolID = errors.New("pool update missing pool_id")
	errNoState  = errors.New("pool update carries no state")
)

// Validate performs source-independent shape checks. Semantic checks
// against the live graph (unknown pool, staleness) belong to the store.
func (u *PoolUpdate) Validate() error {
	if u.PoolID == "" {
		return errNoPoolID
	}
	if u.Source != SourceConfirmed && u.Source != SourcePending {
		return fmt.Errorf("pool update %s: unknown source %d", u.PoolID, u.Source)
	}
	if u.Removed {
		if u.Source != SourceConfirmed {
			return fmt.Errorf("pool update %s: removal must come from a confirmed source", u.PoolID)
		}
		return nil
	}
	if u.Reserve0 == nil && u.Reserve1 == nil && u.SqrtPriceX96 == nil && u.Liquidity == nil && u.Tick == nil {
		return errNoState
	}
	if err := nonNegative(u.PoolID, "reserve0", u.Reserve0); err != nil {
		return err
	}
	if err := nonNegative(u.PoolID, "reserve1", u.Reserve1); err != nil {
		return err
	}
	if err := nonNegative(u.PoolID, "sqrt_price_x96", u.SqrtPriceX96); err != nil {
		return err
	}
	if err := nonNegative(u.PoolID, "liquidity", u.Liquidity); err != nil {
		return err
	}
	if u.Definition != nil {
		d := u.Definition
		if d.Venue == "" || d.Token0 == "" || d.Token1 == "" {
			return fmt.Errorf("pool update %s: incomplete definition", u.PoolID)
		}
		if d.Address == (common.Address{}) {
			return fmt.Errorf("pool update %s: definition missing contract address", u.PoolID)
		}
		if d.Token0 == d.Token1 {
			return fmt.Errorf("pool update %s: definition endpoints are identical", u.PoolID)
		}
		if _, err := ParseVenueKind(d.Kind); err != nil {
			return fmt.Errorf("pool update %s: %w", u.PoolID, err)
		}
		if d.FeeBps >= bpsDenominator {
			return fmt.Errorf("pool update %s: fee %d bps out of range", u.PoolID, d.FeeBps)
		}
	}
	return nil
}

func nonNegative(poolID, field string, v *hexutil.Big) error {
	if v != nil && v.ToInt().Sign() < 0 {
		return fmt.Errorf("pool update %s: negative %s", poolID, field)
	}
	return nil
}
