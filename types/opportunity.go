package types

import (
	"fmt"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/michaelpento.lv/arbengine/claims"
	"github.com/michaelpento.lv/arbengine/graph"
)

// OpportunityState tracks an opportunity through its lifecycle.
type OpportunityState uint8

const (
	Detected OpportunityState = iota
	Validated
	Claimed
	Submitted
	Confirmed
	Reverted
	Expired
	Superseded
)

func (s OpportunityState) String() string {
	switch s {
	case Detected:
		return "detected"
	case Validated:
		return "validated"
	case Claimed:
		return "claimed"
	case Submitted:
		return "submitted"
	case Confirmed:
		return "confirmed"
	case Reverted:
		return "reverted"
	case Expired:
		return "expired"
	case Superseded:
		return "superseded"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Terminal reports whether the state ends the lifecycle.
func (s OpportunityState) Terminal() bool {
	switch s {
	case Confirmed, Reverted, Expired, Superseded:
		return true
	default:
		return false
	}
}

var transitions = map[OpportunityState][]OpportunityState{
	Detected:  {Validated},
	Validated: {Claimed, Expired},
	Claimed:   {Submitted, Expired, Superseded},
	Submitted: {Confirmed, Reverted, Expired},
}

// CanTransition reports whether s -> to is a legal lifecycle move.
func (s OpportunityState) CanTransition(to OpportunityState) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Hop is one pool traversal within an arbitrage path.
type Hop struct {
	PoolID      string
	PoolAddress common.Address
	Venue       string
	Kind        graph.VenueKind
	FeeBps      uint32

	TokenIn   int32
	TokenOut  int32
	SymbolIn  string
	SymbolOut string

	// AmountIn/AmountOut are the implied amounts for the candidate loan,
	// in each token's native units.
	AmountIn  *big.Int
	AmountOut *big.Int
}

// Opportunity is a priced arbitrage cycle pinned to one snapshot. The
// search engine creates it; only the claim registry and the execution
// coordinator move it through its lifecycle.
type Opportunity struct {
	ID          string
	BaseToken   int32
	BaseSymbol  string
	SnapshotSeq uint64
	Block       uint64
	Hops        []Hop

	// All amounts are in base-token native units.
	LoanAmount *big.Int
	GrossOut   *big.Int
	LoanFee    *big.Int
	GasCost    *big.Int
	Net        *big.Int

	// NetUSD is for display and thresholds already applied; never an
	// input to further amount math.
	NetUSD     decimal.Decimal
	Confidence float64

	State      OpportunityState
	Reason     string
	DetectedAt time.Time

	Ticket *claims.Ticket
}

// Transition moves the opportunity to the next state, rejecting illegal
// moves. reason annotates terminal states for observability.
func (o *Opportunity) Transition(to OpportunityState, reason string) error {
	if !o.State.CanTransition(to) {
		return fmt.Errorf("opportunity %s: illegal transition %s -> %s", o.ID, o.State, to)
	}
	o.State = to
	if reason != "" {
		o.Reason = reason
	}
	return nil
}

// PoolIDs returns the traversed pool identifiers sorted for claim-key
// derivation.
func (o *Opportunity) PoolIDs() []string {
	ids := make([]string, len(o.Hops))
	for i, h := range o.Hops {
		ids[i] = h.PoolID
	}
	sort.Strings(ids)
	return ids
}

// Path renders the token route for logs, e.g. "WETH->USDC->DAI->WETH".
func (o *Opportunity) Path() string {
	if len(o.Hops) == 0 {
		return o.BaseSymbol
	}
	var b strings.Builder
	b.WriteString(o.Hops[0].SymbolIn)
	for _, h := range o.Hops {
		b.WriteString("->")
		b.WriteString(h.SymbolOut)
	}
	return b.String()
}

// Key derives the claim key for this opportunity in the given window.
func (o *Opportunity) Key(window uint64) claims.Key {
	return claims.KeyFor(o.PoolIDs(), window)
}
