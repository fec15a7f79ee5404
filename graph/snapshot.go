package graph

import (
	"sort"
	"sync/atomic"
)

// EdgeRef points from a token node at one pool traversal option.
type EdgeRef struct {
	// To is the token index reached by swapping through Pool.
	To int32
	// Pool indexes the snapshot's pool arena.
	Pool int32
}

// Snapshot is an immutable, versioned view of the whole graph. Readers
// acquire a handle through Store.Current, operate on it for the duration
// of one search, then Release it. Pool slots may be nil where a pool was
// torn down; adjacency never references nil slots.
type Snapshot struct {
	seq   uint64
	block uint64

	tokens []Token
	pools  []*PoolState
	byID   map[string]int32
	adj    [][]EdgeRef

	// refs counts live reader handles. The store's writer reclaims the
	// snapshot's exclusively-owned allocations once it is retired and
	// refs drops to zero.
	refs atomic.Int32

	// deadAfter holds prior pool versions whose last referencing
	// snapshot is this one; recycled together with the snapshot.
	deadAfter []*PoolState
}

// Seq returns the monotonic store sequence that produced this snapshot.
func (s *Snapshot) Seq() uint64 { return s.seq }

// Block returns the highest confirmed chain height reflected here.
func (s *Snapshot) Block() uint64 { return s.block }

// Tokens returns the shared immutable token table.
func (s *Snapshot) Tokens() []Token { return s.tokens }

// Token returns the token at index i.
func (s *Snapshot) Token(i int32) Token { return s.tokens[i] }

// TokenIndex resolves a registered symbol to its node index.
func (s *Snapshot) TokenIndex(symbol string) (int32, bool) {
	for i := range s.tokens {
		if s.tokens[i].Symbol == symbol {
			return int32(i), true
		}
	}
	return 0, false
}

// NumPools returns the size of the pool arena, including torn-down slots.
func (s *Snapshot) NumPools() int { return len(s.pools) }

// Pool returns the pool at arena index i, nil if the slot was torn down.
func (s *Snapshot) Pool(i int32) *PoolState { return s.pools[i] }

// PoolByID resolves a feed-facing pool identifier.
func (s *Snapshot) PoolByID(id string) (*PoolState, bool) {
	i, ok := s.byID[id]
	if !ok {
		return nil, false
	}
	return s.pools[i], true
}

// Edges returns the traversal options out of token node t, sorted by
// (neighbor index, pool index).
func (s *Snapshot) Edges(t int32) []EdgeRef { return s.adj[t] }

// Release returns the handle. The snapshot must not be touched afterwards.
func (s *Snapshot) Release() {
	s.refs.Add(-1)
}

// Refs reports the live handle count, for metrics and tests.
func (s *Snapshot) Refs() int32 { return s.refs.Load() }

// buildAdjacency computes each node's edges sorted by (neighbor index,
// pool index) so traversal order is identical for identical pool sets.
func buildAdjacency(numTokens int, pools []*PoolState) [][]EdgeRef {
	adj := make([][]EdgeRef, numTokens)
	for i, p := range pools {
		if p == nil {
			continue
		}
		adj[p.Token0] = append(adj[p.Token0], EdgeRef{To: p.Token1, Pool: int32(i)})
		adj[p.Token1] = append(adj[p.Token1], EdgeRef{To: p.Token0, Pool: int32(i)})
	}
	for _, edges := range adj {
		sort.Slice(edges, func(a, b int) bool {
			if edges[a].To != edges[b].To {
				return edges[a].To < edges[b].To
			}
			return edges[a].Pool < edges[b].Pool
		})
	}
	return adj
}
