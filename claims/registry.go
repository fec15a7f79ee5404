package claims

import (
	"context"
	"math/big"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/michaelpento.lv/arbengine/utils/metrics"
)

const (
	defaultShards   = 64
	defaultTTL      = 12 * time.Second
	terminalEntries = 4096
)

// Outcome is the registry's arbitration verdict for one claim attempt.
type Outcome uint8

const (
	Granted Outcome = iota
	AlreadyClaimed
)

func (o Outcome) String() string {
	switch o {
	case Granted:
		return "granted"
	case AlreadyClaimed:
		return "already_claimed"
	default:
		return "outcome(" + strconv.Itoa(int(o)) + ")"
	}
}

// Key identifies the set of opportunities competing for the same pools in
// the same block window. Canonical is the sorted pool-id join, so
// discovery order cannot produce distinct keys.
type Key struct {
	Canonical string
	Window    uint64
}

// KeyFor derives the claim key from the pools a path traverses and the
// target block window.
func KeyFor(poolIDs []string, window uint64) Key {
	ids := make([]string, len(poolIDs))
	copy(ids, poolIDs)
	sort.Strings(ids)
	var b strings.Builder
	for i, id := range ids {
		if i > 0 {
			b.WriteByte('|')
		}
		b.WriteString(id)
	}
	b.WriteByte('#')
	b.WriteString(strconv.FormatUint(window, 10))
	return Key{Canonical: b.String(), Window: window}
}

func (k Key) hash() uint64 {
	return xxhash.Sum64String(k.Canonical)
}

// WindowFor buckets a block height into its claim window.
func WindowFor(block, span uint64) uint64 {
	if span == 0 {
		span = 1
	}
	return block / span
}

// Ticket is the holder's proof of ownership. All state lives in the
// registry; a ticket is only valid while Owns reports true.
type Ticket struct {
	Key      Key
	Deadline time.Time
	id       uint64
}

type claim struct {
	id        uint64
	net       *big.Int
	deadline  time.Time
	submitted bool
}

type shard struct {
	sync.Mutex
	claims map[string]*claim
}

// Registry arbitrates exactly-once execution ownership. It is sharded by
// key hash so contention on unrelated opportunities never serializes, while
// each key is linearized under its shard lock.
type Registry struct {
	logger *zap.Logger
	shards []*shard
	ttl    time.Duration
	nextID atomic.Uint64

	// terminal remembers keys whose opportunity reached a terminal state,
	// blocking re-claims for the remainder of their window.
	terminal *lru.Cache

	metrics struct {
		granted    prometheus.Counter
		duplicates prometheus.Counter
		superseded prometheus.Counter
		expired    prometheus.Counter
		completed  prometheus.Counter
		active     prometheus.Gauge
	}
}

// NewRegistry builds a registry with the given shard count and claim TTL;
// zero values use the defaults.
func NewRegistry(shards int, ttl time.Duration, reg prometheus.Registerer, logger *zap.Logger) (*Registry, error) {
	if shards <= 0 {
		shards = defaultShards
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	terminal, err := lru.New(terminalEntries)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		logger:   logger,
		shards:   make([]*shard, shards),
		ttl:      ttl,
		terminal: terminal,
	}
	for i := range r.shards {
		r.shards[i] = &shard{claims: make(map[string]*claim)}
	}
	r.metrics.granted = metrics.Counter(reg, "claims", "granted_total", "Claims granted")
	r.metrics.duplicates = metrics.Counter(reg, "claims", "duplicate_total", "Claim attempts rejected as already claimed")
	r.metrics.superseded = metrics.Counter(reg, "claims", "superseded_total", "Claims displaced by a strictly better opportunity")
	r.metrics.expired = metrics.Counter(reg, "claims", "expired_total", "Claims auto-released after their TTL")
	r.metrics.completed = metrics.Counter(reg, "claims", "completed_total", "Keys retired to a terminal state")
	r.metrics.active = metrics.Gauge(reg, "claims", "active", "Claims currently held")
	return r, nil
}

func (r *Registry) shardFor(k Key) *shard {
	return r.shards[k.hash()%uint64(len(r.shards))]
}

// TryClaim arbitrates ownership of key. net is the claimed opportunity's
// net profit; a strictly better net displaces an unsubmitted holder
// (supersession), anything else gets AlreadyClaimed. Exactly one
// concurrent caller per key ever receives Granted.
func (r *Registry) TryClaim(key Key, net *big.Int) (Outcome, *Ticket) {
	if _, done := r.terminal.Get(key.Canonical); done {
		r.metrics.duplicates.Inc()
		return AlreadyClaimed, nil
	}

	sh := r.shardFor(key)
	sh.Lock()
	defer sh.Unlock()

	now := time.Now()
	if existing, ok := sh.claims[key.Canonical]; ok {
		switch {
		case now.After(existing.deadline) && !existing.submitted:
			r.metrics.expired.Inc()
			r.metrics.active.Dec()
			delete(sh.claims, key.Canonical)
		case existing.submitted:
			r.metrics.duplicates.Inc()
			return AlreadyClaimed, nil
		case net != nil && existing.net != nil && net.Cmp(existing.net) > 0:
			r.metrics.superseded.Inc()
			r.metrics.active.Dec()
			delete(sh.claims, key.Canonical)
			r.logger.Debug("claim superseded",
				zap.String("key", key.Canonical),
				zap.String("old_net", existing.net.String()),
				zap.String("new_net", net.String()))
		default:
			r.metrics.duplicates.Inc()
			return AlreadyClaimed, nil
		}
	}

	id := r.nextID.Add(1)
	deadline := now.Add(r.ttl)
	var netCopy *big.Int
	if net != nil {
		netCopy = new(big.Int).Set(net)
	}
	sh.claims[key.Canonical] = &claim{id: id, net: netCopy, deadline: deadline}
	r.metrics.granted.Inc()
	r.metrics.active.Inc()
	return Granted, &Ticket{Key: key, Deadline: deadline, id: id}
}

// Owns reports whether the ticket still holds its claim. Holders re-check
// immediately before submission; a false result means the claim expired or
// was superseded.
func (r *Registry) Owns(t *Ticket) bool {
	if t == nil {
		return false
	}
	sh := r.shardFor(t.Key)
	sh.Lock()
	defer sh.Unlock()
	existing, ok := sh.claims[t.Key.Canonical]
	if !ok || existing.id != t.id {
		return false
	}
	if !existing.submitted && time.Now().After(existing.deadline) {
		r.metrics.expired.Inc()
		r.metrics.active.Dec()
		delete(sh.claims, t.Key.Canonical)
		return false
	}
	return true
}

// MarkSubmitted pins the claim: a submitted holder can no longer be
// superseded or expire. Returns false if ownership was already lost.
func (r *Registry) MarkSubmitted(t *Ticket) bool {
	if t == nil {
		return false
	}
	sh := r.shardFor(t.Key)
	sh.Lock()
	defer sh.Unlock()
	existing, ok := sh.claims[t.Key.Canonical]
	if !ok || existing.id != t.id {
		return false
	}
	if time.Now().After(existing.deadline) {
		r.metrics.expired.Inc()
		r.metrics.active.Dec()
		delete(sh.claims, t.Key.Canonical)
		return false
	}
	existing.submitted = true
	return true
}

// Release abandons the claim without a terminal outcome; the key becomes
// claimable again within its window.
func (r *Registry) Release(t *Ticket) {
	if t == nil {
		return
	}
	sh := r.shardFor(t.Key)
	sh.Lock()
	defer sh.Unlock()
	if existing, ok := sh.claims[t.Key.Canonical]; ok && existing.id == t.id {
		delete(sh.claims, t.Key.Canonical)
		r.metrics.active.Dec()
	}
}

// Complete retires the key to a terminal state. Re-claims for the same
// key are refused for the remainder of the window.
func (r *Registry) Complete(t *Ticket) {
	if t == nil {
		return
	}
	sh := r.shardFor(t.Key)
	sh.Lock()
	if existing, ok := sh.claims[t.Key.Canonical]; ok && existing.id == t.id {
		delete(sh.claims, t.Key.Canonical)
		r.metrics.active.Dec()
	}
	sh.Unlock()
	r.terminal.Add(t.Key.Canonical, struct{}{})
	r.metrics.completed.Inc()
}

// Run sweeps expired claims until the context ends, so keys that are
// never re-tried do not accumulate.
func (r *Registry) Run(ctx context.Context) error {
	interval := r.ttl / 2
	if interval < 100*time.Millisecond {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.sweep(time.Now())
		}
	}
}

func (r *Registry) sweep(now time.Time) {
	var released int
	for _, sh := range r.shards {
		sh.Lock()
		for key, c := range sh.claims {
			if !c.submitted && now.After(c.deadline) {
				delete(sh.claims, key)
				released++
			}
		}
		sh.Unlock()
	}
	if released > 0 {
		r.metrics.expired.Add(float64(released))
		r.metrics.active.Sub(float64(released))
		r.logger.Debug("released expired claims", zap.Int("count", released))
	}
}
