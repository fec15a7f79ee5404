package flashloan

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/michaelpento.lv/arbengine/utils/metrics"
)

// ErrNoProvider means no registered provider can serve the requested draw.
var ErrNoProvider = errors.New("no flashloan provider can serve this draw")

// Manager picks the cheapest provider with capacity for each draw.
// Selection is deterministic: fee ascending, registration order breaking
// ties.
type Manager struct {
	logger    *zap.Logger
	providers []Provider

	metrics struct {
		selections *prometheus.CounterVec
		unservable prometheus.Counter
	}
}

// NewManager registers the providers in priority order.
func NewManager(providers []Provider, reg prometheus.Registerer, logger *zap.Logger) (*Manager, error) {
	if len(providers) == 0 {
		return nil, errors.New("at least one flashloan provider is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	seen := make(map[string]struct{}, len(providers))
	for _, p := range providers {
		if _, dup := seen[p.Name()]; dup {
			return nil, fmt.Errorf("flashloan provider %s registered twice", p.Name())
		}
		seen[p.Name()] = struct{}{}
	}
	m := &Manager{logger: logger, providers: providers}
	m.metrics.selections = metrics.CounterVec(reg, "flashloan", "selections_total", "Draws routed to each provider", "provider")
	m.metrics.unservable = metrics.Counter(reg, "flashloan", "unservable_total", "Draw requests no provider could serve")
	return m, nil
}

// Select returns the cheapest provider able to lend amount of token.
func (m *Manager) Select(token common.Address, amount *big.Int) (Provider, error) {
	best := m.pick(token, amount)
	if best == nil {
		m.metrics.unservable.Inc()
		m.logger.Warn("no provider for draw",
			zap.String("token", token.Hex()),
			zap.String("amount", amount.String()))
		return nil, ErrNoProvider
	}
	m.metrics.selections.WithLabelValues(best.Name()).Inc()
	return best, nil
}

// BestFeeBps quotes the premium Select would charge, for profitability
// estimation before any bundle exists. Quotes are not draws and leave the
// selection counters alone.
func (m *Manager) BestFeeBps(token common.Address, amount *big.Int) (uint32, bool) {
	p := m.pick(token, amount)
	if p == nil {
		return 0, false
	}
	return p.FeeBps(), true
}

func (m *Manager) pick(token common.Address, amount *big.Int) Provider {
	if amount == nil || amount.Sign() <= 0 {
		return nil
	}
	var (
		best    Provider
		bestFee *big.Int
	)
	for _, p := range m.providers {
		if cap := p.MaxLoan(token); cap != nil && amount.Cmp(cap) > 0 {
			continue
		}
		fee := p.Fee(amount)
		if best == nil || fee.Cmp(bestFee) < 0 {
			best, bestFee = p, fee
		}
	}
	return best
}

// Providers exposes the registered set in priority order.
func (m *Manager) Providers() []Provider { return m.providers }
