package config

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/michaelpento.lv/arbengine/graph"
	fmath "github.com/michaelpento.lv/arbengine/utils/math"
)

// Config is the full startup configuration. Everything economic is
// expressed in basis points or decimal-string USD; secrets never live
// here (see SecureConfig).
type Config struct {
	ChainID           uint64 `mapstructure:"chain_id" yaml:"chain_id"`
	BaseTokenSymbol   string `mapstructure:"base_token_symbol" yaml:"base_token_symbol"`
	NativeTokenSymbol string `mapstructure:"native_token_symbol" yaml:"native_token_symbol"`

	Tokens []TokenConfig `mapstructure:"tokens" yaml:"tokens"`
	Venues []VenueConfig `mapstructure:"venues" yaml:"venues"`
	Feeds  []FeedConfig  `mapstructure:"feeds" yaml:"feeds"`
	Relays []RelayConfig `mapstructure:"relays" yaml:"relays"`

	Search    SearchConfig    `mapstructure:"search" yaml:"search"`
	Profit    ProfitConfig    `mapstructure:"profit" yaml:"profit"`
	Flashloan FlashloanConfig `mapstructure:"flashloan" yaml:"flashloan"`
	Claims    ClaimsConfig    `mapstructure:"claims" yaml:"claims"`
	Executor  ExecutorConfig  `mapstructure:"executor" yaml:"executor"`
	Gas       GasConfig       `mapstructure:"gas" yaml:"gas"`
	Metrics   MetricsConfig   `mapstructure:"metrics" yaml:"metrics"`
}

type TokenConfig struct {
	Symbol   string `mapstructure:"symbol" yaml:"symbol"`
	Address  string `mapstructure:"address" yaml:"address"`
	Decimals uint8  `mapstructure:"decimals" yaml:"decimals"`
	// USDPriceRef is a decimal string, e.g. "3000" or "0.9997".
	USDPriceRef string `mapstructure:"usd_price_ref" yaml:"usd_price_ref"`
}

type VenueConfig struct {
	Name    string `mapstructure:"name" yaml:"name"`
	Kind    string `mapstructure:"kind" yaml:"kind"`
	Address string `mapstructure:"address" yaml:"address"`
	Token0  string `mapstructure:"token0" yaml:"token0"`
	Token1  string `mapstructure:"token1" yaml:"token1"`
	FeeBps  uint32 `mapstructure:"fee_bps" yaml:"fee_bps"`

	// Reserve-based state, decimal or 0x-hex strings.
	Reserve0 string `mapstructure:"reserve0" yaml:"reserve0"`
	Reserve1 string `mapstructure:"reserve1" yaml:"reserve1"`
	// Stable-swap amplification.
	AmpFactor uint64 `mapstructure:"amp_factor" yaml:"amp_factor"`
	// Concentrated-liquidity state.
	SqrtPriceX96 string `mapstructure:"sqrt_price_x96" yaml:"sqrt_price_x96"`
	Liquidity    string `mapstructure:"liquidity" yaml:"liquidity"`
	Tick         int32  `mapstructure:"tick" yaml:"tick"`
}

type FeedConfig struct {
	Name string `mapstructure:"name" yaml:"name"`
	URL  string `mapstructure:"url" yaml:"url"`
}

type RelayConfig struct {
	Name string `mapstructure:"name" yaml:"name"`
	URL  string `mapstructure:"url" yaml:"url"`
	// RateLimit is requests per second toward this relay.
	RateLimit float64 `mapstructure:"rate_limit" yaml:"rate_limit"`
	Burst     int     `mapstructure:"burst" yaml:"burst"`
}

type SearchConfig struct {
	MaxHops            int    `mapstructure:"max_hops" yaml:"max_hops"`
	DeadlineMS         int    `mapstructure:"deadline_ms" yaml:"deadline_ms"`
	BreakEvenMarginBps uint32 `mapstructure:"break_even_margin_bps" yaml:"break_even_margin_bps"`
	Workers            int    `mapstructure:"workers" yaml:"workers"`
	QueueSize          int    `mapstructure:"queue_size" yaml:"queue_size"`
	PinWorkers         bool   `mapstructure:"pin_workers" yaml:"pin_workers"`
}

func (s SearchConfig) Deadline() time.Duration {
	return time.Duration(s.DeadlineMS) * time.Millisecond
}

type ProfitConfig struct {
	MinProfitUSD         string `mapstructure:"min_profit_usd" yaml:"min_profit_usd"`
	LoanAmountUSD        string `mapstructure:"loan_amount_usd" yaml:"loan_amount_usd"`
	FlashloanFeeBps      uint32 `mapstructure:"flashloan_fee_bps" yaml:"flashloan_fee_bps"`
	SlippageToleranceBps uint32 `mapstructure:"slippage_tolerance_bps" yaml:"slippage_tolerance_bps"`
}

type FlashloanConfig struct {
	// Receiver is the deployed executor contract that takes the loan,
	// runs the swaps in its callback, and repays.
	Receiver  string                    `mapstructure:"receiver" yaml:"receiver"`
	Providers []FlashloanProviderConfig `mapstructure:"providers" yaml:"providers"`
}

type FlashloanProviderConfig struct {
	Name string `mapstructure:"name" yaml:"name"`
	// Address overrides the canonical mainnet deployment when set.
	Address    string `mapstructure:"address" yaml:"address"`
	FeeBps     uint32 `mapstructure:"fee_bps" yaml:"fee_bps"`
	MaxLoanUSD string `mapstructure:"max_loan_usd" yaml:"max_loan_usd"`
}

type ClaimsConfig struct {
	WindowBlocks uint64 `mapstructure:"window_blocks" yaml:"window_blocks"`
	TTLMS        int    `mapstructure:"ttl_ms" yaml:"ttl_ms"`
	Shards       int    `mapstructure:"shards" yaml:"shards"`
}

func (c ClaimsConfig) TTL() time.Duration {
	return time.Duration(c.TTLMS) * time.Millisecond
}

type ExecutorConfig struct {
	WindowBlocks uint64 `mapstructure:"window_blocks" yaml:"window_blocks"`
	StatusPollMS int    `mapstructure:"status_poll_ms" yaml:"status_poll_ms"`
	GraceMS      int    `mapstructure:"grace_ms" yaml:"grace_ms"`
}

func (e ExecutorConfig) StatusPoll() time.Duration {
	return time.Duration(e.StatusPollMS) * time.Millisecond
}

func (e ExecutorConfig) Grace() time.Duration {
	return time.Duration(e.GraceMS) * time.Millisecond
}

type GasConfig struct {
	BaseFeeGwei          float64 `mapstructure:"base_fee_gwei" yaml:"base_fee_gwei"`
	PriorityFeeGwei      float64 `mapstructure:"priority_fee_gwei" yaml:"priority_fee_gwei"`
	PerHopGas            uint64  `mapstructure:"per_hop_gas" yaml:"per_hop_gas"`
	FlashloanOverheadGas uint64  `mapstructure:"flashloan_overhead_gas" yaml:"flashloan_overhead_gas"`
}

// BaseFeeWei converts the configured gwei seed to wei.
func (g GasConfig) BaseFeeWei() *big.Int {
	return gweiToWei(g.BaseFeeGwei)
}

// PriorityFeeWei converts the configured gwei seed to wei.
func (g GasConfig) PriorityFeeWei() *big.Int {
	return gweiToWei(g.PriorityFeeGwei)
}

func gweiToWei(gwei float64) *big.Int {
	return decimal.NewFromFloat(gwei).Shift(9).BigInt()
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Listen  string `mapstructure:"listen" yaml:"listen"`
}

// Load reads the YAML configuration, applies defaults and environment
// overrides (ARBENGINE_ prefix), and validates it. An empty path searches
// ./arbengine.yaml and ~/.arbengine/arbengine.yaml.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("arbengine")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.arbengine")
	}
	v.SetEnvPrefix("ARBENGINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("chain_id", 1)
	v.SetDefault("base_token_symbol", "WETH")

	v.SetDefault("search.max_hops", 3)
	v.SetDefault("search.deadline_ms", 200)
	v.SetDefault("search.break_even_margin_bps", 10)
	v.SetDefault("search.workers", 4)
	v.SetDefault("search.queue_size", 256)
	v.SetDefault("search.pin_workers", false)

	v.SetDefault("profit.min_profit_usd", "50")
	v.SetDefault("profit.loan_amount_usd", "100000")
	v.SetDefault("profit.flashloan_fee_bps", 9)
	v.SetDefault("profit.slippage_tolerance_bps", 50)

	v.SetDefault("claims.window_blocks", 1)
	v.SetDefault("claims.ttl_ms", 12000)
	v.SetDefault("claims.shards", 64)

	v.SetDefault("executor.window_blocks", 2)
	v.SetDefault("executor.status_poll_ms", 200)
	v.SetDefault("executor.grace_ms", 500)

	v.SetDefault("gas.base_fee_gwei", 30)
	v.SetDefault("gas.priority_fee_gwei", 2)
	v.SetDefault("gas.per_hop_gas", 152000)
	v.SetDefault("gas.flashloan_overhead_gas", 90000)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen", ":9090")
}

// Validate collects every problem instead of stopping at the first, so a
// bad config reports all of its mistakes at once.
func (c *Config) Validate() error {
	var errs []string
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}

	if c.ChainID == 0 {
		fail("chain_id must be specified")
	}
	if len(c.Tokens) == 0 {
		fail("at least one token must be registered")
	}
	symbols := make(map[string]struct{}, len(c.Tokens))
	for i, t := range c.Tokens {
		if t.Symbol == "" {
			fail("tokens[%d]: empty symbol", i)
			continue
		}
		if _, dup := symbols[t.Symbol]; dup {
			fail("token %s declared twice", t.Symbol)
		}
		symbols[t.Symbol] = struct{}{}
		if !common.IsHexAddress(t.Address) {
			fail("token %s: invalid address %q", t.Symbol, t.Address)
		}
		if t.Decimals > 18 {
			fail("token %s: decimals %d exceed 18", t.Symbol, t.Decimals)
		}
		if _, err := fmath.ParseUSDRef(t.USDPriceRef); err != nil {
			fail("token %s: usd_price_ref: %v", t.Symbol, err)
		}
	}
	if c.BaseTokenSymbol == "" {
		fail("base_token_symbol must be specified")
	} else if _, ok := symbols[c.BaseTokenSymbol]; !ok && len(c.Tokens) > 0 {
		fail("base token %s is not registered", c.BaseTokenSymbol)
	}
	if c.NativeTokenSymbol != "" {
		if _, ok := symbols[c.NativeTokenSymbol]; !ok {
			fail("native token %s is not registered", c.NativeTokenSymbol)
		}
	}

	names := make(map[string]struct{}, len(c.Venues))
	for i, ven := range c.Venues {
		where := ven.Name
		if where == "" {
			where = fmt.Sprintf("venues[%d]", i)
			fail("%s: empty name", where)
		}
		if _, dup := names[ven.Name]; dup && ven.Name != "" {
			fail("venue %s declared twice", ven.Name)
		}
		names[ven.Name] = struct{}{}
		kind, err := graph.ParseVenueKind(ven.Kind)
		if err != nil {
			fail("%s: %v", where, err)
		}
		if !common.IsHexAddress(ven.Address) {
			fail("%s: invalid address %q", where, ven.Address)
		}
		if _, ok := symbols[ven.Token0]; !ok {
			fail("%s: unknown token0 %q", where, ven.Token0)
		}
		if _, ok := symbols[ven.Token1]; !ok {
			fail("%s: unknown token1 %q", where, ven.Token1)
		}
		if ven.Token0 == ven.Token1 {
			fail("%s: identical endpoints", where)
		}
		if ven.FeeBps >= fmath.BpsDenominator {
			fail("%s: fee %d bps out of range", where, ven.FeeBps)
		}
		if err == nil && kind == graph.StableSwap && ven.AmpFactor == 0 {
			fail("%s: stable-swap venue requires amp_factor", where)
		}
		for _, field := range []struct{ name, val string }{
			{"reserve0", ven.Reserve0}, {"reserve1", ven.Reserve1},
			{"sqrt_price_x96", ven.SqrtPriceX96}, {"liquidity", ven.Liquidity},
		} {
			if field.val == "" {
				continue
			}
			if _, perr := ParseBig(field.val); perr != nil {
				fail("%s: %s: %v", where, field.name, perr)
			}
		}
	}

	if len(c.Feeds) == 0 {
		fail("at least one feed must be configured")
	}
	for i, f := range c.Feeds {
		if f.Name == "" {
			fail("feeds[%d]: empty name", i)
		}
		if !strings.HasPrefix(f.URL, "ws://") && !strings.HasPrefix(f.URL, "wss://") {
			fail("feed %s: url must be ws:// or wss://", f.Name)
		}
	}
	if len(c.Relays) == 0 {
		fail("at least one relay must be configured")
	}
	for i, r := range c.Relays {
		if r.Name == "" {
			fail("relays[%d]: empty name", i)
		}
		if !strings.HasPrefix(r.URL, "http://") && !strings.HasPrefix(r.URL, "https://") {
			fail("relay %s: url must be http:// or https://", r.Name)
		}
		if r.RateLimit < 0 || r.Burst < 0 {
			fail("relay %s: negative rate limit", r.Name)
		}
	}

	if c.Search.MaxHops < 2 || c.Search.MaxHops > 8 {
		fail("search.max_hops must be within [2, 8]")
	}
	if c.Search.DeadlineMS <= 0 {
		fail("search.deadline_ms must be positive")
	}
	if c.Search.Workers <= 0 {
		fail("search.workers must be positive")
	}
	if c.Search.BreakEvenMarginBps >= fmath.BpsDenominator {
		fail("search.break_even_margin_bps out of range")
	}

	if _, err := fmath.ParseUSDRef(c.Profit.MinProfitUSD); err != nil {
		fail("profit.min_profit_usd: %v", err)
	}
	if v, err := fmath.ParseUSDRef(c.Profit.LoanAmountUSD); err != nil {
		fail("profit.loan_amount_usd: %v", err)
	} else if v.Sign() == 0 {
		fail("profit.loan_amount_usd must be positive")
	}
	if c.Profit.FlashloanFeeBps >= fmath.BpsDenominator {
		fail("profit.flashloan_fee_bps out of range")
	}
	if c.Profit.SlippageToleranceBps == 0 || c.Profit.SlippageToleranceBps >= fmath.BpsDenominator {
		fail("profit.slippage_tolerance_bps must be within (0, 10000)")
	}

	if !common.IsHexAddress(c.Flashloan.Receiver) {
		fail("flashloan.receiver must be a contract address")
	}
	if len(c.Flashloan.Providers) == 0 {
		fail("at least one flashloan provider must be configured")
	}
	for i, p := range c.Flashloan.Providers {
		if p.Name != "aave" && p.Name != "balancer" {
			fail("flashloan.providers[%d]: unknown provider %q", i, p.Name)
		}
		if p.Address != "" && !common.IsHexAddress(p.Address) {
			fail("flashloan provider %s: invalid address %q", p.Name, p.Address)
		}
		if p.FeeBps >= fmath.BpsDenominator {
			fail("flashloan provider %s: fee %d bps out of range", p.Name, p.FeeBps)
		}
		if p.MaxLoanUSD != "" {
			if _, err := fmath.ParseUSDRef(p.MaxLoanUSD); err != nil {
				fail("flashloan provider %s: max_loan_usd: %v", p.Name, err)
			}
		}
	}

	if c.Claims.WindowBlocks == 0 {
		fail("claims.window_blocks must be positive")
	}
	if c.Claims.TTLMS <= 0 {
		fail("claims.ttl_ms must be positive")
	}
	if c.Executor.WindowBlocks == 0 {
		fail("executor.window_blocks must be positive")
	}
	if c.Executor.StatusPollMS <= 0 {
		fail("executor.status_poll_ms must be positive")
	}
	if c.Gas.BaseFeeGwei < 0 || c.Gas.PriorityFeeGwei < 0 {
		fail("gas fees must not be negative")
	}
	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		fail("metrics.listen must be set when metrics are enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Native returns the symbol whose USD reference prices gas: the
// configured native token, or WETH when registered, or the base token.
func (c *Config) Native() string {
	if c.NativeTokenSymbol != "" {
		return c.NativeTokenSymbol
	}
	for _, t := range c.Tokens {
		if t.Symbol == "WETH" {
			return "WETH"
		}
	}
	return c.BaseTokenSymbol
}

// BuildTokens converts the token section into the graph's token table,
// preserving declaration order so node indices are stable.
func (c *Config) BuildTokens() ([]graph.Token, error) {
	tokens := make([]graph.Token, 0, len(c.Tokens))
	for _, t := range c.Tokens {
		ref, err := fmath.ParseUSDRef(t.USDPriceRef)
		if err != nil {
			return nil, fmt.Errorf("token %s: %w", t.Symbol, err)
		}
		tokens = append(tokens, graph.Token{
			Symbol:   t.Symbol,
			Address:  common.HexToAddress(t.Address),
			Decimals: t.Decimals,
			USDRef:   ref,
		})
	}
	return tokens, nil
}

// BuildPools converts the venue section into genesis pool states.
func (c *Config) BuildPools(tokens []graph.Token) ([]*graph.PoolState, error) {
	index := make(map[string]int32, len(tokens))
	for i, t := range tokens {
		index[t.Symbol] = int32(i)
	}
	pools := make([]*graph.PoolState, 0, len(c.Venues))
	for _, ven := range c.Venues {
		kind, err := graph.ParseVenueKind(ven.Kind)
		if err != nil {
			return nil, fmt.Errorf("venue %s: %w", ven.Name, err)
		}
		p := &graph.PoolState{
			ID:        ven.Name,
			Venue:     ven.Name,
			Address:   common.HexToAddress(ven.Address),
			Kind:      kind,
			Token0:    index[ven.Token0],
			Token1:    index[ven.Token1],
			FeeBps:    ven.FeeBps,
			AmpFactor: ven.AmpFactor,
			Tick:      ven.Tick,
		}
		if p.Reserve0, err = parseOptionalBig(ven.Reserve0); err != nil {
			return nil, fmt.Errorf("venue %s: reserve0: %w", ven.Name, err)
		}
		if p.Reserve1, err = parseOptionalBig(ven.Reserve1); err != nil {
			return nil, fmt.Errorf("venue %s: reserve1: %w", ven.Name, err)
		}
		if p.SqrtPriceX96, err = parseOptionalBig(ven.SqrtPriceX96); err != nil {
			return nil, fmt.Errorf("venue %s: sqrt_price_x96: %w", ven.Name, err)
		}
		if p.Liquidity, err = parseOptionalBig(ven.Liquidity); err != nil {
			return nil, fmt.Errorf("venue %s: liquidity: %w", ven.Name, err)
		}
		pools = append(pools, p)
	}
	return pools, nil
}

// ParseBig parses a decimal or 0x-prefixed hex integer string.
func ParseBig(s string) (*big.Int, error) {
	base := 10
	digits := s
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		base = 16
		digits = s[2:]
	}
	v, ok := new(big.Int).SetString(digits, base)
	if !ok {
		return nil, fmt.Errorf("invalid integer %q", s)
	}
	if v.Sign() < 0 {
		return nil, fmt.Errorf("negative value %q", s)
	}
	return v, nil
}

func parseOptionalBig(s string) (*big.Int, error) {
	if s == "" {
		return nil, nil
	}
	return ParseBig(s)
}
