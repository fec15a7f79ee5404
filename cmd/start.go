package cmd

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"os/signal"
	"sync"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/michaelpento.lv/arbengine/claims"
	"github.com/michaelpento.lv/arbengine/config"
	"github.com/michaelpento.lv/arbengine/executor"
	"github.com/michaelpento.lv/arbengine/flashloan"
	"github.com/michaelpento.lv/arbengine/gas"
	"github.com/michaelpento.lv/arbengine/graph"
	"github.com/michaelpento.lv/arbengine/ingest"
	"github.com/michaelpento.lv/arbengine/profit"
	"github.com/michaelpento.lv/arbengine/strategies/arbitrage"
	"github.com/michaelpento.lv/arbengine/utils"
	fmath "github.com/michaelpento.lv/arbengine/utils/math"
	"github.com/michaelpento.lv/arbengine/utils/metrics"
	"github.com/michaelpento.lv/arbengine/utils/monitor"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the arbitrage engine",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runStart(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(startCmd)
}

func runStart(parent context.Context) error {
	log := utils.GetLogger()
	defer log.Sync()

	if err := config.LoadEnv(); err != nil {
		return fmt.Errorf("load environment: %w", err)
	}
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	secrets, err := config.LoadSecureConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := metrics.NewRegistry()

	tokens, err := cfg.BuildTokens()
	if err != nil {
		return err
	}
	pools, err := cfg.BuildPools(tokens)
	if err != nil {
		return err
	}
	store, err := graph.NewStore(tokens, pools, 0, reg, log)
	if err != nil {
		return err
	}

	tracker := gas.New(cfg.Gas.BaseFeeWei(), cfg.Gas.PriorityFeeWei(),
		cfg.Gas.PerHopGas, cfg.Gas.FlashloanOverheadGas, reg, log)

	registry, err := claims.NewRegistry(cfg.Claims.Shards, cfg.Claims.TTL(), reg, log)
	if err != nil {
		return err
	}

	providers, err := buildProviders(cfg, tokens)
	if err != nil {
		return err
	}
	manager, err := flashloan.NewManager(providers, reg, log)
	if err != nil {
		return err
	}

	estimator, err := buildEstimator(cfg, tokens, manager)
	if err != nil {
		return err
	}

	feeds := make([]ingest.Feed, 0, len(cfg.Feeds))
	for _, f := range cfg.Feeds {
		feeds = append(feeds, ingest.NewWSFeed(f.Name, f.URL, secrets.FeedAuthToken))
	}
	adapter, err := ingest.NewAdapter(store, tracker, feeds, reg, log)
	if err != nil {
		return err
	}

	engine, err := arbitrage.NewEngine(store, tracker, estimator, registry, arbitrage.Config{
		MaxHops:            cfg.Search.MaxHops,
		Deadline:           cfg.Search.Deadline(),
		BreakEvenMarginBps: cfg.Search.BreakEvenMarginBps,
		Workers:            cfg.Search.Workers,
		QueueSize:          cfg.Search.QueueSize,
		PinWorkers:         cfg.Search.PinWorkers,
		ClaimWindowBlocks:  cfg.Claims.WindowBlocks,
	}, reg, log)
	if err != nil {
		return err
	}

	authKey, err := executor.ParseAuthKey(secrets.RelayAuthKey)
	if err != nil {
		return err
	}
	signer, err := executor.NewBundleSigner(secrets.BundleBLSKey)
	if err != nil {
		return err
	}
	relays := make([]executor.RelayClient, 0, len(cfg.Relays))
	for _, r := range cfg.Relays {
		relay, rerr := executor.NewHTTPRelay(r.Name, r.URL, authKey, r.RateLimit, r.Burst, log)
		if rerr != nil {
			return rerr
		}
		relays = append(relays, relay)
	}
	builder, err := executor.NewBundleBuilder(manager, tracker, tokens,
		common.HexToAddress(cfg.Flashloan.Receiver), cfg.Profit.SlippageToleranceBps)
	if err != nil {
		return err
	}
	coordinator, err := executor.NewCoordinator(store, estimator, registry, tracker,
		builder, signer, relays, engine.Opportunities(), adapter.Heads(), executor.Config{
			WindowBlocks: cfg.Executor.WindowBlocks,
			StatusPoll:   cfg.Executor.StatusPoll(),
			Grace:        cfg.Executor.Grace(),
		}, reg, log)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	errCh := make(chan error, 8)
	launch := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("component failed", zap.String("component", name), zap.Error(err))
				select {
				case errCh <- fmt.Errorf("%s: %w", name, err):
				default:
				}
				stop()
			}
		}()
	}

	launch("graph store", store.Run)
	launch("claim registry", registry.Run)
	launch("feed adapter", adapter.Run)
	launch("search engine", engine.Run)
	launch("execution coordinator", coordinator.Run)
	if cfg.Metrics.Enabled {
		launch("metrics server", metrics.NewServer(cfg.Metrics.Listen, reg, log).Run)
	}
	sysmon := monitor.NewSystemMonitor(ctx, reg, log, 0)
	defer sysmon.Cleanup()

	go func() {
		for o := range coordinator.Results() {
			log.Debug("opportunity settled",
				zap.String("id", o.ID),
				zap.String("state", o.State.String()),
				zap.String("reason", o.Reason),
				zap.String("net", o.Net.String()))
		}
	}()

	log.Info("arbengine started",
		zap.Uint64("chain_id", cfg.ChainID),
		zap.Int("tokens", len(tokens)),
		zap.Int("pools", len(pools)),
		zap.Int("feeds", len(feeds)),
		zap.Int("relays", len(relays)))

	<-ctx.Done()
	log.Info("shutting down")
	wg.Wait()

	select {
	case err := <-errCh:
		return err
	default:
		return nil
	}
}

// buildEstimator converts the USD-denominated profit settings into base
// token units pinned at startup.
func buildEstimator(cfg *config.Config, tokens []graph.Token, manager *flashloan.Manager) (*profit.Estimator, error) {
	base := tokenIndex(tokens, cfg.BaseTokenSymbol)
	native := tokenIndex(tokens, cfg.Native())
	if base < 0 || native < 0 {
		return nil, fmt.Errorf("base token %s or native token %s not registered", cfg.BaseTokenSymbol, cfg.Native())
	}
	loanUSD, err := fmath.ParseUSDRef(cfg.Profit.LoanAmountUSD)
	if err != nil {
		return nil, err
	}
	minUSD, err := fmath.ParseUSDRef(cfg.Profit.MinProfitUSD)
	if err != nil {
		return nil, err
	}
	bt := tokens[base]
	return profit.New(tokens, profit.Params{
		BaseToken:      base,
		NativeToken:    native,
		LoanAmount:     fmath.USDToUnits(loanUSD, bt.Decimals, bt.USDRef),
		MinProfit:      fmath.USDToUnits(minUSD, bt.Decimals, bt.USDRef),
		FallbackFeeBps: cfg.Profit.FlashloanFeeBps,
		SlippageBps:    cfg.Profit.SlippageToleranceBps,
	}, manager)
}

func buildProviders(cfg *config.Config, tokens []graph.Token) ([]flashloan.Provider, error) {
	providers := make([]flashloan.Provider, 0, len(cfg.Flashloan.Providers))
	for _, pc := range cfg.Flashloan.Providers {
		caps, err := providerCaps(pc.MaxLoanUSD, tokens)
		if err != nil {
			return nil, fmt.Errorf("flashloan provider %s: %w", pc.Name, err)
		}
		var addr common.Address
		if pc.Address != "" {
			addr = common.HexToAddress(pc.Address)
		}
		var p flashloan.Provider
		switch pc.Name {
		case "aave":
			p, err = flashloan.NewAave(addr, pc.FeeBps, caps)
		case "balancer":
			p, err = flashloan.NewBalancer(addr, caps)
		default:
			err = fmt.Errorf("unknown flashloan provider %q", pc.Name)
		}
		if err != nil {
			return nil, err
		}
		providers = append(providers, p)
	}
	return providers, nil
}

// providerCaps projects a USD draw cap into per-token native units,
// skipping tokens without a USD reference.
func providerCaps(maxLoanUSD string, tokens []graph.Token) (map[common.Address]*big.Int, error) {
	if maxLoanUSD == "" {
		return nil, nil
	}
	capUSD, err := fmath.ParseUSDRef(maxLoanUSD)
	if err != nil {
		return nil, err
	}
	caps := make(map[common.Address]*big.Int, len(tokens))
	for _, t := range tokens {
		if t.USDRef == nil || t.USDRef.Sign() == 0 {
			continue
		}
		caps[t.Address] = fmath.USDToUnits(capUSD, t.Decimals, t.USDRef)
	}
	return caps, nil
}

func tokenIndex(tokens []graph.Token, symbol string) int32 {
	for i, t := range tokens {
		if t.Symbol == symbol {
			return int32(i)
		}
	}
	return -1
}
