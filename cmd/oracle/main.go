package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alejandrodnm/oraclebot/config"
	"github.com/alejandrodnm/oraclebot/internal/adapters/chain"
	"github.com/alejandrodnm/oraclebot/internal/adapters/exchange"
	"github.com/alejandrodnm/oraclebot/internal/adapters/storage"
	"github.com/alejandrodnm/oraclebot/internal/application/aggregator"
	"github.com/alejandrodnm/oraclebot/internal/application/healer"
	"github.com/alejandrodnm/oraclebot/internal/application/settlement"
	"github.com/alejandrodnm/oraclebot/internal/domain"
	"github.com/alejandrodnm/oraclebot/internal/ports"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	once := flag.Bool("once", false, "run one cycle and exit")
	report := flag.Bool("report", false, "print recent consensus candles and provider health")
	verbose := flag.Bool("verbose", false, "set log level to debug")
	logFormat := flag.String("format", "", "log format: text|json (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err, "path", *configPath)
		os.Exit(1)
	}

	if *verbose {
		cfg.Log.Level = "debug"
	}
	if *logFormat != "" {
		cfg.Log.Format = *logFormat
	}
	setupLogger(cfg.Log)
	log := slog.Default()

	store, err := storage.New(cfg.Storage.DSN, cfg.SignKey, cfg.Decimals, cfg.Oracle.RetentionDays, log)
	if err != nil {
		slog.Error("failed to open storage", "err", err, "dsn", cfg.Storage.DSN)
		os.Exit(1)
	}
	defer store.Close()

	if *report {
		runReport(store, cfg)
		return
	}

	symbols := cfg.SymbolList()

	slog.Info("oraclebot starting",
		"config", *configPath,
		"symbols", len(symbols),
		"exchanges", len(cfg.Exchanges),
		"networks", len(cfg.Networks),
		"once", *once,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	providers := buildProviders(cfg)

	feed, err := chain.NewReferenceFeed(feedSpecs(cfg), cfg.ReferenceInterval(), log)
	if err != nil {
		slog.Error("failed to start reference feed", "err", err)
		os.Exit(1)
	}
	go feed.Run(ctx)

	markets := buildMarkets(cfg, symbols, log)
	engine := settlement.New(feed, markets, cfg.Oracle.PriceTolerancePct, log)
	heal := healer.New(symbols, providers, store, cfg.Oracle.DegradedThreshold, log)

	agg := aggregator.New(aggregator.Config{
		Symbols:           symbols,
		RetryCount:        cfg.Oracle.RetryCount,
		FetchCutoffSecond: cfg.Oracle.FetchCutoffSecond,
		DegradedThreshold: cfg.Oracle.DegradedThreshold,
		JitterMin:         time.Duration(cfg.Oracle.JitterMinMS) * time.Millisecond,
		JitterMax:         time.Duration(cfg.Oracle.JitterMaxMS) * time.Millisecond,
	}, providers, store, engine, log, aggregator.WithHealer(heal))

	if *once {
		agg.RunCycle(ctx)
		return
	}
	if err := agg.Run(ctx); err != nil {
		slog.Error("aggregator exited with error", "err", err)
		os.Exit(1)
	}

	slog.Info("oraclebot stopped cleanly")
}

// buildProviders monta un adapter por exchange configurado. Un exchange sin
// base_url se omite con aviso en vez de tumbar el arranque.
func buildProviders(cfg *config.Config) []ports.QuoteProvider {
	var providers []ports.QuoteProvider
	for name, ex := range cfg.Exchanges {
		if ex.BaseURL == "" {
			slog.Warn("exchange sin base_url, se omite", "exchange", name)
			continue
		}
		opts := exchange.Options{
			BaseURL:      ex.BaseURL,
			Ticks:        ex.Ticks,
			RPS:          ex.RPS,
			PollInterval: time.Duration(cfg.Oracle.PollIntervalMS) * time.Millisecond,
			CutoffSecond: cfg.Oracle.FetchCutoffSecond,
		}
		switch name {
		case "binance":
			providers = append(providers, exchange.NewBinance(opts))
		case "kraken":
			providers = append(providers, exchange.NewKraken(opts))
		case "okx":
			providers = append(providers, exchange.NewOKX(opts))
		case "bybit":
			providers = append(providers, exchange.NewByBit(opts))
		default:
			slog.Warn("exchange desconocido en config", "exchange", name)
		}
	}
	return providers
}

// feedSpecs resuelve cada feed de referencia contra el pool RPC de su network.
func feedSpecs(cfg *config.Config) []chain.FeedSpec {
	rpcByName := make(map[string][]string, len(cfg.Networks))
	for _, n := range cfg.Networks {
		rpcByName[n.Name] = n.RPC
	}
	var specs []chain.FeedSpec
	for _, f := range cfg.Feeds {
		endpoints := rpcByName[f.Network]
		if len(endpoints) == 0 {
			slog.Warn("feed sin network conocida, se omite", "symbol", f.Symbol, "network", f.Network)
			continue
		}
		specs = append(specs, chain.FeedSpec{
			Symbol:    domain.Symbol(f.Symbol),
			Address:   f.Address,
			Endpoints: endpoints,
		})
	}
	return specs
}

// buildMarkets monta un contrato ejecutable por cada (symbol, network,
// address) configurado. Un contrato sin signer key o sin RPC alcanzable se
// omite: el resto del oráculo sigue funcionando como feed de datos.
func buildMarkets(cfg *config.Config, symbols []domain.Symbol, log *slog.Logger) map[domain.Symbol][]settlement.MarketTarget {
	markets := make(map[domain.Symbol][]settlement.MarketTarget)
	for _, sym := range symbols {
		for _, net := range cfg.NetworksFor(sym) {
			keys := config.SignerKeys(sym, net.Name)
			for _, addr := range net.Markets[string(sym)] {
				m, err := chain.NewMarket(chain.MarketOptions{
					Network:  net.Name,
					ChainID:  net.ChainID,
					Address:  addr,
					RPC:      net.RPC,
					Keys:     keys,
					Deadline: net.TimeframeDeadlineSecond,
					Cutoff:   cfg.Oracle.SettleCutoffSecond,
					Log:      log,
				})
				if err != nil {
					slog.Warn("contrato de mercado no disponible, se omite",
						"symbol", sym, "network", net.Name, "contract", addr, "err", err)
					continue
				}
				markets[sym] = append(markets[sym], settlement.MarketTarget{
					Network:  net.Name,
					Contract: addr,
					Market:   m,
				})
			}
		}
	}
	return markets
}

func setupLogger(cfg config.LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
