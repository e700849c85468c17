package settlement

// Motor de settlement: recibe el precio de consenso de un símbolo y lo
// ejecuta contra todos sus contratos de mercado en paralelo, con dos
// válvulas de seguridad por delante:
//
//   1. Sanity check contra el precio on-chain de referencia: si el consenso
//      se desvía más del porcentaje tolerado, ese minuto no se liquida.
//      Protege contra un consenso envenenado por datos corruptos.
//   2. Profitability gate: con exactamente un exchange caído y siendo ese
//      Binance (la fuente de mayor peso), se lee el estado de los rounds y
//      se veta la ejecución si el resultado agregado es negativo. Un precio
//      calculado sin la fuente dominante solo ejecuta si no puede hacer daño.

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"math/big"
	"sync"

	"github.com/alejandrodnm/oraclebot/internal/domain"
	"github.com/alejandrodnm/oraclebot/internal/ports"
)

// MarketTarget es un contrato ejecutable con sus etiquetas para logging.
type MarketTarget struct {
	Network  string
	Contract string
	Market   ports.MarketContract
}

// Engine implementa ports.Settler. Es un consumidor puro del store: lee el
// precio que le pasan y nunca reescribe velas, la degradación de un minuto
// queda registrada tal cual ocurrió.
type Engine struct {
	ref          ports.ReferenceFeed
	markets      map[domain.Symbol][]MarketTarget
	tolerancePct float64
	log          *slog.Logger
}

// New construye el motor. markets mapea cada símbolo a sus contratos; un
// símbolo sin contratos simplemente no liquida nada.
func New(ref ports.ReferenceFeed, markets map[domain.Symbol][]MarketTarget, tolerancePct float64, log *slog.Logger) *Engine {
	return &Engine{
		ref:          ref,
		markets:      markets,
		tolerancePct: tolerancePct,
		log:          log,
	}
}

// Settle valida el precio y lo ejecuta contra cada contrato del símbolo en
// paralelo. Nunca devuelve error: un settlement fallido se loguea y el
// ciclo del minuto siguiente continúa.
func (e *Engine) Settle(ctx context.Context, sym domain.Symbol, price float64, minuteStart int64, failed []domain.Source) {
	targets := e.markets[sym]
	if len(targets) == 0 {
		return
	}

	if !e.plausible(sym, price) {
		return
	}

	fixedPrice := domain.ToFixedPoint(price)

	var wg sync.WaitGroup
	for _, t := range targets {
		wg.Add(1)
		go func(t MarketTarget) {
			defer wg.Done()
			e.settleOne(ctx, t, sym, fixedPrice, minuteStart, failed)
		}(t)
	}
	wg.Wait()
}

// plausible compara el consenso con el último precio on-chain conocido.
// Sin referencia disponible se deja pasar: el feed es best-effort y parar
// el settlement por su ausencia sería un denial of service gratuito.
func (e *Engine) plausible(sym domain.Symbol, price float64) bool {
	ref, ok := e.ref.Price(sym)
	if !ok || ref.Price <= 0 {
		return true
	}
	diffPct := math.Abs(price-ref.Price) / ref.Price * 100
	if diffPct > e.tolerancePct {
		e.log.Error("precio de consenso fuera de tolerancia, settlement abortado",
			"symbol", sym, "consensus", price, "reference", ref.Price,
			"diff_pct", diffPct, "err", domain.ErrPriceImplausible)
		return false
	}
	return true
}

func (e *Engine) settleOne(ctx context.Context, t MarketTarget, sym domain.Symbol, price *big.Int, minuteStart int64, failed []domain.Source) {
	log := e.log.With("symbol", sym, "network", t.Network, "contract", t.Contract)

	timeframes, err := t.Market.ExecutableTimeframes(ctx, minuteStart)
	if err != nil {
		if errors.Is(err, domain.ErrNoTimeframes) {
			log.Debug("sin timeframes ejecutables este minuto", "err", err)
		} else {
			log.Error("descubrimiento de timeframes falló", "err", err)
		}
		return
	}

	if e.vetoed(ctx, t, log, price, timeframes, failed) {
		return
	}

	if err := t.Market.ExecuteCurrentRound(ctx, timeframes, price, minuteStart); err != nil {
		log.Error("ejecución de settlement falló", "err", err)
	}
}

// vetoed aplica el profitability gate: solo con exactamente un exchange
// caído y siendo ese Binance. Con dos o más caídos el precio ya viene de
// una ventana degradada que el agregador controló por su cuenta.
func (e *Engine) vetoed(ctx context.Context, t MarketTarget, log *slog.Logger, price *big.Int, timeframes []*big.Int, failed []domain.Source) bool {
	if len(failed) >= 2 || !containsSource(failed, domain.SourceBinance) {
		return false
	}

	rounds, err := t.Market.CurrentRounds(ctx, timeframes)
	if err != nil {
		// Si no se puede verificar la rentabilidad, no se ejecuta.
		log.Warn("lectura de rounds para el gate falló, settlement vetado", "err", err)
		return true
	}
	profit := domain.ProfitableAmount(price, rounds)
	if profit.Sign() < 0 {
		log.Warn("settlement vetado: ejecutar sin Binance daría resultado negativo",
			"profit", profit.String())
		return true
	}
	return false
}

func containsSource(list []domain.Source, s domain.Source) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
