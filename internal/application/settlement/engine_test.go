package settlement_test

import (
	"context"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/alejandrodnm/oraclebot/internal/application/settlement"
	"github.com/alejandrodnm/oraclebot/internal/domain"
	"github.com/alejandrodnm/oraclebot/internal/ports"
)

type fakeMarket struct {
	mu         sync.Mutex
	timeframes []*big.Int
	rounds     []domain.RoundData
	roundsErr  error

	roundsCalls  int
	executeCalls int
	lastPrice    *big.Int
}

func (m *fakeMarket) ExecutableTimeframes(ctx context.Context, minuteStart int64) ([]*big.Int, error) {
	return m.timeframes, nil
}

func (m *fakeMarket) CurrentRounds(ctx context.Context, tfs []*big.Int) ([]domain.RoundData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.roundsCalls++
	return m.rounds, m.roundsErr
}

func (m *fakeMarket) ExecuteCurrentRound(ctx context.Context, tfs []*big.Int, price *big.Int, minuteStart int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executeCalls++
	m.lastPrice = price
	return nil
}

type fakeRef struct {
	price float64
	ok    bool
}

func (r fakeRef) Price(domain.Symbol) (domain.ReferencePrice, bool) {
	return domain.ReferencePrice{Price: r.price, UpdatedAt: time.Now()}, r.ok
}

var _ ports.MarketContract = (*fakeMarket)(nil)

const testMinute = int64(1_700_000_040_000)

func newEngine(market *fakeMarket, ref fakeRef) *settlement.Engine {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	markets := map[domain.Symbol][]settlement.MarketTarget{
		domain.BTCUSD: {{Network: "arbitrum", Contract: "0xabc", Market: market}},
	}
	return settlement.New(ref, markets, 3.0, log)
}

func TestEngine_ExecutesWithFullConsensus(t *testing.T) {
	market := &fakeMarket{timeframes: []*big.Int{big.NewInt(1)}}
	e := newEngine(market, fakeRef{price: 50_000, ok: true})

	e.Settle(context.Background(), domain.BTCUSD, 50_010, testMinute, nil)

	assert.Equal(t, 1, market.executeCalls)
	// Sin exchanges caídos el gate ni se consulta
	assert.Equal(t, 0, market.roundsCalls)
	assert.Equal(t, domain.ToFixedPoint(50_010), market.lastPrice)
}

func TestEngine_VetoesNegativeProfitWithoutBinance(t *testing.T) {
	market := &fakeMarket{
		timeframes: []*big.Int{big.NewInt(1)},
		rounds: []domain.RoundData{{
			// Precio por encima del lock: ganan los bulls, que apostaron más
			LockPrice:  domain.ToFixedPoint(49_000),
			BullAmount: big.NewInt(1_000),
			BearAmount: big.NewInt(100),
		}},
	}
	e := newEngine(market, fakeRef{price: 50_000, ok: true})

	e.Settle(context.Background(), domain.BTCUSD, 50_010, testMinute,
		[]domain.Source{domain.SourceBinance})

	assert.Equal(t, 1, market.roundsCalls)
	assert.Equal(t, 0, market.executeCalls, "resultado negativo sin Binance debe vetarse")
}

func TestEngine_AllowsProfitableRoundWithoutBinance(t *testing.T) {
	market := &fakeMarket{
		timeframes: []*big.Int{big.NewInt(1)},
		rounds: []domain.RoundData{{
			LockPrice:  domain.ToFixedPoint(49_000),
			BullAmount: big.NewInt(100),
			BearAmount: big.NewInt(1_000),
		}},
	}
	e := newEngine(market, fakeRef{price: 50_000, ok: true})

	e.Settle(context.Background(), domain.BTCUSD, 50_010, testMinute,
		[]domain.Source{domain.SourceBinance})

	assert.Equal(t, 1, market.executeCalls)
}

func TestEngine_SkipsGateWithTwoFailures(t *testing.T) {
	market := &fakeMarket{timeframes: []*big.Int{big.NewInt(1)}}
	e := newEngine(market, fakeRef{price: 50_000, ok: true})

	e.Settle(context.Background(), domain.BTCUSD, 50_010, testMinute,
		[]domain.Source{domain.SourceBinance, domain.SourceKraken})

	assert.Equal(t, 0, market.roundsCalls, "con dos caídos el gate no aplica")
	assert.Equal(t, 1, market.executeCalls)
}

func TestEngine_GateVetoesWhenRoundsUnreadable(t *testing.T) {
	market := &fakeMarket{
		timeframes: []*big.Int{big.NewInt(1)},
		roundsErr:  context.DeadlineExceeded,
	}
	e := newEngine(market, fakeRef{price: 50_000, ok: true})

	e.Settle(context.Background(), domain.BTCUSD, 50_010, testMinute,
		[]domain.Source{domain.SourceBinance})

	assert.Equal(t, 0, market.executeCalls)
}

func TestEngine_AbortsOnImplausiblePrice(t *testing.T) {
	market := &fakeMarket{timeframes: []*big.Int{big.NewInt(1)}}
	// 10% de desviación contra la referencia, tolerancia 3%
	e := newEngine(market, fakeRef{price: 50_000, ok: true})

	e.Settle(context.Background(), domain.BTCUSD, 55_000, testMinute, nil)

	assert.Equal(t, 0, market.executeCalls)
}

func TestEngine_ProceedsWithoutReference(t *testing.T) {
	market := &fakeMarket{timeframes: []*big.Int{big.NewInt(1)}}
	e := newEngine(market, fakeRef{ok: false})

	e.Settle(context.Background(), domain.BTCUSD, 55_000, testMinute, nil)

	assert.Equal(t, 1, market.executeCalls, "sin referencia el sanity check no bloquea")
}

func TestEngine_ExecutesDegradedMinuteWithoutTouchingIt(t *testing.T) {
	// Un minuto que perdió a OKX se liquida igual (el gate solo mira a
	// Binance), y su marca de degradación no se retoca: el settlement lee
	// precios, nunca reescribe velas.
	market := &fakeMarket{timeframes: []*big.Int{big.NewInt(1)}}
	e := newEngine(market, fakeRef{price: 50_000, ok: true})

	e.Settle(context.Background(), domain.BTCUSD, 50_010, testMinute,
		[]domain.Source{domain.SourceOKX})

	assert.Equal(t, 1, market.executeCalls)
	assert.Equal(t, 0, market.roundsCalls)
}
