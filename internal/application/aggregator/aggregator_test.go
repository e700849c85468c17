package aggregator_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/oraclebot/internal/application/aggregator"
	"github.com/alejandrodnm/oraclebot/internal/application/settlement"
	"github.com/alejandrodnm/oraclebot/internal/domain"
	"github.com/alejandrodnm/oraclebot/internal/ports"
)

// cycleNow es un instante fijo a mitad de minuto: segundo 5, muy por debajo
// del cutoff.
var cycleNow = time.UnixMilli(1_700_000_100_000).Add(5 * time.Second).UTC()

var targetMinute = domain.MinuteOf(cycleNow) - domain.MinuteMS

func fixedClock() func() time.Time {
	return func() time.Time { return cycleNow }
}

// steppingClock avanza el reloj en cada lectura. El fan-out reintenta hasta
// el cutoff, así que los tests con exchanges caídos de forma permanente
// necesitan que el minuto avance de verdad.
func steppingClock(step time.Duration) func() time.Time {
	var mu sync.Mutex
	cur := cycleNow
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		cur = cur.Add(step)
		return cur
	}
}

type fakeProvider struct {
	name  domain.Source
	close float64
	vol   float64
	err   error
}

func (p *fakeProvider) Name() domain.Source          { return p.name }
func (p *fakeProvider) Supports(domain.Symbol) bool  { return true }
func (p *fakeProvider) Fetch(ctx context.Context, sym domain.Symbol, minuteStart int64) (domain.QuoteResult, error) {
	if p.err != nil {
		return domain.QuoteResult{}, p.err
	}
	return domain.QuoteResult{
		Symbol: sym,
		Source: p.name,
		Time:   minuteStart,
		Open:   p.close - 10,
		High:   p.close + 5,
		Low:    p.close - 15,
		Close:  p.close,
		Volume: p.vol,
	}, nil
}

type memStore struct {
	mu       sync.Mutex
	candles  map[string]domain.Candle
	volumes  map[domain.Source]float64
	cloned   int
	cycles   []domain.CycleSummary
}

func newMemStore() *memStore {
	return &memStore{
		candles: make(map[string]domain.Candle),
		volumes: make(map[domain.Source]float64),
	}
}

func key(sym domain.Symbol, t int64, src domain.Source) string {
	return fmt.Sprintf("%s|%d|%s", sym, t, src)
}

func (s *memStore) Save(ctx context.Context, c domain.Candle) (domain.Candle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.Signature = "test"
	s.candles[key(c.Symbol, c.Time, c.Source)] = c
	return c, nil
}

func (s *memStore) GetConsensus(ctx context.Context, sym domain.Symbol, t int64) (*domain.Candle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.candles[key(sym, t, domain.SourceDefault)]; ok {
		return &c, nil
	}
	return nil, nil
}

func (s *memStore) FindRange(context.Context, domain.Symbol, int64, int64) ([]domain.Candle, error) {
	return nil, nil
}

func (s *memStore) CurrentPrice(ctx context.Context, sym domain.Symbol, minuteMS int64) (float64, error) {
	c, err := s.GetConsensus(ctx, sym, minuteMS-domain.MinuteMS)
	if err != nil || c == nil {
		return 0, fmt.Errorf("no price")
	}
	return c.Close, nil
}

func (s *memStore) ClonePrev(ctx context.Context, sym domain.Symbol, t int64) (*domain.Candle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.candles[key(sym, t-domain.MinuteMS, domain.SourceDefault)]
	if !ok {
		return nil, nil
	}
	clone := prev
	clone.Time = t
	clone.IsCloned = true
	s.candles[key(sym, t, domain.SourceDefault)] = clone
	s.cloned++
	return &clone, nil
}

func (s *memStore) ClonedTimes(context.Context) ([]int64, error) { return nil, nil }

func (s *memStore) TrailingVolume(ctx context.Context, sym domain.Symbol, src domain.Source, count int) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.volumes[src], nil
}

func (s *memStore) SaveCycle(ctx context.Context, cy domain.CycleSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cycles = append(s.cycles, cy)
	return nil
}

func (s *memStore) Close() error { return nil }

var _ ports.CandleStore = (*memStore)(nil)

type fakeSettler struct {
	mu     sync.Mutex
	calls  []settleCall
}

type settleCall struct {
	sym    domain.Symbol
	price  float64
	minute int64
	failed []domain.Source
}

func (s *fakeSettler) Settle(ctx context.Context, sym domain.Symbol, price float64, minuteStart int64, failed []domain.Source) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, settleCall{sym, price, minuteStart, failed})
}

func newAggregator(providers []ports.QuoteProvider, store *memStore, settler ports.Settler, now func() time.Time) *aggregator.Aggregator {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := aggregator.Config{
		Symbols:           []domain.Symbol{domain.BTCUSD},
		RetryCount:        2,
		FetchCutoffSecond: 30,
		DegradedThreshold: 3,
		JitterMin:         time.Millisecond,
		JitterMax:         2 * time.Millisecond,
	}
	return aggregator.New(cfg, providers, store, settler, log, aggregator.WithNow(now))
}

func TestRunCycle_WeightedConsensus(t *testing.T) {
	providers := []ports.QuoteProvider{
		&fakeProvider{name: domain.SourceBinance, close: 100, vol: 1},
		&fakeProvider{name: domain.SourceKraken, close: 110, vol: 2},
		&fakeProvider{name: domain.SourceOKX, close: 120, vol: 3},
		&fakeProvider{name: domain.SourceByBit, close: 130, vol: 4},
	}
	store := newMemStore()
	store.volumes = map[domain.Source]float64{
		domain.SourceBinance: 10,
		domain.SourceKraken:  20,
		domain.SourceOKX:     30,
		domain.SourceByBit:   0,
	}
	settler := &fakeSettler{}

	newAggregator(providers, store, settler, fixedClock()).RunCycle(context.Background())

	c, err := store.GetConsensus(context.Background(), domain.BTCUSD, targetMinute)
	require.NoError(t, err)
	require.NotNil(t, c)
	// (10·100 + 20·110 + 30·120 + 0·130) / 60 = 113.33…
	assert.InDelta(t, 113.3333, c.Close, 0.001)
	assert.InDelta(t, 10, c.Volume, 0.001)
	assert.False(t, c.IsCloned)
	assert.Empty(t, c.ProviderStatuses)

	// Las velas por exchange también quedan persistidas
	for _, src := range domain.Exchanges() {
		_, ok := store.candles[key(domain.BTCUSD, targetMinute, src)]
		assert.True(t, ok, "falta la vela de %s", src)
	}

	// El settlement recibe el minuto ACTUAL, no el procesado
	require.Len(t, settler.calls, 1)
	assert.Equal(t, domain.MinuteOf(cycleNow), settler.calls[0].minute)
	assert.InDelta(t, c.Close, settler.calls[0].price, 0.001)
	assert.Empty(t, settler.calls[0].failed)

	require.Len(t, store.cycles, 1)
	assert.Equal(t, 1, store.cycles[0].Settled)
}

func TestRunCycle_StitchesOpenWithPrevClose(t *testing.T) {
	providers := []ports.QuoteProvider{
		&fakeProvider{name: domain.SourceBinance, close: 100, vol: 1},
		&fakeProvider{name: domain.SourceKraken, close: 100, vol: 1},
		&fakeProvider{name: domain.SourceOKX, close: 100, vol: 1},
		&fakeProvider{name: domain.SourceByBit, close: 100, vol: 1},
	}
	store := newMemStore()
	_, err := store.Save(context.Background(), domain.Candle{
		Symbol: domain.BTCUSD,
		Time:   targetMinute - domain.MinuteMS,
		Source: domain.SourceDefault,
		Close:  150,
		High:   150,
	})
	require.NoError(t, err)

	newAggregator(providers, store, nil, fixedClock()).RunCycle(context.Background())

	c, err := store.GetConsensus(context.Background(), domain.BTCUSD, targetMinute)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.InDelta(t, 150, c.Open, 0.001, "el open empalma con el close anterior")
	assert.InDelta(t, 150, c.High, 0.001, "el high se ensancha hasta el open")

	// Sin settler no hay nada que contar como liquidado
	require.Len(t, store.cycles, 1)
	assert.Equal(t, 0, store.cycles[0].Settled)
}

func TestRunCycle_DegradedWindowClones(t *testing.T) {
	providers := []ports.QuoteProvider{
		&fakeProvider{name: domain.SourceBinance, close: 100, vol: 1},
		&fakeProvider{name: domain.SourceKraken, err: domain.ErrQuoteUnavailable},
		&fakeProvider{name: domain.SourceOKX, err: domain.ErrQuoteUnavailable},
		&fakeProvider{name: domain.SourceByBit, err: domain.ErrQuoteUnavailable},
	}
	store := newMemStore()
	_, err := store.Save(context.Background(), domain.Candle{
		Symbol: domain.BTCUSD,
		Time:   targetMinute - domain.MinuteMS,
		Source: domain.SourceDefault,
		Close:  150,
	})
	require.NoError(t, err)
	settler := &fakeSettler{}

	newAggregator(providers, store, settler, steppingClock(2*time.Second)).RunCycle(context.Background())

	c, err := store.GetConsensus(context.Background(), domain.BTCUSD, targetMinute)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.True(t, c.IsCloned)
	assert.InDelta(t, 150, c.Close, 0.001)
	assert.Empty(t, settler.calls, "una vela clonada no liquida")

	require.Len(t, store.cycles, 1)
	assert.Equal(t, 1, store.cycles[0].Cloned)
	assert.Len(t, store.cycles[0].Failed, 3)
}

func TestRunCycle_PartialFailureStillSettles(t *testing.T) {
	providers := []ports.QuoteProvider{
		&fakeProvider{name: domain.SourceBinance, close: 100, vol: 1},
		&fakeProvider{name: domain.SourceKraken, close: 100, vol: 1},
		&fakeProvider{name: domain.SourceOKX, close: 100, vol: 1},
		&fakeProvider{name: domain.SourceByBit, err: domain.ErrQuoteUnavailable},
	}
	store := newMemStore()
	settler := &fakeSettler{}

	newAggregator(providers, store, settler, steppingClock(2*time.Second)).RunCycle(context.Background())

	c, err := store.GetConsensus(context.Background(), domain.BTCUSD, targetMinute)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.False(t, c.IsCloned)
	assert.Equal(t, []domain.Source{domain.SourceByBit}, c.ProviderStatuses)

	require.Len(t, settler.calls, 1)
	assert.Equal(t, []domain.Source{domain.SourceByBit}, settler.calls[0].failed)
}

// flakyProvider falla con errores de transporte las primeras N llamadas y
// después responde con normalidad.
type flakyProvider struct {
	fakeProvider
	mu       sync.Mutex
	failures int
}

func (p *flakyProvider) Fetch(ctx context.Context, sym domain.Symbol, minuteStart int64) (domain.QuoteResult, error) {
	p.mu.Lock()
	if p.failures > 0 {
		p.failures--
		p.mu.Unlock()
		return domain.QuoteResult{}, fmt.Errorf("dial tcp: connection refused")
	}
	p.mu.Unlock()
	return p.fakeProvider.Fetch(ctx, sym, minuteStart)
}

func TestRunCycle_RetriesTransientErrorsUntilCutoff(t *testing.T) {
	// Cinco errores seguidos exceden de sobra los reintentos de una pasada:
	// el fan-out tiene que seguir insistiendo mientras quede minuto.
	flaky := &flakyProvider{
		fakeProvider: fakeProvider{name: domain.SourceKraken, close: 100, vol: 1},
		failures:     5,
	}
	providers := []ports.QuoteProvider{
		&fakeProvider{name: domain.SourceBinance, close: 100, vol: 1},
		flaky,
		&fakeProvider{name: domain.SourceOKX, close: 100, vol: 1},
		&fakeProvider{name: domain.SourceByBit, close: 100, vol: 1},
	}
	store := newMemStore()
	settler := &fakeSettler{}

	newAggregator(providers, store, settler, fixedClock()).RunCycle(context.Background())

	c, err := store.GetConsensus(context.Background(), domain.BTCUSD, targetMinute)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.False(t, c.IsCloned)
	assert.Empty(t, c.ProviderStatuses, "un exchange recuperado antes del cutoff no cuenta como caído")

	require.Len(t, store.cycles, 1)
	assert.Empty(t, store.cycles[0].Failed)
}

type fakeMarket struct {
	mu           sync.Mutex
	executeCalls int
}

func (m *fakeMarket) ExecutableTimeframes(ctx context.Context, minuteStart int64) ([]*big.Int, error) {
	return []*big.Int{big.NewInt(1)}, nil
}

func (m *fakeMarket) CurrentRounds(ctx context.Context, tfs []*big.Int) ([]domain.RoundData, error) {
	return nil, nil
}

func (m *fakeMarket) ExecuteCurrentRound(ctx context.Context, tfs []*big.Int, price *big.Int, minuteStart int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executeCalls++
	return nil
}

type noRef struct{}

func (noRef) Price(domain.Symbol) (domain.ReferencePrice, bool) {
	return domain.ReferencePrice{}, false
}

func TestRunCycle_SettlementKeepsDegradedMark(t *testing.T) {
	// Ciclo completo con el motor de settlement real: liquidar un minuto
	// degradado no borra su registro de exchanges ausentes.
	providers := []ports.QuoteProvider{
		&fakeProvider{name: domain.SourceBinance, close: 100, vol: 1},
		&fakeProvider{name: domain.SourceKraken, close: 100, vol: 1},
		&fakeProvider{name: domain.SourceOKX, close: 100, vol: 1},
		&fakeProvider{name: domain.SourceByBit, err: domain.ErrQuoteUnavailable},
	}
	store := newMemStore()
	market := &fakeMarket{}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine := settlement.New(noRef{}, map[domain.Symbol][]settlement.MarketTarget{
		domain.BTCUSD: {{Network: "arbitrum", Contract: "0xabc", Market: market}},
	}, 3.0, log)

	newAggregator(providers, store, engine, steppingClock(2*time.Second)).RunCycle(context.Background())

	assert.Equal(t, 1, market.executeCalls)

	c, err := store.GetConsensus(context.Background(), domain.BTCUSD, targetMinute)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, []domain.Source{domain.SourceByBit}, c.ProviderStatuses,
		"la marca de degradación sobrevive al settlement")
}
