package storage_test

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/alejandrodnm/oraclebot/internal/adapters/storage"
	"github.com/alejandrodnm/oraclebot/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

var testKey = []byte("clave-de-test-nada-secreta")

func testDecimals(domain.Symbol) int { return 2 }

func newStore(t *testing.T, dsn string) *storage.Store {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := storage.New(dsn, testKey, testDecimals, 30, log)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func makeCandle(timeMS int64, src domain.Source, close float64) domain.Candle {
	return domain.Candle{
		Symbol: domain.BTCUSD,
		Time:   timeMS,
		Source: src,
		Open:   close - 10,
		High:   close + 5,
		Low:    close - 15,
		Close:  close,
		Volume: 42.5,
	}
}

func TestStore_SaveIsIdempotent(t *testing.T) {
	s := newStore(t, ":memory:")
	ctx := context.Background()

	c := makeCandle(1_700_000_040_000, domain.SourceDefault, 50_000)
	_, err := s.Save(ctx, c)
	require.NoError(t, err)

	// Segundo save del mismo (symbol, time, source) sobreescribe, no duplica
	c.Close = 50_100
	saved, err := s.Save(ctx, c)
	require.NoError(t, err)
	assert.NotEmpty(t, saved.Signature)

	got, err := s.GetConsensus(ctx, domain.BTCUSD, c.Time)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.InDelta(t, 50_100, got.Close, 0.001)
}

func TestStore_TamperedRowIsInvisible(t *testing.T) {
	path := filepath.Join(t.TempDir(), "candles.db")
	s := newStore(t, path)
	ctx := context.Background()

	c := makeCandle(1_700_000_040_000, domain.SourceDefault, 50_000)
	_, err := s.Save(ctx, c)
	require.NoError(t, err)

	// Editar la fila por debajo del store, como haría un atacante con
	// acceso al fichero
	raw, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer raw.Close()
	_, err = raw.Exec(`UPDATE candles SET close = 99999 WHERE time = ?`, c.Time)
	require.NoError(t, err)

	got, err := s.GetConsensus(ctx, domain.BTCUSD, c.Time)
	require.NoError(t, err)
	assert.Nil(t, got, "una vela manipulada debe tratarse como inexistente")
}

func TestStore_ClonePrev(t *testing.T) {
	s := newStore(t, ":memory:")
	ctx := context.Background()

	base := int64(1_700_000_040_000)
	prev := makeCandle(base, domain.SourceDefault, 50_000)
	prev.ProviderStatuses = []domain.Source{domain.SourceKraken}
	_, err := s.Save(ctx, prev)
	require.NoError(t, err)

	clone, err := s.ClonePrev(ctx, domain.BTCUSD, base+domain.MinuteMS)
	require.NoError(t, err)
	require.NotNil(t, clone)
	assert.True(t, clone.IsCloned)
	assert.Equal(t, base+domain.MinuteMS, clone.Time)
	assert.InDelta(t, prev.Close, clone.Close, 0.001)
	assert.Equal(t, prev.ProviderStatuses, clone.ProviderStatuses)

	// La copia queda persistida y verifica
	got, err := s.GetConsensus(ctx, domain.BTCUSD, base+domain.MinuteMS)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.IsCloned)
}

func TestStore_ClonePrev_FallsBackTwoMinutes(t *testing.T) {
	s := newStore(t, ":memory:")
	ctx := context.Background()

	base := int64(1_700_000_040_000)
	_, err := s.Save(ctx, makeCandle(base, domain.SourceDefault, 50_000))
	require.NoError(t, err)

	// Falta base+1min: el clon de base+2min debe retroceder dos minutos
	clone, err := s.ClonePrev(ctx, domain.BTCUSD, base+2*domain.MinuteMS)
	require.NoError(t, err)
	require.NotNil(t, clone)
	assert.InDelta(t, 50_000, clone.Close, 0.001)

	// Sin vecinos no hay clon
	none, err := s.ClonePrev(ctx, domain.BTCUSD, base+10*domain.MinuteMS)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestStore_ClonedTimes(t *testing.T) {
	s := newStore(t, ":memory:")
	ctx := context.Background()

	base := int64(1_700_000_040_000)
	c1 := makeCandle(base, domain.SourceDefault, 50_000)
	c1.IsCloned = true
	c2 := makeCandle(base+domain.MinuteMS, domain.SourceDefault, 50_100)
	_, err := s.Save(ctx, c1)
	require.NoError(t, err)
	_, err = s.Save(ctx, c2)
	require.NoError(t, err)

	times, err := s.ClonedTimes(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{base}, times)
}

func TestStore_TrailingVolume_SkipsMostRecent(t *testing.T) {
	s := newStore(t, ":memory:")
	ctx := context.Background()

	base := int64(1_700_000_040_000)
	for i, vol := range []float64{10, 20, 30} {
		c := makeCandle(base+int64(i)*domain.MinuteMS, domain.SourceBinance, 50_000)
		c.Volume = vol
		_, err := s.Save(ctx, c)
		require.NoError(t, err)
	}

	// La vela más reciente (vol=30) no cuenta
	total, err := s.TrailingVolume(ctx, domain.BTCUSD, domain.SourceBinance, 60)
	require.NoError(t, err)
	assert.InDelta(t, 30, total, 0.001)
}

func TestStore_FindRange_FillsGaps(t *testing.T) {
	s := newStore(t, ":memory:")
	ctx := context.Background()

	base := int64(1_700_000_040_000)
	first := makeCandle(base, domain.SourceDefault, 50_000)
	last := makeCandle(base+3*domain.MinuteMS, domain.SourceDefault, 50_300)
	_, err := s.Save(ctx, first)
	require.NoError(t, err)
	_, err = s.Save(ctx, last)
	require.NoError(t, err)

	got, err := s.FindRange(ctx, domain.BTCUSD, base, base+3*domain.MinuteMS)
	require.NoError(t, err)
	require.Len(t, got, 4)

	// Los dos minutos del hueco salen interpolados y marcados
	assert.True(t, got[1].IsCloned)
	assert.True(t, got[2].IsCloned)
	assert.InDelta(t, first.Close, got[1].Open, 0.001)
	assert.InDelta(t, last.Open, got[2].Close, 0.001)
	assert.False(t, got[3].IsCloned)
}

func TestStore_CurrentPrice_FallsBackToPrevClose(t *testing.T) {
	s := newStore(t, ":memory:")
	ctx := context.Background()

	base := int64(1_700_000_040_000)
	prev := makeCandle(base, domain.SourceDefault, 50_000.456)
	_, err := s.Save(ctx, prev)
	require.NoError(t, err)

	// El minuto actual no existe → close del anterior, redondeado
	price, err := s.CurrentPrice(ctx, domain.BTCUSD, base+domain.MinuteMS)
	require.NoError(t, err)
	assert.InDelta(t, 50_000.46, price, 0.0001)

	// Cuando el minuto actual existe, manda su open
	cur := makeCandle(base+domain.MinuteMS, domain.SourceDefault, 50_100)
	_, err = s.Save(ctx, cur)
	require.NoError(t, err)
	price, err = s.CurrentPrice(ctx, domain.BTCUSD, base+domain.MinuteMS)
	require.NoError(t, err)
	assert.InDelta(t, cur.Open, price, 0.0001)
}

func TestStore_SaveCycleAndRecent(t *testing.T) {
	s := newStore(t, ":memory:")
	ctx := context.Background()

	cy := domain.CycleSummary{
		ID:        "11111111-2222-3333-4444-555555555555",
		Minute:    1_700_000_040_000,
		Failed:    []domain.Source{domain.SourceOKX},
		Cloned:    1,
		Settled:   3,
		StartedAt: time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, s.SaveCycle(ctx, cy))

	got, err := s.RecentCycles(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, cy.ID, got[0].ID)
	assert.Equal(t, cy.Failed, got[0].Failed)
	assert.Equal(t, 3, got[0].Settled)
}
