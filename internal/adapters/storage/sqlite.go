package storage

// sqlite.go — persistencia de velas firmada y a prueba de manipulación.
//
// Estrategia:
//   - `candles`: UNA fila por (symbol, time, source), con UPSERT. La vela
//     DEFAULT es el consenso; las demás son el dato crudo de cada exchange
//     que el healer reutiliza.
//   - Toda lectura verifica el HMAC y descarta filas corruptas (fail-closed):
//     una fila editada a mano nunca llega al settlement, simplemente no existe.
//   - `cycles`: resumen ligero de auditoría por minuto. Siempre 1 fila.
//   - Prune automático al arrancar según la retención configurada.

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/alejandrodnm/oraclebot/internal/domain"
	_ "modernc.org/sqlite"
)

const schema = `
-- Una fila por (symbol, minuto, fuente); la fuente DEFAULT es el consenso
CREATE TABLE IF NOT EXISTS candles (
    symbol            TEXT    NOT NULL,
    time              INTEGER NOT NULL,
    source            TEXT    NOT NULL,
    open              REAL    NOT NULL,
    high              REAL    NOT NULL,
    low               REAL    NOT NULL,
    close             REAL    NOT NULL,
    volume            REAL    NOT NULL DEFAULT 0,
    provider_statuses TEXT    NOT NULL DEFAULT '',
    is_cloned         INTEGER NOT NULL DEFAULT 0,
    signature         TEXT    NOT NULL,
    created_at        DATETIME NOT NULL,
    updated_at        DATETIME NOT NULL,
    UNIQUE(symbol, time, source)
);

-- Resumen de auditoría por ciclo de minuto
CREATE TABLE IF NOT EXISTS cycles (
    id         TEXT PRIMARY KEY,
    minute     INTEGER NOT NULL,
    failed     TEXT    NOT NULL DEFAULT '',
    cloned     INTEGER NOT NULL DEFAULT 0,
    settled    INTEGER NOT NULL DEFAULT 0,
    started_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_candles_time   ON candles(time DESC);
CREATE INDEX IF NOT EXISTS idx_candles_cloned ON candles(is_cloned, source);
CREATE INDEX IF NOT EXISTS idx_cycles_minute  ON cycles(minute DESC);
`

// Store implementa ports.CandleStore usando SQLite (pure Go, sin CGo).
type Store struct {
	db        *sql.DB
	sig       signer
	retention time.Duration
	log       *slog.Logger
}

// New abre (o crea) la base de datos en la ruta dada, aplica el schema y
// limpia datos más antiguos que la retención. La clave HMAC llega solo por
// entorno; aquí ya viene resuelta.
func New(dsn string, key []byte, decimals func(domain.Symbol) int, retentionDays int, log *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage.New: open %q: %w", dsn, err)
	}
	db.SetMaxOpenConns(1) // SQLite es single-writer
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage.New: apply schema: %w", err)
	}

	s := &Store{
		db:        db,
		sig:       signer{key: key, decimals: decimals},
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		log:       log,
	}
	s.pruneOld(context.Background())
	return s, nil
}

// Close cierra la conexión a la base de datos.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save firma la vela y hace upsert sobre (symbol, time, source).
func (s *Store) Save(ctx context.Context, c domain.Candle) (domain.Candle, error) {
	c.Signature = s.sig.sign(c)
	now := time.Now().UTC()

	cloned := 0
	if c.IsCloned {
		cloned = 1
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO candles
			(symbol, time, source, open, high, low, close, volume,
			 provider_statuses, is_cloned, signature, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(symbol, time, source) DO UPDATE SET
			open              = excluded.open,
			high              = excluded.high,
			low               = excluded.low,
			close             = excluded.close,
			volume            = excluded.volume,
			provider_statuses = excluded.provider_statuses,
			is_cloned         = excluded.is_cloned,
			signature         = excluded.signature,
			updated_at        = excluded.updated_at
	`,
		string(c.Symbol), c.Time, string(c.Source),
		c.Open, c.High, c.Low, c.Close, c.Volume,
		joinSources(c.ProviderStatuses), cloned, c.Signature, now, now,
	); err != nil {
		return domain.Candle{}, fmt.Errorf("storage.Save: upsert %s %s @%d: %w", c.Symbol, c.Source, c.Time, err)
	}
	return c, nil
}

// GetConsensus devuelve la vela DEFAULT del minuto, o nil si no existe o su
// firma no verifica.
func (s *Store) GetConsensus(ctx context.Context, sym domain.Symbol, timeMS int64) (*domain.Candle, error) {
	return s.getOne(ctx, sym, domain.SourceDefault, timeMS)
}

func (s *Store) getOne(ctx context.Context, sym domain.Symbol, src domain.Source, timeMS int64) (*domain.Candle, error) {
	row := s.db.QueryRowContext(ctx, selectCandle+`WHERE symbol = ? AND time = ? AND source = ?`,
		string(sym), timeMS, string(src))

	c, err := scanCandle(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage.getOne: %s %s @%d: %w", sym, src, timeMS, err)
	}
	if !s.sig.verify(c) {
		s.log.Error("firma de vela inválida, fila descartada",
			"symbol", sym, "source", src, "time", timeMS, "err", domain.ErrIntegrity)
		return nil, nil
	}
	return &c, nil
}

const selectCandle = `
	SELECT symbol, time, source, open, high, low, close, volume,
	       provider_statuses, is_cloned, signature
	FROM candles
`

// FindRange devuelve las velas DEFAULT en [from, to] ascendente, rellenando
// minutos ausentes con velas interpoladas (isCloned=true, firmadas). Las
// filas con firma inválida se tratan como ausentes.
func (s *Store) FindRange(ctx context.Context, sym domain.Symbol, from, to int64) ([]domain.Candle, error) {
	rows, err := s.db.QueryContext(ctx, selectCandle+`
		WHERE symbol = ? AND source = ? AND time BETWEEN ? AND ?
		ORDER BY time ASC
	`, string(sym), string(domain.SourceDefault), from, to)
	if err != nil {
		return nil, fmt.Errorf("storage.FindRange: query: %w", err)
	}
	defer rows.Close()

	var stored []domain.Candle
	for rows.Next() {
		c, err := scanCandle(rows)
		if err != nil {
			return nil, fmt.Errorf("storage.FindRange: scan: %w", err)
		}
		if !s.sig.verify(c) {
			s.log.Error("firma de vela inválida, fila descartada",
				"symbol", sym, "time", c.Time, "err", domain.ErrIntegrity)
			continue
		}
		stored = append(stored, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage.FindRange: rows: %w", err)
	}
	if len(stored) == 0 {
		return nil, nil
	}

	// Relleno de huecos: cada minuto ausente entre dos velas reales se
	// sintetiza a partir del close anterior; la última del hueco empalma
	// su close con el open de la siguiente vela real.
	out := make([]domain.Candle, 0, len(stored))
	out = append(out, stored[0])
	for i := 1; i < len(stored); i++ {
		prev, next := out[len(out)-1], stored[i]
		for t := prev.Time + domain.MinuteMS; t < next.Time; t += domain.MinuteMS {
			g := domain.Candle{
				Symbol:   sym,
				Time:     t,
				Source:   domain.SourceDefault,
				Open:     prev.Close,
				Close:    prev.Close,
				IsCloned: true,
			}
			if t == next.Time-domain.MinuteMS {
				g.Close = next.Open
			}
			g.High = math.Max(g.Open, g.Close)
			g.Low = math.Min(g.Open, g.Close)
			g.Signature = s.sig.sign(g)
			out = append(out, g)
			prev = g
		}
		out = append(out, next)
	}
	return out, nil
}

// CurrentPrice devuelve el open del minuto actual o, si todavía no existe,
// el close del minuto anterior. Redondeado a los decimales del símbolo.
func (s *Store) CurrentPrice(ctx context.Context, sym domain.Symbol, minuteMS int64) (float64, error) {
	cur, err := s.GetConsensus(ctx, sym, minuteMS)
	if err != nil {
		return 0, err
	}
	if cur != nil {
		return s.round(sym, cur.Open), nil
	}
	prev, err := s.GetConsensus(ctx, sym, minuteMS-domain.MinuteMS)
	if err != nil {
		return 0, err
	}
	if prev != nil {
		return s.round(sym, prev.Close), nil
	}
	return 0, fmt.Errorf("storage.CurrentPrice: %s: sin vela para %d ni su minuto anterior", sym, minuteMS)
}

func (s *Store) round(sym domain.Symbol, v float64) float64 {
	p := math.Pow10(s.sig.decimals(sym))
	return math.Round(v*p) / p
}

// ClonePrev sintetiza la vela DEFAULT del minuto dado copiando OHLCV y
// provider statuses del minuto anterior (o del anterior a ese). Devuelve
// nil si ninguno de los dos existe con firma válida.
func (s *Store) ClonePrev(ctx context.Context, sym domain.Symbol, timeMS int64) (*domain.Candle, error) {
	var prev *domain.Candle
	for _, back := range []int64{domain.MinuteMS, 2 * domain.MinuteMS} {
		c, err := s.GetConsensus(ctx, sym, timeMS-back)
		if err != nil {
			return nil, err
		}
		if c != nil {
			prev = c
			break
		}
	}
	if prev == nil {
		return nil, nil
	}

	clone := *prev
	clone.Time = timeMS
	clone.IsCloned = true
	saved, err := s.Save(ctx, clone)
	if err != nil {
		return nil, fmt.Errorf("storage.ClonePrev: %w", err)
	}
	return &saved, nil
}

// ClonedTimes devuelve los minutos (asc, sin duplicados) con alguna vela
// DEFAULT clonada pendiente de reparar.
func (s *Store) ClonedTimes(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT time FROM candles
		WHERE source = ? AND is_cloned = 1
		ORDER BY time ASC
	`, string(domain.SourceDefault))
	if err != nil {
		return nil, fmt.Errorf("storage.ClonedTimes: query: %w", err)
	}
	defer rows.Close()

	var times []int64
	for rows.Next() {
		var t int64
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("storage.ClonedTimes: scan: %w", err)
		}
		times = append(times, t)
	}
	return times, rows.Err()
}

// TrailingVolume suma el volumen de las últimas count velas del par
// (symbol, source), saltando la más reciente: la ventana cerrada más
// reciente todavía puede estar a medio escribir. Filas corruptas no suman.
func (s *Store) TrailingVolume(ctx context.Context, sym domain.Symbol, src domain.Source, count int) (float64, error) {
	rows, err := s.db.QueryContext(ctx, selectCandle+`
		WHERE symbol = ? AND source = ?
		ORDER BY time DESC
		LIMIT ? OFFSET 1
	`, string(sym), string(src), count)
	if err != nil {
		return 0, fmt.Errorf("storage.TrailingVolume: query: %w", err)
	}
	defer rows.Close()

	var total float64
	for rows.Next() {
		c, err := scanCandle(rows)
		if err != nil {
			return 0, fmt.Errorf("storage.TrailingVolume: scan: %w", err)
		}
		if !s.sig.verify(c) {
			s.log.Error("firma de vela inválida, fila descartada",
				"symbol", sym, "source", src, "time", c.Time, "err", domain.ErrIntegrity)
			continue
		}
		total += c.Volume
	}
	return total, rows.Err()
}

// SaveCycle registra el resumen de auditoría de un ciclo por minuto.
func (s *Store) SaveCycle(ctx context.Context, cy domain.CycleSummary) error {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO cycles (id, minute, failed, cloned, settled, started_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, cy.ID, cy.Minute, joinSources(cy.Failed), cy.Cloned, cy.Settled, cy.StartedAt.UTC(),
	); err != nil {
		return fmt.Errorf("storage.SaveCycle: insert %s: %w", cy.ID, err)
	}
	return nil
}

// RecentCycles devuelve los últimos n resúmenes de ciclo, del más reciente
// al más antiguo. Lo usa el report.
func (s *Store) RecentCycles(ctx context.Context, n int) ([]domain.CycleSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, minute, failed, cloned, settled, started_at
		FROM cycles ORDER BY minute DESC LIMIT ?
	`, n)
	if err != nil {
		return nil, fmt.Errorf("storage.RecentCycles: query: %w", err)
	}
	defer rows.Close()

	var out []domain.CycleSummary
	for rows.Next() {
		var cy domain.CycleSummary
		var failed string
		if err := rows.Scan(&cy.ID, &cy.Minute, &failed, &cy.Cloned, &cy.Settled, &cy.StartedAt); err != nil {
			return nil, fmt.Errorf("storage.RecentCycles: scan: %w", err)
		}
		cy.Failed = splitSources(failed)
		out = append(out, cy)
	}
	return out, rows.Err()
}

// pruneOld borra velas y ciclos más antiguos que la retención. Best-effort:
// un fallo aquí no impide arrancar.
func (s *Store) pruneOld(ctx context.Context) {
	cutoff := time.Now().Add(-s.retention).UnixMilli()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM candles WHERE time < ?`, cutoff); err != nil {
		s.log.Warn("prune de velas antiguas falló", "err", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cycles WHERE minute < ?`, cutoff); err != nil {
		s.log.Warn("prune de ciclos antiguos falló", "err", err)
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCandle(row rowScanner) (domain.Candle, error) {
	var c domain.Candle
	var sym, src, statuses string
	var cloned int
	if err := row.Scan(&sym, &c.Time, &src, &c.Open, &c.High, &c.Low, &c.Close,
		&c.Volume, &statuses, &cloned, &c.Signature); err != nil {
		return domain.Candle{}, err
	}
	c.Symbol = domain.Symbol(sym)
	c.Source = domain.Source(src)
	c.ProviderStatuses = splitSources(statuses)
	c.IsCloned = cloned == 1
	return c, nil
}

func joinSources(srcs []domain.Source) string {
	if len(srcs) == 0 {
		return ""
	}
	parts := make([]string, len(srcs))
	for i, s := range srcs {
		parts[i] = string(s)
	}
	return strings.Join(parts, ",")
}

func splitSources(s string) []domain.Source {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]domain.Source, len(parts))
	for i, p := range parts {
		out[i] = domain.Source(p)
	}
	return out
}
