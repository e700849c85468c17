package ports

import (
	"context"

	"github.com/alejandrodnm/oraclebot/internal/domain"
)

// CandleStore persiste velas firmadas. Es el único componente que escribe
// filas de velas; todo lector pasa por aquí y toda lectura verifica la firma
// (fail-closed: una fila corrupta se trata como inexistente).
type CandleStore interface {
	// Save firma y hace upsert de la vela sobre la clave (symbol, time,
	// source). Devuelve la vela con la firma calculada.
	Save(ctx context.Context, c domain.Candle) (domain.Candle, error)

	// GetConsensus devuelve la vela DEFAULT del (symbol, minuto), o nil si
	// no existe o su firma no verifica.
	GetConsensus(ctx context.Context, sym domain.Symbol, timeMS int64) (*domain.Candle, error)

	// FindRange devuelve las velas DEFAULT del símbolo en [from, to],
	// ordenadas por tiempo ascendente, rellenando huecos de minutos con
	// velas interpoladas firmadas (isCloned=true). Filtra firmas inválidas.
	FindRange(ctx context.Context, sym domain.Symbol, from, to int64) ([]domain.Candle, error)

	// CurrentPrice devuelve el open del minuto actual, o el close del
	// minuto anterior si el actual todavía no existe o no verifica.
	// Redondeado a los decimales del símbolo.
	CurrentPrice(ctx context.Context, sym domain.Symbol, minuteMS int64) (float64, error)

	// ClonePrev sintetiza la vela DEFAULT del minuto dado copiando OHLCV y
	// provider statuses de la del minuto anterior (o el anterior a ese),
	// marcada isCloned=true y re-firmada. Devuelve nil si ninguno de los dos
	// minutos previos existe.
	ClonePrev(ctx context.Context, sym domain.Symbol, timeMS int64) (*domain.Candle, error)

	// ClonedTimes devuelve los timestamps (asc, sin duplicados) que tienen
	// alguna vela DEFAULT con isCloned=true, para el healer.
	ClonedTimes(ctx context.Context) ([]int64, error)

	// TrailingVolume suma el volumen de las últimas count velas del
	// (symbol, source), saltando la más reciente. Es el peso del exchange
	// en el consenso.
	TrailingVolume(ctx context.Context, sym domain.Symbol, src domain.Source, count int) (float64, error)

	// SaveCycle registra el resumen de auditoría de un ciclo por minuto.
	SaveCycle(ctx context.Context, cy domain.CycleSummary) error

	// Close cierra la conexión a la base de datos limpiamente.
	Close() error
}
