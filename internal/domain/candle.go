package domain

import "time"

// Source identifica el origen de una vela: un exchange concreto o el
// consenso agregado (DEFAULT).
type Source string

const (
	SourceDefault Source = "DEFAULT"
	SourceBinance Source = "BINANCE"
	SourceKraken  Source = "KRAKEN"
	SourceOKX     Source = "OKX"
	SourceByBit   Source = "BYBIT"
)

// Exchanges devuelve los data providers reales, en orden estable.
// DEFAULT no es un exchange: es el resultado del consenso.
func Exchanges() []Source {
	return []Source{SourceBinance, SourceKraken, SourceOKX, SourceByBit}
}

// Symbol es un par de trading del mercado binario (BTCUSD, ETHUSD, ...).
// El conjunto concreto y sus decimales viven en la configuración.
type Symbol string

const (
	BTCUSD   Symbol = "BTCUSD"
	ETHUSD   Symbol = "ETHUSD"
	BNBUSD   Symbol = "BNBUSD"
	XRPUSD   Symbol = "XRPUSD"
	MATICUSD Symbol = "MATICUSD"
	DOGEUSD  Symbol = "DOGEUSD"
	SOLUSD   Symbol = "SOLUSD"
	LINKUSD  Symbol = "LINKUSD"
)

// Candle es una observación OHLCV de un minuto para un (symbol, source).
// La clave (Symbol, Time, Source) es única en el store.
type Candle struct {
	Symbol Symbol
	Time   int64 // inicio del minuto, Unix ms
	Source Source
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64

	// ProviderStatuses lista los exchanges que NO contribuyeron al minuto.
	// Vacío = consenso completo.
	ProviderStatuses []Source

	// IsCloned marca velas sintetizadas desde el minuto anterior porque
	// fallaron demasiados providers. El healer las corrige después.
	IsCloned bool

	// Signature es el HMAC del mensaje canónico de la vela. Una vela cuya
	// firma no verifica se trata como inexistente, nunca como cero.
	Signature string
}

// QuoteResult es la respuesta efímera de un exchange para un (symbol, minuto).
// No se persiste directamente: alimenta al agregador y se descarta.
type QuoteResult struct {
	Symbol Symbol
	Source Source
	Time   int64
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

// Candle convierte el quote en la vela por-exchange que se persiste.
func (q QuoteResult) Candle() Candle {
	return Candle{
		Symbol: q.Symbol,
		Time:   q.Time,
		Source: q.Source,
		Open:   q.Open,
		High:   q.High,
		Low:    q.Low,
		Close:  q.Close,
		Volume: q.Volume,
	}
}

const (
	// MinuteMS es la duración de un minuto en milisegundos Unix.
	MinuteMS int64 = 60_000
	// SecondMS idem para un segundo.
	SecondMS int64 = 1_000
)

// TruncateToMinute alinea un timestamp en ms al inicio de su minuto.
func TruncateToMinute(ms int64) int64 {
	return ms - ms%MinuteMS
}

// MinuteOf devuelve el minuto (ms alineado) que contiene el instante dado.
func MinuteOf(t time.Time) int64 {
	return TruncateToMinute(t.UnixMilli())
}

// SecondOfMinute devuelve el segundo del minuto [0, 59] del instante dado,
// la base de todos los cutoffs del ciclo.
func SecondOfMinute(t time.Time) int {
	return t.UTC().Second()
}
