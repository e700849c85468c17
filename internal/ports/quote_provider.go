package ports

import (
	"context"

	"github.com/alejandrodnm/oraclebot/internal/domain"
)

// QuoteProvider obtiene la vela OHLC de un minuto desde un exchange.
type QuoteProvider interface {
	// Name identifica al exchange (BINANCE, KRAKEN, OKX, BYBIT).
	Name() domain.Source

	// Supports indica si el exchange lista el símbolo.
	Supports(sym domain.Symbol) bool

	// Fetch devuelve la vela cuyo open-time es exactamente minuteStart.
	// Internamente sondea el endpoint de "últimas 2 velas" hasta que el
	// exchange la publique o el segundo del minuto pase el cutoff. Fetch
	// puro: sin persistencia ni retries más allá de ese sondeo.
	//
	// Errores: domain.ErrQuoteUnavailable, domain.ErrMalformedQuote (no
	// reintentable), o el error de transporte envuelto en *domain.QuoteError.
	Fetch(ctx context.Context, sym domain.Symbol, minuteStart int64) (domain.QuoteResult, error)
}
