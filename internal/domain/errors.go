package domain

import (
	"errors"
	"fmt"
)

// Taxonomía de errores del pipeline. Cada uno se recupera en una capa
// distinta: ver el handling en aggregator y settlement.
var (
	// ErrQuoteUnavailable: el exchange no publicó una vela usable para el
	// minuto. El exchange queda fuera del consenso del minuto.
	ErrQuoteUnavailable = errors.New("quote unavailable")

	// ErrMalformedQuote: el exchange respondió pero con campos NaN/null/vacíos.
	// No es reintentable — repetir el fetch devolvería la misma basura.
	ErrMalformedQuote = errors.New("malformed quote")

	// ErrIntegrity: firma ausente o que no verifica. El registro se trata
	// como inexistente (fail-closed) y se loguea como posible manipulación.
	ErrIntegrity = errors.New("integrity violation")

	// ErrPriceImplausible: el consenso difiere del precio on-chain de
	// referencia más allá de la tolerancia. Se aborta el settlement del
	// símbolo; la persistencia de la vela no se ve afectada.
	ErrPriceImplausible = errors.New("price implausible")

	// ErrSettlementExhausted: ningún RPC confirmó la transacción dentro de
	// la ventana. Fatal para el contrato este ciclo; no se reintenta.
	ErrSettlementExhausted = errors.New("settlement exhausted all endpoints")

	// ErrNoTimeframes: el contrato no tiene rounds ejecutables o no
	// respondió antes del deadline.
	ErrNoTimeframes = errors.New("no executable timeframes")

	// ErrRateLimited: el exchange devolvió 429. Recuperable en el siguiente
	// intento del agregador.
	ErrRateLimited = errors.New("rate limited")
)

// QuoteError añade el contexto (exchange, símbolo, minuto) que el agregador
// necesita para decidir reintentos y marcar provider statuses.
type QuoteError struct {
	Source Source
	Symbol Symbol
	Minute int64
	Err    error
}

func (e *QuoteError) Error() string {
	return fmt.Sprintf("%s %s minute=%d: %v", e.Source, e.Symbol, e.Minute, e.Err)
}

func (e *QuoteError) Unwrap() error { return e.Err }
