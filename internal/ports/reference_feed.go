package ports

import "github.com/alejandrodnm/oraclebot/internal/domain"

// ReferenceFeed expone el último precio on-chain independiente por símbolo.
// Best-effort: puede estar stale, y eso es preferible a no tener nada.
type ReferenceFeed interface {
	// Price devuelve el último precio conocido del símbolo y si existe.
	Price(sym domain.Symbol) (domain.ReferencePrice, bool)
}
