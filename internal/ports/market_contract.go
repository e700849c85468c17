package ports

import (
	"context"
	"math/big"

	"github.com/alejandrodnm/oraclebot/internal/domain"
)

// MarketContract es un contrato de mercado binario desplegado en una chain
// concreta. El adapter interno itera su pool de RPC endpoints y respeta los
// deadlines de minuto; el caller decide QUÉ ejecutar, el adapter CÓMO.
type MarketContract interface {
	// ExecutableTimeframes descubre qué round lengths están listos para
	// ejecutarse. Espera a que el block time de la chain entre en el minuto
	// objetivo (hasta el deadline de la network) antes de preguntar.
	// Devuelve ErrNoTimeframes si nada hay que ejecutar o nada respondió.
	ExecutableTimeframes(ctx context.Context, minuteStart int64) ([]*big.Int, error)

	// CurrentRounds lee lock price y stakes bull/bear del round en curso de
	// cada timeframe. Alimenta el profitability gate.
	CurrentRounds(ctx context.Context, timeframes []*big.Int) ([]domain.RoundData, error)

	// ExecuteCurrentRound envía la transacción de settlement con el precio
	// fixed-point. Intenta cada endpoint del pool una vez, con gas estimado
	// multiplicado por el factor de seguridad; aborta si el segundo del
	// minuto pasa el cutoff o el minuto cambia.
	ExecuteCurrentRound(ctx context.Context, timeframes []*big.Int, price *big.Int, minuteStart int64) error
}

// Settler ejecuta el settlement de un símbolo tras validar el consenso.
// Lo invoca el agregador una vez por (symbol, minuto) con consenso fresco.
type Settler interface {
	Settle(ctx context.Context, sym domain.Symbol, price float64, minuteStart int64, failed []domain.Source)
}
