package domain

import (
	"math/big"
	"time"
)

// PriceDecimals es la escala fija del precio on-chain: los contratos de
// mercado y los feeds de Chainlink trabajan con enteros de 8 decimales.
const PriceDecimals = 8

// ToFixedPoint codifica un precio float como entero de 8 decimales, el
// formato que esperan executeCurrentRound y latestRoundData.
func ToFixedPoint(price float64) *big.Int {
	scaled := new(big.Float).Mul(big.NewFloat(price), big.NewFloat(1e8))
	out, _ := scaled.Int(nil)
	return out
}

// FromFixedPoint decodifica un entero de 8 decimales a float.
func FromFixedPoint(v *big.Int) float64 {
	f := new(big.Float).SetInt(v)
	f.Quo(f, big.NewFloat(1e8))
	out, _ := f.Float64()
	return out
}

// ReferencePrice es el último precio on-chain independiente de un símbolo.
// Lo escribe solo el feed de referencia; el resto del sistema lo lee y
// tolera que esté stale (stale-but-present gana a ausente).
type ReferencePrice struct {
	Price      float64
	RetryCount int
	UpdatedAt  time.Time
}

// RoundData es el estado de un round leído del contrato de mercado:
// precio de lock y stakes a cada lado de la apuesta.
type RoundData struct {
	LockPrice  *big.Int
	BullAmount *big.Int
	BearAmount *big.Int
}

// SettlementRound describe un intento de ejecución contra un contrato.
// Efímero: existe solo durante el intento.
type SettlementRound struct {
	Network    string
	Contract   string
	Timeframes []*big.Int
	Price      *big.Int // fixed-point, 8 decimales

	// ProfitableAmount es la suma con signo de (stake perdedor − stake
	// ganador) sobre los rounds ejecutables. Negativo = la casa pierde.
	ProfitableAmount *big.Int
}

// ProfitableAmount calcula el resultado económico agregado de ejecutar los
// rounds dados al precio dado. Para cada round, el lado ganador se decide
// comparando el precio de consenso con su lock price; se suma el stake del
// lado perdedor y se resta el del ganador, todo en un único número agregado.
func ProfitableAmount(price *big.Int, rounds []RoundData) *big.Int {
	total := new(big.Int)
	for _, r := range rounds {
		if price.Cmp(r.LockPrice) > 0 {
			// Subió: ganan los bulls, la casa cobra a los bears.
			total.Add(total, new(big.Int).Sub(r.BearAmount, r.BullAmount))
		} else {
			total.Add(total, new(big.Int).Sub(r.BullAmount, r.BearAmount))
		}
	}
	return total
}
