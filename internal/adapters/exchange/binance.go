package exchange

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/alejandrodnm/oraclebot/internal/domain"
	"github.com/alejandrodnm/oraclebot/internal/ports"
)

// Binance es el provider de mayor volumen; su caída pesa más que la de los
// demás en el profitability gate del settlement.
type Binance struct {
	*client
}

var _ ports.QuoteProvider = (*Binance)(nil)

func NewBinance(opts Options) *Binance {
	return &Binance{client: newClient(domain.SourceBinance, opts)}
}

// Fetch pide /klines con startTime en el minuto objetivo. Binance devuelve
// filas [openTime, open, high, low, close, volume, ...] con precios como
// strings; la primera fila debe abrir exactamente en minuteStart.
func (b *Binance) Fetch(ctx context.Context, sym domain.Symbol, minuteStart int64) (domain.QuoteResult, error) {
	tick, err := b.tick(sym)
	if err != nil {
		return domain.QuoteResult{}, err
	}

	url := fmt.Sprintf("%s/klines?interval=1m&limit=2&symbol=%s&startTime=%d",
		b.base, tick, minuteStart)

	return b.poll(ctx, sym, minuteStart, func() (domain.QuoteResult, bool, error) {
		var rows [][]any
		if err := b.getJSON(ctx, url, &rows); err != nil {
			return domain.QuoteResult{}, false, err
		}
		if len(rows) == 0 || len(rows[0]) < 6 {
			return domain.QuoteResult{}, false, nil
		}

		openTime, err := rowTimeMS(rows[0][0])
		if err != nil {
			return domain.QuoteResult{}, false, domain.ErrMalformedQuote
		}
		if openTime != minuteStart {
			// El exchange todavía no publicó el minuto: seguir sondeando.
			return domain.QuoteResult{}, false, nil
		}

		q, err := parseOHLCV(sym, domain.SourceBinance, minuteStart,
			[5]any{rows[0][1], rows[0][2], rows[0][3], rows[0][4], rows[0][5]})
		if err != nil {
			return domain.QuoteResult{}, false, err
		}
		return q, true, nil
	})
}

// rowTimeMS interpreta el primer campo de una fila de kline como Unix ms.
func rowTimeMS(v any) (int64, error) {
	switch t := v.(type) {
	case json.Number:
		return t.Int64()
	case string:
		n := json.Number(t)
		return n.Int64()
	default:
		return 0, domain.ErrMalformedQuote
	}
}
