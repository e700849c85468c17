package exchange

import (
	"context"
	"fmt"

	"github.com/alejandrodnm/oraclebot/internal/domain"
	"github.com/alejandrodnm/oraclebot/internal/ports"
)

// Kraken habla en segundos Unix y anida las velas bajo la clave del par.
type Kraken struct {
	*client
}

var _ ports.QuoteProvider = (*Kraken)(nil)

func NewKraken(opts Options) *Kraken {
	return &Kraken{client: newClient(domain.SourceKraken, opts)}
}

type krakenResponse struct {
	Error  []string       `json:"error"`
	Result map[string]any `json:"result"`
}

// Fetch pide /OHLC con since un minuto antes del objetivo. Las filas son
// [time(s), open, high, low, close, vwap, volume, count]; el volumen está en
// el índice 6, no en el 5.
func (k *Kraken) Fetch(ctx context.Context, sym domain.Symbol, minuteStart int64) (domain.QuoteResult, error) {
	tick, err := k.tick(sym)
	if err != nil {
		return domain.QuoteResult{}, err
	}

	url := fmt.Sprintf("%s/OHLC?interval=1&pair=%s&since=%d",
		k.base, tick, (minuteStart-domain.MinuteMS)/domain.SecondMS)

	return k.poll(ctx, sym, minuteStart, func() (domain.QuoteResult, bool, error) {
		var resp krakenResponse
		if err := k.getJSON(ctx, url, &resp); err != nil {
			return domain.QuoteResult{}, false, err
		}
		if len(resp.Error) > 0 {
			return domain.QuoteResult{}, false, fmt.Errorf("kraken api: %v", resp.Error)
		}

		// since es inclusivo: la primera fila suele ser el minuto anterior,
		// así que se busca la fila cuyo open cae exactamente en el objetivo.
		for _, row := range krakenRows(resp.Result) {
			if len(row) < 7 {
				continue
			}
			openSec, err := rowTimeMS(row[0])
			if err != nil {
				return domain.QuoteResult{}, false, domain.ErrMalformedQuote
			}
			if openSec*domain.SecondMS != minuteStart {
				continue
			}
			q, err := parseOHLCV(sym, domain.SourceKraken, minuteStart,
				[5]any{row[1], row[2], row[3], row[4], row[6]})
			if err != nil {
				return domain.QuoteResult{}, false, err
			}
			return q, true, nil
		}
		return domain.QuoteResult{}, false, nil
	})
}

// krakenRows extrae el array de velas del result: la única clave que no es
// "last" es el nombre del par según Kraken, que no siempre coincide con el
// tick que pedimos.
func krakenRows(result map[string]any) [][]any {
	for key, v := range result {
		if key == "last" {
			continue
		}
		rawRows, ok := v.([]any)
		if !ok {
			continue
		}
		rows := make([][]any, 0, len(rawRows))
		for _, r := range rawRows {
			if row, ok := r.([]any); ok {
				rows = append(rows, row)
			}
		}
		return rows
	}
	return nil
}
