package exchange

import (
	"context"
	"fmt"

	"github.com/alejandrodnm/oraclebot/internal/domain"
	"github.com/alejandrodnm/oraclebot/internal/ports"
)

// OKX devuelve las velas en orden descendente y pagina con `after`
// exclusivo: pedir after = minuto+1 devuelve el minuto objetivo primero.
type OKX struct {
	*client
}

var _ ports.QuoteProvider = (*OKX)(nil)

func NewOKX(opts Options) *OKX {
	return &OKX{client: newClient(domain.SourceOKX, opts)}
}

type okxResponse struct {
	Code string  `json:"code"`
	Msg  string  `json:"msg"`
	Data [][]any `json:"data"`
}

// Fetch pide /market/candles. Filas ["ts","o","h","l","c","vol",...] con
// todo como strings. Se exigen 2 velas: con una sola, la del minuto objetivo
// podría seguir abierta y sus valores cambiarían.
func (o *OKX) Fetch(ctx context.Context, sym domain.Symbol, minuteStart int64) (domain.QuoteResult, error) {
	tick, err := o.tick(sym)
	if err != nil {
		return domain.QuoteResult{}, err
	}

	url := fmt.Sprintf("%s/market/candles?instId=%s&bar=1m&limit=2&after=%d",
		o.base, tick, minuteStart+domain.MinuteMS)

	return o.poll(ctx, sym, minuteStart, func() (domain.QuoteResult, bool, error) {
		var resp okxResponse
		if err := o.getJSON(ctx, url, &resp); err != nil {
			return domain.QuoteResult{}, false, err
		}
		if resp.Code != "" && resp.Code != "0" {
			return domain.QuoteResult{}, false, fmt.Errorf("okx api code %s: %s", resp.Code, resp.Msg)
		}
		if len(resp.Data) < 2 || len(resp.Data[0]) < 6 {
			return domain.QuoteResult{}, false, nil
		}

		ts, err := rowTimeMS(resp.Data[0][0])
		if err != nil {
			return domain.QuoteResult{}, false, domain.ErrMalformedQuote
		}
		if ts != minuteStart {
			return domain.QuoteResult{}, false, nil
		}

		q, err := parseOHLCV(sym, domain.SourceOKX, minuteStart,
			[5]any{resp.Data[0][1], resp.Data[0][2], resp.Data[0][3], resp.Data[0][4], resp.Data[0][5]})
		if err != nil {
			return domain.QuoteResult{}, false, err
		}
		return q, true, nil
	})
}
