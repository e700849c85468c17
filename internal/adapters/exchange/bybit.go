package exchange

import (
	"context"
	"fmt"

	"github.com/alejandrodnm/oraclebot/internal/domain"
	"github.com/alejandrodnm/oraclebot/internal/ports"
)

// ByBit anida las velas en result.list, descendente, con `end` inclusivo.
type ByBit struct {
	*client
}

var _ ports.QuoteProvider = (*ByBit)(nil)

func NewByBit(opts Options) *ByBit {
	return &ByBit{client: newClient(domain.SourceByBit, opts)}
}

type bybitResponse struct {
	RetCode int    `json:"retCode"`
	RetMsg  string `json:"retMsg"`
	Result  struct {
		List [][]any `json:"list"`
	} `json:"result"`
}

// Fetch pide /v5/market/kline spot. Filas ["ts","o","h","l","c","vol",...]
// como strings; la primera debe abrir en el minuto objetivo.
func (b *ByBit) Fetch(ctx context.Context, sym domain.Symbol, minuteStart int64) (domain.QuoteResult, error) {
	tick, err := b.tick(sym)
	if err != nil {
		return domain.QuoteResult{}, err
	}

	url := fmt.Sprintf("%s/v5/market/kline?category=spot&interval=1&limit=2&symbol=%s&end=%d",
		b.base, tick, minuteStart)

	return b.poll(ctx, sym, minuteStart, func() (domain.QuoteResult, bool, error) {
		var resp bybitResponse
		if err := b.getJSON(ctx, url, &resp); err != nil {
			return domain.QuoteResult{}, false, err
		}
		if resp.RetCode != 0 {
			return domain.QuoteResult{}, false, fmt.Errorf("bybit api code %d: %s", resp.RetCode, resp.RetMsg)
		}

		list := resp.Result.List
		if len(list) == 0 || len(list[0]) < 6 {
			return domain.QuoteResult{}, false, nil
		}

		ts, err := rowTimeMS(list[0][0])
		if err != nil {
			return domain.QuoteResult{}, false, domain.ErrMalformedQuote
		}
		if ts != minuteStart {
			return domain.QuoteResult{}, false, nil
		}

		q, err := parseOHLCV(sym, domain.SourceByBit, minuteStart,
			[5]any{list[0][1], list[0][2], list[0][3], list[0][4], list[0][5]})
		if err != nil {
			return domain.QuoteResult{}, false, err
		}
		return q, true, nil
	})
}
