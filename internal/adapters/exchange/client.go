package exchange

// client.go — HTTP client compartido por los cuatro adapters de exchange.
//
// Cada exchange tiene su propio rate limiter local (requests/segundo) y su
// loop de sondeo: los exchanges publican la vela de un minuto con latencia,
// así que se pide el endpoint de "últimas 2 velas" hasta que la vela cuyo
// open-time es exactamente el minuto objetivo aparezca, o hasta que el
// segundo del minuto pase el cutoff. La política de retries de más alto
// nivel vive en el agregador, no aquí.

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/alejandrodnm/oraclebot/internal/domain"
)

// Options agrupa los parámetros compartidos de los adapters.
type Options struct {
	BaseURL      string
	Ticks        map[string]string // symbol DEFAULT → tick del exchange
	RPS          int               // techo de requests/segundo
	PollInterval time.Duration     // sleep entre sondeos
	CutoffSecond int               // segundo del minuto que corta el sondeo
	Now          func() time.Time  // inyectable en tests
}

func (o *Options) defaults() {
	if o.RPS <= 0 {
		o.RPS = 10
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 500 * time.Millisecond
	}
	if o.CutoffSecond <= 0 {
		o.CutoffSecond = 30
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// client es la base común: transporte, rate limiting y el loop de sondeo.
type client struct {
	name    domain.Source
	http    *http.Client
	base    string
	ticks   map[string]string
	limiter *rate.Limiter

	pollInterval time.Duration
	cutoffSecond int
	now          func() time.Time
}

func newClient(name domain.Source, opts Options) *client {
	opts.defaults()
	return &client{
		name:         name,
		http:         &http.Client{Timeout: 10 * time.Second},
		base:         opts.BaseURL,
		ticks:        opts.Ticks,
		limiter:      rate.NewLimiter(rate.Limit(opts.RPS), opts.RPS),
		pollInterval: opts.PollInterval,
		cutoffSecond: opts.CutoffSecond,
		now:          opts.Now,
	}
}

func (c *client) Name() domain.Source { return c.name }

func (c *client) Supports(sym domain.Symbol) bool {
	_, ok := c.ticks[string(sym)]
	return ok
}

func (c *client) tick(sym domain.Symbol) (string, error) {
	t, ok := c.ticks[string(sym)]
	if !ok {
		return "", fmt.Errorf("%s: symbol %s not configured", c.name, sym)
	}
	return t, nil
}

// getJSON hace un GET respetando el rate limiter y decodifica la respuesta.
// Los números llegan como json.Number para no perder precisión antes del
// parseo explícito de cada adapter.
func (c *client) getJSON(ctx context.Context, url string, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		io.Copy(io.Discard, resp.Body)
		return domain.ErrRateLimited
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("status %d: %s", resp.StatusCode, body)
	}

	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// poll ejecuta attempt hasta que devuelva una vela (ok=true), hasta que
// falle con error, o hasta que el segundo del minuto pase el cutoff — lo que
// llegue primero. Si el cutoff corta sin vela: ErrQuoteUnavailable.
func (c *client) poll(ctx context.Context, sym domain.Symbol, minuteStart int64, attempt func() (domain.QuoteResult, bool, error)) (domain.QuoteResult, error) {
	for {
		q, ok, err := attempt()
		if err != nil {
			return domain.QuoteResult{}, &domain.QuoteError{
				Source: c.name, Symbol: sym, Minute: minuteStart, Err: err,
			}
		}
		if ok {
			return q, nil
		}

		if domain.SecondOfMinute(c.now()) > c.cutoffSecond {
			return domain.QuoteResult{}, &domain.QuoteError{
				Source: c.name, Symbol: sym, Minute: minuteStart,
				Err: domain.ErrQuoteUnavailable,
			}
		}

		select {
		case <-ctx.Done():
			return domain.QuoteResult{}, &domain.QuoteError{
				Source: c.name, Symbol: sym, Minute: minuteStart, Err: ctx.Err(),
			}
		case <-time.After(c.pollInterval):
		}
	}
}

// parsePrice convierte un campo OHLCV a float64. Vacío, null, no numérico o
// NaN cuentan como malformado — nunca se degrada silenciosamente a cero.
func parsePrice(v any) (float64, error) {
	var s string
	switch t := v.(type) {
	case nil:
		return 0, domain.ErrMalformedQuote
	case json.Number:
		s = t.String()
	case string:
		s = t
	default:
		return 0, domain.ErrMalformedQuote
	}
	if s == "" || s == "null" {
		return 0, domain.ErrMalformedQuote
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) {
		return 0, domain.ErrMalformedQuote
	}
	return f, nil
}

// parseOHLCV normaliza una fila [time, o, h, l, c, v] ya reordenada por el
// adapter al shape común. timeMS debe venir en ms alineado a minuto.
func parseOHLCV(sym domain.Symbol, src domain.Source, timeMS int64, fields [5]any) (domain.QuoteResult, error) {
	q := domain.QuoteResult{Symbol: sym, Source: src, Time: timeMS}
	vals := [5]*float64{&q.Open, &q.High, &q.Low, &q.Close, &q.Volume}
	for i, f := range fields {
		v, err := parsePrice(f)
		if err != nil {
			return domain.QuoteResult{}, err
		}
		*vals[i] = v
	}
	return q, nil
}
