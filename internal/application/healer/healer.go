package healer

// Reparador de huecos: las velas clonadas por ventanas degradadas se
// corrigen en cuanto los exchanges publican el dato definitivo del minuto.
// Corre en segundo plano al final de cada ciclo y se retira solo en cuanto
// el minuto cambia: nunca compite con el fan-out del ciclo siguiente.

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alejandrodnm/oraclebot/internal/domain"
	"github.com/alejandrodnm/oraclebot/internal/ports"
)

// fetchTimeout acota cada refetch histórico: el dato o está publicado ya o
// no va a aparecer en los próximos segundos.
const fetchTimeout = 10 * time.Second

// Healer repara las velas de consenso clonadas.
type Healer struct {
	symbols   []domain.Symbol
	providers []ports.QuoteProvider
	store     ports.CandleStore
	threshold int // exchanges ausentes a partir de los cuales el hueco se deja para luego
	now       func() time.Time
	log       *slog.Logger

	running atomic.Bool
}

// New crea el healer. threshold es el mismo umbral de degradación del
// agregador: por debajo de él la vela recompuesta es un consenso real.
func New(symbols []domain.Symbol, providers []ports.QuoteProvider, store ports.CandleStore, threshold int, log *slog.Logger) *Healer {
	return &Healer{
		symbols:   symbols,
		providers: providers,
		store:     store,
		threshold: threshold,
		now:       time.Now,
		log:       log,
	}
}

// WithNow reemplaza el reloj, para tests.
func (h *Healer) WithNow(now func() time.Time) *Healer {
	h.now = now
	return h
}

// Heal recorre los minutos con velas clonadas y los recompone. Se detiene
// al cambiar de minuto (cycleMinute es el minuto en el que corre el ciclo
// actual) y nunca solapa dos pasadas.
func (h *Healer) Heal(ctx context.Context, cycleMinute int64) {
	if !h.running.CompareAndSwap(false, true) {
		return
	}
	defer h.running.Store(false)

	times, err := h.store.ClonedTimes(ctx)
	if err != nil {
		h.log.Warn("no se pudieron listar las velas clonadas", "err", err)
		return
	}

	for _, t := range times {
		if ctx.Err() != nil || domain.MinuteOf(h.now()) != cycleMinute {
			return
		}
		for _, sym := range h.symbols {
			c, err := h.store.GetConsensus(ctx, sym, t)
			if err != nil || c == nil || !c.IsCloned {
				continue
			}
			if err := h.healOne(ctx, sym, t); err != nil {
				h.log.Warn("reparación fallida, se reintentará",
					"symbol", sym, "minute", t, "err", err)
			}
		}
	}
}

// healOne refetchea el minuto de todos los exchanges y sobreescribe la vela
// clonada con un consenso real. Un minuto con demasiados exchanges todavía
// ausentes se deja clonado para la siguiente pasada.
func (h *Healer) healOne(ctx context.Context, sym domain.Symbol, timeMS int64) error {
	fetchCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	var (
		mu      sync.Mutex
		quotes  []domain.QuoteResult
		missing []domain.Source
		wg      sync.WaitGroup
	)
	attempted := 0
	for _, p := range h.providers {
		if !p.Supports(sym) {
			continue
		}
		attempted++
		wg.Add(1)
		go func(p ports.QuoteProvider) {
			defer wg.Done()
			q, err := p.Fetch(fetchCtx, sym, timeMS)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				missing = append(missing, p.Name())
				return
			}
			quotes = append(quotes, q)
		}(p)
	}
	wg.Wait()

	if len(missing) >= h.threshold || len(quotes) == 0 {
		// Se re-clona en vez de dejar la copia vieja: el minuto anterior
		// pudo haberse reparado desde que se clonó esta vela.
		if _, err := h.store.ClonePrev(ctx, sym, timeMS); err != nil {
			return err
		}
		h.log.Debug("minuto aún sin datos suficientes, re-clonado",
			"symbol", sym, "minute", timeMS, "missing", missing)
		return nil
	}

	for _, q := range quotes {
		if _, err := h.store.Save(ctx, q.Candle()); err != nil {
			return err
		}
	}

	weights := make(map[domain.Source]float64, len(quotes))
	for _, q := range quotes {
		v, err := h.store.TrailingVolume(ctx, sym, q.Source, 60)
		if err != nil {
			continue
		}
		weights[q.Source] = v
	}

	healed := domain.WeightedConsensus(sym, timeMS, quotes, weights, attempted, missing)

	if prev, err := h.store.GetConsensus(ctx, sym, timeMS-domain.MinuteMS); err == nil && prev != nil {
		healed = domain.StitchOpen(healed, prev.Close)
	}
	// Si la vela siguiente ya es real, el close se empalma con su open para
	// no dejar un escalón en mitad de la serie.
	if next, err := h.store.GetConsensus(ctx, sym, timeMS+domain.MinuteMS); err == nil && next != nil && !next.IsCloned {
		healed.Close = next.Open
		if healed.Close > healed.High {
			healed.High = healed.Close
		}
		if healed.Close < healed.Low {
			healed.Low = healed.Close
		}
	}

	if _, err := h.store.Save(ctx, healed); err != nil {
		return err
	}
	h.log.Info("vela clonada reparada", "symbol", sym, "minute", timeMS,
		"sources", len(quotes))
	return nil
}
