package aggregator

// El agregador es el corazón del oráculo: un ciclo por minuto que pide el
// minuto recién cerrado a todos los exchanges, calcula la vela de consenso
// ponderada por volumen, la persiste firmada y dispara el settlement.
//
// Cada ciclo trabaja sobre una ConsensusWindow nueva: nada de lo que pasó
// en un minuto contamina al siguiente.

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alejandrodnm/oraclebot/internal/domain"
	"github.com/alejandrodnm/oraclebot/internal/ports"
)

// trailingWindow es cuántas velas cerradas recientes suman el peso de un
// exchange en el consenso.
const trailingWindow = 60

// GapHealer repara velas clonadas una vez que el exchange publicó el dato
// definitivo. El agregador lo lanza al final de cada ciclo.
type GapHealer interface {
	Heal(ctx context.Context, cycleMinute int64)
}

// Config controla los tiempos y umbrales del ciclo.
type Config struct {
	Symbols           []domain.Symbol
	RetryCount        int           // intentos consecutivos por fetch dentro de una pasada
	FetchCutoffSecond int           // segundo del minuto que corta el fan-out
	DegradedThreshold int           // exchanges caídos a partir de los cuales se clona
	JitterMin         time.Duration // pausa aleatoria mínima entre reintentos
	JitterMax         time.Duration
}

// Aggregator orquesta el ciclo por minuto. Todas las dependencias se
// inyectan desde cmd/.
type Aggregator struct {
	cfg       Config
	providers []ports.QuoteProvider
	store     ports.CandleStore
	settler   ports.Settler
	healer    GapHealer
	now       func() time.Time
	log       *slog.Logger
}

// Option ajusta dependencias opcionales del Aggregator.
type Option func(*Aggregator)

// WithNow reemplaza el reloj, para tests.
func WithNow(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

// WithHealer engancha el reparador de huecos al final de cada ciclo.
func WithHealer(h GapHealer) Option {
	return func(a *Aggregator) { a.healer = h }
}

// New crea el agregador. settler puede ser nil (modo solo-datos, sin
// ejecución on-chain).
func New(cfg Config, providers []ports.QuoteProvider, store ports.CandleStore, settler ports.Settler, log *slog.Logger, opts ...Option) *Aggregator {
	if cfg.RetryCount < 1 {
		cfg.RetryCount = 1
	}
	a := &Aggregator{
		cfg:       cfg,
		providers: providers,
		store:     store,
		settler:   settler,
		now:       time.Now,
		log:       log,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Run ejecuta ciclos hasta que el contexto se cancele. Cada ciclo arranca
// poco después del cambio de minuto, con un jitter aleatorio para no
// golpear a los cuatro exchanges en el mismo milisegundo que todo el mundo.
func (a *Aggregator) Run(ctx context.Context) error {
	a.log.Info("agregador en marcha",
		"symbols", len(a.cfg.Symbols),
		"providers", len(a.providers),
		"fetch_cutoff_s", a.cfg.FetchCutoffSecond,
	)

	for {
		if err := a.sleepUntilNextMinute(ctx); err != nil {
			a.log.Info("agregador detenido")
			return nil
		}
		a.RunCycle(ctx)
	}
}

func (a *Aggregator) sleepUntilNextMinute(ctx context.Context) error {
	now := a.now()
	next := time.UnixMilli(domain.MinuteOf(now) + domain.MinuteMS)
	wait := next.Sub(now) + a.jitter()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(wait):
		return nil
	}
}

func (a *Aggregator) jitter() time.Duration {
	if a.cfg.JitterMax <= a.cfg.JitterMin {
		return a.cfg.JitterMin
	}
	return a.cfg.JitterMin + time.Duration(rand.Int63n(int64(a.cfg.JitterMax-a.cfg.JitterMin)))
}

// RunCycle procesa un ciclo completo: consenso del minuto recién cerrado,
// persistencia y settlement. Exportado para el modo -once.
func (a *Aggregator) RunCycle(ctx context.Context) {
	started := a.now()
	cycleMinute := domain.MinuteOf(started)
	target := cycleMinute - domain.MinuteMS

	log := a.log.With("cycle", uuid.New().String(), "minute", target)
	log.Debug("ciclo iniciado")

	window := domain.NewConsensusWindow(target)
	a.fanOut(ctx, log, window, cycleMinute)

	failed := window.Failed()
	if len(failed) > 0 {
		log.Warn("exchanges sin respuesta este minuto", "failed", failed)
	}

	summary := domain.CycleSummary{
		ID:        uuid.New().String(),
		Minute:    target,
		Failed:    failed,
		StartedAt: started.UTC(),
	}

	degraded := window.FailedCount() >= a.cfg.DegradedThreshold

	var wg sync.WaitGroup
	for _, sym := range a.cfg.Symbols {
		consensus, cloned := a.consensusFor(ctx, log, window, sym, degraded)
		if consensus == nil {
			continue
		}
		if cloned {
			// Una vela clonada no liquida: su precio es de otro minuto.
			summary.Cloned++
			continue
		}
		if a.settler == nil {
			continue
		}

		price, err := a.store.CurrentPrice(ctx, sym, cycleMinute)
		if err != nil {
			log.Error("sin precio actual para liquidar", "symbol", sym, "err", err)
			continue
		}
		summary.Settled++
		wg.Add(1)
		go func(sym domain.Symbol, price float64) {
			defer wg.Done()
			a.settler.Settle(ctx, sym, price, cycleMinute, failed)
		}(sym, price)
	}
	wg.Wait()

	if err := a.store.SaveCycle(ctx, summary); err != nil {
		log.Warn("no se pudo guardar el resumen del ciclo", "err", err)
	}
	if a.healer != nil {
		go a.healer.Heal(ctx, cycleMinute)
	}
	log.Info("ciclo completado",
		"failed", len(failed), "cloned", summary.Cloned, "settled", summary.Settled,
		"elapsed", a.now().Sub(started).Round(time.Millisecond))
}

// fanOut lanza los fetches de todos los (provider, symbol) en paralelo y
// repite pasadas sobre lo que falte hasta completar la ventana o hasta que
// el reloj pase el cutoff del minuto. Un exchange que falló en una pasada
// vuelve a intentarse en la siguiente: mientras quede tiempo, ningún fallo
// es definitivo.
func (a *Aggregator) fanOut(ctx context.Context, log *slog.Logger, w *domain.ConsensusWindow, cycleMinute int64) {
	for pass := 0; ; pass++ {
		if w.Complete() {
			return
		}
		now := a.now()
		if domain.MinuteOf(now) != cycleMinute || domain.SecondOfMinute(now) > a.cfg.FetchCutoffSecond {
			return
		}
		if pass > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(a.jitter()):
			}
		}

		var wg sync.WaitGroup
		for _, p := range a.providers {
			for _, sym := range a.cfg.Symbols {
				if !p.Supports(sym) || w.Has(p.Name(), sym) {
					continue
				}
				wg.Add(1)
				go func(p ports.QuoteProvider, sym domain.Symbol) {
					defer wg.Done()
					a.fetchOne(ctx, log, w, p, sym, cycleMinute)
				}(p, sym)
			}
		}
		wg.Wait()
	}
}

// fetchOne intenta el fetch hasta RetryCount veces seguidas antes de marcar
// el exchange como caído en esta pasada.
func (a *Aggregator) fetchOne(ctx context.Context, log *slog.Logger, w *domain.ConsensusWindow, p ports.QuoteProvider, sym domain.Symbol, cycleMinute int64) {
	var lastErr error
	for attempt := 0; attempt < a.cfg.RetryCount; attempt++ {
		if attempt > 0 {
			now := a.now()
			if domain.MinuteOf(now) != cycleMinute || domain.SecondOfMinute(now) > a.cfg.FetchCutoffSecond {
				break
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(a.jitter()):
			}
		}

		q, err := p.Fetch(ctx, sym, w.Minute)
		if err == nil {
			w.Stage(q)
			return
		}
		lastErr = err
		if errors.Is(err, domain.ErrMalformedQuote) || errors.Is(err, domain.ErrQuoteUnavailable) {
			// Corrupto: reintentar daría lo mismo. No publicado: el sondeo
			// del adapter ya esperó hasta su propio cutoff.
			break
		}
	}

	w.MarkFailed(p.Name())
	level := slog.LevelWarn
	if errors.Is(lastErr, domain.ErrMalformedQuote) {
		level = slog.LevelError
	}
	log.Log(ctx, level, "fetch fallido", "source", p.Name(), "symbol", sym, "err", lastErr)
}

// consensusFor calcula y persiste la vela del símbolo. Devuelve la vela y
// si fue clonada; nil cuando el minuto quedó irrecuperable.
func (a *Aggregator) consensusFor(ctx context.Context, log *slog.Logger, w *domain.ConsensusWindow, sym domain.Symbol, degraded bool) (*domain.Candle, bool) {
	quotes := w.Quotes(sym)

	if degraded || len(quotes) == 0 {
		c, err := a.store.ClonePrev(ctx, sym, w.Minute)
		if err != nil {
			log.Error("clonado del minuto anterior falló", "symbol", sym, "err", err)
			return nil, false
		}
		if c == nil {
			log.Error("minuto irrecuperable: sin quotes ni vela previa", "symbol", sym)
			return nil, false
		}
		log.Warn("vela clonada por ventana degradada", "symbol", sym)
		return c, true
	}

	for _, q := range quotes {
		if _, err := a.store.Save(ctx, q.Candle()); err != nil {
			log.Warn("no se pudo persistir la vela del exchange",
				"source", q.Source, "symbol", sym, "err", err)
		}
	}

	weights := make(map[domain.Source]float64, len(quotes))
	for _, q := range quotes {
		v, err := a.store.TrailingVolume(ctx, sym, q.Source, trailingWindow)
		if err != nil {
			log.Warn("volumen trailing no disponible, peso cero",
				"source", q.Source, "symbol", sym, "err", err)
			continue
		}
		weights[q.Source] = v
	}

	consensus := domain.WeightedConsensus(sym, w.Minute, quotes, weights,
		a.attempted(sym), a.missingFor(w, sym))

	prev, err := a.store.GetConsensus(ctx, sym, w.Minute-domain.MinuteMS)
	if err == nil && prev != nil {
		consensus = domain.StitchOpen(consensus, prev.Close)
	}

	saved, err := a.store.Save(ctx, consensus)
	if err != nil {
		log.Error("no se pudo persistir la vela de consenso", "symbol", sym, "err", err)
		return nil, false
	}
	return &saved, false
}

// attempted cuenta los providers que cubren el símbolo, respondan o no.
func (a *Aggregator) attempted(sym domain.Symbol) int {
	n := 0
	for _, p := range a.providers {
		if p.Supports(sym) {
			n++
		}
	}
	return n
}

// missingFor lista los providers que cubren el símbolo pero no aportaron
// quote este minuto.
func (a *Aggregator) missingFor(w *domain.ConsensusWindow, sym domain.Symbol) []domain.Source {
	var out []domain.Source
	for _, p := range a.providers {
		if p.Supports(sym) && !w.Has(p.Name(), sym) {
			out = append(out, p.Name())
		}
	}
	return out
}
