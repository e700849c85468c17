package domain

import "sync"

// ConsensusWindow acumula las respuestas de los exchanges para un minuto de
// procesamiento. Vive exactamente un ciclo: se crea al empezar el minuto y se
// descarta al terminar, eliminando cualquier fuga de estado entre ciclos.
//
// El fan-out de fetches escribe concurrentemente, de ahí el mutex; el resto
// del ciclo lee desde una única goroutine.
type ConsensusWindow struct {
	Minute int64 // minuto objetivo (inicio, Unix ms)

	mu     sync.Mutex
	quotes map[Source]map[Symbol]QuoteResult
	failed map[Source]bool
}

// NewConsensusWindow crea la ventana para el minuto dado.
func NewConsensusWindow(minute int64) *ConsensusWindow {
	quotes := make(map[Source]map[Symbol]QuoteResult, len(Exchanges()))
	for _, ex := range Exchanges() {
		quotes[ex] = make(map[Symbol]QuoteResult)
	}
	return &ConsensusWindow{
		Minute: minute,
		quotes: quotes,
		failed: make(map[Source]bool),
	}
}

// Stage registra la respuesta de un exchange y lo saca de la lista de
// fallos: un retry tardío que al final respondió cuenta como éxito. Un quote
// más viejo que el ya registrado se descarta sin tocar nada.
func (w *ConsensusWindow) Stage(q QuoteResult) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if prev, ok := w.quotes[q.Source][q.Symbol]; ok && prev.Time > q.Time {
		return
	}
	delete(w.failed, q.Source)
	w.quotes[q.Source][q.Symbol] = q
}

// MarkFailed añade el exchange a la lista de fallos del minuto.
func (w *ConsensusWindow) MarkFailed(src Source) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.failed[src] = true
}

// Quotes devuelve las respuestas disponibles para un símbolo, en el orden
// estable de Exchanges().
func (w *ConsensusWindow) Quotes(sym Symbol) []QuoteResult {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make([]QuoteResult, 0, len(w.quotes))
	for _, ex := range Exchanges() {
		if q, ok := w.quotes[ex][sym]; ok {
			out = append(out, q)
		}
	}
	return out
}

// Has indica si el exchange ya aportó quote para el símbolo.
func (w *ConsensusWindow) Has(src Source, sym Symbol) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.quotes[src][sym]
	return ok
}

// Failed devuelve los exchanges caídos en orden estable.
func (w *ConsensusWindow) Failed() []Source {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make([]Source, 0, len(w.failed))
	for _, ex := range Exchanges() {
		if w.failed[ex] {
			out = append(out, ex)
		}
	}
	return out
}

// FailedCount devuelve cuántos exchanges fallaron en el minuto.
func (w *ConsensusWindow) FailedCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.failed)
}

// HasFailed indica si un exchange concreto está marcado como caído.
func (w *ConsensusWindow) HasFailed(src Source) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.failed[src]
}

// Complete indica si todos los exchanges respondieron al menos un símbolo.
// Es la condición de salida temprana del loop de fan-out.
func (w *ConsensusWindow) Complete() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, ex := range Exchanges() {
		if len(w.quotes[ex]) == 0 {
			return false
		}
	}
	return true
}
