package domain

import "time"

// CycleSummary es el registro de auditoría de un ciclo por minuto: qué
// providers fallaron, cuántas velas se clonaron y cuántos símbolos llegaron
// al settlement. Una fila por minuto, pesa poco y alimenta el report.
type CycleSummary struct {
	ID        string // uuid del ciclo, presente también en los logs
	Minute    int64  // minuto procesado (Unix ms)
	Failed    []Source
	Cloned    int
	Settled   int
	StartedAt time.Time
}
