package domain

// Cálculo del consenso ponderado por volumen. Puro: las fuentes de los
// pesos (volumen trailing en storage) y de las quotes (exchanges) viven en
// los adapters; aquí solo entra aritmética.

// WeightedConsensus combina las quotes de un minuto en una única vela de
// consenso. Cada campo OHLC es la media ponderada Σ(peso·valor)/Σpeso,
// donde el peso de cada exchange es su volumen negociado reciente: el
// precio de quien más mueve pesa más.
//
// Si todos los pesos son cero (arranque en frío, o base de datos recién
// purgada) se degrada a la suma de valores dividida por el número de
// exchanges CONSULTADOS, no por los que respondieron: con respuestas
// parciales el resultado queda sesgado hacia cero en vez de hacerse pasar
// por un consenso completo.
//
// El volumen de la vela resultante es la suma cruda de los volúmenes, sin
// ponderar. attempted es el número de exchanges consultados y failed los
// que no contribuyeron; ambos quedan registrados en la vela.
func WeightedConsensus(sym Symbol, timeMS int64, quotes []QuoteResult, weights map[Source]float64, attempted int, failed []Source) Candle {
	c := Candle{
		Symbol:           sym,
		Time:             timeMS,
		Source:           SourceDefault,
		ProviderStatuses: failed,
	}
	if len(quotes) == 0 {
		return c
	}

	var totalWeight float64
	for _, q := range quotes {
		totalWeight += weights[q.Source]
		c.Volume += q.Volume
	}

	if totalWeight == 0 {
		n := float64(attempted)
		for _, q := range quotes {
			c.Open += q.Open / n
			c.High += q.High / n
			c.Low += q.Low / n
			c.Close += q.Close / n
		}
		return c
	}

	for _, q := range quotes {
		w := weights[q.Source] / totalWeight
		c.Open += w * q.Open
		c.High += w * q.High
		c.Low += w * q.Low
		c.Close += w * q.Close
	}
	return c
}

// StitchOpen empalma la vela de consenso con la anterior: el open pasa a
// ser el close previo y high/low se ensanchan si hace falta. Las series por
// minuto quedan continuas aunque cada exchange cierre el minuto en un tick
// distinto.
func StitchOpen(c Candle, prevClose float64) Candle {
	c.Open = prevClose
	if c.Open > c.High {
		c.High = c.Open
	}
	if c.Open < c.Low {
		c.Low = c.Open
	}
	return c
}
