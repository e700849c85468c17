package main

// Reporte de estado por consola: últimas velas de consenso por símbolo y
// salud de los providers según los resúmenes de ciclo recientes.

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/alejandrodnm/oraclebot/config"
	"github.com/alejandrodnm/oraclebot/internal/adapters/storage"
	"github.com/alejandrodnm/oraclebot/internal/domain"
)

const (
	reportCandles = 10
	reportCycles  = 60
)

func runReport(store *storage.Store, cfg *config.Config) {
	ctx := context.Background()

	printCandles(ctx, store, cfg)
	printProviderHealth(ctx, store)
}

func printCandles(ctx context.Context, store *storage.Store, cfg *config.Config) {
	now := domain.MinuteOf(time.Now())
	from := now - reportCandles*domain.MinuteMS

	for _, sym := range cfg.SymbolList() {
		candles, err := store.FindRange(ctx, sym, from, now)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", sym, err)
			continue
		}
		if len(candles) == 0 {
			continue
		}

		fmt.Printf("\n%s — últimas %d velas de consenso\n", sym, len(candles))
		table := tablewriter.NewWriter(os.Stdout)
		table.Header("Minute (UTC)", "Open", "High", "Low", "Close", "Volume", "Flags")

		d := cfg.Decimals(sym)
		for _, c := range candles {
			flags := ""
			if c.IsCloned {
				flags = "cloned"
			}
			if len(c.ProviderStatuses) > 0 {
				if flags != "" {
					flags += " "
				}
				flags += fmt.Sprintf("missing:%d", len(c.ProviderStatuses))
			}
			table.Append(
				time.UnixMilli(c.Time).UTC().Format("15:04"),
				fmt.Sprintf("%.*f", d, c.Open),
				fmt.Sprintf("%.*f", d, c.High),
				fmt.Sprintf("%.*f", d, c.Low),
				fmt.Sprintf("%.*f", d, c.Close),
				fmt.Sprintf("%.4f", c.Volume),
				flags,
			)
		}
		table.Render()
	}
}

func printProviderHealth(ctx context.Context, store *storage.Store) {
	cycles, err := store.RecentCycles(ctx, reportCycles)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cycles: %v\n", err)
		return
	}
	if len(cycles) == 0 {
		fmt.Println("\nSin ciclos registrados todavía.")
		return
	}

	failures := make(map[domain.Source]int)
	var cloned, settled int
	for _, cy := range cycles {
		for _, src := range cy.Failed {
			failures[src]++
		}
		cloned += cy.Cloned
		settled += cy.Settled
	}

	fmt.Printf("\nSalud de providers — últimos %d ciclos (clonadas: %d, liquidados: %d)\n",
		len(cycles), cloned, settled)
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Exchange", "Fallos", "% ciclos")

	for _, src := range domain.Exchanges() {
		n := failures[src]
		table.Append(
			string(src),
			fmt.Sprintf("%d", n),
			fmt.Sprintf("%.1f%%", float64(n)/float64(len(cycles))*100),
		)
	}
	table.Render()
}
