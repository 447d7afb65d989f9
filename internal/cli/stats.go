package cli

import (
	"context"
	"fmt"
	"slices"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/raphaelgruber/omnisync/internal/metrics"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Load every collection once and show client timing statistics",
	Long: `Populate inputs, insights, the forecast and your charts in parallel, then
print request and fetch timings collected by the client.

Examples:
  omnisync stats
  omnisync stats -o json`,
	RunE: runStats,
}

func runStats(cmd *cobra.Command, args []string) error {
	if err := requireLogin(); err != nil {
		return err
	}
	ctx := context.Background()
	stores := newStores(ctx)
	defer stores.Close()

	// failures are recorded by the collector; keep going to report them
	var g errgroup.Group
	g.Go(func() error { return stores.Inputs.EnsureLoaded(ctx) })
	g.Go(func() error { return stores.Insights.EnsureLoaded(ctx) })
	g.Go(func() error {
		// chart data is keyed by the forecast id
		var pg errgroup.Group
		pg.Go(func() error { return stores.Forecast.EnsureLoaded(ctx) })
		pg.Go(func() error { return stores.Charts.EnsureLoaded(ctx) })
		if err := pg.Wait(); err != nil {
			return err
		}
		var cg errgroup.Group
		for _, uc := range stores.Charts.Items() {
			chart := stores.Charts.Chart(uc.ChartKey)
			cg.Go(func() error { return chart.Load(ctx) })
		}
		return cg.Wait()
	})
	if err := g.Wait(); err != nil {
		logger.Warn("some collections failed to load", "error", err)
	}

	snap := collector.Snapshot()
	if outputFormat != formatTable {
		return render(cmd.OutOrStdout(), outputFormat, snap, nil)
	}
	printClientStats(snap)
	return nil
}

// printClientStats displays client runtime statistics.
func printClientStats(snap metrics.Snapshot) {
	fmt.Printf("Client Statistics (this invocation)\n")
	fmt.Printf("═══════════════════════════════════════\n")
	fmt.Printf("Uptime: %.1f seconds\n\n", snap.UptimeSeconds)

	ops := make([]string, 0, len(snap.Operations))
	for op := range snap.Operations {
		ops = append(ops, op)
	}
	slices.Sort(ops)

	t := table.NewWriter()
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Operation", "Calls", "Failures", "Total ms", "Avg ms", "Min ms", "Max ms"})
	for _, op := range ops {
		s := snap.Operations[op]
		t.AppendRow(table.Row{op, s.Count, s.Failures, s.TotalTimeMs, fmt.Sprintf("%.1f", s.AvgTimeMs), s.MinTimeMs, s.MaxTimeMs})
	}
	fmt.Println(t.Render())

	if len(snap.StaleDiscards) > 0 {
		fmt.Printf("\nStale results discarded:\n")
		for cache, n := range snap.StaleDiscards {
			fmt.Printf("  %-15s %d\n", cache, n)
		}
	}
}
