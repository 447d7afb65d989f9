package cli

import (
	"context"
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/raphaelgruber/omnisync/internal/models"
	"github.com/raphaelgruber/omnisync/internal/store"
)

var chartAgg string

var chartsCmd = &cobra.Command{
	Use:   "charts",
	Short: "Manage and show your charts",
	Long: `Charts aggregate a value field of the latest forecast grouped by a field.
A chart key reads "<x>,<agg>/<y>", e.g. "region,sum/forecast".

Examples:
  omnisync charts list
  omnisync charts add region forecast --agg avg
  omnisync charts show "region,avg/forecast"`,
	RunE: runChartsList,
}

var chartsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List your pinned charts",
	RunE:  runChartsList,
}

var chartsAddCmd = &cobra.Command{
	Use:   "add <x-field> <y-field>",
	Short: "Pin a chart grouping y by x",
	Args:  cobra.ExactArgs(2),
	RunE:  runChartsAdd,
}

var chartsShowCmd = &cobra.Command{
	Use:   "show <chart-key>",
	Short: "Show the data of a chart for the latest forecast",
	Args:  cobra.ExactArgs(1),
	RunE:  runChartsShow,
}

func init() {
	chartsAddCmd.Flags().StringVarP(&chartAgg, "agg", "a", models.DefaultAggregation, "aggregation: sum, avg, min, max or count")

	chartsCmd.AddCommand(chartsListCmd)
	chartsCmd.AddCommand(chartsAddCmd)
	chartsCmd.AddCommand(chartsShowCmd)
}

func renderUserCharts(cmd *cobra.Command, charts []models.UserChart) error {
	return render(cmd.OutOrStdout(), outputFormat, charts, func(t table.Writer) {
		t.AppendHeader(table.Row{"ID", "Key", "Aggregation", "Fields", "Created"})
		for _, c := range charts {
			t.AppendRow(table.Row{c.ID, c.ChartKey, c.ChartKey.Aggregation(), c.ChartKey.Fields(), c.CreatedAt})
		}
	})
}

func runChartsList(cmd *cobra.Command, args []string) error {
	if err := requireLogin(); err != nil {
		return err
	}
	ctx := context.Background()
	stores := newStores(ctx)
	defer stores.Close()

	if err := stores.Charts.EnsureLoaded(ctx); err != nil {
		return err
	}
	charts := stores.Charts.Items()
	if outputFormat == formatTable && len(charts) == 0 {
		fmt.Println("No charts pinned.")
		return nil
	}
	return renderUserCharts(cmd, charts)
}

func runChartsAdd(cmd *cobra.Command, args []string) error {
	if err := requireLogin(); err != nil {
		return err
	}
	ctx := context.Background()
	stores := newStores(ctx)
	defer stores.Close()

	uc, err := stores.Charts.CreateChart(ctx, args[0], args[1], chartAgg)
	if err != nil {
		return err
	}
	return renderUserCharts(cmd, []models.UserChart{*uc})
}

func runChartsShow(cmd *cobra.Command, args []string) error {
	key := models.ChartKey(args[0])
	if err := key.Validate(); err != nil {
		return err
	}

	ctx := context.Background()
	stores := newStores(ctx)
	defer stores.Close()

	if err := stores.Forecast.EnsureLoaded(ctx); err != nil {
		return err
	}
	if stores.Forecast.ForecastID() == 0 {
		return store.ErrNoForecast
	}

	chart := stores.Charts.Chart(key)
	if err := chart.Load(ctx); err != nil {
		return err
	}
	return renderChart(cmd, chart)
}

func renderChart(cmd *cobra.Command, chart *store.Chart) error {
	data := chart.Peek()
	if data == nil {
		return fmt.Errorf("chart %s has no data", chart.Key())
	}
	return render(cmd.OutOrStdout(), outputFormat, data, func(t table.Writer) {
		t.SetTitle(fmt.Sprintf("%s (forecast %d)", chart.Key(), data.ForecastID))
		t.AppendHeader(chartHeader(chart.Key()))
		for _, row := range data.Data {
			r := make(table.Row, len(row))
			for i, v := range row {
				r[i] = formatValue(v)
			}
			t.AppendRow(r)
		}
	})
}

func chartHeader(key models.ChartKey) table.Row {
	fields := key.Fields()
	header := make(table.Row, len(fields))
	for i, f := range fields {
		header[i] = f
	}
	last := len(fields) - 1
	header[last] = fmt.Sprintf("%s(%s)", key.Aggregation(), fields[last])
	return header
}
