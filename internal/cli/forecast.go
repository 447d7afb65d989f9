package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/raphaelgruber/omnisync/internal/models"
	"github.com/raphaelgruber/omnisync/internal/store"
)

var forecastWait bool

var forecastCmd = &cobra.Command{
	Use:   "forecast",
	Short: "Show, start and publish forecasts",
	Long: `Work with the latest forecast.

Examples:
  omnisync forecast show
  omnisync forecast start
  omnisync forecast start --wait=false
  omnisync forecast publish`,
	RunE: runForecastShow,
}

var forecastShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the latest forecast and its job",
	RunE:  runForecastShow,
}

var forecastStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a forecast run from the latest inputs and insights",
	RunE:  runForecastStart,
}

var forecastPublishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Publish the latest forecast",
	RunE:  runForecastPublish,
}

func init() {
	forecastStartCmd.Flags().BoolVarP(&forecastWait, "wait", "w", true, "follow the job until it finishes")

	forecastCmd.AddCommand(forecastShowCmd)
	forecastCmd.AddCommand(forecastStartCmd)
	forecastCmd.AddCommand(forecastPublishCmd)
}

type forecastView struct {
	Forecast *models.Forecast `json:"forecast" yaml:"forecast"`
	Job      *models.Job      `json:"job" yaml:"job"`
}

func renderForecast(cmd *cobra.Command, f *models.Forecast, job *models.Job) error {
	if f == nil && outputFormat == formatTable {
		fmt.Println("No forecast yet.")
		return nil
	}
	return render(cmd.OutOrStdout(), outputFormat, forecastView{f, job}, func(t table.Writer) {
		t.AppendHeader(table.Row{"ID", "Status", "File", "Created", "Job", "Job status", "Progress"})
		row := table.Row{f.ID, f.Status, deref(f.FileID), f.CreatedAt, "-", "-", "-"}
		if job != nil {
			row[4], row[5], row[6] = job.ID, job.Status, fmt.Sprintf("%.0f%%", job.Progress*100)
			if job.Error != nil {
				t.AppendFooter(table.Row{"", "", "", "", "", "error", *job.Error})
			}
		}
		t.AppendRow(row)
	})
}

func runForecastShow(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	stores := newStores(ctx)
	defer stores.Close()

	if err := stores.Forecast.EnsureLoaded(ctx); err != nil {
		return err
	}
	f, job := stores.Forecast.Peek()
	return renderForecast(cmd, f, job)
}

func runForecastStart(cmd *cobra.Command, args []string) error {
	if err := requireLogin(); err != nil {
		return err
	}
	ctx := context.Background()
	stores := newStores(ctx)
	defer stores.Close()

	f, job, err := stores.Forecast.StartForecast(ctx)
	if err != nil {
		return err
	}
	if !forecastWait || job == nil || job.Terminal() {
		return renderForecast(cmd, f, job)
	}

	if term.IsTerminal(int(os.Stdout.Fd())) {
		label := fmt.Sprintf("forecast %d", f.ID)
		err = runProgress(stores.Forecast, func() progressState {
			return forecastProgress(stores.Forecast, label)
		}, fmt.Sprintf("Forecast %d continues in background.\nUse 'omnisync forecast show' to check status.", f.ID))
		if err != nil {
			return err
		}
		if _, job := stores.Forecast.Peek(); job == nil || !job.Terminal() {
			return nil
		}
	}

	// the forecast is refetched once its job is terminal
	if err := stores.Forecast.WaitJob(ctx); err != nil {
		return err
	}
	f, job = stores.Forecast.Peek()
	return renderForecast(cmd, f, job)
}

// forecastProgress reports the forecast job; done once it is terminal.
func forecastProgress(s *store.ForecastStore, label string) progressState {
	_, job := s.Peek()
	if job == nil {
		return progressState{}
	}
	row := progressRow{Label: label, Progress: job.Progress, Status: job.Status, Err: job.ErrorText()}
	return progressState{Rows: []progressRow{row}, Done: job.Terminal()}
}

func runForecastPublish(cmd *cobra.Command, args []string) error {
	if err := requireLogin(); err != nil {
		return err
	}
	ctx := context.Background()
	stores := newStores(ctx)
	defer stores.Close()

	if err := stores.Forecast.EnsureLoaded(ctx); err != nil {
		return err
	}
	f, err := stores.Forecast.PublishForecast(ctx)
	if err != nil {
		return err
	}
	_, job := stores.Forecast.Peek()
	return renderForecast(cmd, f, job)
}
