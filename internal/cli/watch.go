package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"charm.land/bubbles/v2/progress"
	tea "charm.land/bubbletea/v2"
	"github.com/go-chi/chi/v5"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/raphaelgruber/omnisync/internal/models"
	"github.com/raphaelgruber/omnisync/internal/store"
)

var watchOnce bool

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Live dashboard of inputs, insights, the forecast and your charts",
	Long: `Show a dashboard that updates as uploads progress, forecast jobs run and
charts are refetched. Press r to refresh everything and q to quit.

When OMNISYNC_METRICS_ADDR is set, client metrics are served on /metrics.

Examples:
  omnisync watch
  omnisync watch --once -o yaml`,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().BoolVar(&watchOnce, "once", false, "load everything once, print and exit")
}

func runWatch(cmd *cobra.Command, args []string) error {
	if err := requireLogin(); err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stores := newStores(ctx)
	defer stores.Close()

	if cfg.MetricsAddr != "" {
		stop := serveMetrics(cfg.MetricsAddr)
		defer stop()
	}

	if watchOnce || !term.IsTerminal(int(os.Stdout.Fd())) {
		return printDashboard(ctx, cmd, stores)
	}

	model := newDashboardModel(stores)
	defer model.close()
	if _, err := tea.NewProgram(model).Run(); err != nil {
		return fmt.Errorf("dashboard UI error: %w", err)
	}
	return nil
}

// serveMetrics exposes the Prometheus registry until stop is called.
func serveMetrics(addr string) (stop func()) {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("serving metrics", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

type dashboardSnapshot struct {
	Forecast *models.Forecast       `json:"forecast" yaml:"forecast"`
	Job      *models.Job            `json:"job" yaml:"job"`
	Inputs   []models.Input         `json:"inputs" yaml:"inputs"`
	Uploads  []store.FileInProgress `json:"uploads" yaml:"uploads"`
	Insights []models.Insight       `json:"insights" yaml:"insights"`
	Charts   []*models.Chart        `json:"charts" yaml:"charts"`
}

// printDashboard populates every store in parallel and prints one snapshot.
func printDashboard(ctx context.Context, cmd *cobra.Command, stores *store.Stores) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return stores.Inputs.EnsureLoaded(gctx) })
	g.Go(func() error { return stores.Insights.EnsureLoaded(gctx) })
	g.Go(func() error { return stores.Forecast.EnsureLoaded(gctx) })
	g.Go(func() error { return stores.Charts.EnsureLoaded(gctx) })
	if err := g.Wait(); err != nil {
		return err
	}

	userCharts := stores.Charts.Items()
	charts := make([]*store.Chart, len(userCharts))
	cg, cctx := errgroup.WithContext(ctx)
	for i, uc := range userCharts {
		charts[i] = stores.Charts.Chart(uc.ChartKey)
		cg.Go(func() error { return charts[i].Load(cctx) })
	}
	if err := cg.Wait(); err != nil {
		return err
	}

	f, job := stores.Forecast.Peek()
	inputs := stores.Inputs.Snapshot()
	snap := dashboardSnapshot{
		Forecast: f,
		Job:      job,
		Inputs:   inputs.Inputs,
		Uploads:  inputs.Uploads,
		Insights: stores.Insights.Items(),
	}
	for _, c := range charts {
		if data := c.Peek(); data != nil {
			snap.Charts = append(snap.Charts, data)
		}
	}

	if outputFormat != formatTable {
		return render(cmd.OutOrStdout(), outputFormat, snap, nil)
	}
	fmt.Fprint(cmd.OutOrStdout(), renderDashboard(stores, nil, defaultTheme))
	return nil
}

// dashboardModel is the bubbletea model for the live dashboard.
type dashboardModel struct {
	stores   *store.Stores
	changes  chan struct{}
	cancels  map[string]func()
	progress progress.Model
	theme    Theme
	status   string
}

func newDashboardModel(stores *store.Stores) dashboardModel {
	m := dashboardModel{
		stores:   stores,
		changes:  make(chan struct{}, 1),
		cancels:  make(map[string]func()),
		progress: progress.New(progress.WithDefaultBlend(), progress.WithWidth(30)),
		theme:    defaultTheme,
	}
	m.follow("inputs", stores.Inputs)
	m.follow("insights", stores.Insights)
	m.follow("forecast", stores.Forecast)
	m.follow("charts", stores.Charts)
	return m
}

// follow forwards change notifications of src into the model's channel.
func (m dashboardModel) follow(name string, src store.Observable) {
	if _, ok := m.cancels[name]; ok {
		return
	}
	m.cancels[name] = src.OnChange(func() {
		select {
		case m.changes <- struct{}{}:
		default:
		}
	})
}

func (m dashboardModel) close() {
	for _, cancel := range m.cancels {
		cancel()
	}
}

// Init returns the initial command (wait for the first change).
func (m dashboardModel) Init() tea.Cmd {
	return tea.Batch(waitForChange(m.changes), m.progress.Init())
}

// refreshMsg reports the outcome of a manual refresh.
type refreshMsg struct{ err error }

// Update handles messages and returns the updated model.
func (m dashboardModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyPressMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		case "r":
			m.status = "refreshing..."
			return m, m.refresh()
		}

	case changedMsg:
		for _, uc := range m.stores.Charts.Peek() {
			m.follow("chart:"+uc.ChartKey.String(), m.stores.Charts.Chart(uc.ChartKey))
		}
		return m, waitForChange(m.changes)

	case refreshMsg:
		m.status = ""
		if msg.err != nil {
			m.status = "refresh failed: " + msg.err.Error()
		}
		return m, nil

	case progress.FrameMsg:
		var cmd tea.Cmd
		m.progress, cmd = m.progress.Update(msg)
		return m, cmd
	}

	return m, nil
}

// refresh refetches every collection. Runs as a command to avoid blocking Update().
func (m dashboardModel) refresh() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.ClientTimeout)
		defer cancel()

		var g errgroup.Group
		g.Go(func() error { return m.stores.Inputs.Refresh(ctx) })
		g.Go(func() error { return m.stores.Insights.Refresh(ctx) })
		g.Go(func() error { return m.stores.Forecast.Refresh(ctx) })
		g.Go(func() error { return m.stores.Charts.Refresh(ctx) })
		return refreshMsg{err: g.Wait()}
	}
}

// View renders the dashboard.
func (m dashboardModel) View() tea.View {
	var b strings.Builder
	b.WriteString(renderDashboard(m.stores, &m.progress, m.theme))
	if m.status != "" {
		b.WriteString(m.theme.statusStyle().Render(m.status) + "\n")
	}
	b.WriteString(m.theme.hintStyle().Render("r refresh · q quit") + "\n")
	return tea.NewView(b.String())
}

// renderDashboard reads every store through its lazy getters, so the first
// render starts all population fetches.
func renderDashboard(stores *store.Stores, bar *progress.Model, theme Theme) string {
	var b strings.Builder

	section := func(title string, loading bool, err error) bool {
		b.WriteString(theme.completedStyle().Render(title) + "\n")
		switch {
		case err != nil:
			b.WriteString(theme.errorStyle().Render("  "+err.Error()) + "\n\n")
			return false
		case loading:
			b.WriteString(theme.hintStyle().Render("  loading...") + "\n\n")
			return false
		}
		return true
	}

	f, job := stores.Forecast.Forecast(), stores.Forecast.Job()
	if section("Forecast", stores.Forecast.Loading(), stores.Forecast.Err()) {
		if f == nil {
			b.WriteString("  no forecast yet\n")
		} else {
			fmt.Fprintf(&b, "  #%d %s file=%s created=%s\n", f.ID, f.Status, deref(f.FileID), f.CreatedAt)
		}
		if job != nil {
			b.WriteString("  " + renderJob(theme, bar, job.Status, job.Progress, "job "+job.ID, job.ErrorText()) + "\n")
		}
		b.WriteString("\n")
	}

	inputs := stores.Inputs.Snapshot()
	if section("Inputs", inputs.Loading, inputs.Err) {
		t := table.NewWriter()
		t.SetStyle(table.StyleLight)
		t.AppendHeader(table.Row{"ID", "File", "Size", "Uploaded by", "Created"})
		for _, in := range inputs.Inputs {
			t.AppendRow(table.Row{in.ID, in.FileName, formatBytes(in.Size), in.Username, in.CreatedAt})
		}
		b.WriteString(t.Render() + "\n")
		for _, u := range inputs.Uploads {
			b.WriteString("  " + renderJob(theme, bar, u.Status, u.Progress, fmt.Sprintf("%s (%s)", u.FileName, u.Phase), u.Error) + "\n")
		}
		b.WriteString("\n")
	}

	insights := stores.Insights.Items()
	if section("Insights", stores.Insights.Loading(), stores.Insights.Err()) {
		if len(insights) == 0 {
			b.WriteString("  none\n")
		}
		for _, in := range insights[max(0, len(insights)-5):] {
			fmt.Fprintf(&b, "  [%s] %s: %s\n", in.CreatedAt, in.Username, in.Message)
		}
		b.WriteString("\n")
	}

	userCharts := stores.Charts.Items()
	if section("Charts", stores.Charts.Loading(), stores.Charts.Err()) {
		if len(userCharts) == 0 {
			b.WriteString("  none pinned\n")
		}
		for _, uc := range userCharts {
			chart := stores.Charts.Chart(uc.ChartKey)
			data := chart.Data()
			switch {
			case chart.Err() != nil:
				fmt.Fprintf(&b, "  %s: %s\n", uc.ChartKey, theme.errorStyle().Render(chart.Err().Error()))
			case chart.Loading():
				fmt.Fprintf(&b, "  %s: %s\n", uc.ChartKey, theme.hintStyle().Render("loading..."))
			case data == nil:
				fmt.Fprintf(&b, "  %s: no forecast\n", uc.ChartKey)
			default:
				fmt.Fprintf(&b, "  %s: %d rows (forecast %d)\n", uc.ChartKey, len(data.Data), data.ForecastID)
			}
		}
		b.WriteString("\n")
	}

	return b.String()
}

func renderJob(theme Theme, bar *progress.Model, status models.JobStatus, pct float64, label, errText string) string {
	style := theme.statusStyle()
	switch status {
	case models.JobStatusCompleted:
		style = theme.completedStyle()
	case models.JobStatusFailed:
		style = theme.errorStyle()
	}
	line := style.Render(fmt.Sprintf("[%s]", status))
	if bar != nil {
		line += " " + bar.ViewAs(pct)
	} else {
		line += fmt.Sprintf(" %3.0f%%", pct*100)
	}
	line += " " + label
	if errText != "" {
		line += " " + theme.errorStyle().Render(errText)
	}
	return line
}
