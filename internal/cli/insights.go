package cli

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/raphaelgruber/omnisync/internal/models"
)

var insightsCmd = &cobra.Command{
	Use:   "insights",
	Short: "Read and write insight messages",
	Long: `Insights are notes that feed the next forecast run.

Examples:
  omnisync insights list
  omnisync insights send "Promotion on SKU 42 next week"
  omnisync insights edit 3 "Promotion moved to June"`,
	RunE: runInsightsList,
}

var insightsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List insights, oldest first",
	RunE:  runInsightsList,
}

var insightsSendCmd = &cobra.Command{
	Use:   "send <message>",
	Short: "Post a new insight",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runInsightsSend,
}

var insightsEditCmd = &cobra.Command{
	Use:   "edit <id> <message>",
	Short: "Replace the text of an insight",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runInsightsEdit,
}

func init() {
	insightsCmd.AddCommand(insightsListCmd)
	insightsCmd.AddCommand(insightsSendCmd)
	insightsCmd.AddCommand(insightsEditCmd)
}

func runInsightsList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	stores := newStores(ctx)
	defer stores.Close()

	if err := stores.Insights.EnsureLoaded(ctx); err != nil {
		return err
	}
	insights := stores.Insights.Items()

	if outputFormat == formatTable && len(insights) == 0 {
		fmt.Println("No insights found.")
		return nil
	}
	return renderInsights(cmd, insights)
}

func renderInsights(cmd *cobra.Command, insights []models.Insight) error {
	return render(cmd.OutOrStdout(), outputFormat, insights, func(t table.Writer) {
		t.AppendHeader(table.Row{"ID", "Author", "Created", "Message"})
		for _, in := range insights {
			t.AppendRow(table.Row{in.ID, in.Username, in.CreatedAt, in.Message})
		}
	})
}

func runInsightsSend(cmd *cobra.Command, args []string) error {
	if err := requireLogin(); err != nil {
		return err
	}
	ctx := context.Background()
	stores := newStores(ctx)
	defer stores.Close()

	in, err := stores.Insights.SendMessage(ctx, strings.Join(args, " "))
	if err != nil {
		return err
	}
	return renderInsights(cmd, []models.Insight{*in})
}

func runInsightsEdit(cmd *cobra.Command, args []string) error {
	if err := requireLogin(); err != nil {
		return err
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid insight id %q", args[0])
	}

	ctx := context.Background()
	stores := newStores(ctx)
	defer stores.Close()

	in, err := stores.Insights.UpdateMessage(ctx, id, strings.Join(args[1:], " "))
	if err != nil {
		return err
	}
	return renderInsights(cmd, []models.Insight{*in})
}
