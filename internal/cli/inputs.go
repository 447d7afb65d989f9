package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/raphaelgruber/omnisync/internal/models"
	"github.com/raphaelgruber/omnisync/internal/store"
)

var (
	uploadParallel int
	downloadDest   string
)

var inputsCmd = &cobra.Command{
	Use:   "inputs",
	Short: "List, upload and download input files",
	Long: `Manage the input files forecasts are computed from.

Examples:
  omnisync inputs list
  omnisync inputs upload sales.csv stores.csv
  omnisync inputs download f1 --dest ./sales.csv`,
	RunE: runInputsList,
}

var inputsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List uploaded input files",
	RunE:  runInputsList,
}

var inputsUploadCmd = &cobra.Command{
	Use:   "upload <file>...",
	Short: "Upload input files and wait until the server has processed them",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runInputsUpload,
}

var inputsDownloadCmd = &cobra.Command{
	Use:   "download <id>",
	Short: "Download an input file",
	Args:  cobra.ExactArgs(1),
	RunE:  runInputsDownload,
}

func init() {
	inputsUploadCmd.Flags().IntVarP(&uploadParallel, "parallel", "p", 4, "max concurrent uploads")
	inputsDownloadCmd.Flags().StringVarP(&downloadDest, "dest", "d", "", "destination path (default: server file name)")

	inputsCmd.AddCommand(inputsListCmd)
	inputsCmd.AddCommand(inputsUploadCmd)
	inputsCmd.AddCommand(inputsDownloadCmd)
}

func runInputsList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	stores := newStores(ctx)
	defer stores.Close()

	if err := stores.Inputs.EnsureLoaded(ctx); err != nil {
		return err
	}
	inputs := stores.Inputs.Items()

	if outputFormat == formatTable && len(inputs) == 0 {
		fmt.Println("No input files found.")
		return nil
	}
	return render(cmd.OutOrStdout(), outputFormat, inputs, func(t table.Writer) {
		t.AppendHeader(table.Row{"ID", "File", "Size", "Uploaded by", "Created"})
		for _, in := range inputs {
			t.AppendRow(table.Row{in.ID, in.FileName, formatBytes(in.Size), in.Username, in.CreatedAt})
		}
	})
}

func runInputsUpload(cmd *cobra.Command, args []string) error {
	if err := requireLogin(); err != nil {
		return err
	}
	ctx := context.Background()
	stores := newStores(ctx)
	defer stores.Close()
	inputs := stores.Inputs

	var (
		mu     sync.Mutex
		jobIDs []string
	)
	var g errgroup.Group
	g.SetLimit(max(uploadParallel, 1))
	for _, path := range args {
		g.Go(func() error {
			f, err := os.Open(path)
			if err != nil {
				return fmt.Errorf("open %s: %w", path, err)
			}
			defer f.Close()

			jobID, err := inputs.UploadFile(ctx, filepath.Base(path), f)
			if jobID != "" {
				mu.Lock()
				jobIDs = append(jobIDs, jobID)
				mu.Unlock()
			}
			return err
		})
	}

	var submitted atomic.Bool
	var submitErr error
	go func() {
		submitErr = g.Wait()
		submitted.Store(true)
		inputs.Broadcast()
	}()

	if !term.IsTerminal(int(os.Stdout.Fd())) {
		return awaitUploads(ctx, inputs, &g, &mu, &jobIDs)
	}

	tracker := newUploadTracker(inputs)
	err := runProgress(inputs, func() progressState {
		return tracker.state(submitted.Load())
	}, "Uploads stopped.")
	if submitted.Load() && submitErr != nil {
		return errors.Join(submitErr, err)
	}
	return err
}

// awaitUploads waits for every upload without a TUI and prints the results.
func awaitUploads(ctx context.Context, inputs *store.InputsStore, g *errgroup.Group, mu *sync.Mutex, jobIDs *[]string) error {
	submitErr := g.Wait()

	mu.Lock()
	ids := append([]string(nil), (*jobIDs)...)
	mu.Unlock()

	errs := []error{submitErr}
	for _, id := range ids {
		in, err := inputs.AwaitUpload(ctx, id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		fmt.Printf("uploaded %s as %s (%s)\n", in.FileName, in.ID, formatBytes(in.Size))
	}
	return errors.Join(errs...)
}

// uploadTracker remembers uploads after they leave the in-progress list.
type uploadTracker struct {
	inputs *store.InputsStore
	order  []string
	rows   map[string]progressRow
}

func newUploadTracker(inputs *store.InputsStore) *uploadTracker {
	return &uploadTracker{inputs: inputs, rows: make(map[string]progressRow)}
}

func (t *uploadTracker) state(submitted bool) progressState {
	active := make(map[string]bool)
	pending := 0
	for _, f := range t.inputs.FilesInProgress() {
		if _, ok := t.rows[f.JobID]; !ok {
			t.order = append(t.order, f.JobID)
		}
		active[f.JobID] = true
		t.rows[f.JobID] = progressRow{Label: f.FileName, Progress: f.Progress, Status: f.Status, Err: f.Error}
		if f.Phase != store.PhaseFailed {
			pending++
		}
	}

	rows := make([]progressRow, 0, len(t.order))
	for _, id := range t.order {
		row := t.rows[id]
		if !active[id] {
			row.Progress = 1
			row.Status = models.JobStatusCompleted
			t.rows[id] = row
		}
		rows = append(rows, row)
	}
	return progressState{Rows: rows, Done: submitted && pending == 0}
}

func runInputsDownload(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	stores := newStores(ctx)
	defer stores.Close()

	dest := downloadDest
	tmp, err := os.CreateTemp(".", ".omnisync-download-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	name, err := stores.Inputs.Download(ctx, args[0], tmp)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}

	if dest == "" {
		dest = filepath.Base(name)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return fmt.Errorf("save %s: %w", dest, err)
	}
	fmt.Printf("Saved %s\n", dest)
	return nil
}
