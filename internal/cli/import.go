package cli

import (
	"fmt"
	"io"

	"github.com/cuongbtq/ingest-engine/internal/importer"
	"github.com/cuongbtq/ingest-engine/internal/storage"
	"github.com/spf13/cobra"
)

func (c *cli) importCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Run a resumable bulk import",
		Long: `Run a resumable bulk import.

The page or window cursor is saved after every committed page, so an
interrupted import continues where it stopped. --start-page and
--resume-window override the saved cursor; --reset discards it.`,
	}
	cmd.AddCommand(c.importPagesCmd("catalog", "Import the SteamSpy game catalog"))
	cmd.AddCommand(c.importPagesCmd("player-stats", "Import SteamSpy player stats for catalog games"))
	cmd.AddCommand(c.importPairsCmd(storage.AssociationGenres))
	cmd.AddCommand(c.importPairsCmd(storage.AssociationTags))
	return cmd
}

func (c *cli) importPagesCmd(name, short string) *cobra.Command {
	var (
		startPage int
		maxPages  int
		reset     bool
	)
	cmd := &cobra.Command{
		Use:   name,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := c.services(cmd.Context())
			if err != nil {
				return err
			}

			opts := importer.Options{MaxPages: maxPages, Reset: reset}
			if cmd.Flags().Changed("start-page") {
				opts.StartCursor = &startPage
			}

			var res *importer.Result
			if name == "catalog" {
				res, err = svc.CatalogImport().Run(cmd.Context(), opts)
			} else {
				res, err = svc.PlayerStatsImport().Run(cmd.Context(), opts)
			}
			if err != nil {
				return err
			}
			printBulkResult(cmd.OutOrStdout(), res)
			return nil
		},
	}
	cmd.Flags().IntVar(&startPage, "start-page", 0, "page to start from, overrides the saved checkpoint")
	cmd.Flags().IntVar(&maxPages, "max-pages", 0, "stop after this many pages, 0 for no limit")
	cmd.Flags().BoolVar(&reset, "reset", false, "discard the saved checkpoint")
	return cmd
}

func (c *cli) importPairsCmd(kind storage.AssociationKind) *cobra.Command {
	var (
		file   string
		window int
		reset  bool
	)
	cmd := &cobra.Command{
		Use:   string(kind),
		Short: fmt.Sprintf("Import game %s pairs from a dataset file", kind),
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := c.services(cmd.Context())
			if err != nil {
				return err
			}
			imp, err := svc.AssociationImport(kind)
			if err != nil {
				return err
			}

			opts := importer.AssociationOptions{Path: file, Reset: reset}
			if cmd.Flags().Changed("resume-window") {
				opts.ResumeWindow = &window
			}
			res, err := imp.Run(cmd.Context(), opts)
			if err != nil {
				return err
			}
			printAssociationResult(cmd.OutOrStdout(), res)
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "CSV path, local or s3://bucket/key")
	cmd.Flags().IntVar(&window, "resume-window", 0, "window to start from, overrides the saved checkpoint")
	cmd.Flags().BoolVar(&reset, "reset", false, "discard the saved checkpoint")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func printBulkResult(w io.Writer, res *importer.Result) {
	fmt.Fprintf(w, "Import finished: %s\n", res.EndReason)
	fmt.Fprintf(w, "  Pages: %d (from %d, last %d)\n", res.PagesProcessed, res.StartCursor, res.LastCursor)
	fmt.Fprintf(w, "  Written: %d\n", res.ItemsWritten)
	fmt.Fprintf(w, "  Skipped: %d\n", res.ItemsSkipped)
	if res.ItemsInvalid > 0 {
		fmt.Fprintf(w, "  Invalid: %d\n", res.ItemsInvalid)
	}
	if res.FailedWindows > 0 || res.FailedRows > 0 {
		fmt.Fprintf(w, "  Failed windows: %d, failed rows: %d\n", res.FailedWindows, res.FailedRows)
	}
	if res.RemainingNeeded > 0 {
		fmt.Fprintf(w, "  Still needed: %d\n", res.RemainingNeeded)
	}
	if res.FetchErr != nil {
		fmt.Fprintf(w, "  Fetch error: %v\n", res.FetchErr)
	}
}

func printAssociationResult(w io.Writer, res *importer.AssociationResult) {
	fmt.Fprintf(w, "Import finished\n")
	fmt.Fprintf(w, "  Rows: %d (%d invalid)\n", res.Rows, res.InvalidRows)
	fmt.Fprintf(w, "  Eligible: %d\n", res.Eligible)
	fmt.Fprintf(w, "  Inserted: %d\n", res.Inserted)
	fmt.Fprintf(w, "  Skipped: %d\n", res.Skipped)
	if res.FailedWindows > 0 {
		fmt.Fprintf(w, "  Failed windows: %d\n", res.FailedWindows)
	}
	fmt.Fprintf(w, "  Windows: %d to %d\n", res.StartWindow, res.NextWindow)
}
