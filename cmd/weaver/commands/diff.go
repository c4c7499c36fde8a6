package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/alvmarrod/shelf-weaver/internal/output"
	"github.com/alvmarrod/shelf-weaver/internal/storage"
	"github.com/alvmarrod/shelf-weaver/internal/trend"
)

var diffCmd = &cobra.Command{
	Use:   "diff [source key]",
	Short: "Show stored sources or the latest diff of one source",
	Long: `Without arguments, diff lists every source query with stored snapshots.
With a source key, it recomputes the diff of the latest snapshot against its
predecessor and the trend window.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runDiff,
}

func init() {
	diffCmd.Flags().StringP("format", "f", "", "print the diff as json or yaml instead of a table")
}

func runDiff(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	store, err := storage.NewStorage(cfg.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	if len(args) == 0 {
		return listSources(cmd, store)
	}

	history, err := store.LoadHistory(cmd.Context(), args[0], 0)
	if err != nil {
		return err
	}
	history = trend.Retain(history, cfg.HistoryWindow)
	if len(history) == 0 {
		return fmt.Errorf("no snapshots stored for source %q", args[0])
	}
	current := history[len(history)-1]
	diff := trend.Diff(current, history[:len(history)-1], cfg.HistoryWindow)

	return printDiff(cmd, diff)
}

func printDiff(cmd *cobra.Command, diff trend.DiffResult) error {
	raw, _ := cmd.Flags().GetString("format")
	if raw == "" {
		return output.WriteSummary(cmd.OutOrStdout(), diff)
	}
	format, err := output.ParseFormat(raw)
	if err != nil {
		return err
	}
	if format == output.FormatJSONL {
		return fmt.Errorf("format %q is not supported for diffs", raw)
	}
	return output.Encode(cmd.OutOrStdout(), format, diff)
}

func listSources(cmd *cobra.Command, store *storage.Storage) error {
	sources, err := store.ListSources(cmd.Context())
	if err != nil {
		return err
	}
	if len(sources) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No snapshots stored yet")
		return nil
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tSOURCE\tSNAPSHOTS\tLAST RUN\tPRODUCTS")
	for _, s := range sources {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%d\n",
			s.SourceKey, s.Label, s.Snapshots, humanize.Time(s.LastTakenAt), s.LastRecordCnt)
	}
	return tw.Flush()
}
