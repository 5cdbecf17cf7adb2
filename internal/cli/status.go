package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"slices"

	"github.com/spf13/cobra"

	"github.com/Lllllllleong/quizdocflow/internal/models"
)

var (
	statusRetry   bool
	statusJSON    bool
	statusMetrics bool
)

var statusCmd = &cobra.Command{
	Use:   "status <documentId>",
	Short: "Show the processing status of a document",
	Long: `Show where a document is in the pipeline, or why it failed.

With --retry a failed document whose error is retryable is processed again
and the command waits for the new run to finish.

Examples:
  quizdoc status 3f6c...
  quizdoc status 3f6c... --json
  quizdoc status 3f6c... --retry --metrics`,
	Args: cobra.ExactArgs(1),
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusRetry, "retry", false, "retry a failed document")
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print the status as JSON")
	statusCmd.Flags().BoolVar(&statusMetrics, "metrics", false, "print pipeline metrics of this process")
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	id := args[0]
	a, err := getApp(ctx)
	if err != nil {
		return err
	}

	var st *models.ProcessingStatus
	if statusRetry {
		if _, err := a.Service.Retry(ctx, id); err != nil {
			return fmt.Errorf("retry: %s", describeError(err))
		}
		st, err = waitForTerminal(ctx, a.Service, id, processTimeout)
	} else {
		st, err = a.Service.GetStatus(ctx, id)
	}
	if err != nil {
		return fmt.Errorf("status: %s", describeError(err))
	}

	out := cmd.OutOrStdout()
	if statusJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(st); err != nil {
			return fmt.Errorf("encode status: %w", err)
		}
	} else {
		printStatus(out, st)
	}
	if statusMetrics {
		printStats(out, a.Service.Guard().Stats())
	}
	return nil
}

func printStatus(out io.Writer, st *models.ProcessingStatus) {
	fmt.Fprintf(out, "Document:  %s\n", st.DocumentID)
	fmt.Fprintf(out, "Status:    %s\n", st.Status)
	fmt.Fprintf(out, "Step:      %s (%d%%)\n", st.CurrentStep, st.Progress)
	if st.Message != "" {
		fmt.Fprintf(out, "Message:   %s\n", st.Message)
	}
	if st.QualityScore != nil {
		fmt.Fprintf(out, "Quality:   %.1f\n", *st.QualityScore)
	}
	if st.Error != nil {
		fmt.Fprintf(out, "Error:     %s\n", st.Error.Kind)
		for _, k := range slices.Sorted(maps.Keys(st.Error.Details)) {
			fmt.Fprintf(out, "  %s: %s\n", k, st.Error.Details[k])
		}
		fmt.Fprintf(out, "Can retry: %t\n", st.CanRetry)
		fmt.Fprintf(out, "Retry allowed: %t\n", st.RetryAllowed)
	}
}
