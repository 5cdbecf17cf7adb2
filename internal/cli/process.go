package cli

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Lllllllleong/quizdocflow/internal/models"
	"github.com/Lllllllleong/quizdocflow/internal/pipeline"
	"github.com/Lllllllleong/quizdocflow/internal/services"
)

const pollInterval = 500 * time.Millisecond

var (
	processWait    bool
	processTimeout time.Duration
	processMetrics bool
)

var processCmd = &cobra.Command{
	Use:   "process <file.pdf>...",
	Short: "Upload PDFs and run the document pipeline",
	Long: `Upload one or more PDFs and run extraction, cleaning and quality scoring.

Files are processed concurrently, up to MAX_CONCURRENT_PROCESSING at a time.
Identical files that already completed are not processed again.

Examples:
  quizdoc process lecture.pdf
  quizdoc process notes/*.pdf --metrics
  quizdoc process big.pdf --wait=false`,
	Args: cobra.MinimumNArgs(1),
	RunE: runProcess,
}

func init() {
	processCmd.Flags().BoolVar(&processWait, "wait", true, "wait for each document to finish processing")
	processCmd.Flags().DurationVar(&processTimeout, "timeout", 5*time.Minute, "max wait per document")
	processCmd.Flags().BoolVar(&processMetrics, "metrics", false, "print pipeline metrics after the batch")
}

type processResult struct {
	Path       string
	DocumentID string
	Status     *models.ProcessingStatus
	Err        error
}

func (r processResult) failed() bool {
	return r.Err != nil || (r.Status != nil && r.Status.Status == models.StatusFailed)
}

func runProcess(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := getApp(ctx)
	if err != nil {
		return err
	}

	bar := progressbar.NewOptions(len(args),
		progressbar.OptionSetWriter(cmd.ErrOrStderr()),
		progressbar.OptionSetDescription("Processing"),
		progressbar.OptionShowCount(),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "=",
			SaucerHead:    ">",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
	)

	results := make([]processResult, len(args))
	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(cfg.MaxConcurrent)
	for i, path := range args {
		eg.Go(func() error {
			results[i] = processFile(gctx, a.Service, path)
			_ = bar.Add(1)
			return nil
		})
	}
	_ = eg.Wait()
	_ = bar.Finish()

	out := cmd.OutOrStdout()
	fmt.Fprintln(out)
	failed := 0
	for _, r := range results {
		printResult(out, r)
		if r.failed() {
			failed++
		}
	}
	if processMetrics {
		printStats(out, a.Service.Guard().Stats())
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d documents failed", failed, len(results))
	}
	return nil
}

func processFile(ctx context.Context, svc *services.DocumentService, path string) processResult {
	res := processResult{Path: path}
	data, err := os.ReadFile(path)
	if err != nil {
		res.Err = fmt.Errorf("read %s: %w", path, err)
		return res
	}

	res.DocumentID, res.Err = svc.UploadAndProcess(ctx, services.Upload{
		Filename: filepath.Base(path),
		MimeType: detectMimeType(path, data),
		Data:     data,
	})
	if res.Err != nil {
		return res
	}
	if !processWait {
		res.Status, res.Err = svc.GetStatus(ctx, res.DocumentID)
		return res
	}
	res.Status, res.Err = waitForTerminal(ctx, svc, res.DocumentID, processTimeout)
	return res
}

type statusGetter interface {
	GetStatus(ctx context.Context, documentID string) (*models.ProcessingStatus, error)
}

// waitForTerminal polls until the document completes or fails.
func waitForTerminal(ctx context.Context, svc statusGetter, id string, timeout time.Duration) (*models.ProcessingStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		st, err := svc.GetStatus(ctx, id)
		if err != nil {
			return nil, err
		}
		if st.Status.Terminal() {
			return st, nil
		}
		select {
		case <-ctx.Done():
			return st, fmt.Errorf("document %s still %s after %s", id, st.Status, timeout)
		case <-ticker.C:
		}
	}
}

// detectMimeType trusts the file extension and sniffs the content otherwise.
func detectMimeType(path string, data []byte) string {
	if t := mime.TypeByExtension(filepath.Ext(path)); t != "" {
		if mediaType, _, err := mime.ParseMediaType(t); err == nil {
			return mediaType
		}
	}
	if len(data) == 0 {
		return pipeline.PDFMimeType
	}
	mediaType, _, _ := mime.ParseMediaType(http.DetectContentType(data))
	return mediaType
}

func printResult(out io.Writer, r processResult) {
	switch {
	case r.Err != nil:
		fmt.Fprintf(out, "FAIL  %s: %s\n", r.Path, describeError(r.Err))
	case r.Status.Status == models.StatusFailed:
		fmt.Fprintf(out, "FAIL  %s (%s): %s\n", r.Path, r.DocumentID, r.Status.Message)
		if r.Status.RetryAllowed {
			fmt.Fprintf(out, "      retry with: quizdoc status %s --retry\n", r.DocumentID)
		}
	case r.Status.Status == models.StatusCompleted:
		score := 0.0
		if r.Status.QualityScore != nil {
			score = *r.Status.QualityScore
		}
		fmt.Fprintf(out, "OK    %s (%s) quality %.1f\n", r.Path, r.DocumentID, score)
	default:
		fmt.Fprintf(out, "...   %s (%s) %s %d%%\n", r.Path, r.DocumentID, r.Status.CurrentStep, r.Status.Progress)
	}
}

func describeError(err error) string {
	pe := pipeline.Classify(err)
	if pe == nil {
		return ""
	}
	if g := pe.Details["guidance"]; g != "" {
		return fmt.Sprintf("%s (%s) %s", pe.Message, pe.Kind, g)
	}
	return fmt.Sprintf("%s (%s)", pe.Message, pe.Kind)
}

func printStats(out io.Writer, stats pipeline.GuardStats) {
	fmt.Fprintf(out, "\nActive: %d  Memory: %.1f MB  Samples: %d\n",
		len(stats.Active), float64(stats.MemoryBytes)/(1024*1024), len(stats.Recent))
	for _, s := range stats.Recent {
		line := fmt.Sprintf("  %-9s %-36s %8s", s.Operation, s.DocumentID, s.Duration.Round(time.Millisecond))
		if s.QualityScore != nil {
			line += fmt.Sprintf("  quality %.1f", *s.QualityScore)
		}
		fmt.Fprintln(out, line)
	}
}
