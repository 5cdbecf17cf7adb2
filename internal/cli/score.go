package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/Lllllllleong/quizdocflow/internal/models"
	"github.com/Lllllllleong/quizdocflow/internal/pipeline"
)

var scoreText bool

var scoreCmd = &cobra.Command{
	Use:   "score <file>",
	Short: "Extract, clean and score a PDF without storing it",
	Long: `Run extraction, cleaning and quality scoring on a local file and print the
metrics. Nothing is uploaded or recorded.

With --text the file is read as plain text and extraction is skipped.

Examples:
  quizdoc score lecture.pdf
  quizdoc score chapter.txt --text`,
	Args: cobra.ExactArgs(1),
	RunE: runScore,
}

func init() {
	scoreCmd.Flags().BoolVar(&scoreText, "text", false, "treat the file as plain text")
}

func runScore(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	path := args[0]
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	raw, pageCount, hasImages := string(data), 1, false
	if !scoreText {
		extractor := pipeline.NewExtractor(pipeline.ExtractorConfig{
			MaxFileSize: cfg.MaxFileSize(),
			Timeout:     cfg.ExtractionTimeout,
			Logger:      logger,
		}, nil)
		extraction, err := extractor.Extract(ctx, data, detectMimeType(path, data), int64(len(data)))
		if err != nil {
			return fmt.Errorf("extract: %s", describeError(err))
		}
		raw, pageCount, hasImages = extraction.Text, extraction.PageCount, extraction.HasImages
	}

	cleaner := pipeline.NewCleaner(pipeline.CleanerConfig{
		ChunkSize:      cfg.ChunkSize,
		ChunkThreshold: int64(cfg.ChunkThresholdMB) << 20,
	})
	cleaned, err := cleaner.Clean(ctx, raw)
	if err != nil {
		return fmt.Errorf("clean: %s", describeError(err))
	}

	printMetrics(cmd.OutOrStdout(), len(cleaned), pageCount, pipeline.Score(cleaned, pageCount, hasImages))
	return nil
}

func printMetrics(out io.Writer, textLength, pageCount int, m models.TextQualityMetrics) {
	verdict := "below the quality gate"
	if pipeline.IsAcceptable(m.ReadabilityScore) {
		verdict = "ready for question generation"
	}
	fmt.Fprintf(out, "Pages:             %d\n", pageCount)
	fmt.Fprintf(out, "Characters:        %d\n", textLength)
	fmt.Fprintf(out, "Words:             %d\n", m.WordCount)
	fmt.Fprintf(out, "Sentences:         %d\n", m.SentenceCount)
	fmt.Fprintf(out, "Words/sentence:    %.1f\n", m.AverageWordsPerSentence)
	fmt.Fprintf(out, "Density:           %.1f chars/page\n", m.TextDensity)
	fmt.Fprintf(out, "Has images:        %t\n", m.HasImages)
	fmt.Fprintf(out, "Readability:       %.1f (%s)\n", m.ReadabilityScore, verdict)
}
