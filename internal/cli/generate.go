package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Lllllllleong/quizdocflow/internal/models"
)

var (
	generateCount      int
	generateDifficulty string
	generateTypes      []string
	generateJSON       bool
)

var generateCmd = &cobra.Command{
	Use:   "generate <documentId>",
	Short: "Generate quiz questions from a processed document",
	Long: `Generate quiz questions with Gemini on Vertex AI from a document that has
completed processing and passed the quality gate. Requires PROJECT_ID.

Examples:
  quizdoc generate 3f6c... --count 5
  quizdoc generate 3f6c... --difficulty hard --types multiple_choice,true_false --json`,
	Args: cobra.ExactArgs(1),
	RunE: runGenerate,
}

func init() {
	generateCmd.Flags().IntVarP(&generateCount, "count", "n", 0, "number of questions (default 10)")
	generateCmd.Flags().StringVarP(&generateDifficulty, "difficulty", "d", "", "easy, medium or hard (default medium)")
	generateCmd.Flags().StringSliceVarP(&generateTypes, "types", "t", nil, "multiple_choice, true_false, short_answer")
	generateCmd.Flags().BoolVar(&generateJSON, "json", false, "print the questions as JSON")
}

func runGenerate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := getApp(ctx)
	if err != nil {
		return err
	}

	opts := models.QuestionOptions{Count: generateCount, Difficulty: models.Difficulty(generateDifficulty)}
	for _, t := range generateTypes {
		opts.Types = append(opts.Types, models.QuestionType(strings.TrimSpace(t)))
	}

	qs, err := a.Service.GenerateQuestions(ctx, args[0], opts)
	if err != nil {
		return fmt.Errorf("generate: %s", describeError(err))
	}

	out := cmd.OutOrStdout()
	if generateJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(models.GenerateQuestionsResponse{DocumentID: args[0], Questions: qs})
	}
	printQuestions(out, qs)
	return nil
}

func printQuestions(out io.Writer, qs []models.Question) {
	for i, q := range qs {
		fmt.Fprintf(out, "%d. [%s] %s\n", i+1, q.Type, q.Question)
		for j, opt := range q.Options {
			fmt.Fprintf(out, "   %c) %s\n", 'a'+j, opt)
		}
		fmt.Fprintf(out, "   Answer: %s\n", q.CorrectAnswer)
		if q.Explanation != "" {
			fmt.Fprintf(out, "   %s\n", q.Explanation)
		}
		fmt.Fprintln(out)
	}
}
