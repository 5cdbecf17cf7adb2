package services

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/patrickmn/go-cache"

	"github.com/Lllllllleong/quizdocflow/internal/models"
	"github.com/Lllllllleong/quizdocflow/internal/pipeline"
	"github.com/Lllllllleong/quizdocflow/internal/questions"
)

const questionsOperation = "questions"

// GenerateQuestions produces quiz questions from a completed document whose
// quality passed the gate. Transient model failures are retried with
// backoff. Results are cached per document and options.
func (s *DocumentService) GenerateQuestions(ctx context.Context, documentID string, opts models.QuestionOptions) ([]models.Question, error) {
	logCtx := s.logger.With("documentId", documentID)

	opts, err := questions.ValidateOptions(opts)
	if err != nil {
		logCtx.Warn("Invalid question options.", "error", err)
		return nil, err
	}

	doc, err := s.docs.Get(ctx, documentID)
	if err != nil {
		return nil, s.storageError(logCtx, "failed to load document", err)
	}
	if doc.Status != models.StatusCompleted {
		return nil, pipeline.NewError(pipeline.KindDocumentNotReady,
			fmt.Sprintf("The document is %s. Questions can be generated once processing has completed.", doc.Status), nil).
			WithDetail("status", string(doc.Status))
	}
	if doc.Metadata == nil || !pipeline.IsAcceptable(doc.Metadata.QualityScore) {
		score := 0.0
		if doc.Metadata != nil {
			score = doc.Metadata.QualityScore
		}
		return nil, pipeline.NewError(pipeline.KindLowQuality,
			fmt.Sprintf("The text quality score %.1f is below the minimum of %.0f.", score, pipeline.AcceptanceThreshold), nil).
			WithDetail("qualityScore", fmt.Sprintf("%.1f", score))
	}

	key := questions.CacheKey(documentID, opts)
	if cached, found := s.cache.Get(key); found {
		logCtx.Info("Serving questions from cache.")
		return copyQuestions(cached.([]models.Question)), nil
	}
	if s.generator == nil {
		return nil, pipeline.NewError(pipeline.KindInternal, "Question generation is not configured.", nil)
	}

	// The generation is shared by every caller asking for the same key, so
	// it runs detached from any one caller and each caller waits on its own
	// context.
	ch := s.loads.DoChan(questionsOperation+":"+key, func() (interface{}, error) {
		genCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.PipelineTimeout)
		defer cancel()
		return s.generate(genCtx, logCtx, doc, opts, key)
	})
	select {
	case <-ctx.Done():
		logCtx.Warn("Caller stopped waiting for questions.", "error", ctx.Err())
		return nil, pipeline.Classify(ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			logCtx.Debug("Joined an in-flight generation.")
		}
		return copyQuestions(res.Val.([]models.Question)), nil
	}
}

func (s *DocumentService) generate(ctx context.Context, logCtx *slog.Logger, doc *models.Document, opts models.QuestionOptions, key string) ([]models.Question, error) {
	slot := questionsOperation + ":" + doc.ID
	if adm := s.guard.TryStart(slot); !adm.Allowed {
		logCtx.Warn("Question generation rejected by the performance guard.", "reason", adm.Reason)
		return nil, pipeline.NewError(pipeline.KindServiceBusy,
			"Too many requests are being processed. Please retry shortly.", nil).
			WithDetail("reason", adm.Reason)
	}
	defer s.guard.StopProcessing(slot)

	start := s.now()
	qs, err := pipeline.WithRetry(ctx, s.cfg.Retry, func(ctx context.Context) ([]models.Question, error) {
		return s.generator.Generate(ctx, doc.ExtractedText, opts)
	})
	s.guard.TrackMetrics(pipeline.MetricSample{
		Operation:   questionsOperation,
		DocumentID:  doc.ID,
		Duration:    s.now().Sub(start),
		MemoryBytes: s.guard.MemoryInUse(),
		At:          s.now(),
	})
	if err != nil {
		pe := pipeline.Classify(err)
		logCtx.Error("Question generation failed.", "kind", pe.Kind, "error", err)
		return nil, pe
	}

	s.cache.Set(key, qs, cache.DefaultExpiration)
	logCtx.Info("Questions generated.", "count", len(qs))
	return qs, nil
}

func copyQuestions(in []models.Question) []models.Question {
	out := make([]models.Question, len(in))
	for i, q := range in {
		if q.Options != nil {
			q.Options = append([]string(nil), q.Options...)
		}
		out[i] = q
	}
	return out
}
