package summarize

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/dylangamachefl/podscribe-pipeline/engine/episodes"
	"github.com/dylangamachefl/podscribe-pipeline/pkg/eventbus"
	"github.com/dylangamachefl/podscribe-pipeline/pkg/fn"
	"github.com/dylangamachefl/podscribe-pipeline/pkg/idempotency"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const serviceName = "summarization"

var episodesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "podscribe_summarizer_episodes_total",
		Help: "Episodes handled by the summarization subscriber, by outcome.",
	},
	[]string{"outcome"},
)

// Narrator produces the stage-1 unstructured narrative from a transcript: a
// comprehensive prose summary capturing all key information.
// Implementations wrap whatever LLM the deployment uses; the model call
// itself is treated as an opaque operation here.
type Narrator interface {
	Narrate(ctx context.Context, transcriptText string) (string, error)
}

// Structurer extracts the validated Summary from a narrative. feedback is
// empty on the first attempt and carries the prior validation error's
// message on a retry, so the implementation can steer the model back
// towards a schema-conformant answer.
type Structurer interface {
	Structure(ctx context.Context, transcriptText, narrative, feedback string) (Summary, error)
}

// episodeLoader is the slice of episodes.Store the subscriber needs.
type episodeLoader interface {
	GetByID(ctx context.Context, id string, loadTranscript bool) (episodes.Episode, error)
}

// summaryStore is the slice of episodes.Store the subscriber needs for
// persistence.
type summaryStore interface {
	SaveSummary(ctx context.Context, episodeID string, content json.RawMessage) (episodes.Summary, error)
}

// Subscriber runs the two-stage summarization flow: a narrative pass
// followed by structured extraction.
type Subscriber struct {
	Bus        *eventbus.Bus
	Episodes   episodeLoader
	Summaries  summaryStore
	Idempotent *idempotency.Register
	Narrator   Narrator
	Structurer Structurer

	StructureRetry fn.RetryOpts
}

// Run joins the episodes:transcribed consumer group under its own group
// name and blocks until ctx is done.
func (s *Subscriber) Run(ctx context.Context, group, consumer string) error {
	return eventbus.Subscribe(ctx, s.Bus, eventbus.StreamEpisodesTranscribed, group, consumer, s.instrumentedHandle)
}

func (s *Subscriber) instrumentedHandle(ctx context.Context, evt eventbus.EpisodeTranscribed) error {
	if err := s.handle(ctx, evt); err != nil {
		episodesTotal.WithLabelValues("failed").Inc()
		return err
	}
	episodesTotal.WithLabelValues("processed").Inc()
	return nil
}

func (s *Subscriber) handle(ctx context.Context, evt eventbus.EpisodeTranscribed) error {
	log := slog.With("episode_id", evt.EpisodeID)

	key := idempotency.Key(serviceName, "transcribed", evt.EpisodeID)
	outcome, err := s.Idempotent.Claim(ctx, key, idempotency.DefaultTTL)
	if err != nil {
		return fmt.Errorf("summarize: idempotency claim: %w", err)
	}
	if outcome == idempotency.Duplicate {
		log.Info("summarize: duplicate event, skipping")
		return nil
	}

	ep, err := s.Episodes.GetByID(ctx, evt.EpisodeID, true)
	if err != nil {
		return fmt.Errorf("summarize: load episode: %w", err)
	}
	if ep.TranscriptText == nil {
		return fmt.Errorf("summarize: episode %s has no transcript", evt.EpisodeID)
	}

	narrative, err := s.Narrator.Narrate(ctx, *ep.TranscriptText)
	if err != nil {
		return fmt.Errorf("summarize: stage 1 narrate: %w", err)
	}

	retryOpts := s.StructureRetry
	if retryOpts.MaxAttempts == 0 {
		retryOpts = fn.DefaultRetry
	}
	feedback := ""
	result := fn.Retry(ctx, retryOpts, func(ctx context.Context) fn.Result[Summary] {
		summary, err := s.Structurer.Structure(ctx, *ep.TranscriptText, narrative, feedback)
		if err != nil {
			feedback = err.Error()
			return fn.Err[Summary](err)
		}
		if err := summary.Validate(); err != nil {
			feedback = err.Error()
			return fn.Err[Summary](fmt.Errorf("summary failed validation: %w", err))
		}
		return fn.Ok(summary)
	})
	summary, err := result.Unwrap()
	if err != nil {
		return fmt.Errorf("summarize: stage 2 structure: %w", err)
	}

	content, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("summarize: marshal summary: %w", err)
	}
	if _, err := s.Summaries.SaveSummary(ctx, evt.EpisodeID, content); err != nil {
		return fmt.Errorf("summarize: save summary: %w", err)
	}

	published := eventbus.EpisodeSummarized{
		EpisodeTranscribed: evt,
		SummaryPath:        fmt.Sprintf("db://summaries/%s", evt.EpisodeID),
		SummaryData:        content,
	}
	if !eventbus.Publish(ctx, s.Bus, eventbus.StreamEpisodesSummarized, published) {
		log.Warn("summarize: publish episodes:summarized failed, summary already persisted")
	}

	log.Info("summarize: summarized episode")
	return nil
}
