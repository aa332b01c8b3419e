package summarize

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/dylangamachefl/podscribe-pipeline/engine/episodes"
	"github.com/dylangamachefl/podscribe-pipeline/pkg/eventbus"
	"github.com/dylangamachefl/podscribe-pipeline/pkg/fn"
	"github.com/dylangamachefl/podscribe-pipeline/pkg/idempotency"
	"github.com/dylangamachefl/podscribe-pipeline/pkg/substrate"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func transcriptPtr(s string) *string { return &s }

func validSummary() Summary {
	return Summary{
		Hook: "A punchy hook.",
		KeyTakeaways: []Takeaway{
			{Concept: "A", Explanation: "a"},
			{Concept: "B", Explanation: "b"},
			{Concept: "C", Explanation: "c"},
		},
		ActionableAdvice: []string{"do x", "do y", "do z"},
		Quotes:           []string{"quote one", "quote two"},
		Perspectives:     "Host and guest agreed on most points.",
		Narrative:        strings.Repeat("word ", 50),
		KeyTopics:        []string{"topic1", "topic2", "topic3"},
	}
}

type fakeEpisodes struct {
	ep  episodes.Episode
	err error
}

func (f *fakeEpisodes) GetByID(_ context.Context, _ string, _ bool) (episodes.Episode, error) {
	return f.ep, f.err
}

type fakeSummaries struct {
	saved json.RawMessage
	err   error
	calls int
}

func (f *fakeSummaries) SaveSummary(_ context.Context, _ string, content json.RawMessage) (episodes.Summary, error) {
	f.calls++
	if f.err != nil {
		return episodes.Summary{}, f.err
	}
	f.saved = content
	return episodes.Summary{Content: content}, nil
}

type fakeNarrator struct {
	narrative string
	err       error
}

func (f *fakeNarrator) Narrate(context.Context, string) (string, error) {
	return f.narrative, f.err
}

type fakeStructurer struct {
	summary     Summary
	err         error
	failUntil   int
	calls       int
	lastFeedback string
}

func (f *fakeStructurer) Structure(_ context.Context, _, _, feedback string) (Summary, error) {
	f.calls++
	f.lastFeedback = feedback
	if f.err != nil {
		return Summary{}, f.err
	}
	if f.calls <= f.failUntil {
		return Summary{}, nil // empty summary fails validation
	}
	return f.summary, nil
}

func newTestSubscriber(t *testing.T, ep episodeLoader, summaries summaryStore, narrator Narrator, structurer Structurer) *Subscriber {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	client := substrate.FromClient(rdb)

	return &Subscriber{
		Bus:            eventbus.New(client),
		Episodes:       ep,
		Summaries:      summaries,
		Idempotent:     idempotency.New(client),
		Narrator:       narrator,
		Structurer:     structurer,
		StructureRetry: fn.RetryOpts{MaxAttempts: 3, InitialWait: 0},
	}
}

func TestHandleSummarizesNewEpisode(t *testing.T) {
	ep := episodes.Episode{ID: "ep-1", TranscriptText: transcriptPtr("transcript text")}
	summaries := &fakeSummaries{}
	sub := newTestSubscriber(t, &fakeEpisodes{ep: ep}, summaries, &fakeNarrator{narrative: "narrative"}, &fakeStructurer{summary: validSummary()})

	err := sub.handle(context.Background(), eventbus.EpisodeTranscribed{EpisodeID: "ep-1"})
	require.NoError(t, err)
	assert.Equal(t, 1, summaries.calls)
	assert.Contains(t, string(summaries.saved), "A punchy hook.")
}

func TestHandleSkipsDuplicateEvent(t *testing.T) {
	ep := episodes.Episode{ID: "ep-2", TranscriptText: transcriptPtr("transcript text")}
	summaries := &fakeSummaries{}
	sub := newTestSubscriber(t, &fakeEpisodes{ep: ep}, summaries, &fakeNarrator{narrative: "narrative"}, &fakeStructurer{summary: validSummary()})

	evt := eventbus.EpisodeTranscribed{EpisodeID: "ep-2"}
	require.NoError(t, sub.handle(context.Background(), evt))
	require.NoError(t, sub.handle(context.Background(), evt))
	assert.Equal(t, 1, summaries.calls)
}

func TestHandleRetriesStructuringOnValidationFailure(t *testing.T) {
	ep := episodes.Episode{ID: "ep-3", TranscriptText: transcriptPtr("transcript text")}
	summaries := &fakeSummaries{}
	structurer := &fakeStructurer{summary: validSummary(), failUntil: 1}
	sub := newTestSubscriber(t, &fakeEpisodes{ep: ep}, summaries, &fakeNarrator{narrative: "narrative"}, structurer)

	err := sub.handle(context.Background(), eventbus.EpisodeTranscribed{EpisodeID: "ep-3"})
	require.NoError(t, err)
	assert.Equal(t, 2, structurer.calls)
	assert.NotEmpty(t, structurer.lastFeedback)
	assert.Equal(t, 1, summaries.calls)
}

func TestHandleFailsAfterExhaustingStructureRetries(t *testing.T) {
	ep := episodes.Episode{ID: "ep-4", TranscriptText: transcriptPtr("transcript text")}
	summaries := &fakeSummaries{}
	structurer := &fakeStructurer{summary: validSummary(), failUntil: 10}
	sub := newTestSubscriber(t, &fakeEpisodes{ep: ep}, summaries, &fakeNarrator{narrative: "narrative"}, structurer)

	err := sub.handle(context.Background(), eventbus.EpisodeTranscribed{EpisodeID: "ep-4"})
	assert.Error(t, err)
	assert.Equal(t, 0, summaries.calls)
}

func TestHandlePropagatesEpisodeLoadError(t *testing.T) {
	summaries := &fakeSummaries{}
	sub := newTestSubscriber(t, &fakeEpisodes{err: episodes.ErrEpisodeNotFound}, summaries, &fakeNarrator{}, &fakeStructurer{})

	err := sub.handle(context.Background(), eventbus.EpisodeTranscribed{EpisodeID: "missing"})
	assert.Error(t, err)
	assert.True(t, errors.Is(err, episodes.ErrEpisodeNotFound))
}
