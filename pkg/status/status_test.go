package status

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/dylangamachefl/podscribe-pipeline/pkg/substrate"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAggregator(t *testing.T) (*Aggregator, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(substrate.FromClient(rdb)), mr
}

func TestSetStatusAddsToActiveSetAndWritesRecord(t *testing.T) {
	a, mr := newAggregator(t)
	defer mr.Close()
	ctx := context.Background()

	require.NoError(t, a.SetStatus(ctx, "transcription", "ep-1", Record{Stage: "downloading", Progress: 0.1}))

	members, err := mr.SMembers("pipeline:active_episodes")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"ep-1"}, members)
	assert.True(t, mr.Exists("status:transcription:ep-1"))
}

func TestClearStatusKeepsActiveWhileAnotherServiceLive(t *testing.T) {
	a, mr := newAggregator(t)
	defer mr.Close()
	ctx := context.Background()

	require.NoError(t, a.SetStatus(ctx, "transcription", "ep-1", Record{Stage: "x"}))
	require.NoError(t, a.SetStatus(ctx, "summarization", "ep-1", Record{Stage: "y"}))

	require.NoError(t, a.ClearStatus(ctx, "transcription", "ep-1"))
	members, err := mr.SMembers("pipeline:active_episodes")
	require.NoError(t, err)
	assert.Contains(t, members, "ep-1")
	assert.False(t, mr.Exists("status:transcription:ep-1"))

	require.NoError(t, a.ClearStatus(ctx, "summarization", "ep-1"))
	members, err = mr.SMembers("pipeline:active_episodes")
	require.NoError(t, err)
	assert.NotContains(t, members, "ep-1")
}

func TestUpdateServiceStatusRingBufferCapsAtFifty(t *testing.T) {
	a, mr := newAggregator(t)
	defer mr.Close()
	ctx := context.Background()

	for i := 0; i < 60; i++ {
		require.NoError(t, a.UpdateServiceStatus(ctx, "rag", "ep-2", "embedding", 0.5, "log line", nil))
	}

	raw, err := mr.Get("status:rag:ep-2")
	require.NoError(t, err)
	var rec Record
	require.NoError(t, json.Unmarshal([]byte(raw), &rec))
	assert.Len(t, rec.RecentLogs, logRingSize)
}

func TestUpdateServiceStatusMergesExtraAndPreservesLogHistory(t *testing.T) {
	a, mr := newAggregator(t)
	defer mr.Close()
	ctx := context.Background()

	require.NoError(t, a.UpdateServiceStatus(ctx, "rag", "ep-3", "chunking", 0.2, "first", map[string]any{"episode_title": "Ep 3"}))
	require.NoError(t, a.UpdateServiceStatus(ctx, "rag", "ep-3", "embedding", 0.6, "second", map[string]any{"current_podcast": "Show"}))

	raw, err := mr.Get("status:rag:ep-3")
	require.NoError(t, err)
	var rec Record
	require.NoError(t, json.Unmarshal([]byte(raw), &rec))

	require.Len(t, rec.RecentLogs, 2)
	assert.Contains(t, rec.RecentLogs[0], "second")
	assert.Contains(t, rec.RecentLogs[1], "first")
	assert.Equal(t, "Ep 3", extraString(rec.Extra, "episode_title"))
	assert.Equal(t, "Show", extraString(rec.Extra, "current_podcast"))
}

func TestRollupFiltersCurrentSentinelFromActiveEpisodes(t *testing.T) {
	a, mr := newAggregator(t)
	defer mr.Close()
	ctx := context.Background()

	require.NoError(t, a.SetStatus(ctx, "transcription", "current", Record{Stage: "worker-local"}))
	require.NoError(t, a.SetStatus(ctx, "transcription", "ep-4", Record{Stage: "downloading", Progress: 0.3}))

	rollup, err := a.Rollup(ctx)
	require.NoError(t, err)

	ids := make([]string, 0, len(rollup.ActiveEpisodes))
	for _, ep := range rollup.ActiveEpisodes {
		ids = append(ids, ep.EpisodeID)
	}
	assert.NotContains(t, ids, "current")
	assert.Contains(t, ids, "ep-4")
}

func TestRollupMergesServicesByEpisodeAndMarksActive(t *testing.T) {
	a, mr := newAggregator(t)
	defer mr.Close()
	ctx := context.Background()

	require.NoError(t, a.SetStatus(ctx, "transcription", "ep-5", Record{Stage: "transcribing", Progress: 0.5, Extra: map[string]any{"episode_title": "Hello"}}))
	require.NoError(t, a.SetStatus(ctx, "rag", "ep-5", Record{Stage: "chunking", Progress: 0.1}))

	rollup, err := a.Rollup(ctx)
	require.NoError(t, err)

	require.Len(t, rollup.ActiveEpisodes, 1)
	ep := rollup.ActiveEpisodes[0]
	assert.Equal(t, "ep-5", ep.EpisodeID)
	assert.Equal(t, "Hello", ep.Title)
	assert.Contains(t, ep.Services, "transcription")
	assert.Contains(t, ep.Services, "rag")

	assert.True(t, rollup.Stages["transcription"].Active)
	assert.True(t, rollup.Stages["rag"].Active)
	assert.False(t, rollup.Stages["summarization"].Active)
	assert.True(t, rollup.IsRunning)
}

func TestRollupSelfHealsStaleStatsWhenNothingRunning(t *testing.T) {
	a, mr := newAggregator(t)
	defer mr.Close()
	ctx := context.Background()

	require.NoError(t, a.UpdateStats(ctx, "transcription", 3, 3))
	_, err := mr.SAdd("pipeline:active_episodes", "stale-ep")
	require.NoError(t, err)

	rollup, err := a.Rollup(ctx)
	require.NoError(t, err)
	assert.False(t, rollup.IsRunning)
	assert.False(t, mr.Exists("stats:transcription"))
	assert.False(t, mr.Exists("pipeline:active_episodes"))
}

// TestAggregatorActiveSetRace is spec scenario S5: concurrent
// update_service_status("transcription", ...) and
// clear_service_status("summarization", ...) on the same episode must leave
// the episode in the active set iff at least one service still has a live
// record for it.
func TestAggregatorActiveSetRace(t *testing.T) {
	a, mr := newAggregator(t)
	defer mr.Close()
	ctx := context.Background()

	require.NoError(t, a.SetStatus(ctx, "summarization", "ep-X", Record{Stage: "summarizing"}))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = a.UpdateServiceStatus(ctx, "transcription", "ep-X", "transcribing", 0.2, "", nil)
	}()
	go func() {
		defer wg.Done()
		_ = a.ClearStatus(ctx, "summarization", "ep-X")
	}()
	wg.Wait()

	transcriptionLive := mr.Exists("status:transcription:ep-X")
	summarizationLive := mr.Exists("status:summarization:ep-X")
	members, err := mr.SMembers("pipeline:active_episodes")
	require.NoError(t, err)

	wantPresent := transcriptionLive || summarizationLive
	gotPresent := false
	for _, m := range members {
		if m == "ep-X" {
			gotPresent = true
		}
	}
	assert.Equal(t, wantPresent, gotPresent)
}

func TestInitializeBatchSeedsActiveSetAndStats(t *testing.T) {
	a, mr := newAggregator(t)
	defer mr.Close()
	ctx := context.Background()

	require.NoError(t, a.InitializeBatch(ctx, []string{"ep-6", "ep-7"}, 2))

	members, err := mr.SMembers("pipeline:active_episodes")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"ep-6", "ep-7"}, members)

	raw, err := mr.Get("stats:transcription")
	require.NoError(t, err)
	var s Stats
	require.NoError(t, json.Unmarshal([]byte(raw), &s))
	assert.Equal(t, 0, s.Completed)
	assert.Equal(t, 2, s.Total)
}

func TestClearAllRemovesEverything(t *testing.T) {
	a, mr := newAggregator(t)
	defer mr.Close()
	ctx := context.Background()

	require.NoError(t, a.SetStatus(ctx, "transcription", "ep-8", Record{Stage: "x"}))
	require.NoError(t, a.UpdateStats(ctx, "rag", 1, 1))

	require.NoError(t, a.ClearAll(ctx))
	assert.False(t, mr.Exists("pipeline:active_episodes"))
	assert.False(t, mr.Exists("status:transcription:ep-8"))
	assert.False(t, mr.Exists("stats:rag"))
}
