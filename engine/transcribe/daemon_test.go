package transcribe

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dylangamachefl/podscribe-pipeline/engine/episodes"
	"github.com/dylangamachefl/podscribe-pipeline/pkg/eventbus"
	"github.com/dylangamachefl/podscribe-pipeline/pkg/gpulock"
	"github.com/dylangamachefl/podscribe-pipeline/pkg/status"
	"github.com/dylangamachefl/podscribe-pipeline/pkg/substrate"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEpisodeStore struct {
	mu      sync.Mutex
	byID    map[string]episodes.Episode
	stuck   []episodes.Episode
	saved   map[string]string
	statuses map[string]episodes.Status
}

func newFakeEpisodeStore(eps ...episodes.Episode) *fakeEpisodeStore {
	s := &fakeEpisodeStore{byID: map[string]episodes.Episode{}, saved: map[string]string{}, statuses: map[string]episodes.Status{}}
	for _, e := range eps {
		s.byID[e.ID] = e
	}
	return s
}

func (s *fakeEpisodeStore) GetByID(_ context.Context, id string, _ bool) (episodes.Episode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ep, ok := s.byID[id]
	if !ok {
		return episodes.Episode{}, episodes.ErrEpisodeNotFound
	}
	return ep, nil
}

func (s *fakeEpisodeStore) UpdateStatus(_ context.Context, id string, status episodes.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[id] = status
	return nil
}

func (s *fakeEpisodeStore) SaveTranscript(_ context.Context, episodeID, transcriptText string, _ map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved[episodeID] = transcriptText
	s.statuses[episodeID] = episodes.StatusCompleted
	return nil
}

func (s *fakeEpisodeStore) ListStuck(context.Context, time.Duration) ([]episodes.Episode, error) {
	return s.stuck, nil
}

func (s *fakeEpisodeStore) status(id string) episodes.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statuses[id]
}

type fakeDownloader struct{ data []byte; err error }

func (f *fakeDownloader) Download(context.Context, string) ([]byte, error) { return f.data, f.err }

type fakeTranscriber struct {
	segments []Segment
	err      error
}

func (f *fakeTranscriber) Transcribe(context.Context, []byte) ([]Segment, error) {
	return f.segments, f.err
}

func newTestDaemon(t *testing.T, store episodeStore) (*Daemon, *redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	client := substrate.FromClient(rdb)
	bus := eventbus.New(client)

	d := &Daemon{
		Bus:          bus,
		Episodes:     store,
		Status:       status.New(client),
		GPULock:      gpulock.New(client, time.Minute),
		Downloader:   &fakeDownloader{data: []byte("audio-bytes")},
		Transcriber:  &fakeTranscriber{segments: []Segment{{Speaker: "HOST", Text: "hello"}}},
		ConsumerName: "worker-1",
	}
	return d, rdb, mr
}

func TestProcessJobHappyPathTranscribesAndPublishes(t *testing.T) {
	ep := episodes.Episode{ID: "ep-A", URL: "https://cdn.example.com/a.mp3", Title: "T", PodcastName: "P"}
	store := newFakeEpisodeStore(ep)
	d, rdb, mr := newTestDaemon(t, store)
	defer mr.Close()
	d.batchProgress = map[string]map[string]bool{}
	d.batchTotal = map[string]int{}
	d.cancelled = map[string]bool{}

	ctx := context.Background()
	err := d.processJob(ctx, eventbus.TranscriptionJob{EpisodeID: "ep-A", BatchID: "b1", TotalBatchCount: 1})
	require.NoError(t, err)

	assert.Equal(t, episodes.StatusCompleted, store.status("ep-A"))
	assert.Contains(t, store.saved["ep-A"], "hello")

	n, err := rdb.XLen(ctx, eventbus.StreamEpisodesTranscribed).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = rdb.XLen(ctx, eventbus.StreamBatchTranscribed).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestProcessJobRejectsSSRFURL(t *testing.T) {
	ep := episodes.Episode{ID: "ep-B", URL: "http://127.0.0.1/a.mp3"}
	store := newFakeEpisodeStore(ep)
	d, _, mr := newTestDaemon(t, store)
	defer mr.Close()
	d.batchProgress = map[string]map[string]bool{}
	d.batchTotal = map[string]int{}
	d.cancelled = map[string]bool{}

	require.NoError(t, d.processJob(context.Background(), eventbus.TranscriptionJob{EpisodeID: "ep-B"}))
	assert.Equal(t, episodes.StatusFailed, store.status("ep-B"))
}

func TestProcessJobFailsOnCancelledBatch(t *testing.T) {
	ep := episodes.Episode{ID: "ep-C", URL: "https://cdn.example.com/c.mp3"}
	store := newFakeEpisodeStore(ep)
	d, _, mr := newTestDaemon(t, store)
	defer mr.Close()
	d.batchProgress = map[string]map[string]bool{}
	d.batchTotal = map[string]int{}
	d.cancelled = map[string]bool{}
	d.CancelBatch("b-cancel")

	ctx := context.Background()
	require.NoError(t, d.ensureGPULock(ctx))
	require.NoError(t, d.processJob(ctx, eventbus.TranscriptionJob{EpisodeID: "ep-C", BatchID: "b-cancel"}))
	assert.Equal(t, episodes.StatusFailed, store.status("ep-C"))

	d.mu.Lock()
	held := d.held != nil
	d.mu.Unlock()
	assert.False(t, held, "gpu lock must be released on a cancellation trip, not just on batch drain")
}

// TestCancelBroadcastReachesDaemon proves the wiring the direct CancelBatch
// call above bypasses: a pipeline:cancel_batch:{id} broadcast, published the
// way an external cancel request would, actually trips the in-memory flag
// watchCancelSignal feeds, with nothing in the test calling CancelBatch
// itself.
func TestCancelBroadcastReachesDaemon(t *testing.T) {
	ep := episodes.Episode{ID: "ep-D", URL: "https://cdn.example.com/d.mp3"}
	store := newFakeEpisodeStore(ep)
	d, rdb, mr := newTestDaemon(t, store)
	defer mr.Close()
	d.batchProgress = map[string]map[string]bool{}
	d.batchTotal = map[string]int{}
	d.cancelled = map[string]bool{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.watchCancelSignal(ctx)

	require.Eventually(t, func() bool {
		return rdb.PubSubNumPat(ctx).Val() > 0
	}, time.Second, 10*time.Millisecond, "watchCancelSignal should have an active pattern subscription")

	ok := eventbus.Broadcast(ctx, d.Bus, eventbus.ChannelCancelBatch("b-broadcast"), eventbus.CancelBatchSignal{BatchID: "b-broadcast"})
	require.True(t, ok)

	require.Eventually(t, func() bool {
		return d.isBatchCancelled("b-broadcast")
	}, time.Second, 10*time.Millisecond, "broadcast cancel should reach CancelBatch via watchCancelSignal")

	require.NoError(t, d.processJob(context.Background(), eventbus.TranscriptionJob{EpisodeID: "ep-D", BatchID: "b-broadcast"}))
	assert.Equal(t, episodes.StatusFailed, store.status("ep-D"))
}

func TestFailAndAckReleasesGPULock(t *testing.T) {
	ep := episodes.Episode{ID: "ep-E", URL: "https://cdn.example.com/e.mp3"}
	store := newFakeEpisodeStore(ep)
	d, _, mr := newTestDaemon(t, store)
	defer mr.Close()

	ctx := context.Background()
	require.NoError(t, d.ensureGPULock(ctx))

	require.NoError(t, d.failAndAck(ctx, "ep-E"))
	assert.Equal(t, episodes.StatusFailed, store.status("ep-E"))

	d.mu.Lock()
	held := d.held != nil
	d.mu.Unlock()
	assert.False(t, held, "a pipeline:stop fail-ack must release the gpu lock so a competing consumer isn't starved")
}

func TestBatchHandoffReleasesGPULockOncePerBatch(t *testing.T) {
	epA := episodes.Episode{ID: "ep-A", URL: "https://cdn.example.com/a.mp3"}
	epB := episodes.Episode{ID: "ep-B", URL: "https://cdn.example.com/b.mp3"}
	store := newFakeEpisodeStore(epA, epB)
	d, rdb, mr := newTestDaemon(t, store)
	defer mr.Close()
	d.batchProgress = map[string]map[string]bool{}
	d.batchTotal = map[string]int{}
	d.cancelled = map[string]bool{}

	ctx := context.Background()
	require.NoError(t, d.processJob(ctx, eventbus.TranscriptionJob{EpisodeID: "ep-A", BatchID: "b2", TotalBatchCount: 2}))
	d.mu.Lock()
	held := d.held != nil
	d.mu.Unlock()
	assert.True(t, held, "lock should stay held after first of two batch jobs")

	require.NoError(t, d.processJob(ctx, eventbus.TranscriptionJob{EpisodeID: "ep-B", BatchID: "b2", TotalBatchCount: 2}))
	d.mu.Lock()
	held = d.held != nil
	d.mu.Unlock()
	assert.False(t, held, "lock should release once the batch completes")

	n, err := rdb.XLen(context.Background(), eventbus.StreamBatchTranscribed).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
