// daemon.go is the transcription worker daemon: it claims transcription
// jobs from a Redis-streams consumer group, downloads and sanitizes audio,
// runs it through the transcribe/diarize model calls, persists the result,
// and publishes an episode-transcribed event for downstream subscribers.
package transcribe

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dylangamachefl/podscribe-pipeline/engine/episodes"
	"github.com/dylangamachefl/podscribe-pipeline/pkg/eventbus"
	"github.com/dylangamachefl/podscribe-pipeline/pkg/gpulock"
	"github.com/dylangamachefl/podscribe-pipeline/pkg/status"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var jobsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "podscribe_transcriber_jobs_total",
		Help: "Transcription jobs by terminal outcome (completed, failed).",
	},
	[]string{"outcome"},
)

var batchesCompleted = promauto.NewCounter(prometheus.CounterOpts{
	Name: "podscribe_transcriber_batches_completed_total",
	Help: "Batches whose every episode finished transcribing.",
})

// StuckThreshold bounds how long an episode may sit in a non-terminal
// status before startup recovery reclaims it.
const StuckThreshold = 30 * time.Minute

// Downloader fetches audio bytes from a validated, resolved URL.
type Downloader interface {
	Download(ctx context.Context, audioURL string) ([]byte, error)
}

// Transcriber turns audio bytes into timestamped segments. The model call
// itself is treated as opaque here.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte) ([]Segment, error)
}

// Diarizer assigns speaker labels to a sanitized 16kHz mono WAV copy of the
// audio, returning segments with Speaker populated. The model call itself
// is treated as opaque here.
type Diarizer interface {
	Diarize(ctx context.Context, sanitizedWAV []byte, segments []Segment) ([]Segment, error)
}

// episodeStore is the slice of episodes.Store the daemon needs.
type episodeStore interface {
	GetByID(ctx context.Context, id string, loadTranscript bool) (episodes.Episode, error)
	UpdateStatus(ctx context.Context, id string, status episodes.Status) error
	SaveTranscript(ctx context.Context, episodeID, transcriptText string, metadata map[string]any) error
	ListStuck(ctx context.Context, olderThan time.Duration) ([]episodes.Episode, error)
}

// Daemon runs the transcription consumer loop.
type Daemon struct {
	Bus         *eventbus.Bus
	Episodes    episodeStore
	Status      *status.Aggregator
	GPULock     *gpulock.Lock
	Downloader  Downloader
	Transcriber Transcriber
	Diarizer    Diarizer
	AudioSource AudioExtractor // nil is fine unless a job's URL is video-like

	ConsumerName string

	mu            sync.Mutex
	held          *gpulock.Handle
	batchProgress map[string]map[string]bool // batch_id -> set of completed episode ids
	batchTotal    map[string]int
	stopped       bool
	cancelled     map[string]bool // batch_id -> cancel requested
}

// Run performs startup recovery, then subscribes and processes jobs until
// ctx is done, at which point it runs the shutdown sequence.
func (d *Daemon) Run(ctx context.Context) error {
	d.batchProgress = make(map[string]map[string]bool)
	d.batchTotal = make(map[string]int)
	d.cancelled = make(map[string]bool)

	if err := d.recoverStuckEpisodes(ctx); err != nil {
		slog.Error("transcribe: startup recovery", "error", err)
	}

	stopCh := make(chan struct{})
	go d.watchStopSignal(ctx, stopCh)
	go d.watchCancelSignal(ctx)

	err := eventbus.Subscribe(ctx, d.Bus, eventbus.StreamTranscriptionJobs, "transcription_workers", d.ConsumerName,
		func(jobCtx context.Context, job eventbus.TranscriptionJob) error {
			select {
			case <-stopCh:
				return d.failAndAck(jobCtx, job.EpisodeID)
			default:
			}
			return d.processJob(jobCtx, job)
		})

	d.shutdown(context.Background())
	return err
}

// recoverStuckEpisodes reverts non-terminal rows older than StuckThreshold
// back to PENDING.
func (d *Daemon) recoverStuckEpisodes(ctx context.Context) error {
	stuck, err := d.Episodes.ListStuck(ctx, StuckThreshold)
	if err != nil {
		return fmt.Errorf("transcribe: list stuck episodes: %w", err)
	}
	for _, ep := range stuck {
		if err := d.Episodes.UpdateStatus(ctx, ep.ID, episodes.StatusPending); err != nil {
			slog.Error("transcribe: revert stuck episode", "episode_id", ep.ID, "error", err)
		}
	}
	if err := d.Status.ClearAll(ctx); err != nil {
		slog.Error("transcribe: clear stale status keys", "error", err)
	}
	return nil
}

// watchStopSignal closes stopCh once a pipeline:stop broadcast arrives.
func (d *Daemon) watchStopSignal(ctx context.Context, stopCh chan struct{}) {
	eventbus.Listen(ctx, d.Bus, eventbus.ChannelStop, func(_ context.Context, _ eventbus.StopSignal) {
		close(stopCh)
	})
}

// watchCancelSignal listens on every pipeline:cancel_batch:{id} channel at
// once and marks the named batch cancelled, so processJob's suspension-point
// checks can fail the in-flight episode belonging to that batch.
func (d *Daemon) watchCancelSignal(ctx context.Context) {
	eventbus.ListenPattern(ctx, d.Bus, eventbus.ChannelCancelBatchPattern, func(_ context.Context, sig eventbus.CancelBatchSignal) {
		d.CancelBatch(sig.BatchID)
	})
}

// isBatchCancelled checks for a broadcast cancel-batch signal, consulted at
// every suspension point in processJob; cancellation is a courtesy, not a
// hard guarantee.
func (d *Daemon) isBatchCancelled(batchID string) bool {
	if batchID == "" {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cancelled[batchID]
}

// CancelBatch marks batchID as cancelled; the next suspension-point check
// in processJob will fail the in-flight episode. Exposed directly so tests
// (and any embedder bypassing watchCancelSignal) can trip cancellation
// without a broadcast round trip.
func (d *Daemon) CancelBatch(batchID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancelled[batchID] = true
}

// checkCancelled re-checks the cancel-batch flag for job's batch and, if
// tripped, fails the episode and releases the GPU lock so a competing
// consumer isn't starved while this job has nowhere left to go. Returns true
// if the job was aborted.
func (d *Daemon) checkCancelled(ctx context.Context, job eventbus.TranscriptionJob) bool {
	if !d.isBatchCancelled(job.BatchID) {
		return false
	}
	d.failEpisode(ctx, job.EpisodeID, "cancelled", fmt.Errorf("batch %s cancelled", job.BatchID))
	d.releaseGPULock(ctx)
	return true
}

func (d *Daemon) processJob(ctx context.Context, job eventbus.TranscriptionJob) error {
	log := slog.With("episode_id", job.EpisodeID, "batch_id", job.BatchID)

	// 3a: mark TRANSCRIBING.
	if err := d.Episodes.UpdateStatus(ctx, job.EpisodeID, episodes.StatusTranscribing); err != nil {
		return fmt.Errorf("transcribe: mark transcribing: %w", err)
	}

	// 3b: report status "preparing".
	_ = d.Status.UpdateServiceStatus(ctx, "transcription", job.EpisodeID, "preparing", 0, "", nil)

	// 3c: acquire GPU lock if not already held.
	if err := d.ensureGPULock(ctx); err != nil {
		d.failEpisode(ctx, job.EpisodeID, "gpu lock", err)
		return nil
	}

	// 3d: check cancellation.
	if d.checkCancelled(ctx, job) {
		return nil
	}

	ep, err := d.Episodes.GetByID(ctx, job.EpisodeID, false)
	if err != nil {
		d.failEpisode(ctx, job.EpisodeID, "load episode", err)
		return nil
	}

	// 3e: download, SSRF-validated, video-aware.
	audioURL, err := ResolveAudioSource(ctx, ep.URL, d.AudioSource)
	if err != nil {
		d.failEpisode(ctx, job.EpisodeID, "resolve audio source", err)
		return nil
	}
	if err := ValidateAudioURL(ctx, audioURL); err != nil {
		d.failEpisode(ctx, job.EpisodeID, "ssrf validation", err)
		return nil
	}
	if d.checkCancelled(ctx, job) {
		return nil
	}
	_ = d.Status.UpdateServiceStatus(ctx, "transcription", job.EpisodeID, "downloading", 0.1, "", nil)
	audio, err := d.Downloader.Download(ctx, audioURL)
	if err != nil {
		d.failEpisode(ctx, job.EpisodeID, "download audio", err)
		return nil
	}

	// 3f: transcribe.
	if d.checkCancelled(ctx, job) {
		return nil
	}
	_ = d.Status.UpdateServiceStatus(ctx, "transcription", job.EpisodeID, "transcribing", 0.4, "", nil)
	segments, err := d.Transcriber.Transcribe(ctx, audio)
	if err != nil {
		d.failEpisode(ctx, job.EpisodeID, "transcribe", err)
		return nil
	}

	// 3g: diarize on a sanitized copy; fall back to raw segments on failure.
	if d.checkCancelled(ctx, job) {
		return nil
	}
	_ = d.Status.UpdateServiceStatus(ctx, "transcription", job.EpisodeID, "diarizing", 0.7, "", nil)
	diarizationFailed := false
	if d.Diarizer != nil {
		sanitized, sErr := SanitizeWAV(audio)
		if sErr == nil {
			diarized, dErr := d.Diarizer.Diarize(ctx, sanitized, segments)
			if dErr == nil {
				segments = diarized
			} else {
				log.Warn("transcribe: diarization failed, using raw segments", "error", dErr)
				diarizationFailed = true
			}
		} else {
			log.Warn("transcribe: wav sanitize failed, using raw segments", "error", sErr)
			diarizationFailed = true
		}
	} else {
		diarizationFailed = true
	}

	// 3h: format.
	meta := TranscriptMeta{Title: ep.Title, Podcast: ep.PodcastName}
	transcript := FormatTranscript(meta, segments)

	// 3i: save, transition to terminal status.
	if d.checkCancelled(ctx, job) {
		return nil
	}
	if err := d.Episodes.SaveTranscript(ctx, job.EpisodeID, transcript, map[string]any{
		"diarization_failed": diarizationFailed,
	}); err != nil {
		d.failEpisode(ctx, job.EpisodeID, "save transcript", err)
		return nil
	}
	_ = d.Status.ClearStatus(ctx, "transcription", job.EpisodeID)

	// 3j: publish EpisodeTranscribed.
	if d.checkCancelled(ctx, job) {
		return nil
	}
	eventbus.Publish(ctx, d.Bus, eventbus.StreamEpisodesTranscribed, eventbus.EpisodeTranscribed{
		EventID:           job.EpisodeID + ":transcribed",
		Timestamp:         nowRFC3339(),
		Service:           "transcription",
		EpisodeID:         job.EpisodeID,
		EpisodeTitle:      ep.Title,
		PodcastName:       ep.PodcastName,
		AudioURL:          ep.URL,
		DiarizationFailed: diarizationFailed,
	})

	// 3k: clean temp files is a no-op here; nothing is written to disk in
	// this implementation (audio stays in memory end to end).

	// 4: batch completion handoff.
	d.recordBatchCompletion(ctx, job)

	jobsTotal.WithLabelValues("completed").Inc()
	log.Info("transcribe: episode transcribed")
	return nil
}

func (d *Daemon) ensureGPULock(ctx context.Context) error {
	d.mu.Lock()
	alreadyHeld := d.held != nil
	d.mu.Unlock()
	if alreadyHeld {
		return nil
	}
	h, err := d.GPULock.Acquire(ctx)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.held = h
	d.mu.Unlock()
	return nil
}

func (d *Daemon) releaseGPULock(ctx context.Context) {
	d.mu.Lock()
	h := d.held
	d.held = nil
	d.mu.Unlock()
	if h != nil {
		if err := h.Release(ctx); err != nil {
			slog.Error("transcribe: release gpu lock", "error", err)
		}
	}
}

// recordBatchCompletion tracks per-batch progress and, once every expected
// job has landed, publishes BatchTranscribed and releases the GPU lock even
// if unrelated jobs remain queued, so a competing GPU consumer isn't left
// waiting on a batch that has nothing left to do.
func (d *Daemon) recordBatchCompletion(ctx context.Context, job eventbus.TranscriptionJob) {
	if job.BatchID == "" {
		return
	}
	d.mu.Lock()
	if d.batchProgress[job.BatchID] == nil {
		d.batchProgress[job.BatchID] = make(map[string]bool)
	}
	d.batchProgress[job.BatchID][job.EpisodeID] = true
	if job.TotalBatchCount > 0 {
		d.batchTotal[job.BatchID] = job.TotalBatchCount
	}
	completed := len(d.batchProgress[job.BatchID])
	total := d.batchTotal[job.BatchID]
	done := total > 0 && completed >= total
	var ids []string
	if done {
		for id := range d.batchProgress[job.BatchID] {
			ids = append(ids, id)
		}
		delete(d.batchProgress, job.BatchID)
		delete(d.batchTotal, job.BatchID)
		delete(d.cancelled, job.BatchID)
	}
	d.mu.Unlock()

	if done {
		eventbus.Publish(ctx, d.Bus, eventbus.StreamBatchTranscribed, eventbus.BatchTranscribed{
			EventID:    job.BatchID + ":transcribed",
			Service:    "transcription",
			BatchID:    job.BatchID,
			EpisodeIDs: ids,
		})
		batchesCompleted.Inc()
		d.releaseGPULock(ctx)
	}
}

func (d *Daemon) failEpisode(ctx context.Context, episodeID, step string, cause error) {
	slog.Error("transcribe: job failed", "episode_id", episodeID, "step", step, "error", cause)
	jobsTotal.WithLabelValues("failed").Inc()
	if err := d.Episodes.UpdateStatus(ctx, episodeID, episodes.StatusFailed); err != nil {
		slog.Error("transcribe: mark failed", "episode_id", episodeID, "error", err)
	}
	_ = d.Status.ClearStatus(ctx, "transcription", episodeID)
}

func (d *Daemon) failAndAck(ctx context.Context, episodeID string) error {
	d.failEpisode(ctx, episodeID, "stop signal", fmt.Errorf("pipeline stop requested"))
	d.releaseGPULock(ctx)
	return nil
}

// shutdown releases any still-held GPU lock. The in-flight job (if any) was
// already failed by failAndAck/failEpisode before Run's Subscribe loop
// returned.
func (d *Daemon) shutdown(ctx context.Context) {
	d.releaseGPULock(ctx)
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339)
}
