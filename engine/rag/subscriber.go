// Package rag is the RAG ingestion subscriber: it consumes
// episodes:transcribed, chunks the transcript by speaker turn, embeds each
// chunk, and upserts both a vector index (engine/semantic) and a keyword
// index (bm25.go) so later retrieval can hybrid-search either one.
package rag

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dylangamachefl/podscribe-pipeline/engine/episodes"
	"github.com/dylangamachefl/podscribe-pipeline/engine/semantic"
	"github.com/dylangamachefl/podscribe-pipeline/engine/transcribe"
	"github.com/dylangamachefl/podscribe-pipeline/pkg/eventbus"
	"github.com/dylangamachefl/podscribe-pipeline/pkg/fn"
	"github.com/dylangamachefl/podscribe-pipeline/pkg/gpulock"
	"github.com/dylangamachefl/podscribe-pipeline/pkg/idempotency"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const serviceName = "rag"

var episodesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "podscribe_rag_episodes_total",
		Help: "Episodes handled by the RAG ingestion subscriber, by outcome.",
	},
	[]string{"outcome"},
)

// episodeLoader is the slice of episodes.Store the subscriber needs,
// narrowed so tests can fake it without a Postgres container.
type episodeLoader interface {
	GetByID(ctx context.Context, id string, loadTranscript bool) (episodes.Episode, error)
}

// vectorIndexer is the slice of semantic.VectorStore the subscriber needs.
type vectorIndexer interface {
	ExistsForEpisode(ctx context.Context, episodeID string) (bool, error)
	Upsert(ctx context.Context, records []semantic.VectorRecord) error
}

// Subscriber wires the stores, the GPU lock, and the two indexes together
// to run the ingestion handler below.
type Subscriber struct {
	Bus        *eventbus.Bus
	Episodes   episodeLoader
	Vectors    vectorIndexer
	Keywords   *KeywordIndex
	Idempotent *idempotency.Register
	GPULock    *gpulock.Lock
	Embedder   Embedder

	ChunkSize int
	Overlap   int
}

// Run joins the episodes:transcribed consumer group and blocks until ctx is
// done, processing one event at a time.
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

	// Step 1: idempotency claim.
	key := idempotency.Key(serviceName, "transcribed", evt.EpisodeID)
	outcome, err := s.Idempotent.Claim(ctx, key, idempotency.DefaultTTL)
	if err != nil {
		return fmt.Errorf("rag: idempotency claim: %w", err)
	}
	if outcome == idempotency.Duplicate {
		log.Info("rag: duplicate event, skipping")
		return nil
	}

	// Step 2: secondary check against the vector store itself, in case a
	// previous attempt claimed the key but crashed before finishing the
	// upsert.
	exists, err := s.Vectors.ExistsForEpisode(ctx, evt.EpisodeID)
	if err != nil {
		return fmt.Errorf("rag: exists check: %w", err)
	}
	if exists {
		log.Info("rag: episode already indexed, skipping")
		return nil
	}

	// Step 3: load transcript.
	ep, err := s.Episodes.GetByID(ctx, evt.EpisodeID, true)
	if err != nil {
		return fmt.Errorf("rag: load episode: %w", err)
	}
	if ep.TranscriptText == nil {
		return fmt.Errorf("rag: episode %s has no transcript", evt.EpisodeID)
	}

	// Steps 4-5: parse header/body and chunk by speaker turn.
	_, segments := transcribe.ParseTranscript(*ep.TranscriptText)
	chunkSize, overlap := s.ChunkSize, s.Overlap
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if overlap <= 0 {
		overlap = DefaultOverlap
	}
	chunks := ChunkBySpeakerTurns(segments, chunkSize, overlap)
	if len(chunks) == 0 {
		log.Warn("rag: transcript produced no chunks")
		return nil
	}

	// Step 6: embed under the GPU lock, retried with backoff.
	handle, err := s.GPULock.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("rag: acquire gpu lock: %w", err)
	}
	embeddings, err := fn.Retry(ctx, fn.DefaultRetry, func(ctx context.Context) fn.Result[[][]float32] {
		return fn.FromPair(embedAll(ctx, s.Embedder, chunks))
	}).Unwrap()
	releaseErr := handle.Release(ctx)
	if err != nil {
		return fmt.Errorf("rag: embed chunks: %w", err)
	}
	if releaseErr != nil {
		log.Warn("rag: release gpu lock", "error", releaseErr)
	}
	if len(embeddings) != len(chunks) {
		return fmt.Errorf("rag: embedder returned %d vectors for %d chunks", len(embeddings), len(chunks))
	}

	// Step 7: deterministic upsert into the vector store.
	records := make([]semantic.VectorRecord, len(chunks))
	for i, c := range chunks {
		records[i] = semantic.VectorRecord{
			ID:        chunkID(evt.EpisodeID, c.Index),
			Embedding: embeddings[i],
			Payload: map[string]any{
				"content":     c.Text,
				"episode_id":  evt.EpisodeID,
				"source":      evt.EpisodeTitle,
				"chunk_index": c.Index,
			},
		}
	}
	if err := s.Vectors.Upsert(ctx, records); err != nil {
		return fmt.Errorf("rag: upsert vectors: %w", err)
	}

	// Step 8: update the keyword index.
	if err := s.Keywords.AddDocuments(evt.EpisodeID, chunks); err != nil {
		return fmt.Errorf("rag: update keyword index: %w", err)
	}

	log.Info("rag: ingested episode", "chunks", len(chunks))
	return nil
}
