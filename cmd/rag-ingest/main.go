// Command rag-ingest runs the RAG ingestion subscriber: it consumes
// episodes:transcribed, chunks and embeds the transcript, and upserts both
// the Qdrant vector index and the on-disk BM25 keyword index.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"

	"github.com/dylangamachefl/podscribe-pipeline/engine/episodes"
	"github.com/dylangamachefl/podscribe-pipeline/engine/rag"
	"github.com/dylangamachefl/podscribe-pipeline/engine/semantic"
	"github.com/dylangamachefl/podscribe-pipeline/pkg/eventbus"
	"github.com/dylangamachefl/podscribe-pipeline/pkg/gpulock"
	"github.com/dylangamachefl/podscribe-pipeline/pkg/idempotency"
	"github.com/dylangamachefl/podscribe-pipeline/pkg/mid"
	"github.com/dylangamachefl/podscribe-pipeline/pkg/ollama"
	"github.com/dylangamachefl/podscribe-pipeline/pkg/substrate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const vectorDims = 768 // nomic-embed-text

func main() {
	var (
		redisAddr     = flag.String("redis", envOr("REDIS_URL", "localhost:6379"), "Redis address")
		databaseURL   = flag.String("database", envOr("DATABASE_URL", "postgres://localhost:5432/podscribe"), "Postgres connection string")
		qdrantAddr    = flag.String("qdrant", envOr("QDRANT_ADDR", "localhost:6334"), "Qdrant gRPC address")
		collection    = flag.String("collection", envOr("QDRANT_COLLECTION", "podscribe_chunks"), "Qdrant collection name")
		ollamaURL     = flag.String("ollama", envOr("OLLAMA_URL", "http://localhost:11434"), "Ollama base URL")
		ollamaModel   = flag.String("embed-model", envOr("OLLAMA_EMBED_MODEL", "nomic-embed-text"), "Ollama embedding model")
		keywordPath   = flag.String("keyword-index", envOr("KEYWORD_INDEX_PATH", "/var/lib/podscribe/bm25.gob"), "path to the persisted BM25 keyword index")
		group         = flag.String("group", "rag_ingest", "consumer group name")
		consumerName  = flag.String("consumer", envOr("HOSTNAME", "rag-ingest-1"), "consumer name within the group")
		adminAddr     = flag.String("admin-addr", ":9092", "address for the health/metrics admin mux")
	)
	flag.Parse()

	log := slog.Default()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := episodes.Migrate(*databaseURL); err != nil {
		log.Error("migrate failed", "error", err)
		os.Exit(1)
	}
	store, err := episodes.New(ctx, *databaseURL)
	if err != nil {
		log.Error("episodes connect failed", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	vectors, err := semantic.New(*qdrantAddr, *collection)
	if err != nil {
		log.Error("qdrant connect failed", "error", err)
		os.Exit(1)
	}
	defer vectors.Close()
	if err := vectors.EnsureCollection(ctx, vectorDims); err != nil {
		log.Error("qdrant ensure collection failed", "error", err)
		os.Exit(1)
	}

	keywords, err := rag.NewKeywordIndex(*keywordPath)
	if err != nil {
		log.Error("keyword index load failed", "error", err)
		os.Exit(1)
	}

	substrateClient, err := substrate.New(ctx, substrate.DefaultOptions(*redisAddr))
	if err != nil {
		log.Error("redis connect failed", "error", err)
		os.Exit(1)
	}

	defer substrateClient.Close()

	bus := eventbus.New(substrateClient)
	defer bus.Close()

	sub := &rag.Subscriber{
		Bus:        bus,
		Episodes:   store,
		Vectors:    vectors,
		Keywords:   keywords,
		Idempotent: idempotency.New(substrateClient),
		GPULock:    gpulock.New(substrateClient, gpulock.DefaultLease),
		Embedder:   ollama.NewEmbedClient(*ollamaURL, *ollamaModel),
		ChunkSize:  rag.DefaultChunkSize,
		Overlap:    rag.DefaultOverlap,
	}

	go serveAdmin(*adminAddr, log)

	log.Info("rag-ingest starting", "consumer", *consumerName, "group", *group)
	if err := sub.Run(ctx, *group, *consumerName); err != nil {
		log.Error("subscriber exited with error", "error", err)
		os.Exit(1)
	}
	log.Info("rag-ingest stopped")
}

func serveAdmin(addr string, log *slog.Logger) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())
	h := mid.Chain(mux, mid.Recover(log), mid.Logger(log))
	if err := http.ListenAndServe(addr, h); err != nil && err != http.ErrServerClosed {
		log.Error("admin server failed", "error", err)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
