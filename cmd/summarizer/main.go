// Command summarizer runs the two-stage summarization subscriber: it
// consumes episodes:transcribed, generates an unstructured narrative, then
// extracts and validates a structured summary, retrying with feedback on
// validation failure.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/dylangamachefl/podscribe-pipeline/engine/episodes"
	"github.com/dylangamachefl/podscribe-pipeline/engine/summarize"
	"github.com/dylangamachefl/podscribe-pipeline/pkg/eventbus"
	"github.com/dylangamachefl/podscribe-pipeline/pkg/fn"
	"github.com/dylangamachefl/podscribe-pipeline/pkg/idempotency"
	"github.com/dylangamachefl/podscribe-pipeline/pkg/mid"
	"github.com/dylangamachefl/podscribe-pipeline/pkg/ollama"
	"github.com/dylangamachefl/podscribe-pipeline/pkg/substrate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	var (
		redisAddr    = flag.String("redis", envOr("REDIS_URL", "localhost:6379"), "Redis address")
		databaseURL  = flag.String("database", envOr("DATABASE_URL", "postgres://localhost:5432/podscribe"), "Postgres connection string")
		ollamaURL    = flag.String("ollama", envOr("OLLAMA_URL", "http://localhost:11434"), "Ollama base URL")
		ollamaModel  = flag.String("model", envOr("OLLAMA_SUMMARIZER_MODEL", "llama3"), "Ollama text-generation model")
		group        = flag.String("group", "summarization", "consumer group name")
		consumerName = flag.String("consumer", envOr("HOSTNAME", "summarizer-1"), "consumer name within the group")
		adminAddr    = flag.String("admin-addr", ":9093", "address for the health/metrics admin mux")
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

	substrateClient, err := substrate.New(ctx, substrate.DefaultOptions(*redisAddr))
	if err != nil {
		log.Error("redis connect failed", "error", err)
		os.Exit(1)
	}

	defer substrateClient.Close()

	bus := eventbus.New(substrateClient)
	defer bus.Close()

	chat := ollama.NewChatClient(*ollamaURL, *ollamaModel)

	sub := &summarize.Subscriber{
		Bus:        bus,
		Episodes:   store,
		Summaries:  store,
		Idempotent: idempotency.New(substrateClient),
		Narrator:   &narrator{chat: chat},
		Structurer: &structurer{chat: chat},
		StructureRetry: fn.RetryOpts{
			MaxAttempts: 3,
			InitialWait: 2 * time.Second,
			MaxWait:     30 * time.Second,
			Jitter:      true,
		},
	}

	go serveAdmin(*adminAddr, log)

	log.Info("summarizer starting", "consumer", *consumerName, "group", *group)
	if err := sub.Run(ctx, *group, *consumerName); err != nil {
		log.Error("subscriber exited with error", "error", err)
		os.Exit(1)
	}
	log.Info("summarizer stopped")
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

// narrator implements summarize.Narrator over Ollama's free-form generate
// endpoint (stage 1: the unstructured narrative pass).
type narrator struct{ chat *ollama.ChatClient }

func (n *narrator) Narrate(ctx context.Context, transcriptText string) (string, error) {
	prompt := fmt.Sprintf(
		"Write a comprehensive, high-fidelity summary of the following podcast transcript. "+
			"Capture the key ideas, arguments, and notable quotes in plain prose.\n\nTranscript:\n%s",
		transcriptText,
	)
	return n.chat.Generate(ctx, prompt)
}

// structurer implements summarize.Structurer over Ollama's JSON-formatted
// generate endpoint (stage 2: structured extraction). feedback, when
// non-empty, is the previous attempt's validation error, appended to steer
// the model back onto the schema.
type structurer struct{ chat *ollama.ChatClient }

func (s *structurer) Structure(ctx context.Context, transcriptText, narrative, feedback string) (summarize.Summary, error) {
	prompt := fmt.Sprintf(structurePromptTemplate, narrative)
	if feedback != "" {
		prompt += fmt.Sprintf("\n\nThe previous attempt failed validation with this error, fix it: %s", feedback)
	}

	raw, err := s.chat.GenerateJSON(ctx, prompt)
	if err != nil {
		return summarize.Summary{}, fmt.Errorf("structure: generate: %w", err)
	}

	var out summarize.Summary
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return summarize.Summary{}, fmt.Errorf("structure: decode model output: %w", err)
	}
	return out, nil
}

const structurePromptTemplate = `Extract a structured summary from the narrative below as a single JSON
object with exactly these fields: hook (string), key_takeaways (array of
3-5 objects with "concept" and "explanation"), actionable_advice (array of
at least 3 strings), quotes (array of 2-5 strings), concepts (array of
objects with "term" and "definition"), perspectives (string), summary
(string, at least 200 characters), key_topics (array of at least 3
strings).

Narrative:
%s`

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
