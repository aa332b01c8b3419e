// Command transcriber runs the transcription worker daemon: it claims
// jobs off the transcription_jobs stream, downloads and sanitizes audio,
// calls out to the transcription and diarization model services, and
// publishes episodes:transcribed for downstream subscribers.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"golang.org/x/time/rate"

	"github.com/dylangamachefl/podscribe-pipeline/engine/episodes"
	"github.com/dylangamachefl/podscribe-pipeline/engine/transcribe"
	"github.com/dylangamachefl/podscribe-pipeline/pkg/eventbus"
	"github.com/dylangamachefl/podscribe-pipeline/pkg/gpulock"
	"github.com/dylangamachefl/podscribe-pipeline/pkg/mid"
	"github.com/dylangamachefl/podscribe-pipeline/pkg/resilience"
	"github.com/dylangamachefl/podscribe-pipeline/pkg/status"
	"github.com/dylangamachefl/podscribe-pipeline/pkg/substrate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	var (
		redisAddr     = flag.String("redis", envOr("REDIS_URL", "localhost:6379"), "Redis address")
		databaseURL   = flag.String("database", envOr("DATABASE_URL", "postgres://localhost:5432/podscribe"), "Postgres connection string")
		transcriberURL = flag.String("transcriber-url", envOr("TRANSCRIBER_URL", "http://localhost:9000"), "audio transcription model service")
		diarizerURL   = flag.String("diarizer-url", envOr("DIARIZER_URL", "http://localhost:9001"), "speaker diarization model service")
		consumerName  = flag.String("consumer", envOr("HOSTNAME", "transcriber-1"), "consumer name within the transcription_workers group")
		adminAddr     = flag.String("admin-addr", ":9090", "address for the health/metrics admin mux")
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

	daemon := &transcribe.Daemon{
		Bus:          bus,
		Episodes:     store,
		Status:       status.New(substrateClient),
		GPULock:      gpulock.New(substrateClient, gpulock.DefaultLease),
		Downloader: &httpDownloader{
			client:  &http.Client{Timeout: 10 * time.Minute},
			limiter: rate.NewLimiter(rate.Limit(DefaultDownloadRate), 1),
		},
		Transcriber: &httpTranscriber{
			baseURL: *transcriberURL,
			client:  &http.Client{Timeout: 30 * time.Minute},
			breaker: resilience.NewBreaker(resilience.DefaultBreakerOpts),
		},
		Diarizer: &httpDiarizer{
			baseURL: *diarizerURL,
			client:  &http.Client{Timeout: 30 * time.Minute},
			breaker: resilience.NewBreaker(resilience.DefaultBreakerOpts),
		},
		ConsumerName: *consumerName,
	}

	go serveAdmin(*adminAddr, log)

	log.Info("transcriber starting", "consumer", *consumerName)
	if err := daemon.Run(ctx); err != nil {
		log.Error("daemon exited with error", "error", err)
		os.Exit(1)
	}
	log.Info("transcriber stopped")
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

// httpDownloader fetches audio bytes over HTTP, implementing
// transcribe.Downloader. limiter throttles downloads so a burst of queued
// jobs doesn't saturate the worker's outbound bandwidth or the origin
// host all at once.
type httpDownloader struct {
	client  *http.Client
	limiter *rate.Limiter
}

// DefaultDownloadRate caps audio downloads at 2/s with a burst of 1.
const DefaultDownloadRate = 2

func (d *httpDownloader) Download(ctx context.Context, audioURL string) ([]byte, error) {
	if err := d.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("download audio: rate limit wait: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, audioURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download audio: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download audio: status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// httpTranscriber calls an opaque transcription model service, implementing
// transcribe.Transcriber. The model itself (Whisper or equivalent) is out of
// scope here; this is just the transport. A circuit breaker trips
// after repeated failures so a wedged model service fails claimed jobs fast
// instead of exhausting the job's visibility timeout on every retry.
type httpTranscriber struct {
	baseURL string
	client  *http.Client
	breaker *resilience.Breaker
}

type transcriberResponse struct {
	Segments []struct {
		Speaker string  `json:"speaker"`
		StartMS int64   `json:"start_ms"`
		Text    string  `json:"text"`
	} `json:"segments"`
}

func (t *httpTranscriber) Transcribe(ctx context.Context, audio []byte) ([]transcribe.Segment, error) {
	var out transcriberResponse
	err := t.breaker.Call(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/transcribe", bytes.NewReader(audio))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/octet-stream")
		resp, err := t.client.Do(req)
		if err != nil {
			return fmt.Errorf("transcribe: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("transcribe: status %d", resp.StatusCode)
		}
		return json.NewDecoder(resp.Body).Decode(&out)
	})
	if err != nil {
		return nil, fmt.Errorf("transcribe: %w", err)
	}
	segments := make([]transcribe.Segment, len(out.Segments))
	for i, s := range out.Segments {
		segments[i] = transcribe.Segment{
			Speaker: s.Speaker,
			Start:   time.Duration(s.StartMS) * time.Millisecond,
			Text:    s.Text,
		}
	}
	return segments, nil
}

// httpDiarizer calls an opaque speaker-diarization model service,
// implementing transcribe.Diarizer.
type httpDiarizer struct {
	baseURL string
	client  *http.Client
	breaker *resilience.Breaker
}

type diarizeRequest struct {
	Segments []diarizeSegment `json:"segments"`
}

type diarizeSegment struct {
	StartMS int64  `json:"start_ms"`
	Text    string `json:"text"`
}

func (d *httpDiarizer) Diarize(ctx context.Context, sanitizedWAV []byte, segments []transcribe.Segment) ([]transcribe.Segment, error) {
	reqSegments := make([]diarizeSegment, len(segments))
	for i, s := range segments {
		reqSegments[i] = diarizeSegment{StartMS: s.Start.Milliseconds(), Text: s.Text}
	}
	payload, err := json.Marshal(diarizeRequest{Segments: reqSegments})
	if err != nil {
		return nil, err
	}

	var out transcriberResponse
	err = d.breaker.Call(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+"/diarize?audio_format=wav16k", bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Audio-Length", fmt.Sprintf("%d", len(sanitizedWAV)))

		resp, err := d.client.Do(req)
		if err != nil {
			return fmt.Errorf("diarize: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("diarize: status %d", resp.StatusCode)
		}
		return json.NewDecoder(resp.Body).Decode(&out)
	})
	if err != nil {
		return nil, fmt.Errorf("diarize: %w", err)
	}
	diarized := make([]transcribe.Segment, len(out.Segments))
	for i, s := range out.Segments {
		diarized[i] = transcribe.Segment{
			Speaker: s.Speaker,
			Start:   time.Duration(s.StartMS) * time.Millisecond,
			Text:    s.Text,
		}
	}
	return diarized, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
