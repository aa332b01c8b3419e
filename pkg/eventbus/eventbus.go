// Package eventbus is the event bus: typed publish/subscribe over
// durable Redis Streams with consumer groups, ack, and idle-entry claim,
// plus a separate non-durable pub/sub transport for broadcast control
// signals. Redis Streams rather than plain pub/sub because downstream
// subscribers need consumer groups and pending-entry claim to recover
// work after a crash.
package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dylangamachefl/podscribe-pipeline/pkg/substrate"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// Stream names shared by every producer and consumer in the pipeline.
const (
	StreamTranscriptionJobs   = "transcription_jobs"
	StreamEpisodesTranscribed = "episodes:transcribed"
	StreamEpisodesSummarized  = "episodes:summarized"
	StreamBatchTranscribed    = "batch:transcribed"
)

// ChannelStop is the non-durable broadcast channel for "stop the pipeline".
const ChannelStop = "pipeline:stop"

// ChannelCancelBatch returns the non-durable broadcast channel for
// cancelling a specific in-flight batch.
func ChannelCancelBatch(batchID string) string {
	return fmt.Sprintf("pipeline:cancel_batch:%s", batchID)
}

// ChannelCancelBatchPattern matches every per-batch cancel channel, so a
// single long-lived listener can watch for any batch's cancellation without
// knowing its ID in advance.
const ChannelCancelBatchPattern = "pipeline:cancel_batch:*"

const (
	claimIdleThreshold = 30 * time.Second
	readBlock          = 2 * time.Second
	readCount          = 10
	minBackoff         = time.Second
	maxBackoff         = 16 * time.Second
)

// TranscriptionJob is a `transcription_jobs` entry.
type TranscriptionJob struct {
	EpisodeID       string `json:"episode_id"`
	BatchID         string `json:"batch_id,omitempty"`
	TotalBatchCount int    `json:"total_batch_count,omitempty"`
}

// EpisodeTranscribed is an `episodes:transcribed` entry.
type EpisodeTranscribed struct {
	EventID           string  `json:"event_id"`
	Timestamp         string  `json:"timestamp"`
	Service           string  `json:"service"`
	EpisodeID         string  `json:"episode_id"`
	EpisodeTitle      string  `json:"episode_title"`
	PodcastName       string  `json:"podcast_name"`
	AudioURL          string  `json:"audio_url,omitempty"`
	DurationSeconds   float64 `json:"duration_seconds,omitempty"`
	DiarizationFailed bool    `json:"diarization_failed"`
}

// EpisodeSummarized is an `episodes:summarized` entry: the transcribed
// event's base fields plus the summary artifact reference and payload.
type EpisodeSummarized struct {
	EpisodeTranscribed
	SummaryPath string          `json:"summary_path"`
	SummaryData json.RawMessage `json:"summary_data"`
}

// BatchTranscribed is a `batch:transcribed` entry.
type BatchTranscribed struct {
	EventID    string   `json:"event_id"`
	Service    string   `json:"service"`
	BatchID    string   `json:"batch_id"`
	EpisodeIDs []string `json:"episode_ids"`
}

// StopSignal is the `pipeline:stop` broadcast payload.
type StopSignal struct {
	Reason string `json:"reason,omitempty"`
}

// CancelBatchSignal is the `pipeline:cancel_batch:{batch_id}` broadcast payload.
type CancelBatchSignal struct {
	BatchID string `json:"batch_id"`
}

// Bus is the event bus client.
type Bus struct {
	c *substrate.Client
}

// New creates a Bus over the shared substrate client.
func New(c *substrate.Client) *Bus {
	return &Bus{c: c}
}

// Close releases the underlying substrate connection.
func (b *Bus) Close() error {
	return b.c.Close()
}

// Publish serializes v as JSON and appends it to stream, injecting the
// caller's trace context into a side field. It fails soft: a substrate
// error is logged and false is returned, never raised into the caller — the
// job this event describes survives in the database regardless.
func Publish[T any](ctx context.Context, b *Bus, stream string, v T) bool {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("eventbus: marshal event", "stream", stream, "error", err)
		return false
	}

	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	trace, err := json.Marshal(carrier)
	if err != nil {
		slog.Error("eventbus: marshal trace carrier", "stream", stream, "error", err)
		trace = []byte("{}")
	}

	err = b.c.Raw().XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{"data": data, "trace": trace},
	}).Err()
	if err != nil {
		slog.Error("eventbus: publish", "stream", stream, "error", err)
		return false
	}
	return true
}

// Subscribe joins group as consumer and runs until ctx is done, invoking
// handler for every new and reclaimed entry on stream. A nil handler return
// acks the entry; a non-nil return leaves it pending for redelivery once it
// idles past claimIdleThreshold. Transient substrate errors are retried with
// capped exponential backoff (1s→2s→4s→...→16s), rejoining the group on
// each reconnect.
func Subscribe[T any](ctx context.Context, b *Bus, stream, group, consumer string, handler func(context.Context, T) error) error {
	backoff := minBackoff
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if err := ensureGroup(ctx, b, stream, group); err != nil {
			slog.Error("eventbus: ensure group", "stream", stream, "group", group, "error", err)
			if !sleepBackoff(ctx, &backoff) {
				return ctx.Err()
			}
			continue
		}
		backoff = minBackoff

		if err := claimIdleEntries(ctx, b, stream, group, consumer, handler); err != nil {
			slog.Error("eventbus: claim idle entries", "stream", stream, "group", group, "error", err)
			if !sleepBackoff(ctx, &backoff) {
				return ctx.Err()
			}
			continue
		}

		res, err := b.c.Raw().XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: consumer,
			Streams:  []string{stream, ">"},
			Count:    readCount,
			Block:    readBlock,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue // read timed out with nothing new; poll again
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Error("eventbus: read group", "stream", stream, "group", group, "error", err)
			if !sleepBackoff(ctx, &backoff) {
				return ctx.Err()
			}
			continue
		}

		for _, s := range res {
			for _, msg := range s.Messages {
				processEntry(ctx, b, stream, group, msg, handler)
			}
		}
	}
}

func ensureGroup(ctx context.Context, b *Bus, stream, group string) error {
	err := b.c.Raw().XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

func claimIdleEntries[T any](ctx context.Context, b *Bus, stream, group, consumer string, handler func(context.Context, T) error) error {
	msgs, _, err := b.c.Raw().XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    group,
		MinIdle:  claimIdleThreshold,
		Start:    "0-0",
		Consumer: consumer,
		Count:    readCount,
	}).Result()
	if err != nil {
		return err
	}
	for _, msg := range msgs {
		processEntry(ctx, b, stream, group, msg, handler)
	}
	return nil
}

func processEntry[T any](ctx context.Context, b *Bus, stream, group string, msg redis.XMessage, handler func(context.Context, T) error) {
	raw, _ := msg.Values["data"].(string)
	var v T
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		slog.Error("eventbus: decode entry, dropping", "stream", stream, "id", msg.ID, "error", err)
		// A malformed entry can never succeed; ack it so it doesn't wedge the group.
		b.c.Raw().XAck(ctx, stream, group, msg.ID)
		return
	}

	handlerCtx := ctx
	if traceRaw, ok := msg.Values["trace"].(string); ok && traceRaw != "" {
		carrier := propagation.MapCarrier{}
		if json.Unmarshal([]byte(traceRaw), &carrier) == nil {
			handlerCtx = otel.GetTextMapPropagator().Extract(ctx, carrier)
		}
	}

	if err := handler(handlerCtx, v); err != nil {
		slog.Error("eventbus: handler error, entry stays pending", "stream", stream, "id", msg.ID, "error", err)
		return
	}
	if err := b.c.Raw().XAck(ctx, stream, group, msg.ID).Err(); err != nil {
		slog.Error("eventbus: ack", "stream", stream, "id", msg.ID, "error", err)
	}
}

// Broadcast publishes v as JSON on channel with best-effort, non-durable
// delivery. It fails soft like Publish.
func Broadcast[T any](ctx context.Context, b *Bus, channel string, v T) bool {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("eventbus: marshal broadcast", "channel", channel, "error", err)
		return false
	}
	if err := b.c.Raw().Publish(ctx, channel, data).Err(); err != nil {
		slog.Error("eventbus: broadcast", "channel", channel, "error", err)
		return false
	}
	return true
}

// Listen subscribes to channel and invokes handler for every message until
// ctx is done, reconnecting with the same capped backoff as Subscribe.
func Listen[T any](ctx context.Context, b *Bus, channel string, handler func(context.Context, T)) error {
	backoff := minBackoff
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		pubsub := b.c.Raw().Subscribe(ctx, channel)
		if _, err := pubsub.Receive(ctx); err != nil {
			pubsub.Close()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Error("eventbus: subscribe", "channel", channel, "error", err)
			if !sleepBackoff(ctx, &backoff) {
				return ctx.Err()
			}
			continue
		}
		backoff = minBackoff

		dropped := listenLoop(ctx, pubsub, channel, handler)
		pubsub.Close()
		if !dropped {
			return ctx.Err()
		}
		if !sleepBackoff(ctx, &backoff) {
			return ctx.Err()
		}
	}
}

// listenLoop drains pubsub's channel until it closes (connection dropped,
// returns true to signal a reconnect is warranted) or ctx is done (returns
// false).
func listenLoop[T any](ctx context.Context, pubsub *redis.PubSub, channel string, handler func(context.Context, T)) bool {
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return false
		case msg, ok := <-ch:
			if !ok {
				return true
			}
			var v T
			if err := json.Unmarshal([]byte(msg.Payload), &v); err != nil {
				slog.Error("eventbus: decode broadcast", "channel", channel, "error", err)
				continue
			}
			handler(ctx, v)
		}
	}
}

// ListenPattern subscribes to every channel matching pattern (e.g.
// "pipeline:cancel_batch:*") and invokes handler for every message until
// ctx is done, reconnecting with the same capped backoff as Listen.
func ListenPattern[T any](ctx context.Context, b *Bus, pattern string, handler func(context.Context, T)) error {
	backoff := minBackoff
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		pubsub := b.c.Raw().PSubscribe(ctx, pattern)
		if _, err := pubsub.Receive(ctx); err != nil {
			pubsub.Close()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Error("eventbus: psubscribe", "pattern", pattern, "error", err)
			if !sleepBackoff(ctx, &backoff) {
				return ctx.Err()
			}
			continue
		}
		backoff = minBackoff

		dropped := listenLoop(ctx, pubsub, pattern, handler)
		pubsub.Close()
		if !dropped {
			return ctx.Err()
		}
		if !sleepBackoff(ctx, &backoff) {
			return ctx.Err()
		}
	}
}

func sleepBackoff(ctx context.Context, backoff *time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(*backoff):
	}
	*backoff *= 2
	if *backoff > maxBackoff {
		*backoff = maxBackoff
	}
	return true
}
