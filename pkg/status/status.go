// Package status implements the pipeline status aggregator: a
// shared-memory view of what every service is doing to every in-flight
// episode, kept consistent across processes with two Lua scripts.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dylangamachefl/podscribe-pipeline/pkg/substrate"
	"github.com/redis/go-redis/v9"
)

const (
	activeEpisodesKey           = "pipeline:active_episodes"
	serviceStatusPrefix         = "status:" // status:{service}:{episode_id}
	serviceStatsPrefix          = "stats:"  // stats:{service}
	legacyTranscriptionStatus   = "transcription:status"
	currentSentinel             = "current"
	defaultRecordTTL            = time.Hour
	logRingSize                 = 50
)

// knownServices is the fixed service set the aggregator understands, in
// pipeline order.
var knownServices = []string{"transcription", "summarization", "rag"}

// setStatusScript mirrors SET_STATUS_LUA: add the episode to the active set
// and write its per-service record in one round trip.
//
//	KEYS[1]: pipeline:active_episodes
//	KEYS[2]: status:{service}:{episode_id}
//	ARGV[1]: episode_id
//	ARGV[2]: status_data_json
//	ARGV[3]: ttl seconds
var setStatusScript = redis.NewScript(`
redis.call('SADD', KEYS[1], ARGV[1])
redis.call('SETEX', KEYS[2], ARGV[3], ARGV[2])
return 1
`)

// clearStatusScript mirrors CLEAR_STATUS_LUA: delete this service's record,
// and only drop the episode from the active set once no other known service
// still holds a live record for it. The check must be atomic with the
// delete, or a concurrent "service B starts" can race "service A finishes"
// and the episode is dropped from the active set while B is still live.
//
//	KEYS[1]: pipeline:active_episodes
//	KEYS[2]: status:{service}:{episode_id}
//	ARGV[1]: episode_id
//	ARGV[2]: status key prefix ("status:")
var clearStatusScript = redis.NewScript(`
redis.call('DEL', KEYS[2])
local services = {'transcription', 'summarization', 'rag'}
local active = false
for _, svc in ipairs(services) do
	if redis.call('EXISTS', ARGV[2] .. svc .. ':' .. ARGV[1]) == 1 then
		active = true
		break
	end
end
if not active then
	redis.call('SREM', KEYS[1], ARGV[1])
end
return 1
`)

func statusKey(service, episodeID string) string {
	return fmt.Sprintf("%s%s:%s", serviceStatusPrefix, service, episodeID)
}

func statsKey(service string) string {
	return serviceStatsPrefix + service
}

// Record is one service's status entry for one episode. Known fields are
// typed; everything else (episode title, podcast name, GPU telemetry, ...)
// round-trips through Extra, matching the free-form dict the original
// status monitor stores.
type Record struct {
	Stage       string
	Progress    float64
	RecentLogs  []string
	LastUpdated time.Time
	Extra       map[string]any
}

// MarshalJSON flattens Extra alongside the known fields, so the stored JSON
// looks exactly like the original status dict.
func (r Record) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(r.Extra)+4)
	for k, v := range r.Extra {
		m[k] = v
	}
	if r.Stage != "" {
		m["stage"] = r.Stage
	}
	m["progress"] = r.Progress
	if r.RecentLogs != nil {
		m["recent_logs"] = r.RecentLogs
	}
	if !r.LastUpdated.IsZero() {
		m["last_updated"] = r.LastUpdated.Format(time.RFC3339Nano)
	}
	return json.Marshal(m)
}

// UnmarshalJSON lifts the known fields out of the flat object and keeps the
// remainder in Extra.
func (r *Record) UnmarshalJSON(data []byte) error {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	if v, ok := m["stage"]; ok {
		_ = json.Unmarshal(v, &r.Stage)
		delete(m, "stage")
	}
	if v, ok := m["progress"]; ok {
		_ = json.Unmarshal(v, &r.Progress)
		delete(m, "progress")
	}
	if v, ok := m["recent_logs"]; ok {
		_ = json.Unmarshal(v, &r.RecentLogs)
		delete(m, "recent_logs")
	}
	if v, ok := m["last_updated"]; ok {
		var s string
		if json.Unmarshal(v, &s) == nil {
			if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
				r.LastUpdated = t
			}
		}
		delete(m, "last_updated")
	}
	if len(m) == 0 {
		return nil
	}
	r.Extra = make(map[string]any, len(m))
	for k, v := range m {
		var val any
		if err := json.Unmarshal(v, &val); err != nil {
			return err
		}
		r.Extra[k] = val
	}
	return nil
}

func extraString(extra map[string]any, key string) string {
	if extra == nil {
		return ""
	}
	if v, ok := extra[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func mergeExtra(base, extra map[string]any) map[string]any {
	if len(base) == 0 && len(extra) == 0 {
		return nil
	}
	merged := make(map[string]any, len(base)+len(extra))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	return merged
}

// Stats is the per-service completed/total counter.
type Stats struct {
	Completed   int       `json:"completed"`
	Total       int       `json:"total"`
	LastUpdated time.Time `json:"last_updated,omitempty"`
}

// ActiveRecord is a Record enriched with the episode/service it belongs to,
// the shape Rollup assembles its view from.
type ActiveRecord struct {
	Record
	EpisodeID string `json:"episode_id"`
	Service   string `json:"service"`
}

// StageStatus is one service's slice of the rollup view.
type StageStatus struct {
	Active    bool          `json:"active"`
	Completed int           `json:"completed"`
	Total     int           `json:"total"`
	Current   *ActiveRecord `json:"current"`
}

// EpisodeProgress is one episode's merged view across services.
type EpisodeProgress struct {
	EpisodeID string                   `json:"episode_id"`
	Title     string                   `json:"title"`
	Podcast   string                   `json:"podcast"`
	Stage     string                   `json:"stage"`
	Progress  float64                  `json:"progress"`
	Services  map[string]*ActiveRecord `json:"services"`
}

// PipelineStatus is the full rollup (C5's read model).
type PipelineStatus struct {
	IsRunning         bool              `json:"is_running"`
	Stages            map[string]StageStatus `json:"stages"`
	ActiveEpisodes    []EpisodeProgress `json:"active_episodes"`
	GPUName           string            `json:"gpu_name,omitempty"`
	GPUUsage          float64           `json:"gpu_usage"`
	VRAMUsedGB        float64           `json:"vram_used_gb"`
	VRAMTotalGB       float64           `json:"vram_total_gb"`
	RecentLogs        []string          `json:"recent_logs,omitempty"`
	EpisodesCompleted int               `json:"episodes_completed"`
	EpisodesTotal     int               `json:"episodes_total"`
}

type legacyStatus struct {
	IsRunning         bool     `json:"is_running"`
	GPUName           string   `json:"gpu_name"`
	GPUUsage          float64  `json:"gpu_usage"`
	VRAMUsedGB        float64  `json:"vram_used_gb"`
	VRAMTotalGB       float64  `json:"vram_total_gb"`
	RecentLogs        []string `json:"recent_logs"`
	EpisodesCompleted int      `json:"episodes_completed"`
	EpisodesTotal     int      `json:"episodes_total"`
}

// Aggregator is the status aggregator.
type Aggregator struct {
	c *substrate.Client
}

// New creates an Aggregator over the shared substrate client.
func New(c *substrate.Client) *Aggregator {
	return &Aggregator{c: c}
}

// SetStatus atomically adds episodeID to the active set and writes its
// service record with a one-hour TTL.
func (a *Aggregator) SetStatus(ctx context.Context, service, episodeID string, rec Record) error {
	rec.LastUpdated = time.Now()
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("status: encode %s/%s: %w", service, episodeID, err)
	}
	key := statusKey(service, episodeID)
	ttl := int(defaultRecordTTL.Seconds())
	if err := setStatusScript.Run(ctx, a.c.Raw(), []string{activeEpisodesKey, key}, episodeID, string(data), ttl).Err(); err != nil {
		return fmt.Errorf("status: set %s/%s: %w", service, episodeID, err)
	}
	return nil
}

// UpdateServiceStatus is the DRY progress-reporting entry point: it reads
// the existing record for log/extra history, splices logMessage onto the
// front of a ring buffer capped at 50 entries, merges extra into the
// existing extra fields, and writes the result via SetStatus.
func (a *Aggregator) UpdateServiceStatus(ctx context.Context, service, episodeID, stage string, progress float64, logMessage string, extra map[string]any) error {
	key := statusKey(service, episodeID)
	raw, err := a.c.Raw().Get(ctx, key).Result()
	var existing Record
	switch {
	case err == nil:
		if uerr := json.Unmarshal([]byte(raw), &existing); uerr != nil {
			return fmt.Errorf("status: decode existing %s: %w", key, uerr)
		}
	case errors.Is(err, redis.Nil):
	default:
		return fmt.Errorf("status: read existing %s: %w", key, err)
	}

	logs := existing.RecentLogs
	if logMessage != "" {
		ts := time.Now().Format("15:04:05")
		logs = append([]string{fmt.Sprintf("[%s] %s", ts, logMessage)}, logs...)
		if len(logs) > logRingSize {
			logs = logs[:logRingSize]
		}
	}

	rec := Record{
		Stage:      stage,
		Progress:   progress,
		RecentLogs: logs,
		Extra:      mergeExtra(existing.Extra, extra),
	}
	return a.SetStatus(ctx, service, episodeID, rec)
}

// ClearStatus deletes service's record for episodeID and, only if no other
// known service still holds a live record, removes episodeID from the
// active set.
func (a *Aggregator) ClearStatus(ctx context.Context, service, episodeID string) error {
	key := statusKey(service, episodeID)
	if err := clearStatusScript.Run(ctx, a.c.Raw(), []string{activeEpisodesKey, key}, episodeID, serviceStatusPrefix).Err(); err != nil {
		return fmt.Errorf("status: clear %s/%s: %w", service, episodeID, err)
	}
	return nil
}

// UpdateStats overwrites service's completed/total counters.
func (a *Aggregator) UpdateStats(ctx context.Context, service string, completed, total int) error {
	s := Stats{Completed: completed, Total: total, LastUpdated: time.Now()}
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("status: encode stats %s: %w", service, err)
	}
	if err := a.c.Raw().Set(ctx, statsKey(service), data, 0).Err(); err != nil {
		return fmt.Errorf("status: set stats %s: %w", service, err)
	}
	return nil
}

func (a *Aggregator) readStats(ctx context.Context, service string) (Stats, error) {
	raw, err := a.c.Raw().Get(ctx, statsKey(service)).Result()
	if errors.Is(err, redis.Nil) {
		return Stats{}, nil
	}
	if err != nil {
		return Stats{}, fmt.Errorf("status: read stats %s: %w", service, err)
	}
	var s Stats
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return Stats{}, fmt.Errorf("status: decode stats %s: %w", service, err)
	}
	return s, nil
}

// InitializeBatch resets every known service's stats and per-episode
// records for episodeIDs, then seeds the active set and stats counters for
// a fresh batch run.
func (a *Aggregator) InitializeBatch(ctx context.Context, episodeIDs []string, totalCount int) error {
	pipe := a.c.Raw().Pipeline()
	for _, service := range knownServices {
		pipe.Del(ctx, statsKey(service))
		for _, eid := range episodeIDs {
			pipe.Del(ctx, statusKey(service, eid))
		}
	}
	if len(episodeIDs) > 0 {
		members := make([]any, len(episodeIDs))
		for i, id := range episodeIDs {
			members[i] = id
		}
		pipe.SAdd(ctx, activeEpisodesKey, members...)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("status: initialize batch: %w", err)
	}
	for _, service := range knownServices {
		if err := a.UpdateStats(ctx, service, 0, totalCount); err != nil {
			return err
		}
	}
	return nil
}

// Rollup aggregates every known service's active records into a single
// pipeline view.
func (a *Aggregator) Rollup(ctx context.Context) (PipelineStatus, error) {
	activeIDs, err := a.c.Raw().SMembers(ctx, activeEpisodesKey).Result()
	if err != nil {
		return PipelineStatus{}, fmt.Errorf("status: read active set: %w", err)
	}

	stages := make(map[string]StageStatus, len(knownServices))
	episodes := make(map[string]*EpisodeProgress)
	var episodeOrder []string

	for _, service := range knownServices {
		stats, err := a.readStats(ctx, service)
		if err != nil {
			return PipelineStatus{}, err
		}

		var activeInService []ActiveRecord
		for _, eid := range activeIDs {
			raw, err := a.c.Raw().Get(ctx, statusKey(service, eid)).Result()
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				return PipelineStatus{}, fmt.Errorf("status: read %s/%s: %w", service, eid, err)
			}
			var rec Record
			if err := json.Unmarshal([]byte(raw), &rec); err != nil {
				return PipelineStatus{}, fmt.Errorf("status: decode %s/%s: %w", service, eid, err)
			}
			activeInService = append(activeInService, ActiveRecord{Record: rec, EpisodeID: eid, Service: service})
		}

		var current *ActiveRecord
		if len(activeInService) > 0 {
			c := activeInService[0]
			current = &c
		}
		stages[service] = StageStatus{
			Active:    len(activeInService) > 0 || (stats.Completed < stats.Total && stats.Total > 0),
			Completed: stats.Completed,
			Total:     stats.Total,
			Current:   current,
		}

		for _, entry := range activeInService {
			// "current" is a worker-local placeholder key, never a real
			// episode; it must never reach the merged view.
			if entry.EpisodeID == currentSentinel {
				continue
			}
			ep, ok := episodes[entry.EpisodeID]
			if !ok {
				stage := entry.Stage
				if stage == "" {
					stage = "queued"
				}
				ep = &EpisodeProgress{
					EpisodeID: entry.EpisodeID,
					Title:     firstNonEmpty(extraString(entry.Extra, "current_episode"), extraString(entry.Extra, "episode_title"), "Unknown"),
					Podcast:   firstNonEmpty(extraString(entry.Extra, "current_podcast"), extraString(entry.Extra, "podcast_name"), "Unknown"),
					Stage:     stage,
					Progress:  entry.Progress,
					Services:  make(map[string]*ActiveRecord),
				}
				episodes[entry.EpisodeID] = ep
				episodeOrder = append(episodeOrder, entry.EpisodeID)
			}
			e := entry
			ep.Services[entry.Service] = &e
		}
	}

	var legacy legacyStatus
	raw, err := a.c.Raw().Get(ctx, legacyTranscriptionStatus).Result()
	switch {
	case err == nil:
		if uerr := json.Unmarshal([]byte(raw), &legacy); uerr != nil {
			return PipelineStatus{}, fmt.Errorf("status: decode legacy status: %w", uerr)
		}
	case errors.Is(err, redis.Nil):
	default:
		return PipelineStatus{}, fmt.Errorf("status: read legacy status: %w", err)
	}

	isRunning := legacy.IsRunning || len(episodes) > 0 || len(activeIDs) > 0

	if !isRunning && len(activeIDs) > 0 {
		if err := a.c.Raw().Del(ctx, activeEpisodesKey).Err(); err != nil {
			return PipelineStatus{}, fmt.Errorf("status: self-heal active set: %w", err)
		}
		for _, service := range knownServices {
			if err := a.c.Raw().Del(ctx, statsKey(service)).Err(); err != nil {
				return PipelineStatus{}, fmt.Errorf("status: self-heal stats %s: %w", service, err)
			}
		}
	}

	activeEpisodes := make([]EpisodeProgress, 0, len(episodeOrder))
	for _, id := range episodeOrder {
		activeEpisodes = append(activeEpisodes, *episodes[id])
	}

	return PipelineStatus{
		IsRunning:         isRunning,
		Stages:            stages,
		ActiveEpisodes:    activeEpisodes,
		GPUName:           legacy.GPUName,
		GPUUsage:          legacy.GPUUsage,
		VRAMUsedGB:        legacy.VRAMUsedGB,
		VRAMTotalGB:       legacy.VRAMTotalGB,
		RecentLogs:        legacy.RecentLogs,
		EpisodesCompleted: legacy.EpisodesCompleted,
		EpisodesTotal:     legacy.EpisodesTotal,
	}, nil
}

// ClearAll force-clears every status/stats key, the active set and the
// legacy transcription:status key. The transcriber daemon calls it during
// startup recovery.
func (a *Aggregator) ClearAll(ctx context.Context) error {
	if err := a.c.Raw().Del(ctx, activeEpisodesKey).Err(); err != nil {
		return fmt.Errorf("status: clear active set: %w", err)
	}
	keys, err := a.c.Raw().Keys(ctx, serviceStatusPrefix+"*").Result()
	if err != nil {
		return fmt.Errorf("status: list status keys: %w", err)
	}
	statKeys, err := a.c.Raw().Keys(ctx, serviceStatsPrefix+"*").Result()
	if err != nil {
		return fmt.Errorf("status: list stats keys: %w", err)
	}
	keys = append(keys, statKeys...)
	keys = append(keys, legacyTranscriptionStatus)
	if err := a.c.Raw().Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("status: clear all: %w", err)
	}
	return nil
}
