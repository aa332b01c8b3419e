// Package episodes is the system of record for podcast episodes and their
// summaries: Postgres-backed storage over pgx, with plain SQL rather than
// an ORM.
package episodes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Status is the lifecycle stage of an episode.
type Status string

const (
	StatusPending      Status = "PENDING"
	StatusProcessing   Status = "PROCESSING"
	StatusTranscribing Status = "TRANSCRIBING"
	StatusCompleted    Status = "COMPLETED"
	StatusFailed       Status = "FAILED"
)

// Episode mirrors the episodes table. TranscriptText and ProcessedAt are
// nil until transcription completes.
type Episode struct {
	ID             string
	URL            string
	Title          string
	PodcastName    string
	Status         Status
	TranscriptText *string
	CreatedAt      time.Time
	ProcessedAt    *time.Time
	Metadata       map[string]any
	IsSeen         bool
}

// Summary mirrors the summaries table. Content is the structured summary
// payload produced by the summarization stage, stored as-is.
type Summary struct {
	ID        int64
	EpisodeID string
	Content   json.RawMessage
	CreatedAt time.Time
}

// Store is a pgx-backed implementation of the episode/summary repository.
type Store struct {
	pool *pgxpool.Pool
}

// New dials Postgres and verifies connectivity before returning.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("episodes: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("episodes: ping: %w", err)
	}
	return &Store{pool: pool}, nil
}

// FromPool wraps an already-constructed pool, useful for tests that share
// a pool across stores.
func FromPool(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// rowScanner is satisfied by both pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanEpisode(row rowScanner) (Episode, error) {
	var (
		ep        Episode
		status    string
		transcript *string
		processed  *time.Time
		metaBytes  []byte
	)
	if err := row.Scan(
		&ep.ID, &ep.URL, &ep.Title, &ep.PodcastName, &status,
		&transcript, &ep.CreatedAt, &processed, &metaBytes, &ep.IsSeen,
	); err != nil {
		return Episode{}, err
	}
	ep.Status = Status(status)
	ep.TranscriptText = transcript
	ep.ProcessedAt = processed
	if len(metaBytes) > 0 {
		if err := json.Unmarshal(metaBytes, &ep.Metadata); err != nil {
			return Episode{}, fmt.Errorf("episodes: decode metadata: %w", err)
		}
	}
	if ep.Metadata == nil {
		ep.Metadata = map[string]any{}
	}
	return ep, nil
}

func marshalMetadata(m map[string]any) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

const episodeColumns = "id, url, title, podcast_name, status, %s, created_at, processed_at, metadata, is_seen"

// CreateEpisode inserts a new episode, or returns the existing row if one
// with the same id (derived from its URL) already exists. The URL unique
// constraint backstops the same race from a different id.
func (s *Store) CreateEpisode(ctx context.Context, ep Episode) (Episode, error) {
	if ep.Status == "" {
		ep.Status = StatusPending
	}
	metaBytes, err := marshalMetadata(ep.Metadata)
	if err != nil {
		return Episode{}, fmt.Errorf("episodes: encode metadata: %w", err)
	}

	query := fmt.Sprintf(`
		INSERT INTO episodes (id, url, title, podcast_name, status, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING
		RETURNING `+episodeColumns, "transcript_text")

	row := s.pool.QueryRow(ctx, query, ep.ID, ep.URL, ep.Title, ep.PodcastName, string(ep.Status), metaBytes)
	created, err := scanEpisode(row)
	if err == nil {
		return created, nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return s.GetByID(ctx, ep.ID, false)
	}
	return Episode{}, fmt.Errorf("episodes: create: %w", err)
}

// GetByID fetches an episode by id. loadTranscript controls whether the
// (potentially large) transcript_text column is read; callers that only
// need metadata should pass false to avoid loading it off the wire.
func (s *Store) GetByID(ctx context.Context, id string, loadTranscript bool) (Episode, error) {
	col := "NULL"
	if loadTranscript {
		col = "transcript_text"
	}
	query := fmt.Sprintf(`SELECT `+episodeColumns+` FROM episodes WHERE id = $1`, col)
	row := s.pool.QueryRow(ctx, query, id)
	ep, err := scanEpisode(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Episode{}, ErrEpisodeNotFound
	}
	if err != nil {
		return Episode{}, fmt.Errorf("episodes: get by id: %w", err)
	}
	return ep, nil
}

// UpdateStatus transitions an episode's lifecycle status.
func (s *Store) UpdateStatus(ctx context.Context, id string, status Status) error {
	tag, err := s.pool.Exec(ctx, `UPDATE episodes SET status = $1 WHERE id = $2`, string(status), id)
	if err != nil {
		return fmt.Errorf("episodes: update status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrEpisodeNotFound
	}
	return nil
}

// SaveTranscript records the finished transcript text, merges extra
// metadata into the existing JSONB blob, stamps processed_at, and marks
// the episode completed.
func (s *Store) SaveTranscript(ctx context.Context, episodeID, transcriptText string, metadata map[string]any) error {
	metaBytes, err := marshalMetadata(metadata)
	if err != nil {
		return fmt.Errorf("episodes: encode metadata: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE episodes
		SET transcript_text = $1,
		    metadata = COALESCE(metadata, '{}'::jsonb) || $2::jsonb,
		    processed_at = now(),
		    status = $3
		WHERE id = $4
	`, transcriptText, metaBytes, string(StatusCompleted), episodeID)
	if err != nil {
		return fmt.Errorf("episodes: save transcript: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrEpisodeNotFound
	}
	return nil
}

// ListFilter narrows ListEpisodes. Zero values mean "no filter" except
// Limit, which defaults to 100 when zero.
type ListFilter struct {
	Status      *Status
	PodcastName string
	IsSeen      *bool
	Limit       int
	Offset      int
}

// ListEpisodes returns episodes matching filter, newest first. Transcript
// text is never loaded by this call; fetch it with GetByID when needed.
func (s *Store) ListEpisodes(ctx context.Context, filter ListFilter) ([]Episode, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT ` + fmt.Sprintf(episodeColumns, "NULL") + ` FROM episodes WHERE 1=1`
	args := []any{}
	argN := func() string {
		args = append(args, nil)
		return fmt.Sprintf("$%d", len(args))
	}
	setLast := func(v any) { args[len(args)-1] = v }

	if filter.Status != nil {
		query += " AND status = " + argN()
		setLast(string(*filter.Status))
	}
	if filter.PodcastName != "" {
		query += " AND podcast_name = " + argN()
		setLast(filter.PodcastName)
	}
	if filter.IsSeen != nil {
		query += " AND is_seen = " + argN()
		setLast(*filter.IsSeen)
	}
	query += " ORDER BY created_at DESC"
	query += " LIMIT " + argN()
	setLast(limit)
	query += " OFFSET " + argN()
	setLast(filter.Offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("episodes: list: %w", err)
	}
	defer rows.Close()

	var out []Episode
	for rows.Next() {
		ep, err := scanEpisode(rows)
		if err != nil {
			return nil, fmt.Errorf("episodes: list scan: %w", err)
		}
		out = append(out, ep)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("episodes: list rows: %w", err)
	}
	return out, nil
}

// MarkEpisodesAsSeen flips the is_seen flag for a batch of episode ids.
func (s *Store) MarkEpisodesAsSeen(ctx context.Context, ids []string, seen bool) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `UPDATE episodes SET is_seen = $1 WHERE id = ANY($2)`, seen, ids)
	if err != nil {
		return fmt.Errorf("episodes: mark seen: %w", err)
	}
	return nil
}

// ListStuck returns episodes left mid-pipeline (PROCESSING or
// TRANSCRIBING) older than olderThan, used by the daemon's startup
// recovery step to revert work orphaned by a crash back to PENDING.
func (s *Store) ListStuck(ctx context.Context, olderThan time.Duration) ([]Episode, error) {
	cutoff := time.Now().Add(-olderThan)
	query := `SELECT ` + fmt.Sprintf(episodeColumns, "NULL") + `
		FROM episodes
		WHERE status IN ($1, $2) AND created_at < $3
		ORDER BY created_at ASC`
	rows, err := s.pool.Query(ctx, query, string(StatusProcessing), string(StatusTranscribing), cutoff)
	if err != nil {
		return nil, fmt.Errorf("episodes: list stuck: %w", err)
	}
	defer rows.Close()

	var out []Episode
	for rows.Next() {
		ep, err := scanEpisode(rows)
		if err != nil {
			return nil, fmt.Errorf("episodes: list stuck scan: %w", err)
		}
		out = append(out, ep)
	}
	return out, rows.Err()
}

// SaveSummary inserts the summary for an episode, or returns the existing
// one if summarization already ran concurrently. The unique constraint on
// summaries.episode_id makes this race-safe.
func (s *Store) SaveSummary(ctx context.Context, episodeID string, content json.RawMessage) (Summary, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO summaries (episode_id, content)
		VALUES ($1, $2)
		ON CONFLICT (episode_id) DO NOTHING
		RETURNING id, episode_id, content, created_at
	`, episodeID, content)

	var sm Summary
	err := row.Scan(&sm.ID, &sm.EpisodeID, &sm.Content, &sm.CreatedAt)
	if err == nil {
		return sm, nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return s.GetSummaryByEpisodeID(ctx, episodeID)
	}
	return Summary{}, fmt.Errorf("episodes: save summary: %w", err)
}

// GetSummaryByEpisodeID fetches the (at most one) summary for an episode.
func (s *Store) GetSummaryByEpisodeID(ctx context.Context, episodeID string) (Summary, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, episode_id, content, created_at FROM summaries WHERE episode_id = $1
	`, episodeID)

	var sm Summary
	err := row.Scan(&sm.ID, &sm.EpisodeID, &sm.Content, &sm.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Summary{}, ErrSummaryNotFound
	}
	if err != nil {
		return Summary{}, fmt.Errorf("episodes: get summary: %w", err)
	}
	return sm, nil
}
