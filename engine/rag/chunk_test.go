package rag

import (
	"strings"
	"testing"

	"github.com/dylangamachefl/podscribe-pipeline/engine/transcribe"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkBySpeakerTurnsMergesSameSpeaker(t *testing.T) {
	segs := []transcribe.Segment{
		{Speaker: "HOST", Text: "one"},
		{Speaker: "HOST", Text: "two"},
		{Speaker: "GUEST", Text: "three"},
	}
	chunks := ChunkBySpeakerTurns(segs, DefaultChunkSize, DefaultOverlap)
	require.Len(t, chunks, 2)
	assert.Equal(t, "one two", chunks[0].Text)
	assert.Equal(t, "HOST", chunks[0].Speaker)
	assert.Equal(t, "three", chunks[1].Text)
	assert.Equal(t, "GUEST", chunks[1].Speaker)
	assert.Equal(t, 0, chunks[0].Index)
	assert.Equal(t, 1, chunks[1].Index)
}

func TestChunkBySpeakerTurnsExactBudgetIsSingleChunk(t *testing.T) {
	text := strings.Repeat("a", 500)
	segs := []transcribe.Segment{{Speaker: "HOST", Text: text}}
	chunks := ChunkBySpeakerTurns(segs, 500, 100)
	require.Len(t, chunks, 1)
	assert.Equal(t, text, chunks[0].Text)
}

func TestChunkBySpeakerTurnsOverBudgetSplitsWithOverlap(t *testing.T) {
	text := strings.Repeat("a", 501)
	segs := []transcribe.Segment{{Speaker: "HOST", Text: text}}
	chunks := ChunkBySpeakerTurns(segs, 500, 100)
	require.Len(t, chunks, 2)
	assert.Len(t, chunks[0].Text, 500)
	// chunks[1] starts at 500-100=400, runs to 501: 101 chars.
	assert.Len(t, chunks[1].Text, 101)
	overlapFromFirst := chunks[0].Text[400:]
	assert.True(t, strings.HasPrefix(chunks[1].Text, overlapFromFirst))
}

func TestChunkBySpeakerTurnsMalformedSegmentIsOwnChunk(t *testing.T) {
	raw := "Title: T\n========\nnot a valid segment line\n"
	_, segs := transcribe.ParseTranscript(raw)
	chunks := ChunkBySpeakerTurns(segs, DefaultChunkSize, DefaultOverlap)
	require.Len(t, chunks, 1)
	assert.Equal(t, "UNKNOWN", chunks[0].Speaker)
	assert.Equal(t, "not a valid segment line", chunks[0].Text)
}

func TestChunkBySpeakerTurnsEmptyInput(t *testing.T) {
	chunks := ChunkBySpeakerTurns(nil, DefaultChunkSize, DefaultOverlap)
	assert.Empty(t, chunks)
}

func TestChunkIDIsDeterministic(t *testing.T) {
	id1 := chunkID("ep-A", 3)
	id2 := chunkID("ep-A", 3)
	assert.Equal(t, id1, id2)

	idOther := chunkID("ep-A", 4)
	assert.NotEqual(t, id1, idOther)

	idOtherEpisode := chunkID("ep-B", 3)
	assert.NotEqual(t, id1, idOtherEpisode)
}
