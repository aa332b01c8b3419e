package rag

import (
	"github.com/dylangamachefl/podscribe-pipeline/engine/transcribe"
)

const (
	// DefaultChunkSize is the character budget for a merged run of same-
	// speaker turns before it is split.
	DefaultChunkSize = 500
	// DefaultOverlap is how many trailing characters of a split chunk are
	// repeated at the start of the next one.
	DefaultOverlap = 100
)

// Chunk is a contiguous slice of transcript text attributed to one speaker,
// ready for embedding.
type Chunk struct {
	Index   int
	Speaker string
	Text    string
}

// ChunkBySpeakerTurns merges consecutive same-speaker segments until the
// character budget is reached, then splits with overlap. A segment that
// alone exceeds the budget is split on its own. Malformed segments (the
// transcribe.ParseTranscript sentinel) pass through as their own
// single-line chunk, matching spec's boundary behavior for malformed lines.
func ChunkBySpeakerTurns(segments []transcribe.Segment, maxChunkSize, overlap int) []Chunk {
	if maxChunkSize <= 0 {
		maxChunkSize = DefaultChunkSize
	}
	if overlap < 0 || overlap >= maxChunkSize {
		overlap = DefaultOverlap
	}

	var chunks []Chunk
	var current string
	var currentSpeaker string

	flush := func() {
		if current == "" {
			return
		}
		chunks = append(chunks, splitWithOverlap(currentSpeaker, current, maxChunkSize, overlap)...)
		current = ""
	}

	const malformedSpeaker = "UNKNOWN" // transcribe.ParseTranscript's sentinel
	for _, seg := range segments {
		if seg.Speaker == malformedSpeaker {
			flush()
			chunks = append(chunks, splitWithOverlap(seg.Speaker, seg.Text, maxChunkSize, overlap)...)
			currentSpeaker = ""
			continue
		}
		if seg.Speaker != currentSpeaker {
			flush()
			currentSpeaker = seg.Speaker
		}
		if current == "" {
			current = seg.Text
		} else {
			current = current + " " + seg.Text
		}
	}
	flush()

	for i := range chunks {
		chunks[i].Index = i
	}
	return chunks
}

// splitWithOverlap splits text into pieces of at most maxSize characters,
// each subsequent piece repeating the last overlap characters of the one
// before it. A run of exactly maxSize characters yields a single chunk.
func splitWithOverlap(speaker, text string, maxSize, overlap int) []Chunk {
	runes := []rune(text)
	if len(runes) <= maxSize {
		return []Chunk{{Speaker: speaker, Text: text}}
	}

	var out []Chunk
	start := 0
	for start < len(runes) {
		end := start + maxSize
		if end > len(runes) {
			end = len(runes)
		}
		out = append(out, Chunk{Speaker: speaker, Text: string(runes[start:end])})
		if end == len(runes) {
			break
		}
		start = end - overlap
		if start < 0 {
			start = 0
		}
	}
	return out
}
