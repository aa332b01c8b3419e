// Package transcribe implements the transcription worker daemon: downloading
// episode audio, running the transcribe/diarize model calls, and persisting
// the result as a speaker-labeled transcript.
package transcribe

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Segment is one speaker turn with a start time, as produced by a
// Transcriber/Diarizer pair.
type Segment struct {
	Speaker string
	Start   time.Duration
	Text    string
}

// TranscriptMeta holds the header fields written before the `========`
// separator.
type TranscriptMeta struct {
	Title     string
	Episode   string
	Podcast   string
	Processed string
	Duration  string
	AudioURL  string
	Speakers  string
}

const headerSeparator = "========"

var headerOrder = []string{"Title", "Episode", "Podcast", "Processed", "Duration", "Audio URL", "Speakers"}

// FormatTranscript renders meta and segments into the on-disk transcript
// format: `Key: value` header lines, a `========` separator, then one
// `[SPEAKER] HH:MM:SS: text` line per segment.
func FormatTranscript(meta TranscriptMeta, segments []Segment) string {
	values := map[string]string{
		"Title":     meta.Title,
		"Episode":   meta.Episode,
		"Podcast":   meta.Podcast,
		"Processed": meta.Processed,
		"Duration":  meta.Duration,
		"Audio URL": meta.AudioURL,
		"Speakers":  meta.Speakers,
	}

	var b strings.Builder
	for _, key := range headerOrder {
		if v := values[key]; v != "" {
			fmt.Fprintf(&b, "%s: %s\n", key, v)
		}
	}
	b.WriteString(headerSeparator + "\n")

	for _, seg := range segments {
		fmt.Fprintf(&b, "[%s] %s: %s\n", seg.Speaker, formatTimestamp(seg.Start), seg.Text)
	}
	return b.String()
}

func formatTimestamp(d time.Duration) string {
	total := int(d.Round(time.Second) / time.Second)
	h := total / 3600
	m := (total % 3600) / 60
	s := total % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

// ParseTranscript splits a formatted transcript back into its header and
// body segments. Malformed body lines fall back to a sentinel speaker
// ("UNKNOWN") and time (00:00:00), carrying the raw line as text, so
// ParseTranscript never fails on well-formed header input.
func ParseTranscript(raw string) (TranscriptMeta, []Segment) {
	lines := strings.Split(raw, "\n")

	meta := TranscriptMeta{}
	i := 0
	for ; i < len(lines); i++ {
		line := lines[i]
		if strings.TrimSpace(line) == headerSeparator {
			i++
			break
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		switch key {
		case "Title":
			meta.Title = value
		case "Episode":
			meta.Episode = value
		case "Podcast":
			meta.Podcast = value
		case "Processed":
			meta.Processed = value
		case "Duration":
			meta.Duration = value
		case "Audio URL":
			meta.AudioURL = value
		case "Speakers":
			meta.Speakers = value
		}
	}

	var segments []Segment
	for ; i < len(lines); i++ {
		line := lines[i]
		if strings.TrimSpace(line) == "" {
			continue
		}
		seg, ok := parseSegmentLine(line)
		if !ok {
			seg = Segment{Speaker: sentinelSpeaker, Start: 0, Text: line}
		}
		segments = append(segments, seg)
	}
	return meta, segments
}

const sentinelSpeaker = "UNKNOWN"

// parseSegmentLine parses `[<SPEAKER>] HH:MM:SS: <text>`.
func parseSegmentLine(line string) (Segment, bool) {
	if !strings.HasPrefix(line, "[") {
		return Segment{}, false
	}
	closeIdx := strings.Index(line, "]")
	if closeIdx < 0 {
		return Segment{}, false
	}
	speaker := line[1:closeIdx]
	rest := strings.TrimPrefix(line[closeIdx+1:], " ")

	// The timestamp itself contains colons (HH:MM:SS), so split on the
	// first ": " (colon-space) rather than the first bare colon.
	parts := strings.SplitN(rest, ": ", 2)
	if len(parts) != 2 {
		return Segment{}, false
	}
	ts, text := parts[0], parts[1]
	dur, ok := parseTimestamp(ts)
	if !ok {
		return Segment{}, false
	}
	return Segment{Speaker: speaker, Start: dur, Text: text}, true
}

func parseTimestamp(ts string) (time.Duration, bool) {
	parts := strings.Split(ts, ":")
	if len(parts) != 3 {
		return 0, false
	}
	h, err1 := strconv.Atoi(parts[0])
	m, err2 := strconv.Atoi(parts[1])
	s, err3 := strconv.Atoi(parts[2])
	if err1 != nil || err2 != nil || err3 != nil {
		return 0, false
	}
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(s)*time.Second, true
}
