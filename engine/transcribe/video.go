// video.go routes YouTube-like URLs to an audio-stream extractor rather
// than a caption-track transcript: this pipeline always transcribes audio
// itself, never captions.
package transcribe

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

var youtubeHostPattern = regexp.MustCompile(`(?i)^(www\.|m\.)?(youtube\.com|youtu\.be)$`)

// IsVideoURL reports whether rawURL points at a YouTube-like host rather
// than a direct audio file.
func IsVideoURL(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return youtubeHostPattern.MatchString(u.Hostname())
}

// videoID extracts the video ID from a youtube.com/watch?v= or youtu.be/
// URL; the ID's length is not checked.
func videoID(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("transcribe: parse video url: %w", err)
	}
	if strings.Contains(u.Hostname(), "youtu.be") {
		id := strings.Trim(u.Path, "/")
		if id == "" {
			return "", fmt.Errorf("transcribe: no video id in %s", rawURL)
		}
		return id, nil
	}
	if id := u.Query().Get("v"); id != "" {
		return id, nil
	}
	return "", fmt.Errorf("transcribe: no video id in %s", rawURL)
}

// AudioExtractor resolves a video-hosting URL to a direct, downloadable
// audio stream URL. The extraction itself (e.g. via yt-dlp) is outside
// this module's scope; implementations are injected.
type AudioExtractor interface {
	ExtractAudioURL(ctx context.Context, videoURL string) (string, error)
}

// ResolveAudioSource returns the URL the downloader should fetch:
// rawURL unchanged for a direct audio link, or the extractor's resolved
// stream URL for a YouTube-like link.
func ResolveAudioSource(ctx context.Context, rawURL string, extractor AudioExtractor) (string, error) {
	if !IsVideoURL(rawURL) {
		return rawURL, nil
	}
	if _, err := videoID(rawURL); err != nil {
		return "", err
	}
	if extractor == nil {
		return "", fmt.Errorf("transcribe: %s is a video url but no audio extractor is configured", rawURL)
	}
	return extractor.ExtractAudioURL(ctx, rawURL)
}
