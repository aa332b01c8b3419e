package episodes

import "errors"

// Sentinel errors returned by Store, so callers can errors.Is against them
// rather than string-matching.
var (
	ErrEpisodeNotFound = errors.New("episodes: episode not found")
	ErrSummaryNotFound = errors.New("episodes: summary not found")
)
