package progress

import (
	"fmt"
	"strings"
	"time"
)

// MediaType enumerates the kinds of titles that carry progress.
type MediaType string

const (
	// MediaTypeMovie identifies a feature film.
	MediaTypeMovie MediaType = "movie"
	// MediaTypeTV identifies a series; rows are keyed per episode.
	MediaTypeTV MediaType = "tv"
)

// ParseMediaType accepts "movie", "tv" and the "series" alias.
func ParseMediaType(raw string) (MediaType, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(MediaTypeMovie):
		return MediaTypeMovie, true
	case string(MediaTypeTV), "series":
		return MediaTypeTV, true
	default:
		return "", false
	}
}

// String returns the wire form of the media type.
func (m MediaType) String() string {
	return string(m)
}

// Key is the identity of one watch-history row.
type Key struct {
	UserID        string
	MediaID       int64
	MediaType     MediaType
	SeasonNumber  int
	EpisodeNumber int
}

// String renders the key without the user, e.g. "movie:603" or "tv:1399:s2e3".
func (k Key) String() string {
	if k.MediaType == MediaTypeTV {
		return fmt.Sprintf("%s:%d:s%de%d", k.MediaType, k.MediaID, k.SeasonNumber, k.EpisodeNumber)
	}
	return fmt.Sprintf("%s:%d", k.MediaType, k.MediaID)
}

// RawReport is an inbound progress report before validation.
type RawReport struct {
	MediaID            string
	MediaType          string
	Title              string
	PosterPath         string
	Progress           *float64
	CurrentTime        *float64
	TotalDuration      *float64
	SeasonNumber       *int
	EpisodeNumber      *int
	Finished           *bool
	TotalPlayedSeconds *float64
	Immediate          bool
	Source             string
	Explicit           bool
}

// Update is a validated progress report. ProgressPercent is nil when no
// percentage could be computed; writers must leave the stored value alone.
type Update struct {
	Key                  Key
	Title                string
	PosterPath           string
	CurrentTimeSeconds   float64
	TotalDurationSeconds float64
	ProgressPercent      *float64
	TotalPlayedSeconds   float64
	Finished             bool
	Source               string
	Immediate            bool
	Explicit             bool
	Estimated            bool
	ReceivedAt           time.Time
}
