package progress

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/cinesync/internal/sources"
)

const (
	// fallbackDurationSeconds is assumed when the player has not reported a duration.
	fallbackDurationSeconds = 120 * 60
	// estimateCeilingPercent keeps an estimate from ever claiming completion.
	estimateCeilingPercent = 99
	// completionThresholdPercent marks a title finished when measured progress reaches it.
	completionThresholdPercent = 90
	maxIdentifierLength        = 190
)

// NormalizerConfig wires the collaborators of a Normalizer.
type NormalizerConfig struct {
	Catalog *sources.Catalog
	Clock   func() time.Time
}

// Normalizer turns raw reports into validated updates. It never touches storage.
type Normalizer struct {
	catalog *sources.Catalog
	clock   func() time.Time
}

// NewNormalizer constructs a Normalizer with the built-in catalog when none is supplied.
func NewNormalizer(cfg NormalizerConfig) *Normalizer {
	catalog := cfg.Catalog
	if catalog == nil {
		catalog = sources.DefaultCatalog()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Normalizer{catalog: catalog, clock: clock}
}

// Normalize validates the report for the given viewer and fills defaults.
func (n *Normalizer) Normalize(userID string, raw RawReport) (Update, error) {
	trimmedUserID := strings.TrimSpace(userID)
	if trimmedUserID == "" || len(trimmedUserID) > maxIdentifierLength {
		return Update{}, newValidationError("userId", CodeInvalidUserID, "missing or too long")
	}

	mediaID, err := strconv.ParseInt(strings.TrimSpace(raw.MediaID), 10, 64)
	if err != nil || mediaID <= 0 {
		return Update{}, newValidationError("mediaId", CodeInvalidMediaID, "must be a positive integer")
	}

	mediaType, ok := ParseMediaType(raw.MediaType)
	if !ok {
		return Update{}, newValidationError("mediaType", CodeInvalidMediaType, "must be movie or tv")
	}

	key := Key{UserID: trimmedUserID, MediaID: mediaID, MediaType: mediaType}
	if mediaType == MediaTypeTV {
		if raw.SeasonNumber == nil || raw.EpisodeNumber == nil {
			return Update{}, newValidationError("seasonNumber", CodeInvalidEpisode, "season and episode are required together")
		}
		if *raw.SeasonNumber < 0 || *raw.EpisodeNumber < 1 {
			return Update{}, newValidationError("episodeNumber", CodeInvalidEpisode, "out of range")
		}
		key.SeasonNumber = *raw.SeasonNumber
		key.EpisodeNumber = *raw.EpisodeNumber
	}

	currentTime := nonNegative(raw.CurrentTime)
	totalDuration := nonNegative(raw.TotalDuration)

	update := Update{
		Key:                  key,
		Title:                strings.TrimSpace(raw.Title),
		PosterPath:           strings.TrimSpace(raw.PosterPath),
		CurrentTimeSeconds:   currentTime,
		TotalDurationSeconds: totalDuration,
		TotalPlayedSeconds:   nonNegative(raw.TotalPlayedSeconds),
		Source:               n.catalog.Canonicalize(raw.Source),
		Immediate:            raw.Immediate,
		Explicit:             raw.Explicit,
		ReceivedAt:           n.clock().UTC(),
	}

	if supplied, ok := finite(raw.Progress); ok {
		percent := normalizeSuppliedPercent(supplied)
		update.ProgressPercent = &percent
	} else {
		percent, estimated, computed := computePercent(currentTime, totalDuration)
		if computed {
			update.ProgressPercent = &percent
			update.Estimated = estimated
		}
	}

	switch {
	case raw.Finished != nil:
		update.Finished = *raw.Finished
	case update.ProgressPercent != nil && !update.Estimated:
		update.Finished = *update.ProgressPercent >= completionThresholdPercent
	}

	return update, nil
}

// computePercent derives a percentage from elapsed and total seconds.
// A zero elapsed time yields no value so a fresh player start cannot reset saved progress.
func computePercent(currentTime, totalDuration float64) (float64, bool, bool) {
	if currentTime <= 0 {
		return 0, false, false
	}
	if totalDuration > 0 {
		return clamp(math.Round(currentTime/totalDuration*100), 0, 100), false, true
	}
	estimate := math.Round(currentTime / fallbackDurationSeconds * 100)
	return clamp(estimate, 0, estimateCeilingPercent), true, true
}

// normalizeSuppliedPercent keeps one decimal for values below 1 and whole percents otherwise.
func normalizeSuppliedPercent(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value < 1 {
		return math.Round(value*10) / 10
	}
	return clamp(math.Round(value), 0, 100)
}

func clamp(value, lower, upper float64) float64 {
	return math.Max(lower, math.Min(upper, value))
}

func finite(value *float64) (float64, bool) {
	if value == nil || math.IsNaN(*value) || math.IsInf(*value, 0) {
		return 0, false
	}
	return *value, true
}

func nonNegative(value *float64) float64 {
	resolved, ok := finite(value)
	if !ok || resolved < 0 {
		return 0
	}
	return resolved
}
