package progress

import (
	"errors"
	"testing"
	"time"
)

func newTestNormalizer() *Normalizer {
	return NewNormalizer(NormalizerConfig{
		Clock: func() time.Time {
			return time.Date(2026, 5, 4, 21, 30, 0, 0, time.UTC)
		},
	})
}

func floatPointer(value float64) *float64 {
	return &value
}

func intPointer(value int) *int {
	return &value
}

func boolPointer(value bool) *bool {
	return &value
}

func TestNormalizeRejectsInvalidIdentity(t *testing.T) {
	normalizer := newTestNormalizer()

	testCases := []struct {
		name     string
		userID   string
		raw      RawReport
		wantCode string
	}{
		{name: "missing-media-id", userID: "user-1", raw: RawReport{MediaType: "movie"}, wantCode: CodeInvalidMediaID},
		{name: "non-numeric-media-id", userID: "user-1", raw: RawReport{MediaID: "abc", MediaType: "movie"}, wantCode: CodeInvalidMediaID},
		{name: "negative-media-id", userID: "user-1", raw: RawReport{MediaID: "-4", MediaType: "movie"}, wantCode: CodeInvalidMediaID},
		{name: "unknown-media-type", userID: "user-1", raw: RawReport{MediaID: "603", MediaType: "podcast"}, wantCode: CodeInvalidMediaType},
		{name: "tv-without-episode", userID: "user-1", raw: RawReport{MediaID: "1399", MediaType: "tv", SeasonNumber: intPointer(1)}, wantCode: CodeInvalidEpisode},
		{name: "tv-episode-zero", userID: "user-1", raw: RawReport{MediaID: "1399", MediaType: "tv", SeasonNumber: intPointer(1), EpisodeNumber: intPointer(0)}, wantCode: CodeInvalidEpisode},
		{name: "missing-user", userID: " ", raw: RawReport{MediaID: "603", MediaType: "movie"}, wantCode: CodeInvalidUserID},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			_, err := normalizer.Normalize(testCase.userID, testCase.raw)
			if !errors.Is(err, ErrInvalidReport) {
				t.Fatalf("expected invalid report error, got %v", err)
			}
			var validationErr *ValidationError
			if !errors.As(err, &validationErr) {
				t.Fatalf("expected ValidationError, got %T", err)
			}
			if validationErr.Code != testCase.wantCode {
				t.Fatalf("expected code %s, got %s", testCase.wantCode, validationErr.Code)
			}
		})
	}
}

func TestNormalizeComputesPercentFromTimes(t *testing.T) {
	normalizer := newTestNormalizer()

	update, err := normalizer.Normalize("user-1", RawReport{
		MediaID:       "603",
		MediaType:     "movie",
		CurrentTime:   floatPointer(1800),
		TotalDuration: floatPointer(8160),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if update.ProgressPercent == nil || *update.ProgressPercent != 22 {
		t.Fatalf("expected 22 percent, got %v", update.ProgressPercent)
	}
	if update.Estimated {
		t.Fatalf("measured progress must not be flagged as estimate")
	}
	if update.Finished {
		t.Fatalf("22 percent must not finish the title")
	}
}

func TestNormalizeCapsEstimateBelowCompletion(t *testing.T) {
	normalizer := newTestNormalizer()

	update, err := normalizer.Normalize("user-1", RawReport{
		MediaID:       "603",
		MediaType:     "movie",
		CurrentTime:   floatPointer(7200),
		TotalDuration: floatPointer(0),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if update.ProgressPercent == nil || *update.ProgressPercent != 99 {
		t.Fatalf("expected estimate capped at 99, got %v", update.ProgressPercent)
	}
	if !update.Estimated {
		t.Fatalf("expected estimate flag")
	}
	if update.Finished {
		t.Fatalf("an estimate must never finish the title")
	}
}

func TestNormalizeLeavesProgressUnsetOnFreshStart(t *testing.T) {
	normalizer := newTestNormalizer()

	update, err := normalizer.Normalize("user-1", RawReport{
		MediaID:       "603",
		MediaType:     "movie",
		CurrentTime:   floatPointer(0),
		TotalDuration: floatPointer(8160),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if update.ProgressPercent != nil {
		t.Fatalf("expected no progress on fresh start, got %v", *update.ProgressPercent)
	}
}

func TestNormalizeSuppliedProgress(t *testing.T) {
	normalizer := newTestNormalizer()

	testCases := []struct {
		name     string
		progress float64
		want     float64
	}{
		{name: "fraction", progress: 0.46, want: 0.5},
		{name: "rounded", progress: 44.6, want: 45},
		{name: "clamped-high", progress: 130, want: 100},
		{name: "clamped-low", progress: -3, want: 0},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			update, err := normalizer.Normalize("user-1", RawReport{
				MediaID:     "603",
				MediaType:   "movie",
				Progress:    floatPointer(testCase.progress),
				CurrentTime: floatPointer(10),
			})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if update.ProgressPercent == nil || *update.ProgressPercent != testCase.want {
				t.Fatalf("expected %v, got %v", testCase.want, update.ProgressPercent)
			}
		})
	}
}

func TestNormalizeCanonicalizesSourceAndKey(t *testing.T) {
	normalizer := newTestNormalizer()

	update, err := normalizer.Normalize("user-1", RawReport{
		MediaID:       " 1399 ",
		MediaType:     "series",
		SeasonNumber:  intPointer(2),
		EpisodeNumber: intPointer(3),
		Source:        "2",
		Explicit:      true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if update.Source != "vidlink" {
		t.Fatalf("expected canonical source, got %q", update.Source)
	}
	if update.Key.String() != "tv:1399:s2e3" {
		t.Fatalf("unexpected key %s", update.Key)
	}
	if !update.Explicit {
		t.Fatalf("explicit flag lost")
	}

	unknown, err := normalizer.Normalize("user-1", RawReport{MediaID: "603", MediaType: "movie", Source: "mystery"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if unknown.Source != "mystery" {
		t.Fatalf("unknown sources must pass through, got %q", unknown.Source)
	}
}

func TestNormalizeFinishedFlag(t *testing.T) {
	normalizer := newTestNormalizer()

	measured, err := normalizer.Normalize("user-1", RawReport{
		MediaID:       "603",
		MediaType:     "movie",
		CurrentTime:   floatPointer(7500),
		TotalDuration: floatPointer(8000),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !measured.Finished {
		t.Fatalf("expected measured progress past the threshold to finish the title")
	}

	overridden, err := normalizer.Normalize("user-1", RawReport{
		MediaID:       "603",
		MediaType:     "movie",
		CurrentTime:   floatPointer(7500),
		TotalDuration: floatPointer(8000),
		Finished:      boolPointer(false),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if overridden.Finished {
		t.Fatalf("client supplied finished flag must win")
	}
}
