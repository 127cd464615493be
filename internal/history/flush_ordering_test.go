package history

import (
	"context"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/cinesync/internal/batch"
	"github.com/MarcoPoloResearchLab/cinesync/internal/metrics"
	"github.com/MarcoPoloResearchLab/cinesync/internal/progress"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func withBatchQueue(t *testing.T, harness *testHarness) *batch.Queue {
	t.Helper()
	queue, err := batch.NewQueue(batch.Config{
		Sink:          batch.SinkFunc(harness.service.Apply),
		FlushInterval: time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to build queue: %v", err)
	}
	harness.service.SetQueue(queue)
	return queue
}

func passive(update progress.Update) progress.Update {
	update.Immediate = false
	return update
}

func TestImmediateEpisodeSupersedesQueuedHeartbeat(t *testing.T) {
	harness := newHarness(t)
	queue := withBatchQueue(t, harness)

	heartbeat := passive(episodeUpdate("user-1", 1399, 2, 2, baseTime))
	heartbeat.ProgressPercent = percent(95)
	if result := harness.record(t, heartbeat); result.Mode != ModeQueued {
		t.Fatalf("expected heartbeat to be queued, got %s", result.Mode)
	}

	harness.record(t, episodeUpdate("user-1", 1399, 2, 3, baseTime.Add(time.Minute)))
	if pending := queue.Pending(); pending != 0 {
		t.Fatalf("expected the direct write to drop the pending heartbeat, got %d pending", pending)
	}

	if _, err := queue.Flush(context.Background()); err != nil {
		t.Fatalf("flush failed: %v", err)
	}
	entries := harness.entries(t, "user-1")
	if len(entries) != 1 || entries[0].SeasonNumber != 2 || entries[0].EpisodeNumber != 3 {
		t.Fatalf("expected only s2e3 to remain, got %+v", entries)
	}
}

func TestImmediateSeekSupersedesQueuedHeartbeat(t *testing.T) {
	harness := newHarness(t)
	queue := withBatchQueue(t, harness)

	harness.record(t, passive(movieUpdate("user-1", 603, baseTime)))

	seek := movieUpdate("user-1", 603, baseTime.Add(time.Minute))
	seek.CurrentTimeSeconds = 4800
	seek.ProgressPercent = percent(80)
	harness.record(t, seek)

	if _, err := queue.Flush(context.Background()); err != nil {
		t.Fatalf("flush failed: %v", err)
	}
	entries := harness.entries(t, "user-1")
	if len(entries) != 1 {
		t.Fatalf("expected one row, got %d", len(entries))
	}
	if entries[0].CurrentTimeSeconds != 4800 || entries[0].ProgressPercent == nil || *entries[0].ProgressPercent != 80 {
		t.Fatalf("expected the seek to survive the flush, got currentTime=%v progress=%v",
			entries[0].CurrentTimeSeconds, entries[0].ProgressPercent)
	}
}

func TestFlushSkipsUpdatesOlderThanStoredTitle(t *testing.T) {
	harness := newHarness(t)
	queue := withBatchQueue(t, harness)

	seek := movieUpdate("user-1", 603, baseTime.Add(time.Minute))
	seek.CurrentTimeSeconds = 4800
	seek.ProgressPercent = percent(80)
	harness.record(t, seek)
	harness.record(t, episodeUpdate("user-1", 1399, 2, 3, baseTime.Add(time.Minute)))

	staleBefore := testutil.ToFloat64(metrics.ProgressWrites.WithLabelValues(metricModeFlush, outcomeStale))

	// Updates already handed to the flusher before the direct writes landed.
	if err := queue.Enqueue(passive(movieUpdate("user-1", 603, baseTime))); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if err := queue.Enqueue(passive(episodeUpdate("user-1", 1399, 2, 2, baseTime))); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if _, err := queue.Flush(context.Background()); err != nil {
		t.Fatalf("flush failed: %v", err)
	}

	movie, err := harness.service.Store().Get(context.Background(), seek.Key)
	if err != nil || movie == nil {
		t.Fatalf("expected movie row, got %v err=%v", movie, err)
	}
	if movie.CurrentTimeSeconds != 4800 || *movie.ProgressPercent != 80 {
		t.Fatalf("stale heartbeat overwrote the seek: currentTime=%v progress=%v", movie.CurrentTimeSeconds, *movie.ProgressPercent)
	}

	var episodes []Entry
	if err := harness.db.Where("media_id = ?", 1399).Find(&episodes).Error; err != nil {
		t.Fatalf("failed to load episodes: %v", err)
	}
	if len(episodes) != 1 || episodes[0].EpisodeNumber != 3 {
		t.Fatalf("expected s2e3 to survive the stale s2e2 flush, got %+v", episodes)
	}
	if skipped := testutil.ToFloat64(metrics.ProgressWrites.WithLabelValues(metricModeFlush, outcomeStale)) - staleBefore; skipped != 2 {
		t.Fatalf("expected two stale flush writes counted, got %v", skipped)
	}
}

func TestFlushAppliesNewerHeartbeat(t *testing.T) {
	harness := newHarness(t)
	queue := withBatchQueue(t, harness)

	harness.record(t, movieUpdate("user-1", 603, baseTime))

	later := passive(movieUpdate("user-1", 603, baseTime.Add(time.Minute)))
	later.CurrentTimeSeconds = 1200
	later.ProgressPercent = percent(20)
	harness.record(t, later)

	if applied, err := queue.Flush(context.Background()); err != nil || applied != 1 {
		t.Fatalf("expected one applied update, got %d (%v)", applied, err)
	}
	entries := harness.entries(t, "user-1")
	if entries[0].CurrentTimeSeconds != 1200 {
		t.Fatalf("expected the newer heartbeat to apply, got %v", entries[0].CurrentTimeSeconds)
	}
}
