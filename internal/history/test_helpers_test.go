package history

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/cinesync/internal/progress"
	"github.com/MarcoPoloResearchLab/cinesync/internal/sources"
	"github.com/MarcoPoloResearchLab/cinesync/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var baseTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type testHarness struct {
	db          *gorm.DB
	service     *Service
	preferences *users.Service
	notifier    *recordingNotifier
	logs        *observer.ObservedLogs
}

type harnessOption func(*ServiceConfig)

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "history.db")
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                 logger.Default.LogMode(logger.Silent),
		SkipDefaultTransaction: true,
	})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Entry{}, &SourceOverride{}, &users.PlaybackPreference{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	return db
}

func newHarness(t *testing.T, options ...harnessOption) *testHarness {
	t.Helper()
	db := openTestDatabase(t)
	core, logs := observer.New(zap.DebugLevel)
	testLogger := zap.New(core)
	clock := func() time.Time { return baseTime }

	preferences, err := users.NewService(users.ServiceConfig{
		Database: db,
		Clock:    clock,
		Logger:   testLogger,
		Policy:   sources.PreferencePolicy{AllowPassive: true},
	})
	if err != nil {
		t.Fatalf("failed to create preference service: %v", err)
	}
	notifier := &recordingNotifier{}
	cfg := ServiceConfig{
		Database:        db,
		Clock:           clock,
		Logger:          testLogger,
		Preferences:     preferences,
		Notifier:        notifier,
		ConflictBackoff: time.Millisecond,
	}
	for _, option := range options {
		option(&cfg)
	}
	service, err := NewService(cfg)
	if err != nil {
		t.Fatalf("failed to create history service: %v", err)
	}
	return &testHarness{
		db:          db,
		service:     service,
		preferences: preferences,
		notifier:    notifier,
		logs:        logs,
	}
}

func (h *testHarness) record(t *testing.T, update progress.Update) Result {
	t.Helper()
	result, err := h.service.Record(context.Background(), Submission{Update: update, ClientKey: "203.0.113.7"})
	if err != nil {
		t.Fatalf("record failed: %v", err)
	}
	return result
}

func (h *testHarness) entries(t *testing.T, userID string) []Entry {
	t.Helper()
	var entries []Entry
	if err := h.db.Where("user_id = ?", userID).Order(orderMostRecent).Find(&entries).Error; err != nil {
		t.Fatalf("failed to load entries: %v", err)
	}
	return entries
}

func movieUpdate(userID string, mediaID int64, at time.Time) progress.Update {
	return progress.Update{
		Key: progress.Key{
			UserID:    userID,
			MediaID:   mediaID,
			MediaType: progress.MediaTypeMovie,
		},
		Title:                "Title",
		PosterPath:           "/poster.jpg",
		CurrentTimeSeconds:   600,
		TotalDurationSeconds: 6000,
		ProgressPercent:      percent(10),
		Immediate:            true,
		ReceivedAt:           at,
	}
}

func episodeUpdate(userID string, mediaID int64, season, episode int, at time.Time) progress.Update {
	update := movieUpdate(userID, mediaID, at)
	update.Key.MediaType = progress.MediaTypeTV
	update.Key.SeasonNumber = season
	update.Key.EpisodeNumber = episode
	return update
}

func percent(value float64) *float64 {
	return &value
}

type recordingNotifier struct {
	mu    sync.Mutex
	calls []string
}

func (n *recordingNotifier) NotifyProgress(userID string, keys []progress.Key) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, key := range keys {
		n.calls = append(n.calls, userID+"|"+key.String())
	}
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.calls)
}

type recordingQueue struct {
	updates   []progress.Update
	discarded []progress.Key
	err       error
}

func (q *recordingQueue) Discard(key progress.Key) int {
	q.discarded = append(q.discarded, key)
	return 0
}

func (q *recordingQueue) Enqueue(update progress.Update) error {
	if q.err != nil {
		return q.err
	}
	q.updates = append(q.updates, update)
	return nil
}
