package users

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/cinesync/internal/sources"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newPreferenceService(t *testing.T, allowPassive bool) (*Service, *gorm.DB, *observer.ObservedLogs) {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "preferences.db")
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Identity{}, &PlaybackPreference{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	core, logs := observer.New(zap.DebugLevel)
	service, err := NewService(ServiceConfig{
		Database: db,
		Clock: func() time.Time {
			return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
		},
		Logger: zap.New(core),
		Policy: sources.PreferencePolicy{AllowPassive: allowPassive},
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service, db, logs
}

func TestRememberSourceExplicitOverwrites(t *testing.T) {
	service, _, _ := newPreferenceService(t, true)
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	first := service.RememberSource(ctx, "user-1", sources.PreferenceChange{Source: "vidsrc", At: base, Explicit: true})
	if !first.Applied {
		t.Fatalf("expected first explicit write to apply, got %+v", first)
	}
	second := service.RememberSource(ctx, "user-1", sources.PreferenceChange{Source: "vidlink", At: base.Add(-time.Hour), Explicit: true})
	if !second.Applied || second.Reason != sources.ReasonExplicit {
		t.Fatalf("expected explicit write to win regardless of timestamp, got %+v", second)
	}

	preference, err := service.Preference(ctx, "user-1")
	if err != nil {
		t.Fatalf("preference lookup failed: %v", err)
	}
	if preference.Source != "vidlink" {
		t.Fatalf("expected vidlink, got %q", preference.Source)
	}
}

func TestRememberSourcePassiveNeverReplacesDifferentSource(t *testing.T) {
	service, _, _ := newPreferenceService(t, true)
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	service.RememberSource(ctx, "user-1", sources.PreferenceChange{Source: "embedsu", At: base, Explicit: true})
	outcome := service.RememberSource(ctx, "user-1", sources.PreferenceChange{Source: "vidsrc", At: base.Add(time.Hour)})
	if outcome.Applied || outcome.Degraded {
		t.Fatalf("expected passive conflict to be skipped quietly, got %+v", outcome)
	}
	if outcome.Reason != sources.ReasonPassiveConflict {
		t.Fatalf("expected passive_conflict, got %q", outcome.Reason)
	}

	preference, _ := service.Preference(ctx, "user-1")
	if preference.Source != "embedsu" {
		t.Fatalf("passive update replaced explicit preference: %q", preference.Source)
	}
}

func TestRememberSourcePassiveSeedsAndRefreshes(t *testing.T) {
	service, _, _ := newPreferenceService(t, true)
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	seeded := service.RememberSource(ctx, "user-1", sources.PreferenceChange{Source: "vidsrc", At: base})
	if !seeded.Applied || seeded.Reason != sources.ReasonPassiveInitial {
		t.Fatalf("expected passive seed, got %+v", seeded)
	}
	refreshed := service.RememberSource(ctx, "user-1", sources.PreferenceChange{Source: "vidsrc", At: base.Add(time.Minute)})
	if !refreshed.Applied || refreshed.Reason != sources.ReasonPassiveRefresh {
		t.Fatalf("expected passive refresh, got %+v", refreshed)
	}
	stale := service.RememberSource(ctx, "user-1", sources.PreferenceChange{Source: "vidsrc", At: base})
	if stale.Applied {
		t.Fatalf("expected older passive update to be skipped, got %+v", stale)
	}

	preference, _ := service.Preference(ctx, "user-1")
	if !preference.SetAt.Equal(base.Add(time.Minute)) {
		t.Fatalf("expected timestamp refresh to stick, got %v", preference.SetAt)
	}
}

func TestRememberSourcePassiveDisabled(t *testing.T) {
	service, _, _ := newPreferenceService(t, false)
	outcome := service.RememberSource(context.Background(), "user-1", sources.PreferenceChange{Source: "vidsrc", At: time.Now()})
	if outcome.Applied || outcome.Reason != sources.ReasonPassiveDisabled {
		t.Fatalf("expected passive write to be disabled, got %+v", outcome)
	}
	preference, _ := service.Preference(context.Background(), "user-1")
	if !preference.Empty() {
		t.Fatalf("expected no preference, got %+v", preference)
	}
}

func TestRememberSourceReportsDegradedWhenVerificationFails(t *testing.T) {
	service, db, logs := newPreferenceService(t, true)
	err := db.Callback().Query().After("gorm:query").Register("test:tamper_preference", func(tx *gorm.DB) {
		record, ok := tx.Statement.Dest.(*PlaybackPreference)
		if !ok || record.LastUsedSource == nil {
			return
		}
		tampered := "tampered"
		record.LastUsedSource = &tampered
	})
	if err != nil {
		t.Fatalf("failed to register callback: %v", err)
	}

	outcome := service.RememberSource(context.Background(), "user-1", sources.PreferenceChange{
		Source:   "vidlink",
		At:       time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
		Explicit: true,
	})
	if !outcome.Degraded || outcome.Applied {
		t.Fatalf("expected degraded outcome, got %+v", outcome)
	}
	if logs.FilterMessage("preference not persisted").Len() != 1 {
		t.Fatalf("expected a warning for the unpersisted preference")
	}
}
