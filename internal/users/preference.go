package users

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/cinesync/internal/sources"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	columnLastUsedSource   = "last_used_source"
	columnLastUsedSourceAt = "last_used_source_at"
	columnUpdatedAt        = "updated_at"

	queryPreferenceUser  = "user_id = ?"
	queryPassiveEligible = "last_used_source IS NULL OR (last_used_source = ? AND (last_used_source_at IS NULL OR last_used_source_at < ?))"
)

// PlaybackPreference stores the viewer's global last used source.
type PlaybackPreference struct {
	UserID           string     `gorm:"column:user_id;primaryKey;size:190;not null"`
	LastUsedSource   *string    `gorm:"column:last_used_source;size:64"`
	LastUsedSourceAt *time.Time `gorm:"column:last_used_source_at"`
	UpdatedAt        time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing playback preferences.
func (PlaybackPreference) TableName() string {
	return "user_playback_preferences"
}

// PreferenceOutcome reports what RememberSource did. Degraded means the write
// was warranted but could not be verified after the alternate path.
type PreferenceOutcome struct {
	Applied  bool
	Degraded bool
	Reason   sources.DecisionReason
}

// Preference returns the viewer's stored preference; the zero value when none exists.
func (s *Service) Preference(ctx context.Context, userID string) (sources.Preference, error) {
	var record PlaybackPreference
	err := s.db.WithContext(ctx).Where(queryPreferenceUser, userID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return sources.Preference{}, nil
	}
	if err != nil {
		return sources.Preference{}, err
	}
	preference := sources.Preference{}
	if record.LastUsedSource != nil {
		preference.Source = *record.LastUsedSource
	}
	if record.LastUsedSourceAt != nil {
		preference.SetAt = record.LastUsedSourceAt.UTC()
	}
	return preference, nil
}

// RememberSource applies a preference change under the configured policy.
// The primary write is a conditional update; when the read-back does not show
// the change, an upsert by primary key is attempted before reporting Degraded.
// It never returns an error: preference bookkeeping must not fail a progress write.
func (s *Service) RememberSource(ctx context.Context, userID string, change sources.PreferenceChange) PreferenceOutcome {
	change.Source = normalize(change.Source)
	change.At = change.At.UTC()
	if change.At.IsZero() {
		change.At = s.now().UTC()
	}

	current, err := s.Preference(ctx, userID)
	if err != nil {
		s.logger.Warn("preference lookup failed",
			zap.String("user_id", userID),
			zap.Error(err))
		return PreferenceOutcome{Degraded: true}
	}
	decision := s.policy.Decide(current, change)
	if !decision.Write {
		return PreferenceOutcome{Reason: decision.Reason}
	}

	if err := s.writePreferenceConditionally(ctx, userID, change, decision.Force); err != nil {
		s.logger.Warn("preference conditional write failed",
			zap.String("user_id", userID),
			zap.String("source", change.Source),
			zap.Error(err))
	}
	if s.preferenceMatches(ctx, userID, change) {
		return PreferenceOutcome{Applied: true, Reason: decision.Reason}
	}

	if !decision.Force {
		current, err = s.Preference(ctx, userID)
		if err == nil {
			decision = s.policy.Decide(current, change)
			if !decision.Write {
				return PreferenceOutcome{Reason: decision.Reason}
			}
		}
	}
	if err := s.upsertPreference(ctx, userID, change); err != nil {
		s.logger.Warn("preference upsert failed",
			zap.String("user_id", userID),
			zap.String("source", change.Source),
			zap.Error(err))
	}
	if s.preferenceMatches(ctx, userID, change) {
		return PreferenceOutcome{Applied: true, Reason: decision.Reason}
	}

	s.logger.Warn("preference not persisted",
		zap.String("user_id", userID),
		zap.String("source", change.Source),
		zap.Bool("explicit", change.Explicit))
	return PreferenceOutcome{Degraded: true, Reason: decision.Reason}
}

func (s *Service) writePreferenceConditionally(ctx context.Context, userID string, change sources.PreferenceChange, force bool) error {
	db := s.db.WithContext(ctx)
	query := db.Model(&PlaybackPreference{}).Where(queryPreferenceUser, userID)
	if !force {
		query = query.Where(queryPassiveEligible, change.Source, change.At)
	}
	result := query.Updates(map[string]any{
		columnLastUsedSource:   change.Source,
		columnLastUsedSourceAt: change.At,
		columnUpdatedAt:        s.now().UTC(),
	})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected > 0 {
		return nil
	}
	source := change.Source
	at := change.At
	return db.Clauses(clause.OnConflict{DoNothing: true}).Create(&PlaybackPreference{
		UserID:           userID,
		LastUsedSource:   &source,
		LastUsedSourceAt: &at,
	}).Error
}

func (s *Service) upsertPreference(ctx context.Context, userID string, change sources.PreferenceChange) error {
	source := change.Source
	at := change.At
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{columnLastUsedSource, columnLastUsedSourceAt, columnUpdatedAt}),
		}).
		Create(&PlaybackPreference{
			UserID:           userID,
			LastUsedSource:   &source,
			LastUsedSourceAt: &at,
		}).Error
}

func (s *Service) preferenceMatches(ctx context.Context, userID string, change sources.PreferenceChange) bool {
	stored, err := s.Preference(ctx, userID)
	if err != nil {
		return false
	}
	return stored.Source == change.Source && !stored.SetAt.Before(change.At)
}
