package history

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/cinesync/internal/metrics"
	"github.com/MarcoPoloResearchLab/cinesync/internal/progress"
	"github.com/avast/retry-go/v4"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	// DefaultRetentionCap is the number of rows kept per viewer.
	DefaultRetentionCap = 20
	// MaxListLimit bounds every history listing.
	MaxListLimit = 20

	defaultConflictRetries = 5
	defaultConflictBackoff = 50 * time.Millisecond

	fieldUserID    = "user_id"
	fieldMediaID   = "media_id"
	fieldMediaType = "media_type"
	fieldKey       = "key"

	columnID                 = "id"
	columnTitle              = "title"
	columnPosterPath         = "poster_path"
	columnCurrentTime        = "current_time_s"
	columnTotalDuration      = "total_duration_s"
	columnProgressPercent    = "progress_percent"
	columnTotalPlayedSeconds = "total_played_s"
	columnFinished           = "finished"
	columnSource             = "source"
	columnSourceSetAt        = "source_set_at"
	columnLastWatchedAt      = "last_watched_at"
	columnSetAt              = "set_at"

	queryUserID        = "user_id = ?"
	queryEntryID       = "id = ?"
	queryEntryIDIn     = "id IN ?"
	queryIdentity      = "user_id = ? AND media_id = ? AND media_type = ? AND season_number = ? AND episode_number = ?"
	queryTitle         = "user_id = ? AND media_id = ? AND media_type = ?"
	queryOtherEpisode  = "user_id = ? AND media_id = ? AND media_type = ? AND NOT (season_number = ? AND episode_number = ?)"
	orderMostRecent    = "last_watched_at DESC, created_at DESC"
	orderLatestWatched = "last_watched_at DESC"

	// forward-only assignment for last_watched_at
	expressionLastWatched = "CASE WHEN last_watched_at < ? THEN ? ELSE last_watched_at END"
	// passive writes may only replace a source nobody picked explicitly
	expressionPassiveSource = "CASE WHEN source_set_at IS NULL THEN ? ELSE source END"
)

// UpsertResolution names how a duplicate-key race was settled.
type UpsertResolution string

const (
	ResolutionNone       UpsertResolution = ""
	ResolutionRetried    UpsertResolution = "retried"
	ResolutionUpdateOnly UpsertResolution = "update_only"
	ResolutionLost       UpsertResolution = "lost"
)

// UpsertOutcome reports what Upsert did. A lost outcome is still not an error.
type UpsertOutcome struct {
	Created    bool
	Resolution UpsertResolution
}

// Conflicted reports whether a duplicate-key race was observed.
func (o UpsertOutcome) Conflicted() bool {
	return o.Resolution != ResolutionNone
}

// Lost reports whether the update could not be applied after every fallback.
func (o UpsertOutcome) Lost() bool {
	return o.Resolution == ResolutionLost
}

// StoreConfig wires the persistence collaborators.
type StoreConfig struct {
	Database        *gorm.DB
	IDProvider      IDProvider
	Logger          *zap.Logger
	ConflictRetries uint
	ConflictBackoff time.Duration
}

// Store persists watch-history rows and per-title source overrides.
type Store struct {
	db              *gorm.DB
	idProvider      IDProvider
	logger          *zap.Logger
	conflictRetries uint
	conflictBackoff time.Duration
}

// NewStore constructs a Store with the default race-recovery policy.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, reasonMissingDatabase, errMissingDatabase)
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	retries := cfg.ConflictRetries
	if retries == 0 {
		retries = defaultConflictRetries
	}
	backoff := cfg.ConflictBackoff
	if backoff <= 0 {
		backoff = defaultConflictBackoff
	}
	return &Store{
		db:              cfg.Database,
		idProvider:      idProvider,
		logger:          logger,
		conflictRetries: retries,
		conflictBackoff: backoff,
	}, nil
}

// Upsert updates the row for the update's identity key or inserts it.
// A duplicate-key conflict from a concurrent insert is recovered by re-reading
// the winner's row, then by an update-only write; if both fail the update is
// dropped and reported as lost. Only unrelated store failures return an error.
func (s *Store) Upsert(ctx context.Context, update progress.Update, at time.Time) (UpsertOutcome, error) {
	db := s.db.WithContext(ctx)
	key := update.Key

	var existing Entry
	err := db.Where(queryIdentity, identityArgs(key)...).Take(&existing).Error
	if err == nil {
		if err := s.applyToRow(db, existing.ID, update, at); err != nil {
			s.logError(opUpsert, reasonUpdateFailed, err, keyFields(key)...)
			return UpsertOutcome{}, newServiceError(opUpsert, reasonUpdateFailed, err)
		}
		return UpsertOutcome{}, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		s.logError(opUpsert, reasonLookupFailed, err, keyFields(key)...)
		return UpsertOutcome{}, newServiceError(opUpsert, reasonLookupFailed, err)
	}

	entry, err := s.newEntry(update, at)
	if err != nil {
		s.logError(opUpsert, reasonIDFailed, err, keyFields(key)...)
		return UpsertOutcome{}, newServiceError(opUpsert, reasonIDFailed, err)
	}
	createErr := db.Create(&entry).Error
	if createErr == nil {
		return UpsertOutcome{Created: true}, nil
	}
	if !isDuplicateKey(createErr) {
		s.logError(opUpsert, reasonInsertFailed, createErr, keyFields(key)...)
		return UpsertOutcome{}, newServiceError(opUpsert, reasonInsertFailed, createErr)
	}

	return s.recoverConflict(ctx, update, at), nil
}

func (s *Store) recoverConflict(ctx context.Context, update progress.Update, at time.Time) UpsertOutcome {
	db := s.db.WithContext(ctx)
	key := update.Key

	retryErr := retry.Do(
		func() error {
			var winner Entry
			if err := db.Where(queryIdentity, identityArgs(key)...).Take(&winner).Error; err != nil {
				return err
			}
			return s.applyToRow(db, winner.ID, update, at)
		},
		retry.Attempts(s.conflictRetries),
		retry.Delay(s.conflictBackoff),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	)
	if retryErr == nil {
		metrics.UpsertConflicts.WithLabelValues(string(ResolutionRetried)).Inc()
		s.logger.Debug("watch history conflict recovered", keyFields(key)...)
		return UpsertOutcome{Resolution: ResolutionRetried}
	}
	s.logger.Warn("watch history conflict retries exhausted",
		append(keyFields(key), zap.Error(retryErr))...)

	result := db.Model(&Entry{}).
		Where(queryIdentity, identityArgs(key)...).
		Updates(assignments(update, at))
	if result.Error == nil && result.RowsAffected > 0 {
		metrics.UpsertConflicts.WithLabelValues(string(ResolutionUpdateOnly)).Inc()
		return UpsertOutcome{Resolution: ResolutionUpdateOnly}
	}

	cause := result.Error
	if cause == nil {
		cause = retryErr
	}
	metrics.UpsertConflicts.WithLabelValues(string(ResolutionLost)).Inc()
	s.logError(opUpsert, reasonConflictLost, cause, keyFields(key)...)
	return UpsertOutcome{Resolution: ResolutionLost}
}

func (s *Store) applyToRow(db *gorm.DB, entryID string, update progress.Update, at time.Time) error {
	return db.Model(&Entry{}).
		Where(queryEntryID, entryID).
		Updates(assignments(update, at)).
		Error
}

func (s *Store) newEntry(update progress.Update, at time.Time) (Entry, error) {
	entryID, err := s.idProvider.NewID()
	if err != nil {
		return Entry{}, err
	}
	entry := Entry{
		ID:                   entryID,
		UserID:               update.Key.UserID,
		MediaID:              update.Key.MediaID,
		MediaType:            update.Key.MediaType.String(),
		SeasonNumber:         update.Key.SeasonNumber,
		EpisodeNumber:        update.Key.EpisodeNumber,
		Title:                update.Title,
		PosterPath:           update.PosterPath,
		CurrentTimeSeconds:   update.CurrentTimeSeconds,
		TotalDurationSeconds: update.TotalDurationSeconds,
		ProgressPercent:      update.ProgressPercent,
		TotalPlayedSeconds:   update.TotalPlayedSeconds,
		Finished:             update.Finished,
		LastWatchedAt:        at,
	}
	if update.Source != "" {
		source := update.Source
		entry.Source = &source
		if update.Explicit {
			setAt := at
			entry.SourceSetAt = &setAt
		}
	}
	return entry, nil
}

// assignments builds the column updates for an existing row. Fields the report
// did not carry are left alone so a sparse heartbeat never erases saved values.
func assignments(update progress.Update, at time.Time) map[string]any {
	values := map[string]any{
		columnLastWatchedAt: gorm.Expr(expressionLastWatched, at, at),
	}
	// a fresh player start reports no position; keep the resume point and completion
	if update.ProgressPercent != nil || update.CurrentTimeSeconds > 0 {
		values[columnCurrentTime] = update.CurrentTimeSeconds
		values[columnFinished] = update.Finished
	} else if update.Finished {
		values[columnFinished] = true
	}
	if update.Title != "" {
		values[columnTitle] = update.Title
	}
	if update.PosterPath != "" {
		values[columnPosterPath] = update.PosterPath
	}
	if update.TotalDurationSeconds > 0 {
		values[columnTotalDuration] = update.TotalDurationSeconds
	}
	if update.ProgressPercent != nil {
		values[columnProgressPercent] = *update.ProgressPercent
	}
	if update.TotalPlayedSeconds > 0 {
		values[columnTotalPlayedSeconds] = update.TotalPlayedSeconds
	}
	if update.Source != "" {
		if update.Explicit {
			values[columnSource] = update.Source
			values[columnSourceSetAt] = at
		} else {
			values[columnSource] = gorm.Expr(expressionPassiveSource, update.Source)
		}
	}
	return values
}

// Get returns the row for key, or nil when none exists.
func (s *Store) Get(ctx context.Context, key progress.Key) (*Entry, error) {
	var entry Entry
	err := s.db.WithContext(ctx).Where(queryIdentity, identityArgs(key)...).Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, newServiceError(opUpsert, reasonLookupFailed, err)
	}
	return &entry, nil
}

// LatestWatchedAt returns the newest last_watched_at across every row of the
// key's title. found is false when the title has no rows.
func (s *Store) LatestWatchedAt(ctx context.Context, key progress.Key) (time.Time, bool, error) {
	var latest Entry
	err := s.db.WithContext(ctx).
		Select(columnLastWatchedAt).
		Where(queryTitle, key.UserID, key.MediaID, key.MediaType.String()).
		Order(orderLatestWatched).
		Take(&latest).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return time.Time{}, false, nil
	}
	if err != nil {
		s.logError(opLatestWatched, reasonLookupFailed, err, keyFields(key)...)
		return time.Time{}, false, newServiceError(opLatestWatched, reasonLookupFailed, err)
	}
	return latest.LastWatchedAt, true, nil
}

// DeleteOtherEpisodes removes every row of the same series whose episode differs from key.
func (s *Store) DeleteOtherEpisodes(ctx context.Context, key progress.Key) (int64, error) {
	if key.MediaType != progress.MediaTypeTV {
		return 0, nil
	}
	result := s.db.WithContext(ctx).
		Where(queryOtherEpisode, key.UserID, key.MediaID, key.MediaType.String(), key.SeasonNumber, key.EpisodeNumber).
		Delete(&Entry{})
	if result.Error != nil {
		s.logError(opDeleteOtherEpisodes, reasonDeleteFailed, result.Error, keyFields(key)...)
		return 0, newServiceError(opDeleteOtherEpisodes, reasonDeleteFailed, result.Error)
	}
	return result.RowsAffected, nil
}

// Trim evicts the oldest rows beyond retentionCap for the viewer.
func (s *Store) Trim(ctx context.Context, userID string, retentionCap int) (int64, error) {
	db := s.db.WithContext(ctx)

	var total int64
	if err := db.Model(&Entry{}).Where(queryUserID, userID).Count(&total).Error; err != nil {
		return 0, newServiceError(opTrim, reasonCountFailed, err)
	}
	if total <= int64(retentionCap) {
		return 0, nil
	}

	var entryIDs []string
	if err := db.Model(&Entry{}).
		Where(queryUserID, userID).
		Order(orderMostRecent).
		Pluck(columnID, &entryIDs).Error; err != nil {
		return 0, newServiceError(opTrim, reasonQueryFailed, err)
	}
	if len(entryIDs) <= retentionCap {
		return 0, nil
	}

	result := db.Where(queryEntryIDIn, entryIDs[retentionCap:]).Delete(&Entry{})
	if result.Error != nil {
		return 0, newServiceError(opTrim, reasonDeleteFailed, result.Error)
	}
	return result.RowsAffected, nil
}

// List returns the viewer's most recently watched rows.
func (s *Store) List(ctx context.Context, userID string, limit int) ([]Entry, error) {
	var entries []Entry
	if err := s.db.WithContext(ctx).
		Where(queryUserID, userID).
		Order(orderMostRecent).
		Limit(clampLimit(limit)).
		Find(&entries).Error; err != nil {
		s.logError(opList, reasonQueryFailed, err, zap.String(fieldUserID, userID))
		return nil, newServiceError(opList, reasonQueryFailed, err)
	}
	return entries, nil
}

// Remove deletes every row and the override for one title.
func (s *Store) Remove(ctx context.Context, userID string, mediaType progress.MediaType, mediaID int64) (int64, error) {
	var removed int64
	err := s.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		result := transaction.Where(queryTitle, userID, mediaID, mediaType.String()).Delete(&Entry{})
		if result.Error != nil {
			return result.Error
		}
		removed = result.RowsAffected
		return transaction.Where(queryTitle, userID, mediaID, mediaType.String()).Delete(&SourceOverride{}).Error
	})
	if err != nil {
		s.logError(opRemove, reasonDeleteFailed, err,
			zap.String(fieldUserID, userID),
			zap.Int64(fieldMediaID, mediaID),
			zap.String(fieldMediaType, mediaType.String()))
		return 0, newServiceError(opRemove, reasonDeleteFailed, err)
	}
	return removed, nil
}

// SetOverride records the source the viewer explicitly picked for a title.
func (s *Store) SetOverride(ctx context.Context, key progress.Key, source string, at time.Time) error {
	override := SourceOverride{
		UserID:    key.UserID,
		MediaID:   key.MediaID,
		MediaType: key.MediaType.String(),
		Source:    source,
		SetAt:     at,
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: fieldUserID}, {Name: fieldMediaID}, {Name: fieldMediaType}},
			DoUpdates: clause.AssignmentColumns([]string{columnSource, columnSetAt}),
		}).
		Create(&override).Error
	if err != nil {
		s.logError(opSetOverride, reasonUpdateFailed, err, keyFields(key)...)
		return newServiceError(opSetOverride, reasonUpdateFailed, err)
	}
	return nil
}

// Overrides returns the viewer's per-title overrides keyed by title.
func (s *Store) Overrides(ctx context.Context, userID string) (map[titleKey]string, error) {
	var overrides []SourceOverride
	if err := s.db.WithContext(ctx).Where(queryUserID, userID).Find(&overrides).Error; err != nil {
		s.logError(opListOverrides, reasonQueryFailed, err, zap.String(fieldUserID, userID))
		return nil, newServiceError(opListOverrides, reasonQueryFailed, err)
	}
	byTitle := make(map[titleKey]string, len(overrides))
	for _, override := range overrides {
		byTitle[titleKeyOf(override.MediaType, override.MediaID)] = override.Source
	}
	return byTitle, nil
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("watch history store error", attrs...)
}

func identityArgs(key progress.Key) []any {
	return []any{key.UserID, key.MediaID, key.MediaType.String(), key.SeasonNumber, key.EpisodeNumber}
}

func keyFields(key progress.Key) []zap.Field {
	return []zap.Field{
		zap.String(fieldUserID, key.UserID),
		zap.String(fieldKey, key.String()),
	}
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}

// isDuplicateKey recognizes unique-index violations with or without gorm error translation.
func isDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	message := err.Error()
	return strings.Contains(message, "UNIQUE constraint failed") ||
		strings.Contains(message, "duplicate key")
}
