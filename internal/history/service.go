package history

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/cinesync/internal/metrics"
	"github.com/MarcoPoloResearchLab/cinesync/internal/progress"
	"github.com/MarcoPoloResearchLab/cinesync/internal/sources"
	"github.com/MarcoPoloResearchLab/cinesync/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Mode reports how a submission was routed.
type Mode string

const (
	ModeImmediate Mode = "immediate"
	ModeQueued    Mode = "queued"
)

// Warning names a side effect that did not apply while the write as a whole succeeded.
type Warning string

const (
	WarningProgressNotPersisted   Warning = "progress_not_persisted"
	WarningPreferenceNotPersisted Warning = "preference_not_persisted"
	WarningOverrideNotPersisted   Warning = "override_not_persisted"
	WarningRetentionTrimFailed    Warning = "retention_trim_failed"
)

const (
	metricModeFlush    = "flush"
	outcomeOK          = "ok"
	outcomeDegraded    = "degraded"
	outcomeThrottled   = "throttled"
	outcomeError       = "error"
	outcomeStale       = "stale"
	preferenceApplied  = "applied"
	preferenceSkipped  = "skipped"
	preferenceDegraded = "degraded"
)

// PreferenceStore reads and writes the viewer's global source preference.
type PreferenceStore interface {
	Preference(ctx context.Context, userID string) (sources.Preference, error)
	RememberSource(ctx context.Context, userID string, change sources.PreferenceChange) users.PreferenceOutcome
}

// Enqueuer accepts passive updates for deferred application. Discard drops
// pending updates for the title of key before a direct write lands.
type Enqueuer interface {
	Enqueue(update progress.Update) error
	Discard(key progress.Key) int
}

// Limiter throttles passive writes per client key.
type Limiter interface {
	Allow(key string) bool
}

// Notifier fans out progress changes to the viewer's open sessions.
type Notifier interface {
	NotifyProgress(userID string, keys []progress.Key)
}

// ServiceConfig describes the collaborators of the write router.
type ServiceConfig struct {
	Database        *gorm.DB
	Clock           func() time.Time
	IDProvider      IDProvider
	Logger          *zap.Logger
	Catalog         *sources.Catalog
	Preferences     PreferenceStore
	Queue           Enqueuer
	Limiter         Limiter
	Notifier        Notifier
	RetentionCap    int
	ConflictRetries uint
	ConflictBackoff time.Duration
}

// Submission is a normalized update plus the client key used for throttling.
type Submission struct {
	Update    progress.Update
	ClientKey string
}

// Result describes the routing decision and any side effects that were skipped.
type Result struct {
	Mode     Mode
	Upsert   UpsertOutcome
	Degraded bool
	Warnings []Warning
}

// ResolvedEntry is a history row annotated with the source it resumes with.
type ResolvedEntry struct {
	Entry
	ResolvedSource string
	ResolvedFrom   sources.Tier
}

// Service routes progress writes and serves the resume list.
type Service struct {
	store        *Store
	clock        func() time.Time
	logger       *zap.Logger
	catalog      *sources.Catalog
	preferences  PreferenceStore
	queue        Enqueuer
	limiter      Limiter
	notifier     Notifier
	retentionCap int
}

// NewService validates the configuration and builds the write router.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, reasonMissingDatabase, errMissingDatabase)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	store, err := NewStore(StoreConfig{
		Database:        cfg.Database,
		IDProvider:      cfg.IDProvider,
		Logger:          logger,
		ConflictRetries: cfg.ConflictRetries,
		ConflictBackoff: cfg.ConflictBackoff,
	})
	if err != nil {
		return nil, err
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	catalog := cfg.Catalog
	if catalog == nil {
		catalog = sources.DefaultCatalog()
	}
	retentionCap := cfg.RetentionCap
	if retentionCap <= 0 {
		retentionCap = DefaultRetentionCap
	}
	return &Service{
		store:        store,
		clock:        clock,
		logger:       logger,
		catalog:      catalog,
		preferences:  cfg.Preferences,
		queue:        cfg.Queue,
		limiter:      cfg.Limiter,
		notifier:     cfg.Notifier,
		retentionCap: retentionCap,
	}, nil
}

// Store exposes the underlying persistence layer.
func (s *Service) Store() *Store {
	return s.store
}

// SetQueue attaches the batching collaborator after construction; the queue's
// sink usually points back at this service.
func (s *Service) SetQueue(queue Enqueuer) {
	s.queue = queue
}

// Record routes one update. Explicit source choices and immediate reports are
// written synchronously; every other report is throttled and then enqueued.
func (s *Service) Record(ctx context.Context, submission Submission) (Result, error) {
	update := submission.Update
	if update.Key.UserID == "" {
		return Result{}, newServiceError(opRecord, reasonMissingUserID, errMissingUserID)
	}
	if update.Explicit {
		update.Immediate = true
	}
	s.warnUnknownSource(update)

	if update.Immediate {
		return s.writeImmediate(ctx, update)
	}

	if s.limiter != nil && !s.limiter.Allow(submission.ClientKey) {
		metrics.ProgressWrites.WithLabelValues(string(ModeQueued), outcomeThrottled).Inc()
		return Result{}, ErrThrottled
	}
	if s.queue == nil {
		return s.writeImmediate(ctx, update)
	}
	if err := s.queue.Enqueue(update); err != nil {
		s.logger.Warn("enqueue failed, writing directly",
			append(keyFields(update.Key), zap.String("reason", reasonEnqueueFailed), zap.Error(err))...)
		return s.writeImmediate(ctx, update)
	}
	metrics.ProgressWrites.WithLabelValues(string(ModeQueued), outcomeOK).Inc()
	return Result{Mode: ModeQueued}, nil
}

// Apply writes one coalesced update from the batch flusher. An update older
// than the newest stored row of its title is skipped, series siblings included.
func (s *Service) Apply(ctx context.Context, update progress.Update) error {
	if update.Key.UserID == "" {
		return newServiceError(opApply, reasonMissingUserID, errMissingUserID)
	}
	stale, err := s.superseded(ctx, update)
	if err != nil {
		metrics.ProgressWrites.WithLabelValues(metricModeFlush, outcomeError).Inc()
		return err
	}
	if stale {
		metrics.ProgressWrites.WithLabelValues(metricModeFlush, outcomeStale).Inc()
		s.logger.Debug("stale batched update skipped", keyFields(update.Key)...)
		return nil
	}
	result, err := s.persist(ctx, update)
	if err != nil {
		metrics.ProgressWrites.WithLabelValues(metricModeFlush, outcomeError).Inc()
		return err
	}
	metrics.ProgressWrites.WithLabelValues(metricModeFlush, outcomeLabel(result)).Inc()
	return nil
}

func (s *Service) writeImmediate(ctx context.Context, update progress.Update) (Result, error) {
	if s.queue != nil {
		if dropped := s.queue.Discard(update.Key); dropped > 0 {
			s.logger.Debug("pending heartbeats superseded by direct write",
				append(keyFields(update.Key), zap.Int("dropped", dropped))...)
		}
	}
	result, err := s.persist(ctx, update)
	if err != nil {
		metrics.ProgressWrites.WithLabelValues(string(ModeImmediate), outcomeError).Inc()
		return Result{}, err
	}
	result.Mode = ModeImmediate
	metrics.ProgressWrites.WithLabelValues(string(ModeImmediate), outcomeLabel(result)).Inc()
	return result, nil
}

// persist performs the ordered write: series exclusivity, upsert, override,
// preference, retention. Only the first two can fail the write.
func (s *Service) persist(ctx context.Context, update progress.Update) (Result, error) {
	at := update.ReceivedAt
	if at.IsZero() {
		at = s.clock()
	}
	at = at.UTC()
	key := update.Key

	if _, err := s.store.DeleteOtherEpisodes(ctx, key); err != nil {
		return Result{}, err
	}
	outcome, err := s.store.Upsert(ctx, update, at)
	if err != nil {
		return Result{}, err
	}

	result := Result{Upsert: outcome}
	if outcome.Lost() {
		result.Warnings = append(result.Warnings, WarningProgressNotPersisted)
	}

	if update.Explicit && update.Source != "" {
		if err := s.store.SetOverride(ctx, key, update.Source, at); err != nil {
			result.Warnings = append(result.Warnings, WarningOverrideNotPersisted)
		}
	}

	if !s.rememberSource(ctx, update, at) {
		result.Warnings = append(result.Warnings, WarningPreferenceNotPersisted)
	}

	trimmed, err := s.store.Trim(ctx, key.UserID, s.retentionCap)
	if err != nil {
		s.logger.Warn("retention trim failed", zap.String(fieldUserID, key.UserID), zap.Error(err))
		result.Warnings = append(result.Warnings, WarningRetentionTrimFailed)
	} else if trimmed > 0 {
		metrics.TrimmedRows.Add(float64(trimmed))
	}

	result.Degraded = len(result.Warnings) > 0
	if !outcome.Lost() && s.notifier != nil {
		s.notifier.NotifyProgress(key.UserID, []progress.Key{key})
	}
	return result, nil
}

// superseded reports whether a newer write already landed for the update's title.
func (s *Service) superseded(ctx context.Context, update progress.Update) (bool, error) {
	if update.ReceivedAt.IsZero() {
		return false, nil
	}
	latest, found, err := s.store.LatestWatchedAt(ctx, update.Key)
	if err != nil || !found {
		return false, err
	}
	return latest.After(update.ReceivedAt.UTC()), nil
}

// rememberSource reports false only when a warranted preference write did not stick.
func (s *Service) rememberSource(ctx context.Context, update progress.Update, at time.Time) bool {
	if s.preferences == nil || update.Source == "" {
		return true
	}
	outcome := s.preferences.RememberSource(ctx, update.Key.UserID, sources.PreferenceChange{
		Source:   update.Source,
		At:       at,
		Explicit: update.Explicit,
	})
	switch {
	case outcome.Degraded:
		metrics.PreferenceWrites.WithLabelValues(preferenceDegraded).Inc()
		return false
	case outcome.Applied:
		metrics.PreferenceWrites.WithLabelValues(preferenceApplied).Inc()
	default:
		metrics.PreferenceWrites.WithLabelValues(preferenceSkipped).Inc()
	}
	return true
}

// List returns the viewer's most recent rows with their resume source resolved.
func (s *Service) List(ctx context.Context, userID string, limit int) ([]ResolvedEntry, error) {
	if userID == "" {
		return nil, newServiceError(opList, reasonMissingUserID, errMissingUserID)
	}
	entries, err := s.store.List(ctx, userID, limit)
	if err != nil {
		return nil, err
	}
	overrides, err := s.store.Overrides(ctx, userID)
	if err != nil {
		return nil, err
	}
	var preference sources.Preference
	if s.preferences != nil {
		preference, err = s.preferences.Preference(ctx, userID)
		if err != nil {
			s.logger.Warn("preference lookup failed, resolving without it",
				zap.String(fieldUserID, userID),
				zap.String("reason", reasonPreference),
				zap.Error(err))
			preference = sources.Preference{}
		}
	}

	resolved := make([]ResolvedEntry, 0, len(entries))
	for _, entry := range entries {
		rowSource := ""
		if entry.Source != nil {
			rowSource = *entry.Source
		}
		resolution := s.catalog.Resolve(sources.ResolveInput{
			Override:        overrides[titleKeyOf(entry.MediaType, entry.MediaID)],
			RowSource:       rowSource,
			PreferredSource: preference.Source,
		})
		resolved = append(resolved, ResolvedEntry{
			Entry:          entry,
			ResolvedSource: resolution.Source,
			ResolvedFrom:   resolution.Tier,
		})
	}
	return resolved, nil
}

// Remove deletes a title from the viewer's history, every episode included.
func (s *Service) Remove(ctx context.Context, userID string, mediaType progress.MediaType, mediaID int64) (int64, error) {
	if userID == "" {
		return 0, newServiceError(opRemove, reasonMissingUserID, errMissingUserID)
	}
	removed, err := s.store.Remove(ctx, userID, mediaType, mediaID)
	if err != nil {
		return 0, err
	}
	if removed > 0 && s.notifier != nil {
		s.notifier.NotifyProgress(userID, []progress.Key{{UserID: userID, MediaID: mediaID, MediaType: mediaType}})
	}
	return removed, nil
}

func (s *Service) warnUnknownSource(update progress.Update) {
	if update.Source == "" || s.catalog.Known(update.Source) {
		return
	}
	s.logger.Warn("unknown playback source recorded as-is",
		append(keyFields(update.Key), zap.String("source", update.Source))...)
}

func outcomeLabel(result Result) string {
	if result.Degraded {
		return outcomeDegraded
	}
	return outcomeOK
}

// IsThrottled reports whether err is a throttling rejection.
func IsThrottled(err error) bool {
	return errors.Is(err, ErrThrottled)
}
