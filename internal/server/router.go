package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/cinesync/internal/auth"
	"github.com/MarcoPoloResearchLab/cinesync/internal/history"
	"github.com/MarcoPoloResearchLab/cinesync/internal/progress"
	"github.com/MarcoPoloResearchLab/cinesync/internal/sources"
	"github.com/MarcoPoloResearchLab/cinesync/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	userIDContextKey          = "cinesync_user_id"
	accessTokenQueryParameter = "access_token"
	bearerPrefix              = "Bearer "
	maxProgressBodyBytes      = 16 << 10
	defaultHeartbeatInterval  = 25 * time.Second
	defaultRetryAfter         = time.Minute

	errorInvalidRequest   = "invalid_request"
	errorUnauthorized     = "unauthorized"
	errorThrottled        = "throttled"
	errorProgressFailed   = "progress_save_failed"
	errorHistoryFailed    = "history_unavailable"
	errorRemoveFailed     = "history_remove_failed"
	errorPreferenceFailed = "preference_unavailable"
)

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingIdentityResolver = errors.New("identity resolver dependency required")
	errMissingHistoryService   = errors.New("history service dependency required")
	errMissingPreferences      = errors.New("preference reader dependency required")
)

// SessionValidator validates session tokens.
type SessionValidator interface {
	ValidateToken(token string) (auth.SessionClaims, error)
	CookieName() string
}

// IdentityResolver maps validated claims to the canonical user id.
type IdentityResolver interface {
	ResolveCanonicalUserID(claims auth.SessionClaims) (string, error)
}

// HistoryService is the write router and resume list.
type HistoryService interface {
	Record(ctx context.Context, submission history.Submission) (history.Result, error)
	List(ctx context.Context, userID string, limit int) ([]history.ResolvedEntry, error)
	Remove(ctx context.Context, userID string, mediaType progress.MediaType, mediaID int64) (int64, error)
}

// PreferenceReader reads the viewer's global source preference.
type PreferenceReader interface {
	Preference(ctx context.Context, userID string) (sources.Preference, error)
}

type Dependencies struct {
	SessionValidator  SessionValidator
	Identities        IdentityResolver
	History           HistoryService
	Preferences       PreferenceReader
	Normalizer        *progress.Normalizer
	Catalog           *sources.Catalog
	Realtime          *RealtimeDispatcher
	Logger            *zap.Logger
	AllowedOrigins    []string
	RetryAfter        time.Duration
	HeartbeatInterval time.Duration
	Clock             func() time.Time
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.SessionValidator == nil {
		return nil, errMissingSessionValidator
	}
	if deps.Identities == nil {
		return nil, errMissingIdentityResolver
	}
	if deps.History == nil {
		return nil, errMissingHistoryService
	}
	if deps.Preferences == nil {
		return nil, errMissingPreferences
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	catalog := deps.Catalog
	if catalog == nil {
		catalog = sources.DefaultCatalog()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	normalizer := deps.Normalizer
	if normalizer == nil {
		normalizer = progress.NewNormalizer(progress.NormalizerConfig{Catalog: catalog, Clock: clock})
	}
	realtime := deps.Realtime
	if realtime == nil {
		realtime = NewRealtimeDispatcher()
	}
	retryAfter := deps.RetryAfter
	if retryAfter <= 0 {
		retryAfter = defaultRetryAfter
	}
	heartbeatInterval := deps.HeartbeatInterval
	if heartbeatInterval <= 0 {
		heartbeatInterval = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		sessions:          deps.SessionValidator,
		identities:        deps.Identities,
		history:           deps.History,
		preferences:       deps.Preferences,
		normalizer:        normalizer,
		catalog:           catalog,
		realtime:          realtime,
		logger:            logger,
		retryAfter:        retryAfter,
		heartbeatInterval: heartbeatInterval,
		clock:             clock,
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/watch-history", handler.handleRecordProgress)
	protected.POST("/watch-history/beacon", handler.handleBeacon)
	protected.GET("/watch-history", handler.handleListHistory)
	protected.DELETE("/watch-history/:mediaType/:mediaId", handler.handleRemoveTitle)
	protected.GET("/watch-history/events", handler.handleProgressStream)
	protected.GET("/preferences/source", handler.handleSourcePreference)

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "Last-Event-ID"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(allowedOrigins) == 0 {
		config.AllowOriginFunc = func(string) bool { return true }
	} else {
		config.AllowOrigins = allowedOrigins
	}
	return cors.New(config)
}

type httpHandler struct {
	sessions          SessionValidator
	identities        IdentityResolver
	history           HistoryService
	preferences       PreferenceReader
	normalizer        *progress.Normalizer
	catalog           *sources.Catalog
	realtime          *RealtimeDispatcher
	logger            *zap.Logger
	retryAfter        time.Duration
	heartbeatInterval time.Duration
	clock             func() time.Time
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleRecordProgress(c *gin.Context) {
	h.recordProgress(c, false)
}

// handleBeacon accepts page-unload deliveries. They are always immediate and
// the client never reads the body.
func (h *httpHandler) handleBeacon(c *gin.Context) {
	h.recordProgress(c, true)
}

type progressResponsePayload struct {
	Status   string   `json:"status"`
	Degraded bool     `json:"degraded,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

func (h *httpHandler) recordProgress(c *gin.Context, beacon bool) {
	userID := c.GetString(userIDContextKey)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": errorUnauthorized})
		return
	}

	raw, err := bindProgressReport(c)
	if err != nil {
		h.logger.Debug("progress payload rejected", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": errorInvalidRequest})
		return
	}
	if beacon {
		raw.Immediate = true
	}

	update, err := h.normalizer.Normalize(userID, raw)
	if err != nil {
		var validationErr *progress.ValidationError
		if errors.As(err, &validationErr) {
			c.JSON(http.StatusBadRequest, gin.H{"error": validationErr.Code, "field": validationErr.Field})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": errorInvalidRequest})
		return
	}

	result, err := h.history.Record(c.Request.Context(), history.Submission{
		Update:    update,
		ClientKey: c.ClientIP(),
	})
	if err != nil {
		if history.IsThrottled(err) {
			c.Header("Retry-After", strconv.Itoa(int(h.retryAfter.Seconds())))
			c.JSON(http.StatusTooManyRequests, gin.H{"error": errorThrottled})
			return
		}
		h.logger.Error("failed to record progress",
			zap.String("user_id", userID),
			zap.String("key", update.Key.String()),
			zap.Error(err))
		body := gin.H{"error": errorProgressFailed}
		var serviceErr *history.ServiceError
		if errors.As(err, &serviceErr) {
			body["code"] = serviceErr.Code()
		}
		c.JSON(http.StatusInternalServerError, body)
		return
	}

	if beacon {
		c.Status(http.StatusNoContent)
		return
	}
	response := progressResponsePayload{Status: "saved", Degraded: result.Degraded}
	if result.Mode == history.ModeQueued {
		response.Status = "queued"
	}
	for _, warning := range result.Warnings {
		response.Warnings = append(response.Warnings, string(warning))
	}
	c.JSON(http.StatusOK, response)
}

type historyResponsePayload struct {
	Items []historyItemPayload `json:"items"`
}

type historyItemPayload struct {
	MediaID            int64     `json:"mediaId"`
	MediaType          string    `json:"mediaType"`
	SeasonNumber       *int      `json:"seasonNumber,omitempty"`
	EpisodeNumber      *int      `json:"episodeNumber,omitempty"`
	Title              string    `json:"title"`
	PosterPath         string    `json:"posterPath"`
	CurrentTime        float64   `json:"currentTime"`
	TotalDuration      float64   `json:"totalDuration"`
	Progress           *float64  `json:"progress"`
	TotalPlayedSeconds float64   `json:"totalPlayedSeconds"`
	Finished           bool      `json:"finished"`
	Source             *string   `json:"source"`
	ResolvedSource     string    `json:"resolvedSource"`
	ResolvedFrom       string    `json:"resolvedFrom"`
	LastWatchedAt      time.Time `json:"lastWatchedAt"`
}

func (h *httpHandler) handleListHistory(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": errorUnauthorized})
		return
	}

	limit := history.MaxListLimit
	if rawLimit := strings.TrimSpace(c.Query("limit")); rawLimit != "" {
		parsed, err := strconv.Atoi(rawLimit)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": errorInvalidRequest})
			return
		}
		limit = parsed
	}

	entries, err := h.history.List(c.Request.Context(), userID, limit)
	if err != nil {
		h.logger.Error("failed to list history", zap.String("user_id", userID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": errorHistoryFailed})
		return
	}

	response := historyResponsePayload{Items: make([]historyItemPayload, 0, len(entries))}
	for _, entry := range entries {
		item := historyItemPayload{
			MediaID:            entry.MediaID,
			MediaType:          entry.MediaType,
			Title:              entry.Title,
			PosterPath:         entry.PosterPath,
			CurrentTime:        entry.CurrentTimeSeconds,
			TotalDuration:      entry.TotalDurationSeconds,
			Progress:           entry.ProgressPercent,
			TotalPlayedSeconds: entry.TotalPlayedSeconds,
			Finished:           entry.Finished,
			Source:             entry.Source,
			ResolvedSource:     entry.ResolvedSource,
			ResolvedFrom:       string(entry.ResolvedFrom),
			LastWatchedAt:      entry.LastWatchedAt,
		}
		if entry.MediaType == progress.MediaTypeTV.String() {
			season := entry.SeasonNumber
			episode := entry.EpisodeNumber
			item.SeasonNumber = &season
			item.EpisodeNumber = &episode
		}
		response.Items = append(response.Items, item)
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleRemoveTitle(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": errorUnauthorized})
		return
	}
	mediaType, ok := progress.ParseMediaType(c.Param("mediaType"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": progress.CodeInvalidMediaType})
		return
	}
	mediaID, err := strconv.ParseInt(c.Param("mediaId"), 10, 64)
	if err != nil || mediaID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": progress.CodeInvalidMediaID})
		return
	}

	removed, err := h.history.Remove(c.Request.Context(), userID, mediaType, mediaID)
	if err != nil {
		h.logger.Error("failed to remove title", zap.String("user_id", userID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": errorRemoveFailed})
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

type preferenceResponsePayload struct {
	LastUsedSource   *string    `json:"lastUsedSource"`
	LastUsedSourceAt *time.Time `json:"lastUsedSourceAt"`
	DefaultSource    string     `json:"defaultSource"`
}

func (h *httpHandler) handleSourcePreference(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": errorUnauthorized})
		return
	}
	preference, err := h.preferences.Preference(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("failed to load source preference", zap.String("user_id", userID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": errorPreferenceFailed})
		return
	}
	response := preferenceResponsePayload{DefaultSource: h.catalog.Default()}
	if !preference.Empty() {
		source := preference.Source
		setAt := preference.SetAt
		response.LastUsedSource = &source
		response.LastUsedSourceAt = &setAt
	}
	c.JSON(http.StatusOK, response)
}

type realtimeEventPayload struct {
	Keys      []string `json:"keys"`
	Timestamp int64    `json:"ts"`
	Source    string   `json:"source"`
}

func (h *httpHandler) handleProgressStream(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": errorUnauthorized})
		return
	}

	ctx := c.Request.Context()
	stream, cleanup := h.realtime.Subscribe(ctx, userID)
	defer cleanup()

	header := c.Writer.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")

	c.SSEvent(realtimeEventHeartbeat, gin.H{"ts": h.clock().UnixMilli()})
	c.Writer.Flush()

	heartbeat := time.NewTicker(h.heartbeatInterval)
	defer heartbeat.Stop()

	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case message, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent(message.EventType, realtimeEventPayload{
				Keys:      message.Keys,
				Timestamp: message.Timestamp.UnixMilli(),
				Source:    realtimeSourceBackend,
			})
			return true
		case <-heartbeat.C:
			c.SSEvent(realtimeEventHeartbeat, gin.H{"ts": h.clock().UnixMilli()})
			return true
		}
	})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token := h.extractToken(c)
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errorUnauthorized})
		return
	}
	claims, err := h.sessions.ValidateToken(token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errorUnauthorized})
		return
	}
	userID, err := h.identities.ResolveCanonicalUserID(claims)
	if err != nil {
		if errors.Is(err, users.ErrInvalidIdentity) {
			h.logger.Warn("session identity rejected", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errorUnauthorized})
			return
		}
		h.logger.Error("failed to resolve user identity", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "identity_unavailable"})
		return
	}
	c.Set(userIDContextKey, userID)
	c.Next()
}

// extractToken reads the session cookie, then a bearer header, then the
// access_token query parameter used by EventSource clients.
func (h *httpHandler) extractToken(c *gin.Context) string {
	if cookie, err := c.Cookie(h.sessions.CookieName()); err == nil && strings.TrimSpace(cookie) != "" {
		return strings.TrimSpace(cookie)
	}
	if header := c.GetHeader("Authorization"); strings.HasPrefix(header, bearerPrefix) {
		return strings.TrimSpace(strings.TrimPrefix(header, bearerPrefix))
	}
	return strings.TrimSpace(c.Query(accessTokenQueryParameter))
}

// bindProgressReport accepts JSON, form-encoded beacons, and text/plain
// beacons carrying a JSON document.
func bindProgressReport(c *gin.Context) (progress.RawReport, error) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxProgressBodyBytes)

	var payload progressRequestPayload
	var err error
	switch c.ContentType() {
	case binding.MIMEPOSTForm, binding.MIMEMultipartPOSTForm:
		err = c.ShouldBindWith(&payload, binding.Form)
	default:
		err = c.ShouldBindWith(&payload, binding.JSON)
	}
	if err != nil {
		return progress.RawReport{}, err
	}
	return payload.rawReport(), nil
}
