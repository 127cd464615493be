package history

import (
	"time"

	"github.com/MarcoPoloResearchLab/cinesync/internal/progress"
)

// Entry is one watch-history row. The identity columns form a unique index;
// movies store season and episode as zero.
type Entry struct {
	ID                   string     `gorm:"column:id;primaryKey;size:36;not null"`
	UserID               string     `gorm:"column:user_id;size:190;not null;uniqueIndex:ux_watch_history_identity,priority:1;index:idx_watch_history_user_watched,priority:1"`
	MediaID              int64      `gorm:"column:media_id;not null;uniqueIndex:ux_watch_history_identity,priority:2"`
	MediaType            string     `gorm:"column:media_type;size:16;not null;uniqueIndex:ux_watch_history_identity,priority:3"`
	SeasonNumber         int        `gorm:"column:season_number;not null;uniqueIndex:ux_watch_history_identity,priority:4"`
	EpisodeNumber        int        `gorm:"column:episode_number;not null;uniqueIndex:ux_watch_history_identity,priority:5"`
	Title                string     `gorm:"column:title;size:512;not null"`
	PosterPath           string     `gorm:"column:poster_path;size:512;not null"`
	CurrentTimeSeconds   float64    `gorm:"column:current_time_s;not null"`
	TotalDurationSeconds float64    `gorm:"column:total_duration_s;not null"`
	ProgressPercent      *float64   `gorm:"column:progress_percent"`
	TotalPlayedSeconds   float64    `gorm:"column:total_played_s;not null"`
	Finished             bool       `gorm:"column:finished;not null"`
	Source               *string    `gorm:"column:source;size:64"`
	SourceSetAt          *time.Time `gorm:"column:source_set_at"`
	LastWatchedAt        time.Time  `gorm:"column:last_watched_at;not null;index:idx_watch_history_user_watched,priority:2"`
	CreatedAt            time.Time  `gorm:"column:created_at;autoCreateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Entry) TableName() string {
	return "watch_history"
}

// Key returns the identity key of the row.
func (e Entry) Key() progress.Key {
	return progress.Key{
		UserID:        e.UserID,
		MediaID:       e.MediaID,
		MediaType:     progress.MediaType(e.MediaType),
		SeasonNumber:  e.SeasonNumber,
		EpisodeNumber: e.EpisodeNumber,
	}
}

// SourceOverride is the source a viewer explicitly picked for one title.
// It outranks the row source and the global preference when resuming.
type SourceOverride struct {
	UserID    string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	MediaID   int64     `gorm:"column:media_id;primaryKey;not null"`
	MediaType string    `gorm:"column:media_type;primaryKey;size:16;not null"`
	Source    string    `gorm:"column:source;size:64;not null"`
	SetAt     time.Time `gorm:"column:set_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (SourceOverride) TableName() string {
	return "title_source_overrides"
}

type titleKey struct {
	mediaType string
	mediaID   int64
}

func titleKeyOf(mediaType string, mediaID int64) titleKey {
	return titleKey{mediaType: mediaType, mediaID: mediaID}
}
