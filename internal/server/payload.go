package server

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/MarcoPoloResearchLab/cinesync/internal/progress"
)

// flexibleString accepts a JSON string or number. Legacy clients send both
// mediaId and source as numbers.
type flexibleString string

func (f *flexibleString) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*f = ""
		return nil
	}
	if trimmed[0] == '"' {
		var value string
		if err := json.Unmarshal(trimmed, &value); err != nil {
			return err
		}
		*f = flexibleString(value)
		return nil
	}
	var number json.Number
	if err := json.Unmarshal(trimmed, &number); err != nil {
		return err
	}
	*f = flexibleString(number.String())
	return nil
}

// UnmarshalParam implements gin's form binding hook.
func (f *flexibleString) UnmarshalParam(param string) error {
	*f = flexibleString(strings.TrimSpace(param))
	return nil
}

type progressRequestPayload struct {
	MediaID            flexibleString `json:"mediaId" form:"mediaId"`
	MediaType          string         `json:"mediaType" form:"mediaType"`
	Title              string         `json:"title" form:"title"`
	PosterPath         string         `json:"posterPath" form:"posterPath"`
	Progress           *float64       `json:"progress" form:"progress"`
	CurrentTime        *float64       `json:"currentTime" form:"currentTime"`
	TotalDuration      *float64       `json:"totalDuration" form:"totalDuration"`
	SeasonNumber       *int           `json:"seasonNumber" form:"seasonNumber"`
	EpisodeNumber      *int           `json:"episodeNumber" form:"episodeNumber"`
	Finished           *bool          `json:"finished" form:"finished"`
	TotalPlayedSeconds *float64       `json:"totalPlayedSeconds" form:"totalPlayedSeconds"`
	Immediate          bool           `json:"immediate" form:"immediate"`
	Source             flexibleString `json:"source" form:"source"`
	Explicit           bool           `json:"explicit" form:"explicit"`
}

func (p progressRequestPayload) rawReport() progress.RawReport {
	return progress.RawReport{
		MediaID:            string(p.MediaID),
		MediaType:          p.MediaType,
		Title:              p.Title,
		PosterPath:         p.PosterPath,
		Progress:           p.Progress,
		CurrentTime:        p.CurrentTime,
		TotalDuration:      p.TotalDuration,
		SeasonNumber:       p.SeasonNumber,
		EpisodeNumber:      p.EpisodeNumber,
		Finished:           p.Finished,
		TotalPlayedSeconds: p.TotalPlayedSeconds,
		Immediate:          p.Immediate,
		Source:             string(p.Source),
		Explicit:           p.Explicit,
	}
}
