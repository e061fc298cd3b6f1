package models

import (
	"strings"
	"time"
)

// Experience is the corpus record for one game experience
type Experience struct {
	UniverseID           string    `json:"universe_id"`
	RootPlaceID          string    `json:"root_place_id,omitempty"`
	Name                 string    `json:"name"`
	Creator              string    `json:"creator,omitempty"`
	Genre                string    `json:"genre,omitempty"`
	Description          string    `json:"description,omitempty"`
	GeneratedDescription string    `json:"generated_description,omitempty"`
	Tags                 []string  `json:"tags,omitempty"`
	Visits               int64     `json:"visits"`
	Playing              int64     `json:"playing"`
	Favorites            int64     `json:"favorites"`
	UpVotes              int64     `json:"up_votes"`
	DownVotes            int64     `json:"down_votes"`
	Thumbnails           []string  `json:"thumbnails,omitempty"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// EmbeddingText builds the text that is embedded for similarity search
func (e *Experience) EmbeddingText() string {
	parts := []string{e.Name}
	if e.Genre != "" {
		parts = append(parts, "Genre: "+e.Genre)
	}
	desc := e.GeneratedDescription
	if desc == "" {
		desc = e.Description
	}
	if desc != "" {
		parts = append(parts, desc)
	}
	if len(e.Tags) > 0 {
		parts = append(parts, "Tags: "+strings.Join(e.Tags, ", "))
	}
	return strings.Join(parts, "\n")
}

// SimilarRequest asks for experiences similar to an existing id or a raw vector
type SimilarRequest struct {
	ID                 string    `json:"id,omitempty" validate:"required_without=Vector"`
	Vector             []float32 `json:"vector,omitempty" validate:"required_without=ID"`
	K                  int       `json:"k" validate:"gte=0,lte=1000"`
	PopularityWeighted bool      `json:"popularity_weighted,omitempty"`
}

// SearchRequest asks for experiences matching free text
type SearchRequest struct {
	Query              string `json:"query" validate:"required,max=2000"`
	K                  int    `json:"k" validate:"gte=0,lte=1000"`
	PopularityWeighted bool   `json:"popularity_weighted,omitempty"`
}

// RankedExperience is one similarity hit
type RankedExperience struct {
	ID    string  `json:"id"`
	Name  string  `json:"name,omitempty"`
	Score float64 `json:"score"`
}
