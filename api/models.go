package api

import "time"

// A Post is an accepted submission, as recorded in the post log.
type Post struct {
	ID         string    `json:"id"`
	TimelineID string    `json:"timeline_id"`
	Username   string    `json:"username"`
	Avatar     string    `json:"avatar"`
	Message    string    `json:"message"`
	MediaCount int       `json:"media_count"`
	ClientKey  string    `json:"client_key"`
	CreatedAt  time.Time `json:"created_at"`
}
