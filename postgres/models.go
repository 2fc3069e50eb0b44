package postgres

import (
	"time"

	"github.com/concrnt/resonite-gateway/api"
	"github.com/uptrace/bun"
)

// A post represents an accepted submission in the database.
type post struct {
	bun.BaseModel `bun:"table:posts"`

	ID         string    `bun:",pk,type:uuid,default:gen_random_uuid()"`
	TimelineID string    `bun:",notnull"`
	Username   string    `bun:",notnull"`
	Avatar     string    `bun:",notnull"`
	Message    string    `bun:",notnull"`
	MediaCount int       `bun:",notnull,default:0"`
	ClientKey  string    `bun:",notnull"`
	CreatedAt  time.Time `bun:",nullzero,notnull,default:now()"`
}

// newPost maps p to a row. ID and CreatedAt are left to the database.
func newPost(p api.Post) *post {
	return &post{
		TimelineID: p.TimelineID,
		Username:   p.Username,
		Avatar:     p.Avatar,
		Message:    p.Message,
		MediaCount: p.MediaCount,
		ClientKey:  p.ClientKey,
	}
}

func (p post) APIPost() api.Post {
	return api.Post{
		ID:         p.ID,
		TimelineID: p.TimelineID,
		Username:   p.Username,
		Avatar:     p.Avatar,
		Message:    p.Message,
		MediaCount: p.MediaCount,
		ClientKey:  p.ClientKey,
		CreatedAt:  p.CreatedAt,
	}
}
