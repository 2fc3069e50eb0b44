package concrnt

import (
	"encoding/json"
	"fmt"
	"time"
)

// Schema URLs of the documents the gateway reads and writes.
const (
	SchemaMarkdownMessage     = "https://schema.concrnt.world/m/markdown.json"
	SchemaPlaintextMessage    = "https://schema.concrnt.world/m/plaintext.json"
	SchemaMediaMessage        = "https://schema.concrnt.world/m/media.json"
	SchemaRerouteMessage      = "https://schema.concrnt.world/m/reroute.json"
	SchemaReactionAssociation = "https://schema.concrnt.world/a/reaction.json"
	SchemaCommunityTimeline   = "https://schema.concrnt.world/t/community.json"
	SchemaProfile             = "https://schema.concrnt.world/p/main.json"
)

// SemanticProfile is the semantic id under which an entity keeps its main profile.
const SemanticProfile = "world.concrnt.p"

// An Entity is a user identity and the domain hosting it.
type Entity struct {
	CCID   string    `json:"ccid"`
	Domain string    `json:"domain"`
	CDate  time.Time `json:"cdate"`
}

// A Timeline is a timeline record. Host is not part of the wire format; the
// client fills it with the domain the timeline was fetched from.
type Timeline struct {
	ID       string    `json:"id"`
	Owner    string    `json:"owner"`
	Author   string    `json:"author"`
	Schema   string    `json:"schema"`
	Document string    `json:"document"`
	CDate    time.Time `json:"cdate"`
	Host     string    `json:"-"`
}

// A CommunityTimeline is the body of a community timeline document.
type CommunityTimeline struct {
	Name        string `json:"name"`
	Shortname   string `json:"shortname,omitempty"`
	Description string `json:"description,omitempty"`
	Banner      string `json:"banner,omitempty"`
}

// A TimelineItem references a message posted into a timeline.
type TimelineItem struct {
	ResourceID string    `json:"resourceID"`
	TimelineID string    `json:"timelineID"`
	Owner      string    `json:"owner"`
	Author     string    `json:"author"`
	Schema     string    `json:"schema"`
	CDate      time.Time `json:"cdate"`
}

// A Profile is a profile record.
type Profile struct {
	ID       string    `json:"id"`
	Author   string    `json:"author"`
	Schema   string    `json:"schema"`
	Document string    `json:"document"`
	CDate    time.Time `json:"cdate"`
}

// A ProfileBody is the body of a main profile document.
type ProfileBody struct {
	Username    string `json:"username"`
	Avatar      string `json:"avatar"`
	Description string `json:"description,omitempty"`
	Banner      string `json:"banner,omitempty"`
}

// A Message is a message record. Document holds the signed JSON document.
type Message struct {
	ID        string    `json:"id"`
	Author    string    `json:"author"`
	Schema    string    `json:"schema"`
	Document  string    `json:"document"`
	Signature string    `json:"signature"`
	Timelines []string  `json:"timelines"`
	CDate     time.Time `json:"cdate"`
}

// A ProfileOverride replaces the author's profile for a single message.
type ProfileOverride struct {
	Username    string `json:"username,omitempty"`
	Avatar      string `json:"avatar,omitempty"`
	Description string `json:"description,omitempty"`
	Link        string `json:"link,omitempty"`
	ProfileID   string `json:"profileID,omitempty"`
}

// A MarkdownMessage is the body of a markdown or plaintext message.
type MarkdownMessage struct {
	Body            string           `json:"body"`
	ProfileOverride *ProfileOverride `json:"profileOverride,omitempty"`
}

// A Media is one item attached to a media message.
type Media struct {
	MediaURL     string `json:"mediaURL"`
	MediaType    string `json:"mediaType"`
	ThumbnailURL string `json:"thumbnailURL,omitempty"`
	Blurhash     string `json:"blurhash,omitempty"`
	Flag         string `json:"flag,omitempty"`
}

// A MediaMessage is the body of a media message.
type MediaMessage struct {
	Body            string           `json:"body"`
	Medias          []Media          `json:"medias,omitempty"`
	ProfileOverride *ProfileOverride `json:"profileOverride,omitempty"`
}

// A RerouteMessage is the body of a message that reposts another message.
type RerouteMessage struct {
	RerouteMessageID     string           `json:"rerouteMessageId"`
	RerouteMessageAuthor string           `json:"rerouteMessageAuthor"`
	Body                 string           `json:"body,omitempty"`
	ProfileOverride      *ProfileOverride `json:"profileOverride,omitempty"`
}

// A Document is the signed envelope of every record body.
type Document[T any] struct {
	Signer    string    `json:"signer"`
	Type      string    `json:"type"`
	Schema    string    `json:"schema"`
	Body      T         `json:"body"`
	Timelines []string  `json:"timelines,omitempty"`
	KeyID     string    `json:"keyID,omitempty"`
	SignedAt  time.Time `json:"signedAt"`
}

// DecodeDocument parses a raw document string into its typed envelope.
func DecodeDocument[T any](raw string) (Document[T], error) {
	var doc Document[T]
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return Document[T]{}, fmt.Errorf("decode document: %w", err)
	}
	return doc, nil
}

type response[T any] struct {
	Status  string `json:"status"`
	Content T      `json:"content"`
	Error   string `json:"error,omitempty"`
}

type commitRequest struct {
	Document  string `json:"document"`
	Signature string `json:"signature"`
}
