package timeline

import (
	"fmt"

	"github.com/concrnt/resonite-gateway/concrnt"
)

// Kind is the closed set of message kinds the gateway knows how to render.
type Kind int

const (
	KindUnknown Kind = iota
	KindText
	KindMedia
	KindReroute
)

func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindMedia:
		return "media"
	case KindReroute:
		return "reroute"
	default:
		return "unknown"
	}
}

// Content is a message document decoded according to its kind. Fields that
// do not apply to the kind are left empty.
type Content struct {
	Kind     Kind
	Author   string
	Body     string
	Medias   []concrnt.Media
	Override *concrnt.ProfileOverride

	RerouteID     string
	RerouteAuthor string
}

// Classify decodes a message into its content. Unknown schemas yield
// KindUnknown and no error.
func Classify(msg concrnt.Message) (Content, error) {
	c := Content{Author: msg.Author}

	switch msg.Schema {
	case concrnt.SchemaMarkdownMessage, concrnt.SchemaPlaintextMessage:
		doc, err := concrnt.DecodeDocument[concrnt.MarkdownMessage](msg.Document)
		if err != nil {
			return Content{}, fmt.Errorf("message %s: %w", msg.ID, err)
		}
		c.Kind = KindText
		c.Body = doc.Body.Body
		c.Override = doc.Body.ProfileOverride

	case concrnt.SchemaMediaMessage:
		doc, err := concrnt.DecodeDocument[concrnt.MediaMessage](msg.Document)
		if err != nil {
			return Content{}, fmt.Errorf("message %s: %w", msg.ID, err)
		}
		c.Kind = KindMedia
		c.Body = doc.Body.Body
		c.Medias = doc.Body.Medias
		c.Override = doc.Body.ProfileOverride

	case concrnt.SchemaRerouteMessage:
		doc, err := concrnt.DecodeDocument[concrnt.RerouteMessage](msg.Document)
		if err != nil {
			return Content{}, fmt.Errorf("message %s: %w", msg.ID, err)
		}
		c.Kind = KindReroute
		c.Body = doc.Body.Body
		c.Override = doc.Body.ProfileOverride
		c.RerouteID = doc.Body.RerouteMessageID
		c.RerouteAuthor = doc.Body.RerouteMessageAuthor

	default:
		c.Kind = KindUnknown
	}

	return c, nil
}
