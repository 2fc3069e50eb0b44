package timeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/concrnt/resonite-gateway/concrnt"
)

var (
	// ErrNotFound is returned when the requested timeline does not exist.
	ErrNotFound = errors.New("timeline not found")

	errOriginalNotFound = errors.New("original message not found")
)

// Upstream provides read access to the social network.
type Upstream interface {
	GetTimeline(ctx context.Context, fqid string) (concrnt.Timeline, error)
	GetTimelineRecent(ctx context.Context, fqids []string) ([]concrnt.TimelineItem, error)
	GetProfileBySemanticID(ctx context.Context, semanticID, owner string) (concrnt.Profile, error)
	GetProfile(ctx context.Context, id, author string) (concrnt.Profile, error)
	GetMessageWithAuthor(ctx context.Context, id, author string) (concrnt.Message, error)
	GetMessageAssociationCounts(ctx context.Context, id, owner, schema string) (map[string]int64, error)
}

// A Summarizer resolves link previews. It returns nil when no preview is
// available and never fails.
type Summarizer interface {
	Summarize(ctx context.Context, url string) *Summary
}

// Aggregator renders timelines into display entries.
type Aggregator struct {
	Logger     *slog.Logger
	Upstream   Upstream
	Summarizer Summarizer

	// ImageProxy prefixes every image URL handed out. Empty serves raw URLs.
	ImageProxy string
	// Rich enables media and reroute messages and link previews. Without it
	// only text messages are rendered.
	Rich bool

	Location *time.Location
	Now      func() time.Time
}

// Timeline renders the recent entries of a timeline in listing order.
// Entries that fail to render are logged and left out.
func (a *Aggregator) Timeline(ctx context.Context, fqid string) (Response, error) {
	name, items, err := a.Resolve(ctx, fqid)
	if err != nil {
		return Response{}, err
	}

	entries := make([]Entry, 0, len(items))
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return Response{}, err
		}
		entry, ok, err := a.Enrich(ctx, item)
		if err != nil {
			a.Logger.Error("Could not render entry", "resource_id", item.ResourceID, "error", err.Error())
			continue
		}
		if !ok {
			a.Logger.Debug("Skipped unsupported entry", "resource_id", item.ResourceID, "schema", item.Schema)
			continue
		}
		entries = append(entries, entry)
	}

	a.Logger.Info("Rendered timeline", "timeline", fqid, "items", len(items), "entries", len(entries))
	return Response{Name: name, Entries: entries}, nil
}

// Resolve returns the display name and recent items of a timeline.
func (a *Aggregator) Resolve(ctx context.Context, fqid string) (string, []concrnt.TimelineItem, error) {
	tl, err := a.Upstream.GetTimeline(ctx, fqid)
	if errors.Is(err, concrnt.ErrNotFound) {
		return "", nil, fmt.Errorf("%w: %s", ErrNotFound, fqid)
	}
	if err != nil {
		return "", nil, fmt.Errorf("get timeline: %w", err)
	}

	doc, err := concrnt.DecodeDocument[concrnt.CommunityTimeline](tl.Document)
	if err != nil {
		return "", nil, fmt.Errorf("timeline %s: %w", fqid, err)
	}

	items, err := a.Upstream.GetTimelineRecent(ctx, []string{fqid})
	if err != nil {
		return "", nil, fmt.Errorf("get recent items: %w", err)
	}
	return doc.Body.Name, items, nil
}

// Enrich renders a single timeline item. ok is false for messages of a kind
// the gateway does not render.
func (a *Aggregator) Enrich(ctx context.Context, item concrnt.TimelineItem) (Entry, bool, error) {
	msg, err := a.Upstream.GetMessageWithAuthor(ctx, item.ResourceID, item.Owner)
	if err != nil {
		return Entry{}, false, fmt.Errorf("get message: %w", err)
	}
	content, err := Classify(msg)
	if err != nil {
		return Entry{}, false, err
	}
	if !a.renders(content.Kind) {
		return Entry{}, false, nil
	}

	shown := content
	if content.Kind == KindReroute {
		shown, err = a.original(ctx, content)
		if err != nil {
			return Entry{}, false, err
		}
	}

	name, avatar, err := a.identity(ctx, shown)
	if err != nil {
		return Entry{}, false, err
	}

	reactions, err := a.reactions(ctx, item)
	if err != nil {
		return Entry{}, false, err
	}

	entry := Entry{
		Name:      name,
		Avatar:    a.image(avatar),
		Message:   shown.Body,
		Medias:    a.medias(shown),
		Timestamp: FormatRelative(item.CDate, a.now(), a.Location),
		Reactions: reactions,
	}
	if a.Rich {
		entry.URL = a.preview(ctx, shown.Body)
	}
	return entry, true, nil
}

// original resolves the message a reroute points at. Reroutes of reroutes
// are not followed further.
func (a *Aggregator) original(ctx context.Context, reroute Content) (Content, error) {
	msg, err := a.Upstream.GetMessageWithAuthor(ctx, reroute.RerouteID, reroute.RerouteAuthor)
	if errors.Is(err, concrnt.ErrNotFound) {
		return Content{}, fmt.Errorf("%w: %s", errOriginalNotFound, reroute.RerouteID)
	}
	if err != nil {
		return Content{}, fmt.Errorf("get original message: %w", err)
	}
	c, err := Classify(msg)
	if err != nil {
		return Content{}, err
	}
	if c.Kind == KindUnknown {
		return Content{}, fmt.Errorf("original message %s has unsupported schema %s", reroute.RerouteID, msg.Schema)
	}
	return c, nil
}

func (a *Aggregator) renders(k Kind) bool {
	switch k {
	case KindText:
		return true
	case KindMedia, KindReroute:
		return a.Rich
	default:
		return false
	}
}

func (a *Aggregator) reactions(ctx context.Context, item concrnt.TimelineItem) ([]Reaction, error) {
	counts, err := a.Upstream.GetMessageAssociationCounts(ctx, item.ResourceID, item.Owner, concrnt.SchemaReactionAssociation)
	if err != nil {
		return nil, fmt.Errorf("get reactions: %w", err)
	}

	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]Reaction, 0, len(keys))
	for _, k := range keys {
		out = append(out, Reaction{URL: a.image(k), Count: counts[k]})
	}
	return out, nil
}

func (a *Aggregator) medias(c Content) []Media {
	out := make([]Media, 0, len(c.Medias))
	if c.Kind != KindMedia {
		return out
	}
	for _, m := range c.Medias {
		out = append(out, Media{Type: m.MediaType, URL: a.image(m.MediaURL)})
	}
	return out
}

func (a *Aggregator) preview(ctx context.Context, body string) *Summary {
	u := ExtractURL(body)
	if u == "" || a.Summarizer == nil {
		return nil
	}
	s := a.Summarizer.Summarize(ctx, u)
	if s == nil {
		return nil
	}
	s.Thumbnail = a.image(s.Thumbnail)
	return s
}

func (a *Aggregator) image(u string) string {
	if u == "" || a.ImageProxy == "" {
		return u
	}
	return a.ImageProxy + u
}

func (a *Aggregator) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now()
}
