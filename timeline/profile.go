package timeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/concrnt/resonite-gateway/concrnt"
)

// DefaultName is shown when no profile source provides a username.
const DefaultName = "Anonymous"

// FirstNonEmpty returns the first non-empty candidate, or "".
func FirstNonEmpty(candidates ...string) string {
	for _, c := range candidates {
		if c != "" {
			return c
		}
	}
	return ""
}

// identity resolves the display name and avatar of a message. Precedence,
// highest first: the profile referenced by the override's profileID, the
// override's own fields, the author's main profile, the defaults.
func (a *Aggregator) identity(ctx context.Context, c Content) (name, avatar string, err error) {
	canonical, err := a.profileBySemanticID(ctx, c.Author)
	if err != nil {
		return "", "", err
	}

	var override concrnt.ProfileOverride
	if c.Override != nil {
		override = *c.Override
	}

	var referenced concrnt.ProfileBody
	if override.ProfileID != "" {
		referenced, err = a.profile(ctx, override.ProfileID, c.Author)
		if err != nil {
			return "", "", err
		}
	}

	name = FirstNonEmpty(referenced.Username, override.Username, canonical.Username, DefaultName)
	avatar = FirstNonEmpty(referenced.Avatar, override.Avatar, canonical.Avatar)
	return name, avatar, nil
}

// profileBySemanticID returns the author's main profile. A missing profile
// is not an error and yields an empty body.
func (a *Aggregator) profileBySemanticID(ctx context.Context, author string) (concrnt.ProfileBody, error) {
	p, err := a.Upstream.GetProfileBySemanticID(ctx, concrnt.SemanticProfile, author)
	if errors.Is(err, concrnt.ErrNotFound) {
		return concrnt.ProfileBody{}, nil
	}
	if err != nil {
		return concrnt.ProfileBody{}, fmt.Errorf("author profile: %w", err)
	}
	return decodeProfile(p)
}

func (a *Aggregator) profile(ctx context.Context, id, author string) (concrnt.ProfileBody, error) {
	p, err := a.Upstream.GetProfile(ctx, id, author)
	if errors.Is(err, concrnt.ErrNotFound) {
		return concrnt.ProfileBody{}, nil
	}
	if err != nil {
		return concrnt.ProfileBody{}, fmt.Errorf("override profile: %w", err)
	}
	return decodeProfile(p)
}

func decodeProfile(p concrnt.Profile) (concrnt.ProfileBody, error) {
	doc, err := concrnt.DecodeDocument[concrnt.ProfileBody](p.Document)
	if err != nil {
		return concrnt.ProfileBody{}, fmt.Errorf("profile %s: %w", p.ID, err)
	}
	return doc.Body, nil
}
