package concrnt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrNotFound is returned when the requested record does not exist.
var ErrNotFound = errors.New("not found")

// A StatusError is returned when the server answers with an unexpected status.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
}

// Client talks to concrnt servers on behalf of a subkey.
type Client struct {
	key     *Subkey
	scheme  string
	http    *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.RWMutex
	domains map[string]string
}

// An Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client used for all requests.
func WithHTTPClient(cli *http.Client) Option {
	return func(c *Client) { c.http = cli }
}

// WithRateLimit throttles outgoing requests to rps requests per second.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithInsecure makes the client use plain http. Only useful in tests.
func WithInsecure() Option {
	return func(c *Client) { c.scheme = "http" }
}

// New returns a client for the given subkey.
func New(key *Subkey, opts ...Option) *Client {
	c := &Client{
		key:     key,
		scheme:  "https",
		http:    &http.Client{Timeout: 15 * time.Second},
		limiter: rate.NewLimiter(10, 10),
		logger:  slog.Default(),
		now:     time.Now,
		domains: map[string]string{key.CCID: key.Domain},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect parses the subkey, builds a client and checks that the home
// domain knows the subkey's entity. It returns only once the client is usable.
func Connect(ctx context.Context, subkey string, opts ...Option) (*Client, error) {
	key, err := ParseSubkey(subkey)
	if err != nil {
		return nil, err
	}
	c := New(key, opts...)
	if _, err := c.GetEntity(ctx, key.CCID); err != nil {
		return nil, fmt.Errorf("lookup own entity: %w", err)
	}
	return c, nil
}

// Host returns the home domain of the client's entity.
func (c *Client) Host() string {
	return c.key.Domain
}

// SplitFQID splits "id@host" into its parts. A missing host defaults to home.
// The host part may also be an entity id; see IsCCID.
func SplitFQID(fqid, home string) (id, host string) {
	id, host, ok := strings.Cut(fqid, "@")
	if !ok || host == "" {
		return id, home
	}
	return id, host
}

// IsCCID reports whether s is an entity id rather than a domain.
func IsCCID(s string) bool {
	return strings.HasPrefix(s, "con1") && !strings.ContainsAny(s, ".:")
}

// locate splits fqid and resolves an entity id suffix to the entity's domain.
func (c *Client) locate(ctx context.Context, fqid string) (id, host string, err error) {
	id, host = SplitFQID(fqid, c.Host())
	if !IsCCID(host) {
		return id, host, nil
	}
	domain, err := c.domainOf(ctx, host)
	if err != nil {
		return "", "", fmt.Errorf("resolve owner of %s: %w", fqid, err)
	}
	return id, domain, nil
}

// GetEntity looks up an entity on the home domain.
func (c *Client) GetEntity(ctx context.Context, ccid string) (Entity, error) {
	var ent Entity
	if err := c.do(ctx, http.MethodGet, c.Host(), "/api/v1/entity/"+url.PathEscape(ccid), nil, nil, &ent); err != nil {
		return Entity{}, fmt.Errorf("get entity %s: %w", ccid, err)
	}
	if ent.Domain != "" {
		c.mu.Lock()
		c.domains[ccid] = ent.Domain
		c.mu.Unlock()
	}
	return ent, nil
}

func (c *Client) domainOf(ctx context.Context, ccid string) (string, error) {
	c.mu.RLock()
	domain, ok := c.domains[ccid]
	c.mu.RUnlock()
	if ok {
		return domain, nil
	}
	ent, err := c.GetEntity(ctx, ccid)
	if err != nil {
		return "", err
	}
	if ent.Domain == "" {
		return c.Host(), nil
	}
	return ent.Domain, nil
}

// GetTimeline fetches a timeline by its FQID.
func (c *Client) GetTimeline(ctx context.Context, fqid string) (Timeline, error) {
	id, host, err := c.locate(ctx, fqid)
	if err != nil {
		return Timeline{}, err
	}
	var tl Timeline
	if err := c.do(ctx, http.MethodGet, host, "/api/v1/timeline/"+url.PathEscape(id), nil, nil, &tl); err != nil {
		return Timeline{}, fmt.Errorf("get timeline %s: %w", fqid, err)
	}
	if tl.ID == "" {
		return Timeline{}, fmt.Errorf("get timeline %s: %w", fqid, ErrNotFound)
	}
	tl.Host = host
	return tl, nil
}

// GetTimelineRecent lists the most recent items of the given timelines in
// the order the server returns them.
func (c *Client) GetTimelineRecent(ctx context.Context, fqids []string) ([]TimelineItem, error) {
	q := url.Values{"timelines": {strings.Join(fqids, ",")}}
	var items []TimelineItem
	err := c.do(ctx, http.MethodGet, c.Host(), "/api/v1/timelines/recent", q, nil, &items)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get recent items: %w", err)
	}
	return items, nil
}

// GetProfileBySemanticID fetches the profile owner keeps under semanticID.
func (c *Client) GetProfileBySemanticID(ctx context.Context, semanticID, owner string) (Profile, error) {
	domain, err := c.domainOf(ctx, owner)
	if err != nil {
		return Profile{}, err
	}
	var p Profile
	path := "/api/v1/profile/" + url.PathEscape(owner) + "/" + url.PathEscape(semanticID)
	if err := c.do(ctx, http.MethodGet, domain, path, nil, nil, &p); err != nil {
		return Profile{}, fmt.Errorf("get profile %s of %s: %w", semanticID, owner, err)
	}
	if p.ID == "" {
		return Profile{}, fmt.Errorf("get profile %s of %s: %w", semanticID, owner, ErrNotFound)
	}
	return p, nil
}

// GetProfile fetches a profile by id from the author's domain.
func (c *Client) GetProfile(ctx context.Context, id, author string) (Profile, error) {
	domain, err := c.domainOf(ctx, author)
	if err != nil {
		return Profile{}, err
	}
	var p Profile
	if err := c.do(ctx, http.MethodGet, domain, "/api/v1/profile/"+url.PathEscape(id), nil, nil, &p); err != nil {
		return Profile{}, fmt.Errorf("get profile %s: %w", id, err)
	}
	if p.ID == "" {
		return Profile{}, fmt.Errorf("get profile %s: %w", id, ErrNotFound)
	}
	return p, nil
}

// GetMessageWithAuthor fetches a message from its author's domain.
func (c *Client) GetMessageWithAuthor(ctx context.Context, id, author string) (Message, error) {
	domain, err := c.domainOf(ctx, author)
	if err != nil {
		return Message{}, err
	}
	var m Message
	if err := c.do(ctx, http.MethodGet, domain, "/api/v1/message/"+url.PathEscape(id), nil, nil, &m); err != nil {
		return Message{}, fmt.Errorf("get message %s: %w", id, err)
	}
	if m.ID == "" {
		return Message{}, fmt.Errorf("get message %s: %w", id, ErrNotFound)
	}
	return m, nil
}

// GetMessageAssociationCounts counts the associations of the given schema
// attached to a message, keyed by association variant.
func (c *Client) GetMessageAssociationCounts(ctx context.Context, id, owner, schema string) (map[string]int64, error) {
	domain, err := c.domainOf(ctx, owner)
	if err != nil {
		return nil, err
	}
	q := url.Values{"schema": {schema}}
	counts := map[string]int64{}
	err = c.do(ctx, http.MethodGet, domain, "/api/v1/message/"+url.PathEscape(id)+"/associationcounts", q, nil, &counts)
	if errors.Is(err, ErrNotFound) {
		return counts, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get association counts %s: %w", id, err)
	}
	return counts, nil
}

// CreateMarkdownMessage posts a markdown message into the given timelines.
func (c *Client) CreateMarkdownMessage(ctx context.Context, body string, timelines []string, override *ProfileOverride) error {
	return c.commitMessage(ctx, SchemaMarkdownMessage, MarkdownMessage{
		Body:            body,
		ProfileOverride: override,
	}, timelines)
}

// CreateMediaMessage posts a media message into the given timelines.
func (c *Client) CreateMediaMessage(ctx context.Context, body string, medias []Media, timelines []string, override *ProfileOverride) error {
	return c.commitMessage(ctx, SchemaMediaMessage, MediaMessage{
		Body:            body,
		Medias:          medias,
		ProfileOverride: override,
	}, timelines)
}

func (c *Client) commitMessage(ctx context.Context, schema string, body any, timelines []string) error {
	doc := Document[any]{
		Signer:    c.key.CCID,
		Type:      "message",
		Schema:    schema,
		Body:      body,
		Timelines: timelines,
		KeyID:     c.key.CKID,
		SignedAt:  c.now().UTC(),
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}
	req := commitRequest{
		Document:  string(raw),
		Signature: c.key.Sign(raw),
	}
	if err := c.do(ctx, http.MethodPost, c.Host(), "/api/v1/commit", nil, req, nil); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, host, path string, query url.Values, in, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("wait for rate limit: %w", err)
		}
	}

	u := url.URL{Scheme: c.scheme, Host: host, Path: path}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var body io.Reader = http.NoBody
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	token, err := c.key.Token(host, c.now())
	if err != nil {
		return fmt.Errorf("sign token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, u.Path, err)
	}
	defer resp.Body.Close()

	c.logger.Debug("Upstream request", "method", method, "host", host, "path", path, "status", resp.StatusCode)

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Code: resp.StatusCode, Body: string(b)}
	}
	if out == nil {
		return nil
	}

	res := response[json.RawMessage]{}
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if res.Status == "error" {
		return fmt.Errorf("server error: %s", res.Error)
	}
	if len(res.Content) == 0 || string(res.Content) == "null" {
		return ErrNotFound
	}
	if err := json.Unmarshal(res.Content, out); err != nil {
		return fmt.Errorf("decode content: %w", err)
	}
	return nil
}
