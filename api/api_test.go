package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/concrnt/resonite-gateway/api/validator"
	"github.com/concrnt/resonite-gateway/concrnt"
	"github.com/concrnt/resonite-gateway/timeline"
	"github.com/google/go-cmp/cmp"
	"github.com/neilotoole/slogt"
)

const testHome = "home.world"

func TestAPI_getTimeline(t *testing.T) {
	tests := []struct {
		name       string
		timelines  *testtimelines
		query      string
		wantStatus int
		wantBody   string
	}{
		{
			name: "NotFound",
			timelines: &testtimelines{
				timeline: func(t *testing.T, fqid string) (timeline.Response, error) {
					return timeline.Response{}, timeline.ErrNotFound
				},
			},
			wantStatus: 404,
			wantBody:   TimelineNotFoundMessage,
		},
		{
			name: "UpstreamError",
			timelines: &testtimelines{
				timeline: func(t *testing.T, fqid string) (timeline.Response, error) {
					return timeline.Response{}, errors.New("something went wrong")
				},
			},
			wantStatus: 502,
			wantBody:   "Could not load timeline",
		},
		{
			name: "Emap",
			timelines: &testtimelines{
				timeline: func(t *testing.T, fqid string) (timeline.Response, error) {
					if fqid != "tl@home.world" {
						t.Errorf("Got fqid %q, want tl@home.world", fqid)
					}
					return timeline.Response{
						Name: "General",
						Entries: []timeline.Entry{
							{Name: "Alice", Message: "hi", Medias: []timeline.Media{}, Timestamp: "たった今", Reactions: []timeline.Reaction{}},
						},
					}, nil
				},
			},
			wantStatus: 200,
			wantBody: "l$#8$#" +
				"k0$#name$#v0$#General$#t0$#string$#" +
				"k1$#entries.length$#v1$#1$#t1$#number$#" +
				"k2$#entries[0].name$#v2$#Alice$#t2$#string$#" +
				"k3$#entries[0].avatar$#v3$#$#t3$#string$#" +
				"k4$#entries[0].message$#v4$#hi$#t4$#string$#" +
				"k5$#entries[0].medias.length$#v5$#0$#t5$#number$#" +
				"k6$#entries[0].timestamp$#v6$#たった今$#t6$#string$#" +
				"k7$#entries[0].reactions.length$#v7$#0$#t7$#number$#",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.timelines.T = t
			api := &API{
				Timelines: tt.timelines,
				Logger:    slogt.New(t),
			}

			srv := httptest.NewServer(api)
			defer srv.Close()

			req, _ := http.NewRequest("GET", srv.URL+"/timeline/tl@home.world"+tt.query, nil)
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatal(err)
			}
			checkStatus(t, resp.StatusCode, tt.wantStatus)
			checkText(t, resp, tt.wantBody)
		})
	}
}

func TestAPI_getTimeline_JSON(t *testing.T) {
	api := &API{
		Logger: slogt.New(t),
		Timelines: &testtimelines{
			T: t,
			timeline: func(t *testing.T, fqid string) (timeline.Response, error) {
				return timeline.Response{
					Name: "General",
					Entries: []timeline.Entry{
						{
							Name:      "Alice",
							Avatar:    "https://proxy/a.png",
							Message:   "see https://news.example",
							Medias:    []timeline.Media{{Type: "image", URL: "https://proxy/1.png"}},
							Timestamp: "5分前",
							Reactions: []timeline.Reaction{{URL: "https://proxy/r.png", Count: 3}},
							URL:       &timeline.Summary{URL: "https://news.example", Title: "News"},
						},
					},
				}, nil
			},
		},
	}

	srv := httptest.NewServer(api)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/timeline/tl?format=json")
	if err != nil {
		t.Fatal(err)
	}
	checkStatus(t, resp.StatusCode, 200)
	checkBody(t, resp, `{
		"name": "General",
		"entries": [
			{
				"name": "Alice",
				"avatar": "https://proxy/a.png",
				"message": "see https://news.example",
				"medias": [{"type": "image", "url": "https://proxy/1.png"}],
				"timestamp": "5分前",
				"reactions": [{"url": "https://proxy/r.png", "count": 3}],
				"url": {"url": "https://news.example", "title": "News"}
			}
		]
	}`)
}

func TestAPI_postTimeline(t *testing.T) {
	tests := []struct {
		name        string
		upstream    *testupstream
		posts       *testposts
		req         string
		wantStatus  int
		wantBody    string
		wantSubmit  int
		containsLog string
	}{
		{
			name: "NotFound",
			upstream: &testupstream{
				getTimeline: func(t *testing.T, fqid string) (concrnt.Timeline, error) {
					return concrnt.Timeline{}, concrnt.ErrNotFound
				},
			},
			req:         `{"username":"alice","iconResdb":"resdb:///abc.webp","message":"hi"}`,
			wantStatus:  404,
			wantBody:    TimelineNotFoundMessage,
			containsLog: `level=INFO msg="Request rejected" status=404`,
		},
		{
			name: "CrossOrigin",
			upstream: &testupstream{
				getTimeline: func(t *testing.T, fqid string) (concrnt.Timeline, error) {
					return concrnt.Timeline{ID: "tl", Host: "other.world"}, nil
				},
			},
			req:         `{"username":"alice","iconResdb":"resdb:///abc.webp","message":"hi"}`,
			wantStatus:  403,
			wantBody:    CrossOriginMessage,
			containsLog: "Rejected cross-origin post",
		},
		{
			name:       "InvalidJSON",
			upstream:   &testupstream{},
			req:        `not json`,
			wantStatus: 400,
			wantBody:   "Could not decode request body",
		},
		{
			name:       "EmptyMessageEmptyMedias",
			upstream:   &testupstream{},
			req:        `{"username":"alice","iconResdb":"resdb:///abc.webp","message":"","medias":[]}`,
			wantStatus: 400,
			wantBody:   `{"errors":[{"field":"message","message":"message is required when medias is empty"}]}` + "\n",
		},
		{
			name:       "MalformedAsset",
			upstream:   &testupstream{},
			req:        `{"username":"alice","iconResdb":"abc.webp","message":"hi"}`,
			wantStatus: 400,
			wantBody:   InvalidIconMessage,
		},
		{
			name: "Markdown",
			upstream: &testupstream{
				createMarkdown: func(t *testing.T, body string, timelines []string, override *concrnt.ProfileOverride) error {
					if body != "hello" {
						t.Errorf("Got body %q, want hello", body)
					}
					if diff := cmp.Diff([]string{"tl@home.world"}, timelines); diff != "" {
						t.Errorf("Timelines mismatch (-want +got):\n%s", diff)
					}
					want := &concrnt.ProfileOverride{Username: "alice", Avatar: "https://assets.example/abc"}
					if diff := cmp.Diff(want, override); diff != "" {
						t.Errorf("Override mismatch (-want +got):\n%s", diff)
					}
					return nil
				},
			},
			posts: &testposts{
				insertPost: func(t *testing.T, p Post) (Post, error) {
					if p.TimelineID != "tl@home.world" || p.Username != "alice" || p.MediaCount != 0 {
						t.Errorf("Got post %+v", p)
					}
					return p, nil
				},
			},
			req:        `{"username":"alice","iconResdb":"resdb:///abc.webp","message":"hello"}`,
			wantStatus: 200,
			wantBody:   "ok",
			wantSubmit: 1,
		},
		{
			name: "Media",
			upstream: &testupstream{
				createMedia: func(t *testing.T, body string, medias []concrnt.Media, timelines []string, override *concrnt.ProfileOverride) error {
					want := []concrnt.Media{
						{MediaURL: "https://img.example/1.png", MediaType: "image"},
						{MediaURL: "https://img.example/2.png", MediaType: "image"},
					}
					if diff := cmp.Diff(want, medias); diff != "" {
						t.Errorf("Medias mismatch (-want +got):\n%s", diff)
					}
					if override.Username != "bob" {
						t.Errorf("Got username %q, want bob", override.Username)
					}
					return nil
				},
			},
			req:        `{"username":"bob","iconResdb":"resdb:///xyz.png","message":"","medias":["https://img.example/1.png","https://img.example/2.png"]}`,
			wantStatus: 200,
			wantBody:   "ok",
			wantSubmit: 1,
		},
		{
			name: "SubmitError",
			upstream: &testupstream{
				createMarkdown: func(t *testing.T, body string, timelines []string, override *concrnt.ProfileOverride) error {
					return errors.New("something went wrong")
				},
			},
			req:         `{"username":"alice","iconResdb":"resdb:///abc.webp","message":"hello"}`,
			wantStatus:  500,
			wantBody:    "Could not submit post",
			wantSubmit:  1,
			containsLog: `level=ERROR msg=Error status=500`,
		},
		{
			name: "PostLogError",
			upstream: &testupstream{
				createMarkdown: func(t *testing.T, body string, timelines []string, override *concrnt.ProfileOverride) error {
					return nil
				},
			},
			posts: &testposts{
				insertPost: func(t *testing.T, p Post) (Post, error) {
					return Post{}, errors.New("something went wrong")
				},
			},
			req:         `{"username":"alice","iconResdb":"resdb:///abc.webp","message":"hello"}`,
			wantStatus:  200,
			wantBody:    "ok",
			wantSubmit:  1,
			containsLog: "Could not log post",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := &bytes.Buffer{}
			tt.upstream.T = t
			api := &API{
				Upstream:  tt.upstream,
				Logger:    slog.New(slog.NewTextHandler(buf, nil)),
				Val:       validator.New(),
				AssetHost: "https://assets.example/",
			}
			if tt.posts != nil {
				tt.posts.T = t
				api.Posts = tt.posts
			}

			srv := httptest.NewServer(api)
			defer srv.Close()

			req, _ := http.NewRequest("POST", srv.URL+"/timeline/tl@home.world", strings.NewReader(tt.req))
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatal(err)
			}
			checkStatus(t, resp.StatusCode, tt.wantStatus)
			checkText(t, resp, tt.wantBody)
			checkLog(t, buf, tt.containsLog)
			if tt.upstream.submits != tt.wantSubmit {
				t.Errorf("Got %d submissions, want %d", tt.upstream.submits, tt.wantSubmit)
			}
		})
	}
}

func TestAPI_postTimeline_Validation(t *testing.T) {
	api := &API{
		Upstream: &testupstream{T: t},
		Logger:   slogt.New(t),
		Val:      validator.New(),
	}
	srv := httptest.NewServer(api)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/timeline/tl", "application/json", strings.NewReader(`{"message":"hi"}`))
	if err != nil {
		t.Fatal(err)
	}
	checkStatus(t, resp.StatusCode, 400)
	checkBody(t, resp, `{
		"errors": [
			{"field": "username", "message": "username is required"},
			{"field": "iconResdb", "message": "iconResdb is required"}
		]
	}`)
}

func TestAPI_postTimeline_RateLimit(t *testing.T) {
	tests := []struct {
		name  string
		limit int
		posts int
	}{
		{name: "Default", limit: 2, posts: 3},
		{name: "Five", limit: 5, posts: 6},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			up := &testupstream{
				createMarkdown: func(t *testing.T, body string, timelines []string, override *concrnt.ProfileOverride) error {
					return nil
				},
			}
			up.T = t
			api := &API{
				Upstream: up,
				Limiter:  NewMemoryLimiter(tt.limit, 5*time.Minute),
				Logger:   slogt.New(t),
				Val:      validator.New(),
			}
			srv := httptest.NewServer(api)
			defer srv.Close()

			post := func(forwardedFor string) *http.Response {
				req, _ := http.NewRequest("POST", srv.URL+"/timeline/tl", strings.NewReader(`{"username":"a","iconResdb":"resdb:///i.webp","message":"m"}`))
				req.Header.Set("X-Forwarded-For", forwardedFor)
				resp, err := http.DefaultClient.Do(req)
				if err != nil {
					t.Fatal(err)
				}
				return resp
			}

			for i := 1; i < tt.posts; i++ {
				resp := post("203.0.113.7")
				checkStatus(t, resp.StatusCode, 200)
				checkText(t, resp, "ok")
			}

			resp := post("203.0.113.7")
			checkStatus(t, resp.StatusCode, 429)
			checkText(t, resp, RateLimitMessage)

			resp = post("198.51.100.1")
			checkStatus(t, resp.StatusCode, 200)
			resp.Body.Close()

			if want := tt.limit + 1; up.submits != want {
				t.Errorf("Got %d submissions, want %d", up.submits, want)
			}
		})
	}
}

func TestAPI_clientIP(t *testing.T) {
	trusted, invalid := ParseTrustedProxies([]string{"10.0.0.1", "192.168.0.0/16", "loopback"})
	if diff := cmp.Diff([]string{"loopback"}, invalid); diff != "" {
		t.Errorf("Invalid mismatch (-want +got):\n%s", diff)
	}
	api := &API{TrustedProxies: trusted}

	tests := []struct {
		name    string
		remote  string
		xff     string
		wantIP  string
		wantKey string
	}{
		{name: "Direct", remote: "203.0.113.1:5000", wantIP: "203.0.113.1", wantKey: "203.0.113.1"},
		{name: "UntrustedProxy", remote: "203.0.113.1:5000", xff: "198.51.100.9", wantIP: "203.0.113.1", wantKey: "198.51.100.9"},
		{name: "TrustedProxy", remote: "10.0.0.1:5000", xff: "198.51.100.9", wantIP: "198.51.100.9", wantKey: "198.51.100.9"},
		{name: "ProxyChain", remote: "10.0.0.1:5000", xff: "1.1.1.1, 198.51.100.9, 192.168.1.5", wantIP: "198.51.100.9", wantKey: "1.1.1.1, 198.51.100.9, 192.168.1.5"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/test", nil)
			r.RemoteAddr = tt.remote
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			if got := api.clientIP(r); got != tt.wantIP {
				t.Errorf("Got IP %q, want %q", got, tt.wantIP)
			}
			if got := api.clientKey(r); got != tt.wantKey {
				t.Errorf("Got key %q, want %q", got, tt.wantKey)
			}
		})
	}
}

func TestAPI_test(t *testing.T) {
	buf := &bytes.Buffer{}
	api := &API{Logger: slog.New(slog.NewTextHandler(buf, nil))}
	srv := httptest.NewServer(api)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/test")
	if err != nil {
		t.Fatal(err)
	}
	checkStatus(t, resp.StatusCode, 200)
	checkText(t, resp, "ok")
	checkLog(t, buf, "Test request")
}

func TestAssetID(t *testing.T) {
	tests := []struct {
		ref     string
		want    string
		wantErr bool
	}{
		{ref: "resdb:///0123abcd.webp", want: "0123abcd"},
		{ref: "resdb:///0123abcd", want: "0123abcd"},
		{ref: "resdb:///a.b.c", want: "a"},
		{ref: "resdb:///", wantErr: true},
		{ref: "0123abcd.webp", wantErr: true},
		{ref: "", wantErr: true},
	}
	for _, tt := range tests {
		got, err := AssetID(tt.ref)
		if tt.wantErr {
			if !errors.Is(err, ErrInvalidAsset) {
				t.Errorf("AssetID(%q): got error %v, want ErrInvalidAsset", tt.ref, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("AssetID(%q) = %q, %v; want %q", tt.ref, got, err, tt.want)
		}
	}
}

func TestMemoryLimiter(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewMemoryLimiter(2, 5*time.Minute)
	l.now = func() time.Time { return now }
	ctx := context.Background()

	allow := func(key string) bool {
		ok, err := l.Allow(ctx, key)
		if err != nil {
			t.Fatal(err)
		}
		return ok
	}

	if !allow("a") || !allow("a") {
		t.Fatal("First two hits rejected")
	}
	if allow("a") {
		t.Error("Third hit allowed")
	}
	now = now.Add(5*time.Minute + time.Second)
	if !allow("a") {
		t.Error("Hit after window rejected")
	}
	if !allow("b") {
		t.Error("Other key rejected")
	}
}

type testtimelines struct {
	T        *testing.T
	timeline func(t *testing.T, fqid string) (timeline.Response, error)
}

func (tl *testtimelines) Timeline(_ context.Context, fqid string) (timeline.Response, error) {
	return tl.timeline(tl.T, fqid)
}

type testupstream struct {
	T              *testing.T
	getTimeline    func(t *testing.T, fqid string) (concrnt.Timeline, error)
	createMarkdown func(t *testing.T, body string, timelines []string, override *concrnt.ProfileOverride) error
	createMedia    func(t *testing.T, body string, medias []concrnt.Media, timelines []string, override *concrnt.ProfileOverride) error
	submits        int
}

func (u *testupstream) Host() string {
	return testHome
}

func (u *testupstream) GetTimeline(_ context.Context, fqid string) (concrnt.Timeline, error) {
	if u.getTimeline == nil {
		return concrnt.Timeline{ID: "tl", Host: testHome}, nil
	}
	return u.getTimeline(u.T, fqid)
}

func (u *testupstream) CreateMarkdownMessage(_ context.Context, body string, timelines []string, override *concrnt.ProfileOverride) error {
	u.submits++
	if u.createMarkdown == nil {
		u.T.Error("Unexpected markdown submission")
		return nil
	}
	return u.createMarkdown(u.T, body, timelines, override)
}

func (u *testupstream) CreateMediaMessage(_ context.Context, body string, medias []concrnt.Media, timelines []string, override *concrnt.ProfileOverride) error {
	u.submits++
	if u.createMedia == nil {
		u.T.Error("Unexpected media submission")
		return nil
	}
	return u.createMedia(u.T, body, medias, timelines, override)
}

type testposts struct {
	T          *testing.T
	insertPost func(t *testing.T, p Post) (Post, error)
}

func (p *testposts) InsertPost(_ context.Context, post Post) (Post, error) {
	return p.insertPost(p.T, post)
}

func checkStatus(t *testing.T, got, want int) {
	t.Helper()
	if got != want {
		t.Errorf("Got HTTP status %d, want %d", got, want)
	}
}

func checkText(t *testing.T, resp *http.Response, want string) {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Could not read body: %v", err)
	}
	if got := string(b); got != want {
		t.Errorf("Body does not match\nGot\n  %s\n\nWant\n  %s", got, want)
	}
}

func checkBody(t *testing.T, resp *http.Response, want string) {
	t.Helper()
	defer resp.Body.Close()
	gotBody := normalizeJSON(t, resp.Body)
	wantBody := normalizeJSON(t, bytes.NewReader([]byte(want)))
	if gotBody != wantBody {
		t.Errorf("Body does not match\nGot\n  %s\n\nWant\n  %s", gotBody, wantBody)
	}
}

func checkLog(t *testing.T, buffer *bytes.Buffer, want string) {
	t.Helper()

	if s := buffer.String(); want != "" && !strings.Contains(s, want) {
		t.Errorf("Log does not contain  %s\n", want)
	}
}

// normalizeJSON re-encodes a JSON document so that formatting differences
// do not matter when comparing.
func normalizeJSON(t *testing.T, r io.Reader) string {
	t.Helper()
	var v any
	if err := json.NewDecoder(r).Decode(&v); err != nil {
		t.Fatalf("Could not decode JSON: %v", err)
	}
	b, err := json.MarshalIndent(v, "  ", "  ")
	if err != nil {
		t.Fatalf("Could not encode JSON: %v", err)
	}
	return string(b)
}
