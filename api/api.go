package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/netip"
	"sync"
	"time"

	"github.com/concrnt/resonite-gateway/api/validator"
	"github.com/concrnt/resonite-gateway/concrnt"
	"github.com/concrnt/resonite-gateway/emap"
	"github.com/concrnt/resonite-gateway/timeline"
)

// User-facing texts returned by the post endpoint.
const (
	RateLimitMessage        = "5分間に2回しか投稿できません。少し待ってから再度お試しください。"
	TimelineNotFoundMessage = "指定のタイムラインが見つかりませんでした。"
	CrossOriginMessage      = "このタイムラインへの投稿はこのサーバーからは許可されていません。"
	InvalidIconMessage      = "アイコンの指定が正しくありません。"
)

// A Timelines renders timelines for display.
type Timelines interface {
	Timeline(ctx context.Context, fqid string) (timeline.Response, error)
}

// An Upstream resolves timelines and submits messages to them.
type Upstream interface {
	Host() string
	GetTimeline(ctx context.Context, fqid string) (concrnt.Timeline, error)
	CreateMarkdownMessage(ctx context.Context, body string, timelines []string, override *concrnt.ProfileOverride) error
	CreateMediaMessage(ctx context.Context, body string, medias []concrnt.Media, timelines []string, override *concrnt.ProfileOverride) error
}

// A Limiter counts hits per client and reports whether one more is allowed.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// A PostLog records accepted posts.
type PostLog interface {
	InsertPost(ctx context.Context, post Post) (Post, error)
}

// API provides the HTTP endpoints for the application.
type API struct {
	Logger    *slog.Logger
	Timelines Timelines
	Upstream  Upstream
	Limiter   Limiter
	Posts     PostLog
	Val       *validator.Validator

	// AssetHost is prepended to asset ids to build avatar URLs.
	AssetHost      string
	TrustedProxies []netip.Prefix

	once sync.Once
	mux  *http.ServeMux
}

func (a *API) setupRoutes() {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /timeline/{timelineFQID}", a.getTimeline)
	mux.HandleFunc("POST /timeline/{timelineFQID}", a.limit(a.postTimeline))
	mux.HandleFunc("GET /test", a.test)

	a.mux = mux
}

func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.once.Do(a.setupRoutes)
	a.Logger.Info("Request received", "method", r.Method, "path", r.URL.Path)
	a.mux.ServeHTTP(w, r)
}

func (a *API) respond(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		a.Logger.Error("Could not encode JSON body", "error", err.Error())
	}
}

func (a *API) respondText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	if _, err := w.Write([]byte(body)); err != nil {
		a.Logger.Error("Could not write body", "error", err.Error())
	}
}

// respondError logs err and replies with msg. Client errors are expected
// outcomes and logged at info level.
func (a *API) respondError(w http.ResponseWriter, status int, err error, msg string) {
	if status < http.StatusInternalServerError {
		a.Logger.Info("Request rejected", "status", status, "error", err.Error())
	} else {
		a.Logger.Error("Error", "status", status, "error", err.Error())
	}
	a.respondText(w, status, msg)
}

type validationResponse struct {
	Errors []validator.ValidationError `json:"errors"`
}

func (a *API) validateBody(w http.ResponseWriter, s interface{}) bool {
	errs := a.Val.ValidateStruct(s)
	if len(errs) > 0 {
		a.respond(w, http.StatusBadRequest, &validationResponse{
			Errors: errs,
		})
		return false
	}
	return true
}

// limit rejects requests from clients that used up their post budget.
// Limiter failures let the request through.
func (a *API) limit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if a.Limiter == nil {
			next(w, r)
			return
		}
		key := a.clientKey(r)
		ok, err := a.Limiter.Allow(r.Context(), key)
		if err != nil {
			a.Logger.Error("Could not check rate limit", "client", key, "error", err.Error())
			next(w, r)
			return
		}
		if !ok {
			a.Logger.Info("Rate limit exceeded", "client", key)
			a.respondText(w, http.StatusTooManyRequests, RateLimitMessage)
			return
		}
		next(w, r)
	}
}

func (a *API) getTimeline(w http.ResponseWriter, r *http.Request) {
	if a.Timelines == nil {
		a.respondText(w, http.StatusServiceUnavailable, "Service is starting")
		return
	}

	fqid := r.PathValue("timelineFQID")
	res, err := a.Timelines.Timeline(r.Context(), fqid)
	if errors.Is(err, timeline.ErrNotFound) {
		a.respondError(w, http.StatusNotFound, err, TimelineNotFoundMessage)
		return
	}
	if err != nil {
		a.respondError(w, http.StatusBadGateway, err, "Could not load timeline")
		return
	}

	if r.URL.Query().Get("format") == "json" {
		a.respond(w, http.StatusOK, res)
		return
	}

	body, err := emap.Marshal(res)
	if err != nil {
		a.respondError(w, http.StatusInternalServerError, err, "Could not encode timeline")
		return
	}
	a.respondText(w, http.StatusOK, body)
}

func (a *API) postTimeline(w http.ResponseWriter, r *http.Request) {
	type request struct {
		Username  string   `json:"username" validate:"required"`
		IconResdb string   `json:"iconResdb" validate:"required"`
		Message   string   `json:"message" validate:"required_without=Medias"`
		Medias    []string `json:"medias" validate:"omitempty,dive,http_url"`
	}

	if a.Upstream == nil {
		a.respondText(w, http.StatusServiceUnavailable, "Service is starting")
		return
	}

	fqid := r.PathValue("timelineFQID")
	tl, err := a.Upstream.GetTimeline(r.Context(), fqid)
	if errors.Is(err, concrnt.ErrNotFound) {
		a.respondError(w, http.StatusNotFound, err, TimelineNotFoundMessage)
		return
	}
	if err != nil {
		a.respondError(w, http.StatusBadGateway, err, "Could not load timeline")
		return
	}
	if tl.Host != a.Upstream.Host() {
		a.Logger.Info("Rejected cross-origin post", "timeline", fqid, "host", tl.Host)
		a.respondText(w, http.StatusForbidden, CrossOriginMessage)
		return
	}

	var body request
	err = json.NewDecoder(r.Body).Decode(&body)
	if err != nil {
		a.respondError(w, http.StatusBadRequest, err, "Could not decode request body")
		return
	}

	if valid := a.validateBody(w, &body); !valid {
		return
	}
	// An empty medias array passes required_without.
	if body.Message == "" && len(body.Medias) == 0 {
		a.respond(w, http.StatusBadRequest, &validationResponse{
			Errors: []validator.ValidationError{{Field: "message", Message: "message is required when medias is empty"}},
		})
		return
	}

	err = r.Body.Close()
	if err != nil {
		a.respondError(w, http.StatusInternalServerError, err, "Could not close request body")
		return
	}

	assetID, err := AssetID(body.IconResdb)
	if err != nil {
		a.respondError(w, http.StatusBadRequest, err, InvalidIconMessage)
		return
	}
	override := &concrnt.ProfileOverride{
		Username: body.Username,
		Avatar:   a.AssetHost + assetID,
	}

	timelines := []string{fqid}
	if len(body.Medias) > 0 {
		medias := make([]concrnt.Media, len(body.Medias))
		for i, m := range body.Medias {
			medias[i] = concrnt.Media{MediaURL: m, MediaType: "image"}
		}
		err = a.Upstream.CreateMediaMessage(r.Context(), body.Message, medias, timelines, override)
	} else {
		err = a.Upstream.CreateMarkdownMessage(r.Context(), body.Message, timelines, override)
	}
	if err != nil {
		a.respondError(w, http.StatusInternalServerError, err, "Could not submit post")
		return
	}

	if a.Posts != nil {
		_, err := a.Posts.InsertPost(r.Context(), Post{
			TimelineID: fqid,
			Username:   override.Username,
			Avatar:     override.Avatar,
			Message:    body.Message,
			MediaCount: len(body.Medias),
			ClientKey:  a.clientKey(r),
			CreatedAt:  time.Now(),
		})
		if err != nil {
			a.Logger.Error("Could not log post", "timeline", fqid, "error", err.Error())
		}
	}

	a.respondText(w, http.StatusOK, "ok")
}

func (a *API) test(w http.ResponseWriter, r *http.Request) {
	a.Logger.Info("Test request", "client", a.clientIP(r), "key", a.clientKey(r), "headers", r.Header)
	a.respondText(w, http.StatusOK, "ok")
}
