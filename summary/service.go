// Package summary resolves link previews for URLs found in messages.
package summary

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/concrnt/resonite-gateway/timeline"
)

const defaultTimeout = 10 * time.Second

// Service queries a summary microservice of the form GET {Endpoint}?url=...
type Service struct {
	Endpoint string
	Client   *http.Client
	Logger   *slog.Logger
}

type serviceResponse struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Icon        string `json:"icon"`
	Thumbnail   string `json:"thumbnail"`
}

// Summarize returns the preview of target, or nil if it cannot be resolved.
// Failures are logged and never returned.
func (s *Service) Summarize(ctx context.Context, target string) *timeline.Summary {
	if target == "" {
		return nil
	}
	res, err := s.fetch(ctx, target)
	if err != nil {
		s.Logger.Warn("Could not resolve link summary", "url", target, "error", err.Error())
		return nil
	}
	thumbnail := res.Thumbnail
	if thumbnail == "" {
		thumbnail = res.Icon
	}
	return &timeline.Summary{
		URL:         target,
		Thumbnail:   thumbnail,
		Title:       res.Title,
		Description: res.Description,
	}
}

func (s *Service) fetch(ctx context.Context, target string) (serviceResponse, error) {
	u, err := url.Parse(s.Endpoint)
	if err != nil {
		return serviceResponse{}, fmt.Errorf("parse endpoint: %w", err)
	}
	q := u.Query()
	q.Set("url", target)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), http.NoBody)
	if err != nil {
		return serviceResponse{}, fmt.Errorf("new request: %w", err)
	}
	resp, err := s.client().Do(req)
	if err != nil {
		return serviceResponse{}, fmt.Errorf("get summary: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return serviceResponse{}, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	var res serviceResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return serviceResponse{}, fmt.Errorf("decode summary: %w", err)
	}
	return res, nil
}

func (s *Service) client() *http.Client {
	if s.Client != nil {
		return s.Client
	}
	return &http.Client{Timeout: defaultTimeout}
}
