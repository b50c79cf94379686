// Package media turns user supplied video references into playable video ids
// and looks up their metadata.
package media

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"sync"

	"github.com/sosodev/duration"
	"google.golang.org/api/option"
	"google.golang.org/api/youtube/v3"

	"watchparty/internal/playback"
)

// ErrInvalidReference marks a reference that will never play.
var ErrInvalidReference = playback.ErrInvalidReference

var (
	idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{11}$`)

	snippet        = "snippet"
	contentDetails = "contentDetails"
)

// Video is the metadata of a playable video.
type Video struct {
	ID       string  `json:"id"`
	Title    string  `json:"title,omitempty"`
	Duration float64 `json:"duration,omitempty"`
}

// ParseRef extracts the video id from a bare id or a watch, short, embed or
// shorts URL.
func ParseRef(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if idPattern.MatchString(raw) {
		return raw, nil
	}

	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidReference, raw)
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	host = strings.TrimPrefix(host, "m.")

	var id string
	switch host {
	case "youtu.be":
		id = strings.Trim(u.Path, "/")
	case "youtube.com", "music.youtube.com", "youtube-nocookie.com":
		parts := strings.Split(strings.Trim(u.Path, "/"), "/")
		switch {
		case len(parts) == 1 && parts[0] == "watch":
			id = u.Query().Get("v")
		case len(parts) == 2 && (parts[0] == "embed" || parts[0] == "shorts" || parts[0] == "live" || parts[0] == "v"):
			id = parts[1]
		}
	}
	if !idPattern.MatchString(id) {
		return "", fmt.Errorf("%w: %q", ErrInvalidReference, raw)
	}
	return id, nil
}

// Resolver validates references and caches video metadata. Without an API
// key only the reference syntax is checked.
type Resolver struct {
	youtube *youtube.Service

	mu    sync.Mutex
	cache map[string]Video
}

// NewResolver builds a resolver backed by the YouTube Data API. An empty key
// gives a syntax-only resolver.
func NewResolver(ctx context.Context, apiKey string) (*Resolver, error) {
	if apiKey == "" {
		return NewResolverWithService(nil), nil
	}
	service, err := youtube.NewService(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("youtube service: %w", err)
	}
	return NewResolverWithService(service), nil
}

// NewResolverWithService wraps an existing client; nil disables lookups.
func NewResolverWithService(service *youtube.Service) *Resolver {
	return &Resolver{youtube: service, cache: make(map[string]Video)}
}

// Resolve parses ref and, when an API client is configured, confirms that the
// video exists. Unknown videos yield ErrInvalidReference.
func (r *Resolver) Resolve(ctx context.Context, ref string) (Video, error) {
	id, err := ParseRef(ref)
	if err != nil {
		return Video{}, err
	}
	if r.youtube == nil {
		return Video{ID: id}, nil
	}

	r.mu.Lock()
	v, ok := r.cache[id]
	r.mu.Unlock()
	if ok {
		return v, nil
	}

	resp, err := r.youtube.Videos.List([]string{snippet, contentDetails}).Id(id).Context(ctx).Do()
	if err != nil {
		return Video{}, fmt.Errorf("lookup video %s: %w", id, err)
	}
	if len(resp.Items) == 0 {
		return Video{}, fmt.Errorf("%w: video %s does not exist", ErrInvalidReference, id)
	}

	item := resp.Items[0]
	v = Video{ID: id}
	if item.Snippet != nil {
		v.Title = item.Snippet.Title
	}
	if item.ContentDetails != nil && item.ContentDetails.Duration != "" {
		d, err := duration.Parse(item.ContentDetails.Duration)
		if err != nil {
			return Video{}, fmt.Errorf("parse duration of %s: %w", id, err)
		}
		v.Duration = d.ToTimeDuration().Seconds()
	}

	r.mu.Lock()
	r.cache[id] = v
	r.mu.Unlock()
	return v, nil
}

// IsInvalid reports whether err means the reference will never play.
func IsInvalid(err error) bool {
	return errors.Is(err, ErrInvalidReference)
}
