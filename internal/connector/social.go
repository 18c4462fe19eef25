package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pkoval/intake/internal/record"
	"github.com/pkoval/intake/internal/source"
)

// socialPost mirrors one item of the account timeline API.
type socialPost struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Text      string `json:"text"`
	URL       string `json:"url"`
	Author    string `json:"author"`
	CreatedAt string `json:"created_at"`
}

// Social fetches an account timeline from a JSON API with since_id
// pagination. The identifier is the account handle; api_base points at the
// service.
type Social struct {
	src      source.Source
	settings *source.SocialSettings
	client   *http.Client
	log      *zap.Logger
	now      func() time.Time
}

func init() {
	Register(source.KindSocial, NewSocial)
}

// NewSocial builds a social connector for src.
func NewSocial(src source.Source, client *http.Client, log *zap.Logger) (Connector, error) {
	s, err := source.DecodeSettings(source.KindSocial, src.Settings)
	if err != nil {
		return nil, err
	}
	return &Social{
		src:      src,
		settings: s.(*source.SocialSettings),
		client:   client,
		log:      log.With(zap.String("source", src.Name), zap.String("kind", string(source.KindSocial))),
		now:      time.Now,
	}, nil
}

func (s *Social) Kind() source.Kind {
	return source.KindSocial
}

// Fetch asks the API for posts newer than the checkpointed id. The cutoff is
// applied server-side through since_id, so the boundary item never arrives.
// Items are yielded oldest first.
func (s *Social) Fetch(ctx context.Context, prior *source.FetchState) ([]RawItem, error) {
	ctx, cancel := context.WithTimeout(ctx, time.Duration(s.settings.TimeoutSeconds)*time.Second)
	defer cancel()

	q := url.Values{}
	q.Set("limit", fmt.Sprintf("%d", s.settings.MaxItems))
	if prior != nil && prior.LastSeenID != "" {
		q.Set("since_id", prior.LastSeenID)
	}
	endpoint := fmt.Sprintf("%s/users/%s/posts?%s",
		strings.TrimRight(s.settings.APIBase, "/"), url.PathEscape(s.src.Identifier), q.Encode())

	headers := make(map[string]string, len(s.settings.Headers)+1)
	for k, v := range s.settings.Headers {
		headers[k] = v
	}
	if s.settings.APIToken != "" {
		headers["Authorization"] = "Bearer " + s.settings.APIToken
	}

	body, err := fetchURL(ctx, s.client, endpoint, headers)
	if err != nil {
		return nil, err
	}

	var posts []socialPost
	if err := json.Unmarshal(body, &posts); err != nil {
		return nil, &ParseError{Op: endpoint, Err: err}
	}

	if len(posts) > s.settings.MaxItems {
		posts = posts[:s.settings.MaxItems]
	}

	items := make([]RawItem, 0, len(posts))
	for i := range posts {
		items = append(items, &posts[i])
	}
	slices.Reverse(items) // API returns newest first
	return items, nil
}

// Normalize converts one timeline post. Items without an id or text are
// malformed and reported as parse errors.
func (s *Social) Normalize(item RawItem) (*record.Post, error) {
	raw, ok := item.(*socialPost)
	if !ok {
		return nil, &ParseError{Op: fmt.Sprintf("unexpected raw item %T", item)}
	}
	if raw.ID == "" {
		return nil, &ParseError{Op: "timeline post has no id"}
	}

	text := strings.TrimSpace(raw.Text)
	title := strings.TrimSpace(raw.Title)
	if title == "" {
		title = firstLine(text)
	}
	if title == "" {
		return nil, nil
	}
	if text == "" {
		text = title
	}

	var published time.Time
	if raw.CreatedAt != "" {
		ts, err := time.Parse(time.RFC3339, raw.CreatedAt)
		if err != nil {
			return nil, &ParseError{Op: fmt.Sprintf("post %s: created_at %q", raw.ID, raw.CreatedAt), Err: err}
		}
		published = ts
	}

	meta := map[string]string{"handle": s.src.Identifier}
	if raw.Author != "" {
		meta["author"] = raw.Author
	}

	post := &record.Post{
		SourceID:    s.src.ID,
		Title:       title,
		Content:     text,
		URL:         raw.URL,
		PublishedAt: published,
		SourceGUID:  raw.ID,
		Metadata:    meta,
	}
	if err := post.Validate(); err != nil {
		return nil, err
	}
	return post, nil
}

// NextState checkpoints the newest persisted id as the next since_id cursor.
func (s *Social) NextState(last *record.Post) source.FetchState {
	return source.FetchState{
		LastFetchAt: s.now(),
		LastSeenID:  last.SourceGUID,
		Meta:        map[string]string{"since_id": last.SourceGUID},
	}
}

// firstLine returns the first non-empty line of text, capped for titles.
func firstLine(text string) string {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			return firstNRunes(line, 140)
		}
	}
	return ""
}

func firstNRunes(s string, n int) string {
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
