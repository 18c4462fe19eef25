package connector

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
	"go.uber.org/zap"

	"github.com/pkoval/intake/internal/record"
	"github.com/pkoval/intake/internal/source"
)

// videoItem is one channel upload.
type videoItem struct {
	entry     *gofeed.Item
	feedTitle string
}

// Video fetches uploads from a video channel's Atom feed. The identifier is
// either a channel id (UC...) or a full feed URL.
type Video struct {
	src      source.Source
	settings *source.VideoSettings
	client   *http.Client
	log      *zap.Logger
	now      func() time.Time
}

func init() {
	Register(source.KindVideo, NewVideo)
}

// NewVideo builds a video connector for src.
func NewVideo(src source.Source, client *http.Client, log *zap.Logger) (Connector, error) {
	s, err := source.DecodeSettings(source.KindVideo, src.Settings)
	if err != nil {
		return nil, err
	}
	return &Video{
		src:      src,
		settings: s.(*source.VideoSettings),
		client:   client,
		log:      log.With(zap.String("source", src.Name), zap.String("kind", string(source.KindVideo))),
		now:      time.Now,
	}, nil
}

func (v *Video) Kind() source.Kind {
	return source.KindVideo
}

// feedURL resolves the channel identifier to an Atom feed URL.
func (v *Video) feedURL() string {
	id := v.src.Identifier
	if strings.HasPrefix(id, "http://") || strings.HasPrefix(id, "https://") {
		return id
	}
	return "https://www.youtube.com/feeds/videos.xml?channel_id=" + id
}

// Fetch parses the channel feed with the exclusive GUID cutoff, yielding
// uploads oldest first.
func (v *Video) Fetch(ctx context.Context, prior *source.FetchState) ([]RawItem, error) {
	ctx, cancel := context.WithTimeout(ctx, time.Duration(v.settings.TimeoutSeconds)*time.Second)
	defer cancel()

	body, err := fetchURL(ctx, v.client, v.feedURL(), v.settings.Headers)
	if err != nil {
		return nil, err
	}

	feed, err := gofeed.NewParser().ParseString(string(body))
	if err != nil {
		return nil, &ParseError{Op: v.feedURL(), Err: err}
	}

	entries := feed.Items
	if len(entries) > v.settings.MaxItems {
		entries = entries[:v.settings.MaxItems]
	}

	lastSeen := ""
	if prior != nil {
		lastSeen = prior.LastSeenID
	}

	var items []RawItem
	for _, entry := range entries {
		if lastSeen != "" && entryGUID(entry) == lastSeen {
			break
		}
		items = append(items, &videoItem{entry: entry, feedTitle: feed.Title})
	}

	slices.Reverse(items)
	return items, nil
}

// Normalize converts one upload. The video description arrives through the
// media extension on YouTube feeds; the plain description is the fallback.
func (v *Video) Normalize(item RawItem) (*record.Post, error) {
	raw, ok := item.(*videoItem)
	if !ok {
		return nil, &ParseError{Op: fmt.Sprintf("unexpected raw item %T", item)}
	}
	entry := raw.entry

	title := strings.TrimSpace(entry.Title)
	if title == "" {
		return nil, nil
	}

	content := stripHTML(videoDescription(entry))
	if content == "" {
		content = title
	}

	meta := map[string]string{"channel": raw.feedTitle}
	if id := strings.TrimPrefix(entry.GUID, "yt:video:"); id != entry.GUID {
		meta["video_id"] = id
	}

	post := &record.Post{
		SourceID:    v.src.ID,
		Title:       title,
		Content:     content,
		URL:         entry.Link,
		PublishedAt: itemPublishedTime(entry),
		SourceGUID:  entryGUID(entry),
		Metadata:    meta,
	}
	if err := post.Validate(); err != nil {
		return nil, err
	}
	return post, nil
}

// NextState checkpoints on the newest persisted upload's GUID.
func (v *Video) NextState(last *record.Post) source.FetchState {
	id := last.SourceGUID
	if id == "" {
		id = last.URL
	}
	return source.FetchState{LastFetchAt: v.now(), LastSeenID: id}
}

// videoDescription digs the media:group description out of the entry's
// extensions, as published by YouTube channel feeds.
func videoDescription(entry *gofeed.Item) string {
	media, ok := entry.Extensions["media"]
	if !ok {
		return entry.Description
	}
	for _, group := range media["group"] {
		for _, desc := range group.Children["description"] {
			if desc.Value != "" {
				return desc.Value
			}
		}
	}
	return entry.Description
}
