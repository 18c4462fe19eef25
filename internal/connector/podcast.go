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

// podcastItem is one episode with its enclosure.
type podcastItem struct {
	entry     *gofeed.Item
	feedTitle string
}

// Podcast fetches episodes from a podcast feed. Episodes without an audio
// enclosure are skipped; the enclosure URL and episode metadata land in the
// record's metadata for downstream transcription.
type Podcast struct {
	src      source.Source
	settings *source.PodcastSettings
	client   *http.Client
	log      *zap.Logger
	now      func() time.Time
}

func init() {
	Register(source.KindPodcast, NewPodcast)
}

// NewPodcast builds a podcast connector for src.
func NewPodcast(src source.Source, client *http.Client, log *zap.Logger) (Connector, error) {
	s, err := source.DecodeSettings(source.KindPodcast, src.Settings)
	if err != nil {
		return nil, err
	}
	return &Podcast{
		src:      src,
		settings: s.(*source.PodcastSettings),
		client:   client,
		log:      log.With(zap.String("source", src.Name), zap.String("kind", string(source.KindPodcast))),
		now:      time.Now,
	}, nil
}

func (p *Podcast) Kind() source.Kind {
	return source.KindPodcast
}

// Fetch parses the podcast feed with the same exclusive GUID cutoff as the
// feed connector, yielding episodes oldest first.
func (p *Podcast) Fetch(ctx context.Context, prior *source.FetchState) ([]RawItem, error) {
	ctx, cancel := context.WithTimeout(ctx, time.Duration(p.settings.TimeoutSeconds)*time.Second)
	defer cancel()

	body, err := fetchURL(ctx, p.client, p.src.Identifier, p.settings.Headers)
	if err != nil {
		return nil, err
	}

	feed, err := gofeed.NewParser().ParseString(string(body))
	if err != nil {
		return nil, &ParseError{Op: p.src.Identifier, Err: err}
	}

	entries := feed.Items
	if len(entries) > p.settings.MaxItems {
		entries = entries[:p.settings.MaxItems]
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
		items = append(items, &podcastItem{entry: entry, feedTitle: feed.Title})
	}

	slices.Reverse(items)
	return items, nil
}

// Normalize converts one episode. Episodes without an enclosure or title are
// skipped.
func (p *Podcast) Normalize(item RawItem) (*record.Post, error) {
	raw, ok := item.(*podcastItem)
	if !ok {
		return nil, &ParseError{Op: fmt.Sprintf("unexpected raw item %T", item)}
	}
	entry := raw.entry

	title := strings.TrimSpace(entry.Title)
	if title == "" {
		return nil, nil
	}

	audioURL := enclosureURL(entry)
	if audioURL == "" {
		return nil, nil
	}

	content := stripHTML(entry.Description)
	if content == "" {
		content = title
	}

	meta := map[string]string{
		"show":      raw.feedTitle,
		"audio_url": audioURL,
	}
	if entry.ITunesExt != nil && entry.ITunesExt.Duration != "" {
		meta["duration"] = entry.ITunesExt.Duration
	}

	post := &record.Post{
		SourceID:    p.src.ID,
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

// NextState checkpoints on the newest persisted episode's GUID.
func (p *Podcast) NextState(last *record.Post) source.FetchState {
	id := last.SourceGUID
	if id == "" {
		id = last.URL
	}
	return source.FetchState{LastFetchAt: p.now(), LastSeenID: id}
}

func enclosureURL(entry *gofeed.Item) string {
	for _, enc := range entry.Enclosures {
		if enc == nil || enc.URL == "" {
			continue
		}
		if enc.Type == "" || strings.HasPrefix(enc.Type, "audio/") {
			return enc.URL
		}
	}
	return ""
}
