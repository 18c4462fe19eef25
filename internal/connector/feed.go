package connector

import (
	"context"
	"fmt"
	"html"
	"net/http"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/mmcdole/gofeed"
	"go.uber.org/zap"

	"github.com/pkoval/intake/internal/record"
	"github.com/pkoval/intake/internal/source"
)

var (
	htmlTagRe    = regexp.MustCompile(`<[^>]*>`)
	whitespaceRe = regexp.MustCompile(`\s{3,}`)
)

// feedItem carries one feed entry with the feed context Normalize needs.
type feedItem struct {
	entry       *gofeed.Item
	feedTitle   string
	fullContent string // article body fetched at fetch time, optional
}

// Feed is the RSS/Atom connector, the reference implementation of the
// connector contract.
type Feed struct {
	src      source.Source
	settings *source.FeedSettings
	client   *http.Client
	log      *zap.Logger
	now      func() time.Time
}

func init() {
	Register(source.KindFeed, NewFeed)
}

// NewFeed builds a feed connector for src. Settings must validate against the
// feed schema.
func NewFeed(src source.Source, client *http.Client, log *zap.Logger) (Connector, error) {
	s, err := source.DecodeSettings(source.KindFeed, src.Settings)
	if err != nil {
		return nil, err
	}
	return &Feed{
		src:      src,
		settings: s.(*source.FeedSettings),
		client:   client,
		log:      log.With(zap.String("source", src.Name), zap.String("kind", string(source.KindFeed))),
		now:      time.Now,
	}, nil
}

func (f *Feed) Kind() source.Kind {
	return source.KindFeed
}

// Fetch downloads and parses the feed, applies the item cap, keyword filters
// and the incremental cutoff, and yields entries oldest first. The cutoff is
// exclusive: scanning newest first, it stops at the previously seen GUID
// without re-yielding it.
func (f *Feed) Fetch(ctx context.Context, prior *source.FetchState) ([]RawItem, error) {
	ctx, cancel := context.WithTimeout(ctx, time.Duration(f.settings.TimeoutSeconds)*time.Second)
	defer cancel()

	body, err := fetchURL(ctx, f.client, f.src.Identifier, f.settings.Headers)
	if err != nil {
		return nil, err
	}

	feed, err := gofeed.NewParser().ParseString(string(body))
	if err != nil {
		return nil, &ParseError{Op: f.src.Identifier, Err: err}
	}

	entries := feed.Items
	if len(entries) > f.settings.MaxItems {
		entries = entries[:f.settings.MaxItems]
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
		if !f.matchesFilters(entry) {
			continue
		}
		raw := &feedItem{entry: entry, feedTitle: feed.Title}
		if f.settings.ParseFullContent && entry.Link != "" {
			text, err := f.fetchArticle(ctx, entry.Link)
			if err != nil {
				f.log.Warn("full-content fetch failed", zap.String("url", entry.Link), zap.Error(err))
			} else {
				raw.fullContent = text
			}
		}
		items = append(items, raw)
	}

	slices.Reverse(items)
	return items, nil
}

// Normalize converts a feed entry to a post. Entries without a title are
// skipped, not errors.
func (f *Feed) Normalize(item RawItem) (*record.Post, error) {
	raw, ok := item.(*feedItem)
	if !ok {
		return nil, &ParseError{Op: fmt.Sprintf("unexpected raw item %T", item)}
	}
	entry := raw.entry

	title := strings.TrimSpace(entry.Title)
	if title == "" {
		return nil, nil
	}

	content := raw.fullContent
	if content == "" {
		content = entry.Content
	}
	if content == "" {
		content = entry.Description
	}
	content = stripHTML(content)
	if content == "" {
		content = title
	}

	meta := map[string]string{"feed_title": raw.feedTitle}
	if entry.Author != nil && entry.Author.Name != "" {
		meta["author"] = entry.Author.Name
	}
	if len(entry.Categories) > 0 {
		meta["tags"] = strings.Join(entry.Categories, ",")
	}

	post := &record.Post{
		SourceID:    f.src.ID,
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

// NextState checkpoints on the newest persisted entry's GUID.
func (f *Feed) NextState(last *record.Post) source.FetchState {
	id := last.SourceGUID
	if id == "" {
		id = last.URL
	}
	return source.FetchState{LastFetchAt: f.now(), LastSeenID: id}
}

// matchesFilters applies include/exclude keyword rules over the entry's
// title, summary and content.
func (f *Feed) matchesFilters(entry *gofeed.Item) bool {
	if len(f.settings.FilterKeywords) == 0 && len(f.settings.ExcludeKeywords) == 0 {
		return true
	}

	text := strings.ToLower(entry.Title + " " + entry.Description + " " + entry.Content)

	if len(f.settings.FilterKeywords) > 0 {
		found := false
		for _, kw := range f.settings.FilterKeywords {
			if strings.Contains(text, strings.ToLower(kw)) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	for _, kw := range f.settings.ExcludeKeywords {
		if strings.Contains(text, strings.ToLower(kw)) {
			return false
		}
	}
	return true
}

// fetchArticle downloads the linked page and extracts its readable text.
func (f *Feed) fetchArticle(ctx context.Context, url string) (string, error) {
	body, err := fetchURL(ctx, f.client, url, f.settings.Headers)
	if err != nil {
		return "", err
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(body)))
	if err != nil {
		return "", &ParseError{Op: url, Err: err}
	}

	doc.Find("script, style, nav, header, footer").Remove()

	scope := doc.Find("article")
	if scope.Length() == 0 {
		scope = doc.Find("body")
	}

	var parts []string
	scope.Find("p").Each(func(_ int, sel *goquery.Selection) {
		if t := strings.TrimSpace(sel.Text()); t != "" {
			parts = append(parts, t)
		}
	})
	if len(parts) == 0 {
		return strings.TrimSpace(scope.Text()), nil
	}
	return strings.Join(parts, "\n\n"), nil
}

func entryGUID(entry *gofeed.Item) string {
	if entry.GUID != "" {
		return entry.GUID
	}
	return entry.Link
}

func itemPublishedTime(entry *gofeed.Item) time.Time {
	if entry.PublishedParsed != nil {
		return *entry.PublishedParsed
	}
	if entry.UpdatedParsed != nil {
		return *entry.UpdatedParsed
	}
	return time.Time{}
}

func stripHTML(s string) string {
	s = htmlTagRe.ReplaceAllString(s, " ")
	s = html.UnescapeString(s)
	s = whitespaceRe.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
