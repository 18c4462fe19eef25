// Package record defines the normalized content item and its deduplication rule.
package record

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Post is one normalized content item produced by a connector.
// Immutable once persisted.
type Post struct {
	ID          int64
	SourceID    int64
	Title       string
	Content     string
	URL         string    // original link, may be empty
	PublishedAt time.Time // zero when the upstream gives no timestamp
	IngestedAt  time.Time
	SourceGUID  string // source-native identifier (feed GUID, API id, message id)
	ContentHash string
	Metadata    map[string]string
}

// Hash computes the composite deduplication digest. It combines the source id,
// the preferred native identifier (GUID, falling back to URL), and the content,
// so identical content from two distinct sources never collapses into one record.
func Hash(sourceID int64, content, url, guid string) string {
	identifier := guid
	if identifier == "" {
		identifier = url
	}
	sum := sha256.Sum256(fmt.Appendf(nil, "%d:%s:%s", sourceID, identifier, content))
	return hex.EncodeToString(sum[:])
}

// ValidationError reports a post that is missing required fields after
// normalization. Item-level: the run skips the item and continues.
type ValidationError struct {
	Field string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("post validation: %s is required", e.Field)
}

// Validate checks required fields. Connectors are expected to supply fallbacks
// (e.g. substitute the title for empty content) before handing the post over.
func (p *Post) Validate() error {
	if strings.TrimSpace(p.Title) == "" {
		return &ValidationError{Field: "title"}
	}
	if strings.TrimSpace(p.Content) == "" {
		return &ValidationError{Field: "content"}
	}
	return nil
}
