// Package source defines ingestion targets and their incremental-fetch state.
package source

import (
	"fmt"
	"time"
)

// Kind identifies a connector family.
type Kind string

const (
	KindFeed    Kind = "feed"
	KindSocial  Kind = "social"
	KindMailbox Kind = "mailbox"
	KindPodcast Kind = "podcast"
	KindVideo   Kind = "video"
)

// ParseKind validates a kind string from config or storage.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindFeed, KindSocial, KindMailbox, KindPodcast, KindVideo:
		return Kind(s), nil
	}
	return "", fmt.Errorf("unknown source kind %q", s)
}

// Operational status values. Status is free text in storage; these are the
// values the orchestrator writes.
const (
	StatusActive     = "active"
	StatusAuthFailed = "auth_failed"
)

// Source describes one ingestion target. The meaning of Identifier depends on
// Kind: a feed URL, a social handle, a mailbox address, a channel id.
type Source struct {
	ID         int64
	Kind       Kind
	Identifier string
	Name       string
	Settings   map[string]any // kind-specific, decoded via DecodeSettings
	Active     bool
	Status     string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (s Source) String() string {
	return fmt.Sprintf("%s (%s)", s.Name, s.Kind)
}

// FetchState is the per-source incremental checkpoint. It is read once at the
// start of a run and written at most once at the end, derived from the last
// record the run actually persisted. It lives in the store, never as a live
// field on Source.
type FetchState struct {
	LastFetchAt time.Time
	LastSeenID  string            // native id of the newest persisted item, if any
	Meta        map[string]string // connector-specific, opaque to the orchestrator
}
