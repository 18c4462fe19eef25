package source

import (
	"errors"
	"fmt"

	"github.com/mitchellh/mapstructure"
)

// Defaults applied to every kind's settings.
const (
	DefaultMaxItems       = 50
	DefaultTimeoutSeconds = 30
	DefaultRetryAttempts  = 3
)

// BaseSettings are shared by every connector kind.
type BaseSettings struct {
	Enabled        bool              `mapstructure:"enabled"`
	MaxItems       int               `mapstructure:"max_items"`
	TimeoutSeconds int               `mapstructure:"timeout_seconds"`
	RetryAttempts  int               `mapstructure:"retry_attempts"`
	Headers        map[string]string `mapstructure:"headers"`
}

func (b *BaseSettings) applyDefaults() {
	if b.MaxItems <= 0 {
		b.MaxItems = DefaultMaxItems
	}
	if b.TimeoutSeconds <= 0 {
		b.TimeoutSeconds = DefaultTimeoutSeconds
	}
	if b.RetryAttempts <= 0 {
		b.RetryAttempts = DefaultRetryAttempts
	}
}

// FeedSettings configure the RSS/Atom connector.
type FeedSettings struct {
	BaseSettings     `mapstructure:",squash"`
	ParseFullContent bool     `mapstructure:"parse_full_content"`
	FilterKeywords   []string `mapstructure:"filter_keywords"`
	ExcludeKeywords  []string `mapstructure:"exclude_keywords"`
}

// SocialSettings configure the cursor-based JSON API connector.
type SocialSettings struct {
	BaseSettings `mapstructure:",squash"`
	APIBase      string `mapstructure:"api_base"`
	APIToken     string `mapstructure:"api_token"`
}

// PodcastSettings configure the podcast feed connector.
type PodcastSettings struct {
	BaseSettings `mapstructure:",squash"`
}

// VideoSettings configure the video channel feed connector.
type VideoSettings struct {
	BaseSettings `mapstructure:",squash"`
}

// MailboxSettings configure the mailbox kind. The kind is accepted by config
// validation even though no connector is registered for it yet.
type MailboxSettings struct {
	BaseSettings `mapstructure:",squash"`
	Server       string `mapstructure:"server"`
	Username     string `mapstructure:"username"`
	Password     string `mapstructure:"password"`
	Folder       string `mapstructure:"folder"`
}

// DecodeSettings decodes a generic settings map into the typed struct for
// kind, rejecting unknown keys and applying defaults. A nil map yields the
// kind's defaults.
func DecodeSettings(kind Kind, raw map[string]any) (any, error) {
	var out any
	switch kind {
	case KindFeed:
		out = &FeedSettings{}
	case KindSocial:
		out = &SocialSettings{}
	case KindPodcast:
		out = &PodcastSettings{}
	case KindVideo:
		out = &VideoSettings{}
	case KindMailbox:
		out = &MailboxSettings{}
	default:
		return nil, fmt.Errorf("unknown source kind %q", kind)
	}

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:      out,
		ErrorUnused: true,
	})
	if err != nil {
		return nil, fmt.Errorf("build settings decoder: %w", err)
	}
	if raw == nil {
		raw = map[string]any{}
	}
	// Enabled defaults to true; mapstructure can't distinguish absent from false.
	if _, ok := raw["enabled"]; !ok {
		raw = withEnabled(raw)
	}
	if err := dec.Decode(raw); err != nil {
		return nil, fmt.Errorf("decode %s settings: %w", kind, err)
	}

	switch s := out.(type) {
	case *FeedSettings:
		s.applyDefaults()
	case *SocialSettings:
		s.applyDefaults()
		if s.APIBase == "" {
			return nil, errors.New("decode social settings: api_base is required")
		}
	case *PodcastSettings:
		s.applyDefaults()
	case *VideoSettings:
		s.applyDefaults()
	case *MailboxSettings:
		s.applyDefaults()
		if s.Server == "" {
			return nil, errors.New("decode mailbox settings: server is required")
		}
	}

	return out, nil
}

func withEnabled(raw map[string]any) map[string]any {
	copied := make(map[string]any, len(raw)+1)
	for k, v := range raw {
		copied[k] = v
	}
	copied["enabled"] = true
	return copied
}
