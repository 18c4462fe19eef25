// Package connector implements per-kind fetchers that turn upstream items
// into normalized records.
package connector

import (
	"context"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/pkoval/intake/internal/record"
	"github.com/pkoval/intake/internal/source"
)

// RawItem is one source-native item as fetched, before normalization. Each
// connector yields and consumes its own concrete type.
type RawItem any

// Connector is the contract every source kind implements.
//
// Fetch produces the items for one run, oldest first, so the last record the
// orchestrator persists is the newest and NextState checkpoints on it. When
// prior carries a last-seen native id the sequence stops before re-yielding
// that item (exclusive cutoff); without prior state it is bounded by the
// source's configured item cap. Fetch is the only method that touches the
// network.
//
// Normalize is a pure transform. Returning (nil, nil) skips the item; an
// error counts against the run's error stat without aborting it.
//
// NextState derives the checkpoint from the last record the run actually
// persisted. How the checkpoint advances is kind-specific (GUID scan for
// feeds, id cursor for the social API).
type Connector interface {
	Kind() source.Kind
	Fetch(ctx context.Context, prior *source.FetchState) ([]RawItem, error)
	Normalize(item RawItem) (*record.Post, error)
	NextState(last *record.Post) source.FetchState
}

// Factory builds a connector for one source, sharing the pool's HTTP client.
type Factory func(src source.Source, client *http.Client, log *zap.Logger) (Connector, error)

var registry = map[source.Kind]Factory{}

// Register binds a kind to its connector factory. Called from init funcs.
func Register(kind source.Kind, f Factory) {
	registry[kind] = f
}

// New builds the connector for src's kind.
// TODO: register a mailbox connector once an IMAP client is picked.
func New(src source.Source, client *http.Client, log *zap.Logger) (Connector, error) {
	f, ok := registry[src.Kind]
	if !ok {
		return nil, fmt.Errorf("no connector registered for kind %q", src.Kind)
	}
	return f(src, client, log)
}
