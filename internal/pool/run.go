package pool

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/pkoval/intake/internal/connector"
	"github.com/pkoval/intake/internal/record"
	"github.com/pkoval/intake/internal/source"
)

// runSource executes the per-source pipeline: load checkpoint, guarded fetch,
// normalize/hash/dedup/persist each item in yield order, then checkpoint on
// the last persisted record. Any escaping failure, including a panic, is
// captured as this source's outcome.
func (p *Pool) runSource(ctx context.Context, src source.Source) (out Outcome) {
	log := p.log.With(zap.Int64("source_id", src.ID), zap.String("source", src.Name))

	defer func() {
		if r := recover(); r != nil {
			out = Outcome{Err: fmt.Errorf("connector panic: %v", r)}
			log.Error("connector panicked", zap.Any("panic", r))
		}
	}()

	conn, err := p.factory(src, p.client, p.log)
	if err != nil {
		return Outcome{Err: fmt.Errorf("build connector: %w", err)}
	}

	prior, err := p.gateway.GetFetchState(ctx, src.ID)
	if err != nil {
		return Outcome{Err: err}
	}

	var items []connector.RawItem
	fetchErr := p.guard(src.ID).Do(ctx, func() error {
		var err error
		items, err = conn.Fetch(ctx, prior)
		return err
	})
	if fetchErr != nil {
		var authErr *connector.AuthError
		if errors.As(fetchErr, &authErr) {
			if serr := p.gateway.SetSourceStatus(ctx, src.ID, source.StatusAuthFailed); serr != nil {
				log.Error("mark source auth_failed", zap.Error(serr))
			}
		}
		return Outcome{Err: fetchErr}
	}

	var (
		stats Stats
		last  *record.Post
	)
	for _, item := range items {
		if ctx.Err() != nil {
			return Outcome{Stats: stats, Err: fmt.Errorf("run cancelled: %w", ctx.Err())}
		}
		stats.Fetched++

		post, err := conn.Normalize(item)
		if err != nil {
			// Item-level: count and continue, never abort the run.
			stats.Errors++
			log.Warn("normalize failed", zap.Error(err))
			continue
		}
		if post == nil {
			continue
		}

		post.SourceID = src.ID
		post.ContentHash = record.Hash(src.ID, post.Content, post.URL, post.SourceGUID)

		exists, err := p.gateway.ExistsByHash(ctx, post.ContentHash)
		if err != nil {
			return Outcome{Err: err}
		}
		if exists {
			stats.Duplicate++
			continue
		}

		if _, err := p.gateway.InsertPost(ctx, post); err != nil {
			return Outcome{Err: err}
		}
		stats.New++
		last = post
	}

	// Checkpoint only when this run persisted something; a run that saw
	// nothing new must not touch the stored state.
	if last != nil {
		if err := p.gateway.SetFetchState(ctx, src.ID, conn.NextState(last)); err != nil {
			return Outcome{Err: err}
		}
	}

	log.Info("source run complete",
		zap.Int("fetched", stats.Fetched),
		zap.Int("new", stats.New),
		zap.Int("duplicate", stats.Duplicate),
		zap.Int("errors", stats.Errors))

	return Outcome{Stats: stats}
}
