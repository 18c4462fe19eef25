package cli

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/pkoval/intake/internal/config"
	"github.com/pkoval/intake/internal/store"
)

func TestRoundsShareBreakerState(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	cfg := &config.Config{
		Storage: config.StorageConfig{Path: filepath.Join(t.TempDir(), "intake.db")},
		Pool:    config.PoolConfig{Concurrency: 1},
		Breaker: config.BreakerConfig{
			FailureThreshold: 1,
			RecoveryTimeout:  config.Duration{Duration: time.Hour},
		},
		Retry: config.RetryConfig{MaxAttempts: 1},
		Fetch: config.FetchConfig{Timeout: config.Duration{Duration: 5 * time.Second}},
		Sources: []config.SourceConfig{
			{Kind: "feed", Identifier: srv.URL, Name: "flaky"},
		},
	}

	db, err := store.Open(cfg.Storage.Path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	p := newPool(cfg, db, zap.NewNop())
	ctx := context.Background()

	if err := runRound(ctx, cfg, db, p); err != nil {
		t.Fatalf("first round: %v", err)
	}
	if got := hits.Load(); got != 1 {
		t.Fatalf("upstream hits after first round = %d, want 1", got)
	}

	// The breaker opened on the first round; the next round on the same pool
	// must reject without contacting the upstream.
	if err := runRound(ctx, cfg, db, p); err != nil {
		t.Fatalf("second round: %v", err)
	}
	if got := hits.Load(); got != 1 {
		t.Errorf("upstream hits after second round = %d, want 1 (open breaker must not call out)", got)
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		name string
		in   string
		n    int
		want string
	}{
		{"short unchanged", "feed", 10, "feed"},
		{"ascii cut", "a long source name", 7, "a long…"},
		{"multibyte cut", "ブログのフィード", 5, "ブログの…"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := truncate(tt.in, tt.n)
			if got != tt.want {
				t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
			}
			if !utf8.ValidString(got) {
				t.Errorf("truncate produced invalid UTF-8: %q", got)
			}
		})
	}
}
