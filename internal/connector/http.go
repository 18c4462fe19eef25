package connector

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

const userAgent = "intake/1.0 (+https://github.com/pkoval/intake)"

// maxBodyBytes caps how much of an upstream response is read.
const maxBodyBytes = 10 << 20

// fetchURL performs one GET against the shared client and classifies the
// outcome into the connector error taxonomy.
func fetchURL(ctx context.Context, client *http.Client, url string, headers map[string]string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &NetworkError{Op: url, Err: err}
	}
	req.Header.Set("User-Agent", userAgent)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, &NetworkError{Op: url, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &AuthError{Op: fmt.Sprintf("%s: status %d", url, resp.StatusCode)}
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &RateLimitError{Op: url, RetryAfter: retryAfter(resp)}
	case resp.StatusCode != http.StatusOK:
		return nil, &NetworkError{Op: fmt.Sprintf("%s: status %d", url, resp.StatusCode)}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &NetworkError{Op: url, Err: err}
	}
	return body, nil
}

// retryAfter reads the Retry-After header, seconds form only. Zero when
// absent or unparseable.
func retryAfter(resp *http.Response) time.Duration {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
