package caches

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/newsroom-cms/backend/internal/docstore"
)

// AvatarCache resolves user handles to avatar URLs scraped from the
// external profile site. A successful lookup is cached for the process
// lifetime and never refreshed. A timeout or a missing user is a benign
// miss, left uncached so a later lookup can retry; any other failure is
// an ExternalLookupError.
type AvatarCache struct {
	client  *http.Client
	baseURL string
	workers int
	log     *zap.Logger

	mu   sync.RWMutex
	urls map[string]string
}

func NewAvatarCache(baseURL string, client *http.Client, workers int, log *zap.Logger) *AvatarCache {
	if workers <= 0 {
		workers = 4
	}
	return &AvatarCache{
		client:  client,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		workers: workers,
		log:     log,
		urls:    make(map[string]string),
	}
}

// Cached returns the avatar URL without triggering a lookup.
func (c *AvatarCache) Cached(handle string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.urls[handle]
}

// Lookup returns the cached avatar URL or fetches the profile page. After
// a successful first lookup, repeated lookups for the same handle perform
// no further external calls.
func (c *AvatarCache) Lookup(ctx context.Context, handle string) (string, error) {
	if handle == "" {
		return "", nil
	}
	if cached := c.Cached(handle); cached != "" {
		return cached, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/user/"+url.PathEscape(handle), nil)
	if err != nil {
		return "", &docstore.ExternalLookupError{Subject: handle, Err: err}
	}
	resp, err := c.client.Do(req)
	if err != nil {
		if isTimeout(err) {
			return "", nil
		}
		return "", &docstore.ExternalLookupError{Subject: handle, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", nil
	}
	if resp.StatusCode != http.StatusOK {
		return "", &docstore.ExternalLookupError{Subject: handle, Err: errors.New(resp.Status)}
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return "", &docstore.ExternalLookupError{Subject: handle, Err: err}
	}
	if strings.HasPrefix(doc.Find("title").Text(), "No such user") {
		return "", nil
	}
	src, ok := doc.Find(".user_image").First().Attr("src")
	if !ok || src == "" {
		return "", nil
	}
	if strings.HasPrefix(src, "/") {
		src = c.baseURL + src
	}

	c.mu.Lock()
	c.urls[handle] = src
	c.mu.Unlock()
	return src, nil
}

// WarmAll resolves avatars for many handles with a small fixed worker
// count so the profile site is not overwhelmed. One failing handle does
// not cancel the others; failures are logged and counted.
func (c *AvatarCache) WarmAll(ctx context.Context, handles []string) {
	jobs := make(chan string)
	var wg sync.WaitGroup
	var failed int64
	var failedMu sync.Mutex

	for i := 0; i < c.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for handle := range jobs {
				if _, err := c.Lookup(ctx, handle); err != nil {
					c.log.Warn("avatar lookup failed",
						zap.String("handle", handle), zap.Error(err))
					failedMu.Lock()
					failed++
					failedMu.Unlock()
				}
			}
		}()
	}

	for _, h := range handles {
		select {
		case <-ctx.Done():
			close(jobs)
			wg.Wait()
			return
		case jobs <- h:
		}
	}
	close(jobs)
	wg.Wait()
	c.log.Info("avatar cache warmed",
		zap.Int("handles", len(handles)), zap.Int64("failed", failed))
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
