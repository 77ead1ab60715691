package acquire

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/Brownie44l1/scanfood-api/internal/retry"
	"github.com/labstack/gommon/log"
	"github.com/patrickmn/go-cache"
)

// Result is one image search hit. An empty Image means the hit carries no
// downloadable URL and is skipped.
type Result struct {
	Image  string `json:"image"`
	Title  string `json:"title"`
	Source string `json:"url"`
}

type SearchProvider interface {
	// Images returns at most limit results for phrase.
	Images(ctx context.Context, phrase string, limit int) ([]Result, error)
}

var ErrNoToken = errors.New("search token not found")

const DefaultSearchURL = "https://duckduckgo.com"

var vqdPattern = regexp.MustCompile(`vqd=["']?([0-9-]+)["']?`)

// DuckDuckGo queries the image search behind duckduckgo.com: a token is
// scraped from the html search page, then the JSON endpoint is paged through.
type DuckDuckGo struct {
	baseURL    string
	client     *http.Client
	safeSearch string
	backoff    func() retry.Backoff
	cache      *cache.Cache
	logger     *log.Logger
}

type SearchOption func(*DuckDuckGo) *DuckDuckGo

func WithBaseURL(u string) SearchOption {
	return func(d *DuckDuckGo) *DuckDuckGo {
		d.baseURL = strings.TrimRight(u, "/")
		return d
	}
}

func WithHTTPClient(c *http.Client) SearchOption {
	return func(d *DuckDuckGo) *DuckDuckGo {
		d.client = c
		return d
	}
}

// WithCacheTTL caches results per (phrase, limit). ttl <= 0 disables caching.
func WithCacheTTL(ttl time.Duration) SearchOption {
	return func(d *DuckDuckGo) *DuckDuckGo {
		if ttl <= 0 {
			d.cache = nil
			return d
		}
		d.cache = cache.New(ttl, 2*ttl)
		return d
	}
}

// WithRetry sets the backoff used for 429 and 5xx responses. newBackoff is
// called once per request, since backoffs are stateful.
func WithRetry(newBackoff func() retry.Backoff) SearchOption {
	return func(d *DuckDuckGo) *DuckDuckGo {
		d.backoff = newBackoff
		return d
	}
}

func WithSearchLogger(l *log.Logger) SearchOption {
	return func(d *DuckDuckGo) *DuckDuckGo {
		d.logger = l
		return d
	}
}

func NewDuckDuckGo(opts ...SearchOption) *DuckDuckGo {
	d := &DuckDuckGo{
		baseURL:    DefaultSearchURL,
		client:     &http.Client{Timeout: 20 * time.Second},
		safeSearch: "-1",
		backoff: func() retry.Backoff {
			return retry.Limit(3, retry.ExponentialBackoff(500*time.Millisecond, 2, 5*time.Second))
		},
		cache:  cache.New(10*time.Minute, 20*time.Minute),
		logger: log.New("search"),
	}
	for _, opt := range opts {
		d = opt(d)
	}
	return d
}

type imagePage struct {
	Results []Result `json:"results"`
	Next    string   `json:"next"`
}

func (d *DuckDuckGo) Images(ctx context.Context, phrase string, limit int) ([]Result, error) {
	if limit <= 0 {
		return nil, nil
	}
	key := fmt.Sprintf("%d\x00%s", limit, phrase)
	if d.cache != nil {
		if hit, ok := d.cache.Get(key); ok {
			return hit.([]Result), nil
		}
	}

	token, err := d.token(ctx, phrase)
	if err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("l", "wt-wt")
	q.Set("o", "json")
	q.Set("q", phrase)
	q.Set("vqd", token)
	q.Set("f", ",,,,,")
	q.Set("p", d.safeSearch)
	next := "/i.js?" + q.Encode()

	var results []Result
	seen := map[string]bool{}
	for next != "" && len(results) < limit {
		body, err := d.get(ctx, d.baseURL+"/"+strings.TrimLeft(next, "/"))
		if err != nil {
			if len(results) > 0 {
				d.logger.Warnf("search %q stopped after %d results: %v", phrase, len(results), err)
				break
			}
			return nil, err
		}
		var page imagePage
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, fmt.Errorf("failed to parse search results: %w", err)
		}
		fresh := 0
		for _, r := range page.Results {
			if r.Image == "" || seen[r.Image] {
				continue
			}
			seen[r.Image] = true
			fresh++
			results = append(results, r)
			if len(results) >= limit {
				break
			}
		}
		if fresh == 0 {
			break
		}
		next = page.Next
	}

	if d.cache != nil {
		d.cache.Set(key, results, cache.DefaultExpiration)
	}
	return results, nil
}

func (d *DuckDuckGo) token(ctx context.Context, phrase string) (string, error) {
	body, err := d.get(ctx, d.baseURL+"/?"+url.Values{"q": {phrase}, "iax": {"images"}, "ia": {"images"}}.Encode())
	if err != nil {
		return "", err
	}
	m := vqdPattern.FindSubmatch(body)
	if m == nil {
		return "", fmt.Errorf("%w for %q", ErrNoToken, phrase)
	}
	return string(m[1]), nil
}

type statusError struct {
	code int
	url  string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("GET %s: unexpected status %d", e.url, e.code)
}

func (d *DuckDuckGo) get(ctx context.Context, target string) ([]byte, error) {
	return retry.Blocking(ctx, d.backoff(), func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("User-Agent", userAgent)
		req.Header.Set("Referer", d.baseURL+"/")

		resp, err := d.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			return nil, fmt.Errorf("%w: %w", retry.ErrRetry, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, fmt.Errorf("%w: %w", retry.ErrRetry, &statusError{code: resp.StatusCode, url: target})
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return nil, &statusError{code: resp.StatusCode, url: target}
		}
		return io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	})
}

const userAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"
