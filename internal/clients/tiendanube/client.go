package tiendanube

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"store-sync-service/internal/clients"
	"store-sync-service/internal/metrics"
	"store-sync-service/internal/retry"
)

const (
	DefaultBaseURL   = "https://api.tiendanube.com/v1"
	DefaultUserAgent = "store-sync-service/1.0"

	DefaultPageSize = 50
	MaxPageSize     = 200

	maxErrorBody = 512
)

// Remote collections
const (
	ResourceCategories = "categories"
	ResourceProducts   = "products"
	ResourceOrders     = "orders"
)

// ErrInvalidPage is returned for a page or page size below 1
var ErrInvalidPage = errors.New("page and page size must be at least 1")

// Config holds the transport settings shared by every store client
type Config struct {
	BaseURL     string
	UserAgent   string
	Timeout     time.Duration
	RateLimit   float64 // requests per second
	RateBurst   int
	RetryPolicy retry.Policy
	Sleep       retry.SleepFunc // nil uses retry.Sleep
	HTTPClient  *http.Client    // nil builds one with Timeout
}

// DefaultConfig returns production defaults
func DefaultConfig() Config {
	return Config{
		BaseURL:     DefaultBaseURL,
		UserAgent:   DefaultUserAgent,
		Timeout:     30 * time.Second,
		RateLimit:   2,
		RateBurst:   40,
		RetryPolicy: retry.DefaultPolicy(),
	}
}

// Client is an authenticated client for one Tiendanube store
type Client struct {
	baseURL     string
	storeID     string
	accessToken string
	userAgent   string
	httpClient  *http.Client
	rateLimiter *rate.Limiter
	retrier     *retry.Retrier
}

var _ clients.StoreClient = (*Client)(nil)

// NewClient creates a client for the store identified by creds
func NewClient(cfg Config, creds clients.Credentials) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 2
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 1
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	return &Client{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		storeID:     creds.StoreID,
		accessToken: creds.AccessToken,
		userAgent:   cfg.UserAgent,
		httpClient:  httpClient,
		rateLimiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst),
		retrier:     retry.NewRetrier(cfg.RetryPolicy, cfg.Sleep),
	}
}

// NewFactory returns a ClientFactory bound to cfg
func NewFactory(cfg Config) clients.ClientFactory {
	return func(creds clients.Credentials) clients.StoreClient {
		return NewClient(cfg, creds)
	}
}

// GetStore fetches the store profile
func (c *Client) GetStore(ctx context.Context) (*clients.RemoteStore, error) {
	var body []byte
	err := c.retrier.Do(ctx, func(ctx context.Context) error {
		var reqErr error
		body, _, reqErr = c.doRequest(ctx, "/store", nil)
		return reqErr
	}, clients.IsRateLimited)
	if err != nil {
		return nil, err
	}

	var store clients.RemoteStore
	if err := json.Unmarshal(body, &store); err != nil {
		return nil, fmt.Errorf("failed to decode store: %w", err)
	}
	return &store, nil
}

// ListCategories fetches one page of categories
func (c *Client) ListCategories(ctx context.Context, page, pageSize int) (*clients.Page[clients.RemoteCategory], error) {
	raw, err := c.FetchPage(ctx, ResourceCategories, page, pageSize, nil)
	if err != nil {
		return nil, err
	}
	return clients.Decode[clients.RemoteCategory](raw)
}

// ListProducts fetches one page of products with their variants
func (c *Client) ListProducts(ctx context.Context, page, pageSize int) (*clients.Page[clients.RemoteProduct], error) {
	raw, err := c.FetchPage(ctx, ResourceProducts, page, pageSize, nil)
	if err != nil {
		return nil, err
	}
	return clients.Decode[clients.RemoteProduct](raw)
}

// ListOrders fetches one page of orders created at or after createdAtMin
func (c *Client) ListOrders(ctx context.Context, page, pageSize int, createdAtMin time.Time) (*clients.Page[clients.RemoteOrder], error) {
	params := url.Values{}
	if !createdAtMin.IsZero() {
		params.Set("created_at_min", createdAtMin.UTC().Format(time.RFC3339))
	}

	raw, err := c.FetchPage(ctx, ResourceOrders, page, pageSize, params)
	if err != nil {
		return nil, err
	}
	return clients.Decode[clients.RemoteOrder](raw)
}

// FetchPage fetches one page of a collection. Rate-limited responses are
// retried under the client's retry policy; every other failure is returned
// on the first occurrence.
func (c *Client) FetchPage(ctx context.Context, resource string, page, pageSize int, params url.Values) (*clients.RawPage, error) {
	if page < 1 || pageSize < 1 {
		return nil, fmt.Errorf("%w: page=%d pageSize=%d", ErrInvalidPage, page, pageSize)
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}

	query := url.Values{}
	for k, v := range params {
		query[k] = v
	}
	query.Set("page", strconv.Itoa(page))
	query.Set("per_page", strconv.Itoa(pageSize))

	var (
		body   []byte
		header http.Header
	)
	err := c.retrier.Do(ctx, func(ctx context.Context) error {
		var reqErr error
		body, header, reqErr = c.doRequest(ctx, "/"+resource, query)
		return reqErr
	}, clients.IsRateLimited)
	if err != nil {
		// The platform answers 404 "Last page is N" past the end of a collection
		if page > 1 && isPastLastPage(err) {
			return &clients.RawPage{Page: page, Total: -1}, nil
		}
		return nil, err
	}

	var items []json.RawMessage
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, &items); err != nil {
			return nil, fmt.Errorf("failed to decode %s page %d: %w", resource, page, err)
		}
	}

	raw := &clients.RawPage{
		Items: items,
		Page:  page,
		Total: parseTotalCount(header),
	}
	raw.NextURL, raw.PrevURL = parseLinkHeader(header.Get("Link"))
	raw.HasNext = raw.NextURL != "" || (raw.Total >= 0 && page*pageSize < raw.Total)

	return raw, nil
}

// doRequest performs one authenticated GET and maps failures to *clients.APIError
func (c *Client) doRequest(ctx context.Context, path string, params url.Values) ([]byte, http.Header, error) {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return nil, nil, &clients.APIError{Kind: clients.KindNetwork, Err: err}
	}

	fullURL := fmt.Sprintf("%s/%s%s", c.baseURL, url.PathEscape(c.storeID), path)
	if len(params) > 0 {
		fullURL += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, nil, err
	}

	req.Header.Set("Authentication", "bearer "+c.accessToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.RecordAPIRequest(0)
		return nil, nil, &clients.APIError{Kind: clients.KindNetwork, Err: err}
	}
	defer resp.Body.Close()
	metrics.RecordAPIRequest(resp.StatusCode)

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, &clients.APIError{Kind: clients.KindNetwork, StatusCode: resp.StatusCode, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &clients.APIError{
			Kind:       clients.KindForStatus(resp.StatusCode),
			StatusCode: resp.StatusCode,
			Body:       truncate(string(respBody), maxErrorBody),
		}
		if apiErr.Kind == clients.KindRateLimited {
			apiErr.RetryAfter = ParseRetryAfter(resp)
		}
		return nil, nil, apiErr
	}

	return respBody, resp.Header, nil
}

// ParseRetryAfter extracts the Retry-After duration from an HTTP response
func ParseRetryAfter(resp *http.Response) time.Duration {
	if resp == nil {
		return 0
	}

	retryAfter := resp.Header.Get("Retry-After")
	if retryAfter == "" {
		return 0
	}

	if seconds, err := strconv.Atoi(retryAfter); err == nil {
		return time.Duration(seconds) * time.Second
	}

	if t, err := http.ParseTime(retryAfter); err == nil {
		return time.Until(t)
	}

	return 0
}

func parseTotalCount(header http.Header) int {
	v := header.Get("X-Total-Count")
	if v == "" {
		return -1
	}
	total, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return -1
	}
	return total
}

// parseLinkHeader reads the next and prev URLs from a Link header.
// Format: <url>; rel="next", <url>; rel="prev"
func parseLinkHeader(linkHeader string) (next, prev string) {
	if linkHeader == "" {
		return "", ""
	}
	for _, part := range strings.Split(linkHeader, ",") {
		segments := strings.Split(part, ";")
		if len(segments) < 2 {
			continue
		}
		link := strings.Trim(strings.TrimSpace(segments[0]), "<>")
		for _, attr := range segments[1:] {
			switch strings.TrimSpace(attr) {
			case `rel="next"`:
				next = link
			case `rel="prev"`, `rel="previous"`:
				prev = link
			}
		}
	}
	return next, prev
}

func isPastLastPage(err error) bool {
	var apiErr *clients.APIError
	if !errors.As(err, &apiErr) || apiErr.Kind != clients.KindNotFound {
		return false
	}
	return strings.Contains(strings.ToLower(apiErr.Body), "last page")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
