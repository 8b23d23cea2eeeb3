package mailboxapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"bytemomo/fleetwarden/internal/domain"

	"github.com/sirupsen/logrus"
)

const (
	DefaultResource = "/accounts"
	DefaultPageSize = 1200
	DefaultMaxPages = 1000
	DefaultTimeout  = 30 * time.Second

	maxBodyBytes = 64 << 20
)

// Config holds configuration for creating a Client.
type Config struct {
	// BaseURL is the API root, e.g. "https://api.example.com/api/v1".
	BaseURL string
	// Resource is the collection path below BaseURL. Defaults to "/accounts".
	Resource string
	// Token is sent as a bearer token on every request.
	Token string

	PageSize int
	MaxPages int
	// Timeout bounds each HTTP call.
	Timeout time.Duration
	// WriteDelay is the minimum spacing callers should keep between writes.
	// The client does not enforce it.
	WriteDelay time.Duration
	// UpdateMethod is PATCH, PUT or POST. Defaults to PATCH.
	UpdateMethod string

	Schema     Schema
	HTTPClient *http.Client
	Log        *logrus.Entry
}

// Client is a typed client for a paginated record collection.
type Client struct {
	baseURL    string
	resource   string
	token      string
	pageSize   int
	maxPages   int
	timeout    time.Duration
	writeDelay time.Duration
	update     string
	schema     Schema
	httpClient *http.Client
	log        *logrus.Entry
}

var _ domain.RecordStore = (*Client)(nil)

// NewClient validates cfg and fills in defaults.
func NewClient(cfg Config) (*Client, error) {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		return nil, domain.ConfigErrorf("mailboxapi: base URL is required")
	}
	u, err := url.Parse(baseURL)
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return nil, domain.ConfigErrorf("mailboxapi: invalid base URL %q", cfg.BaseURL)
	}
	if cfg.Token == "" {
		return nil, domain.ConfigErrorf("mailboxapi: no API token")
	}

	resource := cfg.Resource
	if resource == "" {
		resource = DefaultResource
	}
	if !strings.HasPrefix(resource, "/") {
		resource = "/" + resource
	}
	resource = strings.TrimRight(resource, "/")

	update := strings.ToUpper(cfg.UpdateMethod)
	switch update {
	case "":
		update = http.MethodPatch
	case http.MethodPatch, http.MethodPut, http.MethodPost:
	default:
		return nil, domain.ConfigErrorf("mailboxapi: unsupported update method %q", cfg.UpdateMethod)
	}

	c := &Client{
		baseURL:    baseURL,
		resource:   resource,
		token:      cfg.Token,
		pageSize:   cfg.PageSize,
		maxPages:   cfg.MaxPages,
		timeout:    cfg.Timeout,
		writeDelay: cfg.WriteDelay,
		update:     update,
		schema:     cfg.Schema.withDefaults(),
		httpClient: cfg.HTTPClient,
		log:        cfg.Log,
	}
	if c.pageSize <= 0 {
		c.pageSize = DefaultPageSize
	}
	if c.maxPages <= 0 {
		c.maxPages = DefaultMaxPages
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	if c.httpClient == nil {
		c.httpClient = http.DefaultClient
	}
	if c.log == nil {
		c.log = logrus.NewEntry(logrus.StandardLogger())
	}
	c.log = c.log.WithField("api", u.Host)
	return c, nil
}

// WriteDelay returns the configured minimum spacing between writes.
func (c *Client) WriteDelay() time.Duration { return c.writeDelay }

// List fetches every page of the collection. Records repeated across pages
// are collapsed to the last copy seen, kept at the position of the first.
func (c *Client) List(ctx context.Context) ([]domain.Record, error) {
	col := newCollector()
	seenCursors := make(map[string]bool)
	cursor := ""
	skip := 0

	pages := 0
	for ; pages < c.maxPages; pages++ {
		query := url.Values{"limit": {strconv.Itoa(c.pageSize)}}
		if cursor != "" {
			query.Set("starting_after", cursor)
		} else if skip > 0 {
			query.Set("skip", strconv.Itoa(skip))
		}

		status, body, err := c.do(ctx, http.MethodGet, c.resource, query, nil)
		if err != nil {
			return nil, err
		}
		p, err := decodePage(body)
		if err != nil {
			return nil, &APIError{
				Method:       http.MethodGet,
				Path:         c.resource,
				StatusCode:   status,
				Message:      err.Error(),
				Body:         string(body),
				ParseFailure: true,
			}
		}
		if len(p.items) == 0 {
			break
		}

		for _, raw := range p.items {
			rec, ok := c.schema.decodeRecord(raw)
			if !ok {
				col.skipped++
				continue
			}
			col.add(rec)
		}

		if p.next != "" {
			if seenCursors[p.next] {
				c.log.WithField("cursor", p.next).Warn("pagination cursor repeated, stopping")
				break
			}
			seenCursors[p.next] = true
			cursor = p.next
			continue
		}
		if cursor != "" || len(p.items) < c.pageSize {
			break
		}
		skip += len(p.items)
	}
	if pages == c.maxPages {
		c.log.WithField("max_pages", c.maxPages).Warn("page limit reached, listing may be incomplete")
	}

	c.log.WithFields(logrus.Fields{
		"records":    len(col.records),
		"duplicates": col.duplicates,
		"skipped":    col.skipped,
	}).Debug("listed records")
	return col.records, nil
}

// Create posts fields as a new record. A 2xx response that is not a JSON
// object is accepted; the returned record then only carries fields.
func (c *Client) Create(ctx context.Context, fields domain.Fields) (domain.Record, error) {
	_, body, err := c.do(ctx, http.MethodPost, c.resource, nil, fields)
	if err != nil {
		return domain.Record{}, err
	}
	return c.decodeWriteResponse(body, "", fields), nil
}

// Update writes fields to the record with id using the configured method.
func (c *Client) Update(ctx context.Context, id string, fields domain.Fields) (domain.Record, error) {
	if id == "" {
		return domain.Record{}, fmt.Errorf("mailboxapi: update: empty id")
	}
	_, body, err := c.do(ctx, c.update, c.recordPath(id), nil, fields)
	if err != nil {
		return domain.Record{}, err
	}
	return c.decodeWriteResponse(body, id, fields), nil
}

// Delete removes the record with id.
func (c *Client) Delete(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("mailboxapi: delete: empty id")
	}
	_, _, err := c.do(ctx, http.MethodDelete, c.recordPath(id), nil, nil)
	return err
}

func (c *Client) recordPath(id string) string {
	return c.resource + "/" + url.PathEscape(id)
}

func (c *Client) decodeWriteResponse(body []byte, id string, fields domain.Fields) domain.Record {
	fallback := domain.Record{ID: id, Fields: fields.Clone()}
	if len(bytes.TrimSpace(body)) == 0 {
		return fallback
	}
	obj, err := c.schema.unwrapObject(body)
	if err != nil {
		c.log.WithField("body", truncate(string(body), 200)).Debug("write response is not JSON, treating as opaque")
		return fallback
	}
	rec, ok := c.schema.decodeRecord(obj)
	if !ok {
		return fallback
	}
	return rec
}

// do executes an authenticated request and returns the status and body of a
// 2xx response. Non-2xx responses are returned as *APIError.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, payload any) (int, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reqBody io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, fmt.Errorf("mailboxapi: encode %s %s: %w", method, path, err)
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reqBody)
	if err != nil {
		return 0, nil, fmt.Errorf("mailboxapi: build %s %s: %w", method, path, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("mailboxapi: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("mailboxapi: read %s %s: %w", method, path, err)
	}

	c.log.WithFields(logrus.Fields{
		"method":   method,
		"path":     path,
		"status":   resp.StatusCode,
		"duration": time.Since(start).Round(time.Millisecond),
	}).Debug("api call")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, body, parseAPIError(method, path, resp.StatusCode, body)
	}
	return resp.StatusCode, body, nil
}
