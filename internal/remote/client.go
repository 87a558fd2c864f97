// Package remote is the read-only client for the system of record. It speaks
// the source's REST list API: bearer credentials, offset paging, a
// modified-since filter for the nightly sweep, and an approved-tag listing
// for allow-list governance.
package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
)

// Record is one remote row: a stable opaque id plus the raw field map. Field
// names are resolved to the canonical shape by sync.Normalize, never here.
type Record struct {
	ID     string         `json:"id"`
	Fields map[string]any `json:"fields"`
}

// listResponse mirrors the source's paged list shape.
type listResponse struct {
	Records []Record `json:"records"`
	Offset  string   `json:"offset"`
}

// Options configures the client.
type Options struct {
	BaseURL   string
	APIKey    string
	BaseID    string
	Table     string
	TagsTable string
	// PageSize per request; the source caps this server-side as well.
	PageSize int
	// Timeout bounds each page fetch. Kept short so a stalled remote call
	// surfaces as a stage error instead of pinning a worker.
	Timeout time.Duration
	// MaxRetries per page on 429/5xx/transport errors.
	MaxRetries uint64
}

// Client fetches records from the remote source.
type Client struct {
	opts       Options
	httpClient *http.Client
}

// NewClient builds a Client with defaults filled in.
func NewClient(opts Options) *Client {
	opts.BaseURL = strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if opts.PageSize <= 0 {
		opts.PageSize = 100
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}
	return &Client{
		opts: opts,
		httpClient: &http.Client{
			Timeout: opts.Timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 3 {
					return fmt.Errorf("too many redirects")
				}
				return nil
			},
		},
	}
}

// ListChangedSince pages through records modified after the cursor, invoking
// fn per page. Paging stops when the source is exhausted or maxItems records
// have been delivered. Returns the number of records delivered.
func (c *Client) ListChangedSince(ctx context.Context, since time.Time, maxItems int, fn func(records []Record) error) (int, error) {
	formula := fmt.Sprintf("IS_AFTER(LAST_MODIFIED_TIME(), '%s')",
		since.UTC().Format(time.RFC3339))

	var delivered int
	offset := ""
	for {
		params := url.Values{}
		params.Set("pageSize", fmt.Sprint(c.opts.PageSize))
		params.Set("filterByFormula", formula)
		if offset != "" {
			params.Set("offset", offset)
		}

		page, err := c.fetchPage(ctx, c.opts.Table, params, nil)
		if err != nil {
			return delivered, err
		}

		records := page.Records
		if maxItems > 0 && delivered+len(records) > maxItems {
			records = records[:maxItems-delivered]
		}
		if len(records) > 0 {
			if err := fn(records); err != nil {
				return delivered, err
			}
			delivered += len(records)
		}

		if page.Offset == "" || (maxItems > 0 && delivered >= maxItems) {
			return delivered, nil
		}
		offset = page.Offset
	}
}

// ListAllIDs fetches the complete remote id set, unfiltered. Deletions have
// no timestamp to diff against, so the nightly stage 2 needs the full set.
// A transport or API failure returns an error; a genuinely empty table
// returns an empty non-nil slice.
func (c *Client) ListAllIDs(ctx context.Context) ([]string, error) {
	ids := make([]string, 0)
	offset := ""
	for {
		params := url.Values{}
		params.Set("pageSize", fmt.Sprint(c.opts.PageSize))
		// Only ids are needed; ask the source to omit field payloads.
		params.Set("fields[]", "")

		if offset != "" {
			params.Set("offset", offset)
		}

		page, err := c.fetchPage(ctx, c.opts.Table, params, nil)
		if err != nil {
			return nil, err
		}
		for _, rec := range page.Records {
			ids = append(ids, rec.ID)
		}
		if page.Offset == "" {
			return ids, nil
		}
		offset = page.Offset
	}
}

// ListApprovedTags fetches the approved tag names from the governance table.
// The caller passes the previously stored entity tag; when the remote answers
// 304 Not Modified the returned notModified flag is true and tags is nil.
func (c *Client) ListApprovedTags(ctx context.Context, etag string) (tags []string, newETag string, notModified bool, err error) {
	table := c.opts.TagsTable
	if table == "" {
		return nil, "", false, fmt.Errorf("tags table not configured")
	}

	names := make([]string, 0)
	offset := ""
	for {
		params := url.Values{}
		params.Set("pageSize", fmt.Sprint(c.opts.PageSize))
		params.Set("filterByFormula", "{Status} = 'Approved'")
		if offset != "" {
			params.Set("offset", offset)
		}

		headers := http.Header{}
		if etag != "" && offset == "" {
			headers.Set("If-None-Match", etag)
		}

		page, resp, err := c.fetchPageWithResponse(ctx, table, params, headers)
		if err != nil {
			return nil, "", false, err
		}
		if resp != nil && resp.StatusCode == http.StatusNotModified {
			return nil, etag, true, nil
		}
		if resp != nil && offset == "" {
			newETag = resp.Header.Get("ETag")
		}

		for _, rec := range page.Records {
			if name, ok := rec.Fields["Name"].(string); ok && name != "" {
				names = append(names, name)
			} else if name, ok := rec.Fields["name"].(string); ok && name != "" {
				names = append(names, name)
			}
		}
		if page.Offset == "" {
			return names, newETag, false, nil
		}
		offset = page.Offset
	}
}

func (c *Client) fetchPage(ctx context.Context, table string, params url.Values, headers http.Header) (*listResponse, error) {
	page, _, err := c.fetchPageWithResponse(ctx, table, params, headers)
	return page, err
}

// fetchPageWithResponse performs one GET with bounded retries. 429 and 5xx
// responses and transport errors retry with fibonacci backoff; anything else
// fails immediately.
func (c *Client) fetchPageWithResponse(ctx context.Context, table string, params url.Values, headers http.Header) (*listResponse, *http.Response, error) {
	endpoint := fmt.Sprintf("%s/%s/%s?%s",
		c.opts.BaseURL, url.PathEscape(c.opts.BaseID), url.PathEscape(table), params.Encode())

	var page listResponse
	var lastResp *http.Response

	backoff := retry.WithMaxRetries(c.opts.MaxRetries, retry.NewFibonacci(500*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+c.opts.APIKey)
		req.Header.Set("Accept", "application/json")
		for k, vs := range headers {
			for _, v := range vs {
				req.Header.Set(k, v)
			}
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return retry.RetryableError(err)
		}
		defer resp.Body.Close()
		lastResp = resp

		switch {
		case resp.StatusCode == http.StatusNotModified:
			io.Copy(io.Discard, resp.Body)
			return nil
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			io.Copy(io.Discard, resp.Body)
			return retry.RetryableError(fmt.Errorf("remote source returned %d", resp.StatusCode))
		case resp.StatusCode != http.StatusOK:
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return fmt.Errorf("remote source returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		}

		if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
			return fmt.Errorf("decode remote response: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("fetch %s page: %w", table, err)
	}
	return &page, lastResp, nil
}
