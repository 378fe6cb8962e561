// File path: internal/warehouse/client.go
package warehouse

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/neuropil/neuropil/internal/common"
	"github.com/neuropil/neuropil/internal/common/telemetry"
)

// Fetcher retrieves the payload behind a request URL. The content cache
// satisfies this interface; a nil Fetcher makes the client go straight to
// the network without persisting pages.
type Fetcher interface {
	Fetch(ctx context.Context, key string) ([]byte, error)
}

// ErrEnvelope marks responses whose paging envelope contradicts itself or
// the request that produced it.
var ErrEnvelope = errors.New("inconsistent query envelope")

var errNotFound = errors.New("resource not found")

// Client issues paged model queries against the warehouse API.
type Client struct {
	httpClient *http.Client
	transport  *http.Transport
	baseURL    string
	fetcher    Fetcher
	cfg        Config
}

func NewFromEnv(fetcher Fetcher) (*Client, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, err
	}
	return New(cfg, fetcher)
}

// New constructs a client using the provided configuration. The fetcher is
// optional.
func New(cfg Config, fetcher Fetcher) (*Client, error) {
	cfg.applyDefaults()
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("warehouse base url required")
	}
	logger := common.Logger()
	logger.Info(
		"warehouse: initializing client",
		"base_url", cfg.BaseURL,
		"page_size", cfg.PageSize,
		"max_parallel", cfg.MaxParallel,
		"cached", fetcher != nil,
	)
	transport := &http.Transport{
		MaxIdleConns:        cfg.HTTPMaxIdleConns,
		MaxIdleConnsPerHost: cfg.HTTPMaxIdlePerHost,
		IdleConnTimeout:     cfg.HTTPIdleConnTimeout,
	}
	return &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout, Transport: transport},
		transport:  transport,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		fetcher:    fetcher,
		cfg:        cfg,
	}, nil
}

// BaseURL returns the configured API root.
func (c *Client) BaseURL() string {
	if c == nil {
		return ""
	}
	return c.baseURL
}

// Row is one decoded warehouse record.
type Row map[string]interface{}

type pageResult struct {
	total int
	rows  []Row
}

// Rows runs the query to completion, walking start_row forward until every
// page has been retrieved. The first page establishes total_rows; the
// remaining pages are fetched concurrently and any page failure fails the
// whole query.
func (c *Client) Rows(ctx context.Context, q Query) ([]Row, error) {
	if c == nil {
		return nil, errors.New("warehouse client not configured")
	}
	if err := q.validate(); err != nil {
		return nil, err
	}
	pageSize := q.PageSize
	if pageSize <= 0 {
		pageSize = c.cfg.PageSize
	}
	logger := common.Logger()
	started := time.Now()

	first, err := c.page(ctx, q, 0, pageSize)
	if err != nil {
		return nil, err
	}
	total := first.total
	if total <= len(first.rows) {
		telemetry.RecordWarehouseQuery(q.Model, time.Since(started))
		logger.Debug("warehouse: query complete", "model", q.Model, "rows", len(first.rows), "pages", 1)
		return first.rows, nil
	}

	numPages := (total + pageSize - 1) / pageSize
	pages := make([][]Row, numPages)
	pages[0] = first.rows
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.MaxParallel)
	for p := 1; p < numPages; p++ {
		p := p
		g.Go(func() error {
			res, err := c.page(gctx, q, p*pageSize, pageSize)
			if err != nil {
				return err
			}
			if res.total != total {
				return fmt.Errorf("warehouse: %s at row %d: %w: total_rows changed from %d to %d",
					q.Model, p*pageSize, ErrEnvelope, total, res.total)
			}
			pages[p] = res.rows
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	rows := make([]Row, 0, total)
	for _, page := range pages {
		rows = append(rows, page...)
	}
	telemetry.RecordWarehouseQuery(q.Model, time.Since(started))
	logger.Debug("warehouse: query complete", "model", q.Model, "rows", len(rows), "pages", numPages)
	return rows, nil
}

func (c *Client) page(ctx context.Context, q Query, startRow, numRows int) (*pageResult, error) {
	endpoint := q.PageURL(c.baseURL, startRow, numRows)
	data, err := c.fetch(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("warehouse: %s query at row %d: %w", q.Model, startRow, err)
	}
	env, err := decodeEnvelope(data)
	if err != nil {
		return nil, fmt.Errorf("warehouse: %s at row %d: %w", q.Model, startRow, err)
	}
	if env.StartRow != startRow {
		return nil, fmt.Errorf("warehouse: %s at row %d: %w: envelope echoed start_row %d",
			q.Model, startRow, ErrEnvelope, env.StartRow)
	}
	expected := numRows
	if startRow+numRows > env.TotalRows {
		expected = env.TotalRows - startRow
	}
	if expected < 0 {
		expected = 0
	}
	if len(env.Rows) != expected {
		return nil, fmt.Errorf("warehouse: %s at row %d: %w: got %d rows, envelope promised %d",
			q.Model, startRow, ErrEnvelope, len(env.Rows), expected)
	}
	return &pageResult{total: env.TotalRows, rows: env.Rows}, nil
}

func (c *Client) fetch(ctx context.Context, endpoint string) ([]byte, error) {
	if c.fetcher != nil {
		return c.fetcher.Fetch(ctx, endpoint)
	}
	return c.httpGet(ctx, endpoint)
}

func (c *Client) httpGet(ctx context.Context, endpoint string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * 250 * time.Millisecond):
			}
		}
		data, err := c.doGet(ctx, endpoint)
		if err == nil {
			return data, nil
		}
		if errors.Is(err, errNotFound) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

func (c *Client) doGet(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, errNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("GET %s failed: status %d: %s", endpoint, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return io.ReadAll(resp.Body)
}

// Close releases pooled resources associated with the client.
func (c *Client) Close() error {
	if c == nil {
		return nil
	}
	if c.transport != nil {
		c.transport.CloseIdleConnections()
	}
	return nil
}
