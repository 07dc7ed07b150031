/*
Package catalog looks up book metadata from the data4library.kr open
API (the Korean national library catalog).

PURPOSE:
  Students rarely type publisher and ISBN by hand. The record form
  searches the catalog by title and pre-fills the book fields from the
  result the student picks.

BEHAVIOR:
  - Results are cached per normalized query so repeated searches for
    the same title do not hit the upstream API.
  - A client without an auth key degrades to empty results instead of
    failing: catalog search is a convenience, not a dependency of the
    record lifecycle.

SEE ALSO:
  - api/handlers.go: GET /api/books/search
*/
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sprout/reading-tree/readinglog"
)

const (
	defaultBaseURL  = "http://data4library.kr/api"
	defaultPageSize = 10
	cacheTTL        = 15 * time.Minute
)

// Searcher finds books matching a free-text title query.
type Searcher interface {
	Search(ctx context.Context, query string) ([]readinglog.Book, error)
}

// Client implements Searcher against data4library.kr.
type Client struct {
	baseURL    string
	authKey    string
	httpClient *http.Client
	log        *logrus.Logger

	mu    sync.Mutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	books   []readinglog.Book
	expires time.Time
}

var _ Searcher = (*Client)(nil)

// NewClient builds a catalog client. An empty authKey is allowed: the
// client then always returns empty results.
func NewClient(authKey string, log *logrus.Logger) *Client {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Client{
		baseURL:    defaultBaseURL,
		authKey:    authKey,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		log:        log,
		cache:      make(map[string]cacheEntry),
	}
}

// WithBaseURL overrides the upstream endpoint (tests point this at an
// httptest server).
func (c *Client) WithBaseURL(baseURL string) *Client {
	c.baseURL = strings.TrimRight(baseURL, "/")
	return c
}

// srchDtlList response shape. The API nests each hit under libs.lib.book.
type searchResponse struct {
	Response struct {
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
		Libs struct {
			Lib []struct {
				Book struct {
					Bookname     string `json:"bookname"`
					Authors      string `json:"authors"`
					Publisher    string `json:"publisher"`
					ISBN         string `json:"isbn"`
					ISBN13       string `json:"isbn13"`
					BookImageURL string `json:"bookImageURL"`
					PubYear      string `json:"pubYear"`
				} `json:"book"`
			} `json:"lib"`
		} `json:"libs"`
	} `json:"response"`
}

// Search queries the catalog by title. A blank query or a missing auth
// key returns an empty slice without calling upstream.
func (c *Client) Search(ctx context.Context, query string) ([]readinglog.Book, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	if c.authKey == "" {
		c.log.Warn("catalog: auth key not configured, returning empty results")
		return nil, nil
	}

	if books, ok := c.cached(query); ok {
		return books, nil
	}

	books, err := c.fetch(ctx, query)
	if err != nil {
		return nil, err
	}
	c.store(query, books)
	return books, nil
}

func (c *Client) fetch(ctx context.Context, query string) ([]readinglog.Book, error) {
	params := url.Values{}
	params.Set("authKey", c.authKey)
	params.Set("title", query)
	params.Set("pageNo", "1")
	params.Set("pageSize", strconv.Itoa(defaultPageSize))
	params.Set("format", "json")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/srchDtlList?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("catalog request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("catalog returned status %d", resp.StatusCode)
	}

	var decoded searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("failed to decode catalog response: %w", err)
	}
	if apiErr := decoded.Response.Error; apiErr != nil {
		return nil, fmt.Errorf("catalog error: %s", apiErr.Message)
	}

	var books []readinglog.Book
	for _, hit := range decoded.Response.Libs.Lib {
		b := hit.Book
		if b.Bookname == "" {
			continue
		}
		isbn := b.ISBN13
		if isbn == "" {
			isbn = b.ISBN
		}
		if isbn == "" {
			continue
		}
		year, _ := strconv.Atoi(b.PubYear)
		books = append(books, readinglog.Book{
			Title:           b.Bookname,
			Author:          b.Authors,
			Publisher:       b.Publisher,
			ISBN:            isbn,
			CoverURL:        b.BookImageURL,
			PublicationYear: year,
		})
	}
	return books, nil
}

func (c *Client) cached(query string) ([]readinglog.Book, bool) {
	key := strings.ToLower(query)
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.cache[key]
	if !ok || time.Now().After(entry.expires) {
		return nil, false
	}
	return entry.books, true
}

func (c *Client) store(query string, books []readinglog.Book) {
	key := strings.ToLower(query)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache[key] = cacheEntry{books: books, expires: time.Now().Add(cacheTTL)}
}
