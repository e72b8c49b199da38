package directory

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
)

const usersPath = "/api/v3/core/users/"

// AuthentikDirectory lists users from an Authentik-compatible REST API
type AuthentikDirectory struct {
	BaseURL    string
	PageSize   int
	HTTPClient *http.Client
}

// NewAuthentikDirectory creates a new REST directory client. The HTTP client is expected
// to carry authentication (see NewHTTPClient).
func NewAuthentikDirectory(baseURL string, pageSize int, client *http.Client) *AuthentikDirectory {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &AuthentikDirectory{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		PageSize:   pageSize,
		HTTPClient: client,
	}
}

// usersResponse is the paginated body of the users endpoint
type usersResponse struct {
	Pagination struct {
		Next  json.RawMessage `json:"next"`
		Count *int            `json:"count"`
	} `json:"pagination"`
	Results []authentikUser `json:"results"`
}

type authentikUser struct {
	PK          json.Number            `json:"pk"`
	Username    string                 `json:"username"`
	Name        string                 `json:"name"`
	Email       string                 `json:"email"`
	IsActive    bool                   `json:"is_active"`
	LastLogin   *string                `json:"last_login"`
	LastUpdated *string                `json:"last_updated"`
	Attributes  map[string]interface{} `json:"attributes"`
}

func (u authentikUser) record() Record {
	r := Record{
		ExternalID: u.PK.String(),
		Username:   u.Username,
		Name:       u.Name,
		Email:      u.Email,
		Active:     u.IsActive,
		Attributes: u.Attributes,
	}
	if u.LastLogin != nil {
		r.LastLogin = *u.LastLogin
	}
	if u.LastUpdated != nil {
		r.LastUpdated = *u.LastUpdated
	}
	return r
}

// FetchPage implements Directory. A cursor is either a page number or an absolute URL
// returned by the server as the next page; URLs are followed verbatim.
func (d *AuthentikDirectory) FetchPage(ctx context.Context, cursor string, modifiedSince *time.Time) (*Page, error) {
	var pageURL string
	if strings.HasPrefix(cursor, "http://") || strings.HasPrefix(cursor, "https://") {
		pageURL = cursor
	} else {
		q := url.Values{}
		q.Set("page_size", strconv.Itoa(d.PageSize))
		q.Set("ordering", "pk")
		if cursor != "" {
			q.Set("page", cursor)
		}
		if modifiedSince != nil {
			q.Set("last_updated__gte", modifiedSince.UTC().Format(time.RFC3339))
		}
		pageURL = d.BaseURL + usersPath + "?" + q.Encode()
	}

	var resp usersResponse
	if err := d.get(ctx, pageURL, &resp); err != nil {
		return nil, err
	}

	next, err := parseNextCursor(resp.Pagination.Next)
	if err != nil {
		return nil, err
	}

	page := &Page{
		Records:    make([]Record, 0, len(resp.Results)),
		NextCursor: next,
		Total:      -1,
	}
	if resp.Pagination.Count != nil {
		page.Total = *resp.Pagination.Count
	}
	for _, u := range resp.Results {
		page.Records = append(page.Records, u.record())
	}
	return page, nil
}

// LatestModified implements Directory by requesting a single record ordered by
// last modification, newest first.
func (d *AuthentikDirectory) LatestModified(ctx context.Context) (*time.Time, error) {
	q := url.Values{}
	q.Set("page_size", "1")
	q.Set("ordering", "-last_updated")

	var resp usersResponse
	if err := d.get(ctx, d.BaseURL+usersPath+"?"+q.Encode(), &resp); err != nil {
		return nil, err
	}
	if len(resp.Results) == 0 {
		return nil, nil
	}

	raw := resp.Results[0].LastUpdated
	if raw == nil || *raw == "" {
		return nil, fmt.Errorf("%w: newest record has no last_updated", ErrBadResponse)
	}
	ts, err := time.Parse(time.RFC3339Nano, *raw)
	if err != nil {
		return nil, fmt.Errorf("%w: last_updated %q: %v", ErrBadResponse, *raw, err)
	}
	return &ts, nil
}

func (d *AuthentikDirectory) get(ctx context.Context, pageURL string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := d.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("directory request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return fmt.Errorf("failed to read directory response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: status %d", ErrUnauthorized, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return NewAPIError(resp.StatusCode, strings.TrimSpace(string(truncate(body, 256))), nil)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	return nil
}

// parseNextCursor accepts the next-page marker as a page number (0 or null when there is
// no next page) or as a URL string (empty when there is no next page).
func parseNextCursor(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}

	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", fmt.Errorf("%w: pagination.next %s", ErrBadResponse, string(raw))
	}
	if n.String() == "0" {
		return "", nil
	}
	return n.String(), nil
}

func truncate(b []byte, n int) []byte {
	if len(b) > n {
		return b[:n]
	}
	return b
}
