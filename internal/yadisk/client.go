// Package yadisk is a concrete restapi.Client implementation against the
// Yandex Disk REST API v1 (cloud-api.yandex.net). It is one instantiation of
// the capability interfaces internal/restapi declares; the engine and its
// collaborators never import this package directly.
package yadisk

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/nordkyrie/yadisksync/internal/restapi"
)

// DefaultBaseURL is the production Yandex Disk API base.
const DefaultBaseURL = "https://cloud-api.yandex.net/v1/disk"

// Client implements restapi.Client over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     restapi.TokenProvider
	userAgent  string
}

// New returns a Client authorizing every request via tokens.
func New(baseURL string, httpClient *http.Client, tokens restapi.TokenProvider, userAgent string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	return &Client{baseURL: baseURL, httpClient: httpClient, tokens: tokens, userAgent: userAgent}
}

type resourceJSON struct {
	Path       string `json:"path"`
	ResourceID string `json:"resource_id"`
	Type       string `json:"type"`
	Size       int64  `json:"size"`
	Modified   string `json:"modified"`
	MD5        string `json:"md5"`
	Embedded   *struct {
		Items  []resourceJSON `json:"items"`
		Offset int            `json:"offset"`
		Limit  int            `json:"limit"`
		Total  int            `json:"total"`
	} `json:"_embedded"`
}

func (r resourceJSON) toInfo() restapi.ResourceInfo {
	return restapi.ResourceInfo{
		Path:       diskPath(r.Path),
		ResourceID: r.ResourceID,
		Kind:       kindFromType(r.Type),
		Size:       r.Size,
		Modified:   parseModified(r.Modified),
		Hash:       r.MD5,
	}
}

func kindFromType(t string) string {
	if t == "dir" {
		return "dir"
	}

	return "file"
}

// diskPath strips the "disk:" scheme prefix Yandex Disk prepends to paths.
func diskPath(p string) string {
	return strings.TrimPrefix(p, "disk:")
}

func parseModified(s string) int64 {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return 0
	}

	return t.Unix()
}

type linkJSON struct {
	Href      string `json:"href"`
	Method    string `json:"method"`
	Templated bool   `json:"templated"`
}

func (c *Client) GetResource(ctx context.Context, path string) (restapi.ResourceInfo, error) {
	var res resourceJSON

	q := url.Values{"path": {path}}
	if err := c.do(ctx, http.MethodGet, "/resources", q, &res); err != nil {
		return restapi.ResourceInfo{}, err
	}

	return res.toInfo(), nil
}

func (c *Client) ListDirectory(ctx context.Context, path string, offset, limit int) (restapi.Page, error) {
	var res resourceJSON

	q := url.Values{
		"path":   {path},
		"offset": {strconv.Itoa(offset)},
		"limit":  {strconv.Itoa(limit)},
	}

	if err := c.do(ctx, http.MethodGet, "/resources", q, &res); err != nil {
		return restapi.Page{}, err
	}

	page := restapi.Page{}
	if res.Embedded != nil {
		for _, item := range res.Embedded.Items {
			page.Entries = append(page.Entries, item.toInfo())
		}

		page.NextOffset = res.Embedded.Offset + len(res.Embedded.Items)
		page.HasMore = page.NextOffset < res.Embedded.Total
	}

	return page, nil
}

func (c *Client) GetDownloadURL(ctx context.Context, path string) (string, error) {
	var link linkJSON

	q := url.Values{"path": {path}}
	if err := c.do(ctx, http.MethodGet, "/resources/download", q, &link); err != nil {
		return "", err
	}

	return link.Href, nil
}

func (c *Client) GetUploadURL(ctx context.Context, path string, overwrite bool) (string, error) {
	var link linkJSON

	q := url.Values{"path": {path}, "overwrite": {strconv.FormatBool(overwrite)}}
	if err := c.do(ctx, http.MethodGet, "/resources/upload", q, &link); err != nil {
		return "", err
	}

	return link.Href, nil
}

func (c *Client) CreateFolder(ctx context.Context, path string) (restapi.AsyncResult, error) {
	q := url.Values{"path": {path}}
	if err := c.do(ctx, http.MethodPut, "/resources", q, nil); err != nil {
		return restapi.AsyncResult{}, err
	}

	return restapi.AsyncResult{Done: true}, nil
}

func (c *Client) Move(ctx context.Context, fromPath, toPath string) (restapi.AsyncResult, error) {
	return c.mutate(ctx, "/resources/move", fromPath, toPath)
}

func (c *Client) Copy(ctx context.Context, fromPath, toPath string) (restapi.AsyncResult, error) {
	return c.mutate(ctx, "/resources/copy", fromPath, toPath)
}

func (c *Client) mutate(ctx context.Context, endpoint, fromPath, toPath string) (restapi.AsyncResult, error) {
	var link linkJSON

	q := url.Values{"from": {fromPath}, "path": {toPath}, "overwrite": {"true"}}
	if err := c.do(ctx, http.MethodPost, endpoint, q, &link); err != nil {
		return restapi.AsyncResult{}, err
	}

	if link.Href == "" {
		return restapi.AsyncResult{Done: true}, nil
	}

	return restapi.AsyncResult{OperationID: operationIDFromHref(link.Href)}, nil
}

func (c *Client) Delete(ctx context.Context, path string) (restapi.AsyncResult, error) {
	var link linkJSON

	q := url.Values{"path": {path}, "permanently": {"true"}}
	if err := c.do(ctx, http.MethodDelete, "/resources", q, &link); err != nil {
		return restapi.AsyncResult{}, err
	}

	if link.Href == "" {
		return restapi.AsyncResult{Done: true}, nil
	}

	return restapi.AsyncResult{OperationID: operationIDFromHref(link.Href)}, nil
}

func (c *Client) GetOperationStatus(ctx context.Context, operationID string) (restapi.OperationStatus, error) {
	var res struct {
		Status string `json:"status"`
	}

	if err := c.do(ctx, http.MethodGet, "/operations/"+operationID, nil, &res); err != nil {
		return "", err
	}

	switch res.Status {
	case "success":
		return restapi.OperationSuccess, nil
	case "failed":
		return restapi.OperationFailed, nil
	default:
		return restapi.OperationInProgress, nil
	}
}

// operationIDFromHref extracts the trailing path segment of an operations
// link, e.g. ".../v1/disk/operations/abc123" -> "abc123".
func operationIDFromHref(href string) string {
	u, err := url.Parse(href)
	if err != nil {
		return href
	}

	parts := strings.Split(strings.TrimSuffix(u.Path, "/"), "/")

	return parts[len(parts)-1]
}

// do issues an authorized request against endpoint and decodes the JSON
// response body into out (skipped if out is nil).
func (c *Client) do(ctx context.Context, method, endpoint string, query url.Values, out any) error {
	token, err := c.tokens.CurrentToken(ctx)
	if err != nil {
		return fmt.Errorf("yadisk: obtaining token: %w", err)
	}

	full := c.baseURL + endpoint
	if len(query) > 0 {
		full += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, full, nil)
	if err != nil {
		return fmt.Errorf("yadisk: building request: %w", err)
	}

	req.Header.Set("Authorization", "OAuth "+token)

	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &restapi.ClassifiedError{Kind: restapi.KindTransient, Message: err.Error(), Err: restapi.ErrTransient}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return restapi.ClassifyStatus(resp.StatusCode, resp.Status)
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("yadisk: decoding response: %w", err)
	}

	return nil
}
