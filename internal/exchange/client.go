package exchange

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/google/uuid"
)

// ErrNotFound is returned when the exchange holds no file at a URL.
var ErrNotFound = errors.New("file not found on exchange")

// Client transfers files to and from an exchange. URLs are absolute,
// so pillars can use a Client without a base URL.
type Client struct {
	base string       // base is the exchange root, e.g. http://host:port
	http *http.Client // http performs the requests
}

// NewClient creates a client for the exchange rooted at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{},
	}
}

// URL returns the location of a staged file name.
func (c *Client) URL(name string) string {
	return c.base + "/files/" + url.PathEscape(name)
}

// NewURL returns the location of a fresh, unique staged file.
func (c *Client) NewURL(prefix string) string {
	return c.URL(prefix + "-" + uuid.NewString())
}

// Put uploads r to fileURL.
func (c *Client) Put(ctx context.Context, fileURL string, r io.Reader, size int64) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, fileURL, r)
	if err != nil {
		return fmt.Errorf("build PUT %s:\n%w", fileURL, err)
	}

	req.ContentLength = size
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("PUT %s:\n%w", fileURL, err)
	}
	defer func() { io.Copy(io.Discard, resp.Body); resp.Body.Close() }()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("PUT %s: status %d", fileURL, resp.StatusCode)
	}

	return nil
}

// UploadFile uploads the local file at path to fileURL and returns its size.
func (c *Client) UploadFile(ctx context.Context, fileURL, path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open %s:\n%w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat %s:\n%w", path, err)
	}

	if err := c.Put(ctx, fileURL, f, info.Size()); err != nil {
		return 0, err
	}

	return info.Size(), nil
}

// Open streams the file at fileURL. The caller closes the reader.
func (c *Client) Open(ctx context.Context, fileURL string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build GET %s:\n%w", fileURL, err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s:\n%w", fileURL, err)
	}

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, fileURL)
		}

		return nil, fmt.Errorf("GET %s: status %d", fileURL, resp.StatusCode)
	}

	return resp.Body, nil
}

// DownloadToFile copies the file at fileURL into path and returns the byte count.
func (c *Client) DownloadToFile(ctx context.Context, fileURL, path string) (int64, error) {
	body, err := c.Open(ctx, fileURL)
	if err != nil {
		return 0, err
	}
	defer body.Close()

	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("create %s:\n%w", path, err)
	}

	n, err := io.Copy(f, body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return 0, fmt.Errorf("download %s:\n%w", fileURL, err)
	}

	return n, nil
}

// Delete removes the file at fileURL. Deleting a missing file succeeds.
func (c *Client) Delete(ctx context.Context, fileURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, fileURL, nil)
	if err != nil {
		return fmt.Errorf("build DELETE %s:\n%w", fileURL, err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("DELETE %s:\n%w", fileURL, err)
	}
	defer func() { io.Copy(io.Discard, resp.Body); resp.Body.Close() }()

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("DELETE %s: status %d", fileURL, resp.StatusCode)
	}

	return nil
}
