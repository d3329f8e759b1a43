// Package fetch retrieves a remote MEI document over HTTPS, grounded in
// the original service's get_external_mei helper: the URL arrives in the
// request path with its scheme stripped and percent-escaped, and is
// always re-fetched over https regardless of what scheme the caller
// named.
package fetch

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"time"

	"github.com/emaaddr/ema/internal/meierr"
)

var schemePrefix = regexp.MustCompile(`^/?https?(?:%3A|%3a|:)(?:%2F|%2f|/)*`)

// Client retrieves external MEI documents over HTTPS.
type Client struct {
	HTTP    *http.Client
	Timeout time.Duration
}

// NewClient builds a Client with the given timeout.
func NewClient(timeout time.Duration) *Client {
	return &Client{HTTP: &http.Client{Timeout: timeout}, Timeout: timeout}
}

// Get retrieves the MEI document addressed by meipath, a path-encoded
// URL with its scheme optionally present and percent-escaped (e.g.
// "www.example.org%2Ffile.mei" or "https%3A%2F%2Fwww.example.org/f.mei").
func (c *Client) Get(ctx context.Context, meipath string) ([]byte, error) {
	stripped := schemePrefix.ReplaceAllString(meipath, "")
	unescaped, err := url.PathUnescape(stripped)
	if err != nil {
		return nil, meierr.BadRequestf("could not decode MEI source path %q: %v", meipath, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://"+unescaped, nil)
	if err != nil {
		return nil, meierr.BadRequestf("could not build request for %q: %v", unescaped, err)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, meierr.BadRequestf("could not reach %q: %v", unescaped, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, meierr.BadRequestf("MEI document not found at %q", unescaped)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, meierr.Malformedf("unexpected status %d retrieving %q", resp.StatusCode, unescaped)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, meierr.Malformedf("could not read response body from %q: %v", unescaped, err)
	}
	return body, nil
}
