package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// RESTOptions parameterise a JSON-over-HTTP source client.
type RESTOptions struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
}

// restClient is shared plumbing for the Blockscout and GeckoTerminal
// sources, which differ only in identity and base URL.
type restClient struct {
	name    string
	opts    RESTOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

func newRESTClient(name string, opts RESTOptions, logger zerolog.Logger) *restClient {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &restClient{
		name:    name,
		opts:    opts,
		logger:  logger.With().Str("component", name+"_source").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
	}
}

func (c *restClient) Name() string { return c.name }

// Fetch performs a GET against BaseURL+Path and returns the body as a
// single frame. 5xx and 429 responses are retryable; other failures are
// surfaced as-is.
func (c *restClient) Fetch(ctx context.Context, req Request) (Payload, error) {
	if c.baseURL == "" {
		return Payload{}, fmt.Errorf("%s base url not configured", c.name)
	}

	endpoint := c.baseURL + req.Path
	if len(req.Query) > 0 {
		endpoint += "?" + req.Query.Encode()
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Payload{}, err
	}
	httpReq.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(c.opts.UserAgent); ua != "" {
		httpReq.Header.Set("User-Agent", ua)
	} else {
		httpReq.Header.Set("User-Agent", "usdfcwatch/1.0")
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return Payload{}, transient(c.name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Payload{}, transient(c.name, err)
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return Payload{}, transient(c.name, fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}
	if resp.StatusCode != http.StatusOK {
		return Payload{}, fmt.Errorf("%s http %d: %s", c.name, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	return Payload{Frames: [][]byte{body}}, nil
}

// NewBlockscout builds the Blockscout REST client.
func NewBlockscout(opts RESTOptions, logger zerolog.Logger) Client {
	return newRESTClient(NameBlockscout, opts, logger)
}

// NewGecko builds the GeckoTerminal REST client.
func NewGecko(opts RESTOptions, logger zerolog.Logger) Client {
	return newRESTClient(NameGecko, opts, logger)
}

// Values is a small helper for building request queries.
func Values(pairs ...string) url.Values {
	v := url.Values{}
	for i := 0; i+1 < len(pairs); i += 2 {
		v.Set(pairs[i], pairs[i+1])
	}
	return v
}
