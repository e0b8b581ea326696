package messenger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const (
	defaultBaseURL = "https://graph.facebook.com/v22.0"

	// maxAttachmentBytes caps attachment downloads; receipt photos and short
	// voice notes stay well under this.
	maxAttachmentBytes = 10 << 20
)

// sendRequest is the Send API payload shape.
type sendRequest struct {
	Recipient recipient `json:"recipient"`
	Message   message   `json:"message"`
}

type recipient struct {
	ID string `json:"id"`
}

type message struct {
	Text string `json:"text"`
}

// tokenPayload is the expected JSON shape stored in SSM for the page token.
type tokenPayload struct {
	Token string `json:"token"`
}

type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// HTTPStatusError captures non-2xx upstream responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("messenger: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client talks to the Messenger Send API and fetches attachment payloads
// from their CDN URLs.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	getter      Getter
	paramPrefix string

	tokenOnce sync.Once
	token     string
	tokenErr  error
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSpace(baseURL)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// NewClient creates a Client backed by the given paramstore getter for page
// access token retrieval. The token is fetched from SSM on the first send and
// reused for the lifetime of the process.
func NewClient(ps Getter, paramPrefix string, opts ...Option) (*Client, error) {
	if ps == nil {
		return nil, errors.New("messenger: paramstore getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("messenger: parameter prefix must not be empty")
	}
	c := &Client{
		baseURL:     defaultBaseURL,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		getter:      ps,
		paramPrefix: paramPrefix,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) resolveToken(ctx context.Context) (string, error) {
	c.tokenOnce.Do(func() {
		c.token, c.tokenErr = fetchTokenFromParamStore(ctx, c.getter, c.tokenParameterName())
	})
	return c.token, c.tokenErr
}

func (c *Client) tokenParameterName() string {
	return c.paramPrefix + "/page-access-token"
}

func (c *Client) resolvedHTTPClient() *http.Client {
	if c.httpClient != nil {
		return c.httpClient
	}
	return &http.Client{Timeout: 10 * time.Second}
}

func sendURL(baseURL, token string) string {
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	return base + "/me/messages?access_token=" + url.QueryEscape(token)
}

// SendText posts a text reply to the recipient. The access token never
// appears in returned errors.
func (c *Client) SendText(ctx context.Context, recipientID, text string) error {
	if strings.TrimSpace(recipientID) == "" {
		return errors.New("messenger: recipient id must not be empty")
	}
	if strings.TrimSpace(text) == "" {
		return errors.New("messenger: message text must not be empty")
	}

	token, err := c.resolveToken(ctx)
	if err != nil {
		return err
	}

	body, err := json.Marshal(sendRequest{
		Recipient: recipient{ID: recipientID},
		Message:   message{Text: text},
	})
	if err != nil {
		return fmt.Errorf("messenger: marshal send request: %w", err)
	}

	req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, sendURL(c.baseURL, token), bytes.NewReader(body))
	if reqErr != nil {
		return fmt.Errorf("messenger: create send request: %w", reqErr)
	}
	req.Header.Set("Content-Type", "application/json")

	res, doErr := c.resolvedHTTPClient().Do(req)
	if doErr != nil {
		return fmt.Errorf("messenger: send request failed: %w", doErr)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return &HTTPStatusError{
			StatusCode: res.StatusCode,
			URL:        strings.TrimRight(c.baseURL, "/") + "/me/messages",
			Body:       string(buf),
		}
	}
	return nil
}

// FetchAttachment downloads an attachment payload from its delivery URL.
// A non-success transport status fails the fetch; nothing is extracted from
// a partial download.
func (c *Client) FetchAttachment(ctx context.Context, rawURL string) ([]byte, error) {
	if strings.TrimSpace(rawURL) == "" {
		return nil, errors.New("messenger: attachment url must not be empty")
	}

	req, reqErr := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if reqErr != nil {
		return nil, fmt.Errorf("messenger: create attachment request: %w", reqErr)
	}

	res, doErr := c.resolvedHTTPClient().Do(req)
	if doErr != nil {
		return nil, fmt.Errorf("messenger: attachment fetch failed: %w", doErr)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, &HTTPStatusError{
			StatusCode: res.StatusCode,
			URL:        rawURL,
			Body:       string(buf),
		}
	}

	data, err := io.ReadAll(io.LimitReader(res.Body, maxAttachmentBytes))
	if err != nil {
		return nil, fmt.Errorf("messenger: read attachment body: %w", err)
	}
	if len(data) == 0 {
		return nil, errors.New("messenger: attachment body is empty")
	}
	return data, nil
}

func fetchTokenFromParamStore(ctx context.Context, getter Getter, name string) (string, error) {
	if getter == nil {
		return "", errors.New("messenger: paramstore getter is nil")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("messenger: token parameter name is empty")
	}

	raw, err := getter.GetParameter(ctx, name)
	if err != nil {
		return "", fmt.Errorf("messenger: fetch page token from paramstore: %w", err)
	}
	var tp tokenPayload
	if err := json.Unmarshal([]byte(raw), &tp); err != nil {
		return "", fmt.Errorf("messenger: unmarshal paramstore token value as JSON: %w", err)
	}
	if tp.Token == "" {
		return "", errors.New("messenger: page access token is empty")
	}
	return tp.Token, nil
}
