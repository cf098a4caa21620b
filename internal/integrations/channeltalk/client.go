// Package channeltalk talks to the chat vendor's Open API: it posts replies
// into a user chat and reads the chat's recent messages.
package channeltalk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"support-agent/internal/domain"
	"support-agent/internal/integrations/paramstore"
)

const (
	defaultBaseURL      = "https://api.channel.io/open/v5"
	credentialsParam    = "channel-credentials"
	defaultHistoryLimit = 200
)

type textBlock struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type sendRequest struct {
	Blocks []textBlock `json:"blocks"`
}

type messagesResponse struct {
	Messages []struct {
		PersonType string `json:"personType"`
		PlainText  string `json:"plainText"`
	} `json:"messages"`
}

// credentials is the JSON shape stored in SSM for the API key pair.
type credentials struct {
	AccessKey    string `json:"access_key"`
	AccessSecret string `json:"access_secret"`
}

// HTTPStatusError captures non-2xx responses from the Channel API.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("channeltalk: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

type Client struct {
	baseURL     string
	httpClient  *http.Client
	getter      paramstore.Getter
	paramPrefix string
	limiter     *rate.Limiter
	breaker     *gobreaker.CircuitBreaker

	credMu sync.Mutex
	creds  *credentials
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		if b := strings.TrimRight(strings.TrimSpace(baseURL), "/"); b != "" {
			c.baseURL = b
		}
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

// WithRateLimit caps outbound requests per second with the given burst.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(c *Client) {
		if perSecond > 0 && burst > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		}
	}
}

func WithCircuitBreaker(cb *gobreaker.CircuitBreaker) Option {
	return func(c *Client) {
		c.breaker = cb
	}
}

// NewClient creates a Client whose access key pair is read from
// "<paramPrefix>/channel-credentials" on first use.
func NewClient(ps paramstore.Getter, paramPrefix string, opts ...Option) (*Client, error) {
	if ps == nil {
		return nil, errors.New("channeltalk: paramstore getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("channeltalk: parameter prefix must not be empty")
	}
	c := &Client{
		baseURL:     defaultBaseURL,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		getter:      ps,
		paramPrefix: paramPrefix,
		limiter:     rate.NewLimiter(rate.Limit(5), 10),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// SendMessage posts text as a single text block into chatID.
func (c *Client) SendMessage(ctx context.Context, chatID, text string) error {
	if strings.TrimSpace(chatID) == "" {
		return errors.New("channeltalk: chat id is required")
	}
	body, err := json.Marshal(sendRequest{Blocks: []textBlock{{Type: "text", Value: text}}})
	if err != nil {
		return fmt.Errorf("channeltalk: marshal message: %w", err)
	}
	if _, err := c.do(ctx, http.MethodPost, c.messagesURL(chatID, nil), body); err != nil {
		return fmt.Errorf("channeltalk: send message: %w", err)
	}
	return nil
}

// FetchHistory returns up to limit recent messages of chatID oldest first,
// without the trailing customer messages that are being answered. Messages
// without text are dropped.
func (c *Client) FetchHistory(ctx context.Context, chatID string, limit int) ([]domain.HistoryMessage, error) {
	if strings.TrimSpace(chatID) == "" {
		return nil, errors.New("channeltalk: chat id is required")
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	q := url.Values{"sortOrder": {"desc"}, "limit": {strconv.Itoa(limit)}}
	raw, err := c.do(ctx, http.MethodGet, c.messagesURL(chatID, q), nil)
	if err != nil {
		return nil, fmt.Errorf("channeltalk: fetch history: %w", err)
	}

	var payload messagesResponse
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("channeltalk: decode history: %w", err)
	}

	history := make([]domain.HistoryMessage, 0, len(payload.Messages))
	for i := len(payload.Messages) - 1; i >= 0; i-- {
		m := payload.Messages[i]
		if m.PlainText == "" {
			continue
		}
		history = append(history, domain.HistoryMessage{
			PersonType: domain.PersonType(m.PersonType),
			PlainText:  m.PlainText,
		})
	}
	// The trailing run of customer messages is the batch being answered; it
	// reaches the responder as the consolidated text.
	end := len(history)
	for end > 0 && history[end-1].PersonType == domain.PersonUser {
		end--
	}
	return history[:end], nil
}

func (c *Client) messagesURL(chatID string, q url.Values) string {
	u := c.baseURL + "/user-chats/" + url.PathEscape(chatID) + "/messages"
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

func (c *Client) resolveCredentials(ctx context.Context) (credentials, error) {
	c.credMu.Lock()
	defer c.credMu.Unlock()
	if c.creds != nil {
		return *c.creds, nil
	}

	raw, err := c.getter.GetParameter(ctx, paramstore.Join(c.paramPrefix, credentialsParam))
	if err != nil {
		return credentials{}, fmt.Errorf("channeltalk: fetch credentials: %w", err)
	}
	var cr credentials
	if err := json.Unmarshal([]byte(raw), &cr); err != nil {
		return credentials{}, fmt.Errorf("channeltalk: unmarshal credentials: %w", err)
	}
	if cr.AccessKey == "" || cr.AccessSecret == "" {
		return credentials{}, errors.New("channeltalk: access key or secret is empty")
	}
	c.creds = &cr
	return cr, nil
}

func (c *Client) do(ctx context.Context, method, target string, body []byte) ([]byte, error) {
	creds, err := c.resolveCredentials(ctx)
	if err != nil {
		return nil, err
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit: %w", err)
		}
	}

	call := func() (any, error) {
		var rd io.Reader
		if body != nil {
			rd = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, target, rd)
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("x-access-key", creds.AccessKey)
		req.Header.Set("x-access-secret", creds.AccessSecret)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		return c.send(req, target)
	}

	var out any
	if c.breaker != nil {
		out, err = c.breaker.Execute(call)
	} else {
		out, err = call()
	}
	if err != nil {
		return nil, err
	}
	return out.([]byte), nil
}

func (c *Client) send(req *http.Request, target string) ([]byte, error) {
	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, &HTTPStatusError{StatusCode: res.StatusCode, URL: target, Body: string(buf)}
	}
	buf, err := io.ReadAll(io.LimitReader(res.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return buf, nil
}
