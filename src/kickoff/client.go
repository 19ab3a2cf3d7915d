package kickoff

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"
)

var (
	// ErrUnexpectedStatus is returned for non-2xx kickoff responses.
	ErrUnexpectedStatus = errors.New("unexpected kickoff status")

	// ErrUnauthorized is returned when the backend rejects the credentials.
	// Retrying does not help.
	ErrUnauthorized = errors.New("kickoff unauthorized")
)

// Payload is the batched bootstrap data returned by the backend.
type Payload struct {
	User         map[string]any   `json:"user"`
	Memberships  []map[string]any `json:"memberships"`
	FeatureFlags []FeatureFlag    `json:"featureFlags"`
	// Enums is a JSON-encoded map of enum name to values. Some deployments
	// send the map itself instead of the string.
	Enums json.RawMessage `json:"enums"`
}

type FeatureFlag struct {
	Key     string `json:"key"`
	Enabled bool   `json:"enabled"`
}

type envelope struct {
	Data   *Payload `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// Client fetches the kickoff payload in one request.
type Client struct {
	url     string
	token   func(ctx context.Context) (string, error)
	client  *fasthttp.Client
	timeout time.Duration
	logger  zerolog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the fasthttp client.
func WithHTTPClient(hc *fasthttp.Client) Option {
	return func(c *Client) { c.client = hc }
}

// WithTimeout sets the request timeout used when ctx has no deadline.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// New creates a kickoff client. token supplies the bearer credential.
func New(url string, token func(ctx context.Context) (string, error), logger zerolog.Logger, opts ...Option) *Client {
	c := &Client{
		url:     url,
		token:   token,
		client:  &fasthttp.Client{Name: "madonna"},
		timeout: 15 * time.Second,
		logger:  logger.With().Str("component", "kickoff").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Kickoff issues the batched request for the current user profile,
// memberships, feature flags and enum catalog.
func (c *Client) Kickoff(ctx context.Context) (*Payload, error) {
	requestID := uuid.NewString()
	body, err := json.Marshal(map[string]string{
		"operation":  "kickoff",
		"request_id": requestID,
	})
	if err != nil {
		return nil, err
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.url)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.Header.Set("X-Request-ID", requestID)
	if c.token != nil {
		tok, err := c.token(ctx)
		if err != nil {
			return nil, fmt.Errorf("kickoff token: %w", err)
		}
		if tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}
	req.SetBody(body)

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.timeout)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := c.client.DoDeadline(req, resp, deadline); err != nil {
		return nil, fmt.Errorf("kickoff request: %w", err)
	}

	status := resp.StatusCode()
	c.logger.Debug().Str("request_id", requestID).Int("status", status).Msg("kickoff response")
	switch {
	case status == fasthttp.StatusUnauthorized || status == fasthttp.StatusForbidden:
		return nil, fmt.Errorf("%w: status %d", ErrUnauthorized, status)
	case status < 200 || status >= 300:
		return nil, fmt.Errorf("%w: %d %s", ErrUnexpectedStatus, status, snippet(resp.Body()))
	}
	return Decode(resp.Body())
}

// Decode reads a kickoff response. Both a {"data": ...} envelope and a bare
// payload are accepted.
func Decode(data []byte) (*Payload, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode kickoff: %w", err)
	}
	if len(env.Errors) > 0 {
		msgs := make([]string, 0, len(env.Errors))
		for _, e := range env.Errors {
			msgs = append(msgs, e.Message)
		}
		return nil, fmt.Errorf("kickoff failed: %s", strings.Join(msgs, "; "))
	}
	if env.Data != nil {
		return env.Data, nil
	}

	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode kickoff: %w", err)
	}
	return &p, nil
}

func snippet(b []byte) string {
	const max = 200
	s := strings.TrimSpace(string(b))
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
