package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/orchestra-mcp/madonna/src/types"
	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"
)

// ErrSendUnsupported is returned by SSE connections that have no send URL.
var ErrSendUnsupported = types.ErrSendUnsupported

// SSEDialer reads realtime frames from a Server-Sent-Events stream. Outbound
// frames are POSTed as JSON to SendURL.
type SSEDialer struct {
	URL     string
	SendURL string
	Token   TokenFunc

	// HTTPClient carries the stream; nil uses a client without timeouts.
	HTTPClient *http.Client
	// SendClient posts outbound frames; nil uses a default fasthttp client.
	SendClient  *fasthttp.Client
	SendTimeout time.Duration

	Logger zerolog.Logger
}

// Dial opens the event stream and waits for a 200 response.
func (d *SSEDialer) Dial(ctx context.Context) (types.Conn, error) {
	tok, err := bearer(ctx, d.Token)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("build sse request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	client := d.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sse connect %s: %w", d.URL, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("sse connect %s: status %d", d.URL, resp.StatusCode)
	}
	d.Logger.Debug().Str("url", d.URL).Msg("sse connected")

	sendClient := d.SendClient
	if sendClient == nil {
		sendClient = &fasthttp.Client{}
	}
	timeout := d.SendTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &sseConn{
		body:    resp.Body,
		reader:  bufio.NewReader(resp.Body),
		sendURL: d.SendURL,
		token:   tok,
		client:  sendClient,
		timeout: timeout,
	}, nil
}

type sseConn struct {
	body   io.ReadCloser
	reader *bufio.Reader

	sendURL string
	token   string
	client  *fasthttp.Client
	timeout time.Duration

	once sync.Once
}

// ReadJSON decodes the data of the next complete event.
func (c *sseConn) ReadJSON(v any) error {
	data, err := readEvent(c.reader)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// WriteJSON posts the frame to the send URL.
func (c *sseConn) WriteJSON(v any) error {
	if c.sendURL == "" {
		return ErrSendUnsupported
	}
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.sendURL)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.SetBody(body)

	if err := c.client.DoTimeout(req, resp, c.timeout); err != nil {
		return fmt.Errorf("sse send: %w", err)
	}
	if code := resp.StatusCode(); code < 200 || code >= 300 {
		return fmt.Errorf("sse send: status %d", code)
	}
	return nil
}

func (c *sseConn) Close() error {
	var err error
	c.once.Do(func() { err = c.body.Close() })
	return err
}

// readEvent returns the joined data lines of the next event. Comment lines
// and the event, id and retry fields are ignored. Events without data are
// skipped.
func readEvent(r *bufio.Reader) ([]byte, error) {
	var data []string
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.EOF
			}
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")

		switch {
		case line == "":
			if len(data) > 0 {
				return []byte(strings.Join(data, "\n")), nil
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "data:"):
			value := strings.TrimPrefix(line, "data:")
			data = append(data, strings.TrimPrefix(value, " "))
		case line == "data":
			data = append(data, "")
		}
	}
}
