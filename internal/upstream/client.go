package upstream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/duogate/duogate/internal/config"
	"github.com/duogate/duogate/internal/protocol"
)

// ConnectionLost reports that every transport attempt against the upstream
// failed. Non-streaming callers convert it to 502; streaming callers emit
// an error frame.
type ConnectionLost struct {
	Attempts int
	Err      error
}

func (e *ConnectionLost) Error() string {
	return fmt.Sprintf("upstream connection lost after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ConnectionLost) Unwrap() error { return e.Err }

// Request is one upstream dispatch. Body is the final JSON payload;
// Headers are the client headers the server chose to forward.
type Request struct {
	Family  protocol.Family
	Path    string
	Body    []byte
	Headers http.Header
	Stream  bool
}

// Client posts JSON bodies to the two upstream endpoint families with the
// retry policy: transport failures and 5xx retry with doubling backoff,
// 4xx pass through unmodified on the first attempt.
type Client struct {
	cfg    *config.Config
	http   *http.Client
	stream *http.Client
}

func New(cfg *config.Config) *Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.ConnectTimeout(),
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   cfg.ConnectTimeout(),
		ResponseHeaderTimeout: cfg.RequestTimeout(),
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Transport: transport, Timeout: cfg.RequestTimeout()},
		// Streams have no overall deadline; silence between frames is
		// enforced by the bridge's watchdog.
		stream: &http.Client{Transport: transport},
	}
}

// URL builds the endpoint URL for a family. Path overrides the family
// default when set.
func (c *Client) URL(family protocol.Family, path string) string {
	if family == protocol.FamilyOpenAI {
		if path == "" {
			path = "/chat/completions"
		}
		return strings.TrimSuffix(c.cfg.OpenAIUpstreamBase, "/") + path
	}
	if path == "" {
		path = "/v1/messages"
	}
	return strings.TrimSuffix(c.cfg.UpstreamBase, "/") + path
}

// Do dispatches one request. The response body is open on return and the
// caller owns closing it. A 4xx response returns immediately; 5xx and
// transport errors retry with doubling backoff until the attempt budget
// runs out, after which the last 5xx response (if any) is returned, or a
// ConnectionLost error when no response was ever received.
func (c *Client) Do(ctx context.Context, r *Request) (*http.Response, error) {
	client := c.http
	if r.Stream {
		client = c.stream
	}
	url := c.URL(r.Family, r.Path)

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.cfg.RetryBackoff()
	exp.Multiplier = 2
	exp.RandomizationFactor = 0
	exp.MaxElapsedTime = 0

	var (
		resp         *http.Response
		last5xx      *http.Response
		attempts     int
		transportErr error
	)
	operation := func() error {
		if last5xx != nil {
			// A newer attempt supersedes the held 5xx response.
			_, _ = io.Copy(io.Discard, last5xx.Body)
			last5xx.Body.Close()
			last5xx = nil
		}
		attempts++

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(r.Body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("build upstream request: %w", err))
		}
		c.applyHeaders(req, r)

		resp, err = client.Do(req)
		if err != nil {
			transportErr = err
			logrus.Debugf("upstream attempt %d failed: %v", attempts, err)
			return err
		}
		if resp.StatusCode >= 500 {
			last5xx = resp
			logrus.Debugf("upstream attempt %d returned %d", attempts, resp.StatusCode)
			return fmt.Errorf("upstream status %d", resp.StatusCode)
		}
		return nil
	}

	retries := uint64(0)
	if c.cfg.MaxRetries > 1 {
		retries = uint64(c.cfg.MaxRetries - 1)
	}
	err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(exp, retries), ctx))
	if err == nil {
		return resp, nil
	}
	if last5xx != nil {
		return last5xx, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if transportErr == nil {
		return nil, err
	}
	return nil, &ConnectionLost{Attempts: attempts, Err: err}
}

// applyHeaders copies the forwarded client headers (dropping empty values),
// then fills in content type, accept, credentials and the anthropic version
// when the caller did not provide them.
func (c *Client) applyHeaders(req *http.Request, r *Request) {
	for key, vals := range r.Headers {
		for _, v := range vals {
			if v == "" {
				continue
			}
			req.Header.Add(key, v)
		}
	}
	req.Header.Set("Content-Type", "application/json")
	if r.Stream {
		req.Header.Set("Accept", "text/event-stream")
	}

	hasCallerKey := req.Header.Get("x-api-key") != "" || req.Header.Get("Authorization") != ""
	if !c.cfg.ForwardClientKey && hasCallerKey {
		req.Header.Del("x-api-key")
		req.Header.Del("Authorization")
		hasCallerKey = false
	}
	if !hasCallerKey && c.cfg.ServerAPIKey != "" {
		if r.Family == protocol.FamilyOpenAI {
			req.Header.Set("Authorization", "Bearer "+c.cfg.ServerAPIKey)
		} else {
			req.Header.Set("x-api-key", c.cfg.ServerAPIKey)
		}
	}
	if r.Family == protocol.FamilyAnthropic && req.Header.Get("anthropic-version") == "" {
		req.Header.Set("anthropic-version", c.cfg.AnthropicVersion)
	}
}

// IsEventStream reports whether the response carries an SSE body; a
// mismatch on a streaming request triggers the non-streaming fallback.
func IsEventStream(resp *http.Response) bool {
	return strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream")
}

// RedactHeaders returns a copy safe for logging, with credential headers
// removed.
func RedactHeaders(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for key, vals := range h {
		switch http.CanonicalHeaderKey(key) {
		case "Authorization", "X-Api-Key":
			continue
		}
		out[key] = append([]string(nil), vals...)
	}
	return out
}
