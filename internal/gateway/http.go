package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/tidwall/gjson"

	"github.com/roach88/courier/internal/model"
	"github.com/roach88/courier/internal/payload"
)

// maxErrorBody bounds how much of an error response is kept in Result.Err.
const maxErrorBody = 512

// maxResponseBody bounds how much of any response body is read.
const maxResponseBody = 1 << 20

// CredentialSource supplies a bearer token on demand. Token refresh is the
// source's business; the gateway asks once per call.
type CredentialSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a CredentialSource that always returns the same token.
type StaticToken string

// Token returns the token.
func (s StaticToken) Token(context.Context) (string, error) {
	return string(s), nil
}

// TokenFunc adapts a function to CredentialSource.
type TokenFunc func(ctx context.Context) (string, error)

// Token calls f.
func (f TokenFunc) Token(ctx context.Context) (string, error) {
	return f(ctx)
}

// HTTP applies mutations over a REST-style API:
//
//	create  POST   {base}/{type}s
//	update  PUT    {base}/{type}s/{id}
//	delete  DELETE {base}/{type}s/{id}
//
// A 2xx response is a success; the server id is read from {"id": ...} in
// the response body. 408, 425, 429, 5xx, network errors and timeouts are
// transient; every other status is permanent. A 404 on delete counts as
// success: the entity is already gone.
type HTTP struct {
	baseURL   string
	client    *http.Client
	creds     CredentialSource
	userAgent string
}

// HTTPOption configures an HTTP gateway.
type HTTPOption func(*HTTP)

// WithHTTPClient sets the client used for requests.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(g *HTTP) {
		g.client = c
	}
}

// WithCredentials sets the bearer token source.
func WithCredentials(c CredentialSource) HTTPOption {
	return func(g *HTTP) {
		g.creds = c
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) HTTPOption {
	return func(g *HTTP) {
		g.userAgent = ua
	}
}

// NewHTTP creates an HTTP gateway rooted at baseURL.
func NewHTTP(baseURL string, opts ...HTTPOption) *HTTP {
	g := &HTTP{
		baseURL:   strings.TrimRight(baseURL, "/"),
		client:    &http.Client{Timeout: 30 * time.Second},
		userAgent: "courier",
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Invoke sends req and classifies the response.
func (g *HTTP) Invoke(ctx context.Context, req Request) Result {
	httpReq, err := g.newRequest(ctx, req)
	if err != nil {
		return PermanentFailure(err)
	}

	if g.creds != nil {
		token, err := g.creds.Token(ctx)
		if err != nil {
			return TransientFailure(fmt.Errorf("credentials: %w", err))
		}
		if token != "" {
			httpReq.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return TransientFailure(fmt.Errorf("http request: %w", err))
	}
	defer resp.Body.Close()

	body, err := readBody(resp.Body)
	if err != nil {
		return Result{Outcome: Transient, StatusCode: resp.StatusCode, Err: fmt.Errorf("read response: %w", err)}
	}

	return classify(req, resp.StatusCode, body)
}

// readBody reads at most maxResponseBody bytes of r. The rest is
// discarded by closing the body.
func readBody(r io.Reader) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r, maxResponseBody))
}

func (g *HTTP) newRequest(ctx context.Context, req Request) (*http.Request, error) {
	collection := g.baseURL + "/" + url.PathEscape(req.EntityType.Table())
	item := collection + "/" + url.PathEscape(req.EntityID)

	var (
		method string
		target string
		body   io.Reader
	)
	switch req.Operation {
	case model.OpCreate:
		method, target, body = http.MethodPost, collection, bytes.NewReader(req.Payload)
	case model.OpUpdate:
		method, target, body = http.MethodPut, item, bytes.NewReader(req.Payload)
	case model.OpDelete:
		method, target = http.MethodDelete, item
	default:
		return nil, fmt.Errorf("unknown operation %q", req.Operation)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Accept", "application/json")
	if req.IdempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	}
	if g.userAgent != "" {
		httpReq.Header.Set("User-Agent", g.userAgent)
	}
	return httpReq, nil
}

func classify(req Request, status int, body []byte) Result {
	switch {
	case status >= 200 && status < 300:
		return Result{Outcome: Success, StatusCode: status, ServerID: payload.ServerID(body)}
	case status == http.StatusNotFound && req.Operation == model.OpDelete:
		return Result{Outcome: Success, StatusCode: status}
	}

	err := &StatusError{Code: status, Message: errorMessage(body)}
	if IsTransientStatus(status) {
		return Result{Outcome: Transient, StatusCode: status, Err: err}
	}
	return Result{Outcome: Permanent, StatusCode: status, Err: err}
}

// IsTransientStatus reports whether an HTTP status is worth retrying.
func IsTransientStatus(status int) bool {
	switch status {
	case http.StatusRequestTimeout, http.StatusTooEarly, http.StatusTooManyRequests:
		return true
	}
	return status >= 500
}

// StatusError is a non-2xx response.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.Code)
	}
	return fmt.Sprintf("HTTP %d: %s", e.Code, e.Message)
}

// errorMessage extracts a readable message from an error body. JSON bodies
// with an "error" or "message" field yield that field; anything else is
// truncated raw text.
func errorMessage(body []byte) string {
	if gjson.ValidBytes(body) {
		for _, path := range []string{"error.message", "message", "error"} {
			if r := gjson.GetBytes(body, path); r.Type == gjson.String && r.Str != "" {
				return r.Str
			}
		}
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > maxErrorBody {
		cut := maxErrorBody
		for cut > 0 && !utf8.RuneStart(msg[cut]) {
			cut--
		}
		msg = msg[:cut] + "..."
	}
	return msg
}

// IsTimeout reports whether err is a timeout or deadline error.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
