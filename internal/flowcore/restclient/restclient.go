// Package restclient provides the reference RequestHandler the core's
// FlowManager calls out to for every REST operation of spec §6. The
// REST/HTTP client itself is explicitly out of scope (spec §1): a
// conforming implementation may substitute any realisation behind the
// Handler interface. This reference implementation wraps net/http with
// golang.org/x/time/rate pacing, grounded on the pack's use of
// golang.org/x/time/rate for client-side request pacing.
package restclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/sebas/flowcore/internal/flowcore/logging"
)

var log = logging.For("restclient")

// Request is one outbound REST call issued by FlowManager (spec §6).
type Request struct {
	Method string
	Path   string // relative to BaseURL, e.g. "/conversations/cv1/call/flows"
	Body   []byte
}

// Response is the decoded result of a REST call.
type Response struct {
	Status      int
	ContentType string
	Body        []byte
}

// Handler is the external REST collaborator FlowManager depends on.
type Handler interface {
	Do(ctx context.Context, req Request) (Response, error)
}

// Default is the reference Handler: an http.Client against BaseURL, rate
// limited to avoid hammering the backend during reconnect storms.
type Default struct {
	BaseURL     string
	Client      *http.Client
	AuthHeader  func() string // returns e.g. "Bearer <token>", called per-request
	limiter     *rate.Limiter
}

// NewDefault builds a Default handler paced at rps requests/second with a
// burst of burst, using client (or a new http.Client with a 10s timeout if
// nil).
func NewDefault(baseURL string, rps float64, burst int, client *http.Client) *Default {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Default{
		BaseURL: baseURL,
		Client:  client,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

func (d *Default) Do(ctx context.Context, req Request) (Response, error) {
	if err := d.limiter.Wait(ctx); err != nil {
		return Response{}, fmt.Errorf("restclient: rate limit wait: %w", err)
	}

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, d.BaseURL+req.Path, body)
	if err != nil {
		return Response{}, fmt.Errorf("restclient: build request: %w", err)
	}
	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if d.AuthHeader != nil {
		if h := d.AuthHeader(); h != "" {
			httpReq.Header.Set("Authorization", h)
		}
	}

	resp, err := d.Client.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("restclient: %s %s: %w", req.Method, req.Path, err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, fmt.Errorf("restclient: read body: %w", err)
	}

	log.Debug("rest call", "method", req.Method, "path", req.Path, "status", resp.StatusCode)
	return Response{
		Status:      resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        b,
	}, nil
}

var _ Handler = (*Default)(nil)
