package agent

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/PrzemekSekula/laser-train/internal/protocol"
)

//go:generate mockgen -destination=mocks/mock_transport.go -package=mocks github.com/PrzemekSekula/laser-train/internal/agent Transport

// Transport performs one request/response exchange with the dispatch server.
// Any error (network, non-2xx status, undecodable body) counts as "no valid
// response".
type Transport interface {
	Exchange(ctx context.Context, req protocol.Request) (protocol.Directive, error)
}

const maxErrorBody = 512

// HTTPTransport POSTs JSON requests to the server's rpc endpoint.
type HTTPTransport struct {
	url    string
	client *http.Client
}

// NewHTTPTransport creates a transport whose requests time out after timeout.
func NewHTTPTransport(url string, timeout time.Duration) *HTTPTransport {
	return &HTTPTransport{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

// Exchange sends req and decodes the returned directive.
func (t *HTTPTransport) Exchange(ctx context.Context, req protocol.Request) (protocol.Directive, error) {
	var body bytes.Buffer
	if err := protocol.EncodeRequest(&body, req); err != nil {
		return protocol.Directive{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, &body)
	if err != nil {
		return protocol.Directive{}, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return protocol.Directive{}, fmt.Errorf("post %s: %w", req.Action, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return protocol.Directive{}, fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	d, err := protocol.DecodeDirective(resp.Body)
	if err != nil {
		return protocol.Directive{}, fmt.Errorf("decode directive: %w", err)
	}
	return d, nil
}
