// Package client provides a bounded outbound HTTP client for federation
// traffic. Peers are untrusted: response sizes are capped, redirects are
// not followed (delivery targets are exact endpoints), and every request
// carries the configured timeout.
package client

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/talkmesh/talkmesh-go/internal/platform/config"
)

var (
	ErrResponseTooLarge = errors.New("response body too large")
)

// HTTPClient is the shared interface for outbound HTTP requests.
// Consumers depend on this interface so tests can substitute transports.
type HTTPClient interface {
	Do(ctx context.Context, req *http.Request) (*http.Response, error)
}

// Client is a bounded HTTP client for peer requests.
type Client struct {
	cfg        *config.OutboundConfig
	httpClient *http.Client
}

// New creates the outbound client. A nil cfg uses conservative defaults.
func New(cfg *config.OutboundConfig) *Client {
	if cfg == nil {
		cfg = &config.OutboundConfig{
			TimeoutMS:        10000,
			MaxResponseBytes: 1 << 20,
		}
	}

	transport := &http.Transport{
		Proxy: nil, // ignore proxy environment variables
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: cfg.InsecureSkipVerify,
		},
		MaxIdleConns:        32,
		IdleConnTimeout:     60 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}

	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   time.Duration(cfg.TimeoutMS) * time.Millisecond,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Do executes the request with the client's bounds applied. The response
// body is wrapped so reads beyond MaxResponseBytes fail with
// ErrResponseTooLarge.
func (c *Client) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	resp, err := c.httpClient.Do(req.WithContext(ctx))
	if err != nil {
		return nil, err
	}

	if c.cfg.MaxResponseBytes > 0 {
		resp.Body = &cappedReader{rc: resp.Body, remaining: c.cfg.MaxResponseBytes}
	}

	return resp, nil
}

// cappedReader fails once more than the allowed number of bytes was read.
type cappedReader struct {
	rc        io.ReadCloser
	remaining int64
}

func (r *cappedReader) Read(p []byte) (int, error) {
	if r.remaining <= 0 {
		return 0, ErrResponseTooLarge
	}
	if int64(len(p)) > r.remaining+1 {
		p = p[:r.remaining+1]
	}
	n, err := r.rc.Read(p)
	r.remaining -= int64(n)
	if r.remaining < 0 {
		return n, ErrResponseTooLarge
	}
	return n, err
}

func (r *cappedReader) Close() error { return r.rc.Close() }
