// Package service implements the core proxy forwarding logic.
package service

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"devtools-proxy-go/internal/client"
	"devtools-proxy-go/internal/config"
	"devtools-proxy-go/internal/model"
)

// ProxyService relays requests to the upstream app server.
type ProxyService struct {
	client  *client.UpstreamClient
	logger  *slog.Logger
	baseURL *url.URL
}

// NewProxyService creates a ProxyService targeting cfg.Upstream.
func NewProxyService(c *client.UpstreamClient, cfg *config.Config, logger *slog.Logger) (*ProxyService, error) {
	u, err := url.Parse(cfg.Upstream.BaseURL())
	if err != nil {
		return nil, fmt.Errorf("parse upstream url: %w", err)
	}

	return &ProxyService{
		client:  c,
		logger:  logger.With("component", "proxy_service"),
		baseURL: u,
	}, nil
}

// BaseURL returns the upstream origin.
func (s *ProxyService) BaseURL() *url.URL {
	u := *s.baseURL
	return &u
}

// Forward sends a ProxyRequest upstream with its method, path, query, Host,
// headers and body intact, and returns the response without reading its body.
// The caller is responsible for closing the response body.
func (s *ProxyService) Forward(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	req, err := s.buildRequest(pr)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}

	s.logger.Debug("forwarding request",
		"method", pr.Method,
		"path", pr.Path,
	)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("forward to upstream: %w", err)
	}
	return resp, nil
}

// UpstreamURL maps an inbound path and query onto the upstream origin.
func (s *ProxyService) UpstreamURL(path, rawPath, rawQuery string) *url.URL {
	u := *s.baseURL
	u.Path = path
	u.RawPath = rawPath
	u.RawQuery = rawQuery
	return &u
}

func (s *ProxyService) buildRequest(pr *model.ProxyRequest) (*http.Request, error) {
	body := pr.Body
	if pr.ContentLength == 0 {
		body = http.NoBody
	}

	u := s.UpstreamURL(pr.Path, pr.RawPath, pr.RawQuery)
	req, err := http.NewRequestWithContext(pr.Ctx, pr.Method, u.String(), body)
	if err != nil {
		return nil, err
	}

	req.Header = pr.Header.Clone()
	if req.Header == nil {
		req.Header = make(http.Header)
	}
	// An explicit empty value stops net/http from adding its own User-Agent.
	if _, ok := req.Header["User-Agent"]; !ok {
		req.Header["User-Agent"] = []string{""}
	}
	req.ContentLength = pr.ContentLength
	if pr.Host != "" {
		req.Host = pr.Host
	}
	return req, nil
}
