// Package model defines shared types for the proxy.
package model

import (
	"context"
	"io"
	"net/http"
)

// ProxyRequest is an inbound client request to be relayed upstream unchanged.
type ProxyRequest struct {
	Ctx           context.Context
	Method        string
	Path          string
	RawPath       string // escaped form of Path when it differs from the default encoding
	RawQuery      string
	Host          string
	Header        http.Header
	ContentLength int64
	Body          io.ReadCloser
}

// ProxyResponse is the upstream response, handed to exactly one handler.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}
