package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"devtools-proxy-go/internal/config"
	"devtools-proxy-go/internal/metrics"
	"devtools-proxy-go/internal/model"
	"devtools-proxy-go/internal/rewrite"
	"devtools-proxy-go/internal/service"
)

// ErrorBody is the fixed response body sent when the upstream cannot be reached.
const ErrorBody = "An error occurred while processing the proxy request."

const streamChunkSize = 32 * 1024

// ProxyHandler forwards every request to the upstream app server and injects
// the instrumentation script into HTML page responses.
type ProxyHandler struct {
	service   *service.ProxyService
	injector  *rewrite.Injector
	relay     *WebSocketRelay
	maxBuffer int64
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// NewProxyHandler creates a ProxyHandler. The metrics parameter may be nil.
func NewProxyHandler(
	svc *service.ProxyService,
	inj *rewrite.Injector,
	relay *WebSocketRelay,
	cfg *config.Config,
	logger *slog.Logger,
	m *metrics.Metrics,
) *ProxyHandler {
	return &ProxyHandler{
		service:   svc,
		injector:  inj,
		relay:     relay,
		maxBuffer: cfg.Inject.MaxBufferBytes,
		logger:    logger.With("component", "proxy_handler"),
		metrics:   m,
	}
}

// Handle relays the request upstream and writes the response back, either
// streamed unchanged or rewritten when it is an HTML page.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	if websocket.IsWebSocketUpgrade(req) {
		return h.relay.Relay(c)
	}

	pr := &model.ProxyRequest{
		Ctx:           req.Context(),
		Method:        req.Method,
		Path:          req.URL.Path,
		RawPath:       req.URL.RawPath,
		RawQuery:      req.URL.RawQuery,
		Host:          req.Host,
		Header:        req.Header,
		ContentLength: req.ContentLength,
		Body:          req.Body,
	}

	resp, err := h.service.Forward(pr)
	if err != nil {
		return h.mapError(c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if !rewrite.Eligible(req.URL.Path, resp.Header.Get(echo.HeaderContentType)) {
		h.passthrough(c, resp, nil)
		return nil
	}
	return h.rewrite(c, resp)
}

// passthrough writes status and headers verbatim, then prefix (bytes already
// read from the body) and the rest of the body as it arrives.
func (h *ProxyHandler) passthrough(c echo.Context, resp *model.ProxyResponse, prefix []byte) {
	w := c.Response()
	copyHeader(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)

	if len(prefix) > 0 {
		if _, err := w.Write(prefix); err != nil {
			h.logStreamError(c, err)
			return
		}
	}
	if err := stream(w, resp.Body); err != nil {
		h.logStreamError(c, err)
	}
}

func (h *ProxyHandler) rewrite(c echo.Context, resp *model.ProxyResponse) error {
	path := c.Request().URL.Path

	if enc := resp.Header.Get("Content-Encoding"); enc != "" && !strings.EqualFold(enc, "identity") {
		h.logger.Debug("html rewrite skipped", "path", path, "reason", "content encoded", "encoding", enc)
		h.metrics.ObserveRewrite(metrics.RewriteEncoded)
		h.passthrough(c, resp, nil)
		return nil
	}

	body, complete, err := h.buffer(resp.Body)
	if err != nil {
		h.metrics.ObserveRewrite(metrics.RewriteReadFailed)
		return h.mapError(c, fmt.Errorf("read upstream body: %w", err))
	}
	if !complete {
		h.logger.Debug("html rewrite skipped", "path", path, "reason", "body exceeds buffer limit", "limit", h.maxBuffer)
		h.metrics.ObserveRewrite(metrics.RewriteTooLarge)
		h.passthrough(c, resp, body)
		return nil
	}

	out, err := h.injector.Inject(body)
	if err != nil {
		h.logger.Debug("html rewrite skipped", "path", path, "reason", err)
		h.metrics.ObserveRewrite(rewriteOutcome(err))
		h.writeBody(c, resp.StatusCode, resp.Header, body)
		return nil
	}

	h.metrics.ObserveRewrite(metrics.RewriteInjected)
	header := resp.Header.Clone()
	header.Set(echo.HeaderContentLength, strconv.Itoa(len(out)))
	h.writeBody(c, resp.StatusCode, header, out)
	return nil
}

// buffer reads the whole body, or up to maxBuffer+1 bytes when a limit is
// set. complete is false when the limit was exceeded.
func (h *ProxyHandler) buffer(body io.Reader) (data []byte, complete bool, err error) {
	if h.maxBuffer <= 0 {
		data, err = io.ReadAll(body)
		return data, err == nil, err
	}

	data, err = io.ReadAll(io.LimitReader(body, h.maxBuffer+1))
	if err != nil {
		return nil, false, err
	}
	return data, int64(len(data)) <= h.maxBuffer, nil
}

func (h *ProxyHandler) writeBody(c echo.Context, status int, header http.Header, body []byte) {
	w := c.Response()
	copyHeader(w.Header(), header)
	w.WriteHeader(status)
	if _, err := w.Write(body); err != nil {
		h.logStreamError(c, err)
	}
}

func (h *ProxyHandler) logStreamError(c echo.Context, err error) {
	req := c.Request()
	if req.Context().Err() != nil {
		h.logger.Debug("client went away during response", "err", err, "path", req.URL.Path)
		return
	}
	h.logger.Warn("streaming response body", "err", err, "path", req.URL.Path)
}

// mapError turns an upstream failure into the fixed 500 response. A cancelled
// request means the client left, so nothing is written.
func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	req := c.Request()

	if errors.Is(err, context.Canceled) {
		h.logger.Debug("client disconnected", "err", err, "path", req.URL.Path)
		return nil
	}

	h.logger.Error("proxy error",
		"err", err,
		"method", req.Method,
		"path", req.URL.Path,
	)

	if c.Response().Committed {
		return nil
	}
	return c.Blob(http.StatusInternalServerError, echo.MIMETextPlain, []byte(ErrorBody))
}

func rewriteOutcome(err error) string {
	switch {
	case errors.Is(err, rewrite.ErrNoHTML):
		return metrics.RewriteNoHTML
	case errors.Is(err, rewrite.ErrNoHead):
		return metrics.RewriteNoHead
	default:
		return metrics.RewriteFailed
	}
}

// stream copies body to w chunk by chunk, flushing after every write so that
// long-lived responses such as event streams are delivered as they arrive.
func stream(w http.ResponseWriter, body io.Reader) error {
	rc := http.NewResponseController(w)
	buf := make([]byte, streamChunkSize)
	for {
		n, rerr := body.Read(buf)
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				return fmt.Errorf("write to client: %w", err)
			}
			if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
				return fmt.Errorf("flush to client: %w", err)
			}
		}
		if errors.Is(rerr, io.EOF) {
			return nil
		}
		if rerr != nil {
			return fmt.Errorf("read from upstream: %w", rerr)
		}
	}
}

func copyHeader(dst, src http.Header) {
	for key, vals := range src {
		for _, v := range vals {
			dst.Add(key, v)
		}
	}
}
