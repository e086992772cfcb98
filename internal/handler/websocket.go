package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"devtools-proxy-go/internal/config"
	"devtools-proxy-go/internal/metrics"
	"devtools-proxy-go/internal/service"
)

const closeGracePeriod = time.Second

// Headers the dialer generates itself and refuses to receive twice.
var wsHandshakeHeaders = []string{
	"Upgrade",
	"Connection",
	"Sec-Websocket-Key",
	"Sec-Websocket-Version",
	"Sec-Websocket-Extensions",
	"Sec-Websocket-Protocol",
}

// WebSocketRelay tunnels WebSocket connections, such as a dev server's
// hot-reload channel, to the upstream.
type WebSocketRelay struct {
	service  *service.ProxyService
	dialer   websocket.Dialer
	upgrader websocket.Upgrader
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// NewWebSocketRelay creates a WebSocketRelay. The metrics parameter may be nil.
func NewWebSocketRelay(svc *service.ProxyService, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *WebSocketRelay {
	return &WebSocketRelay{
		service: svc,
		dialer: websocket.Dialer{
			HandshakeTimeout: time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second,
		},
		upgrader: websocket.Upgrader{
			// Origin policy belongs to the upstream, which already accepted the handshake.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger:  logger.With("component", "websocket_relay"),
		metrics: m,
	}
}

// Relay dials the upstream with the client's handshake, upgrades the client
// connection and copies messages both ways until either side closes.
func (r *WebSocketRelay) Relay(c echo.Context) error {
	req := c.Request()

	target := r.service.UpstreamURL(req.URL.Path, req.URL.RawPath, req.URL.RawQuery)
	target.Scheme = "ws"

	header := req.Header.Clone()
	for _, k := range wsHandshakeHeaders {
		header.Del(k)
	}
	header.Set("Host", req.Host)

	dialer := r.dialer
	dialer.Subprotocols = websocket.Subprotocols(req)

	upstream, resp, err := dialer.DialContext(req.Context(), target.String(), header)
	if err != nil {
		if resp != nil {
			// The upstream answered but refused the upgrade; relay its answer.
			defer func() { _ = resp.Body.Close() }()
			r.logger.Debug("upstream refused websocket", "path", req.URL.Path, "status", resp.StatusCode)
			w := c.Response()
			copyHeader(w.Header(), resp.Header)
			w.WriteHeader(resp.StatusCode)
			_, _ = io.Copy(w, resp.Body)
			return nil
		}
		r.logger.Error("websocket dial failed", "err", err, "path", req.URL.Path)
		return c.Blob(http.StatusInternalServerError, echo.MIMETextPlain, []byte(ErrorBody))
	}

	respHeader := http.Header{}
	if p := upstream.Subprotocol(); p != "" {
		respHeader.Set("Sec-Websocket-Protocol", p)
	}
	for _, cookie := range resp.Header.Values("Set-Cookie") {
		respHeader.Add("Set-Cookie", cookie)
	}

	client, err := r.upgrader.Upgrade(c.Response(), req, respHeader)
	if err != nil {
		// Upgrade has already replied to the client.
		_ = upstream.Close()
		r.logger.Debug("websocket upgrade failed", "err", err, "path", req.URL.Path)
		return nil
	}

	r.metrics.WebSocketOpened()
	defer r.metrics.WebSocketClosed()
	r.logger.Debug("websocket opened", "path", req.URL.Path)

	errc := make(chan error, 2)
	go func() { errc <- pump(client, upstream) }()
	go func() { errc <- pump(upstream, client) }()

	err = <-errc
	_ = client.Close()
	_ = upstream.Close()
	<-errc

	r.logger.Debug("websocket closed", "path", req.URL.Path, "reason", err)
	return nil
}

// pump copies messages from src to dst. When src fails, its close code is
// forwarded to dst.
func pump(dst, src *websocket.Conn) error {
	for {
		mt, msg, err := src.ReadMessage()
		if err != nil {
			code, text := websocket.CloseNormalClosure, ""
			var ce *websocket.CloseError
			if errors.As(err, &ce) && ce.Code != websocket.CloseNoStatusReceived && ce.Code != websocket.CloseAbnormalClosure {
				code, text = ce.Code, ce.Text
			}
			_ = dst.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(code, text),
				time.Now().Add(closeGracePeriod))
			return err
		}
		if err := dst.WriteMessage(mt, msg); err != nil {
			return err
		}
	}
}
