package middleware

import (
	"net/textproto"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

// hopByHopHeaders are headers that should not be forwarded by proxies.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// StripHopByHop returns an Echo middleware that removes hop-by-hop headers,
// including those named in Connection, from incoming requests. WebSocket
// handshakes are left intact for the relay. Responses are not touched.
func StripHopByHop() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if websocket.IsWebSocketUpgrade(req) {
				return next(c)
			}

			for _, v := range req.Header.Values("Connection") {
				for name := range strings.SplitSeq(v, ",") {
					if name = textproto.TrimString(name); name != "" {
						req.Header.Del(name)
					}
				}
			}
			for _, h := range hopByHopHeaders {
				req.Header.Del(h)
			}

			return next(c)
		}
	}
}
