// Package transport provides the WebSocket upgrade handler, replacing the
// teacher subproject's hand-rolled RFC 6455 parser with gorilla/websocket —
// the pack's real websocket dependency (element-hq-dendrite's go.mod).
package transport

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Polqt/collabdoc/internal/log"
	"github.com/Polqt/collabdoc/internal/session"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsConn adapts a gorilla *websocket.Conn to session.Conn.
type wsConn struct {
	c *websocket.Conn
}

func (w *wsConn) ReadFrame(ctx context.Context) (bool, []byte, error) {
	mt, data, err := w.c.ReadMessage()
	if err != nil {
		return false, nil, err
	}
	return mt == websocket.TextMessage, data, nil
}

func (w *wsConn) WriteBinary(data []byte) error {
	return w.c.WriteMessage(websocket.BinaryMessage, data)
}

func (w *wsConn) WriteText(data []byte) error {
	return w.c.WriteMessage(websocket.TextMessage, data)
}

func (w *wsConn) CloseWithCode(code int, reason string) error {
	deadline := time.Now().Add(2 * time.Second)
	msg := websocket.FormatCloseMessage(code, reason)
	_ = w.c.WriteControl(websocket.CloseMessage, msg, deadline)
	return w.c.Close()
}

func (w *wsConn) RemoteAddr() string { return w.c.RemoteAddr().String() }

// AuthFunc resolves the caller identity from the upgrade request.
// Authentication itself rides on the HTTP request (session cookie or
// bearer token) and is out of scope for this repo (spec.md §6) — callers
// supply their own implementation.
type AuthFunc func(r *http.Request) session.User

// Handler upgrades WebSocket connections under the path
// /ws/pages/<page_external_id>/ and drives a session.Session for each one
// (spec.md §6).
type Handler struct {
	deps session.Deps
	auth AuthFunc
}

// NewHandler builds a Handler backed by deps, resolving caller identity via
// auth.
func NewHandler(deps session.Deps, auth AuthFunc) *Handler {
	return &Handler{deps: deps, auth: auth}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	pageExternalID := parsePageExternalID(r.URL.Path)
	if pageExternalID == "" {
		http.Error(w, "missing page id", http.StatusBadRequest)
		return
	}

	user := h.auth(r)
	clientIP := clientIPFromRequest(r)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithComponent("transport").Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	sess := session.New(h.deps, &wsConn{c: conn}, user, clientIP, pageExternalID)
	sess.Run(r.Context())
}

// parsePageExternalID extracts <page_external_id> from
// /ws/pages/<page_external_id>/ (spec.md §6).
func parsePageExternalID(path string) string {
	const prefix = "/ws/pages/"
	if !strings.HasPrefix(path, prefix) {
		return ""
	}
	rest := strings.TrimPrefix(path, prefix)
	rest = strings.Trim(rest, "/")
	if rest == "" {
		return ""
	}
	if i := strings.Index(rest, "/"); i >= 0 {
		rest = rest[:i]
	}
	return rest
}

func clientIPFromRequest(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	host := r.RemoteAddr
	if i := strings.LastIndex(host, ":"); i >= 0 {
		host = host[:i]
	}
	return host
}
