package service

import (
	"net/http"

	"github.com/coder/websocket"

	"github.com/lightforgemedia/go-dmtp/pkg/session"
	"github.com/lightforgemedia/go-dmtp/pkg/transport"
)

// WebSocketSession is the session handlers receive for WebSocket peers. It
// adds the originating upgrade request and the owning service.
type WebSocketSession struct {
	*session.Session
	request *http.Request
	service *Service
}

// HTTPRequest is the upgrade request. Its context is already done once the
// handshake completes; use Context for session-scoped work.
func (w *WebSocketSession) HTTPRequest() *http.Request { return w.request }

func (w *WebSocketSession) Service() *Service { return w.service }

// UpgradeHandler upgrades HTTP requests to WebSocket and runs the DMTP
// handshake. The handler returns once the session is online or rejected.
func (s *Service) UpgradeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.shuttingDown() {
			http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
			s.config.logger.Info("Rejected connection, service shutting down")
			return
		}

		conn, err := websocket.Accept(w, r, s.config.acceptOptions)
		if err != nil {
			s.config.logger.Info("Failed to accept websocket connection", "remote", r.RemoteAddr, "error", err)
			return
		}
		tr := transport.AdoptWebSocket(conn, r.RemoteAddr, s.transportOptions())
		// r.Context ends with this handler, so the handshake runs on the
		// service context.
		if _, err := s.Accept(s.mainCtx, tr, r); err != nil {
			s.config.logger.Debug("WebSocket handshake failed", "remote", r.RemoteAddr, "error", err)
		}
	}
}
