package ctl

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The dashboard is served from another origin in every deployment.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleStream upgrades to a websocket and pushes the TrafficState of the
// first configured TLS at the stream interval until the client goes away.
func (s *Server) handleStream(w http.ResponseWriter, req *http.Request) {
	if len(s.registry.cfg.TLSIDs) == 0 {
		http.Error(w, "no traffic light configured", http.StatusNotFound)
		return
	}
	tlsID := s.registry.cfg.TLSIDs[0]
	if q := req.URL.Query().Get("tls"); q != "" {
		tlsID = q
	}

	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()
	s.logger.Info("state stream opened", zap.String("tls", tlsID), zap.String("remote", req.RemoteAddr))

	// Discard client frames so pings and close frames are processed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.registry.cfg.StreamInterval)
	defer ticker.Stop()

	for {
		select {
		case <-req.Context().Done():
			return
		case <-ticker.C:
			state, err := s.registry.Sim().GetTrafficState(req.Context(), tlsID)
			if err != nil {
				// Stream stays up through transient simulator trouble;
				// the client sees the gap and the next good sample.
				s.logger.Debug("stream sample failed", zap.Error(err))
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteJSON(state); err != nil {
				s.logger.Info("state stream closed", zap.Error(err))
				return
			}
		}
	}
}
