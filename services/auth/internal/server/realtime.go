package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"pingai/internal/realtime"
	"pingai/internal/security"
	"pingai/internal/util"
	"pingai/services/auth/internal/app"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

// handleChanges upgrades to a websocket and relays matching changes until
// either side goes away. The token may come from the Authorization header or
// the access_token query parameter, since browsers cannot set headers on
// websocket requests.
func (s *Server) handleChanges(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	logger := util.LoggerFromContext(r.Context())
	token, ok := bearerToken(r)
	if !ok {
		token = strings.TrimSpace(r.URL.Query().Get("access_token"))
	}
	if token == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	caller, err := s.app.Authenticate(r.Context(), token)
	if err != nil {
		s.audit.Record(r.Context(), logger, "auth.authorize", security.OutcomeFail, s.clientIP(r), "reason", err.Error())
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	q := r.URL.Query()
	sub, err := s.app.OpenFeed(caller, q.Get("table"), q.Get("filter"))
	if err != nil {
		if errors.Is(err, app.ErrForbidden) || errors.Is(err, app.ErrUnauthorized) {
			s.audit.Record(r.Context(), logger, "auth.authorize", security.OutcomeFail, s.clientIP(r),
				"table", q.Get("table"), "reason", err.Error())
		}
		writeAppError(w, err)
		return
	}
	defer sub.Stop()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := sub.Start(ctx); err != nil {
		logger.Error("realtime subscribe failed", "table", sub.Filter().Table, "err", err)
		_ = writeFrame(conn, realtime.Frame{Type: realtime.FrameError, Error: "subscription failed"})
		return
	}
	if err := writeFrame(conn, realtime.Frame{Type: realtime.FrameSubscribed}); err != nil {
		return
	}

	// the reader only drains control frames and notices the peer leaving
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case change, ok := <-sub.C():
			if !ok {
				return
			}
			if err := writeFrame(conn, realtime.Frame{Type: realtime.FrameChange, Change: &change}); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func writeFrame(conn *websocket.Conn, frame realtime.Frame) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(frame)
}
