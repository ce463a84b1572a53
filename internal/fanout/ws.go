package fanout

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/marcus-qen/vigil/internal/auth"
)

const (
	writeTimeout  = 10 * time.Second
	pingInterval  = 30 * time.Second
	readDeadline  = 90 * time.Second
	teardownGrace = 2 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Subscribers connect from arbitrary dashboards; authentication happens
	// before upgrade via the principal resolver.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// PrincipalResolver maps a bearer token to a principal. Token issuance is the
// outer layer's concern.
type PrincipalResolver func(bearerToken string) (auth.Principal, bool)

// WSServer bridges the broadcaster onto WebSocket connections.
type WSServer struct {
	broadcaster *Broadcaster
	resolve     PrincipalResolver
	logger      *zap.Logger
}

// NewWSServer creates the WebSocket attachment. resolve may be nil, in which
// case every connection gets an anonymous viewer principal (testing only).
func NewWSServer(b *Broadcaster, resolve PrincipalResolver, logger *zap.Logger) *WSServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WSServer{broadcaster: b, resolve: resolve, logger: logger}
}

// HandleSubscriber upgrades the connection, subscribes it to the requested
// groups (?groups=http,database), and pumps events until either side closes.
func (s *WSServer) HandleSubscriber(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.resolvePrincipal(r)
	if !ok {
		http.Error(w, `{"error":"invalid credentials"}`, http.StatusUnauthorized)
		return
	}

	groups := parseGroups(r.URL.Query().Get("groups"))
	sub, err := s.broadcaster.Subscribe(principal, groups, 0)
	if err != nil {
		http.Error(w, `{"error":"forbidden"}`, http.StatusForbidden)
		s.logger.Warn("subscription rejected",
			zap.String("subject", principal.Subject),
			zap.Error(err),
		)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		sub.Close()
		s.logger.Error("upgrade failed", zap.Error(err))
		return
	}

	s.logger.Info("subscriber connected",
		zap.String("subscriber_id", sub.ID),
		zap.String("subject", principal.Subject),
	)

	done := make(chan struct{})

	// Read loop: only consumed for close/pong detection.
	go func() {
		defer close(done)
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(readDeadline))
		})
		_ = conn.SetReadDeadline(time.Now().Add(readDeadline))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	// Writer pump: the per-subscriber outbound task.
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	defer conn.Close()
	defer sub.Close()

	for {
		select {
		case evt, ok := <-sub.Events():
			if !ok {
				// Broadcaster shutdown: give the peer a close frame, then a
				// short grace window before the connection drops.
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutdown"),
					time.Now().Add(teardownGrace))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(evt); err != nil {
				s.logger.Debug("subscriber write failed",
					zap.String("subscriber_id", sub.ID),
					zap.Error(err),
				)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func (s *WSServer) resolvePrincipal(r *http.Request) (auth.Principal, bool) {
	if s.resolve == nil {
		return auth.Principal{Subject: "anonymous", Roles: []auth.Role{auth.RoleViewer}}, true
	}
	return s.resolve(extractBearerToken(r))
}

func parseGroups(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	groups := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			groups = append(groups, p)
		}
	}
	return groups
}

// extractBearerToken pulls the token from "Authorization: Bearer <token>".
func extractBearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return header[len(prefix):]
	}
	return ""
}
