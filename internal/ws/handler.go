package ws

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/irc-web-terminal/backend/internal/auth"
	"github.com/irc-web-terminal/backend/internal/logger"
	"github.com/irc-web-terminal/backend/internal/model"
	"github.com/irc-web-terminal/backend/internal/protocol"
	"github.com/irc-web-terminal/backend/internal/session"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer. Pastes arrive as one input frame.
	maxMessageSize = 64 * 1024
)

// Broker is the part of session.Broker the websocket boundary drives.
type Broker interface {
	Attach(ctx context.Context, identity string, ch session.Channel) (*session.Session, error)
	Detach(ch session.Channel)
	Route(identity string, from session.Channel, msg protocol.Message) error
}

// Options configures a Handler.
type Options struct {
	Broker   Broker
	Resolver auth.Resolver

	// AllowedOrigins restricts the Origin header. Empty allows any origin.
	AllowedOrigins []string

	Logger *zap.Logger
}

// Handler upgrades terminal websocket requests.
type Handler struct {
	broker   Broker
	resolver auth.Resolver
	upgrader websocket.Upgrader
	log      *zap.Logger
}

// NewHandler creates a Handler.
func NewHandler(opts Options) *Handler {
	return &Handler{
		broker:   opts.Broker,
		resolver: opts.Resolver,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin(opts.AllowedOrigins),
		},
		log: logger.OrNop(opts.Logger).With(zap.String("component", "ws")),
	}
}

// ServeHTTP handles GET /terminal?token=...
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader already replied with an HTTP error.
		h.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	identity, err := h.resolver.Resolve(r.Context(), token)
	if err != nil {
		h.log.Warn("rejected terminal connection",
			zap.String("remote", r.RemoteAddr),
			zap.Error(err))
		closeConn(conn, websocket.ClosePolicyViolation, "Unauthorized")
		return
	}

	client := NewClient(conn)
	log := h.log.With(zap.String("identity", identity.Name), zap.String("channel", client.ID()))

	go h.writePump(client, log)

	if _, err := h.broker.Attach(r.Context(), identity.Name, client); err != nil {
		log.Error("failed to attach", zap.Error(err))
		reason := "Failed to start session"
		if errors.Is(err, model.ErrInvalidIdentity) {
			reason = "Invalid identity"
		}
		client.CloseWithCode(websocket.CloseInternalServerErr, reason)
		return
	}

	go h.readPump(client, identity.Name, log)
}

// readPump pumps frames from the websocket connection to the broker.
func (h *Handler) readPump(client *Client, identity string, log *zap.Logger) {
	defer func() {
		h.broker.Detach(client)
		client.Close()
		client.conn.Close()
	}()

	client.conn.SetReadLimit(maxMessageSize)
	client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		client.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				log.Debug("websocket read ended", zap.Error(err))
			}
			return
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			log.Debug("dropping malformed frame", zap.Error(err))
			continue
		}

		// Send-line: the broker only sees the terminated text.
		if in, ok := msg.(protocol.Input); ok && in.Line {
			msg = protocol.Input{Data: in.Data + "\r"}
		}

		if err := h.broker.Route(identity, client, msg); err != nil {
			if errors.Is(err, model.ErrPolicyViolation) {
				continue
			}
			log.Debug("route failed", zap.Error(err))
		}
	}
}

// writePump pumps frames from the client's queue to the websocket connection.
func (h *Handler) writePump(client *Client, log *zap.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-client.send:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The client was closed; say why before hanging up.
				client.conn.WriteMessage(websocket.CloseMessage, client.closeFrame())
				return
			}

			// One frame per message so the browser can JSON.parse each one.
			if err := client.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				log.Debug("websocket write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func closeConn(conn *websocket.Conn, code int, text string) {
	conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(writeWait))
	conn.Close()
}

func checkOrigin(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}

	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[strings.TrimRight(strings.ToLower(o), "/")] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return set[strings.ToLower(u.Scheme+"://"+u.Host)]
	}
}
