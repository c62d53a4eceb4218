package server

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/raphaelgruber/kbctl/internal/chat"
	"github.com/raphaelgruber/kbctl/internal/metrics"
)

const (
	maxMessageBytes = 1 << 20
	defaultPongWait = 60 * time.Second
	writeWait       = 10 * time.Second
)

// Inbound message types.
const (
	inStart    = "start"
	inSettings = "settings"
	inMessage  = "message"
)

// inbound is a client frame on the chat socket.
type inbound struct {
	Type     string         `json:"type"`
	Profile  string         `json:"profile,omitempty"`
	Settings map[string]any `json:"settings,omitempty"`
	Content  string         `json:"content,omitempty"`
}

// sessionStarted is the first frame after start.
type sessionStarted struct {
	Type      string         `json:"type"`
	SessionID string         `json:"session_id"`
	Profile   chat.Profile   `json:"profile"`
	Settings  *chat.Settings `json:"settings,omitempty"`
}

// wsSink serializes writes to one connection.
type wsSink struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *wsSink) Send(_ context.Context, msg chat.Message) error {
	return s.writeJSON(msg)
}

func (s *wsSink) writeJSON(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(v)
}

func (s *wsSink) ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.opts.AllowedOrigins) == 0 {
		return true
	}
	return slices.Contains(s.opts.AllowedOrigins, origin)
}

// handleWebSocket runs one chat session. Browsers cannot set headers on the
// handshake, so the token comes in the query string.
func (s *Server) handleWebSocket(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		token, _ = strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
	}
	claims, err := s.auth.Parse(token)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sessionID := uuid.NewString()
	logger := s.logger.With("session", sessionID, "user", claims.Username)
	s.metrics.Add(metrics.CounterWebsocketOpened, 1)
	logger.Info("chat session opened")
	defer logger.Info("chat session closed")

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	sink := &wsSink{conn: conn}
	conn.SetReadLimit(maxMessageBytes)
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.pongWait))
	})
	go s.keepAlive(ctx, sink, cancel)

	d := chat.NewDispatcher(s.builder, sessionID, s.retryPolicy, logger, s.metrics)
	for {
		// Pongs are only processed while reading, so answering a message can outlast
		// the previous deadline.
		_ = conn.SetReadDeadline(time.Now().Add(s.pongWait))
		var in inbound
		if err := conn.ReadJSON(&in); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !errors.Is(err, context.Canceled) {
				logger.Debug("websocket read ended", "error", err)
			}
			return
		}
		if err := s.dispatch(ctx, d, sessionID, in, sink); err != nil {
			logger.Warn("websocket write failed", "error", err)
			return
		}
	}
}

// dispatch handles one inbound frame. Only write failures are returned.
func (s *Server) dispatch(ctx context.Context, d *chat.Dispatcher, sessionID string, in inbound, sink *wsSink) error {
	switch in.Type {
	case inStart:
		name := in.Profile
		if name == "" {
			name = chat.DefaultProfileName
		}
		profile, ok := chat.FindProfile(s.profiles, name)
		if !ok {
			return sink.Send(ctx, chat.Message{Type: chat.MessageError, Content: "Unknown chat profile: " + name})
		}
		settings := chat.DefaultSettings()
		if err := d.Configure(settings); err != nil {
			return sink.Send(ctx, chat.Message{Type: chat.MessageError, Content: "Chat is unavailable: " + err.Error()})
		}
		started := sessionStarted{Type: "session", SessionID: sessionID, Profile: profile}
		if profile.Settings {
			started.Settings = &settings
		}
		if err := sink.writeJSON(started); err != nil {
			return err
		}
		if profile.Settings {
			return sink.Send(ctx, chat.Message{Type: chat.MessageSettings, Widgets: chat.Widgets()})
		}
		return nil

	case inSettings:
		settings, err := chat.DecodeSettings(in.Settings)
		if err == nil {
			err = d.Configure(settings)
		}
		if err != nil {
			return sink.Send(ctx, chat.Message{Type: chat.MessageError, Content: "Invalid settings: " + err.Error()})
		}
		return nil

	case inMessage:
		return d.Handle(ctx, in.Content, sink)

	default:
		return sink.Send(ctx, chat.Message{Type: chat.MessageError, Content: "Unknown message type: " + in.Type})
	}
}

// keepAlive pings until ctx ends; a failed ping cancels the session.
func (s *Server) keepAlive(ctx context.Context, sink *wsSink, cancel context.CancelFunc) {
	ticker := time.NewTicker(s.pongWait * 9 / 10)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := sink.ping(); err != nil {
				cancel()
				return
			}
		}
	}
}
