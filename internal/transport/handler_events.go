package transport

import (
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/pitabwire/tessera/internal/config"
	"github.com/pitabwire/tessera/internal/eventbus"
	"github.com/pitabwire/tessera/internal/observability"
	"github.com/pitabwire/tessera/model"
)

const (
	eventBuffer = 64
	writeWait   = 10 * time.Second
	pongWait    = 60 * time.Second
	pingPeriod  = pongWait * 9 / 10
	maxReadSize = 512
)

func newUpgrader(cfg config.CORSConfig) *websocket.Upgrader {
	allowed := make(map[string]bool, len(cfg.AllowedOrigins))
	for _, o := range cfg.AllowedOrigins {
		allowed[o] = true
	}
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || allowed[origin] {
				return true
			}
			u, err := url.Parse(origin)
			return err == nil && strings.EqualFold(u.Host, r.Host)
		},
	}
}

// handleEvents streams the events of a dashboard session over a websocket.
// The optional types query parameter is a comma separated list of event
// types to forward. A client that cannot keep up is disconnected with a
// policy violation close frame and should reload the session state.
func handleEvents(deps Dependencies) http.HandlerFunc {
	upgrader := newUpgrader(deps.Config.Server.CORS)
	return func(w http.ResponseWriter, r *http.Request) {
		s, err := sessionFor(deps, r)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		filter := eventFilter(r.URL.Query().Get("types"))
		logger := observability.SessionLogger(r.Context(), deps.Logger, s.Dashboard)

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade has already answered the client.
			logger.Warn("event stream upgrade failed", zap.Error(err))
			return
		}
		defer func() { _ = conn.Close() }()

		events := make(chan model.Event, eventBuffer)
		overflow := make(chan struct{})
		var once sync.Once
		unsubscribe := s.Bus().Subscribe(filter, func(ev model.Event) {
			select {
			case events <- ev:
			default:
				once.Do(func() { close(overflow) })
			}
		})
		defer unsubscribe()

		if deps.Metrics != nil {
			deps.Metrics.EventSubscriberConnected(1)
			defer deps.Metrics.EventSubscriberConnected(-1)
		}

		closed := make(chan struct{})
		go readPump(conn, closed)

		logger.Info("event stream connected")
		defer logger.Info("event stream disconnected")

		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case ev := <-events:
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteJSON(ev); err != nil {
					logger.Debug("event stream write failed", zap.Error(err))
					return
				}
			case <-ticker.C:
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case <-overflow:
				logger.Warn("event stream subscriber too slow, disconnecting")
				msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "event buffer overflow")
				_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
				return
			case <-closed:
				return
			case <-r.Context().Done():
				return
			}
		}
	}
}

// readPump discards client messages and keeps the read deadline fresh from
// pong frames. closed is closed when the connection goes away.
func readPump(conn *websocket.Conn, closed chan<- struct{}) {
	defer close(closed)
	conn.SetReadLimit(maxReadSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
	}
}

func eventFilter(types string) eventbus.Filter {
	var list []string
	for _, t := range strings.Split(types, ",") {
		if t = strings.TrimSpace(t); t != "" {
			list = append(list, t)
		}
	}
	if len(list) == 0 {
		return nil
	}
	return eventbus.Types(list...)
}
