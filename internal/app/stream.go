package app

import (
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/quindar/pitchline/internal/observe"
)

const (
	// streamBuffer is the per-client result queue. A client that cannot
	// keep up loses intermediate estimates, never the connection.
	streamBuffer = 32

	// streamPingInterval keeps idle connections alive through proxies
	// while no estimates are being published (silence).
	streamPingInterval = 20 * time.Second
)

// handleStream upgrades the request to a websocket and pushes every
// published estimate as a JSON message. The connection closes with
// StatusGoingAway when a configuration reload replaces the engine;
// clients are expected to reconnect.
func (a *App) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// The service typically binds to localhost or a LAN address and
		// feeds browser tuner UIs served from anywhere.
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		observe.Logger(r.Context()).Warn("websocket accept failed", "err", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream aborted")

	clientID := uuid.NewString()
	log := observe.Logger(r.Context()).With("client_id", clientID, "remote", r.RemoteAddr)

	a.metrics.StreamSubscribers.Add(r.Context(), 1)
	defer a.metrics.StreamSubscribers.Add(r.Context(), -1)

	eng, regen := a.currentEngine()
	results, cancelSub := eng.Subscribe(streamBuffer)
	defer cancelSub()

	// No client messages are expected; CloseRead reaps the connection
	// when the peer goes away and keeps answering control frames.
	ctx := conn.CloseRead(r.Context())

	log.Info("stream client connected")
	defer log.Info("stream client disconnected")

	ticker := time.NewTicker(streamPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case <-regen:
			conn.Close(websocket.StatusGoingAway, "engine restarting")
			return
		case res := <-results:
			if err := wsjson.Write(ctx, conn, res); err != nil {
				log.Debug("stream write failed", "err", err)
				return
			}
		case <-ticker.C:
			if err := conn.Ping(ctx); err != nil {
				log.Debug("stream ping failed", "err", err)
				return
			}
		}
	}
}
