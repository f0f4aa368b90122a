package http

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/krobus00/market-data-relay/internal/config"
	"github.com/krobus00/market-data-relay/internal/service/relay"
	"github.com/sirupsen/logrus"
)

type Handler struct {
	registry       *relay.Registry
	statusProvider *relay.StatusProvider
	upgrader       websocket.Upgrader
	downstreamCfg  config.DownstreamConfig
}

func NewRelayHTTPHandler(registry *relay.Registry, statusProvider *relay.StatusProvider, downstreamCfg config.DownstreamConfig) *Handler {
	return &Handler{
		registry:       registry,
		statusProvider: statusProvider,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		downstreamCfg: downstreamCfg,
	}
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/relay/v1/ws/{channel}", h.Stream)
	mux.HandleFunc("/relay/v1/status", h.Status)
}

// Stream upgrades the request and binds the session to the requested channel
// until the client goes away. Detach runs on every exit path.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}

	channel := strings.TrimSpace(r.PathValue("channel"))
	if channel == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "channel is required"})
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.Errorf("websocket upgrade failed: %v", err)
		return
	}

	conn := relay.NewConnection(
		ws,
		channel,
		h.downstreamCfg.SendBufferSize,
		h.downstreamCfg.WriteWait,
		h.downstreamCfg.PongWait,
		h.downstreamCfg.PingInterval,
	)

	if err := h.registry.Attach(conn, channel); err != nil {
		logrus.Errorf("attach failed for channel %s: %v", channel, err)
		conn.Close()
		return
	}

	defer func() {
		conn.Close()
		h.registry.Detach(conn, channel)
	}()

	go conn.WritePump()
	conn.ReadPump(h.downstreamCfg.ReadLimit)
}

func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}

	writeJSON(w, http.StatusOK, h.statusProvider.Status())
}

func writeJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(body); err != nil {
		logrus.Errorf("failed to encode response body: %v", err)
	}
}
