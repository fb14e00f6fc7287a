package handler

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	ws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"taskdeck-conflict-engine/internal/detect"
	"taskdeck-conflict-engine/internal/websocket"
	"taskdeck-conflict-engine/pkg/jwt"
)

type WebSocketHandler struct {
	manager   *websocket.Manager
	jwtSecret string
	upgrader  ws.Upgrader
	logger    *zap.Logger
}

func NewWebSocketHandler(manager *websocket.Manager, jwtSecret string, logger *zap.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		manager:   manager,
		jwtSecret: jwtSecret,
		logger:    logger,
		upgrader: ws.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

func (h *WebSocketHandler) HandleConnection(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = r.Header.Get("Authorization")
		if len(token) > 7 && token[:7] == "Bearer " {
			token = token[7:]
		}
	}

	if token == "" {
		http.Error(w, "missing authorization token", http.StatusUnauthorized)
		return
	}

	claims, err := jwt.ValidateToken(token, h.jwtSecret)
	if err != nil {
		h.logger.Warn("websocket token validation failed", zap.Error(err))
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	deviceID := r.URL.Query().Get("device_id")
	if deviceID == "" {
		deviceID = "default"
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	clientID := uuid.New().String()
	client := websocket.NewClient(clientID, claims.UserID, deviceID, conn, h.manager)

	h.manager.Register <- client

	go client.WritePump()
	go client.ReadPump()
}

// WebSocketMessageHandler answers client requests arriving over an
// established connection.
type WebSocketMessageHandler struct {
	pipeline *detect.Pipeline
}

func NewWebSocketMessageHandler(pipeline *detect.Pipeline) *WebSocketMessageHandler {
	return &WebSocketMessageHandler{pipeline: pipeline}
}

func (h *WebSocketMessageHandler) HandleWebSocketMessage(client *websocket.Client, msg *websocket.Message) error {
	switch msg.Type {
	case websocket.TypeStatsRequest:
		return h.reply(client, websocket.TypeStats, h.pipeline.Stats())

	case websocket.TypePing:
		return h.reply(client, websocket.TypePong, nil)
	}

	return nil
}

func (h *WebSocketMessageHandler) reply(client *websocket.Client, msgType websocket.MessageType, payload interface{}) error {
	msg, err := websocket.NewMessage(msgType, payload)
	if err != nil {
		return err
	}

	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	client.Send <- raw
	return nil
}
