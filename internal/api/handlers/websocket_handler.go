package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/isdelr/q3-portal-be/internal/services"
	ws "github.com/isdelr/q3-portal-be/internal/websocket"
	"github.com/rs/zerolog/log"
)

// Actions accepted from clients.
const (
	actionRefreshStatus   = "refresh_status"
	actionSendRconCommand = "send_rcon_command"
)

const commandTimeout = 30 * time.Second

// WebSocketHandler upgrades admin connections and serves the live console.
type WebSocketHandler struct {
	hub           *ws.Hub
	statusService services.StatusServiceProvider
}

// NewWebSocketHandler creates a new WebSocketHandler.
func NewWebSocketHandler(hub *ws.Hub, statusService services.StatusServiceProvider) *WebSocketHandler {
	return &WebSocketHandler{hub: hub, statusService: statusService}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The route sits behind the admin token, which is what authorizes the socket.
		return true
	},
}

// Serve handles the WebSocket connection request.
func (h *WebSocketHandler) Serve(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("Failed to upgrade websocket connection")
		return
	}

	client := ws.NewClient(h.hub, conn)
	h.hub.Register <- client

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		client.WritePump()
	}()
	go func() {
		defer wg.Done()
		client.ReadPump(h.handleIncomingWSMessage)
	}()

	go func() {
		wg.Wait()
		h.hub.Unregister <- client
	}()
}

// handleIncomingWSMessage processes messages received from a websocket client.
func (h *WebSocketHandler) handleIncomingWSMessage(client *ws.Client, message []byte) {
	var msg ws.Message
	if err := json.Unmarshal(message, &msg); err != nil {
		log.Error().Err(err).Bytes("message", message).Msg("Error decoding websocket message")
		client.Reply(ws.NewErrorMessage("Invalid message"))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	switch msg.Action {
	case actionRefreshStatus:
		status := h.statusService.RefreshServerStatus(ctx)
		client.Reply(ws.NewMessage(ws.ActionServerStatus, status))

	case actionSendRconCommand:
		h.executeRcon(ctx, client, msg)

	default:
		log.Warn().Str("action", msg.Action).Msg("Unknown websocket action received")
		client.Reply(ws.NewErrorMessage("Unknown action: " + msg.Action))
	}
}

func (h *WebSocketHandler) executeRcon(ctx context.Context, client *ws.Client, msg ws.Message) {
	payload, ok := msg.Payload.(map[string]interface{})
	if !ok {
		client.Reply(ws.NewErrorMessage("Invalid payload for command"))
		return
	}
	command, ok := payload["command"].(string)
	if !ok || command == "" {
		client.Reply(ws.NewErrorMessage("Invalid or empty command in payload"))
		return
	}

	output, err := h.statusService.SendConfiguredRcon(ctx, command)
	if err != nil {
		log.Error().Err(err).Str("command", command).Msg("Failed to execute rcon command")
		client.Reply(ws.NewErrorMessage(err.Error()))
		return
	}
	client.Reply(ws.NewConsoleOutputMessage(command, output))
}
