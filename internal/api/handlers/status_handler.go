package handlers

import (
	"net/http"

	"github.com/isdelr/q3-portal-be/internal/api/request"
	"github.com/isdelr/q3-portal-be/internal/auth"
	"github.com/isdelr/q3-portal-be/internal/services"
	"github.com/rs/zerolog/log"
)

// StatusHandler serves the game server status and the RCON console.
type StatusHandler struct {
	service    services.StatusServiceProvider
	adminToken string
}

// NewStatusHandler creates a new StatusHandler.
func NewStatusHandler(service services.StatusServiceProvider, adminToken string) *StatusHandler {
	return &StatusHandler{service: service, adminToken: adminToken}
}

// GetStatus returns the cached server status. An unreachable server is still a 200 with online=false.
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.GetServerStatus(r.Context()))
}

// Refresh discards the cache and queries the server again.
func (h *StatusHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.RefreshServerStatus(r.Context()))
}

// AdminStatus tells the UI whether the caller's token unlocks the admin pages.
func (h *StatusHandler) AdminStatus(w http.ResponseWriter, r *http.Request) {
	enabled := auth.IsAdmin(h.adminToken, auth.TokenFromRequest(r))
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": enabled})
}

// Rcon sends a console command to the configured server.
func (h *StatusHandler) Rcon(w http.ResponseWriter, r *http.Request) {
	var req request.RconCommand
	if err := request.Decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	output, err := h.service.SendConfiguredRcon(r.Context(), req.Command)
	if err != nil {
		log.Warn().Err(err).Str("command", req.Command).Msg("RCON command failed")
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"command": req.Command, "output": output})
}
