package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"

	"dvc-server/internal/commands"
	"dvc-server/internal/metrics"
	"dvc-server/internal/permissions"
	"dvc-server/internal/store"
)

// CommandHandlers exposes the core's mutation surface to the external
// command layer over HTTP.
type CommandHandlers struct {
	Commands *commands.Service
}

func NewCommandHandlers(svc *commands.Service) *CommandHandlers {
	return &CommandHandlers{Commands: svc}
}

type commandRequest struct {
	ChannelID string `json:"channel_id"`
	UserID    string `json:"user_id"`
	TargetID  string `json:"target_id,omitempty"`
	Mode      string `json:"mode,omitempty"` // chmod: "add" or "remove"
	Name      string `json:"name,omitempty"`
	Value     int    `json:"value,omitempty"`
}

type editsResponse struct {
	OK    bool               `json:"ok"`
	Edits []permissions.Edit `json:"edits,omitempty"`
}

// IsAdminHandler answers whether a user administers a channel
func (h *CommandHandlers) IsAdminHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	channelID := r.URL.Query().Get("channel_id")
	userID := r.URL.Query().Get("user_id")
	if channelID == "" || userID == "" {
		http.Error(w, "channel_id and user_id are required", http.StatusBadRequest)
		return
	}

	writeJSON(w, map[string]interface{}{
		"channel_id": channelID,
		"user_id":    userID,
		"is_admin":   h.Commands.IsAdmin(r.Context(), channelID, userID),
	})
}

// ClaimHandler seats a member of a claimable channel as its admin
func (h *CommandHandlers) ClaimHandler(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeCommand(w, r)
	if !ok {
		return
	}

	err := h.Commands.Claim(r.Context(), req.ChannelID, req.UserID)
	finishCommand(w, nil, err)
}

// KickHandler disconnects a member from a channel
func (h *CommandHandlers) KickHandler(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeCommand(w, r)
	if !ok {
		return
	}
	if req.TargetID == "" {
		http.Error(w, "target_id is required", http.StatusBadRequest)
		return
	}

	err := h.Commands.Kick(r.Context(), req.ChannelID, req.UserID, req.TargetID)
	finishCommand(w, nil, err)
}

// BanHandler permanently excludes a user from a channel
func (h *CommandHandlers) BanHandler(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeCommand(w, r)
	if !ok {
		return
	}
	if req.TargetID == "" {
		http.Error(w, "target_id is required", http.StatusBadRequest)
		return
	}

	edits, err := h.Commands.Ban(r.Context(), req.ChannelID, req.UserID, req.TargetID)
	finishCommand(w, edits, err)
}

// UnbanHandler lifts a channel ban
func (h *CommandHandlers) UnbanHandler(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeCommand(w, r)
	if !ok {
		return
	}
	if req.TargetID == "" {
		http.Error(w, "target_id is required", http.StatusBadRequest)
		return
	}

	edits, err := h.Commands.Unban(r.Context(), req.ChannelID, req.UserID, req.TargetID)
	finishCommand(w, edits, err)
}

// ChmodHandler grants or revokes another user's admin rights
func (h *CommandHandlers) ChmodHandler(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeCommand(w, r)
	if !ok {
		return
	}
	if req.TargetID == "" {
		http.Error(w, "target_id is required", http.StatusBadRequest)
		return
	}
	if req.Mode != "add" && req.Mode != "remove" {
		http.Error(w, "mode must be add or remove", http.StatusBadRequest)
		return
	}

	edits, err := h.Commands.MutateAdmin(r.Context(), req.ChannelID, req.UserID, req.TargetID, req.Mode == "add")
	finishCommand(w, edits, err)
}

// toggleHandler builds a handler for the hide/lock/mute command family.
func (h *CommandHandlers) toggleHandler(on bool, apply func(r *http.Request, req commandRequest, on bool) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, ok := decodeCommand(w, r)
		if !ok {
			return
		}
		finishCommand(w, nil, apply(r, req, on))
	}
}

func (h *CommandHandlers) HideHandler(on bool) http.HandlerFunc {
	return h.toggleHandler(on, func(r *http.Request, req commandRequest, on bool) error {
		return h.Commands.SetHidden(r.Context(), req.ChannelID, req.UserID, on)
	})
}

func (h *CommandHandlers) LockHandler(on bool) http.HandlerFunc {
	return h.toggleHandler(on, func(r *http.Request, req commandRequest, on bool) error {
		return h.Commands.SetLocked(r.Context(), req.ChannelID, req.UserID, on)
	})
}

func (h *CommandHandlers) MuteHandler(on bool) http.HandlerFunc {
	return h.toggleHandler(on, func(r *http.Request, req commandRequest, on bool) error {
		return h.Commands.SetMuted(r.Context(), req.ChannelID, req.UserID, on)
	})
}

// NameHandler renames the channel
func (h *CommandHandlers) NameHandler(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeCommand(w, r)
	if !ok {
		return
	}
	if req.Name == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}

	finishCommand(w, nil, h.Commands.SetName(r.Context(), req.ChannelID, req.UserID, req.Name))
}

// LimitHandler caps the channel's member count
func (h *CommandHandlers) LimitHandler(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeCommand(w, r)
	if !ok {
		return
	}
	if req.Value < 0 {
		http.Error(w, "value must not be negative", http.StatusBadRequest)
		return
	}

	finishCommand(w, nil, h.Commands.SetUserLimit(r.Context(), req.ChannelID, req.UserID, req.Value))
}

// BitrateHandler adjusts the channel's audio bitrate
func (h *CommandHandlers) BitrateHandler(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeCommand(w, r)
	if !ok {
		return
	}
	if req.Value <= 0 {
		http.Error(w, "value must be positive", http.StatusBadRequest)
		return
	}

	finishCommand(w, nil, h.Commands.SetBitrate(r.Context(), req.ChannelID, req.UserID, req.Value))
}

func decodeCommand(w http.ResponseWriter, r *http.Request) (commandRequest, bool) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return commandRequest{}, false
	}

	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return commandRequest{}, false
	}
	if req.ChannelID == "" || req.UserID == "" {
		http.Error(w, "channel_id and user_id are required", http.StatusBadRequest)
		return commandRequest{}, false
	}
	return req, true
}

func finishCommand(w http.ResponseWriter, edits []permissions.Edit, err error) {
	if err != nil {
		writeCommandError(w, err)
		return
	}
	atomic.AddInt64(&metrics.CommandsServed, 1)
	writeJSON(w, editsResponse{OK: true, Edits: edits})
}

func writeCommandError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, commands.ErrNotAdmin):
		http.Error(w, "Not an admin of this channel", http.StatusForbidden)
	case errors.Is(err, commands.ErrNotClaimable):
		http.Error(w, "Channel already has an admin", http.StatusConflict)
	case errors.Is(err, commands.ErrSelfTarget):
		http.Error(w, "Cannot target yourself", http.StatusBadRequest)
	case errors.Is(err, commands.ErrNotMember):
		http.Error(w, "User is not in the channel", http.StatusBadRequest)
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, "Channel is not tracked", http.StatusNotFound)
	default:
		http.Error(w, "Command failed", http.StatusBadGateway)
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
