package platform

import (
	"context"

	"dvc-server/internal/permissions"
)

// MembershipTransition is one voice-state change as delivered by the
// gateway. Either side may be empty: a plain join has no FromChannelID, a
// plain leave has no ToChannelID. Duplicate deliveries are possible.
type MembershipTransition struct {
	EventID       string `json:"event_id,omitempty"`
	GuildID       string `json:"guild_id"`
	UserID        string `json:"user_id"`
	FromChannelID string `json:"from_channel_id,omitempty"`
	ToChannelID   string `json:"to_channel_id,omitempty"`
}

// ChannelSettings carries the user-adjustable knobs of a voice channel.
// Nil fields are left untouched.
type ChannelSettings struct {
	Name      *string `json:"name,omitempty"`
	UserLimit *int    `json:"user_limit,omitempty"`
	Bitrate   *int    `json:"bitrate,omitempty"`
}

// Client is the platform's channel-primitive surface. Every call may block
// on I/O; callers bound them with a context deadline.
type Client interface {
	CreateChannel(ctx context.Context, categoryID, name string) (string, error)
	CreateCategory(ctx context.Context, name string) (string, error)
	DeleteChannel(ctx context.Context, channelID string) error
	MoveUser(ctx context.Context, userID, channelID string) error
	Members(ctx context.Context, channelID string) ([]string, error)
	MemberName(ctx context.Context, userID string) (string, error)
	ApplyPermissionEdits(ctx context.Context, channelID string, edits []permissions.Edit) error
	SendNotification(ctx context.Context, channelID, text string) error
	UpdateChannelSettings(ctx context.Context, channelID string, settings ChannelSettings) error
}
