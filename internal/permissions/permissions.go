package permissions

// Permission names match the platform's overwrite keys.
type Permission string

const (
	PermissionView           Permission = "view"
	PermissionConnect        Permission = "connect"
	PermissionSpeak          Permission = "speak"
	PermissionSendMessages   Permission = "send_messages"
	PermissionReadHistory    Permission = "read_history"
	PermissionManageChannel  Permission = "manage_channel"
	PermissionMuteMembers    Permission = "mute_members"
	PermissionDeafenMembers  Permission = "deafen_members"
	PermissionManageMessages Permission = "manage_messages"
)

type EditAction string

const (
	// Grant sets an explicit allow overwrite for the target.
	ActionGrant EditAction = "grant"
	// Deny sets an explicit deny overwrite for the target.
	ActionDeny EditAction = "deny"
	// Clear removes the overwrite entirely, reverting to the default.
	ActionClear EditAction = "clear"
	// Disconnect drops the target from the voice channel. Carries no permissions.
	ActionDisconnect EditAction = "disconnect"
)

// Edit is a single permission-overwrite instruction for a channel.
// An empty UserID targets the default (everyone) role.
type Edit struct {
	Action      EditAction   `json:"action"`
	UserID      string       `json:"user_id,omitempty"`
	Permissions []Permission `json:"permissions,omitempty"`
}

// adminPerms are the elevated rights a channel admin holds.
var adminPerms = []Permission{
	PermissionManageChannel,
	PermissionMuteMembers,
	PermissionDeafenMembers,
	PermissionManageMessages,
}

// banPerms are the rights stripped from a banned user.
var banPerms = []Permission{
	PermissionView,
	PermissionConnect,
	PermissionSendMessages,
	PermissionReadHistory,
}
