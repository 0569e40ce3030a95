package permissions

// AdminGrant returns the edits applied when a user gains channel admin.
func AdminGrant(userID string) []Edit {
	return []Edit{{Action: ActionGrant, UserID: userID, Permissions: adminPerms}}
}

// AdminClear reverts a former admin's grants back to the default. The
// overwrite is removed, not flipped to deny.
func AdminClear(userID string) []Edit {
	return []Edit{{Action: ActionClear, UserID: userID, Permissions: adminPerms}}
}

// BanEdits returns the edits applied when a user is banned. A connected
// user is disconnected before the deny overwrites land.
func BanEdits(userID string, connected bool) []Edit {
	edits := make([]Edit, 0, 2)
	if connected {
		edits = append(edits, Edit{Action: ActionDisconnect, UserID: userID})
	}
	return append(edits, Edit{Action: ActionDeny, UserID: userID, Permissions: banPerms})
}

// UnbanEdits clears exactly the four ban denials back to the default.
func UnbanEdits(userID string) []Edit {
	return []Edit{{Action: ActionClear, UserID: userID, Permissions: banPerms}}
}

// Diff projects an admin/ban set change onto the edits that reconcile the
// channel's overwrites. connected reports which users are currently in the
// channel, so fresh bans can disconnect them first.
func Diff(oldAdmins, newAdmins, oldBans, newBans []string, connected map[string]bool) []Edit {
	oldAdminSet := toSet(oldAdmins)
	newAdminSet := toSet(newAdmins)
	oldBanSet := toSet(oldBans)
	newBanSet := toSet(newBans)

	var edits []Edit

	for _, u := range newAdmins {
		if !oldAdminSet[u] {
			edits = append(edits, AdminGrant(u)...)
		}
	}
	for _, u := range oldAdmins {
		// A demoted user who was banned in the same change keeps the deny
		// overwrites; clearing would undo part of the ban.
		if !newAdminSet[u] && !newBanSet[u] {
			edits = append(edits, AdminClear(u)...)
		}
	}
	for _, u := range newBans {
		if !oldBanSet[u] {
			edits = append(edits, BanEdits(u, connected[u])...)
		}
	}
	for _, u := range oldBans {
		if !newBanSet[u] {
			edits = append(edits, UnbanEdits(u)...)
		}
	}

	return edits
}

// HideEdits toggles channel visibility for the default role.
func HideEdits(hidden bool) []Edit {
	if hidden {
		return []Edit{{Action: ActionDeny, Permissions: []Permission{PermissionView}}}
	}
	return []Edit{{Action: ActionClear, Permissions: []Permission{PermissionView}}}
}

// LockEdits toggles whether the default role can join the channel.
func LockEdits(locked bool) []Edit {
	if locked {
		return []Edit{{Action: ActionDeny, Permissions: []Permission{PermissionConnect}}}
	}
	return []Edit{{Action: ActionClear, Permissions: []Permission{PermissionConnect}}}
}

// MuteEdits toggles whether the default role can speak in the channel.
func MuteEdits(muted bool) []Edit {
	if muted {
		return []Edit{{Action: ActionDeny, Permissions: []Permission{PermissionSpeak}}}
	}
	return []Edit{{Action: ActionClear, Permissions: []Permission{PermissionSpeak}}}
}

func toSet(users []string) map[string]bool {
	set := make(map[string]bool, len(users))
	for _, u := range users {
		set[u] = true
	}
	return set
}
