package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"dvc-server/internal/lifecycle"
	"dvc-server/internal/permissions"
	"dvc-server/internal/platform"
	"dvc-server/internal/store"

	"github.com/sirupsen/logrus"
)

var (
	// ErrNotAdmin rejects a privileged command from a non-admin. Causes no
	// state mutation.
	ErrNotAdmin = errors.New("commands: user is not an admin of this channel")
	// ErrNotClaimable rejects a claim on a channel that still has an admin.
	ErrNotClaimable = errors.New("commands: channel already has an admin")
	// ErrSelfTarget rejects kick/ban aimed at the caller.
	ErrSelfTarget = errors.New("commands: cannot target yourself")
	// ErrNotMember rejects actions requiring presence in the channel.
	ErrNotMember = errors.New("commands: user is not in the channel")
)

// Service is the mutation surface the external command layer calls into.
// Parsing, reply formatting and authorization-failure messaging live out
// there; this service owns the state changes and the resulting permission
// deltas.
type Service struct {
	guildID  string
	prefixes []string
	store    *store.Store
	platform platform.Client
	timeout  time.Duration
}

func NewService(guildID string, prefixes []string, s *store.Store, client platform.Client, timeout time.Duration) *Service {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Service{
		guildID:  guildID,
		prefixes: prefixes,
		store:    s,
		platform: client,
		timeout:  timeout,
	}
}

// IsAdmin reports whether the user currently administers the channel.
// Untracked channels simply answer false.
func (s *Service) IsAdmin(ctx context.Context, channelID, userID string) bool {
	rec, err := s.store.Get(ctx, s.guildID, channelID)
	if err != nil {
		return false
	}
	return rec.IsAdmin(userID)
}

// Claim seats a present member of a claimable channel as its new admin.
func (s *Service) Claim(ctx context.Context, channelID, userID string) error {
	members, err := s.members(ctx, channelID)
	if err != nil {
		return err
	}
	if !containsUser(members, userID) {
		return ErrNotMember
	}

	claimed, err := s.store.Claim(ctx, s.guildID, channelID, userID)
	if err != nil {
		return err
	}
	if !claimed {
		return ErrNotClaimable
	}

	logrus.Infof("User %s claimed channel %s", userID, channelID)

	if err := s.applyEdits(ctx, channelID, permissions.AdminGrant(userID)); err != nil {
		return err
	}

	name := s.memberName(ctx, userID)
	return s.call(ctx, "send notification", func(ctx context.Context) error {
		return s.platform.SendNotification(ctx, channelID,
			fmt.Sprintf("`%s` is now the admin of this channel.", name))
	})
}

// Kick disconnects a member from the channel without banning them.
func (s *Service) Kick(ctx context.Context, channelID, actorID, targetID string) error {
	if err := s.requireAdmin(ctx, channelID, actorID); err != nil {
		return err
	}
	if targetID == actorID {
		return ErrSelfTarget
	}

	members, err := s.members(ctx, channelID)
	if err != nil {
		return err
	}
	if !containsUser(members, targetID) {
		return ErrNotMember
	}

	return s.applyEdits(ctx, channelID, []permissions.Edit{
		{Action: permissions.ActionDisconnect, UserID: targetID},
	})
}

// Ban excludes the target from the channel permanently: disconnected if
// present, then denied view/connect/send/history. Membership is snapshotted
// before any mutation so the decision cannot shift under our feet.
func (s *Service) Ban(ctx context.Context, channelID, actorID, targetID string) ([]permissions.Edit, error) {
	if err := s.requireAdmin(ctx, channelID, actorID); err != nil {
		return nil, err
	}
	if targetID == actorID {
		return nil, ErrSelfTarget
	}

	members, err := s.members(ctx, channelID)
	if err != nil {
		return nil, err
	}
	connected := containsUser(members, targetID)

	changed, err := s.store.AddBan(ctx, s.guildID, channelID, targetID)
	if err != nil {
		return nil, err
	}
	if !changed {
		return nil, nil // already banned, nothing to re-apply
	}

	logrus.Infof("User %s banned %s from channel %s", actorID, targetID, channelID)

	edits := permissions.BanEdits(targetID, connected)
	if err := s.applyEdits(ctx, channelID, edits); err != nil {
		return edits, err
	}
	return edits, nil
}

// Unban clears exactly the ban denials back to the default.
func (s *Service) Unban(ctx context.Context, channelID, actorID, targetID string) ([]permissions.Edit, error) {
	if err := s.requireAdmin(ctx, channelID, actorID); err != nil {
		return nil, err
	}

	changed, err := s.store.RemoveBan(ctx, s.guildID, channelID, targetID)
	if err != nil {
		return nil, err
	}
	if !changed {
		return nil, nil
	}

	edits := permissions.UnbanEdits(targetID)
	if err := s.applyEdits(ctx, channelID, edits); err != nil {
		return edits, err
	}
	return edits, nil
}

// MutateAdmin grants or revokes admin rights on behalf of an acting admin.
// A revocation that empties the admin set opens the channel for claims but
// records no last owner; a demoted admin has no path back via restoration.
func (s *Service) MutateAdmin(ctx context.Context, channelID, actorID, targetID string, add bool) ([]permissions.Edit, error) {
	if err := s.requireAdmin(ctx, channelID, actorID); err != nil {
		return nil, err
	}

	if add {
		changed, err := s.store.AddAdmin(ctx, s.guildID, channelID, targetID)
		if err != nil {
			return nil, err
		}
		if !changed {
			return nil, nil
		}
		edits := permissions.AdminGrant(targetID)
		if err := s.applyEdits(ctx, channelID, edits); err != nil {
			return edits, err
		}
		return edits, nil
	}

	removed, claimOpened, err := s.store.DemoteAdmin(ctx, s.guildID, channelID, targetID)
	if err != nil {
		return nil, err
	}
	if !removed {
		return nil, nil
	}

	rec, err := s.store.Get(ctx, s.guildID, channelID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	var edits []permissions.Edit
	if err == nil && rec.IsBanned(targetID) {
		// Ban overwrites stay in place; clearing admin grants would strip
		// part of the deny set.
		edits = nil
	} else {
		edits = permissions.AdminClear(targetID)
		if err := s.applyEdits(ctx, channelID, edits); err != nil {
			return edits, err
		}
	}

	if claimOpened {
		if err := s.call(ctx, "send notification", func(ctx context.Context) error {
			return s.platform.SendNotification(ctx, channelID,
				fmt.Sprintf("This channel has no admin. Anyone present can take over with `%s`.",
					lifecycle.CommandTemplate(s.prefixes, "claim")))
		}); err != nil {
			return edits, err
		}
	}
	return edits, nil
}

// SetHidden toggles channel visibility for everyone else.
func (s *Service) SetHidden(ctx context.Context, channelID, actorID string, hidden bool) error {
	if err := s.requireAdmin(ctx, channelID, actorID); err != nil {
		return err
	}
	return s.applyEdits(ctx, channelID, permissions.HideEdits(hidden))
}

// SetLocked toggles whether others can join the channel.
func (s *Service) SetLocked(ctx context.Context, channelID, actorID string, locked bool) error {
	if err := s.requireAdmin(ctx, channelID, actorID); err != nil {
		return err
	}
	return s.applyEdits(ctx, channelID, permissions.LockEdits(locked))
}

// SetMuted toggles whether non-admins may speak.
func (s *Service) SetMuted(ctx context.Context, channelID, actorID string, muted bool) error {
	if err := s.requireAdmin(ctx, channelID, actorID); err != nil {
		return err
	}
	return s.applyEdits(ctx, channelID, permissions.MuteEdits(muted))
}

// SetName renames the channel.
func (s *Service) SetName(ctx context.Context, channelID, actorID, name string) error {
	if err := s.requireAdmin(ctx, channelID, actorID); err != nil {
		return err
	}
	return s.updateSettings(ctx, channelID, platform.ChannelSettings{Name: &name})
}

// SetUserLimit caps how many users may join the channel. Zero removes the cap.
func (s *Service) SetUserLimit(ctx context.Context, channelID, actorID string, limit int) error {
	if err := s.requireAdmin(ctx, channelID, actorID); err != nil {
		return err
	}
	return s.updateSettings(ctx, channelID, platform.ChannelSettings{UserLimit: &limit})
}

// SetBitrate adjusts the channel's audio bitrate.
func (s *Service) SetBitrate(ctx context.Context, channelID, actorID string, bitrate int) error {
	if err := s.requireAdmin(ctx, channelID, actorID); err != nil {
		return err
	}
	return s.updateSettings(ctx, channelID, platform.ChannelSettings{Bitrate: &bitrate})
}

func (s *Service) requireAdmin(ctx context.Context, channelID, actorID string) error {
	if !s.IsAdmin(ctx, channelID, actorID) {
		return ErrNotAdmin
	}
	return nil
}

func (s *Service) members(ctx context.Context, channelID string) ([]string, error) {
	var members []string
	err := s.call(ctx, "list channel members", func(ctx context.Context) error {
		var err error
		members, err = s.platform.Members(ctx, channelID)
		return err
	})
	return members, err
}

func (s *Service) applyEdits(ctx context.Context, channelID string, edits []permissions.Edit) error {
	return s.call(ctx, "apply permission edits", func(ctx context.Context) error {
		return s.platform.ApplyPermissionEdits(ctx, channelID, edits)
	})
}

func (s *Service) updateSettings(ctx context.Context, channelID string, settings platform.ChannelSettings) error {
	return s.call(ctx, "update channel settings", func(ctx context.Context) error {
		return s.platform.UpdateChannelSettings(ctx, channelID, settings)
	})
}

func (s *Service) memberName(ctx context.Context, userID string) string {
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	name, err := s.platform.MemberName(callCtx, userID)
	if err != nil || name == "" {
		return userID
	}
	return name
}

// call bounds one platform primitive with a timeout and retries it once.
func (s *Service) call(ctx context.Context, op string, fn func(context.Context) error) error {
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, s.timeout)
		err = fn(callCtx)
		cancel()
		if err == nil {
			return nil
		}
		if attempt == 0 {
			logrus.Warnf("Platform call %q failed, retrying: %v", op, err)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func containsUser(users []string, userID string) bool {
	for _, u := range users {
		if u == userID {
			return true
		}
	}
	return false
}
