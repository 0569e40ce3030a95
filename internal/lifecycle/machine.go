package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"dvc-server/internal/metrics"
	"dvc-server/internal/permissions"
	"dvc-server/internal/platform"
	"dvc-server/internal/store"

	"github.com/sirupsen/logrus"
)

// Config carries the identifiers the machine operates against. Passed in at
// construction; the machine holds no ambient global state.
type Config struct {
	GuildID         string
	LobbyChannelID  string
	CategoryID      string
	CategoryName    string
	NameTemplate    string
	CommandPrefixes []string
	CallTimeout     time.Duration
	Workers         int
}

// Machine decides, for every membership transition, whether to create a
// channel, delete one, mutate its admin set, or open it for claiming. All
// persistent state lives in the store; all platform effects go through the
// client.
type Machine struct {
	cfg        Config
	store      *store.Store
	platform   platform.Client
	categoryID string

	mu        sync.Mutex
	userLocks map[string]*userLock
}

type userLock struct {
	sync.Mutex
	refs int
}

func New(cfg Config, s *store.Store, client platform.Client) *Machine {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	return &Machine{
		cfg:        cfg,
		store:      s,
		platform:   client,
		categoryID: cfg.CategoryID,
		userLocks:  make(map[string]*userLock),
	}
}

// Bootstrap ensures the category the lobby spawns channels under exists,
// creating it when the configuration carries none. Returns the category id
// in use so the caller can persist it.
func (m *Machine) Bootstrap(ctx context.Context) (string, error) {
	if m.categoryID != "" {
		return m.categoryID, nil
	}

	var id string
	err := m.call(ctx, "create category", func(ctx context.Context) error {
		var err error
		id, err = m.platform.CreateCategory(ctx, m.cfg.CategoryName)
		return err
	})
	if err != nil {
		return "", err
	}
	m.categoryID = id
	logrus.Infof("Created channel category %s", id)
	return id, nil
}

// Run consumes transitions until the channel closes. Events run on
// cfg.Workers goroutines; ordering within one channel is enforced by the
// store's per-channel critical sections, not by the workers.
func (m *Machine) Run(events <-chan platform.MembershipTransition) {
	var wg sync.WaitGroup
	for i := 0; i < m.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ev := range events {
				if err := m.HandleTransition(context.Background(), ev); err != nil {
					atomic.AddInt64(&metrics.EventsFailed, 1)
					logrus.WithFields(logrus.Fields{
						"event": ev.EventID,
						"user":  ev.UserID,
					}).Errorf("Event handling failed: %v", err)
				}
				atomic.AddInt64(&metrics.EventsProcessed, 1)
			}
		}()
	}
	wg.Wait()
}

// HandleTransition applies one membership transition. A failed platform
// call fails this event only; the store keeps its last consistent state.
func (m *Machine) HandleTransition(ctx context.Context, ev platform.MembershipTransition) error {
	guildID := ev.GuildID
	if guildID == "" {
		guildID = m.cfg.GuildID
	}

	if ev.ToChannelID == m.cfg.LobbyChannelID {
		if err := m.createChannel(ctx, guildID, ev.UserID); err != nil {
			return err
		}
	} else if ev.ToChannelID != "" {
		if err := m.restoreOwner(ctx, guildID, ev.UserID, ev.ToChannelID); err != nil {
			return err
		}
	}

	// The lobby itself is never tracked, so its exits carry no bookkeeping.
	if ev.FromChannelID != "" && ev.FromChannelID != m.cfg.LobbyChannelID {
		if err := m.handleDeparture(ctx, guildID, ev.UserID, ev.FromChannelID); err != nil {
			return err
		}
	}

	return nil
}

// createChannel spawns a fresh channel for a user standing in the lobby and
// seeds them as its sole admin. Serialized per user: one lobby entry yields
// one channel even when the event is delivered twice.
func (m *Machine) createChannel(ctx context.Context, guildID, userID string) error {
	l := m.lockUser(userID)
	defer m.unlockUser(userID, l)

	// Re-check under the lock. On a duplicate delivery the first handler
	// already moved the user out of the lobby.
	var lobbyMembers []string
	err := m.call(ctx, "list lobby members", func(ctx context.Context) error {
		var err error
		lobbyMembers, err = m.platform.Members(ctx, m.cfg.LobbyChannelID)
		return err
	})
	if err != nil {
		return err
	}
	if !containsUser(lobbyMembers, userID) {
		logrus.Debugf("User %s no longer in lobby, skipping create", userID)
		return nil
	}

	name := m.channelName(ctx, userID)

	var channelID string
	err = m.call(ctx, "create channel", func(ctx context.Context) error {
		var err error
		channelID, err = m.platform.CreateChannel(ctx, m.categoryID, name)
		return err
	})
	if err != nil {
		return err
	}

	if err := m.store.Create(ctx, guildID, channelID, userID); err != nil {
		m.compensateDelete(channelID)
		return err
	}

	err = m.call(ctx, "move user", func(ctx context.Context) error {
		return m.platform.MoveUser(ctx, userID, channelID)
	})
	if err != nil {
		// The user never made it in; roll the record back and drop the
		// channel so store and platform stay paired.
		if derr := m.store.Delete(ctx, guildID, channelID); derr != nil {
			logrus.Errorf("Rollback of record %s failed: %v", channelID, derr)
		}
		m.compensateDelete(channelID)
		return err
	}

	atomic.AddInt64(&metrics.ChannelsCreated, 1)
	logrus.Infof("Created channel %s %q for user %s", channelID, name, userID)

	err = m.call(ctx, "apply admin grants", func(ctx context.Context) error {
		return m.platform.ApplyPermissionEdits(ctx, channelID, permissions.AdminGrant(userID))
	})
	if err != nil {
		// Record is the source of truth; the grant can be re-applied later.
		return err
	}
	return nil
}

// restoreOwner hands admin back to a channel's last owner when they rejoin
// while the channel sits claimable. The store makes the check-and-write
// atomic, so a racing claim and restoration cannot both win.
func (m *Machine) restoreOwner(ctx context.Context, guildID, userID, channelID string) error {
	rec, err := m.store.Get(ctx, guildID, channelID)
	if errors.Is(err, store.ErrNotFound) {
		return nil // not one of ours
	}
	if err != nil {
		return err
	}
	if !rec.Claimable || rec.LastOwner != userID {
		return nil
	}

	restored, err := m.store.Restore(ctx, guildID, channelID, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	if !restored {
		return nil
	}

	atomic.AddInt64(&metrics.Restorations, 1)
	logrus.Infof("Restored admin %s on channel %s", userID, channelID)

	if err := m.call(ctx, "apply admin grants", func(ctx context.Context) error {
		return m.platform.ApplyPermissionEdits(ctx, channelID, permissions.AdminGrant(userID))
	}); err != nil {
		return err
	}

	name := m.memberName(ctx, userID)
	return m.call(ctx, "send notification", func(ctx context.Context) error {
		return m.platform.SendNotification(ctx, channelID,
			fmt.Sprintf("Original admin `%s` has rejoined, their admin rights have been restored.", name))
	})
}

// handleDeparture tears the channel down when its last member leaves, and
// otherwise keeps the admin set and claimability in step.
func (m *Machine) handleDeparture(ctx context.Context, guildID, userID, channelID string) error {
	_, err := m.store.Get(ctx, guildID, channelID)
	if errors.Is(err, store.ErrNotFound) {
		return nil // not one of ours
	}
	if err != nil {
		return err
	}

	var members []string
	err = m.call(ctx, "list channel members", func(ctx context.Context) error {
		var err error
		members, err = m.platform.Members(ctx, channelID)
		return err
	})
	if err != nil {
		return err
	}

	if len(members) == 0 {
		// Empty channel wins over admin bookkeeping: the channel goes away,
		// record last. A redelivery after a failed delete retries cleanly.
		err = m.call(ctx, "delete channel", func(ctx context.Context) error {
			return m.platform.DeleteChannel(ctx, channelID)
		})
		if err != nil {
			return err
		}
		if err := m.store.Delete(ctx, guildID, channelID); err != nil {
			return err
		}
		atomic.AddInt64(&metrics.ChannelsDeleted, 1)
		logrus.Infof("Deleted empty channel %s", channelID)
		return nil
	}

	removed, claimOpened, err := m.store.RemoveAdmin(ctx, guildID, channelID, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil // raced with deletion
		}
		return err
	}
	if removed {
		if err := m.call(ctx, "clear admin grants", func(ctx context.Context) error {
			return m.platform.ApplyPermissionEdits(ctx, channelID, permissions.AdminClear(userID))
		}); err != nil {
			return err
		}
	}
	if claimOpened {
		atomic.AddInt64(&metrics.ClaimsOpened, 1)
		logrus.Infof("Channel %s has no admin left, open for claims", channelID)

		name := m.memberName(ctx, userID)
		return m.call(ctx, "send notification", func(ctx context.Context) error {
			return m.platform.SendNotification(ctx, channelID,
				fmt.Sprintf("Admin `%s` has left the channel. Anyone present can take over with `%s`.",
					name, CommandTemplate(m.cfg.CommandPrefixes, "claim")))
		})
	}
	return nil
}

// call runs one platform primitive with a bounded timeout, retrying once.
// The timeout keeps a stalled call from pinning a per-channel section.
func (m *Machine) call(ctx context.Context, op string, fn func(context.Context) error) error {
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
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

// compensateDelete best-effort removes a channel whose setup could not
// complete. Failure here leaves an orphan for reconciliation to pick up.
func (m *Machine) compensateDelete(channelID string) {
	err := m.call(context.Background(), "compensating delete", func(ctx context.Context) error {
		return m.platform.DeleteChannel(ctx, channelID)
	})
	if err != nil {
		logrus.Errorf("Orphaned channel %s could not be removed: %v", channelID, err)
	}
}

func (m *Machine) channelName(ctx context.Context, userID string) string {
	return fmt.Sprintf(m.cfg.NameTemplate, m.memberName(ctx, userID))
}

func (m *Machine) memberName(ctx context.Context, userID string) string {
	callCtx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
	defer cancel()

	name, err := m.platform.MemberName(callCtx, userID)
	if err != nil || name == "" {
		return userID
	}
	return name
}

func (m *Machine) lockUser(userID string) *userLock {
	m.mu.Lock()
	l, ok := m.userLocks[userID]
	if !ok {
		l = &userLock{}
		m.userLocks[userID] = l
	}
	l.refs++
	m.mu.Unlock()

	l.Lock()
	return l
}

func (m *Machine) unlockUser(userID string, l *userLock) {
	l.Unlock()

	m.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(m.userLocks, userID)
	}
	m.mu.Unlock()
}

// CommandTemplate renders a command with every accepted prefix, e.g.
// "$claim | !claim".
func CommandTemplate(prefixes []string, command string) string {
	parts := make([]string, 0, len(prefixes))
	for _, p := range prefixes {
		parts = append(parts, p+command)
	}
	return strings.Join(parts, " | ")
}

func containsUser(users []string, userID string) bool {
	for _, u := range users {
		if u == userID {
			return true
		}
	}
	return false
}
