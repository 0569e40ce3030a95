package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"dvc-server/internal/permissions"
	"dvc-server/internal/platform"
	"dvc-server/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	_ "modernc.org/sqlite"
)

// fakePlatform is an in-memory stand-in for the chat platform.
type fakePlatform struct {
	mu            sync.Mutex
	nextID        int
	channels      map[string]bool
	userChannel   map[string]string
	names         map[string]string
	notifications map[string][]string
	edits         map[string][]permissions.Edit
	deleted       []string

	failCreate int
	failMove   int
	failDelete int
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{
		channels:      map[string]bool{"lobby": true},
		userChannel:   make(map[string]string),
		names:         make(map[string]string),
		notifications: make(map[string][]string),
		edits:         make(map[string][]permissions.Edit),
	}
}

func (f *fakePlatform) put(userID, channelID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if channelID == "" {
		delete(f.userChannel, userID)
	} else {
		f.userChannel[userID] = channelID
	}
}

func (f *fakePlatform) CreateChannel(ctx context.Context, categoryID, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCreate > 0 {
		f.failCreate--
		return "", errors.New("platform unavailable")
	}
	f.nextID++
	id := fmt.Sprintf("chan-%d", f.nextID)
	f.channels[id] = true
	return id, nil
}

func (f *fakePlatform) CreateCategory(ctx context.Context, name string) (string, error) {
	return "cat-1", nil
}

func (f *fakePlatform) DeleteChannel(ctx context.Context, channelID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failDelete > 0 {
		f.failDelete--
		return errors.New("platform unavailable")
	}
	delete(f.channels, channelID)
	f.deleted = append(f.deleted, channelID)
	for u, c := range f.userChannel {
		if c == channelID {
			delete(f.userChannel, u)
		}
	}
	return nil
}

func (f *fakePlatform) MoveUser(ctx context.Context, userID, channelID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failMove > 0 {
		f.failMove--
		return errors.New("platform unavailable")
	}
	f.userChannel[userID] = channelID
	return nil
}

func (f *fakePlatform) Members(ctx context.Context, channelID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var members []string
	for u, c := range f.userChannel {
		if c == channelID {
			members = append(members, u)
		}
	}
	return members, nil
}

func (f *fakePlatform) MemberName(ctx context.Context, userID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.names[userID], nil
}

func (f *fakePlatform) ApplyPermissionEdits(ctx context.Context, channelID string, edits []permissions.Edit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits[channelID] = append(f.edits[channelID], edits...)
	return nil
}

func (f *fakePlatform) SendNotification(ctx context.Context, channelID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notifications[channelID] = append(f.notifications[channelID], text)
	return nil
}

func (f *fakePlatform) UpdateChannelSettings(ctx context.Context, channelID string, settings platform.ChannelSettings) error {
	return nil
}

func (f *fakePlatform) channelOf(userID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.userChannel[userID]
}

func (f *fakePlatform) notificationCount(channelID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.notifications[channelID])
}

func newTestMachine(t *testing.T) (*Machine, *store.Store, *fakePlatform) {
	t.Helper()

	gdb, err := gorm.Open(sqlite.Dialector{
		DriverName: "sqlite",
		DSN:        filepath.Join(t.TempDir(), "test.db"),
	}, &gorm.Config{})
	require.NoError(t, err)

	s := store.New(gdb)
	require.NoError(t, s.Migrate())

	fp := newFakePlatform()
	m := New(Config{
		GuildID:         "g1",
		LobbyChannelID:  "lobby",
		CategoryID:      "cat-1",
		CategoryName:    "DVC Category",
		NameTemplate:    "%s's channel",
		CommandPrefixes: []string{"$", "!"},
		CallTimeout:     2 * time.Second,
		Workers:         2,
	}, s, fp)
	return m, s, fp
}

func TestLobbyEntryCreatesChannel(t *testing.T) {
	m, s, fp := newTestMachine(t)
	ctx := context.Background()

	fp.put("alice", "lobby")
	fp.names["alice"] = "Alice"

	err := m.HandleTransition(ctx, platform.MembershipTransition{UserID: "alice", ToChannelID: "lobby"})
	require.NoError(t, err)

	// The user landed in the fresh channel, seeded as sole admin
	channelID := fp.channelOf("alice")
	assert.Equal(t, "chan-1", channelID)

	rec, err := s.Get(ctx, "g1", channelID)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, rec.Admins)
	assert.False(t, rec.Claimable)
	assert.Empty(t, rec.LastOwner)

	// Admin grants were applied
	require.NotEmpty(t, fp.edits[channelID])
	assert.Equal(t, permissions.ActionGrant, fp.edits[channelID][0].Action)
}

func TestDuplicateLobbyEntryCreatesOneChannel(t *testing.T) {
	m, s, fp := newTestMachine(t)
	ctx := context.Background()

	fp.put("alice", "lobby")
	ev := platform.MembershipTransition{UserID: "alice", ToChannelID: "lobby"}

	require.NoError(t, m.HandleTransition(ctx, ev))
	// Redelivery: the user already left the lobby, nothing new appears
	require.NoError(t, m.HandleTransition(ctx, ev))

	_, err := s.Get(ctx, "g1", "chan-1")
	assert.NoError(t, err)
	_, err = s.Get(ctx, "g1", "chan-2")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestLobbyExitIsIgnored(t *testing.T) {
	m, s, fp := newTestMachine(t)
	ctx := context.Background()

	fp.put("alice", "")
	err := m.HandleTransition(ctx, platform.MembershipTransition{UserID: "alice", FromChannelID: "lobby"})
	require.NoError(t, err)

	_, err = s.Get(ctx, "g1", "lobby")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestLastMemberLeavingDeletesChannel(t *testing.T) {
	m, s, fp := newTestMachine(t)
	ctx := context.Background()

	fp.put("alice", "lobby")
	require.NoError(t, m.HandleTransition(ctx, platform.MembershipTransition{UserID: "alice", ToChannelID: "lobby"}))
	channelID := fp.channelOf("alice")

	fp.put("alice", "")
	require.NoError(t, m.HandleTransition(ctx, platform.MembershipTransition{UserID: "alice", FromChannelID: channelID}))

	_, err := s.Get(ctx, "g1", channelID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Contains(t, fp.deleted, channelID)
}

func TestAdminDepartureOpensClaim(t *testing.T) {
	m, s, fp := newTestMachine(t)
	ctx := context.Background()

	fp.put("alice", "lobby")
	require.NoError(t, m.HandleTransition(ctx, platform.MembershipTransition{UserID: "alice", ToChannelID: "lobby"}))
	channelID := fp.channelOf("alice")
	fp.put("bob", channelID)

	fp.put("alice", "")
	ev := platform.MembershipTransition{UserID: "alice", FromChannelID: channelID}
	require.NoError(t, m.HandleTransition(ctx, ev))

	rec, err := s.Get(ctx, "g1", channelID)
	require.NoError(t, err)
	assert.Empty(t, rec.Admins)
	assert.True(t, rec.Claimable)
	assert.Equal(t, "alice", rec.LastOwner)

	// Claim-open notice went out exactly once and names the claim command
	require.Equal(t, 1, fp.notificationCount(channelID))
	assert.True(t, strings.Contains(fp.notifications[channelID][0], "$claim | !claim"))

	// Redelivered departure changes nothing and stays quiet
	require.NoError(t, m.HandleTransition(ctx, ev))
	assert.Equal(t, 1, fp.notificationCount(channelID))
}

func TestOwnerRestoration(t *testing.T) {
	m, s, fp := newTestMachine(t)
	ctx := context.Background()

	fp.put("alice", "lobby")
	require.NoError(t, m.HandleTransition(ctx, platform.MembershipTransition{UserID: "alice", ToChannelID: "lobby"}))
	channelID := fp.channelOf("alice")
	fp.put("bob", channelID)

	fp.put("alice", "")
	require.NoError(t, m.HandleTransition(ctx, platform.MembershipTransition{UserID: "alice", FromChannelID: channelID}))

	// Someone else rejoining restores nothing
	fp.put("carol", channelID)
	require.NoError(t, m.HandleTransition(ctx, platform.MembershipTransition{UserID: "carol", ToChannelID: channelID}))
	rec, err := s.Get(ctx, "g1", channelID)
	require.NoError(t, err)
	assert.True(t, rec.Claimable)

	// The last owner rejoining gets their admin back
	fp.put("alice", channelID)
	require.NoError(t, m.HandleTransition(ctx, platform.MembershipTransition{UserID: "alice", ToChannelID: channelID}))

	rec, err = s.Get(ctx, "g1", channelID)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, rec.Admins)
	assert.False(t, rec.Claimable)
	assert.Empty(t, rec.LastOwner)

	// claim-open notice + restoration notice
	assert.Equal(t, 2, fp.notificationCount(channelID))

	// Redelivered join restores nothing further
	require.NoError(t, m.HandleTransition(ctx, platform.MembershipTransition{UserID: "alice", ToChannelID: channelID}))
	assert.Equal(t, 2, fp.notificationCount(channelID))
}

func TestUntrackedChannelsAreLeftAlone(t *testing.T) {
	m, _, fp := newTestMachine(t)
	ctx := context.Background()

	fp.channels["static"] = true
	fp.put("alice", "static")

	require.NoError(t, m.HandleTransition(ctx, platform.MembershipTransition{UserID: "alice", ToChannelID: "static"}))
	fp.put("alice", "")
	require.NoError(t, m.HandleTransition(ctx, platform.MembershipTransition{UserID: "alice", FromChannelID: "static"}))

	assert.NotContains(t, fp.deleted, "static")
}

func TestCreateFailureLeavesNoRecord(t *testing.T) {
	m, s, fp := newTestMachine(t)
	ctx := context.Background()

	fp.put("alice", "lobby")
	fp.failCreate = 2 // initial attempt plus the retry

	err := m.HandleTransition(ctx, platform.MembershipTransition{UserID: "alice", ToChannelID: "lobby"})
	assert.Error(t, err)

	_, err = s.Get(ctx, "g1", "chan-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestMoveFailureRollsBackRecord(t *testing.T) {
	m, s, fp := newTestMachine(t)
	ctx := context.Background()

	fp.put("alice", "lobby")
	fp.failMove = 2

	err := m.HandleTransition(ctx, platform.MembershipTransition{UserID: "alice", ToChannelID: "lobby"})
	assert.Error(t, err)

	// Record rolled back and the orphaned channel compensated away
	_, err = s.Get(ctx, "g1", "chan-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Contains(t, fp.deleted, "chan-1")
}

func TestDeleteFailureRetriesOnRedelivery(t *testing.T) {
	m, s, fp := newTestMachine(t)
	ctx := context.Background()

	fp.put("alice", "lobby")
	require.NoError(t, m.HandleTransition(ctx, platform.MembershipTransition{UserID: "alice", ToChannelID: "lobby"}))
	channelID := fp.channelOf("alice")

	fp.put("alice", "")
	fp.failDelete = 2
	ev := platform.MembershipTransition{UserID: "alice", FromChannelID: channelID}
	assert.Error(t, m.HandleTransition(ctx, ev))

	// The record survived the failed teardown, so a redelivery finishes the job
	_, err := s.Get(ctx, "g1", channelID)
	require.NoError(t, err)

	require.NoError(t, m.HandleTransition(ctx, ev))
	_, err = s.Get(ctx, "g1", channelID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestExternalFailureRetriesOnce(t *testing.T) {
	m, _, fp := newTestMachine(t)
	ctx := context.Background()

	fp.put("alice", "lobby")
	fp.failCreate = 1 // first attempt fails, the retry succeeds

	err := m.HandleTransition(ctx, platform.MembershipTransition{UserID: "alice", ToChannelID: "lobby"})
	require.NoError(t, err)
	assert.Equal(t, "chan-1", fp.channelOf("alice"))
}

func TestCommandTemplate(t *testing.T) {
	assert.Equal(t, "$claim | !claim", CommandTemplate([]string{"$", "!"}, "claim"))
	assert.Equal(t, "$claim", CommandTemplate([]string{"$"}, "claim"))
}
