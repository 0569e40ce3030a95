package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"dvc-server/internal/commands"
	"dvc-server/internal/permissions"
	"dvc-server/internal/platform"
	"dvc-server/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	_ "modernc.org/sqlite"
)

// noopPlatform satisfies platform.Client for handler tests that only care
// about status codes and store state.
type noopPlatform struct {
	members map[string][]string
}

func (p *noopPlatform) CreateChannel(ctx context.Context, categoryID, name string) (string, error) {
	return "", nil
}
func (p *noopPlatform) CreateCategory(ctx context.Context, name string) (string, error) {
	return "", nil
}
func (p *noopPlatform) DeleteChannel(ctx context.Context, channelID string) error   { return nil }
func (p *noopPlatform) MoveUser(ctx context.Context, userID, channelID string) error { return nil }
func (p *noopPlatform) Members(ctx context.Context, channelID string) ([]string, error) {
	return p.members[channelID], nil
}
func (p *noopPlatform) MemberName(ctx context.Context, userID string) (string, error) {
	return "", nil
}
func (p *noopPlatform) ApplyPermissionEdits(ctx context.Context, channelID string, edits []permissions.Edit) error {
	return nil
}
func (p *noopPlatform) SendNotification(ctx context.Context, channelID, text string) error {
	return nil
}
func (p *noopPlatform) UpdateChannelSettings(ctx context.Context, channelID string, settings platform.ChannelSettings) error {
	return nil
}

func newTestHandlers(t *testing.T) (*CommandHandlers, *store.Store, *noopPlatform) {
	t.Helper()

	gdb, err := gorm.Open(sqlite.Dialector{
		DriverName: "sqlite",
		DSN:        filepath.Join(t.TempDir(), "test.db"),
	}, &gorm.Config{})
	require.NoError(t, err)

	s := store.New(gdb)
	require.NoError(t, s.Migrate())

	p := &noopPlatform{members: make(map[string][]string)}
	svc := commands.NewService("g1", []string{"$"}, s, p, 2*time.Second)
	return NewCommandHandlers(svc), s, p
}

func postCommand(t *testing.T, handler http.HandlerFunc, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	data, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(data))
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func TestIsAdminHandler(t *testing.T) {
	h, s, _ := newTestHandlers(t)
	require.NoError(t, s.Create(context.Background(), "g1", "c1", "alice"))

	req := httptest.NewRequest(http.MethodGet, "/channels/is-admin?channel_id=c1&user_id=alice", nil)
	rec := httptest.NewRecorder()
	h.IsAdminHandler(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, true, resp["is_admin"])

	req = httptest.NewRequest(http.MethodGet, "/channels/is-admin?channel_id=c1", nil)
	rec = httptest.NewRecorder()
	h.IsAdminHandler(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestClaimHandlerStatusCodes(t *testing.T) {
	h, s, p := newTestHandlers(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, "g1", "c1", "alice"))
	p.members["c1"] = []string{"bob"}

	// Channel still has an admin
	rec := postCommand(t, h.ClaimHandler, commandRequest{ChannelID: "c1", UserID: "bob"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	_, _, err := s.RemoveAdmin(ctx, "g1", "c1", "alice")
	require.NoError(t, err)

	rec = postCommand(t, h.ClaimHandler, commandRequest{ChannelID: "c1", UserID: "bob"})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp editsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.OK)
}

func TestKickHandlerValidation(t *testing.T) {
	h, s, p := newTestHandlers(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, "g1", "c1", "alice"))
	p.members["c1"] = []string{"alice", "bob"}

	rec := postCommand(t, h.KickHandler, commandRequest{ChannelID: "c1", UserID: "alice"})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "missing target_id")

	rec = postCommand(t, h.KickHandler, commandRequest{ChannelID: "c1", UserID: "bob", TargetID: "alice"})
	assert.Equal(t, http.StatusForbidden, rec.Code, "non-admin issuer")

	rec = postCommand(t, h.KickHandler, commandRequest{ChannelID: "c1", UserID: "alice", TargetID: "bob"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestBanHandlerReturnsEdits(t *testing.T) {
	h, s, p := newTestHandlers(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, "g1", "c1", "alice"))
	p.members["c1"] = []string{"alice", "mallory"}

	rec := postCommand(t, h.BanHandler, commandRequest{ChannelID: "c1", UserID: "alice", TargetID: "mallory"})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp editsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Edits, 2)
	assert.Equal(t, permissions.ActionDisconnect, resp.Edits[0].Action)
	assert.Equal(t, permissions.ActionDeny, resp.Edits[1].Action)
}

func TestChmodHandlerModeValidation(t *testing.T) {
	h, s, _ := newTestHandlers(t)
	require.NoError(t, s.Create(context.Background(), "g1", "c1", "alice"))

	rec := postCommand(t, h.ChmodHandler, commandRequest{ChannelID: "c1", UserID: "alice", TargetID: "bob", Mode: "sideways"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = postCommand(t, h.ChmodHandler, commandRequest{ChannelID: "c1", UserID: "alice", TargetID: "bob", Mode: "add"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestUntrackedChannelStatusCodes(t *testing.T) {
	h, _, p := newTestHandlers(t)

	// Admin-gated commands fail authorization, nobody administers a ghost
	rec := postCommand(t, h.NameHandler, commandRequest{ChannelID: "ghost", UserID: "alice", Name: "den"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// A claim by a present member surfaces the missing record itself
	p.members["ghost"] = []string{"alice"}
	rec = postCommand(t, h.ClaimHandler, commandRequest{ChannelID: "ghost", UserID: "alice"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMethodNotAllowed(t *testing.T) {
	h, _, _ := newTestHandlers(t)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	h.ClaimHandler(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
